package adapter_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"meshcore/internal/adapter"
	"meshcore/internal/frame"
	"meshcore/internal/identity"
	"meshcore/internal/routing"
)

func testFrame(t *testing.T) *frame.Frame {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	f := &frame.Frame{
		Version:     frame.Version,
		Type:        frame.TypeData,
		Priority:    128,
		TTL:         8,
		Source:      identity.DeriveNodeID(pub),
		Destination: identity.NodeID{0x42},
		Timestamp:   time.Now().UnixMilli(),
		Payload:     []byte("hello over the bus"),
	}
	f.MessageID = frame.DeriveMessageID(f.Timestamp, f.Source, f.Destination, f.Payload, 1)
	sig, err := identity.Sign(priv, frame.SigningBytes(f))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	f.Signature = sig
	return f
}

func TestMemBusRoundtrip(t *testing.T) {
	bus := adapter.NewBus()
	a := adapter.NewMem(bus, "a")
	b := adapter.NewMem(bus, "b")
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start b: %v", err)
	}
	defer a.Stop()
	defer b.Stop()

	if err := a.Send(ctx, "b", []byte("ping")); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case in := <-b.Receive():
		if in.From != "a" {
			t.Fatalf("from = %q, want a", in.From)
		}
		if string(in.Data) != "ping" {
			t.Fatalf("data = %q", in.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	if got := b.Status().Received; got != 1 {
		t.Fatalf("received = %d, want 1", got)
	}
	if got := a.Status().Sent; got != 1 {
		t.Fatalf("sent = %d, want 1", got)
	}
}

func TestMemBusPartition(t *testing.T) {
	bus := adapter.NewBus()
	a := adapter.NewMem(bus, "a")
	b := adapter.NewMem(bus, "b")
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start b: %v", err)
	}
	defer a.Stop()
	defer b.Stop()

	bus.SetDown("b", true)
	if err := a.Send(ctx, "b", []byte("x")); !errors.Is(err, adapter.ErrUnreachable) {
		t.Fatalf("send to downed node: err = %v, want ErrUnreachable", err)
	}
	bus.SetDown("b", false)
	if err := a.Send(ctx, "b", []byte("x")); err != nil {
		t.Fatalf("send after restore: %v", err)
	}
}

func TestMemSendNotRunning(t *testing.T) {
	a := adapter.NewMem(adapter.NewBus(), "a")
	if err := a.Send(context.Background(), "b", []byte("x")); !errors.Is(err, adapter.ErrNotRunning) {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
}

func TestMemDiscoverPeers(t *testing.T) {
	bus := adapter.NewBus()
	a := adapter.NewMem(bus, "a")
	b := adapter.NewMem(bus, "b")
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start b: %v", err)
	}
	defer a.Stop()
	defer b.Stop()

	hints, err := a.DiscoverPeers(ctx)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(hints) != 1 || hints[0].Addr != "b" {
		t.Fatalf("hints = %+v, want only b", hints)
	}
}

func TestRegistryDuplicate(t *testing.T) {
	bus := adapter.NewBus()
	reg := adapter.NewRegistry(nil)
	if err := reg.Register(adapter.NewMem(bus, "a")); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := reg.Register(adapter.NewMem(bus, "a2")); !errors.Is(err, adapter.ErrDuplicateReg) {
		t.Fatalf("second register: err = %v, want ErrDuplicateReg", err)
	}
}

func TestRegistryGetUnknown(t *testing.T) {
	reg := adapter.NewRegistry(nil)
	if _, ok := reg.Get("nope"); ok {
		t.Fatal("unknown adapter reported present")
	}
	if _, err := reg.SendFrame(context.Background(), "nope", "b", testFrame(t)); !errors.Is(err, adapter.ErrUnknown) {
		t.Fatalf("err = %v, want ErrUnknown", err)
	}
}

func TestRegistrySendFrame(t *testing.T) {
	bus := adapter.NewBus()
	a := adapter.NewMem(bus, "a")
	b := adapter.NewMem(bus, "b")
	ctx := context.Background()
	reg := adapter.NewRegistry(nil)
	if err := reg.Register(a); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.StartAll(ctx); err != nil {
		t.Fatalf("start all: %v", err)
	}
	defer reg.StopAll()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start b: %v", err)
	}
	defer b.Stop()

	f := testFrame(t)
	id, err := reg.SendFrame(ctx, "mem", "b", f)
	if err != nil {
		t.Fatalf("send frame: %v", err)
	}
	if id != f.MessageID {
		t.Fatalf("returned id %s, want %s", id.Hex(), f.MessageID.Hex())
	}
	select {
	case in := <-b.Receive():
		got, err := frame.Decode(in.Data)
		if err != nil {
			t.Fatalf("decode delivered frame: %v", err)
		}
		if got.MessageID != f.MessageID {
			t.Fatalf("message id mismatch")
		}
	case <-time.After(time.Second):
		t.Fatal("frame never delivered")
	}
}

func TestWeightsForBands(t *testing.T) {
	cases := []struct {
		name     string
		priority uint8
		size     int
		check    func(adapter.Weights) bool
	}{
		{"emergency favors latency", 255, 100, func(w adapter.Weights) bool {
			return w.Latency > w.Bandwidth && w.Latency > w.Cost
		}},
		{"background favors cost", 10, 100, func(w adapter.Weights) bool {
			return w.Cost >= w.Latency && w.Bandwidth >= w.Latency
		}},
		{"large payload favors bandwidth", 128, 32 << 10, func(w adapter.Weights) bool {
			return w.Bandwidth > w.Latency
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := adapter.WeightsFor(tc.priority, tc.size)
			if !tc.check(w) {
				t.Fatalf("weights %+v fail band check", w)
			}
		})
	}
}

func TestBestRoutePrefersRunning(t *testing.T) {
	bus := adapter.NewBus()
	running := adapter.NewMem(bus, "up")
	stopped := adapter.NewQUIC("127.0.0.1:0", nil)
	if err := running.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer running.Stop()

	reg := adapter.NewRegistry(nil)
	if err := reg.Register(running); err != nil {
		t.Fatalf("register mem: %v", err)
	}
	if err := reg.Register(stopped); err != nil {
		t.Fatalf("register quic: %v", err)
	}
	addrs := []routing.Address{
		{Adapter: "quic", Addr: "127.0.0.1:9000"},
		{Adapter: "mem", Addr: "up"},
	}
	route, ok := reg.BestRoute(addrs, 128, 64, false)
	if !ok {
		t.Fatal("no route found")
	}
	if route.Adapter.Name() != "mem" {
		t.Fatalf("picked %q, want running mem adapter", route.Adapter.Name())
	}
	if route.Addr != "up" {
		t.Fatalf("route addr = %q, want up", route.Addr)
	}
}

func TestBestRouteAnonymityRequired(t *testing.T) {
	bus := adapter.NewBus()
	plain := adapter.NewMem(bus, "plain")
	if err := plain.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer plain.Stop()

	reg := adapter.NewRegistry(nil)
	if err := reg.Register(plain); err != nil {
		t.Fatalf("register: %v", err)
	}
	addrs := []routing.Address{{Adapter: "mem", Addr: "plain"}}
	if _, ok := reg.BestRoute(addrs, 128, 64, true); ok {
		t.Fatal("found route despite no anonymous adapter")
	}
}

func TestQUICParseAddress(t *testing.T) {
	q := adapter.NewQUIC("127.0.0.1:0", nil)
	if _, err := q.ParseAddress("127.0.0.1:9000"); err != nil {
		t.Fatalf("valid address rejected: %v", err)
	}
	if _, err := q.ParseAddress("not an address"); !errors.Is(err, adapter.ErrBadAddress) {
		t.Fatalf("err = %v, want ErrBadAddress", err)
	}
}
