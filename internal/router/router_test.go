package router_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"meshcore/internal/adapter"
	"meshcore/internal/frame"
	"meshcore/internal/identity"
	"meshcore/internal/router"
	"meshcore/internal/routing"
)

type testNode struct {
	id     identity.NodeID
	priv   ed25519.PrivateKey
	mem    *adapter.Mem
	table  *routing.Table
	router *router.Router

	mu        sync.Mutex
	delivered []*frame.Frame
}

func (n *testNode) deliveredFrames() []*frame.Frame {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*frame.Frame, len(n.delivered))
	copy(out, n.delivered)
	return out
}

func newTestNode(t *testing.T, bus *adapter.Bus, addr string, clk clock.Clock) *testNode {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	n := &testNode{
		id:   identity.DeriveNodeID(pub),
		priv: priv,
		mem:  adapter.NewMem(bus, addr),
	}
	require.NoError(t, n.mem.Start(context.Background()))
	t.Cleanup(func() { n.mem.Stop() })

	reg := adapter.NewRegistry(nil)
	require.NoError(t, reg.Register(n.mem))
	n.table = routing.NewTable(n.id, routing.Options{Clock: clk})

	n.router, err = router.New(router.Options{
		Self:     n.id,
		PrivKey:  priv,
		Table:    n.table,
		Registry: reg,
		Clock:    clk,
		Deliver: func(f *frame.Frame) {
			n.mu.Lock()
			n.delivered = append(n.delivered, f)
			n.mu.Unlock()
		},
	})
	require.NoError(t, err)
	return n
}

// know inserts peer into n's table reachable at the given bus address.
func (n *testNode) know(t *testing.T, peer *testNode, addr string) {
	t.Helper()
	err := n.table.AddOrUpdate(context.Background(), routing.NodeInfo{
		ID:        peer.id,
		Addresses: []routing.Address{{Adapter: "mem", Addr: addr}},
	})
	require.NoError(t, err)
}

func (n *testNode) frameTo(dest identity.NodeID, clk clock.Clock, priority uint8, payload string) *frame.Frame {
	f := &frame.Frame{
		Version:     frame.Version,
		Type:        frame.TypeData,
		Priority:    priority,
		TTL:         8,
		Source:      n.id,
		Destination: dest,
		Timestamp:   clk.Now().UnixMilli(),
		Payload:     []byte(payload),
	}
	f.MessageID = frame.DeriveMessageID(f.Timestamp, f.Source, f.Destination, f.Payload, uint64(clk.Now().UnixNano()))
	return f
}

func recvFrame(t *testing.T, m *adapter.Mem) *frame.Frame {
	t.Helper()
	select {
	case in := <-m.Receive():
		f, err := frame.Decode(in.Data)
		require.NoError(t, err)
		return f
	case <-time.After(time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

func TestLocalDelivery(t *testing.T) {
	clk := clock.NewMock()
	bus := adapter.NewBus()
	a := newTestNode(t, bus, "a", clk)
	b := newTestNode(t, bus, "b", clk)

	f := b.frameTo(a.id, clk, 128, "for a")
	out := a.router.Process(f)
	require.Equal(t, router.Enqueued, out.Disposition)

	it, ok := a.router.Queue().TryPop()
	require.True(t, ok)
	out = a.router.Dispatch(context.Background(), it)
	require.Equal(t, router.Delivered, out.Disposition)

	got := a.deliveredFrames()
	require.Len(t, got, 1)
	require.Equal(t, f.MessageID, got[0].MessageID)
}

func TestDuplicateSilentDrop(t *testing.T) {
	clk := clock.NewMock()
	bus := adapter.NewBus()
	a := newTestNode(t, bus, "a", clk)
	b := newTestNode(t, bus, "b", clk)

	f := b.frameTo(a.id, clk, 128, "once")
	require.Equal(t, router.Enqueued, a.router.Process(f).Disposition)

	out := a.router.Process(f)
	require.Equal(t, router.Dropped, out.Disposition)
	require.Equal(t, router.DropDuplicate, out.Reason)
	require.Equal(t, 1, a.router.Queue().Len(), "duplicate must not be queued")
}

func TestBoundsRejection(t *testing.T) {
	clk := clock.NewMock()
	bus := adapter.NewBus()
	a := newTestNode(t, bus, "a", clk)
	b := newTestNode(t, bus, "b", clk)

	empty := b.frameTo(a.id, clk, 128, "")
	out := a.router.Process(empty)
	require.Equal(t, router.DropInvalid, out.Reason)

	badTTL := b.frameTo(a.id, clk, 128, "x")
	badTTL.TTL = 0
	out = a.router.Process(badTTL)
	require.Equal(t, router.DropInvalid, out.Reason)

	badTTL.TTL = frame.MaxHops + 1
	out = a.router.Process(badTTL)
	require.Equal(t, router.DropInvalid, out.Reason)
}

func TestStaleTimestampRejected(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Now())
	bus := adapter.NewBus()
	a := newTestNode(t, bus, "a", clk)
	b := newTestNode(t, bus, "b", clk)

	old := b.frameTo(a.id, clk, 128, "old")
	old.Timestamp = clk.Now().Add(-10 * time.Minute).UnixMilli()
	out := a.router.Process(old)
	require.Equal(t, router.DropStale, out.Reason)

	future := b.frameTo(a.id, clk, 128, "future")
	future.Timestamp = clk.Now().Add(10 * time.Minute).UnixMilli()
	out = a.router.Process(future)
	require.Equal(t, router.DropStale, out.Reason)

	edge := b.frameTo(a.id, clk, 128, "edge")
	edge.Timestamp = clk.Now().Add(-time.Minute).UnixMilli()
	require.Equal(t, router.Enqueued, a.router.Process(edge).Disposition)
}

func TestBurstScenario(t *testing.T) {
	clk := clock.NewMock()
	bus := adapter.NewBus()
	a := newTestNode(t, bus, "a", clk)
	b := newTestNode(t, bus, "b", clk)

	// 25 messages within 5 seconds: 21 through 25 hit the burst limiter.
	var enqueued, rateDropped int
	for i := 0; i < 25; i++ {
		clk.Add(200 * time.Millisecond)
		f := b.frameTo(a.id, clk, 128, "burst")
		f.MessageID = frame.DeriveMessageID(f.Timestamp, f.Source, f.Destination, f.Payload, uint64(i))
		out := a.router.Process(f)
		switch {
		case out.Disposition == router.Enqueued:
			enqueued++
		case out.Reason == router.DropRateLimited:
			rateDropped++
		default:
			t.Fatalf("message %d: unexpected outcome %+v", i+1, out)
		}
	}
	require.Equal(t, 20, enqueued)
	require.Equal(t, 5, rateDropped)
}

func TestSustainedAbuseSuspendsSource(t *testing.T) {
	clk := clock.NewMock()
	bus := adapter.NewBus()
	a := newTestNode(t, bus, "a", clk)
	b := newTestNode(t, bus, "b", clk)
	c := newTestNode(t, bus, "c", clk)

	var suspended bool
	for i := 0; i < 300 && !suspended; i++ {
		clk.Add(334 * time.Millisecond)
		f := b.frameTo(a.id, clk, 128, "flood")
		f.MessageID = frame.DeriveMessageID(f.Timestamp, f.Source, f.Destination, f.Payload, uint64(i))
		if a.router.Process(f).Reason == router.DropSuspended {
			suspended = true
		}
	}
	require.True(t, suspended, "flooding source never suspended")

	// All traffic from the suspended source drops; others are unaffected.
	f := b.frameTo(a.id, clk, 128, "still blocked")
	require.Equal(t, router.DropSuspended, a.router.Process(f).Reason)
	g := c.frameTo(a.id, clk, 128, "innocent")
	require.Equal(t, router.Enqueued, a.router.Process(g).Disposition)

	clk.Add(11 * time.Minute)
	h := b.frameTo(a.id, clk, 128, "after penalty")
	require.Equal(t, router.Enqueued, a.router.Process(h).Disposition)
}

func TestDirectSendDecrementsTTL(t *testing.T) {
	clk := clock.NewMock()
	bus := adapter.NewBus()
	a := newTestNode(t, bus, "a", clk)
	b := newTestNode(t, bus, "b", clk)
	a.know(t, b, "b")

	f := a.frameTo(b.id, clk, 128, "direct")
	out := a.router.Dispatch(context.Background(), router.Item{Frame: f})
	require.Equal(t, router.Sent, out.Disposition)

	got := recvFrame(t, b.mem)
	require.Equal(t, f.MessageID, got.MessageID)
	require.Equal(t, uint8(7), got.TTL, "one hop consumed")
	require.Zero(t, got.Flags&frame.FlagRelay)
}

func TestRelayForwardStrictlyCloser(t *testing.T) {
	clk := clock.NewMock()
	bus := adapter.NewBus()
	a := newTestNode(t, bus, "a", clk)
	relay := newTestNode(t, bus, "r", clk)
	a.know(t, relay, "r")

	// A destination unknown to a's table. The relay's distance decides
	// whether forwarding happens at all, so try until the relay is closer.
	var dest identity.NodeID
	for i := 0; ; i++ {
		dest = a.id
		dest[0] ^= byte(i + 1)
		dest[1] ^= byte(i)
		if identity.Closer(dest, relay.id, a.id) {
			break
		}
		require.Less(t, i, 1024, "no closer destination found")
	}

	f := a.frameTo(dest, clk, 128, "via relay")
	out := a.router.Dispatch(context.Background(), router.Item{Frame: f})
	require.Equal(t, router.Forwarded, out.Disposition)

	got := recvFrame(t, relay.mem)
	require.Equal(t, f.MessageID, got.MessageID)
	require.Equal(t, uint8(7), got.TTL)
	require.NotZero(t, got.Flags&frame.FlagRelay)
}

func TestNoRelayWhenNotCloser(t *testing.T) {
	clk := clock.NewMock()
	bus := adapter.NewBus()
	a := newTestNode(t, bus, "a", clk)
	far := newTestNode(t, bus, "f", clk)
	a.know(t, far, "f")

	// Destination nearly identical to a's own id: a holds no one closer.
	dest := a.id
	dest[len(dest)-1] ^= 0x01
	if identity.Closer(dest, far.id, a.id) {
		t.Skip("random peer id landed closer than self")
	}

	f := a.frameTo(dest, clk, 128, "nowhere to go")
	out := a.router.Dispatch(context.Background(), router.Item{Frame: f})
	require.Equal(t, router.Cached, out.Disposition)
	require.Equal(t, 1, a.router.Offline().Len())
}

func TestTTLExhaustedNeverForwarded(t *testing.T) {
	clk := clock.NewMock()
	bus := adapter.NewBus()
	a := newTestNode(t, bus, "a", clk)
	b := newTestNode(t, bus, "b", clk)
	a.know(t, b, "b")

	f := a.frameTo(b.id, clk, 128, "last hop")
	f.TTL = 1
	out := a.router.Dispatch(context.Background(), router.Item{Frame: f})
	require.Equal(t, router.Dropped, out.Disposition)
	require.Equal(t, router.DropExpired, out.Reason)

	select {
	case <-b.mem.Receive():
		t.Fatal("exhausted frame was transmitted")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOfflineThenRetryDelivers(t *testing.T) {
	clk := clock.NewMock()
	bus := adapter.NewBus()
	a := newTestNode(t, bus, "a", clk)
	b := newTestNode(t, bus, "b", clk)

	f := a.frameTo(b.id, clk, 180, "catch up later")
	out := a.router.Dispatch(context.Background(), router.Item{Frame: f})
	require.Equal(t, router.Cached, out.Disposition)
	require.Equal(t, 1, a.router.Offline().Len())

	// Destination comes online and becomes routable.
	a.know(t, b, "b")
	require.Equal(t, 1, a.router.RetryOffline(context.Background()))
	require.Equal(t, 0, a.router.Offline().Len())

	got := recvFrame(t, b.mem)
	require.Equal(t, f.MessageID, got.MessageID)
	require.Equal(t, f.Payload, got.Payload)
}

func TestOfflineExpiryNotice(t *testing.T) {
	clk := clock.NewMock()
	bus := adapter.NewBus()
	a := newTestNode(t, bus, "a", clk)
	b := newTestNode(t, bus, "b", clk)

	var failed []*frame.Frame
	rt, err := router.New(router.Options{
		Self:      a.id,
		PrivKey:   a.priv,
		Table:     a.table,
		Registry:  adapter.NewRegistry(nil),
		Clock:     clk,
		OnFailure: func(f *frame.Frame) { failed = append(failed, f) },
	})
	require.NoError(t, err)

	f := a.frameTo(b.id, clk, 8, "background note")
	f.Flags |= frame.FlagAckRequired
	require.Equal(t, router.Cached, rt.Dispatch(context.Background(), router.Item{Frame: f}).Disposition)

	clk.Add(2 * 24 * time.Hour)
	require.Equal(t, 1, rt.SweepOffline())
	require.Len(t, failed, 1)
	require.Equal(t, f.MessageID, failed[0].MessageID)
}

func TestAckEmittedOnLocalDelivery(t *testing.T) {
	clk := clock.NewMock()
	bus := adapter.NewBus()
	a := newTestNode(t, bus, "a", clk)
	b := newTestNode(t, bus, "b", clk)

	f := b.frameTo(a.id, clk, 128, "please confirm")
	f.Flags |= frame.FlagAckRequired
	out := a.router.Dispatch(context.Background(), router.Item{Frame: f})
	require.Equal(t, router.Delivered, out.Disposition)

	it, ok := a.router.Queue().TryPop()
	require.True(t, ok, "ack frame queued")
	ack := it.Frame
	require.Equal(t, frame.TypeControl, ack.Type)
	require.NotZero(t, ack.Flags&frame.FlagAck)
	require.Equal(t, b.id, ack.Destination)

	id, ok := router.ParseAck(ack.Payload)
	require.True(t, ok)
	require.Equal(t, f.MessageID, id)
	pub := a.priv.Public().(ed25519.PublicKey)
	require.True(t, router.VerifyAck(pub, ack.Payload))
}

func TestAckPayloadRejectsTampering(t *testing.T) {
	clk := clock.NewMock()
	bus := adapter.NewBus()
	a := newTestNode(t, bus, "a", clk)
	b := newTestNode(t, bus, "b", clk)

	f := a.frameTo(b.id, clk, 128, "awaiting confirmation")
	payload, err := router.AckPayload(a.priv, f.MessageID)
	require.NoError(t, err)
	pub := a.priv.Public().(ed25519.PublicKey)
	require.True(t, router.VerifyAck(pub, payload))

	// A different signer cannot produce a valid receipt for this id.
	require.False(t, router.VerifyAck(b.priv.Public().(ed25519.PublicKey), payload))

	// Flipping the acknowledged id invalidates the signature.
	forged := make([]byte, len(payload))
	copy(forged, payload)
	forged[0] ^= 0x01
	require.False(t, router.VerifyAck(pub, forged))

	// A bare message id without a signature does not parse.
	_, ok := router.ParseAck(f.MessageID[:])
	require.False(t, ok)
}

func TestRetryAfterLongOutageStillFresh(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Now())
	bus := adapter.NewBus()
	a := newTestNode(t, bus, "a", clk)
	b := newTestNode(t, bus, "b", clk)

	f := a.frameTo(b.id, clk, 180, "sent during outage")
	require.Equal(t, router.Cached, a.router.Dispatch(context.Background(), router.Item{Frame: f}).Disposition)

	// Destination reappears well outside the freshness window.
	clk.Add(10 * time.Minute)
	a.know(t, b, "b")
	require.Equal(t, 1, a.router.RetryOffline(context.Background()))

	got := recvFrame(t, b.mem)
	require.Equal(t, f.MessageID, got.MessageID)
	out := b.router.Process(got)
	require.Equal(t, router.Enqueued, out.Disposition, "retry must pass the receiver's freshness check")
}

func TestOriginateSignsAndQueues(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Now())
	bus := adapter.NewBus()
	a := newTestNode(t, bus, "a", clk)
	b := newTestNode(t, bus, "b", clk)

	f := &frame.Frame{
		Version:     frame.Version,
		Type:        frame.TypeData,
		Priority:    200,
		TTL:         8,
		Source:      a.id,
		Destination: b.id,
		Payload:     []byte("mine"),
	}
	require.NoError(t, a.router.Originate(f, false))

	it, ok := a.router.Queue().TryPop()
	require.True(t, ok)
	require.NotZero(t, it.Frame.Timestamp)
	require.NotZero(t, it.Frame.Flags&frame.FlagSigned)
	pub := a.priv.Public().(ed25519.PublicKey)
	require.True(t, identity.Verify(pub, frame.SigningBytes(it.Frame), it.Frame.Signature))

	// The echo of our own frame is not re-enqueued.
	out := a.router.Process(it.Frame)
	require.Equal(t, router.DropDuplicate, out.Reason)
}
