package adapter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Bus is an in-process transport fabric. Multiple node instances in one
// process attach adapters to a shared bus; sends are delivered to the
// destination adapter's inbox. Used by tests and local multi-node setups.
type Bus struct {
	mu    sync.Mutex
	nodes map[string]*Mem
	down  map[string]bool
}

func NewBus() *Bus {
	return &Bus{
		nodes: make(map[string]*Mem),
		down:  make(map[string]bool),
	}
}

// SetDown simulates an unreachable address.
func (b *Bus) SetDown(addr string, down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down[addr] = down
}

func (b *Bus) deliver(from, to string, data []byte) error {
	b.mu.Lock()
	node, ok := b.nodes[to]
	down := b.down[to]
	b.mu.Unlock()
	if !ok || down {
		return fmt.Errorf("%w: %s", ErrUnreachable, to)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case node.inbox <- Inbound{Adapter: "mem", From: from, Data: cp}:
		node.recv.Add(1)
		return nil
	default:
		return fmt.Errorf("%w: inbox full at %s", ErrUnreachable, to)
	}
}

func (b *Bus) attach(m *Mem) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.nodes[m.addr]; ok {
		return fmt.Errorf("address taken: %s", m.addr)
	}
	b.nodes[m.addr] = m
	return nil
}

func (b *Bus) detach(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.nodes, addr)
}

func (b *Bus) peers(except string) []PeerHint {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []PeerHint
	for addr := range b.nodes {
		if addr != except && !b.down[addr] {
			out = append(out, PeerHint{Addr: addr})
		}
	}
	return out
}

// Mem is the in-process adapter bound to one bus address.
type Mem struct {
	bus     *Bus
	addr    string
	inbox   chan Inbound
	running atomic.Bool
	sent    atomic.Uint64
	recv    atomic.Uint64
	stopped sync.Once
}

const memInboxDepth = 256

func NewMem(bus *Bus, addr string) *Mem {
	return &Mem{bus: bus, addr: addr, inbox: make(chan Inbound, memInboxDepth)}
}

func (m *Mem) Name() string { return "mem" }

func (m *Mem) Initialize(cfg map[string]string) error {
	if a := cfg["addr"]; a != "" {
		m.addr = a
	}
	if m.addr == "" {
		return ErrBadAddress
	}
	return nil
}

func (m *Mem) Start(context.Context) error {
	if err := m.bus.attach(m); err != nil {
		return err
	}
	m.running.Store(true)
	return nil
}

func (m *Mem) Stop() error {
	m.running.Store(false)
	m.bus.detach(m.addr)
	m.stopped.Do(func() { close(m.inbox) })
	return nil
}

func (m *Mem) Send(_ context.Context, dest string, data []byte) error {
	if !m.running.Load() {
		return ErrNotRunning
	}
	if err := m.bus.deliver(m.addr, dest, data); err != nil {
		return err
	}
	m.sent.Add(1)
	return nil
}

func (m *Mem) Receive() <-chan Inbound { return m.inbox }

func (m *Mem) DiscoverPeers(context.Context) ([]PeerHint, error) {
	if !m.running.Load() {
		return nil, ErrNotRunning
	}
	return m.bus.peers(m.addr), nil
}

func (m *Mem) Status() Status {
	return Status{
		Running:  m.running.Load(),
		Sent:     m.sent.Load(),
		Received: m.recv.Load(),
	}
}

func (m *Mem) Capabilities() Capabilities {
	return Capabilities{
		MTU:          1 << 20,
		MaxFrameSize: 1 << 20,
		Latency:      1.0,
		Bandwidth:    1.0,
		Reliability:  1.0,
		Cost:         1.0,
	}
}

func (m *Mem) LocalAddress() string { return m.addr }

func (m *Mem) ParseAddress(s string) (string, error) {
	if s == "" {
		return "", ErrBadAddress
	}
	return s, nil
}
