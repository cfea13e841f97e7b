// Package adapter defines the uniform transport contract the router consumes
// and the registry that holds concrete implementations. The router depends on
// this package, never on a specific transport.
package adapter

import (
	"context"
	"errors"
)

var (
	ErrNotRunning   = errors.New("adapter not running")
	ErrUnreachable  = errors.New("destination unreachable")
	ErrBadAddress   = errors.New("unparseable address")
	ErrFrameTooBig  = errors.New("frame exceeds adapter limit")
	ErrDuplicateReg = errors.New("adapter name already registered")
	ErrUnknown      = errors.New("unknown adapter")
)

// Capabilities describes a transport's fixed characteristics. Ratings are in
// [0,1]; higher is better (for Cost, higher means cheaper).
type Capabilities struct {
	MTU          int
	MaxFrameSize int
	Latency      float64
	Bandwidth    float64
	Reliability  float64
	Cost         float64
	// Anonymous transports hide the peer's network address; their addresses
	// are privacy-sensitive and never shared.
	Anonymous bool
}

// Status is a point-in-time health snapshot.
type Status struct {
	Running   bool
	LastError string
	Sent      uint64
	Received  uint64
}

// Inbound is one raw datagram handed up to the daemon, which runs it through
// the frame codec before anything else sees it.
type Inbound struct {
	Adapter string
	From    string
	Data    []byte
}

// PeerHint is a transport-level discovery result.
type PeerHint struct {
	Addr string
}

// Adapter is the narrow transport contract. Implementations are registered in
// a Registry and treated uniformly by the router's scoring function.
type Adapter interface {
	Name() string
	Initialize(cfg map[string]string) error
	Start(ctx context.Context) error
	Stop() error
	// Send transmits one encoded frame to a transport address.
	Send(ctx context.Context, dest string, data []byte) error
	// Receive yields raw inbound datagrams. The channel closes on Stop.
	Receive() <-chan Inbound
	DiscoverPeers(ctx context.Context) ([]PeerHint, error)
	Status() Status
	Capabilities() Capabilities
	LocalAddress() string
	// ParseAddress normalizes a textual address or fails with ErrBadAddress.
	ParseAddress(s string) (string, error)
}
