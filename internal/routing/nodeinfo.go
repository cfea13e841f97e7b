// Package routing maintains the Kademlia-style peer table: k-buckets ordered
// by XOR distance from the local id, with proof-of-work admission and
// prefix-diversity limits on insertion.
package routing

import (
	"net/netip"
	"time"

	"meshcore/internal/identity"
)

// Address is one way to reach a peer through a named adapter. Private marks
// addresses of privacy-sensitive adapters that must never leave this node.
type Address struct {
	Adapter string `json:"adapter"`
	Addr    string `json:"addr"`
	Private bool   `json:"private,omitempty"`
}

// Capability flags advertised by a peer.
const (
	CapRelay uint32 = 1 << iota
	CapStorage
	CapAnonymous
)

// NodeInfo is the local projection of a peer: reachability, liveness and
// failure accounting. Never shared as-is; see Public.
type NodeInfo struct {
	ID           identity.NodeID
	PubKey       []byte
	Addresses    []Address
	Capabilities uint32
	Reputation   float64
	PoWNonce     uint64
	LastSeen     time.Time
	RTT          time.Duration
	Failures     int
}

// PublicNodeInfo is the shareable projection, safe to publish over the DHT.
// Addresses of privacy-sensitive adapters are stripped.
type PublicNodeInfo struct {
	ID           identity.NodeID `json:"id"`
	PubKey       []byte          `json:"pubkey"`
	Addresses    []Address       `json:"addresses,omitempty"`
	Capabilities uint32          `json:"capabilities"`
	Reputation   float64         `json:"reputation"`
	PoWNonce     uint64          `json:"pow_nonce"`
	LastSeen     time.Time       `json:"last_seen"`
}

func (n NodeInfo) Public() PublicNodeInfo {
	pub := PublicNodeInfo{
		ID:           n.ID,
		PubKey:       n.PubKey,
		Capabilities: n.Capabilities,
		Reputation:   n.Reputation,
		PoWNonce:     n.PoWNonce,
		LastSeen:     n.LastSeen,
	}
	for _, a := range n.Addresses {
		if a.Private {
			continue
		}
		pub.Addresses = append(pub.Addresses, a)
	}
	return pub
}

// FromPublic rebuilds the local projection of a shared peer record.
func FromPublic(p PublicNodeInfo) NodeInfo {
	return NodeInfo{
		ID:           p.ID,
		PubKey:       p.PubKey,
		Addresses:    p.Addresses,
		Capabilities: p.Capabilities,
		Reputation:   p.Reputation,
		PoWNonce:     p.PoWNonce,
		LastSeen:     p.LastSeen,
	}
}

// netPrefixes returns the equivalent network prefixes (/24 for v4, /64 for
// v6) of a peer's addresses, for the eclipse diversity guard.
func (n NodeInfo) netPrefixes() []string {
	var out []string
	seen := make(map[string]struct{}, len(n.Addresses))
	for _, a := range n.Addresses {
		ap, err := netip.ParseAddrPort(a.Addr)
		if err != nil {
			continue
		}
		addr := ap.Addr().Unmap()
		var p netip.Prefix
		if addr.Is4() {
			p, err = addr.Prefix(24)
		} else {
			p, err = addr.Prefix(64)
		}
		if err != nil {
			continue
		}
		key := p.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}
