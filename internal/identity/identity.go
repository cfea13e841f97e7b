// Package identity provides node identifiers and the crypto operations the
// core calls into: signing, verification, authenticated encryption and
// proof-of-work admission. Identifiers are 64-byte SHA3-512 digests of an
// ed25519 public key and double as DHT coordinates.
package identity

import (
	"bytes"
	"encoding/hex"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/sha3"
)

const idPrefix = "meshcore:nodeid:v1"

// IDSize is the byte length of a NodeID.
const IDSize = 64

type NodeID [IDSize]byte

// Broadcast is the destination sentinel addressing every reachable node.
var Broadcast = func() NodeID {
	var id NodeID
	for i := range id {
		id[i] = 0xff
	}
	return id
}()

// DeriveNodeID maps a public key to its node identifier. Deterministic: the
// same key always yields the same id.
func DeriveNodeID(pub []byte) NodeID {
	buf := make([]byte, 0, len(idPrefix)+len(pub))
	buf = append(buf, []byte(idPrefix)...)
	buf = append(buf, pub...)
	return NodeID(sha3.Sum512(buf))
}

func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

func (id NodeID) IsBroadcast() bool {
	return id == Broadcast
}

func (id NodeID) Hex() string {
	return hex.EncodeToString(id[:])
}

// Short renders the first 8 bytes in base58 for logs.
func (id NodeID) Short() string {
	return base58.Encode(id[:8])
}

// MarshalText renders the id as hex so JSON bodies stay readable.
func (id NodeID) MarshalText() ([]byte, error) {
	return []byte(id.Hex()), nil
}

func (id *NodeID) UnmarshalText(text []byte) error {
	parsed, err := ParseNodeID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func ParseNodeID(s string) (NodeID, error) {
	var id NodeID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(raw) != IDSize {
		return id, errBadIDLength
	}
	copy(id[:], raw)
	return id, nil
}

// XOR is the Kademlia distance metric: symmetric, zero at identity, and the
// triangle inequality holds bytewise.
func XOR(a, b NodeID) NodeID {
	var d NodeID
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Closer reports whether a is strictly closer to target than b.
func Closer(target, a, b NodeID) bool {
	da := XOR(a, target)
	db := XOR(b, target)
	return bytes.Compare(da[:], db[:]) < 0
}

// PrefixLen counts the leading bits a and b share, in [0, 512].
func PrefixLen(a, b NodeID) int {
	for i := 0; i < IDSize; i++ {
		x := a[i] ^ b[i]
		if x == 0 {
			continue
		}
		bits := 0
		for x&0x80 == 0 {
			bits++
			x <<= 1
		}
		return i*8 + bits
	}
	return IDSize * 8
}
