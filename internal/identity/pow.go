package identity

import (
	"context"
	"encoding/binary"

	"golang.org/x/crypto/sha3"
)

const powPrefix = "meshcore:v1:pow|"

// DefaultPoWBits is the production admission difficulty. Operators scale it
// with network size; tests run lower values.
const DefaultPoWBits = 16

// CheckPoW verifies that nonce is a valid proof-of-work for id at the given
// difficulty: SHA3-256(prefix|id|nonce) must start with bits zero bits.
// Verification is a single hash regardless of difficulty.
func CheckPoW(id NodeID, nonce uint64, bits uint8) bool {
	if bits == 0 {
		return true
	}
	buf := make([]byte, 0, len(powPrefix)+IDSize+8)
	buf = append(buf, []byte(powPrefix)...)
	buf = append(buf, id[:]...)
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], nonce)
	buf = append(buf, n[:]...)
	digest := sha3.Sum256(buf)
	full := int(bits / 8)
	rem := int(bits % 8)
	for i := 0; i < full; i++ {
		if digest[i] != 0 {
			return false
		}
	}
	if rem == 0 {
		return true
	}
	mask := byte(0xff << (8 - rem))
	return digest[full]&mask == 0
}

// SolvePoW searches nonces until one satisfies CheckPoW or ctx is cancelled.
// Deliberately costly: generation cost is the Sybil deterrent.
func SolvePoW(ctx context.Context, id NodeID, bits uint8) (uint64, bool) {
	for nonce := uint64(0); ; nonce++ {
		if nonce%(1<<16) == 0 && ctx.Err() != nil {
			return 0, false
		}
		if CheckPoW(id, nonce, bits) {
			return nonce, true
		}
		if nonce == ^uint64(0) {
			return 0, false
		}
	}
}
