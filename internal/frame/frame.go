// Package frame implements the wire message codec. It is pure and stateless:
// encode/decode plus the derived message id, nothing else.
package frame

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/sha3"

	"meshcore/internal/identity"
)

const (
	Magic   = 0x4d455348 // "MESH"
	Version = 1

	HeaderSize    = 163
	SignatureSize = 64
	MaxPayload    = 64 << 10
	MaxHops       = 32

	// MaxWireSize bounds a fully encoded frame.
	MaxWireSize = HeaderSize + MaxPayload + SignatureSize
)

// Flag bits.
const (
	FlagEncrypted   = 1 << 0
	FlagSigned      = 1 << 1
	FlagCompressed  = 1 << 2
	FlagRelay       = 1 << 3
	FlagAckRequired = 1 << 4
	FlagAck         = 1 << 5
	FlagBroadcast   = 1 << 6
)

// Frame types.
const (
	TypeData uint8 = iota + 1
	TypeControl
	TypeDHTQuery
	TypeDHTResponse
	TypeDHTStore
	TypeDiscovery
	TypeHeartbeat
	TypeKeyExchange
	TypeTestRequest
	TypeTestResponse
	TypeRouteRequest
	TypeRouteResponse
)

const MessageIDSize = 16

type MessageID [MessageIDSize]byte

func (m MessageID) Hex() string {
	return fmt.Sprintf("%x", m[:])
}

// Frame is one wire message: fixed header, opaque payload, trailing signature
// over header+payload.
type Frame struct {
	Version     uint8
	Flags       uint8
	Type        uint8
	Priority    uint8
	TTL         uint8
	MessageID   MessageID
	Source      identity.NodeID
	Destination identity.NodeID
	Timestamp   int64 // ms since epoch
	Payload     []byte
	Signature   identity.Signature
}

// Decode failure reasons.
type DecodeReason uint8

const (
	ReasonTruncated DecodeReason = iota + 1
	ReasonBadMagic
	ReasonBadVersion
	ReasonLengthMismatch
	ReasonTTLRange
	ReasonOversized
)

type DecodeError struct {
	Reason DecodeReason
	msg    string
}

func (e *DecodeError) Error() string {
	return "frame: " + e.msg
}

func decodeErr(reason DecodeReason, format string, args ...any) error {
	return &DecodeError{Reason: reason, msg: fmt.Sprintf(format, args...)}
}

// Encode serializes f. It enforces the same bounds Decode does so a frame
// that encodes always decodes back to itself.
func Encode(f *Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return nil, decodeErr(ReasonOversized, "payload %d exceeds max %d", len(f.Payload), MaxPayload)
	}
	if f.TTL < 1 || f.TTL > MaxHops {
		return nil, decodeErr(ReasonTTLRange, "ttl %d outside [1,%d]", f.TTL, MaxHops)
	}
	out := make([]byte, HeaderSize+len(f.Payload)+SignatureSize)
	putHeader(out, f)
	copy(out[HeaderSize:], f.Payload)
	copy(out[HeaderSize+len(f.Payload):], f.Signature[:])
	return out, nil
}

// SigningBytes returns the header plus payload, the portion covered by the
// trailing signature.
func SigningBytes(f *Frame) []byte {
	out := make([]byte, HeaderSize+len(f.Payload))
	putHeader(out, f)
	copy(out[HeaderSize:], f.Payload)
	return out
}

func putHeader(out []byte, f *Frame) {
	binary.BigEndian.PutUint32(out[0:4], Magic)
	out[4] = f.Version
	out[5] = f.Flags
	out[6] = f.Type
	out[7] = f.Priority
	out[8] = f.TTL
	binary.BigEndian.PutUint16(out[9:11], uint16(len(f.Payload)))
	copy(out[11:27], f.MessageID[:])
	copy(out[27:91], f.Source[:])
	copy(out[91:155], f.Destination[:])
	binary.BigEndian.PutUint64(out[155:163], uint64(f.Timestamp))
}

// Decode parses raw into a Frame. Malformed, truncated or oversized input
// yields a *DecodeError; Decode never panics.
func Decode(raw []byte) (*Frame, error) {
	if len(raw) > MaxWireSize {
		return nil, decodeErr(ReasonOversized, "frame %d exceeds max %d", len(raw), MaxWireSize)
	}
	if len(raw) < HeaderSize+SignatureSize {
		return nil, decodeErr(ReasonTruncated, "frame %d shorter than minimum %d", len(raw), HeaderSize+SignatureSize)
	}
	if got := binary.BigEndian.Uint32(raw[0:4]); got != Magic {
		return nil, decodeErr(ReasonBadMagic, "bad magic %#x", got)
	}
	if raw[4] != Version {
		return nil, decodeErr(ReasonBadVersion, "unknown version %d", raw[4])
	}
	payloadLen := int(binary.BigEndian.Uint16(raw[9:11]))
	if payloadLen > MaxPayload {
		return nil, decodeErr(ReasonOversized, "payload %d exceeds max %d", payloadLen, MaxPayload)
	}
	if len(raw) != HeaderSize+payloadLen+SignatureSize {
		return nil, decodeErr(ReasonLengthMismatch, "length field %d does not match %d actual bytes",
			payloadLen, len(raw)-HeaderSize-SignatureSize)
	}
	ttl := raw[8]
	if ttl < 1 || ttl > MaxHops {
		return nil, decodeErr(ReasonTTLRange, "ttl %d outside [1,%d]", ttl, MaxHops)
	}

	f := &Frame{
		Version:   raw[4],
		Flags:     raw[5],
		Type:      raw[6],
		Priority:  raw[7],
		TTL:       ttl,
		Timestamp: int64(binary.BigEndian.Uint64(raw[155:163])),
	}
	copy(f.MessageID[:], raw[11:27])
	copy(f.Source[:], raw[27:91])
	copy(f.Destination[:], raw[91:155])
	if payloadLen > 0 {
		f.Payload = make([]byte, payloadLen)
		copy(f.Payload, raw[HeaderSize:HeaderSize+payloadLen])
	}
	copy(f.Signature[:], raw[HeaderSize+payloadLen:])
	return f, nil
}

// DeriveMessageID computes the deduplication key for a message. seq
// disambiguates otherwise identical messages from one sender.
func DeriveMessageID(ts int64, src, dst identity.NodeID, payload []byte, seq uint64) MessageID {
	buf := make([]byte, 0, 8+2*identity.IDSize+len(payload)+8)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(ts))
	buf = append(buf, tmp[:]...)
	buf = append(buf, src[:]...)
	buf = append(buf, dst[:]...)
	buf = append(buf, payload...)
	binary.BigEndian.PutUint64(tmp[:], seq)
	buf = append(buf, tmp[:]...)
	digest := sha3.Sum256(buf)
	var id MessageID
	copy(id[:], digest[:MessageIDSize])
	return id
}
