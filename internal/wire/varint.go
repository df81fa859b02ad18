// Package wire defines the on-the-wire framing primitives: the 1-5 byte
// varint length prefix used by the TCP framer, the fixed-identity framework
// control messages, and the Serialization collaborator interface that turns
// application objects into bytes.
package wire

import (
	"encoding/binary"
	"errors"
)

// MaxVarintLen is the largest a varint-encoded length prefix may be: 5
// bytes of 7 data bits each cover the full unsigned 32-bit range the spec
// requires (0 .. 2^31-1 in practice, since the high bit of the 5th byte is
// never needed for that range).
const MaxVarintLen = 5

// MaxVarintValue is the largest length a prefix may encode.
const MaxVarintValue = 1<<31 - 1

var (
	// ErrVarintTooLong is returned when a prefix exceeds MaxVarintLen bytes
	// without terminating.
	ErrVarintTooLong = errors.New("wire: varint prefix exceeds 5 bytes")
	// ErrVarintOutOfRange is returned when a decoded value exceeds MaxVarintValue.
	ErrVarintOutOfRange = errors.New("wire: varint value exceeds 2^31-1")
)

// PutVarint encodes v into buf (which must have length >= MaxVarintLen) and
// returns the number of bytes written. It is the same base-128,
// MSB-continuation encoding as encoding/binary's Uvarint family, which is
// exactly the wire format this protocol specifies.
func PutVarint(buf []byte, v uint32) int {
	return binary.PutUvarint(buf, uint64(v))
}

// VarintLen returns the number of bytes PutVarint would use to encode v.
func VarintLen(v uint32) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// DecodeVarint attempts to decode a length prefix from the front of buf.
// It returns (value, bytesConsumed, true, nil) when a complete prefix was
// found, (0, 0, false, nil) when buf does not yet hold enough bytes to
// complete the prefix (the caller should wait for more data), or a non-nil
// error when the prefix is malformed: more than MaxVarintLen bytes with the
// continuation bit still set, or a decoded value outside the permitted
// range.
func DecodeVarint(buf []byte) (value uint32, n int, ok bool, err error) {
	limit := buf
	if len(limit) > MaxVarintLen {
		limit = limit[:MaxVarintLen]
	}

	v, consumed := binary.Uvarint(limit)
	if consumed > 0 {
		if v > MaxVarintValue {
			return 0, 0, false, ErrVarintOutOfRange
		}
		return uint32(v), consumed, true, nil
	}
	if consumed < 0 {
		// binary.Uvarint only returns negative for >64-bit overflow, which
		// cannot happen within 5 bytes, but treat it as malformed defensively.
		return 0, 0, false, ErrVarintOutOfRange
	}
	// consumed == 0: not enough bytes yet, unless we already gave it the
	// full 5-byte budget and it still didn't terminate.
	if len(buf) >= MaxVarintLen {
		return 0, 0, false, ErrVarintTooLong
	}
	return 0, 0, false, nil
}
