package compress

import (
	"encoding/binary"

	"github.com/klvtelemetry/writer/ktype"
)

// channelWidth returns the bit width a quantized channel's values are
// carried at: 8 or 16 bits. 32-bit samples are split into a hi and lo
// 16-bit channel by splitSample32/joinSample32 before ever reaching this
// width, so this never needs to report 32.
func channelWidth(t ktype.Code) int {
	switch t {
	case ktype.SignedByte, ktype.UnsignedByte:
		return 8
	default:
		return 16
	}
}

func signedType(t ktype.Code) bool {
	switch t {
	case ktype.SignedByte, ktype.SignedShort, ktype.SignedLong:
		return true
	default:
		return false
	}
}

// decodeSample reads one big-endian sample of type t at data[off:] as a
// sign-extended int64.
func decodeSample(t ktype.Code, data []byte, off int) int64 {
	switch t {
	case ktype.UnsignedByte:
		return int64(data[off])
	case ktype.SignedByte:
		return int64(int8(data[off]))
	case ktype.UnsignedShort:
		return int64(binary.BigEndian.Uint16(data[off:]))
	case ktype.SignedShort:
		return int64(int16(binary.BigEndian.Uint16(data[off:])))
	case ktype.UnsignedLong:
		return int64(binary.BigEndian.Uint32(data[off:]))
	case ktype.SignedLong:
		return int64(int32(binary.BigEndian.Uint32(data[off:])))
	default:
		return 0
	}
}

// splitSample32 splits a 32-bit sample into its high and low 16-bit halves,
// per spec §4.I: "32-bit is treated as two 16-bit channels".
func splitSample32(v int64, signed bool) (hi, lo int64) {
	u := uint32(v)
	hi16 := uint16(u >> 16)
	lo16 := uint16(u)

	if signed {
		return int64(int16(hi16)), int64(int16(lo16))
	}

	return int64(hi16), int64(lo16)
}

func joinSample32(hi, lo int64, signed bool) int64 {
	u := (uint32(uint16(hi)) << 16) | uint32(uint16(lo))
	if signed {
		return int64(int32(u))
	}

	return int64(u)
}

// quantizeValue divides a sample by the channel's quantizer, using Go's
// truncate-toward-zero integer division (matching the original writer's C
// semantics for negative values).
func quantizeValue(v int64, q int) int64 {
	if q <= 1 {
		return v
	}

	return v / int64(q)
}

func dequantizeValue(v int64, q int) int64 {
	if q <= 1 {
		return v
	}

	return v * int64(q)
}

// rawBits returns the low width bits of v (v's two's-complement
// representation truncated to width), suitable for the escape code's raw
// value field.
func rawBits(v int64, width int) uint32 {
	return uint32(v) & ((1 << uint(width)) - 1)
}

func fromRawBits(bits uint32, width int, signed bool) int64 {
	if !signed {
		return int64(bits)
	}

	signBit := uint32(1) << uint(width-1)
	if bits&signBit != 0 {
		return int64(bits) - int64(signBit)<<1
	}

	return int64(bits)
}
