package drain

import (
	"encoding/binary"
	"math"

	"github.com/klvtelemetry/writer/klv"
	"github.com/klvtelemetry/writer/ktype"
)

// sessionScale computes new_scale = round(sampleCount/targetRate), floored
// at 2, per spec §4.H's session-scaling rule.
func sessionScale(sampleCount, targetRate int) int {
	if targetRate <= 0 {
		return 2
	}

	scale := int(math.Round(float64(sampleCount) / float64(targetRate)))
	if scale < 2 {
		scale = 2
	}

	return scale
}

// downsampleRecord applies spec §4.H's session-rate downsampler to one
// numeric, non-nest record: records with repeat_count below
// 2*targetRate pass through unchanged; the rest are walked in windows of
// sessionScale(count, targetRate) samples, each window replaced by its
// mean. accumSum/accumCount is the partial window carried over from the
// stream's previous drain (spec's "phase counter persisted in the
// stream"); the returned values are what the caller should persist back
// via Stream.SetSessionAccum/SetSessionScaleCount for the next drain.
//
// Complex (multi-field) sample types are averaged as a single undivided
// channel rather than per-field, a deliberate simplification: per-field
// splitting needs the stream's expanded complex-type descriptor threaded
// through drain, which spec §4.H does not call out as required here (see
// DESIGN.md).
func downsampleRecord(h klv.Header, data []byte, targetRate int, accumSum float64, accumCount uint64) (out []byte, count int, newSum float64, newCount uint64) {
	if !isDownsamplable(h.Type) || int(h.Count) < 2*targetRate {
		return data, int(h.Count), accumSum, accumCount
	}

	scale := sessionScale(int(h.Count), targetRate)
	elemSize := int(h.ElementSize)

	sum := accumSum
	acc := accumCount

	for i := 0; i < int(h.Count); i++ {
		sample := data[i*elemSize : (i+1)*elemSize]
		sum += decodeNumeric(h.Type, sample)
		acc++

		if acc == uint64(scale) {
			out = append(out, encodeNumeric(h.Type, elemSize, sum/float64(scale))...)
			sum = 0
			acc = 0
		}
	}

	return out, len(out) / elemSize, sum, acc
}

// isDownsamplable reports whether type t is a fixed-width numeric scalar
// the session-rate averager can accumulate and re-emit. This is
// deliberately broader than ktype.IsNumeric, which scopes component I's
// compressor to 8/16/32-bit integers only: drain's averaging has no such
// restriction and spec §4.H's "numeric non-nest record" covers floats and
// 64-bit integers too.
func isDownsamplable(t ktype.Code) bool {
	switch t {
	case ktype.SignedByte, ktype.UnsignedByte, ktype.SignedShort, ktype.UnsignedShort,
		ktype.SignedLong, ktype.UnsignedLong, ktype.SignedInt64, ktype.UnsignedInt64,
		ktype.Float32, ktype.Float64:
		return true
	default:
		return false
	}
}

func decodeNumeric(t ktype.Code, b []byte) float64 {
	switch t {
	case ktype.UnsignedByte:
		return float64(b[0])
	case ktype.SignedByte:
		return float64(int8(b[0]))
	case ktype.UnsignedShort:
		return float64(binary.BigEndian.Uint16(b))
	case ktype.SignedShort:
		return float64(int16(binary.BigEndian.Uint16(b)))
	case ktype.UnsignedLong:
		return float64(binary.BigEndian.Uint32(b))
	case ktype.SignedLong:
		return float64(int32(binary.BigEndian.Uint32(b)))
	case ktype.Float32:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(b)))
	case ktype.UnsignedInt64:
		return float64(binary.BigEndian.Uint64(b))
	case ktype.SignedInt64:
		return float64(int64(binary.BigEndian.Uint64(b)))
	case ktype.Float64:
		return math.Float64frombits(binary.BigEndian.Uint64(b))
	default:
		return 0
	}
}

func encodeNumeric(t ktype.Code, elemSize int, v float64) []byte {
	b := make([]byte, elemSize)

	switch t {
	case ktype.UnsignedByte:
		b[0] = byte(uint8(v))
	case ktype.SignedByte:
		b[0] = byte(int8(v))
	case ktype.UnsignedShort:
		binary.BigEndian.PutUint16(b, uint16(v))
	case ktype.SignedShort:
		binary.BigEndian.PutUint16(b, uint16(int16(v)))
	case ktype.UnsignedLong:
		binary.BigEndian.PutUint32(b, uint32(v))
	case ktype.SignedLong:
		binary.BigEndian.PutUint32(b, uint32(int32(v)))
	case ktype.Float32:
		binary.BigEndian.PutUint32(b, math.Float32bits(float32(v)))
	case ktype.UnsignedInt64:
		binary.BigEndian.PutUint64(b, uint64(v))
	case ktype.SignedInt64:
		binary.BigEndian.PutUint64(b, uint64(int64(v)))
	case ktype.Float64:
		binary.BigEndian.PutUint64(b, math.Float64bits(v))
	}

	return b
}
