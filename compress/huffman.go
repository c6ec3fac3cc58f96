package compress

import (
	"encoding/binary"
	"fmt"

	"github.com/klvtelemetry/writer/klv"
	"github.com/klvtelemetry/writer/ktype"
)

// HuffmanCodec implements the delta + zero-run + Huffman codec described in
// spec §4.I. It plays the role of the teacher's Compressor/Decompressor pair,
// but — unlike the teacher's generic, format-keyed backends — targets one
// fixed, bit-exact wire encoding rather than a swappable algorithm.
type HuffmanCodec struct{}

// NewHuffmanCodec returns the stock codec. It carries no state: the code
// tables it uses are package-level and built once at init.
func NewHuffmanCodec() *HuffmanCodec { return &HuffmanCodec{} }

// eligible reports whether h's type is one this codec handles: signed or
// unsigned 8/16/32-bit integers. ktype.IsNumeric is scoped to exactly this
// set (it excludes 64-bit ints and floats, unlike drain's broader
// isDownsamplable), so eligibility is just that check plus a minimum length.
func eligible(h klv.Header) bool {
	return ktype.IsNumeric(h.Type) && h.Count >= 2
}

// Compress attempts to compress one record's payload at the given quantizer.
// It returns ok=false when the record is not eligible, or when the
// compressed form would not be smaller than the original — in either case
// the caller keeps the original header and data untouched.
func (c *HuffmanCodec) Compress(h klv.Header, data []byte, quantize int) (outHeader klv.Header, outData []byte, ok bool) {
	if !eligible(h) {
		return h, data, false
	}

	if quantize < 1 {
		quantize = 1
	}

	elemSize := int(ktype.ElementSize(h.Type))
	signed := signedType(h.Type)
	count := int(h.Count)

	var payload []byte
	if elemSize == 4 {
		hiSamples := make([]int64, count)
		loSamples := make([]int64, count)
		for i := 0; i < count; i++ {
			v := decodeSample(h.Type, data, i*4)
			hi, lo := splitSample32(v, signed)
			hiSamples[i] = hi
			loSamples[i] = lo
		}
		hiBytes := encodeChannel(hiSamples, 1, 16, signed)
		loBytes := encodeChannel(loSamples, quantize, 16, signed)
		payload = append(hiBytes, loBytes...)
	} else {
		width := channelWidth(h.Type)
		samples := make([]int64, count)
		for i := 0; i < count; i++ {
			samples[i] = decodeSample(h.Type, data, i*elemSize)
		}
		payload = encodeChannel(samples, quantize, width, signed)
	}

	if len(payload) >= len(data) {
		return h, data, false
	}

	outElemSize := 2
	if elemSize == 1 {
		outElemSize = 1
	}

	if len(payload)%outElemSize != 0 {
		panic(fmt.Sprintf("compress: payload length %d not a multiple of element size %d", len(payload), outElemSize))
	}

	outHeader = klv.Header{
		Key:         h.Key,
		Type:        ktype.Compressed,
		ElementSize: uint8(outElemSize),
		Count:       uint16(len(payload) / outElemSize),
	}

	return outHeader, payload, true
}

// Decompress reverses Compress. quantize, origElemSize (the original, pre-
// compression element size: 1, 2 or 4), signed and count describe the
// original record, since the compressed header alone (type, a 1- or 2-byte
// element size, and a byte-count-derived repeat count) cannot recover them.
func (c *HuffmanCodec) Decompress(data []byte, quantize, origElemSize, count int, signed bool) ([]byte, error) {
	if quantize < 1 {
		quantize = 1
	}

	out := make([]byte, count*origElemSize)

	if origElemSize == 4 {
		hiSamples, hiConsumed, err := decodeChannel(data, 1, 16, signed, count)
		if err != nil {
			return nil, fmt.Errorf("compress: decoding hi channel: %w", err)
		}

		loSamples, _, err := decodeChannel(data[hiConsumed:], quantize, 16, signed, count)
		if err != nil {
			return nil, fmt.Errorf("compress: decoding lo channel: %w", err)
		}

		for i := 0; i < count; i++ {
			v := joinSample32(hiSamples[i], loSamples[i], signed)
			binary.BigEndian.PutUint32(out[i*4:], uint32(v))
		}

		return out, nil
	}

	width := 16
	if origElemSize == 1 {
		width = 8
	}

	samples, _, err := decodeChannel(data, quantize, width, signed, count)
	if err != nil {
		return nil, fmt.Errorf("compress: decoding channel: %w", err)
	}

	for i := 0; i < count; i++ {
		putSample(out, i*origElemSize, origElemSize, samples[i])
	}

	return out, nil
}

func putSample(out []byte, off, size int, v int64) {
	switch size {
	case 1:
		out[off] = byte(v)
	case 2:
		binary.BigEndian.PutUint16(out[off:], uint16(v))
	case 4:
		binary.BigEndian.PutUint32(out[off:], uint32(v))
	}
}

// encodeChannel implements spec §4.I's per-channel algorithm: verbatim first
// sample, quantizer code word, then one code per subsequent sample — a
// magnitude+sign code, a run-length code absorbing consecutive zero deltas,
// or an escape code carrying the raw quantized value — followed by an
// end-of-stream code and byte alignment.
func encodeChannel(samples []int64, quantize, width int, signed bool) []byte {
	w := newBitWriter()

	w.writeBits(rawBits(samples[0], width), width)

	quantCodeWidth := 16
	if width == 8 {
		quantCodeWidth = 8
	}
	w.writeBits(uint32(quantize), quantCodeWidth)

	quantized := make([]int64, len(samples))
	for i, s := range samples {
		quantized[i] = quantizeValue(s, quantize)
	}

	prev := quantized[0]
	i := 1
	for i < len(quantized) {
		if quantized[i] == prev {
			run := 1
			for i+run < len(quantized) && quantized[i+run] == prev {
				run++
			}

			for run > 0 {
				if idx, length, ok := largestRunFitting(run); ok {
					w.writeCode(codeTable[symbolIndex(symRun, idx)])
					run -= length
					i += length
				} else {
					w.writeCode(codeTable[symbolIndex(symMagnitude, 0)])
					run--
					i++
				}
			}

			continue
		}

		delta := quantized[i] - prev
		mag := delta
		if mag < 0 {
			mag = -mag
		}

		if mag < magnitudeCount {
			w.writeCode(codeTable[symbolIndex(symMagnitude, int(mag))])
			if mag != 0 {
				sign := uint32(0)
				if delta < 0 {
					sign = 1
				}
				w.writeBits(sign, 1)
			}
		} else {
			w.writeCode(codeTable[symbolIndex(symEscape, 0)])
			w.writeBits(rawBits(quantized[i], width), width)
		}

		prev = quantized[i]
		i++
	}

	w.writeCode(codeTable[symbolIndex(symEnd, 0)])
	w.flushByteAligned()

	return w.bytes()
}

// decodeChannel reverses encodeChannel and additionally returns the number
// of input bytes it consumed, so a caller packing two channels back to back
// (the 32-bit hi/lo split) can locate the second channel's start.
func decodeChannel(data []byte, quantize, width int, signed bool, count int) (samples []int64, consumed int, err error) {
	r := newBitReader(data)

	first, ok := r.readBits(width)
	if !ok {
		return nil, 0, fmt.Errorf("compress: truncated first sample")
	}

	quantCodeWidth := 16
	if width == 8 {
		quantCodeWidth = 8
	}
	if _, ok := r.readBits(quantCodeWidth); !ok {
		return nil, 0, fmt.Errorf("compress: truncated quantizer code word")
	}

	out := make([]int64, 0, count)
	firstSample := fromRawBits(first, width, signed)
	prev := quantizeValue(firstSample, quantize)
	out = append(out, firstSample)

	for len(out) < count {
		sym, ok := r.readSymbol()
		if !ok {
			return nil, 0, fmt.Errorf("compress: truncated symbol stream")
		}

		switch {
		case sym < magnitudeCount:
			mag := int64(sym)
			if mag != 0 {
				sign, ok := r.readBits(1)
				if !ok {
					return nil, 0, fmt.Errorf("compress: truncated sign bit")
				}
				if sign == 1 {
					mag = -mag
				}
			}
			prev += mag
			out = append(out, dequantizeValue(prev, quantize))

		case sym < magnitudeCount+len(runLengths):
			length := runLengths[sym-magnitudeCount]
			for n := 0; n < length && len(out) < count; n++ {
				out = append(out, dequantizeValue(prev, quantize))
			}

		case sym == symbolIndex(symEscape, 0):
			raw, ok := r.readBits(width)
			if !ok {
				return nil, 0, fmt.Errorf("compress: truncated escape value")
			}
			prev = fromRawBits(raw, width, signed)
			out = append(out, dequantizeValue(prev, quantize))

		case sym == symbolIndex(symEnd, 0):
			return nil, 0, fmt.Errorf("compress: end-of-stream before count reached")

		default:
			return nil, 0, fmt.Errorf("compress: unknown symbol %d", sym)
		}
	}

	// Consume the trailing end-of-stream code so the caller can find the
	// next channel, if any.
	if sym, ok := r.readSymbol(); !ok || sym != symbolIndex(symEnd, 0) {
		return nil, 0, fmt.Errorf("compress: missing end-of-stream marker")
	}

	return out, r.wordPos, nil
}
