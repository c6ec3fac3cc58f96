package compress

import "github.com/klvtelemetry/writer/klv"

// MinRegionSize is the smallest payload region size the drain's compression
// hook bothers handing to CompressRegion, per spec §4.H: "If the stream has
// quantize > 0 and the payload region is at least 100 bytes at drain time".
const MinRegionSize = 100

var codec = NewHuffmanCodec()

// CompressRegion walks a flat sequence of packed KLV records (a drained
// payload region) and replaces each eligible numeric record with its
// Huffman-compressed form at the given quantizer, leaving ineligible
// records (nests, strings, types outside the codec's 8/16/32-bit integer
// set) and fallback-to-raw records untouched.
func CompressRegion(data []byte, quantize int) []byte {
	var out []byte

	pos := 0
	for pos < len(data) {
		h, err := klv.ParseHeader(data[pos:])
		if err != nil || h.Key == klv.EndMarker {
			break
		}

		total := h.TotalLen()
		if pos+total > len(data) {
			break
		}

		recData := data[pos+klv.HeaderSize : pos+klv.HeaderSize+h.DataLen()]

		outHeader, outData, ok := codec.Compress(h, recData, quantize)
		if !ok {
			out = append(out, data[pos:pos+total]...)
		} else {
			// outHeader.Count was derived from len(outData)/outHeader.ElementSize,
			// so DataLen() already matches outData's length exactly; Pack adds
			// the usual 4-byte-boundary padding.
			out = append(out, klv.Pack(outHeader, outData)...)
		}

		pos += total
	}

	return out
}
