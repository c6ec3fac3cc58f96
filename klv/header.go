// Package klv implements the KLV primitive layer (spec §4.B): packing and
// scanning a single record header, the self-healing seek-to-terminator scan,
// and the recursive structural validator (spec §4.J).
package klv

import (
	"encoding/binary"
	"fmt"

	"github.com/klvtelemetry/writer/errs"
	"github.com/klvtelemetry/writer/ktype"
)

// HeaderSize is the fixed wire size, in bytes, of a KLV header: a 4-byte
// FourCC key followed by a 4-byte (type, element_size, repeat_count) word,
// per spec §6.
const HeaderSize = 8

// EndMarker is the reserved 4-byte value that terminates a sequence of
// sibling records in a region.
var EndMarker = FourCC{}

// Header is the packed `(FourCC key, type_code, element_size, repeat_count)`
// header described in spec §3, always encoded big-endian per spec §6.
//
//	byte offset 0-3: Key
//	byte offset 4:   Type
//	byte offset 5:   ElementSize
//	byte offset 6-7: Count (repeat_count)
type Header struct {
	Key         FourCC
	Type        ktype.Code
	ElementSize uint8
	Count       uint16
}

// DataLen returns the unpadded byte length of this record's payload:
// element_size × repeat_count.
func (h Header) DataLen() int {
	return int(h.ElementSize) * int(h.Count)
}

// PaddedDataLen returns DataLen rounded up to the next 4-byte boundary, per
// spec §3's "padded up to a 4-byte boundary" rule.
func (h Header) PaddedDataLen() int {
	return PadLen(h.DataLen())
}

// TotalLen returns HeaderSize plus PaddedDataLen: the full size on the wire
// of this record, including its header.
func (h Header) TotalLen() int {
	return HeaderSize + h.PaddedDataLen()
}

// PadLen rounds n up to the next multiple of 4.
func PadLen(n int) int {
	return (n + 3) &^ 3
}

// Bytes serializes the header into an 8-byte big-endian slice. It does not
// include the payload.
func (h Header) Bytes() []byte {
	b := make([]byte, HeaderSize)
	h.PutBytes(b)

	return b
}

// PutBytes writes the header into the first HeaderSize bytes of dst. dst
// must have length >= HeaderSize.
func (h Header) PutBytes(dst []byte) {
	copy(dst[0:4], h.Key[:])
	dst[4] = byte(h.Type)
	dst[5] = h.ElementSize
	binary.BigEndian.PutUint16(dst[6:8], h.Count)
}

// ParseHeader parses an 8-byte big-endian header from data.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header needs %d bytes, got %d", errs.ErrInvalidBuffer, HeaderSize, len(data))
	}

	var h Header
	copy(h.Key[:], data[0:4])
	h.Type = ktype.Code(data[4])
	h.ElementSize = data[5]
	h.Count = binary.BigEndian.Uint16(data[6:8])

	return h, nil
}

// IsEndMarkerAt reports whether the 4 bytes at region[pos:pos+4] equal the
// reserved end-marker value.
func IsEndMarkerAt(region []byte, pos int) bool {
	if pos+4 > len(region) {
		return false
	}

	return region[pos] == 0 && region[pos+1] == 0 && region[pos+2] == 0 && region[pos+3] == 0
}

// PlantEndMarker writes the end-marker at region[pos:pos+4]. The caller must
// ensure pos+4 <= len(region).
func PlantEndMarker(region []byte, pos int) {
	region[pos] = 0
	region[pos+1] = 0
	region[pos+2] = 0
	region[pos+3] = 0
}
