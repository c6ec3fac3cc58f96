// Package ktype maps a KLV type code to its element size and endian-swap
// unit, per spec §4.A. It is the smallest component of the writer: the
// size, swap-unit and name tables, a few type predicates, and the
// host-to-big-endian swap helpers.
package ktype

// Code is a single-byte KLV type code, stored in a record's header.
type Code byte

// Type codes, matching the wire-visible FourCC/type convention producers and
// the companion parser already agree on.
const (
	SignedByte     Code = 'b'
	UnsignedByte   Code = 'B'
	SignedShort    Code = 's'
	UnsignedShort  Code = 'S'
	SignedLong     Code = 'l'
	UnsignedLong   Code = 'L'
	SignedInt64    Code = 'j'
	UnsignedInt64  Code = 'J'
	Float32        Code = 'f'
	Float64        Code = 'd'
	FixedQ1516     Code = 'q'
	FixedQ3132     Code = 'Q'
	ASCII          Code = 'c'
	FourCCType     Code = 'F'
	GUID           Code = 'G'
	UTCDateTime    Code = 'U'
	Nest           Code = 0
	Complex        Code = '?'
	Compressed     Code = '#'
)

// String returns a short human-readable name for the type code, used only
// for debug output.
func (c Code) String() string {
	if name, ok := names[c]; ok {
		return name
	}

	return "unknown"
}

var names = map[Code]string{
	SignedByte:    "signed_byte",
	UnsignedByte:  "unsigned_byte",
	SignedShort:   "signed_short",
	UnsignedShort: "unsigned_short",
	SignedLong:    "signed_long",
	UnsignedLong:  "unsigned_long",
	SignedInt64:   "signed_int64",
	UnsignedInt64: "unsigned_int64",
	Float32:       "float32",
	Float64:       "float64",
	FixedQ1516:    "q15.16",
	FixedQ3132:    "q31.32",
	ASCII:         "ascii",
	FourCCType:    "fourcc",
	GUID:          "guid",
	UTCDateTime:   "utc_date_time",
	Nest:          "nest",
	Complex:       "complex",
	Compressed:    "compressed",
}

// elementSizes maps a type code to the byte size of one element. Complex and
// Nest are not directly sizeable (their size is descriptor- or
// content-driven), so they report -1.
var elementSizes = map[Code]int{
	SignedByte:    1,
	UnsignedByte:  1,
	SignedShort:   2,
	UnsignedShort: 2,
	SignedLong:    4,
	UnsignedLong:  4,
	SignedInt64:   8,
	UnsignedInt64: 8,
	Float32:       4,
	Float64:       8,
	FixedQ1516:    4,
	FixedQ3132:    8,
	ASCII:         1,
	FourCCType:    4,
	GUID:          16,
	UTCDateTime:   16,
	Nest:          -1,
	Complex:       -1,
	Compressed:    1,
}

// ElementSize returns the byte size of one element of the given type, or -1
// if the type's size cannot be determined without additional context (Nest,
// Complex).
func ElementSize(c Code) int {
	if size, ok := elementSizes[c]; ok {
		return size
	}

	return -1
}

// swapUnits maps a type code to its endian-swap granularity: how many bytes
// form one unit that must be byte-reversed as a whole. FourCC, GUID, and
// UTC-date-time are stored verbatim and are never swapped (swap unit 1).
// Complex reports -1: swapping must follow the expanded per-field descriptor
// instead of a single fixed unit.
var swapUnits = map[Code]int{
	SignedByte:    1,
	UnsignedByte:  1,
	SignedShort:   2,
	UnsignedShort: 2,
	SignedLong:    4,
	UnsignedLong:  4,
	SignedInt64:   8,
	UnsignedInt64: 8,
	Float32:       4,
	Float64:       8,
	FixedQ1516:    4,
	FixedQ3132:    8,
	ASCII:         1,
	FourCCType:    1, // raw 4-byte ASCII, never swapped
	GUID:          1, // stored verbatim
	UTCDateTime:   1, // stored verbatim
	Compressed:    1,
}

// SwapUnit returns the endian-swap unit for the given type code: 1, 2, 4, or
// 8 bytes, or -1 for Complex (swap by the expanded complex descriptor) and
// Nest (not directly swappable; its children carry their own types).
func SwapUnit(c Code) int {
	if unit, ok := swapUnits[c]; ok {
		return unit
	}

	return -1
}

// IsNumeric reports whether c is one of the fixed-width numeric types that
// the compressor (component I) knows how to delta-encode: signed/unsigned
// 8/16/32-bit integers. 64-bit integers, floats, and everything else are not
// compressed by the Huffman codec, per spec §4.I.
func IsNumeric(c Code) bool {
	switch c {
	case SignedByte, UnsignedByte, SignedShort, UnsignedShort, SignedLong, UnsignedLong:
		return true
	default:
		return false
	}
}

// IsString reports whether c is the ASCII string type, which spec §4.D and
// §8 treat specially for sample counting (a string always counts as one
// sample regardless of its byte length).
func IsString(c Code) bool {
	return c == ASCII
}
