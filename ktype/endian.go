package ktype

// SwapToBigEndian reverses each value in data in place, converting
// host-native (little-endian) sample bytes to the writer's on-wire
// big-endian convention. It is the counterpart of the original writer's
// per-type, per-field byte-swap (GPMFWriteStreamStoreStamped's "else //
// Little-endian, needs to be swapped" branch): each SwapUnit(t)-sized
// value is byte-reversed independently, and FourCC/GUID/UTC-date-time
// (swap unit 1) pass through untouched.
//
// When t is Complex, complexFields gives the expanded per-field type
// sequence (see Stream.ComplexType) driving a swap of each field by its
// own element size and swap unit, cycling across data the way the
// original's complex_type descriptor drives its field-at-a-time swap. It
// is ignored for every other type.
func SwapToBigEndian(t Code, data []byte, complexFields []Code) {
	if t == Complex {
		swapComplexFields(data, complexFields)

		return
	}

	unit := SwapUnit(t)
	if unit <= 1 {
		return
	}

	for off := 0; off+unit <= len(data); off += unit {
		reverseBytes(data[off : off+unit])
	}
}

func swapComplexFields(data []byte, fields []Code) {
	if len(fields) == 0 {
		return
	}

	off := 0
	for off < len(data) {
		for _, f := range fields {
			size := ElementSize(f)
			if size <= 0 || off+size > len(data) {
				return
			}

			if unit := SwapUnit(f); unit > 1 {
				reverseBytes(data[off : off+unit])
			}

			off += size
		}
	}
}

func reverseBytes(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
