package klv

import "github.com/klvtelemetry/writer/ktype"

// IsValid implements the recursive validator from spec §4.J: it walks a
// candidate buffer from byte 0, requiring the first key to be DEVC, and
// verifies at every node that the key is a valid FourCC and that the
// declared data length lies within the remaining bytes. Nest-typed records
// are recursed into. It succeeds only if the walk exactly consumes the
// buffer (trailing end-marker padding is permitted and consumed as part of
// that record's own declared length, not as unconsumed bytes).
//
// When recurse is false, nest records are skipped structurally (their
// length is validated but their children are not inspected) — useful for a
// fast top-level sanity check.
func IsValid(buf []byte, recurse bool) bool {
	if len(buf) == 0 {
		return false
	}

	consumed, ok := validateSequence(buf, &KeyDEVC, recurse)
	if !ok {
		return false
	}

	return consumed == len(buf) || remainderIsEndMarkers(buf[consumed:])
}

// validateSequence walks a sequence of sibling KLV records starting at
// buf[0], stopping at the end-marker or end of buf. If requireFirstKey is
// non-nil, the very first record encountered must have that key. It returns
// the number of bytes consumed by records (not including any trailing
// end-marker padding) and whether the sequence was structurally sound.
func validateSequence(buf []byte, requireFirstKey *FourCC, recurse bool) (int, bool) {
	pos := 0
	first := true

	for pos < len(buf) {
		if IsEndMarkerAt(buf, pos) {
			break
		}

		if pos+HeaderSize > len(buf) {
			return pos, false
		}

		h, err := ParseHeader(buf[pos : pos+HeaderSize])
		if err != nil || !h.Key.Valid() {
			return pos, false
		}

		if first && requireFirstKey != nil && h.Key != *requireFirstKey {
			return pos, false
		}
		first = false

		dataLen := h.DataLen()
		padded := h.PaddedDataLen()
		if dataLen < 0 || pos+HeaderSize+padded > len(buf) {
			return pos, false
		}

		if h.Type == ktype.Nest && recurse {
			childBuf := buf[pos+HeaderSize : pos+HeaderSize+dataLen]
			childConsumed, ok := validateSequence(childBuf, nil, recurse)
			if !ok {
				return pos, false
			}
			if !(childConsumed == len(childBuf) || remainderIsEndMarkers(childBuf[childConsumed:])) {
				return pos, false
			}
		}

		pos += HeaderSize + padded
	}

	return pos, true
}

// remainderIsEndMarkers reports whether tail consists entirely of
// end-marker bytes (zero), which is the expected padding inserted by the
// chunked-size encoding in spec §4.H.
func remainderIsEndMarkers(tail []byte) bool {
	for _, b := range tail {
		if b != 0 {
			return false
		}
	}

	return true
}
