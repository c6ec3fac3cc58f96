package klv

// SeekEnd walks forward through region reading (key, type/size/count) header
// pairs, advancing by HeaderSize + round-up-4(data_bytes) at each step, per
// spec §4.B.
//
// It stops on the end-marker, an invalid FourCC, or when the next advance
// would exceed the region. In the first case the returned offset already
// points at a valid terminator. In the latter two cases — which indicate a
// partially-written record, e.g. observed mid-append by a concurrent
// drain — SeekEnd self-heals: it plants a fresh end-marker at the last
// known-good offset before returning, so the region remains safe for
// subsequent appends even though the interrupted record and anything after
// it is discarded.
//
// SeekEnd never reads past len(region) and never writes when there isn't
// room left for a 4-byte marker.
func SeekEnd(region []byte) int {
	pos := 0

	for pos+4 <= len(region) {
		if IsEndMarkerAt(region, pos) {
			return pos
		}

		if pos+HeaderSize > len(region) {
			break
		}

		h, err := ParseHeader(region[pos : pos+HeaderSize])
		if err != nil || !h.Key.Valid() {
			break
		}

		advance := h.TotalLen()
		if advance <= 0 || pos+advance > len(region) {
			break
		}

		pos += advance
	}

	if pos+4 <= len(region) {
		PlantEndMarker(region, pos)
	}

	return pos
}
