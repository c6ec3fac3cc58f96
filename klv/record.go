package klv

// Pack serializes a complete KLV record: header followed by data, padded up
// to a 4-byte boundary with zero bytes. data must have length h.DataLen();
// Pack panics otherwise, since a length mismatch is always a caller bug (the
// header's element_size × repeat_count already commits to the data length).
func Pack(h Header, data []byte) []byte {
	if len(data) != h.DataLen() {
		panic("klv: Pack: data length does not match header's element_size * repeat_count")
	}

	out := make([]byte, h.TotalLen())
	h.PutBytes(out[:HeaderSize])
	copy(out[HeaderSize:], data)
	// the gap between HeaderSize+len(data) and len(out), if any, is already
	// zero from make() and serves as the 4-byte-boundary padding.

	return out
}
