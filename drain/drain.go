package drain

import (
	"encoding/binary"
	"fmt"

	"github.com/klvtelemetry/writer/compress"
	"github.com/klvtelemetry/writer/errs"
	"github.com/klvtelemetry/writer/klv"
	"github.com/klvtelemetry/writer/ktype"
	"github.com/klvtelemetry/writer/registry"
	"github.com/klvtelemetry/writer/stream"
)

// Drain produces the full-rate output payload for channel ch: the
// hierarchical DEVC/STRM tree of spec §4.H, with the EMPT counter of every
// stream that has stored samples before but produced nothing since the last
// drain bumped (preformatted sub-streams excepted), and every
// stream's payload region reset afterward (except preformatted
// sub-streams).
func Drain(w *registry.Workspace, ch stream.Channel) ([]byte, error) {
	full, _, err := drain(w, ch, 0)

	return full, err
}

// DrainWithSession produces both the full-rate payload and a parallel
// session payload downsampled toward targetRate samples, per spec §4.H's
// two-pass output. targetRate must be > 0.
func DrainWithSession(w *registry.Workspace, ch stream.Channel, targetRate int) (full, session []byte, err error) {
	if targetRate <= 0 {
		return nil, nil, fmt.Errorf("%w: target rate must be positive", errs.ErrStructure)
	}

	return drain(w, ch, targetRate)
}

func drain(w *registry.Workspace, ch stream.Channel, targetRate int) (full, session []byte, err error) {
	w.Lock(ch)
	defer w.Unlock(ch)

	streams := w.StreamsLocked(ch)

	var fullDevices, sessionDevices [][]byte

	for i := 0; i < len(streams); {
		j := i
		deviceID := streams[i].DeviceID()
		for j < len(streams) && streams[j].DeviceID() == deviceID {
			j++
		}

		fullDEVC, sessionDEVC, derr := drainDevice(streams[i:j], targetRate)
		if derr != nil {
			return nil, nil, derr
		}

		fullDevices = append(fullDevices, fullDEVC)
		if targetRate > 0 {
			sessionDevices = append(sessionDevices, sessionDEVC)
		}

		i = j
	}

	full = concatAll(fullDevices)
	if targetRate > 0 {
		session = concatAll(sessionDevices)
	}

	return full, session, nil
}

// drainDevice assembles one device's DEVC nest (full-rate and, if
// targetRate > 0, session variant) from every stream sharing its
// device_id, per the output tree in spec §4.H.
func drainDevice(streams []*stream.Stream, targetRate int) (fullDEVC, sessionDEVC []byte, err error) {
	deviceID := streams[0].DeviceID()
	deviceName := streams[0].Name()

	var fullBody, sessionBody []byte

	var earliestTick uint64
	haveTick := false

	for _, s := range streams {
		var fullSTRM, sessionSTRM []byte
		var tick uint64
		var hasTick bool
		var derr error

		s.WithLock(func() {
			fullSTRM, sessionSTRM, tick, hasTick, derr = drainStreamLocked(s, targetRate)
		})

		if derr != nil {
			return nil, nil, derr
		}

		fullBody = append(fullBody, fullSTRM...)
		if targetRate > 0 {
			sessionBody = append(sessionBody, sessionSTRM...)
		}

		if hasTick && (!haveTick || tick < earliestTick) {
			earliestTick = tick
			haveTick = true
		}
	}

	dvid := klv.Pack(klv.Header{Key: klv.KeyDVID, Type: ktype.UnsignedLong, ElementSize: 4, Count: 1}, beU32(deviceID))
	dvnm := klv.Pack(klv.Header{Key: klv.KeyDVNM, Type: ktype.ASCII, ElementSize: 1, Count: uint16(len(deviceName))}, []byte(deviceName))

	header := append(append([]byte{}, dvid...), dvnm...)
	if haveTick {
		tickRec := klv.Pack(klv.Header{Key: klv.KeyTICK, Type: ktype.UnsignedLong, ElementSize: 4, Count: 1}, beU32(uint32(earliestTick)))
		header = append(header, tickRec...)
	}

	fullDEVC, err = buildNest(klv.KeyDEVC, append(append([]byte{}, header...), fullBody...))
	if err != nil {
		return nil, nil, err
	}

	if targetRate > 0 {
		sessionDEVC, err = buildNest(klv.KeyDEVC, append(append([]byte{}, header...), sessionBody...))
		if err != nil {
			return nil, nil, err
		}
	}

	return fullDEVC, sessionDEVC, nil
}

// drainStreamLocked builds one stream's STRM nest (both variants) and, as
// a side effect, bumps EMPT if the stream has stored samples before but
// produced nothing since the last drain, and resets the payload region (unless the stream is a preformatted
// sub-stream). The caller must already hold s's lock.
func drainStreamLocked(s *stream.Stream, targetRate int) (fullSTRM, sessionSTRM []byte, tick uint64, hasTick bool, err error) {
	payload := s.Buffer().Payload.Live()

	if len(payload) == 0 && s.TotalSamples() > 0 && !s.Preformatted() {
		emptRec := klv.Pack(klv.Header{Key: klv.KeyEMPT, Type: ktype.UnsignedLong, ElementSize: 4, Count: 1}, beU32(1))
		if aerr := s.Append(emptRec, 1, stream.FlagSticky|stream.FlagAccumulate|stream.FlagLocked, 0); aerr != nil {
			return nil, nil, 0, false, aerr
		}
	}

	sticky := s.Buffer().Sticky.Live()

	var header []byte

	ts := s.Timestamps()
	if len(ts) > 0 {
		start := DejitterStart(ts)
		stmp := klv.Pack(klv.Header{Key: klv.KeySTMP, Type: ktype.UnsignedInt64, ElementSize: 8, Count: 1}, beU64(uint64(start)))
		header = append(header, stmp...)
	}

	header = append(header, sticky...)

	if targetRate > 0 {
		mainData, derr := downsamplePayload(s, payload, targetRate)
		if derr != nil {
			return nil, nil, 0, false, derr
		}

		sessionSTRM, err = buildNest(klv.KeySTRM, append(append([]byte{}, header...), mainData...))
		if err != nil {
			return nil, nil, 0, false, err
		}
	}

	// The compression hook (spec §4.H) runs after session downsampling is
	// computed from the raw payload, so a compressed stream's session output
	// still reflects genuine sample averaging rather than pass-through
	// compressed bytes.
	if q := s.Quantize(); q > 0 && len(payload) >= compress.MinRegionSize {
		payload = compress.CompressRegion(payload, q)
	}

	fullSTRM, err = buildNest(klv.KeySTRM, append(append([]byte{}, header...), payload...))
	if err != nil {
		return nil, nil, 0, false, err
	}

	tick, hasTick = s.PayloadTick()

	if !s.Preformatted() {
		s.PostDrainReset()
	}

	return fullSTRM, sessionSTRM, tick, hasTick, nil
}

// downsamplePayload walks the payload region's records, applying the
// session-rate averager to numeric non-nest records and dropping
// duplicate-key records (keeping only the first occurrence of each key),
// per spec §4.H's session-scaling rule. TSMP/EMPT never appear here since
// they are sticky-routed, not payload-routed.
func downsamplePayload(s *stream.Stream, payload []byte, targetRate int) ([]byte, error) {
	seen := make(map[klv.FourCC]bool)

	sum := s.SessionAccum()
	count := uint64(s.SessionScaleCount())

	var out []byte

	pos := 0
	for pos < len(payload) {
		h, err := klv.ParseHeader(payload[pos:])
		if err != nil || h.Key == klv.EndMarker {
			break
		}

		total := h.TotalLen()
		if pos+total > len(payload) {
			break
		}

		if !seen[h.Key] {
			seen[h.Key] = true

			data := payload[pos+klv.HeaderSize : pos+klv.HeaderSize+h.DataLen()]

			sampled, newCount, newSum, newAcc := downsampleRecord(h, data, targetRate, sum, count)
			sum, count = newSum, newAcc

			if rec := packSampled(h, sampled, newCount); rec != nil {
				out = append(out, rec...)
			}
		}

		pos += total
	}

	s.SetSessionAccum(sum)
	s.SetSessionScaleCount(count)

	return out, nil
}

// packSampled rebuilds a record with an updated sample count (the
// downsampler may shrink repeat_count), or returns nil if nothing survived
// (a partial window still accumulating toward its first average).
func packSampled(h klv.Header, data []byte, count int) []byte {
	if count == 0 {
		return nil
	}

	out := klv.Header{Key: h.Key, Type: h.Type, ElementSize: h.ElementSize, Count: uint16(count)}

	return klv.Pack(out, data)
}

// buildNest wraps data in a Nest-typed record under key, using the
// chunked size encoding of spec §4.H (ElementSize=chunk_size,
// Count=chunk_count), padding the trailing gap with end-marker bytes.
func buildNest(key klv.FourCC, data []byte) ([]byte, error) {
	chunkSize, chunkCount := ChunkSize(len(data))
	if chunkSize > 255 {
		return nil, fmt.Errorf("%w: nest %q too large to chunk-encode (chunk_size %d overflows a byte)", errs.ErrMemory, key, chunkSize)
	}

	total := chunkSize * chunkCount

	padded := make([]byte, total)
	copy(padded, data)

	return klv.Pack(klv.Header{Key: key, Type: ktype.Nest, ElementSize: uint8(chunkSize), Count: uint16(chunkCount)}, padded), nil
}

func concatAll(chunks [][]byte) []byte {
	var out []byte
	for _, c := range chunks {
		out = append(out, c...)
	}

	out = append(out, klv.EndMarker[:]...)

	return out
}

func beU32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)

	return b
}

func beU64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)

	return b
}
