package stream

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/klvtelemetry/writer/errs"
	"github.com/klvtelemetry/writer/klv"
	"github.com/klvtelemetry/writer/ktype"
)

// aperiodicPayloadMarker is an implementation-private flag, never exposed to
// producers: it marks the single Append call aperiodic.End makes to commit
// a flushed nest into the payload region, so step 7's TSMP synthesis counts
// it as one sample regardless of its internal content (spec §8 property 5).
const aperiodicPayloadMarker Flag = 1 << 15

func memErr(which regionKind) error {
	if which == regionSticky {
		return errs.ErrStickyMemory
	}

	return errs.ErrMemory
}

func regionForFlags(flags Flag) regionKind {
	switch {
	case flags.Has(FlagSticky):
		return regionSticky
	case flags.Has(FlagAperiodic):
		return regionAperiodic
	default:
		return regionPayload
	}
}

// defaultTick is the fallback platform-tick source: microseconds since the
// Unix epoch, truncated to 32 bits the way the original device-local tick
// counter wraps. Real deployments should supply their own TickFunc at Open
// time, since the platform tick is explicitly an out-of-scope collaborator.
func defaultTick() uint64 {
	return uint64(time.Now().UnixMicro()) & 0xFFFFFFFF
}

// TickFunc reads the current platform tick, a monotonically-ish increasing
// device-local counter. It is a collaborator the core consumes but does not
// define (spec §1's "mutex/tick primitives" are out of scope).
type TickFunc func() uint64

// Append implements the append engine of spec §4.D: it merges formatted
// (a complete, self-contained big-endian KLV record built by the caller's
// pre-formatter) into the region selected by flags, under the stream lock
// unless FlagLocked says the caller already holds it.
func (s *Stream) Append(formatted []byte, sampleCount int, flags Flag, timestampUS int64) error {
	if s == nil {
		return errs.ErrDevice
	}

	if !flags.Has(FlagLocked) {
		s.mu.Lock()
		defer s.mu.Unlock()
	}

	if s.closed {
		return errs.ErrDevice
	}

	if flags.Has(FlagAddTick) && !s.tickSeeded {
		if err := s.seedTick(); err != nil {
			return err
		}
	}

	which := regionForFlags(flags)

	h, err := klv.ParseHeader(formatted)
	if err != nil {
		return fmt.Errorf("%w: malformed formatted_klv", errs.ErrStructure)
	}

	// Structure errors are returned before any mutation, per spec §7, so
	// the complex-type check runs before the STMP auxiliary write.
	if err := s.checkComplexType(h); err != nil {
		return err
	}

	// Step 1: optional auxiliary STMP record, under the same lock.
	if flags.Has(FlagStoreAllTimestamps) {
		stmp := buildSTMPRecord(timestampUS)
		if err := s.appendRaw(which, stmp, FlagGrouped); err != nil {
			return err
		}
	}

	if err := s.appendRaw(which, formatted, flags); err != nil {
		return err
	}

	if which == regionPayload {
		if !flags.Has(FlagSticky) {
			s.lastNonStickyKey = h.Key
			s.lastNonStickyTypeSize = int(h.ElementSize)

			if !s.hasTick {
				s.payloadTick = s.tickNow()
				s.hasTick = true
			}

			if timestampUS != 0 && len(s.timestamps) < MaxTimestamps {
				s.timestamps = append(s.timestamps, timestampUS)
			}
		}

		// Step 7: synthesize the TSMP bump for a non-sticky payload append.
		if !flags.Has(FlagSticky) && !flags.Has(FlagDontCount) && s.channel != ChannelSettings {
			count := sampleCount
			if ktype.IsString(h.Type) || flags.Has(FlagGrouped) || flags.Has(aperiodicPayloadMarker) {
				count = 1
			}

			if err := s.bumpTSMP(count); err != nil {
				return err
			}
		}
	}

	return nil
}

func (s *Stream) tickNow() uint64 {
	if s.tick != nil {
		return s.tick()
	}

	return defaultTick()
}

func (s *Stream) seedTick() error {
	tick := uint32(s.tickNow())

	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, tick)
	rec := klv.Pack(klv.Header{Key: klv.KeyTICK, Type: ktype.UnsignedLong, ElementSize: 4, Count: 1}, data)

	if err := s.appendRaw(regionSticky, rec, FlagSticky); err != nil {
		return err
	}

	s.tickSeeded = true

	return nil
}

func (s *Stream) bumpTSMP(count int) error {
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, uint32(count))
	rec := klv.Pack(klv.Header{Key: klv.KeyTSMP, Type: ktype.UnsignedLong, ElementSize: 4, Count: 1}, data)

	if err := s.appendRaw(regionSticky, rec, FlagSticky|FlagAccumulate); err != nil {
		return err
	}

	s.totalSamples += uint64(count)

	return nil
}

func buildSTMPRecord(timestampUS int64) []byte {
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, uint64(timestampUS))

	return klv.Pack(klv.Header{Key: klv.KeySTMP, Type: ktype.UnsignedInt64, ElementSize: 8, Count: 1}, data)
}

// checkComplexType implements the Structure error check of spec §4.D: when
// the stream has a complex-type descriptor set and the incoming record's
// type is Complex, its declared element_size must match the descriptor's
// total expanded byte size.
func (s *Stream) checkComplexType(h klv.Header) error {
	if h.Type != ktype.Complex || s.complexType == nil {
		return nil
	}

	want := 0
	for _, c := range s.complexType {
		sz := ktype.ElementSize(c)
		if sz < 0 {
			return fmt.Errorf("%w: complex descriptor contains an unsizeable type", errs.ErrStructure)
		}

		want += sz
	}

	if int(h.ElementSize) != want {
		return fmt.Errorf("%w: complex element_size %d does not match descriptor size %d", errs.ErrStructure, h.ElementSize, want)
	}

	return nil
}

// appendRaw performs steps 2-6 of the append algorithm against region
// `which`: self-heal the used cursor, then route to the matching merge
// strategy implied by flags.
func (s *Stream) appendRaw(which regionKind, formatted []byte, flags Flag) error {
	region := s.buf.region(which)
	region.Reseek()

	h, err := klv.ParseHeader(formatted)
	if err != nil {
		return fmt.Errorf("%w: malformed record", errs.ErrStructure)
	}

	// Step 3: empty region.
	if region.Used() == 0 {
		return s.spliceInAt(region, which, 0, formatted)
	}

	// Step 4: scan forward for a matching key, descending into nests.
	// GROUPED records never coalesce, so skip the scan entirely for them.
	var (
		pos      int
		existing klv.Header
		found    bool
	)

	if !flags.Has(FlagGrouped) {
		pos, existing, found = locateMatch(region.Live(), h.Key)
	}

	sticky := flags.Has(FlagSticky)
	accumulate := flags.Has(FlagAccumulate)
	sorted := flags.Has(FlagSorted)

	if found {
		switch {
		case sticky && accumulate:
			return s.accumulateInPlace(region, pos, existing, formatted)
		case sticky && existing.DataLen() == h.DataLen():
			return s.overwriteInPlace(region, pos, formatted)
		case sticky:
			return s.spliceAndReinsert(region, which, pos, existing, formatted)
		case sorted:
			return s.insertSorted(region, which, pos, existing, formatted)
		default:
			return s.appendToKeyRun(region, which, pos, existing, formatted)
		}
	}

	// Step 6: no match.
	if accumulate && region.Used() > 0 {
		return s.spliceInAt(region, which, 0, formatted)
	}

	return s.spliceInAt(region, which, region.Used(), formatted)
}

// locateMatch scans a sibling sequence in buf for the first record with the
// given key. When it encounters a nest record (regardless of that nest's
// own key), it first recurses into the nest's children before moving past
// it, so a key stored inside an aperiodic-flushed nest is still found —
// this is the "descend into it and continue scanning" rule of spec §4.D
// step 4, supporting grouped nested containers.
func locateMatch(buf []byte, key klv.FourCC) (int, klv.Header, bool) {
	pos := 0
	for pos+klv.HeaderSize <= len(buf) {
		if klv.IsEndMarkerAt(buf, pos) {
			break
		}

		h, err := klv.ParseHeader(buf[pos:])
		if err != nil || !h.Key.Valid() {
			break
		}

		total := h.TotalLen()
		if pos+total > len(buf) {
			break
		}

		if h.Key == key {
			return pos, h, true
		}

		if h.Type == ktype.Nest {
			childBuf := buf[pos+klv.HeaderSize : pos+klv.HeaderSize+h.DataLen()]
			if childPos, childH, ok := locateMatch(childBuf, key); ok {
				return pos + klv.HeaderSize + childPos, childH, true
			}
		}

		pos += total
	}

	return 0, klv.Header{}, false
}

// spliceInAt inserts rec at byte offset pos within region, shifting
// [pos:used] right by len(rec). It fails with a Memory (or StickyMemory)
// error if there is not enough free capacity, leaving the region unchanged.
func (s *Stream) spliceInAt(region *Region, which regionKind, pos int, rec []byte) error {
	need := len(rec)
	if region.used+need+4 > region.Capacity() {
		return memErr(which)
	}

	copy(region.buf[pos+need:region.used+need], region.buf[pos:region.used])
	copy(region.buf[pos:pos+need], rec)
	region.used += need
	klv.PlantEndMarker(region.buf, region.used)

	return nil
}

// spliceOutAt removes length bytes at byte offset pos within region,
// shifting the tail left.
func spliceOutAt(region *Region, pos int, length int) {
	tailStart := pos + length
	copy(region.buf[pos:region.used-length], region.buf[tailStart:region.used])
	region.used -= length
	klv.PlantEndMarker(region.buf, region.used)
}

func (s *Stream) overwriteInPlace(region *Region, pos int, rec []byte) error {
	copy(region.buf[pos:pos+len(rec)], rec)

	return nil
}

// accumulateInPlace implements the "Accumulate rule" of spec §4.D: both the
// existing and incoming payloads are interpreted as big-endian uint32, and
// the existing one is replaced by their sum.
func (s *Stream) accumulateInPlace(region *Region, pos int, existing klv.Header, rec []byte) error {
	newH, err := klv.ParseHeader(rec)
	if err != nil {
		return fmt.Errorf("%w: malformed accumulate record", errs.ErrStructure)
	}

	if existing.DataLen() != 4 || newH.DataLen() != 4 {
		return fmt.Errorf("%w: accumulate requires a 4-byte payload", errs.ErrStructure)
	}

	dataStart := pos + klv.HeaderSize
	target := region.buf[dataStart : dataStart+4]
	incoming := rec[klv.HeaderSize : klv.HeaderSize+4]

	sum := binary.BigEndian.Uint32(target) + binary.BigEndian.Uint32(incoming)
	binary.BigEndian.PutUint32(target, sum)

	return nil
}

func (s *Stream) spliceAndReinsert(region *Region, which regionKind, pos int, existing klv.Header, rec []byte) error {
	recLen := existing.TotalLen()
	spliceOutAt(region, pos, recLen)

	insertAt := pos
	if insertAt > region.used {
		insertAt = region.used
	}

	return s.spliceInAt(region, which, insertAt, rec)
}

// appendToKeyRun implements the "otherwise" branch of step 5: the matching
// run's repeat_count grows by the incoming record's repeat_count and the
// new sample bytes are
// spliced in immediately after the existing ones.
func (s *Stream) appendToKeyRun(region *Region, which regionKind, pos int, existing klv.Header, rec []byte) error {
	newH, err := klv.ParseHeader(rec)
	if err != nil {
		return fmt.Errorf("%w: malformed record", errs.ErrStructure)
	}

	dataStart := pos + klv.HeaderSize
	existingData := append([]byte(nil), region.buf[dataStart:dataStart+existing.DataLen()]...)
	newData := rec[klv.HeaderSize : klv.HeaderSize+newH.DataLen()]

	combined := append(existingData, newData...)
	merged := klv.Header{Key: existing.Key, Type: existing.Type, ElementSize: existing.ElementSize, Count: existing.Count + newH.Count}
	mergedRec := klv.Pack(merged, combined)

	spliceOutAt(region, pos, existing.TotalLen())

	return s.spliceInAt(region, which, pos, mergedRec)
}

// insertSorted implements the SORTED merge rule: new samples are inserted
// in increasing order by the sample's storage-typed value among the
// existing run. If the region would overflow, the largest (tail) samples of
// the merged run are dropped instead of growing past capacity — a bounded
// insertion sort, per spec §4.D step 5.
func (s *Stream) insertSorted(region *Region, which regionKind, pos int, existing klv.Header, rec []byte) error {
	newH, err := klv.ParseHeader(rec)
	if err != nil {
		return fmt.Errorf("%w: malformed record", errs.ErrStructure)
	}

	es := int(existing.ElementSize)
	if es == 0 || int(newH.ElementSize) != es {
		return fmt.Errorf("%w: sorted insert element size mismatch", errs.ErrStructure)
	}

	dataStart := pos + klv.HeaderSize
	merged := append([]byte(nil), region.buf[dataStart:dataStart+existing.DataLen()]...)
	incoming := rec[klv.HeaderSize : klv.HeaderSize+newH.DataLen()]

	for off := 0; off < len(incoming); off += es {
		sample := incoming[off : off+es]

		insertAt := len(merged)
		for i := 0; i < len(merged); i += es {
			if compareSample(existing.Type, merged[i:i+es], sample) >= 0 {
				insertAt = i
				break
			}
		}

		grown := make([]byte, 0, len(merged)+es)
		grown = append(grown, merged[:insertAt]...)
		grown = append(grown, sample...)
		grown = append(grown, merged[insertAt:]...)
		merged = grown
	}

	// Bound the merged run to whatever fits alongside the rest of the
	// region's current contents, dropping samples off the end (the
	// largest values, since merged is ascending) if necessary.
	otherUsed := region.used - existing.TotalLen()
	maxDataLen := region.Capacity() - 4 - klv.HeaderSize - otherUsed
	maxDataLen -= maxDataLen % es

	if maxDataLen < 0 {
		maxDataLen = 0
	}

	if len(merged) > maxDataLen {
		merged = merged[:maxDataLen]
	}

	newCount := len(merged) / es
	mergedHeader := klv.Header{Key: existing.Key, Type: existing.Type, ElementSize: existing.ElementSize, Count: uint16(newCount)}
	mergedRec := klv.Pack(mergedHeader, merged)

	spliceOutAt(region, pos, existing.TotalLen())

	return s.spliceInAt(region, which, pos, mergedRec)
}

// compareSample orders two same-size samples of storage type t, per spec
// §4.D's "compared correctly for signed/unsigned 8/16/32 and float" rule.
// Unrecognized types fall back to a raw byte-lexicographic compare.
func compareSample(t ktype.Code, a, b []byte) int {
	switch t {
	case ktype.UnsignedByte:
		return cmpUint64(uint64(a[0]), uint64(b[0]))
	case ktype.SignedByte:
		return cmpInt64(int64(int8(a[0])), int64(int8(b[0])))
	case ktype.UnsignedShort:
		return cmpUint64(uint64(binary.BigEndian.Uint16(a)), uint64(binary.BigEndian.Uint16(b)))
	case ktype.SignedShort:
		return cmpInt64(int64(int16(binary.BigEndian.Uint16(a))), int64(int16(binary.BigEndian.Uint16(b))))
	case ktype.UnsignedLong:
		return cmpUint64(uint64(binary.BigEndian.Uint32(a)), uint64(binary.BigEndian.Uint32(b)))
	case ktype.SignedLong:
		return cmpInt64(int64(int32(binary.BigEndian.Uint32(a))), int64(int32(binary.BigEndian.Uint32(b))))
	case ktype.Float32:
		fa := math.Float32frombits(binary.BigEndian.Uint32(a))
		fb := math.Float32frombits(binary.BigEndian.Uint32(b))

		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	default:
		return bytes.Compare(a, b)
	}
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
