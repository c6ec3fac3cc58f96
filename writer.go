// Package writer is the top-level producer-facing facade (spec §6): thin
// wrappers over registry, stream, drain, and gpmf that give
// external callers the handful of entry points a producer actually needs —
// open a workspace, open a stream, store samples, drain — without requiring
// them to reach into the subsystem packages directly.
//
// Store/StoreStamped pre-format a sample into a KLV record and hand it to
// the stream's Append engine, mirroring the original writer's
// GPMFWriteStreamStore/GPMFWriteStreamStoreStamped pair. Two keys get
// special handling the way the original writer's store path did: QUAN sets
// the stream's compression quantizer without ever landing a QUAN record in
// the buffer, and TYPE both lands its record (so a drain still emits it)
// and expands the complex-type descriptor so later Structure-typed stores
// byte-swap correctly.
package writer

import (
	"encoding/binary"
	"fmt"

	"github.com/klvtelemetry/writer/drain"
	"github.com/klvtelemetry/writer/errs"
	"github.com/klvtelemetry/writer/gpmf"
	"github.com/klvtelemetry/writer/klv"
	"github.com/klvtelemetry/writer/ktype"
	"github.com/klvtelemetry/writer/registry"
	"github.com/klvtelemetry/writer/stream"
)

// Workspace is the process-wide handle returned by ServiceInit.
type Workspace = registry.Workspace

// Stream is a single producer's (or re-multiplexed sub-stream's) open
// handle, returned by StreamOpen.
type Stream = stream.Stream

// Channel selects which of the two metadata channels a stream belongs to.
type Channel = stream.Channel

// Flag is the append-behavior bitset accepted by Store/StoreStamped; see
// the stream package's Flag constants (FlagSticky, FlagAccumulate, and so
// on).
type Flag = stream.Flag

const (
	ChannelTimed    = stream.ChannelTimed
	ChannelSettings = stream.ChannelSettings

	FlagSticky             = stream.FlagSticky
	FlagBigEndian          = stream.FlagBigEndian
	FlagGrouped            = stream.FlagGrouped
	FlagAccumulate         = stream.FlagAccumulate
	FlagSorted             = stream.FlagSorted
	FlagAperiodic          = stream.FlagAperiodic
	FlagDontCount          = stream.FlagDontCount
	FlagStoreAllTimestamps = stream.FlagStoreAllTimestamps
	FlagAddTick            = stream.FlagAddTick

	// PreformattedDeviceID is the sentinel device_id Store routes through
	// the external-GPMF re-multiplexer (spec §4.F) instead of a stream's
	// own Append.
	PreformattedDeviceID = gpmf.PreformattedDeviceID
)

// ServiceInit creates a new, empty workspace (service_init).
func ServiceInit() (*Workspace, error) {
	return registry.NewWorkspace()
}

// SetScratch installs w's shared fallback scratch buffer (set_scratch),
// used when a stream's own region-tail scratch can't fit a pre-formatted
// record. The workspace allocates its own buffer of len(buf) bytes; buf's
// memory is not used.
func SetScratch(w *Workspace, buf []byte) {
	w.SetScratch(buf)
}

// StreamOpen opens a new stream on channel ch (stream_open). If autoID is
// true, deviceID is ignored and the workspace assigns the next device_id
// from the channel's running counter instead. buf supplies the stream's
// backing buffer; pass nil to have the stream allocate
// stream.MinBufferSize(ch) bytes itself.
func StreamOpen(w *Workspace, ch Channel, deviceID uint32, autoID bool, name string, buf []byte) (*Stream, error) {
	return w.StreamOpen(ch, deviceID, autoID, name, buf)
}

// StreamReset rewinds s's payload and aperiodic regions and bookkeeping,
// preserving sticky declarations (stream_reset).
func StreamReset(s *Stream) {
	s.Reset()
}

// StreamClose closes s and splices it out of w's registry (stream_close).
func StreamClose(w *Workspace, s *Stream) error {
	return w.StreamClose(s)
}

// Store formats one sample as a KLV record and appends it to s
// (stream_store). count is the record's repeat_count: the number of
// element_size-sized samples packed into data.
//
// If key is QUAN and flags includes FlagSticky, the value is consumed as
// the stream's compression quantizer and no record is stored. If key is
// TYPE, the ASCII descriptor in data additionally expands s's complex-type
// descriptor (via stream.ExpandComplexType) before the record is stored
// normally.
//
// Unless flags includes FlagBigEndian, data is assumed to be host-native
// and is byte-swapped into the wire's big-endian convention (by type code,
// or by s's complex-type descriptor when typ is Complex) before it is
// packed; pass FlagBigEndian when data is already big-endian to skip this.
func Store(s *Stream, key klv.FourCC, typ ktype.Code, elementSize uint8, count uint16, data []byte, flags Flag) error {
	return StoreStamped(s, key, typ, elementSize, count, data, flags, 0)
}

// StoreStamped is Store with an explicit producer timestamp in
// microseconds (stream_store_stamped); a zero timestamp behaves exactly
// like Store.
func StoreStamped(s *Stream, key klv.FourCC, typ ktype.Code, elementSize uint8, count uint16, data []byte, flags Flag, timestampUS int64) error {
	if s == nil {
		return errs.ErrDevice
	}

	if key == klv.KeyQUAN && flags.Has(FlagSticky) {
		s.SetQuantize(int(decodeQuantize(typ, data)))

		return nil
	}

	if key == klv.KeyTYPE {
		expanded, err := stream.ExpandComplexType(string(data))
		if err != nil {
			return err
		}

		s.SetComplexType(expanded)
	}

	h := klv.Header{Key: key, Type: typ, ElementSize: elementSize, Count: count}
	if h.DataLen() != len(data) {
		return fmt.Errorf("%w: data length %d does not match element_size*count %d", errs.ErrStructure, len(data), h.DataLen())
	}

	if !flags.Has(FlagBigEndian) {
		data = swapToBigEndian(typ, data, s.ComplexType())
	}

	formatted, release, err := s.ScratchForFlags(flags, h.TotalLen())
	if err != nil {
		return err
	}
	defer release()

	packInto(formatted, h, data)

	return s.Append(formatted, int(count), flags, timestampUS)
}

// packInto serializes h followed by data into dst, the way klv.Pack does,
// except dst is caller-supplied staging space (spec §4.C) rather than a
// fresh allocation — Append copies out of it before returning, so it is
// safe to release as soon as the call above completes.
func packInto(dst []byte, h klv.Header, data []byte) {
	h.PutBytes(dst[:klv.HeaderSize])
	n := copy(dst[klv.HeaderSize:], data)
	for i := klv.HeaderSize + n; i < len(dst); i++ {
		dst[i] = 0
	}
}

// swapToBigEndian returns a byte-swapped copy of data, leaving the caller's
// slice untouched — the pre-formatter's half of FlagBigEndian's contract
// (see stream.Append's doc comment: "a complete, self-contained big-endian
// KLV record built by the caller's pre-formatter"). A caller that already
// passes FlagBigEndian skips this entirely, the same as the original
// writer's GPMF_FLAGS_BIG_ENDIAN short-circuit.
func swapToBigEndian(typ ktype.Code, data []byte, complexFields []ktype.Code) []byte {
	swapped := append([]byte(nil), data...)
	ktype.SwapToBigEndian(typ, swapped, complexFields)

	return swapped
}

// decodeQuantize reads the QUAN payload as a big-endian unsigned integer of
// whatever width the caller formatted it at, matching the original
// writer's "dm->quantize = *((uint32_t *)data)" but tolerant of any
// fixed-width unsigned type a caller might reasonably use.
func decodeQuantize(typ ktype.Code, data []byte) uint64 {
	switch typ {
	case ktype.UnsignedByte, ktype.SignedByte:
		if len(data) >= 1 {
			return uint64(data[0])
		}
	case ktype.UnsignedShort, ktype.SignedShort:
		if len(data) >= 2 {
			return uint64(binary.BigEndian.Uint16(data))
		}
	case ktype.UnsignedInt64, ktype.SignedInt64:
		if len(data) >= 8 {
			return binary.BigEndian.Uint64(data)
		}
	default:
		if len(data) >= 4 {
			return uint64(binary.BigEndian.Uint32(data))
		}
	}

	return 0
}

// AperiodicBegin opens an aperiodic group on s under key (aperiodic_begin).
func AperiodicBegin(s *Stream, key klv.FourCC) error {
	return s.AperiodicBegin(key)
}

// AperiodicStore formats one sample and appends it to s's open aperiodic
// group (aperiodic_store).
func AperiodicStore(s *Stream, key klv.FourCC, typ ktype.Code, elementSize uint8, count uint16, data []byte) error {
	h := klv.Header{Key: key, Type: typ, ElementSize: elementSize, Count: count}
	if h.DataLen() != len(data) {
		return fmt.Errorf("%w: data length %d does not match element_size*count %d", errs.ErrStructure, len(data), h.DataLen())
	}

	return s.AperiodicStore(klv.Pack(h, data))
}

// AperiodicEnd closes s's open aperiodic group under key, committing it as
// a single nest record into the payload region (aperiodic_end).
func AperiodicEnd(s *Stream, key klv.FourCC) error {
	return s.AperiodicEnd(key)
}

// StorePreformatted routes an already-assembled external GPMF tree (from a
// third-party device) through the re-multiplexer (spec §4.F) into
// synthetic sub-streams on channel ch, instead of going through a Store
// call on a stream of our own.
func StorePreformatted(w *Workspace, ch Channel, tree []byte, parentPayload []byte) error {
	return gpmf.Remux(w, ch, tree, parentPayload)
}

// GetPayload drains channel ch's full-rate output (get_payload). It
// returns errs.ErrEmptyData if the channel has no streams to drain.
func GetPayload(w *Workspace, ch Channel) ([]byte, error) {
	if len(w.Streams(ch)) == 0 {
		return nil, errs.ErrEmptyData
	}

	return drain.Drain(w, ch)
}

// GetPayloadAndSession drains channel ch's full-rate output alongside a
// parallel session payload downsampled toward targetRate samples per
// stream (get_payload_and_session).
func GetPayloadAndSession(w *Workspace, ch Channel, targetRate int) (full, session []byte, err error) {
	if len(w.Streams(ch)) == 0 {
		return nil, nil, errs.ErrEmptyData
	}

	return drain.DrainWithSession(w, ch, targetRate)
}

// EstimateBufferSize estimates the backing buffer size a stream on channel
// ch needs (estimate_buffer_size): the channel's fixed sticky/aperiodic
// overhead plus payloadScale times the minimum payload reserve.
func EstimateBufferSize(ch Channel, payloadScale float64) int {
	if payloadScale < 1 {
		payloadScale = 1
	}

	return stream.Overhead(ch) + int(float64(stream.MinPayloadReserve)*payloadScale)
}

// IsValid reports whether buf is a structurally valid KLV sequence
// (is_valid), recursing into nests when recurse is true.
func IsValid(buf []byte, recurse bool) bool {
	return klv.IsValid(buf, recurse)
}
