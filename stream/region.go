// Package stream implements the per-stream buffer partition (spec §4.C), the
// append engine (spec §4.D, "core of the core"), and the aperiodic session
// (spec §4.G).
//
// It is grounded on the device_metadata struct and buffer-sizing constants
// in the original GPMF writer's header, and on the
// blob.NumericEncoder/encoderState dispatch shape in the teacher repo for
// the general flavor of a stateful, region-aware encoder type.
package stream

import (
	"fmt"

	"github.com/klvtelemetry/writer/errs"
	"github.com/klvtelemetry/writer/klv"
)

// Channel is one of the two metadata channels a stream belongs to.
type Channel uint8

const (
	// ChannelTimed carries the primary, time-varying payload muxed into the
	// timed-metadata track.
	ChannelTimed Channel = iota
	// ChannelSettings carries slowly- or never-changing global settings.
	ChannelSettings
)

// String implements fmt.Stringer for log messages.
func (c Channel) String() string {
	if c == ChannelSettings {
		return "settings"
	}

	return "timed"
}

// Per-channel fixed region reservations, matching GPMF_writer.h's
// GPMF_STICKY_PAYLOAD_SIZE / GPMF_APERIODIC_PAYLOAD_SIZE (and their
// GPMF_GLOBAL_* counterparts for the Settings channel).
const (
	stickyReserveTimed    = 256
	stickyReserveSettings = 1024

	aperiodicReserveTimed    = 256
	aperiodicReserveSettings = 32

	// MinPayloadReserve is the "+ 1 KiB" minimum payload allowance spec §4.C
	// requires on top of the sticky/aperiodic overhead.
	MinPayloadReserve = 1024
)

func stickyReserve(ch Channel) int {
	if ch == ChannelSettings {
		return stickyReserveSettings
	}

	return stickyReserveTimed
}

func aperiodicReserve(ch Channel) int {
	if ch == ChannelSettings {
		return aperiodicReserveSettings
	}

	return aperiodicReserveTimed
}

// Overhead returns the fixed sticky + aperiodic reservation for ch, before
// the caller's payload allowance.
func Overhead(ch Channel) int {
	return stickyReserve(ch) + aperiodicReserve(ch)
}

// MinBufferSize is the smallest buffer stream_open will accept for ch:
// overhead plus the 1 KiB minimum payload region.
func MinBufferSize(ch Channel) int {
	return Overhead(ch) + MinPayloadReserve
}

// Region is one of a stream's three byte regions: a fixed-capacity slice
// (capacity == len(buf), never reallocated) plus a used cursor that tracks
// how many of its leading bytes are live KLV records.
type Region struct {
	buf  []byte
	used int
}

// Capacity returns the region's fixed byte capacity.
func (r *Region) Capacity() int {
	return len(r.buf)
}

// Used returns the number of live bytes currently occupying the region.
func (r *Region) Used() int {
	return r.used
}

// Free returns the number of bytes available for new records.
func (r *Region) Free() int {
	return len(r.buf) - r.used
}

// Live returns the region's occupied prefix: buf[:used].
func (r *Region) Live() []byte {
	return r.buf[:r.used]
}

// Bytes returns the region's full fixed-capacity backing slice.
func (r *Region) Bytes() []byte {
	return r.buf
}

// Reseek recomputes used via klv.SeekEnd, the self-healing scan from spec
// §4.B. Append calls this at the start of every operation so a torn write
// observed mid-scan by a concurrent drain never corrupts the region further.
func (r *Region) Reseek() {
	r.used = klv.SeekEnd(r.buf)
}

// Reset clears the region to empty and replants the end-marker at offset 0.
func (r *Region) Reset() {
	r.used = 0
	if len(r.buf) >= 4 {
		klv.PlantEndMarker(r.buf, 0)
	}
}

// Buffer is the tri-region partition carved from one contiguous backing
// slice, per spec §4.C: sticky, aperiodic, and payload, in that order.
type Buffer struct {
	raw   []byte
	owned bool

	Sticky    Region
	Aperiodic Region
	Payload   Region
}

// NewBuffer carves raw into the three fixed regions for channel ch. raw must
// be at least MinBufferSize(ch) bytes; owned records whether the writer
// itself allocated raw (and must therefore release it on close).
func NewBuffer(ch Channel, raw []byte, owned bool) (*Buffer, error) {
	minSize := MinBufferSize(ch)
	if len(raw) < minSize {
		return nil, fmt.Errorf("%w: buffer needs at least %d bytes, got %d", errs.ErrMemory, minSize, len(raw))
	}

	sr := stickyReserve(ch)
	ar := aperiodicReserve(ch)

	b := &Buffer{raw: raw, owned: owned}
	b.Sticky.buf = raw[0:sr]
	b.Aperiodic.buf = raw[sr : sr+ar]
	b.Payload.buf = raw[sr+ar:]

	b.Sticky.Reset()
	b.Aperiodic.Reset()
	b.Payload.Reset()

	return b, nil
}

// Owned reports whether the writer allocated this buffer's backing storage
// (as opposed to the caller supplying it at stream_open).
func (b *Buffer) Owned() bool {
	return b.owned
}

// region looks up one of the three regions by flag-implied routing.
func (b *Buffer) region(which regionKind) *Region {
	switch which {
	case regionSticky:
		return &b.Sticky
	case regionAperiodic:
		return &b.Aperiodic
	default:
		return &b.Payload
	}
}

type regionKind uint8

const (
	regionPayload regionKind = iota
	regionSticky
	regionAperiodic
)
