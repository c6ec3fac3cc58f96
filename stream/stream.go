package stream

import (
	"fmt"
	"sync"

	"github.com/klvtelemetry/writer/errs"
	"github.com/klvtelemetry/writer/internal/options"
	"github.com/klvtelemetry/writer/klv"
	"github.com/klvtelemetry/writer/ktype"
)

// DeviceNameMax is the maximum length, in bytes, of a stream's device name
// (ASCII), matching device_metadata.device_name[80] in the original writer.
const DeviceNameMax = 80

// MaxTimestamps bounds the per-stream timestamp log (spec §3): up to this
// many microsecond timestamps are retained per drain cycle; further stores
// silently drop (drop-newest, per spec §9's bit-compatibility resolution).
const MaxTimestamps = 50

// DeviceIDPreformatted is the sentinel device_id used by synthetic
// sub-streams created by the external-GPMF re-multiplexer (spec §4.F).
const DeviceIDPreformatted uint32 = 0xFFFFFFFF

// Stream is the device_metadata equivalent from spec §3: one producer's (or
// one re-multiplexed sub-stream's) tri-region buffer plus the bookkeeping
// needed to append, drain, and reset it. A Stream is exclusively owned by
// one producer call-site and the drain thread, coordinated by its own
// mutex — never touch a Stream's fields without holding mu (or passing
// FlagLocked because the caller already does).
type Stream struct {
	mu sync.Mutex

	channel  Channel
	deviceID uint32
	name     string

	buf *Buffer

	shared *SharedScratch
	tick   TickFunc

	lastNonStickyKey      klv.FourCC
	lastNonStickyTypeSize int

	complexType []ktype.Code

	quantize int

	timestamps  []int64
	payloadTick uint64
	hasTick     bool

	sessionScaleCount uint64
	sessionAccum      float64

	totalSamples uint64

	tickSeeded bool

	aperiodicOpen bool
	aperiodicKey  klv.FourCC

	preformatted bool

	closed bool
}

// OpenOption configures an optional aspect of Open: a caller-supplied
// buffer, a shared workspace scratch, or a platform tick source.
type OpenOption = options.Option[*openConfig]

type openConfig struct {
	raw          []byte
	shared       *SharedScratch
	tick         TickFunc
	preformatted bool
}

// WithBuffer supplies the stream's backing buffer. Without this option, Open
// allocates MinBufferSize(channel) bytes itself and owns (frees) them on
// Close.
func WithBuffer(raw []byte) OpenOption {
	return options.NoError(func(c *openConfig) { c.raw = raw })
}

// WithSharedScratch wires the workspace's fallback scratch buffer (spec
// §4.C step 3) into the stream's scratch-allocation policy.
func WithSharedScratch(s *SharedScratch) OpenOption {
	return options.NoError(func(c *openConfig) { c.shared = s })
}

// WithTick overrides the platform tick source used for TICK seeding and
// payload_tick bookkeeping. Without this option, Open falls back to
// microseconds-since-epoch truncated to 32 bits.
func WithTick(fn TickFunc) OpenOption {
	return options.NoError(func(c *openConfig) { c.tick = fn })
}

// AsPreformatted marks a synthetic sub-stream created by the external-GPMF
// re-multiplexer (spec §4.F): its payload *is* its entire backing buffer,
// so drain must not run PostDrainReset against it.
func AsPreformatted() OpenOption {
	return options.NoError(func(c *openConfig) { c.preformatted = true })
}

// Open creates a Stream on channel ch with device_id id and name, carving
// its tri-region buffer from raw (or allocating MinBufferSize(ch) bytes if
// no WithBuffer option is given).
func Open(ch Channel, id uint32, name string, opts ...OpenOption) (*Stream, error) {
	if len(name) > DeviceNameMax {
		return nil, fmt.Errorf("%w: device name exceeds %d bytes", errs.ErrDevice, DeviceNameMax)
	}

	cfg := &openConfig{}
	if err := options.Apply(cfg, opts...); err != nil {
		return nil, err
	}

	owned := cfg.raw == nil
	raw := cfg.raw
	if owned {
		raw = make([]byte, MinBufferSize(ch))
	}

	buf, err := NewBuffer(ch, raw, owned)
	if err != nil {
		return nil, err
	}

	return &Stream{
		channel:      ch,
		deviceID:     id,
		name:         name,
		buf:          buf,
		shared:       cfg.shared,
		tick:         cfg.tick,
		preformatted: cfg.preformatted,
	}, nil
}

// Preformatted reports whether this stream is a synthetic sub-stream of the
// external-GPMF re-multiplexer (spec §4.F): its buffer is wholly owned as
// payload and must never go through PostDrainReset.
func (s *Stream) Preformatted() bool {
	return s.preformatted
}

// Channel returns the stream's channel.
func (s *Stream) Channel() Channel {
	return s.channel
}

// DeviceID returns the stream's device_id.
func (s *Stream) DeviceID() uint32 {
	return s.deviceID
}

// Name returns the stream's device name.
func (s *Stream) Name() string {
	return s.name
}

// Buffer exposes the stream's tri-region buffer, for the drain path (which
// holds the stream lock itself via WithLock) and tests.
func (s *Stream) Buffer() *Buffer {
	return s.buf
}

// SetQuantize sets the compression quantization factor; 0 disables
// compression for this stream (spec §4.H's "Compression hook").
func (s *Stream) SetQuantize(q int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quantize = q
}

// Quantize returns the stream's compression quantization factor. Like
// TotalSamples, it does not take the stream lock: the drainer reads it
// from inside WithLock.
func (s *Stream) Quantize() int {
	return s.quantize
}

// SetComplexType records the expanded complex-type descriptor (spec design
// note: "T[N]" expanded to "T T T …") used to drive per-field endian swap
// for subsequent Structure-typed appends.
func (s *Stream) SetComplexType(expanded []ktype.Code) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.complexType = expanded
}

// ComplexType returns the stream's current expanded complex-type
// descriptor, or nil if none has been set.
func (s *Stream) ComplexType() []ktype.Code {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.complexType
}

// WithLock runs fn with the stream lock held and passes FlagLocked-aware
// callers a hint that locking has already happened; used by the drainer,
// which must take the stream lock only briefly per spec §5.
func (s *Stream) WithLock(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

// Reset clears the payload region and zeroes accumulator state while
// preserving sticky declarations (type, units, scale, name), per spec §3's
// lifecycle note. It is distinct from the post-drain reset: Reset is a
// producer-invoked full rewind, e.g. after a sensor reconnects.
func (s *Stream) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf.Payload.Reset()
	s.buf.Aperiodic.Reset()
	zeroAccumulatorRecords(&s.buf.Sticky)
	s.timestamps = s.timestamps[:0]
	s.hasTick = false
	s.payloadTick = 0
	s.sessionScaleCount = 0
	s.sessionAccum = 0
	s.totalSamples = 0
	s.tickSeeded = false
}

// zeroAccumulatorRecords walks region's live records and re-seeds the
// TSMP/EMPT accumulator counters to 0 in place, leaving every other sticky
// declaration (TYPE, SCAL, SIUN, UNIT, TICK, ...) untouched. Both records
// are a fixed 4-byte payload (see bumpTSMP and drain's EMPT bump), so
// zeroing in place never changes the region's length or layout.
func zeroAccumulatorRecords(region *Region) {
	buf := region.Live()
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

		if h.Key == klv.KeyTSMP || h.Key == klv.KeyEMPT {
			dataStart := pos + klv.HeaderSize
			dataEnd := dataStart + h.DataLen()
			for i := dataStart; i < dataEnd; i++ {
				buf[i] = 0
			}
		}

		pos += total
	}
}

// PostDrainReset implements spec §4.H's "Post-drain" step: the payload
// region's used cursor is zeroed, its first word replanted as the
// end-marker, and payload_tick/timestamps cleared. Sticky is left
// untouched, and pre-formatted sub-streams (whose payload is their entire
// buffer) must not call this at all.
func (s *Stream) PostDrainReset() {
	s.buf.Payload.Reset()
	s.timestamps = s.timestamps[:0]
	s.hasTick = false
	s.payloadTick = 0
}

// Close marks the stream closed; the caller (registry) is responsible for
// splicing it out of the ordered list and releasing its buffer if Owned.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

// Timestamps returns the stream's bounded timestamp log.
func (s *Stream) Timestamps() []int64 {
	return s.timestamps
}

// PayloadTick returns the earliest producer tick recorded in this payload,
// and whether any has been recorded since the last reset.
func (s *Stream) PayloadTick() (uint64, bool) {
	return s.payloadTick, s.hasTick
}

// TotalSamples returns the running TSMP counter since service start, per
// spec §3's `last_nonsticky_key`/TSMP bookkeeping (spec invariant 3).
func (s *Stream) TotalSamples() uint64 {
	return s.totalSamples
}

// SessionScaleCount returns (and the caller may then persist back via
// SetSessionScaleCount) the downsampler phase accumulator from spec §4.H.
func (s *Stream) SessionScaleCount() uint64 {
	return s.sessionScaleCount
}

// SetSessionScaleCount persists the downsampler phase accumulator across
// drains.
func (s *Stream) SetSessionScaleCount(v uint64) {
	s.sessionScaleCount = v
}

// SessionAccum returns the partial sum accumulated toward the downsampler's
// in-progress averaging window, persisted alongside SessionScaleCount so a
// window that doesn't divide evenly into one drain's sample batch can
// finish averaging in the next one.
func (s *Stream) SessionAccum() float64 {
	return s.sessionAccum
}

// SetSessionAccum persists the downsampler's partial window sum across
// drains.
func (s *Stream) SetSessionAccum(v float64) {
	s.sessionAccum = v
}

// ExpandComplexType parses a "T[N]" struct descriptor into its expanded
// per-field type sequence "T T T …", per design note 9: a pure function
// over a short ASCII string, implemented as a finite state machine that
// never mutates its input.
func ExpandComplexType(descriptor string) ([]ktype.Code, error) {
	var out []ktype.Code

	i := 0
	for i < len(descriptor) {
		c := ktype.Code(descriptor[i])
		i++

		if i < len(descriptor) && descriptor[i] == '[' {
			j := i + 1
			n := 0
			sawDigit := false
			for j < len(descriptor) && descriptor[j] >= '0' && descriptor[j] <= '9' {
				n = n*10 + int(descriptor[j]-'0')
				sawDigit = true
				j++
			}

			if j >= len(descriptor) || descriptor[j] != ']' || !sawDigit {
				return nil, fmt.Errorf("%w: malformed repeat count in complex type descriptor %q", errs.ErrStructure, descriptor)
			}

			for k := 0; k < n; k++ {
				out = append(out, c)
			}

			i = j + 1

			continue
		}

		out = append(out, c)
	}

	return out, nil
}
