// Package registry implements the stream registry (spec §4.E): a
// per-channel ordered list of streams guarded by a channel lock, plus the
// workspace-wide state (shared scratch, external-preformatted routing
// table) that spec §3 calls out as process-wide.
//
// The original device list is a doubly-linked list; design note 9 flags
// that as ownership-hostile in a language with strict ownership and
// suggests "a vector with stable insertion order maintained by explicit
// sort" instead, which is what channelState.streams is.
package registry

import (
	"fmt"
	"sync"

	"github.com/klvtelemetry/writer/errs"
	"github.com/klvtelemetry/writer/internal/options"
	"github.com/klvtelemetry/writer/klv"
	"github.com/klvtelemetry/writer/stream"
)

// RoutingSlots is the maximum number of external-preformatted sub-streams a
// channel may route to, per spec §4.F ("4-slot table").
const RoutingSlots = 4

type routingSlot struct {
	used     bool
	deviceID uint32
	key      klv.FourCC
	sub      *stream.Stream
}

type channelState struct {
	mu      sync.RWMutex
	streams []*stream.Stream
	routing [RoutingSlots]routingSlot
	nextID  uint32
}

// Workspace is the process-wide state of spec §3: per channel, the ordered
// stream list and its lock plus the external-preformatted routing table;
// and one optional shared scratch buffer used when a stream's own
// region-tail scratch doesn't fit a pre-formatted record.
type Workspace struct {
	channels [2]*channelState
	shared   *stream.SharedScratch
}

// WorkspaceOption configures an optional aspect of NewWorkspace.
type WorkspaceOption = options.Option[*Workspace]

// WithScratchBuffer gives the workspace a shared fallback scratch buffer of
// len(buf) bytes (spec §4.C step 3 / external API's set_scratch). The
// buffer is freshly allocated; buf's own memory is not used.
func WithScratchBuffer(buf []byte) WorkspaceOption {
	return options.NoError(func(w *Workspace) {
		w.shared = stream.NewSharedScratch(len(buf))
	})
}

// NewWorkspace creates an empty, process-wide workspace (service_init).
func NewWorkspace(opts ...WorkspaceOption) (*Workspace, error) {
	w := &Workspace{
		channels: [2]*channelState{{nextID: 1}, {nextID: 1}},
	}

	if err := options.Apply(w, opts...); err != nil {
		return nil, err
	}

	return w, nil
}

// SetScratch installs (or replaces) the workspace's shared scratch buffer
// with a freshly allocated one of len(buf) bytes; buf's own memory is not
// used.
func (w *Workspace) SetScratch(buf []byte) {
	w.shared = stream.NewSharedScratch(len(buf))
}

func (w *Workspace) channel(ch stream.Channel) *channelState {
	return w.channels[ch]
}

// StreamOpen implements stream_open: it allocates (or adopts) a stream's
// buffer, assigns a device_id (autoID=true auto-increments from the
// channel's running counter), and inserts it keeping the channel's stream
// list sorted by ascending device_id.
func (w *Workspace) StreamOpen(ch stream.Channel, deviceID uint32, autoID bool, name string, raw []byte) (*stream.Stream, error) {
	cs := w.channel(ch)

	cs.mu.Lock()
	defer cs.mu.Unlock()

	id := deviceID
	if autoID {
		id = cs.nextID
	}

	var openOpts []stream.OpenOption
	if raw != nil {
		openOpts = append(openOpts, stream.WithBuffer(raw))
	}

	if w.shared != nil {
		openOpts = append(openOpts, stream.WithSharedScratch(w.shared))
	}

	s, err := stream.Open(ch, id, name, openOpts...)
	if err != nil {
		return nil, err
	}

	if autoID {
		cs.nextID = id + 1
	}

	insertSorted(cs, s)

	return s, nil
}

// insertSorted inserts s into cs.streams keeping ascending device_id order,
// via the swap-based insertion sort spec §4.E says is sufficient.
func insertSorted(cs *channelState, s *stream.Stream) {
	cs.streams = append(cs.streams, s)
	for i := len(cs.streams) - 1; i > 0 && cs.streams[i-1].DeviceID() > cs.streams[i].DeviceID(); i-- {
		cs.streams[i-1], cs.streams[i] = cs.streams[i], cs.streams[i-1]
	}
}

// StreamClose splices s out of its channel's list under both the channel
// lock and the stream lock, per spec §4.E.
func (w *Workspace) StreamClose(s *stream.Stream) error {
	if s == nil {
		return errs.ErrDevice
	}

	cs := w.channel(s.Channel())

	cs.mu.Lock()
	defer cs.mu.Unlock()

	idx := -1
	for i, cand := range cs.streams {
		if cand == s {
			idx = i

			break
		}
	}

	if idx < 0 {
		return fmt.Errorf("%w: stream not found in registry", errs.ErrDevice)
	}

	s.Close()

	for slot := range cs.routing {
		if cs.routing[slot].sub == s {
			cs.routing[slot] = routingSlot{}
		}
	}

	cs.streams = append(cs.streams[:idx], cs.streams[idx+1:]...)

	return nil
}

// Streams returns a snapshot slice of channel ch's streams in device_id
// order. The caller must not mutate the returned slice; it is returned for
// the drain path to walk under its own, briefly-held channel lock (see
// Workspace.Lock/Unlock).
func (w *Workspace) Streams(ch stream.Channel) []*stream.Stream {
	cs := w.channel(ch)
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	out := make([]*stream.Stream, len(cs.streams))
	copy(out, cs.streams)

	return out
}

// Lock acquires channel ch's channel lock for the duration of a drain walk,
// per spec §5's lock-ordering rule (channel lock, then per-stream locks,
// never the reverse).
func (w *Workspace) Lock(ch stream.Channel) {
	w.channel(ch).mu.Lock()
}

// Unlock releases channel ch's channel lock.
func (w *Workspace) Unlock(ch stream.Channel) {
	w.channel(ch).mu.Unlock()
}

// StreamsLocked returns channel ch's streams in device_id order; the caller
// must already hold ch's channel lock (via Lock).
func (w *Workspace) StreamsLocked(ch stream.Channel) []*stream.Stream {
	return w.channel(ch).streams
}

// RouteSlot implements the 4-slot routing table lookup of spec §4.F: it
// returns the synthetic sub-stream already routing (deviceID, key), or
// allocates the next free slot for it via open, which receives the index
// (0..RoutingSlots-1) of the slot being filled so the caller can pick a
// matching backing slab. The caller must hold ch's channel lock.
func (w *Workspace) RouteSlot(ch stream.Channel, deviceID uint32, key klv.FourCC, open func(slotIndex int) (*stream.Stream, error)) (*stream.Stream, error) {
	cs := w.channel(ch)

	for i := range cs.routing {
		slot := &cs.routing[i]
		if slot.used && slot.deviceID == deviceID && slot.key == key {
			return slot.sub, nil
		}
	}

	for i := range cs.routing {
		slot := &cs.routing[i]
		if !slot.used {
			sub, err := open(i)
			if err != nil {
				return nil, err
			}

			*slot = routingSlot{used: true, deviceID: deviceID, key: key, sub: sub}
			insertSorted(cs, sub)

			return sub, nil
		}
	}

	return nil, fmt.Errorf("%w: all %d preformatted routing slots in use", errs.ErrChannelFull, RoutingSlots)
}
