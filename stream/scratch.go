package stream

import (
	"fmt"
	"sync"

	"github.com/klvtelemetry/writer/errs"
)

// scratchStackThreshold is the size below which a scratch request is
// satisfied by a fresh local allocation instead of borrowing region or
// workspace space, per spec §4.C step 1. Go's escape analysis will often
// keep an allocation this small on the stack when the caller doesn't let it
// escape, which is the spirit of the original stack-local buffer.
const scratchStackThreshold = 512

// SharedScratch is the workspace-wide fallback scratch buffer from spec
// §4.C step 3. It is a known race hazard by design: the contract is that a
// caller already holding its stream lock may borrow it for the duration of
// a single Append and must not re-enter while holding it. The mutex here
// enforces mutual exclusion across streams; it does not protect against a
// caller re-entering from the same goroutine.
type SharedScratch struct {
	mu  sync.Mutex
	buf []byte
}

// NewSharedScratch allocates a shared scratch buffer of the given size.
func NewSharedScratch(size int) *SharedScratch {
	return &SharedScratch{buf: make([]byte, size)}
}

func (s *SharedScratch) acquire(n int) ([]byte, func(), error) {
	if s == nil || n > len(s.buf) {
		return nil, nil, fmt.Errorf("%w: shared scratch unavailable for %d bytes", errs.ErrMemory, n)
	}

	s.mu.Lock()

	return s.buf[:n], s.mu.Unlock, nil
}

// ScratchForFlags is Scratch with the region inferred from flags the same
// way Append itself routes a record (see regionForFlags), so an external
// pre-formatter never needs to name a region directly.
func (s *Stream) ScratchForFlags(flags Flag, n int) ([]byte, func(), error) {
	return s.Scratch(regionForFlags(flags), n)
}

// Scratch implements the 4-step scratch-allocation policy of spec §4.C for a
// staging area of n bytes, used while pre-formatting a record destined for
// region `which`. It returns a slice of length n and a release func that
// must be called once the caller has copied out of (or given up on) the
// scratch area.
func (s *Stream) Scratch(which regionKind, n int) ([]byte, func(), error) {
	if n <= scratchStackThreshold {
		return make([]byte, n), func() {}, nil
	}

	r := s.buf.region(which)
	if r.Free() > 2*n {
		tail := r.Bytes()[len(r.Bytes())-n:]

		return tail, func() {}, nil
	}

	if b, release, err := s.shared.acquire(n); err == nil {
		return b, release, nil
	}

	return nil, nil, fmt.Errorf("%w: no scratch space available for %d-byte record", errs.ErrMemory, n)
}
