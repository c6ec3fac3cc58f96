// Package errs defines the sentinel error values returned by the writer.
//
// Every exported operation returns one of these sentinels (wrapped with
// fmt.Errorf("%w: ...", ...) for call-site context) rather than an ad-hoc
// error string, so callers can classify failures with errors.Is instead of
// string matching.
package errs

import "errors"

var (
	// ErrDevice is returned for an invalid handle or a nil stream.
	ErrDevice = errors.New("device: invalid or nil stream handle")

	// ErrMemory is returned when a region would overflow; the offered
	// record is dropped intact and older data is preserved.
	ErrMemory = errors.New("memory: region would overflow")

	// ErrStickyMemory is returned when the sticky region would overflow.
	ErrStickyMemory = errors.New("memory: sticky region would overflow")

	// ErrEmptyData is returned by a drain that has nothing to emit.
	ErrEmptyData = errors.New("empty: no payload data to drain")

	// ErrStructure is returned when a complex-type byte-swap descriptor
	// does not match the declared sample size. Returned before any mutation.
	ErrStructure = errors.New("structure: complex type descriptor mismatch")

	// ErrInvalidFourCC is returned when a key fails FourCC validation.
	ErrInvalidFourCC = errors.New("invalid FourCC key")

	// ErrInvalidBuffer is returned when a caller-supplied buffer is too
	// small or a stream/channel buffer fails structural validation.
	ErrInvalidBuffer = errors.New("invalid buffer")

	// ErrStreamClosed is returned when an operation targets a stream that
	// has already been closed.
	ErrStreamClosed = errors.New("stream closed")

	// ErrChannelFull is returned when a channel cannot accept further
	// routing slots (e.g. the 4-slot external-GPMF table is exhausted).
	ErrChannelFull = errors.New("channel: routing table full")

	// ErrNotStarted is returned when End is called on an aperiodic session
	// that was never Begin'd.
	ErrNotStarted = errors.New("aperiodic session not started")
)
