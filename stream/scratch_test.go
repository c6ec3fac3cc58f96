package stream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScratchUsesStackLocalBelowThreshold(t *testing.T) {
	s := newTestStream(t, ChannelTimed, 1, "cam")

	b, release, err := s.Scratch(regionPayload, 64)
	require.NoError(t, err)
	require.Len(t, b, 64)
	release()
}

func TestScratchCarvesRegionTailWhenRoomy(t *testing.T) {
	// No shared scratch is installed, so only the region-tail step can
	// serve this request: the payload region has more than 2x n free.
	s, err := Open(ChannelTimed, 1, "cam", WithBuffer(make([]byte, MinBufferSize(ChannelTimed)+2048)))
	require.NoError(t, err)

	n := scratchStackThreshold + 10
	b, release, err := s.Scratch(regionPayload, n)
	require.NoError(t, err)
	require.Len(t, b, n)
	release()
}

func TestScratchFallsBackToSharedWhenRegionTight(t *testing.T) {
	shared := NewSharedScratch(4096)
	s, err := Open(ChannelTimed, 1, "cam", WithSharedScratch(shared))
	require.NoError(t, err)

	// Request more than half the payload region's capacity so the
	// region-tail strategy (needs >2x free) is unavailable.
	n := s.buf.Payload.Capacity()/2 + scratchStackThreshold + 1
	b, release, err := s.Scratch(regionPayload, n)
	require.NoError(t, err)
	require.Len(t, b, n)
	release()
}

func TestScratchReportsMemoryErrorWhenNothingFits(t *testing.T) {
	s, err := Open(ChannelTimed, 1, "cam")
	require.NoError(t, err)

	n := s.buf.Payload.Capacity() * 10
	_, _, err = s.Scratch(regionPayload, n)
	require.Error(t, err)
}
