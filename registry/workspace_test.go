package registry

import (
	"testing"

	"github.com/klvtelemetry/writer/klv"
	"github.com/klvtelemetry/writer/stream"
	"github.com/stretchr/testify/require"
)

func TestStreamOpenAutoIDIncrementsFromChannelHead(t *testing.T) {
	w, err := NewWorkspace()
	require.NoError(t, err)

	s1, err := w.StreamOpen(stream.ChannelTimed, 0, true, "cam0", nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, s1.DeviceID())

	s2, err := w.StreamOpen(stream.ChannelTimed, 0, true, "cam1", nil)
	require.NoError(t, err)
	require.EqualValues(t, 2, s2.DeviceID())
}

func TestStreamOpenKeepsListSortedByDeviceID(t *testing.T) {
	w, err := NewWorkspace()
	require.NoError(t, err)

	_, err = w.StreamOpen(stream.ChannelTimed, 5, false, "b", nil)
	require.NoError(t, err)
	_, err = w.StreamOpen(stream.ChannelTimed, 2, false, "a", nil)
	require.NoError(t, err)
	_, err = w.StreamOpen(stream.ChannelTimed, 9, false, "c", nil)
	require.NoError(t, err)

	streams := w.Streams(stream.ChannelTimed)
	require.Len(t, streams, 3)
	require.EqualValues(t, 2, streams[0].DeviceID())
	require.EqualValues(t, 5, streams[1].DeviceID())
	require.EqualValues(t, 9, streams[2].DeviceID())
}

func TestStreamCloseSplicesOutOfList(t *testing.T) {
	w, err := NewWorkspace()
	require.NoError(t, err)

	s1, err := w.StreamOpen(stream.ChannelTimed, 1, false, "a", nil)
	require.NoError(t, err)
	s2, err := w.StreamOpen(stream.ChannelTimed, 2, false, "b", nil)
	require.NoError(t, err)

	require.NoError(t, w.StreamClose(s1))

	streams := w.Streams(stream.ChannelTimed)
	require.Len(t, streams, 1)
	require.Same(t, s2, streams[0])
	require.True(t, s1.Closed())
}

func TestStreamCloseOnUnknownStreamFails(t *testing.T) {
	w, err := NewWorkspace()
	require.NoError(t, err)

	other, err := stream.Open(stream.ChannelTimed, 1, "ghost")
	require.NoError(t, err)

	require.Error(t, w.StreamClose(other))
}

func TestChannelsAreIndependent(t *testing.T) {
	w, err := NewWorkspace()
	require.NoError(t, err)

	_, err = w.StreamOpen(stream.ChannelTimed, 0, true, "timed", nil)
	require.NoError(t, err)
	_, err = w.StreamOpen(stream.ChannelSettings, 0, true, "settings", nil)
	require.NoError(t, err)

	require.Len(t, w.Streams(stream.ChannelTimed), 1)
	require.Len(t, w.Streams(stream.ChannelSettings), 1)
}

func TestRouteSlotReusesExistingRouteAndEnforcesCapacity(t *testing.T) {
	w, err := NewWorkspace()
	require.NoError(t, err)

	key := klv.NewFourCC("ACCL")
	opens := 0
	open := func(slotIndex int) (*stream.Stream, error) {
		opens++

		return stream.Open(stream.ChannelTimed, 100, "sub")
	}

	s1, err := w.RouteSlot(stream.ChannelTimed, 7, key, open)
	require.NoError(t, err)
	s2, err := w.RouteSlot(stream.ChannelTimed, 7, key, open)
	require.NoError(t, err)
	require.Same(t, s1, s2)
	require.Equal(t, 1, opens)

	for i := 0; i < RoutingSlots-1; i++ {
		_, err := w.RouteSlot(stream.ChannelTimed, uint32(200+i), key, open)
		require.NoError(t, err)
	}

	_, err = w.RouteSlot(stream.ChannelTimed, 999, key, open)
	require.Error(t, err)
}

func TestSetScratchInstallsSharedFallback(t *testing.T) {
	w, err := NewWorkspace()
	require.NoError(t, err)

	w.SetScratch(make([]byte, 4096))

	s, err := w.StreamOpen(stream.ChannelTimed, 1, false, "cam", nil)
	require.NoError(t, err)

	n := s.Buffer().Payload.Capacity()/2 + 600
	b, release, err := s.Scratch(0, n)
	require.NoError(t, err)
	require.Len(t, b, n)
	release()
}
