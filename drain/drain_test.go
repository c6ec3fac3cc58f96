package drain

import (
	"encoding/binary"
	"testing"

	"github.com/klvtelemetry/writer/klv"
	"github.com/klvtelemetry/writer/ktype"
	"github.com/klvtelemetry/writer/registry"
	"github.com/klvtelemetry/writer/stream"
	"github.com/stretchr/testify/require"
)

func packRecord(key klv.FourCC, typ ktype.Code, elemSize uint8, count uint16, data []byte) []byte {
	return klv.Pack(klv.Header{Key: key, Type: typ, ElementSize: elemSize, Count: count}, data)
}

func u32be(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)

	return b
}

// findRecord does a flat (non-descending) scan for key within a DEVC/STRM
// tree's immediate region, used only to pick apart drain output in tests.
func findRecord(buf []byte, key klv.FourCC) (klv.Header, []byte, bool) {
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
			return h, buf[pos+klv.HeaderSize : pos+klv.HeaderSize+h.DataLen()], true
		}

		if h.Type == ktype.Nest {
			child := buf[pos+klv.HeaderSize : pos+klv.HeaderSize+h.DataLen()]
			if ch, cd, ok := findRecord(child, key); ok {
				return ch, cd, true
			}
		}

		pos += total
	}

	return klv.Header{}, nil, false
}

func newWorkspace(t *testing.T) *registry.Workspace {
	t.Helper()
	w, err := registry.NewWorkspace()
	require.NoError(t, err)

	return w
}

func TestDrainProducesDEVCTreeWithStickyAndPayload(t *testing.T) {
	w := newWorkspace(t)

	s, err := w.StreamOpen(stream.ChannelTimed, 0, true, "cam", nil)
	require.NoError(t, err)

	scal := packRecord(klv.KeySCAL, ktype.UnsignedLong, 4, 1, u32be(1000))
	require.NoError(t, s.Append(scal, 1, stream.FlagSticky, 0))

	accl := packRecord(klv.NewFourCC("ACCL"), ktype.UnsignedLong, 4, 3, append(append(u32be(1), u32be(2)...), u32be(3)...))
	require.NoError(t, s.Append(accl, 3, 0, 0))

	out, err := Drain(w, stream.ChannelTimed)
	require.NoError(t, err)

	devcH, devcBody, found := findRecord(out, klv.KeyDEVC)
	require.True(t, found)
	require.Equal(t, ktype.Nest, devcH.Type)

	_, dvidData, found := findRecord(devcBody, klv.KeyDVID)
	require.True(t, found)
	require.Equal(t, s.DeviceID(), binary.BigEndian.Uint32(dvidData))

	_, sclData, found := findRecord(devcBody, klv.KeySCAL)
	require.True(t, found)
	require.Equal(t, uint32(1000), binary.BigEndian.Uint32(sclData))

	_, acclData, found := findRecord(devcBody, klv.NewFourCC("ACCL"))
	require.True(t, found)
	require.Len(t, acclData, 12)
}

func TestDrainResetsPayloadButKeepsSticky(t *testing.T) {
	w := newWorkspace(t)
	s, err := w.StreamOpen(stream.ChannelTimed, 0, true, "cam", nil)
	require.NoError(t, err)

	scal := packRecord(klv.KeySCAL, ktype.UnsignedLong, 4, 1, u32be(7))
	require.NoError(t, s.Append(scal, 1, stream.FlagSticky, 0))

	accl := packRecord(klv.NewFourCC("ACCL"), ktype.UnsignedLong, 4, 1, u32be(42))
	require.NoError(t, s.Append(accl, 1, 0, 0))

	_, err = Drain(w, stream.ChannelTimed)
	require.NoError(t, err)

	require.Zero(t, s.Buffer().Payload.Used())

	_, _, found := findRecord(s.Buffer().Sticky.Live(), klv.KeySCAL)
	require.True(t, found)
}

// S3 — a stream that produced samples in a prior cycle but nothing this
// cycle gets its EMPT counter bumped in sticky at drain time.
func TestScenarioS3EmptyPayloadBumpsEMPT(t *testing.T) {
	w := newWorkspace(t)
	s, err := w.StreamOpen(stream.ChannelTimed, 0, true, "cam", nil)
	require.NoError(t, err)

	accl := packRecord(klv.NewFourCC("ACCL"), ktype.UnsignedLong, 4, 1, u32be(1))
	require.NoError(t, s.Append(accl, 1, 0, 0))

	// first drain: payload non-empty, no EMPT should appear yet.
	out1, err := Drain(w, stream.ChannelTimed)
	require.NoError(t, err)
	_, _, found := findRecord(out1, klv.KeyEMPT)
	require.False(t, found)

	// second drain: nothing appended since the first drain, but
	// TotalSamples() > 0 from before, so EMPT should bump.
	out2, err := Drain(w, stream.ChannelTimed)
	require.NoError(t, err)

	_, emptData, found := findRecord(out2, klv.KeyEMPT)
	require.True(t, found)
	require.Equal(t, uint32(1), binary.BigEndian.Uint32(emptData))

	// third drain with still nothing appended: EMPT should accumulate.
	out3, err := Drain(w, stream.ChannelTimed)
	require.NoError(t, err)

	_, emptData3, found := findRecord(out3, klv.KeyEMPT)
	require.True(t, found)
	require.Equal(t, uint32(2), binary.BigEndian.Uint32(emptData3))
}

func TestDrainNeverBumpsEMPTBeforeAnySamples(t *testing.T) {
	w := newWorkspace(t)
	_, err := w.StreamOpen(stream.ChannelTimed, 0, true, "cam", nil)
	require.NoError(t, err)

	out, err := Drain(w, stream.ChannelTimed)
	require.NoError(t, err)

	_, _, found := findRecord(out, klv.KeyEMPT)
	require.False(t, found)
}

// S5 — session reduction produces a parallel, smaller-count payload.
func TestScenarioS5SessionDownsamplesPayload(t *testing.T) {
	w := newWorkspace(t)
	s, err := w.StreamOpen(stream.ChannelTimed, 0, true, "cam", nil)
	require.NoError(t, err)

	var data []byte
	for i := 1; i <= 100; i++ {
		data = append(data, u32be(uint32(i))...)
	}

	accl := packRecord(klv.NewFourCC("ACCL"), ktype.UnsignedLong, 4, 100, data)
	require.NoError(t, s.Append(accl, 100, 0, 0))

	full, session, err := DrainWithSession(w, stream.ChannelTimed, 10)
	require.NoError(t, err)

	_, fullData, found := findRecord(full, klv.NewFourCC("ACCL"))
	require.True(t, found)
	require.Len(t, fullData, 400)

	_, sessionData, found := findRecord(session, klv.NewFourCC("ACCL"))
	require.True(t, found)
	require.Less(t, len(sessionData), len(fullData))
}

func TestDrainWithSessionRejectsNonPositiveTargetRate(t *testing.T) {
	w := newWorkspace(t)
	_, _, err := DrainWithSession(w, stream.ChannelTimed, 0)
	require.Error(t, err)
}

func TestDrainGroupsMultipleStreamsUnderSameDevice(t *testing.T) {
	w := newWorkspace(t)

	s1, err := w.StreamOpen(stream.ChannelTimed, 5, false, "cam", nil)
	require.NoError(t, err)
	s2, err := w.StreamOpen(stream.ChannelTimed, 5, false, "cam", nil)
	require.NoError(t, err)

	rec1 := packRecord(klv.NewFourCC("GYRO"), ktype.UnsignedLong, 4, 1, u32be(1))
	require.NoError(t, s1.Append(rec1, 1, 0, 0))

	rec2 := packRecord(klv.NewFourCC("ACCL"), ktype.UnsignedLong, 4, 1, u32be(2))
	require.NoError(t, s2.Append(rec2, 1, 0, 0))

	out, err := Drain(w, stream.ChannelTimed)
	require.NoError(t, err)

	// both streams share device_id 5: expect a single DEVC nest containing
	// both STRM children.
	devcH, devcBody, found := findRecord(out, klv.KeyDEVC)
	require.True(t, found)
	_ = devcH

	_, _, found = findRecord(devcBody, klv.NewFourCC("GYRO"))
	require.True(t, found)
	_, _, found = findRecord(devcBody, klv.NewFourCC("ACCL"))
	require.True(t, found)
}

func TestDrainSkipsPostDrainResetForPreformattedStream(t *testing.T) {
	buf := make([]byte, stream.MinBufferSize(stream.ChannelTimed))
	s, err := stream.Open(stream.ChannelTimed, stream.DeviceIDPreformatted, "ext", stream.WithBuffer(buf), stream.AsPreformatted())
	require.NoError(t, err)

	rec := packRecord(klv.NewFourCC("GPS5"), ktype.SignedLong, 4, 1, u32be(123))
	require.NoError(t, s.Append(rec, 1, 0, 0))

	before := s.Buffer().Payload.Used()
	require.NotZero(t, before)

	s.WithLock(func() {
		_, _, _, _, derr := drainStreamLocked(s, 0)
		require.NoError(t, derr)
	})

	require.Equal(t, before, s.Buffer().Payload.Used())
}
