package drain

import (
	"testing"

	"github.com/klvtelemetry/writer/klv"
	"github.com/klvtelemetry/writer/ktype"
	"github.com/stretchr/testify/require"
)

func TestSessionScaleRoundsAndFloors(t *testing.T) {
	require.Equal(t, 5, sessionScale(100, 20))
	require.Equal(t, 2, sessionScale(100, 1000)) // floored, never below 2
	require.Equal(t, 2, sessionScale(10, 10))    // round(1) -> floored to 2
}

func TestIsDownsamplableCoversAllNumericTypes(t *testing.T) {
	numeric := []ktype.Code{
		ktype.SignedByte, ktype.UnsignedByte, ktype.SignedShort, ktype.UnsignedShort,
		ktype.SignedLong, ktype.UnsignedLong, ktype.SignedInt64, ktype.UnsignedInt64,
		ktype.Float32, ktype.Float64,
	}
	for _, ty := range numeric {
		require.True(t, isDownsamplable(ty), "type %v should be downsamplable", ty)
	}

	require.False(t, isDownsamplable(ktype.ASCII))
	require.False(t, isDownsamplable(ktype.Nest))
	require.False(t, isDownsamplable(ktype.Complex))
}

func TestNumericEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		ty   ktype.Code
		size int
		val  float64
	}{
		{ktype.UnsignedByte, 1, 200},
		{ktype.SignedByte, 1, -42},
		{ktype.UnsignedShort, 2, 60000},
		{ktype.SignedShort, 2, -1000},
		{ktype.UnsignedLong, 4, 4000000000},
		{ktype.SignedLong, 4, -123456},
		{ktype.Float32, 4, 3.5},
		{ktype.UnsignedInt64, 8, 1e10},
		{ktype.SignedInt64, 8, -1e10},
		{ktype.Float64, 8, 2.718281828},
	}

	for _, c := range cases {
		b := encodeNumeric(c.ty, c.size, c.val)
		require.Len(t, b, c.size)

		got := decodeNumeric(c.ty, b)
		require.InDelta(t, c.val, got, 1)
	}
}

func TestDownsampleRecordPassesThroughBelowThreshold(t *testing.T) {
	h := klv.Header{Key: klv.NewFourCC("ACCL"), Type: ktype.Float32, ElementSize: 4, Count: 3}
	data := append(append(encodeNumeric(ktype.Float32, 4, 1), encodeNumeric(ktype.Float32, 4, 2)...), encodeNumeric(ktype.Float32, 4, 3)...)

	out, count, sum, acc := downsampleRecord(h, data, 1000, 0, 0)
	require.Equal(t, data, out)
	require.Equal(t, 3, count)
	require.Zero(t, sum)
	require.Zero(t, acc)
}

func TestDownsampleRecordAveragesWindows(t *testing.T) {
	// 8 samples at targetRate=2: scale = round(8/2) = 4, so two windows of
	// 4 samples each, averaged by integer division for this unsigned type.
	h := klv.Header{Key: klv.NewFourCC("GYRO"), Type: ktype.UnsignedLong, ElementSize: 4, Count: 8}

	var data []byte
	for i := 1; i <= 8; i++ {
		data = append(data, encodeNumeric(ktype.UnsignedLong, 4, float64(i))...)
	}

	out, count, sum, acc := downsampleRecord(h, data, 2, 0, 0)
	require.Equal(t, 2, count)
	require.Zero(t, sum)
	require.Zero(t, acc)

	first := decodeNumeric(ktype.UnsignedLong, out[0:4])
	second := decodeNumeric(ktype.UnsignedLong, out[4:8])
	require.InDelta(t, 2, first, 0.001)  // 10/4 for (1,2,3,4)
	require.InDelta(t, 6, second, 0.001) // 26/4 for (5,6,7,8)
}

func TestDownsampleRecordCarriesAccumulatorIntoNextCall(t *testing.T) {
	// scale = round(8/2) = 4: a carried-in accumulator of 2 samples summing
	// to 3 should need only 2 more samples to complete its window.
	h := klv.Header{Key: klv.NewFourCC("GYRO"), Type: ktype.UnsignedLong, ElementSize: 4, Count: 8}

	data := append(encodeNumeric(ktype.UnsignedLong, 4, 10), encodeNumeric(ktype.UnsignedLong, 4, 20)...)
	data = append(data, data...)
	data = append(data, data...) // 8 total samples: 10,20,10,20,10,20,10,20

	out, count, sum, acc := downsampleRecord(h, data, 2, 3 /* carried sum */, 2 /* carried count */)
	require.Equal(t, 2, count)

	// first window: carried (3, n=2) + samples 10,20 -> sum=33, acc=4 -> 33/4 = 8
	// second window: 10,20,10,20 -> 60/4 = 15; the last 10,20 stay carried.
	first := decodeNumeric(ktype.UnsignedLong, out[0:4])
	require.InDelta(t, 8, first, 0.001)
	require.InDelta(t, 30, sum, 0.001)
	require.EqualValues(t, 2, acc)
}
