package compress

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitWriterReaderRoundTripsArbitraryFieldWidths(t *testing.T) {
	w := newBitWriter()
	w.writeBits(0x1, 1)
	w.writeBits(0xAB, 8)
	w.writeBits(0x7FFF, 15)
	w.writeBits(0x3, 2)
	w.flushByteAligned()

	r := newBitReader(w.bytes())
	v, ok := r.readBits(1)
	require.True(t, ok)
	require.EqualValues(t, 0x1, v)

	v, ok = r.readBits(8)
	require.True(t, ok)
	require.EqualValues(t, 0xAB, v)

	v, ok = r.readBits(15)
	require.True(t, ok)
	require.EqualValues(t, 0x7FFF, v)

	v, ok = r.readBits(2)
	require.True(t, ok)
	require.EqualValues(t, 0x3, v)
}

func TestBitWriterFlushByteAlignedPadsToWholeWord(t *testing.T) {
	w := newBitWriter()
	w.writeBits(0x1, 3)
	w.flushByteAligned()
	require.Len(t, w.bytes(), 2)
}

func TestBitWriterNoTrailingWordWhenAlreadyAligned(t *testing.T) {
	w := newBitWriter()
	w.writeBits(0xFFFF, 16)
	w.flushByteAligned()
	require.Len(t, w.bytes(), 2)
}

func TestBitReaderRunsOutCleanly(t *testing.T) {
	w := newBitWriter()
	w.writeBits(0x1, 4)
	w.flushByteAligned()

	r := newBitReader(w.bytes())
	_, ok := r.readBits(4)
	require.True(t, ok)
	_, ok = r.readBits(16)
	require.False(t, ok)
}

func TestHuffmanCodeRoundTripsThroughBitStream(t *testing.T) {
	w := newBitWriter()
	for sym := range codeTable {
		w.writeCode(codeTable[sym])
	}
	w.flushByteAligned()

	r := newBitReader(w.bytes())
	for sym := range codeTable {
		got, ok := r.readSymbol()
		require.True(t, ok)
		require.Equal(t, sym, got)
	}
}
