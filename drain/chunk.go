// Package drain implements the two-pass output/assemble path (spec §4.H):
// building the hierarchical DEVC/STRM output tree, chunked size encoding,
// timestamp dejittering, session-rate downsampling, the compression hook,
// and the post-drain reset.
package drain

// ChunkSize computes (chunk_size, chunk_count) for a nest of dataSize
// bytes such that chunk_size*chunk_count >= dataSize and chunk_count <=
// 65535, with chunk_size the smallest power of two for which that holds
// (found by doubling chunk_size from 1).
//
// Grounded directly on GetChunkSize in the original GPMF_writer.c:
//
//	chunksize = 1; chunks = size;
//	while (chunks >= 65536) { chunksize <<= 1; chunks = (size+chunksize-1)/chunksize; }
func ChunkSize(dataSize int) (chunkSize, chunkCount int) {
	chunkSize = 1
	chunkCount = dataSize

	for chunkCount >= 65536 {
		chunkSize <<= 1
		chunkCount = (dataSize + chunkSize - 1) / chunkSize
	}

	return chunkSize, chunkCount
}

// PaddedChunkLen returns the total byte length the chunk grid reserves for
// dataSize bytes: chunk_size * chunk_count, always >= dataSize. The
// trailing gap (if any) is padding the caller fills with end-markers.
func PaddedChunkLen(dataSize int) int {
	chunkSize, chunkCount := ChunkSize(dataSize)

	return chunkSize * chunkCount
}
