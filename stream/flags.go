package stream

// Flag is the closed set of append-behavior modifiers from spec §4.D. It is
// a bitset rather than an enum of merge strategies because a caller may
// combine region routing (Sticky/Aperiodic) with a merge rule (Accumulate,
// Sorted) and with bookkeeping toggles (DontCount, AddTick) independently.
type Flag uint16

const (
	// FlagSticky marks a record as single-copy: it is re-emitted with every
	// drain by replaying a cached payload, and a later store with the same
	// key overwrites (or accumulates into) it in place.
	FlagSticky Flag = 1 << iota

	// FlagBigEndian indicates formatted_klv's payload has already been
	// byte-swapped by the caller; the pre-formatter (writer.StoreStamped)
	// must not swap it again before calling Append.
	FlagBigEndian

	// FlagGrouped allows multiple records under one drain to share a key
	// without being coalesced into a single repeat_count run.
	FlagGrouped

	// FlagAccumulate is valid only with FlagSticky: the incoming payload,
	// interpreted as a big-endian uint32, is added into the existing
	// record's payload rather than replacing it.
	FlagAccumulate

	// FlagSorted inserts the sample in increasing order by its first field
	// instead of appending it after the existing run.
	FlagSorted

	// FlagAperiodic routes the record to the stream's aperiodic region
	// instead of its payload region.
	FlagAperiodic

	// FlagDontCount suppresses the synthetic TSMP bump that otherwise
	// follows a non-sticky payload-region append.
	FlagDontCount

	// FlagStoreAllTimestamps additionally emits an auxiliary STMP record
	// carrying the call's timestamp, ahead of the main record.
	FlagStoreAllTimestamps

	// FlagAddTick seeds a TICK sticky record from the platform tick the
	// first time it is observed on a stream.
	FlagAddTick

	// FlagLocked indicates the caller already holds the stream's lock;
	// Append must not lock it again.
	FlagLocked
)

// Has reports whether f has all bits of other set.
func (f Flag) Has(other Flag) bool {
	return f&other == other
}
