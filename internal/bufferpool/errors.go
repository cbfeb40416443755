package bufferpool

import "errors"

var (
	// ErrBadBufferType is returned when a caller names a BufferType outside
	// [0, NumBufTypes).
	ErrBadBufferType = errors.New("bufferpool: bad buffer type")

	// ErrNoUnfixedBuf is returned when every frame in a pool is pinned and
	// Second-Chance replacement cannot find a victim.
	ErrNoUnfixedBuf = errors.New("bufferpool: no unfixed buffer available")

	// ErrBadHashKey is returned when a page is looked up that was never
	// fixed through this pool (e.g. Unpin/SetDirty on an absent key).
	ErrBadHashKey = errors.New("bufferpool: page not resident in pool")

	// ErrBadBuffer marks internal hash-table/frame inconsistencies that
	// should not occur absent a caller violating the pin discipline.
	ErrBadBuffer = errors.New("bufferpool: inconsistent buffer state")
)
