package bufferpool

import "github.com/plcoredb/plcore/internal/storage"

// Frame control bits, set on the buffer frame itself rather than persisted
// to disk: they describe the frame's role in this process' cache, not the
// page's own on-disk state.
type bits uint8

const (
	bitValid bits = 1 << iota // frame holds a resident page
	bitDirty                  // resident page has unflushed writes
	bitNew                    // page was never read from disk (GetNew)
)

const nilChain int32 = -1

// Frame holds one resident page plus the bookkeeping the pool needs to find
// it again (hash chain) and to replace it (pin count, control bits).
type Frame struct {
	Page storage.Page
	Key  storage.PageID

	Fixed int32 // pin count; 0 == eligible for replacement
	Bits  bits

	// NextHashEntry chains frames that hash to the same bucket, terminated
	// by nilChain. This mirrors the spec's explicit chained hash table: it
	// is not a Go map, because the hash table's bucket/chain shape is part
	// of the buffer manager's own design, not an implementation detail to
	// delegate to the runtime.
	NextHashEntry int32
}

func (f *Frame) has(b bits) bool { return f.Bits&b != 0 }
func (f *Frame) set(b bits)      { f.Bits |= b }
func (f *Frame) clear(b bits)    { f.Bits &^= b }
