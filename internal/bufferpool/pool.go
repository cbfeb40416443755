// Package bufferpool implements the buffer manager (BufM): it mediates all
// access between on-disk pages and a fixed set of in-memory frames, using a
// chained hash table keyed by PageID and a Second-Chance (CLOCK) policy to
// pick a victim frame when the pool is full.
package bufferpool

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/plcoredb/plcore/internal/storage"
	"github.com/plcoredb/plcore/pkg/clockx"
)

// Pool is one independent buffer pool for a single storage.BufferType. The
// spec calls for NUM_BUF_TYPES independent pools (see PoolSet) so that, for
// instance, an index scan cannot evict a data page the scan still needs.
type Pool struct {
	bufType storage.BufferType
	fs      storage.FileSet
	rdm     *storage.RawDiskManager

	mu sync.Mutex

	frames  []Frame
	buckets []int32 // bucket head frame index, or nilChain

	clock *clockx.Clock // Second-Chance victim selection over frame indices
}

// NewPool allocates a pool of capacity frames with a hash table sized to
// roughly 1.3x capacity, rounded up, to keep chains short without wasting
// much memory — the same load factor the teacher's map-based pool achieved
// implicitly via Go's map, made explicit here since the spec requires an
// actual chained hash table.
func NewPool(bufType storage.BufferType, fs storage.FileSet, rdm *storage.RawDiskManager, capacity int) *Pool {
	if capacity <= 0 {
		capacity = 16
	}
	hashSize := capacity + capacity/3 + 1

	p := &Pool{
		bufType: bufType,
		fs:      fs,
		rdm:     rdm,
		frames:  make([]Frame, capacity),
		buckets: make([]int32, hashSize),
		clock:   clockx.New(capacity),
	}
	for i := range p.buckets {
		p.buckets[i] = nilChain
	}
	for i := range p.frames {
		p.frames[i].NextHashEntry = nilChain
	}
	return p
}

func (p *Pool) hash(pid storage.PageID) int {
	return int((uint32(pid.Vol) + pid.Page) % uint32(len(p.buckets)))
}

// findLocked returns the frame index resident for pid, or -1.
func (p *Pool) findLocked(pid storage.PageID) int {
	h := p.hash(pid)
	idx := p.buckets[h]
	for idx != nilChain {
		f := &p.frames[idx]
		if f.has(bitValid) && f.Key == pid {
			return int(idx)
		}
		idx = f.NextHashEntry
	}
	return -1
}

func (p *Pool) insertLocked(idx int, pid storage.PageID) {
	h := p.hash(pid)
	p.frames[idx].NextHashEntry = p.buckets[h]
	p.buckets[h] = int32(idx)
}

func (p *Pool) removeLocked(pid storage.PageID) {
	h := p.hash(pid)
	cur := p.buckets[h]
	prev := int32(nilChain)
	for cur != nilChain {
		if p.frames[cur].Key == pid {
			if prev == nilChain {
				p.buckets[h] = p.frames[cur].NextHashEntry
			} else {
				p.frames[prev].NextHashEntry = p.frames[cur].NextHashEntry
			}
			p.frames[cur].NextHashEntry = nilChain
			return
		}
		prev = cur
		cur = p.frames[cur].NextHashEntry
	}
}

// Get pins the page identified by pid, loading it from disk on a miss.
func (p *Pool) Get(pid storage.PageID, pageType storage.PageType) (*storage.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if idx := p.findLocked(pid); idx != -1 {
		f := &p.frames[idx]
		f.Fixed++
		p.clock.Touch(idx)
		p.clock.SetEvictable(idx, false)
		return &f.Page, nil
	}

	idx, err := p.frameForLocked(pid)
	if err != nil {
		return nil, err
	}

	page, err := p.rdm.LoadPage(p.fs, pid.Page, pageType, uint32(pid.Vol))
	if err != nil {
		return nil, err
	}

	f := &p.frames[idx]
	f.Page = page
	f.Key = pid
	f.Fixed = 1
	f.Bits = bitValid
	p.insertLocked(idx, pid)
	p.clock.Touch(idx)
	p.clock.SetEvictable(idx, false)
	return &f.Page, nil
}

// GetNew pins a page that the caller knows is freshly allocated (e.g. just
// returned by storage.RawDiskManager.AllocTrains): it formats the page
// in-memory without requiring a prior on-disk image.
func (p *Pool) GetNew(pid storage.PageID, pageType storage.PageType) (*storage.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if idx := p.findLocked(pid); idx != -1 {
		return nil, fmt.Errorf("%w: page %+v already resident", ErrBadBuffer, pid)
	}

	idx, err := p.frameForLocked(pid)
	if err != nil {
		return nil, err
	}

	f := &p.frames[idx]
	f.Page = storage.NewPage(make([]byte, storage.PageSize))
	f.Page.Init(pageType, uint32(pid.Vol))
	f.Key = pid
	f.Fixed = 1
	f.Bits = bitValid | bitNew | bitDirty
	p.insertLocked(idx, pid)
	p.clock.Touch(idx)
	p.clock.SetEvictable(idx, false)
	return &f.Page, nil
}

// frameForLocked returns a frame index ready to receive pid: either an
// unused slot, or a Second-Chance victim flushed and evicted first.
func (p *Pool) frameForLocked(pid storage.PageID) (int, error) {
	for i := range p.frames {
		if !p.frames[i].has(bitValid) {
			return i, nil
		}
	}
	return p.evictLocked()
}

// evictLocked asks the Second-Chance clock for a victim frame (pinned
// frames are never evictable, see Get/Unpin), flushes it if dirty, and
// returns its index ready for reuse.
func (p *Pool) evictLocked() (int, error) {
	if len(p.frames) == 0 {
		return -1, ErrNoUnfixedBuf
	}

	idx, ok := p.clock.Evict()
	if !ok {
		slog.Debug("bufferpool: Second-Chance sweep found no victim", "bufType", p.bufType.String())
		return -1, ErrNoUnfixedBuf
	}

	f := &p.frames[idx]
	if f.has(bitDirty) {
		if err := p.rdm.SavePage(p.fs, f.Key.Page, f.Page); err != nil {
			return -1, err
		}
	}
	p.removeLocked(f.Key)
	*f = Frame{NextHashEntry: nilChain}
	return idx, nil
}

// Unpin decreases pid's pin count and, if dirty, marks it for flush.
func (p *Pool) Unpin(pid storage.PageID, dirty bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.findLocked(pid)
	if idx == -1 {
		return fmt.Errorf("%w: %+v", ErrBadHashKey, pid)
	}
	f := &p.frames[idx]
	if f.Fixed == 0 {
		return fmt.Errorf("%w: unpin of already-unfixed page %+v", ErrBadBuffer, pid)
	}
	f.Fixed--
	if dirty {
		f.set(bitDirty)
	}
	if f.Fixed == 0 {
		p.clock.SetEvictable(idx, true)
	}
	return nil
}

// SetDirty marks a resident, pinned page dirty without changing its pin
// count — used by callers that mutate a page across several steps before
// eventually unpinning it.
func (p *Pool) SetDirty(pid storage.PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.findLocked(pid)
	if idx == -1 {
		return fmt.Errorf("%w: %+v", ErrBadHashKey, pid)
	}
	p.frames[idx].set(bitDirty)
	return nil
}

// Free discards pid from the pool without flushing it, e.g. after the page
// has been returned to a dealloc list and its on-disk contents no longer
// matter. It fails if the page is still pinned.
func (p *Pool) Free(pid storage.PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.findLocked(pid)
	if idx == -1 {
		return nil
	}
	f := &p.frames[idx]
	if f.Fixed > 0 {
		return fmt.Errorf("%w: %+v is pinned", ErrBadBuffer, pid)
	}
	p.removeLocked(pid)
	p.frames[idx] = Frame{NextHashEntry: nilChain}
	p.clock.Remove(idx)
	return nil
}

// FlushAll writes every dirty resident page back to disk.
func (p *Pool) FlushAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.frames {
		f := &p.frames[i]
		if !f.has(bitValid) || !f.has(bitDirty) {
			continue
		}
		if err := p.rdm.SavePage(p.fs, f.Key.Page, f.Page); err != nil {
			return err
		}
		f.clear(bitDirty)
	}
	return nil
}

// DiscardAll drops every resident frame without flushing, regardless of pin
// state. Intended for tearing down a volume that is being dropped outright.
func (p *Pool) DiscardAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.frames {
		p.frames[i] = Frame{NextHashEntry: nilChain}
	}
	for i := range p.buckets {
		p.buckets[i] = nilChain
	}
	p.clock = clockx.New(len(p.frames))
}
