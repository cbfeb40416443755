package bufferpool

import (
	"fmt"

	"github.com/plcoredb/plcore/internal/storage"
)

// PoolSet holds the NUM_BUF_TYPES independent pools the spec calls for: one
// per storage.BufferType, each sized and replaced independently so that
// data-page traffic cannot evict pages a concurrent index descent still
// needs pinned, and vice versa.
type PoolSet struct {
	pools [storage.NumBufTypes]*Pool
}

// Sizes maps a BufferType to the frame-count of its pool.
type Sizes [storage.NumBufTypes]int

func NewPoolSet(fs storage.FileSet, rdm *storage.RawDiskManager, sizes Sizes) *PoolSet {
	ps := &PoolSet{}
	for bt := storage.BufferType(0); bt < storage.NumBufTypes; bt++ {
		ps.pools[bt] = NewPool(bt, fs, rdm, sizes[bt])
	}
	return ps
}

func (ps *PoolSet) pool(bt storage.BufferType) (*Pool, error) {
	if bt >= storage.NumBufTypes {
		return nil, fmt.Errorf("%w: %d", ErrBadBufferType, bt)
	}
	return ps.pools[bt], nil
}

func (ps *PoolSet) Get(bt storage.BufferType, pid storage.PageID, pageType storage.PageType) (*storage.Page, error) {
	p, err := ps.pool(bt)
	if err != nil {
		return nil, err
	}
	return p.Get(pid, pageType)
}

func (ps *PoolSet) GetNew(bt storage.BufferType, pid storage.PageID, pageType storage.PageType) (*storage.Page, error) {
	p, err := ps.pool(bt)
	if err != nil {
		return nil, err
	}
	return p.GetNew(pid, pageType)
}

func (ps *PoolSet) Unpin(bt storage.BufferType, pid storage.PageID, dirty bool) error {
	p, err := ps.pool(bt)
	if err != nil {
		return err
	}
	return p.Unpin(pid, dirty)
}

func (ps *PoolSet) SetDirty(bt storage.BufferType, pid storage.PageID) error {
	p, err := ps.pool(bt)
	if err != nil {
		return err
	}
	return p.SetDirty(pid)
}

func (ps *PoolSet) Free(bt storage.BufferType, pid storage.PageID) error {
	p, err := ps.pool(bt)
	if err != nil {
		return err
	}
	return p.Free(pid)
}

func (ps *PoolSet) FlushAll() error {
	for _, p := range ps.pools {
		if err := p.FlushAll(); err != nil {
			return err
		}
	}
	return nil
}

func (ps *PoolSet) DiscardAll() {
	for _, p := range ps.pools {
		p.DiscardAll()
	}
}
