package catalog

import (
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/plcoredb/plcore/internal/storage"
)

// deallocBatchSize bounds how many pending entries Drain hands to the worker
// pool per call, so a single Drain can't block forever behind an
// ever-growing backlog fed concurrently by other operations.
const deallocBatchSize = 64

// deallocMaxWorkers caps the worker pool conc spins up per Drain call.
const deallocMaxWorkers = 4

// DeallocList is the dealloc-list collaborator: B+-tree subtree frees and
// Object Manager page reclamation both want to hand off a batch of page
// numbers for disposal without blocking the caller's own operation on it.
// This engine has no free-extent manager, so disposal means evicting the
// page from its buffer pool (PoolSet.Free) rather than returning its disk
// space to a free list — a page freed this way is never reused by
// AllocTrains, which is an accepted simplification documented in DESIGN.md.
type DeallocList struct {
	cat *Catalog

	mu      sync.Mutex
	pending []pendingFree
}

type pendingFree struct {
	bufType storage.BufferType
	pid     storage.PageID
}

// freer is the minimal surface Drain needs from a bufferpool.PoolSet,
// narrowed so this file doesn't need to import bufferpool just to name a
// type it only ever calls one method on.
type freer interface {
	Free(bt storage.BufferType, pid storage.PageID) error
}

func NewDeallocList(cat *Catalog) *DeallocList {
	return &DeallocList{cat: cat}
}

// Push queues a page for later disposal. Safe for concurrent use.
func (d *DeallocList) Push(bufType storage.BufferType, pid storage.PageID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, pendingFree{bufType: bufType, pid: pid})
}

// Len reports how many entries are queued.
func (d *DeallocList) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Drain hands up to deallocBatchSize queued pages to a bounded worker pool
// and blocks until they have all been freed from pool. Errors from
// individual frees are collected and returned together, having still
// attempted every entry in the batch.
func (d *DeallocList) Drain(pool_ freer) error {
	d.mu.Lock()
	n := len(d.pending)
	if n > deallocBatchSize {
		n = deallocBatchSize
	}
	batch := d.pending[:n]
	d.pending = d.pending[n:]
	d.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	p := pool.New().WithMaxGoroutines(deallocMaxWorkers).WithErrors()
	for _, entry := range batch {
		entry := entry
		p.Go(func() error {
			return pool_.Free(entry.bufType, entry.pid)
		})
	}
	return p.Wait()
}
