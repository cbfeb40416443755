package om

import (
	"fmt"

	"github.com/plcoredb/plcore/internal/bufferpool"
	"github.com/plcoredb/plcore/internal/storage"
)

// objHeaderSize is the (properties, tag, length) header spec.md places in
// front of every object's payload, before alignment padding.
const objHeaderSize = 6

const alignment = 4

func padded(n int) int {
	if r := n % alignment; r != 0 {
		n += alignment - r
	}
	return n
}

func encodeObject(properties, tag uint16, payload []byte) []byte {
	total := objHeaderSize + len(payload)
	out := make([]byte, padded(total))
	storage.PutU16(out, 0, properties)
	storage.PutU16(out, 2, tag)
	storage.PutU16(out, 4, uint16(len(payload)))
	copy(out[objHeaderSize:], payload)
	return out
}

func decodeObject(raw []byte) (properties, tag uint16, payload []byte, err error) {
	if len(raw) < objHeaderSize {
		return 0, 0, nil, fmt.Errorf("%w: slot shorter than object header", ErrBadObjectID)
	}
	properties = storage.GetU16(raw, 0)
	tag = storage.GetU16(raw, 2)
	length := storage.GetU16(raw, 4)
	if objHeaderSize+int(length) > len(raw) {
		return 0, 0, nil, fmt.Errorf("%w: object length exceeds slot", ErrBadObjectID)
	}
	return properties, tag, raw[objHeaderSize : objHeaderSize+int(length)], nil
}

// Manager is the Object Manager (OM): it lays out objects inside slotted
// pages pinned through a bufferpool.PoolSet, and maintains a file's
// available-space lists and page list as objects come and go.
type Manager struct {
	Pool *bufferpool.PoolSet
}

func New(pool *bufferpool.PoolSet) *Manager {
	return &Manager{Pool: pool}
}

func (m *Manager) getPage(file *DataFile, pageNo uint32) (storage.Page, func(dirty bool), error) {
	pid := file.pid(pageNo)
	p, err := m.Pool.Get(storage.BufTypeData, pid, storage.PageTypeSlotted)
	if err != nil {
		return storage.Page{}, nil, err
	}
	return *p, func(dirty bool) { _ = m.Pool.Unpin(storage.BufTypeData, pid, dirty) }, nil
}

func (m *Manager) allocPage(file *DataFile) (uint32, storage.Page, func(dirty bool), error) {
	rdm := storage.NewRawDiskManager()
	fs, ok := m.fileSetOf(file)
	if !ok {
		return 0, storage.Page{}, nil, fmt.Errorf("%w: no file set bound for file %d", ErrBadCatalogObject, file.FileID)
	}
	pageNo, err := rdm.AllocTrains(fs, 1)
	if err != nil {
		return 0, storage.Page{}, nil, err
	}
	pid := file.pid(pageNo)
	p, err := m.Pool.GetNew(storage.BufTypeData, pid, storage.PageTypeSlotted)
	if err != nil {
		return 0, storage.Page{}, nil, err
	}
	return pageNo, *p, func(dirty bool) { _ = m.Pool.Unpin(storage.BufTypeData, pid, dirty) }, nil
}

// fileSetResolver is installed by tests/callers that need AllocTrains (via
// SetFileSetResolver); fileSetOf goes through it to avoid a hard dependency
// from om on a single global FileSet.
var fileSetResolver FileSetResolver

// FileSetResolver maps a file to the FileSet its pages live in. Callers
// install one with SetFileSetResolver before creating objects.
type FileSetResolver func(file *DataFile) (storage.FileSet, bool)

func SetFileSetResolver(r FileSetResolver) { fileSetResolver = r }

func (m *Manager) fileSetOf(file *DataFile) (storage.FileSet, bool) {
	if fileSetResolver == nil {
		return nil, false
	}
	return fileSetResolver(file)
}

func (m *Manager) neighbor(file *DataFile, pageNo uint32) (storage.Page, func(dirty bool), error) {
	return m.getPage(file, pageNo)
}

// CreateObject stores data as a new object in file, preferring a page near
// nearOID's page if one has room (a nil or zero-value nearOID gives no
// placement hint), otherwise the best available-space bucket, and failing
// over to a freshly allocated page. Objects larger than
// a single page's data area are rejected: multi-train (large) objects are
// out of scope for this engine.
func (m *Manager) CreateObject(file *DataFile, data []byte, nearOID storage.ObjectID) (storage.ObjectID, error) {
	needed := padded(objHeaderSize + len(data))
	if needed+storage.SlotSize > maxPageFree() {
		return storage.ObjectID{}, fmt.Errorf("%w: object of %d bytes does not fit on one page", ErrNotSupported, len(data))
	}

	pageNo, fresh, err := m.choosePage(file, needed, nearOID)
	if err != nil {
		return storage.ObjectID{}, err
	}

	page, unpin, err := m.getPage(file, pageNo)
	if err != nil {
		return storage.ObjectID{}, err
	}
	defer func() { unpin(true) }()

	if page.Free() < needed+storage.SlotSize && !fresh {
		page.Compact(-1)
	}
	if page.Free() < needed+storage.SlotSize {
		return storage.ObjectID{}, fmt.Errorf("%w: page %d lacks room after compaction", ErrBadCatalogObject, pageNo)
	}

	idx, ok := page.AllocSlot()
	if !ok {
		return storage.ObjectID{}, fmt.Errorf("%w: no free slot on page %d", ErrBadCatalogObject, pageNo)
	}
	unique, err := page.NextUnique()
	if err != nil {
		return storage.ObjectID{}, err
	}
	encoded := encodeObject(0, 0, data)
	page.PlaceBytes(idx, encoded, unique)

	if err := m.relinkAvail(file, pageNo, page); err != nil {
		return storage.ObjectID{}, err
	}

	return storage.ObjectID{Page: file.pid(pageNo), Slot: uint16(idx), Unique: uint32(unique)}, nil
}

// choosePage returns a page number with at least `needed` bytes free,
// preferring nearOID's page, then an available-space bucket, then the
// file's last page (which is not itself necessarily linked into any
// bucket if it's never been compacted), then a fresh page. The bool result
// reports whether the page was freshly allocated (and therefore needs no
// compaction check).
func (m *Manager) choosePage(file *DataFile, needed int, nearOID storage.ObjectID) (uint32, bool, error) {
	if !nearOID.IsNil() && nearOID != (storage.ObjectID{}) && nearOID.Page.Vol == file.Vol {
		page, unpin, err := m.getPage(file, nearOID.Page.Page)
		if err == nil {
			free := page.TotalFree()
			unpin(false)
			if free >= needed+storage.SlotSize {
				return nearOID.Page.Page, false, nil
			}
		}
	}

	for b := NumAvailBuckets - 1; b >= 0; b-- {
		pageNo := file.AvailHead[b]
		for pageNo != storage.NilPageNo {
			page, unpin, err := m.getPage(file, pageNo)
			if err != nil {
				return 0, false, err
			}
			free := page.TotalFree()
			next := page.AvailNext()
			unpin(false)
			if free >= needed+storage.SlotSize {
				return pageNo, false, nil
			}
			pageNo = next
		}
	}

	if file.LastPage != storage.NilPageNo {
		page, unpin, err := m.getPage(file, file.LastPage)
		if err != nil {
			return 0, false, err
		}
		free := page.TotalFree()
		unpin(false)
		if free >= needed+storage.SlotSize {
			return file.LastPage, false, nil
		}
	}

	if file.FirstPage == storage.NilPageNo {
		pageNo, page, unpin, err := m.allocPage(file)
		if err != nil {
			return 0, false, err
		}
		page.SetPrevPage(storage.NilPageNo)
		page.SetNextPage(storage.NilPageNo)
		unpin(true)
		file.FirstPage = pageNo
		file.LastPage = pageNo
		return pageNo, true, nil
	}

	pageNo, page, unpin, err := m.allocPage(file)
	if err != nil {
		return 0, false, err
	}
	last, lastUnpin, err := m.getPage(file, file.LastPage)
	if err != nil {
		unpin(true)
		return 0, false, err
	}
	last.SetNextPage(pageNo)
	lastUnpin(true)
	page.SetPrevPage(file.LastPage)
	page.SetNextPage(storage.NilPageNo)
	unpin(true)
	file.LastPage = pageNo
	return pageNo, true, nil
}

func (m *Manager) relinkAvail(file *DataFile, pageNo uint32, page storage.Page) error {
	getNeighbor := func(pg uint32) (storage.Page, func(), error) {
		p, unpin, err := m.neighbor(file, pg)
		return p, func() { unpin(true) }, err
	}
	if err := file.unlinkAvail(page, getNeighbor); err != nil {
		return err
	}
	free := page.TotalFree()
	if free <= 0 {
		return nil
	}
	b := availBucket(free, maxPageFree())
	return file.linkAvail(pageNo, page, b, getNeighbor)
}

// DestroyObject removes the object identified by oid. The freed slot is
// cleared (not compacted immediately; compaction happens lazily on the
// next CreateObject that needs the room) and the page's available-space
// bucket is refreshed.
//
// If the destroyed object was the page's last live one and the page is not
// file's first page, the now-empty page is unlinked from file's page list
// and reported to onPageFreed (nil is fine if the caller doesn't need to
// queue it for disposal). The first page of a file is never unlinked even
// when empty, so the file always has somewhere to place the next object.
func (m *Manager) DestroyObject(file *DataFile, oid storage.ObjectID, onPageFreed func(storage.PageID)) error {
	pageNo := oid.Page.Page
	page, unpin, err := m.getPage(file, pageNo)
	if err != nil {
		return err
	}

	if err := m.validateOID(page, oid); err != nil {
		unpin(false)
		return err
	}
	page.ClearSlot(int(oid.Slot))

	if pageHasLiveSlots(page) || pageNo == file.FirstPage {
		err := m.relinkAvail(file, pageNo, page)
		unpin(true)
		return err
	}

	prev, next := page.PrevPage(), page.NextPage()
	getNeighbor := func(pg uint32) (storage.Page, func(), error) {
		p, u, err := m.neighbor(file, pg)
		return p, func() { u(true) }, err
	}
	if err := file.unlinkAvail(page, getNeighbor); err != nil {
		unpin(true)
		return err
	}
	unpin(true)

	if err := m.unlinkPage(file, pageNo, prev, next); err != nil {
		return err
	}
	if onPageFreed != nil {
		onPageFreed(file.pid(pageNo))
	}
	return nil
}

// pageHasLiveSlots reports whether any slot on page still references an
// object.
func pageHasLiveSlots(page storage.Page) bool {
	for i := 0; i < page.NSlots(); i++ {
		if _, ok := page.ReadSlot(i); ok {
			return true
		}
	}
	return false
}

// unlinkPage splices pageNo out of file's page list. The caller has already
// unlinked it from its available-space bucket.
func (m *Manager) unlinkPage(file *DataFile, pageNo, prev, next uint32) error {
	if prev != storage.NilPageNo {
		pp, unpin, err := m.getPage(file, prev)
		if err != nil {
			return err
		}
		pp.SetNextPage(next)
		unpin(true)
	}
	if next != storage.NilPageNo {
		np, unpin, err := m.getPage(file, next)
		if err != nil {
			return err
		}
		np.SetPrevPage(prev)
		unpin(true)
	}
	if file.LastPage == pageNo {
		file.LastPage = prev
	}
	return nil
}

const (
	// ReadObjectRemainder, passed as length to ReadObject, reads from start
	// through the end of the object.
	ReadObjectRemainder = -1
)

// ReadObject returns a private copy of length bytes of oid's payload,
// starting at start (or of the rest of the payload for
// ReadObjectRemainder); a range that runs past the end of the object is an
// error. The copy stays valid after the page is unpinned.
func (m *Manager) ReadObject(file *DataFile, oid storage.ObjectID, start, length int) ([]byte, error) {
	page, unpin, err := m.getPage(file, oid.Page.Page)
	if err != nil {
		return nil, err
	}
	defer func() { unpin(false) }()

	if err := m.validateOID(page, oid); err != nil {
		return nil, err
	}
	raw, _ := page.ReadSlot(int(oid.Slot))
	_, _, payload, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}

	if start < 0 || start > len(payload) {
		return nil, fmt.Errorf("%w: start=%d length=%d", ErrBadStart, start, len(payload))
	}
	if length == ReadObjectRemainder {
		length = len(payload) - start
	}
	if length < 0 || start+length > len(payload) {
		return nil, fmt.Errorf("%w: start=%d length=%d objLen=%d", ErrBadLength, start, length, len(payload))
	}

	out := make([]byte, length)
	copy(out, payload[start:start+length])
	return out, nil
}

func (m *Manager) validateOID(page storage.Page, oid storage.ObjectID) error {
	if int(oid.Slot) >= page.NSlots() {
		return fmt.Errorf("%w: slot %d out of range", ErrBadObjectID, oid.Slot)
	}
	raw, ok := page.ReadSlot(int(oid.Slot))
	if !ok {
		return fmt.Errorf("%w: slot %d empty", ErrBadObjectID, oid.Slot)
	}
	_, _, unique := page.GetSlot(int(oid.Slot))
	if uint32(unique) != oid.Unique {
		return fmt.Errorf("%w: stale unique for slot %d", ErrBadObjectID, oid.Slot)
	}
	_ = raw
	return nil
}

// NextObject returns the object following cur in slot order within cur's
// page, falling through to the first live object of the next page in the
// file's page list when the current page is exhausted.
func (m *Manager) NextObject(file *DataFile, cur storage.ObjectID) (storage.ObjectID, []byte, error) {
	return m.scanForward(file, cur.Page.Page, int(cur.Slot)+1)
}

func (m *Manager) scanForward(file *DataFile, pageNo uint32, slot int) (storage.ObjectID, []byte, error) {
	for {
		if pageNo == storage.NilPageNo {
			return storage.ObjectID{}, nil, ErrEndOfScan
		}
		page, unpin, err := m.getPage(file, pageNo)
		if err != nil {
			return storage.ObjectID{}, nil, err
		}

		for ; slot < page.NSlots(); slot++ {
			if raw, ok := page.ReadSlot(slot); ok {
				_, _, unique := page.GetSlot(slot)
				_, _, payload, err := decodeObject(raw)
				unpin(false)
				if err != nil {
					return storage.ObjectID{}, nil, err
				}
				return storage.ObjectID{Page: file.pid(pageNo), Slot: uint16(slot), Unique: uint32(unique)}, payload, nil
			}
		}
		next := page.NextPage()
		unpin(false)
		pageNo = next
		slot = 0
	}
}

// FirstObject begins a forward scan of file.
func (m *Manager) FirstObject(file *DataFile) (storage.ObjectID, []byte, error) {
	if file.FirstPage == storage.NilPageNo {
		return storage.ObjectID{}, nil, ErrEndOfScan
	}
	return m.scanForward(file, file.FirstPage, 0)
}

// PrevObject returns the object preceding cur in slot order, falling back
// through earlier pages in the file's page list as needed.
func (m *Manager) PrevObject(file *DataFile, cur storage.ObjectID) (storage.ObjectID, []byte, error) {
	return m.scanBackward(file, cur.Page.Page, int(cur.Slot)-1)
}

func (m *Manager) scanBackward(file *DataFile, pageNo uint32, slot int) (storage.ObjectID, []byte, error) {
	for {
		if pageNo == storage.NilPageNo {
			return storage.ObjectID{}, nil, ErrEndOfScan
		}
		page, unpin, err := m.getPage(file, pageNo)
		if err != nil {
			return storage.ObjectID{}, nil, err
		}

		for ; slot >= 0; slot-- {
			if raw, ok := page.ReadSlot(slot); ok {
				_, _, unique := page.GetSlot(slot)
				_, _, payload, err := decodeObject(raw)
				unpin(false)
				if err != nil {
					return storage.ObjectID{}, nil, err
				}
				return storage.ObjectID{Page: file.pid(pageNo), Slot: uint16(slot), Unique: uint32(unique)}, payload, nil
			}
		}
		prev := page.PrevPage()
		unpin(false)
		pageNo = prev
		if pageNo == storage.NilPageNo {
			return storage.ObjectID{}, nil, ErrEndOfScan
		}
		pg, unpin2, err := m.getPage(file, pageNo)
		if err != nil {
			return storage.ObjectID{}, nil, err
		}
		slot = pg.NSlots() - 1
		unpin2(false)
	}
}

// LastObject begins a backward scan of file.
func (m *Manager) LastObject(file *DataFile) (storage.ObjectID, []byte, error) {
	if file.LastPage == storage.NilPageNo {
		return storage.ObjectID{}, nil, ErrEndOfScan
	}
	page, unpin, err := m.getPage(file, file.LastPage)
	if err != nil {
		return storage.ObjectID{}, nil, err
	}
	n := page.NSlots()
	unpin(false)
	return m.scanBackward(file, file.LastPage, n-1)
}
