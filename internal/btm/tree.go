// Package btm implements the B+-Tree Indexing Manager (BtM): a clustered,
// possibly-duplicate-key B+-tree over a multi-part KeyDescriptor, with
// leaves doubly linked for range scans and split/underflow propagation
// bounded by page size.
package btm

import (
	"fmt"
	"log/slog"

	"github.com/plcoredb/plcore/internal/bufferpool"
	"github.com/plcoredb/plcore/internal/storage"
)

// underflowThreshold is the fraction of a page's data capacity below which
// a leaf or internal node is considered underfull and a merge/borrow is
// attempted on delete.
const underflowThreshold = 2 // i.e. less than capacity/2 used

// BTreeFile is a B+-tree's File Catalog Overlay entry: its root page, the
// head of its leaf chain (for a leftmost full-scan entry point), its key
// shape, and the FileSet its pages live in.
type BTreeFile struct {
	FileID    uint32
	Vol       uint16
	Root      uint32
	FirstLeaf uint32
	KeyDesc   KeyDescriptor
	FS        storage.FileSet
}

func (f *BTreeFile) pid(pageNo uint32) storage.PageID {
	return storage.PageID{Vol: f.Vol, Page: pageNo}
}

// Manager is the B+-Tree Indexing Manager.
type Manager struct {
	Pool *bufferpool.PoolSet
	rdm  *storage.RawDiskManager
}

func New(pool *bufferpool.PoolSet) *Manager {
	return &Manager{Pool: pool, rdm: storage.NewRawDiskManager()}
}

// CreateIndex formats a new, empty B+-tree: a single leaf page acting as
// both root and the only member of the leaf chain.
func (m *Manager) CreateIndex(fs storage.FileSet, vol uint16, fileID uint32, desc KeyDescriptor) (*BTreeFile, error) {
	rootNo, err := m.rdm.AllocTrains(fs, 1)
	if err != nil {
		return nil, err
	}
	file := &BTreeFile{FileID: fileID, Vol: vol, Root: rootNo, FirstLeaf: rootNo, KeyDesc: desc, FS: fs}

	pid := file.pid(rootNo)
	page, err := m.Pool.GetNew(storage.BufTypeIndex, pid, storage.PageTypeBtreeLeaf)
	if err != nil {
		return nil, err
	}
	page.SetPrevPage(storage.NilPageNo)
	page.SetNextPage(storage.NilPageNo)
	if err := m.Pool.Unpin(storage.BufTypeIndex, pid, true); err != nil {
		return nil, err
	}
	if err := SaveMeta(file); err != nil {
		return nil, err
	}
	return file, nil
}

// OpenIndex reattaches to an index whose root/head were persisted by a
// previous SaveMeta, without reformatting its root page.
func OpenIndex(fs storage.FileSet, vol uint16, fileID uint32, desc KeyDescriptor) (*BTreeFile, error) {
	root, firstLeaf, ok, err := LoadMeta(fs)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: no meta file for this index", ErrBadBtreePage)
	}
	return &BTreeFile{FileID: fileID, Vol: vol, Root: root, FirstLeaf: firstLeaf, KeyDesc: desc, FS: fs}, nil
}

// getPage pins pageNo and returns it with an unpin closure. The PageType
// passed to PoolSet.Get only matters on a cold miss that finds the page
// never formatted, which cannot happen for any page reachable from
// file.Root, so PageTypeBtreeLeaf is a safe placeholder here.
func (m *Manager) getPage(file *BTreeFile, pageNo uint32) (storage.Page, func(dirty bool), error) {
	pid := file.pid(pageNo)
	p, err := m.Pool.Get(storage.BufTypeIndex, pid, storage.PageTypeBtreeLeaf)
	if err != nil {
		return storage.Page{}, nil, err
	}
	return *p, func(dirty bool) { _ = m.Pool.Unpin(storage.BufTypeIndex, pid, dirty) }, nil
}

func (m *Manager) allocPage(file *BTreeFile, pageType storage.PageType) (uint32, storage.Page, func(dirty bool), error) {
	pageNo, err := m.rdm.AllocTrains(file.FS, 1)
	if err != nil {
		return 0, storage.Page{}, nil, err
	}
	pid := file.pid(pageNo)
	p, err := m.Pool.GetNew(storage.BufTypeIndex, pid, pageType)
	if err != nil {
		return 0, storage.Page{}, nil, err
	}
	return pageNo, *p, func(dirty bool) { _ = m.Pool.Unpin(storage.BufTypeIndex, pid, dirty) }, nil
}

// descend walks from the root to the leaf that should contain key,
// returning the stack of internal page numbers visited (root first) and
// the leaf page number.
func (m *Manager) descend(file *BTreeFile, key KeyValue) (path []uint32, leafNo uint32, err error) {
	cur := file.Root
	for {
		page, unpin, gerr := m.getPage(file, cur)
		if gerr != nil {
			return nil, 0, gerr
		}
		if page.PageType() == storage.PageTypeBtreeLeaf {
			unpin(false)
			return path, cur, nil
		}
		child, ferr := internalFind(file.KeyDesc, page, key)
		unpin(false)
		if ferr != nil {
			return nil, 0, ferr
		}
		path = append(path, cur)
		cur = child
	}
}

// Insert adds (key, oid) to the tree. Duplicate keys are permitted (this is
// not a unique index); inserting the exact same (key, oid) pair twice is
// rejected as a duplicate object id.
func (m *Manager) Insert(file *BTreeFile, key KeyValue, oid storage.ObjectID) error {
	path, leafNo, err := m.descend(file, key)
	if err != nil {
		return err
	}

	entry := encodeLeafEntry(file.KeyDesc, key, oid)

	leaf, unpin, err := m.getPage(file, leafNo)
	if err != nil {
		return err
	}

	idx, err := m.leafInsertionPoint(file, leaf, key, oid)
	if err != nil {
		unpin(false)
		return err
	}

	if leaf.Free() >= len(entry)+storage.SlotSize {
		leaf.InsertSlotAt(idx, entry)
		unpin(true)
		return nil
	}

	// Leaf is full: split, then insert into whichever half the key
	// belongs to, and propagate the new separator upward.
	newLeafNo, median, err := m.splitLeaf(file, leafNo, leaf)
	unpin(true)
	if err != nil {
		return err
	}

	target := leafNo
	if file.KeyDesc.Compare(key, median) != Less {
		target = newLeafNo
	}
	tp, tunpin, err := m.getPage(file, target)
	if err != nil {
		return err
	}
	idx2, err := m.leafInsertionPoint(file, tp, key, oid)
	if err != nil {
		tunpin(false)
		return err
	}
	if !tp.InsertSlotAt(idx2, entry) {
		tunpin(true)
		return fmt.Errorf("%w: entry does not fit even after split", ErrBadPage)
	}
	tunpin(true)

	return m.propagateSplit(file, path, median, newLeafNo)
}

// leafInsertionPoint returns the slot index at which (key, oid) should be
// inserted: after any existing entries with an equal key, erroring if the
// exact (key, oid) pair is already present.
func (m *Manager) leafInsertionPoint(file *BTreeFile, page storage.Page, key KeyValue, oid storage.ObjectID) (int, error) {
	n := page.NSlots()
	i := 0
	for ; i < n; i++ {
		raw, ok := page.ReadSlot(i)
		if !ok {
			continue
		}
		k, existingOID, err := decodeLeafEntry(file.KeyDesc, raw)
		if err != nil {
			return 0, err
		}
		cmp := file.KeyDesc.Compare(k, key)
		if cmp == Greater {
			return i, nil
		}
		if cmp == Equal && existingOID == oid {
			return 0, ErrDuplicatedObjectID
		}
	}
	return n, nil
}

// splitLeaf moves the upper half of leaf's entries to a freshly allocated
// leaf page, relinks the leaf chain, and returns the new page's number and
// the first key it holds (the separator to insert into the parent).
func (m *Manager) splitLeaf(file *BTreeFile, leafNo uint32, leaf storage.Page) (uint32, KeyValue, error) {
	n := leaf.NSlots()
	mid := n / 2

	newNo, newPage, newUnpin, err := m.allocPage(file, storage.PageTypeBtreeLeaf)
	if err != nil {
		return 0, KeyValue{}, err
	}

	for i := mid; i < n; i++ {
		raw, _ := leaf.ReadSlot(i)
		if !newPage.InsertSlotAt(newPage.NSlots(), raw) {
			newUnpin(true)
			return 0, KeyValue{}, fmt.Errorf("%w: split target page has no room", ErrBadPage)
		}
	}
	for i := n - 1; i >= mid; i-- {
		leaf.RemoveSlotAt(i)
	}
	leaf.Compact(-1)

	oldNext := leaf.NextPage()
	newPage.SetPrevPage(leafNo)
	newPage.SetNextPage(oldNext)
	leaf.SetNextPage(newNo)
	if oldNext != storage.NilPageNo {
		np, nunpin, err := m.getPage(file, oldNext)
		if err != nil {
			newUnpin(true)
			return 0, KeyValue{}, err
		}
		np.SetPrevPage(newNo)
		nunpin(true)
	}

	firstRaw, _ := newPage.ReadSlot(0)
	median, _, err := decodeLeafEntry(file.KeyDesc, firstRaw)
	newUnpin(true)
	if err != nil {
		return 0, KeyValue{}, err
	}
	return newNo, median, nil
}

// propagateSplit inserts (median, rightChild) into the innermost ancestor
// on path, splitting that ancestor (and its ancestors in turn) as needed,
// and creating a new root if the split reaches the top of path.
func (m *Manager) propagateSplit(file *BTreeFile, path []uint32, median KeyValue, rightChild uint32) error {
	for i := len(path) - 1; i >= 0; i-- {
		parentNo := path[i]
		parent, unpin, err := m.getPage(file, parentNo)
		if err != nil {
			return err
		}

		entry := encodeInternalEntry(file.KeyDesc, median, rightChild)
		idx, err := m.internalInsertionPoint(file, parent, median)
		if err != nil {
			unpin(false)
			return err
		}
		if parent.Free() >= len(entry)+storage.SlotSize {
			parent.InsertSlotAt(idx, entry)
			unpin(true)
			return nil
		}

		newParentNo, newMedian, err := m.splitInternal(file, parent, median, rightChild)
		unpin(true)
		if err != nil {
			return err
		}
		median = newMedian
		rightChild = newParentNo
	}

	return m.rootInsert(file, median, rightChild)
}

func (m *Manager) internalInsertionPoint(file *BTreeFile, page storage.Page, key KeyValue) (int, error) {
	n := page.NSlots()
	for i := 0; i < n; i++ {
		raw, ok := page.ReadSlot(i)
		if !ok {
			continue
		}
		k, _, err := decodeInternalEntry(file.KeyDesc, raw)
		if err != nil {
			return 0, err
		}
		if file.KeyDesc.Compare(k, key) == Greater {
			return i, nil
		}
	}
	return n, nil
}

// splitInternal moves the upper half of page's entries (including the
// incoming (median,rightChild) pair, inserted first) to a new internal
// page, promoting the true median entry to the parent without duplicating
// it into either child, per B+-tree internal-node semantics.
func (m *Manager) splitInternal(file *BTreeFile, page storage.Page, median KeyValue, rightChild uint32) (uint32, KeyValue, error) {
	idx, err := m.internalInsertionPoint(file, page, median)
	if err != nil {
		return 0, KeyValue{}, err
	}
	entry := encodeInternalEntry(file.KeyDesc, median, rightChild)
	if !page.InsertSlotAt(idx, entry) {
		page.Compact(idx)
		if !page.InsertSlotAt(idx, entry) {
			return 0, KeyValue{}, fmt.Errorf("%w: internal page has no room even after compaction", ErrBadPage)
		}
	}

	n := page.NSlots()
	mid := n / 2
	raw, _ := page.ReadSlot(mid)
	promoted, promotedChild, err := decodeInternalEntry(file.KeyDesc, raw)
	if err != nil {
		return 0, KeyValue{}, err
	}

	newNo, newPage, newUnpin, err := m.allocPage(file, storage.PageTypeBtreeInternal)
	if err != nil {
		return 0, KeyValue{}, err
	}
	newPage.SetP0(promotedChild)

	for i := mid + 1; i < n; i++ {
		r, _ := page.ReadSlot(i)
		newPage.InsertSlotAt(newPage.NSlots(), r)
	}
	for i := n - 1; i >= mid; i-- {
		page.RemoveSlotAt(i)
	}
	page.Compact(-1)
	newUnpin(true)

	return newNo, promoted, nil
}

// rootInsert grows the tree by one level when a split reaches the top of
// path. The root's PageID never changes: per edubtm_root.c ("we make it a
// rule to fix the root page ... thus the root page is fixed always"), the
// root's current contents are copied into a freshly allocated page, which
// becomes the new level's leftmost child, and the root's own page is
// reformatted in place as the new internal root with p0 pointing at that
// new child and one entry pointing at rightChild.
func (m *Manager) rootInsert(file *BTreeFile, median KeyValue, rightChild uint32) error {
	root, runpin, err := m.getPage(file, file.Root)
	if err != nil {
		return err
	}
	oldType := root.PageType()
	oldP0 := root.P0()
	oldNext := root.NextPage()
	n := root.NSlots()
	entries := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		if raw, ok := root.ReadSlot(i); ok {
			cp := make([]byte, len(raw))
			copy(cp, raw)
			entries = append(entries, cp)
		}
	}
	runpin(false)

	newChildNo, newChild, newUnpin, err := m.allocPage(file, oldType)
	if err != nil {
		return err
	}
	if oldType == storage.PageTypeBtreeLeaf {
		newChild.SetPrevPage(storage.NilPageNo)
		newChild.SetNextPage(oldNext)
	} else {
		newChild.SetP0(oldP0)
	}
	for _, e := range entries {
		if !newChild.InsertSlotAt(newChild.NSlots(), e) {
			newUnpin(true)
			return fmt.Errorf("%w: copied root entries do not fit in new child", ErrBadPage)
		}
	}
	newUnpin(true)

	if oldType == storage.PageTypeBtreeLeaf && oldNext != storage.NilPageNo {
		np, nunpin, err := m.getPage(file, oldNext)
		if err != nil {
			return err
		}
		np.SetPrevPage(newChildNo)
		nunpin(true)
	}

	if oldType == storage.PageTypeBtreeLeaf && file.FirstLeaf == file.Root {
		file.FirstLeaf = newChildNo
	}

	newRoot, rootUnpin, err := m.getPage(file, file.Root)
	if err != nil {
		return err
	}
	newRoot.Init(storage.PageTypeBtreeInternal, newRoot.OwnerFile())
	newRoot.SetP0(newChildNo)
	entry := encodeInternalEntry(file.KeyDesc, median, rightChild)
	if !newRoot.InsertSlotAt(0, entry) {
		rootUnpin(true)
		return fmt.Errorf("%w: fresh root page has no room for its first entry", ErrBadPage)
	}
	rootUnpin(true)

	slog.Debug("btm: root grew a level", "root", file.Root, "newChild", newChildNo)
	return SaveMeta(file)
}

// Delete removes the exact (key, oid) entry from the tree. If the leaf is
// left underfull and isn't the root, the underflow is propagated upward:
// borrow an entry from a sibling if one has enough to spare, otherwise
// merge with a sibling and remove the separator that pointed at the page
// that no longer exists, repeating at the parent if that merge leaves it
// underfull in turn. If the root ends up with a single remaining child, the
// tree's height shrinks by folding that child's contents back into the
// root page, keeping the root's PageID fixed (see rootInsert). onPageFreed,
// if non-nil, is called once per page a merge or the root collapse removes
// from the tree, so a caller can queue it for disposal.
func (m *Manager) Delete(file *BTreeFile, key KeyValue, oid storage.ObjectID, onPageFreed func(storage.PageID)) error {
	path, leafNo, err := m.descend(file, key)
	if err != nil {
		return err
	}
	leaf, unpin, err := m.getPage(file, leafNo)
	if err != nil {
		return err
	}

	idx, ferr := m.findExactEntry(file, leaf, key, oid)
	if ferr != nil {
		unpin(false)
		return ferr
	}
	leaf.RemoveSlotAt(idx)
	leaf.Compact(-1)

	if len(path) == 0 || !underfull(leaf) {
		unpin(true)
		return nil
	}
	unpin(true)

	return m.fixUnderflow(file, path, leafNo, onPageFreed)
}

func (m *Manager) findExactEntry(file *BTreeFile, page storage.Page, key KeyValue, oid storage.ObjectID) (int, error) {
	n := page.NSlots()
	for i := 0; i < n; i++ {
		raw, ok := page.ReadSlot(i)
		if !ok {
			continue
		}
		k, o, err := decodeLeafEntry(file.KeyDesc, raw)
		if err != nil {
			return 0, err
		}
		if file.KeyDesc.Compare(k, key) == Equal && o == oid {
			return i, nil
		}
	}
	return 0, ErrNotFound
}

// underfull reports whether page's occupied bytes fall below
// underflowThreshold's fraction of capacity.
func underfull(page storage.Page) bool {
	capacity := storage.PageSize - storage.HeaderSize
	used := capacity - page.Free()
	return used*underflowThreshold < capacity
}

// fixUnderflow walks path bottom-up from childNo's parent, rebalancing each
// ancestor that a merge below it leaves underfull in turn.
func (m *Manager) fixUnderflow(file *BTreeFile, path []uint32, childNo uint32, onPageFreed func(storage.PageID)) error {
	isLeaf := true
	for len(path) > 0 {
		parentNo := path[len(path)-1]
		path = path[:len(path)-1]

		parent, punpin, err := m.getPage(file, parentNo)
		if err != nil {
			return err
		}

		pos, err := m.childPosition(file, parent, childNo)
		if err != nil {
			punpin(false)
			return err
		}

		merged, freedNo, err := m.rebalance(file, parent, pos, childNo, isLeaf)
		if err != nil {
			punpin(false)
			return err
		}
		if !merged {
			punpin(true)
			return nil
		}
		if onPageFreed != nil {
			onPageFreed(file.pid(freedNo))
		}

		if len(path) == 0 {
			if parent.NSlots() == 0 {
				if err := m.collapseRoot(file, parent, onPageFreed); err != nil {
					punpin(true)
					return err
				}
			}
			punpin(true)
			return SaveMeta(file)
		}

		stillUnderfull := underfull(parent)
		punpin(true)
		if !stillUnderfull {
			return nil
		}
		childNo = parentNo
		isLeaf = false
	}
	return nil
}

// childPosition returns childNo's position among parent's children: 0 for
// p0, or i+1 for the child referenced by parent's i'th entry.
func (m *Manager) childPosition(file *BTreeFile, parent storage.Page, childNo uint32) (int, error) {
	if parent.P0() == childNo {
		return 0, nil
	}
	n := parent.NSlots()
	for i := 0; i < n; i++ {
		raw, ok := parent.ReadSlot(i)
		if !ok {
			continue
		}
		_, child, err := decodeInternalEntry(file.KeyDesc, raw)
		if err != nil {
			return 0, err
		}
		if child == childNo {
			return i + 1, nil
		}
	}
	return 0, fmt.Errorf("%w: child page %d not found under its parent", ErrBadPage, childNo)
}

// childPageNoAt returns the page number of parent's child at position pos
// (0 is p0, i is the child of parent's (i-1)'th entry).
func (m *Manager) childPageNoAt(file *BTreeFile, parent storage.Page, pos int) (uint32, error) {
	if pos == 0 {
		return parent.P0(), nil
	}
	raw, ok := parent.ReadSlot(pos - 1)
	if !ok {
		return 0, fmt.Errorf("%w: missing child slot %d", ErrBadPage, pos-1)
	}
	_, child, err := decodeInternalEntry(file.KeyDesc, raw)
	return child, err
}

// rebalance fixes up the underfull child of parent at position pos: it
// tries borrowing an entry from the right sibling, then the left, and
// falls back to merging with whichever sibling exists (right preferred).
// merged reports whether a merge happened (as opposed to a borrow, which
// leaves parent's child count unchanged); freedNo is the page number
// removed from the tree when merged is true.
func (m *Manager) rebalance(file *BTreeFile, parent storage.Page, pos int, childNo uint32, isLeaf bool) (merged bool, freedNo uint32, err error) {
	n := parent.NSlots()

	redistribute := m.tryRedistributeLeaf
	merge := m.mergeLeaves
	if !isLeaf {
		redistribute = m.tryRedistributeInternal
		merge = m.mergeInternals
	}

	if pos < n {
		rightNo, rerr := m.childPageNoAt(file, parent, pos+1)
		if rerr != nil {
			return false, 0, rerr
		}
		ok, rerr := redistribute(file, parent, pos, childNo, rightNo)
		if rerr != nil {
			return false, 0, rerr
		}
		if ok {
			return false, 0, nil
		}
	}
	if pos > 0 {
		leftNo, lerr := m.childPageNoAt(file, parent, pos-1)
		if lerr != nil {
			return false, 0, lerr
		}
		ok, lerr := redistribute(file, parent, pos-1, leftNo, childNo)
		if lerr != nil {
			return false, 0, lerr
		}
		if ok {
			return false, 0, nil
		}
	}

	if pos < n {
		rightNo, rerr := m.childPageNoAt(file, parent, pos+1)
		if rerr != nil {
			return false, 0, rerr
		}
		if err := merge(file, parent, pos, childNo, rightNo); err != nil {
			return false, 0, err
		}
		return true, rightNo, nil
	}

	leftNo, lerr := m.childPageNoAt(file, parent, pos-1)
	if lerr != nil {
		return false, 0, lerr
	}
	if err := merge(file, parent, pos-1, leftNo, childNo); err != nil {
		return false, 0, err
	}
	return true, childNo, nil
}

// tryRedistributeLeaf moves one entry between adjacent leaf siblings
// leftNo/rightNo if one of them has enough spare fill to give, updating
// parent's separator at sepIdx (the right leaf's first key) to match.
func (m *Manager) tryRedistributeLeaf(file *BTreeFile, parent storage.Page, sepIdx int, leftNo, rightNo uint32) (bool, error) {
	left, lunpin, err := m.getPage(file, leftNo)
	if err != nil {
		return false, err
	}
	right, runpin, err := m.getPage(file, rightNo)
	if err != nil {
		lunpin(false)
		return false, err
	}
	defer func() { runpin(true) }()
	defer func() { lunpin(true) }()

	capacity := storage.PageSize - storage.HeaderSize
	minUsed := capacity / underflowThreshold
	leftUsed := capacity - left.Free()
	rightUsed := capacity - right.Free()

	switch {
	case leftUsed > minUsed:
		li := left.NSlots() - 1
		raw, _ := left.ReadSlot(li)
		if !right.InsertSlotAt(0, raw) {
			return false, nil
		}
		left.RemoveSlotAt(li)
		left.Compact(-1)
	case rightUsed > minUsed:
		raw, _ := right.ReadSlot(0)
		if !left.InsertSlotAt(left.NSlots(), raw) {
			return false, nil
		}
		right.RemoveSlotAt(0)
		right.Compact(-1)
	default:
		return false, nil
	}

	firstRaw, ok := right.ReadSlot(0)
	if !ok {
		return false, fmt.Errorf("%w: right leaf empty after redistribute", ErrBadPage)
	}
	k, _, derr := decodeLeafEntry(file.KeyDesc, firstRaw)
	if derr != nil {
		return false, derr
	}
	return true, m.setInternalKeyAt(file, parent, sepIdx, k)
}

// tryRedistributeInternal moves one entry between adjacent internal
// siblings by rotating through parent's separator at sepIdx: the
// separator moves down into whichever sibling is receiving, the donating
// sibling's outermost key moves up to become the new separator, and the
// child pointer beside that key moves across to the receiving sibling.
func (m *Manager) tryRedistributeInternal(file *BTreeFile, parent storage.Page, sepIdx int, leftNo, rightNo uint32) (bool, error) {
	left, lunpin, err := m.getPage(file, leftNo)
	if err != nil {
		return false, err
	}
	right, runpin, err := m.getPage(file, rightNo)
	if err != nil {
		lunpin(false)
		return false, err
	}
	defer func() { runpin(true) }()
	defer func() { lunpin(true) }()

	capacity := storage.PageSize - storage.HeaderSize
	minUsed := capacity / underflowThreshold
	leftUsed := capacity - left.Free()
	rightUsed := capacity - right.Free()

	sepRaw, ok := parent.ReadSlot(sepIdx)
	if !ok {
		return false, fmt.Errorf("%w: missing separator slot %d", ErrBadPage, sepIdx)
	}
	parentSep, _, err := decodeInternalEntry(file.KeyDesc, sepRaw)
	if err != nil {
		return false, err
	}

	switch {
	case leftUsed > minUsed && left.NSlots() > 0:
		li := left.NSlots() - 1
		raw, _ := left.ReadSlot(li)
		sepL, childL, derr := decodeInternalEntry(file.KeyDesc, raw)
		if derr != nil {
			return false, derr
		}
		newFirst := encodeInternalEntry(file.KeyDesc, parentSep, right.P0())
		if !right.InsertSlotAt(0, newFirst) {
			return false, nil
		}
		right.SetP0(childL)
		left.RemoveSlotAt(li)
		left.Compact(-1)
		return true, m.setInternalKeyAt(file, parent, sepIdx, sepL)

	case rightUsed > minUsed && right.NSlots() > 0:
		raw, _ := right.ReadSlot(0)
		sepR, childR, derr := decodeInternalEntry(file.KeyDesc, raw)
		if derr != nil {
			return false, derr
		}
		newLast := encodeInternalEntry(file.KeyDesc, parentSep, right.P0())
		if !left.InsertSlotAt(left.NSlots(), newLast) {
			return false, nil
		}
		right.SetP0(childR)
		right.RemoveSlotAt(0)
		right.Compact(-1)
		return true, m.setInternalKeyAt(file, parent, sepIdx, sepR)
	}

	return false, nil
}

// setInternalKeyAt replaces the key half of parent's entry at idx, keeping
// its child pointer, compacting first so a longer replacement key has
// contiguous room.
func (m *Manager) setInternalKeyAt(file *BTreeFile, parent storage.Page, idx int, key KeyValue) error {
	raw, ok := parent.ReadSlot(idx)
	if !ok {
		return fmt.Errorf("%w: missing separator slot %d", ErrBadPage, idx)
	}
	_, child, err := decodeInternalEntry(file.KeyDesc, raw)
	if err != nil {
		return err
	}
	entry := encodeInternalEntry(file.KeyDesc, key, child)
	parent.RemoveSlotAt(idx)
	parent.Compact(-1)
	if !parent.InsertSlotAt(idx, entry) {
		return fmt.Errorf("%w: separator replacement has no room", ErrBadPage)
	}
	return nil
}

// mergeLeaves appends rightNo's entries onto leftNo, relinks the leaf
// chain around rightNo, and removes the separator at sepIdx that used to
// point at it.
func (m *Manager) mergeLeaves(file *BTreeFile, parent storage.Page, sepIdx int, leftNo, rightNo uint32) error {
	left, lunpin, err := m.getPage(file, leftNo)
	if err != nil {
		return err
	}
	right, runpin, err := m.getPage(file, rightNo)
	if err != nil {
		lunpin(false)
		return err
	}

	for i := 0; i < right.NSlots(); i++ {
		raw, ok := right.ReadSlot(i)
		if !ok {
			continue
		}
		if !left.InsertSlotAt(left.NSlots(), raw) {
			left.Compact(-1)
			if !left.InsertSlotAt(left.NSlots(), raw) {
				runpin(false)
				lunpin(true)
				return fmt.Errorf("%w: merged leaf entries do not fit", ErrBadPage)
			}
		}
	}

	nextNo := right.NextPage()
	left.SetNextPage(nextNo)
	runpin(false)

	if nextNo != storage.NilPageNo {
		next, nunpin, err := m.getPage(file, nextNo)
		if err != nil {
			lunpin(true)
			return err
		}
		next.SetPrevPage(leftNo)
		nunpin(true)
	}
	lunpin(true)

	parent.RemoveSlotAt(sepIdx)
	parent.Compact(-1)
	return nil
}

// mergeInternals pulls parent's separator at sepIdx down as a new entry on
// leftNo (paired with rightNo's p0), appends rightNo's own entries after
// it, and removes the now-stale separator from parent.
func (m *Manager) mergeInternals(file *BTreeFile, parent storage.Page, sepIdx int, leftNo, rightNo uint32) error {
	left, lunpin, err := m.getPage(file, leftNo)
	if err != nil {
		return err
	}
	right, runpin, err := m.getPage(file, rightNo)
	if err != nil {
		lunpin(false)
		return err
	}

	sepRaw, ok := parent.ReadSlot(sepIdx)
	if !ok {
		lunpin(false)
		runpin(false)
		return fmt.Errorf("%w: missing separator slot %d", ErrBadPage, sepIdx)
	}
	parentSep, _, derr := decodeInternalEntry(file.KeyDesc, sepRaw)
	if derr != nil {
		lunpin(false)
		runpin(false)
		return derr
	}

	pulled := encodeInternalEntry(file.KeyDesc, parentSep, right.P0())
	if !left.InsertSlotAt(left.NSlots(), pulled) {
		left.Compact(-1)
		if !left.InsertSlotAt(left.NSlots(), pulled) {
			lunpin(true)
			runpin(false)
			return fmt.Errorf("%w: merged internal entries do not fit", ErrBadPage)
		}
	}

	for i := 0; i < right.NSlots(); i++ {
		raw, ok := right.ReadSlot(i)
		if !ok {
			continue
		}
		if !left.InsertSlotAt(left.NSlots(), raw) {
			left.Compact(-1)
			if !left.InsertSlotAt(left.NSlots(), raw) {
				lunpin(true)
				runpin(false)
				return fmt.Errorf("%w: merged internal entries do not fit", ErrBadPage)
			}
		}
	}
	runpin(false)
	lunpin(true)

	parent.RemoveSlotAt(sepIdx)
	parent.Compact(-1)
	return nil
}

// collapseRoot folds root's sole remaining child (root.P0, the only
// pointer left once root's last entry was merged away) back into root's
// own page, shrinking the tree's height by one level while keeping the
// root's PageID fixed, mirroring rootInsert's copy in the other direction.
func (m *Manager) collapseRoot(file *BTreeFile, root storage.Page, onPageFreed func(storage.PageID)) error {
	childNo := root.P0()
	child, cunpin, err := m.getPage(file, childNo)
	if err != nil {
		return err
	}

	childType := child.PageType()
	n := child.NSlots()
	entries := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		if raw, ok := child.ReadSlot(i); ok {
			cp := make([]byte, len(raw))
			copy(cp, raw)
			entries = append(entries, cp)
		}
	}
	childP0 := child.P0()
	cunpin(false)

	root.Init(childType, root.OwnerFile())
	if childType == storage.PageTypeBtreeLeaf {
		root.SetPrevPage(storage.NilPageNo)
		root.SetNextPage(storage.NilPageNo)
	} else {
		root.SetP0(childP0)
	}
	for _, e := range entries {
		if !root.InsertSlotAt(root.NSlots(), e) {
			return fmt.Errorf("%w: collapsed root entries do not fit", ErrBadPage)
		}
	}

	if childType == storage.PageTypeBtreeLeaf && file.FirstLeaf == childNo {
		file.FirstLeaf = file.Root
	}
	if onPageFreed != nil {
		onPageFreed(file.pid(childNo))
	}
	return nil
}

// Fetch resolves a comparison operator and a probe key to the first
// qualifying cursor position. SM_BOF/SM_EOF ignore key and position at the
// very start/end of the index; the other five operators descend to key's
// leaf and search within it.
func (m *Manager) Fetch(file *BTreeFile, op CompOp, key KeyValue) (*Cursor, error) {
	if !op.valid() {
		return nil, ErrBadCompOp
	}
	switch op {
	case SM_BOF:
		return m.scanLeafForward(file, file.FirstLeaf, 0)
	case SM_EOF:
		return m.fetchLast(file)
	}

	_, leafNo, err := m.descend(file, key)
	if err != nil {
		return nil, err
	}
	leaf, unpin, err := m.getPage(file, leafNo)
	if err != nil {
		return nil, err
	}
	defer unpin(false)

	idx, exact, err := leafFind(file.KeyDesc, leaf, key)
	if err != nil {
		return nil, err
	}

	switch op {
	case SM_EQ:
		if !exact {
			return nil, ErrNotFound
		}
		return m.scanLeafForward(file, leafNo, idx)
	case SM_GE:
		return m.scanLeafForward(file, leafNo, idx)
	case SM_GT:
		j := idx
		for exact && j < leaf.NSlots() {
			raw, _ := leaf.ReadSlot(j)
			k, _, derr := decodeLeafEntry(file.KeyDesc, raw)
			if derr != nil {
				return nil, derr
			}
			if file.KeyDesc.Compare(k, key) != Equal {
				break
			}
			j++
		}
		return m.scanLeafForward(file, leafNo, j)
	case SM_LT:
		return m.scanLeafBackward(file, leafNo, idx-1)
	case SM_LE:
		j := idx
		for {
			raw, ok := leaf.ReadSlot(j)
			if !ok {
				break
			}
			k, _, derr := decodeLeafEntry(file.KeyDesc, raw)
			if derr != nil {
				return nil, derr
			}
			if file.KeyDesc.Compare(k, key) != Equal {
				break
			}
			j++
		}
		return m.scanLeafBackward(file, leafNo, j-1)
	default:
		return nil, ErrBadCompOp
	}
}

func (m *Manager) fetchLast(file *BTreeFile) (*Cursor, error) {
	leafNo, err := m.rightmostLeaf(file)
	if err != nil {
		return nil, err
	}
	leaf, unpin, err := m.getPage(file, leafNo)
	if err != nil {
		return nil, err
	}
	n := leaf.NSlots()
	unpin(false)
	if n == 0 {
		return nil, ErrEndOfScan
	}
	return m.scanLeafBackward(file, leafNo, n-1)
}

// rightmostLeaf descends from the root always taking the last child
// pointer, to find the leaf holding the greatest key in the tree.
func (m *Manager) rightmostLeaf(file *BTreeFile) (uint32, error) {
	cur := file.Root
	for {
		page, unpin, err := m.getPage(file, cur)
		if err != nil {
			return 0, err
		}
		if page.PageType() == storage.PageTypeBtreeLeaf {
			unpin(false)
			return cur, nil
		}
		n := page.NSlots()
		next := page.P0()
		if n > 0 {
			raw, _ := page.ReadSlot(n - 1)
			_, child, derr := decodeInternalEntry(file.KeyDesc, raw)
			if derr != nil {
				unpin(false)
				return 0, derr
			}
			next = child
		}
		unpin(false)
		cur = next
	}
}

// scanLeafForward resolves (pageNo, slot) to a cursor, walking forward
// through the leaf chain (via NextPage) when slot runs past the end of a
// page. Unlike the Object Manager's slot array, a B+-tree leaf's slots are
// always contiguous (InsertSlotAt/RemoveSlotAt keep them packed), so every
// index in [0, NSlots) is live.
func (m *Manager) scanLeafForward(file *BTreeFile, pageNo uint32, slot int) (*Cursor, error) {
	for {
		if pageNo == storage.NilPageNo {
			return nil, ErrEndOfScan
		}
		leaf, unpin, err := m.getPage(file, pageNo)
		if err != nil {
			return nil, err
		}
		if slot < leaf.NSlots() {
			raw, _ := leaf.ReadSlot(slot)
			k, oid, derr := decodeLeafEntry(file.KeyDesc, raw)
			unpin(false)
			if derr != nil {
				return nil, derr
			}
			return &Cursor{Flag: CursorOn, Key: k, OID: oid, LeafPID: file.pid(pageNo), SlotNo: slot, Forward: true}, nil
		}
		next := leaf.NextPage()
		unpin(false)
		pageNo = next
		slot = 0
	}
}

// scanLeafBackward is scanLeafForward's mirror image, walking PrevPage.
func (m *Manager) scanLeafBackward(file *BTreeFile, pageNo uint32, slot int) (*Cursor, error) {
	for {
		if pageNo == storage.NilPageNo {
			return nil, ErrEndOfScan
		}
		leaf, unpin, err := m.getPage(file, pageNo)
		if err != nil {
			return nil, err
		}
		if slot >= 0 && slot < leaf.NSlots() {
			raw, _ := leaf.ReadSlot(slot)
			k, oid, derr := decodeLeafEntry(file.KeyDesc, raw)
			unpin(false)
			if derr != nil {
				return nil, derr
			}
			return &Cursor{Flag: CursorOn, Key: k, OID: oid, LeafPID: file.pid(pageNo), SlotNo: slot, Forward: false}, nil
		}
		prev := leaf.PrevPage()
		unpin(false)
		if prev == storage.NilPageNo {
			return nil, ErrEndOfScan
		}
		prevPage, unpin2, err := m.getPage(file, prev)
		if err != nil {
			return nil, err
		}
		slot = prevPage.NSlots() - 1
		unpin2(false)
		pageNo = prev
	}
}

// FreePages walks the whole tree post-order (children before parent) and
// calls visit once per page, so a caller can hand every page number to a
// dealloc list instead of this package needing to know how pages are
// actually reclaimed.
func (m *Manager) FreePages(file *BTreeFile, visit func(storage.PageID)) error {
	return m.freeSubtree(file, file.Root, visit)
}

func (m *Manager) freeSubtree(file *BTreeFile, pageNo uint32, visit func(storage.PageID)) error {
	page, unpin, err := m.getPage(file, pageNo)
	if err != nil {
		return err
	}
	var children []uint32
	if page.PageType() != storage.PageTypeBtreeLeaf {
		children = append(children, page.P0())
		n := page.NSlots()
		for i := 0; i < n; i++ {
			raw, ok := page.ReadSlot(i)
			if !ok {
				continue
			}
			_, child, derr := decodeInternalEntry(file.KeyDesc, raw)
			if derr != nil {
				unpin(false)
				return derr
			}
			children = append(children, child)
		}
	}
	unpin(false)

	for _, c := range children {
		if err := m.freeSubtree(file, c, visit); err != nil {
			return err
		}
	}
	visit(file.pid(pageNo))
	return nil
}

// FetchNext advances cur by one entry in its scan direction, returning
// ErrEndOfScan once the scan runs past the last (or, scanning backward,
// first) qualifying entry.
func (m *Manager) FetchNext(file *BTreeFile, cur *Cursor) (*Cursor, error) {
	if cur == nil || cur.Flag != CursorOn {
		return nil, ErrEndOfScan
	}
	if cur.Forward {
		return m.scanLeafForward(file, cur.LeafPID.Page, cur.SlotNo+1)
	}
	return m.scanLeafBackward(file, cur.LeafPID.Page, cur.SlotNo-1)
}
