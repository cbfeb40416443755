package storage

import "fmt"

// Little-endian fixed-width byte accessors. Kept here, rather than split
// into a separate byte-helper package, because every caller of them already
// holds a Page and nothing outside this package needs them.

func GetU16(b []byte, off int) uint16 {
	return uint16(b[off]) | uint16(b[off+1])<<8
}

func PutU16(b []byte, off int, v uint16) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
}

func GetU32(b []byte, off int) uint32 {
	return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
}

func PutU32(b []byte, off int, v uint32) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
	b[off+2] = byte(v >> 16)
	b[off+3] = byte(v >> 24)
}

// Common page header, shared by slotted data pages and B+-tree pages:
//
//	+0  pageType   uint16
//	+2  reserved   uint16
//	+4  ownerFile  uint32   file_id this page belongs to
//	+8  prevPage   uint32   previous page in the file's page list (NilPageNo)
//	+12 nextPage   uint32   next page in the file's page list (NilPageNo)
//	+16 nSlots     uint16   number of slot-array entries (including empty ones)
//	+18 slotEnd    uint16   offset just past the slot array (grows upward)
//	+20 dataStart  uint16   offset where the data area begins (grows downward)
//	+22 unique     uint16   next unique discriminator to hand out
//	+24 uniqueLim  uint16   wraparound limit for unique (EMUNIQUELIM sentinel)
//	+26 availBucket uint16  available-space bucket this page is linked into
//	+28 unused     uint32   bytes held by cleared slots, not yet reclaimed
//	+32 availPrev  uint32   previous page in its available-space bucket list
//	+36 availNext  uint32   next page in its available-space bucket list
const (
	offPageType    = 0
	offOwnerFile   = 4
	offPrevPage    = 8
	offNextPage    = 12
	offNSlots      = 16
	offSlotEnd     = 18
	offDataStart   = 20
	offUnique      = 22
	offUniqueLim   = 24
	offAvailBucket = 26
	offUnused      = 28
	offAvailPrev   = 32
	offAvailNext   = 36
)

// NoAvailBucket marks a page as not currently linked into any
// available-space list.
const NoAvailBucket uint16 = 0xFFFF

// EmptySlotOffset marks a slot-array entry that does not reference a live
// object (either never used, or freed by destroy_object).
const EmptySlotOffset uint16 = 0xFFFF

// DefaultUniqueLimit bounds the per-page unique counter; once it would wrap,
// NextUnique returns an ErrInvalidOperation error rather than silently
// reissuing a discriminator that is still referenced by a stale ObjectID.
const DefaultUniqueLimit uint16 = 0xFFFE

// Page is a fixed PageSize-byte buffer interpreted through the common
// header plus either the slotted-page or the B+-tree body layout.
type Page struct {
	Buf []byte
}

func NewPage(buf []byte) Page { return Page{Buf: buf} }

func (p Page) PageType() PageType  { return PageType(GetU16(p.Buf, offPageType)) }
func (p Page) SetPageType(t PageType) { PutU16(p.Buf, offPageType, uint16(t)) }

func (p Page) OwnerFile() uint32     { return GetU32(p.Buf, offOwnerFile) }
func (p Page) SetOwnerFile(id uint32) { PutU32(p.Buf, offOwnerFile, id) }

func (p Page) PrevPage() uint32      { return GetU32(p.Buf, offPrevPage) }
func (p Page) SetPrevPage(pg uint32) { PutU32(p.Buf, offPrevPage, pg) }

// P0 and SetP0 alias the prevPage header field for B+-tree internal pages,
// which have no sibling list and instead need a slot for the leftmost
// child pointer (the child with no separator key to its left).
func (p Page) P0() uint32      { return p.PrevPage() }
func (p Page) SetP0(pg uint32) { p.SetPrevPage(pg) }

func (p Page) NextPage() uint32      { return GetU32(p.Buf, offNextPage) }
func (p Page) SetNextPage(pg uint32) { PutU32(p.Buf, offNextPage, pg) }

func (p Page) NSlots() int        { return int(GetU16(p.Buf, offNSlots)) }
func (p Page) setNSlots(n int)    { PutU16(p.Buf, offNSlots, uint16(n)) }

func (p Page) slotEnd() int     { return int(GetU16(p.Buf, offSlotEnd)) }
func (p Page) setSlotEnd(v int) { PutU16(p.Buf, offSlotEnd, uint16(v)) }

func (p Page) DataStart() int     { return int(GetU16(p.Buf, offDataStart)) }
func (p Page) setDataStart(v int) { PutU16(p.Buf, offDataStart, uint16(v)) }

func (p Page) Unique() uint16      { return GetU16(p.Buf, offUnique) }
func (p Page) setUnique(v uint16)  { PutU16(p.Buf, offUnique, v) }

func (p Page) UniqueLimit() uint16     { return GetU16(p.Buf, offUniqueLim) }
func (p Page) SetUniqueLimit(v uint16) { PutU16(p.Buf, offUniqueLim, v) }

func (p Page) AvailBucket() uint16     { return GetU16(p.Buf, offAvailBucket) }
func (p Page) SetAvailBucket(v uint16) { PutU16(p.Buf, offAvailBucket, v) }

// Unused is the byte count held by slots cleared since the last Compact
// (the original engine's SP_FREE minus SP_CFREE): bytes that belong to no
// live object but have not yet been squeezed out of the data area.
func (p Page) Unused() int     { return int(GetU32(p.Buf, offUnused)) }
func (p Page) setUnused(v int) { PutU32(p.Buf, offUnused, uint32(v)) }

func (p Page) AvailPrev() uint32      { return GetU32(p.Buf, offAvailPrev) }
func (p Page) SetAvailPrev(pg uint32) { PutU32(p.Buf, offAvailPrev, pg) }

func (p Page) AvailNext() uint32      { return GetU32(p.Buf, offAvailNext) }
func (p Page) SetAvailNext(pg uint32) { PutU32(p.Buf, offAvailNext, pg) }

// IsUninitialized reports whether the page has never been formatted: a
// freshly allocated or zero-filled-on-short-read page reads as all zero
// bytes, which is not a valid header (slotEnd/dataStart would both be 0).
func (p Page) IsUninitialized() bool {
	return p.slotEnd() == 0 && p.DataStart() == 0
}

// Init formats an empty slotted page owned by ownerFile.
func (p Page) Init(pageType PageType, ownerFile uint32) {
	for i := range p.Buf {
		p.Buf[i] = 0
	}
	p.SetPageType(pageType)
	p.SetOwnerFile(ownerFile)
	p.SetPrevPage(NilPageNo)
	p.SetNextPage(NilPageNo)
	p.setNSlots(0)
	p.setSlotEnd(HeaderSize)
	p.setDataStart(PageSize)
	p.setUnique(0)
	p.SetUniqueLimit(DefaultUniqueLimit)
	p.SetAvailBucket(NoAvailBucket)
	p.setUnused(0)
	p.SetAvailPrev(NilPageNo)
	p.SetAvailNext(NilPageNo)
}

// Free returns the contiguous free space between the slot array and the
// data area (the spec's CFREE for this page).
func (p Page) Free() int { return p.DataStart() - p.slotEnd() }

// TotalFree returns the contiguous free space plus the bytes held by
// cleared-but-not-yet-compacted slots (the spec's SP_FREE = CFREE +
// unused). Placement decisions that account for an eventual Compact use
// this instead of Free.
func (p Page) TotalFree() int { return p.Free() + p.Unused() }

func (p Page) slotOff(i int) int { return HeaderSize + i*SlotSize }

// GetSlot returns the (offset, length, unique) triple for slot i. An empty
// slot has offset == EmptySlotOffset.
func (p Page) GetSlot(i int) (offset, length uint16, unique uint16) {
	o := p.slotOff(i)
	return GetU16(p.Buf, o), GetU16(p.Buf, o+2), GetU16(p.Buf, o+4)
}

func (p Page) putSlot(i int, offset, length, unique uint16) {
	o := p.slotOff(i)
	PutU16(p.Buf, o, offset)
	PutU16(p.Buf, o+2, length)
	PutU16(p.Buf, o+4, unique)
}

// AllocSlot returns the index of a reusable empty slot if one exists,
// otherwise appends a fresh one, growing the slot array toward the data
// area. Returns ok=false if there is no room for a new slot entry.
func (p Page) AllocSlot() (idx int, ok bool) {
	for i := 0; i < p.NSlots(); i++ {
		off, _, _ := p.GetSlot(i)
		if off == EmptySlotOffset {
			return i, true
		}
	}
	if p.Free() < SlotSize {
		return -1, false
	}
	i := p.NSlots()
	p.putSlot(i, EmptySlotOffset, 0, 0)
	p.setSlotEnd(p.slotEnd() + SlotSize)
	p.setNSlots(i + 1)
	return i, true
}

// NextUnique returns the next unique discriminator to stamp a newly placed
// object with, bumping the page's counter.
func (p Page) NextUnique() (uint16, error) {
	u := p.Unique()
	if u >= p.UniqueLimit() {
		return 0, fmt.Errorf("%w: page unique counter exhausted", ErrInvalidOperation)
	}
	p.setUnique(u + 1)
	return u, nil
}

// PlaceBytes copies data into the page's data area (growing dataStart
// downward) and records offset/length in slot idx. Caller has already
// checked Free() >= len(data) (+ SlotSize if idx is a new slot).
func (p Page) PlaceBytes(idx int, data []byte, unique uint16) {
	newStart := p.DataStart() - len(data)
	copy(p.Buf[newStart:newStart+len(data)], data)
	p.setDataStart(newStart)
	p.putSlot(idx, uint16(newStart), uint16(len(data)), unique)
}

// ReadSlot returns the raw bytes stored at slot idx.
func (p Page) ReadSlot(idx int) ([]byte, bool) {
	if idx < 0 || idx >= p.NSlots() {
		return nil, false
	}
	off, length, _ := p.GetSlot(idx)
	if off == EmptySlotOffset {
		return nil, false
	}
	return p.Buf[off : off+length], true
}

// ClearSlot marks slot idx empty without reclaiming its bytes from the data
// area; reclamation happens during Compact. The slot's former length is
// folded into Unused so TotalFree reflects the hole immediately.
func (p Page) ClearSlot(idx int) {
	_, length, _ := p.GetSlot(idx)
	if length > 0 {
		p.setUnused(p.Unused() + int(length))
	}
	p.putSlot(idx, EmptySlotOffset, 0, 0)
}

// InsertSlotAt inserts data as a new slot at ordered position i, shifting
// slots [i, NSlots) up by one first. Used by ordered node layouts (B+-tree
// internal/leaf pages) where slot order must track key order, unlike the
// Object Manager's sparse, reuse-by-index slot array. Returns false if
// there isn't room for one more slot-array entry plus data.
func (p Page) InsertSlotAt(i int, data []byte) bool {
	need := len(data) + SlotSize
	if p.Free() < need {
		return false
	}
	n := p.NSlots()
	p.setSlotEnd(p.slotEnd() + SlotSize)
	p.setNSlots(n + 1)
	for k := n; k > i; k-- {
		off, length, unique := p.GetSlot(k - 1)
		p.putSlot(k, off, length, unique)
	}
	newStart := p.DataStart() - len(data)
	copy(p.Buf[newStart:newStart+len(data)], data)
	p.setDataStart(newStart)
	p.putSlot(i, uint16(newStart), uint16(len(data)), 0)
	return true
}

// RemoveSlotAt removes the slot at ordered position i, shifting slots
// (i, NSlots) down by one. The removed entry's data-area bytes are
// reclaimed on the next Compact, not immediately.
func (p Page) RemoveSlotAt(i int) {
	n := p.NSlots()
	for k := i; k < n-1; k++ {
		off, length, unique := p.GetSlot(k + 1)
		p.putSlot(k, off, length, unique)
	}
	p.setNSlots(n - 1)
	p.setSlotEnd(p.slotEnd() - SlotSize)
}

// Compact squeezes out the holes left by cleared/shrunk slots, repacking
// live objects against the end of the page in slot order and resetting
// dataStart. preferredLast, if >= 0, is placed last so it ends up at the
// lowest address (useful when the caller is about to grow that one slot).
func (p Page) Compact(preferredLast int) {
	type live struct {
		idx  int
		data []byte
	}
	entries := make([]live, 0, p.NSlots())
	for i := 0; i < p.NSlots(); i++ {
		if d, ok := p.ReadSlot(i); ok {
			cp := make([]byte, len(d))
			copy(cp, d)
			entries = append(entries, live{i, cp})
		}
	}
	if preferredLast >= 0 {
		for i, e := range entries {
			if e.idx == preferredLast {
				entries = append(entries[:i], entries[i+1:]...)
				entries = append(entries, e)
				break
			}
		}
	}
	cursor := PageSize
	for _, e := range entries {
		cursor -= len(e.data)
		copy(p.Buf[cursor:cursor+len(e.data)], e.data)
		_, _, unique := p.GetSlot(e.idx)
		p.putSlot(e.idx, uint16(cursor), uint16(len(e.data)), unique)
	}
	p.setDataStart(cursor)
	p.setUnused(0)
}
