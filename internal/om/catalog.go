package om

import "github.com/plcoredb/plcore/internal/storage"

// NumAvailBuckets is the spec's N=4 available-space lists per file, bucketed
// by free-space class.
const NumAvailBuckets = 4

// DataFile is the portion of the File Catalog Overlay the Object Manager
// needs: the page-list endpoints and the bucket heads of the file's
// available-space lists. internal/catalog owns loading and persisting this
// alongside the rest of a file's catalog entry; the Object Manager only
// ever mutates the copy it's handed and leaves persistence to the caller.
type DataFile struct {
	FileID    uint32
	Vol       uint16
	FirstPage uint32
	LastPage  uint32
	AvailHead [NumAvailBuckets]uint32
}

func (f *DataFile) pid(pageNo uint32) storage.PageID {
	return storage.PageID{Vol: f.Vol, Page: pageNo}
}

// availBucket maps a page's free-space count to one of NumAvailBuckets
// classes of equal width over 0..maxFree, lowest free space in bucket 0.
func availBucket(free, maxFree int) uint16 {
	if maxFree <= 0 {
		return 0
	}
	b := free * NumAvailBuckets / (maxFree + 1)
	if b >= NumAvailBuckets {
		b = NumAvailBuckets - 1
	}
	return uint16(b)
}

func maxPageFree() int { return storage.PageSize - storage.HeaderSize }

// unlinkAvail removes page from whatever available-space bucket it is
// currently linked into. page must already be pinned by the caller; its
// list neighbors are pinned and unpinned here through getPage.
func (f *DataFile) unlinkAvail(page storage.Page, getPage func(uint32) (storage.Page, func(), error)) error {
	b := page.AvailBucket()
	if b == NoAvailBucket {
		return nil
	}
	prev, next := page.AvailPrev(), page.AvailNext()

	if prev == storage.NilPageNo {
		f.AvailHead[b] = next
	} else {
		pp, done, err := getPage(prev)
		if err != nil {
			return err
		}
		pp.SetAvailNext(next)
		done()
	}
	if next != storage.NilPageNo {
		np, done, err := getPage(next)
		if err != nil {
			return err
		}
		np.SetAvailPrev(prev)
		done()
	}

	page.SetAvailBucket(NoAvailBucket)
	page.SetAvailPrev(storage.NilPageNo)
	page.SetAvailNext(storage.NilPageNo)
	return nil
}

// linkAvail inserts page at the head of bucket b.
func (f *DataFile) linkAvail(pageNo uint32, page storage.Page, b uint16, getPage func(uint32) (storage.Page, func(), error)) error {
	oldHead := f.AvailHead[b]
	page.SetAvailBucket(b)
	page.SetAvailPrev(storage.NilPageNo)
	page.SetAvailNext(oldHead)
	if oldHead != storage.NilPageNo {
		hp, done, err := getPage(oldHead)
		if err != nil {
			return err
		}
		hp.SetAvailPrev(pageNo)
		done()
	}
	f.AvailHead[b] = pageNo
	return nil
}
