package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

var (
	// ErrPageFull is reserved for higher-level "append" logic that needs to
	// distinguish a full page from other write failures.
	ErrPageFull = errors.New("storage: write would exceed page data length")
)

// FileSet resolves a logical segment number to the backing file that holds
// it. Volumes larger than one segment are split across Base, Base.1, ...
type FileSet interface {
	OpenSegment(segNo int32) (*os.File, error)
}

var _ FileSet = (*LocalFileSet)(nil)

// LocalFileSet is a directory + base file name. Segments are stored as:
// Base, Base.1, Base.2, ...
type LocalFileSet struct {
	Dir  string
	Base string
}

func (lfs LocalFileSet) OpenSegment(segNo int32) (*os.File, error) {
	name := lfs.Base
	if segNo > 0 {
		name = fmt.Sprintf("%s.%d", lfs.Base, segNo)
	}
	path := filepath.Join(lfs.Dir, name)
	if err := os.MkdirAll(lfs.Dir, FileMode0755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, FileMode0644)
}

// RawDiskManager is the external raw-disk manager collaborator (RDsM): it
// moves whole trains (pages) between a FileSet and memory and knows nothing
// about slots, objects or B+-trees. The buffer manager loads and saves pages
// through it; the object and B+-tree managers call AllocTrains directly.
type RawDiskManager struct{}

func NewRawDiskManager() *RawDiskManager { return &RawDiskManager{} }

func (sm *RawDiskManager) pagesPerSegment() int {
	return SegmentSize / PageSize
}

// PageIDToExtNo maps a page number to the segment number and byte offset
// that hold it within that segment.
func (sm *RawDiskManager) PageIDToExtNo(pageNo uint32) (segNo int32, offset int64) {
	pps := int64(sm.pagesPerSegment())
	segNo = int32(int64(pageNo) / pps)
	offset = (int64(pageNo) % pps) * PageSize
	return segNo, offset
}

// ReadTrain reads exactly one page (PageSize bytes) into dst. Reads past
// end-of-file are zero-filled, so higher layers can lazily format pages
// that were allocated but never written.
func (sm *RawDiskManager) ReadTrain(fs FileSet, pageNo uint32, dst []byte) error {
	if len(dst) != PageSize {
		return fmt.Errorf("%w: dst must be %d bytes", ErrReadExceedPageSize, PageSize)
	}
	segNo, off := sm.PageIDToExtNo(pageNo)
	f, err := fs.OpenSegment(segNo)
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := f.ReadAt(dst, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	for i := n; i < PageSize; i++ {
		dst[i] = 0
	}
	return nil
}

// WriteTrain writes exactly one page (PageSize bytes) from src at the
// location computed from pageNo.
func (sm *RawDiskManager) WriteTrain(fs FileSet, pageNo uint32, src []byte) error {
	if len(src) != PageSize {
		return fmt.Errorf("%w: src must be %d bytes", ErrWriteExceedPageSize, PageSize)
	}
	segNo, off := sm.PageIDToExtNo(pageNo)
	f, err := fs.OpenSegment(segNo)
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := f.WriteAt(src, off)
	if err != nil {
		return err
	}
	if n != PageSize {
		return io.ErrShortWrite
	}
	return nil
}

// LoadPage reads a page into memory and returns it as a Page wrapper,
// formatting it in-place if it has never been written (all-zero on-disk).
func (sm *RawDiskManager) LoadPage(fs FileSet, pageNo uint32, pageType PageType, ownerFile uint32) (Page, error) {
	buf := make([]byte, PageSize)
	if err := sm.ReadTrain(fs, pageNo, buf); err != nil {
		return Page{}, err
	}
	p := Page{Buf: buf}
	if p.IsUninitialized() {
		p.Init(pageType, ownerFile)
	}
	return p, nil
}

// SavePage writes the in-memory Page back to disk.
func (sm *RawDiskManager) SavePage(fs FileSet, pageNo uint32, p Page) error {
	if len(p.Buf) != PageSize {
		return fmt.Errorf("%w: page buffer must be %d bytes", ErrPageCorrupted, PageSize)
	}
	return sm.WriteTrain(fs, pageNo, p.Buf)
}

// AllocTrains reserves the next n consecutive page numbers at the end of
// the volume by extending it with zero-filled (uninitialized) pages, and
// returns the first allocated page number.
func (sm *RawDiskManager) AllocTrains(fs FileSet, n uint32) (first uint32, err error) {
	count, err := sm.CountPages(fs)
	if err != nil {
		return 0, err
	}
	blank := make([]byte, PageSize)
	for i := uint32(0); i < n; i++ {
		if err := sm.WriteTrain(fs, count+i, blank); err != nil {
			return 0, err
		}
	}
	return count, nil
}

// CountPages computes total pages for a given FileSet by scanning its
// segments (named Base, Base.1, Base.2, ...) in order, stopping at the first
// one that is not full.
func (sm *RawDiskManager) CountPages(fs FileSet) (uint32, error) {
	var total uint32

	for segNo := int32(0); ; segNo++ {
		f, err := fs.OpenSegment(segNo)
		if err != nil {
			if os.IsNotExist(err) {
				break
			}
			return 0, err
		}

		info, statErr := f.Stat()
		_ = f.Close()
		if statErr != nil {
			return 0, statErr
		}

		size := info.Size()
		total += uint32(size / int64(PageSize))
		if size < int64(SegmentSize) {
			break
		}
	}

	return total, nil
}
