package om

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/plcoredb/plcore/internal/bufferpool"
	"github.com/plcoredb/plcore/internal/storage"
)

func newTestManager(t *testing.T) (*Manager, *DataFile) {
	t.Helper()
	fs := storage.LocalFileSet{Dir: t.TempDir(), Base: "data.vol"}
	rdm := storage.NewRawDiskManager()
	pool := bufferpool.NewPoolSet(fs, rdm, bufferpool.Sizes{storage.BufTypeData: 8, storage.BufTypeIndex: 8})

	SetFileSetResolver(func(*DataFile) (storage.FileSet, bool) { return fs, true })

	file := &DataFile{FileID: 1, FirstPage: storage.NilPageNo, LastPage: storage.NilPageNo}
	for i := range file.AvailHead {
		file.AvailHead[i] = storage.NilPageNo
	}
	return New(pool), file
}

func TestCreateReadRoundTrip(t *testing.T) {
	m, file := newTestManager(t)

	oid, err := m.CreateObject(file, []byte("hello om"), storage.ObjectID{})
	require.NoError(t, err)

	got, err := m.ReadObject(file, oid, 0, ReadObjectRemainder)
	require.NoError(t, err)
	require.Equal(t, "hello om", string(got))
}

func TestReadObjectBoundsChecking(t *testing.T) {
	m, file := newTestManager(t)
	oid, err := m.CreateObject(file, []byte("0123456789"), storage.ObjectID{})
	require.NoError(t, err)

	_, err = m.ReadObject(file, oid, 5, 10)
	require.ErrorIs(t, err, ErrBadLength)

	_, err = m.ReadObject(file, oid, 20, ReadObjectRemainder)
	require.ErrorIs(t, err, ErrBadStart)

	got, err := m.ReadObject(file, oid, 5, 5)
	require.NoError(t, err)
	require.Equal(t, "56789", string(got))
}

func TestDestroyObjectThenStaleOIDFails(t *testing.T) {
	m, file := newTestManager(t)
	oid, err := m.CreateObject(file, []byte("gone soon"), storage.ObjectID{})
	require.NoError(t, err)

	require.NoError(t, m.DestroyObject(file, oid, nil))

	_, err = m.ReadObject(file, oid, 0, ReadObjectRemainder)
	require.ErrorIs(t, err, ErrBadObjectID)
}

func TestNextObjectScanAcrossPages(t *testing.T) {
	m, file := newTestManager(t)

	big := make([]byte, 7000)
	var oids []storage.ObjectID
	for i := 0; i < 3; i++ {
		oid, err := m.CreateObject(file, big, storage.ObjectID{})
		require.NoError(t, err)
		oids = append(oids, oid)
	}

	cur, _, err := m.FirstObject(file)
	require.NoError(t, err)
	require.Equal(t, oids[0], cur)

	count := 1
	for {
		cur, _, err = m.NextObject(file, cur)
		if err != nil {
			require.ErrorIs(t, err, ErrEndOfScan)
			break
		}
		count++
	}
	require.Equal(t, 3, count)
}

func TestDestroyObjectOnNonFirstPageUnlinksAndQueuesDealloc(t *testing.T) {
	m, file := newTestManager(t)

	big := make([]byte, 7000)
	var oids []storage.ObjectID
	for i := 0; i < 3; i++ {
		oid, err := m.CreateObject(file, big, storage.ObjectID{})
		require.NoError(t, err)
		oids = append(oids, oid)
	}
	firstPage := file.FirstPage
	middlePage := oids[1].Page.Page
	lastPage := file.LastPage
	require.NotEqual(t, firstPage, middlePage)
	require.NotEqual(t, lastPage, middlePage)

	var freed []storage.PageID
	require.NoError(t, m.DestroyObject(file, oids[1], func(pid storage.PageID) {
		freed = append(freed, pid)
	}))

	require.Equal(t, []storage.PageID{file.pid(middlePage)}, freed)

	first, unpin, err := m.getPage(file, firstPage)
	require.NoError(t, err)
	require.Equal(t, lastPage, first.NextPage())
	unpin(false)

	last, unpin, err := m.getPage(file, lastPage)
	require.NoError(t, err)
	require.Equal(t, firstPage, last.PrevPage())
	unpin(false)

	require.Equal(t, firstPage, file.FirstPage)
	require.Equal(t, lastPage, file.LastPage)
}

func TestDestroyObjectOnFirstPageNeverUnlinksIt(t *testing.T) {
	m, file := newTestManager(t)

	oid, err := m.CreateObject(file, []byte("only object"), storage.ObjectID{})
	require.NoError(t, err)
	firstPage := file.FirstPage

	called := false
	require.NoError(t, m.DestroyObject(file, oid, func(storage.PageID) { called = true }))

	require.False(t, called)
	require.Equal(t, firstPage, file.FirstPage)
	require.Equal(t, firstPage, file.LastPage)
}

func TestCreateObjectRejectsOversizedPayload(t *testing.T) {
	m, file := newTestManager(t)
	_, err := m.CreateObject(file, make([]byte, storage.PageSize), storage.ObjectID{})
	require.ErrorIs(t, err, ErrNotSupported)
}
