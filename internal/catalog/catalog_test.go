package catalog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/plcoredb/plcore/internal/bufferpool"
	"github.com/plcoredb/plcore/internal/btm"
	"github.com/plcoredb/plcore/internal/om"
	"github.com/plcoredb/plcore/internal/storage"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fs := storage.LocalFileSet{Dir: dir, Base: "vol"}
	path := filepath.Join(dir, "catalog.yaml")

	c := New(path, fs)
	dataFile := &om.DataFile{FileID: 1, Vol: 0, FirstPage: 3, LastPage: 7}
	dataFile.AvailHead = [4]uint32{storage.NilPageNo, storage.NilPageNo, storage.NilPageNo, storage.NilPageNo}
	c.PutDataFile("widgets", dataFile)

	idxFile := &btm.BTreeFile{
		FileID: 2, Vol: 0, Root: 10, FirstLeaf: 10,
		KeyDesc: btm.KeyDescriptor{Parts: []btm.KeyPart{{Type: btm.KeyPartInt}, {Type: btm.KeyPartVarString, Descending: true}}},
		FS:      fs,
	}
	c.PutIndexFile("widgets_by_id", idxFile)

	require.NoError(t, c.Save())

	c2 := New(path, fs)
	require.NoError(t, c2.Load())

	got, ok := c2.DataFile("widgets")
	require.True(t, ok)
	require.Equal(t, dataFile.FirstPage, got.FirstPage)
	require.Equal(t, dataFile.LastPage, got.LastPage)

	gotIdx, ok := c2.IndexFile("widgets_by_id")
	require.True(t, ok)
	require.Equal(t, idxFile.Root, gotIdx.Root)
	require.Len(t, gotIdx.KeyDesc.Parts, 2)
	require.Equal(t, btm.KeyPartVarString, gotIdx.KeyDesc.Parts[1].Type)
	require.True(t, gotIdx.KeyDesc.Parts[1].Descending)
}

func TestLoadMissingCatalogIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	fs := storage.LocalFileSet{Dir: dir, Base: "vol"}
	c := New(filepath.Join(dir, "nonexistent.yaml"), fs)
	require.NoError(t, c.Load())
}

func TestDropIndexQueuesEveryPageForDealloc(t *testing.T) {
	dir := t.TempDir()
	fs := storage.LocalFileSet{Dir: dir, Base: "vol"}
	rdm := storage.NewRawDiskManager()
	pool := bufferpool.NewPoolSet(fs, rdm, bufferpool.Sizes{storage.BufTypeData: 4, storage.BufTypeIndex: 32})
	mgr := btm.New(pool)

	desc := btm.KeyDescriptor{Parts: []btm.KeyPart{{Type: btm.KeyPartInt}}}
	file, err := mgr.CreateIndex(fs, 0, 1, desc)
	require.NoError(t, err)
	for i := int32(0); i < 400; i++ {
		oid := storage.ObjectID{Page: storage.PageID{Page: 1}, Slot: uint16(i % 65536), Unique: uint32(i)}
		require.NoError(t, mgr.Insert(file, btm.KeyValue{IntVal: []int32{i}}, oid))
	}

	c := New(filepath.Join(dir, "catalog.yaml"), fs)
	c.PutIndexFile("ints", file)

	require.NoError(t, c.DropIndex("ints", mgr))
	require.Greater(t, c.DeallocList().Len(), 1)

	_, ok := c.IndexFile("ints")
	require.False(t, ok)

	require.NoError(t, c.DeallocList().Drain(pool))
}

func TestDestroyObjectQueuesUnlinkedPageForDealloc(t *testing.T) {
	dir := t.TempDir()
	fs := storage.LocalFileSet{Dir: dir, Base: "vol"}
	rdm := storage.NewRawDiskManager()
	pool := bufferpool.NewPoolSet(fs, rdm, bufferpool.Sizes{storage.BufTypeData: 8, storage.BufTypeIndex: 8})
	mgr := om.New(pool)
	om.SetFileSetResolver(func(*om.DataFile) (storage.FileSet, bool) { return fs, true })

	file := &om.DataFile{FileID: 1, Vol: 0, FirstPage: storage.NilPageNo, LastPage: storage.NilPageNo}
	for i := range file.AvailHead {
		file.AvailHead[i] = storage.NilPageNo
	}

	big := make([]byte, 7000)
	var oids []storage.ObjectID
	for i := 0; i < 3; i++ {
		oid, err := mgr.CreateObject(file, big, storage.ObjectID{})
		require.NoError(t, err)
		oids = append(oids, oid)
	}

	c := New(filepath.Join(dir, "catalog.yaml"), fs)
	c.PutDataFile("widgets", file)

	require.NoError(t, c.DestroyObject("widgets", mgr, oids[1]))
	require.Equal(t, 1, c.DeallocList().Len())

	require.NoError(t, c.DeallocList().Drain(pool))
}
