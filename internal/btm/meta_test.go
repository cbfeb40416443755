package btm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/plcoredb/plcore/internal/bufferpool"
	"github.com/plcoredb/plcore/internal/storage"
)

func TestCreateIndexPersistsMetaAndOpenIndexReloadsIt(t *testing.T) {
	fs := storage.LocalFileSet{Dir: t.TempDir(), Base: "idx.vol"}
	rdm := storage.NewRawDiskManager()
	pool := bufferpool.NewPoolSet(fs, rdm, bufferpool.Sizes{storage.BufTypeData: 2, storage.BufTypeIndex: 8})
	mgr := New(pool)

	desc := intDesc()
	file, err := mgr.CreateIndex(fs, 0, 1, desc)
	require.NoError(t, err)
	require.NoError(t, mgr.Insert(file, intKey(1), oidFor(1)))

	const n = 200
	for i := int32(2); i < n; i++ {
		require.NoError(t, mgr.Insert(file, intKey(i), oidFor(uint16(i))))
	}
	require.NoError(t, pool.FlushAll())

	reopened, err := OpenIndex(fs, 0, 1, desc)
	require.NoError(t, err)
	require.Equal(t, file.Root, reopened.Root)
	require.Equal(t, file.FirstLeaf, reopened.FirstLeaf)
}
