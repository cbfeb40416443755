package btm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/plcoredb/plcore/internal/bufferpool"
	"github.com/plcoredb/plcore/internal/storage"
)

func newTestTree(t *testing.T, desc KeyDescriptor) (*Manager, *BTreeFile) {
	t.Helper()
	fs := storage.LocalFileSet{Dir: t.TempDir(), Base: "index.vol"}
	rdm := storage.NewRawDiskManager()
	pool := bufferpool.NewPoolSet(fs, rdm, bufferpool.Sizes{storage.BufTypeData: 4, storage.BufTypeIndex: 32})

	mgr := New(pool)
	file, err := mgr.CreateIndex(fs, 0, 1, desc)
	require.NoError(t, err)
	return mgr, file
}

func intDesc() KeyDescriptor {
	return KeyDescriptor{Parts: []KeyPart{{Type: KeyPartInt}}}
}

func intKey(v int32) KeyValue { return KeyValue{IntVal: []int32{v}} }

func oidFor(slot uint16) storage.ObjectID {
	return storage.ObjectID{Page: storage.PageID{Vol: 0, Page: 100}, Slot: slot, Unique: uint32(slot)}
}

func TestCreateIndexInsertFetchRoundTrip(t *testing.T) {
	m, file := newTestTree(t, intDesc())

	require.NoError(t, m.Insert(file, intKey(5), oidFor(5)))
	require.NoError(t, m.Insert(file, intKey(2), oidFor(2)))
	require.NoError(t, m.Insert(file, intKey(9), oidFor(9)))

	cur, err := m.Fetch(file, SM_EQ, intKey(5))
	require.NoError(t, err)
	require.Equal(t, oidFor(5), cur.OID)
}

func TestFetchNotFoundForMissingKey(t *testing.T) {
	m, file := newTestTree(t, intDesc())
	require.NoError(t, m.Insert(file, intKey(1), oidFor(1)))

	_, err := m.Fetch(file, SM_EQ, intKey(42))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDuplicateObjectIDRejected(t *testing.T) {
	m, file := newTestTree(t, intDesc())
	require.NoError(t, m.Insert(file, intKey(1), oidFor(1)))

	err := m.Insert(file, intKey(1), oidFor(1))
	require.ErrorIs(t, err, ErrDuplicatedObjectID)
}

func TestDuplicateKeyDistinctObjectIDsAllowed(t *testing.T) {
	m, file := newTestTree(t, intDesc())
	require.NoError(t, m.Insert(file, intKey(7), oidFor(1)))
	require.NoError(t, m.Insert(file, intKey(7), oidFor(2)))

	cur, err := m.Fetch(file, SM_EQ, intKey(7))
	require.NoError(t, err)
	require.Equal(t, intKey(7), cur.Key)
}

func TestForwardScanVisitsAllKeysInOrder(t *testing.T) {
	m, file := newTestTree(t, intDesc())
	values := []int32{50, 10, 40, 20, 30}
	for i, v := range values {
		require.NoError(t, m.Insert(file, intKey(v), oidFor(uint16(i))))
	}

	cur, err := m.Fetch(file, SM_BOF, KeyValue{})
	require.NoError(t, err)

	var seen []int32
	for {
		seen = append(seen, cur.Key.IntVal[0])
		cur, err = m.FetchNext(file, cur)
		if errors.Is(err, ErrEndOfScan) {
			break
		}
		require.NoError(t, err)
	}
	require.Equal(t, []int32{10, 20, 30, 40, 50}, seen)
}

func TestBackwardScanFromEOF(t *testing.T) {
	m, file := newTestTree(t, intDesc())
	values := []int32{3, 1, 2}
	for i, v := range values {
		require.NoError(t, m.Insert(file, intKey(v), oidFor(uint16(i))))
	}

	cur, err := m.Fetch(file, SM_EOF, KeyValue{})
	require.NoError(t, err)

	var seen []int32
	for {
		seen = append(seen, cur.Key.IntVal[0])
		cur, err = m.FetchNext(file, cur)
		if errors.Is(err, ErrEndOfScan) {
			break
		}
		require.NoError(t, err)
	}
	require.Equal(t, []int32{3, 2, 1}, seen)
}

func TestInsertTriggersLeafAndRootSplit(t *testing.T) {
	m, file := newTestTree(t, intDesc())

	const n = 400
	for i := int32(0); i < n; i++ {
		require.NoError(t, m.Insert(file, intKey(i), oidFor(uint16(i%65536))))
	}

	cur, err := m.Fetch(file, SM_BOF, KeyValue{})
	require.NoError(t, err)
	count := 0
	var prev int32 = -1
	for {
		require.Greater(t, cur.Key.IntVal[0], prev)
		prev = cur.Key.IntVal[0]
		count++
		cur, err = m.FetchNext(file, cur)
		if errors.Is(err, ErrEndOfScan) {
			break
		}
		require.NoError(t, err)
	}
	require.Equal(t, n, count)
}

func TestRangeOperators(t *testing.T) {
	m, file := newTestTree(t, intDesc())
	for i := int32(0); i < 10; i++ {
		require.NoError(t, m.Insert(file, intKey(i*10), oidFor(uint16(i))))
	}

	cur, err := m.Fetch(file, SM_GE, intKey(35))
	require.NoError(t, err)
	require.Equal(t, int32(40), cur.Key.IntVal[0])

	cur, err = m.Fetch(file, SM_GT, intKey(40))
	require.NoError(t, err)
	require.Equal(t, int32(50), cur.Key.IntVal[0])

	cur, err = m.Fetch(file, SM_LT, intKey(40))
	require.NoError(t, err)
	require.Equal(t, int32(30), cur.Key.IntVal[0])

	cur, err = m.Fetch(file, SM_LE, intKey(40))
	require.NoError(t, err)
	require.Equal(t, int32(40), cur.Key.IntVal[0])
}

func TestDeleteRemovesEntry(t *testing.T) {
	m, file := newTestTree(t, intDesc())
	require.NoError(t, m.Insert(file, intKey(1), oidFor(1)))
	require.NoError(t, m.Insert(file, intKey(2), oidFor(2)))

	require.NoError(t, m.Delete(file, intKey(1), oidFor(1), nil))

	_, err := m.Fetch(file, SM_EQ, intKey(1))
	require.ErrorIs(t, err, ErrNotFound)

	cur, err := m.Fetch(file, SM_EQ, intKey(2))
	require.NoError(t, err)
	require.Equal(t, oidFor(2), cur.OID)
}

func TestDeleteMissingEntryReturnsNotFound(t *testing.T) {
	m, file := newTestTree(t, intDesc())
	require.NoError(t, m.Insert(file, intKey(1), oidFor(1)))

	err := m.Delete(file, intKey(1), oidFor(99), nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteHandlesUnderflowAndKeepsRootPageIDStable(t *testing.T) {
	m, file := newTestTree(t, intDesc())
	rootPID := file.Root

	const n = 400
	for i := int32(0); i < n; i++ {
		require.NoError(t, m.Insert(file, intKey(i), oidFor(uint16(i))))
	}
	require.Equal(t, rootPID, file.Root, "root must keep its PageID across splits")

	var freed []storage.PageID
	onFreed := func(pid storage.PageID) { freed = append(freed, pid) }

	for i := int32(0); i < n-2; i++ {
		require.NoError(t, m.Delete(file, intKey(i), oidFor(uint16(i)), onFreed))
	}
	require.Equal(t, rootPID, file.Root, "root must keep its PageID across merges/collapses")
	require.NotEmpty(t, freed, "deleting most of the tree should free at least one merged-away page")

	for i := int32(0); i < n-2; i++ {
		_, err := m.Fetch(file, SM_EQ, intKey(i))
		require.ErrorIs(t, err, ErrNotFound)
	}
	for i := n - 2; i < n; i++ {
		cur, err := m.Fetch(file, SM_EQ, intKey(i))
		require.NoError(t, err)
		require.Equal(t, oidFor(uint16(i)), cur.OID)
	}
}

func TestCompositeKeyStringPart(t *testing.T) {
	desc := KeyDescriptor{Parts: []KeyPart{
		{Type: KeyPartInt},
		{Type: KeyPartVarString},
	}}
	m, file := newTestTree(t, desc)

	k1 := KeyValue{IntVal: []int32{1}, StrVal: []string{"banana"}}
	k2 := KeyValue{IntVal: []int32{1}, StrVal: []string{"apple"}}
	require.NoError(t, m.Insert(file, k1, oidFor(1)))
	require.NoError(t, m.Insert(file, k2, oidFor(2)))

	cur, err := m.Fetch(file, SM_BOF, KeyValue{})
	require.NoError(t, err)
	require.Equal(t, "apple", cur.Key.StrVal[0])
}
