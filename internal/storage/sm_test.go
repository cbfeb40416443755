package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRawDiskManagerSaveLoadRoundTrip(t *testing.T) {
	fs := LocalFileSet{Dir: t.TempDir(), Base: "data.vol"}
	sm := NewRawDiskManager()

	p, err := sm.LoadPage(fs, 0, PageTypeSlotted, 7)
	require.NoError(t, err)
	require.Equal(t, uint32(7), p.OwnerFile())

	idx, ok := p.AllocSlot()
	require.True(t, ok)
	u, err := p.NextUnique()
	require.NoError(t, err)
	p.PlaceBytes(idx, []byte("round trip"), u)

	require.NoError(t, sm.SavePage(fs, 0, p))

	p2, err := sm.LoadPage(fs, 0, PageTypeSlotted, 7)
	require.NoError(t, err)
	got, ok := p2.ReadSlot(idx)
	require.True(t, ok)
	require.Equal(t, "round trip", string(got))
}

func TestRawDiskManagerAllocTrainsExtendsVolume(t *testing.T) {
	fs := LocalFileSet{Dir: t.TempDir(), Base: "idx.vol"}
	sm := NewRawDiskManager()

	first, err := sm.AllocTrains(fs, 3)
	require.NoError(t, err)
	require.Equal(t, uint32(0), first)

	count, err := sm.CountPages(fs)
	require.NoError(t, err)
	require.Equal(t, uint32(3), count)

	next, err := sm.AllocTrains(fs, 2)
	require.NoError(t, err)
	require.Equal(t, uint32(3), next)
}
