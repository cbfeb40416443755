package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestPage(t *testing.T) Page {
	t.Helper()
	p := NewPage(make([]byte, PageSize))
	p.Init(PageTypeSlotted, 1)
	return p
}

func TestPageInitRoundTrip(t *testing.T) {
	p := newTestPage(t)
	require.False(t, p.IsUninitialized())
	require.Equal(t, PageTypeSlotted, p.PageType())
	require.Equal(t, uint32(1), p.OwnerFile())
	require.Equal(t, NilPageNo, p.PrevPage())
	require.Equal(t, NilPageNo, p.NextPage())
	require.Equal(t, 0, p.NSlots())
	require.Equal(t, PageSize-HeaderSize, p.Free())
}

func TestPagePlaceAndReadSlot(t *testing.T) {
	p := newTestPage(t)

	idx, ok := p.AllocSlot()
	require.True(t, ok)

	payload := []byte("hello object")
	u, err := p.NextUnique()
	require.NoError(t, err)
	p.PlaceBytes(idx, payload, u)

	got, ok := p.ReadSlot(idx)
	require.True(t, ok)
	require.Equal(t, payload, got)
}

func TestPageClearAndCompactReclaimsSpace(t *testing.T) {
	p := newTestPage(t)

	var idxs []int
	for i := 0; i < 3; i++ {
		idx, ok := p.AllocSlot()
		require.True(t, ok)
		u, err := p.NextUnique()
		require.NoError(t, err)
		p.PlaceBytes(idx, []byte{byte('a' + i), byte('a' + i), byte('a' + i)}, u)
		idxs = append(idxs, idx)
	}

	freeBefore := p.Free()
	p.ClearSlot(idxs[1])
	p.Compact(-1)

	require.Greater(t, p.Free(), freeBefore)
	for _, idx := range []int{idxs[0], idxs[2]} {
		_, ok := p.ReadSlot(idx)
		require.True(t, ok)
	}
	_, ok := p.ReadSlot(idxs[1])
	require.False(t, ok)
}

func TestPageAllocSlotReusesEmptySlot(t *testing.T) {
	p := newTestPage(t)

	idx, ok := p.AllocSlot()
	require.True(t, ok)
	p.ClearSlot(idx)

	reused, ok := p.AllocSlot()
	require.True(t, ok)
	require.Equal(t, idx, reused)
	require.Equal(t, 1, p.NSlots())
}
