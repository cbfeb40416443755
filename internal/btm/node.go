package btm

import (
	"encoding/binary"
	"fmt"

	"github.com/plcoredb/plcore/internal/storage"
)

const oidTrailerSize = 2 + 4 + 2 + 4 // Vol, Page, Slot, Unique
const childTrailerSize = 4           // child page number

// encodeLeafEntry packs a (key, oid) pair as stored in a leaf slot.
func encodeLeafEntry(desc KeyDescriptor, key KeyValue, oid storage.ObjectID) []byte {
	kb := desc.Encode(key)
	out := make([]byte, len(kb)+oidTrailerSize)
	copy(out, kb)
	o := len(kb)
	binary.BigEndian.PutUint16(out[o:], oid.Page.Vol)
	binary.BigEndian.PutUint32(out[o+2:], oid.Page.Page)
	binary.BigEndian.PutUint16(out[o+6:], oid.Slot)
	binary.BigEndian.PutUint32(out[o+8:], oid.Unique)
	return out
}

func decodeLeafEntry(desc KeyDescriptor, raw []byte) (KeyValue, storage.ObjectID, error) {
	key, n, err := desc.Decode(raw)
	if err != nil {
		return KeyValue{}, storage.ObjectID{}, err
	}
	if n+oidTrailerSize != len(raw) {
		return KeyValue{}, storage.ObjectID{}, fmt.Errorf("%w: leaf entry trailer size mismatch", ErrBadPage)
	}
	var oid storage.ObjectID
	oid.Page.Vol = binary.BigEndian.Uint16(raw[n:])
	oid.Page.Page = binary.BigEndian.Uint32(raw[n+2:])
	oid.Slot = binary.BigEndian.Uint16(raw[n+6:])
	oid.Unique = binary.BigEndian.Uint32(raw[n+8:])
	return key, oid, nil
}

// encodeInternalEntry packs a (separator key, right-child page) pair.
func encodeInternalEntry(desc KeyDescriptor, key KeyValue, child uint32) []byte {
	kb := desc.Encode(key)
	out := make([]byte, len(kb)+childTrailerSize)
	copy(out, kb)
	binary.BigEndian.PutUint32(out[len(kb):], child)
	return out
}

func decodeInternalEntry(desc KeyDescriptor, raw []byte) (KeyValue, uint32, error) {
	key, n, err := desc.Decode(raw)
	if err != nil {
		return KeyValue{}, 0, err
	}
	if n+childTrailerSize != len(raw) {
		return KeyValue{}, 0, fmt.Errorf("%w: internal entry trailer size mismatch", ErrBadPage)
	}
	child := binary.BigEndian.Uint32(raw[n:])
	return key, child, nil
}

// leafFind returns the index of the first entry whose key is >= key
// (lower_bound), via linear scan — node fan-out is small enough on an
// 8 KiB page that a binary search buys little, and a linear scan keeps the
// comparison logic (which must call desc.Compare, not a byte compare) in
// one obvious place.
func leafFind(desc KeyDescriptor, page storage.Page, key KeyValue) (idx int, exact bool, err error) {
	n := page.NSlots()
	for i := 0; i < n; i++ {
		raw, ok := page.ReadSlot(i)
		if !ok {
			continue
		}
		k, _, derr := decodeLeafEntry(desc, raw)
		if derr != nil {
			return 0, false, derr
		}
		switch desc.Compare(k, key) {
		case Equal:
			return i, true, nil
		case Greater:
			return i, false, nil
		}
	}
	return n, false, nil
}

// internalFind returns the child page number to descend into for key: the
// slot whose key is the first strictly greater than key, minus one, or p0
// if key is less than every separator.
func internalFind(desc KeyDescriptor, page storage.Page, key KeyValue) (uint32, error) {
	n := page.NSlots()
	child := page.P0()
	for i := 0; i < n; i++ {
		raw, ok := page.ReadSlot(i)
		if !ok {
			continue
		}
		k, c, err := decodeInternalEntry(desc, raw)
		if err != nil {
			return 0, err
		}
		if desc.Compare(key, k) == Less {
			return child, nil
		}
		child = c
	}
	return child, nil
}
