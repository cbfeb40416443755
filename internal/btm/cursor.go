package btm

import "github.com/plcoredb/plcore/internal/storage"

// CompOp is the spec's six comparison operators, encoded as a bitmask so
// that e.g. SM_LE = SM_LT | SM_EQ. SM_EOF and SM_BOF are separate bits used
// on their own to mean "start the scan at the end/beginning"; valid()
// rejects any combination of them with another operator.
type CompOp uint8

const (
	SM_EQ  CompOp = 0b000001
	SM_LT  CompOp = 0b000010
	SM_LE  CompOp = 0b000011
	SM_GT  CompOp = 0b000100
	SM_GE  CompOp = 0b000101
	SM_EOF CompOp = 0b010000
	SM_BOF CompOp = 0b100000
)

func (op CompOp) valid() bool {
	switch op {
	case SM_EQ, SM_LT, SM_LE, SM_GT, SM_GE, SM_EOF, SM_BOF:
		return true
	default:
		return false
	}
}

// forward reports whether a scan starting from this op's initial position
// should advance with FetchNext in ascending slot order.
func (op CompOp) forward() bool {
	return op == SM_EQ || op == SM_GT || op == SM_GE || op == SM_BOF
}

// CursorFlag is the lifecycle state of a Cursor.
type CursorFlag uint8

const (
	CursorInvalid CursorFlag = iota
	CursorOn
	CursorOff
	CursorEOS
)

// Cursor names a position in an ongoing index scan: a key/OID pair located
// at a specific leaf slot, plus enough state for FetchNext to resume the
// scan without re-descending from the root.
type Cursor struct {
	Flag    CursorFlag
	Key     KeyValue
	OID     storage.ObjectID
	LeafPID storage.PageID
	SlotNo  int
	Forward bool
}
