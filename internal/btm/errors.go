package btm

import "errors"

var (
	ErrBadBtreePage       = errors.New("btm: bad btree page")
	ErrBadPageType        = errors.New("btm: bad page type")
	ErrBadPage            = errors.New("btm: bad page")
	ErrBadKey             = errors.New("btm: bad key")
	ErrBadCompOp          = errors.New("btm: bad comparison operator")
	ErrDuplicatedObjectID = errors.New("btm: duplicated object id")
	ErrDuplicatedKey      = errors.New("btm: duplicated key")
	ErrNotFound           = errors.New("btm: not found")

	// ErrEndOfScan is not a failure: FetchNext returns it once a cursor
	// runs past the last (or first, scanning backward) qualifying entry.
	ErrEndOfScan = errors.New("btm: end of scan")
)
