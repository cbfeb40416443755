package om

import "errors"

var (
	// ErrBadCatalogObject is returned when a DataFile has no FileSet bound
	// to it, or when its chosen page has no room or free slot for a new
	// object even after compaction.
	ErrBadCatalogObject = errors.New("om: bad catalog object")

	// ErrBadObjectID is returned when an ObjectID's slot is out of range or
	// its Unique discriminator no longer matches the resident object
	// (stale OID).
	ErrBadObjectID = errors.New("om: bad object id")

	// ErrBadLength is returned for a negative length, or a start+length
	// that runs past the end of the object.
	ErrBadLength = errors.New("om: bad length")

	// ErrBadStart is returned when start is negative or beyond the
	// object's length.
	ErrBadStart = errors.New("om: bad start")

	// ErrBadUserBuf is returned when a caller-supplied buffer cannot hold
	// the requested read.
	ErrBadUserBuf = errors.New("om: bad user buffer")

	// ErrNotSupported marks a request this engine deliberately does not
	// implement: objects spanning more than one page (large objects).
	ErrNotSupported = errors.New("om: not supported")

	// ErrEndOfScan is not a failure: it signals that NextObject/PrevObject
	// reached the end of the file's page list. Callers should treat it as
	// a normal loop terminator, not an error to report.
	ErrEndOfScan = errors.New("om: end of scan")
)
