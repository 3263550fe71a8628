package od

import "errors"

// Dictionary access errors. These are the Go-level error taxonomy for
// object access; an SDO server converts them to wire abort codes (see
// odAbort in pkg/sdo) instead of exposing them directly.
var (
	ErrNotFound     = errors.New("od: object does not exist")
	ErrReadOnly     = errors.New("od: attempt to write a read-only object")
	ErrWriteOnly    = errors.New("od: attempt to read a write-only object")
	ErrDataShort    = errors.New("od: data type length too short")
	ErrDataLong     = errors.New("od: data type length too long")
	ErrRange        = errors.New("od: value out of range")
	ErrNoMap        = errors.New("od: object cannot be mapped to a PDO")
	ErrAccess       = errors.New("od: general parameter access failure")
	ErrTypeConfig   = errors.New("od: object type hook rejected the operation")
	ErrDuplicate    = errors.New("od: object already exists")
	ErrFrozen       = errors.New("od: dictionary is frozen, dynamic build phase over")
	ErrTypeMismatch = errors.New("od: value does not match the entry's CANopen datatype")
)
