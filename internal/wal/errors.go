package wal

import "errors"

var (
	// ErrInvalidArgument is returned for a programmer error such as an
	// empty key.
	ErrInvalidArgument = errors.New("wal: invalid argument")

	// ErrCorrupt is returned when a record's checksum does not match
	// its framed bytes at a position that is not a clean end-of-log.
	ErrCorrupt = errors.New("wal: corrupt record")
)
