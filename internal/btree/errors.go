package btree

import "errors"

var (
	// ErrIndexNotFound means the on-disk index file is simply absent: a
	// legitimate fresh start, not corruption.
	ErrIndexNotFound = errors.New("btree: index file not found")
	// ErrCorruptIndex means the on-disk index file exists but failed its
	// magic/version/crc check and must not be silently treated as empty.
	ErrCorruptIndex = errors.New("btree: index file is corrupt")
	// ErrKeyNotFound is returned by Delete when the key has no entries.
	ErrKeyNotFound = errors.New("btree: key not found")
)
