package store

import (
	"fmt"

	"github.com/ansel1/merry"
)

var (
	// ErrNoSwapDir is returned when no cache directory accepts an entry.
	ErrNoSwapDir = merry.New("store: no cache_dir accepts the entry")
	// ErrNotFound is returned when a key is not cached anywhere.
	ErrNotFound = merry.New("store: not found")
	// ErrCannotSync is returned when a shared entry cannot be brought in
	// line with the cache that backs it.
	ErrCannotSync = merry.New("store: cannot sync")
	// ErrClosed is returned by operations on a closed controller.
	ErrClosed = merry.New("store: closed")
	// ErrNotPublic is returned when an operation needs a public entry.
	ErrNotPublic = merry.New("store: entry is private")
	// ErrBadConfig is returned for invalid Options.
	ErrBadConfig = merry.New("store: bad configuration")
)

// Dirn returns the cache directory index attached to err, or -1.
func Dirn(err error) int {
	if v, ok := merry.Value(err, "dirn").(int); ok {
		return v
	}
	return -1
}

// WithDirn wraps err with the index of the cache directory it came from.
func WithDirn(err error, dirn int) error {
	if err == nil {
		return nil
	}
	return merry.WrapSkipping(err, 1).WithValue("dirn", dirn)
}

// fatalf reports a broken invariant. The store cannot continue after one.
func fatalf(format string, args ...any) {
	panic(merry.WrapSkipping(fmt.Errorf(format, args...), 1))
}
