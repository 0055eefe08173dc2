package storage

import (
	"io"

	"github.com/anacrolix/piecework/internal/errorsx"
)

const (
	// ErrOutOfBounds is returned for reads and writes that leave [0, Capacity()).
	ErrOutOfBounds = errorsx.String("access outside unit capacity")
	// ErrNotMaterialized is returned when reading a unit that has no persisted data yet.
	ErrNotMaterialized = errorsx.String("unit not materialized")
)

// Unit is one logical file of a torrent: a fixed capacity, byte addressable region. The core only
// ever reads and writes through this interface.
type Unit interface {
	io.ReaderAt
	io.WriterAt
	Name() string
	// The fixed logical length of the unit.
	Capacity() int64
	// The amount of data currently persisted. Zero means the unit hasn't been materialized and
	// can't contribute verifiable data.
	Size() int64
}

func checkBounds(u Unit, off int64, n int) error {
	if off < 0 || n < 0 || off > u.Capacity()-int64(n) {
		return errorsx.Wrapf(ErrOutOfBounds, "%s: offset %d length %d capacity %d", u.Name(), off, n, u.Capacity())
	}
	return nil
}

// Close closes every unit that supports it, returning the first failure.
func Close(units ...Unit) (err error) {
	for _, u := range units {
		if c, ok := u.(io.Closer); ok {
			err = errorsx.Compact(err, c.Close())
		}
	}
	return err
}

// Capacity sums the capacities of the units.
func Capacity(units ...Unit) (total int64) {
	for _, u := range units {
		total += u.Capacity()
	}
	return total
}
