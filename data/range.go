// Package data maps the contiguous byte space of a torrent onto its storage units, and tracks which
// blocks of that space have been written.
package data

import (
	"io"
	"sync/atomic"

	"github.com/anacrolix/piecework/internal/errorsx"
	"github.com/anacrolix/piecework/storage"
)

const (
	ErrEmptyRange       = errorsx.String("empty range")
	ErrEmptySubrange    = errorsx.String("empty subrange requested")
	ErrOffsetOutOfRange = errorsx.String("offset out of range")
	ErrInsufficientData = errorsx.String("insufficient data")
	ErrClosed           = errorsx.String("range closed")
)

// Range is an immutable view of length bytes starting at offset within the first of an ordered
// list of units, continuing through the following units.
type Range struct {
	units  []storage.Unit
	offset int64
	length int64
	// Position of the start of each unit relative to the start of the range. The first is zero or
	// negative.
	starts []int64
	lock   *Lock
	closed atomic.Bool
}

// NewRange creates a root range with its own Lock.
func NewRange(units []storage.Unit, offset, length int64) (*Range, error) {
	return newRange(units, offset, length, nil)
}

func newRange(units []storage.Unit, offset, length int64, lock *Lock) (*Range, error) {
	if length <= 0 {
		return nil, ErrEmptyRange
	}
	if len(units) == 0 {
		return nil, errorsx.Wrap(ErrInsufficientData, "no units")
	}
	if offset < 0 || offset > units[0].Capacity() {
		return nil, errorsx.Wrapf(ErrOffsetOutOfRange, "offset %d in unit of capacity %d", offset, units[0].Capacity())
	}
	r := &Range{
		offset: offset,
		length: length,
	}
	start := -offset
	for _, u := range units {
		if start >= length {
			break
		}
		r.units = append(r.units, u)
		r.starts = append(r.starts, start)
		start += u.Capacity()
	}
	if start < length {
		return nil, errorsx.Wrapf(ErrInsufficientData, "units hold %d bytes after offset, need %d", start, length)
	}
	if lock == nil {
		r.lock = newLock()
	} else {
		r.lock = lock.retain()
	}
	return r, nil
}

// Len is the number of bytes in the range.
func (r *Range) Len() int64 {
	return r.length
}

// Lock returns the lock shared with every range derived from the same root.
func (r *Range) Lock() *Lock {
	return r.lock
}

// Close releases this range's reference to the shared lock. It's safe to call more than once.
func (r *Range) Close() error {
	if r.closed.CompareAndSwap(false, true) {
		r.lock.release()
	}
	return nil
}

// Subrange returns length bytes starting at offset. The new range shares the units and the Lock.
func (r *Range) Subrange(offset, length int64) (*Range, error) {
	if length == 0 {
		return nil, ErrEmptySubrange
	}
	if offset < 0 || offset >= r.length {
		return nil, errorsx.Wrapf(ErrOffsetOutOfRange, "offset %d in range of length %d", offset, r.length)
	}
	if length < 0 || length > r.length-offset {
		return nil, errorsx.Wrapf(ErrInsufficientData, "requested %d bytes at offset %d, %d available", length, offset, r.length-offset)
	}
	if r.closed.Load() {
		return nil, ErrClosed
	}
	// The first unit that has data at offset. Zero length units are skipped.
	i := 0
	for ; i < len(r.units)-1; i++ {
		if r.starts[i]+r.units[i].Capacity() > offset {
			break
		}
	}
	return newRange(r.units[i:], offset-r.starts[i], length, r.lock)
}

// SubrangeFrom returns everything from offset to the end of the range.
func (r *Range) SubrangeFrom(offset int64) (*Range, error) {
	if offset < 0 || offset >= r.length {
		return nil, errorsx.Wrapf(ErrOffsetOutOfRange, "offset %d in range of length %d", offset, r.length)
	}
	return r.Subrange(offset, r.length-offset)
}

// Visitor receives a unit and the [start, end) byte span of that unit covered by the range. It
// returns false to stop the traversal.
type Visitor func(u storage.Unit, start, end int64) bool

// Visit walks the units front to back. Units contributing no bytes aren't visited.
func (r *Range) Visit(fn Visitor) {
	for i, u := range r.units {
		start := max(0, -r.starts[i])
		end := min(u.Capacity(), r.length-r.starts[i])
		if end <= start {
			continue
		}
		if !fn(u, start, end) {
			return
		}
	}
}

// Units returns the units that contribute at least one byte.
func (r *Range) Units() (ret []storage.Unit) {
	r.Visit(func(u storage.Unit, _, _ int64) bool {
		ret = append(ret, u)
		return true
	})
	return
}

// Bytes reads the whole range while holding the shared lock.
func (r *Range) Bytes() ([]byte, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	b := make([]byte, r.length)
	off := 0
	var err error
	r.Visit(func(u storage.Unit, start, end int64) bool {
		n := int(end - start)
		if _, err = u.ReadAt(b[off:off+n], start); err != nil {
			err = errorsx.Wrapf(err, "reading %s", u.Name())
			return false
		}
		off += n
		return true
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// PutBytes writes b from the start of the range while holding the exclusive lock. Writing stops
// once b is exhausted, so b may be shorter than the range.
func (r *Range) PutBytes(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.PutBytesLocked(b)
}

// PutBytesLocked is PutBytes for callers already holding the exclusive Lock.
func (r *Range) PutBytesLocked(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if int64(len(b)) > r.length {
		return errorsx.Wrapf(ErrInsufficientData, "writing %d bytes to range of length %d", len(b), r.length)
	}
	var err error
	r.Visit(func(u storage.Unit, start, end int64) bool {
		n := min(int(end-start), len(b))
		if _, err = u.WriteAt(b[:n], start); err != nil {
			err = errorsx.Wrapf(err, "writing %s", u.Name())
			return false
		}
		b = b[n:]
		return len(b) > 0
	})
	return err
}

const copyBufferSize = 64 << 10

// WriteTo streams the range to w while holding the shared lock.
func (r *Range) WriteTo(w io.Writer) (written int64, err error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	buf := make([]byte, min(r.length, copyBufferSize))
	r.Visit(func(u storage.Unit, start, end int64) bool {
		for start < end {
			b := buf[:min(int64(len(buf)), end-start)]
			if _, err = u.ReadAt(b, start); err != nil {
				err = errorsx.Wrapf(err, "reading %s", u.Name())
				return false
			}
			var n int
			n, err = w.Write(b)
			written += int64(n)
			if err != nil {
				return false
			}
			start += int64(n)
		}
		return true
	})
	return written, err
}
