package storage

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/anacrolix/sync"
	"github.com/edsrzf/mmap-go"
	pkgerrors "github.com/pkg/errors"
)

type mmapUnit struct {
	path     string
	capacity int64

	mu      sync.RWMutex
	mm      mmap.MMap
	size    int64
	written bool
}

// NewMMapUnit maps the file at path, creating and sizing it to capacity if necessary. Size reports
// what existed on disk before mapping until the unit is first written.
func NewMMapUnit(path string, capacity int64) (Unit, error) {
	ret := &mmapUnit{path: path, capacity: capacity}
	if fi, err := os.Stat(path); err == nil {
		ret.size = min(fi.Size(), capacity)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, pkgerrors.Wrapf(err, "stat %q", path)
	}
	mm, err := mmapFile(path, capacity)
	if err != nil {
		return nil, err
	}
	ret.mm = mm
	return ret, nil
}

func mmapFile(name string, size int64) (ret mmap.MMap, err error) {
	dir := filepath.Dir(name)
	if err = os.MkdirAll(dir, 0o750); err != nil {
		return nil, pkgerrors.Wrapf(err, "making directory %q", dir)
	}
	file, err := os.OpenFile(name, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	fi, err := file.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() < size {
		// Mapping past the end of the file can SIGBUS.
		if err = file.Truncate(size); err != nil {
			return nil, err
		}
	}
	if size == 0 {
		// Can't mmap() regions with length 0.
		return nil, nil
	}
	intLen := int(size)
	if int64(intLen) != size {
		return nil, errors.New("size too large for system")
	}
	if ret, err = mmap.MapRegion(file, intLen, mmap.RDWR, 0, 0); err != nil {
		return nil, pkgerrors.Wrap(err, "error mapping region")
	}
	return ret, nil
}

func (me *mmapUnit) Name() string {
	return me.path
}

func (me *mmapUnit) Capacity() int64 {
	return me.capacity
}

func (me *mmapUnit) Size() int64 {
	me.mu.RLock()
	defer me.mu.RUnlock()
	if me.written {
		return me.capacity
	}
	return me.size
}

func (me *mmapUnit) ReadAt(p []byte, off int64) (int, error) {
	if err := checkBounds(me, off, len(p)); err != nil {
		return 0, err
	}
	me.mu.RLock()
	defer me.mu.RUnlock()
	if me.mm == nil {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, fs.ErrClosed
	}
	return copy(p, me.mm[off:]), nil
}

func (me *mmapUnit) WriteAt(p []byte, off int64) (int, error) {
	if err := checkBounds(me, off, len(p)); err != nil {
		return 0, err
	}
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.mm == nil {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, fs.ErrClosed
	}
	me.written = true
	return copy(me.mm[off:], p), nil
}

func (me *mmapUnit) Flush() error {
	me.mu.RLock()
	defer me.mu.RUnlock()
	if me.mm == nil {
		return nil
	}
	return me.mm.Flush()
}

func (me *mmapUnit) Close() (err error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.mm == nil {
		return nil
	}
	err = errors.Join(me.mm.Flush(), me.mm.Unmap())
	me.mm = nil
	return err
}
