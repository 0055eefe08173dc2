package storage

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/anacrolix/sync"
	pkgerrors "github.com/pkg/errors"
)

type fileUnit struct {
	path     string
	capacity int64

	mu sync.Mutex
	f  *os.File
}

// NewFileUnit returns a unit stored in the file at path. The file, and any parent directories, are
// created on the first write and sized to the capacity.
func NewFileUnit(path string, capacity int64) Unit {
	return &fileUnit{path: path, capacity: capacity}
}

func (me *fileUnit) Name() string {
	return me.path
}

func (me *fileUnit) Capacity() int64 {
	return me.capacity
}

func (me *fileUnit) Size() int64 {
	fi, err := os.Stat(me.path)
	if err != nil {
		return 0
	}
	return min(fi.Size(), me.capacity)
}

// Opens the existing file, or creates it if create is set. Returns nil without error when the file
// doesn't exist and isn't to be created.
func (me *fileUnit) open(create bool) (*os.File, error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.f != nil {
		return me.f, nil
	}
	f, err := os.OpenFile(me.path, os.O_RDWR, 0)
	if errors.Is(err, fs.ErrNotExist) {
		if !create {
			return nil, nil
		}
		if err = os.MkdirAll(filepath.Dir(me.path), 0o750); err != nil {
			return nil, pkgerrors.Wrapf(err, "making directory for %q", me.path)
		}
		f, err = os.OpenFile(me.path, os.O_RDWR|os.O_CREATE, 0o640)
	}
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "opening %q", me.path)
	}
	if create {
		fi, err := f.Stat()
		if err == nil && fi.Size() < me.capacity {
			err = f.Truncate(me.capacity)
		}
		if err != nil {
			f.Close()
			return nil, pkgerrors.Wrapf(err, "sizing %q", me.path)
		}
	}
	me.f = f
	return f, nil
}

// Short files read as zeroes past their end, so they fail hashing rather than erroring.
func (me *fileUnit) ReadAt(p []byte, off int64) (n int, err error) {
	if err = checkBounds(me, off, len(p)); err != nil {
		return 0, err
	}
	f, err := me.open(false)
	if err != nil {
		return 0, err
	}
	if f == nil {
		return 0, ErrNotMaterialized
	}
	n, err = f.ReadAt(p, off)
	if errors.Is(err, io.EOF) {
		clear(p[n:])
		return len(p), nil
	}
	return n, err
}

func (me *fileUnit) WriteAt(p []byte, off int64) (int, error) {
	if err := checkBounds(me, off, len(p)); err != nil {
		return 0, err
	}
	f, err := me.open(true)
	if err != nil {
		return 0, err
	}
	return f.WriteAt(p, off)
}

func (me *fileUnit) Close() error {
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.f == nil {
		return nil
	}
	err := me.f.Close()
	me.f = nil
	return err
}
