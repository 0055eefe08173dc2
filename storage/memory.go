package storage

import (
	"github.com/anacrolix/sync"
)

type memoryUnit struct {
	name     string
	capacity int64

	mu sync.RWMutex
	b  []byte
}

// NewMemoryUnit returns a unit backed by a byte slice that is allocated on the first write.
func NewMemoryUnit(name string, capacity int64) Unit {
	return &memoryUnit{name: name, capacity: capacity}
}

func (me *memoryUnit) Name() string {
	return me.name
}

func (me *memoryUnit) Capacity() int64 {
	return me.capacity
}

func (me *memoryUnit) Size() int64 {
	me.mu.RLock()
	defer me.mu.RUnlock()
	return int64(len(me.b))
}

func (me *memoryUnit) ReadAt(p []byte, off int64) (int, error) {
	if err := checkBounds(me, off, len(p)); err != nil {
		return 0, err
	}
	me.mu.RLock()
	defer me.mu.RUnlock()
	if me.b == nil {
		return 0, ErrNotMaterialized
	}
	return copy(p, me.b[off:]), nil
}

func (me *memoryUnit) WriteAt(p []byte, off int64) (int, error) {
	if err := checkBounds(me, off, len(p)); err != nil {
		return 0, err
	}
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.b == nil {
		me.b = make([]byte, me.capacity)
	}
	return copy(me.b[off:], p), nil
}
