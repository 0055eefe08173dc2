package data

import (
	"sync/atomic"

	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/anacrolix/sync"
)

// Lock is the read/write lock shared by a root Range and every range derived from it. The root
// creates it, derived ranges retain a reference and release it on Close.
type Lock struct {
	mu   sync.RWMutex
	refs atomic.Int64
}

func newLock() *Lock {
	l := &Lock{}
	l.refs.Store(1)
	return l
}

func (l *Lock) retain() *Lock {
	panicif.True(l.refs.Add(1) <= 1)
	return l
}

func (l *Lock) release() {
	panicif.True(l.refs.Add(-1) < 0)
}

// Refs is the number of open ranges sharing the lock.
func (l *Lock) Refs() int64 {
	return l.refs.Load()
}

func (l *Lock) Lock()    { l.mu.Lock() }
func (l *Lock) Unlock()  { l.mu.Unlock() }
func (l *Lock) RLock()   { l.mu.RLock() }
func (l *Lock) RUnlock() { l.mu.RUnlock() }
