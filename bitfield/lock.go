package bitfield

import (
	"fmt"

	"github.com/anacrolix/sync"
)

// Runs deferred actions on Unlock, after the state change they announce is complete but before
// other writers can get in. Actions must only be deferred while holding the write lock.
type lockWithDeferreds struct {
	internal      sync.RWMutex
	unlockActions []func()
	uniqueActions map[any]struct{}
}

func (me *lockWithDeferreds) Lock() {
	me.internal.Lock()
}

func (me *lockWithDeferreds) Unlock() {
	defer me.internal.Unlock()
	startLen := len(me.unlockActions)
	for i := range startLen {
		me.unlockActions[i]()
	}
	if len(me.unlockActions) != startLen {
		panic(fmt.Sprintf("num deferred changed while running: %v -> %v", startLen, len(me.unlockActions)))
	}
	me.unlockActions = me.unlockActions[:0]
	clear(me.uniqueActions)
}

func (me *lockWithDeferreds) RLock() {
	me.internal.RLock()
}

func (me *lockWithDeferreds) RUnlock() {
	me.internal.RUnlock()
}

func (me *lockWithDeferreds) Defer(action func()) {
	me.unlockActions = append(me.unlockActions, action)
}

// DeferOnce defers action unless an action with the same key is already waiting for this Unlock.
func (me *lockWithDeferreds) DeferOnce(key any, action func()) {
	if _, ok := me.uniqueActions[key]; ok {
		return
	}
	if me.uniqueActions == nil {
		me.uniqueActions = make(map[any]struct{})
	}
	me.uniqueActions[key] = struct{}{}
	me.Defer(action)
}
