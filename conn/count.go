package conn

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync/atomic"
)

type Count struct {
	n int64
}

var _ fmt.Stringer = (*Count)(nil)

func (me *Count) Add(n int64) {
	atomic.AddInt64(&me.n, n)
}

func (me *Count) Int64() int64 {
	return atomic.LoadInt64(&me.n)
}

func (me *Count) String() string {
	return fmt.Sprintf("%v", me.Int64())
}

func (me *Count) MarshalJSON() ([]byte, error) {
	return json.Marshal(me.Int64())
}

// Counters is the traffic of a single connection. Every field must be a Count.
type Counters struct {
	BytesDownloaded Count
	BytesUploaded   Count
	BlocksReceived  Count
	BlocksDiscarded Count
	BlocksUploaded  Count
	RequestsSent    Count
	// Pieces this connection completed that failed verification.
	PiecesFailed Count
}

// Add accumulates other into me.
func (me *Counters) Add(other *Counters) {
	addCountFields(me, other)
}

func addCountFields[T any](dst, src *T) {
	srcValue := reflect.ValueOf(src).Elem()
	dstValue := reflect.ValueOf(dst).Elem()
	for i := range reflect.TypeFor[T]().NumField() {
		n := srcValue.Field(i).Addr().Interface().(*Count).Int64()
		dstValue.Field(i).Addr().Interface().(*Count).Add(n)
	}
}

func copyCountFields[T any](src *T) (dst T) {
	addCountFields(&dst, src)
	return
}

// Snapshot returns a copy of the counters that won't change.
func (me *Counters) Snapshot() Counters {
	return copyCountFields(me)
}
