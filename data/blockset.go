package data

import (
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/anacrolix/sync"

	"github.com/anacrolix/piecework/internal/bitmapx"
	"github.com/anacrolix/piecework/internal/errorsx"
)

// BlockSet tracks which fixed size blocks of a span of length bytes have been written. The last
// block may be short.
type BlockSet struct {
	length    int64
	blockSize int64
	count     int

	mu      sync.RWMutex
	present *roaring.Bitmap
	// Cached cardinality of present.
	n atomic.Int64
}

func NewBlockSet(length, blockSize int64) *BlockSet {
	panicif.True(length <= 0)
	panicif.True(blockSize <= 0)
	return &BlockSet{
		length:    length,
		blockSize: blockSize,
		count:     int((length + blockSize - 1) / blockSize),
		present:   roaring.New(),
	}
}

// Count is the number of blocks.
func (me *BlockSet) Count() int {
	return me.count
}

func (me *BlockSet) BlockSize() int64 {
	return me.blockSize
}

func (me *BlockSet) Len() int64 {
	return me.length
}

// Block returns the offset and length of block i.
func (me *BlockSet) Block(i int) (offset, length int64) {
	panicif.True(i < 0 || i >= me.count)
	offset = int64(i) * me.blockSize
	return offset, min(me.blockSize, me.length-offset)
}

// Covered returns the blocks in [first, last) that are entirely within the written span. A block is
// only covered if the span includes its start, and its end, or the end of the set for the short
// final block.
func (me *BlockSet) Covered(offset, length int64) (first, last int) {
	end := offset + length
	first = int((offset + me.blockSize - 1) / me.blockSize)
	if end == me.length {
		last = me.count
	} else {
		last = int(end / me.blockSize)
	}
	return first, max(first, last)
}

// Mark records a write of length bytes at offset, returning the blocks that weren't already
// present.
func (me *BlockSet) Mark(offset, length int64) (marked []int, err error) {
	if offset < 0 || length < 0 || offset+length > me.length {
		return nil, errorsx.Wrapf(ErrOffsetOutOfRange, "write of %d bytes at %d to span of length %d", length, offset, me.length)
	}
	first, last := me.Covered(offset, length)
	if first == last {
		return nil, nil
	}
	me.mu.Lock()
	defer me.mu.Unlock()
	for i := first; i < last; i++ {
		if me.present.CheckedAdd(uint32(i)) {
			marked = append(marked, i)
		}
	}
	me.n.Add(int64(len(marked)))
	return marked, nil
}

func (me *BlockSet) Has(i int) bool {
	me.mu.RLock()
	defer me.mu.RUnlock()
	return me.present.ContainsInt(i)
}

func (me *BlockSet) Present() int {
	return int(me.n.Load())
}

func (me *BlockSet) IsComplete() bool {
	return me.Present() == me.count
}

func (me *BlockSet) IsEmpty() bool {
	return me.Present() == 0
}

// Missing returns the indexes of the blocks not yet present, in ascending order.
func (me *BlockSet) Missing() []int {
	me.mu.RLock()
	defer me.mu.RUnlock()
	missing := bitmapx.Fill(me.count)
	missing.AndNot(me.present)
	return bitmapx.Ints(missing)
}

func (me *BlockSet) Clear() {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.present.Clear()
	me.n.Store(0)
}

func (me *BlockSet) Fill() {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.present.AddRange(0, uint64(me.count))
	me.n.Store(int64(me.count))
}
