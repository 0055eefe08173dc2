package bitfield

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/chansync"

	"github.com/anacrolix/piecework/internal/bitmapx"
)

// Span is the half-open range of pieces [Begin, End) that hold a file's bytes. Adjacent files may
// share a piece.
type Span struct {
	Begin, End int
}

type fileProgress struct {
	Span
	left atomic.Int64
}

type Option func(*Local)

// WithFileSpans tracks per file completion for files covering the given piece spans.
func WithFileSpans(spans ...Span) Option {
	return func(l *Local) {
		l.files = make([]*fileProgress, 0, len(spans))
		for _, s := range spans {
			f := &fileProgress{Span: s}
			f.left.Store(int64(max(0, s.End-s.Begin)))
			l.files = append(l.files, f)
		}
	}
}

// Local is the set of pieces we have verified. Verification is monotonic: pieces are never
// unverified. Pieces can also be skipped, which excludes them from what remains to be done.
type Local struct {
	n int

	mu       lockWithDeferreds
	verified *roaring.Bitmap
	// Replaced whole on change, never mutated in place.
	skipped  *roaring.Bitmap
	complete atomic.Int64

	files []*fileProgress

	allVerified chansync.SetOnce
	changed     chansync.BroadcastCond
}

func NewLocal(n int, opts ...Option) *Local {
	l := &Local{
		n:        n,
		verified: roaring.New(),
		skipped:  roaring.New(),
	}
	for _, o := range opts {
		o(l)
	}
	if n == 0 {
		l.allVerified.Set()
	}
	return l
}

// MarkVerified records piece i as verified. It returns true if this was the first call to do so.
func (l *Local) MarkVerified(i int) (bool, error) {
	if err := checkIndex(i, l.n); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.verified.CheckedAdd(uint32(i)) {
		return false, nil
	}
	if l.complete.Add(1) == int64(l.n) {
		l.mu.Defer(func() { l.allVerified.Set() })
	}
	for _, f := range l.filesContaining(i) {
		f.left.Add(-1)
	}
	l.mu.DeferOnce(&l.changed, l.changed.Broadcast)
	return true, nil
}

// filesContaining returns the files with bytes in piece i. Files are in torrent order, so their
// spans are sorted by Begin. Empty files contain no pieces.
func (l *Local) filesContaining(i int) (ret []*fileProgress) {
	n := sort.Search(len(l.files), func(j int) bool {
		return l.files[j].Begin > i
	})
	for _, f := range l.files[:n] {
		if i < f.End {
			ret = append(ret, f)
		}
	}
	return
}

func (l *Local) Has(i int) bool {
	if i < 0 || i >= l.n {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.verified.ContainsInt(i)
}

func (l *Local) PiecesTotal() int {
	return l.n
}

func (l *Local) PiecesComplete() int {
	return int(l.complete.Load())
}

func (l *Local) PiecesIncomplete() int {
	return l.n - l.PiecesComplete()
}

// PiecesRemaining is the number of pieces that are neither verified nor skipped.
func (l *Local) PiecesRemaining() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	skippedNotComplete := int(l.skipped.GetCardinality() - l.skipped.AndCardinality(l.verified))
	return l.n - int(l.complete.Load()) - skippedNotComplete
}

func (l *Local) PiecesSkipped() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int(l.skipped.GetCardinality())
}

func (l *Local) PiecesNotSkipped() int {
	return l.n - l.PiecesSkipped()
}

func (l *Local) checkBitmap(bm *roaring.Bitmap) error {
	if bm.IsEmpty() {
		return nil
	}
	if last := int(bm.Maximum()); last >= l.n {
		return checkIndex(last, l.n)
	}
	return nil
}

// SetSkipped replaces the skipped set with a copy of bm.
func (l *Local) SetSkipped(bm *roaring.Bitmap) error {
	if err := l.checkBitmap(bm); err != nil {
		return err
	}
	bm = bm.Clone()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.skipped = bm
	l.mu.DeferOnce(&l.changed, l.changed.Broadcast)
	return nil
}

// Skip adds pieces to the skipped set.
func (l *Local) Skip(pieces ...int) error {
	for _, i := range pieces {
		if err := checkIndex(i, l.n); err != nil {
			return err
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.skipped.Clone()
	for _, i := range pieces {
		next.AddInt(i)
	}
	l.skipped = next
	l.mu.DeferOnce(&l.changed, l.changed.Broadcast)
	return nil
}

func (l *Local) Unskip(i int) error {
	if err := checkIndex(i, l.n); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.skipped.ContainsInt(i) {
		return nil
	}
	next := l.skipped.Clone()
	next.Remove(uint32(i))
	l.skipped = next
	l.mu.DeferOnce(&l.changed, l.changed.Broadcast)
	return nil
}

func (l *Local) IsSkipped(i int) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.skipped.ContainsInt(i)
}

// Wanted reports whether piece i is neither verified nor skipped.
func (l *Local) Wanted(i int) bool {
	if i < 0 || i >= l.n {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return !l.verified.ContainsInt(i) && !l.skipped.ContainsInt(i)
}

// Bitmap returns a copy of the verified pieces.
func (l *Local) Bitmap() *roaring.Bitmap {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.verified.Clone()
}

// Bytes encodes the verified pieces as a wire bitfield of exactly NumBytes(PiecesTotal()) bytes.
func (l *Local) Bytes(order BitOrder) []byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return encode(l.verified, l.n, order)
}

func (l *Local) Bools() []bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return bitmapx.Bools(l.n, l.verified)
}

// Complete is closed once every piece is verified. Skipped pieces still count.
func (l *Local) Complete() <-chan struct{} {
	return l.allVerified.Done()
}

func (l *Local) WaitAll(ctx context.Context) error {
	select {
	case <-l.allVerified.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitVerified blocks until piece i is verified.
func (l *Local) WaitVerified(ctx context.Context, i int) error {
	if err := checkIndex(i, l.n); err != nil {
		return err
	}
	for {
		changed := l.changed.Signaled()
		if l.Has(i) {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Changed returns a channel that's closed the next time verified or skipped pieces change.
func (l *Local) Changed() <-chan struct{} {
	return l.changed.Signaled()
}

func (l *Local) NumFiles() int {
	return len(l.files)
}

func (l *Local) FileSpan(f int) Span {
	return l.files[f].Span
}

func (l *Local) FilePiecesLeft(f int) int {
	return int(l.files[f].left.Load())
}

func (l *Local) FileComplete(f int) bool {
	return l.FilePiecesLeft(f) == 0
}
