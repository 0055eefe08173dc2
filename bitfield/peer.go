package bitfield

import (
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/sync"

	"github.com/anacrolix/piecework/internal/bitmapx"
	"github.com/anacrolix/piecework/internal/errorsx"
)

// Peer is the set of pieces a remote peer has announced. Bits are only ever set.
type Peer struct {
	n    int
	mu   sync.RWMutex
	bits *roaring.Bitmap
	left atomic.Int64
}

func NewPeer(n int) *Peer {
	return newPeer(n, roaring.New())
}

func newPeer(n int, bits *roaring.Bitmap) *Peer {
	p := &Peer{n: n, bits: bits}
	p.left.Store(int64(n) - int64(bits.GetCardinality()))
	return p
}

// DecodePeer decodes a wire bitfield for n pieces. b must be exactly NumBytes(n) long.
func DecodePeer(b []byte, n int, order BitOrder) (*Peer, error) {
	bits, err := decode(b, n, order)
	if err != nil {
		return nil, err
	}
	return newPeer(n, bits), nil
}

// FromBools creates a peer bitfield for n pieces from a decoded bitfield message. Message
// bitfields are padded out to whole bytes, and the padding is ignored.
func FromBools(n int, bs []bool) (*Peer, error) {
	if len(bs) < n || len(bs) > NumBytes(n)*8 {
		return nil, errorsx.Wrapf(ErrSize, "%d bits for %d pieces", len(bs), n)
	}
	return newPeer(n, bitmapx.FromBools(bs[:n])), nil
}

// Set marks piece i as held by the peer. It returns true if the peer didn't already have it.
func (p *Peer) Set(i int) (bool, error) {
	if err := checkIndex(i, p.n); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.bits.CheckedAdd(uint32(i)) {
		return false, nil
	}
	p.left.Add(-1)
	return true, nil
}

func (p *Peer) Has(i int) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.bits.ContainsInt(i)
}

func (p *Peer) PiecesTotal() int {
	return p.n
}

// PiecesLeft is the number of pieces the peer doesn't have.
func (p *Peer) PiecesLeft() int {
	return int(p.left.Load())
}

func (p *Peer) PiecesComplete() int {
	return p.n - p.PiecesLeft()
}

func (p *Peer) IsSeed() bool {
	return p.PiecesLeft() == 0
}

func (p *Peer) Bytes(order BitOrder) []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return encode(p.bits, p.n, order)
}

// Iterate calls fn for each piece the peer has in ascending order, until fn returns false.
func (p *Peer) Iterate(fn func(i int) bool) {
	p.mu.RLock()
	bits := p.bits.Clone()
	p.mu.RUnlock()
	it := bits.Iterator()
	for it.HasNext() {
		if !fn(int(it.Next())) {
			return
		}
	}
}
