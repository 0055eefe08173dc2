// Package bitfield tracks which pieces of a torrent are held, locally or by a peer.
package bitfield

import (
	"fmt"

	"github.com/RoaringBitmap/roaring"

	"github.com/anacrolix/piecework/internal/errorsx"
)

const (
	ErrIndexRange = errorsx.String("piece index out of range")
	ErrSize       = errorsx.String("bitfield size mismatch")
)

// BitOrder is the order of bits within each byte of a wire bitfield.
type BitOrder int

const (
	// Most significant bit first. This is what the peer protocol uses.
	BigEndian BitOrder = iota
	LittleEndian
)

func (o BitOrder) String() string {
	switch o {
	case BigEndian:
		return "BigEndian"
	case LittleEndian:
		return "LittleEndian"
	default:
		return fmt.Sprintf("BitOrder(%d)", int(o))
	}
}

// NumBytes is the length of a wire bitfield for n pieces.
func NumBytes(n int) int {
	return (n + 7) / 8
}

func mask(i int, order BitOrder) byte {
	if order == LittleEndian {
		return 1 << (i % 8)
	}
	return 0x80 >> (i % 8)
}

func encode(bm *roaring.Bitmap, n int, order BitOrder) []byte {
	b := make([]byte, NumBytes(n))
	it := bm.Iterator()
	for it.HasNext() {
		i := int(it.Next())
		if i >= n {
			break
		}
		b[i/8] |= mask(i, order)
	}
	return b
}

func decode(b []byte, n int, order BitOrder) (*roaring.Bitmap, error) {
	if len(b) != NumBytes(n) {
		return nil, errorsx.Wrapf(ErrSize, "%d bytes for %d pieces", len(b), n)
	}
	bm := roaring.New()
	// Bits past n in the last byte are ignored.
	for i := range n {
		if b[i/8]&mask(i, order) != 0 {
			bm.AddInt(i)
		}
	}
	return bm, nil
}

func checkIndex(i, n int) error {
	if i < 0 || i >= n {
		return errorsx.Wrapf(ErrIndexRange, "piece %d of %d", i, n)
	}
	return nil
}
