// Package bitmapx holds small helpers shared by the roaring backed piece and block sets.
package bitmapx

import (
	"github.com/RoaringBitmap/roaring"
)

// Bools convert to an array of bools
func Bools(n int, m *roaring.Bitmap) (bf []bool) {
	bf = make([]bool, n)

	for i := m.Iterator(); i.HasNext() && int(i.PeekNext()) < len(bf); {
		bf[i.Next()] = true
	}

	return bf
}

// FromBools is the inverse of Bools.
func FromBools(bf []bool) *roaring.Bitmap {
	m := roaring.New()
	for i, b := range bf {
		if b {
			m.AddInt(i)
		}
	}
	return m
}

// Lazy ...
func Lazy(m *roaring.Bitmap) *roaring.Bitmap {
	if m != nil {
		return m
	}

	return roaring.New()
}

// Range returns a bitmap with [start, end) set.
func Range(start, end uint64) *roaring.Bitmap {
	m := roaring.New()
	m.AddRange(start, end)
	return m
}

// Fill returns a bitmap with the first n bits set.
func Fill(n int) *roaring.Bitmap {
	return Range(0, uint64(n))
}

// Ints returns the members of the bitmap in ascending order.
func Ints(m *roaring.Bitmap) (ret []int) {
	ret = make([]int, 0, Lazy(m).GetCardinality())
	for i := Lazy(m).Iterator(); i.HasNext(); {
		ret = append(ret, int(i.Next()))
	}
	return ret
}
