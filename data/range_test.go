package data

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/bradfitz/iter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anacrolix/piecework/storage"
)

type visit struct {
	name       string
	start, end int64
}

func collect(r *Range) (ret []visit) {
	r.Visit(func(u storage.Unit, start, end int64) bool {
		ret = append(ret, visit{u.Name(), start, end})
		return true
	})
	return
}

// Units a(3) b(0) c(5) d(4), 12 bytes in total.
func testUnits() []storage.Unit {
	return []storage.Unit{
		storage.NewMemoryUnit("a", 3),
		storage.NewMemoryUnit("b", 0),
		storage.NewMemoryUnit("c", 5),
		storage.NewMemoryUnit("d", 4),
	}
}

func TestRangeVisitSpansUnits(t *testing.T) {
	r, err := NewRange(testUnits(), 1, 9)
	require.NoError(t, err)
	assert.EqualValues(t, 9, r.Len())
	assert.Equal(t, []visit{{"a", 1, 3}, {"c", 0, 5}, {"d", 0, 2}}, collect(r))
	assert.Len(t, r.Units(), 3)
}

func TestRangeValidation(t *testing.T) {
	units := testUnits()
	_, err := NewRange(units, 4, 1)
	assert.True(t, errors.Is(err, ErrOffsetOutOfRange))
	_, err = NewRange(units, 0, 13)
	assert.True(t, errors.Is(err, ErrInsufficientData))
	_, err = NewRange(units, 0, 0)
	assert.True(t, errors.Is(err, ErrEmptyRange))
	_, err = NewRange(nil, 0, 1)
	assert.Error(t, err)
}

func TestSubrange(t *testing.T) {
	r, err := NewRange(testUnits(), 0, 12)
	require.NoError(t, err)

	s, err := r.Subrange(3, 6)
	require.NoError(t, err)
	assert.Equal(t, []visit{{"c", 0, 5}, {"d", 0, 1}}, collect(s))
	assert.Same(t, r.Lock(), s.Lock())

	ss, err := s.Subrange(4, 2)
	require.NoError(t, err)
	assert.Equal(t, []visit{{"c", 4, 5}, {"d", 0, 1}}, collect(ss))
	assert.Same(t, r.Lock(), ss.Lock())
	assert.EqualValues(t, 3, r.Lock().Refs())

	tail, err := r.SubrangeFrom(10)
	require.NoError(t, err)
	assert.Equal(t, []visit{{"d", 2, 4}}, collect(tail))

	require.NoError(t, ss.Close())
	require.NoError(t, ss.Close())
	assert.EqualValues(t, 3, r.Lock().Refs())
}

func TestSubrangeErrors(t *testing.T) {
	r, err := NewRange(testUnits(), 0, 12)
	require.NoError(t, err)

	_, err = r.Subrange(0, 0)
	assert.True(t, errors.Is(err, ErrEmptySubrange), "%v", err)
	_, err = r.Subrange(12, 1)
	assert.True(t, errors.Is(err, ErrOffsetOutOfRange), "%v", err)
	_, err = r.Subrange(-1, 1)
	assert.True(t, errors.Is(err, ErrOffsetOutOfRange), "%v", err)
	_, err = r.Subrange(10, 3)
	assert.True(t, errors.Is(err, ErrInsufficientData), "%v", err)
	_, err = r.SubrangeFrom(12)
	assert.True(t, errors.Is(err, ErrOffsetOutOfRange), "%v", err)
}

func TestPutBytesAndBytes(t *testing.T) {
	units := testUnits()
	r, err := NewRange(units, 0, 12)
	require.NoError(t, err)
	data := []byte("abcdefghijkl")
	require.NoError(t, r.PutBytes(data))
	b, err := r.Bytes()
	require.NoError(t, err)
	assert.Equal(t, data, b)

	s, err := r.Subrange(2, 5)
	require.NoError(t, err)
	require.NoError(t, s.PutBytes([]byte("XY")))
	b, err = r.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "abXYefghijkl", string(b))

	require.NoError(t, s.PutBytes(nil))
	err = s.PutBytes(make([]byte, 6))
	assert.True(t, errors.Is(err, ErrInsufficientData))

	var buf bytes.Buffer
	n, err := s.WriteTo(&buf)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)
	assert.Equal(t, "XYefg", buf.String())
}

func TestBytesNotMaterialized(t *testing.T) {
	r, err := NewRange(testUnits(), 0, 12)
	require.NoError(t, err)
	_, err = r.Bytes()
	assert.True(t, errors.Is(err, storage.ErrNotMaterialized))
}

func TestConcurrentWritersShareLock(t *testing.T) {
	r, err := NewRange([]storage.Unit{storage.NewMemoryUnit("a", 64)}, 0, 64)
	require.NoError(t, err)
	var wg sync.WaitGroup
	for i := range iter.N(8) {
		s, err := r.Subrange(int64(i*8), 8)
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.PutBytes(bytes.Repeat([]byte{byte(i)}, 8)))
		}()
	}
	wg.Wait()
	b, err := r.Bytes()
	require.NoError(t, err)
	for i := range iter.N(8) {
		assert.Equal(t, bytes.Repeat([]byte{byte(i)}, 8), b[i*8:i*8+8])
	}
}
