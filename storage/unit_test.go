package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testUnitReadWrite(t *testing.T, u Unit) {
	require.EqualValues(t, 10, u.Capacity())
	n, err := u.WriteAt([]byte("hello"), 3)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	assert.EqualValues(t, 10, u.Size())

	b := make([]byte, 5)
	_, err = u.ReadAt(b, 3)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))

	_, err = u.WriteAt([]byte("overflow"), 5)
	assert.True(t, errors.Is(err, ErrOutOfBounds))
	_, err = u.ReadAt(make([]byte, 2), 9)
	assert.True(t, errors.Is(err, ErrOutOfBounds))
	_, err = u.ReadAt(make([]byte, 1), -1)
	assert.True(t, errors.Is(err, ErrOutOfBounds))
}

func TestMemoryUnit(t *testing.T) {
	u := NewMemoryUnit("a", 10)
	assert.EqualValues(t, 0, u.Size())
	_, err := u.ReadAt(make([]byte, 1), 0)
	assert.True(t, errors.Is(err, ErrNotMaterialized))
	testUnitReadWrite(t, u)
}

func TestFileUnit(t *testing.T) {
	p := filepath.Join(t.TempDir(), "nested", "a")
	u := NewFileUnit(p, 10)
	defer Close(u)
	assert.EqualValues(t, 0, u.Size())
	_, err := u.ReadAt(make([]byte, 1), 0)
	assert.True(t, errors.Is(err, ErrNotMaterialized))
	_, err = os.Stat(p)
	assert.True(t, os.IsNotExist(err), "reads must not create the file")
	testUnitReadWrite(t, u)
}

func TestFileUnitShortFileReadsZeroes(t *testing.T) {
	p := filepath.Join(t.TempDir(), "short")
	require.NoError(t, os.WriteFile(p, []byte("abc"), 0o600))
	u := NewFileUnit(p, 6)
	defer Close(u)
	assert.EqualValues(t, 3, u.Size())
	b := make([]byte, 6)
	n, err := u.ReadAt(b, 0)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, []byte{'a', 'b', 'c', 0, 0, 0}, b)
}

func TestMMapUnit(t *testing.T) {
	p := filepath.Join(t.TempDir(), "m")
	u, err := NewMMapUnit(p, 10)
	require.NoError(t, err)
	defer Close(u)
	assert.EqualValues(t, 0, u.Size(), "file didn't exist before mapping")
	testUnitReadWrite(t, u)
	require.NoError(t, Close(u))
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b[3:8]))
}

func TestOpenUnits(t *testing.T) {
	info := &metainfo.Info{
		Name:        "multi",
		PieceLength: 4,
		Files: []metainfo.FileInfo{
			{Length: 3, Path: []string{"a"}},
			{Length: 0, Path: []string{"empty"}},
			{Length: 7, Path: []string{"sub", "b"}},
		},
	}
	dir := t.TempDir()
	units, err := OpenUnits(dir, info, KindFile)
	require.NoError(t, err)
	defer Close(units...)
	require.Len(t, units, 3)
	assert.Equal(t, filepath.Join(dir, "multi", "sub", "b"), units[2].Name())
	assert.EqualValues(t, 10, Capacity(units...))

	k, err := ParseKind("mmap")
	require.NoError(t, err)
	assert.Equal(t, KindMMap, k)
	_, err = ParseKind("tape")
	assert.Error(t, err)
}

func testCompletionStore(t *testing.T, s CompletionStore) {
	var ih metainfo.Hash
	ih[0] = 1
	bm, err := s.Read(ih)
	require.NoError(t, err)
	assert.True(t, bm.IsEmpty())

	require.NoError(t, s.Write(ih, roaring.BitmapOf(0, 2, 7)))
	bm, err = s.Read(ih)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 2, 7}, bm.ToArray())

	require.NoError(t, s.Write(ih, roaring.BitmapOf(1)))
	bm, err = s.Read(ih)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, bm.ToArray())

	require.NoError(t, s.Delete(ih))
	bm, err = s.Read(ih)
	require.NoError(t, err)
	assert.True(t, bm.IsEmpty())
}

func TestBitmapFileStore(t *testing.T) {
	s, err := NewBitmapFileStore(t.TempDir())
	require.NoError(t, err)
	testCompletionStore(t, s)
}

func TestBoltCompletion(t *testing.T) {
	s, err := NewBoltCompletion(filepath.Join(t.TempDir(), "completion.db"))
	require.NoError(t, err)
	defer s.Close()
	testCompletionStore(t, s)
}
