package chunk

import (
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/go-quicktest/qt"

	"github.com/anacrolix/piecework/storage"
)

var buildContent = []byte("abcdefghijklmnop")

// Units of 5, 7 and 4 bytes cut into pieces of 6.
func buildTestUnits() []storage.Unit {
	return []storage.Unit{
		storage.NewMemoryUnit("a", 5),
		storage.NewMemoryUnit("b", 7),
		storage.NewMemoryUnit("c", 4),
	}
}

func buildTestHashes() [][]byte {
	return [][]byte{
		sum(buildContent[0:6]),
		sum(buildContent[6:12]),
		sum(buildContent[12:16]),
	}
}

func TestBuildAcrossUnits(t *testing.T) {
	units := buildTestUnits()
	chunks, err := Build(units, 6, buildTestHashes(), WithBlockSize(4))
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.HasLen(chunks, 3))
	qt.Assert(t, qt.Equals(chunks[2].Len(), 4))
	qt.Assert(t, qt.Equals(chunks[0].Blocks().Count(), 2))
	qt.Assert(t, qt.Equals(chunks[2].Blocks().Count(), 1))

	for i, c := range chunks {
		qt.Assert(t, qt.Equals(c.Index(), i))
		off := int64(i) * 6
		qt.Assert(t, qt.IsNil(c.Write(0, buildContent[off:off+c.Len()])))
		ok, err := c.Verify()
		qt.Assert(t, qt.IsNil(err))
		qt.Assert(t, qt.IsTrue(ok))
	}
	names := func(c *Descriptor) (ret []string) {
		for _, u := range c.Data().Units() {
			ret = append(ret, u.Name())
		}
		return
	}
	qt.Assert(t, qt.DeepEquals(names(chunks[0]), []string{"a", "b"}))
	qt.Assert(t, qt.DeepEquals(names(chunks[1]), []string{"b"}))
	qt.Assert(t, qt.DeepEquals(names(chunks[2]), []string{"c"}))
	b, err := chunks[0].ReadBlock(4, 2)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.DeepEquals(b, []byte("ef")))
}

func TestBuildErrors(t *testing.T) {
	_, err := Build(buildTestUnits(), 6, buildTestHashes()[:2])
	qt.Assert(t, qt.IsTrue(errors.Is(err, ErrSizeMismatch)))
	hashes := buildTestHashes()
	hashes[1] = hashes[1][:10]
	_, err = Build(buildTestUnits(), 6, hashes)
	qt.Assert(t, qt.IsTrue(errors.Is(err, ErrDigestLength)))
	_, err = Build(buildTestUnits(), 0, nil)
	qt.Assert(t, qt.IsNotNil(err))
	_, err = Build(buildTestUnits(), 6, buildTestHashes(), WithDigestLength(32))
	qt.Assert(t, qt.IsTrue(errors.Is(err, ErrDigestLength)))
}

func TestSplitHashes(t *testing.T) {
	hashes, err := SplitHashes(make([]byte, 60), 20)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.HasLen(hashes, 3))
	_, err = SplitHashes(make([]byte, 59), 20)
	qt.Assert(t, qt.IsTrue(errors.Is(err, ErrDigestLength)))
	qt.Assert(t, qt.Equals(NumPieces(16, 6), 3))
	qt.Assert(t, qt.Equals(NumPieces(18, 6), 3))
	qt.Assert(t, qt.Equals(NumPieces(0, 6), 0))
}

func TestBuildFromInfo(t *testing.T) {
	var pieces []byte
	for _, h := range buildTestHashes() {
		pieces = append(pieces, h...)
	}
	info := &metainfo.Info{
		Name:        "test",
		PieceLength: 6,
		Pieces:      pieces,
		Files: []metainfo.FileInfo{
			{Path: []string{"a"}, Length: 5},
			{Path: []string{"b"}, Length: 7},
			{Path: []string{"c"}, Length: 4},
		},
	}
	chunks, err := BuildFromInfo(info, buildTestUnits())
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.HasLen(chunks, 3))
	_, err = BuildFromInfo(info, buildTestUnits()[:2])
	qt.Assert(t, qt.IsTrue(errors.Is(err, ErrSizeMismatch)))
}

func TestBuildWithHash(t *testing.T) {
	units := buildTestUnits()
	var hashes [][]byte
	for _, r := range [][2]int{{0, 6}, {6, 12}, {12, 16}} {
		h := sha256.Sum256(buildContent[r[0]:r[1]])
		hashes = append(hashes, h[:])
	}
	_, err := Build(units, 6, hashes, WithHash(sha256.New))
	qt.Assert(t, qt.ErrorIs(err, ErrDigestLength))

	chunks, err := Build(units, 6, hashes, WithHash(sha256.New), WithDigestLength(sha256.Size))
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsNil(chunks[1].Write(0, buildContent[6:12])))
	ok, err := chunks[1].Verify()
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsTrue(ok))
}

func TestBuildInvalidLengths(t *testing.T) {
	_, err := Build(buildTestUnits(), 0, nil)
	qt.Assert(t, qt.ErrorIs(err, ErrInvalidLength))
	_, err = Build(buildTestUnits(), 6, buildTestHashes(), WithBlockSize(0))
	qt.Assert(t, qt.ErrorIs(err, ErrInvalidLength))
}
