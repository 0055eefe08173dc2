package chunk

import (
	"crypto/sha1"
	"hash"

	"github.com/anacrolix/torrent/metainfo"

	"github.com/anacrolix/piecework/data"
	"github.com/anacrolix/piecework/internal/errorsx"
	"github.com/anacrolix/piecework/storage"
)

// DefaultBlockSize is the usual request size on the wire.
const DefaultBlockSize = 1 << 14

type buildOpts struct {
	blockSize    int64
	digestLength int
	newHash      func() hash.Hash
}

type BuildOption func(*buildOpts)

func WithBlockSize(n int64) BuildOption {
	return func(o *buildOpts) {
		o.blockSize = n
	}
}

// WithDigestLength sets the expected length of every piece checksum.
func WithDigestLength(n int) BuildOption {
	return func(o *buildOpts) {
		o.digestLength = n
	}
}

func WithHash(fn func() hash.Hash) BuildOption {
	return func(o *buildOpts) {
		o.newHash = fn
	}
}

// NumPieces is the number of pieces of pieceLength needed to hold total bytes.
func NumPieces(total, pieceLength int64) int {
	if total <= 0 || pieceLength <= 0 {
		return 0
	}
	return int((total + pieceLength - 1) / pieceLength)
}

// Build creates a descriptor for each piece of the units laid end to end. Each descriptor gets its
// own root range, so chunks never contend on each other's locks.
func Build(units []storage.Unit, pieceLength int64, hashes [][]byte, options ...BuildOption) ([]*Descriptor, error) {
	opts := buildOpts{
		blockSize:    DefaultBlockSize,
		digestLength: sha1.Size,
		newHash:      sha1.New,
	}
	for _, o := range options {
		o(&opts)
	}
	if pieceLength <= 0 {
		return nil, errorsx.Wrapf(ErrInvalidLength, "piece length %d", pieceLength)
	}
	if opts.blockSize <= 0 {
		return nil, errorsx.Wrapf(ErrInvalidLength, "block size %d", opts.blockSize)
	}
	if size := opts.newHash().Size(); size != opts.digestLength {
		return nil, errorsx.Wrapf(ErrDigestLength, "hash produces %d bytes, configured for %d", size, opts.digestLength)
	}
	total := storage.Capacity(units...)
	n := NumPieces(total, pieceLength)
	if len(hashes) != n {
		return nil, errorsx.Wrapf(ErrSizeMismatch, "%d bytes in pieces of %d need %d checksums, got %d", total, pieceLength, n, len(hashes))
	}

	ret := make([]*Descriptor, 0, n)
	var (
		u         int
		unitStart int64
	)
	for i := range n {
		if len(hashes[i]) != opts.digestLength {
			return nil, errorsx.Wrapf(ErrDigestLength, "piece %d has %d byte checksum", i, len(hashes[i]))
		}
		offset := int64(i) * pieceLength
		length := min(pieceLength, total-offset)
		for u < len(units)-1 && unitStart+units[u].Capacity() <= offset {
			unitStart += units[u].Capacity()
			u++
		}
		r, err := data.NewRange(units[u:], offset-unitStart, length)
		if err != nil {
			return nil, errorsx.Wrapf(err, "piece %d", i)
		}
		d := NewDescriptor(i, r, hashes[i], opts.blockSize)
		d.newHash = opts.newHash
		ret = append(ret, d)
	}
	return ret, nil
}

// SplitHashes splits the concatenated piece hashes of a v1 info dictionary.
func SplitHashes(pieces []byte, size int) (ret [][]byte, err error) {
	if size <= 0 || len(pieces)%size != 0 {
		return nil, errorsx.Wrapf(ErrDigestLength, "%d bytes of piece hashes", len(pieces))
	}
	for i := 0; i < len(pieces); i += size {
		ret = append(ret, pieces[i:i+size:i+size])
	}
	return ret, nil
}

// BuildFromInfo builds descriptors for the units of a torrent's info.
func BuildFromInfo(info *metainfo.Info, units []storage.Unit, options ...BuildOption) ([]*Descriptor, error) {
	opts := buildOpts{digestLength: sha1.Size}
	for _, o := range options {
		o(&opts)
	}
	hashes, err := SplitHashes(info.Pieces, opts.digestLength)
	if err != nil {
		return nil, err
	}
	if total := storage.Capacity(units...); total != info.TotalLength() {
		return nil, errorsx.Wrapf(ErrSizeMismatch, "units hold %d bytes, info describes %d", total, info.TotalLength())
	}
	return Build(units, info.PieceLength, hashes, options...)
}
