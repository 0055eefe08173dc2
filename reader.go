package piecework

import (
	"context"
	"io"

	"github.com/anacrolix/piecework/internal/errorsx"
)

// Reader reads the torrent's data in order, blocking until the pieces it reads are verified.
type Reader interface {
	io.Reader
	io.Seeker
}

type reader struct {
	ctx context.Context
	t   *Torrent
	pos int64
}

var _ Reader = (*reader)(nil)

// NewReader returns a Reader from the start of the torrent. Reads fail once ctx is done.
func (t *Torrent) NewReader(ctx context.Context) Reader {
	return &reader{ctx: ctx, t: t}
}

func (r *reader) Read(b []byte) (n int, err error) {
	if r.pos >= r.t.length {
		return 0, io.EOF
	}
	if len(b) == 0 {
		return 0, nil
	}
	piece := int(r.pos / r.t.pieceLength)
	if err := r.t.local.WaitVerified(r.ctx, piece); err != nil {
		return 0, err
	}
	d := r.t.chunks[piece]
	off := r.pos - int64(piece)*r.t.pieceLength
	length := min(int64(len(b)), d.Len()-off)
	data, err := d.ReadBlock(off, length)
	if err != nil {
		return 0, err
	}
	n = copy(b, data)
	r.pos += int64(n)
	return n, nil
}

func (r *reader) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += r.pos
	case io.SeekEnd:
		offset += r.t.length
	default:
		return r.pos, errorsx.Errorf("bad whence %d", whence)
	}
	if offset < 0 {
		return r.pos, errorsx.Errorf("negative position %d", offset)
	}
	r.pos = offset
	return r.pos, nil
}
