package conn

import (
	pp "github.com/anacrolix/torrent/peer_protocol"

	"github.com/anacrolix/piecework/chunk"
	"github.com/anacrolix/piecework/internal/errorsx"
)

// MaxUploadRequestLength is the longest block we'll send in response to a request.
const MaxUploadRequestLength = 1 << 17

// Uploader answers peers' requests for blocks of pieces we've verified.
type Uploader struct {
	Chunks []*chunk.Descriptor
}

// Serve reads the block for a Request message. ok is false if the request should be ignored
// because we're choking the peer, or don't have the piece.
func (u Uploader) Serve(s *ChokeState, stats *Counters, msg pp.Message) (reply pp.Message, ok bool, err error) {
	if s.Choking() {
		return
	}
	r := RequestFromMessage(msg)
	if _, err = NewRequest(r.Piece, r.Begin, r.Length); err != nil {
		return
	}
	if r.Length > MaxUploadRequestLength {
		err = errorsx.Wrapf(ErrInvalidRequest, "%v is longer than %d", r, MaxUploadRequestLength)
		return
	}
	if r.Piece >= len(u.Chunks) {
		err = errorsx.Wrapf(ErrInvalidRequest, "%v: piece out of range", r)
		return
	}
	d := u.Chunks[r.Piece]
	if !d.IsVerified() {
		return
	}
	b, err := d.ReadBlock(r.Begin, r.Length)
	if err != nil {
		return
	}
	stats.BytesUploaded.Add(r.Length)
	stats.BlocksUploaded.Add(1)
	return pp.Message{
		Type:  pp.Piece,
		Index: msg.Index,
		Begin: msg.Begin,
		Piece: b,
	}, true, nil
}
