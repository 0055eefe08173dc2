package conn

import (
	"fmt"

	pp "github.com/anacrolix/torrent/peer_protocol"

	"github.com/anacrolix/piecework/internal/errorsx"
)

const ErrInvalidRequest = errorsx.String("invalid request")

// Request identifies a block by piece, offset within the piece and length. It's the key matching
// received blocks to the requests that were sent for them.
type Request struct {
	Piece  int
	Begin  int64
	Length int64
}

func NewRequest(piece int, begin, length int64) (Request, error) {
	if piece < 0 || begin < 0 || length <= 0 {
		return Request{}, errorsx.Wrapf(ErrInvalidRequest, "piece %d, begin %d, length %d", piece, begin, length)
	}
	if int64(piece) > int64(^uint32(0)>>1) || begin+length > int64(^uint32(0)>>1) {
		return Request{}, errorsx.Wrapf(ErrInvalidRequest, "piece %d, begin %d, length %d overflows the wire", piece, begin, length)
	}
	return Request{Piece: piece, Begin: begin, Length: length}, nil
}

// RequestFromMessage is the key of a Request, Cancel or Piece message.
func RequestFromMessage(msg pp.Message) Request {
	rs := msg.RequestSpec()
	return Request{
		Piece:  int(rs.Index),
		Begin:  int64(rs.Begin),
		Length: int64(rs.Length),
	}
}

func (r Request) message(t pp.MessageType) pp.Message {
	return pp.Message{
		Type:   t,
		Index:  pp.Integer(r.Piece),
		Begin:  pp.Integer(r.Begin),
		Length: pp.Integer(r.Length),
	}
}

func (r Request) RequestMessage() pp.Message {
	return r.message(pp.Request)
}

func (r Request) CancelMessage() pp.Message {
	return r.message(pp.Cancel)
}

func (r Request) String() string {
	return fmt.Sprintf("piece %d [%d, %d)", r.Piece, r.Begin, r.Begin+r.Length)
}
