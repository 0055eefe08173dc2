package conn

import (
	"errors"
	"sync"

	"github.com/anacrolix/log"
	pp "github.com/anacrolix/torrent/peer_protocol"

	"github.com/anacrolix/piecework/assign"
	"github.com/anacrolix/piecework/bitfield"
	"github.com/anacrolix/piecework/chunk"
	"github.com/anacrolix/piecework/internal/metrics"
)

// Consumer handles blocks received from peers.
type Consumer[P comparable] struct {
	Chunks []*chunk.Descriptor
	Local  *bitfield.Local
	Table  *assign.Table[P]
	// Called once for each piece that's verified, with the peer that sent its last block.
	OnVerified func(piece int, from P)
	// Called when a piece completed by the peer fails verification.
	OnFailed func(piece int, from P)
	Logger   log.Logger

	wg sync.WaitGroup
}

// Piece accepts a block sent by the peer. Blocks we didn't request, or for pieces we've already
// verified, are dropped. Accepted blocks are written in the background; the returned channel is
// closed when the write and any verification it triggered are finished.
func (c *Consumer[P]) Piece(s *State[P], msg pp.Message) <-chan struct{} {
	r := RequestFromMessage(msg)
	if !s.takePending(r) {
		c.discard(s, "unrequested")
		return nil
	}
	d := c.Chunks[r.Piece]
	if d.IsVerified() {
		c.discard(s, "verified")
		return nil
	}
	s.Stats.BytesDownloaded.Add(r.Length)
	s.Stats.BlocksReceived.Add(1)
	metrics.BlocksReceived.Inc()
	b := append([]byte(nil), msg.Piece...)
	w := s.startWrite(r)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		completed, err := d.WriteBlock(r.Begin, b)
		if completed {
			c.verify(s, d)
		}
		s.finishWrite(r, w, err)
		if err != nil && !errors.Is(err, chunk.ErrVerified) {
			c.Logger.WithDefaultLevel(log.Warning).Printf("%v: writing %v: %v", s.Peer, r, err)
		}
	}()
	return w.done
}

func (c *Consumer[P]) discard(s *State[P], reason string) {
	s.Stats.BlocksDiscarded.Add(1)
	metrics.BlocksDiscarded.WithLabelValues(reason).Inc()
}

func (c *Consumer[P]) verify(s *State[P], d *chunk.Descriptor) {
	ok, err := d.Verify()
	piece := d.Index()
	if err != nil {
		metrics.VerifyErrors.Inc()
		c.Logger.WithDefaultLevel(log.Warning).Printf("verifying %v: %v", d, err)
		// The data can't be trusted, and nothing else would verify it again.
		c.abandon(s, d)
		return
	}
	if !ok {
		metrics.VerifyFailures.Inc()
		s.Stats.PiecesFailed.Add(1)
		c.Logger.Levelf(log.Info, "%v from %v failed verification", d, s.Peer)
		if !c.abandon(s, d) {
			return
		}
		if c.OnFailed != nil {
			c.OnFailed(piece, s.Peer)
		}
		return
	}
	first, err := c.Local.MarkVerified(piece)
	if err != nil {
		c.Logger.WithDefaultLevel(log.Error).Printf("marking %v verified: %v", d, err)
		return
	}
	c.Table.RemoveAssignees(piece)
	if a, ok := s.endAssignment(piece); ok {
		a.Finish()
	}
	if first {
		metrics.PiecesVerified.Inc()
		if c.OnVerified != nil {
			c.OnVerified(piece, s.Peer)
		}
	}
}

// abandon forgets the blocks of a chunk that didn't verify, so they're requested again, and gives
// up the peer's assignment for it. It returns false if the chunk was verified in the meantime.
func (c *Consumer[P]) abandon(s *State[P], d *chunk.Descriptor) bool {
	if err := d.Reset(); err != nil {
		return false
	}
	if a, ok := s.endAssignment(d.Index()); ok {
		a.Finish()
	}
	c.Table.Release(s.Peer, d.Index())
	return true
}

// Wait blocks until all block writes started by Piece have finished.
func (c *Consumer[P]) Wait() {
	c.wg.Wait()
}
