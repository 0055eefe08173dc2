package conn

import (
	"slices"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/multiless"
	pp "github.com/anacrolix/torrent/peer_protocol"

	"github.com/anacrolix/piecework/assign"
	"github.com/anacrolix/piecework/bitfield"
	"github.com/anacrolix/piecework/chunk"
	"github.com/anacrolix/piecework/internal/metrics"
)

const (
	DefaultMaxPendingRequests = 3
	DefaultAssignmentTimeout  = 2 * time.Minute
	DefaultRequestStaleness   = 30 * time.Second
)

// Producer works out the messages to send a peer to get pieces from it.
type Producer[P comparable] struct {
	Chunks []*chunk.Descriptor
	Local  *bitfield.Local
	Table  *assign.Table[P]
	// Number of connected peers that have a piece. Rarer pieces are requested first.
	Availability func(piece int) int

	MaxPendingRequests int
	AssignmentTimeout  time.Duration
	// How long requests can go unanswered before they're assumed lost.
	RequestStaleness time.Duration
	Logger           log.Logger
}

// Tick advances the connection's request pipeline. It returns messages to send to the peer.
func (p *Producer[P]) Tick(s *State[P], now time.Time) (msgs []pp.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Close sets the flag before taking the lock, so once the lock is held a closed connection
	// can't claim anything that RemoveAssignments won't see.
	if s.Closed() {
		return nil
	}
	msgs, timedOut := p.checkAssignment(s, now, msgs)
	if timedOut {
		// Give other peers a chance at the piece before this one gets it again.
		return
	}
	if s.assignment == nil {
		s.refresh.Do(func() {
			msgs = p.refreshCandidates(s, msgs)
		})
		if s.PeerChoking() {
			return
		}
		if !p.poll(s, now) {
			return
		}
	}
	if s.PeerChoking() {
		return
	}
	d := p.Chunks[s.assignment.Piece]
	if !s.queueBuilt {
		p.buildQueue(s, d, now)
	} else if len(s.queue) == 0 && now.Sub(s.lastActive) >= p.RequestStaleness {
		p.rebuildStale(s, d, now)
	}
	for len(s.queue) != 0 && len(s.pending) < p.MaxPendingRequests {
		r := s.queue[0]
		s.queue = s.queue[1:]
		s.pending[r] = now
		s.lastActive = now
		s.Stats.RequestsSent.Add(1)
		metrics.RequestsSent.Inc()
		msgs = append(msgs, r.RequestMessage())
	}
	return
}

// checkAssignment drops the current assignment if it's finished or timed out.
func (p *Producer[P]) checkAssignment(s *State[P], now time.Time, msgs []pp.Message) (_ []pp.Message, timedOut bool) {
	a := s.assignment
	if a == nil {
		return msgs, false
	}
	status := a.Status(now)
	if status == assign.Active && !p.Chunks[a.Piece].IsVerified() {
		return msgs, false
	}
	timedOut = status == assign.Timeout
	if timedOut {
		metrics.AssignmentsTimedOut.Inc()
		p.Logger.Levelf(log.Debug, "%v: assignment timed out: %v", s.Peer, a)
	}
	a.Finish()
	p.Table.Release(s.Peer, a.Piece)
	for _, r := range s.clearRequestsLocked() {
		msgs = append(msgs, r.CancelMessage())
	}
	return msgs, timedOut
}

// refreshCandidates queues the pieces we could get from the peer, rarest first, and tells it
// whether we're interested.
func (p *Producer[P]) refreshCandidates(s *State[P], msgs []pp.Message) []pp.Message {
	var wanted []int
	s.Have().Iterate(func(i int) bool {
		if i < len(p.Chunks) && p.Local.Wanted(i) {
			wanted = append(wanted, i)
		}
		return true
	})
	if p.Availability != nil {
		avail := make(map[int]int, len(wanted))
		for _, i := range wanted {
			avail[i] = p.Availability(i)
		}
		slices.SortStableFunc(wanted, func(a, b int) int {
			return multiless.New().Int(avail[a], avail[b]).Int(a, b).OrderingInt()
		})
	}
	for _, i := range wanted {
		p.Table.AssignPiece(s.Peer, i)
	}
	interested := len(wanted) != 0
	if s.interested.Swap(interested) != interested {
		if interested {
			msgs = append(msgs, pp.Message{Type: pp.Interested})
		} else {
			msgs = append(msgs, pp.Message{Type: pp.NotInterested})
		}
	}
	return msgs
}

// poll takes the next piece from the table that still needs downloading.
func (p *Producer[P]) poll(s *State[P], now time.Time) bool {
	for {
		pick, ok := p.Table.Poll(s.Peer)
		if !ok {
			return false
		}
		if !p.Local.Wanted(pick.Piece) || !s.Have().Has(pick.Piece) {
			if pick.Exclusive {
				p.Table.Release(s.Peer, pick.Piece)
			}
			continue
		}
		s.assignment = assign.NewAssignment(s.Peer, pick, now, p.AssignmentTimeout)
		s.queueBuilt = false
		p.Logger.Levelf(log.Debug, "%v: assigned %v", s.Peer, s.assignment)
		return true
	}
}

// blockRequest is the request for block i of d.
func blockRequest(d *chunk.Descriptor, i int) (Request, error) {
	off, length := d.Blocks().Block(i)
	return NewRequest(d.Index(), off, length)
}

// buildQueue requests every missing block of the assigned piece.
func (p *Producer[P]) buildQueue(s *State[P], d *chunk.Descriptor, now time.Time) {
	s.queue = s.queue[:0]
	for _, i := range d.Blocks().Missing() {
		r, err := blockRequest(d, i)
		if err != nil {
			p.Logger.WithDefaultLevel(log.Error).Printf("%v: %v", s.Peer, err)
			continue
		}
		if _, ok := s.pending[r]; ok {
			continue
		}
		if _, ok := s.writes[r]; ok {
			continue
		}
		s.queue = append(s.queue, r)
	}
	s.queueBuilt = true
	s.lastActive = now
}

// rebuildStale gives up on requests that have gone unanswered too long, and requests again the
// blocks that are still missing.
func (p *Producer[P]) rebuildStale(s *State[P], d *chunk.Descriptor, now time.Time) {
	if d.Status() == chunk.Complete || d.IsVerified() {
		return
	}
	for r, sent := range s.pending {
		if now.Sub(sent) >= p.RequestStaleness {
			delete(s.pending, r)
		}
	}
	p.buildQueue(s, d, now)
	p.Logger.Levelf(log.Debug, "%v: rebuilt %d stale requests for piece %d", s.Peer, len(s.queue), d.Index())
}

// Choked handles the peer choking us. Everything requested is dropped, and the assigned piece
// becomes available to other peers.
func (p *Producer[P]) Choked(s *State[P]) {
	s.peerChoking.Store(true)
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.assignment; a != nil {
		a.Finish()
		p.Table.Release(s.Peer, a.Piece)
	}
	s.clearRequestsLocked()
}
