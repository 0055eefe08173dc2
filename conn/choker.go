package conn

import (
	"time"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/sync"
	pp "github.com/anacrolix/torrent/peer_protocol"
)

// DefaultChokeInterval is the minimum time between choking a peer and unchoking it again.
const DefaultChokeInterval = 10 * time.Second

// ChokeState is whether we're choking a peer, and whether it wants us to stop. Peers start out
// choked.
type ChokeState struct {
	mu             sync.Mutex
	unchoked       bool
	peerInterested bool
	pending        g.Option[bool]
	lastChoked     time.Time
}

func (s *ChokeState) Choking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.unchoked
}

func (s *ChokeState) PeerInterested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerInterested
}

func (s *ChokeState) SetPeerInterested(b bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerInterested = b
}

// Pending is the decision waiting to be applied.
func (s *ChokeState) Pending() g.Option[bool] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Choker decides when to choke and unchoke peers. Interested peers are unchoked only once
// Interval has passed since they were last choked, so peers flapping their interest don't get
// choked and unchoked in quick succession. Uninterested peers are choked straight away.
type Choker struct {
	Interval time.Duration
}

// Decide records a pending choke decision for the peer, if one is due.
func (c Choker) Decide(s *ChokeState, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.peerInterested && !s.unchoked && now.Sub(s.lastChoked) >= c.Interval:
		s.pending = g.Some(false)
	case !s.peerInterested && s.unchoked:
		s.pending = g.Some(true)
	}
}

// Apply makes the pending decision effective, returning the message to tell the peer about it.
func (c Choker) Apply(s *ChokeState, now time.Time) (msg pp.Message, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pending.Ok {
		return
	}
	choke := s.pending.Value
	s.pending = g.None[bool]()
	if choke == !s.unchoked {
		return
	}
	s.unchoked = !choke
	if choke {
		s.lastChoked = now
		return pp.Message{Type: pp.Choke}, true
	}
	return pp.Message{Type: pp.Unchoke}, true
}
