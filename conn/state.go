// Package conn drives the exchange of pieces with a single peer: what to request from it, what to
// do with the blocks it sends, and when to choke it.
package conn

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/anacrolix/sync"
	"golang.org/x/time/rate"

	"github.com/anacrolix/piecework/assign"
	"github.com/anacrolix/piecework/bitfield"
)

// DefaultRefreshInterval is how often a peer without an assignment is checked for pieces we want.
const DefaultRefreshInterval = 3 * time.Second

// A block write started by the consumer.
type write struct {
	done chan struct{}
	err  error
}

// State is everything known about a connection to a single peer.
type State[P comparable] struct {
	Peer  P
	Choke ChokeState

	// Counters for this connection.
	Stats Counters

	// We're interested in the peer.
	interested  atomic.Bool
	peerChoking atomic.Bool
	closed      atomic.Bool
	have        atomic.Pointer[bitfield.Peer]

	mu         sync.Mutex
	assignment *assign.Assignment[P]
	// Requests not yet sent, in order.
	queue []Request
	// Requests sent and not yet answered, and when they were sent.
	pending map[Request]time.Time
	writes  map[Request]*write
	// The last time the queue had requests in it, or a request was sent.
	lastActive      time.Time
	queueBuilt      bool
	refreshInterval time.Duration
	refresh         *rate.Sometimes
}

func NewState[P comparable](peer P, numPieces int, refreshInterval time.Duration) *State[P] {
	s := &State[P]{
		Peer:            peer,
		pending:         make(map[Request]time.Time),
		writes:          make(map[Request]*write),
		refreshInterval: refreshInterval,
	}
	s.peerChoking.Store(true)
	s.have.Store(bitfield.NewPeer(numPieces))
	s.resetRefresh()
	return s
}

func (s *State[P]) resetRefresh() {
	s.refresh = &rate.Sometimes{Interval: s.refreshInterval}
}

func (s *State[P]) String() string {
	return fmt.Sprintf("%v (choking: %v, peer choking: %v, interested: %v)",
		s.Peer, s.Choke.Choking(), s.PeerChoking(), s.Interested())
}

func (s *State[P]) Interested() bool {
	return s.interested.Load()
}

func (s *State[P]) PeerChoking() bool {
	return s.peerChoking.Load()
}

// Unchoked records that the peer will now accept our requests.
func (s *State[P]) Unchoked() {
	s.peerChoking.Store(false)
}

// Have is the set of pieces the peer has announced.
func (s *State[P]) Have() *bitfield.Peer {
	return s.have.Load()
}

// SetHave replaces the peer's pieces, such as when it sends its bitfield.
func (s *State[P]) SetHave(have *bitfield.Peer) {
	s.have.Store(have)
}

// Assignment is the piece we're currently downloading from the peer, or nil.
func (s *State[P]) Assignment() *assign.Assignment[P] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assignment
}

func (s *State[P]) NumPending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *State[P]) Queued() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.queue...)
}

// IsPending reports whether the request was sent and not yet answered.
func (s *State[P]) IsPending(r Request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[r]
	return ok
}

// takePending removes a pending request, returning whether it was there.
func (s *State[P]) takePending(r Request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[r]; !ok {
		return false
	}
	delete(s.pending, r)
	return true
}

func (s *State[P]) startWrite(r Request) *write {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := &write{done: make(chan struct{})}
	s.writes[r] = w
	return w
}

func (s *State[P]) finishWrite(r Request, w *write, err error) {
	s.mu.Lock()
	if s.writes[r] == w {
		delete(s.writes, r)
	}
	s.mu.Unlock()
	w.err = err
	close(w.done)
}

// Writing is the number of received blocks still being written to storage.
func (s *State[P]) Writing() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

// clearRequestsLocked forgets the assignment and all requests, returning those that were
// pending.
func (s *State[P]) clearRequestsLocked() (pending []Request) {
	for r := range s.pending {
		pending = append(pending, r)
	}
	clear(s.pending)
	s.queue = nil
	s.queueBuilt = false
	s.assignment = nil
	s.resetRefresh()
	return
}

// endAssignment drops the assignment if it's for piece, returning whether it was.
func (s *State[P]) endAssignment(piece int) (*assign.Assignment[P], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.assignment
	if a == nil || a.Piece != piece {
		return nil, false
	}
	s.clearRequestsLocked()
	return a, true
}

// Close marks the connection as gone. Writes already started still finish.
func (s *State[P]) Close() {
	s.closed.Store(true)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearRequestsLocked()
}

func (s *State[P]) Closed() bool {
	return s.closed.Load()
}
