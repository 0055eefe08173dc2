// Package assign decides which peer downloads which piece.
package assign

import (
	"math/rand/v2"

	"github.com/anacrolix/sync"
	list "github.com/bahlo/generic-list-go"

	"github.com/anacrolix/piecework/internal/metrics"
)

// Pick is a piece handed out by Poll. Pieces picked in endgame aren't exclusive and may be
// downloading from other peers too.
type Pick struct {
	Piece     int
	Exclusive bool
}

type candidates struct {
	queue *list.List[int]
	elems map[int]*list.Element[int]
}

// Table tracks the pieces each peer could provide, and which peer has claimed each piece. A piece
// is claimed by at most one peer outside of endgame.
type Table[P comparable] struct {
	remaining func() int

	mu         sync.Mutex
	candidates map[P]*candidates
	// The peers queueing each piece.
	assignees map[int]map[P]struct{}
	claims    map[int]P
	held      map[P]map[int]struct{}
}

// New creates a Table. remaining returns the number of pieces still to be downloaded, and is
// called with the table locked.
func New[P comparable](remaining func() int) *Table[P] {
	return &Table[P]{
		remaining:  remaining,
		candidates: make(map[P]*candidates),
		assignees:  make(map[int]map[P]struct{}),
		claims:     make(map[int]P),
		held:       make(map[P]map[int]struct{}),
	}
}

// AssignPiece adds piece to the back of the peer's candidates. It does nothing if it's already
// there.
func (t *Table[P]) AssignPiece(peer P, piece int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.candidates[peer]
	if c == nil {
		c = &candidates{
			queue: list.New[int](),
			elems: make(map[int]*list.Element[int]),
		}
		t.candidates[peer] = c
	}
	if _, ok := c.elems[piece]; ok {
		return
	}
	c.elems[piece] = c.queue.PushBack(piece)
	a := t.assignees[piece]
	if a == nil {
		a = make(map[P]struct{})
		t.assignees[piece] = a
	}
	a[peer] = struct{}{}
}

func (t *Table[P]) endgame() bool {
	return t.remaining() <= len(t.claims)
}

// Endgame is true once there are no more pieces remaining than are claimed.
func (t *Table[P]) Endgame() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endgame()
}

// Poll takes the peer's next piece. Outside endgame that's the first candidate not claimed by
// another peer, which is claimed for this peer. In endgame it's any candidate at random, claimed or
// not.
func (t *Table[P]) Poll(peer P) (Pick, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.candidates[peer]
	if c == nil || c.queue.Len() == 0 {
		return Pick{}, false
	}
	defer t.pruneCandidates(peer, c)
	if t.endgame() {
		e := c.queue.Front()
		for range rand.IntN(c.queue.Len()) {
			e = e.Next()
		}
		piece := t.dequeue(peer, c, e)
		metrics.EndgamePolls.Inc()
		return Pick{Piece: piece}, true
	}
	for e := c.queue.Front(); e != nil; {
		next := e.Next()
		piece := t.dequeue(peer, c, e)
		e = next
		if claimant, ok := t.claims[piece]; ok && claimant != peer {
			continue
		}
		t.claim(peer, piece)
		return Pick{Piece: piece, Exclusive: true}, true
	}
	return Pick{}, false
}

func (t *Table[P]) dequeue(peer P, c *candidates, e *list.Element[int]) int {
	piece := c.queue.Remove(e)
	delete(c.elems, piece)
	t.removeAssignee(piece, peer)
	return piece
}

func (t *Table[P]) removeAssignee(piece int, peer P) {
	a := t.assignees[piece]
	delete(a, peer)
	if len(a) == 0 {
		delete(t.assignees, piece)
	}
}

func (t *Table[P]) pruneCandidates(peer P, c *candidates) {
	if c.queue.Len() == 0 {
		delete(t.candidates, peer)
	}
}

func (t *Table[P]) claim(peer P, piece int) {
	t.claims[piece] = peer
	h := t.held[peer]
	if h == nil {
		h = make(map[int]struct{})
		t.held[peer] = h
	}
	h[piece] = struct{}{}
}

func (t *Table[P]) release(peer P, piece int) bool {
	if claimant, ok := t.claims[piece]; !ok || claimant != peer {
		return false
	}
	delete(t.claims, piece)
	h := t.held[peer]
	delete(h, piece)
	if len(h) == 0 {
		delete(t.held, peer)
	}
	return true
}

// RemoveAssignees forgets a piece entirely, such as when it's verified.
func (t *Table[P]) RemoveAssignees(piece int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for peer := range t.assignees[piece] {
		c := t.candidates[peer]
		c.queue.Remove(c.elems[piece])
		delete(c.elems, piece)
		t.pruneCandidates(peer, c)
	}
	delete(t.assignees, piece)
	if claimant, ok := t.claims[piece]; ok {
		t.release(claimant, piece)
	}
}

// RemoveAssignments forgets a peer entirely, such as when it disconnects. Its claims become
// available to other peers immediately.
func (t *Table[P]) RemoveAssignments(peer P) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c := t.candidates[peer]; c != nil {
		for piece := range c.elems {
			t.removeAssignee(piece, peer)
		}
		delete(t.candidates, peer)
	}
	for piece := range t.held[peer] {
		t.release(peer, piece)
	}
}

// Release gives up the peer's claim on piece, if it has one.
func (t *Table[P]) Release(peer P, piece int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.release(peer, piece)
}

func (t *Table[P]) Claimant(piece int) (peer P, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	peer, ok = t.claims[piece]
	return
}

func (t *Table[P]) Claimed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.claims)
}

// Candidates returns the peer's queued pieces in order.
func (t *Table[P]) Candidates(peer P) (ret []int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.candidates[peer]
	if c == nil {
		return nil
	}
	for e := c.queue.Front(); e != nil; e = e.Next() {
		ret = append(ret, e.Value)
	}
	return
}

// Assignees returns the number of peers with piece queued.
func (t *Table[P]) Assignees(piece int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.assignees[piece])
}
