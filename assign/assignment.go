package assign

import (
	"fmt"
	"sync/atomic"
	"time"
)

type Status int

const (
	Active Status = iota
	Done
	Timeout
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case Done:
		return "done"
	case Timeout:
		return "timeout"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Assignment is a peer's work on a piece. It times out once older than its limit, which is only
// checked when asked for.
type Assignment[P comparable] struct {
	Peer      P
	Piece     int
	Exclusive bool
	Started   time.Time
	Limit     time.Duration

	done atomic.Bool
}

func NewAssignment[P comparable](peer P, pick Pick, now time.Time, limit time.Duration) *Assignment[P] {
	return &Assignment[P]{
		Peer:      peer,
		Piece:     pick.Piece,
		Exclusive: pick.Exclusive,
		Started:   now,
		Limit:     limit,
	}
}

func (a *Assignment[P]) Status(now time.Time) Status {
	if a.done.Load() {
		return Done
	}
	if a.Limit > 0 && now.Sub(a.Started) > a.Limit {
		return Timeout
	}
	return Active
}

func (a *Assignment[P]) Finish() {
	a.done.Store(true)
}

func (a *Assignment[P]) String() string {
	return fmt.Sprintf("piece %d for %v (exclusive: %v, started %v)", a.Piece, a.Peer, a.Exclusive, a.Started.Format(time.RFC3339))
}
