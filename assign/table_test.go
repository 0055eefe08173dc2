package assign

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bradfitz/iter"
	"github.com/davecgh/go-spew/spew"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedRemaining(n int) func() int {
	return func() int { return n }
}

func TestAssignPieceIdempotent(t *testing.T) {
	tab := New[string](fixedRemaining(10))
	tab.AssignPiece("a", 1)
	tab.AssignPiece("a", 2)
	tab.AssignPiece("a", 1)
	tab.AssignPiece("b", 1)
	if diff := cmp.Diff([]int{1, 2}, tab.Candidates("a")); diff != "" {
		t.Errorf("candidates mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 2, tab.Assignees(1))
}

func TestPollSkipsClaimed(t *testing.T) {
	tab := New[string](fixedRemaining(10))
	for _, peer := range []string{"a", "b"} {
		tab.AssignPiece(peer, 1)
		tab.AssignPiece(peer, 2)
	}
	pick, ok := tab.Poll("a")
	require.True(t, ok)
	assert.Equal(t, Pick{Piece: 1, Exclusive: true}, pick)
	pick, ok = tab.Poll("b")
	require.True(t, ok)
	assert.Equal(t, Pick{Piece: 2, Exclusive: true}, pick)
	_, ok = tab.Poll("b")
	assert.False(t, ok)
	assert.Nil(t, tab.Candidates("b"), spew.Sdump(tab.candidates))
	claimant, ok := tab.Claimant(1)
	assert.True(t, ok)
	assert.Equal(t, "a", claimant)
}

func TestConcurrentPollExclusive(t *testing.T) {
	for range iter.N(100) {
		tab := New[int](fixedRemaining(10))
		const peers = 8
		for p := range peers {
			tab.AssignPiece(p, 0)
		}
		var wins atomic.Int32
		var wg sync.WaitGroup
		for p := range peers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if pick, ok := tab.Poll(p); ok {
					assert.True(t, pick.Exclusive)
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		require.EqualValues(t, 1, wins.Load())
		assert.Equal(t, 1, tab.Claimed())
	}
}

func TestEndgame(t *testing.T) {
	remaining := 2
	tab := New[string](func() int { return remaining })
	for _, peer := range []string{"a", "b", "c"} {
		tab.AssignPiece(peer, 1)
		tab.AssignPiece(peer, 2)
	}
	assert.False(t, tab.Endgame())
	pick, ok := tab.Poll("a")
	require.True(t, ok)
	assert.True(t, pick.Exclusive)
	pick, ok = tab.Poll("b")
	require.True(t, ok)
	assert.Equal(t, 2, pick.Piece)
	assert.True(t, tab.Endgame())

	// Both pieces are claimed, but c can still get one.
	pick, ok = tab.Poll("c")
	require.True(t, ok)
	assert.False(t, pick.Exclusive)
	assert.Contains(t, []int{1, 2}, pick.Piece)
	assert.Len(t, tab.Candidates("c"), 1)
	claimant, _ := tab.Claimant(pick.Piece)
	assert.NotEqual(t, "c", claimant)
}

func TestRemoveAssignmentsReleasesClaim(t *testing.T) {
	tab := New[string](fixedRemaining(10))
	tab.AssignPiece("a", 1)
	tab.AssignPiece("a", 3)
	tab.AssignPiece("b", 1)
	pick, ok := tab.Poll("a")
	require.True(t, ok)
	require.Equal(t, 1, pick.Piece)
	_, ok = tab.Poll("b")
	require.False(t, ok)

	tab.AssignPiece("b", 1)
	tab.RemoveAssignments("a")
	_, ok = tab.Claimant(1)
	assert.False(t, ok)
	assert.Equal(t, 0, tab.Assignees(3))
	assert.Empty(t, tab.held)
	pick, ok = tab.Poll("b")
	require.True(t, ok)
	assert.Equal(t, Pick{Piece: 1, Exclusive: true}, pick)
}

func TestRemoveAssignees(t *testing.T) {
	tab := New[string](fixedRemaining(10))
	tab.AssignPiece("a", 1)
	tab.AssignPiece("b", 1)
	tab.AssignPiece("b", 2)
	tab.AssignPiece("c", 2)
	_, ok := tab.Poll("c")
	require.True(t, ok)

	tab.RemoveAssignees(1)
	assert.Nil(t, tab.Candidates("a"))
	assert.Equal(t, []int{2}, tab.Candidates("b"))
	assert.NotContains(t, tab.candidates, "a")
	tab.RemoveAssignees(2)
	_, ok = tab.Claimant(2)
	assert.False(t, ok)
	assert.Empty(t, tab.candidates)
	assert.Empty(t, tab.assignees)
	assert.Empty(t, tab.claims)
	assert.Empty(t, tab.held)
}

func TestReleaseOnlyByClaimant(t *testing.T) {
	tab := New[string](fixedRemaining(10))
	tab.AssignPiece("a", 1)
	_, ok := tab.Poll("a")
	require.True(t, ok)
	assert.False(t, tab.Release("b", 1))
	assert.True(t, tab.Release("a", 1))
	assert.False(t, tab.Release("a", 1))
}

func TestAssignmentStatus(t *testing.T) {
	now := time.Now()
	a := NewAssignment("a", Pick{Piece: 3, Exclusive: true}, now, time.Minute)
	assert.Equal(t, Active, a.Status(now.Add(time.Minute)))
	assert.Equal(t, Timeout, a.Status(now.Add(time.Minute+1)))
	a.Finish()
	assert.Equal(t, Done, a.Status(now.Add(time.Hour)))
	assert.Equal(t, "done", Done.String())
}
