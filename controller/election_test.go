package controller

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/liftbridge-io/raftlog/statelog"
)

// asCandidate puts c into the Candidate state startElection would, without
// depending on the randomized timer loop.
func asCandidate(c *Controller, term statelog.Term, peerCount int) {
	c.mu.Lock()
	c.role = Candidate
	c.currentTerm = term
	self := c.opts.SelfMemberID
	c.votedFor = &self
	c.grantsRemaining = peerCount
	c.mu.Unlock()
}

func TestGrantVoteBecomesLeaderOnMajority(t *testing.T) {
	c := newTestController(t, 1)
	c.AddPeer(2, "127.0.0.1:1")
	c.AddPeer(3, "127.0.0.1:2")
	asCandidate(c, 1, 2)

	// First grant: 1 (self) + 1 = 2 of 3, already a majority.
	c.GrantVote(1)
	require.Equal(t, Leader, c.Role())
}

func TestGrantVoteIgnoresStaleTermOrWrongRole(t *testing.T) {
	c := newTestController(t, 1)
	c.AddPeer(2, "127.0.0.1:1")
	asCandidate(c, 5, 1)

	c.GrantVote(4) // stale term, ignored
	require.Equal(t, Candidate, c.Role())

	c.mu.Lock()
	c.role = Follower
	c.mu.Unlock()
	c.GrantVote(5) // no longer a candidate, ignored
	require.Equal(t, Follower, c.Role())
}

func TestRequestVoteGrantsOnlyWhenNotBehindAndUnvoted(t *testing.T) {
	c := newTestController(t, 1)

	granted := c.RequestVote(1, 2, 0, 0)
	require.True(t, granted)
	require.Equal(t, statelog.Term(1), c.CurrentTerm())

	// A second candidate in the same term is refused: already voted.
	granted = c.RequestVote(1, 3, 0, 0)
	require.False(t, granted)

	// Re-requesting from the same candidate in the same term is fine.
	granted = c.RequestVote(1, 2, 0, 0)
	require.True(t, granted)
}

func TestRequestVoteRefusesBehindCandidate(t *testing.T) {
	c := newTestController(t, 1)
	_, err := c.opts.Log.DefineTerm(0, 1, 0)
	require.NoError(t, err)
	w, err := c.opts.Log.OpenWriter(0)
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"), 5)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// Candidate claims a lower highest position in the same term: behind.
	granted := c.RequestVote(1, 2, 1, 0)
	require.False(t, granted)
}

func TestRequestVoteStepsDownOnHigherTerm(t *testing.T) {
	c := newTestController(t, 1)
	asCandidate(c, 3, 1)

	granted := c.RequestVote(4, 2, 0, 0)
	require.True(t, granted)
	require.Equal(t, Follower, c.Role())
	require.Equal(t, statelog.Term(4), c.CurrentTerm())
}
