package controller

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/liftbridge-io/raftlog/external"
	"github.com/liftbridge-io/raftlog/logger"
	"github.com/liftbridge-io/raftlog/statelog"
)

func newTestStateLog(t *testing.T) *statelog.StateLog {
	t.Helper()
	sl, err := statelog.New(statelog.Options{Dir: t.TempDir(), Name: "log"})
	require.NoError(t, err)
	t.Cleanup(func() { sl.Close() }) // nolint: errcheck
	return sl
}

func newTestController(t *testing.T, selfID uint64) *Controller {
	t.Helper()
	c := New(Options{
		SelfMemberID: selfID,
		Log:          newTestStateLog(t),
		GroupFile:    external.NewInMemoryGroupFile(1, selfID, "127.0.0.1:0"),
		Logger:       logger.New(0),
	})
	t.Cleanup(func() { c.Close() }) // nolint: errcheck
	return c
}

func TestQuorumCommitIsMedianOfSelfAndPeers(t *testing.T) {
	peers := []*Peer{
		{MemberID: 2, MatchPosition: 10},
		{MemberID: 3, MatchPosition: 30},
	}
	// Sorted with self=20: [10, 20, 30], median index 1 -> 20.
	require.Equal(t, statelog.Position(20), quorumCommit(peers, 20))

	// Four peers plus self: sorted [0,10,20,30,40], median index 2 -> 20.
	peers = append(peers, &Peer{MemberID: 4, MatchPosition: 0}, &Peer{MemberID: 5, MatchPosition: 40})
	require.Equal(t, statelog.Position(20), quorumCommit(peers, 20))
}

func TestAddPeerAndPeerByID(t *testing.T) {
	c := newTestController(t, 1)
	c.AddPeer(2, "127.0.0.1:1")

	p, err := c.PeerByID(2)
	require.NoError(t, err)
	require.Equal(t, uint64(2), p.MemberID)

	_, err = c.PeerByID(99)
	require.Equal(t, ErrUnknownPeer, err)

	c.RemovePeer(2)
	_, err = c.PeerByID(2)
	require.Equal(t, ErrUnknownPeer, err)
}

func TestRoleDefaultsToFollower(t *testing.T) {
	c := newTestController(t, 1)
	require.Equal(t, Follower, c.Role())
	require.Equal(t, statelog.Term(0), c.CurrentTerm())
}

func TestCloseIsIdempotentAndDrainsQueries(t *testing.T) {
	c := newTestController(t, 1)
	id, _ := c.queries.register(context.Background(), 0)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, ok := c.queries.complete(id)
	require.False(t, ok, "Close should drain pending queries")
}
