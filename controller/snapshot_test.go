package controller

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/liftbridge-io/raftlog/external"
)

func TestSelectSnapshotSourcePrefersLowerWeightThenFewerSessions(t *testing.T) {
	scores := []scoredPeer{
		{MemberID: 1, Score: external.SnapshotScore{ActiveSessions: 5, LeaderWeight: 1}},
		{MemberID: 2, Score: external.SnapshotScore{ActiveSessions: 50, LeaderWeight: -1}},
		{MemberID: 3, Score: external.SnapshotScore{ActiveSessions: 2, LeaderWeight: -1}},
	}

	id, ok := selectSnapshotSource(scores)
	require.True(t, ok)
	require.Equal(t, uint64(3), id, "lowest LeaderWeight wins, ties within it broken by ActiveSessions")
}

func TestSelectSnapshotSourceEmptyReturnsFalse(t *testing.T) {
	_, ok := selectSnapshotSource(nil)
	require.False(t, ok)
}

func TestLocalSnapshotScoreWeightReflectsRole(t *testing.T) {
	c := newTestController(t, 1)
	require.Equal(t, -1, c.localSnapshotScore(3).LeaderWeight)

	asLeader(t, c, 1)
	require.Equal(t, 1, c.localSnapshotScore(3).LeaderWeight)
}

func TestHandleSnapshotScoreReplyFeedsSelection(t *testing.T) {
	c := newTestController(t, 1)
	c.handleSnapshotScoreReply(2, 1, -1)
	c.handleSnapshotScoreReply(3, 100, 1)

	id, ok := c.SelectSnapshotSource()
	require.True(t, ok)
	require.Equal(t, uint64(2), id)
}
