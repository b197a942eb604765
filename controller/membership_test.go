package controller

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/liftbridge-io/raftlog/external"
	"github.com/liftbridge-io/raftlog/statelog"
)

// asLeader puts c directly into the Leader state GrantVote would, with a
// term already defined so Write can succeed.
func asLeader(t *testing.T, c *Controller, term statelog.Term) {
	t.Helper()
	_, err := c.opts.Log.DefineTerm(0, term, 0)
	require.NoError(t, err)
	c.mu.Lock()
	c.role = Leader
	c.currentTerm = term
	c.leaderPrevTerm = 0
	c.leaderTermStart = 0
	c.leaderWriter = nil
	c.mu.Unlock()
}

func TestProposeJoinAppliesLocallyOnLeader(t *testing.T) {
	c := newTestController(t, 1)
	asLeader(t, c, 1)

	_, err := c.ProposeJoin(external.PeerRecord{MemberID: 2, Address: "127.0.0.1:2", Role: external.Voter})
	require.NoError(t, err)

	peers := c.opts.GroupFile.AllPeers()
	found := false
	for _, p := range peers {
		if p.MemberID == 2 {
			found = true
		}
	}
	require.True(t, found, "joined peer should appear in the group file")
}

func TestProposeRemoveRejectsSelfRemoval(t *testing.T) {
	c := newTestController(t, 1)
	asLeader(t, c, 1)

	_, err := c.ProposeRemove(1)
	require.Equal(t, ErrSelfRemoval, err)
}

func TestProposeRemoveAppliesForOtherMember(t *testing.T) {
	c := newTestController(t, 1)
	asLeader(t, c, 1)

	_, err := c.ProposeJoin(external.PeerRecord{MemberID: 2, Address: "127.0.0.1:2", Role: external.Voter})
	require.NoError(t, err)

	_, err = c.ProposeRemove(2)
	require.NoError(t, err)

	for _, p := range c.opts.GroupFile.AllPeers() {
		require.NotEqual(t, uint64(2), p.MemberID)
	}
}

func TestProposeUpdateRoleRejectedWithoutMajorityOnCurrentVersion(t *testing.T) {
	c := newTestController(t, 1)
	asLeader(t, c, 1)
	c.AddPeer(2, "127.0.0.1:2")
	c.AddPeer(3, "127.0.0.1:3")
	// Neither tracked peer has reported a matching GroupVersion yet.

	_, err := c.ProposeUpdateRole(2, external.Observer)
	require.Equal(t, ErrMinorityGroupVersion, err)
}

func TestProposeUpdateRoleSucceedsWithMajorityOnCurrentVersion(t *testing.T) {
	c := newTestController(t, 1)
	asLeader(t, c, 1)
	p2 := c.AddPeer(2, "127.0.0.1:2")
	c.AddPeer(3, "127.0.0.1:3")

	_, err := c.ProposeJoin(external.PeerRecord{MemberID: 2, Address: "127.0.0.1:2", Role: external.Voter})
	require.NoError(t, err)

	current := c.opts.GroupFile.Version()
	c.mu.Lock()
	p2.GroupVersion = current
	c.mu.Unlock()

	// The join's reconcilePeers dropped peer 3 (it is not in the group
	// file), so self (implicit) + p2 = 2 of 2 members, a majority.
	_, err = c.ProposeUpdateRole(2, external.Observer)
	require.NoError(t, err)

	for _, p := range c.opts.GroupFile.AllPeers() {
		if p.MemberID == 2 {
			require.Equal(t, external.Observer, p.Role)
		}
	}
}
