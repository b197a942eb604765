package controller

import (
	"math/rand"
	"sort"

	"github.com/liftbridge-io/raftlog/channel"
	"github.com/liftbridge-io/raftlog/external"
)

// RequestSnapshotScores asks every consensus peer to report its
// current snapshot score; call SelectSnapshotSource once replies have
// had time to arrive via handleSnapshotScoreReply.
func (c *Controller) RequestSnapshotScores() {
	c.mu.RLock()
	peers := c.peerList()
	c.mu.RUnlock()
	for _, p := range peers {
		if p.Channel == nil {
			continue
		}
		if err := p.Channel.Send(channel.SnapshotScore, nil, 0); err != nil {
			c.log.Debugf("controller: SNAPSHOT_SCORE to %d failed: %v", p.MemberID, err)
		}
	}
}

// localSnapshotScore reports this member's own score: leaderWeight is
// 1 for the Leader, -1 otherwise (spec.md §4.5).
func (c *Controller) localSnapshotScore(activeSessions int) external.SnapshotScore {
	weight := -1
	if c.Role() == Leader {
		weight = 1
	}
	return external.SnapshotScore{
		MemberID:       c.opts.SelfMemberID,
		ActiveSessions: activeSessions,
		LeaderWeight:   weight,
	}
}

// handleSnapshotScoreReply records a peer's self-reported score for
// the next SelectSnapshotSource call.
func (c *Controller) handleSnapshotScoreReply(peerMemberID uint64, activeSessions, leaderWeight int) {
	c.snapshotMu.Lock()
	c.snapshotScores[peerMemberID] = external.SnapshotScore{
		MemberID:       peerMemberID,
		ActiveSessions: activeSessions,
		LeaderWeight:   leaderWeight,
	}
	c.snapshotMu.Unlock()
}

// scoredPeer pairs a member id with its reported score, for selectSnapshotSource.
type scoredPeer struct {
	MemberID uint64
	Score    external.SnapshotScore
}

// SelectSnapshotSource picks the lowest-scoring peer among every peer
// whose reply has been recorded (scores are kept across calls, each
// peer's latest reply replacing its earlier one), lower being preferred, ties broken
// by random shuffle then a stable sort (spec.md §4.5).
func (c *Controller) SelectSnapshotSource() (uint64, bool) {
	c.snapshotMu.Lock()
	scores := make([]scoredPeer, 0, len(c.snapshotScores))
	for id, s := range c.snapshotScores {
		scores = append(scores, scoredPeer{MemberID: id, Score: s})
	}
	c.snapshotMu.Unlock()
	return selectSnapshotSource(scores)
}

// selectSnapshotSource picks the lowest-scoring peer, lower being
// preferred, ties broken by random shuffle then a stable sort (spec.md
// §4.5: "ties broken by random shuffle then stable sort").
func selectSnapshotSource(scores []scoredPeer) (uint64, bool) {
	if len(scores) == 0 {
		return 0, false
	}
	shuffled := append([]scoredPeer(nil), scores...)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	sort.SliceStable(shuffled, func(i, j int) bool {
		si, sj := shuffled[i].Score, shuffled[j].Score
		if si.LeaderWeight != sj.LeaderWeight {
			return si.LeaderWeight < sj.LeaderWeight
		}
		return si.ActiveSessions < sj.ActiveSessions
	})
	return shuffled[0].MemberID, true
}
