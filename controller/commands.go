package controller

import (
	"github.com/liftbridge-io/raftlog/channel"
	"github.com/liftbridge-io/raftlog/statelog"
)

// sendRequestVote issues REQUEST_VOTE to p for the given candidacy.
func (c *Controller) sendRequestVote(p *Peer, term statelog.Term, highestTerm statelog.Term, highestPos statelog.Position) {
	if p == nil || p.Channel == nil {
		return
	}
	body := encodeRequestVote(term, c.opts.SelfMemberID, highestTerm, highestPos)
	if err := p.Channel.Send(channel.RequestVote, body, 32); err != nil {
		c.log.Debugf("controller: REQUEST_VOTE to %d failed: %v", p.MemberID, err)
	}
}

// sendLeaderCheck asks p whether it currently sees a leader. Used by a
// non-Leader while its electionValidated counter is still positive, to
// avoid starting an election against a group that already has one
// (spec.md §4.5).
func (c *Controller) sendLeaderCheck(p *Peer) {
	if p == nil || p.Channel == nil {
		return
	}
	if err := p.Channel.Send(channel.LeaderCheck, nil, 0); err != nil {
		c.log.Debugf("controller: LEADER_CHECK to %d failed: %v", p.MemberID, err)
	}
}

// affirmLeadership is the Leader-side election tick action. Leadership
// itself is affirmed by the ongoing flow of WRITE_DATA/WRITE_DATA_REPLY
// traffic; here the Leader only sends LEADER_CHECK to every peer, and
// each reply refreshes that peer's reportedNoLeader/LeaderCheckOK
// bookkeeping. A peer that does not reply keeps its previous values.
func (c *Controller) affirmLeadership() {
	c.mu.RLock()
	peers := c.peerList()
	c.mu.RUnlock()
	for _, p := range peers {
		c.sendLeaderCheck(p)
	}
}

// handleLeaderCheck answers LEADER_CHECK with whether this member
// currently believes a leader exists (itself, if Leader, or its last
// known leaderChannel otherwise).
func (c *Controller) handleLeaderCheck(p *Peer) {
	c.mu.RLock()
	hasLeader := (c.role == Leader && c.validatedTerm == c.currentTerm) || c.leaderChannel != nil
	c.mu.RUnlock()
	if p == nil || p.Channel == nil {
		return
	}
	body := encodeLeaderCheckReply(hasLeader)
	if err := p.Channel.Send(channel.LeaderCheckReply, body, 1); err != nil {
		c.log.Debugf("controller: LEADER_CHECK_REPLY to %d failed: %v", p.MemberID, err)
	}
}

// handleLeaderCheckReply records whether p reported seeing a leader,
// feeding electionTick's majority-no-leader check.
func (c *Controller) handleLeaderCheckReply(p *Peer, hasLeader bool) {
	if p == nil {
		return
	}
	c.mu.Lock()
	p.reportedNoLeader = !hasLeader
	p.LeaderCheckOK = hasLeader
	c.mu.Unlock()
}
