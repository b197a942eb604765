package controller

import (
	"github.com/pkg/errors"

	"github.com/liftbridge-io/raftlog/channel"
)

// HandleCommand implements channel.Handler: a large opcode switch is
// appropriate here (spec.md §9) rather than per-opcode dynamic
// dispatch, since the set of opcodes is closed and enumerated on the
// wire.
func (c *Controller) HandleCommand(peerMemberID uint64, opcode channel.Opcode, body []byte) error {
	c.mu.RLock()
	peer := c.peers[peerMemberID]
	c.mu.RUnlock()

	switch opcode {
	case channel.RequestVote:
		term, candidateID, highestTerm, highestPos, err := decodeRequestVote(body)
		if err != nil {
			return err
		}
		granted := c.RequestVote(term, candidateID, highestTerm, highestPos)
		if peer != nil && peer.Channel != nil {
			reply := encodeRequestVoteReply(c.CurrentTerm(), granted)
			return peer.Channel.Send(channel.RequestVoteReply, reply, 8)
		}
		return nil

	case channel.RequestVoteReply:
		term, granted, err := decodeRequestVoteReply(body)
		if err != nil {
			return err
		}
		if granted {
			c.GrantVote(term)
		} else {
			c.observeTerm(term)
		}
		return nil

	case channel.ForceElection:
		c.mu.Lock()
		c.electionValidated = 0
		c.mu.Unlock()
		return nil

	case channel.WriteData, channel.WriteAndProxy, channel.WriteViaProxy:
		prevTerm, term, position, highestHint, commitPosition, data, err := decodeWriteData(body)
		if err != nil {
			return err
		}
		c.handleWriteData(peer, prevTerm, term, position, highestHint, commitPosition, data)
		if opcode == channel.WriteAndProxy {
			c.fanProxiedWrite(peerMemberID, body)
		}
		return nil

	case channel.WriteDataReply:
		term, peerHighest, err := decodeWriteDataReply(body)
		if err != nil {
			return err
		}
		c.handleWriteDataReply(peer, term, peerHighest)
		return nil

	case channel.QueryTerms:
		// Source omits QUERY_TERMS_REPLY's exact payload; this
		// implementation answers with this member's own highest
		// term/position so the requester can retry DefineTerm with
		// up-to-date prerequisites.
		highestTerm, highestPos := c.localHighest()
		if peer != nil && peer.Channel != nil {
			reply := encodeRequestVote(highestTerm, c.opts.SelfMemberID, highestTerm, highestPos)
			return peer.Channel.Send(channel.QueryTermsReply, reply, 32)
		}
		return nil

	case channel.QueryTermsReply:
		_, _, highestTerm, highestPos, err := decodeRequestVote(body)
		if err != nil {
			return err
		}
		c.handleQueryTermsReply(highestTerm, highestPos)
		return nil

	case channel.QueryData:
		start, end, correlationID, err := decodeQueryData(body)
		if err != nil {
			return err
		}
		return c.handleQueryData(peer, start, end, correlationID)

	case channel.QueryDataReply:
		correlationID, data, err := decodeQueryDataReply(body)
		if err != nil {
			return err
		}
		return c.handleQueryDataReply(correlationID, data)

	case channel.QueryDataReplyMissing:
		_, _, correlationID, err := decodeQueryData(body)
		if err != nil {
			return err
		}
		c.queries.forget(correlationID)
		return nil

	case channel.LeaderCheck:
		c.handleLeaderCheck(peer)
		return nil

	case channel.LeaderCheckReply:
		hasLeader, err := decodeLeaderCheckReply(body)
		if err != nil {
			return err
		}
		c.handleLeaderCheckReply(peer, hasLeader)
		return nil

	case channel.SnapshotScore:
		score := c.localSnapshotScore(0)
		if peer != nil && peer.Channel != nil {
			reply := encodeSnapshotScoreReply(score.ActiveSessions, score.LeaderWeight)
			return peer.Channel.Send(channel.SnapshotScoreReply, reply, 16)
		}
		return nil

	case channel.SnapshotScoreReply:
		activeSessions, leaderWeight, err := decodeSnapshotScoreReply(body)
		if err != nil {
			return err
		}
		c.handleSnapshotScoreReply(peerMemberID, activeSessions, leaderWeight)
		return nil

	case channel.SyncCommit:
		prevTerm, term, pos, err := decodeSyncCommit(body)
		if err != nil {
			return err
		}
		return c.handleSyncCommit(peer, prevTerm, term, pos)

	case channel.SyncCommitReply:
		result, err := decodeSyncCommitReply(body)
		if err != nil {
			return err
		}
		c.handleSyncCommitReply(peer, result)
		return nil

	case channel.Compact:
		pos, err := decodeCompact(body)
		if err != nil {
			return err
		}
		return c.handleCompact(peer, pos)

	case channel.UpdateRole:
		memberID, role, err := decodeUpdateRole(body)
		if err != nil {
			return err
		}
		return c.handleUpdateRole(peer, memberID, role)

	case channel.UpdateRoleReply:
		ok, err := decodeUpdateRoleReply(body)
		if err != nil {
			return err
		}
		c.handleUpdateRoleReply(ok)
		return nil

	case channel.GroupVersion:
		return c.handleGroupVersion(peer)

	case channel.GroupVersionReply:
		version, err := decodeGroupVersionReply(body)
		if err != nil {
			return err
		}
		c.handleGroupVersionReply(peer, version)
		return nil

	case channel.GroupFile:
		return c.handleGroupFile(peer)

	case channel.GroupFileReply:
		_, err := decodePeerRecords(body)
		return err

	case channel.NOP:
		return nil

	default:
		return errors.Errorf("controller: unhandled opcode %s", opcode)
	}
}
