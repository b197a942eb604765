package controller

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/liftbridge-io/raftlog/channel"
	"github.com/liftbridge-io/raftlog/external"
	"github.com/liftbridge-io/raftlog/statelog"
)

// Wire encodings for the remaining opcodes in the table (SYNC_COMMIT,
// COMPACT, GROUP_VERSION, UPDATE_ROLE, GROUP_FILE and their replies):
// these ride alongside the committed-control-message path in
// membership.go rather than replacing it, covering the peer-to-peer
// housekeeping RPCs spec.md §4.4 enumerates but §4.5 doesn't narrate
// in full (durability sync, segment compaction, and a joining peer's
// initial membership-file pull).

func encodeSyncCommit(prevTerm, term statelog.Term, pos statelog.Position) []byte {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(prevTerm))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(term))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(pos))
	return buf
}

func decodeSyncCommit(body []byte) (prevTerm, term statelog.Term, pos statelog.Position, err error) {
	if len(body) < 24 {
		return 0, 0, 0, errors.New("controller: short SYNC_COMMIT body")
	}
	prevTerm = statelog.Term(binary.LittleEndian.Uint64(body[0:8]))
	term = statelog.Term(binary.LittleEndian.Uint64(body[8:16]))
	pos = statelog.Position(binary.LittleEndian.Uint64(body[16:24]))
	return
}

func encodeSyncCommitReply(result int64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(result))
	return buf
}

func decodeSyncCommitReply(body []byte) (int64, error) {
	if len(body) < 8 {
		return 0, errors.New("controller: short SYNC_COMMIT_REPLY body")
	}
	return int64(binary.LittleEndian.Uint64(body)), nil
}

func encodeCompact(pos statelog.Position) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(pos))
	return buf
}

func decodeCompact(body []byte) (statelog.Position, error) {
	if len(body) < 8 {
		return 0, errors.New("controller: short COMPACT body")
	}
	return statelog.Position(binary.LittleEndian.Uint64(body)), nil
}

func encodeUpdateRole(memberID uint64, role external.MemberRole) []byte {
	buf := make([]byte, 9)
	binary.LittleEndian.PutUint64(buf[0:8], memberID)
	buf[8] = byte(role)
	return buf
}

func decodeUpdateRole(body []byte) (memberID uint64, role external.MemberRole, err error) {
	if len(body) < 9 {
		return 0, 0, errors.New("controller: short UPDATE_ROLE body")
	}
	memberID = binary.LittleEndian.Uint64(body[0:8])
	role = external.MemberRole(body[8])
	return
}

func encodeUpdateRoleReply(ok bool) []byte {
	if ok {
		return []byte{1}
	}
	return []byte{0}
}

func decodeUpdateRoleReply(body []byte) (bool, error) {
	if len(body) < 1 {
		return false, errors.New("controller: short UPDATE_ROLE_REPLY body")
	}
	return body[0] != 0, nil
}

func encodeGroupVersionReply(version uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, version)
	return buf
}

func decodeGroupVersionReply(body []byte) (uint64, error) {
	if len(body) < 8 {
		return 0, errors.New("controller: short GROUP_VERSION_REPLY body")
	}
	return binary.LittleEndian.Uint64(body), nil
}

// sendSyncCommit issues a durability check/advance request to p, the
// sync tick's peer-directed counterpart to syncTick's local
// CommitDurable call.
func (c *Controller) sendSyncCommit(p *Peer, prevTerm, term statelog.Term, pos statelog.Position) {
	if p == nil || p.Channel == nil {
		return
	}
	body := encodeSyncCommit(prevTerm, term, pos)
	if err := p.Channel.Send(channel.SyncCommit, body, 24); err != nil {
		c.log.Debugf("controller: SYNC_COMMIT to %d failed: %v", p.MemberID, err)
	}
}

// handleSyncCommit answers SYNC_COMMIT with the position now durable
// enough to report (spec.md §4.3's -1 sentinel is preserved on the
// wire as-is).
func (c *Controller) handleSyncCommit(from *Peer, prevTerm, term statelog.Term, pos statelog.Position) error {
	result := c.opts.Log.SyncCommit(prevTerm, term, pos)
	if from == nil || from.Channel == nil {
		return nil
	}
	return from.Channel.Send(channel.SyncCommitReply, encodeSyncCommitReply(result), 8)
}

// handleSyncCommitReply records a peer's now-durable position.
func (c *Controller) handleSyncCommitReply(from *Peer, result int64) {
	if from == nil || result < 0 {
		return
	}
	c.mu.Lock()
	if statelog.Position(result) > from.SyncMatchPosition {
		from.SyncMatchPosition = statelog.Position(result)
	}
	c.mu.Unlock()
}

// sendCompact tells p to drop whole segments ending at or before pos.
// It checks no peer's SyncMatchPosition, and no code in this package
// calls it.
func (c *Controller) sendCompact(p *Peer, pos statelog.Position) {
	if p == nil || p.Channel == nil {
		return
	}
	if err := p.Channel.Send(channel.Compact, encodeCompact(pos), 8); err != nil {
		c.log.Debugf("controller: COMPACT to %d failed: %v", p.MemberID, err)
	}
}

// handleCompact applies an incoming COMPACT locally and records the
// position on the sending peer for bookkeeping.
func (c *Controller) handleCompact(from *Peer, pos statelog.Position) error {
	if _, err := c.opts.Log.Compact(pos); err != nil {
		return err
	}
	if from != nil {
		c.mu.Lock()
		if pos > from.CompactPosition {
			from.CompactPosition = pos
		}
		c.mu.Unlock()
	}
	return nil
}

// handleUpdateRole forwards a role-change request to ProposeUpdateRole
// if this member is currently Leader, rejecting it otherwise so the
// requester can retry against whichever peer it next believes leads
// (mirrors how Write itself only succeeds on the Leader).
func (c *Controller) handleUpdateRole(from *Peer, memberID uint64, role external.MemberRole) error {
	var ok bool
	if c.Role() == Leader {
		if _, err := c.ProposeUpdateRole(memberID, role); err == nil {
			ok = true
		}
	}
	if from == nil || from.Channel == nil {
		return nil
	}
	return from.Channel.Send(channel.UpdateRoleReply, encodeUpdateRoleReply(ok), 1)
}

// handleUpdateRoleReply is a no-op placeholder for callers that issue
// UPDATE_ROLE and want to observe completion via a future synchronous
// API; nothing in this package currently sends UPDATE_ROLE itself.
func (c *Controller) handleUpdateRoleReply(ok bool) {
	if !ok {
		c.log.Debugf("controller: UPDATE_ROLE rejected by leader")
	}
}

// handleGroupVersion answers with this member's GroupFile version.
func (c *Controller) handleGroupVersion(from *Peer) error {
	if from == nil || from.Channel == nil {
		return nil
	}
	reply := encodeGroupVersionReply(c.opts.GroupFile.Version())
	return from.Channel.Send(channel.GroupVersionReply, reply, 8)
}

// handleGroupVersionReply records a peer's reported group version,
// feeding majorityOnCurrentGroupVersion.
func (c *Controller) handleGroupVersionReply(from *Peer, version uint64) {
	if from == nil {
		return
	}
	c.mu.Lock()
	from.GroupVersion = version
	c.mu.Unlock()
}

// handleGroupFile answers a GROUP_FILE request (typically from a
// newly joining peer) with the full current peer list, encoded the
// same simple way external.InMemoryGroupFile encodes control messages
// (spec.md §1: group membership file wire format is out of scope, so
// this stays a private encoding between raftlog peers).
func (c *Controller) handleGroupFile(from *Peer) error {
	if from == nil || from.Channel == nil {
		return nil
	}
	peers := c.opts.GroupFile.AllPeers()
	body := encodePeerRecords(peers)
	return from.Channel.Send(channel.GroupFileReply, body, 0)
}

func encodePeerRecords(peers []external.PeerRecord) []byte {
	buf := make([]byte, 0, 4+len(peers)*32)
	count := make([]byte, 4)
	binary.LittleEndian.PutUint32(count, uint32(len(peers)))
	buf = append(buf, count...)
	for _, p := range peers {
		entry := make([]byte, 8+1+2+len(p.Address))
		binary.LittleEndian.PutUint64(entry[0:8], p.MemberID)
		entry[8] = byte(p.Role)
		binary.LittleEndian.PutUint16(entry[9:11], uint16(len(p.Address)))
		copy(entry[11:], p.Address)
		buf = append(buf, entry...)
	}
	return buf
}

func decodePeerRecords(body []byte) ([]external.PeerRecord, error) {
	if len(body) < 4 {
		return nil, errors.New("controller: short GROUP_FILE_REPLY body")
	}
	count := binary.LittleEndian.Uint32(body[0:4])
	peers := make([]external.PeerRecord, 0, count)
	offset := 4
	for i := uint32(0); i < count; i++ {
		if len(body) < offset+11 {
			return nil, errors.New("controller: truncated GROUP_FILE_REPLY entry")
		}
		memberID := binary.LittleEndian.Uint64(body[offset : offset+8])
		role := external.MemberRole(body[offset+8])
		addrLen := int(binary.LittleEndian.Uint16(body[offset+9 : offset+11]))
		offset += 11
		if len(body) < offset+addrLen {
			return nil, errors.New("controller: truncated GROUP_FILE_REPLY address")
		}
		address := string(body[offset : offset+addrLen])
		offset += addrLen
		peers = append(peers, external.PeerRecord{MemberID: memberID, Address: address, Role: role})
	}
	return peers, nil
}
