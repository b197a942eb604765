package controller

import (
	"github.com/liftbridge-io/raftlog/external"
	"github.com/liftbridge-io/raftlog/statelog"
)

// controlTag prefixes a membership control message so it can be told
// apart from ordinary application data in the same log stream (spec.md
// §4.5: "applied as control messages embedded in the log stream at a
// known position"). The byte right after it is the GroupFile control
// message's own kind byte ('j'/'u'/'r'), which applyControlMessage
// peeks at to route to the right Apply call without needing GroupFile
// to expose a generic dispatch.
const controlTag = 0xFE

// ProposeJoin encodes and writes a join control message for peer. The
// leader applies it to its own GroupFile as soon as the local write
// succeeds; followers apply it on receipt in handleWriteData once they
// observe the control tag.
func (c *Controller) ProposeJoin(peer external.PeerRecord) (statelog.Position, error) {
	msg, err := c.opts.GroupFile.ProposeJoin(peer)
	if err != nil {
		return 0, err
	}
	return c.writeControl(msg)
}

// ProposeUpdateRole encodes and writes a role-update control message.
// Role changes that would alter the consensus majority require a
// majority of consensus peers already reporting the group file's
// current version (spec.md §4.5).
func (c *Controller) ProposeUpdateRole(memberID uint64, role external.MemberRole) (statelog.Position, error) {
	if !c.majorityOnCurrentGroupVersion() {
		return 0, ErrMinorityGroupVersion
	}
	msg, err := c.opts.GroupFile.ProposeUpdateRole(memberID, role)
	if err != nil {
		return 0, err
	}
	return c.writeControl(msg)
}

// ProposeRemove encodes and writes a remove control message. A leader
// may not remove itself (spec.md §4.5, and the Open Question resolved
// in DESIGN.md: this remains unsupported future work).
func (c *Controller) ProposeRemove(memberID uint64) (statelog.Position, error) {
	if memberID == c.opts.SelfMemberID {
		return 0, ErrSelfRemoval
	}
	msg, err := c.opts.GroupFile.ProposeRemove(memberID)
	if err != nil {
		return 0, err
	}
	return c.writeControl(msg)
}

func (c *Controller) writeControl(msg []byte) (statelog.Position, error) {
	tagged := make([]byte, 1+len(msg))
	tagged[0] = controlTag
	copy(tagged[1:], msg)
	pos, err := c.Write(tagged, statelog.Position(len(tagged)))
	if err != nil {
		return 0, err
	}
	if err := c.applyControlMessage(msg); err != nil {
		c.log.Warnf("controller: local apply of control message failed: %v", err)
	}
	return pos, nil
}

// applyControlMessage routes a decoded (untagged) control message to
// the matching GroupFile Apply call by peeking at its leading kind
// byte, then refreshes the consensus peer set against the file's new
// contents (spec.md §4.5: applying a membership change "refreshes the
// peer set").
func (c *Controller) applyControlMessage(msg []byte) error {
	if len(msg) == 0 {
		return nil
	}
	var err error
	switch msg[0] {
	case 'j':
		err = c.opts.GroupFile.ApplyJoin(msg)
	case 'u':
		err = c.opts.GroupFile.ApplyUpdateRole(msg)
	case 'r':
		err = c.opts.GroupFile.ApplyRemove(msg)
	default:
		return nil
	}
	if err != nil {
		return err
	}
	c.reconcilePeers()
	return nil
}

// reconcilePeers adds a Peer for every GroupFile member not yet
// tracked and drops any tracked Peer the GroupFile no longer lists,
// so a join/remove control message takes effect on the consensus peer
// set as soon as it's applied.
func (c *Controller) reconcilePeers() {
	selfID := c.opts.SelfMemberID
	current := c.opts.GroupFile.AllPeers()

	want := make(map[uint64]external.PeerRecord, len(current))
	for _, p := range current {
		if p.MemberID == selfID {
			continue
		}
		want[p.MemberID] = p
	}

	c.mu.RLock()
	var toAdd []external.PeerRecord
	var toRemove []uint64
	for id, p := range want {
		if _, ok := c.peers[id]; !ok {
			toAdd = append(toAdd, p)
		}
	}
	for id := range c.peers {
		if _, ok := want[id]; !ok {
			toRemove = append(toRemove, id)
		}
	}
	c.mu.RUnlock()

	for _, p := range toAdd {
		c.AddPeer(p.MemberID, p.Address)
	}
	for _, id := range toRemove {
		c.RemovePeer(id)
	}
}

// majorityOnCurrentGroupVersion reports whether a majority of
// consensus peers have reported the group file's current version via
// their last GROUP_VERSION_REPLY (tracked on Peer.GroupVersion). A
// peer whose GroupVersion is still zero has not reported and is not
// counted.
func (c *Controller) majorityOnCurrentGroupVersion() bool {
	current := c.opts.GroupFile.Version()
	c.mu.RLock()
	defer c.mu.RUnlock()
	count := 0
	for _, p := range c.peers {
		if p.GroupVersion != 0 && p.GroupVersion == current {
			count++
		}
	}
	return count+1 > (len(c.peers)+1)/2
}
