package controller

import (
	"time"

	"github.com/liftbridge-io/raftlog/channel"
	"github.com/liftbridge-io/raftlog/statelog"
)

// Write appends data to the Leader's current term and fans it out to
// consensus peers, directly or via a rotating proxy (spec.md §4.5).
func (c *Controller) Write(data []byte, highestHint statelog.Position) (statelog.Position, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	if c.role != Leader {
		c.mu.Unlock()
		return 0, ErrNotLeader
	}
	if c.leaderWriter == nil {
		w, err := c.opts.Log.OpenWriter(c.leaderTermStart)
		if err != nil {
			c.mu.Unlock()
			return 0, err
		}
		c.leaderWriter = w
	}
	w := c.leaderWriter
	prevTerm := c.leaderPrevTerm
	term := c.currentTerm
	proxyMode := c.opts.ProxyMode
	c.mu.Unlock()

	pos := w.Position()
	newPos, err := w.Write(data, highestHint)
	if err != nil {
		return pos, err
	}

	info, err := c.opts.Log.CaptureHighest()
	if err != nil {
		return newPos, err
	}

	c.mu.RLock()
	peers := c.peerList()
	self := info.Highest
	commit := quorumCommit(peers, self)
	c.mu.RUnlock()
	// The leader counts its own write toward commit immediately: feed
	// it through the same median computation peer replies use.
	if err := c.opts.Log.Commit(commit); err != nil {
		c.log.Debugf("controller: local commit advance failed: %v", err)
	}

	body := encodeWriteData(prevTerm, term, pos, info.Highest, commit, data)
	if proxyMode {
		c.sendViaProxy(peers, body)
	} else {
		for _, p := range peers {
			if p.Channel == nil {
				continue
			}
			opcode := channel.WriteData
			if err := p.Channel.Send(opcode, body, 40); err != nil {
				c.log.Debugf("controller: WRITE_DATA to %d failed: %v", p.MemberID, err)
			}
		}
	}
	return newPos, nil
}

// sendViaProxy picks the current proxy peer (rotating after
// proxyRebalanceBytes bytes, spec.md §4.5) and sends it WRITE_AND_PROXY;
// the proxying peer is responsible for fanning the write to the rest of
// the group after applying it locally.
func (c *Controller) sendViaProxy(peers []*Peer, body []byte) {
	if len(peers) == 0 {
		return
	}
	c.mu.Lock()
	if !c.proxyHasPeer || c.proxyByteCount >= proxyRebalanceBytes {
		c.proxyPeer = (c.proxyPeer + 1) % uint64(len(peers))
		c.proxyHasPeer = true
		c.proxyByteCount = 0
	}
	idx := c.proxyPeer
	c.proxyByteCount += uint64(len(body))
	c.mu.Unlock()

	proxy := peers[idx]
	if proxy.Channel == nil {
		return
	}
	if err := proxy.Channel.Send(channel.WriteAndProxy, body, 40); err != nil {
		c.log.Debugf("controller: WRITE_AND_PROXY to %d failed: %v", proxy.MemberID, err)
		return
	}
	c.mu.Lock()
	proxy.ProxyBytes += uint64(len(body))
	c.mu.Unlock()
}

// fanProxiedWrite relays a WRITE_VIA_PROXY to every consensus peer but
// the one that proxied it, done by a peer handling WRITE_AND_PROXY
// after applying it locally (spec.md §4.5: "proxying peer fans the
// write to all other peers after local apply").
func (c *Controller) fanProxiedWrite(from uint64, body []byte) {
	c.mu.RLock()
	peers := c.peerList()
	c.mu.RUnlock()
	for _, p := range peers {
		if p.MemberID == from || p.Channel == nil {
			continue
		}
		if err := p.Channel.Send(channel.WriteViaProxy, body, 40); err != nil {
			c.log.Debugf("controller: WRITE_VIA_PROXY to %d failed: %v", p.MemberID, err)
		}
	}
}

// handleWriteData applies an incoming WRITE_DATA (or proxied write) as
// a Follower. It rejects a write whose prerequisite term is missing by
// rate-limiting a QUERY_TERMS retry rather than blocking the read loop
// (spec.md §4.5).
func (c *Controller) handleWriteData(from *Peer, prevTerm, term statelog.Term, position, highestHint, commitPosition statelog.Position, data []byte) {
	c.observeTerm(term)

	c.mu.Lock()
	if c.leaderChannel == nil && from != nil {
		c.leaderChannel = from.Channel
		c.log.Infof("controller: observed leader %d for term %d", from.MemberID, term)
	}
	c.mu.Unlock()

	rejected, err := c.opts.Log.DefineTerm(prevTerm, term, position)
	if err != nil {
		c.log.Warnf("controller: DefineTerm failed for WRITE_DATA at %d: %v", position, err)
		return
	}
	if rejected {
		c.rateLimitQueryTerms(from)
		return
	}

	w, err := c.opts.Log.OpenWriter(position)
	if err != nil {
		c.log.Warnf("controller: OpenWriter failed for WRITE_DATA at %d: %v", position, err)
		return
	}
	defer w.Close() // nolint: errcheck

	if _, err := w.Write(data, highestHint); err != nil {
		c.log.Warnf("controller: write failed at %d: %v", position, err)
		return
	}
	if err := c.opts.Log.Commit(commitPosition); err != nil {
		c.log.Debugf("controller: commit to %d failed: %v", commitPosition, err)
	}

	if len(data) > 0 && data[0] == controlTag {
		if err := c.applyControlMessage(data[1:]); err != nil {
			c.log.Warnf("controller: follower apply of control message failed: %v", err)
		}
	}

	info, err := c.opts.Log.CaptureHighest()
	if err != nil {
		return
	}
	if from == nil || from.Channel == nil {
		return
	}
	reply := encodeWriteDataReply(term, info.Highest)
	if err := from.Channel.Send(channel.WriteDataReply, reply, 16); err != nil {
		c.log.Debugf("controller: WRITE_DATA_REPLY to %d failed: %v", from.MemberID, err)
	}
}

// queryTermsInterval is the rate limit (spec.md §4.5: "rate-limit
// QUERY_TERMS at ≤ 1 ms intervals") applied controller-wide: one
// timestamp is shared by every sender.
const queryTermsInterval = time.Millisecond

func (c *Controller) rateLimitQueryTerms(from *Peer) {
	if from == nil || from.Channel == nil {
		return
	}
	c.mu.Lock()
	now := time.Now()
	if !c.lastQueryTerms.IsZero() && now.Sub(c.lastQueryTerms) < queryTermsInterval {
		c.mu.Unlock()
		return
	}
	c.lastQueryTerms = now
	c.mu.Unlock()

	if err := from.Channel.Send(channel.QueryTerms, nil, 0); err != nil {
		c.log.Debugf("controller: QUERY_TERMS to %d failed: %v", from.MemberID, err)
	}
}

// handleQueryTermsReply bridges a gap in the local term chain using
// the leader's reported highest term/position: a rejected WRITE_DATA
// means some earlier term was never defined locally, so DefineTerm is
// retried with the leader's own highest as both prevTerm and term,
// best-effort, before the next WRITE_DATA arrives and is retried by
// the leader's normal replication traffic.
func (c *Controller) handleQueryTermsReply(highestTerm statelog.Term, highestPos statelog.Position) {
	if _, err := c.opts.Log.DefineTerm(highestTerm, highestTerm, highestPos); err != nil {
		c.log.Debugf("controller: QUERY_TERMS_REPLY bridge DefineTerm failed: %v", err)
	}
}

// handleWriteDataReply is the Leader-side acknowledgement handler:
// update the replying peer's matchPosition, then recompute quorum
// commit as the median matchPosition across all consensus peers
// (spec.md §4.5).
func (c *Controller) handleWriteDataReply(from *Peer, term statelog.Term, peerHighest statelog.Position) {
	if from == nil {
		return
	}
	c.mu.Lock()
	if c.role != Leader || term != c.currentTerm {
		c.mu.Unlock()
		return
	}
	if peerHighest > from.MatchPosition {
		from.MatchPosition = peerHighest
	}
	peers := c.peerList()
	c.mu.Unlock()

	info, err := c.opts.Log.CaptureHighest()
	if err != nil {
		return
	}
	commit := quorumCommit(peers, info.Highest)
	if err := c.opts.Log.Commit(commit); err != nil {
		c.log.Debugf("controller: commit advance to %d failed: %v", commit, err)
	}
}
