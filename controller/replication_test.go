package controller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/liftbridge-io/raftlog/channel"
	"github.com/liftbridge-io/raftlog/external"
	"github.com/liftbridge-io/raftlog/logger"
	"github.com/liftbridge-io/raftlog/statelog"
)

// handlerRef lets a channel.Manager be built before its Controller exists,
// breaking the otherwise-circular Manager<->Controller construction order.
type handlerRef struct {
	h channel.Handler
}

func (r *handlerRef) HandleCommand(peerMemberID uint64, opcode channel.Opcode, body []byte) error {
	if r.h == nil {
		return nil
	}
	return r.h.HandleCommand(peerMemberID, opcode, body)
}

// wiredPair builds two Controllers, each with its own StateLog and GroupFile,
// connected over a real channel.Manager pair on loopback TCP.
func wiredPair(t *testing.T) (leader, follower *Controller) {
	t.Helper()

	ref1, ref2 := &handlerRef{}, &handlerRef{}
	m1 := channel.New(channel.Options{GroupID: 1, MemberID: 1, Handler: ref1})
	m2 := channel.New(channel.Options{GroupID: 1, MemberID: 2, Handler: ref2})
	require.NoError(t, m1.Listen("127.0.0.1:0"))
	require.NoError(t, m2.Listen("127.0.0.1:0"))
	t.Cleanup(func() { m1.Close() }) // nolint: errcheck
	t.Cleanup(func() { m2.Close() }) // nolint: errcheck

	c1 := New(Options{
		SelfMemberID: 1,
		Log:          newTestStateLog(t),
		Manager:      m1,
		GroupFile:    external.NewInMemoryGroupFile(1, 1, m1.Addr().String()),
		Logger:       logger.New(0),
	})
	c2 := New(Options{
		SelfMemberID: 2,
		Log:          newTestStateLog(t),
		Manager:      m2,
		GroupFile:    external.NewInMemoryGroupFile(1, 2, m2.Addr().String()),
		Logger:       logger.New(0),
	})
	ref1.h, ref2.h = c1, c2
	t.Cleanup(func() { c1.Close() }) // nolint: errcheck
	t.Cleanup(func() { c2.Close() }) // nolint: errcheck

	c1.AddPeer(2, m2.Addr().String())
	c2.AddPeer(1, m1.Addr().String())

	asLeader(t, c1, 1)
	return c1, c2
}

func TestWriteReplicatesAndAdvancesFollowerCommit(t *testing.T) {
	leader, follower := wiredPair(t)

	pos, err := leader.Write([]byte("hello"), 5)
	require.NoError(t, err)
	require.Equal(t, statelog.Position(5), pos)

	require.Eventually(t, func() bool {
		return follower.opts.Log.IsReadable(0)
	}, 2*time.Second, 10*time.Millisecond, "follower never applied the replicated write")

	r, err := follower.opts.Log.OpenReader(0)
	require.NoError(t, err)
	defer r.Close()
	buf := make([]byte, 5)
	n, err := r.TryReadAny(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}

func TestWriteDataReplyUpdatesLeaderMatchPosition(t *testing.T) {
	leader, _ := wiredPair(t)

	_, err := leader.Write([]byte("abcde"), 5)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		leader.mu.RLock()
		p := leader.peers[2]
		leader.mu.RUnlock()
		return p.MatchPosition >= statelog.Position(5)
	}, 2*time.Second, 10*time.Millisecond, "leader never observed the follower's WRITE_DATA_REPLY")
}

func TestProxyRotatesAfterRebalanceBudget(t *testing.T) {
	c := newTestController(t, 1)
	p2 := c.AddPeer(2, "127.0.0.1:1")
	p3 := c.AddPeer(3, "127.0.0.1:2")
	_ = p2
	_ = p3
	peers := c.peerList()

	c.mu.Lock()
	c.proxyHasPeer = false
	c.mu.Unlock()

	c.sendViaProxy(peers, make([]byte, 1))
	c.mu.RLock()
	first := c.proxyPeer
	c.mu.RUnlock()

	// Force the byte budget past the rebalance threshold.
	c.mu.Lock()
	c.proxyByteCount = proxyRebalanceBytes
	c.mu.Unlock()

	c.sendViaProxy(peers, make([]byte, 1))
	c.mu.RLock()
	second := c.proxyPeer
	c.mu.RUnlock()

	require.NotEqual(t, first, second, "proxy should rotate once the byte budget is exhausted")
}
