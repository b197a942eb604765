package channel

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu   sync.Mutex
	seen []Opcode
	last []byte
}

func (h *recordingHandler) HandleCommand(peerMemberID uint64, opcode Opcode, body []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, opcode)
	h.last = body
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

func TestManagerHandshakeAndDispatch(t *testing.T) {
	serverHandler := &recordingHandler{}
	server := New(Options{
		GroupID:     1,
		MemberID:    1,
		GroupToken1: 100,
		GroupToken2: 200,
		Handler:     serverHandler,
	})
	require.NoError(t, server.Listen("127.0.0.1:0"))
	defer server.Close() // nolint: errcheck

	client := New(Options{
		GroupID:     1,
		MemberID:    2,
		GroupToken1: 100,
		GroupToken2: 200,
	})
	defer client.Close() // nolint: errcheck

	ch := client.Connect(1, server.Addr().String())

	var sendErr error
	require.Eventually(t, func() bool {
		sendErr = ch.Send(WriteData, []byte("payload"), 0)
		return sendErr == nil
	}, 2*time.Second, 10*time.Millisecond, "client channel never connected: %v", sendErr)

	require.Eventually(t, func() bool {
		return serverHandler.count() > 0
	}, 2*time.Second, 10*time.Millisecond, "server never received the dispatched command")

	serverHandler.mu.Lock()
	defer serverHandler.mu.Unlock()
	require.Equal(t, WriteData, serverHandler.seen[0])
	require.Equal(t, []byte("payload"), serverHandler.last)
}

func TestManagerRejectsGroupTokenMismatch(t *testing.T) {
	server := New(Options{GroupID: 1, MemberID: 1, GroupToken1: 100, GroupToken2: 200})
	require.NoError(t, server.Listen("127.0.0.1:0"))
	defer server.Close() // nolint: errcheck

	client := New(Options{GroupID: 1, MemberID: 2, GroupToken1: 999, GroupToken2: 999})
	defer client.Close() // nolint: errcheck

	ch := client.Connect(1, server.Addr().String())
	// The handshake is rejected repeatedly (all-zero echoed header), so
	// the channel should never become sendable.
	time.Sleep(150 * time.Millisecond)
	err := ch.Send(NOP, nil, 0)
	require.Error(t, err)
}

func TestManagerPartitionModeRejectsNewConnections(t *testing.T) {
	server := New(Options{GroupID: 1, MemberID: 1, GroupToken1: 1, GroupToken2: 2})
	require.NoError(t, server.Listen("127.0.0.1:0"))
	defer server.Close() // nolint: errcheck
	server.SetPartitioned(true)

	client := New(Options{GroupID: 1, MemberID: 2, GroupToken1: 1, GroupToken2: 2})
	defer client.Close() // nolint: errcheck

	ch := client.Connect(1, server.Addr().String())
	time.Sleep(150 * time.Millisecond)
	err := ch.Send(NOP, nil, 0)
	require.Error(t, err, "partitioned manager must not accept the connection")
}

func TestManagerDropClosesChannel(t *testing.T) {
	server := New(Options{GroupID: 1, MemberID: 1, GroupToken1: 1, GroupToken2: 2})
	require.NoError(t, server.Listen("127.0.0.1:0"))
	defer server.Close() // nolint: errcheck

	client := New(Options{GroupID: 1, MemberID: 2, GroupToken1: 1, GroupToken2: 2})
	defer client.Close() // nolint: errcheck

	ch := client.Connect(1, server.Addr().String())
	require.Eventually(t, func() bool {
		return ch.Send(NOP, nil, 0) == nil
	}, 2*time.Second, 10*time.Millisecond)

	client.Drop(1)
	_, ok := client.Channel(1)
	require.False(t, ok)
}
