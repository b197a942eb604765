package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/liftbridge-io/raftlog/statelog"
)

func TestQueryRegistryRegisterCompleteForget(t *testing.T) {
	r := newQueryRegistry()

	id, cancel := r.register(context.Background(), statelog.Position(10))
	defer cancel()

	q, ok := r.complete(id)
	require.True(t, ok)
	require.Equal(t, statelog.Position(10), q.start)

	// Completed entries are removed: a second complete call misses.
	_, ok = r.complete(id)
	require.False(t, ok)
}

func TestQueryRegistryCancelRemovesPendingEntry(t *testing.T) {
	r := newQueryRegistry()
	id, cancel := r.register(context.Background(), 0)
	cancel()

	require.Eventually(t, func() bool {
		_, ok := r.complete(id)
		return !ok
	}, time.Second, time.Millisecond, "cancellation should remove the pending entry")
}

func TestQueryRegistryCloseAllCancelsEverything(t *testing.T) {
	r := newQueryRegistry()
	id1, _ := r.register(context.Background(), 0)
	id2, _ := r.register(context.Background(), 1)

	r.closeAll()

	_, ok1 := r.complete(id1)
	_, ok2 := r.complete(id2)
	require.False(t, ok1)
	require.False(t, ok2)
}

func TestHandleQueryDataRepliesMissingWhenUnreadable(t *testing.T) {
	c, _ := wiredPair(t)
	p, err := c.PeerByID(2)
	require.NoError(t, err)

	// Nothing has been written at 100, so it's unreadable: the handler
	// should reply QUERY_DATA_REPLY_MISSING rather than erroring.
	require.NoError(t, c.handleQueryData(p, 100, 200, "corr-1"))
}

func TestHandleQueryDataReplyAppliesMissingRangeAndCompletesRegistration(t *testing.T) {
	c := newTestController(t, 1)
	_, err := c.opts.Log.DefineTerm(0, 1, 0)
	require.NoError(t, err)

	id, _ := c.queries.register(context.Background(), 0)
	require.NoError(t, c.handleQueryDataReply(id, []byte("hello")))

	r, err := c.opts.Log.OpenReader(0)
	require.NoError(t, err)
	defer r.Close()
	buf := make([]byte, 5)
	n, err := r.TryReadAny(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))

	// A second reply for the same (now-forgotten) correlation id is a no-op.
	require.NoError(t, c.handleQueryDataReply(id, []byte("hello")))
}
