package controller

import (
	"context"
	"sync"

	"github.com/nats-io/nuid"

	"github.com/liftbridge-io/raftlog/channel"
	"github.com/liftbridge-io/raftlog/statelog"
)

// pendingQuery tracks one outstanding QUERY_DATA awaiting its
// QUERY_DATA_REPLY, keyed by a nuid-generated correlation id. Spec.md
// §9 Open Question: "Source omits a way to abort outstanding
// QUERY_DATA requests; provide one for cancellation-safe shutdown" —
// satisfied here via the caller's context.Context plus this registry,
// which Close drains on shutdown.
type pendingQuery struct {
	cancel context.CancelFunc
	start  statelog.Position
}

type queryRegistry struct {
	mu      sync.Mutex
	pending map[string]*pendingQuery
}

func newQueryRegistry() *queryRegistry {
	return &queryRegistry{pending: make(map[string]*pendingQuery)}
}

// register tracks a new outstanding query under a fresh correlation
// id, cancelable via ctx or via closeAll. A goroutine watches ctx so a
// caller-supplied deadline (or closeAll's cancellation) removes the
// entry even if no reply ever arrives, making a late reply a no-op
// in handleQueryDataReply.
func (r *queryRegistry) register(ctx context.Context, start statelog.Position) (string, context.CancelFunc) {
	id := nuid.Next()
	qctx, cancel := context.WithCancel(ctx)
	q := &pendingQuery{cancel: cancel, start: start}
	r.mu.Lock()
	r.pending[id] = q
	r.mu.Unlock()

	go func() {
		<-qctx.Done()
		r.forget(id)
	}()
	return id, cancel
}

func (r *queryRegistry) complete(correlationID string) (*pendingQuery, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.pending[correlationID]
	if ok {
		delete(r.pending, correlationID)
	}
	return q, ok
}

func (r *queryRegistry) forget(correlationID string) {
	r.mu.Lock()
	q, ok := r.pending[correlationID]
	delete(r.pending, correlationID)
	r.mu.Unlock()
	if ok {
		q.cancel()
	}
}

// closeAll cancels every outstanding query, used on Controller.Close.
func (r *queryRegistry) closeAll() {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]*pendingQuery)
	r.mu.Unlock()
	for _, q := range pending {
		q.cancel()
	}
}

// sendQueryData issues QUERY_DATA for rng to peer and, if the channel
// accepts the send, returns true. The actual reply (if any) arrives
// asynchronously via HandleCommand and is applied as a local write.
func (c *Controller) sendQueryData(p *Peer, rng missingRange) bool {
	if p == nil || p.Channel == nil {
		return false
	}
	id, _ := c.queries.register(context.Background(), rng.Start)
	body := encodeQueryData(rng.Start, rng.End, id)
	if err := p.Channel.Send(channel.QueryData, body, 17+len(id)); err != nil {
		c.queries.forget(id)
		return false
	}
	return true
}

// applyQueryDataReply writes a QUERY_DATA_REPLY's blob into the local
// log at the range the reply's correlation id was originally
// registered for.
func (c *Controller) applyQueryDataReply(position statelog.Position, data []byte) error {
	w, err := c.opts.Log.OpenWriter(position)
	if err != nil {
		return err
	}
	defer w.Close() // nolint: errcheck
	_, err = w.Write(data, position+statelog.Position(len(data)))
	return err
}

// handleQueryData answers a peer's QUERY_DATA by reading the requested
// range from the local log and replying with its bytes, or
// QUERY_DATA_REPLY_MISSING if this member doesn't have it either.
func (c *Controller) handleQueryData(p *Peer, start, end statelog.Position, correlationID string) error {
	if p == nil || p.Channel == nil {
		return nil
	}
	if !c.opts.Log.IsReadable(start) {
		return p.Channel.Send(channel.QueryDataReplyMissing, encodeQueryData(start, end, correlationID), 17+len(correlationID))
	}
	r, err := c.opts.Log.OpenReader(start)
	if err != nil {
		return p.Channel.Send(channel.QueryDataReplyMissing, encodeQueryData(start, end, correlationID), 17+len(correlationID))
	}
	defer r.Close()

	size := int(end - start)
	if size <= 0 {
		return nil
	}
	buf := make([]byte, size)
	n, err := r.TryRead(buf)
	if err != nil || n == 0 {
		return p.Channel.Send(channel.QueryDataReplyMissing, encodeQueryData(start, end, correlationID), 17+len(correlationID))
	}
	reply := encodeQueryDataReply(correlationID, buf[:n])
	return p.Channel.Send(channel.QueryDataReply, reply, 1+len(correlationID))
}

// handleQueryDataReply applies an incoming QUERY_DATA_REPLY at the
// position its correlation id was originally registered for, then
// releases the pending query.
func (c *Controller) handleQueryDataReply(correlationID string, data []byte) error {
	pending, ok := c.queries.complete(correlationID)
	if !ok {
		return nil
	}
	return c.applyQueryDataReply(pending.start, data)
}
