package statelog

import (
	"context"
	"time"
)

// Reader is a cursor into a TermLog. Blocking Read waits until
// appliable (min(commit, highest)) exceeds the cursor; TryRead returns
// immediately with 0 bytes when there is nothing new committed;
// TryReadAny reads up to contig, which is useful for a leader
// replicating its own not-yet-committed bytes to followers.
type Reader struct {
	id       uint64
	position Position
	termLog  *termLog
}

// Position returns the reader's current cursor.
func (r *Reader) Position() Position {
	return r.position
}

// Read blocks, if necessary, until at least one byte is appliable past
// the cursor, the term ends, the log closes, or ctx is cancelled, then
// copies as much as fits into buf.
func (r *Reader) Read(ctx context.Context, buf []byte) (int, error) {
	for {
		n, err := r.termLog.readAt(r.position, buf, true)
		if err != nil {
			return 0, err
		}
		if n > 0 {
			r.position += Position(n)
			return n, nil
		}
		outcome, _ := r.termLog.waitForCommit(ctx, r.position+1, 0)
		switch outcome {
		case WaitTermEnded:
			return 0, ErrClosed
		case WaitTimeout:
			// zero timeout means "wait forever"; a timeout here only
			// happens if ctx carries its own deadline.
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			default:
			}
		}
	}
}

// TryRead reads committed bytes without blocking, returning 0 if
// nothing new is appliable yet.
func (r *Reader) TryRead(buf []byte) (int, error) {
	n, err := r.termLog.readAt(r.position, buf, true)
	if err != nil {
		return 0, err
	}
	r.position += Position(n)
	return n, nil
}

// TryReadAny reads up to the contig boundary without waiting for
// commit, used by a leader reading its own freshly written bytes.
func (r *Reader) TryReadAny(buf []byte) (int, error) {
	n, err := r.termLog.readAt(r.position, buf, false)
	if err != nil {
		return 0, err
	}
	r.position += Position(n)
	return n, nil
}

// WaitReadTimeout is a convenience wrapper around Read that applies a
// fixed timeout instead of a caller-supplied context deadline.
func (r *Reader) WaitReadTimeout(buf []byte, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return r.Read(ctx, buf)
}

// Close removes the reader's waiter registrations, if any.
func (r *Reader) Close() {
	r.termLog.closeReader(r)
}
