package statelog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestTermLog(t *testing.T) *termLog {
	t.Helper()
	dir := t.TempDir()
	tl := newTermLog(termLogOptions{
		Dir:      dir,
		Base:     "log",
		PrevTerm: 1,
		Term:     1,
		Start:    0,
	})
	t.Cleanup(func() { tl.close() }) // nolint: errcheck
	return tl
}

func TestTermLogContiguousWriteAdvancesCommitWaiters(t *testing.T) {
	tl := newTestTermLog(t)

	w, err := tl.openWriter(0)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		outcome, pos := tl.waitForCommit(context.Background(), 1000, 2*time.Second)
		require.Equal(t, WaitCommitted, outcome)
		require.GreaterOrEqual(t, pos, Position(1000))
		close(done)
	}()

	time.Sleep(20 * time.Millisecond) // let the waiter register

	data := make([]byte, 1000)
	pos, err := w.Write(data, 1000)
	require.NoError(t, err)
	require.Equal(t, Position(1000), pos)
	tl.setCommit(1000)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestTermLogNonContiguousWriteJumpsContig(t *testing.T) {
	tl := newTestTermLog(t)

	w1, err := tl.openWriter(2000)
	require.NoError(t, err)
	require.Greater(t, w1.start, tl.contig())

	w0, err := tl.openWriter(0)
	require.NoError(t, err)

	_, err = w1.Write(make([]byte, 2000), 4000)
	require.NoError(t, err)
	require.Equal(t, Position(0), tl.contig(), "contig must not advance until the gap is filled")

	_, err = w0.Write(make([]byte, 2000), 2000)
	require.NoError(t, err)
	require.Equal(t, Position(4000), tl.contig(), "contig jumps from 0 to 4000 in one writeFinished")
}

func TestTermLogWaitForCommitTimesOut(t *testing.T) {
	tl := newTestTermLog(t)
	outcome, _ := tl.waitForCommit(context.Background(), 100, 30*time.Millisecond)
	require.Equal(t, WaitTimeout, outcome)
}

func TestTermLogFinishTermClipsNonContigWriter(t *testing.T) {
	tl := newTestTermLog(t)

	w0, err := tl.openWriter(0)
	require.NoError(t, err)
	_, err = w0.Write(make([]byte, 50), 50)
	require.NoError(t, err)
	require.Equal(t, Position(50), tl.contig())

	w1, err := tl.openWriter(100)
	require.NoError(t, err)
	_, err = w1.Write(make([]byte, 400), 500) // writes [100, 500)
	require.NoError(t, err)
	require.Equal(t, Position(50), tl.contig(), "still gapped at [50,100)")

	done := make(chan WaitOutcome, 1)
	go func() {
		outcome, _ := tl.waitForCommit(context.Background(), 350, 2*time.Second)
		done <- outcome
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, tl.finishTerm(300))
	require.Equal(t, Position(300), tl.end())
	require.LessOrEqual(t, tl.contig(), Position(300))

	select {
	case outcome := <-done:
		require.Equal(t, WaitTermEnded, outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter with target > end never woke")
	}
}

func TestTermLogFinishTermIsIdempotent(t *testing.T) {
	tl := newTestTermLog(t)
	require.NoError(t, tl.finishTerm(100))
	require.NoError(t, tl.finishTerm(100))
}

func TestTermLogFinishTermRejectsBelowCommit(t *testing.T) {
	tl := newTestTermLog(t)
	w, err := tl.openWriter(0)
	require.NoError(t, err)
	_, err = w.Write(make([]byte, 100), 100)
	require.NoError(t, err)
	tl.setCommit(100)

	err = tl.finishTerm(50)
	require.ErrorIs(t, err, ErrInvariant)
}

func TestTermLogCompactIsMonotoneAndIdempotent(t *testing.T) {
	tl := newTestTermLog(t)
	w, err := tl.openWriter(0)
	require.NoError(t, err)
	_, err = w.Write(make([]byte, 1<<20), Position(1<<20))
	require.NoError(t, err)
	require.NoError(t, tl.finishTerm(1 << 20))

	done1, err := tl.compact(1 << 20)
	require.NoError(t, err)
	require.True(t, done1)

	done2, err := tl.compact(1 << 20)
	require.NoError(t, err)
	require.True(t, done2)
}
