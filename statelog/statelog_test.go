package statelog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStateLog(t *testing.T) *StateLog {
	t.Helper()
	sl, err := New(Options{Dir: t.TempDir(), Name: "log"})
	require.NoError(t, err)
	t.Cleanup(func() { sl.Close() }) // nolint: errcheck
	return sl
}

func TestStateLogDefineTermAndRouting(t *testing.T) {
	sl := newTestStateLog(t)

	rejected, err := sl.DefineTerm(0, 1, 0)
	require.NoError(t, err)
	require.False(t, rejected)

	w, err := sl.OpenWriter(0)
	require.NoError(t, err)
	pos, err := w.Write([]byte("hello"), 5)
	require.NoError(t, err)
	require.Equal(t, Position(5), pos)

	r, err := sl.OpenReader(0)
	require.NoError(t, err)
	buf := make([]byte, 5)
	n, err := r.TryReadAny(buf)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))
}

func TestStateLogDefineTermRejectsMismatchedPrevTerm(t *testing.T) {
	sl := newTestStateLog(t)

	_, err := sl.DefineTerm(0, 1, 0)
	require.NoError(t, err)
	require.NoError(t, sl.FinishTerm(0, 100))

	rejected, err := sl.DefineTerm(99, 2, 100)
	require.NoError(t, err)
	require.True(t, rejected, "prevTerm 99 doesn't match the term actually ending at 100")
}

func TestStateLogDefineTermTruncatesLaterTerms(t *testing.T) {
	sl := newTestStateLog(t)

	_, err := sl.DefineTerm(0, 1, 0)
	require.NoError(t, err)
	require.NoError(t, sl.FinishTerm(0, 100))

	_, err = sl.DefineTerm(1, 2, 100)
	require.NoError(t, err)

	// A new term 3 rooted inside term 1's range, whose predecessor
	// still matches term 1, supersedes term 2 entirely.
	rejected, err := sl.DefineTerm(1, 3, 50)
	require.NoError(t, err)
	require.False(t, rejected)

	info, err := sl.CaptureHighest()
	require.NoError(t, err)
	require.Equal(t, Term(3), info.Term)
}

func TestStateLogCaptureHighestReflectsLatestTerm(t *testing.T) {
	sl := newTestStateLog(t)
	_, err := sl.DefineTerm(0, 1, 0)
	require.NoError(t, err)

	w, err := sl.OpenWriter(0)
	require.NoError(t, err)
	_, err = w.Write(make([]byte, 10), 10)
	require.NoError(t, err)
	require.NoError(t, sl.Commit(10))

	info, err := sl.CaptureHighest()
	require.NoError(t, err)
	require.Equal(t, Term(1), info.Term)
	require.Equal(t, Position(10), info.Appliable)
}

func TestStateLogSyncCommit(t *testing.T) {
	sl := newTestStateLog(t)
	_, err := sl.DefineTerm(0, 1, 0)
	require.NoError(t, err)

	w, err := sl.OpenWriter(0)
	require.NoError(t, err)
	_, err = w.Write(make([]byte, 10), 10)
	require.NoError(t, err)

	require.Equal(t, int64(5), sl.SyncCommit(0, 1, 5))
	require.Equal(t, int64(-1), sl.SyncCommit(0, 1, 20), "past highest")
	require.Equal(t, int64(-1), sl.SyncCommit(0, 2, 5), "wrong term")
}

func TestStateLogCommitDurablePersistsAndSkipsUnknownTerms(t *testing.T) {
	sl := newTestStateLog(t)

	// No term has ever been defined yet: a durable-commit report has
	// nowhere to land and must not advance.
	advanced, err := sl.CommitDurable(100)
	require.NoError(t, err)
	require.False(t, advanced, "no term covers this position yet")

	_, err = sl.DefineTerm(0, 1, 0)
	require.NoError(t, err)

	w, err := sl.OpenWriter(0)
	require.NoError(t, err)
	_, err = w.Write(make([]byte, 10), 10)
	require.NoError(t, err)

	advanced, err = sl.CommitDurable(5)
	require.NoError(t, err)
	require.True(t, advanced)
	require.True(t, sl.IsDurable(5))
	require.False(t, sl.IsDurable(6))

	advanced, err = sl.CommitDurable(3)
	require.NoError(t, err)
	require.False(t, advanced, "durability never regresses")
}

func TestStateLogIsReadable(t *testing.T) {
	sl := newTestStateLog(t)
	_, err := sl.DefineTerm(0, 1, 0)
	require.NoError(t, err)

	w, err := sl.OpenWriter(0)
	require.NoError(t, err)
	_, err = w.Write(make([]byte, 10), 10)
	require.NoError(t, err)

	require.False(t, sl.IsReadable(0), "nothing committed yet")
	require.NoError(t, sl.Commit(10))
	require.True(t, sl.IsReadable(0))
	require.False(t, sl.IsReadable(10), "exclusive upper bound")
}

func TestStateLogRecoversFromDisk(t *testing.T) {
	dir := t.TempDir()
	sl, err := New(Options{Dir: dir, Name: "log"})
	require.NoError(t, err)

	_, err = sl.DefineTerm(0, 1, 0)
	require.NoError(t, err)
	w, err := sl.OpenWriter(0)
	require.NoError(t, err)
	_, err = w.Write(make([]byte, 1<<20+10), Position(1<<20+10))
	require.NoError(t, err)
	require.NoError(t, sl.Commit(1<<20 + 10))
	_, err = sl.CommitDurable(1<<20 + 10)
	require.NoError(t, err)
	require.NoError(t, sl.Sync())
	require.NoError(t, sl.Close())

	reopened, err := New(Options{Dir: dir, Name: "log"})
	require.NoError(t, err)
	defer reopened.Close() // nolint: errcheck

	info, err := reopened.CaptureHighest()
	require.NoError(t, err)
	require.Equal(t, Term(1), info.Term)
	require.GreaterOrEqual(t, info.Appliable, Position(1<<20+10))
	require.True(t, reopened.IsDurable(1<<20+10))
}
