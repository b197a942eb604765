package statelog

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSegmentSizing(t *testing.T) {
	require.Equal(t, int64(1<<20), sizeForSegmentIndex(0))
	require.Equal(t, int64(2<<20), sizeForSegmentIndex(1))
	require.Equal(t, int64(64<<20), sizeForSegmentIndex(6))
	require.Equal(t, int64(64<<20), sizeForSegmentIndex(20), "must cap at 64MiB")
}

func TestSegmentFileNameRoundTrip(t *testing.T) {
	name := segmentFileName("log", 3, 1000, 2)
	require.Equal(t, "log.3.1000.2", name)

	term, start, prevTerm, ok := parseSegmentFileName("log", name)
	require.True(t, ok)
	require.Equal(t, Term(3), term)
	require.Equal(t, Position(1000), start)
	require.Equal(t, Term(2), prevTerm)

	// Same-term boundary omits the prevTerm suffix.
	name2 := segmentFileName("log", 3, 1000, 3)
	require.Equal(t, "log.3.1000", name2)
	term2, start2, prevTerm2, ok2 := parseSegmentFileName("log", name2)
	require.True(t, ok2)
	require.Equal(t, Term(3), term2)
	require.Equal(t, Position(1000), start2)
	require.Equal(t, Term(3), prevTerm2)
}

func TestSegmentWriteReadWithinBounds(t *testing.T) {
	dir := t.TempDir()
	seg, err := newSegment(segmentOptions{
		Dir:       dir,
		Base:      "log",
		Term:      1,
		PrevTerm:  1,
		StartPos:  0,
		MaxLength: 1 << 20,
	})
	require.NoError(t, err)
	defer seg.close(true) // nolint: errcheck

	n, err := seg.write(0, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	buf := make([]byte, 5)
	n, err = seg.read(0, buf)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))
}

func TestSegmentWriteClampsAtBoundary(t *testing.T) {
	dir := t.TempDir()
	seg, err := newSegment(segmentOptions{
		Dir:       dir,
		Base:      "log",
		Term:      1,
		PrevTerm:  1,
		StartPos:  0,
		MaxLength: 10,
	})
	require.NoError(t, err)
	defer seg.close(true) // nolint: errcheck

	n, err := seg.write(5, []byte("abcdefgh")) // 8 bytes but only 5 fit
	require.NoError(t, err)
	require.Equal(t, 5, n)

	n, err = seg.read(10, make([]byte, 4))
	require.NoError(t, err)
	require.Equal(t, 0, n, "reads at/after the boundary return 0")
}

func TestSegmentSetEndPositionAndTruncate(t *testing.T) {
	dir := t.TempDir()
	seg, err := newSegment(segmentOptions{
		Dir:       dir,
		Base:      "log",
		Term:      1,
		PrevTerm:  1,
		StartPos:  0,
		MaxLength: 100,
	})
	require.NoError(t, err)

	needsTruncate := seg.setEndPosition(40)
	require.True(t, needsTruncate)
	require.NoError(t, seg.truncate())

	info, err := os.Stat(seg.path())
	require.NoError(t, err)
	require.Equal(t, int64(40), info.Size())

	// Shrinking to zero deletes the file.
	seg.setEndPosition(0)
	require.NoError(t, seg.truncate())
	_, err = os.Stat(seg.path())
	require.True(t, os.IsNotExist(err))
}

func TestSegmentClosePermanentRefusesReopen(t *testing.T) {
	dir := t.TempDir()
	seg, err := newSegment(segmentOptions{
		Dir:       dir,
		Base:      "log",
		Term:      1,
		PrevTerm:  1,
		StartPos:  0,
		MaxLength: 100,
	})
	require.NoError(t, err)
	require.NoError(t, seg.close(true))

	_, err = seg.write(0, []byte("x"))
	require.ErrorIs(t, err, ErrSegmentClosed)
}
