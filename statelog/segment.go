package statelog

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	humanize "github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/tysonmote/gommap"

	"github.com/liftbridge-io/raftlog/logger"
)

const (
	minSegmentBytes = 1 << 20  // 1 MiB
	maxSegmentBytes = 64 << 20 // 64 MiB
)

// sizeForSegmentIndex implements the 1/2/4/8/16/32/64 MiB doubling
// curve from spec.md §3, keyed by how many segments already exist in
// the owning term.
func sizeForSegmentIndex(index int) int64 {
	size := int64(minSegmentBytes) << uint(index)
	if size > maxSegmentBytes || size <= 0 {
		size = maxSegmentBytes
	}
	return size
}

// segment backs one bounded file holding bytes for
// [startPosition, startPosition+maxLength) of a single term. Exactly
// one writable handle may be open at a time; multiple readers may map
// the file concurrently. The segment is reference-counted and unmaps
// itself when idle.
type segment struct {
	mu           sync.Mutex
	dir          string
	base         string
	term         Term
	prevTerm     Term
	startPos     Position
	maxLength    int64
	refCount     int32
	dirty        bool
	closed       bool
	permanent    bool
	file         *os.File
	mapped       gommap.MMap
	log          logger.Logger
}

type segmentOptions struct {
	Dir       string
	Base      string
	Term      Term
	PrevTerm  Term
	StartPos  Position
	MaxLength int64
	Logger    logger.Logger
}

// segmentFileName implements the §6 naming rule:
// <base>.<term>.<startPosition>[.<prevTerm>]
func segmentFileName(base string, term Term, start Position, prevTerm Term) string {
	name := fmt.Sprintf("%s.%d.%d", base, term, start)
	if prevTerm != term {
		name = fmt.Sprintf("%s.%d", name, prevTerm)
	}
	return name
}

// parseSegmentFileName reverses segmentFileName, used when StateLog
// recovers segments from disk on open.
func parseSegmentFileName(base, name string) (term Term, start Position, prevTerm Term, ok bool) {
	if !strings.HasPrefix(name, base+".") {
		return 0, 0, 0, false
	}
	rest := strings.TrimPrefix(name, base+".")
	parts := strings.Split(rest, ".")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, 0, 0, false
	}
	t, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, 0, 0, false
	}
	s, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, 0, 0, false
	}
	term = Term(t)
	start = Position(s)
	prevTerm = term
	if len(parts) == 3 {
		p, err := strconv.ParseUint(parts[2], 10, 64)
		if err != nil {
			return 0, 0, 0, false
		}
		prevTerm = Term(p)
	}
	return term, start, prevTerm, true
}

func newSegment(opts segmentOptions) (*segment, error) {
	s := &segment{
		dir:       opts.Dir,
		base:      opts.Base,
		term:      opts.Term,
		prevTerm:  opts.PrevTerm,
		startPos:  opts.StartPos,
		maxLength: opts.MaxLength,
		log:       opts.Logger,
	}
	if s.log == nil {
		s.log = logger.New(0)
	}
	path := filepath.Join(s.dir, segmentFileName(s.base, s.term, s.startPos, s.prevTerm))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open segment file failed")
	}
	if err := f.Truncate(s.maxLength); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "truncate segment file failed")
	}
	s.file = f
	s.log.Debugf("statelog: created segment %s (%s)", path, humanize.Bytes(uint64(s.maxLength)))
	return s, nil
}

// openExistingSegment reopens a segment file found on disk during
// StateLog recovery, preserving whatever length it was last truncated
// to rather than resizing it.
func openExistingSegment(dir, base string, term, prevTerm Term, start Position, log logger.Logger) (*segment, error) {
	path := filepath.Join(dir, segmentFileName(base, term, start, prevTerm))
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "stat existing segment file failed")
	}
	s := &segment{
		dir:       dir,
		base:      base,
		term:      term,
		prevTerm:  prevTerm,
		startPos:  start,
		maxLength: info.Size(),
		log:       log,
	}
	if s.log == nil {
		s.log = logger.New(0)
	}
	return s, nil
}

func (s *segment) path() string {
	return filepath.Join(s.dir, segmentFileName(s.base, s.term, s.startPos, s.prevTerm))
}

// endPosition returns the exclusive upper bound of this segment's
// range.
func (s *segment) endPosition() Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startPos + Position(s.maxLength)
}

func (s *segment) acquire() {
	atomic.AddInt32(&s.refCount, 1)
}

// release drops a reference; when the count reaches zero the segment
// unmaps its backing file (but keeps the handle for future reopens
// unless permanently closed).
func (s *segment) release() {
	if atomic.AddInt32(&s.refCount, -1) == 0 {
		s.mu.Lock()
		s.unmapLocked()
		s.mu.Unlock()
	}
}

func (s *segment) ensureMappedLocked() error {
	if s.mapped != nil {
		return nil
	}
	if s.file == nil {
		if s.permanent {
			return ErrSegmentClosed
		}
		f, err := os.OpenFile(s.path(), os.O_RDWR, 0644)
		if err != nil {
			return errors.Wrap(err, "reopen segment file failed")
		}
		s.file = f
	}
	m, err := gommap.MapRegion(s.file, int(s.maxLength), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED, 0)
	if err != nil {
		return errors.Wrap(err, "mmap segment file failed")
	}
	s.mapped = m
	return nil
}

func (s *segment) unmapLocked() {
	if s.mapped != nil {
		s.mapped.UnsafeUnmap() // nolint: errcheck
		s.mapped = nil
	}
}

// write writes buf at position (which must fall within this segment's
// range) and returns the number of bytes actually written, which may
// be less than len(buf) if it would cross the segment boundary.
func (s *segment) write(position Position, buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrSegmentClosed
	}
	if position < s.startPos || position >= s.startPos+Position(s.maxLength) {
		return 0, nil
	}
	if err := s.ensureMappedLocked(); err != nil {
		return 0, err
	}
	off := int64(position - s.startPos)
	n := copy(s.mapped[off:s.maxLength], buf)
	s.dirty = true
	return n, nil
}

// read copies up to len(buf) bytes starting at position into buf,
// returning the number of bytes copied. Reading at or past the end of
// the segment returns 0.
func (s *segment) read(position Position, buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrSegmentClosed
	}
	if position < s.startPos || position >= s.startPos+Position(s.maxLength) {
		return 0, nil
	}
	if err := s.ensureMappedLocked(); err != nil {
		return 0, err
	}
	off := int64(position - s.startPos)
	n := copy(buf, s.mapped[off:s.maxLength])
	return n, nil
}

// sync flushes dirty bytes to disk, clearing the dirty flag only on
// success; a failed sync leaves the segment dirty so a later retry
// picks it back up.
func (s *segment) sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty || s.mapped == nil {
		return nil
	}
	if err := s.mapped.Sync(gommap.MS_SYNC); err != nil {
		return errors.Wrap(err, "sync segment failed")
	}
	s.dirty = false
	return nil
}

// setEndPosition lowers maxLength and reports whether a physical
// truncate is now required (i.e. the new length differs from what's
// currently on disk).
func (s *segment) setEndPosition(p Position) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p < s.startPos {
		p = s.startPos
	}
	newLength := int64(p - s.startPos)
	if newLength >= s.maxLength {
		return false
	}
	s.maxLength = newLength
	return true
}

// truncate shrinks (or, if maxLength is now zero, deletes) the
// backing file to match maxLength.
func (s *segment) truncate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unmapLocked()
	if s.maxLength == 0 {
		if s.file != nil {
			s.file.Close()
			s.file = nil
		}
		if err := os.Remove(s.path()); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "delete empty segment failed")
		}
		s.closed = true
		return nil
	}
	if s.file == nil {
		return nil
	}
	if err := s.file.Truncate(s.maxLength); err != nil {
		return errors.Wrap(err, "truncate segment failed")
	}
	return nil
}

// close releases the segment's file handle. A permanent close refuses
// any later reopen attempt.
func (s *segment) close(permanent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unmapLocked()
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			return errors.Wrap(err, "close segment file failed")
		}
		s.file = nil
	}
	if permanent {
		s.closed = true
		s.permanent = true
	}
	return nil
}

// delete removes the backing file unconditionally, used by compaction.
func (s *segment) delete() error {
	if err := s.close(true); err != nil {
		return err
	}
	if err := os.Remove(s.path()); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "delete segment failed")
	}
	return nil
}
