package statelog

import (
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/liftbridge-io/raftlog/logger"
	"github.com/liftbridge-io/raftlog/metrics"
)

// recoveredSegment groups the fields parseSegmentFileName extracts
// from a segment file name still on disk.
type recoveredSegment struct {
	term, prevTerm Term
	start          Position
}

// Options configures a StateLog, following the shape of the teacher's
// commitLog Options (commitlog.go): a plain struct with defaults
// applied by New.
type Options struct {
	// Name is the base filename segments and the durable-commit
	// sidecar are derived from.
	Name string
	// Dir is the directory all files for this StateLog live in.
	Dir string

	Logger  logger.Logger
	Metrics *metrics.Recorder
}

// HighestInfo is the snapshot returned by CaptureHighest.
type HighestInfo struct {
	Term      Term
	Highest   Position
	Appliable Position
}

// StateLog is a thin multiplexer over an ordered set of TermLogs,
// indexed by start position, implementing spec.md §4.3.
type StateLog struct {
	opts Options
	log  logger.Logger

	mu    sync.RWMutex
	terms []*termLog // sorted ascending by start
	closed bool

	sidecar    *durableSidecar
	durablePos atomic.Uint64
}

// New opens (or creates) a StateLog rooted at opts.Dir/opts.Name,
// recovering any segment files already on disk and the durable-commit
// sidecar.
func New(opts Options) (*StateLog, error) {
	if opts.Dir == "" {
		return nil, errors.New("statelog: dir is required")
	}
	if opts.Name == "" {
		opts.Name = "log"
	}
	if opts.Logger == nil {
		opts.Logger = logger.New(0)
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, errors.Wrap(err, "statelog: mkdir failed")
	}
	s := &StateLog{
		opts:    opts,
		log:     opts.Logger,
		sidecar: newDurableSidecar(opts.Dir, opts.Name),
	}
	durable, err := s.sidecar.read()
	if err != nil {
		return nil, err
	}
	s.durablePos.Store(uint64(durable))

	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
}

// recover reconstructs TermLogs and their segments from whatever
// segment files are already present in opts.Dir, the way the
// teacher's commitLog.open scans its directory and recreates segments
// from file names. Per-term contig is rebuilt from the on-disk segment
// extents rather than persisted separately (spec.md §6 only names a
// durable-commit sidecar); commit is set to the durable-commit
// position clamped to the term's [start, contig] range, and highest is
// set equal to that recovered commit.
func (s *StateLog) recover() error {
	entries, err := os.ReadDir(s.opts.Dir)
	if err != nil {
		return errors.Wrap(err, "statelog: read dir failed")
	}

	bySegStart := make(map[Position]recoveredSegment)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		term, start, prevTerm, ok := parseSegmentFileName(s.opts.Name, e.Name())
		if !ok {
			continue
		}
		bySegStart[start] = recoveredSegment{term: term, prevTerm: prevTerm, start: start}
	}
	if len(bySegStart) == 0 {
		return nil
	}

	byTerm := make(map[Term][]recoveredSegment)
	termStart := make(map[Term]Position)
	for _, rs := range bySegStart {
		byTerm[rs.term] = append(byTerm[rs.term], rs)
		if cur, ok := termStart[rs.term]; !ok || rs.start < cur {
			termStart[rs.term] = rs.start
		}
	}

	terms := make([]*termLog, 0, len(byTerm))
	for term, segs := range byTerm {
		sort.Slice(segs, func(i, j int) bool { return segs[i].start < segs[j].start })
		start := termStart[term]
		prevTerm := segs[0].prevTerm
		tl := newTermLog(termLogOptions{
			Dir:      s.opts.Dir,
			Base:     s.opts.Name,
			PrevTerm: prevTerm,
			Term:     term,
			Start:    start,
			Logger:   s.log,
			Metrics:  s.opts.Metrics,
		})
		contig := start
		for _, rs := range segs {
			seg, err := openExistingSegment(s.opts.Dir, s.opts.Name, rs.term, rs.prevTerm, rs.start, s.log)
			if err != nil {
				return err
			}
			tl.segments = append(tl.segments, seg)
			if rs.start == contig {
				contig += Position(seg.maxLength)
			}
		}
		tl.contigPos.Store(uint64(contig))
		durable := Position(s.durablePos.Load())
		commit := start
		if durable > start && durable <= contig {
			commit = durable
		} else if durable > contig {
			commit = contig
		}
		tl.commitPos.Store(uint64(commit))
		tl.highestPos.Store(uint64(commit))
		terms = append(terms, tl)
	}
	sort.Slice(terms, func(i, j int) bool { return terms[i].start < terms[j].start })
	s.terms = terms
	return nil
}

// DefineTerm creates (or, if already present, validates) a TermLog
// rooted at position, verifying the predecessor term at that position
// matches prevTerm. Later terms with no committed data are truncated
// to make room for the new one, mirroring how a Raft leader
// overwrites a conflicting follower suffix.
func (s *StateLog) DefineTerm(prevTerm, term Term, position Position) (bool /*rejected*/, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}

	idx, exact := s.findIndexLocked(position)
	if exact {
		existing := s.terms[idx]
		if existing.prevTerm != prevTerm {
			return true, nil
		}
		return false, nil
	}

	if predIdx := idx - 1; predIdx >= 0 {
		pred := s.terms[predIdx]
		if position > pred.start && pred.term != prevTerm {
			return true, nil
		}
	} else if position != 0 {
		// No predecessor term on record for a non-genesis position;
		// trust the caller (it observed this prevTerm remotely).
	}

	// A later term with committed data can't be overwritten: committed
	// entries are never discarded, so reject the new term instead of
	// truncating past them.
	for i := idx; i < len(s.terms); i++ {
		victim := s.terms[i]
		if Position(victim.commitPos.Load()) > victim.start {
			return true, nil
		}
	}

	// Truncate every later term; none has committed data, so the new
	// term at `position` may supersede them.
	for i := idx; i < len(s.terms); i++ {
		victim := s.terms[i]
		victim.close() // nolint: errcheck
		for _, seg := range victim.segments {
			seg.delete() // nolint: errcheck
		}
	}
	s.terms = append(s.terms[:idx:idx])

	tl := newTermLog(termLogOptions{
		Dir:      s.opts.Dir,
		Base:     s.opts.Name,
		PrevTerm: prevTerm,
		Term:     term,
		Start:    position,
		Logger:   s.log,
		Metrics:  s.opts.Metrics,
	})
	s.terms = append(s.terms, tl)
	return false, nil
}

// findIndexLocked returns the index at which a term starting at
// position would be inserted to keep s.terms sorted, and whether a
// term already starts exactly there. Must be called with s.mu held.
func (s *StateLog) findIndexLocked(position Position) (idx int, exact bool) {
	idx = sort.Search(len(s.terms), func(i int) bool {
		return s.terms[i].start >= position
	})
	if idx < len(s.terms) && s.terms[idx].start == position {
		return idx, true
	}
	return idx, false
}

// termForPosition returns the TermLog whose range covers position.
func (s *StateLog) termForPosition(position Position) (*termLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// Find the last term whose start is <= position.
	idx := sort.Search(len(s.terms), func(i int) bool {
		return s.terms[i].start > position
	})
	if idx == 0 {
		return nil, ErrTermNotFound
	}
	return s.terms[idx-1], nil
}

// OpenWriter routes to the TermLog covering position.
func (s *StateLog) OpenWriter(position Position) (*Writer, error) {
	t, err := s.termForPosition(position)
	if err != nil {
		return nil, err
	}
	return t.openWriter(position)
}

// OpenReader routes to the TermLog covering position.
func (s *StateLog) OpenReader(position Position) (*Reader, error) {
	t, err := s.termForPosition(position)
	if err != nil {
		return nil, err
	}
	return t.openReader(position)
}

// CaptureHighest returns {term, highest, appliable} for the most
// recently defined (highest start position) TermLog.
func (s *StateLog) CaptureHighest() (HighestInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.terms) == 0 {
		return HighestInfo{}, ErrTermNotFound
	}
	t := s.terms[len(s.terms)-1]
	return HighestInfo{Term: t.term, Highest: t.highest(), Appliable: t.appliable()}, nil
}

// SyncCommit is the fsync-equivalent RPC target: it returns the
// position that is now durable-enough to be reported upstream, or -1
// (spec.md §4.3) if pos exceeds the covering term's highest position.
// The -1 sentinel is preserved here (rather than an error return)
// because this value is serialized directly onto the SYNC_COMMIT_REPLY
// wire frame.
func (s *StateLog) SyncCommit(prevTerm, term Term, pos Position) int64 {
	t, err := s.termForPosition(pos)
	if err != nil || t.term != term || t.prevTerm != prevTerm {
		return -1
	}
	if pos > t.highest() {
		return -1
	}
	return int64(pos)
}

// CommitDurable records a new durable commit position if it advances
// and its term is still present in this StateLog (Open Question
// resolution: never advance durability for a term that no longer
// exists).
func (s *StateLog) CommitDurable(pos Position) (bool, error) {
	if pos <= Position(s.durablePos.Load()) {
		return false, nil
	}
	if _, err := s.termForPosition(pos); err != nil {
		return false, nil
	}
	if err := s.sidecar.write(pos); err != nil {
		return false, err
	}
	s.durablePos.Store(uint64(pos))
	return true, nil
}

// IsDurable reports whether pos is at or before the last recorded
// durable commit position.
func (s *StateLog) IsDurable(pos Position) bool {
	return pos <= Position(s.durablePos.Load())
}

// IsReadable reports whether pos is before the appliable commit of
// the term that covers it.
func (s *StateLog) IsReadable(pos Position) bool {
	t, err := s.termForPosition(pos)
	if err != nil {
		return false
	}
	return pos < t.appliable()
}

// Commit raises the commit position on the TermLog covering pos.
func (s *StateLog) Commit(pos Position) error {
	t, err := s.termForPosition(pos)
	if err != nil {
		return err
	}
	t.setCommit(pos)
	return nil
}

// FinishTerm finalizes the TermLog covering position at end.
func (s *StateLog) FinishTerm(position, end Position) error {
	t, err := s.termForPosition(position)
	if err != nil {
		return err
	}
	return t.finishTerm(end)
}

// Compact removes whole segments at or before p from the TermLog
// covering p.
func (s *StateLog) Compact(p Position) (bool, error) {
	t, err := s.termForPosition(p)
	if err != nil {
		return false, err
	}
	return t.compact(p)
}

// Sync flushes dirty segments across every term.
func (s *StateLog) Sync() error {
	s.mu.RLock()
	terms := append([]*termLog(nil), s.terms...)
	s.mu.RUnlock()
	var firstErr error
	for _, t := range terms {
		if err := t.sync(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close shuts down every term log.
func (s *StateLog) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	terms := s.terms
	s.mu.Unlock()

	var firstErr error
	for _, t := range terms {
		if err := t.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
