package statelog

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/liftbridge-io/raftlog/logger"
	"github.com/liftbridge-io/raftlog/metrics"
)

// infinitePos represents an unset term end (spec.md: "end = ∞ until
// finishTerm sets it").
const infinitePos = Position(math.MaxUint64)

const readerHandleCacheSize = 64

// waitResult is delivered to a parked waitForCommit caller.
type waitResult struct {
	outcome WaitOutcome
	pos     Position
}

// termLog is the append log for a single term: it owns its segments,
// tracks start/commit/highest/contig/end, and serializes writers and
// readers against that bookkeeping. See spec.md §3, §4.2.
type termLog struct {
	// immutable for the lifetime of the term
	dir      string
	base     string
	prevTerm Term
	term     Term
	start    Position
	log      logger.Logger
	metrics  *metrics.Recorder

	// opaque (torn-read-safe) published positions; readable without
	// the main latch.
	commitPos  atomic.Uint64
	highestPos atomic.Uint64
	contigPos  atomic.Uint64
	endPos     atomic.Uint64

	mu         sync.RWMutex
	segments   []*segment
	writers    map[uint64]*Writer
	readers    map[uint64]*Reader
	nextID     uint64
	finished   bool
	closed     bool

	// non-contiguous priority heap keyed by writer start position.
	pending *queue.PriorityQueue

	// FIFO dirty-segment list, its own latch so sync doesn't contend
	// with the main latch.
	dirtyMu    sync.Mutex
	dirty      []*segment
	dirtySet   map[*segment]bool

	// reader file-handle cache, bounded LRU.
	handles *lru.Cache

	waitMu     sync.Mutex
	waiters    map[uint64]commitWaiter
	nextWaitID uint64
}

// commitWaiter pairs a parked waitForCommit caller's reply channel
// with the position it's waiting for, so a commit advance only wakes
// waiters it actually satisfies (spec.md §4.2: "wake commit waiters
// whose target ≤ new appliable").
type commitWaiter struct {
	ch     chan waitResult
	target Position
}

type termLogOptions struct {
	Dir      string
	Base     string
	PrevTerm Term
	Term     Term
	Start    Position
	Logger   logger.Logger
	Metrics  *metrics.Recorder
}

func newTermLog(opts termLogOptions) *termLog {
	handles, _ := lru.NewWithEvict(readerHandleCacheSize, func(key, value interface{}) {
		if seg, ok := value.(*segment); ok {
			seg.release()
		}
	})
	t := &termLog{
		dir:      opts.Dir,
		base:     opts.Base,
		prevTerm: opts.PrevTerm,
		term:     opts.Term,
		start:    opts.Start,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		writers:  make(map[uint64]*Writer),
		readers:  make(map[uint64]*Reader),
		pending:  queue.NewPriorityQueue(8, false),
		dirtySet: make(map[*segment]bool),
		handles:  handles,
		waiters:  make(map[uint64]commitWaiter),
	}
	if t.log == nil {
		t.log = logger.New(0)
	}
	t.contigPos.Store(uint64(opts.Start))
	t.endPos.Store(uint64(infinitePos))
	return t
}

func (t *termLog) end() Position      { return Position(t.endPos.Load()) }
func (t *termLog) contig() Position   { return Position(t.contigPos.Load()) }
func (t *termLog) highest() Position  { return Position(t.highestPos.Load()) }
func (t *termLog) commit() Position   { return Position(t.commitPos.Load()) }

// appliable returns min(commit, highest), the position readers may
// safely consume.
func (t *termLog) appliable() Position {
	c, h := t.commit(), t.highest()
	if c < h {
		return c
	}
	return h
}

// openWriter allocates a writer rooted at startPosition. Writers whose
// start lies past contig are parked in the non-contig heap until
// drained by a later writeFinished.
func (t *termLog) openWriter(startPosition Position) (*Writer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	t.nextID++
	w := &Writer{id: t.nextID, start: startPosition, termLog: t}
	w.position.Store(uint64(startPosition))
	w.highestPosition.Store(uint64(startPosition))
	t.writers[w.id] = w
	if startPosition > t.contig() {
		t.pending.Put(&writerHeapItem{writer: w}) // nolint: errcheck
	}
	return w, nil
}

func (t *termLog) closeWriter(w *Writer) error {
	t.mu.Lock()
	delete(t.writers, w.id)
	w.mu.Lock()
	seg := w.curSegment
	w.curSegment = nil
	w.mu.Unlock()
	t.mu.Unlock()
	if seg != nil {
		seg.release()
	}
	return nil
}

// openReader positions a cursor at startPosition.
func (t *termLog) openReader(startPosition Position) (*Reader, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	t.nextID++
	r := &Reader{id: t.nextID, position: startPosition, termLog: t}
	t.readers[r.id] = r
	return r, nil
}

func (t *termLog) closeReader(r *Reader) {
	t.mu.Lock()
	delete(t.readers, r.id)
	t.mu.Unlock()
}

// segmentForPosition finds, or creates if pos sits exactly at the
// current tiled boundary, the segment covering pos.
func (t *termLog) segmentForPosition(pos Position, create bool) (*segment, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, seg := range t.segments {
		if pos >= seg.startPos && pos < seg.startPos+Position(seg.maxLength) {
			return seg, nil
		}
	}
	if !create {
		return nil, ErrSegmentNotFound
	}
	size := sizeForSegmentIndex(len(t.segments))
	if end := t.end(); end != infinitePos && pos+Position(size) > end {
		size = int64(end - pos)
	}
	seg, err := newSegment(segmentOptions{
		Dir:       t.dir,
		Base:      t.base,
		Term:      t.term,
		PrevTerm:  t.prevTerm,
		StartPos:  pos,
		MaxLength: size,
		Logger:    t.log,
	})
	if err != nil {
		return nil, err
	}
	t.segments = append(t.segments, seg)
	return seg, nil
}

// writeAt writes data through segments starting at w's current
// position, crossing segment boundaries transparently, then runs
// writeFinished bookkeeping.
func (t *termLog) writeAt(w *Writer, data []byte, highestHint Position) (Position, error) {
	start := time.Now()
	pos := w.Position()
	remaining := data
	for len(remaining) > 0 {
		seg, err := t.segmentForPosition(pos, true)
		if err != nil {
			return pos, err
		}
		w.mu.Lock()
		if w.curSegment != seg {
			if w.curSegment != nil {
				w.curSegment.release()
			}
			seg.acquire()
			w.curSegment = seg
		}
		w.mu.Unlock()

		n, err := seg.write(pos, remaining)
		if err != nil {
			return pos, err
		}
		if n == 0 {
			// Segment is exhausted (e.g. clipped to zero by a
			// concurrent finishTerm); stop rather than spin.
			break
		}
		t.markDirty(seg)
		pos += Position(n)
		remaining = remaining[n:]
	}
	w.position.Store(uint64(pos))
	if highestHint > w.HighestPosition() {
		w.highestPosition.Store(uint64(highestHint))
	}
	t.writeFinished(w, pos, highestHint)
	if t.metrics != nil {
		t.metrics.Observe("write", time.Since(start))
	}
	return pos, nil
}

// writeFinished implements the contig/highest advance rules of
// spec.md §4.2.
func (t *termLog) writeFinished(w *Writer, newPos, highestHint Position) {
	t.mu.Lock()
	end := t.end()
	if newPos > end {
		newPos = end
	}
	if highestHint > end {
		highestHint = end
	}

	advanced := false
	if w.start <= t.contig() {
		if newPos > t.contig() {
			t.contigPos.Store(uint64(newPos))
			advanced = true
		}
		// Drain any parked writers whose start now lies within contig.
		for {
			item := t.pending.Peek()
			if item == nil {
				break
			}
			wi := item.(*writerHeapItem)
			if wi.writer.start > t.contig() {
				break
			}
			if _, err := t.pending.Get(1); err != nil {
				break
			}
			wPos := wi.writer.Position()
			if wPos > t.contig() {
				t.contigPos.Store(uint64(wPos))
				advanced = true
			}
		}
	}

	contig, commit, highest := t.contig(), t.commit(), t.highest()
	if contig == end || contig <= commit {
		if contig > highest {
			t.highestPos.Store(uint64(contig))
			advanced = true
		}
	} else if highestHint <= contig && highestHint > highest {
		t.highestPos.Store(uint64(highestHint))
		advanced = true
	}
	t.mu.Unlock()

	if advanced {
		t.wakeAdvance()
	}
}

// setCommit raises the commit position, clamped by end.
func (t *termLog) setCommit(p Position) {
	t.mu.Lock()
	end := t.end()
	if p > end {
		p = end
	}
	if p > t.commit() {
		t.commitPos.Store(uint64(p))
	}
	if t.highest() < p {
		newHighest := p
		if c := t.contig(); newHighest > c {
			newHighest = c
		}
		if newHighest > t.highest() {
			t.highestPos.Store(uint64(newHighest))
		}
	}
	t.mu.Unlock()
	t.wakeAdvance()
}

func (t *termLog) markDirty(seg *segment) {
	t.dirtyMu.Lock()
	if !t.dirtySet[seg] {
		t.dirtySet[seg] = true
		t.dirty = append(t.dirty, seg)
	}
	t.dirtyMu.Unlock()
}

// sync flushes every segment currently on the dirty list. Segments
// that fail to sync are re-enqueued so a later call retries them.
func (t *termLog) sync() error {
	t.dirtyMu.Lock()
	pending := t.dirty
	t.dirty = nil
	for _, seg := range pending {
		delete(t.dirtySet, seg)
	}
	t.dirtyMu.Unlock()

	var firstErr error
	for _, seg := range pending {
		if err := seg.sync(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			t.markDirty(seg)
			continue
		}
	}
	return firstErr
}

// finishTerm sets the term's end position, per spec.md §4.2. It is
// idempotent when called with the already-finished end, forbidden
// when end < commit and commit > start, and only allows raising end
// when the prior end had not already been committed past.
func (t *termLog) finishTerm(end Position) error {
	t.mu.Lock()

	if t.finished && t.end() == end {
		t.mu.Unlock()
		return nil
	}
	commit := t.commit()
	if end < commit && commit > t.start {
		t.mu.Unlock()
		return errors.Wrap(ErrInvariant, "finishTerm below commit")
	}
	if t.finished {
		if end < t.end() {
			t.mu.Unlock()
			return errors.Wrap(ErrInvariant, "finishTerm cannot lower an existing end")
		}
		if t.appliableLocked() >= t.end() {
			t.mu.Unlock()
			return errors.Wrap(ErrInvariant, "finishTerm cannot raise an already-committed end")
		}
	}

	t.finished = true
	t.endPos.Store(uint64(end))

	kept := t.segments[:0:0]
	for _, seg := range t.segments {
		switch {
		case seg.startPos >= end:
			seg.setEndPosition(seg.startPos)
			seg.truncate() // nolint: errcheck
		case seg.startPos+Position(seg.maxLength) > end:
			seg.setEndPosition(end)
			seg.truncate() // nolint: errcheck
			kept = append(kept, seg)
		default:
			kept = append(kept, seg)
		}
	}
	t.segments = kept

	if t.contig() > end {
		t.contigPos.Store(uint64(end))
	}
	if t.highest() > end {
		t.highestPos.Store(uint64(end))
	}

	// Non-contig writer policy: drop writers entirely past end, clip
	// writers spanning end to a non-cached clone so they cannot later
	// advance contig past the new end.
	var keptItems []*writerHeapItem
	for {
		item := t.pending.Peek()
		if item == nil {
			break
		}
		if _, err := t.pending.Get(1); err != nil {
			break
		}
		wi := item.(*writerHeapItem)
		if wi.writer.start >= end {
			continue
		}
		if wi.writer.Position() > end {
			clipped := &Writer{id: wi.writer.id, start: wi.writer.start, termLog: t}
			clipped.position.Store(uint64(end))
			clipped.highestPosition.Store(uint64(end))
			wi = &writerHeapItem{writer: clipped}
		}
		keptItems = append(keptItems, wi)
	}
	for _, wi := range keptItems {
		t.pending.Put(wi) // nolint: errcheck
	}

	t.mu.Unlock()
	t.wakeTermEnd(end)
	return nil
}

func (t *termLog) appliableLocked() Position {
	c, h := t.commit(), t.highest()
	if c < h {
		return c
	}
	return h
}

// compact removes and deletes whole segments ending at or before p.
// It reports whether the term is now fully consumed (p has reached
// end and no segments remain).
func (t *termLog) compact(p Position) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.segments[:0:0]
	for _, seg := range t.segments {
		if seg.startPos+Position(seg.maxLength) <= p {
			if err := seg.delete(); err != nil {
				return false, err
			}
			continue
		}
		kept = append(kept, seg)
	}
	t.segments = kept
	fullyConsumed := t.end() != infinitePos && p >= t.end() && len(t.segments) == 0
	return fullyConsumed, nil
}

// readAt reads from whichever segment covers position. If
// clampToAppliable is true, the read is clamped to the appliable
// commit; otherwise it's clamped to contig (used by TryReadAny).
func (t *termLog) readAt(position Position, buf []byte, clampToAppliable bool) (int, error) {
	limit := t.contig()
	if clampToAppliable {
		limit = t.appliable()
	}
	if position >= limit {
		return 0, nil
	}
	seg, err := t.pinnedSegmentForRead(position)
	if err != nil {
		if err == ErrSegmentNotFound {
			return 0, nil
		}
		return 0, err
	}
	max := limit - position
	if Position(len(buf)) > max {
		buf = buf[:max]
	}
	return seg.read(position, buf)
}

// pinnedSegmentForRead resolves the segment covering position and
// keeps its handle warm in a bounded LRU so a run of sequential reads
// from the same segment doesn't unmap and remap it between calls. The
// LRU's eviction callback releases the reference it pins, so a
// segment idles back to unmapped once reads move on.
func (t *termLog) pinnedSegmentForRead(position Position) (*segment, error) {
	seg, err := t.segmentForPosition(position, false)
	if err != nil {
		return nil, err
	}
	if _, hit := t.handles.Get(seg.startPos); !hit {
		seg.acquire()
		t.handles.Add(seg.startPos, seg)
	}
	return seg, nil
}

// waitForCommit parks the caller until target becomes appliable, the
// term ends/closes, ctx is cancelled, or timeout elapses (timeout==0
// means "no extra deadline beyond ctx").
func (t *termLog) waitForCommit(ctx context.Context, target Position, timeout time.Duration) (WaitOutcome, Position) {
	if a := t.appliable(); a >= target {
		return WaitCommitted, a
	}
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return WaitTermEnded, t.appliable()
	}

	ch := make(chan waitResult, 1)
	t.waitMu.Lock()
	t.nextWaitID++
	id := t.nextWaitID
	t.waiters[id] = commitWaiter{ch: ch, target: target}
	t.waitMu.Unlock()

	// Re-check after registering in case commit advanced between the
	// first check and registration.
	if a := t.appliable(); a >= target {
		t.waitMu.Lock()
		delete(t.waiters, id)
		t.waitMu.Unlock()
		return WaitCommitted, a
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case res := <-ch:
		return res.outcome, res.pos
	case <-timeoutCh:
		t.waitMu.Lock()
		delete(t.waiters, id)
		t.waitMu.Unlock()
		return WaitTimeout, t.appliable()
	case <-ctx.Done():
		t.waitMu.Lock()
		delete(t.waiters, id)
		t.waitMu.Unlock()
		return WaitTimeout, t.appliable()
	}
}

// wakeAdvance wakes only waiters whose target has been reached by the
// current appliable position, leaving the rest parked.
func (t *termLog) wakeAdvance() {
	pos := t.appliable()
	t.waitMu.Lock()
	for id, w := range t.waiters {
		if w.target <= pos {
			delete(t.waiters, id)
			w.ch <- waitResult{outcome: WaitCommitted, pos: pos}
		}
	}
	t.waitMu.Unlock()
}

// wakeTermEnd wakes only waiters whose target lies beyond the term's
// new end (they can never be satisfied); waiters whose target is still
// at or below end stay parked, since commit may yet rise to meet them.
func (t *termLog) wakeTermEnd(end Position) {
	t.waitMu.Lock()
	for id, w := range t.waiters {
		if w.target > end {
			delete(t.waiters, id)
			w.ch <- waitResult{outcome: WaitTermEnded, pos: t.appliable()}
		}
	}
	t.waitMu.Unlock()
}

// wakeAll unconditionally wakes every parked waiter with WaitTermEnded,
// used when the term log is closing for good.
func (t *termLog) wakeAll() {
	t.waitMu.Lock()
	waiters := t.waiters
	t.waiters = make(map[uint64]commitWaiter)
	t.waitMu.Unlock()

	pos := t.appliable()
	for _, w := range waiters {
		w.ch <- waitResult{outcome: WaitTermEnded, pos: pos}
	}
}

// close shuts the term log down, waking every waiter with
// WaitTermEnded and releasing segment handles.
func (t *termLog) close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	segs := t.segments
	t.mu.Unlock()

	t.wakeAll()

	var firstErr error
	for _, seg := range segs {
		if err := seg.close(false); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
