package statelog

import (
	"sync"
	"sync/atomic"

	"github.com/Workiva/go-datastructures/queue"
)

// Writer is a handle into a TermLog rooted at a start position; it
// holds a reference on the segment it is currently writing. Writers
// opened past the current contig boundary are parked in the owning
// TermLog's non-contiguous priority heap until contig catches up to
// them. Close marks the writer closed, after which Write fails with
// ErrWriterClosed; the back-pointer to termLog is kept.
type Writer struct {
	id              uint64
	start           Position
	position        atomic.Uint64
	highestPosition atomic.Uint64
	closed          atomic.Bool

	mu         sync.Mutex
	curSegment *segment

	termLog *termLog
}

// Position returns the writer's current write position using an
// opaque (torn-read-safe) load so other goroutines may observe
// progress without taking the TermLog latch.
func (w *Writer) Position() Position {
	return Position(w.position.Load())
}

// HighestPosition returns the writer's most recently accepted highest
// hint.
func (w *Writer) HighestPosition() Position {
	return Position(w.highestPosition.Load())
}

// Write appends data at the writer's current position, advancing it,
// and folds the result into the owning TermLog's contig/highest
// bookkeeping. highestHint is the caller's claim about how much of
// data represents a complete, appliable boundary (e.g. a whole
// message), per spec.md §4.2.
func (w *Writer) Write(data []byte, highestHint Position) (Position, error) {
	if w.closed.Load() {
		return 0, ErrWriterClosed
	}
	return w.termLog.writeAt(w, data, highestHint)
}

// Close releases the writer's segment reference and removes it from
// the owning TermLog's writer map. No wait is keyed by writer identity
// (waits are keyed by position), so there is nothing to cancel; later
// Write calls fail fast with ErrWriterClosed.
func (w *Writer) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	return w.termLog.closeWriter(w)
}

// writerHeapItem adapts *Writer to queue.Item for the non-contiguous
// priority heap (github.com/Workiva/go-datastructures/queue), ordering
// ascending by start position so the smallest start is drained first.
type writerHeapItem struct {
	writer *Writer
}

// Compare implements queue.Item. A negative result means this item
// belongs before other in the (ascending) priority queue.
func (i *writerHeapItem) Compare(other queue.Item) int {
	o := other.(*writerHeapItem)
	switch {
	case i.writer.start < o.writer.start:
		return -1
	case i.writer.start > o.writer.start:
		return 1
	default:
		return 0
	}
}
