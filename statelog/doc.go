// Package statelog implements the multi-term, segmented, on-disk append
// log described by the StateLog/TermLog/Segment design: a durable log of
// Raft-replicated bytes, partitioned into terms, each term tiled by
// fixed-range segment files, with commit/highest/contig position
// bookkeeping and concurrent readers and writers.
package statelog

// Position is a byte offset in the logical log, monotonically
// increasing and shared across terms.
type Position uint64

// Term is a Raft leader epoch, strictly monotonic across the cluster.
type Term uint64

// WaitOutcome classifies how waitForCommit returned, replacing the
// sentinel negative-integer encoding described in spec.md §5 with a
// typed result.
type WaitOutcome int

const (
	// WaitCommitted means the requested position is now appliable.
	WaitCommitted WaitOutcome = iota
	// WaitTermEnded means the term finished or the log closed before
	// the position was reached.
	WaitTermEnded
	// WaitTimeout means the wait's deadline elapsed first.
	WaitTimeout
)
