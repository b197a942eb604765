package statelog

import "github.com/pkg/errors"

// Sentinel errors surfaced to callers, grounded on the teacher's
// ErrSegmentNotFound / ErrIncorrectOffset style (commitlog.go).
var (
	// ErrClosed is returned by operations attempted after the owning
	// TermLog or StateLog has been closed.
	ErrClosed = errors.New("statelog: closed")

	// ErrTermRejected names a predecessor-term mismatch at a requested
	// position. DefineTerm reports such a mismatch through its rejected
	// result and does not return this error.
	ErrTermRejected = errors.New("statelog: predecessor term mismatch")

	// ErrInvariant marks a programmer error: an operation that would
	// violate a documented invariant (e.g. finishing a term below its
	// commit position).
	ErrInvariant = errors.New("statelog: invariant violation")

	// ErrSegmentNotFound is returned when a position does not resolve
	// to any live segment.
	ErrSegmentNotFound = errors.New("statelog: segment not found")

	// ErrSegmentClosed is returned by Segment operations after a
	// permanent close.
	ErrSegmentClosed = errors.New("statelog: segment closed")

	// ErrTermNotFound is returned when a position does not resolve to
	// any TermLog known to the StateLog.
	ErrTermNotFound = errors.New("statelog: term not found")

	// ErrWriterClosed is returned to a writer whose identity was
	// cancelled (e.g. by a concurrent finishTerm or TermLog close).
	ErrWriterClosed = errors.New("statelog: writer closed")
)
