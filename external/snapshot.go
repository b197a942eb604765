package external

import "io"

// SnapshotSender and SnapshotReceiver are opaque transports the core
// only initiates via a peer's snapshotScore / connectSnapshot and
// feeds into a pluggable acceptor; their wire format, compression, and
// checksum options are explicitly out of scope (spec.md §1).
type SnapshotSender interface {
	Send(w io.Writer) error
}

type SnapshotReceiver interface {
	Receive(r io.Reader) error
}

// SnapshotScore is one peer's self-reported standing for snapshot
// selection (spec.md §4.5): ActiveSessions is the peer's current load,
// LeaderWeight is 1 for the leader and -1 otherwise. Lower is
// preferred; ties are broken by random shuffle then a stable sort.
type SnapshotScore struct {
	MemberID       uint64
	ActiveSessions int
	LeaderWeight   int
}
