package controller

import "github.com/pkg/errors"

// Error taxonomy per spec.md §7, the surfaced subset: JoinFailure,
// Timeout, Closed, InvariantViolation equivalents for the Controller.
var (
	// ErrClosed is returned by operations on a shut-down Controller.
	ErrClosed = errors.New("controller: closed")
	// ErrNotLeader is returned when a write is attempted against a
	// Controller that does not currently hold leadership.
	ErrNotLeader = errors.New("controller: not leader")
	// ErrSelfRemoval is returned when a membership update would remove
	// the current leader. Spec.md §9 Open Question: "Leader
	// self-removal during role update is explicitly noted as TODO in
	// the source; leave unsupported and surface an error."
	ErrSelfRemoval = errors.New("controller: leader cannot remove itself")
	// ErrMinorityGroupVersion is returned when a membership change
	// that would alter the consensus majority is attempted before a
	// majority of consensus peers report the current group version.
	ErrMinorityGroupVersion = errors.New("controller: majority of peers not yet on current group version")
	// ErrUnknownPeer is returned when an operation names a member id
	// with no corresponding peer.
	ErrUnknownPeer = errors.New("controller: unknown peer")
)
