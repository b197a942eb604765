package channel

import "github.com/pkg/errors"

// Error taxonomy per spec.md §7: TransientIO and Stale are recovered
// locally without surfacing; ProtocolViolation, JoinFailure, Closed
// and the partitioned test mode have the named errors below. Of these,
// only ErrClosed reaches a caller of Channel.Send.
var (
	// ErrProtocolViolation covers bad magic, token, CRC, or opcode.
	// The socket is closed and the peer is expected to retry.
	ErrProtocolViolation = errors.New("channel: protocol violation")
	// ErrJoinRejected names the rejection a server signals by echoing
	// back an all-zero header (group token or id mismatch). Manager's
	// background dial does not return it: a rejected handshake is
	// retried with backoff and the channel stays unconnected.
	ErrJoinRejected = errors.New("channel: join rejected")
	// ErrClosed is returned by operations on a shut-down
	// ChannelManager or Channel.
	ErrClosed = errors.New("channel: closed")
	// ErrPartitioned names the partitioned test mode. A partitioned
	// Manager rejects handshakes and closes its channels; it does not
	// return this error.
	ErrPartitioned = errors.New("channel: partitioned")
)
