package channel

import (
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/liftbridge-io/raftlog/logger"
)

// Kind is the Client/Server tagged variant from spec.md §9 ("Tagged
// variants... replace dynamic dispatch on channel kind with a policy
// field").
type Kind int

const (
	ClientKind Kind = iota
	ServerKind
)

// Policy captures the behavioral differences between a Client and a
// Server channel: how many stalled watchdog ticks it tolerates before
// being force-closed, and whether it reconnects after disconnect.
type Policy struct {
	MaxStallTicks    int
	ReconnectAllowed bool
}

var (
	// ClientPolicy: Client N=2 ⇒ ~250-375ms at a 125ms tick.
	ClientPolicy = Policy{MaxStallTicks: 2, ReconnectAllowed: true}
	// ServerPolicy: Server N=50 ⇒ ~6.5s at a 125ms tick.
	ServerPolicy = Policy{MaxStallTicks: 50, ReconnectAllowed: false}
)

// writeState values for the lock-free stall watchdog.
const (
	writeIdle    int32 = 0
	writePending int32 = 1
)

// Channel is a stateful RPC endpoint bound to one peer connection. Its
// output stream is serialized by mu (spec.md §5: "per-channel latch
// for the output stream"); the write-stall watchdog inspects
// writeState via atomic CAS without taking that latch.
type Channel struct {
	kind         Kind
	policy       Policy
	peerMemberID uint64
	header       connectHeader

	mu     sync.Mutex
	conn   net.Conn
	closed bool

	writeState atomic.Int32
	stallTicks int // owned exclusively by the watchdog goroutine

	reassembleMu sync.Mutex
	reassemble   map[Opcode][]byte

	log logger.Logger
}

func newChannel(kind Kind, conn net.Conn, header connectHeader, log logger.Logger) *Channel {
	policy := ClientPolicy
	if kind == ServerKind {
		policy = ServerPolicy
	}
	return &Channel{
		kind:         kind,
		policy:       policy,
		peerMemberID: header.MemberID,
		header:       header,
		conn:         conn,
		log:          log,
		reassemble:   make(map[Opcode][]byte),
	}
}

// PeerMemberID returns the remote member id this channel is bound to.
func (c *Channel) PeerMemberID() uint64 { return c.peerMemberID }

// Send writes one logical command, splitting its body across multiple
// frames when it exceeds maxCommandLength minus headerFields (spec.md §9 Open Question:
// "implement splitting explicitly"). headerFields reserves room ahead
// of the blob for an opcode's fixed-width fields, which are expected
// to be included only in the first chunk by the caller.
func (c *Channel) Send(opcode Opcode, body []byte, headerFields int) error {
	chunks := splitPayload(body, headerFields)
	for _, chunk := range chunks {
		if err := c.sendOne(opcode, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (c *Channel) sendOne(opcode Opcode, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn == nil {
		return ErrClosed
	}
	c.writeState.Store(writePending)
	defer c.writeState.Store(writeIdle)

	var crc uint32
	if c.header.crcEnabled() {
		var firstFour uint32
		hdr := encodeConnectHeader(c.header)
		firstFour = uint32(hdr[0]) | uint32(hdr[1])<<8 | uint32(hdr[2])<<16 | uint32(hdr[3])<<24
		crc = commandCRC(firstFour, body)
	}
	frameHeader := encodeCommandHeader(opcode, len(body), crc)
	if _, err := c.conn.Write(frameHeader); err != nil {
		return errors.Wrap(err, "channel: write header failed")
	}
	if len(body) > 0 {
		if _, err := c.conn.Write(body); err != nil {
			return errors.Wrap(err, "channel: write body failed")
		}
	}
	return nil
}

// readCommand blocks for the next frame on this channel, verifying its
// CRC when enabled, and folds multi-chunk messages back together: a
// chunk whose length equals the maximum chunk size is assumed to have
// a successor: the reassembly rule this implementation documents for
// the otherwise-unspecified split-payload wire contract.
func (c *Channel) readCommand() (Opcode, []byte, error) {
	header := make([]byte, commandHeaderSize)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return 0, nil, err
	}
	length, opcode, crc := decodeCommandHeader(header)
	body := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(c.conn, body); err != nil {
			return 0, nil, err
		}
	}
	if c.header.crcEnabled() {
		hdr := encodeConnectHeader(c.header)
		firstFour := uint32(hdr[0]) | uint32(hdr[1])<<8 | uint32(hdr[2])<<16 | uint32(hdr[3])<<24
		if commandCRC(firstFour, body) != crc {
			return 0, nil, errors.Wrap(ErrProtocolViolation, "crc mismatch")
		}
	}

	const maxChunk = maxCommandLength
	if length < maxChunk {
		c.reassembleMu.Lock()
		if buffered, ok := c.reassemble[opcode]; ok {
			body = append(buffered, body...)
			delete(c.reassemble, opcode)
		}
		c.reassembleMu.Unlock()
		return opcode, body, nil
	}
	c.reassembleMu.Lock()
	c.reassemble[opcode] = append(c.reassemble[opcode], body...)
	c.reassembleMu.Unlock()
	return opcode, nil, nil
}

// checkStall advances the watchdog's per-tick stall counter, returning
// true once the channel has exceeded its policy's tolerance and should
// be forced closed.
func (c *Channel) checkStall() bool {
	if c.writeState.Load() == writeIdle {
		c.stallTicks = 0
		return false
	}
	c.stallTicks++
	return c.stallTicks >= c.policy.MaxStallTicks
}

// Close tears down the underlying socket.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
