// Package channel implements the length-framed binary RPC transport
// between cluster members: a TCP connect handshake, a per-command
// frame header with optional CRC32C, and a ChannelManager that owns
// accept/connect/reconnect and a write-stall watchdog.
package channel

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
)

// connectMagic identifies this wire protocol on the handshake header.
const connectMagic uint64 = 2825672906279293275

// connectHeaderSize is the fixed 44-byte connect header: magic(8) +
// groupId(8) + memberId(8) + connectionType(4) + groupToken1(8) +
// groupToken2(8).
const connectHeaderSize = 44

// commandHeaderSize is the fixed 8-byte per-command header:
// length(3) | opcode(1) | crc(4).
const commandHeaderSize = 8

// maxCommandLength is the largest body length a 24-bit length field
// can express, per spec.md's note that QUERY_DATA_REPLY and WRITE_*
// payloads must be split across multiple commands above this bound.
const maxCommandLength = 1<<24 - 1

// crcEnabledBit is the low bit of connectionType toggling per-command
// CRC32C.
const crcEnabledBit int32 = 1

// castagnoliTable is the CRC32C polynomial table, a process-wide
// initialization-time constant (spec.md §9: "global state... is
// initialization-time constants"). No example dependency exposes
// CRC32C, so this uses the standard library's hash/crc32, justified in
// the design ledger.
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// connectHeader is the per-connection handshake, echoed by the server
// with its own memberId on accept.
type connectHeader struct {
	Magic          uint64
	GroupID        uint64
	MemberID       uint64
	ConnectionType int32
	GroupToken1    uint64
	GroupToken2    uint64
}

// crcEnabled reports whether this connection negotiated per-command
// CRC32C.
func (h connectHeader) crcEnabled() bool {
	return h.ConnectionType&crcEnabledBit != 0
}

// anonymous reports whether the connecting side presented no member
// identity yet.
func (h connectHeader) anonymous() bool {
	return h.MemberID == 0
}

// rejectedHeader returns the all-zero-ids header the server echoes back to
// reject a mismatched group token or group id.
func rejectedHeader() connectHeader {
	return connectHeader{Magic: connectMagic}
}

func encodeConnectHeader(h connectHeader) []byte {
	buf := make([]byte, connectHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.Magic)
	binary.LittleEndian.PutUint64(buf[8:16], h.GroupID)
	binary.LittleEndian.PutUint64(buf[16:24], h.MemberID)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(h.ConnectionType))
	binary.LittleEndian.PutUint64(buf[28:36], h.GroupToken1)
	binary.LittleEndian.PutUint64(buf[36:44], h.GroupToken2)
	return buf
}

func decodeConnectHeader(buf []byte) (connectHeader, error) {
	if len(buf) != connectHeaderSize {
		return connectHeader{}, errors.Wrap(ErrProtocolViolation, "short connect header")
	}
	h := connectHeader{
		Magic:          binary.LittleEndian.Uint64(buf[0:8]),
		GroupID:        binary.LittleEndian.Uint64(buf[8:16]),
		MemberID:       binary.LittleEndian.Uint64(buf[16:24]),
		ConnectionType: int32(binary.LittleEndian.Uint32(buf[24:28])),
		GroupToken1:    binary.LittleEndian.Uint64(buf[28:36]),
		GroupToken2:    binary.LittleEndian.Uint64(buf[36:44]),
	}
	if h.Magic != connectMagic {
		return connectHeader{}, errors.Wrap(ErrProtocolViolation, "bad magic")
	}
	return h, nil
}

// commandFrame is one decoded on-wire command: opcode plus body bytes,
// with the CRC already verified (if enabled).
type commandFrame struct {
	Opcode Opcode
	Body   []byte
}

// encodeCommandHeader packs length/opcode/crc into the 8-byte header.
// crc is the raw CRC32C of body XOR the first four bytes of the
// connect header, or 0 when CRCs are disabled for this connection.
func encodeCommandHeader(opcode Opcode, length int, crc uint32) []byte {
	buf := make([]byte, commandHeaderSize)
	buf[0] = byte(length)
	buf[1] = byte(length >> 8)
	buf[2] = byte(length >> 16)
	buf[3] = byte(opcode)
	binary.LittleEndian.PutUint32(buf[4:8], crc)
	return buf
}

func decodeCommandHeader(buf []byte) (length int, opcode Opcode, crc uint32) {
	length = int(buf[0]) | int(buf[1])<<8 | int(buf[2])<<16
	opcode = Opcode(buf[3])
	crc = binary.LittleEndian.Uint32(buf[4:8])
	return
}

// commandCRC computes CRC32C of body XOR the first four bytes of the
// connect header, per spec.md §4.4.
func commandCRC(connectHeaderFirstFour uint32, body []byte) uint32 {
	return crc32.Checksum(body, castagnoliTable) ^ connectHeaderFirstFour
}

// splitPayload breaks data into chunks no larger than maxCommandLength
// minus headerFields, the space reserved for an opcode's fixed-width
// fields ahead of the blob. Open Question resolution: the spec leaves
// the split boundary unspecified beyond "2^24 - header-fields"; this
// implements it explicitly rather than guessing at chunk alignment.
func splitPayload(data []byte, headerFields int) [][]byte {
	limit := maxCommandLength - headerFields
	if limit <= 0 {
		limit = 1
	}
	if len(data) <= limit {
		return [][]byte{data}
	}
	var chunks [][]byte
	for len(data) > 0 {
		n := limit
		if n > len(data) {
			n = len(data)
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}
