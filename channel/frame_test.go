package channel

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConnectHeaderRoundTrip(t *testing.T) {
	h := connectHeader{
		Magic:          connectMagic,
		GroupID:        42,
		MemberID:       7,
		ConnectionType: crcEnabledBit,
		GroupToken1:    111,
		GroupToken2:    222,
	}
	buf := encodeConnectHeader(h)
	require.Len(t, buf, connectHeaderSize)

	decoded, err := decodeConnectHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, decoded)
	require.True(t, decoded.crcEnabled())
	require.False(t, decoded.anonymous())
}

func TestDecodeConnectHeaderRejectsBadMagic(t *testing.T) {
	buf := encodeConnectHeader(connectHeader{Magic: 1})
	_, err := decodeConnectHeader(buf)
	require.ErrorIs(t, err, ErrProtocolViolation)
}

func TestCommandHeaderRoundTrip(t *testing.T) {
	body := []byte("hello world")
	crc := commandCRC(0xdeadbeef, body)
	header := encodeCommandHeader(WriteData, len(body), crc)
	require.Len(t, header, commandHeaderSize)

	length, opcode, decodedCRC := decodeCommandHeader(header)
	require.Equal(t, len(body), length)
	require.Equal(t, WriteData, opcode)
	require.Equal(t, crc, decodedCRC)
}

func TestCommandCRCVerifiesOnlyForMatchingBody(t *testing.T) {
	body := []byte("same body, different connect headers")
	crc1 := commandCRC(1, body)
	crc2 := commandCRC(2, body)
	require.NotEqual(t, crc1, crc2)
	require.Equal(t, crc1, commandCRC(1, body), "deterministic for the same inputs")
}

func TestSplitPayloadBelowLimitIsUnsplit(t *testing.T) {
	data := bytes.Repeat([]byte{1}, 100)
	chunks := splitPayload(data, 8)
	require.Len(t, chunks, 1)
	require.Equal(t, data, chunks[0])
}

func TestSplitPayloadAboveLimitSplitsAndReassembles(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, maxCommandLength+1000)
	chunks := splitPayload(data, 0)
	require.Greater(t, len(chunks), 1)

	var reassembled []byte
	for _, c := range chunks {
		require.LessOrEqual(t, len(c), maxCommandLength)
		reassembled = append(reassembled, c...)
	}
	require.True(t, bytes.Equal(data, reassembled))
}

func TestOpcodeString(t *testing.T) {
	require.Equal(t, "WRITE_DATA", WriteData.String())
	require.Equal(t, "UNKNOWN", Opcode(250).String())
}
