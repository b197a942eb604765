package controller

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/liftbridge-io/raftlog/statelog"
)

// Fixed-width encodings for each opcode's leading fields, per spec.md
// §4.4 ("fixed-width fields followed by payload blob where
// applicable"). All multi-byte fields are little-endian.

func encodeRequestVote(term statelog.Term, candidateID uint64, highestTerm statelog.Term, highestPos statelog.Position) []byte {
	buf := make([]byte, 32)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(term))
	binary.LittleEndian.PutUint64(buf[8:16], candidateID)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(highestTerm))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(highestPos))
	return buf
}

func decodeRequestVote(body []byte) (term statelog.Term, candidateID uint64, highestTerm statelog.Term, highestPos statelog.Position, err error) {
	if len(body) < 32 {
		return 0, 0, 0, 0, errors.New("controller: short REQUEST_VOTE body")
	}
	term = statelog.Term(binary.LittleEndian.Uint64(body[0:8]))
	candidateID = binary.LittleEndian.Uint64(body[8:16])
	highestTerm = statelog.Term(binary.LittleEndian.Uint64(body[16:24]))
	highestPos = statelog.Position(binary.LittleEndian.Uint64(body[24:32]))
	return
}

// encodeRequestVoteReply encodes grant/deny by setting the sign bit of
// the returned term, per spec.md §4.5.
func encodeRequestVoteReply(term statelog.Term, granted bool) []byte {
	buf := make([]byte, 8)
	v := uint64(term)
	if !granted {
		v |= 1 << 63
	}
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func decodeRequestVoteReply(body []byte) (term statelog.Term, granted bool, err error) {
	if len(body) < 8 {
		return 0, false, errors.New("controller: short REQUEST_VOTE_REPLY body")
	}
	v := binary.LittleEndian.Uint64(body)
	granted = v&(1<<63) == 0
	term = statelog.Term(v &^ (1 << 63))
	return term, granted, nil
}

func encodeWriteData(prevTerm, term statelog.Term, position, highestPos, commitPos statelog.Position, data []byte) []byte {
	buf := make([]byte, 40+len(data))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(prevTerm))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(term))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(position))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(highestPos))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(commitPos))
	copy(buf[40:], data)
	return buf
}

func decodeWriteData(body []byte) (prevTerm, term statelog.Term, position, highestPos, commitPos statelog.Position, data []byte, err error) {
	if len(body) < 40 {
		return 0, 0, 0, 0, 0, nil, errors.New("controller: short WRITE_DATA body")
	}
	prevTerm = statelog.Term(binary.LittleEndian.Uint64(body[0:8]))
	term = statelog.Term(binary.LittleEndian.Uint64(body[8:16]))
	position = statelog.Position(binary.LittleEndian.Uint64(body[16:24]))
	highestPos = statelog.Position(binary.LittleEndian.Uint64(body[24:32]))
	commitPos = statelog.Position(binary.LittleEndian.Uint64(body[32:40]))
	data = body[40:]
	return
}

func encodeWriteDataReply(term statelog.Term, peerHighest statelog.Position) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(term))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(peerHighest))
	return buf
}

func decodeWriteDataReply(body []byte) (term statelog.Term, peerHighest statelog.Position, err error) {
	if len(body) < 16 {
		return 0, 0, errors.New("controller: short WRITE_DATA_REPLY body")
	}
	term = statelog.Term(binary.LittleEndian.Uint64(body[0:8]))
	peerHighest = statelog.Position(binary.LittleEndian.Uint64(body[8:16]))
	return
}

// encodeQueryData carries a correlation id (nuid-generated, see
// query.go) so the reply can be matched to a pending context even
// though the channel itself is a plain byte stream.
func encodeQueryData(start, end statelog.Position, correlationID string) []byte {
	buf := make([]byte, 16+1+len(correlationID))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(start))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(end))
	buf[16] = byte(len(correlationID))
	copy(buf[17:], correlationID)
	return buf
}

func decodeQueryData(body []byte) (start, end statelog.Position, correlationID string, err error) {
	if len(body) < 17 {
		return 0, 0, "", errors.New("controller: short QUERY_DATA body")
	}
	start = statelog.Position(binary.LittleEndian.Uint64(body[0:8]))
	end = statelog.Position(binary.LittleEndian.Uint64(body[8:16]))
	n := int(body[16])
	if len(body) < 17+n {
		return 0, 0, "", errors.New("controller: short QUERY_DATA correlation id")
	}
	correlationID = string(body[17 : 17+n])
	return
}

func encodeQueryDataReply(correlationID string, data []byte) []byte {
	buf := make([]byte, 1+len(correlationID)+len(data))
	buf[0] = byte(len(correlationID))
	copy(buf[1:], correlationID)
	copy(buf[1+len(correlationID):], data)
	return buf
}

func decodeQueryDataReply(body []byte) (correlationID string, data []byte, err error) {
	if len(body) < 1 {
		return "", nil, errors.New("controller: short QUERY_DATA_REPLY body")
	}
	n := int(body[0])
	if len(body) < 1+n {
		return "", nil, errors.New("controller: short QUERY_DATA_REPLY correlation id")
	}
	return string(body[1 : 1+n]), body[1+n:], nil
}

// encodeSnapshotScoreReply carries (activeSessions, leaderWeight) per
// spec.md §4.5's peer-scoring contract. leaderWeight is signed (1 or
// -1) so it is stored as int64.
func encodeSnapshotScoreReply(activeSessions int, leaderWeight int) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(int64(activeSessions)))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(int64(leaderWeight)))
	return buf
}

func decodeSnapshotScoreReply(body []byte) (activeSessions int, leaderWeight int, err error) {
	if len(body) < 16 {
		return 0, 0, errors.New("controller: short SNAPSHOT_SCORE_REPLY body")
	}
	activeSessions = int(int64(binary.LittleEndian.Uint64(body[0:8])))
	leaderWeight = int(int64(binary.LittleEndian.Uint64(body[8:16])))
	return
}

func encodeLeaderCheckReply(hasLeader bool) []byte {
	if hasLeader {
		return []byte{1}
	}
	return []byte{0}
}

func decodeLeaderCheckReply(body []byte) (bool, error) {
	if len(body) < 1 {
		return false, errors.New("controller: short LEADER_CHECK_REPLY body")
	}
	return body[0] != 0, nil
}
