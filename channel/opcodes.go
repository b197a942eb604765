package channel

// Opcode identifies the RPC carried by a command frame, per spec.md
// §4.4's enumerated opcode table.
type Opcode uint8

const (
	NOP Opcode = iota
	RequestVote
	RequestVoteReply
	ForceElection
	QueryTerms
	QueryTermsReply
	QueryData
	QueryDataReply
	QueryDataReplyMissing
	WriteData
	WriteDataReply
	WriteAndProxy
	WriteViaProxy
	SyncCommit
	SyncCommitReply
	Compact
	SnapshotScore
	SnapshotScoreReply
	UpdateRole
	UpdateRoleReply
	GroupVersion
	GroupVersionReply
	GroupFile
	GroupFileReply
	LeaderCheck
	LeaderCheckReply
)

var opcodeNames = map[Opcode]string{
	NOP:                   "NOP",
	RequestVote:           "REQUEST_VOTE",
	RequestVoteReply:      "REQUEST_VOTE_REPLY",
	ForceElection:         "FORCE_ELECTION",
	QueryTerms:            "QUERY_TERMS",
	QueryTermsReply:       "QUERY_TERMS_REPLY",
	QueryData:             "QUERY_DATA",
	QueryDataReply:        "QUERY_DATA_REPLY",
	QueryDataReplyMissing: "QUERY_DATA_REPLY_MISSING",
	WriteData:             "WRITE_DATA",
	WriteDataReply:        "WRITE_DATA_REPLY",
	WriteAndProxy:         "WRITE_AND_PROXY",
	WriteViaProxy:         "WRITE_VIA_PROXY",
	SyncCommit:            "SYNC_COMMIT",
	SyncCommitReply:       "SYNC_COMMIT_REPLY",
	Compact:               "COMPACT",
	SnapshotScore:         "SNAPSHOT_SCORE",
	SnapshotScoreReply:    "SNAPSHOT_SCORE_REPLY",
	UpdateRole:            "UPDATE_ROLE",
	UpdateRoleReply:       "UPDATE_ROLE_REPLY",
	GroupVersion:          "GROUP_VERSION",
	GroupVersionReply:     "GROUP_VERSION_REPLY",
	GroupFile:             "GROUP_FILE",
	GroupFileReply:        "GROUP_FILE_REPLY",
	LeaderCheck:           "LEADER_CHECK",
	LeaderCheckReply:      "LEADER_CHECK_REPLY",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return "UNKNOWN"
}

// Handler is invoked locally for each decoded command. Implemented by
// the controller package; kept as an interface here so channel has no
// import-time dependency on controller's role/term logic.
type Handler interface {
	HandleCommand(peerMemberID uint64, opcode Opcode, body []byte) error
}
