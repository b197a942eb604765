package external

import (
	"sync"

	"github.com/pkg/errors"
)

// MemberRole is a peer's membership role as recorded in the group
// file, distinct from a Controller's runtime Follower/Candidate/Leader
// role: this tracks whether the member counts toward quorum at all.
type MemberRole int

const (
	Voter MemberRole = iota
	Observer
)

// PeerRecord is one entry of {id -> (address, role)} in the group
// membership file.
type PeerRecord struct {
	MemberID uint64
	Address  string
	Role     MemberRole
}

// ErrGroupVersionStale is the error a GroupFile's apply calls report
// when the supplied control message's version does not immediately
// follow the file's current version. InMemoryGroupFile's control
// messages carry no version, so its apply calls never return it.
var ErrGroupVersionStale = errors.New("external: stale group version")

// GroupFile is the group-membership collaborator: a versioned
// properties file mapping member id to (address, role). The core
// treats it as opaque, only calling the operations below; a real
// implementation would persist this atomically (e.g. with
// natefinch/atomic, as statelog's durable sidecar does).
type GroupFile interface {
	Version() uint64
	GroupID() uint64
	LocalMemberID() uint64
	LocalRole() MemberRole
	AllPeers() []PeerRecord

	// ProposeJoin/UpdateRole/Remove encode a control message a leader
	// embeds in the log stream at a known position; they do not
	// mutate the file themselves.
	ProposeJoin(peer PeerRecord) ([]byte, error)
	ProposeUpdateRole(memberID uint64, role MemberRole) ([]byte, error)
	ProposeRemove(memberID uint64) ([]byte, error)

	// ApplyJoin/UpdateRole/Remove mutate the file once the
	// corresponding control message commits.
	ApplyJoin(msg []byte) error
	ApplyUpdateRole(msg []byte) error
	ApplyRemove(msg []byte) error
}

// InMemoryGroupFile is a test double satisfying GroupFile without any
// backing storage, for controller/statelog unit tests that need a
// GroupFile but not persistence.
type InMemoryGroupFile struct {
	mu       sync.Mutex
	version  uint64
	groupID  uint64
	localID  uint64
	peers    map[uint64]PeerRecord
}

// NewInMemoryGroupFile seeds a test-double group file with the local
// member already present as a Voter.
func NewInMemoryGroupFile(groupID, localMemberID uint64, localAddress string) *InMemoryGroupFile {
	return &InMemoryGroupFile{
		groupID: groupID,
		localID: localMemberID,
		peers: map[uint64]PeerRecord{
			localMemberID: {MemberID: localMemberID, Address: localAddress, Role: Voter},
		},
	}
}

func (g *InMemoryGroupFile) Version() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.version
}

func (g *InMemoryGroupFile) GroupID() uint64 { return g.groupID }

func (g *InMemoryGroupFile) LocalMemberID() uint64 { return g.localID }

func (g *InMemoryGroupFile) LocalRole() MemberRole {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peers[g.localID].Role
}

func (g *InMemoryGroupFile) AllPeers() []PeerRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	peers := make([]PeerRecord, 0, len(g.peers))
	for _, p := range g.peers {
		peers = append(peers, p)
	}
	return peers
}

// controlMessage is the tiny encoded form ProposeX produces and
// ApplyX consumes; real wire encoding is out of scope (§1: "group
// membership file format... out of scope"), so encodeControl packs it
// into a minimal private byte layout.
type controlMessage struct {
	kind     byte // 'j' join, 'u' update role, 'r' remove
	peer     PeerRecord
	memberID uint64
}

func (g *InMemoryGroupFile) ProposeJoin(peer PeerRecord) ([]byte, error) {
	return encodeControl(controlMessage{kind: 'j', peer: peer}), nil
}

func (g *InMemoryGroupFile) ProposeUpdateRole(memberID uint64, role MemberRole) ([]byte, error) {
	return encodeControl(controlMessage{kind: 'u', peer: PeerRecord{MemberID: memberID, Role: role}}), nil
}

func (g *InMemoryGroupFile) ProposeRemove(memberID uint64) ([]byte, error) {
	return encodeControl(controlMessage{kind: 'r', memberID: memberID}), nil
}

func (g *InMemoryGroupFile) ApplyJoin(msg []byte) error {
	cm, err := decodeControl(msg)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.peers[cm.peer.MemberID] = cm.peer
	g.version++
	return nil
}

func (g *InMemoryGroupFile) ApplyUpdateRole(msg []byte) error {
	cm, err := decodeControl(msg)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.peers[cm.peer.MemberID]
	if !ok {
		return errors.Errorf("external: unknown member %d", cm.peer.MemberID)
	}
	p.Role = cm.peer.Role
	g.peers[cm.peer.MemberID] = p
	g.version++
	return nil
}

func (g *InMemoryGroupFile) ApplyRemove(msg []byte) error {
	cm, err := decodeControl(msg)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.peers, cm.memberID)
	g.version++
	return nil
}

// encodeControl/decodeControl round-trip a controlMessage through a
// package-private gob-free encoding; kept deliberately simple since
// the wire format for group control messages is explicitly out of
// scope (spec.md §1).
func encodeControl(cm controlMessage) []byte {
	buf := make([]byte, 1+8+8+len(cm.peer.Address)+1)
	buf[0] = cm.kind
	i := 1
	putUint64(buf[i:], cm.peer.MemberID)
	i += 8
	putUint64(buf[i:], cm.memberID)
	i += 8
	buf[i] = byte(cm.peer.Role)
	i++
	copy(buf[i:], cm.peer.Address)
	return buf
}

func decodeControl(buf []byte) (controlMessage, error) {
	if len(buf) < 18 {
		return controlMessage{}, errors.New("external: short control message")
	}
	cm := controlMessage{kind: buf[0]}
	cm.peer.MemberID = getUint64(buf[1:9])
	cm.memberID = getUint64(buf[9:17])
	cm.peer.Role = MemberRole(buf[17])
	cm.peer.Address = string(buf[18:])
	return cm, nil
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
