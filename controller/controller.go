// Package controller implements the Raft-style role/term state
// machine driving elections, log replication, quorum commit, and
// group membership, per spec.md §4.5.
package controller

import (
	"sort"
	"sync"
	"time"

	"github.com/liftbridge-io/raftlog/channel"
	"github.com/liftbridge-io/raftlog/external"
	"github.com/liftbridge-io/raftlog/logger"
	"github.com/liftbridge-io/raftlog/statelog"
)

// Role is the Follower/Candidate/Leader tagged variant (spec.md §9).
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// Peer tracks one remote member's replication and voting state.
type Peer struct {
	MemberID          uint64
	Address           string
	Channel           *channel.Channel
	MatchPosition     statelog.Position
	SyncMatchPosition statelog.Position
	CompactPosition   statelog.Position
	GroupVersion      uint64
	LeaderCheckOK     bool
	ProxyBytes        uint64

	// reportedNoLeader is set by the election loop when this peer's
	// last LEADER_CHECK_REPLY indicated it saw no leader.
	reportedNoLeader bool
}

// Options configures a Controller.
type Options struct {
	SelfMemberID uint64
	Log          *statelog.StateLog
	Manager      *channel.Manager
	GroupFile    external.GroupFile
	Scheduler    external.Scheduler
	Logger       logger.Logger

	// ProxyMode, when true, fans writes out via a single rotating
	// proxy peer instead of broadcasting to every peer directly.
	ProxyMode bool
}

// proxyRebalanceBytes is the byte budget after which the Leader
// rotates to a new proxy peer (spec.md §4.5).
const proxyRebalanceBytes = 10_000_000

// Controller is the Raft role/term state machine. One latch protects
// its fields with shared/exclusive modes (spec.md §5); role
// transitions and term changes require exclusive access.
type Controller struct {
	opts Options
	log  logger.Logger

	mu                sync.RWMutex
	role              Role
	currentTerm       statelog.Term
	validatedTerm     statelog.Term
	votedFor          *uint64
	grantsRemaining   int
	electionValidated int
	leaderChannel     *channel.Channel
	peers             map[uint64]*Peer
	leaderWriter      *statelog.Writer
	closed            bool

	leaderPrevTerm  statelog.Term
	leaderTermStart statelog.Position
	lastQueryTerms  time.Time

	proxyPeer      uint64
	proxyHasPeer   bool
	proxyByteCount uint64

	queries *queryRegistry

	snapshotMu     sync.Mutex
	snapshotScores map[uint64]external.SnapshotScore

	cancelTimers []func()
}

// New constructs a Controller in the Follower role with no known
// leader.
func New(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = logger.New(0)
	}
	return &Controller{
		opts:           opts,
		log:            opts.Logger,
		role:           Follower,
		peers:          make(map[uint64]*Peer),
		queries:        newQueryRegistry(),
		snapshotScores: make(map[uint64]external.SnapshotScore),
	}
}

// Role returns the Controller's current role.
func (c *Controller) Role() Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

// CurrentTerm returns the Controller's current term.
func (c *Controller) CurrentTerm() statelog.Term {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentTerm
}

// AddPeer registers a remote member, creating its Channel via the
// configured Manager.
func (c *Controller) AddPeer(memberID uint64, address string) *Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := &Peer{MemberID: memberID, Address: address}
	if c.opts.Manager != nil {
		p.Channel = c.opts.Manager.Connect(memberID, address)
	}
	c.peers[memberID] = p
	return p
}

// RemovePeer drops a peer from consensus tracking.
func (c *Controller) RemovePeer(memberID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.peers, memberID)
}

// PeerByID returns the tracked peer for memberID, or ErrUnknownPeer.
func (c *Controller) PeerByID(memberID uint64) (*Peer, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.peers[memberID]
	if !ok {
		return nil, ErrUnknownPeer
	}
	return p, nil
}

// peerList returns a snapshot of current peers. Must be called with
// at least a read lock held, or without any lock if the caller only
// needs a point-in-time copy (the returned slice is safe to range over
// without synchronization).
func (c *Controller) peerList() []*Peer {
	peers := make([]*Peer, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}
	return peers
}

// becomeFollowerLocked transitions to Follower for a higher observed term,
// clearing votedFor (spec.md §4.5: "a higher observed term causes
// immediate transition to Follower with votedFor := none"). Must be
// called with c.mu held exclusively.
func (c *Controller) becomeFollowerLocked(term statelog.Term) {
	if term > c.currentTerm {
		c.currentTerm = term
	}
	c.role = Follower
	c.votedFor = nil
	c.leaderChannel = nil
}

// observeTerm upgrades currentTerm and demotes to Follower if term is
// higher than what's currently known, per the invariant that
// currentTerm only increases.
func (c *Controller) observeTerm(term statelog.Term) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if term > c.currentTerm {
		c.becomeFollowerLocked(term)
	}
}

// Close shuts the controller down, cancels its background timers, and
// signals every commit waiter on the underlying StateLog with the
// term-end sentinel (spec.md §4.5: "Closed controller signals all
// commit waiters with the term-end sentinel" — delegated to the
// StateLog's own close, which already wakes every TermLog's waiters).
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	timers := c.cancelTimers
	c.cancelTimers = nil
	c.mu.Unlock()

	for _, cancel := range timers {
		cancel()
	}
	c.queries.closeAll()
	return c.opts.Log.Close()
}

// sortedMatchPositions returns every consensus peer's matchPosition in
// ascending order, for median-based quorum commit.
func sortedMatchPositions(peers []*Peer, self statelog.Position) []statelog.Position {
	positions := make([]statelog.Position, 0, len(peers)+1)
	positions = append(positions, self)
	for _, p := range peers {
		positions = append(positions, p.MatchPosition)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })
	return positions
}

// quorumCommit computes the new commit position as the median
// (element at len/2) of self plus every consensus peer's
// matchPosition (spec.md §4.5).
func quorumCommit(peers []*Peer, self statelog.Position) statelog.Position {
	positions := sortedMatchPositions(peers, self)
	return positions[len(positions)/2]
}
