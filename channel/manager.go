package channel

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/liftbridge-io/raftlog/external"
	"github.com/liftbridge-io/raftlog/logger"
)

// watchdogTick is the write-stall watchdog's inspection interval
// (spec.md §4.4).
const watchdogTick = 125 * time.Millisecond

// reconnectMin/Max bound the exponential backoff a ClientChannel uses
// while its TCP connect runs in the background.
const (
	reconnectMin = 10 * time.Millisecond
	reconnectMax = 1 * time.Second
)

// Options configures a Manager.
type Options struct {
	GroupID     uint64
	MemberID    uint64
	GroupToken1 uint64
	GroupToken2 uint64
	CRCEnabled  bool

	Scheduler external.Scheduler
	Logger    logger.Logger
	Handler   Handler
}

// Manager is the ChannelManager: it owns the accept loop, one
// ClientChannel per configured peer (reconnecting across drops), the
// write-stall watchdog, and dispatches inbound commands to Handler.
type Manager struct {
	opts Options
	log  logger.Logger

	mu          sync.Mutex
	channels    map[uint64]*Channel // by peer member id
	listener    net.Listener
	partitioned bool
	closed      bool

	watchdogCancel func()
}

// New constructs a Manager; call Listen to start accepting.
func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logger.New(0)
	}
	if opts.Scheduler == nil {
		// Accept loop, per-socket read loops, and the watchdog each
		// occupy a worker for as long as they block, so the default
		// pool needs headroom beyond a handful of peers.
		opts.Scheduler = external.NewWorkerPool(16)
	}
	m := &Manager{opts: opts, log: opts.Logger, channels: make(map[uint64]*Channel)}
	return m
}

func (m *Manager) localHeader() connectHeader {
	connType := int32(0)
	if m.opts.CRCEnabled {
		connType |= crcEnabledBit
	}
	return connectHeader{
		Magic:          connectMagic,
		GroupID:        m.opts.GroupID,
		MemberID:       m.opts.MemberID,
		ConnectionType: connType,
		GroupToken1:    m.opts.GroupToken1,
		GroupToken2:    m.opts.GroupToken2,
	}
}

// Listen starts the accept loop on addr and the write-stall watchdog.
func (m *Manager) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "channel: listen failed")
	}
	m.mu.Lock()
	m.listener = ln
	m.mu.Unlock()

	m.opts.Scheduler.Execute(m.acceptLoop)
	m.log.Debugf("channel: write-stall watchdog inspecting every %s", logger.HumanDuration(watchdogTick))
	m.watchdogCancel = m.scheduleWatchdog()
	return nil
}

func (m *Manager) acceptLoop() {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			return // listener closed
		}
		m.opts.Scheduler.Execute(func() { m.acceptOne(conn) })
	}
}

// acceptOne implements the server side of the handshake: validate the
// header, echo it back with the local member id (or an all-zero
// rejection), then install the socket and run its read loop.
func (m *Manager) acceptOne(conn net.Conn) {
	header := make([]byte, connectHeaderSize)
	if _, err := readFull(conn, header); err != nil {
		conn.Close() // nolint: errcheck
		return
	}
	peerHeader, err := decodeConnectHeader(header)
	if err != nil {
		conn.Close() // nolint: errcheck
		return
	}

	m.mu.Lock()
	partitioned := m.partitioned
	m.mu.Unlock()

	if partitioned || peerHeader.GroupID != m.opts.GroupID ||
		(peerHeader.GroupToken1 != m.opts.GroupToken1 || peerHeader.GroupToken2 != m.opts.GroupToken2) {
		conn.Write(encodeConnectHeader(rejectedHeader())) // nolint: errcheck
		conn.Close()                                      // nolint: errcheck
		return
	}

	reply := m.localHeader()
	if _, err := conn.Write(encodeConnectHeader(reply)); err != nil {
		conn.Close() // nolint: errcheck
		return
	}

	ch := newChannel(ServerKind, conn, peerHeader, m.log)
	m.installOrQueue(ch)
	m.readLoop(ch)
}

// installOrQueue implements the duplicate-inbound-connection policy:
// if a channel is already installed for this peer, the newcomer waits
// for it to close (forcing closure after half a watchdog's server
// tolerance) before taking its place.
func (m *Manager) installOrQueue(ch *Channel) {
	m.mu.Lock()
	existing, present := m.channels[ch.peerMemberID]
	if !present {
		m.channels[ch.peerMemberID] = ch
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	deadline := time.Now().Add(time.Duration(ServerPolicy.MaxStallTicks) * watchdogTick / 2)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		if m.channels[ch.peerMemberID] != existing {
			m.mu.Unlock()
			break
		}
		m.mu.Unlock()
		existing.mu.Lock()
		existingClosed := existing.closed
		existing.mu.Unlock()
		if existingClosed {
			break
		}
		time.Sleep(watchdogTick / 4)
	}
	existing.Close() // nolint: errcheck

	m.mu.Lock()
	m.channels[ch.peerMemberID] = ch
	m.mu.Unlock()
}

// Connect returns a shared ClientChannel to peer immediately; the
// actual TCP dial runs in the background with exponential backoff, so
// the caller never blocks on network I/O (spec.md §4.4).
func (m *Manager) Connect(peerMemberID uint64, addr string) *Channel {
	m.mu.Lock()
	if ch, ok := m.channels[peerMemberID]; ok {
		m.mu.Unlock()
		return ch
	}
	m.mu.Unlock()

	ch := newChannel(ClientKind, nil, connectHeader{}, m.log)
	ch.peerMemberID = peerMemberID
	m.mu.Lock()
	m.channels[peerMemberID] = ch
	m.mu.Unlock()

	m.opts.Scheduler.Execute(func() { m.dialWithBackoff(ch, addr) })
	return ch
}

func (m *Manager) dialWithBackoff(ch *Channel, addr string) {
	backoff := reconnectMin
	for {
		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}

		conn, err := net.Dial("tcp", addr)
		if err == nil {
			local := m.localHeader()
			if _, err = conn.Write(encodeConnectHeader(local)); err == nil {
				reply := make([]byte, connectHeaderSize)
				if _, err = readFull(conn, reply); err == nil {
					peerHeader, derr := decodeConnectHeader(reply)
					if derr == nil && peerHeader.MemberID != 0 {
						ch.mu.Lock()
						ch.conn = conn
						ch.header = peerHeader
						ch.closed = false
						ch.mu.Unlock()
						m.readLoop(ch)
						// readLoop returns on disconnect; fall through
						// to reconnect if the policy allows it.
						if !ch.policy.ReconnectAllowed {
							return
						}
						backoff = reconnectMin
						continue
					}
				}
			}
			conn.Close() // nolint: errcheck
		}

		time.Sleep(backoff)
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// readLoop is the per-socket blocking input loop (spec.md §5: "Socket
// reads (blocking per channel)"), dispatching each decoded command to
// the configured Handler.
func (m *Manager) readLoop(ch *Channel) {
	for {
		opcode, body, err := ch.readCommand()
		if err != nil {
			ch.Close() // nolint: errcheck
			return
		}
		if body == nil {
			continue // mid-reassembly chunk, not yet a complete message
		}
		if m.opts.Handler != nil {
			if err := m.opts.Handler.HandleCommand(ch.peerMemberID, opcode, body); err != nil {
				m.log.Warnf("channel: handler error from peer %d: %v", ch.peerMemberID, err)
			}
		}
	}
}

func (m *Manager) scheduleWatchdog() func() {
	var cancel func()
	var tick func()
	tick = func() {
		m.mu.Lock()
		channels := make([]*Channel, 0, len(m.channels))
		for _, ch := range m.channels {
			channels = append(channels, ch)
		}
		m.mu.Unlock()

		for _, ch := range channels {
			if ch.checkStall() {
				m.log.Warnf("channel: write-stall watchdog forcing close of peer %d", ch.peerMemberID)
				ch.Close() // nolint: errcheck
			}
		}
		cancel = m.opts.Scheduler.ScheduleMillis(tick, watchdogTick)
	}
	cancel = m.opts.Scheduler.ScheduleMillis(tick, watchdogTick)
	return func() { cancel() }
}

// Addr returns the accept loop's bound address, once Listen has
// succeeded.
func (m *Manager) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// Channel returns the installed channel for a peer, if any.
func (m *Manager) Channel(peerMemberID uint64) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[peerMemberID]
	return ch, ok
}

// Drop forcibly removes and closes a peer's channel, by member-id
// filter.
func (m *Manager) Drop(peerMemberID uint64) {
	m.mu.Lock()
	ch, ok := m.channels[peerMemberID]
	delete(m.channels, peerMemberID)
	m.mu.Unlock()
	if ok {
		ch.Close() // nolint: errcheck
	}
}

// SetPartitioned toggles the test hook that rejects new connections
// and closes existing ones.
func (m *Manager) SetPartitioned(partitioned bool) {
	m.mu.Lock()
	m.partitioned = partitioned
	channels := make([]*Channel, 0, len(m.channels))
	if partitioned {
		for id, ch := range m.channels {
			channels = append(channels, ch)
			delete(m.channels, id)
		}
	}
	m.mu.Unlock()
	for _, ch := range channels {
		ch.Close() // nolint: errcheck
	}
}

// Close shuts the manager down: stops accepting, stops the watchdog,
// and closes every channel.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ln := m.listener
	channels := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.channels = make(map[uint64]*Channel)
	m.mu.Unlock()

	if m.watchdogCancel != nil {
		m.watchdogCancel()
	}
	if ln != nil {
		ln.Close() // nolint: errcheck
	}
	var firstErr error
	for _, ch := range channels {
		if err := ch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.opts.Scheduler.Shutdown()
	return firstErr
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
