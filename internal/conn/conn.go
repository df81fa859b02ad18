// Package conn defines Connection, the central per-client entity: a TCP
// framer, an optional bound UDP remote address, the connection's listener
// list, and its lifecycle state machine.
package conn

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"netd/internal/framer"
)

// State is a Connection's position in its irreversible lifecycle.
type State int32

const (
	Accepted State = iota
	Pending
	Established
	Closed
)

func (s State) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case Pending:
		return "pending"
	case Established:
		return "established"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Listener receives lifecycle and data events for one Connection. Calls
// happen on the reactor's single I/O goroutine and must not block.
type Listener interface {
	Connected(c *Connection)
	Disconnected(c *Connection)
	Received(c *Connection, obj any)
	Idle(c *Connection)
}

// Connection is the central entity: one accepted TCP socket, its framer, and
// (when UDP is enabled) the datagram address bound to it after registration.
type Connection struct {
	ID int32

	Framer *framer.Framer

	name string

	state atomic.Int32

	udpMu     sync.RWMutex
	udpRemote *net.UDPAddr

	connectedOnce atomic.Bool

	listenerMu sync.Mutex
	listeners  []Listener // copy-on-write; replaced wholesale on mutation

	lastPingID       atomic.Int32
	lastPingSendTime atomic.Int64 // unix nanos
	returnTripTime   atomic.Int64 // nanoseconds; -1 until first round trip
}

// New constructs a Connection in the Accepted state.
func New(id int32, f *framer.Framer) *Connection {
	c := &Connection{
		ID:     id,
		Framer: f,
		name:   fmt.Sprintf("Connection %d", id),
	}
	c.state.Store(int32(Accepted))
	c.returnTripTime.Store(-1)
	return c
}

// Name returns the connection's display label.
func (c *Connection) Name() string { return c.name }

// SetName overrides the default display label.
func (c *Connection) SetName(name string) { c.name = name }

// State returns the connection's current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// setState performs an unconditional state transition; callers are
// responsible for only calling it along a valid path (states are
// irreversible: Accepted -> Pending? -> Established -> Closed).
func (c *Connection) setState(s State) { c.state.Store(int32(s)) }

// MarkPending transitions Accepted -> Pending (UDP-enabled servers only).
func (c *Connection) MarkPending() { c.setState(Pending) }

// MarkEstablished transitions into Established and records whether this is
// the connection's first ever transition to Established (the caller uses
// that to decide whether to fire Connected).
func (c *Connection) MarkEstablished() (firstTime bool) {
	c.setState(Established)
	return !c.connectedOnce.Swap(true)
}

// MarkClosed transitions into the terminal Closed state. It returns true iff
// the connection had previously been observed Established and was not
// already Closed, so the caller fires Disconnected exactly once per
// previously-connected connection.
func (c *Connection) MarkClosed() (wasConnected bool) {
	prev := State(c.state.Swap(int32(Closed)))
	return prev != Closed && c.connectedOnce.Load()
}

// IsConnected reports whether the connection is currently Established.
func (c *Connection) IsConnected() bool { return c.State() == Established }

// UDPRemoteAddr returns the bound datagram address, or nil if UDP has not
// been registered for this connection yet.
func (c *Connection) UDPRemoteAddr() *net.UDPAddr {
	c.udpMu.RLock()
	defer c.udpMu.RUnlock()
	return c.udpRemote
}

// BindUDP sets the datagram address the first time UDP is registered. It
// returns false without modifying state if an address is already bound
// (duplicate registration is ignored per the protocol).
func (c *Connection) BindUDP(addr *net.UDPAddr) bool {
	c.udpMu.Lock()
	defer c.udpMu.Unlock()
	if c.udpRemote != nil {
		return false
	}
	c.udpRemote = addr
	return true
}

// AddListener appends l to the connection's listener list if it is not
// already present (deduplicated by identity), preserving insertion order.
// Copy-on-write: a fresh slice is published so readers never observe a
// partial mutation.
func (c *Connection) AddListener(l Listener) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	for _, existing := range c.listeners {
		if existing == l {
			return
		}
	}
	next := make([]Listener, len(c.listeners)+1)
	copy(next, c.listeners)
	next[len(c.listeners)] = l
	c.listeners = next
}

// Listeners returns a snapshot of the current listener list, safe to
// iterate without holding any lock.
func (c *Connection) Listeners() []Listener {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	return c.listeners
}

// RecordPing stores the id and send time of an outgoing ping probe.
func (c *Connection) RecordPing(id int32, sentAt time.Time) {
	c.lastPingID.Store(id)
	c.lastPingSendTime.Store(sentAt.UnixNano())
}

// ObserveReply updates returnTripTime if id matches the most recently sent
// ping; replies for stale or unknown ids are ignored.
func (c *Connection) ObserveReply(id int32, now time.Time) {
	if c.lastPingID.Load() != id {
		return
	}
	sentAt := c.lastPingSendTime.Load()
	if sentAt == 0 {
		return
	}
	c.returnTripTime.Store(now.UnixNano() - sentAt)
}

// ReturnTripTime returns the most recently observed round-trip time, or -1
// if no round trip has completed yet.
func (c *Connection) ReturnTripTime() time.Duration {
	ns := c.returnTripTime.Load()
	if ns < 0 {
		return -1
	}
	return time.Duration(ns)
}

// NextPingID is a small helper for callers that issue a fresh ping.
func (c *Connection) NextPingID() int32 {
	return c.lastPingID.Add(1)
}
