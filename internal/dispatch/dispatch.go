// Package dispatch fans framework events out to server-wide and
// per-connection listeners, intercepting the framework control messages
// (Ping auto-reply/RTT, KeepAlive passthrough) before user code sees them.
package dispatch

import (
	"sync"
	"time"

	"netd/internal/conn"
	"netd/internal/wire"
)

// Sender is the minimal collaborator Dispatcher needs to auto-reply to a
// Ping; satisfied by *framer.Framer.
type Sender interface {
	Send(obj any) (int, error)
}

// Dispatcher owns the server-wide listener list and fans events out to it
// plus each connection's own listener list, in registration order.
type Dispatcher struct {
	listenerMu sync.Mutex
	listeners  []conn.Listener // copy-on-write, server-wide
}

// New constructs an empty Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{}
}

// AddListener registers a server-wide listener, deduplicated by identity.
func (d *Dispatcher) AddListener(l conn.Listener) {
	d.listenerMu.Lock()
	defer d.listenerMu.Unlock()
	for _, existing := range d.listeners {
		if existing == l {
			return
		}
	}
	next := make([]conn.Listener, len(d.listeners)+1)
	copy(next, d.listeners)
	next[len(d.listeners)] = l
	d.listeners = next
}

// Listeners returns a lock-free snapshot of the server-wide listener list.
func (d *Dispatcher) Listeners() []conn.Listener {
	d.listenerMu.Lock()
	defer d.listenerMu.Unlock()
	return d.listeners
}

// FireConnected notifies every listener (per-connection then server-wide)
// that c has transitioned to Established.
func (d *Dispatcher) FireConnected(c *conn.Connection) {
	for _, l := range c.Listeners() {
		l.Connected(c)
	}
	for _, l := range d.Listeners() {
		l.Connected(c)
	}
}

// FireDisconnected notifies every listener that c has closed.
func (d *Dispatcher) FireDisconnected(c *conn.Connection) {
	for _, l := range c.Listeners() {
		l.Disconnected(c)
	}
	for _, l := range d.Listeners() {
		l.Disconnected(c)
	}
}

// FireIdle notifies listeners that c is idle, stopping early if a listener's
// callback causes the connection to no longer be idle.
func (d *Dispatcher) FireIdle(c *conn.Connection, stillIdle func() bool) {
	for _, l := range c.Listeners() {
		l.Idle(c)
		if stillIdle != nil && !stillIdle() {
			return
		}
	}
	for _, l := range d.Listeners() {
		l.Idle(c)
		if stillIdle != nil && !stillIdle() {
			return
		}
	}
}

// Received handles one decoded object arriving on c. RegisterTCP,
// RegisterUDP and DiscoverHost are intercepted and never reach listeners.
// Ping with IsReply=false is auto-replied; Ping with IsReply=true updates
// the round-trip time. Both kinds of Ping, like KeepAlive, are then handed
// to listeners as ordinary received events.
func (d *Dispatcher) Received(c *conn.Connection, obj any, sender Sender, now time.Time) {
	switch v := obj.(type) {
	case *wire.RegisterTCP, *wire.RegisterUDP, *wire.DiscoverHost:
		// Handshake/discovery control messages never reach application
		// listeners; the reactor consumes them directly.
		return
	case *wire.Ping:
		if !v.IsReply {
			reply := &wire.Ping{ID: v.ID, IsReply: true}
			_, _ = sender.Send(reply)
		} else {
			c.ObserveReply(v.ID, now)
		}
	case *wire.KeepAlive:
		// Delivered as an ordinary received event; listeners typically
		// ignore it.
	}

	for _, l := range c.Listeners() {
		l.Received(c, obj)
	}
	for _, l := range d.Listeners() {
		l.Received(c, obj)
	}
}
