// Package registry holds the two disjoint connection containers —
// established (newest-first) and pending (id-keyed, UDP handshake only) —
// plus the broadcast send helpers that walk them.
package registry

import (
	"net"
	"sync"
	"sync/atomic"

	"netd/internal/conn"
)

const maxConnectionID = 1<<31 - 1

// Registry tracks every Connection the server currently knows about. A
// Connection is in at most one of established/pending at a time; readers of
// established iterate a snapshot slice, never a live one, so the I/O thread
// never observes a partially-mutated array.
type Registry struct {
	nextID atomic.Int32

	mu          sync.Mutex // guards established and pending during mutation
	established atomic.Pointer[[]*conn.Connection]
	pending     map[int32]*conn.Connection
}

// New constructs an empty Registry with the id sequence starting at 1.
func New() *Registry {
	r := &Registry{pending: make(map[int32]*conn.Connection)}
	r.nextID.Store(0)
	empty := []*conn.Connection{}
	r.established.Store(&empty)
	return r
}

// NextID allocates the next connection id, wrapping from 2^31-1 back to 1
// and skipping 0 and negative values.
func (r *Registry) NextID() int32 {
	for {
		v := r.nextID.Add(1)
		if v <= 0 {
			// Overflowed past maxConnectionID (or started negative): reset
			// the sequence and retry.
			r.nextID.CompareAndSwap(v, 0)
			continue
		}
		if v > maxConnectionID {
			r.nextID.CompareAndSwap(v, 0)
			continue
		}
		return v
	}
}

// AddPending places a newly accepted, not-yet-UDP-bound connection into the
// pending map, keyed by id.
func (r *Registry) AddPending(c *conn.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[c.ID] = c
}

// PromotePending moves a connection from pending to established. It returns
// false if id was not found in pending (already promoted, or unknown id).
func (r *Registry) PromotePending(id int32) (*conn.Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.pending[id]
	if !ok {
		return nil, false
	}
	delete(r.pending, id)
	r.prependEstablishedLocked(c)
	return c, true
}

// AddEstablished adds a connection directly to established (UDP-disabled
// servers skip the pending stage entirely).
func (r *Registry) AddEstablished(c *conn.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prependEstablishedLocked(c)
}

// prependEstablishedLocked publishes a new established slice with c first
// (newest-first iteration order). Caller must hold mu.
func (r *Registry) prependEstablishedLocked(c *conn.Connection) {
	old := *r.established.Load()
	next := make([]*conn.Connection, 0, len(old)+1)
	next = append(next, c)
	next = append(next, old...)
	r.established.Store(&next)
}

// Remove deletes a connection from whichever container currently holds it.
func (r *Registry) Remove(c *conn.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pending[c.ID]; ok {
		delete(r.pending, c.ID)
		return
	}

	old := *r.established.Load()
	next := make([]*conn.Connection, 0, len(old))
	for _, existing := range old {
		if existing.ID != c.ID {
			next = append(next, existing)
		}
	}
	r.established.Store(&next)
}

// Established returns a newest-first snapshot, safe to iterate without
// holding any lock: it is never mutated in place.
func (r *Registry) Established() []*conn.Connection {
	return *r.established.Load()
}

// Pending looks up a connection awaiting UDP registration by id.
func (r *Registry) Pending(id int32) (*conn.Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.pending[id]
	return c, ok
}

// Find locates an established connection by id, or reports false.
func (r *Registry) Find(id int32) (*conn.Connection, bool) {
	for _, c := range r.Established() {
		if c.ID == id {
			return c, true
		}
	}
	return nil, false
}

// SendToAllTCP broadcasts obj to every established connection's TCP framer.
// Per-connection send failures are reported via fail but do not stop the
// broadcast; they do not remove the connection here — the reactor owns
// connection teardown.
func (r *Registry) SendToAllTCP(obj any, fail func(c *conn.Connection, err error)) {
	for _, c := range r.Established() {
		if _, err := c.Framer.Send(obj); err != nil && fail != nil {
			fail(c, err)
		}
	}
}

// SendToAllExceptTCP is SendToAllTCP skipping the connection matching excludeID.
func (r *Registry) SendToAllExceptTCP(excludeID int32, obj any, fail func(c *conn.Connection, err error)) {
	for _, c := range r.Established() {
		if c.ID == excludeID {
			continue
		}
		if _, err := c.Framer.Send(obj); err != nil && fail != nil {
			fail(c, err)
		}
	}
}

// SendToTCP sends obj to exactly one established connection by id. It
// returns false if no connection with that id is established.
func (r *Registry) SendToTCP(id int32, obj any) (bool, error) {
	c, ok := r.Find(id)
	if !ok {
		return false, nil
	}
	_, err := c.Framer.Send(obj)
	return true, err
}

// UDPSender sends a serialized object to one UDP peer address. Implemented
// by udpchannel.UdpChannel; kept as a local interface (mirroring
// dispatch.Sender) so this package does not need to import udpchannel.
type UDPSender interface {
	Send(obj any, addr *net.UDPAddr) (int, error)
}

// SendToAllUDP broadcasts obj over UDP to every established connection that
// has completed UDP registration. Connections still awaiting registration
// (no bound remote address) are skipped, not failed.
func (r *Registry) SendToAllUDP(sender UDPSender, obj any, fail func(c *conn.Connection, err error)) {
	for _, c := range r.Established() {
		addr := c.UDPRemoteAddr()
		if addr == nil {
			continue
		}
		if _, err := sender.Send(obj, addr); err != nil && fail != nil {
			fail(c, err)
		}
	}
}

// SendToAllExceptUDP is SendToAllUDP, skipping the connection matching excludeID.
func (r *Registry) SendToAllExceptUDP(sender UDPSender, excludeID int32, obj any, fail func(c *conn.Connection, err error)) {
	for _, c := range r.Established() {
		if c.ID == excludeID {
			continue
		}
		addr := c.UDPRemoteAddr()
		if addr == nil {
			continue
		}
		if _, err := sender.Send(obj, addr); err != nil && fail != nil {
			fail(c, err)
		}
	}
}

// SendToUDP sends obj over UDP to exactly one established connection by id.
// It returns false if the connection is not established or has not yet
// completed UDP registration.
func (r *Registry) SendToUDP(sender UDPSender, id int32, obj any) (bool, error) {
	c, ok := r.Find(id)
	if !ok {
		return false, nil
	}
	addr := c.UDPRemoteAddr()
	if addr == nil {
		return false, nil
	}
	_, err := sender.Send(obj, addr)
	return true, err
}
