//go:build linux || darwin || freebsd || netbsd || openbsd

package reactor

import (
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"netd/internal/conn"
	"netd/internal/dispatch"
	"netd/internal/flog"
	"netd/internal/framer"
	"netd/internal/metrics"
	"netd/internal/registry"
	"netd/internal/udpchannel"
	"netd/internal/wire"
)

// emptySelectSafeguardThreshold and emptySelectSleep implement the
// empty-select safeguard: after this many consecutive cycles with nothing
// ready, sleep briefly rather than spin, to absorb readiness-layer quirks
// that report spurious wakeups.
const (
	emptySelectSafeguardThreshold = 100
	emptySelectSleep              = 25 * time.Millisecond
)

// DiscoveryHandler answers DiscoverHost broadcasts. It runs on the reactor's
// own goroutine and must not block.
type DiscoveryHandler interface {
	HandleDiscoverHost(send func(obj any, to *net.UDPAddr) (int, error), from *net.UDPAddr)
}

// Config carries the runtime-tunable limits the reactor enforces.
type Config struct {
	TCPAddr          string
	UDPAddr          string // empty disables UDP registration entirely
	WriteBufferSize  int
	ObjectBufferSize int
	KeepAliveMillis  int64
	TimeoutMillis    int64
	IdleThreshold    float64
	MaxConnections   int // 0 = unlimited
}

// Server is the single-threaded readiness-based event loop: one listening
// TCP socket, an optional shared UDP socket, and the per-connection framers
// it multiplexes over a single poll(2) call per cycle.
type Server struct {
	cfg   Config
	codec *wire.Codec

	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	discovery  DiscoveryHandler
	metrics    *metrics.Collectors

	poller *poller

	listenFD   int
	listenFile *os.File
	listenAddr net.Addr

	udp     *udpchannel.UdpChannel
	udpFile *os.File

	wakeR, wakeW int
	wakeRFile    *os.File
	wakeWFile    *os.File

	// conns is only ever touched from the reactor goroutine itself; Bind and
	// the Send* calls from other goroutines never read or write it directly.
	// Close walks and empties it, so Close runs on the reactor goroutine too
	// (Run calls it on exit).
	conns map[int]*conn.Connection

	updateMu sync.Mutex
	shutdown atomic.Bool

	emptyPollCount   int
	emptyStreakStart time.Time

	closeReqMu  sync.Mutex
	closeReqIDs []int32
}

// New constructs a Server. Call Bind before Run.
func New(cfg Config, codec *wire.Codec, reg *registry.Registry, disp *dispatch.Dispatcher, discovery DiscoveryHandler) *Server {
	return &Server{
		cfg:        cfg,
		codec:      codec,
		registry:   reg,
		dispatcher: disp,
		discovery:  discovery,
		poller:     newPoller(),
		conns:      make(map[int]*conn.Connection),
	}
}

// SetMetrics attaches the collectors the reactor updates as it accepts,
// closes, and moves bytes. Call before Run; nil (the default) disables
// metrics recording entirely.
func (s *Server) SetMetrics(m *metrics.Collectors) {
	s.metrics = m
}

// Bind opens the listening TCP socket (and the UDP socket, if configured),
// puts them in non-blocking mode, and registers them with the poller. It
// also creates the self-pipe used to wake a blocked poll(2) from another
// goroutine.
func (s *Server) Bind() error {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	ln, err := net.Listen("tcp", s.cfg.TCPAddr)
	if err != nil {
		return err
	}
	tln, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return errors.New("reactor: not a TCP listener")
	}
	s.listenAddr = tln.Addr()
	lf, err := tln.File()
	ln.Close()
	if err != nil {
		return err
	}
	lfd := int(lf.Fd())
	if err := unix.SetNonblock(lfd, true); err != nil {
		lf.Close()
		return err
	}
	s.listenFile = lf
	s.listenFD = lfd
	s.poller.add(lfd, false)

	if s.cfg.UDPAddr != "" {
		uaddr, err := net.ResolveUDPAddr("udp", s.cfg.UDPAddr)
		if err != nil {
			return err
		}
		uconn, err := net.ListenUDP("udp", uaddr)
		if err != nil {
			return err
		}
		boundAddr := uconn.LocalAddr().(*net.UDPAddr)
		uf, err := uconn.File()
		uconn.Close()
		if err != nil {
			return err
		}
		ufd := int(uf.Fd())
		if err := unix.SetNonblock(ufd, true); err != nil {
			uf.Close()
			return err
		}
		s.udpFile = uf
		s.udp = udpchannel.New(ufd, boundAddr, s.codec, s.cfg.ObjectBufferSize)
		s.poller.add(ufd, false)
	}

	r, w, err := os.Pipe()
	if err != nil {
		return err
	}
	if err := unix.SetNonblock(int(r.Fd()), true); err != nil {
		return err
	}
	if err := unix.SetNonblock(int(w.Fd()), true); err != nil {
		return err
	}
	s.wakeRFile, s.wakeWFile = r, w
	s.wakeR, s.wakeW = int(r.Fd()), int(w.Fd())
	s.poller.add(s.wakeR, false)

	return nil
}

// wakeup unblocks a pending poll(2) call from another goroutine.
func (s *Server) wakeup() {
	if s.wakeWFile == nil {
		return
	}
	_, _ = unix.Write(s.wakeW, []byte{0})
}

// RequestClose asks the reactor to close a connection on its next cycle.
// Safe to call from any goroutine, unlike closeConnection itself, which
// must only run on the reactor's own goroutine.
func (s *Server) RequestClose(id int32) {
	s.closeReqMu.Lock()
	s.closeReqIDs = append(s.closeReqIDs, id)
	s.closeReqMu.Unlock()
	s.wakeup()
}

// SendTCP sends obj to the established connection with id, closing that
// connection on the reactor's next cycle if the send overflows its write
// buffer, per the BufferOverflow propagation policy: the sender has lost
// synchronization with the wire and the connection cannot be trusted.
func (s *Server) SendTCP(id int32, obj any) (int, error) {
	c, ok := s.registry.Find(id)
	if !ok {
		return 0, nil
	}
	n, err := c.Framer.Send(obj)
	if err == framer.ErrBufferOverflow {
		if s.metrics != nil {
			s.metrics.BufferOverflowsTotal.Inc()
		}
		s.RequestClose(id)
	}
	return n, err
}

// SendToAllTCP broadcasts obj to every established connection, requesting
// closure of any connection whose write buffer overflows.
func (s *Server) SendToAllTCP(obj any) {
	s.registry.SendToAllTCP(obj, s.onSendFailure)
}

// SendToAllExceptTCP is SendToAllTCP, skipping the connection matching excludeID.
func (s *Server) SendToAllExceptTCP(excludeID int32, obj any) {
	s.registry.SendToAllExceptTCP(excludeID, obj, s.onSendFailure)
}

func (s *Server) onSendFailure(c *conn.Connection, err error) {
	if err == framer.ErrBufferOverflow {
		if s.metrics != nil {
			s.metrics.BufferOverflowsTotal.Inc()
		}
		s.RequestClose(c.ID)
	}
}

// SendUDP sends obj over UDP to the established connection with id. It is a
// no-op returning (false, nil) if UDP is disabled, the connection is
// unknown, or it has not yet completed UDP registration. UDP send failures
// are reported but never close the connection: a lost datagram has none of
// TCP's buffer-overflow implications.
func (s *Server) SendUDP(id int32, obj any) (bool, error) {
	if s.udp == nil {
		return false, nil
	}
	return s.registry.SendToUDP(s.udp, id, obj)
}

// SendToAllUDP broadcasts obj over UDP to every established, UDP-registered
// connection. No-op if UDP is disabled.
func (s *Server) SendToAllUDP(obj any) {
	if s.udp == nil {
		return
	}
	s.registry.SendToAllUDP(s.udp, obj, s.onUDPSendFailure)
}

// SendToAllExceptUDP is SendToAllUDP, skipping the connection matching excludeID.
func (s *Server) SendToAllExceptUDP(excludeID int32, obj any) {
	if s.udp == nil {
		return
	}
	s.registry.SendToAllExceptUDP(s.udp, excludeID, obj, s.onUDPSendFailure)
}

func (s *Server) onUDPSendFailure(c *conn.Connection, err error) {
	flog.Warnf("reactor: udp send to connection %d failed: %v", c.ID, err)
}

func (s *Server) drainCloseRequests() {
	s.closeReqMu.Lock()
	ids := s.closeReqIDs
	s.closeReqIDs = nil
	s.closeReqMu.Unlock()

	for _, id := range ids {
		if c, ok := s.registry.Find(id); ok {
			s.closeConnection(c, errors.New("reactor: closed by RequestClose"))
		}
	}
}

// Stop requests the run loop to exit: it sets the shutdown flag and wakes
// a blocked poll so the loop observes it within one cycle.
func (s *Server) Stop() {
	s.shutdown.Store(true)
	s.wakeup()
}

// Run executes the event loop until Stop is called or an unrecoverable I/O
// error escapes update. It is expected to run on its own goroutine; only
// Bind, Stop, RequestClose and the Send* helpers are safe to call
// concurrently from elsewhere. Close mutates reactor-owned connection state
// and is not safe to call while Run is active; Stop makes Run call it.
func (s *Server) Run() error {
	for !s.shutdown.Load() {
		if err := s.cycle(s.pollTimeoutMillis()); err != nil {
			flog.Errorf("reactor: fatal error in event loop: %v", err)
			s.Close()
			return err
		}
	}
	return s.Close()
}

// pollTimeoutMillis bounds how long a single poll may block. 250ms is the
// default ceiling, sized for shutdown responsiveness; a tighter keep-alive
// or timeout interval pulls the cadence in so the sweep in cycle fires
// often enough to honor it, since sweep only runs once per cycle.
func (s *Server) pollTimeoutMillis() int {
	const defaultCeiling = 250
	t := int64(defaultCeiling)
	if s.cfg.KeepAliveMillis > 0 && s.cfg.KeepAliveMillis < t {
		t = s.cfg.KeepAliveMillis
	}
	if s.cfg.TimeoutMillis > 0 && s.cfg.TimeoutMillis < t {
		t = s.cfg.TimeoutMillis
	}
	if t < 10 {
		t = 10
	}
	return int(t)
}

// cycle performs exactly one update-loop iteration: a barrier acquisition,
// one poll, the per-key dispatch, and the timeout/keep-alive/idle sweep.
// Keep-alives are sent only from that closing sweep; no keep-alive pass runs
// before the dispatch or between keys.
func (s *Server) cycle(timeoutMillis int) error {
	// Barrier: briefly acquire and release updateMu so a concurrent Bind or
	// Close call may interpose between cycles but never run concurrently
	// with one.
	s.updateMu.Lock()
	s.updateMu.Unlock()

	s.drainCloseRequests()

	// A Send that could not write everything at once leaves bytes queued;
	// ask for write-readiness so handleWritable drains them.
	for fd, c := range s.conns {
		if c.Framer.PendingWriteBytes() > 0 {
			s.poller.setWritable(fd, true)
		}
	}

	events, err := s.poller.poll(timeoutMillis)
	if err != nil {
		return err
	}

	if len(events) == 0 {
		if s.emptyPollCount == 0 {
			s.emptyStreakStart = time.Now()
		}
		s.emptyPollCount++
		if s.emptyPollCount >= emptySelectSafeguardThreshold {
			elapsed := time.Since(s.emptyStreakStart)
			if remaining := emptySelectSleep - elapsed; remaining > 0 {
				time.Sleep(remaining)
			}
			s.emptyPollCount = 0
		}
		s.sweep()
		return nil
	}
	s.emptyPollCount = 0

	for _, ev := range events {
		switch {
		case ev.fd == s.listenFD:
			s.acceptOperation()
		case s.udp != nil && ev.fd == s.udp.Fd():
			s.handleUDPReadable()
		case ev.fd == s.wakeR:
			s.drainWakePipe()
		default:
			s.handleConnEvent(ev)
		}
	}

	s.sweep()
	return nil
}

func (s *Server) drainWakePipe() {
	buf := make([]byte, 64)
	for {
		n, err := unix.Read(s.wakeR, buf)
		if n <= 0 || err != nil {
			return
		}
	}
}

// acceptOperation accepts pending connections (non-blocking) until accept
// would block, and brings each up through the initial Accepted state.
func (s *Server) acceptOperation() {
	for {
		fd, _, err := unix.Accept(s.listenFD)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			flog.Warnf("reactor: accept error: %v", err)
			return
		}

		if s.cfg.MaxConnections > 0 && len(s.conns) >= s.cfg.MaxConnections {
			unix.Close(fd)
			continue
		}

		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fd)
			continue
		}

		f := framer.New(fd, s.codec, s.cfg.ObjectBufferSize, s.cfg.WriteBufferSize)
		f.SetTimers(s.cfg.KeepAliveMillis, s.cfg.TimeoutMillis)

		id := s.registry.NextID()
		c := conn.New(id, f)

		s.conns[fd] = c
		s.poller.add(fd, false)

		if s.metrics != nil {
			s.metrics.ConnectionsAcceptedTotal.Inc()
		}

		if _, err := f.Send(&wire.RegisterTCP{ConnectionID: id}); err != nil {
			if err == framer.ErrBufferOverflow && s.metrics != nil {
				s.metrics.BufferOverflowsTotal.Inc()
			}
			s.closeConnection(c, err)
			continue
		}

		if s.udp == nil {
			s.registry.AddEstablished(c)
			if c.MarkEstablished() {
				if s.metrics != nil {
					s.metrics.ConnectionsEstablished.Inc()
				}
				s.dispatcher.FireConnected(c)
			}
		} else {
			c.MarkPending()
			s.registry.AddPending(c)
			if s.metrics != nil {
				s.metrics.ConnectionsPending.Inc()
			}
		}
	}
}

func (s *Server) handleConnEvent(ev readyEvent) {
	c, ok := s.conns[ev.fd]
	if !ok {
		s.poller.remove(ev.fd)
		return
	}

	if ev.errored {
		s.closeConnection(c, errors.New("reactor: poll reported an error on this fd"))
		return
	}

	if ev.readable {
		s.drainReadable(c)
		if _, closed := s.conns[ev.fd]; !closed {
			return
		}
	}
	if ev.writable {
		s.handleWritable(c)
	}
}

// drainReadable performs ReadableOnce + repeated Decode until no complete
// object remains, dispatching each decoded object and handling the
// UDP-before-established invariant along the way.
func (s *Server) drainReadable(c *conn.Connection) {
	if s.udp != nil && c.UDPRemoteAddr() == nil {
		// UDP enabled but this connection's datagram address is not bound
		// yet: per the invariant, any TCP read event on a pending
		// connection before UDP registration closes it.
		s.closeConnection(c, errors.New("reactor: TCP activity before UDP registration"))
		return
	}

	for {
		ok, err := c.Framer.ReadableOnce()
		if err != nil {
			s.closeConnection(c, err)
			return
		}
		if !ok {
			break
		}
	}

	for {
		obj, ok, err := c.Framer.Decode()
		if err != nil {
			s.closeConnection(c, err)
			return
		}
		if !ok {
			break
		}
		s.dispatcher.Received(c, obj, c.Framer, time.Now())
	}
}

func (s *Server) handleWritable(c *conn.Connection) {
	drained, err := c.Framer.WriteOperation()
	if err != nil {
		s.closeConnection(c, err)
		return
	}
	s.poller.setWritable(c.Framer.Fd(), !drained)
}

// handleUDPReadable reads datagrams until none is ready. Each one either
// promotes a pending connection, is delegated to the discovery handler, is
// dispatched to the established connection bound to its source address, or
// is ignored when no established connection is bound to that address.
func (s *Server) handleUDPReadable() {
	for {
		from, n, err := s.udp.ReadFromAddress()
		if err != nil {
			if err == udpchannel.ErrWouldBlock {
				return
			}
			flog.Warnf("reactor: udp read error: %v", err)
			return
		}

		obj, derr := s.udp.ReadObject(n)
		if derr != nil {
			flog.Warnf("reactor: udp deserialize error: %v", derr)
			continue
		}

		switch v := obj.(type) {
		case *wire.RegisterUDP:
			s.handleRegisterUDP(v.ConnectionID, from)
		case *wire.DiscoverHost:
			if s.discovery != nil {
				s.discovery.HandleDiscoverHost(s.countedDiscoveryReply, from)
			}
		default:
			// An application object from a registered peer is dispatched to
			// its connection; from any other source it causes no state change.
			for _, c := range s.registry.Established() {
				if a := c.UDPRemoteAddr(); a != nil && a.Port == from.Port && a.IP.Equal(from.IP) {
					s.dispatcher.Received(c, obj, c.Framer, time.Now())
					break
				}
			}
		}
	}
}

func (s *Server) handleRegisterUDP(id int32, from *net.UDPAddr) {
	c, ok := s.registry.PromotePending(id)
	if !ok {
		// Either unknown id, or already established: a second RegisterUDP
		// for an id already bound is ignored by BindUDP below even if
		// somehow re-delivered, but PromotePending already filters unknown
		// ids out of pending.
		if existing, found := s.registry.Find(id); found {
			existing.BindUDP(from) // no-op if already bound
		}
		return
	}
	if s.metrics != nil {
		s.metrics.ConnectionsPending.Dec()
	}
	if !c.BindUDP(from) {
		return
	}
	if _, err := c.Framer.Send(&wire.RegisterUDP{ConnectionID: id}); err != nil {
		if err == framer.ErrBufferOverflow && s.metrics != nil {
			s.metrics.BufferOverflowsTotal.Inc()
		}
		s.closeConnection(c, err)
		return
	}
	if c.MarkEstablished() {
		if s.metrics != nil {
			s.metrics.ConnectionsEstablished.Inc()
		}
		s.dispatcher.FireConnected(c)
	}
}

// countedDiscoveryReply wraps the shared UDP channel's Send so every actual
// DiscoverHost reply (the discovery handler may suppress duplicates and
// never call this at all) is counted.
func (s *Server) countedDiscoveryReply(obj any, to *net.UDPAddr) (int, error) {
	n, err := s.udp.Send(obj, to)
	if err == nil && s.metrics != nil {
		s.metrics.DiscoveryRepliesTotal.Inc()
	}
	return n, err
}

// sweep walks established connections once per cycle: closes timed-out
// connections, sends keep-alive fillers where due, fires idle, and samples
// byte-transfer counters for every fd the reactor currently owns.
func (s *Server) sweep() {
	now := time.Now()
	for _, c := range s.registry.Established() {
		if c.Framer.IsTimedOut(now) {
			s.closeConnection(c, errors.New("reactor: connection timed out"))
			continue
		}
		if c.Framer.NeedsKeepAlive(now) {
			if _, err := c.Framer.Send(&wire.KeepAlive{}); err != nil {
				if err == framer.ErrBufferOverflow && s.metrics != nil {
					s.metrics.BufferOverflowsTotal.Inc()
				}
				s.closeConnection(c, err)
				continue
			}
			if s.metrics != nil {
				s.metrics.KeepAlivesSentTotal.Inc()
			}
		}
		if c.Framer.IsIdle(s.cfg.IdleThreshold) {
			s.dispatcher.FireIdle(c, func() bool { return c.Framer.IsIdle(s.cfg.IdleThreshold) })
		}
	}

	if s.metrics != nil {
		for _, c := range s.conns {
			if n := c.Framer.TakeBytesRead(); n > 0 {
				s.metrics.BytesReadTotal.Add(float64(n))
			}
			if n := c.Framer.TakeBytesWritten(); n > 0 {
				s.metrics.BytesWrittenTotal.Add(float64(n))
			}
		}
	}
}

// closeConnection tears a connection down: removes it from the registry,
// deregisters its fd, closes the socket, and fires Disconnected exactly
// once iff the connection had been observed Established.
func (s *Server) closeConnection(c *conn.Connection, cause error) {
	fd := c.Framer.Fd()
	priorState := c.State()
	delete(s.conns, fd)
	s.poller.remove(fd)
	unix.Close(fd)
	s.registry.Remove(c)

	if cause != nil {
		flog.WithFields(flog.Debug, flog.Fields(flog.ConnID(c.ID)), "reactor: closing connection: %v", cause)
	}

	if s.metrics != nil {
		s.metrics.ConnectionsClosedTotal.Inc()
		switch priorState {
		case conn.Established:
			s.metrics.ConnectionsEstablished.Dec()
		case conn.Pending:
			s.metrics.ConnectionsPending.Dec()
		}
	}

	if c.MarkClosed() {
		s.dispatcher.FireDisconnected(c)
	}
}

// Close drains all connections — established and still-pending alike,
// closes the listening socket and UDP channel, and performs one final
// non-blocking poll to let the poller finalize any cancelled fds. Safe to
// call once; Run calls it on exit.
func (s *Server) Close() error {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	// Iterate s.conns rather than just registry.Established(): a
	// UDP-enabled server may still have connections sitting in pending
	// (accepted over TCP, never registered over UDP) and those must not
	// leak their fds on shutdown either.
	for _, c := range s.conns {
		s.closeConnection(c, nil)
	}

	if s.listenFile != nil {
		s.poller.remove(s.listenFD)
		s.listenFile.Close()
	}
	if s.udpFile != nil {
		if s.udp != nil {
			s.poller.remove(s.udp.Fd())
		}
		s.udpFile.Close()
	}
	if s.wakeRFile != nil {
		s.poller.remove(s.wakeR)
		s.wakeRFile.Close()
		s.wakeWFile.Close()
	}

	_, _ = s.poller.poll(0)
	return nil
}

// Established exposes the current established-connection snapshot for
// callers like getConnections().
func (s *Server) Established() []*conn.Connection {
	return s.registry.Established()
}

// Addr returns the bound TCP listening address, valid after Bind.
func (s *Server) Addr() net.Addr {
	return s.listenAddr
}
