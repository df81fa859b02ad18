package dispatch

import (
	"testing"
	"time"

	"netd/internal/conn"
	"netd/internal/wire"
)

type recorder struct {
	connected    int
	disconnected int
	received     []any
	idleCalls    int
}

func (r *recorder) Connected(c *conn.Connection)    { r.connected++ }
func (r *recorder) Disconnected(c *conn.Connection) { r.disconnected++ }
func (r *recorder) Received(c *conn.Connection, o any) {
	r.received = append(r.received, o)
}
func (r *recorder) Idle(c *conn.Connection) { r.idleCalls++ }

type fakeSender struct {
	sent []any
}

func (f *fakeSender) Send(obj any) (int, error) {
	f.sent = append(f.sent, obj)
	return 0, nil
}

func TestPingAutoReplyAndForward(t *testing.T) {
	d := New()
	c := conn.New(1, nil)
	r := &recorder{}
	d.AddListener(r)

	sender := &fakeSender{}
	d.Received(c, &wire.Ping{ID: 7, IsReply: false}, sender, time.Now())

	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly one auto-reply, got %d", len(sender.sent))
	}
	reply, ok := sender.sent[0].(*wire.Ping)
	if !ok || !reply.IsReply || reply.ID != 7 {
		t.Fatalf("unexpected auto-reply: %#v", sender.sent[0])
	}
	if len(r.received) != 1 {
		t.Fatalf("expected the ping to still be forwarded to listeners, got %d events", len(r.received))
	}
}

func TestPingReplyUpdatesRTTWithoutAutoReply(t *testing.T) {
	d := New()
	c := conn.New(1, nil)
	c.RecordPing(3, time.Now())
	sender := &fakeSender{}

	d.Received(c, &wire.Ping{ID: 3, IsReply: true}, sender, time.Now().Add(5*time.Millisecond))

	if len(sender.sent) != 0 {
		t.Fatalf("a reply ping should not itself be auto-replied, got %d sends", len(sender.sent))
	}
	if c.ReturnTripTime() <= 0 {
		t.Fatal("expected round trip time to be recorded")
	}
}

func TestFrameworkHandshakeMessagesAreNotForwarded(t *testing.T) {
	d := New()
	c := conn.New(1, nil)
	r := &recorder{}
	d.AddListener(r)
	sender := &fakeSender{}

	d.Received(c, &wire.RegisterTCP{ConnectionID: 1}, sender, time.Now())
	d.Received(c, &wire.RegisterUDP{ConnectionID: 1}, sender, time.Now())
	d.Received(c, &wire.DiscoverHost{}, sender, time.Now())

	if len(r.received) != 0 {
		t.Fatalf("expected handshake/discovery messages to be intercepted, got %d events", len(r.received))
	}
}

func TestKeepAliveDeliveredAsOrdinaryEvent(t *testing.T) {
	d := New()
	c := conn.New(1, nil)
	r := &recorder{}
	d.AddListener(r)
	sender := &fakeSender{}

	d.Received(c, &wire.KeepAlive{}, sender, time.Now())

	if len(r.received) != 1 {
		t.Fatalf("expected KeepAlive to be forwarded as an ordinary event, got %d", len(r.received))
	}
}

func TestFireIdleStopsEarlyWhenNoLongerIdle(t *testing.T) {
	d := New()
	c := conn.New(1, nil)
	r := &recorder{}
	d.AddListener(r)

	calls := 0
	d.FireIdle(c, func() bool {
		calls++
		return false // no longer idle after first listener call
	})

	if r.idleCalls != 1 {
		t.Fatalf("expected early stop after first Idle call, got %d calls", r.idleCalls)
	}
}

func TestFireConnectedOrderPerConnectionThenServerWide(t *testing.T) {
	d := New()
	c := conn.New(1, nil)

	var order []string
	perConn := &orderRecorder{name: "per-conn", order: &order}
	serverWide := &orderRecorder{name: "server-wide", order: &order}

	c.AddListener(perConn)
	d.AddListener(serverWide)

	d.FireConnected(c)

	if len(order) != 2 || order[0] != "per-conn" || order[1] != "server-wide" {
		t.Fatalf("expected per-connection listener before server-wide, got %v", order)
	}
}

type orderRecorder struct {
	name  string
	order *[]string
}

func (o *orderRecorder) Connected(c *conn.Connection) { *o.order = append(*o.order, o.name) }
func (o *orderRecorder) Disconnected(c *conn.Connection) {}
func (o *orderRecorder) Received(c *conn.Connection, obj any) {}
func (o *orderRecorder) Idle(c *conn.Connection) {}
