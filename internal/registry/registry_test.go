package registry

import (
	"net"
	"testing"

	"netd/internal/conn"
	"netd/internal/framer"
	"netd/internal/wire"
)

func loopbackFramer(t *testing.T) *framer.Framer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		c, _ := net.Dial("tcp", ln.Addr().String())
		if c != nil {
			t.Cleanup(func() { c.Close() })
		}
		close(done)
	}()

	srv, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	<-done

	f, err := srv.(*net.TCPConn).File()
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	codec := wire.NewCodec(wire.TextCodec{})
	return framer.New(int(f.Fd()), codec, 2048, 16384)
}

func TestNextIDStartsAtOneAndIncrements(t *testing.T) {
	r := New()
	if got := r.NextID(); got != 1 {
		t.Fatalf("first id = %d, want 1", got)
	}
	if got := r.NextID(); got != 2 {
		t.Fatalf("second id = %d, want 2", got)
	}
}

func TestNextIDWrapsPastMax(t *testing.T) {
	r := New()
	r.nextID.Store(maxConnectionID - 1)
	if got := r.NextID(); got != maxConnectionID {
		t.Fatalf("got %d, want %d", got, maxConnectionID)
	}
	if got := r.NextID(); got != 1 {
		t.Fatalf("expected wraparound to 1, got %d", got)
	}
}

func TestPendingThenPromote(t *testing.T) {
	r := New()
	c := conn.New(1, nil)
	r.AddPending(c)

	if _, ok := r.Pending(1); !ok {
		t.Fatal("expected connection to be pending")
	}
	if _, ok := r.Find(1); ok {
		t.Fatal("pending connection should not yet be established")
	}

	promoted, ok := r.PromotePending(1)
	if !ok || promoted != c {
		t.Fatal("expected PromotePending to return the pending connection")
	}
	if _, ok := r.Pending(1); ok {
		t.Fatal("connection should no longer be pending after promotion")
	}
	if _, ok := r.Find(1); !ok {
		t.Fatal("connection should be established after promotion")
	}
}

func TestPromotePendingUnknownIDFails(t *testing.T) {
	r := New()
	if _, ok := r.PromotePending(99); ok {
		t.Fatal("expected promotion of an unknown id to fail")
	}
}

func TestEstablishedIsNewestFirst(t *testing.T) {
	r := New()
	c1 := conn.New(1, nil)
	c2 := conn.New(2, nil)
	r.AddEstablished(c1)
	r.AddEstablished(c2)

	established := r.Established()
	if len(established) != 2 || established[0].ID != 2 || established[1].ID != 1 {
		t.Fatalf("expected newest-first order [2,1], got %v", idsOf(established))
	}
}

func TestRemoveFromEstablished(t *testing.T) {
	r := New()
	c := conn.New(1, nil)
	r.AddEstablished(c)
	r.Remove(c)
	if _, ok := r.Find(1); ok {
		t.Fatal("expected connection to be gone after Remove")
	}
}

func TestSendToAllExceptTCPSkipsExcluded(t *testing.T) {
	r := New()
	c1 := conn.New(1, loopbackFramer(t))
	c2 := conn.New(2, loopbackFramer(t))
	r.AddEstablished(c1)
	r.AddEstablished(c2)

	var failedIDs []int32
	r.SendToAllExceptTCP(1, "x", func(c *conn.Connection, err error) {
		failedIDs = append(failedIDs, c.ID)
	})
	if len(failedIDs) != 0 {
		t.Fatalf("unexpected send failures: %v", failedIDs)
	}
	if n := c1.Framer.TakeBytesWritten(); n != 0 {
		t.Fatalf("expected excluded connection 1 to be skipped, but %d bytes were written to it", n)
	}
	if c2.Framer.TakeBytesWritten() == 0 {
		t.Fatal("expected connection 2 to have been targeted by the broadcast")
	}
}

type fakeUDPSender struct {
	sentTo []*net.UDPAddr
	fail   map[string]error
}

func (f *fakeUDPSender) Send(obj any, addr *net.UDPAddr) (int, error) {
	if err := f.fail[addr.String()]; err != nil {
		return 0, err
	}
	f.sentTo = append(f.sentTo, addr)
	return 0, nil
}

func TestSendToAllUDPSkipsUnregisteredConnections(t *testing.T) {
	r := New()
	c1 := conn.New(1, loopbackFramer(t))
	c2 := conn.New(2, loopbackFramer(t))
	r.AddEstablished(c1)
	r.AddEstablished(c2)

	addr2 := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4242}
	c2.BindUDP(addr2)
	// c1 never completed UDP registration.

	sender := &fakeUDPSender{}
	r.SendToAllUDP(sender, "x", nil)

	if len(sender.sentTo) != 1 || sender.sentTo[0] != addr2 {
		t.Fatalf("expected exactly one send to the registered peer, got %v", sender.sentTo)
	}
}

func TestSendToAllExceptUDPSkipsExcluded(t *testing.T) {
	r := New()
	c1 := conn.New(1, loopbackFramer(t))
	c2 := conn.New(2, loopbackFramer(t))
	addr1 := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1111}
	addr2 := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 2222}
	c1.BindUDP(addr1)
	c2.BindUDP(addr2)
	r.AddEstablished(c1)
	r.AddEstablished(c2)

	sender := &fakeUDPSender{}
	r.SendToAllExceptUDP(sender, 1, "x", nil)

	if len(sender.sentTo) != 1 || sender.sentTo[0] != addr2 {
		t.Fatalf("expected the broadcast to skip the excluded connection, got %v", sender.sentTo)
	}
}

func TestSendToUDPUnknownOrUnregisteredFails(t *testing.T) {
	r := New()
	c := conn.New(1, loopbackFramer(t))
	r.AddEstablished(c)
	sender := &fakeUDPSender{}

	if ok, _ := r.SendToUDP(sender, 1, "x"); ok {
		t.Fatal("expected SendToUDP to fail before UDP registration completes")
	}
	if ok, _ := r.SendToUDP(sender, 99, "x"); ok {
		t.Fatal("expected SendToUDP to fail for an unknown id")
	}

	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 3333}
	c.BindUDP(addr)
	ok, err := r.SendToUDP(sender, 1, "x")
	if !ok || err != nil {
		t.Fatalf("expected SendToUDP to succeed once registered, got ok=%v err=%v", ok, err)
	}
}

func idsOf(cs []*conn.Connection) []int32 {
	ids := make([]int32, len(cs))
	for i, c := range cs {
		ids[i] = c.ID
	}
	return ids
}
