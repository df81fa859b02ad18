package discovery

import (
	"net"
	"testing"
	"time"
)

func TestDuplicateRequestWithinWindowIsSuppressed(t *testing.T) {
	calls := 0
	h := New(200*time.Millisecond, func() any {
		calls++
		return "pong"
	})

	from := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5555}
	sent := 0
	send := func(obj any, to *net.UDPAddr) (int, error) {
		sent++
		return 0, nil
	}

	h.HandleDiscoverHost(send, from)
	h.HandleDiscoverHost(send, from)

	if calls != 1 || sent != 1 {
		t.Fatalf("expected exactly one reply for duplicate requests in window, got calls=%d sent=%d", calls, sent)
	}
}

func TestRequestAfterWindowExpiresIsAnswered(t *testing.T) {
	calls := 0
	h := New(30*time.Millisecond, func() any {
		calls++
		return "pong"
	})

	from := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5555}
	send := func(obj any, to *net.UDPAddr) (int, error) { return 0, nil }

	h.HandleDiscoverHost(send, from)
	time.Sleep(60 * time.Millisecond)
	h.HandleDiscoverHost(send, from)

	if calls != 2 {
		t.Fatalf("expected a second reply once the dedupe window elapses, got %d", calls)
	}
}

func TestDifferentSourcesAreNotDeduped(t *testing.T) {
	calls := 0
	h := New(time.Second, func() any {
		calls++
		return "pong"
	})

	send := func(obj any, to *net.UDPAddr) (int, error) { return 0, nil }
	h.HandleDiscoverHost(send, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1})
	h.HandleDiscoverHost(send, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 2})

	if calls != 2 {
		t.Fatalf("expected independent dedupe per source address, got %d calls", calls)
	}
}
