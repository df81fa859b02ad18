package udpchannel

import (
	"net"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"netd/internal/wire"
)

func newBoundNonblockingUDP(t *testing.T) (*UdpChannel, *net.UDPAddr) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	f, err := conn.File()
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	fd := int(f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		t.Fatalf("SetNonblock: %v", err)
	}

	codec := wire.NewCodec(wire.TextCodec{})
	ch := New(fd, conn.LocalAddr().(*net.UDPAddr), codec, 2048)
	return ch, conn.LocalAddr().(*net.UDPAddr)
}

func TestSendAndReadRoundTrip(t *testing.T) {
	recvCh, recvAddr := newBoundNonblockingUDP(t)
	sendCh, _ := newBoundNonblockingUDP(t)

	if _, err := sendCh.Send("ping", recvAddr); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var n int
	var err error
	for time.Now().Before(deadline) {
		_, n, err = recvCh.ReadFromAddress()
		if err == nil {
			break
		}
		if err != ErrWouldBlock {
			t.Fatalf("ReadFromAddress: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("never received datagram: %v", err)
	}

	obj, derr := recvCh.ReadObject(n)
	if derr != nil {
		t.Fatalf("ReadObject: %v", derr)
	}
	if obj != "ping" {
		t.Errorf("got %v, want ping", obj)
	}
}

func TestReadFromAddressWouldBlock(t *testing.T) {
	ch, _ := newBoundNonblockingUDP(t)
	_, _, err := ch.ReadFromAddress()
	if err != ErrWouldBlock {
		t.Fatalf("expected ErrWouldBlock on an idle socket, got %v", err)
	}
}

func TestSendObjectTooLarge(t *testing.T) {
	ch, addr := newBoundNonblockingUDP(t)
	ch.objectBufferSize = 4

	big := make([]byte, 128)
	_, err := ch.Send(string(big), addr)
	if err == nil {
		t.Fatal("expected error for oversize object")
	}
}
