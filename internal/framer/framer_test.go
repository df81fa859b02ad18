package framer

import (
	"net"
	"testing"
	"time"

	"netd/internal/wire"
)

func socketPair(t *testing.T) (a, b *net.TCPConn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	clientCh := make(chan *net.TCPConn, 1)
	go func() {
		c, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			t.Errorf("dial: %v", err)
			clientCh <- nil
			return
		}
		clientCh <- c.(*net.TCPConn)
	}()

	srv, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	cli := <-clientCh
	if cli == nil {
		t.Fatal("dial failed")
	}
	return srv.(*net.TCPConn), cli
}

func fdOf(t *testing.T, c *net.TCPConn) int {
	t.Helper()
	f, err := c.File()
	if err != nil {
		t.Fatalf("File(): %v", err)
	}
	return int(f.Fd())
}

func TestSendAndDecodeRoundTrip(t *testing.T) {
	srv, cli := socketPair(t)
	defer srv.Close()
	defer cli.Close()

	codec := wire.NewCodec(wire.TextCodec{})
	serverFramer := New(fdOf(t, srv), codec, 2048, 16384)

	n, err := serverFramer.Send("hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	// The payload is the codec's output: a one-byte type tag plus "hello".
	encoded, _ := codec.Serialize("hello")
	if n != len(encoded) {
		t.Errorf("Send returned %d, want %d", n, len(encoded))
	}

	buf := make([]byte, 64)
	cli.SetReadDeadline(time.Now().Add(2 * time.Second))
	rn, err := cli.Read(buf)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}

	clientFramer := New(0, codec, 2048, 16384)
	clientFramer.readBuf = append(clientFramer.readBuf, buf[:rn]...)

	obj, ok, err := clientFramer.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !ok {
		t.Fatal("Decode reported no-object-yet for a complete frame")
	}
	if obj != "hello" {
		t.Errorf("decoded %v, want hello", obj)
	}
}

func TestSendOverflowIsFatal(t *testing.T) {
	srv, cli := socketPair(t)
	defer srv.Close()
	defer cli.Close()

	codec := wire.NewCodec(wire.TextCodec{})
	f := New(fdOf(t, srv), codec, 2048, 4)

	big := make([]byte, 128)
	for i := range big {
		big[i] = 'x'
	}
	_, err := f.Send(string(big))
	if err != ErrBufferOverflow {
		t.Fatalf("expected ErrBufferOverflow, got %v", err)
	}
}

func TestDecodeFramingErrorOnOversizeFrame(t *testing.T) {
	codec := wire.NewCodec(wire.TextCodec{})
	f := New(0, codec, 8, 1024)

	prefix := make([]byte, wire.MaxVarintLen)
	n := wire.PutVarint(prefix, 9) // one byte over objectBufferSize=8
	f.readBuf = append(f.readBuf, prefix[:n]...)
	f.readBuf = append(f.readBuf, make([]byte, 9)...)

	_, ok, err := f.Decode()
	if ok {
		t.Fatal("expected decode to fail for oversize frame")
	}
	if err != ErrFraming {
		t.Fatalf("expected ErrFraming, got %v", err)
	}
}

func TestDecodeExactBoundarySucceeds(t *testing.T) {
	codec := wire.NewCodec(wire.TextCodec{})
	f := New(0, codec, 8, 1024)

	value := "1234567"
	payload, _ := codec.Serialize(value) // type tag + 7 bytes: exactly objectBufferSize bytes
	prefix := make([]byte, wire.MaxVarintLen)
	n := wire.PutVarint(prefix, uint32(len(payload)))
	f.readBuf = append(f.readBuf, prefix[:n]...)
	f.readBuf = append(f.readBuf, payload...)

	obj, ok, err := f.Decode()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected a complete decode at the exact boundary")
	}
	if obj != value {
		t.Errorf("decoded %v, want %v", obj, value)
	}
}

func TestNeedsKeepAliveAndTimeout(t *testing.T) {
	codec := wire.NewCodec(wire.TextCodec{})
	f := New(0, codec, 8, 1024)
	f.SetTimers(50, 200)

	if f.NeedsKeepAlive(time.Now()) {
		t.Fatal("should not need keep-alive immediately after creation")
	}

	future := time.Now().Add(100 * time.Millisecond)
	if !f.NeedsKeepAlive(future) {
		t.Fatal("expected keep-alive to be needed after the interval elapses")
	}

	farFuture := time.Now().Add(300 * time.Millisecond)
	if !f.IsTimedOut(farFuture) {
		t.Fatal("expected timeout after exceeding timeoutMillis without a read")
	}
}

func TestIsIdle(t *testing.T) {
	codec := wire.NewCodec(wire.TextCodec{})
	f := New(0, codec, 8, 100)

	if !f.IsIdle(0.1) {
		t.Fatal("empty write buffer should be idle")
	}

	f.writeBuf = make([]byte, 50)
	if f.IsIdle(0.1) {
		t.Fatal("half-full write buffer should not be idle at threshold 0.1")
	}
}
