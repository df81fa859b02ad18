// Package udpchannel implements the single shared, non-blocking datagram
// socket used for UDP registration and discovery traffic. Unlike the
// per-connection framer, one UdpChannel serves every connection: each
// datagram carries exactly one serialized object with no length prefix.
package udpchannel

import (
	"errors"
	"net"
	"syscall"

	"netd/internal/pkg/buffer"
	"netd/internal/wire"
)

// ErrWouldBlock is returned by ReadFromAddress when no datagram is ready.
var ErrWouldBlock = errors.New("udpchannel: no datagram ready")

// UdpChannel wraps one non-blocking UDP socket.
type UdpChannel struct {
	fd               int
	laddr            *net.UDPAddr
	codec            *wire.Codec
	objectBufferSize int
	buf              []byte
}

// New wraps an already-bound, already-nonblocking UDP file descriptor. The
// per-datagram scratch buffer comes from the shared UDP pool when it is
// large enough to hold objectBufferSize, falling back to a dedicated
// allocation for unusually large configured limits.
func New(fd int, laddr *net.UDPAddr, codec *wire.Codec, objectBufferSize int) *UdpChannel {
	buf := *buffer.UPool.Get().(*[]byte)
	if len(buf) < objectBufferSize {
		buf = make([]byte, objectBufferSize)
	} else {
		buf = buf[:objectBufferSize]
	}
	return &UdpChannel{
		fd:               fd,
		laddr:            laddr,
		codec:            codec,
		objectBufferSize: objectBufferSize,
		buf:              buf,
	}
}

// Fd returns the underlying file descriptor, for reactor registration.
func (u *UdpChannel) Fd() int { return u.fd }

// LocalAddr returns the address this channel is bound to.
func (u *UdpChannel) LocalAddr() *net.UDPAddr { return u.laddr }

// ReadFromAddress performs one non-blocking recvfrom(2). It returns the
// datagram's source address and the number of payload bytes now sitting in
// the internal buffer, or ErrWouldBlock if nothing was ready.
func (u *UdpChannel) ReadFromAddress() (*net.UDPAddr, int, error) {
	n, from, err := syscall.Recvfrom(u.fd, u.buf, 0)
	if err != nil {
		if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
			return nil, 0, ErrWouldBlock
		}
		return nil, 0, err
	}
	addr := sockaddrToUDPAddr(from)
	return addr, n, nil
}

// ReadObject decodes one object from the bytes most recently placed in the
// internal buffer by ReadFromAddress.
func (u *UdpChannel) ReadObject(n int) (any, error) {
	return u.codec.Deserialize(u.buf[:n])
}

// Send serializes obj and transmits it to addr in a single datagram. It
// returns the number of bytes sent, or -1 (non-fatal) if the kernel send
// buffer was full.
func (u *UdpChannel) Send(obj any, addr *net.UDPAddr) (int, error) {
	payload, err := u.codec.Serialize(obj)
	if err != nil {
		return 0, err
	}
	if len(payload) > u.objectBufferSize {
		return 0, errors.New("udpchannel: encoded object exceeds object buffer size")
	}

	sa := udpAddrToSockaddr(addr)
	if werr := syscall.Sendto(u.fd, payload, 0, sa); werr != nil {
		if werr == syscall.EAGAIN || werr == syscall.EWOULDBLOCK {
			return -1, nil
		}
		return 0, werr
	}
	return len(payload), nil
}

func sockaddrToUDPAddr(sa syscall.Sockaddr) *net.UDPAddr {
	switch v := sa.(type) {
	case *syscall.SockaddrInet4:
		return &net.UDPAddr{IP: append([]byte(nil), v.Addr[:]...), Port: v.Port}
	case *syscall.SockaddrInet6:
		return &net.UDPAddr{IP: append([]byte(nil), v.Addr[:]...), Port: v.Port}
	default:
		return nil
	}
}

func udpAddrToSockaddr(addr *net.UDPAddr) syscall.Sockaddr {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &syscall.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa
	}
	sa := &syscall.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return sa
}
