//go:build linux || darwin || freebsd || netbsd || openbsd

// Package reactor implements the single-threaded, readiness-based event
// loop: the poller abstraction in this file wraps poll(2) via
// golang.org/x/sys/unix, the idiomatic Go stand-in for a Java NIO Selector.
package reactor

import (
	"sync"

	"golang.org/x/sys/unix"
)

const (
	interestRead      = unix.POLLIN
	interestReadWrite = unix.POLLIN | unix.POLLOUT
)

// readyEvent reports one fd's observed readiness after a poll cycle.
type readyEvent struct {
	fd       int
	readable bool
	writable bool
	errored  bool
}

// poller tracks the interest set (fd -> requested events) and performs
// poll(2) calls. It rebuilds the pollfd array fresh each cycle since
// poll(2), unlike epoll, keeps no kernel-side registration across calls.
type poller struct {
	mu       sync.Mutex
	interest map[int]int16
}

func newPoller() *poller {
	return &poller{interest: make(map[int]int16)}
}

// add registers fd for read-readiness (and, if write is true, write-readiness).
func (p *poller) add(fd int, write bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if write {
		p.interest[fd] = interestReadWrite
	} else {
		p.interest[fd] = interestRead
	}
}

// setWritable toggles write-readiness interest for an already-registered fd.
func (p *poller) setWritable(fd int, on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.interest[fd]; !ok {
		return
	}
	if on {
		p.interest[fd] = interestReadWrite
	} else {
		p.interest[fd] = interestRead
	}
}

// remove deregisters fd entirely.
func (p *poller) remove(fd int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.interest, fd)
}

// poll blocks for up to timeoutMillis (0 = return immediately, -1 = block
// indefinitely) and returns the set of fds with observed readiness.
func (p *poller) poll(timeoutMillis int) ([]readyEvent, error) {
	p.mu.Lock()
	fds := make([]unix.PollFd, 0, len(p.interest))
	for fd, events := range p.interest {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: events})
	}
	p.mu.Unlock()

	if len(fds) == 0 {
		return nil, nil
	}

	n, err := unix.Poll(fds, timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	events := make([]readyEvent, 0, n)
	for _, pfd := range fds {
		if pfd.Revents == 0 {
			continue
		}
		events = append(events, readyEvent{
			fd:       int(pfd.Fd),
			readable: pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0,
			writable: pfd.Revents&unix.POLLOUT != 0,
			errored:  pfd.Revents&(unix.POLLERR|unix.POLLNVAL) != 0,
		})
	}
	return events, nil
}
