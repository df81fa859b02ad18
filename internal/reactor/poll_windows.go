//go:build windows

package reactor

import "errors"

// errUnsupportedPlatform is returned by poll on platforms without a
// poll(2)-equivalent wired up. Windows would route this through IOCP, which
// this server does not implement; building here is a documented gap, not a
// silent one.
var errUnsupportedPlatform = errors.New("reactor: no poll(2)-equivalent wired up for this platform (IOCP not implemented)")

type readyEvent struct {
	fd       int
	readable bool
	writable bool
	errored  bool
}

type poller struct{}

func newPoller() *poller { return &poller{} }

func (p *poller) add(fd int, write bool)       {}
func (p *poller) setWritable(fd int, on bool)  {}
func (p *poller) remove(fd int)                {}
func (p *poller) poll(timeoutMillis int) ([]readyEvent, error) {
	return nil, errUnsupportedPlatform
}
