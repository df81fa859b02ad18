// Package discovery answers DiscoverHost broadcasts while deduping repeated
// requests from the same source address within a short TTL window, so a
// flood of discovery datagrams (e.g. a misbehaving or malicious client)
// cannot turn into a flood of replies.
package discovery

import (
	"net"
	"time"

	"github.com/patrickmn/go-cache"

	"netd/internal/flog"
)

// Handler answers DiscoverHost broadcasts with an application-defined
// response payload, deduping repeated requests from the same source.
type Handler struct {
	seen    *cache.Cache
	respond func() any
}

// New constructs a Handler that replies with whatever respond returns,
// suppressing duplicate requests from the same address within window.
func New(window time.Duration, respond func() any) *Handler {
	return &Handler{
		seen:    cache.New(window, window*2),
		respond: respond,
	}
}

// HandleDiscoverHost implements reactor.DiscoveryHandler.
func (h *Handler) HandleDiscoverHost(send func(obj any, to *net.UDPAddr) (int, error), from *net.UDPAddr) {
	key := from.String()
	if _, found := h.seen.Get(key); found {
		return
	}
	h.seen.SetDefault(key, struct{}{})

	if h.respond == nil {
		return
	}
	if _, err := send(h.respond(), from); err != nil {
		flog.Warnf("discovery: reply to %s failed: %v", key, err)
	}
}
