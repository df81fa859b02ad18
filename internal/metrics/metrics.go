// Package metrics exposes reactor-level counters and gauges as Prometheus
// collectors, served over a small HTTP endpoint independent of the
// reactor's own listening sockets.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors groups every metric the reactor updates. Construct once per
// process and pass the same instance to the reactor and to Serve.
type Collectors struct {
	ConnectionsEstablished   prometheus.Gauge
	ConnectionsPending       prometheus.Gauge
	ConnectionsAcceptedTotal prometheus.Counter
	ConnectionsClosedTotal   prometheus.Counter
	KeepAlivesSentTotal      prometheus.Counter
	BufferOverflowsTotal     prometheus.Counter
	BytesReadTotal           prometheus.Counter
	BytesWrittenTotal        prometheus.Counter
	DiscoveryRepliesTotal    prometheus.Counter

	registry *prometheus.Registry
}

// New constructs a fresh metric set registered against its own registry
// (not the global default, so tests can construct independent instances).
func New() *Collectors {
	reg := prometheus.NewRegistry()

	c := &Collectors{
		ConnectionsEstablished: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "netd", Name: "connections_established", Help: "Currently established connections.",
		}),
		ConnectionsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "netd", Name: "connections_pending", Help: "Connections awaiting UDP registration.",
		}),
		ConnectionsAcceptedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netd", Name: "connections_accepted_total", Help: "TCP accepts performed.",
		}),
		ConnectionsClosedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netd", Name: "connections_closed_total", Help: "Connections torn down.",
		}),
		KeepAlivesSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netd", Name: "keepalives_sent_total", Help: "KeepAlive fillers sent.",
		}),
		BufferOverflowsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netd", Name: "buffer_overflows_total", Help: "Sends rejected by write buffer overflow.",
		}),
		BytesReadTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netd", Name: "bytes_read_total", Help: "Payload bytes read across all connections.",
		}),
		BytesWrittenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netd", Name: "bytes_written_total", Help: "Payload bytes written across all connections.",
		}),
		DiscoveryRepliesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netd", Name: "discovery_replies_total", Help: "DiscoverHost replies sent.",
		}),
		registry: reg,
	}

	reg.MustRegister(
		c.ConnectionsEstablished,
		c.ConnectionsPending,
		c.ConnectionsAcceptedTotal,
		c.ConnectionsClosedTotal,
		c.KeepAlivesSentTotal,
		c.BufferOverflowsTotal,
		c.BytesReadTotal,
		c.BytesWrittenTotal,
		c.DiscoveryRepliesTotal,
	)
	return c
}

// Serve runs a small HTTP server exposing /metrics until ctx is cancelled.
func (c *Collectors) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
