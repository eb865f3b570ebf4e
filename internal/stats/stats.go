// Package stats exports the Connection Table's statistics snapshot
// as Prometheus metrics and as a periodic
// humanized log line. Both are optional and off the router's hot path.
package stats

import (
	"context"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"socks5router/internal/gateway"
	"socks5router/internal/rlog"
)

// Snapshotter is satisfied by *gateway.Gateway; kept as an interface so
// tests can supply a fake without constructing a real router.
type Snapshotter interface {
	Statistics() gateway.Statistics
}

// Exporter registers gauges for the live Connection Table snapshot and
// serves them over HTTP in the Prometheus text format (ground:
// postalsys-Muti-Metroo's use of prometheus/client_golang for a comparable
// long-running relay daemon).
type Exporter struct {
	snap Snapshotter
	log  *rlog.Logger

	registry *prometheus.Registry

	tcpTotal, tcpCurrent     prometheus.Gauge
	udpTotal, udpCurrent     prometheus.Gauge
	assocTotal, assocCurrent prometheus.Gauge
	bytesSent, bytesReceived prometheus.Gauge
}

// NewExporter builds an Exporter with its own registry so it never collides
// with metrics another part of the process might register.
func NewExporter(snap Snapshotter, log *rlog.Logger) *Exporter {
	e := &Exporter{
		snap:     snap,
		log:      log,
		registry: prometheus.NewRegistry(),

		tcpTotal:      prometheus.NewGauge(prometheus.GaugeOpts{Name: "socks5router_tcp_flows_total", Help: "TCP flows created since startup."}),
		tcpCurrent:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "socks5router_tcp_flows_current", Help: "TCP flows currently tracked."}),
		udpTotal:      prometheus.NewGauge(prometheus.GaugeOpts{Name: "socks5router_udp_flows_total", Help: "UDP/DNS flows created since startup."}),
		udpCurrent:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "socks5router_udp_flows_current", Help: "UDP/DNS flows currently tracked."}),
		assocTotal:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "socks5router_udp_associate_flows_total", Help: "UDP-ASSOCIATE flows created since startup."}),
		assocCurrent:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "socks5router_udp_associate_flows_current", Help: "UDP-ASSOCIATE flows currently tracked."}),
		bytesSent:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "socks5router_bytes_sent_total", Help: "Cumulative bytes written to upstream across all flow kinds."}),
		bytesReceived: prometheus.NewGauge(prometheus.GaugeOpts{Name: "socks5router_bytes_received_total", Help: "Cumulative bytes received from upstream across all flow kinds."}),
	}
	e.registry.MustRegister(
		e.tcpTotal, e.tcpCurrent,
		e.udpTotal, e.udpCurrent,
		e.assocTotal, e.assocCurrent,
		e.bytesSent, e.bytesReceived,
	)
	return e
}

// refresh copies the latest snapshot into the registered gauges.
func (e *Exporter) refresh() {
	s := e.snap.Statistics()
	e.tcpTotal.Set(float64(s.TCPTotal))
	e.tcpCurrent.Set(float64(s.TCPCurrent))
	e.udpTotal.Set(float64(s.UDPTotal))
	e.udpCurrent.Set(float64(s.UDPCurrent))
	e.assocTotal.Set(float64(s.UDPAssociateTotal))
	e.assocCurrent.Set(float64(s.UDPAssociateCurrent))
	e.bytesSent.Set(float64(s.BytesSent))
	e.bytesReceived.Set(float64(s.BytesReceived))
}

// Handler returns an http.Handler serving the current snapshot on demand.
func (e *Exporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.refresh()
		promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

// ListenAndServe starts an HTTP server exposing Handler at /metrics until
// ctx is done. Serve errors other than a clean shutdown are logged.
func (e *Exporter) ListenAndServe(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		e.log.Warnf("Stats", "metrics server stopped: %v", err)
	}
}

// LogPeriodically writes a humanized summary line every interval until ctx
// is done (ground: postalsys-Muti-Metroo's use of dustin/go-humanize for
// periodic transfer summaries).
func (e *Exporter) LogPeriodically(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := e.snap.Statistics()
			e.log.Infof("Stats", "tcp=%d/%d udp=%d/%d assoc=%d/%d sent=%s received=%s",
				s.TCPCurrent, s.TCPTotal,
				s.UDPCurrent, s.UDPTotal,
				s.UDPAssociateCurrent, s.UDPAssociateTotal,
				humanize.Bytes(uint64(s.BytesSent)),
				humanize.Bytes(uint64(s.BytesReceived)))
		}
	}
}
