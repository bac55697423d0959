package p2pnet

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all custom Prometheus metrics for this network stack.
// Uses an isolated prometheus.Registry so these metrics don't collide
// with the global default registry. Each test gets its own Metrics instance.
type Metrics struct {
	Registry *prometheus.Registry

	// Hole punch metrics, fed by HolePunchService.
	HolePunchTotal           *prometheus.CounterVec
	HolePunchDurationSeconds *prometheus.HistogramVec
	HolePunchAttemptsTotal   *prometheus.HistogramVec

	// Path dial metrics
	PathDialTotal           *prometheus.CounterVec
	PathDialDurationSeconds *prometheus.HistogramVec

	// Reconnect attempts driven by PeerManager's watchlist backoff loop.
	PeerManagerReconnectTotal *prometheus.CounterVec

	// Connected peers (tracked by PathTracker)
	ConnectedPeers *prometheus.GaugeVec

	// Network change events (tracked by NetworkMonitor)
	NetworkChangeTotal *prometheus.CounterVec

	// STUN probe metrics
	STUNProbeTotal *prometheus.CounterVec

	// Interface metrics
	InterfaceCount *prometheus.GaugeVec

	// PeerRelayEnabled is 1 when this host is currently relaying circuits
	// for other peers, 0 otherwise.
	PeerRelayEnabled prometheus.Gauge

	// Build info
	BuildInfo *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance with all collectors registered
// on an isolated registry. The version and goVersion are recorded as labels
// on the info gauge.
func NewMetrics(version, goVersion string) *Metrics {
	reg := prometheus.NewRegistry()

	// Standard Go runtime + process metrics
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		HolePunchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dcutr_holepunch_total",
				Help: "Total number of hole punch upgrade attempts by result.",
			},
			[]string{"result"},
		),
		HolePunchDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dcutr_holepunch_duration_seconds",
				Help:    "Duration of hole punch upgrade attempts in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
			},
			[]string{"result"},
		),
		HolePunchAttemptsTotal: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dcutr_holepunch_attempts",
				Help:    "Number of retries used per completed upgrade.",
				Buckets: []float64{1, 2, 3},
			},
			[]string{"result"},
		),

		PathDialTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dcutr_path_dial_total",
				Help: "Total number of path dial attempts.",
			},
			[]string{"path_type", "result"},
		),
		PathDialDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dcutr_path_dial_duration_seconds",
				Help:    "Duration of path dial attempts in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50s
			},
			[]string{"path_type"},
		),

		PeerManagerReconnectTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dcutr_peermanager_reconnect_total",
				Help: "Total number of watchlist reconnect attempts by result.",
			},
			[]string{"result"},
		),

		ConnectedPeers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dcutr_connected_peers",
				Help: "Number of connected peers by path type, transport, and IP version.",
			},
			[]string{"path_type", "transport", "ip_version"},
		),

		NetworkChangeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dcutr_network_change_total",
				Help: "Total number of network interface changes detected.",
			},
			[]string{"change_type"},
		),

		STUNProbeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dcutr_stun_probe_total",
				Help: "Total number of STUN probe attempts.",
			},
			[]string{"result"},
		),

		InterfaceCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dcutr_interface_count",
				Help: "Number of network interfaces with global unicast addresses.",
			},
			[]string{"ip_version"},
		),

		PeerRelayEnabled: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dcutr_peer_relay_enabled",
				Help: "1 if this host is currently relaying circuits for other peers.",
			},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dcutr_build_info",
				Help: "Build information for the running instance.",
			},
			[]string{"version", "go_version"},
		),
	}

	reg.MustRegister(
		m.HolePunchTotal,
		m.HolePunchDurationSeconds,
		m.HolePunchAttemptsTotal,
		m.PathDialTotal,
		m.PathDialDurationSeconds,
		m.PeerManagerReconnectTotal,
		m.ConnectedPeers,
		m.NetworkChangeTotal,
		m.STUNProbeTotal,
		m.InterfaceCount,
		m.PeerRelayEnabled,
		m.BuildInfo,
	)

	m.BuildInfo.WithLabelValues(version, goVersion).Set(1)

	return m
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
