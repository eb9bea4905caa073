// Package metrics exposes node activity to Prometheus.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"

	"driveshare/pkg/mirror"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the node's collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequests *prometheus.CounterVec

	// Mirror metrics
	MirrorPasses   prometheus.Counter
	MirrorChanges  prometheus.Counter
	MirrorFailures prometheus.Counter

	// Discovery metrics
	RefreshCycles prometheus.Counter
	Peers         prometheus.Gauge

	// Drive metrics
	DriveLength prometheus.Gauge
}

// New creates and registers the collectors on registry.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	return &Metrics{
		HTTPRequests: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "driveshare_http_requests_total",
			Help: "HTTP responses served from the drive, by status code",
		}, []string{"code"}),
		MirrorPasses: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "driveshare_mirror_passes_total",
			Help: "Completed mirror passes",
		}),
		MirrorChanges: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "driveshare_mirror_changes_total",
			Help: "Drive entries added, changed or removed by mirroring",
		}),
		MirrorFailures: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "driveshare_mirror_failures_total",
			Help: "Mirror passes that ended in an error",
		}),
		RefreshCycles: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "driveshare_refresh_cycles_total",
			Help: "Peer discovery refresh cycles",
		}),
		Peers: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "driveshare_peers",
			Help: "Connected replication peers",
		}),
		DriveLength: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "driveshare_drive_length",
			Help: "Records in the local drive log",
		}),
	}
}

// ObserveHTTP counts a response with the given status code.
func (m *Metrics) ObserveHTTP(code int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(strconv.Itoa(code)).Inc()
}

// ObserveMirror records the outcome of a mirror pass.
func (m *Metrics) ObserveMirror(res mirror.Result, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.MirrorFailures.Inc()
		return
	}
	m.MirrorPasses.Inc()
	m.MirrorChanges.Add(float64(res.Count()))
}

// ObserveRefresh records a discovery refresh and the resulting peer count.
func (m *Metrics) ObserveRefresh(peers int) {
	if m == nil {
		return
	}
	m.RefreshCycles.Inc()
	m.Peers.Set(float64(peers))
}

func (m *Metrics) SetPeers(n int) {
	if m == nil {
		return
	}
	m.Peers.Set(float64(n))
}

func (m *Metrics) SetDriveLength(n uint64) {
	if m == nil {
		return
	}
	m.DriveLength.Set(float64(n))
}

// Handler serves /metrics from gatherer plus liveness and readiness probes.
func Handler(gatherer prometheus.Gatherer, ready func() bool) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil && !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("NOT READY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
	})
	return mux
}

// StartServer serves Handler on port in the background.
func StartServer(port int, gatherer prometheus.Gatherer, ready func() bool, logger *zap.Logger) *http.Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: Handler(gatherer, ready),
	}

	go func() {
		logger.Info("Starting metrics server", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return server
}
