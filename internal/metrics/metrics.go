package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zapnet/zapnet/internal/logging"
)

// Prometheus counters
var (
	FramesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zapnet_frames_received_total",
		Help: "Total data payloads accepted by the receiver engine across all stations.",
	})
	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zapnet_frames_dropped_total",
		Help: "Total data payloads counted as dropped (skipped sequence numbers).",
	})
	FramesOutOfOrder = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zapnet_frames_out_of_order_total",
		Help: "Total data payloads that arrived out of sequence order.",
	})
	FramesRepeated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zapnet_frames_repeated_total",
		Help: "Total data payloads seen more than once within a batch.",
	})
	PerformanceReportsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zapnet_performance_reports_total",
		Help: "Total PerformanceResult frames emitted to controllers.",
	})
	BatchesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zapnet_batches_completed_total",
		Help: "Total batches the receiver engine marked complete.",
	})
	StationsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zapnet_stations_active",
		Help: "Current number of occupied station table slots.",
	})
	StationsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zapnet_stations_rejected_total",
		Help: "Total station claims rejected because the table was full or the test id already had a control connection.",
	})
	ControlConnsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zapnet_control_conns_accepted_total",
		Help: "Total OpenControlConn handshakes completed.",
	})
	DataConnsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zapnet_data_conns_accepted_total",
		Help: "Total OpenDataConn handshakes completed.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (protocol violations, invalid length, truncated).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead      = "tcp_read"
	ErrTCPWrite     = "tcp_write"
	ErrUDPRead      = "udp_read"
	ErrUDPWrite     = "udp_write"
	ErrHandshake    = "handshake"
	ErrStationTable = "station_table"
	ErrConnect      = "connect"
	ErrConfig       = "config"
)

// StartHTTP serves Prometheus metrics at /metrics, and the readiness probe
// at /ready, on addr.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for cheap in-process logging, avoiding a
// Prometheus scrape round-trip on every periodic metrics log line.
var (
	localReceived    uint64
	localDropped     uint64
	localOutOfOrder  uint64
	localRepeated    uint64
	localReports     uint64
	localBatchesDone uint64
	localStations    uint64
	localRejected    uint64
	localErrors      uint64
	localMalformed   uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Received         uint64
	Dropped          uint64
	OutOfOrder       uint64
	Repeated         uint64
	ReportsSent      uint64
	BatchesCompleted uint64
	StationsActive   uint64
	StationsRejected uint64
	Errors           uint64
	Malformed        uint64
}

func Snap() Snapshot {
	return Snapshot{
		Received:         atomic.LoadUint64(&localReceived),
		Dropped:          atomic.LoadUint64(&localDropped),
		OutOfOrder:       atomic.LoadUint64(&localOutOfOrder),
		Repeated:         atomic.LoadUint64(&localRepeated),
		ReportsSent:      atomic.LoadUint64(&localReports),
		BatchesCompleted: atomic.LoadUint64(&localBatchesDone),
		StationsActive:   atomic.LoadUint64(&localStations),
		StationsRejected: atomic.LoadUint64(&localRejected),
		Errors:           atomic.LoadUint64(&localErrors),
		Malformed:        atomic.LoadUint64(&localMalformed),
	}
}

func AddFramesReceived(n uint64) {
	FramesReceived.Add(float64(n))
	atomic.AddUint64(&localReceived, n)
}

func AddFramesDropped(n uint64) {
	FramesDropped.Add(float64(n))
	atomic.AddUint64(&localDropped, n)
}

func AddFramesOutOfOrder(n uint64) {
	FramesOutOfOrder.Add(float64(n))
	atomic.AddUint64(&localOutOfOrder, n)
}

func AddFramesRepeated(n uint64) {
	FramesRepeated.Add(float64(n))
	atomic.AddUint64(&localRepeated, n)
}

func IncPerformanceReport() {
	PerformanceReportsSent.Inc()
	atomic.AddUint64(&localReports, 1)
}

func IncBatchCompleted() {
	BatchesCompleted.Inc()
	atomic.AddUint64(&localBatchesDone, 1)
}

func SetStationsActive(n int) {
	StationsActive.Set(float64(n))
	atomic.StoreUint64(&localStations, uint64(n))
}

func IncStationRejected() {
	StationsRejected.Inc()
	atomic.AddUint64(&localRejected, 1)
}

func IncControlConnAccepted() { ControlConnsAccepted.Inc() }
func IncDataConnAccepted()    { DataConnsAccepted.Inc() }

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrUDPRead, ErrUDPWrite,
		ErrHandshake, ErrStationTable, ErrConnect, ErrConfig,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
