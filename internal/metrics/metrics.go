package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-can-session/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors
var (
	TxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_tx_frames_total",
		Help: "Total CAN frames handed to the driver.",
	})
	RxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_rx_frames_total",
		Help: "Total CAN frames delivered to a consumer.",
	})
	FilteredFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_filtered_frames_total",
		Help: "Total received frames discarded by the in-process filter set.",
	})
	RejectedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_rejected_frames_total",
		Help: "Outgoing frames rejected by validation, by reason.",
	}, []string{"reason"})
	ListenerActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "can_listener_active",
		Help: "Number of running listening loops.",
	})
	StreamFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_stream_frames_total",
		Help: "Total frames yielded by stream iterators.",
	})
	BatchFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_batch_flushes_total",
		Help: "Total batch flushes that sent at least one frame.",
	})
	SessionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "can_sessions_open",
		Help: "Number of sessions currently open.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrOpen       = "open"
	ErrClose      = "close"
	ErrSend       = "send"
	ErrReceive    = "receive"
	ErrFilters    = "filters"
	ErrListen     = "listen"
	ErrStream     = "stream"
	ErrBatch      = "batch"
	ErrBatchDrop  = "batch_overflow"
	ErrSerialRead = "serial_read"
	ErrHubDrop    = "hub_drop"

	ErrSerialMalformed = "serial_malformed"
	ErrCNLMalformed    = "cnl_malformed"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
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

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localTx       uint64
	localRx       uint64
	localFiltered uint64
	localRejected uint64
	localErrors   uint64
	localStream   uint64
	localFlushes  uint64
	localListen   int64
	localOpen     int64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Tx        uint64
	Rx        uint64
	Filtered  uint64
	Rejected  uint64
	Errors    uint64 // sum across error labels
	Stream    uint64
	Flushes   uint64
	Listeners int64
	Sessions  int64
}

func Snap() Snapshot {
	return Snapshot{
		Tx:        atomic.LoadUint64(&localTx),
		Rx:        atomic.LoadUint64(&localRx),
		Filtered:  atomic.LoadUint64(&localFiltered),
		Rejected:  atomic.LoadUint64(&localRejected),
		Errors:    atomic.LoadUint64(&localErrors),
		Stream:    atomic.LoadUint64(&localStream),
		Flushes:   atomic.LoadUint64(&localFlushes),
		Listeners: atomic.LoadInt64(&localListen),
		Sessions:  atomic.LoadInt64(&localOpen),
	}
}

// Wrapper helpers to keep call sites simple.
func IncTx() {
	TxFrames.Inc()
	atomic.AddUint64(&localTx, 1)
}

func IncRx() {
	RxFrames.Inc()
	atomic.AddUint64(&localRx, 1)
}

func IncFiltered() {
	FilteredFrames.Inc()
	atomic.AddUint64(&localFiltered, 1)
}

// IncRejected counts a validation rejection under its error kind name.
func IncRejected(reason string) {
	RejectedFrames.WithLabelValues(reason).Inc()
	atomic.AddUint64(&localRejected, 1)
}

func IncStream() {
	StreamFrames.Inc()
	atomic.AddUint64(&localStream, 1)
}

func IncFlush() {
	BatchFlushes.Inc()
	atomic.AddUint64(&localFlushes, 1)
}

// ListenerStarted and ListenerStopped track running listening loops.
func ListenerStarted() {
	ListenerActive.Inc()
	atomic.AddInt64(&localListen, 1)
}

func ListenerStopped() {
	ListenerActive.Dec()
	atomic.AddInt64(&localListen, -1)
}

func SessionOpened() {
	SessionsOpen.Inc()
	atomic.AddInt64(&localOpen, 1)
}

func SessionClosed() {
	SessionsOpen.Dec()
	atomic.AddInt64(&localOpen, -1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrOpen, ErrClose, ErrSend, ErrReceive, ErrFilters,
		ErrListen, ErrStream, ErrBatch, ErrBatchDrop, ErrSerialRead, ErrHubDrop, ErrSerialMalformed, ErrCNLMalformed,
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
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
