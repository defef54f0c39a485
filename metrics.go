package dune

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

// Metrics bundles the Prometheus collectors a Connection reports through.
// Registration is best-effort: a nil Registerer (the default) means the
// collectors simply aren't exported, and a collector that's already
// registered (e.g. a shared registry across several connections) is
// tolerated rather than treated as fatal.
type Metrics struct {
	tokensAllocated  prometheus.Counter
	framesSent       prometheus.Counter
	framesReceived   prometheus.Counter
	continuesSent    prometheus.Counter
	stopsSent        prometheus.Counter
	droppedResponses prometheus.Counter
	dbErrors         *prometheus.CounterVec
	activeWaiters    prometheus.Gauge

	// Local mirrors, kept alongside the Prometheus collectors so
	// Connection.Metrics can hand back a cheap snapshot without going
	// through the registry's Gather path.
	mTokens, mFramesSent, mFramesReceived atomic.Uint64
	mContinues, mStops, mDropped          atomic.Uint64
	mActiveWaiters                        atomic.Int64
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tokensAllocated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dune", Subsystem: "conn", Name: "tokens_allocated_total",
			Help: "Total tokens allocated for queries submitted on this connection.",
		}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dune", Subsystem: "conn", Name: "frames_sent_total",
			Help: "Total frames written to the socket.",
		}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dune", Subsystem: "conn", Name: "frames_received_total",
			Help: "Total frames read from the socket by the reader task.",
		}),
		continuesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dune", Subsystem: "cursor", Name: "continues_sent_total",
			Help: "Total CONTINUE frames sent to advance a partial batch cursor.",
		}),
		stopsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dune", Subsystem: "cursor", Name: "stops_sent_total",
			Help: "Total STOP frames sent for abandoned cursors.",
		}),
		droppedResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dune", Subsystem: "conn", Name: "dropped_responses_total",
			Help: "Responses received for a token with no registered waiter.",
		}),
		dbErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dune", Subsystem: "conn", Name: "db_errors_total",
			Help: "DbErrors observed, labeled by error code.",
		}, []string{"code"}),
		activeWaiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dune", Subsystem: "conn", Name: "active_waiters",
			Help: "Number of tokens currently awaiting a terminal response.",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.tokensAllocated, m.framesSent, m.framesReceived,
			m.continuesSent, m.stopsSent, m.droppedResponses,
			m.dbErrors, m.activeWaiters,
		} {
			if err := reg.Register(c); err != nil {
				if _, dup := err.(prometheus.AlreadyRegisteredError); !dup {
					// Not worth failing a connection over; metrics are
					// an observability concern, not a correctness one.
					continue
				}
			}
		}
	}

	return m
}

func (m *Metrics) incTokens() {
	m.tokensAllocated.Inc()
	m.mTokens.Inc()
}

func (m *Metrics) incFramesSent() {
	m.framesSent.Inc()
	m.mFramesSent.Inc()
}

func (m *Metrics) incFramesReceived() {
	m.framesReceived.Inc()
	m.mFramesReceived.Inc()
}

func (m *Metrics) incContinues() {
	m.continuesSent.Inc()
	m.mContinues.Inc()
}

func (m *Metrics) incStops() {
	m.stopsSent.Inc()
	m.mStops.Inc()
}

func (m *Metrics) incDropped() {
	m.droppedResponses.Inc()
	m.mDropped.Inc()
}

func (m *Metrics) incDbError(code ErrorCode) {
	m.dbErrors.WithLabelValues(code.String()).Inc()
}

func (m *Metrics) waiterAdded() {
	m.activeWaiters.Inc()
	m.mActiveWaiters.Inc()
}

func (m *Metrics) waiterRemoved() {
	m.activeWaiters.Dec()
	m.mActiveWaiters.Dec()
}

// ConnectionStats is a point-in-time snapshot of a Connection's counters,
// for callers who want introspection without standing up a Prometheus
// registry.
type ConnectionStats struct {
	TokensAllocated  uint64
	FramesSent       uint64
	FramesReceived   uint64
	ContinuesSent    uint64
	StopsSent        uint64
	DroppedResponses uint64
	ActiveWaiters    int64
}
