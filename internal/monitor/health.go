package monitor

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"tradeguard/internal/reconciliation"
	"tradeguard/internal/resilience"
	"tradeguard/internal/risk"
)

const namespace = "tradeguard"

// Health exports engine health as Prometheus metrics and keeps the
// readings the overlay and the status API need in process.
type Health struct {
	GateBlocks      *prometheus.CounterVec
	RetryAttempts   *prometheus.CounterVec
	BreakerOpen     *prometheus.GaugeVec
	ReconRuns       prometheus.Counter
	ReconMismatches *prometheus.CounterVec
	ReconDriftUSD   prometheus.Gauge
	OverlayMode     *prometheus.GaugeVec
	CashUSD         prometheus.Gauge
	EquityUSD       prometheus.Gauge
	DrawdownPct     prometheus.Gauge
	CycleLatency    prometheus.Histogram
	OrdersInFlight  prometheus.Gauge

	errors *ErrorWindow
	cycles *LatencyHistogram
}

// NewHealth registers the metrics on reg. window bounds the API error rate.
func NewHealth(reg prometheus.Registerer, window time.Duration) *Health {
	f := promauto.With(reg)
	h := &Health{
		errors: NewErrorWindow(window, nil),
		cycles: NewLatencyHistogram(500),
	}
	h.GateBlocks = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "admission",
		Name:      "gate_blocks_total",
		Help:      "Intents refused, by component and gate",
	}, []string{"component", "gate"})
	h.RetryAttempts = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "venue",
		Name:      "attempts_total",
		Help:      "Venue call attempts by label and outcome",
	}, []string{"label", "outcome"})
	h.BreakerOpen = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "venue",
		Name:      "breaker_open",
		Help:      "1 while the named circuit breaker is open",
	}, []string{"breaker"})
	h.ReconRuns = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconciliation",
		Name:      "runs_total",
		Help:      "Reconciliation passes completed",
	})
	h.ReconMismatches = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconciliation",
		Name:      "mismatches_total",
		Help:      "Discrepancies found, by kind",
	}, []string{"kind"})
	h.ReconDriftUSD = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "reconciliation",
		Name:      "drift_usd",
		Help:      "Ledger drift healed by the last resync",
	})
	h.OverlayMode = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "overlay",
		Name:      "mode",
		Help:      "1 for the active overlay mode, 0 for the others",
	}, []string{"mode"})
	h.CashUSD = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "inventory",
		Name:      "cash_usd",
		Help:      "Ledger cash",
	})
	h.EquityUSD = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "inventory",
		Name:      "equity_usd",
		Help:      "Cash plus marked positions",
	})
	h.DrawdownPct = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "drawdown_pct",
		Help:      "Drawdown from peak equity in percent",
	})
	h.CycleLatency = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "cycle_duration_seconds",
		Help:      "Strategy cycle duration",
		Buckets:   prometheus.DefBuckets,
	})
	h.OrdersInFlight = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "orders_in_flight",
		Help:      "Symbols with an order in flight",
	})
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "venue",
		Name:      "error_rate",
		Help:      "Share of failed venue attempts over the rolling window",
	}, h.APIErrorRate)
	return h
}

// ObserveAttempt matches resilience.AttemptObserver.
func (h *Health) ObserveAttempt(label string, attempt int, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, resilience.ErrCircuitOpen):
		outcome = "circuit_open"
	case resilience.IsRetryable(err):
		outcome = "retryable"
	default:
		outcome = "fatal"
	}
	h.RetryAttempts.WithLabelValues(label, outcome).Inc()
	h.errors.Record(err != nil)
}

// APIErrorRate is the failed share of venue attempts in the window.
func (h *Health) APIErrorRate() float64 { return h.errors.Rate() }

// ObserveBlock counts one refused intent.
func (h *Health) ObserveBlock(component, gate string) {
	h.GateBlocks.WithLabelValues(component, gate).Inc()
}

// ObserveBreakers mirrors breaker states.
func (h *Health) ObserveBreakers(states []resilience.BreakerState) {
	for _, s := range states {
		v := 0.0
		if s.IsOpen {
			v = 1
		}
		h.BreakerOpen.WithLabelValues(s.Name).Set(v)
	}
}

// ObserveReconciliation implements reconciliation.Recorder.
func (h *Health) ObserveReconciliation(res reconciliation.Result) {
	h.ReconRuns.Inc()
	h.ReconMismatches.WithLabelValues("orphan").Add(float64(res.OrphanFills))
	h.ReconMismatches.WithLabelValues("fee").Add(float64(res.FeeMismatches))
	h.ReconMismatches.WithLabelValues("qty").Add(float64(res.QtyMismatches))
	h.ReconDriftUSD.Set(res.DriftUSD)
}

// ObserveOverlay flags the active mode.
func (h *Health) ObserveOverlay(mode risk.Mode) {
	for _, m := range risk.Modes {
		v := 0.0
		if m == mode {
			v = 1
		}
		h.OverlayMode.WithLabelValues(string(m)).Set(v)
	}
}

// ObserveAccount records the ledger readings of a cycle.
func (h *Health) ObserveAccount(cashUSD, equityUSD, drawdownPct float64, inFlight int) {
	h.CashUSD.Set(cashUSD)
	h.EquityUSD.Set(equityUSD)
	h.DrawdownPct.Set(drawdownPct)
	h.OrdersInFlight.Set(float64(inFlight))
}

// ObserveCycle records the duration of one strategy cycle.
func (h *Health) ObserveCycle(d time.Duration) {
	h.CycleLatency.Observe(d.Seconds())
	h.cycles.RecordDuration(d)
}

// Snapshot is the JSON health view.
type Snapshot struct {
	APIErrorRate float64      `json:"api_error_rate"`
	Attempts     int          `json:"attempts_in_window"`
	CycleLatency LatencyStats `json:"cycle_latency_ms"`
}

func (h *Health) Snapshot() Snapshot {
	return Snapshot{
		APIErrorRate: h.errors.Rate(),
		Attempts:     h.errors.Count(),
		CycleLatency: h.cycles.Stats(),
	}
}

var _ reconciliation.Recorder = (*Health)(nil)
