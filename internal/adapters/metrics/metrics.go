// Package metrics exposes Prometheus collectors for the trading engine. The
// Recorder doubles as a ports.Notifier so counters track the same event
// stream operators see in the logs.
package metrics

import (
	"context"
	"net/http"

	"breakoutBot/internal/domain"
	"breakoutBot/internal/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder registers and updates all engine metrics on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	gateDecisions   *prometheus.CounterVec
	exits           *prometheus.CounterVec
	plansBuilt      prometheus.Counter
	positionsOpened prometheus.Counter
	alerts          prometheus.Counter

	deployedCapital   prometheus.Gauge
	capitalEfficiency prometheus.Gauge
}

// NewRecorder creates a recorder with a fresh registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		gateDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bot_gate_decisions_total",
				Help: "Gate decisions split by reason code",
			},
			[]string{"reason"},
		),
		exits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bot_exit_reasons_total",
				Help: "Position exits split by reason",
			},
			[]string{"reason"},
		),
		plansBuilt: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bot_allocation_plans_total",
				Help: "Allocation plans built",
			},
		),
		positionsOpened: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bot_positions_opened_total",
				Help: "Positions opened from order fills",
			},
		),
		alerts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bot_alerts_total",
				Help: "Operator alerts raised",
			},
		),
		deployedCapital: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bot_deployed_capital_usd",
				Help: "Capital deployed by the latest execution",
			},
		),
		capitalEfficiency: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bot_capital_efficiency",
				Help: "Deployed capital over the target budget",
			},
		),
	}
	r.registry.MustRegister(
		r.gateDecisions, r.exits, r.plansBuilt, r.positionsOpened, r.alerts,
		r.deployedCapital, r.capitalEfficiency,
	)
	return r
}

// Handler returns the /metrics HTTP handler for this recorder's registry.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// PositionOpened counts a position opened from a confirmed fill.
func (r *Recorder) PositionOpened() {
	r.positionsOpened.Inc()
}

// PlanBuilt counts a completed allocation pass.
func (r *Recorder) PlanBuilt() {
	r.plansBuilt.Inc()
}

// --- ports.Notifier ---

func (r *Recorder) GateDecision(ctx context.Context, decision domain.GateDecision) {
	r.gateDecisions.WithLabelValues(string(decision.Reason)).Inc()
}

func (r *Recorder) ExecutionSummary(ctx context.Context, summary ports.ExecutionSummary) {
	r.deployedCapital.Set(summary.CapitalDeployed)
	r.capitalEfficiency.Set(summary.Efficiency)
}

func (r *Recorder) Exit(ctx context.Context, event ports.ExitEvent) {
	r.exits.WithLabelValues(string(event.Reason)).Inc()
}

func (r *Recorder) Alert(ctx context.Context, reason string, err error) {
	r.alerts.Inc()
}
