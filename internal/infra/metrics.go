package infra

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_block/internal/domain"
)

// Metrics are the engine's Prometheus instruments.
type Metrics struct {
	// Launches seen by the engine, by result (dismissed, unresolvable, matched)
	EventsTotal *prometheus.CounterVec

	// Action outcomes, by action and result (ok, error)
	ActionsTotal *prometheus.CounterVec

	// Policy loads that failed
	PolicyErrors prometheus.Counter

	// Launch source subscriptions that failed or ended
	SourceRestarts prometheus.Counter

	// 1 while evaluating an event, 0 while idle
	EngineBusy prometheus.Gauge
}

// NewMetrics registers the instruments on reg. A nil reg gets a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		EventsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "appblock_launch_events_total",
			Help: "Launch events evaluated, by result.",
		}, []string{"result"}),

		ActionsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "appblock_actions_total",
			Help: "Enforcement actions attempted, by action and result.",
		}, []string{"action", "result"}),

		PolicyErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "appblock_policy_errors_total",
			Help: "Policy loads that failed.",
		}),

		SourceRestarts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "appblock_source_restarts_total",
			Help: "Launch source subscriptions that had to be re-established.",
		}),

		EngineBusy: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "appblock_engine_evaluating",
			Help: "1 while an event is being evaluated, 0 while idle.",
		}),
	}
}

// ObserveRecord counts every action outcome in record.
func (m *Metrics) ObserveRecord(record domain.EnforcementRecord) {
	if m == nil {
		return
	}
	for _, o := range record.Actions {
		result := "ok"
		if !o.Succeeded {
			result = "error"
		}
		m.ActionsTotal.WithLabelValues(string(o.Action), result).Inc()
	}
}

// SetState mirrors the engine state on the gauge.
func (m *Metrics) SetState(state domain.EngineState) {
	if m == nil {
		return
	}
	if state == domain.StateEvaluating {
		m.EngineBusy.Set(1)
	} else {
		m.EngineBusy.Set(0)
	}
}

// ServeMetrics exposes reg on addr until ctx is cancelled.
func ServeMetrics(ctx context.Context, addr string, reg prometheus.Gatherer, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
