// Package daemon implements the long-running enforcement engine.
package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_block/internal/domain"
	"github.com/eliteGoblin/focusd/app_block/internal/infra"
	"github.com/eliteGoblin/focusd/app_block/internal/usecase"
)

// EventHandler decides and enforces one launch event.
type EventHandler interface {
	Handle(ctx context.Context, event domain.LaunchEvent) usecase.Result
}

// Task is a background job that lives as long as the watcher.
type Task func(ctx context.Context) error

// WatcherConfig holds watcher configuration.
type WatcherConfig struct {
	ResubscribeDelay    time.Duration // First backoff after a failed subscription
	ResubscribeMaxDelay time.Duration // Backoff ceiling
}

// DefaultWatcherConfig returns default watcher configuration.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		ResubscribeDelay:    500 * time.Millisecond,
		ResubscribeMaxDelay: 30 * time.Second,
	}
}

type namedTask struct {
	name string
	run  Task
}

// Watcher is the enforcement engine. It reads launch events from a source
// and hands them to the enforcer one at a time. It alternates between idle
// and evaluating until its context is cancelled.
type Watcher struct {
	config  WatcherConfig
	source  domain.LaunchSource
	handler EventHandler
	metrics *infra.Metrics
	logger  *zap.Logger
	tasks   []namedTask

	mu    sync.RWMutex
	state domain.EngineState
}

// NewWatcher creates a watcher. metrics may be nil.
func NewWatcher(
	config WatcherConfig,
	source domain.LaunchSource,
	handler EventHandler,
	metrics *infra.Metrics,
	logger *zap.Logger,
) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ResubscribeDelay <= 0 {
		config.ResubscribeDelay = DefaultWatcherConfig().ResubscribeDelay
	}
	if config.ResubscribeMaxDelay <= 0 {
		config.ResubscribeMaxDelay = DefaultWatcherConfig().ResubscribeMaxDelay
	}
	return &Watcher{
		config:  config,
		source:  source,
		handler: handler,
		metrics: metrics,
		logger:  logger,
		state:   domain.StateIdle,
	}
}

// AddTask registers a background job started by Run (policy watcher,
// history pruning, metrics endpoint). Must be called before Run.
func (w *Watcher) AddTask(name string, task Task) {
	w.tasks = append(w.tasks, namedTask{name: name, run: task})
}

// State returns the current engine state.
func (w *Watcher) State() domain.EngineState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Watcher) setState(state domain.EngineState) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
	w.metrics.SetState(state)
}

// Run processes launch events until ctx is cancelled. A lost subscription
// is re-established with exponential backoff.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("enforcement engine started")

	var wg sync.WaitGroup
	for _, t := range w.tasks {
		wg.Add(1)
		go func(t namedTask) {
			defer wg.Done()
			if err := t.run(ctx); err != nil && ctx.Err() == nil {
				w.logger.Warn("background task stopped", zap.String("task", t.name), zap.Error(err))
			}
		}(t)
	}
	defer wg.Wait()

	for {
		events, errs, err := w.subscribe(ctx)
		if err != nil {
			// Only cancellation ends the retry loop.
			break
		}

		w.consume(ctx, events, errs)
		if ctx.Err() != nil {
			break
		}

		w.logger.Warn("launch subscription ended, resubscribing")
		if w.metrics != nil {
			w.metrics.SourceRestarts.Inc()
		}
	}

	w.logger.Info("enforcement engine stopping")
	return nil
}

// subscribe retries until the source accepts a subscription or ctx ends.
func (w *Watcher) subscribe(ctx context.Context) (<-chan domain.LaunchEvent, <-chan error, error) {
	var events <-chan domain.LaunchEvent
	var errs <-chan error

	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(0), // Until it works
		retry.Delay(w.config.ResubscribeDelay),
		retry.MaxDelay(w.config.ResubscribeMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	).Do(func() error {
		var err error
		events, errs, err = w.source.Subscribe(ctx)
		if err != nil {
			w.logger.Warn("failed to subscribe to launch events", zap.Error(err))
			if w.metrics != nil {
				w.metrics.SourceRestarts.Inc()
			}
		}
		return err
	})
	return events, errs, err
}

// consume handles events until the subscription ends or ctx is cancelled.
func (w *Watcher) consume(ctx context.Context, events <-chan domain.LaunchEvent, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.logger.Warn("launch source failed", zap.Error(err))
			errs = nil

		case event, ok := <-events:
			if !ok {
				return
			}
			w.evaluate(ctx, event)
		}
	}
}

func (w *Watcher) evaluate(ctx context.Context, event domain.LaunchEvent) {
	w.setState(domain.StateEvaluating)
	defer w.setState(domain.StateIdle)

	result := w.handler.Handle(ctx, event)

	if w.metrics != nil {
		w.metrics.EventsTotal.WithLabelValues(string(result.Decision)).Inc()
		if result.Decision == usecase.DecisionPolicyUnavailable {
			w.metrics.PolicyErrors.Inc()
		}
		if result.Record != nil {
			w.metrics.ObserveRecord(*result.Record)
		}
	}
}
