package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_block/internal/domain"
)

// DefaultActionTimeout bounds each enforcement primitive.
const DefaultActionTimeout = 10 * time.Second

// Executor implements domain.ActionExecutor. Each action runs under its own
// timeout; an action that overruns fails with domain.ErrActionTimedOut.
type Executor struct {
	processManager domain.ProcessManager
	fsManager      domain.FileSystemManager
	notifier       domain.Notifier
	recorder       domain.EventRecorder
	timeout        time.Duration
	logger         *zap.Logger
}

// NewExecutor creates an executor. A zero timeout disables the per-action bound.
func NewExecutor(
	pm domain.ProcessManager,
	fs domain.FileSystemManager,
	notifier domain.Notifier,
	recorder domain.EventRecorder,
	timeout time.Duration,
	logger *zap.Logger,
) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		processManager: pm,
		fsManager:      fs,
		notifier:       notifier,
		recorder:       recorder,
		timeout:        timeout,
		logger:         logger,
	}
}

// TerminateProcess force-kills pid.
func (x *Executor) TerminateProcess(ctx context.Context, pid int) error {
	return x.bounded(ctx, domain.ActionTerminate, func(context.Context) error {
		return x.processManager.Kill(pid)
	})
}

// DeletePackage removes the application package at path.
func (x *Executor) DeletePackage(ctx context.Context, path string) error {
	return x.bounded(ctx, domain.ActionDelete, func(context.Context) error {
		if err := x.fsManager.Delete(path); err != nil {
			return fmt.Errorf("%w: %s: %v", domain.ErrDeleteFailed, path, err)
		}
		return nil
	})
}

// NotifyUser presents a dialog to the console user.
func (x *Executor) NotifyUser(ctx context.Context, title, message string, icon domain.IconHandle) error {
	return x.bounded(ctx, domain.ActionNotify, func(ctx context.Context) error {
		err := x.notifier.Notify(ctx, domain.Notification{Title: title, Message: message, Icon: icon})
		if err != nil && !errors.Is(err, domain.ErrNotifyFailed) {
			return fmt.Errorf("%w: %v", domain.ErrNotifyFailed, err)
		}
		return err
	})
}

// LogEvent appends record to the event log.
func (x *Executor) LogEvent(ctx context.Context, record domain.EnforcementRecord) error {
	return x.bounded(ctx, domain.ActionLog, func(ctx context.Context) error {
		err := x.recorder.Record(ctx, record)
		if err != nil && !errors.Is(err, domain.ErrLogWriteFailed) {
			return fmt.Errorf("%w: %v", domain.ErrLogWriteFailed, err)
		}
		return err
	})
}

// bounded runs fn, giving up after the configured timeout. fn keeps running
// in the background if it ignores its context.
func (x *Executor) bounded(ctx context.Context, action domain.ActionKind, fn func(context.Context) error) error {
	if x.timeout <= 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		x.logger.Warn("enforcement action timed out",
			zap.String("action", string(action)),
			zap.Duration("timeout", x.timeout))
		return fmt.Errorf("%w: %s after %s", domain.ErrActionTimedOut, action, x.timeout)
	}
}

// Ensure Executor implements domain.ActionExecutor.
var _ domain.ActionExecutor = (*Executor)(nil)
