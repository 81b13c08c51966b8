// Package usecase contains application business logic.
package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_block/internal/domain"
	"github.com/eliteGoblin/focusd/app_block/internal/policy"
)

// Decision is how the enforcer disposed of one launch event.
type Decision string

const (
	DecisionUnresolvable      Decision = "unresolvable"
	DecisionPolicyUnavailable Decision = "policy_unavailable"
	DecisionNotBlocked        Decision = "not_blocked"
	DecisionEnforced          Decision = "enforced"
)

// Result describes the handling of one launch event. Record is set only
// when a rule matched and mirrors what was written to the event log,
// plus the outcome of the log write itself.
type Result struct {
	Decision Decision
	Rule     *domain.BlockRule
	Record   *domain.EnforcementRecord
}

// IconResolver maps a package path to the icon shown in alerts.
type IconResolver func(packagePath string) domain.IconHandle

// Enforcer applies the block policy of one domain to launch events.
type Enforcer struct {
	domainID    string
	policyStore domain.PolicyStore
	executor    domain.ActionExecutor
	icons       IconResolver
	logger      *zap.Logger
	now         func() time.Time
}

// NewEnforcer creates an enforcer for domainID.
func NewEnforcer(
	domainID string,
	ps domain.PolicyStore,
	executor domain.ActionExecutor,
	icons IconResolver,
	logger *zap.Logger,
) *Enforcer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if icons == nil {
		icons = func(string) domain.IconHandle { return "" }
	}
	return &Enforcer{
		domainID:    domainID,
		policyStore: ps,
		executor:    executor,
		icons:       icons,
		logger:      logger,
		now:         time.Now,
	}
}

// Domain returns the policy domain this enforcer serves.
func (e *Enforcer) Domain() string {
	return e.domainID
}

// Handle evaluates one launch event. Failures of individual actions are
// recorded in the result and never returned.
func (e *Enforcer) Handle(ctx context.Context, event domain.LaunchEvent) Result {
	if event.Identifier == "" {
		e.logger.Debug("dismissed launch without identifier",
			zap.Int("pid", event.PID),
			zap.String("exec", event.ExecPath),
			zap.Error(domain.ErrUnresolvableIdentifier))
		return Result{Decision: DecisionUnresolvable}
	}

	rules, err := e.policyStore.LoadRules(e.domainID)
	if err != nil {
		// Fail open: no policy means nothing is blocked.
		e.logger.Warn("block policy unavailable, launch allowed",
			zap.String("domain", e.domainID),
			zap.String("identifier", event.Identifier),
			zap.Error(err))
		return Result{Decision: DecisionPolicyUnavailable}
	}

	rule, ok := policy.Match(rules, event.Identifier)
	if !ok {
		return Result{Decision: DecisionNotBlocked}
	}

	record := e.enforce(ctx, rule, event)
	return Result{Decision: DecisionEnforced, Rule: &rule, Record: &record}
}

func (e *Enforcer) enforce(ctx context.Context, rule domain.BlockRule, event domain.LaunchEvent) domain.EnforcementRecord {
	record := domain.EnforcementRecord{
		ID:          uuid.NewString(),
		Timestamp:   e.now().UTC(),
		Domain:      e.domainID,
		Identifier:  event.Identifier,
		DisplayName: event.DisplayName,
		PID:         event.PID,
		PackagePath: event.PackagePath,
	}

	log := e.logger.With(
		zap.String("identifier", event.Identifier),
		zap.Int("pid", event.PID))

	// Terminate always comes first.
	outcome := e.run(domain.ActionTerminate, func() error {
		err := e.executor.TerminateProcess(ctx, event.PID)
		if errors.Is(err, domain.ErrNoSuchProcess) {
			log.Info("blocked process already exited")
			return nil
		}
		return err
	})
	record.Actions = append(record.Actions, outcome)
	if outcome.Succeeded {
		log.Info("terminated blocked application", zap.String("name", event.DisplayName))
	} else {
		log.Error("failed to terminate blocked application", zap.String("error", outcome.Error))
	}

	if rule.DeleteApp && event.PackagePath != "" {
		outcome := e.run(domain.ActionDelete, func() error {
			return e.executor.DeletePackage(ctx, event.PackagePath)
		})
		record.Actions = append(record.Actions, outcome)
		if outcome.Succeeded {
			log.Info("deleted blocked application", zap.String("path", event.PackagePath))
		} else {
			log.Warn("failed to delete blocked application",
				zap.String("path", event.PackagePath),
				zap.String("error", outcome.Error))
		}
	}

	if rule.AlertUser {
		title := rule.RenderTitle(event.DisplayName)
		message := rule.RenderMessage(event.DisplayName)
		icon := e.icons(event.PackagePath)
		outcome := e.run(domain.ActionNotify, func() error {
			return e.executor.NotifyUser(ctx, title, message, icon)
		})
		record.Actions = append(record.Actions, outcome)
		if !outcome.Succeeded {
			log.Warn("failed to alert user", zap.String("error", outcome.Error))
		}
	}

	logged := e.run(domain.ActionLog, func() error {
		return e.executor.LogEvent(ctx, record)
	})
	if !logged.Succeeded {
		log.Error("failed to write enforcement event", zap.String("error", logged.Error))
	}
	record.Actions = append(record.Actions, logged)

	return record
}

func (e *Enforcer) run(action domain.ActionKind, fn func() error) domain.ActionOutcome {
	start := e.now()
	err := fn()
	outcome := domain.ActionOutcome{
		Action:     action,
		Succeeded:  err == nil,
		DurationMs: e.now().Sub(start).Milliseconds(),
	}
	if err != nil {
		outcome.Error = err.Error()
	}
	return outcome
}
