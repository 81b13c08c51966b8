package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_block/internal/daemon"
	"github.com/eliteGoblin/focusd/app_block/internal/domain"
	"github.com/eliteGoblin/focusd/app_block/internal/infra"
	"github.com/eliteGoblin/focusd/app_block/internal/policy"
	"github.com/eliteGoblin/focusd/app_block/internal/usecase"
)

// env is what every command needs: platform paths, config and a logger.
type env struct {
	platform infra.PlatformPaths
	config   *infra.Config
	logger   *zap.Logger
}

func loadEnv(interactive bool) (*env, error) {
	platform := infra.DetectPlatform()
	cfg, err := infra.LoadConfig(configPath, platform)
	if err != nil {
		return nil, err
	}
	return &env{
		platform: platform,
		config:   cfg,
		logger:   infra.NewLogger(cfg.Log, interactive),
	}, nil
}

func (e *env) policyStore() *policy.FileStore {
	return policy.NewFileStore(policy.StoreConfig{
		Dirs:   e.config.Policy.Dirs,
		MaxAge: e.config.Policy.MaxAge,
	}, e.logger)
}

func (e *env) lifecycle() (*usecase.Lifecycle, error) {
	supervisor, err := infra.NewSupervisor(e.config.Service.Supervisor, e.platform,
		e.config.Service.DescriptorDir, infra.NewExecRunner())
	if err != nil {
		return nil, err
	}

	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to get executable path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(self); err == nil {
		self = resolved
	}

	return usecase.NewLifecycle(e.lifecycleConfig(self), supervisor, infra.NewFileSystemManager(), e.logger), nil
}

// lifecycleConfig points the supervisor's output captures away from the
// zap log file.
func (e *env) lifecycleConfig(self string) usecase.LifecycleConfig {
	return usecase.LifecycleConfig{
		ExecutablePath: self,
		InstallPath:    e.config.Service.InstallPath,
		LogPath:        e.config.Log.StdoutPath,
		ErrorLogPath:   e.config.Log.StderrPath,
	}
}

func (e *env) notifierConfig() infra.NotifierConfig {
	return infra.NotifierConfig{
		MaxConsecutiveFailures: e.config.Notify.MaxFailures,
		OpenTimeout:            e.config.Notify.OpenTimeout,
		LaunchGrace:            e.config.Notify.LaunchGrace,
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runRun(cmd *cobra.Command, args []string) error {
	if err := requireDomain(); err != nil {
		return err
	}
	e, err := loadEnv(false)
	if err != nil {
		return err
	}
	logger := e.logger.With(zap.String("domain", domainID))
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signalContext()
	defer cancel()

	store := e.policyStore()
	if _, err := store.LoadRules(domainID); err != nil {
		logger.Warn("no usable block policy yet, launches are allowed until one appears", zap.Error(err))
	}

	// Event log is authoritative, history mirrors it.
	eventLog := infra.NewEventLog(e.config.Events.Path)
	var secondary []domain.EventRecorder
	var history *infra.EncryptedHistory
	if e.config.History.Enabled {
		history, err = infra.OpenHistory(e.config.History.Dir)
		if err != nil {
			logger.Warn("enforcement history disabled", zap.Error(err))
		} else {
			defer history.Close()
			secondary = append(secondary, history)
		}
	}
	recorder := infra.NewMultiRecorder(eventLog, logger, secondary...)

	notifier := infra.NewDialogNotifier(e.notifierConfig(), infra.NewExecRunner())

	executor := usecase.NewExecutor(
		infra.NewProcessManager(),
		infra.NewFileSystemManager(),
		notifier,
		recorder,
		e.config.Engine.ActionTimeout,
		logger,
	)
	enforcer := usecase.NewEnforcer(domainID, store, executor, infra.ResolveIcon, logger)

	source, err := infra.NewLaunchSource(e.config.Engine.Source, e.config.Engine.ScanInterval, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	metrics := infra.NewMetrics(reg)

	watcher := daemon.NewWatcher(daemon.DefaultWatcherConfig(), source, enforcer, metrics, logger)
	watcher.AddTask("policy-watch", store.Watch)
	if history != nil {
		pruner := infra.NewHistoryPruner(history, e.config.History.PruneSchedule, e.config.History.Retention, logger)
		watcher.AddTask("history-prune", pruner.Run)
	}
	if e.config.Metrics.Listen != "" {
		watcher.AddTask("metrics", func(ctx context.Context) error {
			return infra.ServeMetrics(ctx, e.config.Metrics.Listen, reg, logger)
		})
	}

	logger.Info("starting appblock",
		zap.String("version", Version),
		zap.String("source", e.config.Engine.Source),
		zap.String("event_log", eventLog.Path()))
	return watcher.Run(ctx)
}

func runInstall(cmd *cobra.Command, args []string) error {
	if err := requireDomain(); err != nil {
		return err
	}
	if err := infra.RequireRoot(); err != nil {
		return fmt.Errorf("install: %w (try sudo)", err)
	}
	e, err := loadEnv(true)
	if err != nil {
		return err
	}
	defer func() { _ = e.logger.Sync() }()

	lc, err := e.lifecycle()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	result, err := lc.Install(ctx, domainID)
	if err != nil {
		if result != nil && result.RolledBack {
			fmt.Println("Update failed; the previous version was restored.")
		}
		return err
	}

	switch result.Action {
	case usecase.InstallFresh:
		fmt.Printf("Installed %s as service %s\n", result.Descriptor.ProgramPath, result.Descriptor.Label)
	case usecase.InstallUpdated:
		fmt.Printf("Updated service %s\n", result.Descriptor.Label)
	case usecase.InstallCurrent:
		if result.Started {
			fmt.Printf("Service %s is current; started it\n", result.Descriptor.Label)
		} else {
			fmt.Printf("Service %s is already installed and running\n", result.Descriptor.Label)
		}
	}
	return nil
}

func runUninstall(cmd *cobra.Command, args []string) error {
	if err := requireDomain(); err != nil {
		return err
	}
	if err := infra.RequireRoot(); err != nil {
		return fmt.Errorf("uninstall: %w (try sudo)", err)
	}
	e, err := loadEnv(true)
	if err != nil {
		return err
	}
	defer func() { _ = e.logger.Sync() }()

	lc, err := e.lifecycle()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := lc.Uninstall(ctx, domainID); err != nil {
		return err
	}
	fmt.Printf("Service %s removed\n", domainID)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	if err := requireDomain(); err != nil {
		return err
	}
	e, err := loadEnv(false)
	if err != nil {
		return err
	}

	supervisor, err := infra.NewSupervisor(e.config.Service.Supervisor, e.platform,
		e.config.Service.DescriptorDir, infra.NewExecRunner())
	if err != nil {
		return err
	}

	fmt.Println("\n=== appblock Status ===")
	fmt.Printf("Domain: %s\n", domainID)
	fmt.Printf("Descriptor: %s\n", supervisor.DescriptorPath(domainID))
	switch {
	case !supervisor.IsRegistered(domainID):
		fmt.Println("Service: NOT INSTALLED")
	case supervisor.IsRunning(domainID):
		fmt.Println("Service: RUNNING")
	default:
		fmt.Println("Service: STOPPED")
	}

	hash, err := infra.FileSHA256(e.config.Service.InstallPath)
	if err != nil {
		fmt.Printf("Installed copy: missing (%s)\n", e.config.Service.InstallPath)
	} else {
		fmt.Printf("Installed copy: %s (sha256 %s)\n", e.config.Service.InstallPath, hash[:12])
	}

	store := e.policyStore()
	if path, err := store.Locate(domainID); err != nil {
		fmt.Println("Policy: none found")
	} else if rules, err := store.LoadRules(domainID); err != nil {
		fmt.Printf("Policy: %s (unreadable: %v)\n", path, err)
	} else {
		fmt.Printf("Policy: %s (%d rules)\n", path, len(rules))
	}
	fmt.Printf("Event log: %s\n", e.config.Events.Path)
	fmt.Println("=======================")
	return nil
}

func runRules(cmd *cobra.Command, args []string) error {
	if err := requireDomain(); err != nil {
		return err
	}
	e, err := loadEnv(false)
	if err != nil {
		return err
	}

	store := e.policyStore()
	rules, err := store.LoadRules(domainID)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(policy.Document{BlockedApps: rules})
	}

	path, _ := store.Locate(domainID)
	fmt.Printf("\n=== Block Rules (%s) ===\n", path)
	for _, r := range rules {
		fmt.Printf("\n%s\n", r.Identifier)
		fmt.Printf("  Delete: %t\n", r.DeleteApp)
		fmt.Printf("  Alert:  %t\n", r.AlertUser)
		if r.AlertUser {
			fmt.Printf("  Title:   %s\n", r.AlertTitle)
			fmt.Printf("  Message: %s\n", r.AlertMessage)
		}
	}
	fmt.Println("\n========================")
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(false)
	if err != nil {
		return err
	}

	records, err := recentRecords(e, limit)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		for _, r := range records {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	}

	if len(records) == 0 {
		fmt.Println("No enforcement events recorded.")
		return nil
	}
	for _, r := range records {
		fmt.Printf("%s  %-40s pid=%-7d", r.Timestamp.Local().Format("2006-01-02 15:04:05"), r.Identifier, r.PID)
		for _, o := range r.Actions {
			mark := "ok"
			if !o.Succeeded {
				mark = "FAILED"
			}
			fmt.Printf(" %s:%s", o.Action, mark)
		}
		fmt.Println()
	}
	return nil
}

// recentRecords reads the encrypted history when available, else the event log.
func recentRecords(e *env, n int) ([]domain.EnforcementRecord, error) {
	if n <= 0 {
		n = 20
	}
	if e.config.History.Enabled {
		history, err := infra.OpenHistory(e.config.History.Dir)
		if err == nil {
			defer history.Close()
			return history.Recent(context.Background(), n)
		}
		e.logger.Debug("history unavailable, reading event log", zap.Error(err))
	}

	records, err := infra.ReadEventLog(e.config.Events.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// Newest first, like the history store.
	out := make([]domain.EnforcementRecord, 0, n)
	for i := len(records) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, records[i])
	}
	return out, nil
}
