package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_block/internal/domain"
)

const (
	// DefaultVerifyAttempts is how many times a start is checked before giving up.
	DefaultVerifyAttempts = 20
	// DefaultVerifyDelay is the pause between start checks.
	DefaultVerifyDelay = 500 * time.Millisecond

	backupSuffix = ".previous"
)

var errNotRunning = errors.New("service not running")

// InstallAction says what Install ended up doing.
type InstallAction string

const (
	InstallFresh   InstallAction = "installed"
	InstallUpdated InstallAction = "updated"
	InstallCurrent InstallAction = "current"
)

// InstallResult describes a completed Install.
type InstallResult struct {
	Action        InstallAction
	Descriptor    domain.ServiceDescriptor
	InstalledHash string
	Started       bool // The service had to be started
	RolledBack    bool // A failed update was reverted
}

// LifecycleConfig holds the fixed locations used by install and uninstall.
type LifecycleConfig struct {
	ExecutablePath string // The running program, the source of installs
	InstallPath    string // Fixed location of the installed copy
	LogPath        string // Supervisor stdout capture
	ErrorLogPath   string // Supervisor stderr capture
	VerifyAttempts uint
	VerifyDelay    time.Duration
}

// Lifecycle installs, updates and uninstalls the service.
type Lifecycle struct {
	config     LifecycleConfig
	supervisor domain.ServiceSupervisor
	fsManager  domain.FileSystemManager
	logger     *zap.Logger
}

// NewLifecycle creates a lifecycle manager.
func NewLifecycle(config LifecycleConfig, supervisor domain.ServiceSupervisor, fs domain.FileSystemManager, logger *zap.Logger) *Lifecycle {
	if config.VerifyAttempts == 0 {
		config.VerifyAttempts = DefaultVerifyAttempts
	}
	if config.VerifyDelay <= 0 {
		config.VerifyDelay = DefaultVerifyDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{config: config, supervisor: supervisor, fsManager: fs, logger: logger}
}

// Descriptor returns the unit definition for domainID.
func (l *Lifecycle) Descriptor(domainID string) domain.ServiceDescriptor {
	return domain.ServiceDescriptor{
		Label:        domainID,
		ProgramPath:  l.config.InstallPath,
		Arguments:    []string{"run", "--domain", domainID},
		RunAtLoad:    true,
		KeepAlive:    true,
		LogPath:      l.config.LogPath,
		ErrorLogPath: l.config.ErrorLogPath,
	}
}

// Installed reports the installed copy and its content hash.
func (l *Lifecycle) Installed() domain.InstalledCopy {
	hash, err := l.fsManager.SHA256(l.config.InstallPath)
	if err != nil {
		hash = ""
	}
	return domain.InstalledCopy{Path: l.config.InstallPath, SHA256: hash}
}

// Install makes the service for domainID installed, current and running.
// Repeating it with the same program is a no-op apart from starting a
// stopped service.
func (l *Lifecycle) Install(ctx context.Context, domainID string) (*InstallResult, error) {
	if domainID == "" {
		return nil, fmt.Errorf("%w: empty domain", domain.ErrInstallFailed)
	}

	desc := l.Descriptor(domainID)
	log := l.logger.With(zap.String("label", desc.Label))

	selfHash, err := l.fsManager.SHA256(l.config.ExecutablePath)
	if err != nil {
		return nil, fmt.Errorf("%w: hash running program: %v", domain.ErrInstallFailed, err)
	}

	if !l.supervisor.IsRegistered(desc.Label) {
		return l.freshInstall(ctx, desc, selfHash, log)
	}

	installed := l.Installed()
	binaryStale := installed.SHA256 != selfHash
	descriptorStale := l.supervisor.NeedsUpdate(desc)

	if !binaryStale && !descriptorStale {
		result := &InstallResult{Action: InstallCurrent, Descriptor: desc, InstalledHash: installed.SHA256}
		if l.supervisor.IsRunning(desc.Label) {
			log.Info("service already installed and current")
			return result, nil
		}
		log.Info("service current but not running, starting")
		if err := l.start(ctx, desc.Label); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInstallFailed, err)
		}
		result.Started = true
		return result, nil
	}

	return l.update(ctx, desc, installed, selfHash, binaryStale, descriptorStale, log)
}

func (l *Lifecycle) freshInstall(ctx context.Context, desc domain.ServiceDescriptor, selfHash string, log *zap.Logger) (*InstallResult, error) {
	log.Info("installing service", zap.String("path", l.config.InstallPath))

	if l.config.ExecutablePath != l.config.InstallPath {
		if err := l.fsManager.CopyAtomic(l.config.ExecutablePath, l.config.InstallPath, 0755); err != nil {
			return nil, fmt.Errorf("%w: copy program: %v", domain.ErrInstallFailed, err)
		}
	}
	if err := l.supervisor.Write(desc); err != nil {
		return nil, fmt.Errorf("%w: write descriptor: %v", domain.ErrInstallFailed, err)
	}
	if err := l.start(ctx, desc.Label); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInstallFailed, err)
	}

	log.Info("service installed and running")
	return &InstallResult{Action: InstallFresh, Descriptor: desc, InstalledHash: selfHash, Started: true}, nil
}

// update replaces a stale installation: stop, back up, replace, start.
// A failed start restores the previous copy and starts it again.
func (l *Lifecycle) update(
	ctx context.Context,
	desc domain.ServiceDescriptor,
	installed domain.InstalledCopy,
	selfHash string,
	binaryStale, descriptorStale bool,
	log *zap.Logger,
) (*InstallResult, error) {
	log.Info("updating service",
		zap.Bool("program_changed", binaryStale),
		zap.Bool("descriptor_changed", descriptorStale),
		zap.String("installed_sha256", installed.SHA256),
		zap.String("new_sha256", selfHash))

	if err := l.supervisor.Stop(desc.Label); err != nil {
		return nil, fmt.Errorf("%w: stop: %v", domain.ErrInstallFailed, err)
	}

	backup := ""
	if binaryStale && installed.Exists() {
		backup = l.config.InstallPath + backupSuffix
		if err := l.fsManager.CopyAtomic(l.config.InstallPath, backup, 0755); err != nil {
			l.restart(ctx, desc.Label, log)
			return nil, fmt.Errorf("%w: back up installed copy: %v", domain.ErrInstallFailed, err)
		}
		defer l.removeBackup(backup, log)
	}

	if binaryStale {
		if err := l.fsManager.CopyAtomic(l.config.ExecutablePath, l.config.InstallPath, 0755); err != nil {
			l.restart(ctx, desc.Label, log)
			return nil, fmt.Errorf("%w: replace program: %v", domain.ErrInstallFailed, err)
		}
	}

	if descriptorStale {
		if err := l.supervisor.Write(desc); err != nil {
			l.rollback(ctx, desc.Label, backup, log)
			return nil, fmt.Errorf("%w: write descriptor: %v", domain.ErrInstallFailed, err)
		}
	}

	if err := l.start(ctx, desc.Label); err != nil {
		l.rollback(ctx, desc.Label, backup, log)
		return &InstallResult{Descriptor: desc, InstalledHash: installed.SHA256, RolledBack: backup != ""},
			fmt.Errorf("%w: start after update: %v", domain.ErrInstallFailed, err)
	}

	log.Info("service updated and running")
	return &InstallResult{Action: InstallUpdated, Descriptor: desc, InstalledHash: selfHash, Started: true}, nil
}

// Uninstall stops the service and removes its descriptor and installed copy.
// Nothing installed is not an error.
func (l *Lifecycle) Uninstall(ctx context.Context, domainID string) error {
	if domainID == "" {
		return fmt.Errorf("%w: empty domain", domain.ErrUninstallFailed)
	}
	log := l.logger.With(zap.String("label", domainID))

	if l.supervisor.IsRegistered(domainID) {
		if err := l.supervisor.Stop(domainID); err != nil {
			return fmt.Errorf("%w: stop: %v", domain.ErrUninstallFailed, err)
		}
		if err := l.supervisor.Remove(domainID); err != nil {
			return fmt.Errorf("%w: remove descriptor: %v", domain.ErrUninstallFailed, err)
		}
		log.Info("service descriptor removed")
	}

	if l.fsManager.Exists(l.config.InstallPath) {
		if err := l.fsManager.Delete(l.config.InstallPath); err != nil {
			return fmt.Errorf("%w: delete installed copy: %v", domain.ErrUninstallFailed, err)
		}
		log.Info("installed copy removed", zap.String("path", l.config.InstallPath))
	}
	return nil
}

// start asks the supervisor to start label and waits until it reports running.
func (l *Lifecycle) start(ctx context.Context, label string) error {
	if err := l.supervisor.Start(label); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(l.config.VerifyAttempts),
		retry.Delay(l.config.VerifyDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	).Do(func() error {
		if l.supervisor.IsRunning(label) {
			return nil
		}
		return errNotRunning
	})
	if err != nil {
		return fmt.Errorf("verify running: %w", err)
	}
	return nil
}

func (l *Lifecycle) restart(ctx context.Context, label string, log *zap.Logger) {
	if err := l.start(ctx, label); err != nil {
		log.Error("failed to restart previous service", zap.Error(err))
	}
}

// rollback restores the backup (when there is one) and starts it.
func (l *Lifecycle) rollback(ctx context.Context, label, backup string, log *zap.Logger) {
	log.Warn("update failed, rolling back")
	_ = l.supervisor.Stop(label)
	if backup != "" {
		if err := l.fsManager.CopyAtomic(backup, l.config.InstallPath, 0755); err != nil {
			log.Error("failed to restore previous program", zap.Error(err))
			return
		}
	}
	l.restart(ctx, label, log)
}

func (l *Lifecycle) removeBackup(backup string, log *zap.Logger) {
	if !l.fsManager.Exists(backup) {
		return
	}
	if err := l.fsManager.Delete(backup); err != nil {
		log.Warn("failed to remove backup", zap.String("path", backup), zap.Error(err))
	}
}
