package domain

import (
	"context"
	"os"
	"time"
)

// PolicyStore yields the current block rules for a domain.
// Implementation: file-backed documents (yaml/json/plist) with change detection.
type PolicyStore interface {
	// LoadRules returns the ordered rule set, or an error wrapping ErrPolicyUnavailable.
	LoadRules(domainID string) ([]BlockRule, error)
}

// ProcessManager handles OS process operations.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// Kill terminates a process by PID (SIGKILL).
	// Returns an error wrapping ErrNoSuchProcess if the pid is gone.
	Kill(pid int) error

	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool
}

// FileSystemManager handles filesystem operations.
type FileSystemManager interface {
	// Exists checks if a path exists.
	Exists(path string) bool

	// Delete removes a file or directory recursively.
	Delete(path string) error

	// SHA256 returns the hex content hash of a file.
	SHA256(path string) (string, error)

	// CopyAtomic copies src over dst via temp file, fsync and rename.
	CopyAtomic(src, dst string, perm os.FileMode) error
}

// Notifier presents a notification to the console user.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// EventRecorder appends enforcement records to persistent storage.
type EventRecorder interface {
	Record(ctx context.Context, record EnforcementRecord) error
}

// ActionExecutor performs the primitive, independent enforcement operations.
type ActionExecutor interface {
	TerminateProcess(ctx context.Context, pid int) error
	DeletePackage(ctx context.Context, path string) error
	NotifyUser(ctx context.Context, title, message string, icon IconHandle) error
	LogEvent(ctx context.Context, record EnforcementRecord) error
}

// LaunchSource produces launch events, blocking between events.
// A failed subscription is recovered by subscribing again.
type LaunchSource interface {
	// Subscribe starts delivering events until ctx is cancelled.
	// The event channel is closed when the subscription ends; a terminal
	// failure is sent on the error channel first.
	Subscribe(ctx context.Context) (<-chan LaunchEvent, <-chan error, error)
}

// ServiceSupervisor manages the OS unit definition for the service
// (launchd on macOS, systemd on Linux).
type ServiceSupervisor interface {
	// DescriptorPath returns where the unit definition for label lives.
	DescriptorPath(label string) string

	// IsRegistered reports whether a descriptor exists for label.
	IsRegistered(label string) bool

	// NeedsUpdate reports whether the descriptor on disk differs from desc.
	NeedsUpdate(desc ServiceDescriptor) bool

	// Write renders and writes the descriptor.
	Write(desc ServiceDescriptor) error

	// Remove deletes the descriptor. Missing descriptor is not an error.
	Remove(label string) error

	// Start loads and starts the service.
	Start(label string) error

	// Stop stops and unloads the service. Not running is not an error.
	Stop(label string) error

	// IsRunning reports whether the supervisor has the service running.
	IsRunning(label string) bool
}

// KeyProvider abstracts the source of encryption keys.
type KeyProvider interface {
	// GetKey returns the encryption key bytes.
	GetKey() ([]byte, error)

	// StoreKey persists a new encryption key.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been generated.
	KeyExists() bool
}

// HistoryStore keeps a queryable copy of enforcement records.
type HistoryStore interface {
	EventRecorder

	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]EnforcementRecord, error)

	// Prune deletes records older than the cutoff and returns how many went.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)

	// Close releases resources (e.g., database connection).
	Close() error
}
