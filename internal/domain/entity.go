// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import (
	"strings"
	"time"
)

// AppNamePlaceholder is substituted with the launched app's display name
// in alert titles and messages.
const AppNamePlaceholder = "{appname}"

// BlockRule is one entry of the block policy.
// Field names on disk match the managed preferences keys.
type BlockRule struct {
	Identifier   string `json:"Application" yaml:"Application" plist:"Application"`
	DeleteApp    bool   `json:"DeleteApp" yaml:"DeleteApp" plist:"DeleteApp"`
	AlertUser    bool   `json:"AlertUser" yaml:"AlertUser" plist:"AlertUser"`
	AlertTitle   string `json:"AlertTitle,omitempty" yaml:"AlertTitle,omitempty" plist:"AlertTitle,omitempty"`
	AlertMessage string `json:"AlertMessage,omitempty" yaml:"AlertMessage,omitempty" plist:"AlertMessage,omitempty"`
}

// RenderTitle returns AlertTitle with the placeholder replaced by displayName.
func (r BlockRule) RenderTitle(displayName string) string {
	return strings.ReplaceAll(r.AlertTitle, AppNamePlaceholder, displayName)
}

// RenderMessage returns AlertMessage with the placeholder replaced by displayName.
func (r BlockRule) RenderMessage(displayName string) string {
	return strings.ReplaceAll(r.AlertMessage, AppNamePlaceholder, displayName)
}

// LaunchEvent is an observation of a process starting.
type LaunchEvent struct {
	Identifier  string    // Stable application identifier (bundle id or exec path)
	PID         int       // OS process id, used for termination
	PackagePath string    // App bundle/package location, empty if unresolvable
	DisplayName string    // Human-readable name for notifications
	ExecPath    string    // Executable that was launched
	ObservedAt  time.Time // When the source observed the launch
}

// ServiceDescriptor is the supervisor unit definition that keeps the engine running.
type ServiceDescriptor struct {
	Label        string   // Domain identifier, doubles as the service name
	ProgramPath  string   // InstalledCopy location
	Arguments    []string // Arguments after ProgramPath
	RunAtLoad    bool     // Auto-start at boot
	KeepAlive    bool     // Restart whenever it exits
	LogPath      string
	ErrorLogPath string
}

// InstalledCopy is the deployed program file at the fixed service location.
type InstalledCopy struct {
	Path   string
	SHA256 string // Empty when the file does not exist
}

// Exists reports whether the installed copy is present on disk.
func (c InstalledCopy) Exists() bool {
	return c.SHA256 != ""
}

// ActionKind names one primitive enforcement action.
type ActionKind string

const (
	ActionTerminate ActionKind = "terminate"
	ActionDelete    ActionKind = "delete"
	ActionNotify    ActionKind = "notify"
	ActionLog       ActionKind = "log"
)

// ActionOutcome is the result of one attempted action.
type ActionOutcome struct {
	Action     ActionKind `json:"action"`
	Succeeded  bool       `json:"succeeded"`
	Error      string     `json:"error,omitempty"`
	DurationMs int64      `json:"duration_ms"`
}

// EnforcementRecord is what gets appended to the persistent event log.
type EnforcementRecord struct {
	ID          string          `json:"id"`
	Timestamp   time.Time       `json:"timestamp"`
	Domain      string          `json:"domain"`
	Identifier  string          `json:"identifier"`
	DisplayName string          `json:"display_name"`
	PID         int             `json:"pid"`
	PackagePath string          `json:"package_path,omitempty"`
	Actions     []ActionOutcome `json:"actions"`
}

// Outcome returns the outcome for a given action, if it was attempted.
func (r *EnforcementRecord) Outcome(kind ActionKind) (ActionOutcome, bool) {
	for _, o := range r.Actions {
		if o.Action == kind {
			return o, true
		}
	}
	return ActionOutcome{}, false
}

// IconHandle references an icon file (macOS) or icon name (Linux desktop).
type IconHandle string

// Notification is what gets presented to the console user.
type Notification struct {
	Title   string
	Message string
	Icon    IconHandle
}

// EngineState is the operating state of the enforcement loop.
type EngineState string

const (
	StateIdle       EngineState = "idle"
	StateEvaluating EngineState = "evaluating"
)
