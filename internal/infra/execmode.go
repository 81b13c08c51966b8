package infra

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/eliteGoblin/focusd/app_block/internal/domain"
)

// Supervisor kinds accepted by service.supervisor.
const (
	SupervisorAuto    = "auto"
	SupervisorLaunchd = "launchd"
	SupervisorSystemd = "systemd"
)

// ErrNotRoot is returned when a lifecycle command needs root and does not have it.
var ErrNotRoot = errors.New("must run as root")

// PlatformPaths holds the fixed locations the service uses on one OS.
type PlatformPaths struct {
	GOOS          string
	Supervisor    string // launchd or systemd
	InstallPath   string // Where the service binary is deployed
	DescriptorDir string // Where the unit definition goes
	DataDir       string // Encrypted history and its key
	ConfigDirs    []string
	PolicyDirs    []string
	LogPath       string // zap JSON log
	StdoutPath    string // Supervisor capture of stdout
	StderrPath    string // Supervisor capture of stderr
}

// DetectPlatform returns the paths for the running OS.
func DetectPlatform() PlatformPaths {
	return PlatformFor(runtime.GOOS)
}

// PlatformFor returns the paths for goos. Anything but darwin gets the
// Linux/systemd layout.
func PlatformFor(goos string) PlatformPaths {
	if goos == "darwin" {
		return PlatformPaths{
			GOOS:          goos,
			Supervisor:    SupervisorLaunchd,
			InstallPath:   "/usr/local/bin/appblock",
			DescriptorDir: LaunchDaemonsDir,
			DataDir:       "/Library/Application Support/AppBlock",
			ConfigDirs:    []string{"/Library/Application Support/AppBlock", "/etc/appblock"},
			PolicyDirs:    []string{"/Library/Managed Preferences", "/Library/Application Support/AppBlock"},
			LogPath:       "/var/log/appblock.log",
			StdoutPath:    "/var/log/appblock.out.log",
			StderrPath:    "/var/log/appblock.err.log",
		}
	}
	return PlatformPaths{
		GOOS:          goos,
		Supervisor:    SupervisorSystemd,
		InstallPath:   "/usr/local/bin/appblock",
		DescriptorDir: SystemdUnitDir,
		DataDir:       "/var/lib/appblock",
		ConfigDirs:    []string{"/etc/appblock"},
		PolicyDirs:    []string{"/etc/appblock"},
		LogPath:       "/var/log/appblock.log",
		StdoutPath:    "/var/log/appblock.out.log",
		StderrPath:    "/var/log/appblock.err.log",
	}
}

// IsRoot reports whether the process runs with euid 0.
func IsRoot() bool {
	return os.Geteuid() == 0
}

// RequireRoot fails with ErrNotRoot unless running as root.
func RequireRoot() error {
	if !IsRoot() {
		return ErrNotRoot
	}
	return nil
}

// NewSupervisor creates the supervisor for kind, resolving "auto" by platform.
// An empty descriptorDir uses the supervisor's standard directory.
func NewSupervisor(kind string, platform PlatformPaths, descriptorDir string, runner CommandRunner) (domain.ServiceSupervisor, error) {
	if kind == "" || kind == SupervisorAuto {
		kind = platform.Supervisor
	}
	switch kind {
	case SupervisorLaunchd:
		return NewLaunchdSupervisor(descriptorDir, runner), nil
	case SupervisorSystemd:
		return NewSystemdSupervisor(descriptorDir, runner), nil
	default:
		return nil, fmt.Errorf("unknown supervisor %q", kind)
	}
}
