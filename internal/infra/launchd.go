package infra

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/eliteGoblin/focusd/app_block/internal/domain"
)

// LaunchDaemonsDir is where system-wide launchd jobs live.
const LaunchDaemonsDir = "/Library/LaunchDaemons"

// launchDaemonTemplate renders a root LaunchDaemon.
const launchDaemonTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{xml .Label}}</string>

    <key>ProgramArguments</key>
    <array>
        <string>{{xml .ProgramPath}}</string>
{{- range .Arguments}}
        <string>{{xml .}}</string>
{{- end}}
    </array>

    <key>RunAtLoad</key>
    {{if .RunAtLoad}}<true/>{{else}}<false/>{{end}}

    <key>KeepAlive</key>
    {{if .KeepAlive}}<true/>{{else}}<false/>{{end}}
{{- if .LogPath}}

    <key>StandardOutPath</key>
    <string>{{xml .LogPath}}</string>
{{- end}}
{{- if .ErrorLogPath}}

    <key>StandardErrorPath</key>
    <string>{{xml .ErrorLogPath}}</string>
{{- end}}

    <key>ThrottleInterval</key>
    <integer>10</integer>
</dict>
</plist>
`

var plistTmpl = template.Must(template.New("plist").Funcs(template.FuncMap{
	"xml": xmlEscape,
}).Parse(launchDaemonTemplate))

func xmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "'", "&apos;")
	return r.Replace(s)
}

// LaunchdSupervisor implements domain.ServiceSupervisor with a LaunchDaemon
// plist and launchctl in the system domain.
type LaunchdSupervisor struct {
	dir     string
	runner  CommandRunner
	timeout time.Duration
}

// NewLaunchdSupervisor creates a supervisor writing plists into dir.
func NewLaunchdSupervisor(dir string, runner CommandRunner) *LaunchdSupervisor {
	if dir == "" {
		dir = LaunchDaemonsDir
	}
	return &LaunchdSupervisor{dir: dir, runner: runner, timeout: 30 * time.Second}
}

// RenderPlist generates the plist content for desc.
func RenderPlist(desc domain.ServiceDescriptor) ([]byte, error) {
	var buf bytes.Buffer
	if err := plistTmpl.Execute(&buf, desc); err != nil {
		return nil, fmt.Errorf("failed to execute plist template: %w", err)
	}
	return buf.Bytes(), nil
}

// DescriptorPath returns the plist path for label.
func (s *LaunchdSupervisor) DescriptorPath(label string) string {
	return filepath.Join(s.dir, label+".plist")
}

// IsRegistered checks if the plist is present.
func (s *LaunchdSupervisor) IsRegistered(label string) bool {
	_, err := os.Stat(s.DescriptorPath(label))
	return err == nil
}

// NeedsUpdate checks if the plist on disk differs from what desc renders to.
func (s *LaunchdSupervisor) NeedsUpdate(desc domain.ServiceDescriptor) bool {
	current, err := os.ReadFile(s.DescriptorPath(desc.Label))
	if err != nil {
		return true
	}
	expected, err := RenderPlist(desc)
	if err != nil {
		return true
	}
	return !bytes.Equal(current, expected)
}

// Write renders desc and replaces the plist atomically.
func (s *LaunchdSupervisor) Write(desc domain.ServiceDescriptor) error {
	content, err := RenderPlist(desc)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.DescriptorPath(desc.Label), content, 0644)
}

// Remove deletes the plist.
func (s *LaunchdSupervisor) Remove(label string) error {
	if err := os.Remove(s.DescriptorPath(label)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Start bootstraps the job into the system domain and kicks it.
// An already loaded job only gets kickstarted.
func (s *LaunchdSupervisor) Start(label string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	target := "system/" + label
	if !s.isLoaded(ctx, label) {
		if _, err := s.runner.Run(ctx, "launchctl", "bootstrap", "system", s.DescriptorPath(label)); err != nil {
			return fmt.Errorf("failed to bootstrap %s: %w", label, err)
		}
	}
	if _, err := s.runner.Run(ctx, "launchctl", "enable", target); err != nil {
		return fmt.Errorf("failed to enable %s: %w", label, err)
	}
	if _, err := s.runner.Run(ctx, "launchctl", "kickstart", target); err != nil {
		return fmt.Errorf("failed to kickstart %s: %w", label, err)
	}
	return nil
}

// Stop boots the job out of the system domain. Not loaded is not an error.
func (s *LaunchdSupervisor) Stop(label string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if !s.isLoaded(ctx, label) {
		return nil
	}
	if _, err := s.runner.Run(ctx, "launchctl", "bootout", "system/"+label); err != nil {
		return fmt.Errorf("failed to bootout %s: %w", label, err)
	}
	return nil
}

// IsRunning reports whether launchd has a live pid for the job.
func (s *LaunchdSupervisor) IsRunning(label string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	out, err := s.runner.Run(ctx, "launchctl", "print", "system/"+label)
	if err != nil {
		return false
	}
	return strings.Contains(out, "state = running")
}

func (s *LaunchdSupervisor) isLoaded(ctx context.Context, label string) bool {
	_, err := s.runner.Run(ctx, "launchctl", "print", "system/"+label)
	return err == nil
}

// writeFileAtomic writes data to a temp file next to path and renames it over.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".appblock-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// Ensure LaunchdSupervisor implements domain.ServiceSupervisor.
var _ domain.ServiceSupervisor = (*LaunchdSupervisor)(nil)
