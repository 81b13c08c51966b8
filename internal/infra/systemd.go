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

// SystemdUnitDir is where administrator units live.
const SystemdUnitDir = "/etc/systemd/system"

const unitTemplate = `[Unit]
Description=Application launch blocker ({{.Label}})
After=local-fs.target

[Service]
Type=simple
ExecStart={{quote .ProgramPath}}{{range .Arguments}} {{quote .}}{{end}}
{{- if .KeepAlive}}
Restart=always
RestartSec=2
{{- else}}
Restart=no
{{- end}}
{{- if .LogPath}}
StandardOutput=append:{{.LogPath}}
{{- end}}
{{- if .ErrorLogPath}}
StandardError=append:{{.ErrorLogPath}}
{{- end}}
{{- if .RunAtLoad}}

[Install]
WantedBy=multi-user.target
{{- end}}
`

var unitTmpl = template.Must(template.New("unit").Funcs(template.FuncMap{
	"quote": systemdQuote,
}).Parse(unitTemplate))

// systemdQuote quotes a word for ExecStart when it contains whitespace or quotes.
func systemdQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\"'\\") {
		return s
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// SystemdSupervisor implements domain.ServiceSupervisor with a unit file and systemctl.
type SystemdSupervisor struct {
	dir     string
	runner  CommandRunner
	timeout time.Duration
}

// NewSystemdSupervisor creates a supervisor writing units into dir.
func NewSystemdSupervisor(dir string, runner CommandRunner) *SystemdSupervisor {
	if dir == "" {
		dir = SystemdUnitDir
	}
	return &SystemdSupervisor{dir: dir, runner: runner, timeout: 30 * time.Second}
}

// RenderUnit generates the unit file content for desc.
func RenderUnit(desc domain.ServiceDescriptor) ([]byte, error) {
	var buf bytes.Buffer
	if err := unitTmpl.Execute(&buf, desc); err != nil {
		return nil, fmt.Errorf("failed to execute unit template: %w", err)
	}
	return buf.Bytes(), nil
}

func unitName(label string) string {
	return label + ".service"
}

// DescriptorPath returns the unit file path for label.
func (s *SystemdSupervisor) DescriptorPath(label string) string {
	return filepath.Join(s.dir, unitName(label))
}

// IsRegistered checks if the unit file is present.
func (s *SystemdSupervisor) IsRegistered(label string) bool {
	_, err := os.Stat(s.DescriptorPath(label))
	return err == nil
}

// NeedsUpdate checks if the unit on disk differs from what desc renders to.
func (s *SystemdSupervisor) NeedsUpdate(desc domain.ServiceDescriptor) bool {
	current, err := os.ReadFile(s.DescriptorPath(desc.Label))
	if err != nil {
		return true
	}
	expected, err := RenderUnit(desc)
	if err != nil {
		return true
	}
	return !bytes.Equal(current, expected)
}

// Write renders desc, replaces the unit and reloads systemd.
func (s *SystemdSupervisor) Write(desc domain.ServiceDescriptor) error {
	content, err := RenderUnit(desc)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.DescriptorPath(desc.Label), content, 0644); err != nil {
		return err
	}
	return s.daemonReload()
}

// Remove disables and deletes the unit.
func (s *SystemdSupervisor) Remove(label string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	_, _ = s.runner.Run(ctx, "systemctl", "disable", unitName(label))
	if err := os.Remove(s.DescriptorPath(label)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return s.daemonReload()
}

// Start enables and starts the unit.
func (s *SystemdSupervisor) Start(label string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.runner.Run(ctx, "systemctl", "enable", "--now", unitName(label)); err != nil {
		return fmt.Errorf("failed to start %s: %w", label, err)
	}
	return nil
}

// Stop stops the unit. Not running is not an error.
func (s *SystemdSupervisor) Stop(label string) error {
	if !s.IsRunning(label) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.runner.Run(ctx, "systemctl", "stop", unitName(label)); err != nil {
		return fmt.Errorf("failed to stop %s: %w", label, err)
	}
	return nil
}

// IsRunning reports whether systemd considers the unit active.
func (s *SystemdSupervisor) IsRunning(label string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	out, err := s.runner.Run(ctx, "systemctl", "is-active", unitName(label))
	return err == nil && strings.TrimSpace(out) == "active"
}

func (s *SystemdSupervisor) daemonReload() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.runner.Run(ctx, "systemctl", "daemon-reload"); err != nil {
		return fmt.Errorf("failed to reload systemd: %w", err)
	}
	return nil
}

// Ensure SystemdSupervisor implements domain.ServiceSupervisor.
var _ domain.ServiceSupervisor = (*SystemdSupervisor)(nil)
