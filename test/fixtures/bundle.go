// Package fixtures provides test helpers for integration tests.
package fixtures

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"howett.net/plist"
)

// FakeBundle creates a directory structure mimicking a macOS .app bundle.
type FakeBundle struct {
	Dir        string // Parent directory, e.g. a temp Applications folder
	Name       string // Bundle name without .app
	Identifier string // CFBundleIdentifier
	IconFile   string // Optional CFBundleIconFile
}

// NewFakeBundle creates a new fake bundle generator.
func NewFakeBundle(dir, name, identifier string) *FakeBundle {
	return &FakeBundle{Dir: dir, Name: name, Identifier: identifier}
}

// Path returns the bundle directory.
func (b *FakeBundle) Path() string {
	return filepath.Join(b.Dir, b.Name+".app")
}

// Executable returns Contents/MacOS/<Name>.
func (b *FakeBundle) Executable() string {
	return filepath.Join(b.Path(), "Contents", "MacOS", b.Name)
}

// Create writes Info.plist and a placeholder executable.
func (b *FakeBundle) Create() error {
	return b.create(func(dst string) error {
		return os.WriteFile(dst, []byte("#!/bin/sh\nexec sleep 60\n"), 0755)
	})
}

// CreateFrom writes Info.plist and copies program (e.g. /bin/sleep) in as
// the bundle executable, so a launched process reports the bundle path.
func (b *FakeBundle) CreateFrom(program string) error {
	return b.create(func(dst string) error {
		return copyExecutable(program, dst)
	})
}

func (b *FakeBundle) create(writeExe func(dst string) error) error {
	for _, dir := range []string{
		filepath.Join(b.Path(), "Contents", "MacOS"),
		filepath.Join(b.Path(), "Contents", "Resources"),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	info := map[string]string{
		"CFBundleIdentifier": b.Identifier,
		"CFBundleName":       b.Name,
	}
	if b.IconFile != "" {
		info["CFBundleIconFile"] = b.IconFile
		icon := filepath.Join(b.Path(), "Contents", "Resources", b.IconFile)
		if err := os.WriteFile(icon, []byte("icns"), 0644); err != nil {
			return err
		}
	}
	data, err := plist.Marshal(info, plist.XMLFormat)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(b.Path(), "Contents", "Info.plist"), data, 0644); err != nil {
		return err
	}
	return writeExe(b.Executable())
}

// Launch starts the bundle executable with args. The caller owns the process.
func (b *FakeBundle) Launch(args ...string) (*exec.Cmd, error) {
	cmd := exec.Command(b.Executable(), args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launch %s: %w", b.Name, err)
	}
	return cmd, nil
}

// Exists checks if the bundle directory exists.
func (b *FakeBundle) Exists() bool {
	_, err := os.Stat(b.Path())
	return err == nil
}

// Cleanup removes the bundle.
func (b *FakeBundle) Cleanup() error {
	return os.RemoveAll(b.Path())
}

func copyExecutable(src, dst string) error {
	resolved, err := exec.LookPath(src)
	if err != nil {
		return err
	}
	in, err := os.Open(resolved)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
