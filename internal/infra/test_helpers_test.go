package infra

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"howett.net/plist"
)

// fakeRunner is a test double for CommandRunner and CommandLauncher.
// Responses are keyed by the full command line; unknown commands succeed
// with empty output. Launched helpers exit cleanly at once unless launchFn
// says otherwise.
type fakeRunner struct {
	mu        sync.Mutex
	calls     []string
	outputs   map[string]string
	failures  map[string]error
	defaultFn func(line string) (string, error)
	launchFn  func(line string) (<-chan error, error)
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		outputs:  make(map[string]string),
		failures: make(map[string]error),
	}
}

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	line := strings.Join(append([]string{name}, args...), " ")

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, line)

	if err, ok := r.failures[line]; ok {
		return r.outputs[line], err
	}
	if out, ok := r.outputs[line]; ok {
		return out, nil
	}
	if r.defaultFn != nil {
		return r.defaultFn(line)
	}
	return "", nil
}

func (r *fakeRunner) Launch(name string, args ...string) (<-chan error, error) {
	line := strings.Join(append([]string{name}, args...), " ")

	r.mu.Lock()
	r.calls = append(r.calls, line)
	launchFn := r.launchFn
	r.mu.Unlock()

	if launchFn != nil {
		return launchFn(line)
	}
	return exitAfter(0, nil), nil
}

// exitAfter returns an exit channel that fires err after d.
func exitAfter(d time.Duration, err error) <-chan error {
	exited := make(chan error, 1)
	if d <= 0 {
		exited <- err
		return exited
	}
	go func() {
		time.Sleep(d)
		exited <- err
	}()
	return exited
}

func (r *fakeRunner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// makeBundle creates a minimal .app bundle under dir and returns its path
// and executable.
func makeBundle(t *testing.T, dir, name string, info BundleInfo) (bundle, exe string) {
	t.Helper()
	bundle = filepath.Join(dir, name+".app")
	macOS := filepath.Join(bundle, "Contents", "MacOS")
	require.NoError(t, os.MkdirAll(macOS, 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(bundle, "Contents", "Resources"), 0755))

	data, err := plist.Marshal(info, plist.XMLFormat)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(bundle, "Contents", "Info.plist"), data, 0644))

	exe = filepath.Join(macOS, name)
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\n"), 0755))
	return bundle, exe
}

var _ ExecHelper = (*fakeRunner)(nil)
