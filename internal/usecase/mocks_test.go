package usecase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sync"

	"github.com/eliteGoblin/focusd/app_block/internal/domain"
)

// mockPolicyStore implements domain.PolicyStore for testing
type mockPolicyStore struct {
	rules []domain.BlockRule
	err   error
	loads int
}

func (m *mockPolicyStore) LoadRules(domainID string) ([]domain.BlockRule, error) {
	m.loads++
	if m.err != nil {
		return nil, m.err
	}
	return m.rules, nil
}

// mockExecutor implements domain.ActionExecutor and records the call order
type mockExecutor struct {
	terminateErr error
	deleteErr    error
	notifyErr    error
	logErr       error

	calls        []domain.ActionKind
	killedPID    int
	deletedPath  string
	notification domain.Notification
	logged       *domain.EnforcementRecord
}

func (m *mockExecutor) TerminateProcess(ctx context.Context, pid int) error {
	m.calls = append(m.calls, domain.ActionTerminate)
	m.killedPID = pid
	return m.terminateErr
}

func (m *mockExecutor) DeletePackage(ctx context.Context, path string) error {
	m.calls = append(m.calls, domain.ActionDelete)
	m.deletedPath = path
	return m.deleteErr
}

func (m *mockExecutor) NotifyUser(ctx context.Context, title, message string, icon domain.IconHandle) error {
	m.calls = append(m.calls, domain.ActionNotify)
	m.notification = domain.Notification{Title: title, Message: message, Icon: icon}
	return m.notifyErr
}

func (m *mockExecutor) LogEvent(ctx context.Context, record domain.EnforcementRecord) error {
	m.calls = append(m.calls, domain.ActionLog)
	r := record
	m.logged = &r
	return m.logErr
}

// mockProcessManager implements domain.ProcessManager for testing
type mockProcessManager struct {
	killErr    error
	killFn     func(pid int) error
	killedPIDs []int
}

func (m *mockProcessManager) Kill(pid int) error {
	if m.killFn != nil {
		return m.killFn(pid)
	}
	if m.killErr != nil {
		return m.killErr
	}
	m.killedPIDs = append(m.killedPIDs, pid)
	return nil
}

func (m *mockProcessManager) IsRunning(pid int) bool {
	return false
}

// mockFileSystemManager implements domain.FileSystemManager for testing
type mockFileSystemManager struct {
	deleteErr    error
	deletedPaths []string
}

func (m *mockFileSystemManager) Exists(path string) bool {
	return false
}

func (m *mockFileSystemManager) Delete(path string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.deletedPaths = append(m.deletedPaths, path)
	return nil
}

func (m *mockFileSystemManager) SHA256(path string) (string, error) {
	return "", os.ErrNotExist
}

func (m *mockFileSystemManager) CopyAtomic(src, dst string, perm os.FileMode) error {
	return errors.New("not supported")
}

// mockNotifier implements domain.Notifier for testing
type mockNotifier struct {
	err  error
	fn   func(ctx context.Context) error
	sent []domain.Notification
}

func (m *mockNotifier) Notify(ctx context.Context, n domain.Notification) error {
	if m.fn != nil {
		return m.fn(ctx)
	}
	m.sent = append(m.sent, n)
	return m.err
}

// mockRecorder implements domain.EventRecorder for testing
type mockRecorder struct {
	err     error
	records []domain.EnforcementRecord
}

func (m *mockRecorder) Record(ctx context.Context, record domain.EnforcementRecord) error {
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, record)
	return nil
}

// mockSupervisor implements domain.ServiceSupervisor in memory
type mockSupervisor struct {
	mu          sync.Mutex
	descriptors map[string]domain.ServiceDescriptor
	running     map[string]bool
	startErrs   []error // Consumed one per Start call
	writeErr    error
	stopErr     error
	calls       []string
	onStart     func(label string) // Observes the host at Start time
	onStop      func(label string) // Observes the host at Stop time
}

func newMockSupervisor() *mockSupervisor {
	return &mockSupervisor{
		descriptors: make(map[string]domain.ServiceDescriptor),
		running:     make(map[string]bool),
	}
}

func (m *mockSupervisor) record(call string) {
	m.calls = append(m.calls, call)
}

func (m *mockSupervisor) DescriptorPath(label string) string {
	return "/mock/" + label
}

func (m *mockSupervisor) IsRegistered(label string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.descriptors[label]
	return ok
}

func (m *mockSupervisor) NeedsUpdate(desc domain.ServiceDescriptor) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.descriptors[desc.Label]
	return !ok || !reflect.DeepEqual(current, desc)
}

func (m *mockSupervisor) Write(desc domain.ServiceDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("write")
	if m.writeErr != nil {
		return m.writeErr
	}
	m.descriptors[desc.Label] = desc
	return nil
}

func (m *mockSupervisor) Remove(label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("remove")
	delete(m.descriptors, label)
	return nil
}

func (m *mockSupervisor) Start(label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("start")
	if m.onStart != nil {
		m.onStart(label)
	}
	if len(m.startErrs) > 0 {
		err := m.startErrs[0]
		m.startErrs = m.startErrs[1:]
		if err != nil {
			return err
		}
	}
	m.running[label] = true
	return nil
}

func (m *mockSupervisor) Stop(label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("stop")
	if m.onStop != nil {
		m.onStop(label)
	}
	if m.stopErr != nil {
		return m.stopErr
	}
	m.running[label] = false
	return nil
}

func (m *mockSupervisor) IsRunning(label string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running[label]
}

func (m *mockSupervisor) String() string {
	return fmt.Sprint(m.calls)
}

var (
	_ domain.PolicyStore       = (*mockPolicyStore)(nil)
	_ domain.ActionExecutor    = (*mockExecutor)(nil)
	_ domain.ProcessManager    = (*mockProcessManager)(nil)
	_ domain.FileSystemManager = (*mockFileSystemManager)(nil)
	_ domain.Notifier          = (*mockNotifier)(nil)
	_ domain.EventRecorder     = (*mockRecorder)(nil)
	_ domain.ServiceSupervisor = (*mockSupervisor)(nil)
)
