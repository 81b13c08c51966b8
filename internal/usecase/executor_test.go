package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_block/internal/domain"
)

func newTestExecutor(pm *mockProcessManager, fs *mockFileSystemManager, n *mockNotifier, r *mockRecorder, timeout time.Duration) *Executor {
	return NewExecutor(pm, fs, n, r, timeout, zap.NewNop())
}

func TestExecutor_TerminateProcess(t *testing.T) {
	pm := &mockProcessManager{}
	x := newTestExecutor(pm, &mockFileSystemManager{}, &mockNotifier{}, &mockRecorder{}, time.Second)

	err := x.TerminateProcess(context.Background(), 4242)

	assert.NoError(t, err)
	assert.Equal(t, []int{4242}, pm.killedPIDs)
}

func TestExecutor_TerminateProcess_NoSuchProcess(t *testing.T) {
	pm := &mockProcessManager{killErr: domain.ErrNoSuchProcess}
	x := newTestExecutor(pm, &mockFileSystemManager{}, &mockNotifier{}, &mockRecorder{}, time.Second)

	err := x.TerminateProcess(context.Background(), 4242)

	assert.ErrorIs(t, err, domain.ErrNoSuchProcess)
}

func TestExecutor_DeletePackage(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		fs := &mockFileSystemManager{}
		x := newTestExecutor(&mockProcessManager{}, fs, &mockNotifier{}, &mockRecorder{}, time.Second)

		assert.NoError(t, x.DeletePackage(context.Background(), "/Applications/Chess.app"))
		assert.Equal(t, []string{"/Applications/Chess.app"}, fs.deletedPaths)
	})

	t.Run("failure wraps ErrDeleteFailed", func(t *testing.T) {
		fs := &mockFileSystemManager{deleteErr: errors.New("permission denied")}
		x := newTestExecutor(&mockProcessManager{}, fs, &mockNotifier{}, &mockRecorder{}, time.Second)

		err := x.DeletePackage(context.Background(), "/Applications/Chess.app")
		assert.ErrorIs(t, err, domain.ErrDeleteFailed)
		assert.Contains(t, err.Error(), "permission denied")
	})
}

func TestExecutor_NotifyUser(t *testing.T) {
	t.Run("passes notification through", func(t *testing.T) {
		n := &mockNotifier{}
		x := newTestExecutor(&mockProcessManager{}, &mockFileSystemManager{}, n, &mockRecorder{}, time.Second)

		err := x.NotifyUser(context.Background(), "Chess blocked", "Not allowed", "/icon.icns")
		assert.NoError(t, err)
		assert.Equal(t, []domain.Notification{{Title: "Chess blocked", Message: "Not allowed", Icon: "/icon.icns"}}, n.sent)
	})

	t.Run("failure wraps ErrNotifyFailed", func(t *testing.T) {
		n := &mockNotifier{err: errors.New("no console user")}
		x := newTestExecutor(&mockProcessManager{}, &mockFileSystemManager{}, n, &mockRecorder{}, time.Second)

		err := x.NotifyUser(context.Background(), "t", "m", "")
		assert.ErrorIs(t, err, domain.ErrNotifyFailed)
	})
}

func TestExecutor_LogEvent(t *testing.T) {
	t.Run("records", func(t *testing.T) {
		r := &mockRecorder{}
		x := newTestExecutor(&mockProcessManager{}, &mockFileSystemManager{}, &mockNotifier{}, r, time.Second)

		err := x.LogEvent(context.Background(), domain.EnforcementRecord{Identifier: "com.apple.Chess"})
		assert.NoError(t, err)
		assert.Len(t, r.records, 1)
	})

	t.Run("failure wraps ErrLogWriteFailed", func(t *testing.T) {
		r := &mockRecorder{err: errors.New("read-only file system")}
		x := newTestExecutor(&mockProcessManager{}, &mockFileSystemManager{}, &mockNotifier{}, r, time.Second)

		err := x.LogEvent(context.Background(), domain.EnforcementRecord{})
		assert.ErrorIs(t, err, domain.ErrLogWriteFailed)
	})
}

func TestExecutor_ActionTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	pm := &mockProcessManager{killFn: func(int) error {
		<-release
		return nil
	}}
	n := &mockNotifier{fn: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	x := newTestExecutor(pm, &mockFileSystemManager{}, n, &mockRecorder{}, 20*time.Millisecond)

	start := time.Now()
	err := x.TerminateProcess(context.Background(), 1)
	assert.ErrorIs(t, err, domain.ErrActionTimedOut)
	assert.Less(t, time.Since(start), time.Second)

	err = x.NotifyUser(context.Background(), "t", "m", "")
	assert.ErrorIs(t, err, domain.ErrActionTimedOut)
}

func TestExecutor_ZeroTimeoutRunsInline(t *testing.T) {
	pm := &mockProcessManager{killFn: func(int) error {
		time.Sleep(30 * time.Millisecond)
		return nil
	}}
	x := newTestExecutor(pm, &mockFileSystemManager{}, &mockNotifier{}, &mockRecorder{}, 0)

	assert.NoError(t, x.TerminateProcess(context.Background(), 1))
}
