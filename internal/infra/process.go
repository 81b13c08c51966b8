// Package infra implements infrastructure concerns (process, filesystem, supervisors, sources).
package infra

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/eliteGoblin/focusd/app_block/internal/domain"
)

// ProcessManagerImpl implements domain.ProcessManager using gopsutil.
type ProcessManagerImpl struct{}

// NewProcessManager creates a new process manager.
func NewProcessManager() domain.ProcessManager {
	return &ProcessManagerImpl{}
}

// Kill terminates a process by PID using SIGKILL.
// A pid that is already gone yields domain.ErrNoSuchProcess.
func (pm *ProcessManagerImpl) Kill(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("%w: invalid pid %d", domain.ErrNoSuchProcess, pid)
	}

	exists, err := process.PidExists(int32(pid))
	if err == nil && !exists {
		return fmt.Errorf("%w: pid %d", domain.ErrNoSuchProcess, pid)
	}

	p, err := process.NewProcess(int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return fmt.Errorf("%w: pid %d", domain.ErrNoSuchProcess, pid)
		}
		return err
	}

	if err := p.Kill(); err != nil {
		// Exited between the lookup and the signal.
		if errors.Is(err, syscall.ESRCH) || errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("%w: pid %d", domain.ErrNoSuchProcess, pid)
		}
		return err
	}
	return nil
}

// IsRunning checks if a PID exists and is running.
func (pm *ProcessManagerImpl) IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	// On Unix, FindProcess always succeeds
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Send signal 0 to check if process exists
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}

// Ensure ProcessManagerImpl implements domain.ProcessManager.
var _ domain.ProcessManager = (*ProcessManagerImpl)(nil)
