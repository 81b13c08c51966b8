package infra

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_block/internal/domain"
)

// DefaultScanInterval is how often the process table is diffed.
const DefaultScanInterval = 500 * time.Millisecond

// ProcessInfo is the subset of a process table entry a scan needs.
type ProcessInfo struct {
	PID        int
	Exe        string
	CreateTime int64 // ms since epoch, distinguishes reused pids
}

// ProcessLister returns a snapshot of the process table.
type ProcessLister func(ctx context.Context) ([]ProcessInfo, error)

// ScanSource emits launch events for processes that appear between two
// snapshots of the process table. Processes present at subscription time
// are the baseline and are not reported.
type ScanSource struct {
	interval time.Duration
	list     ProcessLister
	resolver *BundleResolver
	logger   *zap.Logger
	now      func() time.Time
}

// NewScanSource creates a scan source backed by gopsutil.
func NewScanSource(interval time.Duration, logger *zap.Logger) *ScanSource {
	return newScanSource(interval, listProcesses, logger)
}

func newScanSource(interval time.Duration, list ProcessLister, logger *zap.Logger) *ScanSource {
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScanSource{
		interval: interval,
		list:     list,
		resolver: NewBundleResolver(),
		logger:   logger,
		now:      time.Now,
	}
}

// Subscribe takes the baseline snapshot and starts diffing.
func (s *ScanSource) Subscribe(ctx context.Context) (<-chan domain.LaunchEvent, <-chan error, error) {
	baseline, err := s.list(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("initial process scan: %w", err)
	}

	seen := make(map[procKey]struct{}, len(baseline))
	for _, p := range baseline {
		seen[keyOf(p)] = struct{}{}
	}

	events := make(chan domain.LaunchEvent)
	errs := make(chan error, 1)
	go s.loop(ctx, seen, events, errs)
	return events, errs, nil
}

type procKey struct {
	pid        int
	createTime int64
}

func keyOf(p ProcessInfo) procKey {
	return procKey{pid: p.PID, createTime: p.CreateTime}
}

func (s *ScanSource) loop(ctx context.Context, seen map[procKey]struct{}, events chan<- domain.LaunchEvent, errs chan<- error) {
	defer close(events)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snapshot, err := s.list(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			errs <- fmt.Errorf("process scan: %w", err)
			return
		}

		current := make(map[procKey]struct{}, len(snapshot))
		for _, p := range snapshot {
			k := keyOf(p)
			current[k] = struct{}{}
			if _, ok := seen[k]; ok {
				continue
			}

			id := s.resolver.Resolve(p.Exe)
			event := domain.LaunchEvent{
				Identifier:  id.Identifier,
				PID:         p.PID,
				PackagePath: id.PackagePath,
				DisplayName: id.DisplayName,
				ExecPath:    p.Exe,
				ObservedAt:  s.now(),
			}

			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
		seen = current
	}
}

// listProcesses reads the process table with gopsutil. Processes that exit
// mid-scan or whose executable cannot be read are still listed with an
// empty Exe so they surface as unresolvable launches.
func listProcesses(ctx context.Context) ([]ProcessInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	self := int32(os.Getpid())

	out := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		created, err := p.CreateTimeWithContext(ctx)
		if err != nil {
			continue // Already gone
		}
		exe, _ := p.ExeWithContext(ctx)
		out = append(out, ProcessInfo{PID: int(p.Pid), Exe: exe, CreateTime: created})
	}
	return out, nil
}

// Ensure ScanSource implements domain.LaunchSource.
var _ domain.LaunchSource = (*ScanSource)(nil)
