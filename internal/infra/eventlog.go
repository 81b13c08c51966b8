package infra

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_block/internal/domain"
)

// DefaultEventLogPath matches where administrators already look for AppBlocker output.
const DefaultEventLogPath = "/var/log/AppBlocker.log"

// EventLog is an append-only JSONL file, one EnforcementRecord per line.
// The file is opened per record so log rotation by newsyslog/logrotate is
// picked up without signalling the service.
type EventLog struct {
	path string
	mu   sync.Mutex
}

// NewEventLog creates an event log at path.
func NewEventLog(path string) *EventLog {
	return &EventLog{path: path}
}

// Path returns the log file location.
func (l *EventLog) Path() string {
	return l.path
}

// Record appends record. ID and Timestamp are filled in when empty.
// Any failure wraps domain.ErrLogWriteFailed.
func (l *EventLog) Record(_ context.Context, record domain.EnforcementRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", domain.ErrLogWriteFailed, err)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrLogWriteFailed, err)
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrLogWriteFailed, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrLogWriteFailed, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", domain.ErrLogWriteFailed, err)
	}
	return nil
}

// ReadEventLog returns every record in the file, oldest first.
// Lines that do not parse are skipped.
func ReadEventLog(path string) ([]domain.EnforcementRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []domain.EnforcementRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var r domain.EnforcementRecord
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			continue
		}
		records = append(records, r)
	}
	return records, scanner.Err()
}

// MultiRecorder writes to the authoritative event log and mirrors into
// secondary recorders (history). Only the primary's error is returned.
type MultiRecorder struct {
	primary   domain.EventRecorder
	secondary []domain.EventRecorder
	logger    *zap.Logger
}

// NewMultiRecorder creates a fan-out recorder.
func NewMultiRecorder(primary domain.EventRecorder, logger *zap.Logger, secondary ...domain.EventRecorder) *MultiRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MultiRecorder{primary: primary, secondary: secondary, logger: logger}
}

// Record assigns the id once so every sink stores the same record.
func (m *MultiRecorder) Record(ctx context.Context, record domain.EnforcementRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}

	err := m.primary.Record(ctx, record)

	for _, s := range m.secondary {
		if serr := s.Record(ctx, record); serr != nil {
			m.logger.Warn("failed to mirror enforcement record",
				zap.String("id", record.ID),
				zap.Error(serr))
		}
	}
	return err
}

var (
	_ domain.EventRecorder = (*EventLog)(nil)
	_ domain.EventRecorder = (*MultiRecorder)(nil)
)
