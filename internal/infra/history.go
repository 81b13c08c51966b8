package infra

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	// Ensure sqlcipher driver is registered.
	_ "github.com/mutecomm/go-sqlcipher/v4"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_block/internal/domain"
)

const historyDBName = "history.db"

// EncryptedHistory implements domain.HistoryStore using a SQLCipher
// encrypted SQLite database.
type EncryptedHistory struct {
	db     *sql.DB
	dbPath string
}

// NewEncryptedHistory opens (or creates) the history database in dataDir.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewEncryptedHistory(dataDir string, key []byte) (*EncryptedHistory, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, historyDBName)
	keyHex := hex.EncodeToString(key)

	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}

	// A wrong key only shows up on first access
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	h := &EncryptedHistory{db: db, dbPath: dbPath}
	if err := h.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return h, nil
}

func (h *EncryptedHistory) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS enforcement (
		id TEXT PRIMARY KEY,
		ts INTEGER NOT NULL,
		domain TEXT NOT NULL,
		identifier TEXT NOT NULL,
		display_name TEXT NOT NULL,
		pid INTEGER NOT NULL,
		package_path TEXT DEFAULT '',
		actions TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS enforcement_ts ON enforcement (ts);
	`
	_, err := h.db.Exec(schema)
	return err
}

// Record stores one enforcement record.
func (h *EncryptedHistory) Record(ctx context.Context, record domain.EnforcementRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}

	actions, err := json.Marshal(record.Actions)
	if err != nil {
		return err
	}

	_, err = h.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO enforcement (id, ts, domain, identifier, display_name, pid, package_path, actions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.Timestamp.UnixNano(), record.Domain, record.Identifier,
		record.DisplayName, record.PID, record.PackagePath, string(actions),
	)
	return err
}

// Recent returns up to limit records, newest first.
func (h *EncryptedHistory) Recent(ctx context.Context, limit int) ([]domain.EnforcementRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, ts, domain, identifier, display_name, pid, package_path, actions
		FROM enforcement ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.EnforcementRecord
	for rows.Next() {
		var r domain.EnforcementRecord
		var ts int64
		var actions string
		if err := rows.Scan(&r.ID, &ts, &r.Domain, &r.Identifier, &r.DisplayName,
			&r.PID, &r.PackagePath, &actions); err != nil {
			return nil, err
		}
		r.Timestamp = time.Unix(0, ts).UTC()
		if err := json.Unmarshal([]byte(actions), &r.Actions); err != nil {
			return nil, fmt.Errorf("record %s: %w", r.ID, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Prune deletes records older than the cutoff.
func (h *EncryptedHistory) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := h.db.ExecContext(ctx, `DELETE FROM enforcement WHERE ts < ?`, olderThan.UnixNano())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Path returns the database file path.
func (h *EncryptedHistory) Path() string {
	return h.dbPath
}

// Close releases the database connection.
func (h *EncryptedHistory) Close() error {
	if h.db != nil {
		return h.db.Close()
	}
	return nil
}

// OpenHistory opens the encrypted history in dataDir, creating its key on first use.
func OpenHistory(dataDir string) (*EncryptedHistory, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	key, err := NewFileKeyProvider(filepath.Join(dataDir, historyDBName)).Ensure()
	if err != nil {
		return nil, fmt.Errorf("history key: %w", err)
	}
	return NewEncryptedHistory(dataDir, key)
}

// HistoryPruner deletes old history on a cron schedule.
type HistoryPruner struct {
	store     domain.HistoryStore
	schedule  string
	retention time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewHistoryPruner creates a pruner. schedule uses standard 5-field cron syntax.
func NewHistoryPruner(store domain.HistoryStore, schedule string, retention time.Duration, logger *zap.Logger) *HistoryPruner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryPruner{
		store:     store,
		schedule:  schedule,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

// PruneOnce removes records older than the retention window.
func (p *HistoryPruner) PruneOnce(ctx context.Context) (int64, error) {
	cutoff := p.now().Add(-p.retention)
	n, err := p.store.Prune(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.logger.Info("pruned enforcement history",
			zap.Int64("deleted", n),
			zap.Time("cutoff", cutoff))
	}
	return n, nil
}

// Run schedules pruning and blocks until ctx is cancelled.
func (p *HistoryPruner) Run(ctx context.Context) error {
	if p.schedule == "" || p.retention <= 0 {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(p.schedule, func() {
		if _, err := p.PruneOnce(ctx); err != nil {
			p.logger.Warn("history prune failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("invalid prune schedule %q: %w", p.schedule, err)
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// Ensure EncryptedHistory implements domain.HistoryStore.
var _ domain.HistoryStore = (*EncryptedHistory)(nil)
