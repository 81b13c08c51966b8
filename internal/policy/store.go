package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_block/internal/domain"
)

// ManagedPreferencesDir is where MDM configuration profiles land on macOS.
const ManagedPreferencesDir = "/Library/Managed Preferences"

// DefaultMaxAge bounds how long a cached rule set is trusted without re-reading.
const DefaultMaxAge = 30 * time.Second

// StoreConfig configures a FileStore.
type StoreConfig struct {
	Dirs   []string      // Searched in order for <domain>.<ext>
	MaxAge time.Duration // Cache bound; 0 re-reads on every call
}

// DefaultStoreConfig returns the lookup order used by the service.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Dirs:   []string{ManagedPreferencesDir, "/etc/appblock"},
		MaxAge: DefaultMaxAge,
	}
}

type cacheEntry struct {
	path     string
	modTime  time.Time
	size     int64
	loadedAt time.Time
	rules    []domain.BlockRule
}

// FileStore implements domain.PolicyStore over policy documents on disk.
// It keeps the last successfully parsed set per domain and re-reads when the
// document changes, an fsnotify event arrives, or MaxAge elapses.
type FileStore struct {
	config StoreConfig
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]*cacheEntry
}

// NewFileStore creates a policy store.
func NewFileStore(config StoreConfig, logger *zap.Logger) *FileStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{
		config: config,
		logger: logger,
		now:    time.Now,
		cache:  make(map[string]*cacheEntry),
	}
}

// LoadRules returns the ordered rule set for domainID.
func (s *FileStore) LoadRules(domainID string) ([]domain.BlockRule, error) {
	path, info, err := s.locate(domainID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.cache[domainID]; ok && s.fresh(entry, path, info) {
		return cloneRules(entry.rules), nil
	}

	format, err := FormatForPath(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPolicyUnavailable, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrPolicyUnavailable, path, err)
	}

	rules, err := Decode(data, format)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", domain.ErrPolicyUnavailable, path, err)
	}

	s.cache[domainID] = &cacheEntry{
		path:     path,
		modTime:  info.ModTime(),
		size:     info.Size(),
		loadedAt: s.now(),
		rules:    rules,
	}

	s.logger.Debug("policy loaded",
		zap.String("domain", domainID),
		zap.String("path", path),
		zap.Int("rules", len(rules)))

	return cloneRules(rules), nil
}

// LastGood returns the last successfully parsed set and where it came from.
func (s *FileStore) LastGood(domainID string) ([]domain.BlockRule, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.cache[domainID]
	if !ok {
		return nil, "", false
	}
	return cloneRules(entry.rules), entry.path, true
}

// Invalidate drops every cached rule set.
func (s *FileStore) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]*cacheEntry)
}

// Locate returns the document path that would be used for domainID.
func (s *FileStore) Locate(domainID string) (string, error) {
	path, _, err := s.locate(domainID)
	return path, err
}

func (s *FileStore) locate(domainID string) (string, os.FileInfo, error) {
	if domainID == "" {
		return "", nil, fmt.Errorf("%w: empty domain", domain.ErrPolicyUnavailable)
	}

	for _, dir := range s.config.Dirs {
		for _, ext := range SupportedExtensions {
			path := filepath.Join(dir, domainID+ext)
			info, err := os.Stat(path)
			if err == nil && !info.IsDir() {
				return path, info, nil
			}
		}
	}

	return "", nil, fmt.Errorf("%w: no document for %s in %v",
		domain.ErrPolicyUnavailable, domainID, s.config.Dirs)
}

func (s *FileStore) fresh(entry *cacheEntry, path string, info os.FileInfo) bool {
	if entry.path != path || !entry.modTime.Equal(info.ModTime()) || entry.size != info.Size() {
		return false
	}
	if s.config.MaxAge <= 0 {
		return false
	}
	return s.now().Sub(entry.loadedAt) < s.config.MaxAge
}

// Watch invalidates the cache whenever a policy directory changes.
// Blocks until ctx is cancelled. Directories that do not exist are skipped.
func (s *FileStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	watched := 0
	for _, dir := range s.config.Dirs {
		if err := watcher.Add(dir); err != nil {
			s.logger.Debug("policy dir not watched", zap.String("dir", dir), zap.Error(err))
			continue
		}
		watched++
	}
	if watched == 0 {
		return errors.New("no policy directory could be watched")
	}

	s.logger.Info("policy watcher started", zap.Strings("dirs", s.config.Dirs))

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if event.Op&fsnotify.Chmod == fsnotify.Chmod {
				continue
			}
			s.logger.Debug("policy change detected",
				zap.String("path", event.Name),
				zap.String("op", event.Op.String()))
			s.Invalidate()

		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			s.logger.Warn("policy watcher error", zap.Error(err))
		}
	}
}

func cloneRules(rules []domain.BlockRule) []domain.BlockRule {
	out := make([]domain.BlockRule, len(rules))
	copy(out, rules)
	return out
}

// Ensure FileStore implements domain.PolicyStore.
var _ domain.PolicyStore = (*FileStore)(nil)
