package infra

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/eliteGoblin/focusd/app_block/internal/domain"
)

// historyKeySize is the SQLCipher raw key length.
const historyKeySize = 32

var (
	// ErrKeyExposed means the key file is readable by group or others.
	ErrKeyExposed = errors.New("history key is readable by other users")

	// ErrKeyOrphaned means a history database exists but its key is gone;
	// a fresh key could never open it.
	ErrKeyOrphaned = errors.New("history database exists without its key")
)

// FileKeyProvider implements domain.KeyProvider for one history database.
// The key lives beside the database as <db>.key, base64 encoded, mode 0600.
type FileKeyProvider struct {
	dbPath  string
	keyPath string
}

// NewFileKeyProvider creates the key provider for the database at dbPath.
func NewFileKeyProvider(dbPath string) *FileKeyProvider {
	return &FileKeyProvider{dbPath: dbPath, keyPath: dbPath + ".key"}
}

// Path returns where the key is kept.
func (p *FileKeyProvider) Path() string {
	return p.keyPath
}

// GetKey reads the key, refusing one other users could have read.
func (p *FileKeyProvider) GetKey() ([]byte, error) {
	info, err := os.Lstat(p.keyPath)
	if err != nil {
		return nil, fmt.Errorf("history key %s: %w", p.keyPath, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("history key %s is not a regular file", p.keyPath)
	}
	if info.Mode().Perm()&0077 != 0 {
		return nil, fmt.Errorf("%w: %s has mode %04o", ErrKeyExposed, p.keyPath, info.Mode().Perm())
	}

	encoded, err := os.ReadFile(p.keyPath)
	if err != nil {
		return nil, fmt.Errorf("history key %s: %w", p.keyPath, err)
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(encoded)))
	if err != nil {
		return nil, fmt.Errorf("history key %s: %w", p.keyPath, err)
	}
	if len(key) != historyKeySize {
		return nil, fmt.Errorf("history key %s: %d bytes, want %d", p.keyPath, len(key), historyKeySize)
	}
	return key, nil
}

// StoreKey writes a new key. An existing key is never replaced since the
// database it opens would become unreadable.
func (p *FileKeyProvider) StoreKey(key []byte) error {
	if len(key) != historyKeySize {
		return fmt.Errorf("history key: %d bytes, want %d", len(key), historyKeySize)
	}
	if p.KeyExists() {
		return fmt.Errorf("history key %s already exists", p.keyPath)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := writeFileAtomic(p.keyPath, []byte(encoded), 0600); err != nil {
		return fmt.Errorf("history key %s: %w", p.keyPath, err)
	}
	return nil
}

// KeyExists reports whether the key file is present.
func (p *FileKeyProvider) KeyExists() bool {
	_, err := os.Lstat(p.keyPath)
	return err == nil
}

// Ensure returns the key, minting one only for a database that does not
// exist yet.
func (p *FileKeyProvider) Ensure() ([]byte, error) {
	if p.KeyExists() {
		return p.GetKey()
	}
	if _, err := os.Stat(p.dbPath); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyOrphaned, p.dbPath)
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := p.StoreKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

// GenerateKey returns a random history key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, historyKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate history key: %w", err)
	}
	return key, nil
}

var _ domain.KeyProvider = (*FileKeyProvider)(nil)
