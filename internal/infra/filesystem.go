package infra

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/eliteGoblin/focusd/app_block/internal/domain"
)

// FileSystemManagerImpl implements domain.FileSystemManager.
type FileSystemManagerImpl struct{}

// NewFileSystemManager creates a new filesystem manager.
func NewFileSystemManager() domain.FileSystemManager {
	return &FileSystemManagerImpl{}
}

// Exists checks if a path exists (without following a final symlink).
func (fm *FileSystemManagerImpl) Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// Delete removes an application bundle or file recursively.
// Unlike os.RemoveAll, a path that is already gone is reported.
func (fm *FileSystemManagerImpl) Delete(path string) error {
	if path == "" || path == "/" || !filepath.IsAbs(path) {
		return fmt.Errorf("refusing to delete %q", path)
	}
	if _, err := os.Lstat(path); err != nil {
		return err
	}
	return os.RemoveAll(path)
}

// SHA256 returns the hex content hash of the file at path.
func (fm *FileSystemManagerImpl) SHA256(path string) (string, error) {
	return computeSHA256(path)
}

// CopyAtomic copies src to dst so dst is never observed half-written.
func (fm *FileSystemManagerImpl) CopyAtomic(src, dst string, perm os.FileMode) error {
	return CopyFileAtomic(src, dst, perm)
}

// computeSHA256 calculates SHA256 hash of a file
func computeSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// FileSHA256 returns the hex SHA-256 of the file at path.
func FileSHA256(path string) (string, error) {
	return computeSHA256(path)
}

// CopyFileAtomic copies src to dst using atomic write pattern.
// Writes to temp file first, syncs, chmods, then renames so readers (and the
// supervisor) see either the old file or the complete new one.
func CopyFileAtomic(src, dst string, perm os.FileMode) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	// Create temp file in same directory for atomic rename
	dstDir := filepath.Dir(dst)
	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return err
	}
	tmpFile, err := os.CreateTemp(dstDir, ".appblock-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	// Clean up temp file on any error
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err = io.Copy(tmpFile, sourceFile); err != nil {
		tmpFile.Close()
		return err
	}

	// Sync to disk before rename
	if err = tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	if err = tmpFile.Close(); err != nil {
		return err
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		return err
	}

	if err = os.Rename(tmpPath, dst); err != nil {
		return err
	}

	success = true
	return nil
}

// Ensure FileSystemManagerImpl implements domain.FileSystemManager.
var _ domain.FileSystemManager = (*FileSystemManagerImpl)(nil)
