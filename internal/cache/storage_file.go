package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

const (
	blobSuffix        = ".json"
	lockTimeout       = 5 * time.Second
	lockRetryInterval = 100 * time.Millisecond
)

// FileStorage stores each blob as <dir>/<service>/<account>.json, readable
// only by the owner. Lock takes a cross-process advisory lock next to the blob.
type FileStorage struct {
	dir string
}

// NewFileStorage returns a FileStorage rooted at dir.
func NewFileStorage(dir string) *FileStorage {
	return &FileStorage{dir: dir}
}

// DefaultFileStorageDir returns the cache directory, honoring OIDCAUTH_CACHE_DIR.
func DefaultFileStorageDir() string {
	if p := os.Getenv("OIDCAUTH_CACHE_DIR"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".oidcauth"
	}
	return filepath.Join(home, ".oidcauth", "cache")
}

func (f *FileStorage) path(service, account string) (string, error) {
	for _, part := range []string{service, account} {
		if part == "" || strings.ContainsAny(part, `/\`) || part == "." || part == ".." {
			return "", fmt.Errorf("invalid storage key %q", part)
		}
	}
	return filepath.Join(f.dir, service, account+blobSuffix), nil
}

func (f *FileStorage) Get(service, account string) ([]byte, error) {
	p, err := f.path(service, account)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p) //nolint:gosec // path is built from validated parts
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoBlob
		}
		return nil, err
	}
	return data, nil
}

// Set writes data through a temp file and rename so readers never see a
// partial blob.
func (f *FileStorage) Set(service, account string, data []byte) error {
	p, err := f.path(service, account)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), "."+account+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), p)
}

func (f *FileStorage) Delete(service, account string) error {
	p, err := f.path(service, account)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNoBlob
		}
		return err
	}
	return nil
}

func (f *FileStorage) ListKeys(service string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(f.dir, service))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, blobSuffix) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, blobSuffix))
	}
	sort.Strings(keys)
	return keys, nil
}

func (*FileStorage) Name() string { return "file" }

// Lock takes an exclusive lock shared with every process using the same blob.
func (f *FileStorage) Lock(ctx context.Context, service, account string) (func(), error) {
	p, err := f.path(service, account)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	fileLock := flock.New(p + ".lock")
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(lockCtx, lockRetryInterval)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("failed to acquire lock: timeout after %v", lockTimeout)
	}
	return func() { _ = fileLock.Unlock() }, nil
}
