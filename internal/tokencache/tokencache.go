// Package tokencache persists delegated-flow refresh material in a single
// owner-only file. Writes are atomic: readers see either the previous
// content or the new content, never a partial file.
package tokencache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileMode is the permission set for new cache files.
const FileMode fs.FileMode = 0o600

// insecureBits are the group/other bits that trigger a warning on load.
const insecureBits fs.FileMode = 0o077

// ErrNotFound is returned by Load when no cache file exists.
var ErrNotFound = errors.New("token cache not found")

// CachedCredential is the refresh material for one mailbox. Path and Mode
// describe where it was read from and are not serialized.
type CachedCredential struct {
	RefreshToken string    `json:"refresh_token"`
	Mailbox      string    `json:"mailbox,omitempty"`
	TenantID     string    `json:"tenant_id,omitempty"`
	ClientID     string    `json:"client_id,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`

	Path string      `json:"-"`
	Mode fs.FileMode `json:"-"`
}

// FileCache stores a CachedCredential at a fixed path.
type FileCache struct {
	path   string
	logger *slog.Logger

	// mu serializes writers within this process; rename gives atomicity
	// against readers and other processes.
	mu sync.Mutex

	// write copies data into the temp file; tests replace it to simulate
	// an interrupted write.
	write func(f *os.File, data []byte) error
}

// New returns a FileCache for path. A nil logger uses slog.Default().
func New(path string, logger *slog.Logger) *FileCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileCache{
		path:   path,
		logger: logger,
		write:  writeAll,
	}
}

// Path returns the cache file location.
func (c *FileCache) Path() string { return c.path }

// Load reads the cached credential. Group or world accessible files are
// loaded anyway, with a warning; tightening is left to the operator.
func (c *FileCache) Load() (*CachedCredential, error) {
	info, err := os.Stat(c.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to stat token cache: %w", err)
	}

	mode := info.Mode().Perm()
	if mode&insecureBits != 0 {
		c.logger.Warn("token cache file is accessible by group/others",
			"path", c.path,
			"mode", fmt.Sprintf("%#o", mode),
			"fix", "chmod 600 "+c.path,
		)
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read token cache: %w", err)
	}

	var cred CachedCredential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("failed to parse token cache: %w", err)
	}
	if cred.RefreshToken == "" {
		return nil, fmt.Errorf("token cache %s has no refresh token", c.path)
	}

	cred.Path = c.path
	cred.Mode = mode
	return &cred, nil
}

// Store atomically replaces the cache file with cred. The temp file lives
// in the same directory so the rename never crosses filesystems.
func (c *FileCache) Store(cred *CachedCredential) error {
	if cred == nil || cred.RefreshToken == "" {
		return errors.New("refusing to store a credential without a refresh token")
	}

	stored := *cred
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(&stored, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal token cache: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create token cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(c.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp token cache: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	// CreateTemp already uses 0600; chmod guards against a permissive umask
	// on platforms that ignore the create mode.
	if err := tmp.Chmod(FileMode); err != nil {
		return fmt.Errorf("failed to set token cache permissions: %w", err)
	}
	if err := c.write(tmp, data); err != nil {
		return fmt.Errorf("failed to write token cache: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync token cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close token cache: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		return fmt.Errorf("failed to replace token cache: %w", err)
	}
	committed = true

	syncDir(dir)
	c.logger.Debug("token cache persisted", "path", c.path)
	return nil
}

// Remove deletes the cache file. Missing files are not an error.
func (c *FileCache) Remove() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Remove(c.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove token cache: %w", err)
	}
	return nil
}

func writeAll(f *os.File, data []byte) error {
	_, err := f.Write(data)
	return err
}

// syncDir flushes the directory entry after a rename. Best effort: some
// platforms cannot open directories for sync.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
