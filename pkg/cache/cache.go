// Package cache manages the operator-side on-disk layout: downloaded
// safe-upgrade helpers keyed by content hash, and timestamped device
// configuration backups pulled before any destructive step.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Cache is rooted at a single directory, by default
// ~/.cache/fwpush.
type Cache struct {
	dir string
	log *zap.SugaredLogger
}

// Open ensures the cache directory structure exists. An empty dir
// selects the default location under the user cache dir.
func Open(dir string, log *zap.SugaredLogger) (*Cache, error) {
	if dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("resolving cache dir: %w", err)
		}
		dir = filepath.Join(base, "fwpush")
	}
	for _, sub := range []string{"helpers", "backups"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating cache layout: %w", err)
		}
	}
	return &Cache{dir: dir, log: log}, nil
}

// Dir returns the cache root.
func (c *Cache) Dir() string { return c.dir }

// HelperPath returns where a helper with the given content hash lives,
// whether or not it has been fetched yet.
func (c *Cache) HelperPath(sha string) string {
	return filepath.Join(c.dir, "helpers", sha)
}

// FetchHelper downloads the helper from url unless a copy with the
// expected hash is already cached. The download is hashed as it is
// written; a digest mismatch discards the file and fails, so a
// corrupted or tampered helper never enters the cache.
func (c *Cache) FetchHelper(ctx context.Context, url, wantSHA string) (string, error) {
	path := c.HelperPath(wantSHA)
	if _, err := os.Stat(path); err == nil {
		c.log.Debugw("helper already cached", "path", path)
		return path, nil
	}

	c.log.Infow("downloading helper", "url", url)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching helper: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("helper download returned %d from %s", resp.StatusCode, url)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".fetch-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), resp.Body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing helper: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	got := hex.EncodeToString(h.Sum(nil))
	if got != wantSHA {
		return "", fmt.Errorf("helper digest %s does not match pinned %s; refusing to cache", got, wantSHA)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	if err := os.Chmod(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// BackupPath returns a fresh timestamped location for one device's
// configuration archive and creates its directory.
func (c *Cache) BackupPath(device string, now time.Time) (string, error) {
	dir := filepath.Join(c.dir, "backups", now.Format("20060102-150405"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("%s-config.tar.gz", device)), nil
}
