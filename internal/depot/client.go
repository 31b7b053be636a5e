package depot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v5"

	"github.com/wharflab/envy/internal/archive"
	"github.com/wharflab/envy/internal/identity"
)

// Client holds the merged manifest entries from every "@envy package-depot"
// URL a project manifest declares, and fetches archives on a cache miss.
// A nil *Client (no depot directives) is valid: every method becomes a
// no-op/miss rather than requiring callers to nil-check.
type Client struct {
	HTTP   *http.Client
	Logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]string // filename -> URL, merged across all manifests
}

// New builds a Client ready to load manifests.
func New(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		Logger:  logger.With("component", "depot"),
		entries: map[string]string{},
	}
}

// LoadManifests fetches and merges every depot manifest URL declared by the
// project manifest. A single manifest failing to load is logged and
// skipped rather than failing the whole set: the depot is always a
// best-effort fast path, never a hard dependency.
func (c *Client) LoadManifests(ctx context.Context, urls []string) {
	if c == nil {
		return
	}
	for _, url := range urls {
		entries, err := c.fetchManifest(ctx, url)
		if err != nil {
			c.Logger.Warn("depot manifest unavailable, skipping", "url", url, "error", err)
			continue
		}
		c.mu.Lock()
		for name, archiveURL := range entries {
			c.entries[name] = archiveURL
		}
		c.mu.Unlock()
	}
}

func (c *Client) fetchManifest(ctx context.Context, url string) (map[string]string, error) {
	body, err := backoff.Retry(ctx, func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		resp, err := c.HTTP.Do(req)
		if err != nil {
			return nil, err // network error: retryable
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return nil, backoff.Permanent(fmt.Errorf("depot: %s: status %s", url, resp.Status))
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("depot: %s: status %s", url, resp.Status)
		}
		return io.ReadAll(resp.Body)
	}, backoff.WithMaxTries(3))
	if err != nil {
		return nil, err
	}
	return ParseManifest(bytes.NewReader(body))
}

// Lookup reports whether the merged manifest set names an archive for this
// exact instance.
func (c *Client) Lookup(id identity.Identity, platform identity.Platform, hash string) (string, bool) {
	if c == nil {
		return "", false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	url, ok := c.entries[Filename(id, platform, hash)]
	return url, ok
}

// Fetch downloads the archive at url and extracts it directly into destDir,
// dropping the archive's single top-level directory. Any failure — network,
// corrupt archive — is the caller's to log and fall back from; Fetch itself
// just reports the error. url may be a plain HTTP(S) archive URL or an
// "oci://" artifact reference.
func (c *Client) Fetch(ctx context.Context, url, destDir string) error {
	if c == nil {
		return fmt.Errorf("depot: no depot client configured")
	}
	if strings.HasPrefix(url, ociPrefix) {
		return fetchOCI(ctx, url, destDir)
	}

	tmp, err := os.CreateTemp("", "envy-depot-*.tar.zst")
	if err != nil {
		return fmt.Errorf("depot: allocating download scratch file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		if _, err := tmp.Seek(0, io.SeekStart); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if err := tmp.Truncate(0); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		resp, err := c.HTTP.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return struct{}{}, fmt.Errorf("depot: %s: status %s", url, resp.Status)
		}
		_, err = io.Copy(tmp, resp.Body)
		return struct{}{}, err
	}, backoff.WithMaxTries(3))
	closeErr := tmp.Close()
	if err != nil {
		return fmt.Errorf("depot: downloading %s: %w", url, err)
	}
	if closeErr != nil {
		return fmt.Errorf("depot: closing download of %s: %w", url, closeErr)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("depot: allocating %s: %w", destDir, err)
	}
	if err := archive.ExtractFile(ctx, tmpPath, destDir, 1); err != nil {
		return fmt.Errorf("depot: extracting %s: %w", url, err)
	}
	return nil
}
