// Package media downloads upstream images into a local cache directory and
// hands out stable references to them.
//
// The cache is content-addressed by source URL: importing the same URL twice
// returns the same reference without a second download. A changed URL (or
// upstream filename) produces a new cache entry; stale entries are left in
// place so existing rows keep a working fallback.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

const downloadTimeout = 60 * time.Second

// Ref is a locally cached image. AttachmentID is the cache-relative file
// name; URL the original upstream location, kept as a durable fallback.
type Ref struct {
	AttachmentID string
	URL          string
}

// Doer is the subset of [http.Client] used by the importer.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Importer caches remote images under a directory. Create one with [New].
type Importer struct {
	dir string
	hc  Doer
	log *slog.Logger
}

// New creates an Importer writing into dir, which is created if missing.
func New(dir string, logger *slog.Logger) (*Importer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating media directory %q: %w", dir, err)
	}
	return &Importer{dir: dir, hc: &http.Client{Timeout: downloadTimeout}, log: logger}, nil
}

// NewWithDoer creates an Importer with a caller-supplied HTTP doer.
// Intended for testing.
func NewWithDoer(dir string, hc Doer, logger *slog.Logger) *Importer {
	return &Importer{dir: dir, hc: hc, log: logger}
}

// FindExisting returns the cached reference for srcURL, or (nil, nil) when
// the URL has not been imported yet.
func (im *Importer) FindExisting(_ context.Context, srcURL string) (*Ref, error) {
	name := cacheName(srcURL)
	if _, err := os.Stat(filepath.Join(im.dir, name)); err != nil {
		if os.IsNotExist(err) {
			return nil, nil //nolint:nilnil // intentional: "not found" sentinel
		}
		return nil, fmt.Errorf("checking cache for %q: %w", srcURL, err)
	}
	return &Ref{AttachmentID: name, URL: srcURL}, nil
}

// Import downloads srcURL into the cache and returns its reference. A URL
// already present in the cache is returned without a download. title and
// identityHint only decorate log output.
func (im *Importer) Import(ctx context.Context, srcURL, title, identityHint string) (Ref, error) {
	if existing, err := im.FindExisting(ctx, srcURL); err != nil {
		return Ref{}, err
	} else if existing != nil {
		return *existing, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srcURL, nil)
	if err != nil {
		return Ref{}, fmt.Errorf("create image request for %q: %w", srcURL, err)
	}
	resp, err := im.hc.Do(req)
	if err != nil {
		return Ref{}, fmt.Errorf("download image %q: %w", srcURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Ref{}, fmt.Errorf("download image %q: unexpected status %d", srcURL, resp.StatusCode)
	}

	name := cacheName(srcURL)
	dest := filepath.Join(im.dir, name)

	// Write via temp file + rename so a failed download never leaves a
	// half-written cache entry behind.
	tmp, err := os.CreateTemp(im.dir, "download-*")
	if err != nil {
		return Ref{}, fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return Ref{}, fmt.Errorf("write image %q: %w", srcURL, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return Ref{}, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		_ = os.Remove(tmp.Name())
		return Ref{}, fmt.Errorf("store image %q: %w", srcURL, err)
	}

	im.log.Debug("image imported", "url", srcURL, "title", title, "for", identityHint, "file", name)
	return Ref{AttachmentID: name, URL: srcURL}, nil
}

// cacheName derives the cache file name for a source URL: a digest of the
// full URL plus the original extension, so distinct URLs never collide and
// a renamed upstream file gets a fresh entry.
func cacheName(srcURL string) string {
	sum := sha256.Sum256([]byte(srcURL))
	return hex.EncodeToString(sum[:8]) + extension(srcURL)
}

func extension(srcURL string) string {
	u, err := url.Parse(srcURL)
	if err != nil {
		return ""
	}
	ext := path.Ext(u.Path)
	// Guard against query-ish or oversized suffixes on exotic URLs.
	if len(ext) > 5 || strings.ContainsAny(ext, "?&") {
		return ""
	}
	return ext
}
