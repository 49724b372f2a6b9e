// Package cache keeps a single versioned snapshot of the application shell
// so it can be served without the network.
//
// A version is populated all-or-nothing by Install, promoted by Activate
// (which also deletes every other version) and then answers exact-URL
// lookups through Serve. Requests outside the manifest go to the network
// and are never added to the cache.
package cache

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cheggaaa/pb/v3"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/blake2b"

	"github.com/chmdznr/offline-daylog/pkg/models"
)

var (
	// ErrInstall means a manifest resource could not be fetched; the
	// version was not written.
	ErrInstall = errors.New("cache install failed")
	// ErrNotInstalled is returned when activating an unknown version.
	ErrNotInstalled = errors.New("cache version not installed")
)

// HeaderCache is set on responses served from the cache.
const HeaderCache = "X-Dlsync-Cache"

// Fetcher performs network requests; *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds configuration for the manager.
type Config struct {
	// BaseURL resolves relative manifest entries and proxied request paths.
	BaseURL string

	Fetcher      Fetcher
	ShowProgress bool
	Logger       *log.Logger
}

// Manager owns the cache database. Nothing else writes to it.
type Manager struct {
	db           *sql.DB
	base         *url.URL
	fetcher      Fetcher
	showProgress bool
	logger       *log.Logger
}

// Open opens (creating if needed) the cache database at path.
func Open(path string, config Config) (*Manager, error) {
	base, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if config.Fetcher == nil {
		config.Fetcher = &http.Client{Timeout: 60 * time.Second}
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[cache] ", log.LstdFlags)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS caches (
			name TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS entries (
			cache_name TEXT NOT NULL,
			url TEXT NOT NULL,
			status INTEGER NOT NULL,
			header TEXT NOT NULL,
			body BLOB NOT NULL,
			digest TEXT NOT NULL,
			PRIMARY KEY (cache_name, url)
		);
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize cache database: %w", err)
	}

	return &Manager{
		db:           db,
		base:         base,
		fetcher:      config.Fetcher,
		showProgress: config.ShowProgress,
		logger:       config.Logger,
	}, nil
}

// Close closes the cache database.
func (m *Manager) Close() error {
	return m.db.Close()
}

func (m *Manager) resolve(raw string) (string, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	return m.base.ResolveReference(ref).String(), nil
}

// Install fetches every manifest URL and stores them under version. If any
// fetch fails nothing is written and the currently active version keeps
// serving. Installing an existing version replaces its contents.
func (m *Manager) Install(ctx context.Context, version string, manifest []string) error {
	if version == "" {
		return fmt.Errorf("%w: empty version", ErrInstall)
	}

	var bar *pb.ProgressBar
	if m.showProgress {
		bar = pb.New(len(manifest))
		bar.SetTemplate(`Caching {{counters . }} {{bar . }} {{percent . }}`)
		bar.Start()
		defer bar.Finish()
	}

	entries := make([]models.CacheEntry, 0, len(manifest))
	for _, raw := range manifest {
		entry, err := m.fetchEntry(ctx, raw)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInstall, raw, err)
		}
		entries = append(entries, *entry)
		if bar != nil {
			bar.Increment()
		}
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInstall, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO caches (name, created_at) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET created_at = excluded.created_at
	`, version, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("%w: %v", ErrInstall, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE cache_name = ?`, version); err != nil {
		return fmt.Errorf("%w: %v", ErrInstall, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO entries (cache_name, url, status, header, body, digest)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInstall, err)
	}
	defer stmt.Close()

	for _, entry := range entries {
		header, _ := json.Marshal(entry.Header)
		if _, err := stmt.ExecContext(ctx, version, entry.URL, entry.Status, string(header), entry.Body, entry.Digest); err != nil {
			return fmt.Errorf("%w: %v", ErrInstall, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrInstall, err)
	}
	m.logger.Printf("Installed cache %s (%d resources)", version, len(entries))
	return nil
}

func (m *Manager) fetchEntry(ctx context.Context, raw string) (*models.CacheEntry, error) {
	target, err := m.resolve(raw)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.fetcher.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	sum := blake2b.Sum256(body)
	return &models.CacheEntry{
		URL:    target,
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
		Digest: hex.EncodeToString(sum[:]),
	}, nil
}

// Activate makes version the only cache, deleting every other version, and
// returns the names it deleted.
func (m *Manager) Activate(ctx context.Context, version string) ([]string, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM caches WHERE name = ?`, version).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotInstalled, version)
	}

	rows, err := tx.QueryContext(ctx, `SELECT name FROM caches WHERE name != ? ORDER BY name`, version)
	if err != nil {
		return nil, err
	}
	var stale []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, err
		}
		stale = append(stale, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, q := range []string{
		`DELETE FROM entries WHERE cache_name != ?`,
		`DELETE FROM caches WHERE name != ?`,
		`UPDATE caches SET active = 1 WHERE name = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, version); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	for _, name := range stale {
		m.logger.Printf("Deleted stale cache %s", name)
	}
	m.logger.Printf("Activated cache %s", version)
	return stale, nil
}

// Match looks rawURL up in the active cache.
func (m *Manager) Match(ctx context.Context, rawURL string) (*models.CacheEntry, bool, error) {
	target, err := m.resolve(rawURL)
	if err != nil {
		return nil, false, err
	}

	var (
		entry  = models.CacheEntry{URL: target}
		header string
	)
	err = m.db.QueryRowContext(ctx, `
		SELECT e.status, e.header, e.body, e.digest
		FROM entries e JOIN caches c ON c.name = e.cache_name
		WHERE c.active = 1 AND e.url = ?
	`, target).Scan(&entry.Status, &header, &entry.Body, &entry.Digest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if err := json.Unmarshal([]byte(header), &entry.Header); err != nil {
		return nil, false, fmt.Errorf("corrupt cached header for %s: %w", target, err)
	}
	return &entry, true, nil
}

// Serve answers req from the active cache, falling back to the network on a
// miss. Network responses are not cached.
func (m *Manager) Serve(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req.Method == http.MethodGet || req.Method == http.MethodHead {
		entry, ok, err := m.Match(ctx, req.URL.String())
		if err != nil {
			m.logger.Printf("Cache lookup for %s failed: %v", req.URL, err)
		} else if ok {
			return cachedResponse(req, entry), nil
		}
	}

	target, err := m.resolve(req.URL.String())
	if err != nil {
		return nil, err
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, target, req.Body)
	if err != nil {
		return nil, err
	}
	out.Header = req.Header.Clone()
	return m.fetcher.Do(out)
}

func cachedResponse(req *http.Request, entry *models.CacheEntry) *http.Response {
	header := entry.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if header.Get("ETag") == "" {
		header.Set("ETag", strconv.Quote(entry.Digest))
	}
	header.Set(HeaderCache, "hit")
	header.Set("Content-Length", strconv.Itoa(len(entry.Body)))

	body := entry.Body
	if req.Method == http.MethodHead {
		body = nil
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", entry.Status, http.StatusText(entry.Status)),
		StatusCode:    entry.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(entry.Body)),
		Request:       req,
	}
}

// Handler exposes Serve as an http.Handler, for running the shell through a
// local proxy.
func (m *Manager) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp, err := m.Serve(r.Context(), r)
		if err != nil {
			http.Error(w, "resource unavailable offline", http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()

		for k, vs := range resp.Header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	})
}

// Versions lists every stored cache version.
func (m *Manager) Versions(ctx context.Context) ([]models.CacheVersion, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT c.name, c.created_at, c.active, COUNT(e.url), COALESCE(SUM(LENGTH(e.body)), 0)
		FROM caches c LEFT JOIN entries e ON e.cache_name = c.name
		GROUP BY c.name
		ORDER BY c.name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []models.CacheVersion
	for rows.Next() {
		var (
			v       models.CacheVersion
			created string
		)
		if err := rows.Scan(&v.Name, &created, &v.Active, &v.Entries, &v.Size); err != nil {
			return nil, err
		}
		if v.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// Keys returns the URLs stored under version.
func (m *Manager) Keys(ctx context.Context, version string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT url FROM entries WHERE cache_name = ? ORDER BY url`, version)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
