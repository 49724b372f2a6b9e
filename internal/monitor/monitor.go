// Package monitor decides when a sync attempt has a realistic chance of
// success and invokes the reconciler at those moments: on an offline to
// online transition and on a background-sync trigger.
package monitor

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	dlsync "github.com/chmdznr/offline-daylog/internal/sync"
)

// SyncTag is the only background-sync tag the monitor reacts to.
const SyncTag = "daily-log-sync"

// Reconciler is satisfied by *sync.Reconciler.
type Reconciler interface {
	Reconcile(ctx context.Context) (dlsync.Result, error)
}

// Prober reports whether the remote side is currently reachable.
type Prober interface {
	Probe(ctx context.Context) bool
}

// HTTPProber considers the network up when a HEAD to URL gets any response.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) bool {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// Config holds configuration for the monitor.
type Config struct {
	// ProbeInterval is how often the prober is polled by Run.
	ProbeInterval time.Duration

	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ProbeInterval: 30 * time.Second,
		Logger:        log.New(os.Stderr, "[monitor] ", log.LstdFlags),
	}
}

// Monitor tracks connectivity and fans triggers out to the reconciler.
// Triggers are not deduplicated; the reconciler tolerates overlap.
type Monitor struct {
	reconciler Reconciler
	prober     Prober
	config     *Config
	online     atomic.Bool
}

// New creates a monitor. The initial state is offline until a probe or
// SetOnline says otherwise.
func New(reconciler Reconciler, prober Prober, config *Config) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = DefaultConfig().ProbeInterval
	}
	return &Monitor{
		reconciler: reconciler,
		prober:     prober,
		config:     config,
	}
}

// Online reports the last observed connectivity state.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Observe records a connectivity observation without running the
// reconciler. It reports whether the state changed.
func (m *Monitor) Observe(online bool) bool {
	return m.online.Swap(online) != online
}

// SetOnline records a connectivity observation. A transition from offline to
// online runs the reconciler before returning; it reports whether it did.
func (m *Monitor) SetOnline(ctx context.Context, online bool) bool {
	was := m.online.Swap(online)
	if was == online {
		return false
	}
	if !online {
		m.config.Logger.Println("Connectivity lost")
		return false
	}

	m.config.Logger.Println("Connectivity restored, syncing")
	m.reconcile(ctx, "online")
	return true
}

// Trigger delivers a background-sync signal. Only SyncTag runs the
// reconciler; it reports whether the tag was handled.
func (m *Monitor) Trigger(ctx context.Context, tag string) bool {
	if tag != SyncTag {
		m.config.Logger.Printf("Ignoring background sync tag %q", tag)
		return false
	}
	m.reconcile(ctx, "background sync")
	return true
}

func (m *Monitor) reconcile(ctx context.Context, reason string) {
	res, err := m.reconciler.Reconcile(ctx)
	if err != nil {
		m.config.Logger.Printf("Sync (%s) failed: %v", reason, err)
		return
	}
	m.config.Logger.Printf("Sync (%s): %s", reason, res)
}

// Run probes connectivity every ProbeInterval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	if m.prober == nil {
		return fmt.Errorf("monitor has no prober")
	}

	ticker := time.NewTicker(m.config.ProbeInterval)
	defer ticker.Stop()

	for {
		m.SetOnline(ctx, m.prober.Probe(ctx))

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// WatchSpool delivers background-sync triggers dropped as files into dir:
// each file's name is the tag, and the file is removed once handled. Files
// already present when watching starts are handled first. Blocks until ctx
// is cancelled.
func (m *Monitor) WatchSpool(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch spool directory %s: %w", dir, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read spool directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			m.handleSpoolFile(ctx, filepath.Join(dir, entry.Name()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				m.handleSpoolFile(ctx, event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.config.Logger.Printf("Spool watcher error: %v", err)
		}
	}
}

func (m *Monitor) handleSpoolFile(ctx context.Context, path string) {
	// The file may already be gone if a create and write arrived together.
	if err := os.Remove(path); err != nil {
		if !os.IsNotExist(err) {
			m.config.Logger.Printf("Failed to remove spool file %s: %v", path, err)
		}
		return
	}
	m.Trigger(ctx, filepath.Base(path))
}

// DropTrigger writes a trigger file for tag into dir, for delivery by a
// monitor watching that spool.
func DropTrigger(dir, tag string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}
	if tag == "" || tag != filepath.Base(tag) {
		return fmt.Errorf("invalid tag %q", tag)
	}
	return os.WriteFile(filepath.Join(dir, tag), nil, 0o644)
}
