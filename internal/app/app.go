// Package app wires the store, reconciler, monitor, cache manager and
// reminder scheduler together in a fixed order: store before reconciler,
// reconciler before monitor.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/chmdznr/offline-daylog/internal/cache"
	"github.com/chmdznr/offline-daylog/internal/config"
	"github.com/chmdznr/offline-daylog/internal/db"
	"github.com/chmdznr/offline-daylog/internal/logging"
	"github.com/chmdznr/offline-daylog/internal/monitor"
	"github.com/chmdznr/offline-daylog/internal/reminder"
	dlsync "github.com/chmdznr/offline-daylog/internal/sync"
)

// Options tune construction; the zero value is fine.
type Options struct {
	ShowProgress bool
	Output       *logging.Output
	// Submitter replaces the one selected by sync.kind.
	Submitter dlsync.Submitter
	// Prober replaces the HTTP prober built from sync.probe_url.
	Prober monitor.Prober
}

type App struct {
	Config     config.Config
	Store      *db.DB
	Reconciler *dlsync.Reconciler
	Monitor    *monitor.Monitor
	Cache      *cache.Manager
	Reminders  *reminder.Scheduler

	prober monitor.Prober
	out    *logging.Output
}

// New opens the store and cache and constructs every component.
func New(cfg config.Config, opts Options) (*App, error) {
	out := opts.Output
	if out == nil {
		var err error
		if out, err = logging.NewOutput(cfg.Log); err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
	}

	a := &App{Config: cfg, out: out}

	storeOpts := []db.Option{db.WithLogger(out.Logger("store"))}
	if cfg.Sync.Optimistic {
		storeOpts = append(storeOpts, db.WithOptimisticSync(a.online))
	}
	store, err := db.Open(cfg.Store.Path, storeOpts...)
	if err != nil {
		return nil, err
	}
	a.Store = store

	submitter := opts.Submitter
	if submitter == nil {
		if submitter, err = newSubmitter(cfg); err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	a.Reconciler = dlsync.NewReconciler(store, submitter, a.online, &dlsync.ReconcilerConfig{
		ShowProgress: opts.ShowProgress,
		Logger:       out.Logger("sync"),
	})

	a.prober = opts.Prober
	if a.prober == nil && cfg.Sync.ProbeURL != "" {
		a.prober = &monitor.HTTPProber{URL: cfg.Sync.ProbeURL, Client: &http.Client{Timeout: 5 * time.Second}}
	}
	a.Monitor = monitor.New(a.Reconciler, a.prober, &monitor.Config{
		ProbeInterval: cfg.Sync.ProbeInterval.Duration,
		Logger:        out.Logger("monitor"),
	})
	if a.prober == nil {
		// Nothing to probe with: assume the network is there.
		a.Monitor.Observe(true)
	}

	a.Cache, err = cache.Open(cfg.Cache.Path, cache.Config{
		BaseURL:      cfg.Cache.BaseURL,
		ShowProgress: opts.ShowProgress,
		Logger:       out.Logger("cache"),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a.Reminders = reminder.NewScheduler(nil)
	return a, nil
}

func newSubmitter(cfg config.Config) (dlsync.Submitter, error) {
	switch cfg.Sync.Kind {
	case "object":
		s, err := dlsync.NewObjectSubmitter(dlsync.ObjectConfig{
			Endpoint:  cfg.Object.Endpoint,
			Bucket:    cfg.Object.Bucket,
			Prefix:    cfg.Object.Prefix,
			AccessKey: cfg.Object.AccessKey,
			SecretKey: cfg.Object.SecretKey,
			Secure:    cfg.Object.Secure,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return dlsync.NewHTTPSubmitter(cfg.Sync.Endpoint, nil, cfg.Sync.Timeout.Duration), nil
	}
}

// online is the reconciler's precondition. Before the monitor exists the
// app counts as offline.
func (a *App) online() bool {
	return a.Monitor != nil && a.Monitor.Online()
}

// Logger returns a component logger on the shared output.
func (a *App) Logger(component string) *log.Logger {
	return a.out.Logger(component)
}

// SyncNow probes connectivity once and runs a reconciliation pass. Used by
// one-shot commands where no monitor loop is running.
func (a *App) SyncNow(ctx context.Context) (dlsync.Result, error) {
	if a.prober != nil {
		a.Monitor.Observe(a.prober.Probe(ctx))
	}
	return a.Reconciler.Reconcile(ctx)
}

// InstallCache installs and activates the configured cache version.
func (a *App) InstallCache(ctx context.Context) ([]string, error) {
	if err := a.Cache.Install(ctx, a.Config.Cache.Version, a.Config.Cache.Manifest); err != nil {
		return nil, err
	}
	return a.Cache.Activate(ctx, a.Config.Cache.Version)
}

// Run starts the connectivity loop, the trigger spool watcher and the
// reminder chains, and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context, notify func(reminder.Reminder)) error {
	logger := a.out.Logger("app")
	if notify == nil {
		notify = reminder.LogNotifier(a.out.Logger("reminder"))
	}

	for _, t := range a.Config.Reminders.Times {
		tod, err := reminder.ParseTime(t)
		if err != nil {
			return err
		}
		a.Reminders.Schedule(tod.String(), tod, notify)
		next, _ := a.Reminders.NextFire(tod.String())
		logger.Printf("Reminder %s armed, next at %s", tod, next.Format(time.RFC1123))
	}
	defer a.Reminders.StopAll()

	var wg sync.WaitGroup
	if a.prober != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.Monitor.Run(ctx); err != nil {
				logger.Printf("Monitor stopped: %v", err)
			}
		}()
	}
	if a.Config.Sync.SpoolDir != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.Monitor.WatchSpool(ctx, a.Config.Sync.SpoolDir); err != nil {
				logger.Printf("Spool watcher stopped: %v", err)
			}
		}()
	}

	logger.Println("Running")
	<-ctx.Done()
	wg.Wait()
	logger.Println("Stopped")
	return nil
}

// Close releases the stores and the log file.
func (a *App) Close() error {
	var firstErr error
	for _, c := range []interface{ Close() error }{a.Cache, a.Store, a.out} {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
