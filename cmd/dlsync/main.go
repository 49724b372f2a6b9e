package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/chmdznr/offline-daylog/internal/app"
	"github.com/chmdznr/offline-daylog/internal/config"
	"github.com/chmdznr/offline-daylog/internal/db"
	"github.com/chmdznr/offline-daylog/internal/monitor"
	"github.com/chmdznr/offline-daylog/pkg/utils"
	"github.com/chmdznr/offline-daylog/pkg/version"
)

func main() {
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"v"},
		Usage:   "print the version",
	}

	if err := newApp().Run(os.Args); err != nil {
		if errors.Is(err, db.ErrStorageUnavailable) {
			fmt.Fprintln(os.Stderr, "Offline data unavailable:", err)
			os.Exit(2)
		}
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:                 "dlsync",
		Usage:                "Offline-first daily log store and sync agent",
		Version:              version.Version,
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to TOML config file",
				EnvVars: []string{"DLSYNC_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "Print detailed version information",
				Action: func(c *cli.Context) error {
					fmt.Println(version.String())
					return nil
				},
			},
			{
				Name:  "log",
				Usage: "Record a daily log entry",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "date",
						Usage: "Entry date (YYYY-MM-DD), defaults to today",
					},
					&cli.StringSliceFlag{
						Name:    "field",
						Aliases: []string{"f"},
						Usage:   "Entry field as key=value, repeatable",
					},
				},
				Action: saveLog,
			},
			{
				Name:   "pending",
				Usage:  "List records not yet confirmed by the server",
				Action: listPending,
			},
			{
				Name:   "status",
				Usage:  "Show queue and cache status",
				Action: showStatus,
			},
			{
				Name:  "sync",
				Usage: "Push unsynced records now",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "progress",
						Usage: "Show a progress bar",
						Value: true,
					},
				},
				Action: startSync,
			},
			{
				Name:  "setting",
				Usage: "Read and write user settings",
				Subcommands: []*cli.Command{
					{
						Name:      "get",
						Usage:     "Print a setting",
						ArgsUsage: "KEY",
						Action:    getSetting,
					},
					{
						Name:      "set",
						Usage:     "Write a setting",
						ArgsUsage: "KEY VALUE",
						Action:    setSetting,
					},
					{
						Name:   "list",
						Usage:  "List all settings",
						Action: listSettings,
					},
				},
			},
			{
				Name:  "cache",
				Usage: "Manage the offline resource cache",
				Subcommands: []*cli.Command{
					{
						Name:  "install",
						Usage: "Fetch the manifest into the configured cache version and activate it",
						Flags: []cli.Flag{
							&cli.BoolFlag{
								Name:  "no-activate",
								Usage: "Install only; keep the current version serving",
							},
						},
						Action: installCache,
					},
					{
						Name:      "activate",
						Usage:     "Make a version current and delete all others",
						ArgsUsage: "[VERSION]",
						Action:    activateCache,
					},
					{
						Name:   "list",
						Usage:  "List cache versions",
						Action: listCaches,
					},
				},
			},
			{
				Name:  "serve",
				Usage: "Serve the application shell through the offline cache",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "listen",
						Usage: "Listen address (defaults to cache.listen)",
					},
				},
				Action: serveCache,
			},
			{
				Name:  "trigger",
				Usage: "Request a background sync from a running agent",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "tag",
						Usage: "Background sync tag",
						Value: monitor.SyncTag,
					},
				},
				Action: dropTrigger,
			},
			{
				Name:   "run",
				Usage:  "Run the agent: connectivity monitor, trigger watcher and reminders",
				Action: runAgent,
			},
		},
	}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	return config.Load(c.String("config"))
}

func openApp(c *cli.Context, progress bool) (*app.App, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	return app.New(cfg, app.Options{ShowProgress: progress})
}

// parseFields turns key=value pairs into a field map. Keys must be
// non-empty; the last duplicate wins.
func parseFields(pairs []string) (map[string]string, error) {
	fields := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid field %q, expected key=value", pair)
		}
		if k == "date" {
			return nil, fmt.Errorf("use --date instead of a date field")
		}
		fields[k] = v
	}
	return fields, nil
}

func saveLog(c *cli.Context) error {
	date := c.String("date")
	if date == "" {
		date = time.Now().Format(time.DateOnly)
	}
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		return fmt.Errorf("invalid date %q: %v", date, err)
	}
	fields, err := parseFields(c.StringSlice("field"))
	if err != nil {
		return err
	}

	a, err := openApp(c, false)
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := a.Store.SaveRecord(c.Context, date, fields)
	if err != nil {
		return fmt.Errorf("failed to save log: %w", err)
	}
	fmt.Printf("Saved record %d for %s\n", id, date)
	return nil
}

func listPending(c *cli.Context) error {
	a, err := openApp(c, false)
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.Store.GetUnsyncedRecords(c.Context)
	if err != nil {
		return fmt.Errorf("failed to get pending records: %w", err)
	}
	if len(records) == 0 {
		fmt.Println("Nothing pending")
		return nil
	}
	for _, rec := range records {
		fmt.Printf("%6d  %s  %s  %v\n", rec.ID, rec.Date, rec.Timestamp.Local().Format(time.DateTime), rec.Fields)
	}
	return nil
}

// showStatus shows the state of the local queue and of the resource cache.
func showStatus(c *cli.Context) error {
	a, err := openApp(c, false)
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.Store.GetStats(c.Context)
	if err != nil {
		return err
	}
	versions, err := a.Cache.Versions(c.Context)
	if err != nil {
		return fmt.Errorf("failed to list caches: %w", err)
	}

	fmt.Printf("Store: %s\n", a.Store.Path())
	fmt.Printf("Records: %d total, %d synced, %d pending\n", stats.TotalRecords, stats.SyncedRecords, stats.PendingRecords)
	if !stats.OldestPending.IsZero() {
		fmt.Printf("Oldest pending: %s (%s ago)\n",
			stats.OldestPending.Local().Format(time.DateTime),
			utils.FormatDuration(time.Since(stats.OldestPending)))
	}
	for _, v := range versions {
		state := "stale"
		if v.Active {
			state = "active"
		}
		fmt.Printf("Cache %s: %s, %d resources (%s)\n", v.Name, state, v.Entries, utils.FormatSize(v.Size))
	}
	if len(versions) == 0 {
		fmt.Println("Cache: not installed")
	}
	return nil
}

func startSync(c *cli.Context) error {
	a, err := openApp(c, c.Bool("progress"))
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.SyncNow(c.Context)
	if err != nil {
		return fmt.Errorf("failed to sync: %w", err)
	}
	fmt.Printf("Sync: %s\n", res)
	return nil
}

func getSetting(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: dlsync setting get KEY")
	}
	a, err := openApp(c, false)
	if err != nil {
		return err
	}
	defer a.Close()

	value, err := a.Store.GetSetting(c.Context, c.Args().First())
	if err != nil {
		return err
	}
	fmt.Println(value)
	return nil
}

func setSetting(c *cli.Context) error {
	if c.NArg() != 2 {
		return fmt.Errorf("usage: dlsync setting set KEY VALUE")
	}
	a, err := openApp(c, false)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.Store.SetSetting(c.Context, c.Args().Get(0), c.Args().Get(1))
}

func listSettings(c *cli.Context) error {
	a, err := openApp(c, false)
	if err != nil {
		return err
	}
	defer a.Close()

	settings, err := a.Store.ListSettings(c.Context)
	if err != nil {
		return err
	}
	for _, s := range settings {
		fmt.Printf("%s=%s\n", s.Key, s.Value)
	}
	return nil
}

func installCache(c *cli.Context) error {
	a, err := openApp(c, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if c.Bool("no-activate") {
		if err := a.Cache.Install(c.Context, a.Config.Cache.Version, a.Config.Cache.Manifest); err != nil {
			return err
		}
		fmt.Printf("Installed cache %s (not active)\n", a.Config.Cache.Version)
		return nil
	}

	stale, err := a.InstallCache(c.Context)
	if err != nil {
		return err
	}
	fmt.Printf("Cache %s active", a.Config.Cache.Version)
	if len(stale) > 0 {
		fmt.Printf(", removed %s", strings.Join(stale, ", "))
	}
	fmt.Println()
	return nil
}

func activateCache(c *cli.Context) error {
	a, err := openApp(c, false)
	if err != nil {
		return err
	}
	defer a.Close()

	name := c.Args().First()
	if name == "" {
		name = a.Config.Cache.Version
	}
	stale, err := a.Cache.Activate(c.Context, name)
	if err != nil {
		return err
	}
	fmt.Printf("Cache %s active, removed %d stale version(s)\n", name, len(stale))
	return nil
}

func listCaches(c *cli.Context) error {
	a, err := openApp(c, false)
	if err != nil {
		return err
	}
	defer a.Close()

	versions, err := a.Cache.Versions(c.Context)
	if err != nil {
		return err
	}
	for _, v := range versions {
		marker := " "
		if v.Active {
			marker = "*"
		}
		fmt.Printf("%s %-28s %4d  %10s  %s\n", marker, v.Name, v.Entries, utils.FormatSize(v.Size), v.CreatedAt.Local().Format(time.DateTime))
	}
	return nil
}

func serveCache(c *cli.Context) error {
	a, err := openApp(c, false)
	if err != nil {
		return err
	}
	defer a.Close()

	addr := c.String("listen")
	if addr == "" {
		addr = a.Config.Cache.Listen
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           a.Cache.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	a.Logger("serve").Printf("Serving cache %s on %s", a.Config.Cache.Version, addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func dropTrigger(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := monitor.DropTrigger(cfg.Sync.SpoolDir, c.String("tag")); err != nil {
		return err
	}
	fmt.Printf("Requested %s\n", c.String("tag"))
	return nil
}

func runAgent(c *cli.Context) error {
	a, err := openApp(c, false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return a.Run(ctx, nil)
}
