// Ctsync mirrors ChurchTools calendar events into a local sqlite store,
// merging the /events and /appointments feeds into one row per occurrence
// and keeping a local cache of event images.
//
// Usage:
//
//	ctsync sync [--config <path>] [--from YYYY-MM-DD --to YYYY-MM-DD] [--full]
//	ctsync daemon [--config <path>]   # run on the configured cron schedule
//	ctsync status [--config <path>]   # show config and database state
//	ctsync version                    # print version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/swarnat/churchtools-suite-sub001/internal/churchtools"
	"github.com/swarnat/churchtools-suite-sub001/internal/config"
	"github.com/swarnat/churchtools-suite-sub001/internal/media"
	"github.com/swarnat/churchtools-suite-sub001/internal/store"
	syncp "github.com/swarnat/churchtools-suite-sub001/internal/sync"
	"github.com/swarnat/churchtools-suite-sub001/internal/telemetry"
)

const dateLayout = "2006-01-02"

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		return printUsage()
	}

	switch cmd := os.Args[1]; cmd {
	case "sync":
		return runSync(os.Args[2:], false)
	case "daemon":
		return runSync(os.Args[2:], true)
	case "status":
		return runStatus(os.Args[2:])
	case "version":
		fmt.Println("ctsync", version)
		return nil
	default:
		return fmt.Errorf("unknown command %q, run 'ctsync' for usage", cmd)
	}
}

func printUsage() error {
	fmt.Fprintln(os.Stderr, "ctsync — mirror ChurchTools calendars into a local event store")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  ctsync sync [--config ..] [--from ..] [--to ..] [--full]   Single pass then exit")
	fmt.Fprintln(os.Stderr, "  ctsync daemon [--config ..]                                Run on the cron schedule")
	fmt.Fprintln(os.Stderr, "  ctsync status [--config ..]                                Show config and database state")
	fmt.Fprintln(os.Stderr, "  ctsync version                                             Print version")
	fmt.Fprintln(os.Stderr, "")

	os.Exit(1)
	return nil // unreachable
}

// runSync handles both "sync" and "daemon".
func runSync(args []string, daemon bool) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	fromFlag := fs.String("from", "", "window start (YYYY-MM-DD, single pass only)")
	toFlag := fs.String("to", "", "window end (YYYY-MM-DD, single pass only)")
	full := fs.Bool("full", false, "ignore the incremental cursor and refetch everything")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if daemon && (*fromFlag != "" || *toFlag != "" || *full) {
		return fmt.Errorf("--from, --to and --full only apply to 'ctsync sync'")
	}

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("loading config from %q: %w", *cfgPath, err)
	}
	logger.Info("config loaded",
		"base_url", cfg.BaseURL,
		"calendars", len(cfg.CalendarIDs),
		"window", fmt.Sprintf("-%dd/+%dd", cfg.DaysPast, cfg.DaysFuture),
	)

	if cfg.Telemetry != nil {
		telCfg := telemetry.Config{
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			Insecure:     cfg.Telemetry.Insecure,
			ServiceName:  cfg.Telemetry.ServiceName,
			Headers:      cfg.Telemetry.Headers,
		}
		shutdownTel, err := telemetry.Setup(context.Background(), telCfg)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			}()
		}
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening event store at %q: %w", cfg.DBPath, err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("closing event store", "error", closeErr)
		}
	}()
	logger.Info("event store opened", "path", cfg.DBPath)

	importer, err := media.New(cfg.MediaDir, logger)
	if err != nil {
		return fmt.Errorf("preparing media cache at %q: %w", cfg.MediaDir, err)
	}

	client, err := churchtools.NewClient(cfg.BaseURL, cfg.Token, logger)
	if err != nil {
		return fmt.Errorf("initialising ChurchTools client: %w", err)
	}
	syncer := syncp.NewSyncer(client, st, importer, st, logger)
	engine := syncp.NewEngine(syncer, cfg.CalendarIDs, cfg.DaysPast, cfg.DaysFuture, cfg.Schedule, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if daemon {
		logger.Info("daemon starting", "schedule", cfg.Schedule)
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("sync engine: %w", err)
		}
		logger.Info("shutdown complete")
		return nil
	}

	from, to, err := resolveWindow(*fromFlag, *toFlag, cfg)
	if err != nil {
		return err
	}
	stats, err := engine.RunWindow(ctx, from, to, *full)
	if err != nil {
		return err
	}
	logger.Info("sync complete",
		"type", stats.SyncType,
		"inserted", stats.Inserted,
		"updated", stats.Updated,
		"deleted", stats.Deleted,
		"skipped", stats.Skipped,
		"errors", stats.Errors,
	)
	if stats.Errors > 0 {
		return fmt.Errorf("sync finished with %d error(s), see log above", stats.Errors)
	}
	return nil
}

// resolveWindow turns the optional --from/--to flags into a concrete window,
// falling back to the configured day offsets around now.
func resolveWindow(fromFlag, toFlag string, cfg *config.Config) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	from := now.AddDate(0, 0, -cfg.DaysPast)
	to := now.AddDate(0, 0, cfg.DaysFuture)

	var err error
	if fromFlag != "" {
		if from, err = time.Parse(dateLayout, fromFlag); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --from date %q: %w", fromFlag, err)
		}
	}
	if toFlag != "" {
		if to, err = time.Parse(dateLayout, toFlag); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --to date %q: %w", toFlag, err)
		}
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("--to %s is before --from %s", to.Format(dateLayout), from.Format(dateLayout))
	}
	return from, to, nil
}

// runStatus prints the configuration and database state.
func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Println("ctsync status")
	fmt.Println("─────────────")

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Printf("  Config:   %s (unusable: %v)\n", *cfgPath, err)
		return nil
	}
	fmt.Printf("  Config:   %s\n", *cfgPath)
	fmt.Printf("  Server:   %s\n", cfg.BaseURL)
	fmt.Printf("  Calendars: %d selected\n", len(cfg.CalendarIDs))
	fmt.Printf("  Schedule: %s\n", cfg.Schedule)

	info, err := os.Stat(cfg.DBPath)
	if err != nil {
		fmt.Printf("  Database: not found (%s)\n", cfg.DBPath)
		return nil
	}
	fmt.Printf("  Database: %s (%s)\n", cfg.DBPath, humanSize(info.Size()))

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		fmt.Printf("  Database: unreadable: %v\n", err)
		return nil
	}
	defer st.Close()

	ctx := context.Background()
	if n, err := st.Count(ctx); err == nil {
		fmt.Printf("  Events:   %d stored\n", n)
	}
	if cur, err := st.GetCursor(ctx); err == nil {
		if cur.IsZero() {
			fmt.Println("  Last sync: never")
		} else {
			fmt.Printf("  Last sync: %s\n", cur.Local().Format(time.RFC1123))
		}
	}
	return nil
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
