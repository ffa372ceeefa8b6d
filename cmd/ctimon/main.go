package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"cti-watch/monitor/internal/config"
	"cti-watch/monitor/internal/database"
	"cti-watch/monitor/internal/extract"
	"cti-watch/monitor/internal/importer"
	"cti-watch/monitor/internal/joplin"
	"cti-watch/monitor/internal/llm"
	"cti-watch/monitor/internal/pipeline"
	"cti-watch/monitor/internal/poller"
	"cti-watch/monitor/internal/scheduler"
	"cti-watch/monitor/internal/server"
	"cti-watch/monitor/internal/storage"
)

func init() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "2006-01-02 15:04:05"})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func usage() {
	fmt.Println("Usage: ctimon [command] [options]")
	fmt.Println("Commands: start, serve, poll, process, import")
	fmt.Println("\nFor command-specific options, use: ctimon [command] -h")
}

func main() {
	cfg := config.DefaultConfig()

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "-h", "--help", "help":
		usage()
		os.Exit(0)
	case "start", "serve", "poll", "process", "import":
	default:
		log.Error().Str("command", cmd).Msg("Unknown command")
		usage()
		os.Exit(1)
	}

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath,
		"Path to the SQLite database file (env: CTIMON_DB_PATH)")

	var logLevelStr string
	fs.StringVar(&logLevelStr, "log-level", config.GetEnvString("CTIMON_LOG_LEVEL", config.DefaultLogLevel),
		"Log level: debug, info, warn, error (env: CTIMON_LOG_LEVEL)")

	switch cmd {
	case "start", "serve":
		fs.StringVar(&cfg.ServerHost, "host", cfg.ServerHost,
			"Host to bind the API server to (env: CTIMON_SERVER_HOST)")
		fs.IntVar(&cfg.ServerPort, "port", cfg.ServerPort,
			"Port the API server listens on (env: CTIMON_SERVER_PORT)")
		fs.StringVar(&cfg.LockPath, "lock", cfg.LockPath,
			"Path to the scheduler lock file, empty for the default (env: CTIMON_LOCK_PATH)")
	case "import":
		fs.StringVar(&cfg.FeedsCSVPath, "csv", cfg.FeedsCSVPath,
			"Path to the feeds CSV file (env: CTIMON_FEEDS_CSV)")
	}

	fs.Parse(os.Args[2:])

	if level, err := zerolog.ParseLevel(logLevelStr); err == nil {
		cfg.LogLevel = level
	}
	zerolog.SetGlobalLevel(cfg.LogLevel)

	var err error
	switch cmd {
	case "start":
		err = runDaemon(cfg, true)
	case "serve":
		err = runDaemon(cfg, false)
	case "poll":
		err = runOnce(cfg, func(ctx context.Context, d *deps) error {
			return d.poller.PollAll(ctx)
		})
	case "process":
		err = runOnce(cfg, func(ctx context.Context, d *deps) error {
			return d.pipeline.ProcessPending(ctx)
		})
	case "import":
		err = runImport(cfg)
	}

	if err != nil {
		log.Error().Err(err).Str("command", cmd).Msg("Command failed")
		os.Exit(1)
	}
}

// deps bundles the collaborators every command builds on top of the database.
type deps struct {
	db       *database.DB
	store    *storage.Repository
	poller   *poller.Poller
	pipeline *pipeline.Pipeline
}

func buildDeps(cfg *config.Config) (*deps, error) {
	dbCfg := database.NewConfig(cfg.DBPath)
	db, err := database.NewDB(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	store := storage.NewRepository(db)
	if err := store.EnsureDefaults(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to provision default settings: %w", err)
	}

	pipe := pipeline.New(
		store,
		extract.NewFetcher(0),
		llm.NewClient(cfg.OpenAIEndpoint, cfg.HTTPTimeout),
		joplin.NewClient(0),
	)

	return &deps{
		db:       db,
		store:    store,
		poller:   poller.New(store),
		pipeline: pipe,
	}, nil
}

// runOnce executes a single job with signal-aware cancellation and exits.
func runOnce(cfg *config.Config, fn func(context.Context, *deps) error) error {
	d, err := buildDeps(cfg)
	if err != nil {
		return err
	}
	defer d.db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return fn(ctx, d)
}

// runDaemon runs the HTTP control API, with the background scheduler when
// withScheduler is set. A serve-only process still registers the jobs so
// manual triggers run synchronously in-process.
func runDaemon(cfg *config.Config, withScheduler bool) error {
	d, err := buildDeps(cfg)
	if err != nil {
		return err
	}
	defer d.db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lockPath := cfg.LockPath
	if lockPath == "" {
		lockPath = scheduler.DefaultLockPath()
	}

	sched := scheduler.New(scheduler.NewFileLock(lockPath), d.store)
	sched.Register(scheduler.JobPollFeeds, d.poller.PollAll)
	sched.Register(scheduler.JobProcessArticles, d.pipeline.ProcessPending)

	if withScheduler {
		settings, err := d.store.Settings(ctx)
		if err != nil {
			return fmt.Errorf("failed to load settings: %w", err)
		}
		pollInterval := time.Duration(settings.CheckInterval) * time.Minute

		if err := sched.Start(ctx, pollInterval); err != nil {
			if errors.Is(err, scheduler.ErrAlreadyRunning) {
				log.Warn().Msg("Another scheduler instance is running, continuing with API only")
			} else {
				return fmt.Errorf("failed to start scheduler: %w", err)
			}
		} else {
			defer func() {
				if err := sched.Shutdown(); err != nil {
					log.Error().Err(err).Msg("Scheduler shutdown error")
				}
			}()
			log.Info().
				Dur("poll_interval", pollInterval).
				Dur("process_interval", scheduler.ProcessInterval).
				Msg("Scheduler started")
		}
	}

	return server.RunServer(ctx, d.store, sched, cfg.ListenAddr(), log.Logger, cfg.APIKey)
}

// runImport loads feed definitions from a CSV file into the database.
func runImport(cfg *config.Config) error {
	d, err := buildDeps(cfg)
	if err != nil {
		return err
	}
	defer d.db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return importer.NewImporter(d.store).ImportFeeds(ctx, cfg.FeedsCSVPath)
}
