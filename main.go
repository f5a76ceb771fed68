package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onllm-dev/teamtrack/internal/achievement"
	"github.com/onllm-dev/teamtrack/internal/agent"
	"github.com/onllm-dev/teamtrack/internal/api"
	"github.com/onllm-dev/teamtrack/internal/config"
	"github.com/onllm-dev/teamtrack/internal/store"
	"github.com/onllm-dev/teamtrack/internal/syncstate"
	"github.com/onllm-dev/teamtrack/internal/tracker"
	"github.com/onllm-dev/teamtrack/internal/web"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// hasCommand checks if any of the given commands/flags exist in os.Args[1:].
func hasCommand(cmds ...string) bool {
	for _, arg := range os.Args[1:] {
		for _, cmd := range cmds {
			if arg == cmd {
				return true
			}
		}
	}
	return false
}

// oneShotCommand returns the sync subcommand in os.Args, or "".
func oneShotCommand() string {
	for _, arg := range os.Args[1:] {
		switch arg {
		case "sync", "backfill", "backfill-history":
			return arg
		}
	}
	return ""
}

func run() error {
	if hasCommand("--version", "-v", "version") {
		fmt.Printf("teamtrack v%s\n", version)
		fmt.Println("github.com/onllm-dev/teamtrack")
		return nil
	}
	if hasCommand("--help", "-h", "help") {
		printHelp()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	oneShot := oneShotCommand()

	// Ensure data directory exists before the log file is opened next to it
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0700); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create data directory: %v\n", err)
	}

	logWriter := os.Stdout
	if oneShot == "" {
		w, err := cfg.LogWriter()
		if err != nil {
			return fmt.Errorf("failed to setup logging: %w", err)
		}
		if f, ok := w.(*os.File); ok {
			logWriter = f
		}
	}
	defer func() {
		if logWriter != os.Stdout {
			logWriter.Close()
		}
	}()

	logger := slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if oneShot == "" && (cfg.DebugMode || cfg.IsDockerEnvironment()) {
		printBanner(cfg, version)
	}
	logger.Debug("Loaded configuration", "config", cfg.String())

	db, err := store.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	logger.Info("Database opened", "path", cfg.DBPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	state, closeState, err := openSyncState(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeState()

	client := api.NewClient(cfg.UsageAPIKey, logger, api.WithBaseURL(cfg.UsageBaseURL))
	engine := achievement.NewEngine(db, logger)
	syncer := agent.NewSyncer(client, db, tracker.New(db, logger), engine, state, agent.Options{
		MinInterval:   cfg.MinSyncInterval,
		Inception:     cfg.InceptionDate,
		BackfillDelay: cfg.BackfillDelay,
	}, logger)

	if oneShot != "" {
		return runOnce(ctx, syncer, oneShot)
	}

	if _, err := web.EnsureAdmin(db, cfg.AdminUser, cfg.AdminPass, logger); err != nil {
		return fmt.Errorf("failed to initialise admin user: %w", err)
	}

	handler := web.NewHandler(ctx, syncer, db, engine, version, logger)
	server := web.NewServer(web.ServerConfig{
		Addr:                 cfg.ListenAddr(),
		CronSecret:           cfg.CronSecret,
		SchedulerHeader:      cfg.SchedulerHeader,
		SchedulerHeaderValue: cfg.SchedulerHeaderValue,
		LookupUser:           db.GetUser,
	}, handler, logger)
	if cfg.CronSecret == "" && cfg.SchedulerHeader == "" {
		logger.Warn("Neither SYNC_CRON_SECRET nor SYNC_SCHEDULER_HEADER is set; POST /api/sync will reject every request")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ag := agent.New(syncer, cfg.SyncSchedule, cfg.SyncOnStart, logger)
	agentErr := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Agent panicked", "panic", r)
				agentErr <- fmt.Errorf("agent panic: %v", r)
			}
		}()
		if err := ag.Run(ctx); err != nil {
			agentErr <- fmt.Errorf("agent error: %w", err)
		}
	}()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting web server", "addr", cfg.ListenAddr())
		if err := server.Start(); err != nil {
			serverErr <- fmt.Errorf("server error: %w", err)
		}
	}()

	// Wait for signal or error
	select {
	case sig := <-sigChan:
		logger.Info("Received signal, shutting down gracefully", "signal", sig)
	case err := <-agentErr:
		logger.Error("Agent failed", "error", err)
	case err := <-serverErr:
		logger.Error("Server failed", "error", err)
	}

	logger.Info("Shutting down...")

	// Cancel context to stop the agent and any background backfill
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	logger.Info("Shutdown complete")
	return nil
}

// openSyncState returns the lock and metadata backend: Redis when configured,
// otherwise an in-process store that only serialises syncs within this process.
func openSyncState(ctx context.Context, cfg *config.Config, logger *slog.Logger) (syncstate.Store, func(), error) {
	if !cfg.UsesRedis() {
		logger.Info("Using in-process sync lock (REDIS_ADDR not set)")
		return syncstate.NewMemoryStore(cfg.LockTTL), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	rs := syncstate.NewRedisStore(rdb, cfg.LockTTL, logger)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rs.Ping(pingCtx); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("redis at %s unreachable: %w", cfg.RedisAddr, err)
	}

	logger.Info("Using Redis sync lock", "addr", cfg.RedisAddr, "db", cfg.RedisDB)
	return rs, func() { rdb.Close() }, nil
}

// runOnce executes one sync from the command line and prints the result.
func runOnce(ctx context.Context, syncer *agent.Syncer, cmd string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var res *agent.Result
	switch cmd {
	case "sync":
		res = syncer.RunIncremental(ctx)
	case "backfill":
		var err error
		res, err = syncer.RunFullBackfill(ctx)
		if err != nil {
			return err
		}
	case "backfill-history":
		res = syncer.RunHistoricalBackfill(ctx)
	}

	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(out))

	if !res.Success && !res.Skipped {
		return fmt.Errorf("%s failed: %s", cmd, res.Error)
	}
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func printBanner(cfg *config.Config, version string) {
	lock := "in-process"
	if cfg.UsesRedis() {
		lock = "redis " + cfg.RedisAddr
	}

	fmt.Println()
	fmt.Println("╔══════════════════════════════════════╗")
	fmt.Printf("║  teamtrack v%-24s ║\n", version)
	fmt.Println("╠══════════════════════════════════════╣")
	fmt.Printf("║  Listen:    %-24s ║\n", cfg.ListenAddr())
	fmt.Printf("║  Schedule:  %-24s ║\n", cfg.SyncSchedule)
	fmt.Printf("║  Lock:      %-24s ║\n", truncate(lock, 24))
	fmt.Printf("║  Database:  %-24s ║\n", truncate(cfg.DBPath, 24))
	fmt.Printf("║  Admin:     %-24s ║\n", cfg.AdminUser+" / ****")
	if cfg.TestMode {
		fmt.Println("║  Mode:      TEST (isolated)          ║")
	}
	fmt.Println("╚══════════════════════════════════════╝")
	fmt.Println()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n+1:]
}

func printHelp() {
	fmt.Println("teamtrack - Team AI usage sync and stats service")
	fmt.Println()
	fmt.Println("Usage: teamtrack [COMMAND] [OPTIONS]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  (none)             Run the HTTP API and the sync scheduler")
	fmt.Println("  sync               Run one incremental sync and exit")
	fmt.Println("  backfill           Load the last 30 days into an empty database and exit")
	fmt.Println("  backfill-history   Load everything since SYNC_INCEPTION_DATE and exit")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  version, --version Print version and exit")
	fmt.Println("  --help             Print this help message")
	fmt.Println("  --port PORT        HTTP port (default: 9311)")
	fmt.Println("  --db PATH          SQLite database file path (default: ~/.teamtrack/data/teamtrack.db)")
	fmt.Println("  --debug            Log to stdout")
	fmt.Println("  --test             Test mode: isolated log file")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  USAGE_API_KEY           Team usage API key (required)")
	fmt.Println("  USAGE_API_BASE_URL      Usage API base URL (default: https://api.cursor.com/teams)")
	fmt.Println("  TEAMTRACK_PORT          HTTP port")
	fmt.Println("  TEAMTRACK_HOST          Bind address (default: 0.0.0.0)")
	fmt.Println("  TEAMTRACK_ADMIN_USER    Admin username for backfill/reset endpoints")
	fmt.Println("  TEAMTRACK_ADMIN_PASS    Admin password (hashed with bcrypt on first start)")
	fmt.Println("  TEAMTRACK_DB_PATH       SQLite database file path")
	fmt.Println("  TEAMTRACK_LOG_LEVEL     Log level: debug, info, warn, error")
	fmt.Println("  REDIS_ADDR              Redis address for the shared sync lock (optional)")
	fmt.Println("  REDIS_PASSWORD          Redis password")
	fmt.Println("  REDIS_DB                Redis database number")
	fmt.Println("  SYNC_CRON_SECRET        Bearer secret accepted by POST /api/sync")
	fmt.Println("  SYNC_SCHEDULER_HEADER   Header set by a platform scheduler")
	fmt.Println("  SYNC_SCHEDULER_HEADER_VALUE  Value that header must carry (required with it)")
	fmt.Println("  SYNC_SCHEDULE           In-process cron schedule (default: @hourly)")
	fmt.Println("  SYNC_ON_START           Run a sync at startup (true/false)")
	fmt.Println("  SYNC_MIN_INTERVAL       Minimum seconds between scheduled syncs (default: 300)")
	fmt.Println("  SYNC_LOCK_TTL           Sync lock TTL in seconds (default: 600)")
	fmt.Println("  SYNC_INCEPTION_DATE     Earliest day for backfill-history (default: 2024-01-01)")
	fmt.Println("  SYNC_BACKFILL_DELAY_MS  Pause between history chunks (default: 1000)")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  teamtrack --debug                 # Run in the foreground")
	fmt.Println("  teamtrack sync                    # One incremental sync")
	fmt.Println("  teamtrack --db ./t.db backfill    # Initial load into a new database")
}
