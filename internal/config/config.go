// Package config handles loading and validation of teamtrack configuration.
// It loads from .env files, environment variables, and CLI flags.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DateLayout is the calendar-day format used for inception and sync dates.
const DateLayout = "2006-01-02"

// Config holds all application configuration.
type Config struct {
	// Upstream usage API
	UsageAPIKey  string // USAGE_API_KEY
	UsageBaseURL string // USAGE_API_BASE_URL

	// HTTP server
	Port      int    // TEAMTRACK_PORT
	Host      string // TEAMTRACK_HOST (bind address, default: 0.0.0.0)
	AdminUser string // TEAMTRACK_ADMIN_USER
	AdminPass string // TEAMTRACK_ADMIN_PASS

	// Storage
	DBPath         string // TEAMTRACK_DB_PATH
	DBPathExplicit bool   // true if user explicitly set --db or TEAMTRACK_DB_PATH
	LogLevel       string // TEAMTRACK_LOG_LEVEL

	// Lock & metadata store. Empty RedisAddr selects the in-process store.
	RedisAddr     string // REDIS_ADDR
	RedisPassword string // REDIS_PASSWORD
	RedisDB       int    // REDIS_DB

	// Sync triggers
	CronSecret           string        // SYNC_CRON_SECRET
	SchedulerHeader      string        // SYNC_SCHEDULER_HEADER (header set by the platform scheduler)
	SchedulerHeaderValue string        // SYNC_SCHEDULER_HEADER_VALUE (required value of that header)
	SyncSchedule         string        // SYNC_SCHEDULE (cron spec, default @hourly)
	SyncOnStart          bool          // SYNC_ON_START
	MinSyncInterval      time.Duration // SYNC_MIN_INTERVAL (seconds → Duration)
	LockTTL              time.Duration // SYNC_LOCK_TTL (seconds → Duration)
	InceptionDate        time.Time     // SYNC_INCEPTION_DATE (YYYY-MM-DD)
	BackfillDelay        time.Duration // SYNC_BACKFILL_DELAY_MS (milliseconds → Duration)

	DebugMode bool // --debug flag (foreground mode)
	TestMode  bool // --test flag (test mode isolation)
}

// flagValues holds parsed CLI flags.
type flagValues struct {
	port  int
	db    string
	debug bool
	test  bool
}

// Load reads configuration from .env file, environment variables, and CLI flags.
// Flags take precedence over environment variables.
func Load() (*Config, error) {
	return loadWithArgs(os.Args[1:])
}

// loadWithArgs loads config with specific arguments (for testing).
func loadWithArgs(args []string) (*Config, error) {
	flags := &flagValues{}

	// Parse CLI flags manually to avoid flag.ExitOnError in tests
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--debug":
			flags.debug = true
		case arg == "--test":
			flags.test = true
		case strings.HasPrefix(arg, "--port="):
			if v, err := strconv.Atoi(strings.TrimPrefix(arg, "--port=")); err == nil {
				flags.port = v
			}
		case arg == "--port":
			if i+1 < len(args) {
				if v, err := strconv.Atoi(args[i+1]); err == nil {
					flags.port = v
					i++
				}
			}
		case strings.HasPrefix(arg, "--db="):
			flags.db = strings.TrimPrefix(arg, "--db=")
		case arg == "--db":
			if i+1 < len(args) {
				flags.db = args[i+1]
				i++
			}
		}
	}

	return loadFromEnvAndFlags(flags)
}

// loadFromEnvAndFlags combines environment variables with CLI flags.
func loadFromEnvAndFlags(flags *flagValues) (*Config, error) {
	// .env is optional
	_ = godotenv.Load(".env")

	cfg := &Config{}

	cfg.UsageAPIKey = os.Getenv("USAGE_API_KEY")
	cfg.UsageBaseURL = strings.TrimRight(os.Getenv("USAGE_API_BASE_URL"), "/")

	if flags.port > 0 {
		cfg.Port = flags.port
	} else if v, ok := envInt("TEAMTRACK_PORT"); ok {
		cfg.Port = v
	}
	cfg.Host = os.Getenv("TEAMTRACK_HOST")

	cfg.AdminUser = os.Getenv("TEAMTRACK_ADMIN_USER")
	cfg.AdminPass = os.Getenv("TEAMTRACK_ADMIN_PASS")

	if flags.db != "" {
		cfg.DBPath = flags.db
		cfg.DBPathExplicit = true
	} else if envDB := os.Getenv("TEAMTRACK_DB_PATH"); envDB != "" {
		cfg.DBPath = envDB
		cfg.DBPathExplicit = true
	}

	cfg.LogLevel = os.Getenv("TEAMTRACK_LOG_LEVEL")

	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if v, ok := envInt("REDIS_DB"); ok {
		cfg.RedisDB = v
	}

	cfg.CronSecret = os.Getenv("SYNC_CRON_SECRET")
	cfg.SchedulerHeader = os.Getenv("SYNC_SCHEDULER_HEADER")
	cfg.SchedulerHeaderValue = os.Getenv("SYNC_SCHEDULER_HEADER_VALUE")
	cfg.SyncSchedule = os.Getenv("SYNC_SCHEDULE")
	if env := os.Getenv("SYNC_ON_START"); env != "" {
		if v, err := strconv.ParseBool(env); err == nil {
			cfg.SyncOnStart = v
		}
	}
	if v, ok := envInt("SYNC_MIN_INTERVAL"); ok {
		cfg.MinSyncInterval = time.Duration(v) * time.Second
	}
	if v, ok := envInt("SYNC_LOCK_TTL"); ok {
		cfg.LockTTL = time.Duration(v) * time.Second
	}
	if v, ok := envInt("SYNC_BACKFILL_DELAY_MS"); ok {
		cfg.BackfillDelay = time.Duration(v) * time.Millisecond
	}
	if env := os.Getenv("SYNC_INCEPTION_DATE"); env != "" {
		d, err := time.Parse(DateLayout, env)
		if err != nil {
			return nil, fmt.Errorf("SYNC_INCEPTION_DATE must be YYYY-MM-DD: %w", err)
		}
		cfg.InceptionDate = d
	}

	cfg.DebugMode = flags.debug
	cfg.TestMode = flags.test

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func envInt(key string) (int, bool) {
	env := os.Getenv(key)
	if env == "" {
		return 0, false
	}
	v, err := strconv.Atoi(env)
	if err != nil {
		return 0, false
	}
	return v, true
}

// applyDefaults sets default values for empty config fields.
func (c *Config) applyDefaults() {
	if c.UsageBaseURL == "" {
		c.UsageBaseURL = "https://api.cursor.com/teams"
	}
	if c.Port == 0 {
		c.Port = 9311
	}
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.AdminUser == "" {
		c.AdminUser = "admin"
	}
	if c.AdminPass == "" {
		c.AdminPass = "changeme"
	}
	if c.DBPath == "" {
		if c.IsDockerEnvironment() {
			c.DBPath = "/data/teamtrack.db"
		} else {
			home, err := os.UserHomeDir()
			if err != nil || home == "" {
				c.DBPath = "./teamtrack.db"
			} else {
				c.DBPath = filepath.Join(home, ".teamtrack", "data", "teamtrack.db")
			}
		}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.SyncSchedule == "" {
		c.SyncSchedule = "@hourly"
	}
	if c.MinSyncInterval == 0 {
		c.MinSyncInterval = 5 * time.Minute
	}
	if c.LockTTL == 0 {
		c.LockTTL = 10 * time.Minute
	}
	if c.BackfillDelay == 0 {
		c.BackfillDelay = time.Second
	}
	if c.InceptionDate.IsZero() {
		c.InceptionDate = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.UsageAPIKey == "" {
		return fmt.Errorf("USAGE_API_KEY must be set")
	}

	if !strings.HasPrefix(c.UsageBaseURL, "http://") && !strings.HasPrefix(c.UsageBaseURL, "https://") {
		return fmt.Errorf("USAGE_API_BASE_URL must be an http(s) URL")
	}

	if c.Port < 1024 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1024 and 65535")
	}

	if c.MinSyncInterval < 0 {
		return fmt.Errorf("sync min interval cannot be negative")
	}

	// A lock that expires before a historical backfill chunk finishes lets a second run in.
	if c.LockTTL < time.Minute {
		return fmt.Errorf("sync lock TTL must be at least %v", time.Minute)
	}

	if c.SchedulerHeader != "" && c.SchedulerHeaderValue == "" {
		return fmt.Errorf("SYNC_SCHEDULER_HEADER requires SYNC_SCHEDULER_HEADER_VALUE")
	}

	if c.RedisDB < 0 {
		return fmt.Errorf("REDIS_DB cannot be negative")
	}

	if c.InceptionDate.After(time.Now().UTC()) {
		return fmt.Errorf("SYNC_INCEPTION_DATE cannot be in the future")
	}

	return nil
}

// UsesRedis reports whether the lock and metadata live in Redis.
func (c *Config) UsesRedis() bool {
	return c.RedisAddr != ""
}

// ListenAddr returns the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// String returns a redacted string representation of the config.
func (c *Config) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Config{\n")
	fmt.Fprintf(&sb, "  UsageAPIKey: %s,\n", redactSecret(c.UsageAPIKey))
	fmt.Fprintf(&sb, "  UsageBaseURL: %s,\n", c.UsageBaseURL)
	fmt.Fprintf(&sb, "  Host: %s,\n", c.Host)
	fmt.Fprintf(&sb, "  Port: %d,\n", c.Port)
	fmt.Fprintf(&sb, "  AdminUser: %s,\n", c.AdminUser)
	fmt.Fprintf(&sb, "  AdminPass: ****,\n")
	fmt.Fprintf(&sb, "  DBPath: %s,\n", c.DBPath)
	fmt.Fprintf(&sb, "  LogLevel: %s,\n", c.LogLevel)
	if c.UsesRedis() {
		fmt.Fprintf(&sb, "  RedisAddr: %s,\n", c.RedisAddr)
		fmt.Fprintf(&sb, "  RedisDB: %d,\n", c.RedisDB)
	} else {
		fmt.Fprintf(&sb, "  RedisAddr: (in-memory),\n")
	}
	fmt.Fprintf(&sb, "  CronSecret: %s,\n", redactSecret(c.CronSecret))
	if c.SchedulerHeader != "" {
		fmt.Fprintf(&sb, "  SchedulerHeader: %s=%s,\n", c.SchedulerHeader, redactSecret(c.SchedulerHeaderValue))
	}
	fmt.Fprintf(&sb, "  SyncSchedule: %s,\n", c.SyncSchedule)
	fmt.Fprintf(&sb, "  SyncOnStart: %v,\n", c.SyncOnStart)
	fmt.Fprintf(&sb, "  MinSyncInterval: %v,\n", c.MinSyncInterval)
	fmt.Fprintf(&sb, "  LockTTL: %v,\n", c.LockTTL)
	fmt.Fprintf(&sb, "  InceptionDate: %s,\n", c.InceptionDate.Format(DateLayout))
	fmt.Fprintf(&sb, "  BackfillDelay: %v,\n", c.BackfillDelay)
	fmt.Fprintf(&sb, "  DebugMode: %v,\n", c.DebugMode)
	fmt.Fprintf(&sb, "}")

	return sb.String()
}

// redactSecret masks a secret for display.
func redactSecret(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 7 {
		return "***...***"
	}
	// first 4 and last 3
	return key[:4] + "***...***" + key[len(key)-3:]
}

// LogWriter returns the appropriate log destination based on debug mode.
// Debug mode and Docker log to stdout; otherwise logs go to .teamtrack.log
// next to the database.
func (c *Config) LogWriter() (io.Writer, error) {
	if c.DebugMode || c.IsDockerEnvironment() {
		return os.Stdout, nil
	}

	logName := ".teamtrack.log"
	if c.TestMode {
		logName = ".teamtrack-test.log"
	}
	logPath := filepath.Join(filepath.Dir(c.DBPath), logName)

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return file, nil
}

// IsDockerEnvironment detects if running inside a Docker container.
func (c *Config) IsDockerEnvironment() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return os.Getenv("DOCKER_CONTAINER") != ""
}
