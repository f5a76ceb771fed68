package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store provides SQLite storage for teamtrack
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite is single-writer; busy_timeout covers the second connection.
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	if dbPath == ":memory:" {
		// each connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-2000;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return s, nil
}

// createTables creates the database schema
func (s *Store) createTables() error {
	schema := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS daily_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_email TEXT NOT NULL,
			date TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 0,
			lines_added INTEGER NOT NULL DEFAULT 0,
			accepted_lines_added INTEGER NOT NULL DEFAULT 0,
			agent_requests INTEGER NOT NULL DEFAULT 0,
			chat_requests INTEGER NOT NULL DEFAULT 0,
			composer_requests INTEGER NOT NULL DEFAULT 0,
			tab_accepts INTEGER NOT NULL DEFAULT 0,
			tab_shows INTEGER NOT NULL DEFAULT 0,
			applies INTEGER NOT NULL DEFAULT 0,
			accepts INTEGER NOT NULL DEFAULT 0,
			rejects INTEGER NOT NULL DEFAULT 0,
			most_used_model TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL,
			UNIQUE(user_email, date)
		);

		CREATE TABLE IF NOT EXISTS user_stats (
			user_email TEXT PRIMARY KEY,
			total_lines_added INTEGER NOT NULL DEFAULT 0,
			total_accepted_lines INTEGER NOT NULL DEFAULT 0,
			total_chat_requests INTEGER NOT NULL DEFAULT 0,
			total_composer_requests INTEGER NOT NULL DEFAULT 0,
			total_agent_requests INTEGER NOT NULL DEFAULT 0,
			total_tab_accepts INTEGER NOT NULL DEFAULT 0,
			total_applies INTEGER NOT NULL DEFAULT 0,
			total_accepts INTEGER NOT NULL DEFAULT 0,
			active_days INTEGER NOT NULL DEFAULT 0,
			best_day_lines INTEGER NOT NULL DEFAULT 0,
			best_day_lines_date TEXT NOT NULL DEFAULT '',
			best_day_agent INTEGER NOT NULL DEFAULT 0,
			best_day_chat INTEGER NOT NULL DEFAULT 0,
			best_day_composer INTEGER NOT NULL DEFAULT 0,
			best_day_tab_accepts INTEGER NOT NULL DEFAULT 0,
			current_streak INTEGER NOT NULL DEFAULT 0,
			max_streak INTEGER NOT NULL DEFAULT 0,
			acceptance_rate REAL NOT NULL DEFAULT 0,
			first_active_date TEXT NOT NULL DEFAULT '',
			last_active_date TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS team_stats (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			member_count INTEGER NOT NULL DEFAULT 0,
			active_member_count INTEGER NOT NULL DEFAULT 0,
			total_lines_added INTEGER NOT NULL DEFAULT 0,
			total_accepted_lines INTEGER NOT NULL DEFAULT 0,
			total_chat_requests INTEGER NOT NULL DEFAULT 0,
			total_composer_requests INTEGER NOT NULL DEFAULT 0,
			total_agent_requests INTEGER NOT NULL DEFAULT 0,
			total_tab_accepts INTEGER NOT NULL DEFAULT 0,
			total_applies INTEGER NOT NULL DEFAULT 0,
			total_accepts INTEGER NOT NULL DEFAULT 0,
			total_active_days INTEGER NOT NULL DEFAULT 0,
			longest_streak INTEGER NOT NULL DEFAULT 0,
			longest_current_streak INTEGER NOT NULL DEFAULT 0,
			acceptance_rate REAL NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS user_achievements (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			achievement_id TEXT NOT NULL,
			subject TEXT NOT NULL,
			achieved_at TEXT NOT NULL,
			UNIQUE(achievement_id, subject)
		);

		CREATE TABLE IF NOT EXISTS team_achievements (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			achievement_id TEXT NOT NULL,
			subject TEXT NOT NULL,
			achieved_at TEXT NOT NULL,
			UNIQUE(achievement_id, subject)
		);

		CREATE TABLE IF NOT EXISTS sync_metadata (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			status TEXT NOT NULL DEFAULT 'idle',
			last_sync_at TEXT,
			last_sync_date TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			data_collection_start_date TEXT NOT NULL DEFAULT '',
			oldest_data_date TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS backfill_progress (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			anchor_end TEXT NOT NULL,
			inception TEXT NOT NULL,
			next_chunk INTEGER NOT NULL DEFAULT 0,
			total_chunks INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS team_members (
			email TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY,
			password_hash TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		-- Indexes
		CREATE INDEX IF NOT EXISTS idx_daily_snapshots_date ON daily_snapshots(date);
		CREATE INDEX IF NOT EXISTS idx_daily_snapshots_user_date ON daily_snapshots(user_email, date);
		CREATE INDEX IF NOT EXISTS idx_user_achievements_subject ON user_achievements(subject);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	return s.migrateSchema()
}

// migrateSchema handles schema migrations for existing databases
func (s *Store) migrateSchema() error {
	// Columns added after the first release of daily_snapshots.
	for _, col := range []string{"tab_shows", "rejects"} {
		if _, err := s.db.Exec(fmt.Sprintf(
			`ALTER TABLE daily_snapshots ADD COLUMN %s INTEGER NOT NULL DEFAULT 0`, col,
		)); err != nil {
			if !strings.Contains(err.Error(), "duplicate column name") {
				return fmt.Errorf("failed to add %s to daily_snapshots: %w", col, err)
			}
		}
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// ResetAll deletes every derived and ingested row. Admin password is kept.
func (s *Store) ResetAll() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store.ResetAll: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{
		"daily_snapshots",
		"user_stats",
		"team_stats",
		"user_achievements",
		"team_achievements",
		"sync_metadata",
		"backfill_progress",
	} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("store.ResetAll: clearing %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store.ResetAll: %w", err)
	}
	return nil
}

// GetUser returns the password hash for a username. Returns "" if not found.
func (s *Store) GetUser(username string) (string, error) {
	var hash string
	err := s.db.QueryRow("SELECT password_hash FROM users WHERE username = ?", username).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store.GetUser: %w", err)
	}
	return hash, nil
}

// UpsertUser inserts or updates a user's password hash.
func (s *Store) UpsertUser(username, passwordHash string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO users (username, password_hash, updated_at) VALUES (?, ?, ?)",
		username, passwordHash, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store.UpsertUser: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
