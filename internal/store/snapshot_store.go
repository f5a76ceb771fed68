package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/onllm-dev/teamtrack/internal/api"
)

// DailySnapshot is one user's activity on one UTC calendar day.
type DailySnapshot struct {
	ID                 int64
	UserEmail          string
	Date               string // YYYY-MM-DD
	IsActive           bool
	LinesAdded         int64
	AcceptedLinesAdded int64
	AgentRequests      int64
	ChatRequests       int64
	ComposerRequests   int64
	TabAccepts         int64
	TabShows           int64
	Applies            int64
	Accepts            int64
	Rejects            int64
	MostUsedModel      string
	UpdatedAt          time.Time
}

// SnapshotFromRecord converts an upstream record into its stored form.
// Negative counters are clamped to zero.
func SnapshotFromRecord(rec api.DailyUsageRecord) DailySnapshot {
	return DailySnapshot{
		UserEmail:          rec.NormalizedEmail(),
		Date:               rec.Day(),
		IsActive:           rec.IsActive,
		LinesAdded:         nonNegative(rec.TotalLinesAdded),
		AcceptedLinesAdded: nonNegative(rec.AcceptedLinesAdded),
		AgentRequests:      nonNegative(rec.AgentRequests),
		ChatRequests:       nonNegative(rec.ChatRequests),
		ComposerRequests:   nonNegative(rec.ComposerRequests),
		TabAccepts:         nonNegative(rec.TotalTabsAccepted),
		TabShows:           nonNegative(rec.TotalTabsShown),
		Applies:            nonNegative(rec.TotalApplies),
		Accepts:            nonNegative(rec.TotalAccepts),
		Rejects:            nonNegative(rec.TotalRejects),
		MostUsedModel:      rec.MostUsedModel,
	}
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

const upsertSnapshotSQL = `
	INSERT INTO daily_snapshots
	(user_email, date, is_active, lines_added, accepted_lines_added, agent_requests,
	 chat_requests, composer_requests, tab_accepts, tab_shows, applies, accepts, rejects,
	 most_used_model, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_email, date) DO UPDATE SET
		is_active = excluded.is_active,
		lines_added = excluded.lines_added,
		accepted_lines_added = excluded.accepted_lines_added,
		agent_requests = excluded.agent_requests,
		chat_requests = excluded.chat_requests,
		composer_requests = excluded.composer_requests,
		tab_accepts = excluded.tab_accepts,
		tab_shows = excluded.tab_shows,
		applies = excluded.applies,
		accepts = excluded.accepts,
		rejects = excluded.rejects,
		most_used_model = excluded.most_used_model,
		updated_at = excluded.updated_at`

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsertSnapshot(ex execer, snap DailySnapshot, now time.Time) error {
	_, err := ex.Exec(upsertSnapshotSQL,
		snap.UserEmail, snap.Date, boolToInt(snap.IsActive),
		snap.LinesAdded, snap.AcceptedLinesAdded, snap.AgentRequests,
		snap.ChatRequests, snap.ComposerRequests, snap.TabAccepts, snap.TabShows,
		snap.Applies, snap.Accepts, snap.Rejects,
		snap.MostUsedModel, formatTime(now),
	)
	return err
}

// UpsertSnapshot writes a snapshot keyed by (user, day). A second write for
// the same key replaces every column.
func (s *Store) UpsertSnapshot(snap DailySnapshot) error {
	if snap.UserEmail == "" || snap.Date == "" {
		return fmt.Errorf("store.UpsertSnapshot: user email and date are required")
	}
	if err := upsertSnapshot(s.db, snap, time.Now()); err != nil {
		return fmt.Errorf("store.UpsertSnapshot: %w", err)
	}
	return nil
}

// UpsertSnapshots writes a batch of snapshots in one transaction.
func (s *Store) UpsertSnapshots(snaps []DailySnapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store.UpsertSnapshots: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	for _, snap := range snaps {
		if snap.UserEmail == "" || snap.Date == "" {
			return fmt.Errorf("store.UpsertSnapshots: user email and date are required")
		}
		if err := upsertSnapshot(tx, snap, now); err != nil {
			return fmt.Errorf("store.UpsertSnapshots: %s %s: %w", snap.UserEmail, snap.Date, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store.UpsertSnapshots: %w", err)
	}
	return nil
}

const snapshotColumns = `id, user_email, date, is_active, lines_added, accepted_lines_added,
	agent_requests, chat_requests, composer_requests, tab_accepts, tab_shows,
	applies, accepts, rejects, most_used_model, updated_at`

func scanSnapshots(rows *sql.Rows) ([]DailySnapshot, error) {
	defer rows.Close()

	var snaps []DailySnapshot
	for rows.Next() {
		var snap DailySnapshot
		var active int
		var updatedAt string
		if err := rows.Scan(
			&snap.ID, &snap.UserEmail, &snap.Date, &active,
			&snap.LinesAdded, &snap.AcceptedLinesAdded,
			&snap.AgentRequests, &snap.ChatRequests, &snap.ComposerRequests,
			&snap.TabAccepts, &snap.TabShows,
			&snap.Applies, &snap.Accepts, &snap.Rejects,
			&snap.MostUsedModel, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snap.IsActive = active != 0
		snap.UpdatedAt = parseTime(updatedAt)
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// QueryUserSnapshots returns every snapshot for a user, oldest day first.
func (s *Store) QueryUserSnapshots(email string) ([]DailySnapshot, error) {
	rows, err := s.db.Query(
		`SELECT `+snapshotColumns+` FROM daily_snapshots WHERE user_email = ? ORDER BY date ASC`,
		email,
	)
	if err != nil {
		return nil, fmt.Errorf("store.QueryUserSnapshots: %w", err)
	}
	return scanSnapshots(rows)
}

// QuerySnapshotsRange returns snapshots with from <= date <= to.
// Empty bounds are open.
func (s *Store) QuerySnapshotsRange(from, to string) ([]DailySnapshot, error) {
	if from == "" {
		from = "0000-00-00"
	}
	if to == "" {
		to = "9999-99-99"
	}
	rows, err := s.db.Query(
		`SELECT `+snapshotColumns+` FROM daily_snapshots
		WHERE date BETWEEN ? AND ? ORDER BY user_email ASC, date ASC`,
		from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("store.QuerySnapshotsRange: %w", err)
	}
	return scanSnapshots(rows)
}

// CountSnapshots returns the total number of stored snapshots.
func (s *Store) CountSnapshots() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM daily_snapshots`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store.CountSnapshots: %w", err)
	}
	return n, nil
}

// QuerySnapshotEmails returns every user that has at least one snapshot.
func (s *Store) QuerySnapshotEmails() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT user_email FROM daily_snapshots ORDER BY user_email ASC`)
	if err != nil {
		return nil, fmt.Errorf("store.QuerySnapshotEmails: %w", err)
	}
	defer rows.Close()

	var emails []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("store.QuerySnapshotEmails: %w", err)
		}
		emails = append(emails, email)
	}
	return emails, rows.Err()
}

// QueryOldestSnapshotDate returns the earliest stored day, or "" when empty.
func (s *Store) QueryOldestSnapshotDate() (string, error) {
	var oldest sql.NullString
	if err := s.db.QueryRow(`SELECT MIN(date) FROM daily_snapshots`).Scan(&oldest); err != nil {
		return "", fmt.Errorf("store.QueryOldestSnapshotDate: %w", err)
	}
	return oldest.String, nil
}
