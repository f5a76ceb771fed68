package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/onllm-dev/teamtrack/internal/api"
)

// SyncMetadataRow is the read-only SQLite copy of the sync status record.
// The authoritative record lives in the lock store.
type SyncMetadataRow struct {
	Status                  string
	LastSyncAt              *time.Time
	LastSyncDate            string
	ErrorMessage            string
	DataCollectionStartDate string
	OldestDataDate          string
	UpdatedAt               time.Time
}

// SaveSyncMetadata overwrites the projected sync metadata.
func (s *Store) SaveSyncMetadata(m SyncMetadataRow) error {
	var lastSyncAt any
	if m.LastSyncAt != nil {
		lastSyncAt = formatTime(*m.LastSyncAt)
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO sync_metadata
		(id, status, last_sync_at, last_sync_date, error_message,
		 data_collection_start_date, oldest_data_date, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)`,
		m.Status, lastSyncAt, m.LastSyncDate, m.ErrorMessage,
		m.DataCollectionStartDate, m.OldestDataDate, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("store.SaveSyncMetadata: %w", err)
	}
	return nil
}

// QuerySyncMetadata returns the projected metadata, or nil if never written.
func (s *Store) QuerySyncMetadata() (*SyncMetadataRow, error) {
	var m SyncMetadataRow
	var lastSyncAt sql.NullString
	var updatedAt string
	err := s.db.QueryRow(`
		SELECT status, last_sync_at, last_sync_date, error_message,
		 data_collection_start_date, oldest_data_date, updated_at
		FROM sync_metadata WHERE id = 1`,
	).Scan(&m.Status, &lastSyncAt, &m.LastSyncDate, &m.ErrorMessage,
		&m.DataCollectionStartDate, &m.OldestDataDate, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store.QuerySyncMetadata: %w", err)
	}
	if lastSyncAt.Valid {
		t := parseTime(lastSyncAt.String)
		m.LastSyncAt = &t
	}
	m.UpdatedAt = parseTime(updatedAt)
	return &m, nil
}

// BackfillProgress tracks a historical backfill so a failed run can resume.
type BackfillProgress struct {
	AnchorEnd   time.Time
	Inception   time.Time
	NextChunk   int
	TotalChunks int
	UpdatedAt   time.Time
}

// SaveBackfillProgress records the next chunk to fetch.
func (s *Store) SaveBackfillProgress(p BackfillProgress) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO backfill_progress
		(id, anchor_end, inception, next_chunk, total_chunks, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)`,
		formatTime(p.AnchorEnd), formatTime(p.Inception), p.NextChunk, p.TotalChunks,
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("store.SaveBackfillProgress: %w", err)
	}
	return nil
}

// QueryBackfillProgress returns the in-flight backfill, or nil if none.
func (s *Store) QueryBackfillProgress() (*BackfillProgress, error) {
	var p BackfillProgress
	var anchorEnd, inception, updatedAt string
	err := s.db.QueryRow(`
		SELECT anchor_end, inception, next_chunk, total_chunks, updated_at
		FROM backfill_progress WHERE id = 1`,
	).Scan(&anchorEnd, &inception, &p.NextChunk, &p.TotalChunks, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store.QueryBackfillProgress: %w", err)
	}
	p.AnchorEnd = parseTime(anchorEnd)
	p.Inception = parseTime(inception)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// ClearBackfillProgress removes the progress record.
func (s *Store) ClearBackfillProgress() error {
	if _, err := s.db.Exec(`DELETE FROM backfill_progress`); err != nil {
		return fmt.Errorf("store.ClearBackfillProgress: %w", err)
	}
	return nil
}

// TeamMember is a stored roster entry.
type TeamMember struct {
	Email     string
	Name      string
	Role      string
	UpdatedAt time.Time
}

// UpsertTeamMembers refreshes roster entries. Members missing from the list
// are kept so historical snapshots stay labelled.
func (s *Store) UpsertTeamMembers(members []api.TeamMember) error {
	if len(members) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store.UpsertTeamMembers: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now())
	for _, m := range members {
		rec := api.DailyUsageRecord{Email: m.Email}
		email := rec.NormalizedEmail()
		if email == "" {
			continue
		}
		if _, err := tx.Exec(`
			INSERT INTO team_members (email, name, role, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(email) DO UPDATE SET name = excluded.name, role = excluded.role, updated_at = excluded.updated_at`,
			email, m.Name, m.Role, now,
		); err != nil {
			return fmt.Errorf("store.UpsertTeamMembers: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store.UpsertTeamMembers: %w", err)
	}
	return nil
}

// QueryTeamMembers returns the roster keyed by email.
func (s *Store) QueryTeamMembers() (map[string]TeamMember, error) {
	rows, err := s.db.Query(`SELECT email, name, role, updated_at FROM team_members`)
	if err != nil {
		return nil, fmt.Errorf("store.QueryTeamMembers: %w", err)
	}
	defer rows.Close()

	members := make(map[string]TeamMember)
	for rows.Next() {
		var m TeamMember
		var updatedAt string
		if err := rows.Scan(&m.Email, &m.Name, &m.Role, &updatedAt); err != nil {
			return nil, fmt.Errorf("store.QueryTeamMembers: %w", err)
		}
		m.UpdatedAt = parseTime(updatedAt)
		members[m.Email] = m
	}
	return members, rows.Err()
}
