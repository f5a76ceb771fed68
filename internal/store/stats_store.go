package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UserStats holds lifetime figures derived from one user's snapshots.
type UserStats struct {
	UserEmail             string
	TotalLinesAdded       int64
	TotalAcceptedLines    int64
	TotalChatRequests     int64
	TotalComposerRequests int64
	TotalAgentRequests    int64
	TotalTabAccepts       int64
	TotalApplies          int64
	TotalAccepts          int64
	ActiveDays            int
	BestDayLines          int64
	BestDayLinesDate      string
	BestDayAgent          int64
	BestDayChat           int64
	BestDayComposer       int64
	BestDayTabAccepts     int64
	CurrentStreak         int
	MaxStreak             int
	AcceptanceRate        float64 // percent
	FirstActiveDate       string
	LastActiveDate        string
	UpdatedAt             time.Time
}

// TeamStats holds team-wide figures derived from all UserStats rows.
type TeamStats struct {
	MemberCount           int
	ActiveMemberCount     int
	TotalLinesAdded       int64
	TotalAcceptedLines    int64
	TotalChatRequests     int64
	TotalComposerRequests int64
	TotalAgentRequests    int64
	TotalTabAccepts       int64
	TotalApplies          int64
	TotalAccepts          int64
	TotalActiveDays       int
	LongestStreak         int
	LongestCurrentStreak  int
	AcceptanceRate        float64 // percent
	UpdatedAt             time.Time
}

// UpsertUserStats replaces the stats row for a user.
func (s *Store) UpsertUserStats(st *UserStats) error {
	_, err := s.db.Exec(`
		INSERT INTO user_stats
		(user_email, total_lines_added, total_accepted_lines, total_chat_requests,
		 total_composer_requests, total_agent_requests, total_tab_accepts, total_applies,
		 total_accepts, active_days, best_day_lines, best_day_lines_date, best_day_agent,
		 best_day_chat, best_day_composer, best_day_tab_accepts, current_streak, max_streak,
		 acceptance_rate, first_active_date, last_active_date, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_email) DO UPDATE SET
			total_lines_added = excluded.total_lines_added,
			total_accepted_lines = excluded.total_accepted_lines,
			total_chat_requests = excluded.total_chat_requests,
			total_composer_requests = excluded.total_composer_requests,
			total_agent_requests = excluded.total_agent_requests,
			total_tab_accepts = excluded.total_tab_accepts,
			total_applies = excluded.total_applies,
			total_accepts = excluded.total_accepts,
			active_days = excluded.active_days,
			best_day_lines = excluded.best_day_lines,
			best_day_lines_date = excluded.best_day_lines_date,
			best_day_agent = excluded.best_day_agent,
			best_day_chat = excluded.best_day_chat,
			best_day_composer = excluded.best_day_composer,
			best_day_tab_accepts = excluded.best_day_tab_accepts,
			current_streak = excluded.current_streak,
			max_streak = excluded.max_streak,
			acceptance_rate = excluded.acceptance_rate,
			first_active_date = excluded.first_active_date,
			last_active_date = excluded.last_active_date,
			updated_at = excluded.updated_at`,
		st.UserEmail, st.TotalLinesAdded, st.TotalAcceptedLines, st.TotalChatRequests,
		st.TotalComposerRequests, st.TotalAgentRequests, st.TotalTabAccepts, st.TotalApplies,
		st.TotalAccepts, st.ActiveDays, st.BestDayLines, st.BestDayLinesDate, st.BestDayAgent,
		st.BestDayChat, st.BestDayComposer, st.BestDayTabAccepts, st.CurrentStreak, st.MaxStreak,
		st.AcceptanceRate, st.FirstActiveDate, st.LastActiveDate, formatTime(st.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("store.UpsertUserStats: %w", err)
	}
	return nil
}

const userStatsColumns = `user_email, total_lines_added, total_accepted_lines, total_chat_requests,
	total_composer_requests, total_agent_requests, total_tab_accepts, total_applies,
	total_accepts, active_days, best_day_lines, best_day_lines_date, best_day_agent,
	best_day_chat, best_day_composer, best_day_tab_accepts, current_streak, max_streak,
	acceptance_rate, first_active_date, last_active_date, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUserStats(sc rowScanner) (*UserStats, error) {
	var st UserStats
	var updatedAt string
	err := sc.Scan(
		&st.UserEmail, &st.TotalLinesAdded, &st.TotalAcceptedLines, &st.TotalChatRequests,
		&st.TotalComposerRequests, &st.TotalAgentRequests, &st.TotalTabAccepts, &st.TotalApplies,
		&st.TotalAccepts, &st.ActiveDays, &st.BestDayLines, &st.BestDayLinesDate, &st.BestDayAgent,
		&st.BestDayChat, &st.BestDayComposer, &st.BestDayTabAccepts, &st.CurrentStreak, &st.MaxStreak,
		&st.AcceptanceRate, &st.FirstActiveDate, &st.LastActiveDate, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	st.UpdatedAt = parseTime(updatedAt)
	return &st, nil
}

// QueryUserStats returns the stats for a user, or nil if none exist.
func (s *Store) QueryUserStats(email string) (*UserStats, error) {
	st, err := scanUserStats(s.db.QueryRow(
		`SELECT `+userStatsColumns+` FROM user_stats WHERE user_email = ?`, email,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store.QueryUserStats: %w", err)
	}
	return st, nil
}

// QueryAllUserStats returns stats for every user ordered by email.
func (s *Store) QueryAllUserStats() ([]*UserStats, error) {
	rows, err := s.db.Query(`SELECT ` + userStatsColumns + ` FROM user_stats ORDER BY user_email ASC`)
	if err != nil {
		return nil, fmt.Errorf("store.QueryAllUserStats: %w", err)
	}
	defer rows.Close()

	var all []*UserStats
	for rows.Next() {
		st, err := scanUserStats(rows)
		if err != nil {
			return nil, fmt.Errorf("store.QueryAllUserStats: %w", err)
		}
		all = append(all, st)
	}
	return all, rows.Err()
}

// UpsertTeamStats replaces the singleton team stats row.
func (s *Store) UpsertTeamStats(st *TeamStats) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO team_stats
		(id, member_count, active_member_count, total_lines_added, total_accepted_lines,
		 total_chat_requests, total_composer_requests, total_agent_requests, total_tab_accepts,
		 total_applies, total_accepts, total_active_days, longest_streak, longest_current_streak,
		 acceptance_rate, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.MemberCount, st.ActiveMemberCount, st.TotalLinesAdded, st.TotalAcceptedLines,
		st.TotalChatRequests, st.TotalComposerRequests, st.TotalAgentRequests, st.TotalTabAccepts,
		st.TotalApplies, st.TotalAccepts, st.TotalActiveDays, st.LongestStreak, st.LongestCurrentStreak,
		st.AcceptanceRate, formatTime(st.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("store.UpsertTeamStats: %w", err)
	}
	return nil
}

// QueryTeamStats returns the team stats row, or nil if it has not been computed.
func (s *Store) QueryTeamStats() (*TeamStats, error) {
	var st TeamStats
	var updatedAt string
	err := s.db.QueryRow(`
		SELECT member_count, active_member_count, total_lines_added, total_accepted_lines,
		 total_chat_requests, total_composer_requests, total_agent_requests, total_tab_accepts,
		 total_applies, total_accepts, total_active_days, longest_streak, longest_current_streak,
		 acceptance_rate, updated_at
		FROM team_stats WHERE id = 1`,
	).Scan(
		&st.MemberCount, &st.ActiveMemberCount, &st.TotalLinesAdded, &st.TotalAcceptedLines,
		&st.TotalChatRequests, &st.TotalComposerRequests, &st.TotalAgentRequests, &st.TotalTabAccepts,
		&st.TotalApplies, &st.TotalAccepts, &st.TotalActiveDays, &st.LongestStreak, &st.LongestCurrentStreak,
		&st.AcceptanceRate, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store.QueryTeamStats: %w", err)
	}
	st.UpdatedAt = parseTime(updatedAt)
	return &st, nil
}
