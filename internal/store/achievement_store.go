package store

import (
	"fmt"
	"time"
)

// Achievement is an unlocked achievement for a subject (user email or team key).
type Achievement struct {
	ID            int64
	AchievementID string
	Subject       string
	AchievedAt    time.Time
}

// AchievementTable is a view over one of the append-only achievement tables.
type AchievementTable struct {
	s     *Store
	table string
}

// UserAchievements returns the per-user achievement table.
func (s *Store) UserAchievements() *AchievementTable {
	return &AchievementTable{s: s, table: "user_achievements"}
}

// TeamAchievements returns the team achievement table.
func (s *Store) TeamAchievements() *AchievementTable {
	return &AchievementTable{s: s, table: "team_achievements"}
}

// Unlocked returns the set of achievement IDs already held by subject.
func (t *AchievementTable) Unlocked(subject string) (map[string]bool, error) {
	rows, err := t.s.db.Query(
		"SELECT achievement_id FROM "+t.table+" WHERE subject = ?", subject,
	)
	if err != nil {
		return nil, fmt.Errorf("store.%s.Unlocked: %w", t.table, err)
	}
	defer rows.Close()

	held := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store.%s.Unlocked: %w", t.table, err)
		}
		held[id] = true
	}
	return held, rows.Err()
}

// Insert records an unlock if absent. It reports false, with no error, when
// the (achievement, subject) pair already exists.
func (t *AchievementTable) Insert(achievementID, subject string, at time.Time) (bool, error) {
	res, err := t.s.db.Exec(
		"INSERT INTO "+t.table+" (achievement_id, subject, achieved_at) VALUES (?, ?, ?) "+
			"ON CONFLICT(achievement_id, subject) DO NOTHING",
		achievementID, subject, formatTime(at),
	)
	if err != nil {
		return false, fmt.Errorf("store.%s.Insert: %w", t.table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store.%s.Insert: %w", t.table, err)
	}
	return n > 0, nil
}

// List returns unlocks, newest first. An empty subject lists every subject.
func (t *AchievementTable) List(subject string) ([]Achievement, error) {
	query := "SELECT id, achievement_id, subject, achieved_at FROM " + t.table
	var args []any
	if subject != "" {
		query += " WHERE subject = ?"
		args = append(args, subject)
	}
	query += " ORDER BY achieved_at DESC, id DESC"

	rows, err := t.s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store.%s.List: %w", t.table, err)
	}
	defer rows.Close()

	var out []Achievement
	for rows.Next() {
		var a Achievement
		var achievedAt string
		if err := rows.Scan(&a.ID, &a.AchievementID, &a.Subject, &achievedAt); err != nil {
			return nil, fmt.Errorf("store.%s.List: %w", t.table, err)
		}
		a.AchievedAt = parseTime(achievedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}
