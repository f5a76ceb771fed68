// Package achievement evaluates unlock rules against stats and records new
// unlocks exactly once per subject.
package achievement

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/onllm-dev/teamtrack/internal/store"
)

// TeamSubject is the subject key used for team-wide achievements.
const TeamSubject = "team"

// Rule is a named predicate over a stats value.
type Rule[T any] struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Check       func(T) bool `json:"-"`
}

// UnlockStore persists unlocks. Insert reports false when the pair already
// exists, which is not an error.
type UnlockStore interface {
	Unlocked(subject string) (map[string]bool, error)
	Insert(achievementID, subject string, at time.Time) (bool, error)
}

// Evaluate returns the IDs of rules that pass and are not already held, in
// rule order.
func Evaluate[T any](stats T, existing map[string]bool, rules []Rule[T]) []string {
	var ids []string
	for _, r := range rules {
		if existing[r.ID] {
			continue
		}
		if r.Check != nil && r.Check(stats) {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

// CheckAndAward evaluates rules for subject and records new unlocks. It
// returns only the IDs this call inserted; a concurrent writer that inserted
// first wins silently.
func CheckAndAward[T any](unlocks UnlockStore, subject string, stats T, rules []Rule[T], now time.Time) ([]string, error) {
	existing, err := unlocks.Unlocked(subject)
	if err != nil {
		return nil, fmt.Errorf("achievement: loading unlocks for %s: %w", subject, err)
	}

	var awarded []string
	for _, id := range Evaluate(stats, existing, rules) {
		inserted, err := unlocks.Insert(id, subject, now)
		if err != nil {
			return awarded, fmt.Errorf("achievement: recording %s for %s: %w", id, subject, err)
		}
		if inserted {
			awarded = append(awarded, id)
		}
	}
	return awarded, nil
}

// Engine binds the rule tables to the achievement store.
type Engine struct {
	store     *store.Store
	userRules []Rule[*store.UserStats]
	teamRules []Rule[*store.TeamStats]
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine creates an Engine with the default rule tables.
func NewEngine(s *store.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     s,
		userRules: UserRules(),
		teamRules: TeamRules(),
		logger:    logger,
		now:       time.Now,
	}
}

// AwardUser checks user rules and returns newly unlocked IDs.
func (e *Engine) AwardUser(stats *store.UserStats) ([]string, error) {
	ids, err := CheckAndAward(e.store.UserAchievements(), stats.UserEmail, stats, e.userRules, e.now().UTC())
	if len(ids) > 0 {
		e.logger.Info("Achievements unlocked", "user", stats.UserEmail, "ids", ids)
	}
	return ids, err
}

// AwardTeam checks team rules and returns newly unlocked IDs.
func (e *Engine) AwardTeam(stats *store.TeamStats) ([]string, error) {
	ids, err := CheckAndAward(e.store.TeamAchievements(), TeamSubject, stats, e.teamRules, e.now().UTC())
	if len(ids) > 0 {
		e.logger.Info("Team achievements unlocked", "ids", ids)
	}
	return ids, err
}

// Catalog lists every rule without its predicate, for display.
func (e *Engine) Catalog() (user []Rule[*store.UserStats], team []Rule[*store.TeamStats]) {
	return e.userRules, e.teamRules
}
