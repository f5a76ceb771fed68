// Package tracker derives per-user and team statistics from daily snapshots.
package tracker

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/onllm-dev/teamtrack/internal/api"
	"github.com/onllm-dev/teamtrack/internal/store"
)

// ActiveWindow is how recently a user must have been active to count as an
// active team member.
const ActiveWindow = 7 * 24 * time.Hour

// Tracker recomputes stats rows from stored snapshots.
//
// Every recalculation reads the user's whole snapshot history and rewrites the
// stats row. That is O(days) per user per sync, which stays small (a few hundred
// rows per user per year) and means a partially failed sync is repaired by the
// next one without any delta bookkeeping.
type Tracker struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a new Tracker
func New(store *store.Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the time source (for tests).
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// RecalculateUserStats rebuilds the stats row for one user from scratch.
func (t *Tracker) RecalculateUserStats(email string) (*store.UserStats, error) {
	snaps, err := t.store.QueryUserSnapshots(email)
	if err != nil {
		return nil, fmt.Errorf("tracker: loading snapshots for %s: %w", email, err)
	}

	st := ComputeUserStats(email, snaps)
	st.UpdatedAt = t.now().UTC()
	if err := t.store.UpsertUserStats(st); err != nil {
		return nil, fmt.Errorf("tracker: saving stats for %s: %w", email, err)
	}

	t.logger.Debug("user stats recalculated",
		"user", email,
		"days", len(snaps),
		"active_days", st.ActiveDays,
		"current_streak", st.CurrentStreak,
		"max_streak", st.MaxStreak,
	)
	return st, nil
}

// RecalculateTeamStats rebuilds the team row from all user stats rows.
func (t *Tracker) RecalculateTeamStats() (*store.TeamStats, error) {
	users, err := t.store.QueryAllUserStats()
	if err != nil {
		return nil, fmt.Errorf("tracker: loading user stats: %w", err)
	}

	now := t.now().UTC()
	st := ComputeTeamStats(users, now)
	st.UpdatedAt = now
	if err := t.store.UpsertTeamStats(st); err != nil {
		return nil, fmt.Errorf("tracker: saving team stats: %w", err)
	}

	t.logger.Debug("team stats recalculated",
		"members", st.MemberCount,
		"active_members", st.ActiveMemberCount,
		"longest_streak", st.LongestStreak,
	)
	return st, nil
}

// ComputeUserStats folds a user's snapshots into lifetime stats.
// Snapshots may arrive in any order.
func ComputeUserStats(email string, snaps []store.DailySnapshot) *store.UserStats {
	st := &store.UserStats{UserEmail: email}

	var activeDates []string
	for _, s := range snaps {
		st.TotalLinesAdded += s.LinesAdded
		st.TotalAcceptedLines += s.AcceptedLinesAdded
		st.TotalChatRequests += s.ChatRequests
		st.TotalComposerRequests += s.ComposerRequests
		st.TotalAgentRequests += s.AgentRequests
		st.TotalTabAccepts += s.TabAccepts
		st.TotalApplies += s.Applies
		st.TotalAccepts += s.Accepts

		if s.LinesAdded > st.BestDayLines {
			st.BestDayLines = s.LinesAdded
			st.BestDayLinesDate = s.Date
		}
		st.BestDayAgent = max(st.BestDayAgent, s.AgentRequests)
		st.BestDayChat = max(st.BestDayChat, s.ChatRequests)
		st.BestDayComposer = max(st.BestDayComposer, s.ComposerRequests)
		st.BestDayTabAccepts = max(st.BestDayTabAccepts, s.TabAccepts)

		if s.IsActive {
			activeDates = append(activeDates, s.Date)
		}
	}

	sort.Strings(activeDates)
	activeDates = dedupeSorted(activeDates)

	st.ActiveDays = len(activeDates)
	if len(activeDates) > 0 {
		st.FirstActiveDate = activeDates[0]
		st.LastActiveDate = activeDates[len(activeDates)-1]
	}
	st.CurrentStreak, st.MaxStreak = streaks(activeDates)
	st.AcceptanceRate = acceptanceRate(st.TotalAccepts, st.TotalApplies)

	return st
}

// ComputeTeamStats aggregates user stats. A member counts as active when
// their last active day falls within ActiveWindow of now.
func ComputeTeamStats(users []*store.UserStats, now time.Time) *store.TeamStats {
	st := &store.TeamStats{MemberCount: len(users)}
	cutoff := now.Add(-ActiveWindow).UTC().Format(api.DayLayout)

	for _, u := range users {
		st.TotalLinesAdded += u.TotalLinesAdded
		st.TotalAcceptedLines += u.TotalAcceptedLines
		st.TotalChatRequests += u.TotalChatRequests
		st.TotalComposerRequests += u.TotalComposerRequests
		st.TotalAgentRequests += u.TotalAgentRequests
		st.TotalTabAccepts += u.TotalTabAccepts
		st.TotalApplies += u.TotalApplies
		st.TotalAccepts += u.TotalAccepts
		st.TotalActiveDays += u.ActiveDays
		st.LongestStreak = max(st.LongestStreak, u.MaxStreak)
		st.LongestCurrentStreak = max(st.LongestCurrentStreak, u.CurrentStreak)

		if u.LastActiveDate != "" && u.LastActiveDate >= cutoff {
			st.ActiveMemberCount++
		}
	}

	st.AcceptanceRate = acceptanceRate(st.TotalAccepts, st.TotalApplies)
	return st
}

// streaks returns the run ending at the last active day and the longest run.
// dates must be sorted and unique. A gap of more than one calendar day, or an
// inactive day in between, breaks a run.
func streaks(dates []string) (current, longest int) {
	var prev time.Time
	run := 0
	for i, d := range dates {
		day, err := time.Parse(api.DayLayout, d)
		if err != nil {
			continue
		}
		if i > 0 && !prev.IsZero() && day.Sub(prev) == 24*time.Hour {
			run++
		} else {
			run = 1
		}
		longest = max(longest, run)
		prev = day
	}
	return run, longest
}

func dedupeSorted(in []string) []string {
	if len(in) < 2 {
		return in
	}
	out := in[:1]
	for _, s := range in[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}

// acceptanceRate is accepts/applies as a percentage rounded to two decimals.
func acceptanceRate(accepts, applies int64) float64 {
	if applies <= 0 {
		return 0
	}
	return math.Round(float64(accepts)/float64(applies)*10000) / 100
}
