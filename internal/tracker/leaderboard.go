package tracker

import (
	"sort"

	"github.com/onllm-dev/teamtrack/internal/store"
)

// Activity score weights. Heavier tools get more credit per use.
const (
	WeightAcceptedLine = 1
	WeightTabAccept    = 2
	WeightChat         = 3
	WeightComposer     = 5
	WeightAgent        = 8
)

// LeaderboardEntry is one user's aggregated activity over a date range.
type LeaderboardEntry struct {
	Rank             int     `json:"rank"`
	Email            string  `json:"email"`
	Name             string  `json:"name,omitempty"`
	Score            int64   `json:"score"`
	LinesAdded       int64   `json:"linesAdded"`
	AcceptedLines    int64   `json:"acceptedLines"`
	TabAccepts       int64   `json:"tabAccepts"`
	ChatRequests     int64   `json:"chatRequests"`
	ComposerRequests int64   `json:"composerRequests"`
	AgentRequests    int64   `json:"agentRequests"`
	ActiveDays       int     `json:"activeDays"`
	AcceptanceRate   float64 `json:"acceptanceRate"`
	MostUsedModel    string  `json:"mostUsedModel,omitempty"`
}

// ActivityScore returns the weighted score of a single day.
func ActivityScore(s store.DailySnapshot) int64 {
	return s.AcceptedLinesAdded*WeightAcceptedLine +
		s.TabAccepts*WeightTabAccept +
		s.ChatRequests*WeightChat +
		s.ComposerRequests*WeightComposer +
		s.AgentRequests*WeightAgent
}

// BuildLeaderboard aggregates snapshots per user and ranks them by score,
// then email. names labels entries by email and may be nil.
func BuildLeaderboard(snaps []store.DailySnapshot, names map[string]string) []LeaderboardEntry {
	type acc struct {
		entry   LeaderboardEntry
		applies int64
		accepts int64
		models  map[string]int
	}

	byUser := make(map[string]*acc)
	for _, s := range snaps {
		a, ok := byUser[s.UserEmail]
		if !ok {
			a = &acc{
				entry:  LeaderboardEntry{Email: s.UserEmail, Name: names[s.UserEmail]},
				models: make(map[string]int),
			}
			byUser[s.UserEmail] = a
		}
		a.entry.Score += ActivityScore(s)
		a.entry.LinesAdded += s.LinesAdded
		a.entry.AcceptedLines += s.AcceptedLinesAdded
		a.entry.TabAccepts += s.TabAccepts
		a.entry.ChatRequests += s.ChatRequests
		a.entry.ComposerRequests += s.ComposerRequests
		a.entry.AgentRequests += s.AgentRequests
		a.applies += s.Applies
		a.accepts += s.Accepts
		if s.IsActive {
			a.entry.ActiveDays++
			if s.MostUsedModel != "" {
				a.models[s.MostUsedModel]++
			}
		}
	}

	entries := make([]LeaderboardEntry, 0, len(byUser))
	for _, a := range byUser {
		a.entry.AcceptanceRate = acceptanceRate(a.accepts, a.applies)
		a.entry.MostUsedModel = topModel(a.models)
		entries = append(entries, a.entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].Email < entries[j].Email
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}

// topModel picks the model named on the most active days; ties go to the
// lexically smaller name.
func topModel(counts map[string]int) string {
	best, bestN := "", 0
	for model, n := range counts {
		if n > bestN || (n == bestN && model < best) {
			best, bestN = model, n
		}
	}
	return best
}
