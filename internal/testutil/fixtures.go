// Package testutil provides shared test infrastructure for teamtrack.
package testutil

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/onllm-dev/teamtrack/internal/api"
)

// Day parses a YYYY-MM-DD string as UTC midnight. It panics on bad input.
func Day(s string) time.Time {
	t, err := time.Parse(api.DayLayout, s)
	if err != nil {
		panic(fmt.Sprintf("testutil.Day(%q): %v", s, err))
	}
	return t
}

// UsageRecord builds a record for one user-day. Inactive records carry no activity.
func UsageRecord(email string, day time.Time, active bool, lines int64) api.DailyUsageRecord {
	rec := api.DailyUsageRecord{
		Email:    email,
		Date:     day.UTC().UnixMilli(),
		IsActive: active,
	}
	if !active {
		return rec
	}
	rec.TotalLinesAdded = lines
	rec.AcceptedLinesAdded = lines * 3 / 4
	rec.TotalApplies = 10
	rec.TotalAccepts = 8
	rec.TotalRejects = 2
	rec.TotalTabsShown = 40
	rec.TotalTabsAccepted = 12
	rec.ChatRequests = 5
	rec.ComposerRequests = 2
	rec.AgentRequests = 3
	rec.MostUsedModel = "claude-4-sonnet"
	return rec
}

// TeamUsage generates deterministic records for every email and every day in
// [from, to]. A user is inactive on days where (dayIndex+userIndex)%7 == 6.
func TeamUsage(emails []string, from, to time.Time) []api.DailyUsageRecord {
	var out []api.DailyUsageRecord
	dayIdx := 0
	for d := from.UTC(); !d.After(to.UTC()); d = d.AddDate(0, 0, 1) {
		for u, email := range emails {
			active := (dayIdx+u)%7 != 6
			out = append(out, UsageRecord(email, d, active, int64(50+10*u+dayIdx%5)))
		}
		dayIdx++
	}
	return out
}

// UsageResponseJSON encodes records the way the upstream returns them.
func UsageResponseJSON(records []api.DailyUsageRecord) string {
	if records == nil {
		records = []api.DailyUsageRecord{}
	}
	b, _ := json.Marshal(map[string]any{"data": records})
	return string(b)
}

// DefaultMembers is a small roster matching DefaultEmails.
func DefaultMembers() []api.TeamMember {
	return []api.TeamMember{
		{Name: "Ada Lovelace", Email: "ada@example.com", Role: "owner"},
		{Name: "Grace Hopper", Email: "grace@example.com", Role: "member"},
		{Name: "Linus Torvalds", Email: "linus@example.com", Role: "member"},
	}
}

// DefaultEmails returns the emails of DefaultMembers.
func DefaultEmails() []string {
	members := DefaultMembers()
	emails := make([]string, len(members))
	for i, m := range members {
		emails[i] = m.Email
	}
	return emails
}
