package achievement

import "github.com/onllm-dev/teamtrack/internal/store"

// UserRules is the default per-user rule table.
func UserRules() []Rule[*store.UserStats] {
	return []Rule[*store.UserStats]{
		{ID: "first_steps", Name: "First Steps", Description: "Be active for the first time",
			Check: func(s *store.UserStats) bool { return s.ActiveDays >= 1 }},
		{ID: "week_streak", Name: "On a Roll", Description: "Reach a 7-day activity streak",
			Check: func(s *store.UserStats) bool { return s.MaxStreak >= 7 }},
		{ID: "month_streak", Name: "Unstoppable", Description: "Reach a 30-day activity streak",
			Check: func(s *store.UserStats) bool { return s.MaxStreak >= 30 }},
		{ID: "lines_1k", Name: "Thousand Lines", Description: "Add 1,000 lines",
			Check: func(s *store.UserStats) bool { return s.TotalLinesAdded >= 1_000 }},
		{ID: "lines_10k", Name: "Ten Thousand Lines", Description: "Add 10,000 lines",
			Check: func(s *store.UserStats) bool { return s.TotalLinesAdded >= 10_000 }},
		{ID: "lines_100k", Name: "Hundred Thousand Lines", Description: "Add 100,000 lines",
			Check: func(s *store.UserStats) bool { return s.TotalLinesAdded >= 100_000 }},
		{ID: "agent_100", Name: "Delegator", Description: "Send 100 agent requests",
			Check: func(s *store.UserStats) bool { return s.TotalAgentRequests >= 100 }},
		{ID: "agent_1000", Name: "Orchestrator", Description: "Send 1,000 agent requests",
			Check: func(s *store.UserStats) bool { return s.TotalAgentRequests >= 1_000 }},
		{ID: "tab_master", Name: "Tab Master", Description: "Accept 1,000 tab completions",
			Check: func(s *store.UserStats) bool { return s.TotalTabAccepts >= 1_000 }},
		{ID: "sharp_shooter", Name: "Sharp Shooter", Description: "Keep a 90% acceptance rate over at least 50 applies",
			Check: func(s *store.UserStats) bool { return s.TotalApplies >= 50 && s.AcceptanceRate >= 90 }},
		{ID: "big_day", Name: "Big Day", Description: "Add 1,000 lines in a single day",
			Check: func(s *store.UserStats) bool { return s.BestDayLines >= 1_000 }},
		{ID: "regular", Name: "Regular", Description: "Be active on 50 days",
			Check: func(s *store.UserStats) bool { return s.ActiveDays >= 50 }},
	}
}

// TeamRules is the default team rule table.
func TeamRules() []Rule[*store.TeamStats] {
	return []Rule[*store.TeamStats]{
		{ID: "team_first_sync", Name: "Liftoff", Description: "Record the team's first activity",
			Check: func(s *store.TeamStats) bool { return s.TotalActiveDays >= 1 }},
		{ID: "team_lines_100k", Name: "Code Factory", Description: "Add 100,000 lines as a team",
			Check: func(s *store.TeamStats) bool { return s.TotalLinesAdded >= 100_000 }},
		{ID: "team_lines_1m", Name: "Million Line March", Description: "Add 1,000,000 lines as a team",
			Check: func(s *store.TeamStats) bool { return s.TotalLinesAdded >= 1_000_000 }},
		{ID: "team_agents_10k", Name: "Agent Army", Description: "Send 10,000 agent requests as a team",
			Check: func(s *store.TeamStats) bool { return s.TotalAgentRequests >= 10_000 }},
		{ID: "team_all_hands", Name: "All Hands", Description: "Have at least 5 members active in the same week",
			Check: func(s *store.TeamStats) bool { return s.ActiveMemberCount >= 5 }},
		{ID: "team_streak_30", Name: "Relentless", Description: "Any member reaches a 30-day streak",
			Check: func(s *store.TeamStats) bool { return s.LongestStreak >= 30 }},
	}
}
