package api

import (
	"strings"
	"time"
)

// DayLayout is the UTC calendar-day key used for snapshots.
const DayLayout = "2006-01-02"

// UsageRequest is the body of POST /daily-usage-data.
type UsageRequest struct {
	StartDate int64 `json:"startDate"` // epoch ms
	EndDate   int64 `json:"endDate"`   // epoch ms
}

// UsageResponse is the envelope returned by /daily-usage-data.
// Data is a pointer so a missing field can be told apart from an empty list.
type UsageResponse struct {
	Data   *[]DailyUsageRecord `json:"data"`
	Period *struct {
		StartDate int64 `json:"startDate"`
		EndDate   int64 `json:"endDate"`
	} `json:"period,omitempty"`
}

// DailyUsageRecord is one user's activity on one calendar day.
type DailyUsageRecord struct {
	Email                string `json:"email"`
	Date                 int64  `json:"date"` // epoch ms
	IsActive             bool   `json:"isActive"`
	TotalLinesAdded      int64  `json:"totalLinesAdded"`
	TotalLinesDeleted    int64  `json:"totalLinesDeleted"`
	AcceptedLinesAdded   int64  `json:"acceptedLinesAdded"`
	AcceptedLinesDeleted int64  `json:"acceptedLinesDeleted"`
	TotalApplies         int64  `json:"totalApplies"`
	TotalAccepts         int64  `json:"totalAccepts"`
	TotalRejects         int64  `json:"totalRejects"`
	TotalTabsShown       int64  `json:"totalTabsShown"`
	TotalTabsAccepted    int64  `json:"totalTabsAccepted"`
	ComposerRequests     int64  `json:"composerRequests"`
	ChatRequests         int64  `json:"chatRequests"`
	AgentRequests        int64  `json:"agentRequests"`
	CmdkUsages           int64  `json:"cmdkUsages"`
	MostUsedModel        string `json:"mostUsedModel"`
	ClientVersion        string `json:"clientVersion,omitempty"`
}

// Time returns the record date as a UTC time.
func (r *DailyUsageRecord) Time() time.Time {
	return time.UnixMilli(r.Date).UTC()
}

// Day returns the UTC calendar day of the record, e.g. "2025-03-14".
func (r *DailyUsageRecord) Day() string {
	return r.Time().Format(DayLayout)
}

// NormalizedEmail lowercases and trims the email used as the user key.
func (r *DailyUsageRecord) NormalizedEmail() string {
	return strings.ToLower(strings.TrimSpace(r.Email))
}

// MembersResponse accepts both envelope shapes the members endpoint has used.
type MembersResponse struct {
	TeamMembers []TeamMember `json:"teamMembers"`
	Members     []TeamMember `json:"members"`
}

// TeamMember is a member of the team as reported upstream.
type TeamMember struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// All returns whichever member list was populated.
func (r *MembersResponse) All() []TeamMember {
	if len(r.TeamMembers) > 0 {
		return r.TeamMembers
	}
	return r.Members
}
