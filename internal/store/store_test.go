package store

import (
	"testing"
	"time"

	"github.com/onllm-dev/teamtrack/internal/api"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_CreateTables(t *testing.T) {
	s := newTestStore(t)

	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name IN
		('daily_snapshots', 'user_stats', 'team_stats', 'user_achievements', 'team_achievements',
		 'sync_metadata', 'backfill_progress', 'team_members', 'users')`).Scan(&count)
	if err != nil {
		t.Fatalf("Failed to query tables: %v", err)
	}
	if count != 9 {
		t.Errorf("Expected 9 tables, got %d", count)
	}
}

func TestStore_WALMode(t *testing.T) {
	s, err := New(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("Failed to query journal mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("Expected WAL mode, got %s", journalMode)
	}
}

func TestStore_MigrateSchemaIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.migrateSchema(); err != nil {
		t.Fatalf("second migrateSchema: %v", err)
	}
}

func TestSnapshotFromRecord(t *testing.T) {
	rec := api.DailyUsageRecord{
		Email:             "  Ada@Example.com ",
		Date:              time.Date(2025, 3, 14, 23, 59, 0, 0, time.UTC).UnixMilli(),
		IsActive:          true,
		TotalLinesAdded:   -5,
		TotalTabsAccepted: 7,
		TotalApplies:      3,
		MostUsedModel:     "gpt-5",
	}
	snap := SnapshotFromRecord(rec)

	if snap.UserEmail != "ada@example.com" {
		t.Errorf("UserEmail = %q", snap.UserEmail)
	}
	if snap.Date != "2025-03-14" {
		t.Errorf("Date = %q", snap.Date)
	}
	if snap.LinesAdded != 0 {
		t.Errorf("LinesAdded = %d, want clamped to 0", snap.LinesAdded)
	}
	if snap.TabAccepts != 7 || snap.Applies != 3 || snap.MostUsedModel != "gpt-5" {
		t.Errorf("snap = %+v", snap)
	}
}

func TestStore_UpsertSnapshot_Replaces(t *testing.T) {
	s := newTestStore(t)

	first := DailySnapshot{UserEmail: "ada@example.com", Date: "2025-03-14", IsActive: true, LinesAdded: 10, AgentRequests: 2}
	if err := s.UpsertSnapshot(first); err != nil {
		t.Fatalf("UpsertSnapshot: %v", err)
	}

	second := DailySnapshot{UserEmail: "ada@example.com", Date: "2025-03-14", IsActive: false, LinesAdded: 99, MostUsedModel: "o3"}
	if err := s.UpsertSnapshot(second); err != nil {
		t.Fatalf("UpsertSnapshot (replace): %v", err)
	}

	n, err := s.CountSnapshots()
	if err != nil {
		t.Fatalf("CountSnapshots: %v", err)
	}
	if n != 1 {
		t.Fatalf("CountSnapshots = %d, want 1", n)
	}

	snaps, err := s.QueryUserSnapshots("ada@example.com")
	if err != nil {
		t.Fatalf("QueryUserSnapshots: %v", err)
	}
	got := snaps[0]
	if got.IsActive || got.LinesAdded != 99 || got.AgentRequests != 0 || got.MostUsedModel != "o3" {
		t.Errorf("after replace = %+v, want second write's values", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not set")
	}
}

func TestStore_UpsertSnapshot_RequiresKey(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpsertSnapshot(DailySnapshot{Date: "2025-03-14"}); err == nil {
		t.Error("expected error for missing email")
	}
	if err := s.UpsertSnapshots([]DailySnapshot{{UserEmail: "a@b.c"}}); err == nil {
		t.Error("expected error for missing date")
	}
	if n, _ := s.CountSnapshots(); n != 0 {
		t.Errorf("CountSnapshots = %d, want 0 after rejected batch", n)
	}
}

func TestStore_UpsertSnapshots_BatchIdempotent(t *testing.T) {
	s := newTestStore(t)
	batch := []DailySnapshot{
		{UserEmail: "ada@example.com", Date: "2025-03-12", IsActive: true, LinesAdded: 1},
		{UserEmail: "ada@example.com", Date: "2025-03-13", IsActive: true, LinesAdded: 2},
		{UserEmail: "grace@example.com", Date: "2025-03-13", IsActive: true, LinesAdded: 3},
	}
	for i := 0; i < 2; i++ {
		if err := s.UpsertSnapshots(batch); err != nil {
			t.Fatalf("UpsertSnapshots pass %d: %v", i, err)
		}
	}

	n, _ := s.CountSnapshots()
	if n != 3 {
		t.Errorf("CountSnapshots = %d, want 3", n)
	}

	emails, err := s.QuerySnapshotEmails()
	if err != nil {
		t.Fatalf("QuerySnapshotEmails: %v", err)
	}
	if len(emails) != 2 || emails[0] != "ada@example.com" || emails[1] != "grace@example.com" {
		t.Errorf("emails = %v", emails)
	}

	oldest, err := s.QueryOldestSnapshotDate()
	if err != nil {
		t.Fatalf("QueryOldestSnapshotDate: %v", err)
	}
	if oldest != "2025-03-12" {
		t.Errorf("oldest = %q", oldest)
	}

	ranged, err := s.QuerySnapshotsRange("2025-03-13", "")
	if err != nil {
		t.Fatalf("QuerySnapshotsRange: %v", err)
	}
	if len(ranged) != 2 {
		t.Errorf("range len = %d, want 2", len(ranged))
	}
}

func TestStore_QueryOldestSnapshotDate_Empty(t *testing.T) {
	s := newTestStore(t)
	oldest, err := s.QueryOldestSnapshotDate()
	if err != nil {
		t.Fatalf("QueryOldestSnapshotDate: %v", err)
	}
	if oldest != "" {
		t.Errorf("oldest = %q, want empty", oldest)
	}
}

func TestStore_UserStatsRoundTrip(t *testing.T) {
	s := newTestStore(t)

	if got, err := s.QueryUserStats("nobody@example.com"); err != nil || got != nil {
		t.Fatalf("QueryUserStats(missing) = %v, %v", got, err)
	}

	st := &UserStats{
		UserEmail:        "ada@example.com",
		TotalLinesAdded:  500,
		ActiveDays:       4,
		BestDayLines:     200,
		BestDayLinesDate: "2025-03-14",
		CurrentStreak:    3,
		MaxStreak:        5,
		AcceptanceRate:   75,
		FirstActiveDate:  "2025-03-01",
		LastActiveDate:   "2025-03-14",
		UpdatedAt:        time.Now(),
	}
	if err := s.UpsertUserStats(st); err != nil {
		t.Fatalf("UpsertUserStats: %v", err)
	}
	st.CurrentStreak = 4
	if err := s.UpsertUserStats(st); err != nil {
		t.Fatalf("UpsertUserStats (update): %v", err)
	}

	got, err := s.QueryUserStats("ada@example.com")
	if err != nil {
		t.Fatalf("QueryUserStats: %v", err)
	}
	if got.CurrentStreak != 4 || got.MaxStreak != 5 || got.BestDayLinesDate != "2025-03-14" || got.AcceptanceRate != 75 {
		t.Errorf("got = %+v", got)
	}

	all, err := s.QueryAllUserStats()
	if err != nil {
		t.Fatalf("QueryAllUserStats: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("len(all) = %d, want 1", len(all))
	}
}

func TestStore_TeamStatsSingleton(t *testing.T) {
	s := newTestStore(t)

	if got, err := s.QueryTeamStats(); err != nil || got != nil {
		t.Fatalf("QueryTeamStats(empty) = %v, %v", got, err)
	}

	for _, members := range []int{3, 5} {
		if err := s.UpsertTeamStats(&TeamStats{MemberCount: members, LongestStreak: 9, UpdatedAt: time.Now()}); err != nil {
			t.Fatalf("UpsertTeamStats: %v", err)
		}
	}

	var rows int
	s.db.QueryRow("SELECT COUNT(*) FROM team_stats").Scan(&rows)
	if rows != 1 {
		t.Errorf("team_stats rows = %d, want 1", rows)
	}
	got, _ := s.QueryTeamStats()
	if got.MemberCount != 5 || got.LongestStreak != 9 {
		t.Errorf("got = %+v", got)
	}
}

func TestStore_AchievementInsertOnce(t *testing.T) {
	s := newTestStore(t)
	users := s.UserAchievements()
	now := time.Now()

	inserted, err := users.Insert("first_steps", "ada@example.com", now)
	if err != nil || !inserted {
		t.Fatalf("first Insert = %v, %v", inserted, err)
	}
	inserted, err = users.Insert("first_steps", "ada@example.com", now.Add(time.Hour))
	if err != nil {
		t.Fatalf("duplicate Insert should not error: %v", err)
	}
	if inserted {
		t.Error("duplicate Insert reported as new")
	}

	// team table is separate
	if ok, _ := s.TeamAchievements().Insert("first_steps", "ada@example.com", now); !ok {
		t.Error("team table should accept the same pair")
	}

	held, err := users.Unlocked("ada@example.com")
	if err != nil {
		t.Fatalf("Unlocked: %v", err)
	}
	if !held["first_steps"] || len(held) != 1 {
		t.Errorf("held = %v", held)
	}

	list, err := users.List("")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || !list[0].AchievedAt.Equal(now.UTC()) {
		t.Errorf("list = %+v", list)
	}
}

func TestStore_SyncMetadataProjection(t *testing.T) {
	s := newTestStore(t)

	if m, err := s.QuerySyncMetadata(); err != nil || m != nil {
		t.Fatalf("QuerySyncMetadata(empty) = %v, %v", m, err)
	}

	at := time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC)
	err := s.SaveSyncMetadata(SyncMetadataRow{Status: "idle", LastSyncAt: &at, LastSyncDate: "2025-03-14"})
	if err != nil {
		t.Fatalf("SaveSyncMetadata: %v", err)
	}
	m, err := s.QuerySyncMetadata()
	if err != nil {
		t.Fatalf("QuerySyncMetadata: %v", err)
	}
	if m.Status != "idle" || m.LastSyncAt == nil || !m.LastSyncAt.Equal(at) || m.LastSyncDate != "2025-03-14" {
		t.Errorf("m = %+v", m)
	}

	if err := s.SaveSyncMetadata(SyncMetadataRow{Status: "error", ErrorMessage: "boom"}); err != nil {
		t.Fatalf("SaveSyncMetadata: %v", err)
	}
	m, _ = s.QuerySyncMetadata()
	if m.LastSyncAt != nil || m.ErrorMessage != "boom" {
		t.Errorf("m = %+v", m)
	}
}

func TestStore_BackfillProgress(t *testing.T) {
	s := newTestStore(t)

	anchor := time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)
	inception := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := s.SaveBackfillProgress(BackfillProgress{AnchorEnd: anchor, Inception: inception, NextChunk: 4, TotalChunks: 15}); err != nil {
		t.Fatalf("SaveBackfillProgress: %v", err)
	}

	p, err := s.QueryBackfillProgress()
	if err != nil {
		t.Fatalf("QueryBackfillProgress: %v", err)
	}
	if !p.AnchorEnd.Equal(anchor) || !p.Inception.Equal(inception) || p.NextChunk != 4 || p.TotalChunks != 15 {
		t.Errorf("p = %+v", p)
	}

	if err := s.ClearBackfillProgress(); err != nil {
		t.Fatalf("ClearBackfillProgress: %v", err)
	}
	if p, _ := s.QueryBackfillProgress(); p != nil {
		t.Errorf("progress after clear = %+v", p)
	}
}

func TestStore_TeamMembers(t *testing.T) {
	s := newTestStore(t)

	err := s.UpsertTeamMembers([]api.TeamMember{
		{Name: "Ada", Email: "ADA@example.com", Role: "owner"},
		{Name: "Nobody", Email: " "},
	})
	if err != nil {
		t.Fatalf("UpsertTeamMembers: %v", err)
	}
	if err := s.UpsertTeamMembers([]api.TeamMember{{Name: "Ada L.", Email: "ada@example.com", Role: "member"}}); err != nil {
		t.Fatalf("UpsertTeamMembers: %v", err)
	}

	members, err := s.QueryTeamMembers()
	if err != nil {
		t.Fatalf("QueryTeamMembers: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("members = %v", members)
	}
	if m := members["ada@example.com"]; m.Name != "Ada L." || m.Role != "member" {
		t.Errorf("member = %+v", m)
	}
}

func TestStore_ResetAll(t *testing.T) {
	s := newTestStore(t)

	s.UpsertSnapshot(DailySnapshot{UserEmail: "ada@example.com", Date: "2025-03-14", IsActive: true})
	s.UpsertUserStats(&UserStats{UserEmail: "ada@example.com", UpdatedAt: time.Now()})
	s.UpsertTeamStats(&TeamStats{MemberCount: 1, UpdatedAt: time.Now()})
	s.UserAchievements().Insert("first_steps", "ada@example.com", time.Now())
	s.TeamAchievements().Insert("team_first", "team", time.Now())
	s.SaveSyncMetadata(SyncMetadataRow{Status: "idle"})
	s.SaveBackfillProgress(BackfillProgress{AnchorEnd: time.Now(), Inception: time.Now()})
	s.UpsertUser("admin", "hash")

	if err := s.ResetAll(); err != nil {
		t.Fatalf("ResetAll: %v", err)
	}

	for _, table := range []string{"daily_snapshots", "user_stats", "team_stats", "user_achievements", "team_achievements", "sync_metadata", "backfill_progress"} {
		var n int
		s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n)
		if n != 0 {
			t.Errorf("%s has %d rows after reset", table, n)
		}
	}
	if hash, _ := s.GetUser("admin"); hash != "hash" {
		t.Error("ResetAll should keep admin credentials")
	}
}
