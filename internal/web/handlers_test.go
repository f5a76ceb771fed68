package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/onllm-dev/teamtrack/internal/achievement"
	"github.com/onllm-dev/teamtrack/internal/agent"
	"github.com/onllm-dev/teamtrack/internal/api"
	"github.com/onllm-dev/teamtrack/internal/store"
	"github.com/onllm-dev/teamtrack/internal/syncstate"
	"github.com/onllm-dev/teamtrack/internal/testutil"
	"github.com/onllm-dev/teamtrack/internal/tracker"
)

const (
	testCronSecret = "test-cron-secret"
	testAdminUser  = "admin"
	testAdminPass  = "test-password"
)

type apiFixture struct {
	srv     *httptest.Server
	handler *Handler
	store   *store.Store
	state   *syncstate.MemoryStore
	mock    *testutil.MockServer
}

// setupAPI wires the full HTTP stack to a mock upstream holding the last
// 20 days of team activity.
func setupAPI(t *testing.T, opts ...testutil.MockOption) *apiFixture {
	t.Helper()
	today := time.Now().UTC().Truncate(24 * time.Hour)
	base := []testutil.MockOption{
		testutil.WithRecords(testutil.TeamUsage(testutil.DefaultEmails(), today.AddDate(0, 0, -19), today)),
		testutil.WithMembers(testutil.DefaultMembers()),
	}
	ms := testutil.NewMockServer(t, append(base, opts...)...)

	logger := testutil.DiscardLogger()
	st := testutil.InMemoryStore(t)
	if err := st.UpsertUser(testAdminUser, testHash(t, testAdminPass)); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	state := syncstate.NewMemoryStore(time.Minute)
	engine := achievement.NewEngine(st, logger)
	syncer := agent.NewSyncer(
		api.NewClient(testutil.TestAPIKey, logger, api.WithBaseURL(ms.URL)),
		st, tracker.New(st, logger), engine, state,
		agent.Options{
			MinInterval:   5 * time.Minute,
			Inception:     today.AddDate(0, 0, -45),
			BackfillDelay: time.Millisecond,
		}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	h := NewHandler(ctx, syncer, st, engine, "test", logger)
	server := NewServer(ServerConfig{
		CronSecret:           testCronSecret,
		SchedulerHeader:      "X-Test-Scheduler",
		SchedulerHeaderValue: "test-scheduler",
		LookupUser:           st.GetUser,
		AdminLimiter:         NewRateLimiter(1000, time.Millisecond),
	}, h, logger)

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		h.Wait()
	})
	return &apiFixture{srv: srv, handler: h, store: st, state: state, mock: ms}
}

func (f *apiFixture) do(t *testing.T, method, path string, auth func(*http.Request)) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if auth != nil {
		auth(req)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var body map[string]interface{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var raw interface{}
		if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
			t.Fatalf("decoding %s: %v", path, err)
		}
		switch v := raw.(type) {
		case map[string]interface{}:
			body = v
		case []interface{}:
			body = map[string]interface{}{"items": v}
		}
	}
	return resp.StatusCode, body
}

func cronAuth(r *http.Request)  { r.Header.Set("Authorization", "Bearer "+testCronSecret) }
func adminAuth(r *http.Request) { r.SetBasicAuth(testAdminUser, testAdminPass) }

func TestHealth(t *testing.T) {
	f := setupAPI(t)
	code, body := f.do(t, http.MethodGet, "/health", nil)
	if code != http.StatusOK || body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("health = %d %v", code, body)
	}
}

func TestSyncEndpoint(t *testing.T) {
	f := setupAPI(t)

	code, _ := f.do(t, http.MethodPost, "/api/sync", nil)
	if code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", code)
	}

	code, body := f.do(t, http.MethodPost, "/api/sync", cronAuth)
	if code != http.StatusOK || body["success"] != true {
		t.Fatalf("sync = %d %v", code, body)
	}
	// Default lookback covers 8 days for three users.
	if body["processed"] != float64(24) {
		t.Errorf("processed = %v, want 24", body["processed"])
	}
	if list, ok := body["newAchievements"].([]interface{}); !ok || len(list) == 0 {
		t.Errorf("newAchievements = %v", body["newAchievements"])
	}

	// Second call within the minimum interval is skipped.
	code, body = f.do(t, http.MethodPost, "/api/sync", func(r *http.Request) {
		r.Header.Set("X-Test-Scheduler", "test-scheduler")
	})
	if code != http.StatusOK || body["skipped"] != true {
		t.Errorf("second sync = %d %v", code, body)
	}
	if reason, _ := body["reason"].(string); !strings.Contains(reason, "minimum interval") {
		t.Errorf("reason = %q", reason)
	}
}

func TestSyncEndpoint_UpstreamFailure(t *testing.T) {
	f := setupAPI(t)
	f.mock.SetUsageError(http.StatusBadGateway)

	code, body := f.do(t, http.MethodPost, "/api/sync", cronAuth)
	if code != http.StatusInternalServerError || body["success"] != false {
		t.Fatalf("sync = %d %v", code, body)
	}
	if errMsg, _ := body["error"].(string); !strings.Contains(errMsg, "502") {
		t.Errorf("error = %q", errMsg)
	}

	_, status := f.do(t, http.MethodGet, "/api/sync/status", nil)
	meta, _ := status["metadata"].(map[string]interface{})
	if meta["status"] != "error" || status["locked"] != false {
		t.Errorf("status = %v", status)
	}
}

func TestBackfillEndpoint(t *testing.T) {
	f := setupAPI(t)

	code, _ := f.do(t, http.MethodPost, "/api/sync/backfill", nil)
	if code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", code)
	}

	code, body := f.do(t, http.MethodPost, "/api/sync/backfill", adminAuth)
	if code != http.StatusOK || body["success"] != true {
		t.Fatalf("backfill = %d %v", code, body)
	}
	if body["processed"] != float64(60) {
		t.Errorf("processed = %v, want 60", body["processed"])
	}

	requests := f.mock.UsageRequests()
	code, body = f.do(t, http.MethodPost, "/api/sync/backfill", adminAuth)
	if code != http.StatusConflict {
		t.Errorf("second backfill = %d %v, want 409", code, body)
	}
	if f.mock.UsageRequests() != requests {
		t.Error("rejected backfill reached upstream")
	}
}

func TestSyncHandlers_RunPastCancelledRequest(t *testing.T) {
	tests := []struct {
		name      string
		handler   func(f *apiFixture) http.HandlerFunc
		processed float64
	}{
		{"sync", func(f *apiFixture) http.HandlerFunc { return f.handler.Sync }, 24},
		{"backfill", func(f *apiFixture) http.HandlerFunc { return f.handler.Backfill }, 60},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupAPI(t)
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			req := httptest.NewRequest(http.MethodPost, "/api/sync", nil).WithContext(ctx)
			rr := httptest.NewRecorder()
			tt.handler(f)(rr, req)

			var body map[string]interface{}
			if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
				t.Fatalf("decoding: %v", err)
			}
			if rr.Code != http.StatusOK || body["success"] != true {
				t.Fatalf("status = %d %v", rr.Code, body)
			}
			if body["processed"] != tt.processed {
				t.Errorf("processed = %v, want %v", body["processed"], tt.processed)
			}
			meta, _ := f.state.ReadMetadata(context.Background())
			if meta.Status != syncstate.StatusIdle {
				t.Errorf("Status = %q, want idle", meta.Status)
			}
		})
	}
}

func TestHistoricalBackfillEndpoint(t *testing.T) {
	f := setupAPI(t)

	code, body := f.do(t, http.MethodPost, "/api/sync/backfill/history", adminAuth)
	if code != http.StatusAccepted || body["started"] != true {
		t.Fatalf("history = %d %v", code, body)
	}
	f.handler.Wait()

	// Inception is 45 days back, so two 30-day chunks.
	if n := f.mock.UsageRequests(); n != 2 {
		t.Errorf("usage requests = %d, want 2", n)
	}
	n, _ := f.store.CountSnapshots()
	if n != 60 {
		t.Errorf("snapshots = %d, want 60", n)
	}

	_, status := f.do(t, http.MethodGet, "/api/sync/status", nil)
	if _, ok := status["backfill"]; ok {
		t.Errorf("backfill progress not cleared: %v", status["backfill"])
	}
	if status["snapshots"] != float64(60) {
		t.Errorf("status snapshots = %v", status["snapshots"])
	}
}

func TestHistoricalBackfillEndpoint_Locked(t *testing.T) {
	f := setupAPI(t)
	if _, ok, _ := f.state.AcquireLock(context.Background()); !ok {
		t.Fatal("could not take lock")
	}

	code, _ := f.do(t, http.MethodPost, "/api/sync/backfill/history", adminAuth)
	if code != http.StatusConflict {
		t.Errorf("status = %d, want 409", code)
	}
}

func TestResetEndpoint(t *testing.T) {
	f := setupAPI(t)
	if code, _ := f.do(t, http.MethodPost, "/api/sync", cronAuth); code != http.StatusOK {
		t.Fatalf("sync status = %d", code)
	}

	token, _, _ := f.state.AcquireLock(context.Background())
	code, _ := f.do(t, http.MethodPost, "/api/admin/reset", adminAuth)
	if code != http.StatusConflict {
		t.Errorf("reset while locked = %d, want 409", code)
	}
	f.state.ReleaseLock(context.Background(), token)

	code, body := f.do(t, http.MethodPost, "/api/admin/reset", adminAuth)
	if code != http.StatusOK || body["reset"] != true {
		t.Fatalf("reset = %d %v", code, body)
	}
	if n, _ := f.store.CountSnapshots(); n != 0 {
		t.Errorf("snapshots after reset = %d", n)
	}
	// Admin credentials survive a reset.
	if code, _ := f.do(t, http.MethodPost, "/api/admin/reset", adminAuth); code != http.StatusOK {
		t.Errorf("second reset = %d", code)
	}
}

func TestStatsEndpoints(t *testing.T) {
	f := setupAPI(t)

	if code, _ := f.do(t, http.MethodGet, "/api/stats/team", nil); code != http.StatusNotFound {
		t.Errorf("team before sync = %d, want 404", code)
	}
	if code, _ := f.do(t, http.MethodPost, "/api/sync", cronAuth); code != http.StatusOK {
		t.Fatalf("sync status = %d", code)
	}

	code, body := f.do(t, http.MethodGet, "/api/stats/users", nil)
	items, _ := body["items"].([]interface{})
	if code != http.StatusOK || len(items) != 3 {
		t.Fatalf("users = %d %v", code, body)
	}

	code, body = f.do(t, http.MethodGet, "/api/stats/users/Ada@Example.com", nil)
	if code != http.StatusOK {
		t.Fatalf("user = %d %v", code, body)
	}
	if body["name"] != "Ada Lovelace" || body["activeDays"].(float64) < 1 {
		t.Errorf("user body = %v", body)
	}
	if achievements, _ := body["achievements"].([]interface{}); len(achievements) == 0 {
		t.Error("user has no achievements")
	}

	if code, _ := f.do(t, http.MethodGet, "/api/stats/users/nobody@example.com", nil); code != http.StatusNotFound {
		t.Errorf("unknown user = %d, want 404", code)
	}

	code, body = f.do(t, http.MethodGet, "/api/stats/team", nil)
	if code != http.StatusOK || body["memberCount"] != float64(3) {
		t.Errorf("team = %d %v", code, body)
	}
}

func TestAchievementsEndpoint(t *testing.T) {
	f := setupAPI(t)
	f.do(t, http.MethodPost, "/api/sync", cronAuth)

	code, body := f.do(t, http.MethodGet, "/api/achievements?subject=grace@example.com", nil)
	if code != http.StatusOK {
		t.Fatalf("achievements = %d", code)
	}
	catalog, _ := body["catalog"].(map[string]interface{})
	userRules, _ := catalog["user"].([]interface{})
	if len(userRules) != len(achievement.UserRules()) {
		t.Errorf("catalog user rules = %d", len(userRules))
	}
	users, _ := body["users"].([]interface{})
	for _, u := range users {
		if u.(map[string]interface{})["subject"] != "grace@example.com" {
			t.Errorf("subject filter leaked %v", u)
		}
	}
	if len(users) == 0 {
		t.Error("no achievements for grace")
	}
	if team, _ := body["team"].([]interface{}); len(team) == 0 {
		t.Error("no team achievements")
	}
}

func TestLeaderboardEndpoint(t *testing.T) {
	f := setupAPI(t)
	f.do(t, http.MethodPost, "/api/sync/backfill", adminAuth)

	code, body := f.do(t, http.MethodGet, "/api/leaderboard?range=7d", nil)
	if code != http.StatusOK || body["range"] != "7d" {
		t.Fatalf("leaderboard = %d %v", code, body)
	}
	entries, _ := body["entries"].([]interface{})
	if len(entries) != 3 {
		t.Fatalf("entries = %d", len(entries))
	}
	first := entries[0].(map[string]interface{})
	if first["rank"] != float64(1) || first["name"] == "" {
		t.Errorf("first entry = %v", first)
	}
	var prev float64 = -1
	for i, e := range entries {
		score := e.(map[string]interface{})["score"].(float64)
		if prev >= 0 && score > prev {
			t.Errorf("entry %d out of order", i)
		}
		prev = score
	}

	if code, body := f.do(t, http.MethodGet, "/api/leaderboard", nil); code != http.StatusOK || body["range"] != "30d" {
		t.Errorf("default range = %d %v", code, body)
	}
	if code, _ := f.do(t, http.MethodGet, "/api/leaderboard?range=all", nil); code != http.StatusOK {
		t.Errorf("all range = %d", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/api/leaderboard?range=1y", nil); code != http.StatusBadRequest {
		t.Errorf("bad range = %d, want 400", code)
	}
}

func TestParseLeaderboardRange(t *testing.T) {
	now := time.Date(2025, 3, 15, 18, 0, 0, 0, time.UTC)
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "2025-02-14", false},
		{"30d", "2025-02-14", false},
		{"7d", "2025-03-09", false},
		{"90d", "2024-12-16", false},
		{"all", "", false},
		{"24h", "", true},
	}
	for _, tt := range tests {
		got, err := parseLeaderboardRange(tt.in, now)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseLeaderboardRange(%q) err = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseLeaderboardRange(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEnsureAdmin(t *testing.T) {
	st := testutil.InMemoryStore(t)
	logger := testutil.DiscardLogger()

	hash, err := EnsureAdmin(st, "admin", "first", logger)
	if err != nil {
		t.Fatalf("EnsureAdmin: %v", err)
	}
	if !CheckPassword(hash, "first") {
		t.Error("seeded hash does not match")
	}

	// The stored hash wins over a changed config password.
	again, err := EnsureAdmin(st, "admin", "second", logger)
	if err != nil {
		t.Fatalf("EnsureAdmin: %v", err)
	}
	if again != hash || CheckPassword(again, "second") {
		t.Error("stored hash was replaced")
	}

	// A non-bcrypt legacy hash is replaced.
	st.UpsertUser("legacy", strings.Repeat("a", 64))
	legacy, err := EnsureAdmin(st, "legacy", "pw", logger)
	if err != nil || !CheckPassword(legacy, "pw") {
		t.Errorf("legacy reseed = %q, %v", legacy, err)
	}
}
