package testutil

import (
	"log/slog"
	"testing"
	"time"

	"github.com/onllm-dev/teamtrack/internal/api"
	"github.com/onllm-dev/teamtrack/internal/config"
	"github.com/onllm-dev/teamtrack/internal/store"
)

// TestAPIKey is the key MockAPI expects by default.
const TestAPIKey = "key_test_e2e_123456"

// DiscardLogger returns a logger that discards all output.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// InMemoryStore creates an in-memory SQLite store for testing.
// The store is automatically closed when the test completes.
func InMemoryStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("InMemoryStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// SeedSnapshots stores records directly, bypassing the sync pipeline.
func SeedSnapshots(t *testing.T, s *store.Store, records []api.DailyUsageRecord) {
	t.Helper()
	snaps := make([]store.DailySnapshot, 0, len(records))
	for _, rec := range records {
		snaps = append(snaps, store.SnapshotFromRecord(rec))
	}
	if err := s.UpsertSnapshots(snaps); err != nil {
		t.Fatalf("SeedSnapshots: %v", err)
	}
}

// TestConfig returns a config pointing at baseURL with fast test timings.
func TestConfig(baseURL string) *config.Config {
	return &config.Config{
		UsageAPIKey:          TestAPIKey,
		UsageBaseURL:         baseURL,
		Port:                 19311,
		Host:                 "127.0.0.1",
		AdminUser:            "admin",
		AdminPass:            "test-password",
		DBPath:               ":memory:",
		LogLevel:             "error",
		CronSecret:           "test-cron-secret",
		SchedulerHeader:      "X-Test-Scheduler",
		SchedulerHeaderValue: "test-scheduler",
		SyncSchedule:         "@hourly",
		MinSyncInterval:      5 * time.Minute,
		LockTTL:              time.Minute,
		InceptionDate:        Day("2024-01-01"),
		BackfillDelay:        time.Millisecond,
		TestMode:             true,
	}
}
