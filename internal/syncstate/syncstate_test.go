package syncstate

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisStore(rdb, ttl, slog.New(slog.DiscardHandler)), mr
}

// storeFactories runs the shared contract against both implementations.
func storeFactories(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore(time.Minute) },
		"redis": func() Store {
			s, _ := newRedisStore(t, time.Minute)
			return s
		},
	}
}

func TestStore_LockLifecycle(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := factory()

			if locked, _ := st.IsLocked(ctx); locked {
				t.Fatal("fresh store should be unlocked")
			}
			token, ok, err := st.AcquireLock(ctx)
			if err != nil || !ok || token == "" {
				t.Fatalf("AcquireLock = %q, %v, %v", token, ok, err)
			}
			_, ok, err = st.AcquireLock(ctx)
			if err != nil || ok {
				t.Fatalf("second AcquireLock = %v, %v, want false", ok, err)
			}
			// a wrong token releases nothing
			if err := st.ReleaseLock(ctx, "someone-else"); err != nil {
				t.Fatalf("ReleaseLock(foreign): %v", err)
			}
			if locked, _ := st.IsLocked(ctx); !locked {
				t.Error("foreign token released the lock")
			}
			if locked, _ := st.IsLocked(ctx); !locked {
				t.Error("IsLocked = false while held")
			}
			if err := st.ReleaseLock(ctx, token); err != nil {
				t.Fatalf("ReleaseLock: %v", err)
			}
			if locked, _ := st.IsLocked(ctx); locked {
				t.Error("IsLocked = true after release")
			}
			// releasing twice is harmless
			if err := st.ReleaseLock(ctx, token); err != nil {
				t.Errorf("second ReleaseLock: %v", err)
			}
		})
	}
}

func TestStore_LockExclusiveUnderConcurrency(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			st := factory()
			var winners atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, ok, err := st.AcquireLock(context.Background()); err == nil && ok {
						winners.Add(1)
					}
				}()
			}
			wg.Wait()
			if winners.Load() != 1 {
				t.Errorf("winners = %d, want 1", winners.Load())
			}
		})
	}
}

// expiringFactories build stores whose lock lapses after 30s, with a hook
// that moves time past the TTL.
func expiringFactories(t *testing.T) map[string]func() (Store, func(time.Duration)) {
	return map[string]func() (Store, func(time.Duration)){
		"memory": func() (Store, func(time.Duration)) {
			now := time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)
			st := NewMemoryStore(30 * time.Second)
			st.SetClock(func() time.Time { return now })
			return st, func(d time.Duration) { now = now.Add(d) }
		},
		"redis": func() (Store, func(time.Duration)) {
			st, mr := newRedisStore(t, 30*time.Second)
			return st, mr.FastForward
		},
	}
}

func TestStore_StaleHolderCannotReleaseNewHold(t *testing.T) {
	for name, factory := range expiringFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st, advance := factory()

			first, ok, _ := st.AcquireLock(ctx)
			if !ok {
				t.Fatal("first AcquireLock failed")
			}
			advance(31 * time.Second)

			// Same store, new holder after the TTL lapsed.
			second, ok, _ := st.AcquireLock(ctx)
			if !ok {
				t.Fatal("AcquireLock after expiry failed")
			}
			if second == first {
				t.Fatal("tokens repeat across holds")
			}

			if err := st.ReleaseLock(ctx, first); err != nil {
				t.Fatalf("stale ReleaseLock: %v", err)
			}
			if locked, _ := st.IsLocked(ctx); !locked {
				t.Fatal("stale release freed the current hold")
			}
			if _, ok, _ := st.AcquireLock(ctx); ok {
				t.Fatal("third holder acquired while second still holds")
			}

			if err := st.ReleaseLock(ctx, second); err != nil {
				t.Fatalf("ReleaseLock: %v", err)
			}
			if locked, _ := st.IsLocked(ctx); locked {
				t.Error("current holder could not release")
			}
		})
	}
}

func TestStore_MetadataMergePatch(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := factory()

			m, err := st.ReadMetadata(ctx)
			if err != nil {
				t.Fatalf("ReadMetadata: %v", err)
			}
			if m.Status != StatusIdle || m.LastSyncAt != nil {
				t.Errorf("empty metadata = %+v", m)
			}

			at := time.Date(2025, 3, 15, 9, 30, 0, 0, time.UTC)
			err = st.WriteMetadata(ctx, Patch{
				Status:       Ptr(StatusIdle),
				LastSyncAt:   &at,
				LastSyncDate: Ptr("2025-03-14"),
				ErrorMessage: Ptr("old failure"),
			})
			if err != nil {
				t.Fatalf("WriteMetadata: %v", err)
			}

			// status only: other fields survive
			if err := st.WriteMetadata(ctx, Patch{Status: Ptr(StatusRunning)}); err != nil {
				t.Fatalf("WriteMetadata: %v", err)
			}
			m, _ = st.ReadMetadata(ctx)
			if m.Status != StatusRunning || m.LastSyncDate != "2025-03-14" || m.ErrorMessage != "old failure" {
				t.Errorf("after partial patch = %+v", m)
			}
			if m.LastSyncAt == nil || !m.LastSyncAt.Equal(at) {
				t.Errorf("LastSyncAt = %v, want %v", m.LastSyncAt, at)
			}

			// clear error and lastSyncAt
			if err := st.WriteMetadata(ctx, Patch{ErrorMessage: Ptr(""), LastSyncAt: &time.Time{}}); err != nil {
				t.Fatalf("WriteMetadata: %v", err)
			}
			m, _ = st.ReadMetadata(ctx)
			if m.ErrorMessage != "" || m.LastSyncAt != nil {
				t.Errorf("after clearing patch = %+v", m)
			}

			if err := st.ClearMetadata(ctx); err != nil {
				t.Fatalf("ClearMetadata: %v", err)
			}
			m, _ = st.ReadMetadata(ctx)
			if m.Status != StatusIdle || m.LastSyncDate != "" {
				t.Errorf("after clear = %+v", m)
			}
		})
	}
}

func TestRedisStore_LockExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	st, mr := newRedisStore(t, 30*time.Second)

	stale, ok, _ := st.AcquireLock(ctx)
	if !ok {
		t.Fatal("AcquireLock failed")
	}
	mr.FastForward(31 * time.Second)

	if locked, _ := st.IsLocked(ctx); locked {
		t.Fatal("lock should have expired")
	}

	// Another instance takes over; the stale holder must not free it.
	other := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 30*time.Second, slog.New(slog.DiscardHandler))
	if _, ok, _ := other.AcquireLock(ctx); !ok {
		t.Fatal("second instance could not acquire expired lock")
	}
	if err := st.ReleaseLock(ctx, stale); err != nil {
		t.Fatalf("stale ReleaseLock: %v", err)
	}
	if locked, _ := other.IsLocked(ctx); !locked {
		t.Error("stale holder released another instance's lock")
	}
}

func TestRedisStore_KeyPrefixAndTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	st := NewRedisStore(rdb, 5*time.Minute, nil, WithKeyPrefix("staging"))
	ctx := context.Background()
	if _, ok, _ := st.AcquireLock(ctx); !ok {
		t.Fatal("AcquireLock failed")
	}
	if !mr.Exists("staging:sync:lock") {
		t.Fatal("prefixed lock key missing")
	}
	if ttl := mr.TTL("staging:sync:lock"); ttl != 5*time.Minute {
		t.Errorf("TTL = %v, want 5m", ttl)
	}

	st.WriteMetadata(ctx, Patch{LastSyncDate: Ptr("2025-03-14")})
	if got := mr.HGet("staging:sync:metadata", "lastSyncDate"); got != "2025-03-14" {
		t.Errorf("hash field = %q", got)
	}
}

func TestMemoryStore_LockExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)
	st := NewMemoryStore(time.Minute)
	st.SetClock(func() time.Time { return now })

	st.AcquireLock(ctx)
	now = now.Add(59 * time.Second)
	if _, ok, _ := st.AcquireLock(ctx); ok {
		t.Fatal("lock acquired before TTL elapsed")
	}
	now = now.Add(2 * time.Second)
	if _, ok, _ := st.AcquireLock(ctx); !ok {
		t.Fatal("lock not acquirable after TTL")
	}
}

func TestCanRunSync(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		locked     bool
		lastSyncAt *time.Time
		want       bool
		reason     string
	}{
		{"never synced", false, nil, true, ""},
		{"lock held", true, nil, false, "in progress"},
		{"too soon", false, Ptr(now.Add(-2 * time.Minute)), false, "minimum interval"},
		{"interval elapsed", false, Ptr(now.Add(-10 * time.Minute)), true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := NewMemoryStore(time.Minute)
			st.SetClock(func() time.Time { return now })
			if tt.locked {
				st.AcquireLock(ctx)
			}
			if tt.lastSyncAt != nil {
				st.WriteMetadata(ctx, Patch{LastSyncAt: tt.lastSyncAt})
			}

			d, err := CanRunSync(ctx, st, 5*time.Minute, now)
			if err != nil {
				t.Fatalf("CanRunSync: %v", err)
			}
			if d.CanRun != tt.want {
				t.Errorf("CanRun = %v, want %v (%s)", d.CanRun, tt.want, d.Reason)
			}
			if tt.reason != "" && !strings.Contains(d.Reason, tt.reason) {
				t.Errorf("Reason = %q, want substring %q", d.Reason, tt.reason)
			}
		})
	}
}
