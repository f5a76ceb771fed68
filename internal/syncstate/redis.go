package syncstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Default Redis keys.
const (
	DefaultLockKey     = "teamtrack:sync:lock"
	DefaultMetadataKey = "teamtrack:sync:metadata"
)

// releaseScript deletes the lock only when it still carries our token, so a
// holder whose TTL lapsed cannot free someone else's lock.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0`)

// RedisStore keeps the lock and metadata in Redis.
type RedisStore struct {
	rdb         redis.UniversalClient
	lockKey     string
	metadataKey string
	ttl         time.Duration
	logger      *slog.Logger
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces both keys, e.g. per environment.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisStore) {
		r.lockKey = prefix + ":sync:lock"
		r.metadataKey = prefix + ":sync:metadata"
	}
}

// NewRedisStore creates a RedisStore. ttl bounds how long a crashed holder
// blocks other syncs.
func NewRedisStore(rdb redis.UniversalClient, ttl time.Duration, logger *slog.Logger, opts ...RedisOption) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	r := &RedisStore{
		rdb:         rdb,
		lockKey:     DefaultLockKey,
		metadataKey: DefaultMetadataKey,
		ttl:         ttl,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AcquireLock sets the lock key with NX and the configured TTL. The key's
// value is a fresh token, so each hold is distinguishable from the next.
func (r *RedisStore) AcquireLock(ctx context.Context) (string, bool, error) {
	token := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, r.lockKey, token, r.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("syncstate: acquiring lock: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	r.logger.Debug("sync lock acquired", "key", r.lockKey, "ttl", r.ttl)
	return token, true, nil
}

// ReleaseLock deletes the lock if it still carries token.
func (r *RedisStore) ReleaseLock(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	n, err := releaseScript.Run(ctx, r.rdb, []string{r.lockKey}, token).Int()
	if err != nil {
		return fmt.Errorf("syncstate: releasing lock: %w", err)
	}
	if n == 0 {
		r.logger.Warn("Sync lock expired before release", "key", r.lockKey, "ttl", r.ttl)
	}
	return nil
}

// IsLocked reports whether any holder owns the lock.
func (r *RedisStore) IsLocked(ctx context.Context) (bool, error) {
	n, err := r.rdb.Exists(ctx, r.lockKey).Result()
	if err != nil {
		return false, fmt.Errorf("syncstate: checking lock: %w", err)
	}
	return n > 0, nil
}

const (
	fieldStatus          = "status"
	fieldLastSyncAt      = "lastSyncAt"
	fieldLastSyncDate    = "lastSyncDate"
	fieldErrorMessage    = "errorMessage"
	fieldCollectionStart = "dataCollectionStartDate"
	fieldOldestData      = "oldestDataDate"
)

// ReadMetadata loads the status hash. A missing hash reads as idle.
func (r *RedisStore) ReadMetadata(ctx context.Context) (Metadata, error) {
	fields, err := r.rdb.HGetAll(ctx, r.metadataKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Metadata{}, fmt.Errorf("syncstate: reading metadata: %w", err)
	}

	m := Metadata{Status: StatusIdle}
	if v := fields[fieldStatus]; v != "" {
		m.Status = Status(v)
	}
	if v := fields[fieldLastSyncAt]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			m.LastSyncAt = &t
		}
	}
	m.LastSyncDate = fields[fieldLastSyncDate]
	m.ErrorMessage = fields[fieldErrorMessage]
	m.DataCollectionStartDate = fields[fieldCollectionStart]
	m.OldestDataDate = fields[fieldOldestData]
	return m, nil
}

// WriteMetadata merges p into the status hash in one MULTI.
func (r *RedisStore) WriteMetadata(ctx context.Context, p Patch) error {
	set := map[string]any{}
	var del []string

	if p.Status != nil {
		set[fieldStatus] = string(*p.Status)
	}
	if p.LastSyncAt != nil {
		if p.LastSyncAt.IsZero() {
			del = append(del, fieldLastSyncAt)
		} else {
			set[fieldLastSyncAt] = p.LastSyncAt.UTC().Format(time.RFC3339Nano)
		}
	}
	if p.LastSyncDate != nil {
		set[fieldLastSyncDate] = *p.LastSyncDate
	}
	if p.ErrorMessage != nil {
		set[fieldErrorMessage] = *p.ErrorMessage
	}
	if p.DataCollectionStartDate != nil {
		set[fieldCollectionStart] = *p.DataCollectionStartDate
	}
	if p.OldestDataDate != nil {
		set[fieldOldestData] = *p.OldestDataDate
	}

	if len(set) == 0 && len(del) == 0 {
		return nil
	}

	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(set) > 0 {
			pipe.HSet(ctx, r.metadataKey, set)
		}
		if len(del) > 0 {
			pipe.HDel(ctx, r.metadataKey, del...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("syncstate: writing metadata: %w", err)
	}
	return nil
}

// ClearMetadata deletes the status hash.
func (r *RedisStore) ClearMetadata(ctx context.Context) error {
	if err := r.rdb.Del(ctx, r.metadataKey).Err(); err != nil {
		return fmt.Errorf("syncstate: clearing metadata: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}
