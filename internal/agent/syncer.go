package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/onllm-dev/teamtrack/internal/achievement"
	"github.com/onllm-dev/teamtrack/internal/api"
	"github.com/onllm-dev/teamtrack/internal/store"
	"github.com/onllm-dev/teamtrack/internal/syncstate"
	"github.com/onllm-dev/teamtrack/internal/tracker"
)

// DefaultLookback is the incremental window when no sync has succeeded yet.
const DefaultLookback = 7 * 24 * time.Hour

// ErrSyncInProgress is returned by operations that need the lock when
// another sync holds it.
var ErrSyncInProgress = errors.New("agent: sync already in progress")

// PreconditionError means the requested run does not apply to the current
// data, e.g. a full backfill over a non-empty store.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return "agent: precondition failed: " + e.Reason
}

// UsageFetcher is the subset of the usage API client the syncer needs.
type UsageFetcher interface {
	FetchUsage(ctx context.Context, start, end time.Time) ([]api.DailyUsageRecord, error)
	FetchTeamMembers(ctx context.Context) ([]api.TeamMember, error)
}

// Kind names a sync entry point.
type Kind string

const (
	KindIncremental Kind = "incremental"
	KindFull        Kind = "full_backfill"
	KindHistorical  Kind = "historical_backfill"
)

// Award is one newly unlocked achievement.
type Award struct {
	Subject       string `json:"subject"`
	AchievementID string `json:"achievementId"`
}

// Result describes one sync attempt. Failures are reported here rather than
// returned as errors.
type Result struct {
	RunID           string    `json:"runId"`
	Kind            Kind      `json:"kind"`
	Success         bool      `json:"success"`
	Skipped         bool      `json:"skipped,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	Processed       int       `json:"processed"`
	Users           int       `json:"users"`
	Chunks          int       `json:"chunks,omitempty"`
	NewAchievements []Award   `json:"newAchievements"`
	Error           string    `json:"error,omitempty"`
	StartedAt       time.Time `json:"startedAt"`
	FinishedAt      time.Time `json:"finishedAt"`
}

// Options tunes a Syncer.
type Options struct {
	MinInterval   time.Duration // minimum gap between scheduled syncs
	Inception     time.Time     // earliest day fetched by the historical backfill
	BackfillDelay time.Duration // pause between historical chunk requests
}

// Syncer runs the sync pipeline: fetch, upsert snapshots, recompute stats,
// award achievements. Every run holds the distributed lock and moves the
// status record idle → running → idle|error.
type Syncer struct {
	client  UsageFetcher
	store   *store.Store
	tracker *tracker.Tracker
	awards  *achievement.Engine
	state   syncstate.Store
	opts    Options
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// NewSyncer creates a Syncer with the given dependencies.
func NewSyncer(client UsageFetcher, st *store.Store, tr *tracker.Tracker, awards *achievement.Engine, state syncstate.Store, opts Options, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if opts.BackfillDelay > 0 {
		limit = rate.Every(opts.BackfillDelay)
	}
	return &Syncer{
		client:  client,
		store:   st,
		tracker: tr,
		awards:  awards,
		state:   state,
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock overrides the time source (for tests).
func (s *Syncer) SetClock(now func() time.Time) {
	s.now = now
}

// RunScheduled is the cron entry point. It skips when the lock is held or
// the last success is more recent than MinInterval.
func (s *Syncer) RunScheduled(ctx context.Context) *Result {
	decision, err := syncstate.CanRunSync(ctx, s.state, s.opts.MinInterval, s.now().UTC())
	if err != nil {
		return s.failedBeforeStart(KindIncremental, err)
	}
	if !decision.CanRun {
		s.logger.Info("Scheduled sync skipped", "reason", decision.Reason)
		return s.skipped(KindIncremental, decision.Reason)
	}
	return s.RunIncremental(ctx)
}

// RunIncremental fetches from the last synced day (or DefaultLookback ago)
// through now, clamped to the upstream's 30-day limit.
func (s *Syncer) RunIncremental(ctx context.Context) *Result {
	return s.run(ctx, KindIncremental, func(ctx context.Context, res *Result) error {
		meta, err := s.state.ReadMetadata(ctx)
		if err != nil {
			return fmt.Errorf("reading sync metadata: %w", err)
		}

		now := s.now().UTC()
		start := now.Add(-DefaultLookback).Truncate(24 * time.Hour)
		if meta.LastSyncDate != "" {
			if d, err := time.Parse(api.DayLayout, meta.LastSyncDate); err == nil {
				start = d
			} else {
				s.logger.Warn("Ignoring unparseable lastSyncDate", "value", meta.LastSyncDate)
			}
		}
		if now.Sub(start) > api.MaxWindow {
			s.logger.Warn("Incremental window exceeds upstream limit, older days need a historical backfill",
				"last_sync_date", meta.LastSyncDate,
				"clamped_start", now.Add(-api.MaxWindow).Format(api.DayLayout),
			)
			start = now.Add(-api.MaxWindow)
		}

		records, err := s.client.FetchUsage(ctx, start, now)
		if err != nil {
			return fmt.Errorf("fetching usage: %w", err)
		}
		if len(records) == 0 {
			s.logger.Info("No usage records in window", "start", start.Format(api.DayLayout))
			return nil
		}

		emails, n, err := s.persist(ctx, records)
		if err != nil {
			return err
		}
		res.Processed = n
		return s.recompute(ctx, emails, res)
	})
}

// RunFullBackfill loads the last 30 days into an empty store. It returns a
// *PreconditionError, before taking the lock or calling upstream, when any
// snapshot already exists.
func (s *Syncer) RunFullBackfill(ctx context.Context) (*Result, error) {
	n, err := s.store.CountSnapshots()
	if err != nil {
		return nil, fmt.Errorf("agent: checking existing data: %w", err)
	}
	if n > 0 {
		return nil, &PreconditionError{Reason: fmt.Sprintf("%d snapshots already stored; use incremental sync or reset first", n)}
	}

	return s.run(ctx, KindFull, func(ctx context.Context, res *Result) error {
		now := s.now().UTC()
		records, err := s.client.FetchUsage(ctx, now.Add(-api.MaxWindow), now)
		if err != nil {
			return fmt.Errorf("fetching usage: %w", err)
		}
		emails, n, err := s.persist(ctx, records)
		if err != nil {
			return err
		}
		res.Processed = n
		return s.recompute(ctx, emails, res)
	}), nil
}

// RunHistoricalBackfill walks from now back to the inception date in 30-day
// chunks, pacing requests. Snapshots are written per chunk and progress is
// persisted, so a failed run resumes at the next chunk of the same anchor.
// Stats and achievements are recomputed once after the last chunk.
func (s *Syncer) RunHistoricalBackfill(ctx context.Context) *Result {
	return s.run(ctx, KindHistorical, func(ctx context.Context, res *Result) error {
		inception := s.opts.Inception.UTC()
		anchor := s.now().UTC()
		first := 0

		progress, err := s.store.QueryBackfillProgress()
		if err != nil {
			return err
		}
		if progress != nil && progress.Inception.Equal(inception) {
			anchor = progress.AnchorEnd
			first = progress.NextChunk
			s.logger.Info("Resuming historical backfill",
				"anchor", anchor.Format(time.RFC3339),
				"next_chunk", first,
				"total_chunks", progress.TotalChunks,
			)
		}

		windows := ChunkWindows(inception, anchor, api.MaxWindow)
		if first == 0 {
			if err := s.store.SaveBackfillProgress(store.BackfillProgress{
				AnchorEnd: anchor, Inception: inception, TotalChunks: len(windows),
			}); err != nil {
				return err
			}
		}

		for i := first; i < len(windows); i++ {
			if err := s.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("waiting for chunk %d: %w", i+1, err)
			}

			w := windows[i]
			records, err := s.client.FetchUsage(ctx, w.Start, w.End)
			if err != nil {
				return fmt.Errorf("chunk %d/%d (%s to %s): %w", i+1, len(windows),
					w.Start.Format(api.DayLayout), w.End.Format(api.DayLayout), err)
			}
			_, n, err := s.persist(ctx, records)
			if err != nil {
				return fmt.Errorf("chunk %d/%d: %w", i+1, len(windows), err)
			}
			res.Processed += n
			res.Chunks++

			if err := s.store.SaveBackfillProgress(store.BackfillProgress{
				AnchorEnd: anchor, Inception: inception, NextChunk: i + 1, TotalChunks: len(windows),
			}); err != nil {
				return err
			}
			s.logger.Info("Historical chunk stored",
				"chunk", i+1,
				"of", len(windows),
				"start", w.Start.Format(api.DayLayout),
				"end", w.End.Format(api.DayLayout),
				"records", n,
			)
		}

		emails, err := s.store.QuerySnapshotEmails()
		if err != nil {
			return err
		}
		if err := s.recompute(ctx, emails, res); err != nil {
			return err
		}
		return s.store.ClearBackfillProgress()
	})
}

// Reset deletes all synced data and the status record. It fails with
// ErrSyncInProgress while a sync holds the lock.
func (s *Syncer) Reset(ctx context.Context) error {
	token, ok, err := s.state.AcquireLock(ctx)
	if err != nil {
		return fmt.Errorf("agent: acquiring lock: %w", err)
	}
	if !ok {
		return ErrSyncInProgress
	}
	defer s.releaseLock(ctx, token)

	if err := s.store.ResetAll(); err != nil {
		return fmt.Errorf("agent: reset: %w", err)
	}
	if err := s.state.ClearMetadata(ctx); err != nil {
		return fmt.Errorf("agent: reset: %w", err)
	}
	s.logger.Warn("All sync data reset")
	return nil
}

// Status is a point-in-time view of the sync subsystem.
type Status struct {
	Metadata  syncstate.Metadata      `json:"metadata"`
	Locked    bool                    `json:"locked"`
	Snapshots int                     `json:"snapshots"`
	Backfill  *store.BackfillProgress `json:"backfill,omitempty"`
}

// Status reads the current metadata, lock flag and backfill progress.
func (s *Syncer) Status(ctx context.Context) (*Status, error) {
	meta, err := s.state.ReadMetadata(ctx)
	if err != nil {
		return nil, fmt.Errorf("agent: status: %w", err)
	}
	locked, err := s.state.IsLocked(ctx)
	if err != nil {
		return nil, fmt.Errorf("agent: status: %w", err)
	}
	count, err := s.store.CountSnapshots()
	if err != nil {
		return nil, fmt.Errorf("agent: status: %w", err)
	}
	progress, err := s.store.QueryBackfillProgress()
	if err != nil {
		return nil, fmt.Errorf("agent: status: %w", err)
	}
	return &Status{Metadata: meta, Locked: locked, Snapshots: count, Backfill: progress}, nil
}

// run brackets body with the lock and status transitions.
func (s *Syncer) run(ctx context.Context, kind Kind, body func(context.Context, *Result) error) *Result {
	res := &Result{
		RunID:           uuid.NewString(),
		Kind:            kind,
		NewAchievements: []Award{},
		StartedAt:       s.now().UTC(),
	}
	logger := s.logger.With("run_id", res.RunID, "kind", kind)

	token, ok, err := s.state.AcquireLock(ctx)
	if err != nil {
		logger.Error("Failed to acquire sync lock", "error", err)
		res.Error = err.Error()
		res.FinishedAt = s.now().UTC()
		return res
	}
	if !ok {
		logger.Info("Sync skipped, lock held elsewhere")
		res.Skipped = true
		res.Reason = "sync already in progress"
		res.FinishedAt = s.now().UTC()
		return res
	}
	defer s.releaseLock(ctx, token)

	s.writeMetadata(ctx, syncstate.Patch{Status: syncstate.Ptr(syncstate.StatusRunning)})
	logger.Info("Sync started")

	err = s.guard(ctx, res, body)
	res.FinishedAt = s.now().UTC()

	if err != nil {
		res.Error = err.Error()
		logger.Error("Sync failed", "error", err, "processed", res.Processed)
		s.writeMetadata(ctx, syncstate.Patch{
			Status:       syncstate.Ptr(syncstate.StatusError),
			ErrorMessage: syncstate.Ptr(err.Error()),
		})
		return res
	}

	res.Success = true
	s.writeMetadata(ctx, s.successPatch(ctx, res.FinishedAt))
	logger.Info("Sync complete",
		"processed", res.Processed,
		"users", res.Users,
		"new_achievements", len(res.NewAchievements),
		"duration", res.FinishedAt.Sub(res.StartedAt),
	)
	return res
}

// guard runs body and converts a panic into an error.
func (s *Syncer) guard(ctx context.Context, res *Result, body func(context.Context, *Result) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync panicked: %v", r)
		}
	}()
	return body(ctx, res)
}

func (s *Syncer) successPatch(ctx context.Context, at time.Time) syncstate.Patch {
	p := syncstate.Patch{
		Status:       syncstate.Ptr(syncstate.StatusIdle),
		LastSyncAt:   &at,
		LastSyncDate: syncstate.Ptr(at.AddDate(0, 0, -1).Format(api.DayLayout)),
		ErrorMessage: syncstate.Ptr(""),
	}

	oldest, err := s.store.QueryOldestSnapshotDate()
	if err != nil {
		s.logger.Warn("Failed to read oldest snapshot date", "error", err)
	} else if oldest != "" {
		p.OldestDataDate = &oldest
	}

	meta, err := s.state.ReadMetadata(ctx)
	if err == nil && meta.DataCollectionStartDate == "" {
		p.DataCollectionStartDate = syncstate.Ptr(at.Format(api.DayLayout))
	}
	return p
}

// releaseLock frees this run's hold on a context that outlives
// cancellation of the run.
func (s *Syncer) releaseLock(ctx context.Context, token string) {
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.state.ReleaseLock(relCtx, token); err != nil {
		s.logger.Error("Failed to release sync lock", "error", err)
	}
}

// writeMetadata updates the authoritative record and mirrors it to SQLite.
// Failures are logged; the lock TTL and the next run recover from them.
func (s *Syncer) writeMetadata(ctx context.Context, p syncstate.Patch) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := s.state.WriteMetadata(wctx, p); err != nil {
		s.logger.Error("Failed to write sync metadata", "error", err)
		return
	}
	meta, err := s.state.ReadMetadata(wctx)
	if err != nil {
		s.logger.Warn("Failed to read back sync metadata", "error", err)
		return
	}
	if err := s.store.SaveSyncMetadata(store.SyncMetadataRow{
		Status:                  string(meta.Status),
		LastSyncAt:              meta.LastSyncAt,
		LastSyncDate:            meta.LastSyncDate,
		ErrorMessage:            meta.ErrorMessage,
		DataCollectionStartDate: meta.DataCollectionStartDate,
		OldestDataDate:          meta.OldestDataDate,
	}); err != nil {
		s.logger.Warn("Failed to mirror sync metadata", "error", err)
	}
}

// persist groups records by user, keeps the last record per (user, day) and
// upserts each user's snapshots. It returns the affected users in order and
// the number of snapshots written.
func (s *Syncer) persist(ctx context.Context, records []api.DailyUsageRecord) ([]string, int, error) {
	byUser := make(map[string]map[string]store.DailySnapshot)
	for _, rec := range records {
		snap := store.SnapshotFromRecord(rec)
		if snap.UserEmail == "" {
			continue
		}
		days, ok := byUser[snap.UserEmail]
		if !ok {
			days = make(map[string]store.DailySnapshot)
			byUser[snap.UserEmail] = days
		}
		days[snap.Date] = snap
	}

	emails := make([]string, 0, len(byUser))
	for email := range byUser {
		emails = append(emails, email)
	}
	sort.Strings(emails)

	written := 0
	for _, email := range emails {
		if err := ctx.Err(); err != nil {
			return nil, written, err
		}
		days := byUser[email]
		snaps := make([]store.DailySnapshot, 0, len(days))
		for _, snap := range days {
			snaps = append(snaps, snap)
		}
		sort.Slice(snaps, func(i, j int) bool { return snaps[i].Date < snaps[j].Date })

		if err := s.store.UpsertSnapshots(snaps); err != nil {
			return nil, written, fmt.Errorf("storing snapshots for %s: %w", email, err)
		}
		written += len(snaps)
	}
	return emails, written, nil
}

// recompute refreshes stats and achievements for emails, then the team once.
func (s *Syncer) recompute(ctx context.Context, emails []string, res *Result) error {
	s.refreshMembers(ctx)

	for _, email := range emails {
		if err := ctx.Err(); err != nil {
			return err
		}
		st, err := s.tracker.RecalculateUserStats(email)
		if err != nil {
			return err
		}
		ids, err := s.awards.AwardUser(st)
		if err != nil {
			return err
		}
		for _, id := range ids {
			res.NewAchievements = append(res.NewAchievements, Award{Subject: email, AchievementID: id})
		}
	}
	res.Users = len(emails)

	team, err := s.tracker.RecalculateTeamStats()
	if err != nil {
		return err
	}
	ids, err := s.awards.AwardTeam(team)
	if err != nil {
		return err
	}
	for _, id := range ids {
		res.NewAchievements = append(res.NewAchievements, Award{Subject: achievement.TeamSubject, AchievementID: id})
	}
	return nil
}

// refreshMembers updates the roster. Failures only cost display names.
func (s *Syncer) refreshMembers(ctx context.Context) {
	members, err := s.client.FetchTeamMembers(ctx)
	if err != nil {
		s.logger.Warn("Failed to refresh team members", "error", err)
		return
	}
	if err := s.store.UpsertTeamMembers(members); err != nil {
		s.logger.Warn("Failed to store team members", "error", err)
	}
}

func (s *Syncer) skipped(kind Kind, reason string) *Result {
	now := s.now().UTC()
	return &Result{
		RunID:           uuid.NewString(),
		Kind:            kind,
		Skipped:         true,
		Reason:          reason,
		NewAchievements: []Award{},
		StartedAt:       now,
		FinishedAt:      now,
	}
}

func (s *Syncer) failedBeforeStart(kind Kind, err error) *Result {
	s.logger.Error("Sync could not start", "kind", kind, "error", err)
	now := s.now().UTC()
	return &Result{
		RunID:           uuid.NewString(),
		Kind:            kind,
		Error:           err.Error(),
		NewAchievements: []Award{},
		StartedAt:       now,
		FinishedAt:      now,
	}
}
