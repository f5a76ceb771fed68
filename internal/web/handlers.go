package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/onllm-dev/teamtrack/internal/achievement"
	"github.com/onllm-dev/teamtrack/internal/agent"
	"github.com/onllm-dev/teamtrack/internal/api"
	"github.com/onllm-dev/teamtrack/internal/store"
	"github.com/onllm-dev/teamtrack/internal/tracker"
)

// Handler handles HTTP requests for the sync and stats API
type Handler struct {
	ctx     context.Context
	syncer  *agent.Syncer
	store   *store.Store
	engine  *achievement.Engine
	logger  *slog.Logger
	version string
	now     func() time.Time

	jobs sync.WaitGroup
}

// NewHandler creates a new Handler instance. ctx bounds background jobs
// started by handlers, such as the historical backfill.
func NewHandler(ctx context.Context, syncer *agent.Syncer, store *store.Store, engine *achievement.Engine, version string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		ctx:     ctx,
		syncer:  syncer,
		store:   store,
		engine:  engine,
		logger:  logger,
		version: version,
		now:     time.Now,
	}
}

// Wait blocks until background jobs have finished.
func (h *Handler) Wait() {
	h.jobs.Wait()
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondResult maps a sync result to a status code.
func respondResult(w http.ResponseWriter, res *agent.Result) {
	status := http.StatusOK
	if !res.Success && !res.Skipped {
		status = http.StatusInternalServerError
	}
	respondJSON(w, status, res)
}

// parseLeaderboardRange parses a leaderboard range (7d, 30d, 90d, all) into
// the first included day. "all" returns "".
func parseLeaderboardRange(rangeStr string, now time.Time) (string, error) {
	var days int
	switch rangeStr {
	case "", "30d":
		days = 30
	case "7d":
		days = 7
	case "90d":
		days = 90
	case "all":
		return "", nil
	default:
		return "", fmt.Errorf("invalid range: %s", rangeStr)
	}
	return now.UTC().AddDate(0, 0, -(days - 1)).Format(api.DayLayout), nil
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}

// Sync runs a scheduled incremental sync (scheduler endpoint). The run is
// not tied to the request, so a scheduler that hangs up does not abort it.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	respondResult(w, h.syncer.RunScheduled(context.WithoutCancel(r.Context())))
}

// Backfill loads the last 30 days into an empty store.
func (h *Handler) Backfill(w http.ResponseWriter, r *http.Request) {
	res, err := h.syncer.RunFullBackfill(context.WithoutCancel(r.Context()))
	var pre *agent.PreconditionError
	switch {
	case errors.As(err, &pre):
		respondError(w, http.StatusConflict, pre.Reason)
		return
	case err != nil:
		h.logger.Error("Backfill failed to start", "error", err)
		respondError(w, http.StatusInternalServerError, "backfill failed")
		return
	}
	respondResult(w, res)
}

// HistoricalBackfill starts the chunked backfill in the background and
// returns 202. It returns 409 when a sync already holds the lock.
func (h *Handler) HistoricalBackfill(w http.ResponseWriter, r *http.Request) {
	status, err := h.syncer.Status(r.Context())
	if err != nil {
		h.logger.Error("Failed to read sync status", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to read sync status")
		return
	}
	if status.Locked {
		respondError(w, http.StatusConflict, "sync already in progress")
		return
	}

	h.jobs.Add(1)
	go func() {
		defer h.jobs.Done()
		res := h.syncer.RunHistoricalBackfill(h.ctx)
		if res.Skipped {
			h.logger.Info("Historical backfill skipped", "reason", res.Reason)
		}
	}()

	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"started": true,
	})
}

// SyncStatus returns the sync metadata, lock flag and backfill progress.
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.syncer.Status(r.Context())
	if err != nil {
		h.logger.Error("Failed to read sync status", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to read sync status")
		return
	}

	resp := map[string]interface{}{
		"metadata":  status.Metadata,
		"locked":    status.Locked,
		"snapshots": status.Snapshots,
	}
	if p := status.Backfill; p != nil {
		resp["backfill"] = map[string]interface{}{
			"anchorEnd":   p.AnchorEnd.Format(time.RFC3339),
			"inception":   p.Inception.Format(api.DayLayout),
			"nextChunk":   p.NextChunk,
			"totalChunks": p.TotalChunks,
			"updatedAt":   p.UpdatedAt.Format(time.RFC3339),
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// Reset deletes all synced data.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.syncer.Reset(r.Context()); err != nil {
		if errors.Is(err, agent.ErrSyncInProgress) {
			respondError(w, http.StatusConflict, "sync already in progress")
			return
		}
		h.logger.Error("Reset failed", "error", err)
		respondError(w, http.StatusInternalServerError, "reset failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"reset": true})
}

// UsersStats lists stats for every user.
func (h *Handler) UsersStats(w http.ResponseWriter, r *http.Request) {
	all, err := h.store.QueryAllUserStats()
	if err != nil {
		h.logger.Error("failed to query user stats", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to query user stats")
		return
	}
	names := h.memberNames()

	out := make([]map[string]interface{}, 0, len(all))
	for _, st := range all {
		out = append(out, userStatsToMap(st, names[st.UserEmail]))
	}
	respondJSON(w, http.StatusOK, out)
}

// UserStats returns one user's stats and achievements.
func (h *Handler) UserStats(w http.ResponseWriter, r *http.Request) {
	email := strings.ToLower(strings.TrimSpace(r.PathValue("email")))
	if email == "" {
		respondError(w, http.StatusBadRequest, "email is required")
		return
	}

	st, err := h.store.QueryUserStats(email)
	if err != nil {
		h.logger.Error("failed to query user stats", "email", email, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to query user stats")
		return
	}
	if st == nil {
		respondError(w, http.StatusNotFound, "user not found")
		return
	}

	unlocked, err := h.store.UserAchievements().List(email)
	if err != nil {
		h.logger.Error("failed to query achievements", "email", email, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to query achievements")
		return
	}

	resp := userStatsToMap(st, h.memberNames()[email])
	resp["achievements"] = achievementsToMaps(unlocked)
	respondJSON(w, http.StatusOK, resp)
}

// TeamStats returns the team aggregate.
func (h *Handler) TeamStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.store.QueryTeamStats()
	if err != nil {
		h.logger.Error("failed to query team stats", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to query team stats")
		return
	}
	if st == nil {
		respondError(w, http.StatusNotFound, "team stats not computed yet")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"memberCount":           st.MemberCount,
		"activeMemberCount":     st.ActiveMemberCount,
		"totalLinesAdded":       st.TotalLinesAdded,
		"totalAcceptedLines":    st.TotalAcceptedLines,
		"totalChatRequests":     st.TotalChatRequests,
		"totalComposerRequests": st.TotalComposerRequests,
		"totalAgentRequests":    st.TotalAgentRequests,
		"totalTabAccepts":       st.TotalTabAccepts,
		"totalApplies":          st.TotalApplies,
		"totalAccepts":          st.TotalAccepts,
		"totalActiveDays":       st.TotalActiveDays,
		"longestStreak":         st.LongestStreak,
		"longestCurrentStreak":  st.LongestCurrentStreak,
		"acceptanceRate":        st.AcceptanceRate,
		"updatedAt":             st.UpdatedAt.Format(time.RFC3339),
	})
}

// Achievements returns the rule catalog and unlocked achievements. The
// optional subject query parameter filters user achievements.
func (h *Handler) Achievements(w http.ResponseWriter, r *http.Request) {
	subject := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("subject")))

	users, err := h.store.UserAchievements().List(subject)
	if err != nil {
		h.logger.Error("failed to query user achievements", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to query achievements")
		return
	}
	team, err := h.store.TeamAchievements().List("")
	if err != nil {
		h.logger.Error("failed to query team achievements", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to query achievements")
		return
	}

	userRules, teamRules := h.engine.Catalog()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"catalog": map[string]interface{}{
			"user": userRules,
			"team": teamRules,
		},
		"users": achievementsToMaps(users),
		"team":  achievementsToMaps(team),
	})
}

// Leaderboard ranks users by weighted activity over a range.
func (h *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	rangeStr := r.URL.Query().Get("range")
	from, err := parseLeaderboardRange(rangeStr, h.now())
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	snaps, err := h.store.QuerySnapshotsRange(from, "")
	if err != nil {
		h.logger.Error("failed to query snapshots", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to query snapshots")
		return
	}

	if rangeStr == "" {
		rangeStr = "30d"
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"range":   rangeStr,
		"from":    from,
		"entries": tracker.BuildLeaderboard(snaps, h.memberNames()),
	})
}

// memberNames maps emails to display names. Errors yield an empty map.
func (h *Handler) memberNames() map[string]string {
	members, err := h.store.QueryTeamMembers()
	if err != nil {
		h.logger.Warn("failed to query team members", "error", err)
		return map[string]string{}
	}
	names := make(map[string]string, len(members))
	for email, m := range members {
		names[email] = m.Name
	}
	return names
}

func userStatsToMap(st *store.UserStats, name string) map[string]interface{} {
	return map[string]interface{}{
		"email":                 st.UserEmail,
		"name":                  name,
		"totalLinesAdded":       st.TotalLinesAdded,
		"totalAcceptedLines":    st.TotalAcceptedLines,
		"totalChatRequests":     st.TotalChatRequests,
		"totalComposerRequests": st.TotalComposerRequests,
		"totalAgentRequests":    st.TotalAgentRequests,
		"totalTabAccepts":       st.TotalTabAccepts,
		"totalApplies":          st.TotalApplies,
		"totalAccepts":          st.TotalAccepts,
		"activeDays":            st.ActiveDays,
		"bestDayLines":          st.BestDayLines,
		"bestDayLinesDate":      st.BestDayLinesDate,
		"bestDayAgent":          st.BestDayAgent,
		"bestDayChat":           st.BestDayChat,
		"bestDayComposer":       st.BestDayComposer,
		"bestDayTabAccepts":     st.BestDayTabAccepts,
		"currentStreak":         st.CurrentStreak,
		"maxStreak":             st.MaxStreak,
		"acceptanceRate":        st.AcceptanceRate,
		"firstActiveDate":       st.FirstActiveDate,
		"lastActiveDate":        st.LastActiveDate,
		"updatedAt":             st.UpdatedAt.Format(time.RFC3339),
	}
}

func achievementsToMaps(list []store.Achievement) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(list))
	for _, a := range list {
		out = append(out, map[string]interface{}{
			"achievementId": a.AchievementID,
			"subject":       a.Subject,
			"achievedAt":    a.AchievedAt.Format(time.RFC3339),
		})
	}
	return out
}
