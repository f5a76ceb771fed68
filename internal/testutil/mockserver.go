package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onllm-dev/teamtrack/internal/api"
)

// Window is one requested date range.
type Window struct {
	Start time.Time
	End   time.Time
}

// MockAPI serves the team usage API from an in-memory dataset.
// Thread-safe for concurrent use from test goroutines and handler goroutines.
type MockAPI struct {
	mu       sync.RWMutex
	apiKey   string
	records  []api.DailyUsageRecord
	members  []api.TeamMember
	rawBody  string
	windows  []Window
	gate     chan struct{}
	failFrom int // usage call number (1-based) from which errors are returned; 0 = never

	usageError  atomic.Int32 // 0 = no error, >0 = HTTP status code
	usageCount  atomic.Int64
	memberCount atomic.Int64

	mux *http.ServeMux
}

// MockOption configures a MockAPI.
type MockOption func(*MockAPI)

// WithAPIKey sets the expected basic-auth user.
func WithAPIKey(key string) MockOption {
	return func(m *MockAPI) { m.apiKey = key }
}

// WithRecords sets the dataset served by /daily-usage-data.
func WithRecords(records []api.DailyUsageRecord) MockOption {
	return func(m *MockAPI) { m.records = records }
}

// WithMembers sets the roster served by /members.
func WithMembers(members []api.TeamMember) MockOption {
	return func(m *MockAPI) { m.members = members }
}

// WithRawUsageBody makes /daily-usage-data return body verbatim.
func WithRawUsageBody(body string) MockOption {
	return func(m *MockAPI) { m.rawBody = body }
}

// WithGate blocks every usage request until gate is closed.
func WithGate(gate chan struct{}) MockOption {
	return func(m *MockAPI) { m.gate = gate }
}

// WithFailFrom makes usage call n and later return 500.
func WithFailFrom(n int) MockOption {
	return func(m *MockAPI) { m.failFrom = n }
}

// NewMockAPI creates the handler without starting a server.
func NewMockAPI(opts ...MockOption) *MockAPI {
	m := &MockAPI{apiKey: TestAPIKey}
	for _, opt := range opts {
		opt(m)
	}

	m.mux = http.NewServeMux()
	m.mux.HandleFunc("POST /daily-usage-data", m.handleUsage)
	m.mux.HandleFunc("GET /members", m.handleMembers)
	m.mux.HandleFunc("POST /admin/error", m.handleAdminError)
	m.mux.HandleFunc("POST /admin/records", m.handleAdminRecords)
	m.mux.HandleFunc("GET /admin/requests", m.handleAdminRequests)
	return m
}

func (m *MockAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mux.ServeHTTP(w, r)
}

// MockServer is a MockAPI behind an httptest.Server.
type MockServer struct {
	*httptest.Server
	*MockAPI
}

// NewMockServer starts a mock usage API closed at test cleanup.
func NewMockServer(t *testing.T, opts ...MockOption) *MockServer {
	t.Helper()
	m := NewMockAPI(opts...)
	srv := httptest.NewServer(m)
	t.Cleanup(srv.Close)
	return &MockServer{Server: srv, MockAPI: m}
}

func (m *MockAPI) authorized(r *http.Request) bool {
	user, _, ok := r.BasicAuth()
	return ok && user == m.apiKey
}

// handleUsage handles POST /daily-usage-data
func (m *MockAPI) handleUsage(w http.ResponseWriter, r *http.Request) {
	n := m.usageCount.Add(1)

	if !m.authorized(r) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req api.UsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}
	start, end := time.UnixMilli(req.StartDate).UTC(), time.UnixMilli(req.EndDate).UTC()

	m.mu.Lock()
	m.windows = append(m.windows, Window{Start: start, End: end})
	gate, failFrom, raw := m.gate, m.failFrom, m.rawBody
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	if code := m.usageError.Load(); code > 0 {
		http.Error(w, `{"error":"injected"}`, int(code))
		return
	}
	if failFrom > 0 && int(n) >= failFrom {
		http.Error(w, `{"error":"upstream unavailable"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if raw != "" {
		w.Write([]byte(raw))
		return
	}

	m.mu.RLock()
	var out []api.DailyUsageRecord
	for _, rec := range m.records {
		at := rec.Time()
		if !at.Before(start) && !at.After(end) {
			out = append(out, rec)
		}
	}
	m.mu.RUnlock()

	w.Write([]byte(UsageResponseJSON(out)))
}

// handleMembers handles GET /members
func (m *MockAPI) handleMembers(w http.ResponseWriter, r *http.Request) {
	m.memberCount.Add(1)
	if !m.authorized(r) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	m.mu.RLock()
	members := m.members
	m.mu.RUnlock()
	if members == nil {
		members = []api.TeamMember{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"teamMembers": members})
}

// handleAdminError handles POST /admin/error {"code": 500}; code 0 clears.
func (m *MockAPI) handleAdminError(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code int `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	m.SetUsageError(body.Code)
	w.WriteHeader(http.StatusNoContent)
}

// handleAdminRecords handles POST /admin/records with a JSON record list.
func (m *MockAPI) handleAdminRecords(w http.ResponseWriter, r *http.Request) {
	var records []api.DailyUsageRecord
	if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	m.SetRecords(records)
	w.WriteHeader(http.StatusNoContent)
}

// handleAdminRequests handles GET /admin/requests
func (m *MockAPI) handleAdminRequests(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int64{
		"usage":   m.usageCount.Load(),
		"members": m.memberCount.Load(),
	})
}

// SetUsageError makes usage requests fail with code; 0 clears.
func (m *MockAPI) SetUsageError(code int) {
	m.usageError.Store(int32(code))
}

// SetRecords replaces the dataset.
func (m *MockAPI) SetRecords(records []api.DailyUsageRecord) {
	m.mu.Lock()
	m.records = records
	m.mu.Unlock()
}

// SetFailFrom changes the failing call threshold; 0 disables it.
func (m *MockAPI) SetFailFrom(n int) {
	m.mu.Lock()
	m.failFrom = n
	m.mu.Unlock()
}

// UsageRequests returns how many usage requests were received.
func (m *MockAPI) UsageRequests() int {
	return int(m.usageCount.Load())
}

// MemberRequests returns how many member requests were received.
func (m *MockAPI) MemberRequests() int {
	return int(m.memberCount.Load())
}

// Windows returns the requested date ranges in arrival order.
func (m *MockAPI) Windows() []Window {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Window, len(m.windows))
	copy(out, m.windows)
	return out
}
