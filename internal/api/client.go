// Package api provides the client for the team usage API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// MaxWindow is the longest date range the upstream accepts in one request.
const MaxWindow = 30 * 24 * time.Hour

// Custom errors for different failure modes.
var (
	ErrUnauthorized    = errors.New("api: unauthorized - invalid API key")
	ErrServerError     = errors.New("api: server error")
	ErrNetworkError    = errors.New("api: network error")
	ErrInvalidResponse = errors.New("api: invalid response")
	ErrWindowTooLarge  = errors.New("api: date window exceeds 30 days")
)

// RemoteFetchError is returned for any non-2xx upstream response.
type RemoteFetchError struct {
	StatusCode int
	Body       string
}

func (e *RemoteFetchError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("api: upstream returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("api: upstream returned status %d: %s", e.StatusCode, e.Body)
}

// Unwrap maps the status code onto the package sentinels.
func (e *RemoteFetchError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case e.StatusCode >= 500:
		return ErrServerError
	}
	return nil
}

// Client is an HTTP client for the team usage API.
type Client struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(url, "/")
	}
}

// WithTimeout sets a custom timeout (for testing).
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient creates a new API client.
func NewClient(apiKey string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	client := &Client{
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:          2,
				MaxIdleConnsPerHost:   2,
				ResponseHeaderTimeout: 60 * time.Second,
				IdleConnTimeout:       30 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ForceAttemptHTTP2:     true,
			},
		},
		apiKey:  apiKey,
		baseURL: "https://api.cursor.com/teams",
		logger:  logger,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// FetchUsage returns per-user daily records for [start, end].
// The window must not exceed MaxWindow; callers chunk longer ranges.
// A malformed payload is logged and yields an empty slice.
func (c *Client) FetchUsage(ctx context.Context, start, end time.Time) ([]DailyUsageRecord, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("api: end %s before start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	if end.Sub(start) > MaxWindow {
		return nil, fmt.Errorf("%w: %s to %s", ErrWindowTooLarge, start.Format(DayLayout), end.Format(DayLayout))
	}

	payload, err := json.Marshal(UsageRequest{
		StartDate: start.UnixMilli(),
		EndDate:   end.UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("api: encoding request: %w", err)
	}

	c.logger.Debug("fetching daily usage",
		"url", c.baseURL+"/daily-usage-data",
		"start", start.UTC().Format(DayLayout),
		"end", end.UTC().Format(DayLayout),
		"api_key", redactAPIKey(c.apiKey),
	)

	body, err := c.do(ctx, http.MethodPost, "/daily-usage-data", payload)
	if err != nil {
		return nil, err
	}

	var resp UsageResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		c.logger.Warn("Malformed usage payload, treating as empty", "error", err)
		return []DailyUsageRecord{}, nil
	}
	if resp.Data == nil {
		c.logger.Warn("Usage payload missing data field, treating as empty")
		return []DailyUsageRecord{}, nil
	}

	records := make([]DailyUsageRecord, 0, len(*resp.Data))
	for _, rec := range *resp.Data {
		if strings.TrimSpace(rec.Email) == "" {
			c.logger.Debug("skipping usage record without email", "date", rec.Date)
			continue
		}
		records = append(records, rec)
	}

	c.logger.Debug("daily usage fetched", "records", len(records))
	return records, nil
}

// FetchTeamMembers returns the current team roster.
func (c *Client) FetchTeamMembers(ctx context.Context) ([]TeamMember, error) {
	body, err := c.do(ctx, http.MethodGet, "/members", nil)
	if err != nil {
		return nil, err
	}

	var resp MembersResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return resp.All(), nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("api: creating request: %w", err)
	}

	// API key as the basic-auth user, empty password.
	req.SetBasicAuth(c.apiKey, "")
	req.Header.Set("User-Agent", "teamtrack/1.0")
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrNetworkError, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("usage API response received", "path", path, "status", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &RemoteFetchError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	// 30 days for a large team runs to a few MB.
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrInvalidResponse, err)
	}
	return body, nil
}

// redactAPIKey masks the API key for logging.
func redactAPIKey(key string) string {
	if key == "" {
		return "(empty)"
	}
	if len(key) <= 11 {
		return "***...***"
	}
	return key[:4] + "***...***" + key[len(key)-3:]
}
