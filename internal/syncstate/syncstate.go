// Package syncstate holds the cross-process sync lock and the sync status
// record. Both live in a key-value store so every instance sees the same state.
package syncstate

import (
	"context"
	"fmt"
	"time"
)

// Status is the sync state machine position.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusError   Status = "error"
)

// Metadata is the sync status record.
type Metadata struct {
	Status                  Status     `json:"status"`
	LastSyncAt              *time.Time `json:"lastSyncAt,omitempty"`
	LastSyncDate            string     `json:"lastSyncDate,omitempty"`
	ErrorMessage            string     `json:"errorMessage,omitempty"`
	DataCollectionStartDate string     `json:"dataCollectionStartDate,omitempty"`
	OldestDataDate          string     `json:"oldestDataDate,omitempty"`
}

// Patch is a partial metadata update. Nil fields keep their stored value.
// A non-nil LastSyncAt holding the zero time clears the field.
type Patch struct {
	Status                  *Status
	LastSyncAt              *time.Time
	LastSyncDate            *string
	ErrorMessage            *string
	DataCollectionStartDate *string
	OldestDataDate          *string
}

// Apply merges p into m.
func (p Patch) Apply(m *Metadata) {
	if p.Status != nil {
		m.Status = *p.Status
	}
	if p.LastSyncAt != nil {
		if p.LastSyncAt.IsZero() {
			m.LastSyncAt = nil
		} else {
			t := p.LastSyncAt.UTC()
			m.LastSyncAt = &t
		}
	}
	if p.LastSyncDate != nil {
		m.LastSyncDate = *p.LastSyncDate
	}
	if p.ErrorMessage != nil {
		m.ErrorMessage = *p.ErrorMessage
	}
	if p.DataCollectionStartDate != nil {
		m.DataCollectionStartDate = *p.DataCollectionStartDate
	}
	if p.OldestDataDate != nil {
		m.OldestDataDate = *p.OldestDataDate
	}
}

// Store is the lock and metadata backend.
type Store interface {
	// AcquireLock takes the sync lock if nobody holds it and returns the
	// owner token for this hold. ok is false, with no error, when the lock
	// is held elsewhere.
	AcquireLock(ctx context.Context) (token string, ok bool, err error)
	// ReleaseLock releases the lock only if it is still held under token.
	// A hold that expired and was taken over is left alone.
	ReleaseLock(ctx context.Context, token string) error
	IsLocked(ctx context.Context) (bool, error)
	ReadMetadata(ctx context.Context) (Metadata, error)
	WriteMetadata(ctx context.Context, p Patch) error
	ClearMetadata(ctx context.Context) error
}

// Decision is the outcome of CanRunSync.
type Decision struct {
	CanRun bool   `json:"canRun"`
	Reason string `json:"reason,omitempty"`
}

// CanRunSync reports whether a scheduled sync may start now: the lock must be
// free and at least minInterval must have passed since the last success.
func CanRunSync(ctx context.Context, st Store, minInterval time.Duration, now time.Time) (Decision, error) {
	locked, err := st.IsLocked(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("syncstate: checking lock: %w", err)
	}
	if locked {
		return Decision{Reason: "sync already in progress"}, nil
	}

	meta, err := st.ReadMetadata(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("syncstate: reading metadata: %w", err)
	}
	if meta.LastSyncAt != nil && minInterval > 0 {
		since := now.Sub(*meta.LastSyncAt)
		if since < minInterval {
			return Decision{Reason: fmt.Sprintf(
				"last sync %s ago, minimum interval is %s",
				since.Truncate(time.Second), minInterval,
			)}, nil
		}
	}
	return Decision{CanRun: true}, nil
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T {
	return &v
}
