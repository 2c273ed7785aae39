package store

import (
	"fmt"
	"time"
)

// HistoryCap bounds the per-status attempt ring buffer.
const HistoryCap = 10

// SyncAttempt is one delivery attempt, immutable once appended.
type SyncAttempt struct {
	Timestamp      time.Time `json:"timestamp"`
	Success        bool      `json:"success"`
	BatchSize      int       `json:"batch_size"`
	Checksum       string    `json:"checksum"`
	Error          string    `json:"error,omitempty"`
	ResponseTimeMs uint      `json:"response_time_ms,omitempty"`
}

// DeviceSyncStatus is the durable delivery state for one (peripheral,
// profile) pair. Created lazily on first lookup, persisted on every
// mutation, deleted only by an explicit clear-history request.
type DeviceSyncStatus struct {
	PeripheralID       string        `json:"peripheral_id"`
	ProfileID          string        `json:"profile_id"`
	LastSyncAttempt    time.Time     `json:"last_sync_attempt"`
	LastSuccessfulSync time.Time     `json:"last_successful_sync"`
	SyncedChecksum     string        `json:"synced_checksum"`
	SyncedEventCount   int           `json:"synced_event_count"`
	IsDataCurrent      bool          `json:"is_data_current"`
	PendingRetries     uint          `json:"pending_retries"`
	MaxRetries         uint          `json:"max_retries"`
	NextRetryAt        *time.Time    `json:"next_retry_at,omitempty"`
	FailureReason      string        `json:"failure_reason,omitempty"`
	History            []SyncAttempt `json:"history"`
}

// Classification is the user-visible aggregate state of a peripheral.
type Classification string

const (
	ClassNeverSynced Classification = "never_synced"
	ClassStale       Classification = "stale"
	ClassRetrying    Classification = "retrying"
	ClassUpToDate    Classification = "up_to_date"
)

// Classify collapses a status into the four user-facing buckets. Individual
// transport errors never surface; only the bucket and last failure reason
// do.
func (s *DeviceSyncStatus) Classify(now time.Time, staleAfter time.Duration) Classification {
	switch {
	case s.LastSuccessfulSync.IsZero():
		return ClassNeverSynced
	case s.PendingRetries > 0:
		return ClassRetrying
	case !s.IsDataCurrent || now.Sub(s.LastSuccessfulSync) > staleAfter:
		return ClassStale
	default:
		return ClassUpToDate
	}
}

// clone returns a deep copy so callers can't mutate cached state.
func (s *DeviceSyncStatus) clone() *DeviceSyncStatus {
	out := *s
	if s.NextRetryAt != nil {
		t := *s.NextRetryAt
		out.NextRetryAt = &t
	}
	out.History = make([]SyncAttempt, len(s.History))
	copy(out.History, s.History)
	return &out
}

// RetryQueueItem schedules one future resync attempt. Items are removed
// after processing regardless of outcome; re-entry is the periodic sweep's
// job.
type RetryQueueItem struct {
	ID           int64     `json:"id"`
	PeripheralID string    `json:"peripheral_id"`
	ProfileID    string    `json:"profile_id"`
	ScheduledAt  time.Time `json:"scheduled_at"`
	Attempt      uint      `json:"attempt"`
	MaxAttempts  uint      `json:"max_attempts"`
	Priority     int       `json:"priority"`
}

// PeripheralRecord is one row of the device registry.
type PeripheralRecord struct {
	ID              string    `json:"id"`
	Nickname        string    `json:"nickname"`
	ProfileID       string    `json:"profile_id,omitempty"`
	LastConnectedAt time.Time `json:"last_connected_at,omitempty"`
}

// PersistenceError wraps a local storage failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Timestamps are stored as ISO-8601 strings and parsed back on load.
const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
