package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// SyncStore keeps every DeviceSyncStatus in memory and writes each mutation
// through to sqlite synchronously, so a crash never loses acknowledged
// state.
type SyncStore struct {
	mu         sync.RWMutex
	db         *DB
	statuses   map[string]*DeviceSyncStatus // keyed peripheralID + "/" + profileID
	maxRetries uint
}

func NewSyncStore(db *DB, maxRetries uint) (*SyncStore, error) {
	s := &SyncStore{
		db:         db,
		statuses:   make(map[string]*DeviceSyncStatus),
		maxRetries: maxRetries,
	}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	log.Printf("STORE: loaded %d sync status records", len(s.statuses))
	return s, nil
}

func statusKey(peripheralID, profileID string) string {
	return peripheralID + "/" + profileID
}

func (s *SyncStore) loadAll() error {
	rows, err := s.db.Query(`SELECT peripheral_id, profile_id, last_sync_attempt,
		last_successful_sync, synced_checksum, synced_event_count, is_data_current,
		pending_retries, max_retries, next_retry_at, failure_reason, history
		FROM sync_status`)
	if err != nil {
		return &PersistenceError{Op: "load statuses", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var st DeviceSyncStatus
		var lastAttempt, lastSuccess, nextRetry, history string
		if err := rows.Scan(&st.PeripheralID, &st.ProfileID, &lastAttempt,
			&lastSuccess, &st.SyncedChecksum, &st.SyncedEventCount, &st.IsDataCurrent,
			&st.PendingRetries, &st.MaxRetries, &nextRetry, &st.FailureReason,
			&history); err != nil {
			return &PersistenceError{Op: "scan status", Err: err}
		}
		st.LastSyncAttempt = parseTime(lastAttempt)
		st.LastSuccessfulSync = parseTime(lastSuccess)
		if t := parseTime(nextRetry); !t.IsZero() {
			st.NextRetryAt = &t
		}
		if err := json.Unmarshal([]byte(history), &st.History); err != nil {
			log.Printf("STORE: corrupt history for %s/%s, resetting: %v", st.PeripheralID, st.ProfileID, err)
			st.History = nil
		}
		s.statuses[statusKey(st.PeripheralID, st.ProfileID)] = &st
	}
	return rows.Err()
}

// Status returns the status for a (peripheral, profile) pair, creating and
// persisting a fresh record on first lookup.
func (s *SyncStore) Status(peripheralID, profileID string) (*DeviceSyncStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := statusKey(peripheralID, profileID)
	if st, ok := s.statuses[key]; ok {
		return st.clone(), nil
	}

	st := &DeviceSyncStatus{
		PeripheralID: peripheralID,
		ProfileID:    profileID,
		MaxRetries:   s.maxRetries,
	}
	if err := s.persistLocked(st); err != nil {
		return nil, err
	}
	s.statuses[key] = st
	return st.clone(), nil
}

// All returns copies of every tracked status.
func (s *SyncStore) All() []*DeviceSyncStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*DeviceSyncStatus, 0, len(s.statuses))
	for _, st := range s.statuses {
		out = append(out, st.clone())
	}
	return out
}

// RecordSuccess applies a successful delivery: retry state clears, the
// checksum and count stick, and the attempt joins the history ring.
func (s *SyncStore) RecordSuccess(peripheralID, profileID string, attempt SyncAttempt, eventCount int) error {
	return s.mutate(peripheralID, profileID, func(st *DeviceSyncStatus) {
		st.LastSyncAttempt = attempt.Timestamp
		st.LastSuccessfulSync = attempt.Timestamp
		st.SyncedChecksum = attempt.Checksum
		st.SyncedEventCount = eventCount
		st.IsDataCurrent = true
		st.PendingRetries = 0
		st.NextRetryAt = nil
		st.FailureReason = ""
		appendAttempt(st, attempt)
	})
}

// RecordFailure applies a failed delivery. nextRetryAt is nil once retries
// are exhausted; pendingRetries only ever resets on success.
func (s *SyncStore) RecordFailure(peripheralID, profileID string, attempt SyncAttempt, nextRetryAt *time.Time) error {
	return s.mutate(peripheralID, profileID, func(st *DeviceSyncStatus) {
		st.LastSyncAttempt = attempt.Timestamp
		st.PendingRetries++
		st.FailureReason = attempt.Error
		st.NextRetryAt = nextRetryAt
		appendAttempt(st, attempt)
	})
}

// MarkAllForResync flips isDataCurrent off everywhere. This is the coarse
// invalidation trigger for any upstream event/profile mutation.
func (s *SyncStore) MarkAllForResync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range s.statuses {
		st.IsDataCurrent = false
		if err := s.persistLocked(st); err != nil {
			return err
		}
	}
	return nil
}

// ClearHistory removes a status record entirely. The record will be
// recreated lazily on the next lookup.
func (s *SyncStore) ClearHistory(peripheralID, profileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := statusKey(peripheralID, profileID)
	if _, ok := s.statuses[key]; !ok {
		return nil
	}
	if _, err := s.db.Exec(`DELETE FROM sync_status WHERE peripheral_id = ? AND profile_id = ?`,
		peripheralID, profileID); err != nil {
		return &PersistenceError{Op: "clear history", Err: err}
	}
	delete(s.statuses, key)
	return nil
}

func (s *SyncStore) mutate(peripheralID, profileID string, fn func(*DeviceSyncStatus)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := statusKey(peripheralID, profileID)
	st, ok := s.statuses[key]
	if !ok {
		st = &DeviceSyncStatus{
			PeripheralID: peripheralID,
			ProfileID:    profileID,
			MaxRetries:   s.maxRetries,
		}
		s.statuses[key] = st
	}
	fn(st)
	return s.persistLocked(st)
}

func appendAttempt(st *DeviceSyncStatus, attempt SyncAttempt) {
	st.History = append(st.History, attempt)
	if len(st.History) > HistoryCap {
		st.History = st.History[len(st.History)-HistoryCap:]
	}
}

// persistLocked writes one status row. Caller holds mu.
func (s *SyncStore) persistLocked(st *DeviceSyncStatus) error {
	history, err := json.Marshal(st.History)
	if err != nil {
		return &PersistenceError{Op: "encode history", Err: err}
	}
	nextRetry := ""
	if st.NextRetryAt != nil {
		nextRetry = formatTime(*st.NextRetryAt)
	}

	_, err = s.db.Exec(`INSERT INTO sync_status (peripheral_id, profile_id,
		last_sync_attempt, last_successful_sync, synced_checksum,
		synced_event_count, is_data_current, pending_retries, max_retries,
		next_retry_at, failure_reason, history)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (peripheral_id, profile_id) DO UPDATE SET
		last_sync_attempt = excluded.last_sync_attempt,
		last_successful_sync = excluded.last_successful_sync,
		synced_checksum = excluded.synced_checksum,
		synced_event_count = excluded.synced_event_count,
		is_data_current = excluded.is_data_current,
		pending_retries = excluded.pending_retries,
		max_retries = excluded.max_retries,
		next_retry_at = excluded.next_retry_at,
		failure_reason = excluded.failure_reason,
		history = excluded.history`,
		st.PeripheralID, st.ProfileID, formatTime(st.LastSyncAttempt),
		formatTime(st.LastSuccessfulSync), st.SyncedChecksum,
		st.SyncedEventCount, st.IsDataCurrent, st.PendingRetries,
		st.MaxRetries, nextRetry, st.FailureReason, string(history))
	if err != nil {
		return &PersistenceError{Op: "persist status", Err: err}
	}
	return nil
}

// Enqueue adds a retry-queue item.
func (s *SyncStore) Enqueue(item RetryQueueItem) error {
	_, err := s.db.Exec(`INSERT INTO retry_queue (peripheral_id, profile_id,
		scheduled_at, attempt, max_attempts, priority) VALUES (?, ?, ?, ?, ?, ?)`,
		item.PeripheralID, item.ProfileID, formatTime(item.ScheduledAt),
		item.Attempt, item.MaxAttempts, item.Priority)
	if err != nil {
		return &PersistenceError{Op: "enqueue retry", Err: err}
	}
	return nil
}

// DueItems returns retry items whose scheduled time has passed, highest
// priority first, oldest first within a priority.
func (s *SyncStore) DueItems(now time.Time) ([]RetryQueueItem, error) {
	rows, err := s.db.Query(`SELECT id, peripheral_id, profile_id, scheduled_at,
		attempt, max_attempts, priority FROM retry_queue
		WHERE scheduled_at <= ? ORDER BY priority DESC, scheduled_at ASC`,
		formatTime(now))
	if err != nil {
		return nil, &PersistenceError{Op: "load due retries", Err: err}
	}
	defer rows.Close()

	var items []RetryQueueItem
	for rows.Next() {
		var item RetryQueueItem
		var scheduledAt string
		if err := rows.Scan(&item.ID, &item.PeripheralID, &item.ProfileID,
			&scheduledAt, &item.Attempt, &item.MaxAttempts, &item.Priority); err != nil {
			return nil, &PersistenceError{Op: "scan retry item", Err: err}
		}
		item.ScheduledAt = parseTime(scheduledAt)
		items = append(items, item)
	}
	return items, rows.Err()
}

// RemoveItem deletes a processed retry item, success or not.
func (s *SyncStore) RemoveItem(id int64) error {
	if _, err := s.db.Exec(`DELETE FROM retry_queue WHERE id = ?`, id); err != nil {
		return &PersistenceError{Op: "remove retry item", Err: err}
	}
	return nil
}

// QueueLength reports the current retry-queue depth.
func (s *SyncStore) QueueLength() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM retry_queue`).Scan(&n); err != nil {
		return 0, &PersistenceError{Op: "count retry queue", Err: err}
	}
	return n, nil
}

// GetMeta / SetMeta read and write the sync-metadata record.
func (s *SyncStore) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM sync_meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", &PersistenceError{Op: fmt.Sprintf("get meta %s", key), Err: err}
	}
	return value, nil
}

func (s *SyncStore) SetMeta(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return &PersistenceError{Op: fmt.Sprintf("set meta %s", key), Err: err}
	}
	return nil
}
