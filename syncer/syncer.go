// Package syncer composes the batch builder, connection manager, transport,
// and status store into the public sync operations.
package syncer

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/usetempo/tempod/bluetooth"
	"github.com/usetempo/tempod/schedule"
	"github.com/usetempo/tempod/store"
	"github.com/usetempo/tempod/utils"
)

// EventSource is the upstream event store collaborator.
type EventSource interface {
	GetEvents() ([]schedule.Event, error)
	GetProfiles() ([]schedule.Profile, error)
}

// Registry is the slice of the device registry the orchestrator needs.
type Registry interface {
	Find(id string) (*store.PeripheralRecord, bool, error)
	FindByProfile(profileID string) (*store.PeripheralRecord, bool, error)
	List() ([]store.PeripheralRecord, error)
}

// Connector is the connection manager surface used during a sync attempt.
type Connector interface {
	Lock() *bluetooth.ConnectionLock
	EnsureConnected(p bluetooth.Peripheral) (bluetooth.Link, error)
}

// Pusher is the chunked transport surface.
type Pusher interface {
	Push(link bluetooth.Link, payload []byte) error
	Verify(link bluetooth.Link) error
}

// Options carries the sync policy knobs.
type Options struct {
	SyncInterval time.Duration // staleness threshold, default 12h
	BackoffBase  time.Duration // retry backoff base, default 5m
	AlertWindow  time.Duration // alert derivation window, default 24h
	MaxRetries   uint
}

// Syncer drives schedule delivery for every (peripheral, profile) pair. All
// sync work is strictly sequential: there is one physical link.
type Syncer struct {
	store     *store.SyncStore
	registry  Registry
	events    EventSource
	conn      Connector
	transport Pusher
	hub       *utils.WebSocketHub
	opts      Options

	now func() time.Time
}

func New(st *store.SyncStore, registry Registry, events EventSource, conn Connector, transport Pusher, hub *utils.WebSocketHub, opts Options) *Syncer {
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = 12 * time.Hour
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 5 * time.Minute
	}
	if opts.AlertWindow <= 0 {
		opts.AlertWindow = 24 * time.Hour
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 5
	}
	return &Syncer{
		store:     st,
		registry:  registry,
		events:    events,
		conn:      conn,
		transport: transport,
		hub:       hub,
		opts:      opts,
		now:       time.Now,
	}
}

// IsSyncNeeded reports whether a status warrants a delivery attempt: never
// synced, invalidated, stale past the interval, or a due retry.
func (s *Syncer) IsSyncNeeded(st *store.DeviceSyncStatus) bool {
	now := s.now()
	switch {
	case st.LastSuccessfulSync.IsZero():
		return true
	case !st.IsDataCurrent:
		return true
	case now.Sub(st.LastSuccessfulSync) > s.opts.SyncInterval:
		return true
	case st.NextRetryAt != nil && !st.NextRetryAt.After(now):
		return true
	default:
		return false
	}
}

// SyncDeviceEvents delivers the profile's schedule to its peripheral. The
// peripheral is resolved from the profile's assignment when not given.
// Connection and transport failures are absorbed into the retry machinery;
// the caller only sees a boolean.
func (s *Syncer) SyncDeviceEvents(profileID, peripheralID string) bool {
	peripheral, err := s.resolvePeripheral(profileID, peripheralID)
	if err != nil {
		// A data problem is terminal for this call: no retry can fix an
		// unassigned profile.
		log.Printf("SYNC: %v", err)
		s.broadcastFailure(peripheralID, profileID, err)
		return false
	}

	st, err := s.store.Status(peripheral.ID, profileID)
	if err != nil {
		log.Printf("SYNC: status lookup failed: %v", err)
		return false
	}

	if !s.IsSyncNeeded(st) {
		if s.hub != nil {
			s.hub.Broadcast(utils.WebSocketEvent{
				Type:    utils.EventSyncSkipped,
				Payload: utils.SyncResultPayload{PeripheralID: peripheral.ID, ProfileID: profileID},
			})
		}
		return true
	}

	return s.attempt(*peripheral, profileID)
}

// ForceSyncAll attempts delivery to every assigned profile, strictly
// sequentially, ignoring staleness checks. Returns the success count.
func (s *Syncer) ForceSyncAll() int {
	profiles, err := s.events.GetProfiles()
	if err != nil {
		log.Printf("SYNC: cannot load profiles for force sync: %v", err)
		return 0
	}

	succeeded := 0
	for _, profile := range profiles {
		peripheral, err := s.resolvePeripheral(profile.ID, "")
		if err != nil {
			log.Printf("SYNC: force sync skipping profile %s: %v", profile.ID, err)
			continue
		}
		if s.attempt(*peripheral, profile.ID) {
			succeeded++
		}
	}
	return succeeded
}

// MarkAllDevicesForResync invalidates every tracked status. This is the
// coarse trigger for any upstream event or profile mutation.
func (s *Syncer) MarkAllDevicesForResync() error {
	if err := s.store.MarkAllForResync(); err != nil {
		return err
	}
	log.Println("SYNC: all devices marked for resync")
	if s.hub != nil {
		s.hub.Broadcast(utils.WebSocketEvent{Type: utils.EventResyncMarked})
	}
	return nil
}

func (s *Syncer) resolvePeripheral(profileID, peripheralID string) (*store.PeripheralRecord, error) {
	if peripheralID != "" {
		rec, ok, err := s.registry.Find(peripheralID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &bluetooth.DataError{Reason: fmt.Sprintf("peripheral %s not registered", peripheralID)}
		}
		return rec, nil
	}

	rec, ok, err := s.registry.FindByProfile(profileID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &bluetooth.DataError{Reason: fmt.Sprintf("profile %s has no assigned peripheral", profileID)}
	}
	return rec, nil
}

// attempt runs one full delivery: build, connect under the link lock, push,
// verify, record. Every outcome is persisted before returning.
func (s *Syncer) attempt(peripheral store.PeripheralRecord, profileID string) bool {
	now := s.now()
	if s.hub != nil {
		s.hub.Broadcast(utils.WebSocketEvent{
			Type:    utils.EventSyncStarted,
			Payload: utils.SyncResultPayload{PeripheralID: peripheral.ID, ProfileID: profileID},
		})
	}

	batch, payload, err := s.buildBatch(profileID)
	if err != nil {
		// Data errors are terminal: log, surface, no retry scheduled.
		log.Printf("SYNC: batch build for %s failed: %v", profileID, err)
		s.broadcastFailure(peripheral.ID, profileID, err)
		return false
	}

	holder, err := s.conn.Lock().TryAcquire()
	if err != nil {
		// Lock contention is an ordinary retryable failure; the caller
		// comes back on the next cycle.
		s.recordFailure(peripheral.ID, profileID, batch, len(payload), &bluetooth.ConnectionError{Op: "lock", Err: err}, 0)
		return false
	}
	defer s.conn.Lock().Release(holder)

	link, err := s.conn.EnsureConnected(bluetooth.Peripheral{
		ID:        peripheral.ID,
		Nickname:  peripheral.Nickname,
		ProfileID: peripheral.ProfileID,
	})
	if err != nil {
		s.recordFailure(peripheral.ID, profileID, batch, len(payload), err, 0)
		return false
	}

	start := s.now()
	if err := s.transport.Push(link, payload); err != nil {
		s.recordFailure(peripheral.ID, profileID, batch, len(payload), err, uint(s.now().Sub(start).Milliseconds()))
		return false
	}
	responseMs := uint(s.now().Sub(start).Milliseconds())

	// Verification is soft: an inconclusive readback does not undo a
	// completed write, but an explicit rejection fails the attempt.
	note := ""
	if err := s.transport.Verify(link); err != nil {
		var ve *bluetooth.VerificationError
		if errors.As(err, &ve) && ve.Inconclusive {
			log.Printf("SYNC: verification inconclusive for %s: %v", peripheral.ID, err)
			note = "verification inconclusive"
		} else {
			s.recordFailure(peripheral.ID, profileID, batch, len(payload), err, responseMs)
			return false
		}
	}

	attempt := store.SyncAttempt{
		Timestamp:      now,
		Success:        true,
		BatchSize:      len(payload),
		Checksum:       batch.Checksum,
		Error:          note,
		ResponseTimeMs: responseMs,
	}
	if err := s.store.RecordSuccess(peripheral.ID, profileID, attempt, batch.EventCount()); err != nil {
		log.Printf("SYNC: failed to persist success for %s/%s: %v", peripheral.ID, profileID, err)
	}

	log.Printf("SYNC: delivered %d events (%d bytes, checksum %s) to %s in %dms",
		batch.EventCount(), len(payload), batch.Checksum, peripheral.ID, responseMs)
	if s.hub != nil {
		s.hub.Broadcast(utils.WebSocketEvent{
			Type: utils.EventSyncSucceeded,
			Payload: utils.SyncResultPayload{
				PeripheralID: peripheral.ID,
				ProfileID:    profileID,
				EventCount:   batch.EventCount(),
				Checksum:     batch.Checksum,
			},
		})
	}
	return true
}

// buildBatch loads events and the profile, then produces the device-ready
// document. Rebuilt fresh on every attempt.
func (s *Syncer) buildBatch(profileID string) (*schedule.Batch, []byte, error) {
	events, err := s.events.GetEvents()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load events: %w", err)
	}
	profiles, err := s.events.GetProfiles()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load profiles: %w", err)
	}

	var profile *schedule.Profile
	for i := range profiles {
		if profiles[i].ID == profileID {
			profile = &profiles[i]
			break
		}
	}
	if profile == nil {
		return nil, nil, &bluetooth.DataError{Reason: fmt.Sprintf("profile %s not found", profileID)}
	}

	batch := schedule.Build(events, *profile, s.now(), s.opts.AlertWindow)
	if batch.EventCount() == 0 && len(batch.Alerts) == 0 {
		return nil, nil, &bluetooth.DataError{Reason: "empty batch"}
	}

	payload, err := batch.Encode()
	if err != nil {
		return nil, nil, &bluetooth.DataError{Reason: err.Error()}
	}
	return batch, payload, nil
}

// recordFailure persists a failed attempt and schedules the exponential
// backoff retry while attempts remain.
func (s *Syncer) recordFailure(peripheralID, profileID string, batch *schedule.Batch, payloadSize int, cause error, responseMs uint) {
	now := s.now()
	log.Printf("SYNC: attempt for %s/%s failed: %v", peripheralID, profileID, cause)

	st, err := s.store.Status(peripheralID, profileID)
	if err != nil {
		log.Printf("SYNC: status lookup during failure handling: %v", err)
		return
	}

	attempt := store.SyncAttempt{
		Timestamp:      now,
		BatchSize:      payloadSize,
		Checksum:       batch.Checksum,
		Error:          cause.Error(),
		ResponseTimeMs: responseMs,
	}

	// pendingRetries after this failure; it resets only on success.
	n := st.PendingRetries + 1
	var nextRetryAt *time.Time
	if n < st.MaxRetries {
		t := now.Add(s.opts.BackoffBase * (1 << (n - 1)))
		nextRetryAt = &t
	}

	if err := s.store.RecordFailure(peripheralID, profileID, attempt, nextRetryAt); err != nil {
		log.Printf("SYNC: failed to persist failure for %s/%s: %v", peripheralID, profileID, err)
	}

	if nextRetryAt != nil {
		item := store.RetryQueueItem{
			PeripheralID: peripheralID,
			ProfileID:    profileID,
			ScheduledAt:  *nextRetryAt,
			Attempt:      n,
			MaxAttempts:  st.MaxRetries,
		}
		if err := s.store.Enqueue(item); err != nil {
			log.Printf("SYNC: failed to enqueue retry for %s/%s: %v", peripheralID, profileID, err)
		}
		if s.hub != nil {
			s.hub.Broadcast(utils.WebSocketEvent{
				Type: utils.EventRetryScheduled,
				Payload: utils.SyncResultPayload{
					PeripheralID: peripheralID,
					ProfileID:    profileID,
					Error:        cause.Error(),
					NextRetryAt:  nextRetryAt.Unix(),
				},
			})
		}
	} else {
		log.Printf("SYNC: retries exhausted for %s/%s (%d/%d)", peripheralID, profileID, n, st.MaxRetries)
	}

	s.broadcastFailure(peripheralID, profileID, cause)
}

func (s *Syncer) broadcastFailure(peripheralID, profileID string, cause error) {
	if s.hub == nil {
		return
	}
	s.hub.Broadcast(utils.WebSocketEvent{
		Type: utils.EventSyncFailed,
		Payload: utils.SyncResultPayload{
			PeripheralID: peripheralID,
			ProfileID:    profileID,
			Error:        cause.Error(),
		},
	})
}
