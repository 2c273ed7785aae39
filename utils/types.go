package utils

// WebSocket
type WebSocketEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Event types broadcast over the hub. UI clients ignore unknown types, so
// new ones can be added without coordination.
const (
	EventScanStarted      = "bluetooth/scan_started"
	EventPeripheralFound  = "bluetooth/peripheral_found"
	EventConnected        = "bluetooth/connected"
	EventDisconnected     = "bluetooth/disconnected"
	EventTimeSyncSent     = "bluetooth/time_sync_sent"
	EventSyncStarted      = "sync/started"
	EventSyncSucceeded    = "sync/succeeded"
	EventSyncFailed       = "sync/failed"
	EventSyncSkipped      = "sync/skipped"
	EventRetryScheduled   = "sync/retry_scheduled"
	EventResyncMarked     = "sync/resync_marked"
	EventSchedulerSweep   = "scheduler/sweep_done"
	EventRegistryUpdated  = "registry/updated"
	EventTransferProgress = "transfer/progress"
)

type PeripheralFoundPayload struct {
	Address  string `json:"address"`
	Name     string `json:"name"`
	MatchCue string `json:"match_cue"` // "address" or "name"
}

type ConnectionPayload struct {
	Address   string `json:"address"`
	Timestamp int64  `json:"timestamp"`
	Reason    string `json:"reason,omitempty"`
}

type SyncResultPayload struct {
	PeripheralID string `json:"peripheral_id"`
	ProfileID    string `json:"profile_id"`
	EventCount   int    `json:"event_count,omitempty"`
	Checksum     string `json:"checksum,omitempty"`
	Error        string `json:"error,omitempty"`
	NextRetryAt  int64  `json:"next_retry_at,omitempty"`
}
