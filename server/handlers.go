package server

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/usetempo/tempod/store"
)

const daemonVersion = "0.3.1"

type InfoResponse struct {
	Version         string `json:"version"`
	ConnectionState string `json:"connection_state"`
	RetryQueueDepth int    `json:"retry_queue_depth"`
	LastSweepAt     string `json:"last_sweep_at,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// DeviceStatusResponse is one registered peripheral with its sync state
// collapsed into the four user-facing buckets. Individual transport errors
// never surface here, only the bucket and the last failure reason.
type DeviceStatusResponse struct {
	Peripheral store.PeripheralRecord `json:"peripheral"`
	Statuses   []DeviceProfileStatus  `json:"statuses"`
}

type DeviceProfileStatus struct {
	ProfileID          string               `json:"profile_id"`
	State              store.Classification `json:"state"`
	LastSuccessfulSync string               `json:"last_successful_sync,omitempty"`
	SyncedEventCount   int                  `json:"synced_event_count"`
	SyncedChecksum     string               `json:"synced_checksum,omitempty"`
	PendingRetries     uint                 `json:"pending_retries"`
	NextRetryAt        string               `json:"next_retry_at,omitempty"`
	FailureReason      string               `json:"failure_reason,omitempty"`
	History            []store.SyncAttempt  `json:"history"`
}

type SyncTriggerResponse struct {
	Success bool `json:"success"`
}

type ForceSyncResponse struct {
	Succeeded int `json:"succeeded"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}
	s.wsHub.AddClient(conn)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Method not allowed"})
		return
	}

	depth, err := s.syncStore.QueueLength()
	if err != nil {
		log.Printf("Failed to read retry queue depth: %v", err)
	}
	lastSweep, _ := s.syncStore.GetMeta("last_sweep_at")

	response := InfoResponse{
		Version:         daemonVersion,
		ConnectionState: string(s.btManager.State()),
		RetryQueueDepth: depth,
		LastSweepAt:     lastSweep,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Error encoding response"})
		return
	}
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Method not allowed"})
		return
	}

	records, err := s.registry.List()
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Failed to list devices"})
		return
	}

	statuses := s.syncStore.All()
	now := time.Now()

	response := make([]DeviceStatusResponse, 0, len(records))
	for _, rec := range records {
		entry := DeviceStatusResponse{Peripheral: rec, Statuses: []DeviceProfileStatus{}}
		for _, st := range statuses {
			if st.PeripheralID != rec.ID {
				continue
			}
			entry.Statuses = append(entry.Statuses, deviceProfileStatus(st, now, s.syncInterval))
		}
		response = append(response, entry)
	}

	json.NewEncoder(w).Encode(response)
}

func deviceProfileStatus(st *store.DeviceSyncStatus, now time.Time, staleAfter time.Duration) DeviceProfileStatus {
	out := DeviceProfileStatus{
		ProfileID:        st.ProfileID,
		State:            st.Classify(now, staleAfter),
		SyncedEventCount: st.SyncedEventCount,
		SyncedChecksum:   st.SyncedChecksum,
		PendingRetries:   st.PendingRetries,
		FailureReason:    st.FailureReason,
		History:          st.History,
	}
	if out.History == nil {
		out.History = []store.SyncAttempt{}
	}
	if !st.LastSuccessfulSync.IsZero() {
		out.LastSuccessfulSync = st.LastSuccessfulSync.Format(time.RFC3339)
	}
	if st.NextRetryAt != nil {
		out.NextRetryAt = st.NextRetryAt.Format(time.RFC3339)
	}
	return out
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Method not allowed"})
		return
	}

	var rec store.PeripheralRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Invalid request body"})
		return
	}
	if rec.ID == "" {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Peripheral id is required"})
		return
	}

	if err := s.registry.Register(rec); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Failed to register device"})
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" && r.Method != "DELETE" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Method not allowed"})
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/devices/remove/")
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Peripheral id is required"})
		return
	}

	if err := s.registry.Remove(id); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Failed to remove device"})
		return
	}

	w.WriteHeader(http.StatusOK)
}

// handleSyncProfile triggers a delivery for one profile. The peripheral can
// be pinned with ?peripheral=, otherwise the profile's assignment is used.
func (s *Server) handleSyncProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Method not allowed"})
		return
	}

	profileID := strings.TrimPrefix(r.URL.Path, "/sync/profile/")
	if profileID == "" {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Profile id is required"})
		return
	}
	peripheralID := r.URL.Query().Get("peripheral")

	ok := s.syncer.SyncDeviceEvents(profileID, peripheralID)
	json.NewEncoder(w).Encode(SyncTriggerResponse{Success: ok})
}

func (s *Server) handleForceSyncAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Method not allowed"})
		return
	}

	succeeded := s.syncer.ForceSyncAll()
	json.NewEncoder(w).Encode(ForceSyncResponse{Succeeded: succeeded})
}

func (s *Server) handleMarkResync(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Method not allowed"})
		return
	}

	if err := s.syncer.MarkAllDevicesForResync(); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Failed to mark devices for resync"})
		return
	}

	// The next scheduler cycle picks the invalidated statuses up; a
	// foreground nudge makes that immediate.
	s.scheduler.NotifyForeground()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Method not allowed"})
		return
	}

	peripheralID := r.URL.Query().Get("peripheral")
	profileID := r.URL.Query().Get("profile")
	if peripheralID == "" || profileID == "" {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "peripheral and profile are required"})
		return
	}

	if err := s.syncStore.ClearHistory(peripheralID, profileID); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Failed to clear history"})
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Method not allowed"})
		return
	}

	items, err := s.syncStore.DueItems(time.Now().Add(365 * 24 * time.Hour))
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Failed to read retry queue"})
		return
	}
	if items == nil {
		items = []store.RetryQueueItem{}
	}

	json.NewEncoder(w).Encode(items)
}

// handleForeground is the companion app's activation hook: it requests an
// immediate scheduler cycle instead of waiting for the next tick.
func (s *Server) handleForeground(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Method not allowed"})
		return
	}

	s.scheduler.NotifyForeground()
	w.WriteHeader(http.StatusOK)
}
