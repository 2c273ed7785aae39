package schedule

import "time"

// Event is a calendar record handed to us by the upstream event store.
// Start/End are local wall-clock times.
type Event struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	AssetPath string    `json:"asset_path,omitempty"`
	ProfileID string    `json:"profile_id,omitempty"`
	Active    bool      `json:"active"`
}

// Profile describes one wearer: which peripheral receives their schedule and
// how their alerts are derived.
type Profile struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	PeripheralID string          `json:"peripheral_id,omitempty"`
	LeadTimes    []time.Duration `json:"lead_times"`
	AlertStyle   AlertStyle      `json:"alert_style"`
}

// AlertStyle selects the haptic family for a profile.
type AlertStyle string

const (
	StyleGentle     AlertStyle = "gentle"
	StylePersistent AlertStyle = "persistent"
)

// AlertType classifies how close to the event an alert fires.
type AlertType string

const (
	TransitionWarning AlertType = "transition_warning"
	FinalWarning      AlertType = "final_warning"
)

// Alert is a single derived peripheral alert.
type Alert struct {
	EventID           string    `json:"event_id"`
	EventTitle        string    `json:"event_title"`
	AlertTime         time.Time `json:"alert_time"`
	MinutesUntilEvent int       `json:"minutes_until_event"`
	AlertType         AlertType `json:"alert_type"`
	HapticPattern     []uint    `json:"haptic_pattern"`
}

// Entry is one row of the on-device day schedule document.
type Entry struct {
	Start    int    `json:"start"`    // minutes from local midnight
	Duration int    `json:"duration"` // seconds
	Label    string `json:"label"`    // truncated to 50 chars
	Path     string `json:"path"`
}

// Batch is the device-ready schedule and alert document for one profile.
// It is rebuilt fresh on every sync attempt and never persisted beyond the
// attempt, except for its checksum.
type Batch struct {
	ProfileID   string    `json:"profile_id"`
	GeneratedAt time.Time `json:"generated_at"`
	ValidUntil  time.Time `json:"valid_until"`
	Entries     []Entry   `json:"entries"`
	Alerts      []Alert   `json:"alerts"`
	Checksum    string    `json:"checksum"`
}

// EventCount reports how many of the day's events made it into the batch.
func (b *Batch) EventCount() int {
	return len(b.Entries)
}
