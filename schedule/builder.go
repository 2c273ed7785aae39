// Package schedule builds device-ready schedule and alert batches from raw
// calendar events. Everything here is a pure function of its inputs so the
// sync engine can rebuild a batch on every attempt and compare checksums.
package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	maxLabelLen = 50

	// Lead times at or below this are final warnings.
	finalWarningLead = 5 * time.Minute
)

// Haptic patterns are millisecond on/off sequences keyed by urgency and
// style. The firmware plays them verbatim.
var hapticPatterns = map[AlertType]map[AlertStyle][]uint{
	TransitionWarning: {
		StyleGentle:     {100, 50, 100},
		StylePersistent: {200, 100, 200, 100, 200},
	},
	FinalWarning: {
		StyleGentle:     {300, 100, 300},
		StylePersistent: {500, 100, 500, 100, 500, 100, 500},
	},
}

// Build produces the schedule/alert batch for one profile. Day entries cover
// "today" in local time relative to now; alerts cover (now, now+window].
// Events not assigned to the profile, or inactive, are skipped.
func Build(events []Event, profile Profile, now time.Time, window time.Duration) *Batch {
	batch := &Batch{
		ProfileID:   profile.ID,
		GeneratedAt: now,
		ValidUntil:  now.Add(window),
	}

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	// Lower bound excludes an exact-midnight start; upper bound is the last
	// millisecond of the day.
	lower := dayStart.Add(time.Minute)
	upper := dayStart.Add(24 * time.Hour)

	for _, ev := range events {
		if !ev.Active || ev.ProfileID != profile.ID {
			continue
		}
		// Alerts cover the full window; only the day schedule is bounded to
		// today, so tomorrow's early events still alert tonight.
		batch.Alerts = append(batch.Alerts, deriveAlerts(ev, profile, now, window)...)

		if ev.Start.Before(lower) || !ev.Start.Before(upper) {
			continue
		}
		batch.Entries = append(batch.Entries, Entry{
			Start:    minutesSinceMidnight(ev.Start, dayStart),
			Duration: int(ev.End.Sub(ev.Start).Seconds()),
			Label:    truncateLabel(ev.Title),
			Path:     assetPath(ev),
		})
	}

	batch.Checksum = Checksum(batch.Alerts)
	return batch
}

// deriveAlerts computes one alert per configured lead time, keeping only
// those that fire within (now, now+window].
func deriveAlerts(ev Event, profile Profile, now time.Time, window time.Duration) []Alert {
	style := profile.AlertStyle
	if style == "" {
		style = StyleGentle
	}

	var alerts []Alert
	for _, lead := range profile.LeadTimes {
		alertTime := ev.Start.Add(-lead)
		if !alertTime.After(now) || alertTime.After(now.Add(window)) {
			continue
		}

		alertType := TransitionWarning
		if lead <= finalWarningLead {
			alertType = FinalWarning
		}

		alerts = append(alerts, Alert{
			EventID:           ev.ID,
			EventTitle:        truncateLabel(ev.Title),
			AlertTime:         alertTime,
			MinutesUntilEvent: int(lead.Minutes()),
			AlertType:         alertType,
			HapticPattern:     hapticPatterns[alertType][style],
		})
	}
	return alerts
}

// Encode renders the wire document pushed over the config channel.
func (b *Batch) Encode() ([]byte, error) {
	doc := struct {
		Events []Entry `json:"events"`
	}{Events: b.Entries}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode schedule document: %w", err)
	}
	return data, nil
}

func minutesSinceMidnight(t, dayStart time.Time) int {
	return int(t.Sub(dayStart).Minutes())
}

// truncateLabel bounds a title to maxLabelLen characters, cutting on a rune
// boundary so multibyte titles stay valid UTF-8 on the wire.
func truncateLabel(s string) string {
	if utf8.RuneCountInString(s) <= maxLabelLen {
		return s
	}
	return string([]rune(s)[:maxLabelLen])
}

// assetPath returns the on-device image path for an event, deriving one from
// the title when none was provided.
func assetPath(ev Event) string {
	if ev.AssetPath != "" {
		return ev.AssetPath
	}
	slug := make([]rune, 0, len(ev.Title))
	for _, r := range strings.ToLower(ev.Title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			slug = append(slug, r)
		case r == ' ' || r == '-' || r == '_':
			slug = append(slug, '_')
		}
	}
	if len(slug) == 0 {
		return "img/event.bin"
	}
	return "img/" + string(slug) + ".bin"
}
