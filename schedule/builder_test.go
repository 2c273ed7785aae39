package schedule

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

var testProfile = Profile{
	ID:         "profile-1",
	Name:       "Alex",
	LeadTimes:  []time.Duration{10 * time.Minute, 5 * time.Minute},
	AlertStyle: StyleGentle,
}

func localDay(t *testing.T) time.Time {
	t.Helper()
	return time.Date(2026, 8, 25, 0, 0, 0, 0, time.Local)
}

func TestBuildDayWindowBoundaries(t *testing.T) {
	day := localDay(t)
	now := day.Add(8 * time.Hour)

	events := []Event{
		{ID: "midnight", Title: "Midnight", Start: day, End: day.Add(30 * time.Minute), ProfileID: "profile-1", Active: true},
		{ID: "first", Title: "First", Start: day.Add(time.Minute), End: day.Add(31 * time.Minute), ProfileID: "profile-1", Active: true},
		{ID: "last", Title: "Last", Start: day.Add(24*time.Hour - time.Second), End: day.Add(24 * time.Hour), ProfileID: "profile-1", Active: true},
		{ID: "tomorrow", Title: "Tomorrow", Start: day.Add(24 * time.Hour), End: day.Add(25 * time.Hour), ProfileID: "profile-1", Active: true},
	}

	batch := Build(events, testProfile, now, 24*time.Hour)

	if batch.EventCount() != 2 {
		t.Fatalf("expected 2 events in batch, got %d", batch.EventCount())
	}
	labels := make(map[string]bool)
	for _, e := range batch.Entries {
		labels[e.Label] = true
	}
	if !labels["First"] || !labels["Last"] {
		t.Errorf("expected First and Last entries, got %v", batch.Entries)
	}
	if labels["Midnight"] {
		t.Error("exact-midnight event must be excluded")
	}
	if labels["Tomorrow"] {
		t.Error("next-day event must be excluded")
	}
}

func TestBuildSkipsInactiveAndForeignEvents(t *testing.T) {
	day := localDay(t)
	now := day.Add(8 * time.Hour)

	events := []Event{
		{ID: "a", Title: "Mine", Start: day.Add(10 * time.Hour), End: day.Add(11 * time.Hour), ProfileID: "profile-1", Active: true},
		{ID: "b", Title: "Inactive", Start: day.Add(12 * time.Hour), End: day.Add(13 * time.Hour), ProfileID: "profile-1", Active: false},
		{ID: "c", Title: "Other", Start: day.Add(14 * time.Hour), End: day.Add(15 * time.Hour), ProfileID: "profile-2", Active: true},
	}

	batch := Build(events, testProfile, now, 24*time.Hour)

	if batch.EventCount() != 1 {
		t.Fatalf("expected 1 event, got %d", batch.EventCount())
	}
	if batch.Entries[0].Label != "Mine" {
		t.Errorf("expected Mine, got %s", batch.Entries[0].Label)
	}
}

func TestBuildEntryFields(t *testing.T) {
	day := localDay(t)
	now := day.Add(8 * time.Hour)

	events := []Event{
		{ID: "a", Title: "Morning Standup", Start: day.Add(9*time.Hour + 30*time.Minute), End: day.Add(9*time.Hour + 45*time.Minute), ProfileID: "profile-1", Active: true},
	}

	batch := Build(events, testProfile, now, 24*time.Hour)
	if batch.EventCount() != 1 {
		t.Fatalf("expected 1 event, got %d", batch.EventCount())
	}

	entry := batch.Entries[0]
	if entry.Start != 9*60+30 {
		t.Errorf("expected start 570 minutes, got %d", entry.Start)
	}
	if entry.Duration != 15*60 {
		t.Errorf("expected duration 900 seconds, got %d", entry.Duration)
	}
	if entry.Path != "img/morning_standup.bin" {
		t.Errorf("unexpected asset path %s", entry.Path)
	}
}

func TestBuildTruncatesLongLabels(t *testing.T) {
	day := localDay(t)
	now := day.Add(8 * time.Hour)
	long := strings.Repeat("x", 80)

	events := []Event{
		{ID: "a", Title: long, Start: day.Add(10 * time.Hour), End: day.Add(11 * time.Hour), ProfileID: "profile-1", Active: true},
	}

	batch := Build(events, testProfile, now, 24*time.Hour)
	if got := len(batch.Entries[0].Label); got != 50 {
		t.Errorf("expected label truncated to 50, got %d", got)
	}
}

func TestBuildTruncatesMultibyteLabels(t *testing.T) {
	day := localDay(t)
	now := day.Add(8 * time.Hour)
	long := strings.Repeat("ü", 60)

	events := []Event{
		{ID: "a", Title: long, Start: day.Add(10 * time.Hour), End: day.Add(11 * time.Hour), ProfileID: "profile-1", Active: true},
	}

	batch := Build(events, testProfile, now, 24*time.Hour)
	label := batch.Entries[0].Label
	if !utf8.ValidString(label) {
		t.Errorf("truncated label is not valid UTF-8: %q", label)
	}
	if got := utf8.RuneCountInString(label); got != 50 {
		t.Errorf("expected 50 runes, got %d", got)
	}
}

func TestDeriveAlertsForTomorrowsEvents(t *testing.T) {
	day := localDay(t)
	now := day.Add(20 * time.Hour) // 20:00

	events := []Event{
		// Starts 09:00 tomorrow: outside today's schedule, but its alerts
		// (08:50, 08:55 tomorrow) fall inside the 24h window.
		{ID: "early", Title: "Early Shift", Start: day.Add(33 * time.Hour), End: day.Add(34 * time.Hour), ProfileID: "profile-1", Active: true},
	}

	batch := Build(events, testProfile, now, 24*time.Hour)

	if batch.EventCount() != 0 {
		t.Fatalf("tomorrow's event must not appear in today's schedule, got %d entries", batch.EventCount())
	}
	if len(batch.Alerts) != 2 {
		t.Fatalf("expected 2 alerts for tomorrow's event, got %d", len(batch.Alerts))
	}
	for _, a := range batch.Alerts {
		if a.EventID != "early" {
			t.Errorf("unexpected alert for event %s", a.EventID)
		}
		if !a.AlertTime.After(now) || a.AlertTime.After(now.Add(24*time.Hour)) {
			t.Errorf("alert time %v outside (now, now+24h]", a.AlertTime)
		}
	}
}

func TestDeriveAlertsWindow(t *testing.T) {
	day := localDay(t)
	now := day.Add(8 * time.Hour)

	events := []Event{
		// 10m lead fires at 08:50, 5m lead at 08:55, both in window.
		{ID: "soon", Title: "Soon", Start: day.Add(9 * time.Hour), End: day.Add(10 * time.Hour), ProfileID: "profile-1", Active: true},
		// Started already: both alert times are in the past.
		{ID: "past", Title: "Past", Start: day.Add(7 * time.Hour), End: day.Add(8*time.Hour + 30*time.Minute), ProfileID: "profile-1", Active: true},
	}

	// Past events are outside the day filter only when the start precedes
	// 00:01; "past" is still a day entry but yields no alerts.
	batch := Build(events, testProfile, now, 24*time.Hour)

	if batch.EventCount() != 2 {
		t.Fatalf("expected 2 day entries, got %d", batch.EventCount())
	}
	if len(batch.Alerts) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(batch.Alerts))
	}
	for _, a := range batch.Alerts {
		if a.EventID != "soon" {
			t.Errorf("unexpected alert for event %s", a.EventID)
		}
		if !a.AlertTime.After(now) {
			t.Errorf("alert time %v not in the future", a.AlertTime)
		}
	}
}

func TestDeriveAlertsTypesAndHaptics(t *testing.T) {
	day := localDay(t)
	now := day.Add(8 * time.Hour)

	events := []Event{
		{ID: "a", Title: "Class", Start: day.Add(9 * time.Hour), End: day.Add(10 * time.Hour), ProfileID: "profile-1", Active: true},
	}

	profile := testProfile
	profile.AlertStyle = StylePersistent
	batch := Build(events, profile, now, 24*time.Hour)

	if len(batch.Alerts) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(batch.Alerts))
	}

	byLead := make(map[int]Alert)
	for _, a := range batch.Alerts {
		byLead[a.MinutesUntilEvent] = a
	}

	if byLead[10].AlertType != TransitionWarning {
		t.Errorf("10m lead should be a transition warning, got %s", byLead[10].AlertType)
	}
	if byLead[5].AlertType != FinalWarning {
		t.Errorf("5m lead should be a final warning, got %s", byLead[5].AlertType)
	}
	if len(byLead[5].HapticPattern) != len(hapticPatterns[FinalWarning][StylePersistent]) {
		t.Errorf("final warning haptic pattern does not match persistent style")
	}
}

func TestEncodeWireDocument(t *testing.T) {
	day := localDay(t)
	now := day.Add(8 * time.Hour)

	events := []Event{
		{ID: "a", Title: "Lunch", Start: day.Add(12 * time.Hour), End: day.Add(13 * time.Hour), ProfileID: "profile-1", Active: true},
	}

	batch := Build(events, testProfile, now, 24*time.Hour)
	payload, err := batch.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	var doc struct {
		Events []Entry `json:"events"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if len(doc.Events) != 1 {
		t.Fatalf("expected 1 event in document, got %d", len(doc.Events))
	}
	if doc.Events[0].Label != "Lunch" {
		t.Errorf("unexpected label %s", doc.Events[0].Label)
	}
}

func TestBuildEmptyBatch(t *testing.T) {
	day := localDay(t)
	now := day.Add(8 * time.Hour)

	batch := Build(nil, testProfile, now, 24*time.Hour)
	if batch.EventCount() != 0 || len(batch.Alerts) != 0 {
		t.Errorf("expected empty batch, got %d entries, %d alerts", batch.EventCount(), len(batch.Alerts))
	}
	if batch.Checksum == "" {
		t.Error("empty batch still carries a checksum")
	}
}
