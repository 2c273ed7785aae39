package schedule

import (
	"testing"
	"time"
)

func checksumAlerts() []Alert {
	base := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	return []Alert{
		{EventID: "a", AlertTime: base},
		{EventID: "b", AlertTime: base.Add(30 * time.Minute)},
		{EventID: "c", AlertTime: base.Add(2 * time.Hour)},
	}
}

func TestChecksumOrderIndependent(t *testing.T) {
	alerts := checksumAlerts()
	want := Checksum(alerts)

	permutations := [][]Alert{
		{alerts[1], alerts[0], alerts[2]},
		{alerts[2], alerts[1], alerts[0]},
		{alerts[1], alerts[2], alerts[0]},
	}
	for i, perm := range permutations {
		if got := Checksum(perm); got != want {
			t.Errorf("permutation %d: checksum %s != %s", i, got, want)
		}
	}
}

func TestChecksumChangesWithContent(t *testing.T) {
	alerts := checksumAlerts()
	base := Checksum(alerts)

	shifted := checksumAlerts()
	shifted[1].AlertTime = shifted[1].AlertTime.Add(time.Minute)
	if Checksum(shifted) == base {
		t.Error("shifting an alert time should change the checksum")
	}

	renamed := checksumAlerts()
	renamed[0].EventID = "z"
	if Checksum(renamed) == base {
		t.Error("changing an event id should change the checksum")
	}

	if Checksum(alerts[:2]) == base {
		t.Error("dropping an alert should change the checksum")
	}
}

func TestChecksumIgnoresPresentation(t *testing.T) {
	alerts := checksumAlerts()
	base := Checksum(alerts)

	// Titles and haptics are presentation; only identity and timing count.
	styled := checksumAlerts()
	styled[0].EventTitle = "Renamed"
	styled[1].HapticPattern = []uint{1, 2, 3}
	styled[2].AlertType = FinalWarning
	if Checksum(styled) != base {
		t.Error("presentation fields must not affect the checksum")
	}
}

func TestChecksumFormat(t *testing.T) {
	sum := Checksum(checksumAlerts())
	if len(sum) != 8 {
		t.Errorf("expected 8 hex chars, got %q", sum)
	}
	for _, r := range sum {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			t.Errorf("unexpected character %q in checksum %s", r, sum)
		}
	}

	if Checksum(nil) != Checksum([]Alert{}) {
		t.Error("nil and empty alert sets must hash identically")
	}
}
