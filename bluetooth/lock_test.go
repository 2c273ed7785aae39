package bluetooth

import (
	"errors"
	"testing"
	"time"
)

func testLock(ttl time.Duration) (*ConnectionLock, *time.Time) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	l := NewConnectionLock(ttl)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLockMutualExclusion(t *testing.T) {
	l, _ := testLock(15 * time.Second)

	holder, err := l.TryAcquire()
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if holder == "" {
		t.Fatal("acquire must return a holder token")
	}

	if _, err := l.TryAcquire(); !errors.Is(err, ErrLockHeld) {
		t.Errorf("second acquire should fail with ErrLockHeld, got %v", err)
	}

	l.Release(holder)
	if _, err := l.TryAcquire(); err != nil {
		t.Errorf("acquire after release failed: %v", err)
	}
}

func TestLockTTLExpiry(t *testing.T) {
	l, now := testLock(15 * time.Second)

	if _, err := l.TryAcquire(); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	*now = now.Add(14 * time.Second)
	if _, err := l.TryAcquire(); !errors.Is(err, ErrLockHeld) {
		t.Errorf("lease must still be held at T+14s, got %v", err)
	}

	*now = now.Add(2 * time.Second)
	if _, err := l.TryAcquire(); err != nil {
		t.Errorf("lease must have expired at T+16s, got %v", err)
	}
}

func TestLockStaleReleaseIsNoop(t *testing.T) {
	l, now := testLock(15 * time.Second)

	first, err := l.TryAcquire()
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	// The first lease expires and a second caller takes over.
	*now = now.Add(16 * time.Second)
	if _, err := l.TryAcquire(); err != nil {
		t.Fatalf("acquire after expiry failed: %v", err)
	}

	// The original holder wakes up late; its release must not break the
	// new lease.
	l.Release(first)
	if !l.Held() {
		t.Error("stale release must not clear the successor's lease")
	}
}

func TestLockHeld(t *testing.T) {
	l, now := testLock(15 * time.Second)

	if l.Held() {
		t.Error("fresh lock must not be held")
	}

	holder, _ := l.TryAcquire()
	if !l.Held() {
		t.Error("lock must report held after acquire")
	}

	*now = now.Add(16 * time.Second)
	if l.Held() {
		t.Error("lock must not report held after TTL expiry")
	}

	l.Release(holder)
	if l.Held() {
		t.Error("lock must not report held after release")
	}
}
