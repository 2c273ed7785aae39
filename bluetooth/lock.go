package bluetooth

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConnectionLock serializes access to the single physical link. It is a
// time-boxed lease: acquisition fails immediately while another holder's
// lease is live, and a lease expires on its own after the TTL so a hung
// attempt can never deadlock the link. There is no queueing; callers retry
// later.
type ConnectionLock struct {
	mu       sync.Mutex
	holderID string
	expiry   time.Time
	ttl      time.Duration
	now      func() time.Time
}

func NewConnectionLock(ttl time.Duration) *ConnectionLock {
	if ttl <= 0 {
		ttl = LockTTL
	}
	return &ConnectionLock{
		ttl: ttl,
		now: time.Now,
	}
}

// TryAcquire attempts to take the lease. It returns the holder token on
// success and ErrLockHeld while a live lease exists.
func (l *ConnectionLock) TryAcquire() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.holderID != "" && now.Before(l.expiry) {
		return "", ErrLockHeld
	}

	l.holderID = uuid.NewString()
	l.expiry = now.Add(l.ttl)
	return l.holderID, nil
}

// Release clears the lease if the token still owns it. Releasing an expired
// or superseded token is a no-op.
func (l *ConnectionLock) Release(holderID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.holderID == holderID {
		l.holderID = ""
		l.expiry = time.Time{}
	}
}

// Held reports whether a live lease exists.
func (l *ConnectionLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holderID != "" && l.now().Before(l.expiry)
}
