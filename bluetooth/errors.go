package bluetooth

import (
	"errors"
	"fmt"
)

// Error taxonomy for the sync path. Connection and transport failures are
// retryable; data errors are terminal for the attempt; verification errors
// are soft.

// ConnectionError covers failures to reach or hold the link: timeouts,
// peripheral not found, lock contention.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TransportError covers write/read failures mid-transfer.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// VerificationError reports a status-readback mismatch or unavailability.
// Inconclusive readbacks are distinct from an explicit rejection.
type VerificationError struct {
	Inconclusive bool
	Err          error
}

func (e *VerificationError) Error() string {
	if e.Inconclusive {
		return fmt.Sprintf("verification inconclusive: %v", e.Err)
	}
	return "peripheral rejected payload"
}

func (e *VerificationError) Unwrap() error { return e.Err }

// DataError covers unresolvable profile→peripheral mappings and empty
// batches. Retries cannot fix a data problem.
type DataError struct {
	Reason string
}

func (e *DataError) Error() string { return "data error: " + e.Reason }

// Sentinels for common connection failures.
var (
	ErrLockHeld        = errors.New("connection lock held by another attempt")
	ErrNotFound        = errors.New("peripheral not found")
	ErrDisconnected    = errors.New("peripheral not connected")
	ErrBadStatusLength = errors.New("status readback is not a single byte")
	ErrCommandTimeout  = errors.New("command response timed out")
)

// IsRetryable reports whether a sync failure should feed the retry
// scheduler.
func IsRetryable(err error) bool {
	var de *DataError
	if errors.As(err, &de) {
		return false
	}
	var ce *ConnectionError
	var te *TransportError
	return errors.As(err, &ce) || errors.As(err, &te)
}
