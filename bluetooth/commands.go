package bluetooth

import (
	"bytes"
	"log"
	"time"
)

const responsePollInterval = 50 * time.Millisecond

// Exchange writes a request to the command channel and collects the
// terminator-delimited response. The send is retried up to CommandRetries
// times; every attempt gets CommandTimeout except the last, which gets
// CommandTimeoutMax. If the deadline passes with partial bytes received,
// those bytes are returned as a best-effort result instead of an error.
func Exchange(link Link, request []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= CommandRetries; attempt++ {
		timeout := CommandTimeout
		if attempt == CommandRetries {
			timeout = CommandTimeoutMax
		}

		if err := link.WriteCommand(request); err != nil {
			lastErr = &TransportError{Op: "command write", Err: err}
			log.Printf("CMD: write attempt %d/%d failed: %v", attempt+1, CommandRetries+1, err)
			continue
		}

		response, partial, err := awaitResponse(link, timeout)
		if err == nil {
			return response, nil
		}
		if len(partial) > 0 {
			// Best effort: the peripheral answered but never sent the
			// terminator before the deadline.
			log.Printf("CMD: timeout with %d partial bytes, returning best-effort result", len(partial))
			return partial, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// awaitResponse polls the command channel until a terminator arrives or the
// timeout passes. It returns whatever bytes accumulated alongside any error.
func awaitResponse(link Link, timeout time.Duration) (complete []byte, partial []byte, err error) {
	deadline := time.Now().Add(timeout)
	var buf bytes.Buffer

	for time.Now().Before(deadline) {
		value, readErr := link.ReadResponse()
		if readErr != nil {
			return nil, buf.Bytes(), &TransportError{Op: "response read", Err: readErr}
		}
		if len(value) > 0 {
			buf.Write(value)
			if idx := bytes.IndexByte(buf.Bytes(), ResponseTermByte); idx >= 0 {
				return buf.Bytes()[:idx], nil, nil
			}
		}
		time.Sleep(responsePollInterval)
	}

	return nil, buf.Bytes(), &ConnectionError{Op: "command response", Err: ErrCommandTimeout}
}

// Probe is the lightweight liveness check used by the keep-alive loop: a
// ping exchange that keeps the peripheral out of idle-sleep.
func Probe(link Link) error {
	_, err := Exchange(link, []byte("ping\n"))
	return err
}
