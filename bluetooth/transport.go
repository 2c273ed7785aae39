package bluetooth

import (
	"encoding/binary"
	"log"
	"time"

	"github.com/usetempo/tempod/utils"
)

// Transport pushes an arbitrary payload to a peripheral over the fixed-size
// frame link. The protocol is a 4-byte big-endian length header on the
// config channel, a settle delay, then sequential chunks on the same
// channel. There is no per-chunk ACK: reliability rides on the link layer's
// write-with-response, and any write failure aborts the whole transfer so
// the peripheral never applies a partial document.
type Transport struct {
	chunkSize  int
	chunkDelay time.Duration
	hub        *utils.WebSocketHub
}

func NewTransport(hub *utils.WebSocketHub) *Transport {
	return &Transport{
		chunkSize:  MaxChunkSize,
		chunkDelay: ChunkDelay,
		hub:        hub,
	}
}

// Chunks splits a payload into frames of at most size bytes. The frame
// count is always ceil(len(payload)/size).
func Chunks(payload []byte, size int) [][]byte {
	total := (len(payload) + size - 1) / size
	out := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * size
		end := start + size
		if end > len(payload) {
			end = len(payload)
		}
		out = append(out, payload[start:end])
	}
	return out
}

// Push writes the payload to the peripheral's config channel. It guards
// against empty payloads and dropped links (one reconnect attempt) before
// touching the wire. All-or-nothing: there is no mid-flight cancellation.
func (t *Transport) Push(link Link, payload []byte) error {
	if len(payload) == 0 {
		return &DataError{Reason: "empty payload"}
	}

	if !link.Connected() {
		log.Printf("XFER: link to %s down before send, attempting one reconnect", link.Address())
		if err := link.Reconnect(); err != nil {
			return &ConnectionError{Op: "pre-send reconnect", Err: err}
		}
		if !link.Connected() {
			return &ConnectionError{Op: "pre-send check", Err: ErrDisconnected}
		}
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))
	if err := link.WriteConfig(header); err != nil {
		return &TransportError{Op: "length header", Err: err}
	}

	// Give the peripheral time to allocate its receive buffer.
	time.Sleep(t.chunkDelay)

	chunks := Chunks(payload, t.chunkSize)
	log.Printf("XFER: sending %d bytes in %d chunks to %s", len(payload), len(chunks), link.Address())

	for i, chunk := range chunks {
		if err := link.WriteConfig(chunk); err != nil {
			return &TransportError{Op: "chunk write", Err: err}
		}
		if t.hub != nil {
			t.hub.Broadcast(utils.WebSocketEvent{
				Type: utils.EventTransferProgress,
				Payload: map[string]interface{}{
					"address": link.Address(),
					"chunk":   i + 1,
					"total":   len(chunks),
				},
			})
		}
		if i < len(chunks)-1 {
			time.Sleep(t.chunkDelay)
		}
	}

	log.Printf("XFER: transfer to %s complete", link.Address())
	return nil
}

// Verify reads the 1-byte ingest result from the status channel. A read
// error is inconclusive, which is distinct from an explicit rejection.
func (t *Transport) Verify(link Link) error {
	value, err := link.ReadStatus()
	if err != nil {
		return &VerificationError{Inconclusive: true, Err: err}
	}
	if len(value) != 1 {
		return &VerificationError{Inconclusive: true, Err: ErrBadStatusLength}
	}
	if value[0] == 1 {
		return nil
	}
	return &VerificationError{Inconclusive: false}
}
