package bluetooth

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

// fakeLink is an in-memory Link for transport and command tests. Hooks
// default to success; tests override the ones they care about.
type fakeLink struct {
	connected     bool
	reconnectErr  error
	reconnects    int
	configWrites  [][]byte
	commandWrites [][]byte
	statusValue   []byte
	statusErr     error
	responses     [][]byte // consumed one per ReadResponse call
	responseErr   error
	writeErr      error
}

func newFakeLink() *fakeLink {
	return &fakeLink{connected: true, statusValue: []byte{1}}
}

func (f *fakeLink) Address() string { return "AA:BB:CC:DD:EE:FF" }
func (f *fakeLink) Connected() bool { return f.connected }

func (f *fakeLink) Reconnect() error {
	f.reconnects++
	if f.reconnectErr != nil {
		return f.reconnectErr
	}
	f.connected = true
	return nil
}

func (f *fakeLink) WriteConfig(data []byte) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	f.configWrites = append(f.configWrites, buf)
	return nil
}

func (f *fakeLink) ReadStatus() ([]byte, error) {
	return f.statusValue, f.statusErr
}

func (f *fakeLink) WriteCommand(data []byte) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	f.commandWrites = append(f.commandWrites, buf)
	return nil
}

func (f *fakeLink) ReadResponse() ([]byte, error) {
	if f.responseErr != nil {
		return nil, f.responseErr
	}
	if len(f.responses) == 0 {
		return nil, nil
	}
	next := f.responses[0]
	f.responses = f.responses[1:]
	return next, nil
}

func (f *fakeLink) WriteTimeSync(data []byte) error { return f.writeErr }

func testTransport() *Transport {
	return &Transport{chunkSize: 4, chunkDelay: 0}
}

func TestChunksCount(t *testing.T) {
	cases := []struct {
		payloadLen int
		size       int
		want       int
	}{
		{1, 480, 1},
		{480, 480, 1},
		{481, 480, 2},
		{960, 480, 2},
		{961, 480, 3},
	}
	for _, c := range cases {
		got := Chunks(make([]byte, c.payloadLen), c.size)
		if len(got) != c.want {
			t.Errorf("Chunks(len %d, size %d) = %d frames, want %d", c.payloadLen, c.size, len(got), c.want)
		}
	}
}

func TestPushFramesAndReassembly(t *testing.T) {
	link := newFakeLink()
	payload := []byte("0123456789") // 3 chunks at size 4

	if err := testTransport().Push(link, payload); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	if len(link.configWrites) != 4 {
		t.Fatalf("expected header + 3 chunks, got %d writes", len(link.configWrites))
	}

	header := link.configWrites[0]
	if len(header) != 4 {
		t.Fatalf("header must be 4 bytes, got %d", len(header))
	}
	if got := binary.BigEndian.Uint32(header); got != uint32(len(payload)) {
		t.Errorf("header length %d, want %d", got, len(payload))
	}

	var reassembled []byte
	for _, chunk := range link.configWrites[1:] {
		if len(chunk) > 4 {
			t.Errorf("chunk exceeds frame size: %d bytes", len(chunk))
		}
		reassembled = append(reassembled, chunk...)
	}
	if !bytes.Equal(reassembled, payload) {
		t.Errorf("reassembled %q != payload %q", reassembled, payload)
	}
}

func TestPushRejectsEmptyPayload(t *testing.T) {
	err := testTransport().Push(newFakeLink(), nil)
	var de *DataError
	if !errors.As(err, &de) {
		t.Fatalf("expected DataError, got %v", err)
	}
}

func TestPushReconnectsDroppedLink(t *testing.T) {
	link := newFakeLink()
	link.connected = false

	if err := testTransport().Push(link, []byte("data")); err != nil {
		t.Fatalf("push after reconnect failed: %v", err)
	}
	if link.reconnects != 1 {
		t.Errorf("expected exactly one reconnect attempt, got %d", link.reconnects)
	}
}

func TestPushFailsWhenReconnectFails(t *testing.T) {
	link := newFakeLink()
	link.connected = false
	link.reconnectErr = errors.New("device unreachable")

	err := testTransport().Push(link, []byte("data"))
	var ce *ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if len(link.configWrites) != 0 {
		t.Error("no bytes may reach the wire when the link is down")
	}
}

func TestPushAbortsOnWriteError(t *testing.T) {
	link := newFakeLink()
	link.writeErr = errors.New("att write failed")

	err := testTransport().Push(link, []byte("data"))
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !IsRetryable(err) {
		t.Error("transport failures must be retryable")
	}
}

func TestVerifyOutcomes(t *testing.T) {
	tr := testTransport()

	link := newFakeLink()
	if err := tr.Verify(link); err != nil {
		t.Errorf("status 0x01 should verify clean, got %v", err)
	}

	link.statusValue = []byte{0}
	err := tr.Verify(link)
	var ve *VerificationError
	if !errors.As(err, &ve) || ve.Inconclusive {
		t.Errorf("status 0x00 should be an explicit rejection, got %v", err)
	}

	link.statusValue = []byte{1, 1}
	err = tr.Verify(link)
	if !errors.As(err, &ve) || !ve.Inconclusive {
		t.Errorf("wrong-length status should be inconclusive, got %v", err)
	}

	link.statusValue = nil
	link.statusErr = errors.New("read failed")
	err = tr.Verify(link)
	if !errors.As(err, &ve) || !ve.Inconclusive {
		t.Errorf("read failure should be inconclusive, got %v", err)
	}
}
