package session

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kestrelvnc/trfb/event"
	"github.com/kestrelvnc/trfb/framebuffer"
	"github.com/kestrelvnc/trfb/internal/protocol"
	"github.com/kestrelvnc/trfb/internal/transport"
)

type fakeHost struct {
	mu      sync.Mutex
	fb      *framebuffer.Framebuffer
	updated uint64
	events  []event.Event
	stopped bool
}

func newFakeHost(t *testing.T, w, h int, bpp byte) *fakeHost {
	fb, err := framebuffer.New(w, h, bpp)
	if err != nil {
		t.Fatalf("framebuffer.New: %v", err)
	}
	return &fakeHost{fb: fb, updated: 1}
}

func (h *fakeHost) CanonicalFormat() framebuffer.Format { return h.fb.Format() }
func (h *fakeHost) CanonicalSize() (int, int)           { return h.fb.Width(), h.fb.Height() }

func (h *fakeHost) SnapshotCanonical(dst *framebuffer.Framebuffer) (uint64, error) {
	h.mu.Lock()
	counter := h.updated
	h.mu.Unlock()
	if err := framebuffer.Convert(dst, h.fb); err != nil {
		return 0, err
	}
	return counter, nil
}

func (h *fakeHost) Updated() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.updated
}

func (h *fakeHost) PushEvent(e event.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
}

func (h *fakeHost) AuditRecord(string, string, int, string, string) {}

func (h *fakeHost) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

func (h *fakeHost) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
}

func TestConnectionFullHandshakeAndKeyEvent(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	host := newFakeHost(t, 4, 2, 4)
	if err := host.fb.Set(0, 0, framebuffer.RGB(255, 0, 0)); err != nil {
		t.Fatalf("Set: %v", err)
	}

	st := transport.NewConn(serverConn)
	ct := transport.NewConn(clientConn)
	conn := New("h1", "test-addr", host, st, nil, 50*time.Millisecond)

	done := make(chan struct{})
	go func() {
		conn.Run(protocol.V8)
		close(done)
	}()

	// --- client side of the handshake ---
	var verLine [12]byte
	if _, err := ct.Read(verLine[:], time.Second); err != nil {
		t.Fatalf("client read version: %v", err)
	}
	if err := protocol.SendVersion(ct, protocol.V8, time.Second); err != nil {
		t.Fatalf("client send version: %v", err)
	}

	var secCount [2]byte
	if _, err := ct.Read(secCount[:], time.Second); err != nil {
		t.Fatalf("client read security types: %v", err)
	}
	if err := ct.PutByte(protocol.SecurityNone, time.Second); err != nil {
		t.Fatalf("client choose security: %v", err)
	}
	ct.Flush(time.Second)

	var secResult [4]byte
	if _, err := ct.Read(secResult[:], time.Second); err != nil {
		t.Fatalf("client read security result: %v", err)
	}

	if err := protocol.SendClientInit(ct, true, time.Second); err != nil {
		t.Fatalf("client send ClientInit: %v", err)
	}

	serverInit := make([]byte, 4+16+4+len("trfb"))
	if _, err := ct.Read(serverInit, time.Second); err != nil {
		t.Fatalf("client read ServerInit: %v", err)
	}

	// --- key event ingest ---
	keyMsg := []byte{protocol.MsgKeyEvent, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x61}
	if _, err := ct.Write(keyMsg, time.Second); err != nil {
		t.Fatalf("client write KeyEvent: %v", err)
	}
	ct.Flush(time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for {
		host.mu.Lock()
		n := len(host.events)
		host.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for key event to reach host")
		}
		time.Sleep(10 * time.Millisecond)
	}

	host.mu.Lock()
	got := host.events[0]
	host.mu.Unlock()
	if got.Kind != event.KindKey || !got.Key.Down || got.Key.Keysym != 0x61 {
		t.Fatalf("key event = %+v, want Down=true Keysym=0x61", got)
	}

	host.stop()
	ct.Close()
	<-done

	if conn.State() != Closed {
		t.Fatalf("final state = %s, want CLOSED", conn.State())
	}
}
