package trfb

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/kestrelvnc/trfb/framebuffer"
	"github.com/kestrelvnc/trfb/internal/protocol"
	"github.com/kestrelvnc/trfb/internal/transport"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Width:        4,
		Height:       2,
		BPP:          4,
		ShareDefault: true,
		TickInterval: 50 * time.Millisecond,
		AcceptRate:   1000,
		AcceptBurst:  100,
	}
}

func startTestServer(t *testing.T) (*Server, net.Listener) {
	t.Helper()
	srv, err := NewServer(testConfig(t))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	srv.SetLogger(nil)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go srv.Serve(l)
	t.Cleanup(srv.Stop)
	return srv, l
}

// TestVersionDowngrade: the server offers RFB 003.008,
// the client replies with 003.003, and the handshake proceeds at v3 with
// a 4-byte security type and a one-byte ClientInit.
func TestVersionDowngrade(t *testing.T) {
	srv, l := startTestServer(t)

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	ct := transport.NewConn(conn)

	var offered [12]byte
	if _, err := ct.Read(offered[:], time.Second); err != nil {
		t.Fatalf("read offered version: %v", err)
	}
	if string(offered[:]) != "RFB 003.008\n" {
		t.Fatalf("offered version = %q, want RFB 003.008", offered)
	}

	if err := protocol.SendVersion(ct, protocol.V3, time.Second); err != nil {
		t.Fatalf("send v3 reply: %v", err)
	}

	var secType [4]byte
	if _, err := ct.Read(secType[:], time.Second); err != nil {
		t.Fatalf("read security type: %v", err)
	}
	if binary.BigEndian.Uint32(secType[:]) != 1 {
		t.Fatalf("security type = %v, want [00 00 00 01]", secType)
	}

	if err := protocol.SendClientInit(ct, true, time.Second); err != nil {
		t.Fatalf("send ClientInit: %v", err)
	}

	si := make([]byte, 4+16+4+len("trfb"))
	if _, err := ct.Read(si, time.Second); err != nil {
		t.Fatalf("read ServerInit: %v", err)
	}
	if binary.BigEndian.Uint16(si[0:2]) != 4 || binary.BigEndian.Uint16(si[2:4]) != 2 {
		t.Fatalf("ServerInit geometry = %v, want 4x2", si[0:4])
	}

	_ = srv
}

// TestServerInitPayload checks the literal ServerInit byte sequence for
// a 4x2 bpp=4 server.
func TestServerInitPayload(t *testing.T) {
	_, l := startTestServer(t)

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	ct := transport.NewConn(conn)

	var offered [12]byte
	ct.Read(offered[:], time.Second)
	protocol.SendVersion(ct, protocol.V8, time.Second)

	var secCount [2]byte
	ct.Read(secCount[:], time.Second)
	ct.PutByte(protocol.SecurityNone, time.Second)
	ct.Flush(time.Second)

	var secResult [4]byte
	ct.Read(secResult[:], time.Second)

	protocol.SendClientInit(ct, true, time.Second)

	si := make([]byte, 4+16+4+len("trfb"))
	if _, err := ct.Read(si, time.Second); err != nil {
		t.Fatalf("read ServerInit: %v", err)
	}

	want := []byte{
		0x00, 0x04, 0x00, 0x02,
		0x20, 0x18, 0x00, 0x01, 0x00, 0xFF, 0x00, 0xFF, 0x00, 0xFF, 0x10, 0x08, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x04, 't', 'r', 'f', 'b',
	}
	if string(si) != string(want) {
		t.Fatalf("ServerInit = % X, want % X", si, want)
	}
}

// TestSetPixelFormatThenRawUpdate switches the client to RGB565
// big-endian and checks the Raw rectangle payload for a red pixel.
func TestSetPixelFormatThenRawUpdate(t *testing.T) {
	srv, l := startTestServer(t)

	// LockFB already holds the framebuffer's mutex, so the pixel is written
	// through Bytes() rather than Set (which would lock it again). The
	// canonical bpp=4 format is little-endian RGB888 with red at shift 16.
	fb := srv.LockFB(true)
	binary.LittleEndian.PutUint32(fb.Bytes()[0:4], 0x00FF0000)
	srv.UnlockFB(true)

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	ct := transport.NewConn(conn)

	var offered [12]byte
	ct.Read(offered[:], time.Second)
	protocol.SendVersion(ct, protocol.V8, time.Second)
	var secCount [2]byte
	ct.Read(secCount[:], time.Second)
	ct.PutByte(protocol.SecurityNone, time.Second)
	ct.Flush(time.Second)
	var secResult [4]byte
	ct.Read(secResult[:], time.Second)
	protocol.SendClientInit(ct, true, time.Second)
	si := make([]byte, 4+16+4+len("trfb"))
	ct.Read(si, time.Second)

	rgb565BE := framebuffer.Format{
		BPP: 2, Depth: 16, BigEndian: true, TrueColor: true,
		RMax: 0x1F, GMax: 0x3F, BMax: 0x1F,
		RShift: 11, GShift: 5, BShift: 0,
	}
	pf := protocol.EncodePixelFormat(rgb565BE)
	spf := append([]byte{protocol.MsgSetPixelFormat, 0, 0, 0}, pf[:]...)
	if _, err := ct.Write(spf, time.Second); err != nil {
		t.Fatalf("write SetPixelFormat: %v", err)
	}
	ct.Flush(time.Second)

	req := []byte{protocol.MsgFramebufferUpdateRequest, 0, 0, 0, 0, 0, 0, 1, 0, 1}
	if _, err := ct.Write(req, time.Second); err != nil {
		t.Fatalf("write FramebufferUpdateRequest: %v", err)
	}
	ct.Flush(time.Second)

	hdr := make([]byte, 4+12)
	if _, err := ct.Read(hdr, 2*time.Second); err != nil {
		t.Fatalf("read FramebufferUpdate header: %v", err)
	}
	rectLen := int(binary.BigEndian.Uint16(hdr[8:10])) * int(binary.BigEndian.Uint16(hdr[10:12])) * 2
	data := make([]byte, rectLen)
	if _, err := ct.Read(data, time.Second); err != nil {
		t.Fatalf("read rectangle payload: %v", err)
	}
	if len(data) != 2 || data[0] != 0xF8 || data[1] != 0x00 {
		t.Fatalf("rectangle payload = % X, want F8 00", data)
	}
}

// TestStopDuringBlockedRead: Stop with an idle client
// connected returns within bounded time and the server reports STOPPED.
func TestStopDuringBlockedRead(t *testing.T) {
	srv, err := NewServer(testConfig(t))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	srv.SetLogger(nil)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go srv.Serve(l)

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for srv.State()&StateWorking == 0 {
		if time.Now().After(deadline) {
			t.Fatal("server never reached WORKING")
		}
		time.Sleep(5 * time.Millisecond)
	}

	done := make(chan struct{})
	go func() {
		srv.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return in time")
	}

	if srv.State() != StateStopped {
		t.Fatalf("State() = %v, want StateStopped", srv.State())
	}
}
