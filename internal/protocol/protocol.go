// Package protocol implements the RFB wire codec: encoding and decoding of
// every message named in the core message set, plus convenience send/recv
// helpers layered onto a transport.Transport. All multi-byte integers are
// big-endian, per the reference protocol. Pure encode/decode functions are
// kept separate from the relay logic that uses them.
package protocol

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/kestrelvnc/trfb/framebuffer"
	"github.com/kestrelvnc/trfb/internal/rfberr"
	"github.com/kestrelvnc/trfb/internal/transport"
)

// Version identifies the negotiated RFB protocol version.
type Version int

const (
	V3 Version = 3
	V7 Version = 7
	V8 Version = 8
)

// Security types.
const (
	SecurityNone   byte = 1
	SecurityFailed byte = 0
)

// Client-to-server message types.
const (
	MsgSetPixelFormat           byte = 0
	MsgSetEncodings             byte = 2
	MsgFramebufferUpdateRequest byte = 3
	MsgKeyEvent                 byte = 4
	MsgPointerEvent             byte = 5
	MsgClientCutText            byte = 6
)

// MsgFramebufferUpdate is the only server-to-client message type this core
// emits.
const MsgFramebufferUpdate byte = 0

// EncodingRaw is the only encoding this core implements. Encoding is an
// extension point: additional identifiers can be added without touching
// the rectangle framing.
const EncodingRaw int32 = 0

// EncodeVersion renders v as the 12-byte ASCII line "RFB xxx.yyy\n".
func EncodeVersion(v Version) [12]byte {
	var minor string
	switch v {
	case V3:
		minor = "003.003"
	case V7:
		minor = "003.007"
	default:
		minor = "003.008"
	}
	var out [12]byte
	copy(out[:], "RFB "+minor+"\n")
	return out
}

// DecodeVersion parses a 12-byte ProtocolVersion line, rejecting anything
// that isn't one of the three supported major.minor strings.
func DecodeVersion(b []byte) (Version, error) {
	if len(b) != 12 {
		return 0, &rfberr.ProtocolError{Reason: "protocol version line must be 12 bytes"}
	}
	s := string(b)
	switch s {
	case "RFB 003.003\n":
		return V3, nil
	case "RFB 003.007\n":
		return V7, nil
	case "RFB 003.008\n":
		return V8, nil
	default:
		return 0, &rfberr.ProtocolError{Reason: fmt.Sprintf("unsupported protocol version line %q", s)}
	}
}

// SendVersion writes v's ProtocolVersion line.
func SendVersion(tr transport.Transport, v Version, timeout time.Duration) error {
	line := EncodeVersion(v)
	if _, err := tr.Write(line[:], timeout); err != nil {
		return &rfberr.TransportError{Op: "SendVersion", Err: err}
	}
	return tr.Flush(timeout)
}

// RecvVersion reads and parses a 12-byte ProtocolVersion line.
func RecvVersion(tr transport.Transport, timeout time.Duration) (Version, error) {
	var buf [12]byte
	if _, err := tr.Read(buf[:], timeout); err != nil {
		return 0, &rfberr.TransportError{Op: "RecvVersion", Err: err}
	}
	return DecodeVersion(buf[:])
}

// NegotiateVersion picks the lower of the version this server offered and
// the version the client replied with.
func NegotiateVersion(offered, replied Version) Version {
	if replied < offered {
		return replied
	}
	return offered
}

// EncodePixelFormat renders a framebuffer.Format as the 16-byte wire pixel
// format descriptor.
func EncodePixelFormat(f framebuffer.Format) [16]byte {
	var b [16]byte
	b[0] = f.BPP * 8
	b[1] = f.Depth
	if f.BigEndian {
		b[2] = 1
	}
	if f.TrueColor {
		b[3] = 1
	}
	binary.BigEndian.PutUint16(b[4:6], f.RMax)
	binary.BigEndian.PutUint16(b[6:8], f.GMax)
	binary.BigEndian.PutUint16(b[8:10], f.BMax)
	b[10] = f.RShift
	b[11] = f.GShift
	b[12] = f.BShift
	return b
}

// DecodePixelFormat parses a 16-byte wire pixel format descriptor.
func DecodePixelFormat(b []byte) (framebuffer.Format, error) {
	if len(b) != 16 {
		return framebuffer.Format{}, &rfberr.ProtocolError{Reason: "pixel format must be 16 bytes"}
	}
	bitsPerPixel := b[0]
	if bitsPerPixel == 0 || bitsPerPixel%8 != 0 {
		return framebuffer.Format{}, &rfberr.ProtocolError{Reason: "pixel format bits-per-pixel must be a multiple of 8"}
	}
	bpp := bitsPerPixel / 8
	if bpp != 1 && bpp != 2 && bpp != 4 {
		return framebuffer.Format{}, &rfberr.ProtocolError{Reason: "pixel format bytes-per-pixel must be 1, 2 or 4"}
	}
	return framebuffer.Format{
		BPP:       bpp,
		Depth:     b[1],
		BigEndian: b[2] != 0,
		TrueColor: b[3] != 0,
		RMax:      binary.BigEndian.Uint16(b[4:6]),
		GMax:      binary.BigEndian.Uint16(b[6:8]),
		BMax:      binary.BigEndian.Uint16(b[8:10]),
		RShift:    b[10],
		GShift:    b[11],
		BShift:    b[12],
	}, nil
}

// SendSecurityTypeV3 sends the 4-byte v3 security type. A failed
// negotiation (typ == SecurityFailed) is followed by the reason string.
func SendSecurityTypeV3(tr transport.Transport, typ byte, reason string, timeout time.Duration) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(typ))
	if _, err := tr.Write(hdr[:], timeout); err != nil {
		return &rfberr.TransportError{Op: "SendSecurityTypeV3", Err: err}
	}
	if typ == SecurityFailed {
		if err := sendReasonString(tr, reason, timeout); err != nil {
			return err
		}
	}
	return tr.Flush(timeout)
}

// SendSecurityTypesV78 sends the v7/v8 security-type list: a 1-byte count
// followed by that many type bytes. This core only ever offers None.
func SendSecurityTypesV78(tr transport.Transport, timeout time.Duration) error {
	buf := []byte{1, SecurityNone}
	if _, err := tr.Write(buf, timeout); err != nil {
		return &rfberr.TransportError{Op: "SendSecurityTypesV78", Err: err}
	}
	return tr.Flush(timeout)
}

// RecvSecurityChoice reads the client's one-byte security type choice
// (v7/v8 handshake).
func RecvSecurityChoice(tr transport.Transport, timeout time.Duration) (byte, error) {
	b, err := tr.GetByte(timeout)
	if err != nil {
		return 0, &rfberr.TransportError{Op: "RecvSecurityChoice", Err: err}
	}
	return b, nil
}

// SendSecurityResultV8 sends the v8-only 4-byte SecurityResult, followed
// by the failure reason string when ok is false.
func SendSecurityResultV8(tr transport.Transport, ok bool, reason string, timeout time.Duration) error {
	var hdr [4]byte
	if !ok {
		binary.BigEndian.PutUint32(hdr[:], 1)
	}
	if _, err := tr.Write(hdr[:], timeout); err != nil {
		return &rfberr.TransportError{Op: "SendSecurityResultV8", Err: err}
	}
	if !ok {
		if err := sendReasonString(tr, reason, timeout); err != nil {
			return err
		}
	}
	return tr.Flush(timeout)
}

func sendReasonString(tr transport.Transport, reason string, timeout time.Duration) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(reason)))
	if _, err := tr.Write(lenBuf[:], timeout); err != nil {
		return &rfberr.TransportError{Op: "sendReasonString", Err: err}
	}
	if len(reason) > 0 {
		if _, err := tr.Write([]byte(reason), timeout); err != nil {
			return &rfberr.TransportError{Op: "sendReasonString", Err: err}
		}
	}
	return nil
}

// RecvClientInit reads the one-byte ClientInit message, returning the
// shared flag.
func RecvClientInit(tr transport.Transport, timeout time.Duration) (shared bool, err error) {
	b, err := tr.GetByte(timeout)
	if err != nil {
		return false, &rfberr.TransportError{Op: "RecvClientInit", Err: err}
	}
	return b != 0, nil
}

// SendClientInit writes the one-byte ClientInit message (used by test
// harnesses acting as a client).
func SendClientInit(tr transport.Transport, shared bool, timeout time.Duration) error {
	var b byte
	if shared {
		b = 1
	}
	if err := tr.PutByte(b, timeout); err != nil {
		return &rfberr.TransportError{Op: "SendClientInit", Err: err}
	}
	return tr.Flush(timeout)
}

// ServerInit is the server->client handshake message describing the
// server's framebuffer geometry, pixel format and name.
type ServerInit struct {
	Width, Height uint16
	Format        framebuffer.Format
	Name          string
}

// EncodeServerInit renders si as its wire bytes.
func EncodeServerInit(si ServerInit) []byte {
	out := make([]byte, 4+16+4+len(si.Name))
	binary.BigEndian.PutUint16(out[0:2], si.Width)
	binary.BigEndian.PutUint16(out[2:4], si.Height)
	pf := EncodePixelFormat(si.Format)
	copy(out[4:20], pf[:])
	binary.BigEndian.PutUint32(out[20:24], uint32(len(si.Name)))
	copy(out[24:], si.Name)
	return out
}

// SendServerInit writes a ServerInit message.
func SendServerInit(tr transport.Transport, si ServerInit, timeout time.Duration) error {
	if _, err := tr.Write(EncodeServerInit(si), timeout); err != nil {
		return &rfberr.TransportError{Op: "SendServerInit", Err: err}
	}
	return tr.Flush(timeout)
}

// SetPixelFormat is the client->server message (type 0) reconfiguring the
// connection's requested pixel format.
type SetPixelFormat struct {
	Format framebuffer.Format
}

// RecvSetPixelFormat reads the 3 padding bytes and 16-byte format that
// follow the already-consumed message-type byte.
func RecvSetPixelFormat(tr transport.Transport, timeout time.Duration) (SetPixelFormat, error) {
	var buf [19]byte
	if _, err := tr.Read(buf[:], timeout); err != nil {
		return SetPixelFormat{}, &rfberr.TransportError{Op: "RecvSetPixelFormat", Err: err}
	}
	f, err := DecodePixelFormat(buf[3:19])
	if err != nil {
		return SetPixelFormat{}, err
	}
	return SetPixelFormat{Format: f}, nil
}

// SetEncodings is the client->server message (type 2) listing the
// client's preferred encodings in priority order.
type SetEncodings struct {
	Encodings []int32
}

// RecvSetEncodings reads the 1 padding byte, count, and that many s32
// encoding identifiers.
func RecvSetEncodings(tr transport.Transport, timeout time.Duration) (SetEncodings, error) {
	var hdr [3]byte
	if _, err := tr.Read(hdr[:], timeout); err != nil {
		return SetEncodings{}, &rfberr.TransportError{Op: "RecvSetEncodings", Err: err}
	}
	count := binary.BigEndian.Uint16(hdr[1:3])
	body := make([]byte, int(count)*4)
	if len(body) > 0 {
		if _, err := tr.Read(body, timeout); err != nil {
			return SetEncodings{}, &rfberr.TransportError{Op: "RecvSetEncodings", Err: err}
		}
	}
	encodings := make([]int32, count)
	for i := range encodings {
		encodings[i] = int32(binary.BigEndian.Uint32(body[i*4:]))
	}
	return SetEncodings{Encodings: encodings}, nil
}

// FramebufferUpdateRequest is the client->server message (type 3)
// requesting an update of a rectangular region.
type FramebufferUpdateRequest struct {
	Incremental bool
	X, Y, W, H  uint16
}

// RecvFramebufferUpdateRequest reads the fixed 9-byte body.
func RecvFramebufferUpdateRequest(tr transport.Transport, timeout time.Duration) (FramebufferUpdateRequest, error) {
	var b [9]byte
	if _, err := tr.Read(b[:], timeout); err != nil {
		return FramebufferUpdateRequest{}, &rfberr.TransportError{Op: "RecvFramebufferUpdateRequest", Err: err}
	}
	return FramebufferUpdateRequest{
		Incremental: b[0] != 0,
		X:           binary.BigEndian.Uint16(b[1:3]),
		Y:           binary.BigEndian.Uint16(b[3:5]),
		W:           binary.BigEndian.Uint16(b[5:7]),
		H:           binary.BigEndian.Uint16(b[7:9]),
	}, nil
}

// KeyEvent is the client->server message (type 4) carrying a keysym and
// its press/release state.
type KeyEvent struct {
	Down   bool
	Keysym uint32
}

// RecvKeyEvent reads the fixed 7-byte body.
func RecvKeyEvent(tr transport.Transport, timeout time.Duration) (KeyEvent, error) {
	var b [7]byte
	if _, err := tr.Read(b[:], timeout); err != nil {
		return KeyEvent{}, &rfberr.TransportError{Op: "RecvKeyEvent", Err: err}
	}
	return KeyEvent{
		Down:   b[0] != 0,
		Keysym: binary.BigEndian.Uint32(b[3:7]),
	}, nil
}

// PointerEvent is the client->server message (type 5) carrying the button
// mask and absolute pointer coordinates.
type PointerEvent struct {
	ButtonMask uint8
	X, Y       uint16
}

// RecvPointerEvent reads the fixed 5-byte body.
func RecvPointerEvent(tr transport.Transport, timeout time.Duration) (PointerEvent, error) {
	var b [5]byte
	if _, err := tr.Read(b[:], timeout); err != nil {
		return PointerEvent{}, &rfberr.TransportError{Op: "RecvPointerEvent", Err: err}
	}
	return PointerEvent{
		ButtonMask: b[0],
		X:          binary.BigEndian.Uint16(b[1:3]),
		Y:          binary.BigEndian.Uint16(b[3:5]),
	}, nil
}

// MaxCutTextLength bounds ClientCutText payloads; longer declared lengths
// are a ProtocolError rather than an unbounded allocation.
const MaxCutTextLength = 1 << 20

// ClientCutText is the client->server message (type 6) carrying clipboard
// text.
type ClientCutText struct {
	Text string
}

// RecvClientCutText reads the 3 padding bytes, u32 length, and that many
// UTF-8 bytes.
func RecvClientCutText(tr transport.Transport, timeout time.Duration) (ClientCutText, error) {
	var hdr [7]byte
	if _, err := tr.Read(hdr[:], timeout); err != nil {
		return ClientCutText{}, &rfberr.TransportError{Op: "RecvClientCutText", Err: err}
	}
	length := binary.BigEndian.Uint32(hdr[3:7])
	if length > MaxCutTextLength {
		return ClientCutText{}, &rfberr.ProtocolError{Reason: "ClientCutText exceeds maximum length"}
	}
	body := make([]byte, length)
	if length > 0 {
		if _, err := tr.Read(body, timeout); err != nil {
			return ClientCutText{}, &rfberr.TransportError{Op: "RecvClientCutText", Err: err}
		}
	}
	return ClientCutText{Text: string(body)}, nil
}

// Rectangle is one rectangle within a FramebufferUpdate.
type Rectangle struct {
	X, Y, W, H uint16
	Encoding   int32
	Data       []byte
}

// EncodeFramebufferUpdate renders a single-rectangle FramebufferUpdate
// message, the only shape this core emits.
func EncodeFramebufferUpdate(rect Rectangle) []byte {
	out := make([]byte, 4+12+len(rect.Data))
	out[0] = 0 // message type
	out[1] = 0 // padding
	binary.BigEndian.PutUint16(out[2:4], 1)
	binary.BigEndian.PutUint16(out[4:6], rect.X)
	binary.BigEndian.PutUint16(out[6:8], rect.Y)
	binary.BigEndian.PutUint16(out[8:10], rect.W)
	binary.BigEndian.PutUint16(out[10:12], rect.H)
	binary.BigEndian.PutUint32(out[12:16], uint32(rect.Encoding))
	copy(out[16:], rect.Data)
	return out
}

// SendFramebufferUpdate writes a single-rectangle FramebufferUpdate.
func SendFramebufferUpdate(tr transport.Transport, rect Rectangle, timeout time.Duration) error {
	if _, err := tr.Write(EncodeFramebufferUpdate(rect), timeout); err != nil {
		return &rfberr.TransportError{Op: "SendFramebufferUpdate", Err: err}
	}
	return tr.Flush(timeout)
}
