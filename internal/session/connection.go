// Package session implements the per-client RFB state machine: handshake
// (version, security, init) followed by the cooperative input/output loop,
// using a validTransitions/CanTransition/TransitionError pattern to guard
// every state change.
package session

import (
	"sync"
	"time"

	"github.com/kestrelvnc/trfb/event"
	"github.com/kestrelvnc/trfb/framebuffer"
	"github.com/kestrelvnc/trfb/internal/logging"
	"github.com/kestrelvnc/trfb/internal/protocol"
	"github.com/kestrelvnc/trfb/internal/rfberr"
	"github.com/kestrelvnc/trfb/internal/transport"
)

const (
	handshakeTimeout = 5 * time.Second
	ioTimeout        = 1 * time.Second
	// defaultPoll is the RUNNING loop's input poll interval when the
	// host didn't configure one; it doubles as the latency bound for
	// noticing a pending update while the client is quiet.
	defaultPoll = 300 * time.Millisecond
)

// Host is the supervisor-facing surface a Connection needs: access to the
// canonical framebuffer, the shared event queue, the updated counter, and
// optional audit logging. The server package (root package trfb)
// implements it; session never imports the server package, avoiding an
// import cycle.
type Host interface {
	CanonicalFormat() framebuffer.Format
	CanonicalSize() (width, height int)
	SnapshotCanonical(dst *framebuffer.Framebuffer) (updated uint64, err error)
	Updated() uint64
	PushEvent(e event.Event)
	AuditRecord(handle, remoteAddr string, version int, evt, detail string)
	Stopped() bool
}

// Connection is one client's handshake and run-loop state.
type Connection struct {
	Handle     string
	RemoteAddr string

	host      Host
	transport transport.Transport
	logger    logging.Logger
	poll      time.Duration

	mu    sync.Mutex
	state State

	version   protocol.Version
	shared    bool
	clientFB  *framebuffer.Framebuffer
	encodings []int32
	lastSent  uint64
	pending   *protocol.FramebufferUpdateRequest
}

// New constructs a Connection in state New. tick bounds the RUNNING
// loop's input poll; values outside (0, 1s] fall back to the default.
func New(handle, remoteAddr string, host Host, tr transport.Transport, logger logging.Logger, tick time.Duration) *Connection {
	if logger == nil {
		logger = logging.Nop{}
	}
	if tick <= 0 || tick > time.Second {
		tick = defaultPoll
	}
	return &Connection{
		Handle:     handle,
		RemoteAddr: remoteAddr,
		host:       host,
		transport:  tr,
		logger:     logger,
		poll:       tick,
		state:      StateNew,
	}
}

// State returns the connection's current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Version returns the negotiated protocol version (0 before VersionChosen).
func (c *Connection) Version() protocol.Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

func (c *Connection) transition(to State) error {
	c.mu.Lock()
	from := c.state
	if !CanTransition(from, to) {
		c.mu.Unlock()
		return &TransitionError{Handle: c.Handle, From: from, To: to}
	}
	c.state = to
	c.mu.Unlock()
	logTransition(c.logger, c.Handle, from, to)
	return nil
}

// Stop asks the connection's transport to unblock promptly; used by the
// server supervisor during shutdown.
func (c *Connection) Stop() { c.transport.Stop() }

// Run drives the connection through its full lifecycle: handshake, the
// RUNNING loop, then teardown. It offers offerVersion as the server's
// ProtocolVersion and returns only once the connection has reached CLOSED.
func (c *Connection) Run(offerVersion protocol.Version) {
	c.host.AuditRecord(c.Handle, c.RemoteAddr, 0, "accepted", "")

	if err := c.handshake(offerVersion); err != nil {
		c.logger.Warnf("connection %s: handshake failed: %v", c.Handle, err)
		c.host.AuditRecord(c.Handle, c.RemoteAddr, int(c.Version()), "error", err.Error())
	} else {
		c.runLoop()
	}

	c.teardown()
}

func (c *Connection) handshake(offerVersion protocol.Version) error {
	if err := c.negotiateVersion(offerVersion); err != nil {
		return err
	}
	if err := c.transition(VersionChosen); err != nil {
		return err
	}
	c.host.AuditRecord(c.Handle, c.RemoteAddr, int(c.version), "version_chosen", "")

	if err := c.negotiateSecurity(); err != nil {
		return err
	}
	if err := c.transition(Authed); err != nil {
		return err
	}
	c.host.AuditRecord(c.Handle, c.RemoteAddr, int(c.version), "authed", "")

	shared, err := protocol.RecvClientInit(c.transport, handshakeTimeout)
	if err != nil {
		return &rfberr.TransportError{Op: "ClientInit", Err: err}
	}
	// The shared flag is read but never acted on — non-shared connections
	// do not evict others.
	c.shared = shared
	if err := c.transition(Inited); err != nil {
		return err
	}
	c.host.AuditRecord(c.Handle, c.RemoteAddr, int(c.version), "inited", "")

	if err := c.sendServerInitAndAllocate(); err != nil {
		return err
	}
	if err := c.transition(Running); err != nil {
		return err
	}
	c.host.AuditRecord(c.Handle, c.RemoteAddr, int(c.version), "running", "")
	return nil
}

func (c *Connection) negotiateVersion(offer protocol.Version) error {
	if err := protocol.SendVersion(c.transport, offer, handshakeTimeout); err != nil {
		return err
	}
	replied, err := protocol.RecvVersion(c.transport, handshakeTimeout)
	if err != nil {
		return err
	}
	c.version = protocol.NegotiateVersion(offer, replied)
	return nil
}

func (c *Connection) negotiateSecurity() error {
	switch c.version {
	case protocol.V3:
		return protocol.SendSecurityTypeV3(c.transport, protocol.SecurityNone, "", handshakeTimeout)
	default: // V7, V8
		if err := protocol.SendSecurityTypesV78(c.transport, handshakeTimeout); err != nil {
			return err
		}
		choice, err := protocol.RecvSecurityChoice(c.transport, handshakeTimeout)
		if err != nil {
			return err
		}
		if choice != protocol.SecurityNone {
			if c.version == protocol.V8 {
				protocol.SendSecurityResultV8(c.transport, false, "unsupported security type", handshakeTimeout)
			}
			return &rfberr.ProtocolError{Reason: "unsupported security type"}
		}
		if c.version == protocol.V8 {
			return protocol.SendSecurityResultV8(c.transport, true, "", handshakeTimeout)
		}
		return nil
	}
}

func (c *Connection) sendServerInitAndAllocate() error {
	format := c.host.CanonicalFormat()
	width, height := c.host.CanonicalSize()
	si := protocol.ServerInit{Width: uint16(width), Height: uint16(height), Format: format, Name: "trfb"}
	if err := protocol.SendServerInit(c.transport, si, handshakeTimeout); err != nil {
		return err
	}
	fb, err := framebuffer.NewOfFormat(width, height, format)
	if err != nil {
		return &rfberr.ResourceError{Op: "sendServerInitAndAllocate", Reason: err.Error()}
	}
	c.clientFB = fb
	c.encodings = []int32{protocol.EncodingRaw}
	return nil
}

// runLoop services the RUNNING state's two concerns: consuming input
// messages and, whenever a request is outstanding and new data is ready,
// emitting a FramebufferUpdate. It returns once an error, a malformed
// message, or a stop signal ends the connection.
func (c *Connection) runLoop() {
	for c.State() == Running {
		if c.host.Stopped() {
			return
		}
		typ, err := c.transport.GetByte(c.poll)
		if err != nil {
			if err == transport.ErrTimeout {
				if sendErr := c.maybeSendUpdate(); sendErr != nil {
					c.logger.Warnf("connection %s: update failed: %v", c.Handle, sendErr)
					return
				}
				continue
			}
			c.logger.Infof("connection %s: transport closed: %v", c.Handle, err)
			return
		}
		if err := c.dispatch(typ); err != nil {
			c.logger.Warnf("connection %s: protocol error: %v", c.Handle, err)
			return
		}
		if err := c.maybeSendUpdate(); err != nil {
			c.logger.Warnf("connection %s: update failed: %v", c.Handle, err)
			return
		}
	}
}

func (c *Connection) dispatch(typ byte) error {
	switch typ {
	case protocol.MsgSetPixelFormat:
		spf, err := protocol.RecvSetPixelFormat(c.transport, ioTimeout)
		if err != nil {
			return err
		}
		return c.applyPixelFormat(spf.Format)
	case protocol.MsgSetEncodings:
		se, err := protocol.RecvSetEncodings(c.transport, ioTimeout)
		if err != nil {
			return err
		}
		c.encodings = ensureRaw(se.Encodings)
		return nil
	case protocol.MsgFramebufferUpdateRequest:
		req, err := protocol.RecvFramebufferUpdateRequest(c.transport, ioTimeout)
		if err != nil {
			return err
		}
		c.pending = &req
		return nil
	case protocol.MsgKeyEvent:
		ke, err := protocol.RecvKeyEvent(c.transport, ioTimeout)
		if err != nil {
			return err
		}
		c.host.PushEvent(event.NewKey(ke.Down, ke.Keysym))
		return nil
	case protocol.MsgPointerEvent:
		pe, err := protocol.RecvPointerEvent(c.transport, ioTimeout)
		if err != nil {
			return err
		}
		c.host.PushEvent(event.NewPointer(pe.ButtonMask, pe.X, pe.Y))
		return nil
	case protocol.MsgClientCutText:
		ct, err := protocol.RecvClientCutText(c.transport, ioTimeout)
		if err != nil {
			return err
		}
		c.host.PushEvent(event.NewCutText(ct.Text))
		return nil
	default:
		return &rfberr.ProtocolError{Reason: "unrecognized message type"}
	}
}

// ensureRaw guarantees Raw stays in the encoding preference list even if
// the client didn't mention it; this server always supports Raw.
func ensureRaw(encodings []int32) []int32 {
	for _, e := range encodings {
		if e == protocol.EncodingRaw {
			return encodings
		}
	}
	return append(encodings, protocol.EncodingRaw)
}

// applyPixelFormat reconfigures the client-local framebuffer for a new
// requested format, reallocating only when the format actually changed.
func (c *Connection) applyPixelFormat(f framebuffer.Format) error {
	if c.clientFB != nil && c.clientFB.Format() == f {
		return nil
	}
	width, height := c.host.CanonicalSize()
	fb, err := framebuffer.NewOfFormat(width, height, f)
	if err != nil {
		return &rfberr.ResourceError{Op: "applyPixelFormat", Reason: err.Error()}
	}
	c.clientFB = fb
	// The next update must be computed against the new format; forget
	// what we last sent so an incremental request isn't deferred against
	// a counter value observed under the old format.
	c.lastSent = 0
	return nil
}

// maybeSendUpdate computes and emits a FramebufferUpdate if a request is
// outstanding and, for incremental requests, the server's updated counter
// has advanced since the last value this connection observed.
func (c *Connection) maybeSendUpdate() error {
	if c.pending == nil {
		return nil
	}
	req := c.pending
	if req.Incremental && c.host.Updated() <= c.lastSent {
		return nil
	}

	counter, err := c.host.SnapshotCanonical(c.clientFB)
	if err != nil {
		return &rfberr.ResourceError{Op: "maybeSendUpdate", Reason: err.Error()}
	}

	data, err := c.clientFB.RectBytes(int(req.X), int(req.Y), int(req.W), int(req.H))
	if err != nil {
		return err
	}
	rect := protocol.Rectangle{X: req.X, Y: req.Y, W: req.W, H: req.H, Encoding: protocol.EncodingRaw, Data: data}
	if err := protocol.SendFramebufferUpdate(c.transport, rect, ioTimeout); err != nil {
		return err
	}
	c.lastSent = counter
	c.pending = nil
	return nil
}

func (c *Connection) teardown() {
	cur := c.State()
	if cur != Closing && cur != Closed {
		if err := c.transition(Closing); err != nil {
			c.logger.Warnf("connection %s: %v", c.Handle, err)
		}
	}
	c.transport.Close()
	if c.State() != Closed {
		if err := c.transition(Closed); err != nil {
			c.logger.Warnf("connection %s: %v", c.Handle, err)
		}
	}
	c.host.AuditRecord(c.Handle, c.RemoteAddr, int(c.Version()), "closed", "")
}
