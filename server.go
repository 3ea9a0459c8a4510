// Package trfb is an embeddable server implementing the RFB (VNC) wire
// protocol: the host owns a canonical framebuffer and polls input events,
// while the server negotiates protocol version and pixel format with each
// connecting client, streams Raw-encoded framebuffer updates, and forwards
// keyboard/pointer/clipboard events.
//
// The accept loop, connection registry and lifecycle state word follow a
// map-backed registry with a cleanup-loop shutdown pattern, generalized
// from HTTP session objects to RFB connections.
package trfb

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/kestrelvnc/trfb/config"
	"github.com/kestrelvnc/trfb/event"
	"github.com/kestrelvnc/trfb/framebuffer"
	"github.com/kestrelvnc/trfb/internal/audit"
	"github.com/kestrelvnc/trfb/internal/diagnostics"
	"github.com/kestrelvnc/trfb/internal/logging"
	"github.com/kestrelvnc/trfb/internal/protocol"
	"github.com/kestrelvnc/trfb/internal/queue"
	"github.com/kestrelvnc/trfb/internal/rfberr"
	"github.com/kestrelvnc/trfb/internal/session"
	"github.com/kestrelvnc/trfb/internal/transport"
)

// Config is the root package's alias for config.Config, so hosts that only
// import "trfb" don't also need to import the config package by name.
type Config = config.Config

// State is the server's lifecycle state word: a bit-or of StateWorking,
// StateStop and StateError. The zero value, StateStopped, means not yet
// started or fully stopped.
type State uint32

const (
	StateStopped State = 0
	StateWorking State = 1 << 0
	StateStop    State = 1 << 1
	StateError   State = 1 << 2
)

// offerVersion is the ProtocolVersion this server always offers; clients
// may reply with a lower version and the connection proceeds at that
// version.
const offerVersion = protocol.V8

// Server owns the listening accept loop, the canonical framebuffer, the
// event queue and the registry of live connections.
type Server struct {
	mu          sync.Mutex
	cfg         Config
	canonical   *framebuffer.Framebuffer
	updated     atomic.Uint64
	queue       *queue.EventQueue
	connections map[string]*session.Connection
	logger      logging.Logger
	audit       *audit.Log
	limiter     *rate.Limiter

	listener net.Listener
	cancel   context.CancelFunc
	ctx      context.Context
	wg       sync.WaitGroup
	state    atomic.Uint32
	started  time.Time
}

// NewServer constructs a Server with a canonical framebuffer of the
// configured geometry and format. The audit log is opened (and its
// optional S3 exporter started) when cfg.AuditDBPath is set.
func NewServer(cfg Config) (*Server, error) {
	canonical, err := framebuffer.New(cfg.Width, cfg.Height, cfg.BPP)
	if err != nil {
		return nil, err
	}

	var auditLog *audit.Log
	if cfg.AuditDBPath != "" {
		auditLog, err = audit.Open(cfg.AuditDBPath)
		if err != nil {
			return nil, err
		}
		if cfg.AuditS3Bucket != "" {
			if err := auditLog.StartS3Export(cfg.AuditS3Bucket); err != nil {
				auditLog.Close()
				return nil, err
			}
		}
	}

	if cfg.AcceptRate <= 0 {
		cfg.AcceptRate = config.DefaultAcceptRate
	}
	if cfg.AcceptBurst <= 0 {
		cfg.AcceptBurst = config.DefaultAcceptBurst
	}
	if cfg.TickInterval <= 0 || cfg.TickInterval > time.Second {
		cfg.TickInterval = config.DefaultTickInterval
	}

	return &Server{
		cfg:         cfg,
		canonical:   canonical,
		queue:       queue.New(),
		connections: make(map[string]*session.Connection),
		logger:      logging.NewStderrLogger(),
		audit:       auditLog,
		limiter:     rate.NewLimiter(rate.Limit(cfg.AcceptRate), cfg.AcceptBurst),
		started:     time.Now(),
	}, nil
}

// SetLogger overrides the server's logging sink.
func (s *Server) SetLogger(l Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l == nil {
		l = logging.Nop{}
	}
	s.logger = l
}

func (s *Server) logf() logging.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logger
}

// State reports the server's current lifecycle state word.
func (s *Server) State() State {
	return State(s.state.Load())
}

// Start binds addr and runs Serve in a background goroutine.
func (s *Server) Start(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return &rfberr.TransportError{Op: "Start", Err: err}
	}
	go func() {
		if err := s.Serve(l); err != nil {
			s.logf().Errorf("serve: %v", err)
		}
	}()
	return nil
}

// Serve runs the accept loop over l until Stop is called or l.Accept
// fails. It blocks the calling goroutine.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if State(s.state.Load())&StateWorking != 0 {
		s.mu.Unlock()
		return &rfberr.StateError{From: "WORKING", To: "WORKING"}
	}
	s.listener = l
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.state.Store(uint32(StateWorking))
	s.mu.Unlock()

	// Keep the ERROR bit visible after the loop exits on a listener
	// failure; everything else resets to STOPPED.
	defer func() {
		s.state.Store(s.state.Load() & uint32(StateError))
	}()

	for {
		if err := s.limiter.Wait(s.ctx); err != nil {
			return nil
		}
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil
			default:
			}
			s.state.Store(s.state.Load() | uint32(StateError))
			return &rfberr.TransportError{Op: "Accept", Err: err}
		}
		s.adopt(transport.NewConnTick(conn, s.cfg.TickInterval), conn.RemoteAddr().String())
	}
}

// adopt registers a freshly accepted transport as a Connection and runs
// its handshake/loop in its own goroutine.
func (s *Server) adopt(tr transport.Transport, remoteAddr string) {
	handle := uuid.New().String()
	conn := session.New(handle, remoteAddr, s, tr, s.logf(), s.cfg.TickInterval)

	s.mu.Lock()
	s.connections[handle] = conn
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		conn.Run(offerVersion)
		s.mu.Lock()
		delete(s.connections, handle)
		s.mu.Unlock()
	}()
}

// Stop signals every live connection and the accept loop to halt, waits
// for all worker goroutines to join, then drains the event queue. It
// returns once every resource has been freed, bounded by one transport
// tick per connection.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.state.Store(s.state.Load() | uint32(StateStop))
	l := s.listener
	conns := make([]*session.Connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if l != nil {
		l.Close()
	}
	for _, c := range conns {
		c.Stop()
	}
	s.wg.Wait()

	for {
		if _, ok := s.queue.Poll(); !ok {
			break
		}
	}

	if s.audit != nil {
		s.audit.Close()
	}

	s.state.Store(uint32(StateStopped))
}

// LockFB acquires the canonical framebuffer's lock for the host. write is
// informational for symmetry with UnlockFB; locking is always exclusive,
// since each connection snapshots into its own per-client copy.
func (s *Server) LockFB(write bool) *framebuffer.Framebuffer {
	s.canonical.Lock()
	return s.canonical
}

// UnlockFB releases the canonical framebuffer's lock. When write is true,
// it also advances the updated counter, signaling every connection to
// re-snapshot on its next incremental request.
func (s *Server) UnlockFB(write bool) {
	s.canonical.Unlock()
	if write {
		s.updated.Add(1)
	}
}

// PollEvent returns the next queued input event, or (zero, false) if the
// queue is empty.
func (s *Server) PollEvent() (event.Event, bool) {
	return s.queue.Poll()
}

// Updated returns the current value of the monotonic updated counter.
func (s *Server) Updated() uint64 {
	return s.updated.Load()
}

// --- session.Host ---

func (s *Server) CanonicalFormat() framebuffer.Format { return s.canonical.Format() }

func (s *Server) CanonicalSize() (int, int) {
	return s.canonical.Width(), s.canonical.Height()
}

func (s *Server) SnapshotCanonical(dst *framebuffer.Framebuffer) (uint64, error) {
	if err := framebuffer.Convert(dst, s.canonical); err != nil {
		return 0, err
	}
	return s.updated.Load(), nil
}

func (s *Server) PushEvent(e event.Event) { s.queue.Add(e) }

func (s *Server) AuditRecord(handle, remoteAddr string, version int, evt, detail string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(handle, remoteAddr, version, evt, detail); err != nil {
		s.logf().Warnf("audit: %v", err)
	}
}

func (s *Server) Stopped() bool {
	return State(s.state.Load())&StateStop != 0
}

// connectionSnapshot is used by the diagnostics surface; it avoids
// exporting *session.Connection directly from the public API.
type connectionSnapshot struct {
	Handle     string
	RemoteAddr string
	State      string
	Version    int
}

func (s *Server) snapshotConnections() []connectionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]connectionSnapshot, 0, len(s.connections))
	for _, c := range s.connections {
		out = append(out, connectionSnapshot{
			Handle:     c.Handle,
			RemoteAddr: c.RemoteAddr,
			State:      c.State().String(),
			Version:    int(c.Version()),
		})
	}
	return out
}

// diagSource adapts Server to diagnostics.Source, keeping the diagnostics
// package ignorant of session.Connection and queue.EventQueue.
type diagSource struct{ s *Server }

func (d diagSource) State() uint32 { return uint32(d.s.State()) }

func (d diagSource) Connections() []diagnostics.ConnectionInfo {
	snaps := d.s.snapshotConnections()
	out := make([]diagnostics.ConnectionInfo, len(snaps))
	for i, c := range snaps {
		out[i] = diagnostics.ConnectionInfo{
			Handle:     c.Handle,
			RemoteAddr: c.RemoteAddr,
			State:      c.State,
			Version:    c.Version,
		}
	}
	return out
}

func (d diagSource) QueueLen() int   { return d.s.queue.Len() }
func (d diagSource) Updated() uint64 { return d.s.Updated() }

// Diagnostics returns a point-in-time snapshot of the server's state:
// connection registry, event-queue depth, updated counter, uptime and Go
// runtime stats.
func (s *Server) Diagnostics() *diagnostics.Bundle {
	return diagnostics.NewCollector(diagSource{s}, s.started).Collect()
}
