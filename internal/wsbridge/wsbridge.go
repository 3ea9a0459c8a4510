// Package wsbridge tunnels the RFB byte stream inside WebSocket binary
// frames so browser clients (noVNC and similar) that cannot open a raw TCP
// socket can still speak RFB. Conn implements transport.Transport so the
// session state machine is carrier-agnostic, reassembling a byte stream
// out of discrete binary frames on read and batching writes into frames
// on flush.
package wsbridge

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kestrelvnc/trfb/internal/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// tick bounds how long a single ReadMessage/WriteMessage call may block,
// the same cancellation discipline transport.Conn uses over raw sockets.
const tick = 500 * time.Millisecond

// Conn adapts a *websocket.Conn to transport.Transport.
type Conn struct {
	ws *websocket.Conn

	mu      sync.Mutex
	pending []byte
	wbuf    []byte
	sticky  error

	stopped atomic.Bool
}

// NewConn wraps an already-upgraded websocket connection.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Handler upgrades incoming HTTP requests to WebSocket and hands the
// resulting Conn to onAccept, mirroring how Server.adopt handles a raw
// net.Conn from the TCP accept loop.
func Handler(onAccept func(tr transport.Transport, remoteAddr string)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewConn(ws)
		onAccept(c, c.RemoteAddr())
	})
}

func (c *Conn) Stop() { c.stopped.Store(true) }

// RemoteAddr returns the peer address of the underlying TCP connection.
func (c *Conn) RemoteAddr() string {
	if c.ws.UnderlyingConn() == nil || c.ws.UnderlyingConn().RemoteAddr() == nil {
		return ""
	}
	return c.ws.UnderlyingConn().RemoteAddr().String()
}

// Close flushes buffered writes on a best-effort basis and closes the
// websocket connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.sticky == nil && len(c.wbuf) > 0 {
		c.rawFlush(tick)
	}
	c.mu.Unlock()
	return c.ws.Close()
}

func deadlineBudget(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

// fill blocks for at most one frame, reassembling the byte stream from
// binary frames and discarding any control/text frames. Caller holds mu.
func (c *Conn) fill(deadline time.Time) error {
	for {
		if c.stopped.Load() {
			return transport.ErrTimeout
		}
		sub := time.Now().Add(tick)
		if !deadline.IsZero() && deadline.Before(sub) {
			sub = deadline
		}
		c.ws.SetReadDeadline(sub)
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if !deadline.IsZero() && !time.Now().Before(deadline) {
					return transport.ErrTimeout
				}
				continue
			}
			return err
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		c.pending = append(c.pending, data...)
		return nil
	}
}

// Read fills p, reassembling frames as needed.
func (c *Conn) Read(p []byte, timeout time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sticky != nil {
		return 0, c.sticky
	}
	deadline := deadlineBudget(timeout)
	total := 0
	for total < len(p) {
		if len(c.pending) > 0 {
			n := copy(p[total:], c.pending)
			c.pending = c.pending[n:]
			total += n
			continue
		}
		if err := c.fill(deadline); err != nil {
			if err != transport.ErrTimeout {
				c.sticky = err
			}
			return total, err
		}
	}
	return total, nil
}

// GetByte is the fast-path single-byte read.
func (c *Conn) GetByte(timeout time.Duration) (byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sticky != nil {
		return 0, c.sticky
	}
	if len(c.pending) > 0 {
		b := c.pending[0]
		c.pending = c.pending[1:]
		return b, nil
	}
	deadline := deadlineBudget(timeout)
	if err := c.fill(deadline); err != nil {
		if err != transport.ErrTimeout {
			c.sticky = err
		}
		return 0, err
	}
	b := c.pending[0]
	c.pending = c.pending[1:]
	return b, nil
}

// Write buffers p; it is sent as a single binary frame on the next Flush.
func (c *Conn) Write(p []byte, timeout time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sticky != nil {
		return 0, c.sticky
	}
	c.wbuf = append(c.wbuf, p...)
	return len(p), nil
}

// PutByte buffers a single byte.
func (c *Conn) PutByte(b byte, timeout time.Duration) error {
	_, err := c.Write([]byte{b}, timeout)
	return err
}

func (c *Conn) rawFlush(timeout time.Duration) error {
	if len(c.wbuf) == 0 {
		return nil
	}
	c.ws.SetWriteDeadline(deadlineBudget(timeout))
	err := c.ws.WriteMessage(websocket.BinaryMessage, c.wbuf)
	c.wbuf = c.wbuf[:0]
	if err != nil {
		c.sticky = err
	}
	return err
}

// Flush sends any buffered bytes as a single binary frame.
func (c *Conn) Flush(timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sticky != nil {
		return c.sticky
	}
	return c.rawFlush(timeout)
}
