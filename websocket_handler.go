package trfb

import (
	"net/http"

	"github.com/kestrelvnc/trfb/internal/wsbridge"
)

// WebSocketHandler returns an http.Handler that upgrades incoming requests
// to WebSocket and adopts each connection exactly like a raw TCP accept,
// so browser-based clients (noVNC and similar) can speak RFB over HTTP(S)
// without a separate TCP listener.
func (s *Server) WebSocketHandler() http.Handler {
	return wsbridge.Handler(s.adopt)
}
