package trfb

import (
	"github.com/kestrelvnc/trfb/internal/rfberr"
	"github.com/kestrelvnc/trfb/internal/transport"
)

// Error kinds a host can match against with errors.As: a small per-kind
// error-struct family rather than bare fmt.Errorf strings.
type (
	TransportError = rfberr.TransportError
	ProtocolError  = rfberr.ProtocolError
	ResourceError  = rfberr.ResourceError
	HostStateError = rfberr.StateError
)

// ErrTimeout is the sentinel a blocking transport operation returns when
// its budget elapses; it is not itself a TransportError and should be
// checked with errors.Is.
var ErrTimeout = transport.ErrTimeout
