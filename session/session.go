// Package session defines the RPC session abstraction shared by every
// concrete transport (session/tcpsession, session/grpcsession,
// session/restsession). A Session is a single open connection to one
// remote locator carrying correlation-ID keyed requests and replies;
// a Dialer opens one given a connection type name and locator.
//
// Adapted from the teacher's transport.ClientTransport, generalized from a
// TCP-only multiplexed connection into an interface so facility.Facility
// can drive gRPC and JSON-REST sessions identically.
package session

import (
	"context"

	"github.com/matrixspace/fabric/hooks"
	"github.com/matrixspace/fabric/locator"
)

// Reply is one correlation-ID keyed response frame. Final marks the last
// reply for a given correlation ID (streaming responses may emit several
// before Final).
type Reply struct {
	CorrelationID uint64
	Payload       []byte
	Final         bool
}

// Session is one open RPC connection to a remote locator.
type Session interface {
	// Send issues a request under the given correlation ID. The reply (or
	// replies, if streaming) surface on Replies().
	Send(ctx context.Context, correlationID uint64, payload []byte) error
	// Replies is the channel of inbound replies for all correlation IDs
	// issued on this session.
	Replies() <-chan Reply
	// Done closes when the session has failed or been closed; a read from
	// it never blocks once the session is no longer usable.
	Done() <-chan struct{}
	// Close tears the session down, releasing its goroutines and socket.
	Close() error
}

// Dialer opens a Session to a locator over a named connection type
// ("tcp", "grpc", "rest"). hookPair may be nil, meaning raw bytes both
// directions.
type Dialer interface {
	Dial(ctx context.Context, connType string, loc locator.ConnectionLocator, hookPair *hooks.Pair) (Session, error)
}

// MultiDialer dispatches to one Dialer per connection type, analogous to
// broadcast.Multiplexer for RPC sessions instead of broadcast channels.
type MultiDialer struct {
	dialers map[string]Dialer
}

// NewMultiDialer builds a MultiDialer from a connType -> Dialer map.
func NewMultiDialer(dialers map[string]Dialer) *MultiDialer {
	return &MultiDialer{dialers: dialers}
}

func (m *MultiDialer) Dial(ctx context.Context, connType string, loc locator.ConnectionLocator, hookPair *hooks.Pair) (Session, error) {
	d, ok := m.dialers[connType]
	if !ok {
		return nil, &notFoundError{connType: connType}
	}
	return d.Dial(ctx, connType, loc, hookPair)
}

type notFoundError struct{ connType string }

func (e *notFoundError) Error() string { return "session: no dialer registered for " + e.connType }
