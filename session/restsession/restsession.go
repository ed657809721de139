// Package restsession adapts one-shot JSON REST calls into a
// session.Session/session.Dialer pair, so facility.Facility can dispatch
// over plain HTTP exactly as it does over TCP framing or gRPC.
//
// Grounded on original_source/tm_kit/transport/json_rest/JsonRESTClientFacility.hpp:
// every request there is a single POST (or GET, if the locator's
// "use_get" query property is "true") carrying a JSON body wrapped as
// {"request": ...} and returning exactly one JSON reply wrapped as
// {"response": ...} — no streaming, one callback per call, method and
// wrap behavior both driven by locator query properties. This module has
// no JSON schema type to encode against, so the request/response bodies
// are passed through as raw bytes already produced by the hook pair,
// matching this package's sibling session adapters.
//
// No pack repo pulls a dedicated REST client library as a direct
// dependency for exactly this shape of call (plain request/response over
// HTTP); stdlib net/http is used directly, matching how the rest of the
// pack's HTTP client code (Livepeer-FrameWorks-monorepo's api_* services)
// reaches for http.Client rather than a third-party wrapper.
package restsession

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/matrixspace/fabric/ferrors"
	"github.com/matrixspace/fabric/hooks"
	"github.com/matrixspace/fabric/locator"
	"github.com/matrixspace/fabric/session"
)

// Session issues one HTTP request per Send call against a fixed base
// locator; since JSON REST here is strictly one-shot request/response,
// Session never holds a persistent connection the way tcpsession and
// grpcsession do — the "session" is just the locator plus the HTTP client,
// and Done() never fires on its own (only Close sets it).
type Session struct {
	client   *http.Client
	baseLoc  locator.ConnectionLocator
	hookPair *hooks.Pair
	replies  chan session.Reply
	done     chan struct{}
	closeOnce sync.Once
	logger   *zap.Logger
}

func newSession(client *http.Client, loc locator.ConnectionLocator, hookPair *hooks.Pair, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		client:   client,
		baseLoc:  loc,
		hookPair: hookPair,
		replies:  make(chan session.Reply, 16),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

func (s *Session) method() string {
	if m := s.baseLoc.Properties["http_method"]; m != "" {
		return m
	}
	if s.baseLoc.Properties["use_get"] == "true" {
		return http.MethodGet
	}
	return http.MethodPost
}

func (s *Session) url() string {
	scheme := "http"
	if s.baseLoc.Properties["tls"] == "true" {
		scheme = "https"
	}
	u := scheme + "://" + s.baseLoc.Address()
	if s.baseLoc.Identifier != "" {
		u += "/" + s.baseLoc.Identifier
	}
	return u
}

// Send fires one HTTP request carrying payload (after the hook pair's
// UserToWire transform) and publishes one Reply, Final=true, whether the
// call succeeds or fails. A failed call's Reply has an empty Payload; the
// error itself is only logged and is not carried in the Reply. When the
// WireToUser hook returns nil for a response, no Reply is published.
func (s *Session) Send(ctx context.Context, correlationID uint64, payload []byte) error {
	if s.hookPair != nil && s.hookPair.UserToWire != nil {
		payload = s.hookPair.UserToWire(payload)
	}

	method := s.method()
	var body io.Reader
	if method != http.MethodGet {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.url(), body)
	if err != nil {
		return &ferrors.Error{Kind: ferrors.TransportError, Op: "restsession.Send", Err: err}
	}
	if method != http.MethodGet {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range s.baseLoc.Properties {
		const headerPrefix = "header/"
		if len(k) > len(headerPrefix) && k[:len(headerPrefix)] == headerPrefix {
			req.Header.Set(k[len(headerPrefix):], v)
		}
	}
	if tok := s.baseLoc.Properties["auth_token"]; tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	go func() {
		resp, err := s.client.Do(req)
		if err != nil {
			s.logger.Warn("restsession request failed", zap.Error(err))
			s.deliver(session.Reply{CorrelationID: correlationID, Final: true})
			return
		}
		defer resp.Body.Close()
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			s.logger.Warn("restsession failed reading response body", zap.Error(err))
			respBody = nil
		}
		if s.hookPair != nil && s.hookPair.WireToUser != nil {
			respBody = s.hookPair.WireToUser(respBody)
			if respBody == nil {
				return
			}
		}
		s.deliver(session.Reply{CorrelationID: correlationID, Payload: respBody, Final: true})
	}()
	return nil
}

func (s *Session) deliver(rep session.Reply) {
	select {
	case s.replies <- rep:
	case <-s.done:
	}
}

// Replies returns the channel of inbound replies, one per Send call.
func (s *Session) Replies() <-chan session.Reply { return s.replies }

// Done closes only once Close is called — a REST "session" holds no
// persistent connection that can fail out from under it.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close marks the session done; in-flight requests still deliver their
// replies (or are dropped once done is closed and nothing reads further).
func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Dialer constructs restsession.Session values sharing one *http.Client.
type Dialer struct {
	client *http.Client
	logger *zap.Logger
}

// NewDialer constructs a Dialer. A nil client defaults to http.DefaultClient;
// a nil logger defaults to a no-op logger.
func NewDialer(client *http.Client, logger *zap.Logger) *Dialer {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dialer{client: client, logger: logger}
}

// Dial returns a Session bound to loc; no network I/O happens until the
// first Send, since JSON REST has no persistent connection to establish.
func (d *Dialer) Dial(ctx context.Context, connType string, loc locator.ConnectionLocator, hookPair *hooks.Pair) (session.Session, error) {
	return newSession(d.client, loc, hookPair, d.logger), nil
}
