package tcpsession

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/matrixspace/fabric/ferrors"
	"github.com/matrixspace/fabric/wire"
)

// Handler answers one request envelope, returning the reply payload.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Middleware wraps a Handler, onion-style, exactly like the teacher's
// middleware.Middleware — adapted from middleware/middleware.go, generalized
// from message.RPCMessage to raw payload bytes since tcpsession has no
// service-method dispatch table (that concern belongs to the dataflow host,
// not the transport).
type Middleware func(next Handler) Handler

// Chain composes middlewares so the first in the list is the outermost
// layer, matching the teacher's onion-model Chain.
func Chain(mws ...Middleware) Middleware {
	return func(next Handler) Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// LoggingMiddleware logs each failed request at debug level; successful
// requests are not logged.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			reply, err := next(ctx, payload)
			if err != nil {
				logger.Debug("tcpsession: request failed", zap.Error(err))
			}
			return reply, err
		}
	}
}

// TimeoutMiddleware bounds request handling to timeout, adapted from the
// teacher's TimeOutMiddleware — the handler goroutine is not cancelled, only
// the caller's wait is bounded, matching the original's documented tradeoff.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			type result struct {
				reply []byte
				err   error
			}
			done := make(chan result, 1)
			go func() {
				reply, err := next(ctx, payload)
				done <- result{reply, err}
			}()
			select {
			case r := <-done:
				return r.reply, r.err
			case <-ctx.Done():
				return nil, &ferrors.Error{Kind: ferrors.TransportError, Op: "tcpsession.TimeoutMiddleware", Err: ctx.Err()}
			}
		}
	}
}

// RateLimitMiddleware throttles requests with a token bucket, adapted from
// the teacher's RateLimitMiddleware — the limiter is shared across all
// requests on the server, created once at middleware-construction time.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			if !limiter.Allow() {
				return nil, &ferrors.Error{Kind: ferrors.DispatchError, Op: "tcpsession.RateLimitMiddleware", Err: errRateLimited}
			}
			return next(ctx, payload)
		}
	}
}

type serverError string

func (e serverError) Error() string { return string(e) }

const errRateLimited = serverError("rate limit exceeded")

// Server accepts tcpsession connections and answers each request with a
// Handler wrapped in a middleware chain, adapted from the teacher's
// server.Server (minus its reflection-based service map: dispatch to the
// right business logic is the caller's Handler, not tcpsession's concern).
type Server struct {
	listener net.Listener
	handler  Handler
	wg       sync.WaitGroup
	shutdown atomic.Bool
	logger   *zap.Logger
}

// NewServer builds a Server that answers every request with chain(handler).
func NewServer(handler Handler, logger *zap.Logger, mws ...Middleware) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{handler: Chain(mws...)(handler), logger: logger}
}

// Serve listens on address and runs the accept loop until Shutdown is called.
func (s *Server) Serve(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return &ferrors.Error{Kind: ferrors.TransportError, Op: "tcpsession.Serve", Err: err}
	}
	s.listener = listener
	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return &ferrors.Error{Kind: ferrors.TransportError, Op: "tcpsession.Serve", Err: err}
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	var writeMu sync.Mutex
	for {
		header, body, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}
		if header.MsgType == wire.MsgHeartbeat {
			continue
		}
		go s.handleRequest(header, body, conn, &writeMu)
	}
}

func (s *Server) handleRequest(header wire.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	s.wg.Add(1)
	defer s.wg.Done()

	env, err := wire.DecodeEnvelope(body)
	if err != nil {
		s.logger.Warn("tcpsession: dropping undecodable request", zap.Error(err))
		return
	}

	reply, herr := s.handler(context.Background(), env.Payload)
	out := wire.Envelope{Payload: reply, Final: true}
	if herr != nil {
		out.Err = herr.Error()
	}

	replyBody, err := wire.EncodeEnvelope(out)
	if err != nil {
		s.logger.Warn("tcpsession: failed to encode reply", zap.Error(err))
		return
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	replyHeader := wire.Header{MsgType: wire.MsgReply, CorrelationID: header.CorrelationID, BodyLen: uint32(len(replyBody))}
	if err := wire.WriteFrame(conn, replyHeader, replyBody); err != nil {
		s.logger.Warn("tcpsession: failed to write reply", zap.Error(err))
	}
}

// Shutdown stops accepting new connections and waits up to timeout for
// in-flight requests to finish, matching the teacher's Server.Shutdown.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.shutdown.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return &ferrors.Error{Kind: ferrors.TransportError, Op: "tcpsession.Shutdown", Err: errShutdownTimeout}
	}
}

const errShutdownTimeout = serverError("timeout waiting for ongoing requests to finish")
