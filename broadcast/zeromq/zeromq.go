// Package zeromq implements broadcast.Transport over ZeroMQ PUB/SUB
// sockets, ported from the C++ ZeroMQComponent: one subscriber goroutine
// per (host, port) endpoint, one publisher goroutine per bound port, a
// fixed 16 MiB staging buffer, a 1-second receive timeout, and three
// ordered client filter lists (no-filter, exact, regex) walked in that
// order for every decoded frame.
package zeromq

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/fxamacker/cbor/v2"
	czmq "github.com/zeromq/goczmq/v4"
	"go.uber.org/zap"

	"github.com/matrixspace/fabric/broadcast"
	"github.com/matrixspace/fabric/ferrors"
	"github.com/matrixspace/fabric/hooks"
	"github.com/matrixspace/fabric/locator"
)

// stagingBufferSize is the fixed receive buffer size; frames larger than
// this are silently dropped (logged at Warn), per the open question
// preserved from the original component.
const stagingBufferSize = 16 * 1024 * 1024

const recvTimeoutMillis = 1000

type clientCB struct {
	handler func(broadcast.ByteDataWithTopic)
	hook    hooks.WireToUserHook
}

// subscription owns one SUB socket's goroutine and its three ordered
// filter lists, serving every client subscribed to this (host, port).
type subscription struct {
	mu              sync.Mutex
	noFilter        []clientCB
	exactClients    []struct {
		topic string
		cb    clientCB
	}
	regexClients []struct {
		re *regexp.Regexp
		cb clientCB
	}
	stop   chan struct{}
	done   chan struct{}
	logger *zap.Logger
}

func newSubscription(loc locator.ConnectionLocator, logger *zap.Logger) (*subscription, error) {
	sub, err := czmq.NewSub(fmt.Sprintf("tcp://%s:%d", loc.Host, loc.Port), "")
	if err != nil {
		return nil, &ferrors.Error{Kind: ferrors.TransportError, Op: "zeromq.newSubscription", Err: err}
	}
	sub.SetRcvtimeo(recvTimeoutMillis)
	s := &subscription{
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
	go s.run(sub)
	return s, nil
}

func (s *subscription) run(sock *czmq.Sock) {
	defer close(s.done)
	defer sock.Destroy()
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		frames, err := sock.RecvMessage()
		if err != nil {
			// includes the RCVTIMEO deadline expiring, so the stop
			// channel gets polled at least once per recvTimeoutMillis
			continue
		}
		for _, frame := range frames {
			if len(frame) > stagingBufferSize {
				s.logger.Warn("zeromq: dropping oversize frame", zap.Int("size", len(frame)))
				continue
			}
			var data broadcast.ByteDataWithTopic
			if rest, err := decodeCBORStrict(frame, &data); err != nil || rest != 0 {
				s.logger.Warn("zeromq: dropping undecodable frame", zap.Error(err))
				continue
			}
			s.deliver(data)
		}
	}
}

// decodeCBORStrict decodes a single CBOR value and reports the number of
// trailing bytes left over; a frame with trailing bytes is rejected, per
// spec §6 ("Frames with trailing bytes or decode errors are dropped").
func decodeCBORStrict(frame []byte, out *broadcast.ByteDataWithTopic) (trailing int, err error) {
	dec := cbor.NewDecoder(bytes.NewReader(frame))
	if err := dec.Decode(out); err != nil {
		return 0, err
	}
	return len(frame) - dec.NumBytesRead(), nil
}

func (s *subscription) deliver(data broadcast.ByteDataWithTopic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.noFilter {
		s.call(c, data)
	}
	for _, f := range s.exactClients {
		if data.Topic == f.topic {
			s.call(f.cb, data)
		}
	}
	for _, f := range s.regexClients {
		if f.re.MatchString(data.Topic) {
			s.call(f.cb, data)
		}
	}
}

func (s *subscription) call(c clientCB, data broadcast.ByteDataWithTopic) {
	if c.hook != nil {
		content := c.hook(data.Content)
		if content == nil {
			return
		}
		c.handler(broadcast.ByteDataWithTopic{Topic: data.Topic, Content: content})
		return
	}
	c.handler(data)
}

func (s *subscription) addSubscription(filter broadcast.TopicFilter, cb clientCB) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch filter.Kind {
	case broadcast.FilterNone:
		s.noFilter = append(s.noFilter, cb)
	case broadcast.FilterExact:
		s.exactClients = append(s.exactClients, struct {
			topic string
			cb    clientCB
		}{filter.Exact, cb})
	case broadcast.FilterRegex:
		s.regexClients = append(s.regexClients, struct {
			re *regexp.Regexp
			cb clientCB
		}{filter.Regex, cb})
	}
}

func (s *subscription) close() {
	close(s.stop)
	<-s.done
}

// sender owns one PUB socket's goroutine, bound to tcp://*:<port>.
type sender struct {
	mu       sync.Mutex
	cond     *sync.Cond
	incoming []broadcast.ByteDataWithTopic
	stop     chan struct{}
	done     chan struct{}
	logger   *zap.Logger
}

func newSender(port int, logger *zap.Logger) (*sender, error) {
	sock, err := czmq.NewPub(fmt.Sprintf("tcp://*:%d", port))
	if err != nil {
		return nil, &ferrors.Error{Kind: ferrors.TransportError, Op: "zeromq.newSender", Err: err}
	}
	s := &sender{
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
	s.cond = sync.NewCond(&s.mu)
	go s.run(sock)
	return s, nil
}

func (s *sender) run(sock *czmq.Sock) {
	defer close(s.done)
	defer sock.Destroy()
	for {
		s.mu.Lock()
		for len(s.incoming) == 0 {
			select {
			case <-s.stop:
				s.mu.Unlock()
				return
			default:
			}
			s.cond.Wait()
		}
		batch := s.incoming
		s.incoming = nil
		s.mu.Unlock()

		for _, item := range batch {
			enc, err := cbor.Marshal(item)
			if err != nil {
				s.logger.Warn("zeromq: failed to encode outgoing frame", zap.Error(err))
				continue
			}
			if err := sock.SendFrame(enc, czmq.FlagNone); err != nil {
				s.logger.Warn("zeromq: send failed", zap.Error(err))
			}
		}
	}
}

func (s *sender) publish(data broadcast.ByteDataWithTopic) {
	s.mu.Lock()
	s.incoming = append(s.incoming, data)
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *sender) close() {
	s.mu.Lock()
	close(s.stop)
	s.mu.Unlock()
	s.cond.Signal()
	<-s.done
}

// Transport implements broadcast.Transport over ZeroMQ.
type Transport struct {
	mu            sync.Mutex
	subscriptions map[string]*subscription
	senders       map[int]*sender
	logger        *zap.Logger
}

// New creates a ZeroMQ broadcast transport. logger may be nil.
func New(logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		subscriptions: make(map[string]*subscription),
		senders:       make(map[int]*sender),
		logger:        logger,
	}
}

func (t *Transport) getOrStartSubscription(loc locator.ConnectionLocator) (*subscription, error) {
	hp := loc.HostPort()
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.subscriptions[hp.Key()]; ok {
		return s, nil
	}
	s, err := newSubscription(hp, t.logger)
	if err != nil {
		return nil, err
	}
	t.subscriptions[hp.Key()] = s
	return s, nil
}

func (t *Transport) getOrStartSender(loc locator.ConnectionLocator) (*sender, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.senders[loc.Port]; ok {
		return s, nil
	}
	s, err := newSender(loc.Port, t.logger)
	if err != nil {
		return nil, err
	}
	t.senders[loc.Port] = s
	return s, nil
}

// Subscribe implements broadcast.Transport.
func (t *Transport) Subscribe(_ context.Context, loc locator.ConnectionLocator, filter broadcast.TopicFilter,
	handler func(broadcast.ByteDataWithTopic), wireToUser hooks.WireToUserHook) error {
	sub, err := t.getOrStartSubscription(loc)
	if err != nil {
		return err
	}
	sub.addSubscription(filter, clientCB{handler: handler, hook: wireToUser})
	return nil
}

// Publisher implements broadcast.Transport.
func (t *Transport) Publisher(loc locator.ConnectionLocator, userToWire hooks.UserToWireHook) (func(broadcast.ByteDataWithTopic) error, error) {
	snd, err := t.getOrStartSender(loc)
	if err != nil {
		return nil, err
	}
	return func(data broadcast.ByteDataWithTopic) error {
		if userToWire != nil {
			data.Content = userToWire(data.Content)
		}
		snd.publish(data)
		return nil
	}, nil
}

// Close stops every owned subscription and sender goroutine.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.subscriptions {
		s.close()
	}
	for _, s := range t.senders {
		s.close()
	}
	return nil
}
