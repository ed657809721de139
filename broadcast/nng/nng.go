// Package nng implements broadcast.Transport over nanomsg-next-gen (NNG)
// PUB/SUB sockets via go.nanomsg.org/mangos/v3 — named per DESIGN.md as
// an out-of-pack dependency since no example repo imports an NNG binding,
// but required because spec.md lists NNG as a first-class protocol.
package nng

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pub"
	"go.nanomsg.org/mangos/v3/protocol/sub"
	_ "go.nanomsg.org/mangos/v3/transport/tcp"
	"go.uber.org/zap"

	"github.com/matrixspace/fabric/broadcast"
	"github.com/matrixspace/fabric/ferrors"
	"github.com/matrixspace/fabric/hooks"
	"github.com/matrixspace/fabric/locator"
)

const maxFrame = 16 * 1024 * 1024
const recvTimeout = time.Second

type clientEntry struct {
	handler func(broadcast.ByteDataWithTopic)
	hook    hooks.WireToUserHook
}

type subscription struct {
	sock mangos.Socket
	mu   sync.Mutex
	noFilter []clientEntry
	exact    []struct {
		topic string
		cb    clientEntry
	}
	regex []struct {
		re *regexp.Regexp
		cb clientEntry
	}
	stop   chan struct{}
	done   chan struct{}
	logger *zap.Logger
}

func newSubscription(loc locator.ConnectionLocator, logger *zap.Logger) (*subscription, error) {
	sock, err := sub.NewSocket()
	if err != nil {
		return nil, &ferrors.Error{Kind: ferrors.TransportError, Op: "nng.newSubscription", Err: err}
	}
	if err := sock.SetOption(mangos.OptionRecvDeadline, recvTimeout); err != nil {
		sock.Close()
		return nil, &ferrors.Error{Kind: ferrors.TransportError, Op: "nng.newSubscription", Err: err}
	}
	if err := sock.SetOption(mangos.OptionSubscribe, []byte("")); err != nil {
		sock.Close()
		return nil, &ferrors.Error{Kind: ferrors.TransportError, Op: "nng.newSubscription", Err: err}
	}
	if err := sock.Dial("tcp://" + loc.Address()); err != nil {
		sock.Close()
		return nil, &ferrors.Error{Kind: ferrors.TransportError, Op: "nng.newSubscription", Err: err}
	}
	s := &subscription{sock: sock, stop: make(chan struct{}), done: make(chan struct{}), logger: logger}
	go s.run()
	return s, nil
}

func (s *subscription) run() {
	defer close(s.done)
	defer s.sock.Close()
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		msg, err := s.sock.Recv()
		if err != nil {
			continue
		}
		if len(msg) > maxFrame {
			s.logger.Warn("nng: dropping oversize frame", zap.Int("size", len(msg)))
			continue
		}
		var data broadcast.ByteDataWithTopic
		if err := cbor.Unmarshal(msg, &data); err != nil {
			s.logger.Warn("nng: dropping undecodable frame", zap.Error(err))
			continue
		}
		s.deliver(data)
	}
}

func (s *subscription) deliver(data broadcast.ByteDataWithTopic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.noFilter {
		deliverOne(c, data)
	}
	for _, f := range s.exact {
		if f.topic == data.Topic {
			deliverOne(f.cb, data)
		}
	}
	for _, f := range s.regex {
		if f.re.MatchString(data.Topic) {
			deliverOne(f.cb, data)
		}
	}
}

func deliverOne(c clientEntry, data broadcast.ByteDataWithTopic) {
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

func (s *subscription) addSubscription(filter broadcast.TopicFilter, cb clientEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch filter.Kind {
	case broadcast.FilterNone:
		s.noFilter = append(s.noFilter, cb)
	case broadcast.FilterExact:
		s.exact = append(s.exact, struct {
			topic string
			cb    clientEntry
		}{filter.Exact, cb})
	case broadcast.FilterRegex:
		s.regex = append(s.regex, struct {
			re *regexp.Regexp
			cb clientEntry
		}{filter.Regex, cb})
	}
}

func (s *subscription) close() {
	close(s.stop)
	<-s.done
}

type sender struct {
	sock mangos.Socket
}

func newSender(port int, logger *zap.Logger) (*sender, error) {
	sock, err := pub.NewSocket()
	if err != nil {
		return nil, &ferrors.Error{Kind: ferrors.TransportError, Op: "nng.newSender", Err: err}
	}
	addr := locator.ConnectionLocator{Host: "0.0.0.0", Port: port}.Address()
	if err := sock.Listen("tcp://" + addr); err != nil {
		sock.Close()
		return nil, &ferrors.Error{Kind: ferrors.TransportError, Op: "nng.newSender", Err: err}
	}
	return &sender{sock: sock}, nil
}

func (s *sender) publish(data broadcast.ByteDataWithTopic) error {
	enc, err := cbor.Marshal(data)
	if err != nil {
		return &ferrors.Error{Kind: ferrors.DecodeError, Op: "nng.publish", Err: err}
	}
	return s.sock.Send(enc)
}

func (s *sender) close() { s.sock.Close() }

// Transport implements broadcast.Transport over NNG.
type Transport struct {
	mu            sync.Mutex
	subscriptions map[string]*subscription
	senders       map[int]*sender
	logger        *zap.Logger
}

// New creates an NNG broadcast transport. logger may be nil.
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
	sub.addSubscription(filter, clientEntry{handler: handler, hook: wireToUser})
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
		return snd.publish(data)
	}, nil
}

// Close stops every owned subscription and sender.
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
