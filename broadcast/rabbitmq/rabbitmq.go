// Package rabbitmq implements broadcast.Transport over a RabbitMQ topic
// exchange, grounded on github.com/rabbitmq/amqp091-go the way
// other_examples/…proyuen-go-mall's pkg/mq/rabbitmq.go wraps it: a
// reconnect loop with exponential backoff between defaultReconnectDelay
// and maxReconnectDelay.
package rabbitmq

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/matrixspace/fabric/broadcast"
	"github.com/matrixspace/fabric/ferrors"
	"github.com/matrixspace/fabric/hooks"
	"github.com/matrixspace/fabric/locator"
)

const (
	defaultReconnectDelay = 1 * time.Second
	maxReconnectDelay     = 30 * time.Second
	exchangeKind          = "topic"
)

func exchangeName(loc locator.ConnectionLocator) string {
	if loc.Identifier != "" {
		return loc.Identifier
	}
	return "fabric.broadcast"
}

type clientEntry struct {
	handler func(broadcast.ByteDataWithTopic)
	hook    hooks.WireToUserHook
}

// endpoint owns one AMQP connection/channel pair per (host, port),
// reconnecting with exponential backoff on disconnect.
type endpoint struct {
	url    string
	mu     sync.Mutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	noFilter []clientEntry
	exact    []struct {
		topic string
		cb    clientEntry
	}
	regex []struct {
		re *regexp.Regexp
		cb clientEntry
	}
	cancel context.CancelFunc
	done   chan struct{}
	logger *zap.Logger
}

func newEndpoint(loc locator.ConnectionLocator, logger *zap.Logger) *endpoint {
	url := "amqp://" + loc.Address() + "/"
	if loc.Username != "" {
		url = "amqp://" + loc.Username + ":" + loc.Password + "@" + loc.Address() + "/"
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &endpoint{url: url, cancel: cancel, done: make(chan struct{}), logger: logger}
	go e.run(ctx, loc)
	return e
}

func (e *endpoint) run(ctx context.Context, loc locator.ConnectionLocator) {
	defer close(e.done)
	delay := defaultReconnectDelay
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		conn, err := amqp.Dial(e.url)
		if err != nil {
			e.logger.Warn("rabbitmq: dial failed, backing off", zap.Duration("delay", delay), zap.Error(err))
			if !sleepOrDone(ctx, delay) {
				return
			}
			delay = nextDelay(delay)
			continue
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			if !sleepOrDone(ctx, delay) {
				return
			}
			delay = nextDelay(delay)
			continue
		}
		if err := ch.ExchangeDeclare(exchangeName(loc), exchangeKind, true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			if !sleepOrDone(ctx, delay) {
				return
			}
			delay = nextDelay(delay)
			continue
		}

		e.mu.Lock()
		e.conn, e.ch = conn, ch
		e.mu.Unlock()
		delay = defaultReconnectDelay

		q, err := ch.QueueDeclare("", false, true, true, false, nil)
		if err == nil {
			ch.QueueBind(q.Name, "#", exchangeName(loc), false, nil)
			msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
			if err == nil {
				e.consume(ctx, msgs)
			}
		}

		closeErr := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-ctx.Done():
			ch.Close()
			conn.Close()
			return
		case <-closeErr:
			e.logger.Warn("rabbitmq: connection closed, reconnecting")
		}
	}
}

func (e *endpoint) consume(ctx context.Context, msgs <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				return
			}
			var data broadcast.ByteDataWithTopic
			if err := cbor.Unmarshal(d.Body, &data); err != nil {
				e.logger.Warn("rabbitmq: dropping undecodable message", zap.Error(err))
				continue
			}
			e.deliver(data)
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func nextDelay(d time.Duration) time.Duration {
	d *= 2
	if d > maxReconnectDelay {
		return maxReconnectDelay
	}
	return d
}

func (e *endpoint) deliver(data broadcast.ByteDataWithTopic) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.noFilter {
		deliverOne(c, data)
	}
	for _, f := range e.exact {
		if f.topic == data.Topic {
			deliverOne(f.cb, data)
		}
	}
	for _, f := range e.regex {
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

func (e *endpoint) addSubscription(filter broadcast.TopicFilter, cb clientEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch filter.Kind {
	case broadcast.FilterNone:
		e.noFilter = append(e.noFilter, cb)
	case broadcast.FilterExact:
		e.exact = append(e.exact, struct {
			topic string
			cb    clientEntry
		}{filter.Exact, cb})
	case broadcast.FilterRegex:
		e.regex = append(e.regex, struct {
			re *regexp.Regexp
			cb clientEntry
		}{filter.Regex, cb})
	}
}

func (e *endpoint) publish(ctx context.Context, exch string, data broadcast.ByteDataWithTopic) error {
	enc, err := cbor.Marshal(data)
	if err != nil {
		return &ferrors.Error{Kind: ferrors.DecodeError, Op: "rabbitmq.publish", Err: err}
	}
	e.mu.Lock()
	ch := e.ch
	e.mu.Unlock()
	if ch == nil {
		return &ferrors.Error{Kind: ferrors.TransportError, Op: "rabbitmq.publish", Err: amqp.ErrClosed}
	}
	return ch.PublishWithContext(ctx, exch, data.Topic, false, false, amqp.Publishing{
		ContentType: "application/cbor",
		Body:        enc,
	})
}

func (e *endpoint) close() {
	e.cancel()
	<-e.done
	e.mu.Lock()
	if e.ch != nil {
		e.ch.Close()
	}
	if e.conn != nil {
		e.conn.Close()
	}
	e.mu.Unlock()
}

// Transport implements broadcast.Transport over RabbitMQ.
type Transport struct {
	mu        sync.Mutex
	endpoints map[string]*endpoint
	logger    *zap.Logger
}

// New creates a RabbitMQ broadcast transport. logger may be nil.
func New(logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{endpoints: make(map[string]*endpoint), logger: logger}
}

func (t *Transport) getOrStart(loc locator.ConnectionLocator) *endpoint {
	hp := loc.HostPort()
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.endpoints[hp.Key()]; ok {
		return e
	}
	e := newEndpoint(loc, t.logger)
	t.endpoints[hp.Key()] = e
	return e
}

// Subscribe implements broadcast.Transport.
func (t *Transport) Subscribe(_ context.Context, loc locator.ConnectionLocator, filter broadcast.TopicFilter,
	handler func(broadcast.ByteDataWithTopic), wireToUser hooks.WireToUserHook) error {
	e := t.getOrStart(loc)
	e.addSubscription(filter, clientEntry{handler: handler, hook: wireToUser})
	return nil
}

// Publisher implements broadcast.Transport.
func (t *Transport) Publisher(loc locator.ConnectionLocator, userToWire hooks.UserToWireHook) (func(broadcast.ByteDataWithTopic) error, error) {
	e := t.getOrStart(loc)
	exch := exchangeName(loc)
	return func(data broadcast.ByteDataWithTopic) error {
		if userToWire != nil {
			data.Content = userToWire(data.Content)
		}
		return e.publish(context.Background(), exch, data)
	}, nil
}

// Close closes every owned endpoint.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.endpoints {
		e.close()
	}
	return nil
}
