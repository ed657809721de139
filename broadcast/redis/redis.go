// Package redis implements broadcast.Transport over Redis PUBLISH/SUBSCRIBE,
// grounded on github.com/redis/go-redis/v9 the same way
// other_examples/…aceteam-ai-citadel-cli's heartbeat publisher and the
// Livepeer-FrameWorks-monorepo services use it.
package redis

import (
	"context"
	"regexp"
	"sync"

	"github.com/fxamacker/cbor/v2"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/matrixspace/fabric/broadcast"
	"github.com/matrixspace/fabric/ferrors"
	"github.com/matrixspace/fabric/hooks"
	"github.com/matrixspace/fabric/locator"
)

// channelName derives the Redis pub/sub channel name from a locator: its
// Identifier if present (e.g. redis://host:port/my-channel), else "host:port".
func channelName(loc locator.ConnectionLocator) string {
	if loc.Identifier != "" {
		return loc.Identifier
	}
	return loc.Address()
}

// endpoint owns one Redis connection plus one subscription goroutine,
// shared by every client subscribed to its (host, port).
type endpoint struct {
	rdb    *goredis.Client
	mu     sync.Mutex
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

type clientEntry struct {
	handler func(broadcast.ByteDataWithTopic)
	hook    hooks.WireToUserHook
}

func newEndpoint(loc locator.ConnectionLocator, logger *zap.Logger) *endpoint {
	rdb := goredis.NewClient(&goredis.Options{Addr: loc.Address()})
	ctx, cancel := context.WithCancel(context.Background())
	e := &endpoint{rdb: rdb, cancel: cancel, done: make(chan struct{}), logger: logger}
	go e.run(ctx, loc)
	return e
}

func (e *endpoint) run(ctx context.Context, loc locator.ConnectionLocator) {
	defer close(e.done)
	sub := e.rdb.Subscribe(ctx, channelName(loc))
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var data broadcast.ByteDataWithTopic
			if err := cbor.Unmarshal([]byte(msg.Payload), &data); err != nil {
				e.logger.Warn("redis: dropping undecodable message", zap.Error(err))
				continue
			}
			e.deliver(data)
		}
	}
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

func (e *endpoint) close() {
	e.cancel()
	<-e.done
	e.rdb.Close()
}

// Transport implements broadcast.Transport over Redis.
type Transport struct {
	mu        sync.Mutex
	endpoints map[string]*endpoint
	logger    *zap.Logger
}

// New creates a Redis broadcast transport. logger may be nil.
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
	ch := channelName(loc)
	return func(data broadcast.ByteDataWithTopic) error {
		if userToWire != nil {
			data.Content = userToWire(data.Content)
		}
		enc, err := cbor.Marshal(data)
		if err != nil {
			return &ferrors.Error{Kind: ferrors.DecodeError, Op: "redis.Publisher", Err: err}
		}
		if err := e.rdb.Publish(context.Background(), ch, enc).Err(); err != nil {
			return &ferrors.Error{Kind: ferrors.TransportError, Op: "redis.Publisher", Err: err}
		}
		return nil
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
