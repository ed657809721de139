// Package multicast implements broadcast.Transport over UDP multicast,
// mirroring the ZeroMQ sibling's framing and worker shape (one receive
// goroutine per group, one send socket per publisher) since no third-party
// Go multicast pub/sub library appears anywhere in the retrieval pack —
// see DESIGN.md for the stdlib justification.
package multicast

import (
	"context"
	"net"
	"regexp"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/matrixspace/fabric/broadcast"
	"github.com/matrixspace/fabric/ferrors"
	"github.com/matrixspace/fabric/hooks"
	"github.com/matrixspace/fabric/locator"
)

const maxDatagram = 16 * 1024 * 1024

type clientEntry struct {
	handler func(broadcast.ByteDataWithTopic)
	hook    hooks.WireToUserHook
}

type group struct {
	conn *net.UDPConn
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

func newGroup(loc locator.ConnectionLocator, logger *zap.Logger) (*group, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(loc.Host), Port: loc.Port}
	conn, err := net.ListenMulticastUDP("udp", nil, addr)
	if err != nil {
		return nil, &ferrors.Error{Kind: ferrors.TransportError, Op: "multicast.newGroup", Err: err}
	}
	g := &group{conn: conn, stop: make(chan struct{}), done: make(chan struct{}), logger: logger}
	go g.run()
	return g, nil
}

func (g *group) run() {
	defer close(g.done)
	defer g.conn.Close()
	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-g.stop:
			return
		default:
		}
		g.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := g.conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		if n > maxDatagram {
			g.logger.Warn("multicast: dropping oversize datagram", zap.Int("size", n))
			continue
		}
		var data broadcast.ByteDataWithTopic
		if err := cbor.Unmarshal(buf[:n], &data); err != nil {
			g.logger.Warn("multicast: dropping undecodable datagram", zap.Error(err))
			continue
		}
		g.deliver(data)
	}
}

func (g *group) deliver(data broadcast.ByteDataWithTopic) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.noFilter {
		deliverOne(c, data)
	}
	for _, f := range g.exact {
		if f.topic == data.Topic {
			deliverOne(f.cb, data)
		}
	}
	for _, f := range g.regex {
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

func (g *group) addSubscription(filter broadcast.TopicFilter, cb clientEntry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch filter.Kind {
	case broadcast.FilterNone:
		g.noFilter = append(g.noFilter, cb)
	case broadcast.FilterExact:
		g.exact = append(g.exact, struct {
			topic string
			cb    clientEntry
		}{filter.Exact, cb})
	case broadcast.FilterRegex:
		g.regex = append(g.regex, struct {
			re *regexp.Regexp
			cb clientEntry
		}{filter.Regex, cb})
	}
}

func (g *group) close() {
	close(g.stop)
	<-g.done
}

// Transport implements broadcast.Transport over UDP multicast.
type Transport struct {
	mu     sync.Mutex
	groups map[string]*group
	logger *zap.Logger
}

// New creates a multicast broadcast transport. logger may be nil.
func New(logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{groups: make(map[string]*group), logger: logger}
}

func (t *Transport) getOrStart(loc locator.ConnectionLocator) (*group, error) {
	hp := loc.HostPort()
	t.mu.Lock()
	defer t.mu.Unlock()
	if g, ok := t.groups[hp.Key()]; ok {
		return g, nil
	}
	g, err := newGroup(hp, t.logger)
	if err != nil {
		return nil, err
	}
	t.groups[hp.Key()] = g
	return g, nil
}

// Subscribe implements broadcast.Transport.
func (t *Transport) Subscribe(_ context.Context, loc locator.ConnectionLocator, filter broadcast.TopicFilter,
	handler func(broadcast.ByteDataWithTopic), wireToUser hooks.WireToUserHook) error {
	g, err := t.getOrStart(loc)
	if err != nil {
		return err
	}
	g.addSubscription(filter, clientEntry{handler: handler, hook: wireToUser})
	return nil
}

// Publisher implements broadcast.Transport.
func (t *Transport) Publisher(loc locator.ConnectionLocator, userToWire hooks.UserToWireHook) (func(broadcast.ByteDataWithTopic) error, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(loc.Host), Port: loc.Port}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, &ferrors.Error{Kind: ferrors.TransportError, Op: "multicast.Publisher", Err: err}
	}
	return func(data broadcast.ByteDataWithTopic) error {
		if userToWire != nil {
			data.Content = userToWire(data.Content)
		}
		enc, err := cbor.Marshal(data)
		if err != nil {
			return &ferrors.Error{Kind: ferrors.DecodeError, Op: "multicast.Publisher", Err: err}
		}
		_, err = conn.Write(enc)
		if err != nil {
			return &ferrors.Error{Kind: ferrors.TransportError, Op: "multicast.Publisher", Err: err}
		}
		return nil
	}, nil
}

// Close stops every owned group goroutine.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, g := range t.groups {
		g.close()
	}
	return nil
}
