// Package broadcast implements the fire-and-forget pub/sub transport
// multiplexer: it maps textual channel specs to a concrete per-protocol
// Transport (ZeroMQ, Redis, RabbitMQ, multicast, NNG) and defines the
// universal wire payload (ByteDataWithTopic) and topic-filtering contract
// shared by every protocol implementation.
package broadcast

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/matrixspace/fabric/ferrors"
	"github.com/matrixspace/fabric/hooks"
	"github.com/matrixspace/fabric/locator"
)

// ProtocolKind identifies which wire carrier a channel spec names.
type ProtocolKind int

const (
	Multicast ProtocolKind = iota
	RabbitMQ
	Redis
	ZeroMQ
	NNG
)

func (p ProtocolKind) String() string {
	switch p {
	case Multicast:
		return "multicast"
	case RabbitMQ:
		return "rabbitmq"
	case Redis:
		return "redis"
	case ZeroMQ:
		return "zeromq"
	case NNG:
		return "nng"
	default:
		return "unknown"
	}
}

// ChannelSpec is a parsed broadcast channel address: protocol + locator.
type ChannelSpec struct {
	Protocol ProtocolKind
	Locator  locator.ConnectionLocator
}

func (c ChannelSpec) String() string {
	return c.Protocol.String() + "://" + c.Locator.String()
}

// ParseChannelSpec parses "<protocol>://host:port[/id][?k=v]". Unknown
// protocols are a ConfigError, per spec: spec parsing failures never
// recover internally and are surfaced synchronously to the caller.
func ParseChannelSpec(spec string) (ChannelSpec, error) {
	idx := strings.Index(spec, "://")
	if idx < 0 {
		return ChannelSpec{}, &ferrors.Error{Kind: ferrors.ConfigError, Op: "ParseChannelSpec",
			Err: fmt.Errorf("missing '://' in channel spec %q", spec)}
	}
	protoStr, rest := spec[:idx], spec[idx+3:]
	var proto ProtocolKind
	switch strings.ToLower(protoStr) {
	case "multicast":
		proto = Multicast
	case "rabbitmq":
		proto = RabbitMQ
	case "redis":
		proto = Redis
	case "zeromq":
		proto = ZeroMQ
	case "nng":
		proto = NNG
	default:
		return ChannelSpec{}, &ferrors.Error{Kind: ferrors.ConfigError, Op: "ParseChannelSpec",
			Err: fmt.Errorf("unknown protocol %q", protoStr)}
	}
	loc, err := locator.Parse(rest)
	if err != nil {
		return ChannelSpec{}, &ferrors.Error{Kind: ferrors.ConfigError, Op: "ParseChannelSpec", Err: err}
	}
	return ChannelSpec{Protocol: proto, Locator: loc}, nil
}

// ByteDataWithTopic is the universal broadcast payload: the CBOR
// serialization of this pair, as the two-element array [topic, content], is
// exactly what crosses the wire.
type ByteDataWithTopic struct {
	_       struct{} `cbor:",toarray"`
	Topic   string   `cbor:"topic"`
	Content []byte   `cbor:"content"`
}

// FilterKind selects how a subscription matches incoming topics.
type FilterKind int

const (
	FilterNone FilterKind = iota
	FilterExact
	FilterRegex
)

// TopicFilter describes which messages a given subscriber wants to see.
// The zero value (FilterNone) admits every topic.
type TopicFilter struct {
	Kind  FilterKind
	Exact string
	Regex *regexp.Regexp
}

// NoFilter builds a filter that admits every topic.
func NoFilter() TopicFilter { return TopicFilter{Kind: FilterNone} }

// ExactFilter builds a filter that admits only an exact topic match.
func ExactFilter(topic string) TopicFilter { return TopicFilter{Kind: FilterExact, Exact: topic} }

// RegexFilter builds a filter that admits topics matching re.
func RegexFilter(re *regexp.Regexp) TopicFilter { return TopicFilter{Kind: FilterRegex, Regex: re} }

// Admits reports whether the filter lets a message with the given topic
// through.
func (f TopicFilter) Admits(topic string) bool {
	switch f.Kind {
	case FilterNone:
		return true
	case FilterExact:
		return topic == f.Exact
	case FilterRegex:
		return f.Regex != nil && f.Regex.MatchString(topic)
	default:
		return false
	}
}

// Transport is the per-protocol broadcast carrier contract. Implementations
// maintain one subscriber worker and one publisher worker per endpoint,
// multiplexing every Subscribe call for the same (host, port) onto the
// same worker.
type Transport interface {
	// Subscribe registers handler to receive messages matching filter on
	// the given locator's (host, port) endpoint. If wireToUser is non-nil
	// it is applied to the raw content before delivery; a nil result from
	// the hook suppresses delivery of that message to this subscriber.
	Subscribe(ctx context.Context, loc locator.ConnectionLocator, filter TopicFilter,
		handler func(ByteDataWithTopic), wireToUser hooks.WireToUserHook) error

	// Publisher returns a callback that publishes a (topic, content) pair
	// to the given locator's port. If userToWire is non-nil it is applied
	// in the caller's goroutine before the message is enqueued.
	Publisher(loc locator.ConnectionLocator, userToWire hooks.UserToWireHook) (func(ByteDataWithTopic) error, error)

	// Close stops every owned worker goroutine and releases sockets.
	// Close joins all workers before returning.
	Close() error
}

// Multiplexer resolves channel specs to the concrete Transport registered
// for their protocol.
type Multiplexer struct {
	transports map[ProtocolKind]Transport
}

// NewMultiplexer builds a Multiplexer over the given per-protocol
// transports. Protocols with a nil entry remain unsupported in this
// environment — attempting to use them surfaces a ConfigError.
func NewMultiplexer(transports map[ProtocolKind]Transport) *Multiplexer {
	return &Multiplexer{transports: transports}
}

// Resolve returns the Transport registered for spec.Protocol.
func (m *Multiplexer) Resolve(spec ChannelSpec) (Transport, error) {
	t, ok := m.transports[spec.Protocol]
	if !ok || t == nil {
		return nil, &ferrors.Error{Kind: ferrors.ConfigError, Op: "Multiplexer.Resolve",
			Err: fmt.Errorf("%s transport is unsupported in this environment", spec.Protocol)}
	}
	return t, nil
}

// Subscribe resolves spec's protocol and subscribes through that transport.
func (m *Multiplexer) Subscribe(ctx context.Context, spec ChannelSpec, filter TopicFilter,
	handler func(ByteDataWithTopic), wireToUser hooks.WireToUserHook) error {
	t, err := m.Resolve(spec)
	if err != nil {
		return err
	}
	return t.Subscribe(ctx, spec.Locator, filter, handler, wireToUser)
}

// Publisher resolves spec's protocol and returns a publish callback through
// that transport.
func (m *Multiplexer) Publisher(spec ChannelSpec, userToWire hooks.UserToWireHook) (func(ByteDataWithTopic) error, error) {
	t, err := m.Resolve(spec)
	if err != nil {
		return nil, err
	}
	return t.Publisher(spec.Locator, userToWire)
}

// Close closes every registered transport, collecting the first error.
func (m *Multiplexer) Close() error {
	var first error
	for _, t := range m.transports {
		if t == nil {
			continue
		}
		if err := t.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// parsePort parses a decimal port string, such as a "port" value taken from
// a locator's Properties. It is unexported, so the per-protocol subpackages
// do not call it.
func parsePort(s string) (int, error) {
	return strconv.Atoi(s)
}
