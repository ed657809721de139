// Package selfloop implements FacilitySelfLoop: it wires discovery Actions
// into a MultiTransportRemoteFacility, and on every materialized Register
// automatically issues one "priming" request — the first reply matching
// the caller-supplied initial-callback predicate completes that
// connection's priming; later replies pass through untouched, with no
// re-priming if the initial reply never arrives.
//
// Grounded on spec.md §4.4's 5-step algorithm; there is no direct teacher
// analogue (the teacher has no feedback-loop concept), so the goroutine
// shape follows the same select-loop-over-channels idiom used throughout
// this module (facility.Facility, broadcast.Transport).
package selfloop

import (
	"context"
	"sync"

	"github.com/matrixspace/fabric/facility"
	"github.com/matrixspace/fabric/locator"
)

// InitialInput produces the payload for a connection's priming request.
type InitialInput func() []byte

// IsInitialCallback reports whether reply completes the priming loop for
// the connection that received the given initialPayload request.
type IsInitialCallback func(initialPayload []byte, reply facility.OrderReply) bool

type pending struct {
	id      uint64
	payload []byte
}

// SelfLoop drives one facility.Facility: actions in, replies out, with
// priming requests synthesized internally on every Register.
type SelfLoop struct {
	fac               *facility.Facility
	initialInput      InitialInput
	isInitialCallback IsInitialCallback

	mu       sync.Mutex
	awaiting map[string]pending
	nextID   uint64
}

// New constructs a SelfLoop over fac. initialInput is called once per
// newly registered connection to build that connection's priming request;
// isInitialCallback decides which reply completes the priming gate.
func New(fac *facility.Facility, initialInput InitialInput, isInitialCallback IsInitialCallback) *SelfLoop {
	return &SelfLoop{
		fac:               fac,
		initialInput:      initialInput,
		isInitialCallback: isInitialCallback,
		awaiting:          make(map[string]pending),
	}
}

// Run starts the facility and the self-loop's feed/drain goroutine. It
// returns a channel of every reply the facility produces (priming replies
// included, so a downstream consumer such as subscriber.Helper can still
// observe them) and runs until ctx is canceled, at which point the
// returned channel is closed.
func (s *SelfLoop) Run(ctx context.Context, actions <-chan facility.Action) <-chan facility.OrderReply {
	out := make(chan facility.OrderReply, 64)
	go s.fac.Run(ctx)
	go s.loop(ctx, actions, out)
	return out
}

func (s *SelfLoop) loop(ctx context.Context, actions <-chan facility.Action, out chan<- facility.OrderReply) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-actions:
			if !ok {
				actions = nil
				continue
			}
			select {
			case s.fac.Actions() <- a:
			case <-ctx.Done():
				return
			}
		case res, ok := <-s.fac.ActionResults():
			if !ok {
				continue
			}
			if res.Action.Type == facility.Register {
				s.prime(ctx, res.Action.Locator)
			} else if res.Action.Type == facility.Deregister {
				s.clearAwaiting(res.Action.Locator)
			}
		case rep, ok := <-s.fac.Replies():
			if !ok {
				continue
			}
			s.checkInitialCallback(rep)
			select {
			case out <- rep:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *SelfLoop) prime(ctx context.Context, loc locator.ConnectionLocator) {
	if s.initialInput == nil {
		return
	}
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	payload := s.initialInput()
	s.awaiting[loc.Key()] = pending{id: id, payload: payload}
	s.mu.Unlock()

	select {
	case s.fac.Orders() <- facility.OrderRequest{ID: id, Locator: loc, Payload: payload}:
	case <-ctx.Done():
	}
}

func (s *SelfLoop) clearAwaiting(loc locator.ConnectionLocator) {
	s.mu.Lock()
	delete(s.awaiting, loc.Key())
	s.mu.Unlock()
}

func (s *SelfLoop) checkInitialCallback(rep facility.OrderReply) {
	if s.isInitialCallback == nil {
		return
	}
	key := rep.Locator.Key()
	s.mu.Lock()
	p, ok := s.awaiting[key]
	s.mu.Unlock()
	if !ok {
		return
	}
	if s.isInitialCallback(p.payload, rep) {
		s.mu.Lock()
		delete(s.awaiting, key)
		s.mu.Unlock()
	}
}
