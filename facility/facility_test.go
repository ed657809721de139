package facility

import (
	"context"
	"testing"
	"time"

	selection "github.com/matrixspace/fabric/facility/select"
	"github.com/matrixspace/fabric/hooks"
	"github.com/matrixspace/fabric/locator"
	"github.com/matrixspace/fabric/session"
)

// fakeSession is an in-memory session.Session used to drive Facility
// without any real network I/O.
type fakeSession struct {
	replies chan session.Reply
	done    chan struct{}
	sent    chan sentRequest
}

type sentRequest struct {
	id      uint64
	payload []byte
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		replies: make(chan session.Reply, 16),
		done:    make(chan struct{}),
		sent:    make(chan sentRequest, 16),
	}
}

func (s *fakeSession) Send(ctx context.Context, correlationID uint64, payload []byte) error {
	s.sent <- sentRequest{id: correlationID, payload: payload}
	return nil
}
func (s *fakeSession) Replies() <-chan session.Reply { return s.replies }
func (s *fakeSession) Done() <-chan struct{}         { return s.done }
func (s *fakeSession) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return nil
}

type fakeDialer struct {
	sessions map[string]*fakeSession
}

func (d *fakeDialer) Dial(ctx context.Context, connType string, loc locator.ConnectionLocator, hookPair *hooks.Pair) (session.Session, error) {
	s := newFakeSession()
	d.sessions[loc.Key()] = s
	return s, nil
}

// TestDesignatedDispatchMiss implements scenario S4: a Designated facility
// with an empty live set receives a request keyed by a locator with no
// live session. It must surface a failure reply with the key preserved and
// must not open a session.
func TestDesignatedDispatchMiss(t *testing.T) {
	dialer := &fakeDialer{sessions: map[string]*fakeSession{}}
	f := New("svc", TCP, Designated, nil, dialer)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	target := locator.ConnectionLocator{Host: "h", Port: 1}
	f.Orders() <- OrderRequest{ID: 1, Locator: target, Payload: []byte("req")}

	select {
	case reply := <-f.Replies():
		if reply.Err == nil {
			t.Fatalf("expected failure reply, got %+v", reply)
		}
		if reply.Locator.Key() != target.Key() {
			t.Fatalf("expected key preserved %+v, got %+v", target, reply.Locator)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reply")
	}
	if len(dialer.sessions) != 0 {
		t.Fatalf("expected no session opened, got %d", len(dialer.sessions))
	}
}

// TestAtMostOneLivePerLocator implements invariant 4: registering the same
// locator twice never opens a second session.
func TestAtMostOneLivePerLocator(t *testing.T) {
	dialer := &fakeDialer{sessions: map[string]*fakeSession{}}
	f := New("svc", TCP, Random, nil, dialer)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	loc := locator.ConnectionLocator{Host: "h", Port: 2}
	f.Actions() <- Action{Type: Register, Locator: loc}
	waitResult(t, f, Register)
	f.Actions() <- Action{Type: Register, Locator: loc}

	select {
	case <-f.ActionResults():
		t.Fatal("duplicate Register must not produce a second action result")
	case <-time.After(200 * time.Millisecond):
	}
	if len(dialer.sessions) != 1 {
		t.Fatalf("expected exactly one session, got %d", len(dialer.sessions))
	}
}

// TestRegisterDeregisterLifecycle exercises Register opening a session and
// Deregister closing it, with ActionResults observable on the extra-output
// channel for each.
func TestRegisterDeregisterLifecycle(t *testing.T) {
	dialer := &fakeDialer{sessions: map[string]*fakeSession{}}
	f := New("svc", TCP, Random, nil, dialer)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	loc := locator.ConnectionLocator{Host: "h", Port: 3}
	f.Actions() <- Action{Type: Register, Locator: loc}
	waitResult(t, f, Register)

	f.Actions() <- Action{Type: Deregister, Locator: loc}
	waitResult(t, f, Deregister)
}

// TestRandomDispatchHonorsSelectionPolicy exercises WithSelectionPolicy:
// a Weighted policy excluding every locator but one must route every
// Random-dispatch order to that locator's session, never the others.
func TestRandomDispatchHonorsSelectionPolicy(t *testing.T) {
	dialer := &fakeDialer{sessions: map[string]*fakeSession{}}
	f := New("svc", TCP, Random, nil, dialer)

	locs := []locator.ConnectionLocator{
		{Host: "h", Port: 10},
		{Host: "h", Port: 11},
		{Host: "h", Port: 12},
	}
	favored := locs[1]
	f.WithSelectionPolicy(&selection.Weighted{Weight: func(l locator.ConnectionLocator) int {
		if l.Key() == favored.Key() {
			return 1
		}
		return 0
	}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	for _, loc := range locs {
		f.Actions() <- Action{Type: Register, Locator: loc}
		waitResult(t, f, Register)
	}

	favoredSession := dialer.sessions[favored.Key()]
	for i := uint64(0); i < 10; i++ {
		f.Orders() <- OrderRequest{ID: i, Payload: []byte("x")}
		select {
		case sent := <-favoredSession.sent:
			if sent.id != i {
				t.Fatalf("expected order %d on favored session, got %d", i, sent.id)
			}
		case <-time.After(time.Second):
			t.Fatalf("order %d never reached the favored session", i)
		}
	}
}

func waitResult(t *testing.T, f *Facility, want ActionType) {
	t.Helper()
	select {
	case r := <-f.ActionResults():
		if r.Action.Type != want {
			t.Fatalf("got action result %v, want %v", r.Action.Type, want)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %v action result", want)
	}
}
