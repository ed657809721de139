package selfloop

import (
	"context"
	"testing"
	"time"

	"github.com/matrixspace/fabric/facility"
	"github.com/matrixspace/fabric/hooks"
	"github.com/matrixspace/fabric/locator"
	"github.com/matrixspace/fabric/session"
)

type fakeSession struct {
	replies chan session.Reply
	done    chan struct{}
	sent    chan []byte
}

func newFakeSession() *fakeSession {
	return &fakeSession{replies: make(chan session.Reply, 16), done: make(chan struct{}), sent: make(chan []byte, 16)}
}

func (s *fakeSession) Send(ctx context.Context, correlationID uint64, payload []byte) error {
	s.sent <- payload
	return nil
}
func (s *fakeSession) Replies() <-chan session.Reply { return s.replies }
func (s *fakeSession) Done() <-chan struct{}         { return s.done }
func (s *fakeSession) Close() error                  { return nil }

type fakeDialer struct{ sess *fakeSession }

func (d *fakeDialer) Dial(ctx context.Context, connType string, loc locator.ConnectionLocator, hookPair *hooks.Pair) (session.Session, error) {
	return d.sess, nil
}

// TestPrimingRequestCompletesOnMatchingReply implements scenario S5: on
// Register(l), the facility receives exactly one priming request (l, Q); a
// reply that passes the predicate completes priming without re-sending; a
// later reply is forwarded without re-priming.
func TestPrimingRequestCompletesOnMatchingReply(t *testing.T) {
	sess := newFakeSession()
	dialer := &fakeDialer{sess: sess}
	fac := facility.New("svc", facility.TCP, facility.Random, nil, dialer)

	isSubscription := func(initial []byte, rep facility.OrderReply) bool {
		return string(rep.Payload) == "Subscription{id=42}"
	}
	loop := New(fac, func() []byte { return []byte("Q") }, isSubscription)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	actions := make(chan facility.Action, 4)
	out := loop.Run(ctx, actions)

	loc := locator.ConnectionLocator{Host: "h", Port: 1}
	actions <- facility.Action{Type: facility.Register, Locator: loc}

	select {
	case payload := <-sess.sent:
		if string(payload) != "Q" {
			t.Fatalf("expected priming payload Q, got %q", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for priming request")
	}

	sess.replies <- session.Reply{CorrelationID: 1, Payload: []byte("Subscription{id=42}"), Final: true}
	select {
	case rep := <-out:
		if string(rep.Payload) != "Subscription{id=42}" {
			t.Fatalf("expected subscription reply forwarded, got %q", rep.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded subscription reply")
	}

	sess.replies <- session.Reply{CorrelationID: 2, Payload: []byte("Data{...}"), Final: true}
	select {
	case rep := <-out:
		if string(rep.Payload) != "Data{...}" {
			t.Fatalf("expected data reply forwarded, got %q", rep.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded data reply")
	}

	select {
	case extra := <-sess.sent:
		t.Fatalf("expected no re-priming, got extra send %q", extra)
	case <-time.After(200 * time.Millisecond):
	}
}
