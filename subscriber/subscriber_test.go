package subscriber

import (
	"sort"
	"testing"

	"github.com/matrixspace/fabric/locator"
)

func TestExitDrainsSubscriptions(t *testing.T) {
	h := NewHelper()
	l1 := locator.ConnectionLocator{Host: "l1", Port: 1}
	l2 := locator.ConnectionLocator{Host: "l2", Port: 2}
	h.OnSubscriptionReply(l1, 42)
	h.OnSubscriptionReply(l2, 7)

	reqs := h.DrainOnExit()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 unsubscribe requests, got %d", len(reqs))
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].ID < reqs[j].ID })
	if reqs[0].ID != 7 || reqs[1].ID != 42 {
		t.Fatalf("unexpected ids: %+v", reqs)
	}

	select {
	case <-h.Done():
		t.Fatal("must not signal exit before both acks arrive")
	default:
	}

	if drained := h.OnUnsubscriptionReply(7); drained {
		t.Fatal("must not drain after only one of two acks")
	}
	if drained := h.OnUnsubscriptionReply(42); !drained {
		t.Fatal("expected drained=true once both acks arrived")
	}

	select {
	case <-h.Done():
	default:
		t.Fatal("expected Done() closed after final ack")
	}
}

func TestDeregisterDropsWithoutUnsubscribe(t *testing.T) {
	h := NewHelper()
	l1 := locator.ConnectionLocator{Host: "l1", Port: 1}
	h.OnSubscriptionReply(l1, 42)
	h.OnDeregister(l1)

	reqs := h.DrainOnExit()
	if len(reqs) != 0 {
		t.Fatalf("expected no pending unsubscribes after deregister, got %+v", reqs)
	}
	select {
	case <-h.Done():
	default:
		t.Fatal("expected immediate exit when id map already empty")
	}
}

func TestFirstSubscriptionReplyWins(t *testing.T) {
	h := NewHelper()
	l1 := locator.ConnectionLocator{Host: "l1", Port: 1}
	h.OnSubscriptionReply(l1, 42)
	h.OnSubscriptionReply(l1, 99)

	reqs := h.DrainOnExit()
	if len(reqs) != 1 || reqs[0].ID != 42 {
		t.Fatalf("expected the first id to stick, got %+v", reqs)
	}
}
