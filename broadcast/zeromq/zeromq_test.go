package zeromq

import (
	"context"
	"testing"
	"time"

	"github.com/matrixspace/fabric/broadcast"
	"github.com/matrixspace/fabric/locator"
)

// TestZeroMQPubSubExactFilter implements scenario S1 from the
// specification on port 25561 instead of 5561: a publisher bound to
// tcp://*:25561, a subscriber connected to tcp://localhost:25561 with an
// exact("x") filter, observing only the message whose topic is "x".
func TestZeroMQPubSubExactFilter(t *testing.T) {
	tr := New(nil)
	defer tr.Close()

	pubLoc := locator.ConnectionLocator{Host: "*", Port: 25561}
	subLoc := locator.ConnectionLocator{Host: "localhost", Port: 25561}

	publish, err := tr.Publisher(pubLoc, nil)
	if err != nil {
		t.Fatalf("Publisher: %v", err)
	}

	received := make(chan broadcast.ByteDataWithTopic, 2)
	err = tr.Subscribe(context.Background(), subLoc, broadcast.ExactFilter("x"),
		func(d broadcast.ByteDataWithTopic) { received <- d }, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Allow the SUB socket's connect to settle before publishing.
	time.Sleep(200 * time.Millisecond)

	publish(broadcast.ByteDataWithTopic{Topic: "x", Content: []byte("hello")})
	publish(broadcast.ByteDataWithTopic{Topic: "y", Content: []byte("world")})

	select {
	case got := <-received:
		if got.Topic != "x" || string(got.Content) != "hello" {
			t.Fatalf("unexpected message: %+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for filtered message")
	}

	select {
	case got := <-received:
		t.Fatalf("unexpected extra delivery: %+v", got)
	case <-time.After(300 * time.Millisecond):
	}
}
