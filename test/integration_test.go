// Package test holds end-to-end tests that exercise a full facility
// pipeline over a real TCP listener: discovery action -> session dial ->
// order -> reply, the same link the teacher's own integration test drove
// through client -> registry -> loadbalance -> transport -> server.
package test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matrixspace/fabric/facility"
	"github.com/matrixspace/fabric/locator"
	"github.com/matrixspace/fabric/session/tcpsession"
)

func echoHandler(_ context.Context, payload []byte) ([]byte, error) {
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, nil
}

func startEchoServer(t *testing.T, addr string) (shutdown func()) {
	t.Helper()
	svr := tcpsession.NewServer(echoHandler, zap.NewNop())
	go svr.Serve("tcp", addr)
	time.Sleep(100 * time.Millisecond)
	return func() { svr.Shutdown(3 * time.Second) }
}

// TestFacilityRoundTripOverTCP drives a full Register -> Order -> Reply ->
// Deregister lifecycle against a live tcpsession server, mirroring the
// teacher's full client/registry/balancer/transport/server chain.
func TestFacilityRoundTripOverTCP(t *testing.T) {
	shutdown := startEchoServer(t, "127.0.0.1:29190")
	defer shutdown()

	dialer := tcpsession.NewDialer(zap.NewNop())
	fac := facility.New("echo", facility.TCP, facility.Random, nil, dialer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fac.Run(ctx)

	loc := locator.ConnectionLocator{Host: "127.0.0.1", Port: 29190}
	fac.Actions() <- facility.Action{Type: facility.Register, ConnType: facility.TCP, Locator: loc}

	select {
	case res := <-fac.ActionResults():
		if res.Action.Type != facility.Register {
			t.Fatalf("expected Register result, got %v", res.Action.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Register result")
	}

	fac.Orders() <- facility.OrderRequest{ID: 1, Payload: []byte("ping")}

	select {
	case rep := <-fac.Replies():
		if rep.Err != nil {
			t.Fatalf("order failed: %v", rep.Err)
		}
		if string(rep.Payload) != "ping" {
			t.Fatalf("expected echoed payload %q, got %q", "ping", rep.Payload)
		}
		if !rep.Final {
			t.Fatal("expected Final reply")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for order reply")
	}

	fac.Actions() <- facility.Action{Type: facility.Deregister, Locator: loc}
	select {
	case res := <-fac.ActionResults():
		if res.Action.Type != facility.Deregister {
			t.Fatalf("expected Deregister result, got %v", res.Action.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Deregister result")
	}
}

// TestFacilityMultipleOrdersConcurrently exercises the multiplexed session
// under concurrent callers, matching the teacher's BenchmarkConcurrentCall
// scenario but as a correctness test rather than a timing benchmark.
func TestFacilityMultipleOrdersConcurrently(t *testing.T) {
	shutdown := startEchoServer(t, "127.0.0.1:29191")
	defer shutdown()

	dialer := tcpsession.NewDialer(zap.NewNop())
	fac := facility.New("echo", facility.TCP, facility.Random, nil, dialer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fac.Run(ctx)

	loc := locator.ConnectionLocator{Host: "127.0.0.1", Port: 29191}
	fac.Actions() <- facility.Action{Type: facility.Register, ConnType: facility.TCP, Locator: loc}
	<-fac.ActionResults()

	const n = 20
	for i := uint64(1); i <= n; i++ {
		fac.Orders() <- facility.OrderRequest{ID: i, Payload: []byte{byte(i)}}
	}

	seen := make(map[uint64]bool, n)
	for len(seen) < n {
		select {
		case rep := <-fac.Replies():
			if rep.Err != nil {
				t.Fatalf("order %d failed: %v", rep.ID, rep.Err)
			}
			seen[rep.ID] = true
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out with only %d/%d replies", len(seen), n)
		}
	}
}
