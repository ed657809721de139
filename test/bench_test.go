package test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matrixspace/fabric/facility"
	"github.com/matrixspace/fabric/locator"
	"github.com/matrixspace/fabric/session/tcpsession"
	"github.com/matrixspace/fabric/wire"
)

func setupFacility(b *testing.B, port int) (*facility.Facility, func()) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	svr := tcpsession.NewServer(echoHandler, zap.NewNop())
	go svr.Serve("tcp", addr)
	time.Sleep(100 * time.Millisecond)

	dialer := tcpsession.NewDialer(zap.NewNop())
	fac := facility.New("echo", facility.TCP, facility.Random, nil, dialer)

	ctx, cancel := context.WithCancel(context.Background())
	go fac.Run(ctx)

	loc := locator.ConnectionLocator{Host: "127.0.0.1", Port: port}
	fac.Actions() <- facility.Action{Type: facility.Register, ConnType: facility.TCP, Locator: loc}
	<-fac.ActionResults()

	return fac, func() {
		cancel()
		svr.Shutdown(3 * time.Second)
	}
}

// BenchmarkSerialOrder drives one order at a time through a live facility,
// matching the teacher's BenchmarkSerialCall.
func BenchmarkSerialOrder(b *testing.B) {
	fac, shutdown := setupFacility(b, 29290)
	defer shutdown()

	payload := []byte("ping")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		fac.Orders() <- facility.OrderRequest{ID: uint64(i), Payload: payload}
		rep := <-fac.Replies()
		if rep.Err != nil {
			b.Fatal(rep.Err)
		}
	}
}

// BenchmarkConcurrentOrders drives many goroutines against the same
// multiplexed session, matching the teacher's BenchmarkConcurrentCall.
func BenchmarkConcurrentOrders(b *testing.B) {
	fac, shutdown := setupFacility(b, 29291)
	defer shutdown()

	payload := []byte("ping")
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		var id uint64
		for pb.Next() {
			id++
			fac.Orders() <- facility.OrderRequest{ID: id, Payload: payload}
			<-fac.Replies()
		}
	})
}

// BenchmarkWireEnvelopeCodec measures the CBOR envelope round trip in
// isolation, off the network, matching the teacher's BenchmarkCodecJSON and
// BenchmarkCodecBinary.
func BenchmarkWireEnvelopeCodec(b *testing.B) {
	env := wire.Envelope{Payload: []byte(`{"A":1,"B":2}`), Final: true}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, err := wire.EncodeEnvelope(env)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := wire.DecodeEnvelope(data); err != nil {
			b.Fatal(err)
		}
	}
}
