// Package dataflow defines the narrow capability surface this module
// requires from a host dataflow engine: a way to register importers,
// actions, and exporters, wire a Source to a Sink, clone a fan-out point,
// and mark a keyed facility output as final or streaming. It intentionally
// defines only interfaces — implementing an engine is out of scope (§1
// Non-goals); the rest of this module is written entirely against these
// contracts so any conforming engine can drive it.
//
// There is no teacher analogue: mini-rpc has no dataflow-graph concept.
// The shape below follows the same generic Source/Sink producer-consumer
// idiom the original C++ library exposes (tm_kit's Runner/Importer/Exporter),
// translated to Go interfaces plus function values instead of templates.
package dataflow

import (
	"context"
	"sync"
	"time"
)

// Tick is emitted by a ClockImporter at a fixed period.
type Tick struct {
	Count int64
}

// Source produces a stream of T. An engine implementation backs this with
// whatever scheduling primitive it uses internally; this module only ever
// consumes the interface.
type Source[T any] interface {
	// Emit registers handler to be called once per produced value. Emit
	// may be called at most once per Source in a correctly built graph.
	Emit(handler func(T))
}

// Sink consumes a stream of T.
type Sink[T any] interface {
	Handle(v T)
}

// FuncSink adapts a plain function to a Sink.
type FuncSink[T any] func(T)

// Handle implements Sink.
func (f FuncSink[T]) Handle(v T) { f(v) }

// FuncSource adapts a plain function to a Source.
type FuncSource[T any] func(handler func(T))

// Emit implements Source.
func (f FuncSource[T]) Emit(handler func(T)) { f(handler) }

// Runner is the capability surface an application node needs from its host
// engine: register the three kinds of graph node, connect producers to
// consumers, clone a fan-out point, and build clock/blocking sources.
type Runner interface {
	// RegisterImporter wires src into the graph as a standalone producer.
	RegisterImporter(src Source[any])
	// RegisterAction wires a pure transform stage: in feeds fn, whose
	// return value becomes the stage's output stream.
	RegisterAction(in Source[any], fn func(any) any) Source[any]
	// RegisterExporter wires sink as a graph sink fed by src.
	RegisterExporter(src Source[any], sink Sink[any])
}

// Connect wires src's output into sink, type-safely. It is the generic
// counterpart to Runner.RegisterExporter for callers that already know
// their concrete T.
func Connect[T any](src Source[T], sink Sink[T]) {
	src.Emit(func(v T) { sink.Handle(v) })
}

// Clone returns a new Source that re-emits everything src emits, letting
// the same underlying stream feed more than one downstream consumer
// without each consumer re-registering against the original producer. A
// consumer attached after src has already emitted first receives every
// earlier value, in order, then the live stream.
func Clone[T any](src Source[T]) Source[T] {
	var mu sync.Mutex
	var seen []T
	handlers := make([]func(T), 0, 2)
	src.Emit(func(v T) {
		mu.Lock()
		seen = append(seen, v)
		hs := append([]func(T){}, handlers...)
		mu.Unlock()
		for _, h := range hs {
			h(v)
		}
	})
	return FuncSource[T](func(handler func(T)) {
		mu.Lock()
		past := append([]T(nil), seen...)
		handlers = append(handlers, handler)
		mu.Unlock()
		for _, v := range past {
			handler(v)
		}
	})
}

// ClockImporter returns a Source emitting one Tick every period, starting
// at count 1. The ticker runs for as long as the Source's single Emit call
// keeps its goroutine alive — callers needing early cancellation should
// layer a context check into their handler and stop consuming.
func ClockImporter(period time.Duration) Source[Tick] {
	return FuncSource[Tick](func(handler func(Tick)) {
		go func() {
			ticker := time.NewTicker(period)
			defer ticker.Stop()
			var count int64
			for range ticker.C {
				count++
				handler(Tick{Count: count})
			}
		}()
	})
}

// WrapBlockingImporter adapts a blocking read loop (the shape most
// transport client libraries expose: "call this function, it blocks until
// there's a value or ctx is done") into a Source, running loop in its own
// goroutine and forwarding every emitted value to the Source's handler.
func WrapBlockingImporter[T any](ctx context.Context, loop func(ctx context.Context, emit func(T))) Source[T] {
	return FuncSource[T](func(handler func(T)) {
		go loop(ctx, handler)
	})
}

// OutputDisposition marks whether a keyed facility output should be treated
// as the final response for its key (no more replies expected) or as one
// of a streaming sequence.
type OutputDisposition int

const (
	// MarkFinal indicates this is the last output for its key.
	MarkFinal OutputDisposition = iota
	// MarkStreaming indicates more outputs for this key may follow.
	MarkStreaming
)

// KeyedOutput pairs a value with its disposition, matching the shape a
// facility.OrderReply's Final flag drives downstream in the graph.
type KeyedOutput[T any] struct {
	Value       T
	Disposition OutputDisposition
}
