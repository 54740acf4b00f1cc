// Package events is the fire-and-forget progress notification sink.
// Emitters must never block the pipeline: the async wrapper drops
// events when its buffer is full, and publish errors are logged, not
// propagated.
package events

import (
	"encoding/json"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Emitter publishes progress events.
type Emitter interface {
	// Emit publishes one event. Never blocks, never returns an error.
	Emit(eventType string, payload any)

	// Close flushes and releases the emitter.
	Close()
}

// Nop discards all events.
type Nop struct{}

func (Nop) Emit(string, any) {}
func (Nop) Close()           {}

// event pairs a type with its payload for the async queue.
type event struct {
	Type    string
	Payload any
}

// Async wraps another emitter with a bounded queue so slow sinks cannot
// stall the pipeline. Events beyond the buffer are dropped and counted.
type Async struct {
	inner  Emitter
	ch     chan event
	logger *zap.Logger

	mu      sync.Mutex
	dropped int64
	closed  bool
	done    chan struct{}
}

// NewAsync wraps inner with a buffer of the given size.
func NewAsync(inner Emitter, buffer int, logger *zap.Logger) *Async {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 256
	}
	a := &Async{
		inner:  inner,
		ch:     make(chan event, buffer),
		logger: logger,
		done:   make(chan struct{}),
	}
	go a.drain()
	return a
}

// Emit enqueues the event, dropping it when the buffer is full. The
// mutex also orders Emit against Close so we never send on a closed
// channel; the send itself is non-blocking.
func (a *Async) Emit(eventType string, payload any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.ch <- event{Type: eventType, Payload: payload}:
	default:
		a.dropped++
	}
}

// Dropped returns how many events were discarded.
func (a *Async) Dropped() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Close stops the drain goroutine after the queue empties.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()

	close(a.ch)
	<-a.done
	a.inner.Close()
}

func (a *Async) drain() {
	defer close(a.done)
	for ev := range a.ch {
		a.inner.Emit(ev.Type, ev.Payload)
	}
}

// NATSEmitter publishes events as JSON messages on
// <prefix>.events.<type> subjects.
type NATSEmitter struct {
	conn   *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSEmitter connects to the given NATS URL.
func NewNATSEmitter(url, prefix string, logger *zap.Logger) (*NATSEmitter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := nats.Connect(url, nats.Name("forgeguard"))
	if err != nil {
		return nil, err
	}
	return &NATSEmitter{conn: conn, prefix: prefix, logger: logger}, nil
}

// Emit publishes the event; publish failures are logged and swallowed.
func (n *NATSEmitter) Emit(eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		n.logger.Warn("failed to marshal event", zap.String("type", eventType), zap.Error(err))
		return
	}
	subject := n.prefix + ".events." + eventType
	if err := n.conn.Publish(subject, data); err != nil {
		n.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

// Close drains and closes the connection.
func (n *NATSEmitter) Close() {
	_ = n.conn.Drain()
}

var (
	_ Emitter = Nop{}
	_ Emitter = (*Async)(nil)
	_ Emitter = (*NATSEmitter)(nil)
)
