// Package obs provides a publish/subscribe event bus for cross-component
// observability. Events flow from the connection manager, pipeline,
// writer, and alert engine to subscribers (the metrics/health layer, a
// future debug WebSocket). The bus is nil-safe: calling Publish on a nil
// *Bus is a no-op, so components do not need guard checks.
package obs

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	SourceConnection = "connection"
	SourcePipeline   = "pipeline"
	SourceWriter     = "writer"
	SourceAlert      = "alert"
)

// Kind constants describe the type of event within a source.
const (
	// KindStateChange signals a connection-manager state transition.
	// Data: from, to.
	KindStateChange = "state_change"
	// KindEventReceived from the connection source signals a decoded
	// event was received (Data: domain, entity_id, event_type); from the
	// pipeline source it signals a worker finished processing one
	// (Data: domain, entity_id).
	KindEventReceived = "event_received"
	// KindEventDropped signals the pipeline dropped an event.
	// Data: reason (duplicate|filtered|overflow|rate_limited).
	KindEventDropped = "event_dropped"
	// KindBatchFlushed signals the writer flushed a batch.
	// Data: points, age_ms, write_ms, workload.
	KindBatchFlushed = "batch_flushed"
	// KindCircuitStateChange signals a circuit breaker transition.
	// Data: from, to.
	KindCircuitStateChange = "circuit_state_change"
	// KindAlertTriggered signals a new alert instance.
	// Data: rule, severity.
	KindAlertTriggered = "alert_triggered"
	// KindAlertResolved signals an alert left active state.
	// Data: rule, status.
	KindAlertResolved = "alert_resolved"
)

// Event represents a single operational event published by a component.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept <-chan Event without an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
