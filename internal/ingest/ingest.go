// Package ingest implements the connection manager: a
// long-lived channel to the upstream smart-home hub that authenticates,
// subscribes, decodes incoming frames into model.Events, and survives
// transient failures with jittered exponential backoff.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hausdata/ingestd/internal/config"
	"github.com/hausdata/ingestd/internal/model"
	"github.com/hausdata/ingestd/internal/obs"
	"github.com/hausdata/ingestd/internal/retry"
)

// Status is a snapshot of the connection manager's health, returned by
// Manager.Status(). The health endpoint does not serve it as a block of
// its own; the connection_manager check derives its verdict from it.
type Status struct {
	State             State     `json:"state"`
	Attempts          int64     `json:"attempts"`
	Successes         int64     `json:"successes"`
	Failures          int64     `json:"failures"`
	LastError         string    `json:"last_error,omitempty"`
	IsSubscribed      bool      `json:"is_subscribed"`
	TotalEventsRecv   int64     `json:"total_events_received"`
	LastEventAt       time.Time `json:"last_event_at,omitempty"`
	SubscribedAt      time.Time `json:"subscribed_at,omitempty"`
}

// EventRatePerMinute estimates the event arrival rate since
// subscription began, for the health endpoint's degraded-state check
// (a subscription that has gone quiet reads as degraded).
func (s Status) EventRatePerMinute() float64 {
	if s.SubscribedAt.IsZero() || s.TotalEventsRecv == 0 {
		return 0
	}
	elapsed := time.Since(s.SubscribedAt).Minutes()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.TotalEventsRecv) / elapsed
}

// transport abstracts the wire-level handshake and framing so the
// state machine in Manager is exercised identically regardless of
// whether the underlying channel is a websocket or an MQTT broker
// subscription.
type transport interface {
	// dial establishes the raw connection. Must be idempotent-safe to
	// call again after close.
	dial(ctx context.Context) error
	// authenticate performs the transport's handshake. For transports
	// with no separate auth step (MQTT), this is a no-op.
	authenticate(ctx context.Context) error
	// subscribe requests delivery of the given event types.
	subscribe(ctx context.Context, eventTypes []string) error
	// next blocks for the next decoded frame or returns an error that
	// the caller treats as a channel-level failure.
	next(ctx context.Context) (frame, error)
	// close releases all transport resources. Safe to call multiple times.
	close() error
}

// frameKind distinguishes the three envelope categories the
// connection manager dispatches.
type frameKind int

const (
	frameEvent frameKind = iota
	frameRegistryUpdate
	frameOther
)

type frame struct {
	kind frameKind

	event model.Event

	registryEntityID string
	registryFields   map[string]model.Value
}

// Manager drives a single transport through the connection manager's
// state machine and publishes decoded events and state-change
// notifications.
type Manager struct {
	cfg    config.ConnectionConfig
	bus    *obs.Bus
	logger *slog.Logger

	transport transport
	registry  *Registry

	events chan model.Event

	mu           sync.Mutex
	state        State
	lastErr      error
	subscribedAt time.Time
	lastEventAt  time.Time

	attempts  atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
	totalRecv atomic.Int64

	startOnce sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New constructs a Manager for cfg's selected transport ("websocket"
// or "mqtt"). bus receives state-change and event-received
// notifications for the observability layer; it may be nil.
func New(cfg config.ConnectionConfig, bus *obs.Bus, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var t transport
	switch cfg.Transport {
	case "mqtt":
		t = newMQTTTransport(cfg, logger)
	case "websocket", "":
		t = newWebSocketTransport(cfg, logger)
	default:
		return nil, fmt.Errorf("ingest: unknown transport %q", cfg.Transport)
	}
	return &Manager{
		cfg:       cfg,
		bus:       bus,
		logger:    logger,
		transport: t,
		registry:  NewRegistry(),
		events:    make(chan model.Event, 1024),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Events returns the channel of decoded events. Consumed by the
// pipeline's submit loop.
func (m *Manager) Events() <-chan model.Event { return m.events }

// Registry returns the device/area/entity metadata cache mutated by
// registry-update frames.
func (m *Manager) Registry() *Registry { return m.registry }

// Start is idempotent: it launches connection attempts in the
// background and returns at once, without waiting for any attempt to
// succeed. Later state is observable via Status.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		go m.run(ctx)
	})
}

// Stop cancels outstanding tasks, drains and releases the channel, and
// guarantees resources are released on every exit path.
func (m *Manager) Stop() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	<-m.doneCh
}

// Status returns the current connection state and cumulative counters.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Status{
		State:        m.state,
		Attempts:     m.attempts.Load(),
		Successes:    m.successes.Load(),
		Failures:     m.failures.Load(),
		IsSubscribed: m.state == Subscribed,
		TotalEventsRecv: m.totalRecv.Load(),
		LastEventAt:  m.lastEventAt,
		SubscribedAt: m.subscribedAt,
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	if s == Subscribed && prev != Subscribed {
		m.subscribedAt = time.Now()
	}
	m.mu.Unlock()

	if m.bus != nil && prev != s {
		m.bus.Publish(obs.Event{
			Source: obs.SourceConnection,
			Kind:   obs.KindStateChange,
			Data:   map[string]any{"from": prev.String(), "to": s.String()},
		})
	}
}

func (m *Manager) recordErr(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

// run drives the state machine for the manager's lifetime. A full
// reconnect re-runs dial+authenticate+subscribe; a partially
// authenticated channel never reaches the point where events are
// forwarded.
func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)
	defer close(m.events)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	attempt := 0
	for {
		select {
		case <-runCtx.Done():
			m.transport.close()
			return
		default:
		}

		attempt++
		m.attempts.Add(1)
		m.setState(Connecting)

		if err := m.connectOnce(runCtx); err != nil {
			m.failures.Add(1)
			m.recordErr(err)
			m.setState(Backoff)

			if !retry.ExhaustedRetries(m.cfg.Backoff, attempt) {
				delay := retry.Delay(m.cfg.Backoff, attempt)
				m.logger.Warn("connection attempt failed, backing off",
					"attempt", attempt, "delay", delay, "error", err)
				if !retry.Sleep(runCtx.Done(), delay) {
					m.transport.close()
					return
				}
				continue
			}
			m.logger.Error("connection retries exhausted", "attempts", attempt)
			m.transport.close()
			return
		}

		// Connected, authenticated, subscribed. Reset the retry counter.
		attempt = 0
		m.successes.Add(1)
		m.setState(Subscribed)

		m.readLoop(runCtx)

		// readLoop returns only on a channel-level failure or
		// cancellation; on failure, drop to BACKOFF and reconnect.
		m.transport.close()
		select {
		case <-runCtx.Done():
			return
		default:
			m.setState(Backoff)
		}
	}
}

func (m *Manager) connectOnce(ctx context.Context) error {
	if err := m.transport.dial(ctx); err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	if err := m.transport.authenticate(ctx); err != nil {
		m.transport.close()
		return fmt.Errorf("authenticate: %w", err)
	}
	m.setState(Authenticated)

	eventTypes := m.cfg.SubscribeEventTypes
	if len(eventTypes) == 0 {
		eventTypes = []string{"state_changed"}
	}
	if err := m.transport.subscribe(ctx, eventTypes); err != nil {
		m.transport.close()
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

// readLoop consumes decoded frames until the transport reports a
// channel-level error or ctx is cancelled. Single-frame decode errors
// never reach here; transports retry or skip malformed frames
// internally and only surface genuine channel failures.
func (m *Manager) readLoop(ctx context.Context) {
	for {
		f, err := m.transport.next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.recordErr(err)
			m.logger.Warn("channel read failed", "error", err)
			return
		}

		switch f.kind {
		case frameEvent:
			m.totalRecv.Add(1)
			m.mu.Lock()
			m.lastEventAt = time.Now()
			m.mu.Unlock()

			select {
			case m.events <- f.event:
			default:
				m.logger.Warn("event channel full, dropping event", "type", f.event.Type)
			}
			if m.bus != nil {
				m.bus.Publish(obs.Event{Source: obs.SourceConnection, Kind: obs.KindEventReceived,
					Data: map[string]any{"domain": f.event.Domain, "entity_id": f.event.EntityID, "event_type": f.event.Type}})
			}
		case frameRegistryUpdate:
			m.registry.Merge(f.registryEntityID, f.registryFields)
		case frameOther:
			// Logged by the transport already; nothing to dispatch.
		}
	}
}

