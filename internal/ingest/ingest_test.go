package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hausdata/ingestd/internal/config"
	"github.com/hausdata/ingestd/internal/model"
	"github.com/hausdata/ingestd/internal/obs"
)

// fakeTransport is a scriptable transport test double: each call to
// dial/authenticate consumes the next entry of dialErrs/authErrs (a nil
// entry or an exhausted list means success), and frames is drained by
// next() in order before blocking on ctx.Done().
type fakeTransport struct {
	mu sync.Mutex

	dialErrs []error
	authErrs []error

	frames     []frame
	frameIdx   int
	closed     atomic.Int64
	subscribed atomic.Int64
}

func (f *fakeTransport) dial(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.dialErrs) > 0 {
		err := f.dialErrs[0]
		f.dialErrs = f.dialErrs[1:]
		if err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeTransport) authenticate(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.authErrs) > 0 {
		err := f.authErrs[0]
		f.authErrs = f.authErrs[1:]
		if err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeTransport) subscribe(ctx context.Context, eventTypes []string) error {
	f.subscribed.Add(1)
	return nil
}

func (f *fakeTransport) next(ctx context.Context) (frame, error) {
	f.mu.Lock()
	if f.frameIdx < len(f.frames) {
		fr := f.frames[f.frameIdx]
		f.frameIdx++
		f.mu.Unlock()
		return fr, nil
	}
	f.mu.Unlock()

	<-ctx.Done()
	return frame{}, ctx.Err()
}

func (f *fakeTransport) close() error {
	f.closed.Add(1)
	return nil
}

func testEvent(entityID string) model.Event {
	return model.Event{
		Domain:    "light",
		EntityID:  entityID,
		Type:      "state_changed",
		Timestamp: time.Now(),
	}.WithRaw([]byte(entityID))
}

func newTestManager(t *testing.T, ft *fakeTransport) *Manager {
	t.Helper()
	m, err := New(config.ConnectionConfig{
		Transport: "websocket",
		Backoff: config.BackoffConfig{
			BaseDelay:  time.Millisecond,
			MaxDelay:   10 * time.Millisecond,
			Multiplier: 2,
			Jitter:     0,
		},
	}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.transport = ft
	return m
}

func TestManager_EventsFlowThrough(t *testing.T) {
	ft := &fakeTransport{frames: []frame{{kind: frameEvent, event: testEvent("light.kitchen")}}}
	m := newTestManager(t, ft)

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)

	select {
	case ev := <-m.Events():
		if ev.EntityID != "light.kitchen" {
			t.Errorf("EntityID = %q, want light.kitchen", ev.EntityID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	cancel()
	m.Stop()

	if m.Status().State != Backoff && m.Status().State != Disconnected {
		t.Logf("final state: %v", m.Status().State)
	}
}

func TestManager_RegistryUpdateMerges(t *testing.T) {
	ft := &fakeTransport{frames: []frame{{
		kind:             frameRegistryUpdate,
		registryEntityID: "light.kitchen",
		registryFields:   map[string]model.Value{"area": model.String("kitchen")},
	}}}
	m := newTestManager(t, ft)

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Registry().Len() > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	got := m.Registry().Lookup("light.kitchen")
	if got["area"].String() != "kitchen" {
		t.Errorf("registry area = %v, want kitchen", got["area"])
	}

	cancel()
	m.Stop()
}

func TestManager_RetriesOnDialFailureThenSucceeds(t *testing.T) {
	ft := &fakeTransport{
		dialErrs: []error{errors.New("connection refused")},
		frames:   []frame{{kind: frameEvent, event: testEvent("light.kitchen")}},
	}
	m := newTestManager(t, ft)

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)

	select {
	case <-m.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event after retry")
	}

	st := m.Status()
	if st.Failures < 1 {
		t.Errorf("Failures = %d, want >= 1", st.Failures)
	}
	if st.Successes < 1 {
		t.Errorf("Successes = %d, want >= 1", st.Successes)
	}

	cancel()
	m.Stop()
}

func TestManager_StopIsIdempotentAndReleasesResources(t *testing.T) {
	ft := &fakeTransport{}
	m := newTestManager(t, ft)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	// Give the run loop a moment to reach the read loop.
	time.Sleep(20 * time.Millisecond)
	m.Stop()
	m.Stop() // a second Stop must return without blocking or panicking

	if _, ok := <-m.Events(); ok {
		t.Error("Events channel should be closed after Stop")
	}
}

func TestManager_PublishesStateChangeEvents(t *testing.T) {
	ft := &fakeTransport{frames: []frame{{kind: frameEvent, event: testEvent("light.kitchen")}}}
	bus := obs.New()
	sub := bus.Subscribe(16)

	m := newTestManager(t, ft)
	m.bus = bus

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)

	sawSubscribed := false
	deadline := time.After(2 * time.Second)
loop:
	for {
		select {
		case ev := <-sub:
			if ev.Source == obs.SourceConnection && ev.Kind == obs.KindStateChange {
				if to, _ := ev.Data["to"].(string); to == "subscribed" {
					sawSubscribed = true
					break loop
				}
			}
		case <-deadline:
			break loop
		}
	}
	if !sawSubscribed {
		t.Error("expected a state-change event transitioning to subscribed")
	}

	cancel()
	m.Stop()
}

func TestManager_UnknownTransportErrors(t *testing.T) {
	_, err := New(config.ConnectionConfig{Transport: "carrier-pigeon"}, nil, nil)
	if err == nil {
		t.Fatal("expected error for unknown transport")
	}
}

func TestStatus_EventRatePerMinute(t *testing.T) {
	now := time.Now()
	s := Status{SubscribedAt: now.Add(-2 * time.Minute), TotalEventsRecv: 10}
	rate := s.EventRatePerMinute()
	if rate <= 0 {
		t.Errorf("EventRatePerMinute() = %v, want > 0", rate)
	}

	zero := Status{}
	if zero.EventRatePerMinute() != 0 {
		t.Error("EventRatePerMinute() on zero Status should be 0")
	}
}
