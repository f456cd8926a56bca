package alert

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hausdata/ingestd/internal/config"
)

func TestWebhookSinkPostsJSON(t *testing.T) {
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode webhook body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newWebhookSink(config.NotifySinkConfig{Kind: "webhook", URL: srv.URL}, testLogger())
	msg := Message{
		Title:    "Alert: r1",
		Body:     "hi",
		Severity: "warning",
		SinkID:   "pager",
		Metadata: map[string]string{"rule": "r1"},
		Alert: Instance{
			RuleName:    "r1",
			Severity:    SeverityWarning,
			Status:      StatusActive,
			TriggeredAt: time.Unix(1700000000, 0),
		},
	}
	if !s.send(msg) {
		t.Fatal("expected send to succeed against a 200 response")
	}
	if got.Title != "Alert: r1" || got.SinkID != "pager" {
		t.Fatalf("unexpected decoded message: %+v", got)
	}
	if got.Alert.RuleName != "r1" || got.Alert.TriggeredAt.Unix() != 1700000000 {
		t.Fatalf("unexpected decoded alert snapshot: %+v", got.Alert)
	}
}

func TestWebhookSinkFailureDoesNotPanic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := newWebhookSink(config.NotifySinkConfig{Kind: "webhook", URL: srv.URL}, testLogger())
	if s.send(Message{Title: "Alert: r1"}) {
		t.Fatal("expected send to report failure on a 500 response")
	}
}

func TestDispatchContinuesPastFailingSink(t *testing.T) {
	var secondCalled bool
	failing := &namedSink{kind: "webhook", sink: sinkFunc(func(Message) bool { return false })}
	ok := &namedSink{kind: "webhook", sink: sinkFunc(func(Message) bool { secondCalled = true; return true })}

	dispatch([]*namedSink{failing, ok}, Message{}, SeverityInfo, nil, testLogger())

	if !secondCalled {
		t.Fatal("expected dispatch to continue to the second sink after the first failed")
	}
	if failing.failed.Load() != 1 {
		t.Errorf("expected failing sink's failure counter incremented, got %d", failing.failed.Load())
	}
	if ok.sent.Load() != 1 {
		t.Errorf("expected healthy sink's success counter incremented, got %d", ok.sent.Load())
	}
}

func TestDispatchRespectsMinSeverity(t *testing.T) {
	var called int
	s := &namedSink{kind: "webhook", minSeverity: int(SeverityError), sink: sinkFunc(func(Message) bool { called++; return true })}
	dispatch([]*namedSink{s}, Message{}, SeverityWarning, nil, testLogger())
	if called != 0 {
		t.Fatal("expected sink with min_severity=error to skip a warning-severity alert")
	}
	dispatch([]*namedSink{s}, Message{}, SeverityCritical, nil, testLogger())
	if called != 1 {
		t.Fatal("expected sink with min_severity=error to receive a critical-severity alert")
	}
}

func TestDispatchRoutesByRuleSinkList(t *testing.T) {
	var pager, chat int
	sinks := []*namedSink{
		{name: "pager", kind: "webhook", sink: sinkFunc(func(m Message) bool {
			if m.SinkID != "pager" {
				t.Errorf("expected sink_id stamped as pager, got %q", m.SinkID)
			}
			pager++
			return true
		})},
		{name: "chat", kind: "webhook", sink: sinkFunc(func(m Message) bool {
			if m.SinkID != "chat" {
				t.Errorf("expected sink_id stamped as chat, got %q", m.SinkID)
			}
			chat++
			return true
		})},
	}

	dispatch(sinks, Message{}, SeverityInfo, []string{"pager"}, testLogger())
	if pager != 1 || chat != 0 {
		t.Fatalf("expected only pager to receive, got pager=%d chat=%d", pager, chat)
	}

	dispatch(sinks, Message{}, SeverityInfo, nil, testLogger())
	if pager != 2 || chat != 1 {
		t.Fatalf("expected all sinks on empty list, got pager=%d chat=%d", pager, chat)
	}
}

type sinkFunc func(Message) bool

func (f sinkFunc) send(msg Message) bool { return f(msg) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
