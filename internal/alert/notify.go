package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/hausdata/ingestd/internal/config"
	"github.com/hausdata/ingestd/internal/httpkit"
)

// Message is the payload handed to a notification Sink: a short title
// and body for human-facing channels, the full alert instance snapshot
// for machine consumers, the id of the sink it was dispatched to, and
// free-form metadata. SinkID is stamped by dispatch, per sink.
type Message struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Severity string            `json:"severity"`
	Alert    Instance          `json:"alert_snapshot"`
	SinkID   string            `json:"sink_id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Sink delivers a Message to an external system. send reports whether
// delivery succeeded; a sink failure never stops dispatch to the
// remaining sinks.
type Sink interface {
	send(msg Message) bool
}

// severityRank mirrors Severity.rank for config-driven min-severity
// filtering without importing Severity into config.
func severityRank(name string) int {
	switch name {
	case "warning":
		return int(SeverityWarning)
	case "error":
		return int(SeverityError)
	case "critical":
		return int(SeverityCritical)
	default:
		return int(SeverityInfo)
	}
}

// namedSink pairs a Sink with its identifier, configured minimum
// severity, and a running success/failure counter.
type namedSink struct {
	name        string
	kind        string
	minSeverity int
	sink        Sink

	sent   atomic.Int64
	failed atomic.Int64
}

// webhookSink posts Message as JSON to a configured URL.
type webhookSink struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func newWebhookSink(cfg config.NotifySinkConfig, logger *slog.Logger) *webhookSink {
	return &webhookSink{
		url:    cfg.URL,
		client: httpkit.NewClient(httpkit.WithTimeout(10 * time.Second)),
		logger: logger,
	}
}

func (s *webhookSink) send(msg Message) bool {
	body, err := json.Marshal(msg)
	if err != nil {
		s.logger.Warn("alert: failed to encode webhook payload", "error", err)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		s.logger.Warn("alert: failed to build webhook request", "error", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("alert: webhook delivery failed", "url", s.url, "error", err)
		return false
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode >= 300 {
		s.logger.Warn("alert: webhook returned non-2xx", "url", s.url, "status", resp.StatusCode,
			"body", httpkit.ReadErrorBody(resp.Body, 1024))
		return false
	}
	return true
}

// buildSinks constructs the configured notification sinks. Unknown
// kinds are skipped with a log warning rather than failing startup;
// config.Validate rejects them earlier for file-loaded configs, so
// this path only fires on programmatic construction.
func buildSinks(cfgs []config.NotifySinkConfig, logger *slog.Logger) []*namedSink {
	out := make([]*namedSink, 0, len(cfgs))
	for _, c := range cfgs {
		var s Sink
		switch c.Kind {
		case "webhook":
			s = newWebhookSink(c, logger)
		case "mqtt":
			s = newMQTTNotifySink(c, logger)
		default:
			logger.Warn("alert: skipping notify sink with unknown kind", "kind", c.Kind)
			continue
		}
		name := c.Name
		if name == "" {
			name = c.Kind
		}
		out = append(out, &namedSink{
			name:        name,
			kind:        c.Kind,
			minSeverity: severityRank(c.MinSeverity),
			sink:        s,
		})
	}
	return out
}

// dispatch fans msg out to every sink whose min-severity allows it.
// A non-empty only list restricts delivery to sinks named in it (a
// rule's notify list); an empty list means every sink. Each send runs
// synchronously in sequence; a failing sink is counted and logged but
// never aborts dispatch to the rest.
func dispatch(sinks []*namedSink, msg Message, sev Severity, only []string, logger *slog.Logger) {
	for _, ns := range sinks {
		if int(sev) < ns.minSeverity {
			continue
		}
		if len(only) > 0 && !containsName(only, ns.name) {
			continue
		}
		msg.SinkID = ns.name
		if ns.sink.send(msg) {
			ns.sent.Add(1)
		} else {
			ns.failed.Add(1)
			logger.Warn("alert: notify sink failed", "sink", ns.name, "rule", msg.Alert.RuleName)
		}
	}
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// SinkStats is a per-sink delivery counter snapshot.
type SinkStats struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Sent   int64  `json:"sent"`
	Failed int64  `json:"failed"`
}

func sinkStats(sinks []*namedSink) []SinkStats {
	out := make([]SinkStats, len(sinks))
	for i, ns := range sinks {
		out[i] = SinkStats{Name: ns.name, Kind: ns.kind, Sent: ns.sent.Load(), Failed: ns.failed.Load()}
	}
	return out
}
