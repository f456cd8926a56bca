package pipeline

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hausdata/ingestd/internal/model"
)

// spillRecord is the NDJSON-serializable projection of a model.Event
// written to the overflow directory when both the primary queue and
// the in-memory overflow buffer are full.
type spillRecord struct {
	Domain     string         `json:"domain"`
	EntityID   string         `json:"entity_id"`
	Type       string         `json:"type"`
	TimestampNS int64         `json:"ts_ns"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func eventToSpillRecord(e model.Event) spillRecord {
	attrs := make(map[string]any, len(e.Attributes))
	for k, v := range e.Attributes {
		attrs[k] = v.ToAny()
	}
	return spillRecord{
		Domain:      e.Domain,
		EntityID:    e.EntityID,
		Type:        e.Type,
		TimestampNS: e.Timestamp.UnixNano(),
		Attributes:  attrs,
	}
}

func (r spillRecord) toEvent() model.Event {
	attrs := make(map[string]model.Value, len(r.Attributes))
	for k, v := range r.Attributes {
		attrs[k] = model.FromAny(v)
	}
	e := model.Event{
		Domain:     r.Domain,
		EntityID:   r.EntityID,
		Type:       r.Type,
		Timestamp:  time.Unix(0, r.TimestampNS),
		Attributes: attrs,
	}
	return e.WithRaw([]byte(fmt.Sprintf("%s|%s|%d", r.Type, r.EntityID, r.TimestampNS)))
}


// overflowBuffer is the secondary bounded buffer submit() routes to
// when the primary queue is full. When it too is full, events spill to
// an NDJSON file in dir (if configured) or are dropped and counted.
type overflowBuffer struct {
	mu       sync.Mutex
	dir      string
	maxBytes int64
	spilled  int64

	buf    chan model.Event
	logger *slog.Logger
}

func newOverflowBuffer(capacity int, dir string, maxBytes int64, logger *slog.Logger) *overflowBuffer {
	if capacity <= 0 {
		capacity = 10000
	}
	return &overflowBuffer{
		dir:      dir,
		maxBytes: maxBytes,
		buf:      make(chan model.Event, capacity),
		logger:   logger,
	}
}

// Push attempts the in-memory overflow buffer first, then disk spill.
// Returns false only if the event was dropped outright.
func (o *overflowBuffer) Push(e model.Event) bool {
	select {
	case o.buf <- e:
		return true
	default:
	}
	if o.dir == "" {
		return false
	}
	return o.spillToDisk(e)
}

func (o *overflowBuffer) spillToDisk(e model.Event) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.maxBytes > 0 && o.spilled >= o.maxBytes {
		return false
	}

	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		o.logger.Error("overflow: cannot create spill dir", "dir", o.dir, "error", err)
		return false
	}

	path := filepath.Join(o.dir, "overflow.ndjson")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		o.logger.Error("overflow: cannot open spill file", "path", path, "error", err)
		return false
	}
	defer f.Close()

	line, err := json.Marshal(eventToSpillRecord(e))
	if err != nil {
		return false
	}
	line = append(line, '\n')
	n, err := f.Write(line)
	if err != nil {
		o.logger.Error("overflow: spill write failed", "path", path, "error", err)
		return false
	}
	o.spilled += int64(n)
	return true
}

// Drain pulls up to max events out of the in-memory overflow buffer for
// re-submission into the primary queue. Disk-spilled events are
// recovered separately via Recover at startup.
func (o *overflowBuffer) Drain(max int) []model.Event {
	out := make([]model.Event, 0, max)
	for i := 0; i < max; i++ {
		select {
		case e := <-o.buf:
			out = append(out, e)
		default:
			return out
		}
	}
	return out
}

// Recover reads any spill files left in dir from a prior run, returning
// their events and deleting the files.
func (o *overflowBuffer) Recover() ([]model.Event, error) {
	if o.dir == "" {
		return nil, nil
	}
	path := filepath.Join(o.dir, "overflow.ndjson")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var events []model.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var rec spillRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			o.logger.Warn("overflow: skipping malformed recovery record", "error", err)
			continue
		}
		events = append(events, rec.toEvent())
	}
	f.Close()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		o.logger.Warn("overflow: failed to remove recovered spill file", "path", path, "error", err)
	}
	o.mu.Lock()
	o.spilled = 0
	o.mu.Unlock()

	return events, scanner.Err()
}

// counters is the atomic stats block shared across pipeline workers.
type counters struct {
	processed     atomic.Int64
	deduplicated  atomic.Int64
	filtered      atomic.Int64
	transformed   atomic.Int64
	stored        atomic.Int64
	failed        atomic.Int64
	rateLimited   atomic.Int64
	overflowed    atomic.Int64
	latencySumNS  atomic.Int64
	latencyCount  atomic.Int64
}

func (c *counters) recordLatency(d time.Duration) {
	c.latencySumNS.Add(int64(d))
	c.latencyCount.Add(1)
}

func (c *counters) avgLatencyMS() float64 {
	n := c.latencyCount.Load()
	if n == 0 {
		return 0
	}
	return float64(c.latencySumNS.Load()) / float64(n) / float64(time.Millisecond)
}
