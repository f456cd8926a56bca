// Package writer implements the batched time-series writer:
// size- and time-triggered batches, per-workload optimization,
// line-protocol serialization, compression, retry with jittered
// backoff, and a circuit breaker guarding the time-series database.
package writer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hausdata/ingestd/internal/config"
	"github.com/hausdata/ingestd/internal/httpkit"
	"github.com/hausdata/ingestd/internal/model"
	"github.com/hausdata/ingestd/internal/obs"
	"github.com/hausdata/ingestd/internal/retry"
)

// Stats is the snapshot returned by Writer.Stats.
type Stats struct {
	PointsWritten      int64   `json:"points_written"`
	BatchesFlushed     int64   `json:"batches_flushed"`
	BatchesFailed      int64   `json:"batches_failed"`
	PointsDropped      int64   `json:"points_dropped"`
	RetryCount         int64   `json:"retry_count"`
	PendingPoints      int     `json:"pending_points"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	CircuitState       string  `json:"circuit_state"`
}

// BatchPerformance is the snapshot returned by Writer.BatchPerformance.
type BatchPerformance struct {
	PointsPerSecond      float64 `json:"points_per_second"`
	BatchesPerSecond     float64 `json:"batches_per_second"`
	AvgBatchSize         float64 `json:"avg_batch_size"`
	AvgWriteTimeMS       float64 `json:"avg_write_time_ms"`
	AvgBatchAgeMS        float64 `json:"avg_batch_age_ms"`
	CompressionRatio     float64 `json:"compression_ratio"`
	CumulativeBytesSaved int64   `json:"cumulative_bytes_saved"`
}

// CircuitBreakerStatus is the snapshot returned by
// Writer.CircuitBreakerStatus.
type CircuitBreakerStatus struct {
	State        string `json:"state"`
	FailureCount int    `json:"failure_count"`
}

// Writer accumulates storage points into size/age-bounded batches and
// delivers them to the time-series database's write endpoint.
type Writer struct {
	cfgMu sync.RWMutex
	cfg   config.WriterConfig

	bus    *obs.Bus
	logger *slog.Logger
	client *http.Client

	breaker *circuitBreaker

	mu      sync.Mutex
	pending []model.Point
	oldest  time.Time

	connected atomic.Bool

	stats statCounters

	wg     sync.WaitGroup
	stopCh chan struct{}
}

type statCounters struct {
	pointsWritten  atomic.Int64
	batchesFlushed atomic.Int64
	batchesFailed  atomic.Int64
	pointsDropped  atomic.Int64
	retryCount     atomic.Int64

	totalWriteTimeNS  atomic.Int64
	totalBatchAgeNS   atomic.Int64
	totalBatches      atomic.Int64
	totalUncompressed atomic.Int64
	totalCompressed   atomic.Int64
	bytesSaved        atomic.Int64

	startedAt time.Time
}

// New constructs a Writer for cfg. bus receives batch-flush and
// circuit-breaker state-change notifications for the observability
// layer; it may be nil.
func New(cfg config.WriterConfig, bus *obs.Bus, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	w := &Writer{
		cfg:     cfg,
		bus:     bus,
		logger:  logger,
		client:  httpkit.NewClient(httpkit.WithTimeout(timeout), httpkit.WithDialTimeout(cfg.ConnectTimeout)),
		breaker: newCircuitBreaker(cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.OpenDuration),
		stopCh:  make(chan struct{}),
	}
	w.stats.startedAt = time.Now()
	return w
}

// Connect opens the background flush task after a lightweight health
// probe against the database's /health endpoint succeeds.
func (w *Writer) Connect(ctx context.Context) error {
	cfg := w.config()
	if cfg.URL != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.URL+"/health", nil)
		if err == nil {
			resp, err := w.client.Do(req)
			if err != nil {
				return fmt.Errorf("writer: health probe: %w", err)
			}
			httpkit.DrainAndClose(resp.Body, 1024)
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("writer: health probe returned status %d", resp.StatusCode)
			}
		}
	}

	w.connected.Store(true)
	w.wg.Add(1)
	go w.flushLoop()
	return nil
}

// Disconnect stops the background flush task and releases the HTTP
// client's idle connections. The flush task makes one last delivery
// attempt of pending points as it stops; points that attempt does not
// deliver remain buffered in memory and are not discarded.
func (w *Writer) Disconnect() {
	if !w.connected.CompareAndSwap(true, false) {
		return
	}
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	w.wg.Wait()
	w.stopCh = make(chan struct{})
	w.client.CloseIdleConnections()
}

// WritePoint appends p to the pending batch.
func (w *Writer) WritePoint(p model.Point) error {
	return w.WritePoints([]model.Point{p})
}

// WritePoints appends points to the pending batch, dropping any that
// fail validation; a bad point is counted, never allowed to poison the
// batch. If the
// pending batch reaches BatchMaxPoints, an immediate flush is
// triggered.
func (w *Writer) WritePoints(points []model.Point) error {
	cfg := w.config()
	valid := make([]model.Point, 0, len(points))
	for _, p := range points {
		if err := p.Validate(); err != nil {
			w.stats.pointsDropped.Add(1)
			w.logger.Warn("writer: dropping invalid point", "error", err, "measurement", p.Measurement)
			continue
		}
		valid = append(valid, p)
	}

	w.mu.Lock()
	if len(w.pending) == 0 && len(valid) > 0 {
		w.oldest = time.Now()
	}
	w.pending = append(w.pending, valid...)
	var batch []model.Point
	var age time.Duration
	if cfg.BatchMaxPoints > 0 && len(w.pending) >= cfg.BatchMaxPoints {
		// Take the batch under the same lock that filled it, so the
		// size-triggered flush carries exactly the points that reached
		// the threshold and not ones appended afterwards.
		batch, w.pending = w.pending, nil
		age = time.Since(w.oldest)
		w.oldest = time.Time{}
	}
	w.mu.Unlock()

	if len(batch) > 0 {
		go w.deliverWithRetry(batch, age)
	}
	return nil
}

// Flush forces an immediate flush of pending points. It is safe to
// call concurrently with WritePoints and the
// background flush loop; concurrent flushes may overlap, but each
// delivers only the points it swapped out of the pending slice, so no
// point is taken by two flushes.
func (w *Writer) Flush() {
	batch, age := w.takePending()
	if len(batch) == 0 {
		return
	}
	w.deliverWithRetry(batch, age)
}

// takePending atomically swaps out the pending batch so the HTTP call
// proceeds on an owned-exclusive copy.
func (w *Writer) takePending() ([]model.Point, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return nil, 0
	}
	batch := w.pending
	w.pending = nil
	age := time.Since(w.oldest)
	w.oldest = time.Time{}
	return batch, age
}

// returnToPending pushes batch back onto the head of the pending queue
// so retries deliver the same points in their original order.
func (w *Writer) returnToPending(batch []model.Point, oldest time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(append([]model.Point(nil), batch...), w.pending...)
	if w.oldest.IsZero() || oldest.Before(w.oldest) {
		w.oldest = oldest
	}
}

func (w *Writer) flushLoop() {
	defer w.wg.Done()
	cfg := w.config()
	interval := cfg.BatchMaxAge
	if interval <= 0 {
		interval = 10 * time.Second
	}
	// Check more frequently than the age threshold so a batch that
	// ages out while below BatchMaxPoints is still flushed promptly.
	tick := interval / 4
	if tick < 100*time.Millisecond {
		tick = 100 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			w.Flush()
			return
		case <-ticker.C:
			if w.pendingAge() >= w.config().BatchMaxAge {
				w.Flush()
			}
		}
	}
}

func (w *Writer) pendingAge() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 || w.oldest.IsZero() {
		return 0
	}
	return time.Since(w.oldest)
}

// deliverWithRetry serializes, compresses, and POSTs batch, retrying on
// transient failure and feeding the circuit breaker on every outcome.
func (w *Writer) deliverWithRetry(batch []model.Point, age time.Duration) {
	cfg := w.config()
	oldest := time.Now().Add(-age)

	if !w.breaker.Allow() {
		w.stats.batchesFailed.Add(1)
		w.returnToPending(batch, oldest)
		return
	}

	optimized, workload := Optimize(batch)

	attempt := 0
	for {
		attempt++
		before := w.breaker.State()
		start := time.Now()
		err := w.postBatch(cfg, optimized, age)
		writeDur := time.Since(start)
		if err == nil {
			w.breaker.RecordSuccess()
			w.publishCircuitTransition(before, w.breaker.State())
			w.recordFlushSuccess(optimized, age, writeDur, workload)
			return
		}

		w.stats.retryCount.Add(1)
		w.breaker.RecordFailure()
		w.publishCircuitTransition(before, w.breaker.State())
		w.logger.Warn("writer: batch delivery failed", "attempt", attempt, "points", len(optimized), "error", err)

		if w.breaker.State() == CircuitOpen {
			w.stats.batchesFailed.Add(1)
			w.returnToPending(batch, oldest)
			return
		}
		if retry.ExhaustedRetries(cfg.Retry, attempt) {
			w.stats.batchesFailed.Add(1)
			w.returnToPending(batch, oldest)
			return
		}

		delay := retry.Delay(cfg.Retry, attempt)
		if !retry.Sleep(w.stopCh, delay) {
			w.returnToPending(batch, oldest)
			return
		}
		if !w.breaker.Allow() {
			w.stats.batchesFailed.Add(1)
			w.returnToPending(batch, oldest)
			return
		}
	}
}

func (w *Writer) recordFlushSuccess(batch []model.Point, age, writeDur time.Duration, workload Workload) {
	w.stats.pointsWritten.Add(int64(len(batch)))
	w.stats.batchesFlushed.Add(1)
	w.stats.totalBatches.Add(1)
	w.stats.totalBatchAgeNS.Add(int64(age))

	if w.bus != nil {
		w.bus.Publish(obs.Event{
			Source: obs.SourceWriter,
			Kind:   obs.KindBatchFlushed,
			Data: map[string]any{
				"points":   len(batch),
				"age_ms":   float64(age) / float64(time.Millisecond),
				"write_ms": float64(writeDur) / float64(time.Millisecond),
				"workload": string(workload),
			},
		})
	}
}

// publishCircuitTransition emits a circuit_state_change event when
// the breaker actually changed state, so subscribers (such as the
// metrics bridge) don't see noise on every no-op attempt.
func (w *Writer) publishCircuitTransition(before, after CircuitState) {
	if w.bus == nil || before == after {
		return
	}
	w.bus.Publish(obs.Event{
		Source: obs.SourceWriter,
		Kind:   obs.KindCircuitStateChange,
		Data:   map[string]any{"from": before.String(), "to": after.String()},
	})
}

// postBatch performs a single HTTP POST attempt. It never retries
// internally; the caller's loop owns retry/backoff decisions so the
// circuit breaker sees every individual attempt.
func (w *Writer) postBatch(cfg config.WriterConfig, batch []model.Point, age time.Duration) error {
	line := model.EncodeBatch(batch)
	uncompressed := []byte(line)

	compression := Compression(cfg.Compression)
	if compression == "" {
		compression = CompressionGzip
	}
	body, err := Compress(compression, uncompressed, cfg.CompressionLevel)
	if err != nil {
		w.logger.Warn("writer: compression failed, falling back to identity", "error", err)
		compression = CompressionNone
		body = uncompressed
	}

	w.stats.totalUncompressed.Add(int64(len(uncompressed)))
	w.stats.totalCompressed.Add(int64(len(body)))
	if saved := int64(len(uncompressed) - len(body)); saved > 0 {
		w.stats.bytesSaved.Add(saved)
	}

	url := fmt.Sprintf("%s/api/v2/write?org=%s&bucket=%s&precision=ns", cfg.URL, cfg.Org, cfg.Bucket)
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout(cfg))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+cfg.Token)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	req.Header.Set("Content-Encoding", compression.ContentEncoding())

	start := time.Now()
	resp, err := w.client.Do(req)
	elapsed := time.Since(start)
	w.stats.totalWriteTimeNS.Add(int64(elapsed))
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil
	case http.StatusTooManyRequests:
		return fmt.Errorf("rate limited (429): %s", httpkit.ReadErrorBody(resp.Body, 4096))
	default:
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}
}

func writeTimeout(cfg config.WriterConfig) time.Duration {
	if cfg.WriteTimeout > 0 {
		return cfg.WriteTimeout
	}
	return 10 * time.Second
}

func (w *Writer) config() config.WriterConfig {
	w.cfgMu.RLock()
	defer w.cfgMu.RUnlock()
	return w.cfg
}

// UpdateBatchConfig mutably tunes batch size, timeout, compression,
// compression level, and (implicitly, via Optimize always running)
// optimization at runtime.
func (w *Writer) UpdateBatchConfig(maxPoints int, maxAge time.Duration, compression string, level int) {
	w.cfgMu.Lock()
	defer w.cfgMu.Unlock()
	if maxPoints > 0 {
		w.cfg.BatchMaxPoints = maxPoints
	}
	if maxAge > 0 {
		w.cfg.BatchMaxAge = maxAge
	}
	if compression != "" {
		w.cfg.Compression = compression
	}
	if level > 0 {
		w.cfg.CompressionLevel = level
	}
}

// Stats returns a snapshot of cumulative writer counters.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	pendingLen := len(w.pending)
	w.mu.Unlock()
	return Stats{
		PointsWritten:       w.stats.pointsWritten.Load(),
		BatchesFlushed:      w.stats.batchesFlushed.Load(),
		BatchesFailed:       w.stats.batchesFailed.Load(),
		PointsDropped:       w.stats.pointsDropped.Load(),
		RetryCount:          w.stats.retryCount.Load(),
		PendingPoints:       pendingLen,
		ConsecutiveFailures: w.breaker.FailureCount(),
		CircuitState:        w.breaker.State().String(),
	}
}

// BatchPerformance returns throughput and compression metrics.
func (w *Writer) BatchPerformance() BatchPerformance {
	batches := w.stats.totalBatches.Load()
	points := w.stats.pointsWritten.Load()
	elapsed := time.Since(w.stats.startedAt).Seconds()

	perf := BatchPerformance{CumulativeBytesSaved: w.stats.bytesSaved.Load()}
	if elapsed > 0 {
		perf.PointsPerSecond = float64(points) / elapsed
		perf.BatchesPerSecond = float64(batches) / elapsed
	}
	if batches > 0 {
		perf.AvgBatchSize = float64(points) / float64(batches)
		perf.AvgWriteTimeMS = float64(w.stats.totalWriteTimeNS.Load()) / float64(batches) / float64(time.Millisecond)
		perf.AvgBatchAgeMS = float64(w.stats.totalBatchAgeNS.Load()) / float64(batches) / float64(time.Millisecond)
	}
	if uncompressed := w.stats.totalUncompressed.Load(); uncompressed > 0 {
		perf.CompressionRatio = float64(w.stats.totalCompressed.Load()) / float64(uncompressed)
	}
	return perf
}

// CircuitBreakerStatus returns the breaker's current state and failure
// count.
func (w *Writer) CircuitBreakerStatus() CircuitBreakerStatus {
	return CircuitBreakerStatus{
		State:        w.breaker.State().String(),
		FailureCount: w.breaker.FailureCount(),
	}
}

// Healthy reports whether the writer should be considered healthy for
// the observability layer's dependency check.
func (w *Writer) Healthy() bool {
	return w.breaker.State() != CircuitOpen
}
