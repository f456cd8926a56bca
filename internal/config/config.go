// Package config handles ingestd configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// searchPathsFunc is overridden in tests to avoid depending on the
// developer/deploy machine's real search paths.
var searchPathsFunc = DefaultSearchPaths

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/ingestd/config.yaml, /config/config.yaml,
// /etc/ingestd/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "ingestd", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/ingestd/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches searchPathsFunc() and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds all ingestd configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	Connection ConnectionConfig `yaml:"connection"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Writer     WriterConfig     `yaml:"writer"`
	Alert      AlertConfig      `yaml:"alert"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
}

// ListenConfig defines the health/metrics HTTP server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ConnectionConfig defines the upstream hub connection settings.
type ConnectionConfig struct {
	// Transport selects the ingestion transport: "websocket" (direct hub
	// connection) or "mqtt" (broker subscription).
	Transport string `yaml:"transport"`

	// URL is the hub websocket endpoint, e.g. "ws://homeassistant.local:8123/api/websocket".
	URL string `yaml:"url"`
	// Token authenticates the websocket session.
	Token string `yaml:"token"`

	// BrokerURL is the MQTT broker address, e.g. "tcp://broker.local:1883".
	BrokerURL string `yaml:"broker_url"`
	// BrokerUsername/BrokerPassword authenticate the MQTT session.
	BrokerUsername string `yaml:"broker_username"`
	BrokerPassword string `yaml:"broker_password"`
	// Topics lists the MQTT subscription filters.
	Topics []string `yaml:"topics"`

	// SubscribeEventTypes restricts the websocket subscription to these
	// event types. Empty means subscribe to all state_changed events.
	SubscribeEventTypes []string `yaml:"subscribe_event_types"`

	// Backoff controls reconnect pacing after a dropped connection.
	Backoff BackoffConfig `yaml:"backoff"`

	// HandshakeTimeout bounds the auth+subscribe handshake.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// BackoffConfig defines exponential backoff with jitter, shared by the
// connection manager and the writer's retry logic.
type BackoffConfig struct {
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     float64       `yaml:"jitter"` // fraction, e.g. 0.2 = ±20%
	MaxRetries int           `yaml:"max_retries"` // 0 = unlimited
}

// PipelineConfig defines the event pipeline's dedup, filter, enrichment,
// and queueing behavior.
type PipelineConfig struct {
	// DedupWindow is the sliding window over which identical event
	// identities are suppressed.
	DedupWindow time.Duration `yaml:"dedup_window"`
	// DedupCacheSize bounds the number of tracked identities.
	DedupCacheSize int `yaml:"dedup_cache_size"`

	// FilterCacheSize bounds the filter chain's LRU result cache.
	FilterCacheSize int `yaml:"filter_cache_size"`

	// EnrichmentURL is the weather provider's endpoint. Empty disables
	// enrichment.
	EnrichmentURL string `yaml:"enrichment_url"`
	// EnrichmentAPIKey authenticates provider lookups.
	EnrichmentAPIKey string `yaml:"enrichment_api_key"`
	// EnrichmentLocation is the lookup location used when an event
	// carries no location attribute of its own.
	EnrichmentLocation string `yaml:"enrichment_location"`
	// EnrichmentTTL is how long a cached enrichment lookup stays fresh.
	EnrichmentTTL time.Duration `yaml:"enrichment_ttl"`
	// EnrichmentCacheSize bounds the enrichment lookup cache.
	EnrichmentCacheSize int `yaml:"enrichment_cache_size"`
	// EnrichmentRateLimit caps enrichment calls per second.
	EnrichmentRateLimit float64 `yaml:"enrichment_rate_limit"`
	// EnrichmentTimeout bounds a single enrichment call before falling
	// back to the last-known-good (stale) value.
	EnrichmentTimeout time.Duration `yaml:"enrichment_timeout"`
	// EnrichmentFallback serves a stale cached value, tagged as stale,
	// when a lookup fails.
	EnrichmentFallback bool `yaml:"enrichment_fallback"`

	// RateLimitEventsPerSec is the token-bucket cap on submissions
	// before they enter the queue. Zero takes the default of 1000; a
	// negative value disables shedding.
	RateLimitEventsPerSec float64 `yaml:"rate_limit_events_per_sec"`

	// QueueCapacity bounds the in-memory work queue between ingestion
	// and the worker pool.
	QueueCapacity int `yaml:"queue_capacity"`
	// Workers is the number of pipeline worker goroutines.
	Workers int `yaml:"workers"`
	// OverflowDir is where events spill to disk (NDJSON) when the queue
	// is full and cannot accept more work without blocking ingestion.
	OverflowDir string `yaml:"overflow_dir"`
	// OverflowMaxBytes bounds total spill-file size before events are
	// dropped outright (and counted).
	OverflowMaxBytes int64 `yaml:"overflow_max_bytes"`
}

// WriterConfig defines the time-series writer's batching, encoding, and
// delivery settings.
type WriterConfig struct {
	// URL is the time-series database's write endpoint, e.g.
	// "http://influxdb.local:8086".
	URL   string `yaml:"url"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
	Token  string `yaml:"token"`

	// BatchMaxPoints triggers a flush once reached.
	BatchMaxPoints int `yaml:"batch_max_points"`
	// BatchMaxAge triggers a flush once the oldest buffered point is
	// this old, even if BatchMaxPoints hasn't been reached.
	BatchMaxAge time.Duration `yaml:"batch_max_age"`

	// Compression selects "none", "gzip", or "deflate".
	Compression string `yaml:"compression"`
	// CompressionLevel is passed to the chosen compressor (ignored for
	// "none").
	CompressionLevel int `yaml:"compression_level"`

	// Retry controls the backoff between failed batch write attempts.
	Retry BackoffConfig `yaml:"retry"`

	// CircuitBreaker controls the writer's failure-isolation breaker.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`

	// ConnectTimeout bounds TCP connection establishment to the
	// database, separately from WriteTimeout.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// WriteTimeout bounds a single HTTP write call.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// CircuitBreakerConfig defines the three-state breaker's thresholds.
type CircuitBreakerConfig struct {
	// FailureThreshold is the consecutive failure count that trips
	// CLOSED -> OPEN.
	FailureThreshold int `yaml:"failure_threshold"`
	// OpenDuration is how long the breaker stays OPEN before probing
	// HALF_OPEN.
	OpenDuration time.Duration `yaml:"open_duration"`
	// HalfOpenSuccesses is parsed and defaulted to 2 but not consulted:
	// the breaker returns to CLOSED on the first success in HALF_OPEN.
	HalfOpenSuccesses int `yaml:"half_open_successes"`
}

// AlertConfig defines the alert rule engine's evaluation cadence and
// notification fan-out.
type AlertConfig struct {
	// CheckInterval is how often the background sweep expires stale
	// alerts and prunes aggregation groups. Rules themselves are
	// evaluated as each event is submitted.
	CheckInterval time.Duration `yaml:"check_interval"`
	// AggregationWindow is the sliding window within which triggers of
	// the same (rule, severity) collapse into one notification.
	AggregationWindow time.Duration `yaml:"aggregation_window"`
	// HistoryBound caps retained resolved/expired alert instances.
	HistoryBound int `yaml:"history_bound"`
	// DefaultCooldown applies to rules that don't set their own.
	DefaultCooldown time.Duration `yaml:"default_cooldown"`
	// ExpireAfter marks an active or acknowledged alert expired after
	// this long with no re-trigger. It applies only to alerts whose rule
	// sets no time window of its own.
	ExpireAfter time.Duration `yaml:"expire_after"`

	// Notify configures the notification sinks alerts fan out to.
	Notify []NotifySinkConfig `yaml:"notify"`

	// Rules declares alert rules at startup. Rules can also be
	// installed programmatically through the engine.
	Rules []AlertRuleConfig `yaml:"rules"`
}

// AlertRuleConfig declares one alert rule in the config file. Parsing
// into the engine's rule type happens at startup; a malformed rule is
// a fatal configuration error.
type AlertRuleConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	// Severity is one of info, warning, error, critical.
	Severity string `yaml:"severity"`
	// Disabled rules are parsed and installed but never evaluated.
	Disabled bool `yaml:"disabled"`

	Predicates []AlertPredicateConfig `yaml:"predicates"`
	// FieldPath names the numeric attribute path Threshold evaluates.
	FieldPath string                `yaml:"field_path"`
	Threshold *AlertThresholdConfig `yaml:"threshold"`

	// TimeWindowMinutes bounds how long a triggered alert stays active
	// before the expiry sweep marks it expired. Zero means the rule sets
	// no window of its own, and the engine-wide ExpireAfter applies.
	TimeWindowMinutes float64           `yaml:"time_window_minutes"`
	CooldownMinutes   float64           `yaml:"cooldown_minutes"`
	Notify            []string          `yaml:"notify"`
	Tags              map[string]string `yaml:"tags"`
}

// AlertPredicateConfig is one field-path condition of a rule.
type AlertPredicateConfig struct {
	FieldPath string `yaml:"field_path"`
	// Op is one of =, !=, <, <=, >, >=, in, contains, matches,
	// exists, not_exists.
	Op    string `yaml:"op"`
	Value any    `yaml:"value"`
	Set   []any  `yaml:"set"`
	// Pattern is the regex for op: matches.
	Pattern string `yaml:"pattern"`
}

// AlertThresholdConfig is a rule's optional numeric condition.
type AlertThresholdConfig struct {
	// Type is one of above, below, equals, not_equals, percent_change,
	// trend_up, trend_down, volatility, outlier.
	Type  string  `yaml:"type"`
	Value float64 `yaml:"value"`
	// Baseline is percent_change's aggregate: latest, avg, min, max,
	// sum.
	Baseline string `yaml:"baseline"`
	// Sensitivity is trend_up/trend_down's slope threshold.
	Sensitivity       float64 `yaml:"sensitivity"`
	TimeWindowMinutes float64 `yaml:"time_window_minutes"`
	MinDataPoints     int     `yaml:"min_data_points"`
}

// NotifySinkConfig configures one notification sink. Kind selects the
// sink implementation, e.g.
// "webhook" or "mqtt".
type NotifySinkConfig struct {
	// Name is the identifier rules reference in their notify list.
	// Defaults to Kind when unset.
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
	URL  string `yaml:"url"`
	// MinSeverity filters out alerts below this severity for this sink.
	MinSeverity string `yaml:"min_severity"`
}

// Configured reports whether the connection has enough settings to
// attempt a connection for its selected transport.
func (c ConnectionConfig) Configured() bool {
	switch c.Transport {
	case "mqtt":
		return c.BrokerURL != ""
	default:
		return c.URL != "" && c.Token != ""
	}
}

// Configured reports whether the writer has a usable destination.
func (c WriterConfig) Configured() bool {
	return c.URL != "" && c.Bucket != ""
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${HOME}, ${INGESTD_TOKEN}).
	// This is a convenience for container deployments; the recommended
	// approach is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}

	if c.Connection.Transport == "" {
		c.Connection.Transport = "websocket"
	}
	if c.Connection.HandshakeTimeout == 0 {
		c.Connection.HandshakeTimeout = 10 * time.Second
	}
	applyBackoffDefaults(&c.Connection.Backoff)

	if c.Pipeline.DedupWindow == 0 {
		c.Pipeline.DedupWindow = 5 * time.Second
	}
	if c.Pipeline.DedupCacheSize == 0 {
		c.Pipeline.DedupCacheSize = 10000
	}
	if c.Pipeline.FilterCacheSize == 0 {
		c.Pipeline.FilterCacheSize = 4096
	}
	if c.Pipeline.EnrichmentTTL == 0 {
		c.Pipeline.EnrichmentTTL = 5 * time.Minute
	}
	if c.Pipeline.EnrichmentCacheSize == 0 {
		c.Pipeline.EnrichmentCacheSize = 1000
	}
	if c.Pipeline.EnrichmentRateLimit == 0 {
		c.Pipeline.EnrichmentRateLimit = 1
	}
	if c.Pipeline.EnrichmentTimeout == 0 {
		c.Pipeline.EnrichmentTimeout = 2 * time.Second
	}
	if c.Pipeline.RateLimitEventsPerSec == 0 {
		c.Pipeline.RateLimitEventsPerSec = 1000
	}
	if c.Pipeline.QueueCapacity == 0 {
		c.Pipeline.QueueCapacity = 10000
	}
	if c.Pipeline.Workers == 0 {
		c.Pipeline.Workers = 10
	}
	if c.Pipeline.OverflowDir == "" {
		c.Pipeline.OverflowDir = filepath.Join(c.DataDir, "overflow")
	}
	if c.Pipeline.OverflowMaxBytes == 0 {
		c.Pipeline.OverflowMaxBytes = 256 << 20
	}

	if c.Writer.BatchMaxPoints == 0 {
		c.Writer.BatchMaxPoints = 1000
	}
	if c.Writer.BatchMaxAge == 0 {
		c.Writer.BatchMaxAge = 10 * time.Second
	}
	if c.Writer.Compression == "" {
		c.Writer.Compression = "gzip"
	}
	if c.Writer.CompressionLevel == 0 {
		c.Writer.CompressionLevel = 6
	}
	if c.Writer.ConnectTimeout == 0 {
		c.Writer.ConnectTimeout = 5 * time.Second
	}
	if c.Writer.WriteTimeout == 0 {
		c.Writer.WriteTimeout = 10 * time.Second
	}
	applyBackoffDefaults(&c.Writer.Retry)
	if c.Writer.CircuitBreaker.FailureThreshold == 0 {
		c.Writer.CircuitBreaker.FailureThreshold = 5
	}
	if c.Writer.CircuitBreaker.OpenDuration == 0 {
		c.Writer.CircuitBreaker.OpenDuration = 60 * time.Second
	}
	if c.Writer.CircuitBreaker.HalfOpenSuccesses == 0 {
		c.Writer.CircuitBreaker.HalfOpenSuccesses = 2
	}

	if c.Alert.CheckInterval == 0 {
		c.Alert.CheckInterval = 15 * time.Second
	}
	if c.Alert.AggregationWindow == 0 {
		c.Alert.AggregationWindow = 5 * time.Minute
	}
	if c.Alert.HistoryBound == 0 {
		c.Alert.HistoryBound = 1000
	}
	if c.Alert.DefaultCooldown == 0 {
		c.Alert.DefaultCooldown = 5 * time.Minute
	}
	if c.Alert.ExpireAfter == 0 {
		c.Alert.ExpireAfter = 24 * time.Hour
	}
}

func applyBackoffDefaults(b *BackoffConfig) {
	if b.BaseDelay == 0 {
		b.BaseDelay = 1 * time.Second
	}
	if b.MaxDelay == 0 {
		b.MaxDelay = 60 * time.Second
	}
	if b.Multiplier == 0 {
		b.Multiplier = 2.0
	}
	if b.Jitter == 0 {
		b.Jitter = 0.2
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	switch c.Connection.Transport {
	case "websocket", "mqtt":
	default:
		return fmt.Errorf("connection.transport %q must be \"websocket\" or \"mqtt\"", c.Connection.Transport)
	}
	if c.Connection.Backoff.Multiplier <= 1.0 {
		return fmt.Errorf("connection.backoff.multiplier must be > 1.0, got %v", c.Connection.Backoff.Multiplier)
	}
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be >= 1, got %d", c.Pipeline.Workers)
	}
	if c.Pipeline.QueueCapacity < 1 {
		return fmt.Errorf("pipeline.queue_capacity must be >= 1, got %d", c.Pipeline.QueueCapacity)
	}
	switch c.Writer.Compression {
	case "none", "gzip", "deflate":
	default:
		return fmt.Errorf("writer.compression %q must be one of: none, gzip, deflate", c.Writer.Compression)
	}
	if c.Writer.BatchMaxPoints < 1 {
		return fmt.Errorf("writer.batch_max_points must be >= 1, got %d", c.Writer.BatchMaxPoints)
	}
	for _, sink := range c.Alert.Notify {
		switch sink.Kind {
		case "webhook", "mqtt":
		default:
			return fmt.Errorf("alert.notify sink kind %q must be one of: webhook, mqtt", sink.Kind)
		}
	}
	return nil
}

// Default returns a default configuration suitable for local
// development against a loopback hub and time-series database. All
// defaults are already applied.
func Default() *Config {
	cfg := &Config{
		Connection: ConnectionConfig{
			Transport: "websocket",
			URL:       "ws://localhost:8123/api/websocket",
		},
		Writer: WriterConfig{
			URL:    "http://localhost:8086",
			Org:    "home",
			Bucket: "events",
		},
	}
	cfg.applyDefaults()
	return cfg
}
