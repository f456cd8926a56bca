package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/hausdata/ingestd/internal/config"
)

// mqttNotifySink publishes a Message to a broker topic, mirroring the
// ingest package's subscribe-side autopaho usage but in the publish
// direction.
type mqttNotifySink struct {
	cfg    config.NotifySinkConfig
	logger *slog.Logger

	mu sync.Mutex
	cm *autopaho.ConnectionManager

	connectFunc func(ctx context.Context, cliCfg autopaho.ClientConfig) (*autopaho.ConnectionManager, error)
}

func newMQTTNotifySink(cfg config.NotifySinkConfig, logger *slog.Logger) *mqttNotifySink {
	return &mqttNotifySink{
		cfg:         cfg,
		logger:      logger,
		connectFunc: autopaho.NewConnection,
	}
}

// ensureConnected lazily dials the broker on first send rather than at
// construction, so a misconfigured/unreachable notify sink never blocks
// engine startup.
func (s *mqttNotifySink) ensureConnected(ctx context.Context) (*autopaho.ConnectionManager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cm != nil {
		return s.cm, nil
	}

	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse notify broker url: %w", err)
	}

	connected := make(chan struct{}, 1)
	cliCfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{u},
		KeepAlive:  30,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			select {
			case connected <- struct{}{}:
			default:
			}
		},
		OnConnectError: func(err error) {
			s.logger.Warn("alert: mqtt notify sink connect attempt failed", "error", err)
		},
	}

	cm, err := s.connectFunc(ctx, cliCfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	select {
	case <-connected:
	case <-ctx.Done():
		cm.Disconnect(context.Background())
		return nil, ctx.Err()
	}
	s.cm = cm
	return cm, nil
}

func (s *mqttNotifySink) send(msg Message) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cm, err := s.ensureConnected(ctx)
	if err != nil {
		s.logger.Warn("alert: mqtt notify sink unavailable", "error", err)
		return false
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		s.logger.Warn("alert: failed to encode mqtt notify payload", "error", err)
		return false
	}

	topic := "ingestd/alerts/" + msg.Alert.RuleName
	_, err = cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     1,
		Payload: payload,
	})
	if err != nil {
		s.logger.Warn("alert: mqtt notify publish failed", "topic", topic, "error", err)
		return false
	}
	return true
}
