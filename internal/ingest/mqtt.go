package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/hausdata/ingestd/internal/config"
	"github.com/hausdata/ingestd/internal/model"
)

// mqttFrame is the decoded payload handed from the broker's publish
// callback to next() through an internal channel; it carries either a
// ready-to-dispatch frame or a delivery error.
type mqttFrame struct {
	frame frame
	err   error
}

// mqttTransport subscribes to the configured broker topics and decodes
// each published message into a model.Event, treating the broker as an
// alternate upstream channel. Unlike the websocket transport there is no separate
// authenticate step: credentials are presented at connect time and
// "subscribe" means issuing the configured topic subscriptions.
type mqttTransport struct {
	cfg    config.ConnectionConfig
	logger *slog.Logger

	mu     sync.Mutex
	cm     *autopaho.ConnectionManager
	frames chan mqttFrame

	connectFunc func(ctx context.Context, cliCfg autopaho.ClientConfig) (*autopaho.ConnectionManager, error)
}

func newMQTTTransport(cfg config.ConnectionConfig, logger *slog.Logger) *mqttTransport {
	return &mqttTransport{
		cfg:         cfg,
		logger:      logger,
		frames:      make(chan mqttFrame, 256),
		connectFunc: autopaho.NewConnection,
	}
}

func (t *mqttTransport) dial(ctx context.Context) error {
	u, err := url.Parse(t.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("parse broker url: %w", err)
	}

	connected := make(chan struct{}, 1)
	cliCfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{u},
		KeepAlive:  30,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			t.logger.Info("mqtt broker connection established", "broker", t.cfg.BrokerURL)
			select {
			case connected <- struct{}{}:
			default:
			}
		},
		OnConnectError: func(err error) {
			t.logger.Warn("mqtt connect attempt failed", "error", err)
		},
	}
	if t.cfg.BrokerUsername != "" {
		cliCfg.ConnectUsername = t.cfg.BrokerUsername
		cliCfg.ConnectPassword = []byte(t.cfg.BrokerPassword)
	}

	cm, err := t.connectFunc(ctx, cliCfg)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	select {
	case <-connected:
	case <-ctx.Done():
		cm.Disconnect(context.Background())
		return ctx.Err()
	}

	cm.AddOnPublishReceived(t.onPublish)

	t.mu.Lock()
	t.cm = cm
	t.mu.Unlock()
	return nil
}

// authenticate is a no-op: broker credentials are presented during the
// CONNECT handshake performed by dial.
func (t *mqttTransport) authenticate(ctx context.Context) error {
	return nil
}

func (t *mqttTransport) subscribe(ctx context.Context, eventTypes []string) error {
	t.mu.Lock()
	cm := t.cm
	t.mu.Unlock()
	if cm == nil {
		return fmt.Errorf("mqtt: not connected")
	}

	topics := t.cfg.Topics
	if len(topics) == 0 {
		topics = []string{"#"}
	}

	subs := make([]paho.SubscribeOptions, 0, len(topics))
	for _, topic := range topics {
		subs = append(subs, paho.SubscribeOptions{Topic: topic, QoS: 1})
	}

	_, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

func (t *mqttTransport) onPublish(pr autopaho.PublishReceived) (bool, error) {
	f, ok := decodeMQTTPublish(pr.Packet.Topic, pr.Packet.Payload)
	if !ok {
		return true, nil
	}
	select {
	case t.frames <- mqttFrame{frame: f}:
	default:
		t.logger.Warn("mqtt frame buffer full, dropping message", "topic", pr.Packet.Topic)
	}
	return true, nil
}

func (t *mqttTransport) next(ctx context.Context) (frame, error) {
	select {
	case mf, ok := <-t.frames:
		if !ok {
			return frame{}, fmt.Errorf("mqtt: frame channel closed")
		}
		if mf.err != nil {
			return frame{}, mf.err
		}
		return mf.frame, nil
	case <-ctx.Done():
		return frame{}, ctx.Err()
	}
}

func (t *mqttTransport) close() error {
	t.mu.Lock()
	cm := t.cm
	t.cm = nil
	t.mu.Unlock()
	if cm == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return cm.Disconnect(ctx)
}

// mqttPublishData is the expected payload shape for a state-change
// publish on a domain topic, e.g. "homeassistant/light/kitchen/state".
type mqttPublishData struct {
	EntityID   string         `json:"entity_id"`
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes"`
	Timestamp  *time.Time     `json:"timestamp,omitempty"`
}

// decodeMQTTPublish derives an entity id and domain from the topic when
// the payload omits one, following the common
// "<prefix>/<domain>/<object_id>/state" topic layout.
func decodeMQTTPublish(topic string, payload []byte) (frame, bool) {
	var data mqttPublishData
	if err := json.Unmarshal(payload, &data); err != nil {
		return frame{}, false
	}

	entityID := data.EntityID
	domain := ""
	parts := strings.Split(strings.Trim(topic, "/"), "/")
	if len(parts) >= 3 {
		domain = parts[len(parts)-3]
		if entityID == "" {
			objectID := parts[len(parts)-2]
			entityID = domain + "." + objectID
		}
	}
	if entityID == "" {
		return frame{}, false
	}
	if domain == "" {
		if i := strings.IndexByte(entityID, '.'); i >= 0 {
			domain = entityID[:i]
		}
	}

	attrs := make(map[string]model.Value, len(data.Attributes)+1)
	if data.State != "" {
		attrs["state"] = model.String(data.State)
	}
	for k, v := range data.Attributes {
		attrs[k] = model.FromAny(v)
	}

	ts := time.Now()
	if data.Timestamp != nil {
		ts = *data.Timestamp
	}

	e := model.Event{
		Domain:     domain,
		EntityID:   entityID,
		Type:       "state_changed",
		Timestamp:  ts,
		Attributes: attrs,
	}
	e = e.WithRaw(append([]byte(topic+"|"), payload...))
	return frame{kind: frameEvent, event: e}, true
}
