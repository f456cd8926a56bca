package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hausdata/ingestd/internal/config"
	"github.com/hausdata/ingestd/internal/model"
)

// wireConn is the subset of *websocket.Conn the transport needs,
// extracted so tests can substitute a fake implementation without a
// real network round-trip.
type wireConn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
	SetReadLimit(limit int64)
}

// wsMessage is the generic envelope for every frame on the hub's
// bidirectional JSON channel.
type wsMessage struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success bool            `json:"success,omitempty"`
	Event   *wsEvent        `json:"event,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wsEvent struct {
	EventType string          `json:"event_type"`
	TimeFired time.Time       `json:"time_fired"`
	Data      json.RawMessage `json:"data"`
}

// stateChangedData is the data payload of a state_changed event.
type stateChangedData struct {
	EntityID string `json:"entity_id"`
	NewState *struct {
		State      string         `json:"state"`
		Attributes map[string]any `json:"attributes"`
	} `json:"new_state"`
}

// registryUpdateData carries just enough of a
// device_registry_updated/entity_registry_updated payload to merge
// into the Registry cache as an opaque attribute merge keyed by
// entity_id.
type registryUpdateData struct {
	EntityID string         `json:"entity_id"`
	Action   string         `json:"action"`
	Changes  map[string]any `json:"changes"`
}

type webSocketTransport struct {
	cfg    config.ConnectionConfig
	logger *slog.Logger

	conn  wireConn
	msgID atomic.Int64

	dialFunc func(ctx context.Context, url string) (wireConn, error)
}

func newWebSocketTransport(cfg config.ConnectionConfig, logger *slog.Logger) *webSocketTransport {
	return &webSocketTransport{
		cfg:      cfg,
		logger:   logger,
		dialFunc: dialGorillaWebSocket,
	}
}

func dialGorillaWebSocket(ctx context.Context, rawURL string) (wireConn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	dialer := websocket.Dialer{
		ReadBufferSize:  1 << 20,
		WriteBufferSize: 64 << 10,
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(100 << 20)
	return conn, nil
}

func (t *webSocketTransport) dial(ctx context.Context) error {
	conn, err := t.dialFunc(ctx, t.cfg.URL)
	if err != nil {
		return err
	}
	t.conn = conn
	return nil
}

func (t *webSocketTransport) authenticate(ctx context.Context) error {
	var authReq wsMessage
	if err := t.conn.ReadJSON(&authReq); err != nil {
		return fmt.Errorf("read auth_required: %w", err)
	}
	if authReq.Type != "auth_required" {
		return fmt.Errorf("expected auth_required, got %q", authReq.Type)
	}

	if err := t.conn.WriteJSON(map[string]string{
		"type":         "auth",
		"access_token": t.cfg.Token,
	}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	var authResp wsMessage
	if err := t.conn.ReadJSON(&authResp); err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	if authResp.Type == "auth_invalid" {
		return fmt.Errorf("authentication rejected")
	}
	if authResp.Type != "auth_ok" {
		return fmt.Errorf("unexpected auth response %q", authResp.Type)
	}
	return nil
}

func (t *webSocketTransport) subscribe(ctx context.Context, eventTypes []string) error {
	for _, et := range eventTypes {
		id := t.msgID.Add(1)
		if err := t.conn.WriteJSON(map[string]any{
			"id":         id,
			"type":       "subscribe_events",
			"event_type": et,
		}); err != nil {
			return fmt.Errorf("send subscribe_events(%s): %w", et, err)
		}

		var resp wsMessage
		if err := t.conn.ReadJSON(&resp); err != nil {
			return fmt.Errorf("read subscribe result: %w", err)
		}
		if resp.Type != "result" {
			return fmt.Errorf("expected result for subscribe_events(%s), got %q", et, resp.Type)
		}
		if !resp.Success {
			msg := "subscription rejected"
			if resp.Error != nil {
				msg = resp.Error.Message
			}
			return fmt.Errorf("subscribe_events(%s): %s", et, msg)
		}
	}
	return nil
}

func (t *webSocketTransport) next(ctx context.Context) (frame, error) {
	for {
		var msg wsMessage
		if err := t.conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return frame{}, fmt.Errorf("channel closed: %w", err)
			}
			return frame{}, err
		}

		switch msg.Type {
		case "event":
			if msg.Event == nil {
				continue
			}
			f, ok := decodeWSEvent(*msg.Event)
			if !ok {
				t.logger.Debug("dropping malformed event frame", "event_type", msg.Event.EventType)
				continue
			}
			return f, nil
		case "result", "pong":
			// Late or stray response to a request we no longer track;
			// not a dispatchable frame.
			continue
		default:
			t.logger.Debug("unhandled frame type", "type", msg.Type)
			continue
		}
	}
}

func (t *webSocketTransport) close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

// decodeWSEvent turns a raw wsEvent into a dispatchable frame: either a
// decoded model.Event (state_changed and other domain events) or a
// registry-update merge instruction.
func decodeWSEvent(ev wsEvent) (frame, bool) {
	switch ev.EventType {
	case "device_registry_updated", "entity_registry_updated":
		var data registryUpdateData
		if err := json.Unmarshal(ev.Data, &data); err != nil || data.EntityID == "" {
			return frame{}, false
		}
		fields := make(map[string]model.Value, len(data.Changes)+1)
		fields["registry_action"] = model.String(data.Action)
		for k, v := range data.Changes {
			fields[k] = model.FromAny(v)
		}
		return frame{
			kind:             frameRegistryUpdate,
			registryEntityID: data.EntityID,
			registryFields:   fields,
		}, true
	default:
		return decodeDomainEvent(ev)
	}
}

func decodeDomainEvent(ev wsEvent) (frame, bool) {
	var data stateChangedData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return frame{}, false
	}
	if data.EntityID == "" {
		return frame{}, false
	}

	domain := data.EntityID
	if i := strings.IndexByte(data.EntityID, '.'); i >= 0 {
		domain = data.EntityID[:i]
	}

	attrs := map[string]model.Value{}
	if data.NewState != nil {
		attrs["state"] = model.String(data.NewState.State)
		for k, v := range data.NewState.Attributes {
			attrs[k] = model.FromAny(v)
		}
	}

	e := model.Event{
		Domain:     domain,
		EntityID:   data.EntityID,
		Type:       ev.EventType,
		Timestamp:  ev.TimeFired,
		Attributes: attrs,
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e = e.WithRaw(append([]byte(ev.EventType+"|"), ev.Data...))
	return frame{kind: frameEvent, event: e}, true
}
