package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tallow/seneschal/internal/config"
	"github.com/tallow/seneschal/internal/events"
)

const (
	reconnectMin = time.Second
	reconnectMax = time.Minute
)

// Message is an inbound chat message from the gateway stream.
type Message struct {
	ChatID     string
	Sender     string
	SenderName string
	Text       string
	FromMe     bool
	Timestamp  time.Time
}

// wsEvent is the envelope the gateway wraps every stream event in.
type wsEvent struct {
	Event   string          `json:"event"`
	Session string          `json:"session"`
	Payload json.RawMessage `json:"payload"`
}

type messagePayload struct {
	ID         string `json:"id"`
	ChatID     string `json:"chatId"`
	From       string `json:"from"`
	Author     string `json:"author"`
	Body       string `json:"body"`
	SenderName string `json:"senderName"`
	FromMe     bool   `json:"fromMe"`
	Timestamp  int64  `json:"timestamp"`
}

type sessionPayload struct {
	Status string `json:"status"`
}

// Listen maintains a websocket to the gateway's event stream and
// publishes inbound messages and session status changes on the bus.
// Lost connections are redialed with exponential backoff. Listen blocks
// until ctx is cancelled.
func (c *Client) Listen(ctx context.Context) error {
	wsURL, err := c.streamURL()
	if err != nil {
		return err
	}

	backoff := reconnectMin
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := c.dial(ctx, wsURL)
		if err != nil {
			c.logger.Warn("gateway stream dial failed", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, reconnectMax)
			continue
		}

		c.logger.Info("gateway stream connected", "url", wsURL)
		backoff = reconnectMin

		err = c.readStream(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("gateway stream lost", "error", err)
	}
}

// streamURL converts the HTTP base URL into the websocket endpoint.
func (c *Client) streamURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("gateway: parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	q := u.Query()
	q.Set("session", c.session)
	q.Add("events", "message")
	q.Add("events", "session.status")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) dial(ctx context.Context, wsURL string) (*websocket.Conn, error) {
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("X-Api-Key", c.apiKey)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	return conn, nil
}

// readStream consumes events until the connection drops or ctx ends.
// A watcher goroutine closes the connection on cancellation so the
// blocking read returns promptly.
func (c *Client) readStream(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("stream closed: %w", err)
			}
			return fmt.Errorf("stream read: %w", err)
		}
		c.handleEvent(data)
	}
}

// handleEvent decodes one stream event and publishes it on the bus.
// Unknown or malformed events are logged and skipped.
func (c *Client) handleEvent(data []byte) {
	c.logger.Log(context.Background(), config.LevelTrace, "stream frame", "payload", string(data))

	var ev wsEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.logger.Debug("gateway stream non-event payload", "error", err)
		return
	}

	switch ev.Event {
	case "message":
		msg, err := parseMessage(ev.Payload)
		if err != nil {
			c.logger.Warn("gateway malformed message event", "error", err)
			return
		}
		if msg.FromMe {
			return
		}
		c.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceGateway,
			Kind:      events.KindMessageReceived,
			Data: map[string]any{
				"chat_id":     msg.ChatID,
				"sender":      msg.Sender,
				"sender_name": msg.SenderName,
				"text":        msg.Text,
			},
		})
	case "session.status":
		var p sessionPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			c.logger.Warn("gateway malformed session event", "error", err)
			return
		}
		c.logger.Info("gateway session status", "status", p.Status)
		c.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceGateway,
			Kind:      events.KindSessionStatus,
			Data:      map[string]any{"status": p.Status},
		})
	default:
		c.logger.Debug("gateway stream event ignored", "event", ev.Event)
	}
}

// parseMessage decodes a message payload. The chat id field name varies
// between gateway builds, so both spellings are accepted.
func parseMessage(raw json.RawMessage) (Message, error) {
	var p messagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Message{}, err
	}

	chatID := p.ChatID
	if chatID == "" {
		chatID = p.From
	}
	if chatID == "" {
		return Message{}, fmt.Errorf("message without chat id")
	}

	sender := p.Author
	if sender == "" {
		sender = chatID
	}

	msg := Message{
		ChatID:     chatID,
		Sender:     sender,
		SenderName: p.SenderName,
		Text:       p.Body,
		FromMe:     p.FromMe,
	}
	if p.Timestamp > 0 {
		msg.Timestamp = time.Unix(p.Timestamp, 0).UTC()
	}
	return msg, nil
}
