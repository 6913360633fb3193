// Package gateway talks to a WAHA-style chat gateway: an HTTP API
// fronting the user's messaging account, with a websocket event stream
// for inbound messages. It is the only way Seneschal reaches the user.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/tallow/seneschal/internal/events"
	"github.com/tallow/seneschal/internal/httpkit"
	"github.com/tallow/seneschal/internal/markup"
)

// StatusWorking is the session status of a paired, connected gateway.
const StatusWorking = "WORKING"

// Config holds the gateway connection settings.
type Config struct {
	BaseURL string
	APIKey  string
	Session string // default "default"
}

// Client is the HTTP side of the gateway. Safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	session    string
	httpClient *http.Client
	bus        *events.Bus
	logger     *slog.Logger
}

// New creates a gateway client publishing inbound events on bus.
func New(cfg Config, bus *events.Bus, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway")
	if cfg.Session == "" {
		cfg.Session = "default"
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		session: cfg.Session,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(15*time.Second),
			httpkit.WithRetry(time.Second),
			httpkit.WithLogger(logger),
		),
		bus:    bus,
		logger: logger,
	}
}

// SendText delivers a text message to a chat. Markdown is converted to
// the gateway's chat conventions on the way out, so callers compose in
// markdown without caring about the transport.
func (c *Client) SendText(ctx context.Context, chatID, text string) error {
	if chatID == "" {
		return fmt.Errorf("gateway: empty chat id")
	}

	payload := map[string]string{
		"session": c.session,
		"chatId":  chatID,
		"text":    markup.ToChat(text),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("gateway: marshal send: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/sendText", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("gateway: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: send text: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("gateway: send text: status %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	c.logger.Debug("message sent", "chat_id", chatID, "bytes", len(text))
	return nil
}

// SessionStatus returns the gateway session state, e.g. "WORKING" or
// "SCAN_QR_CODE".
func (c *Client) SessionStatus(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/sessions/"+c.session, nil)
	if err != nil {
		return "", fmt.Errorf("gateway: build request: %w", err)
	}
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("gateway: session status: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gateway: session status: status %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var out struct {
		Name   string `json:"name"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("gateway: decode session status: %w", err)
	}
	return out.Status, nil
}

// PairingCode returns the raw QR payload for linking the messaging
// account. Render it with QRTerminal for scanning.
func (c *Client) PairingCode(ctx context.Context) (string, error) {
	url := fmt.Sprintf("%s/api/%s/auth/qr?format=raw", c.baseURL, c.session)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("gateway: build request: %w", err)
	}
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("gateway: pairing code: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gateway: pairing code: status %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var out struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("gateway: decode pairing code: %w", err)
	}
	if out.Value == "" {
		return "", fmt.Errorf("gateway: empty pairing code")
	}
	return out.Value, nil
}

// Ping reports whether the gateway is reachable and the session is
// paired. A session waiting for a QR scan counts as down.
func (c *Client) Ping(ctx context.Context) error {
	status, err := c.SessionStatus(ctx)
	if err != nil {
		return err
	}
	if status != StatusWorking {
		return fmt.Errorf("gateway: session %s is %s", c.session, status)
	}
	return nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
}

// QRTerminal renders a QR payload as terminal block art.
func QRTerminal(payload string) (string, error) {
	qr, err := qrcode.New(payload, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("gateway: render qr: %w", err)
	}
	return qr.ToSmallString(false), nil
}
