// Package api serves the read-only HTTP API: liveness, request
// listing, and the engine status snapshot.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/tallow/seneschal/internal/autonomy"
	"github.com/tallow/seneschal/internal/connwatch"
	"github.com/tallow/seneschal/internal/digest"
	"github.com/tallow/seneschal/internal/governor"
	"github.com/tallow/seneschal/internal/request"
	"github.com/tallow/seneschal/internal/settings"
	"github.com/tallow/seneschal/internal/throttle"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Config holds the server's listen address and collaborators.
type Config struct {
	Address string
	Port    int

	// TokenHash is the bcrypt hash bearer tokens are checked against.
	// While it is empty everything under /api/ is rejected; only
	// /healthz answers.
	TokenHash string

	Governor *governor.Governor
	Throttle *throttle.Throttle
	Digest   *digest.Composer
	Requests *request.Store
	Autonomy *autonomy.Manager
	Settings *settings.Store

	// Conns is optional; without it the status response omits
	// connection health.
	Conns *connwatch.Manager

	Logger *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	address   string
	port      int
	tokenHash string

	gov      *governor.Governor
	throttle *throttle.Throttle
	digest   *digest.Composer
	requests *request.Store
	auto     *autonomy.Manager
	settings *settings.Store
	conns    *connwatch.Manager

	logger  *slog.Logger
	mux     *http.ServeMux
	server  *http.Server
	nowFunc func() time.Time
}

// New creates the API server and wires its routes.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		address:   cfg.Address,
		port:      cfg.Port,
		tokenHash: cfg.TokenHash,
		gov:       cfg.Governor,
		throttle:  cfg.Throttle,
		digest:    cfg.Digest,
		requests:  cfg.Requests,
		auto:      cfg.Autonomy,
		settings:  cfg.Settings,
		conns:     cfg.Conns,
		logger:    logger.With("component", "api"),
		nowFunc:   time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/requests", s.requireAuth(s.handleRequests))
	mux.HandleFunc("GET /api/status", s.requireAuth(s.handleStatus))
	s.mux = mux
	return s
}

// Handler returns the root handler with request logging attached.
func (s *Server) Handler() http.Handler {
	return s.withLogging(s.mux)
}

// Start begins serving HTTP requests and blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	if s.tokenHash == "" {
		s.logger.Warn("no API token hash configured, /api endpoints will refuse requests")
	}
	s.logger.Info("starting API server", "address", s.address, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// requireAuth checks the Authorization header against the configured
// bcrypt hash before passing the request on.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.tokenHash == "" {
			s.errorResponse(w, http.StatusUnauthorized, "no API token configured")
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			s.errorResponse(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if bcrypt.CompareHashAndPassword([]byte(s.tokenHash), []byte(token)) != nil {
			s.errorResponse(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "ok"}, s.logger)
}

// requestItem is the wire shape of one clarifying request.
type requestItem struct {
	ID           string     `json:"id"`
	Kind         string     `json:"kind"`
	QuestionText string     `json:"question_text"`
	Priority     int        `json:"priority"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	AnsweredAt   *time.Time `json:"answered_at,omitempty"`
	SnoozedUntil *time.Time `json:"snoozed_until,omitempty"`
	Answer       string     `json:"answer,omitempty"`
}

func toRequestItem(q request.Request) requestItem {
	return requestItem{
		ID:           q.ID,
		Kind:         q.Kind,
		QuestionText: q.Question,
		Priority:     q.Priority,
		Status:       string(q.Status),
		CreatedAt:    q.CreatedAt,
		AnsweredAt:   q.AnsweredAt,
		SnoozedUntil: q.SnoozedUntil,
		Answer:       q.Answer,
	}
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	status := request.Status(r.URL.Query().Get("status"))
	switch status {
	case "", request.StatusOpen, request.StatusAnswered, request.StatusSnoozed:
	default:
		s.errorResponse(w, http.StatusBadRequest, "unknown status filter")
		return
	}

	list, err := s.requests.List(status)
	if err != nil {
		s.logger.Error("request list failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "request listing unavailable")
		return
	}

	items := make([]requestItem, 0, len(list))
	for _, q := range list {
		items = append(items, toRequestItem(q))
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"requests": items}, s.logger)
}

type modeStatus struct {
	State     string     `json:"state"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type autonomyWindow struct {
	Domain    string    `json:"domain"`
	ExpiresAt time.Time `json:"expires_at"`
}

type statusResponse struct {
	Mode            modeStatus                         `json:"mode"`
	QuietHours      bool                               `json:"quiet_hours"`
	StrongWindow    bool                               `json:"strong_window"`
	SentToday       int                                `json:"sent_today"`
	DailyRateLimit  int                                `json:"daily_rate_limit"`
	DigestSentToday bool                               `json:"digest_sent_today"`
	DigestTime      string                             `json:"digest_time"`
	OpenRequest     *requestItem                       `json:"open_request"`
	Autonomy        []autonomyWindow                   `json:"autonomy"`
	Connections     map[string]connwatch.ServiceStatus `json:"connections,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := s.nowFunc()

	mode, err := s.gov.Status(now)
	if err != nil {
		s.logger.Error("mode read failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	sentToday, err := s.throttle.SentToday(now)
	if err != nil {
		s.logger.Error("dispatch count read failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	limit, err := s.settings.DailyRateLimit()
	if err != nil {
		s.logger.Error("rate limit read failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	digestSent, err := s.digest.SentToday(now)
	if err != nil {
		s.logger.Error("digest state read failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	digestAt, err := s.settings.DigestTime()
	if err != nil {
		s.logger.Error("digest time read failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	open, err := s.requests.Open()
	if err != nil {
		s.logger.Error("open request read failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	wins, err := s.auto.Active(now)
	if err != nil {
		s.logger.Error("autonomy read failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "status unavailable")
		return
	}

	resp := statusResponse{
		Mode:            modeStatus{State: string(mode.State), ExpiresAt: mode.ExpiresAt},
		QuietHours:      mode.QuietHours,
		StrongWindow:    mode.StrongWindow,
		SentToday:       sentToday,
		DailyRateLimit:  limit,
		DigestSentToday: digestSent,
		DigestTime:      digestAt.String(),
		Autonomy:        make([]autonomyWindow, 0, len(wins)),
	}
	if open != nil {
		item := toRequestItem(*open)
		resp.OpenRequest = &item
	}
	for _, win := range wins {
		resp.Autonomy = append(resp.Autonomy, autonomyWindow{
			Domain:    win.Domain,
			ExpiresAt: win.ExpiresAt,
		})
	}
	if s.conns != nil {
		resp.Connections = s.conns.Status()
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
