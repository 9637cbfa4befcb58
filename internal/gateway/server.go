// Package gateway serves the HTTP health and status endpoints and any chat
// webhook routes.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MEKXH/waybill/internal/config"
	"github.com/MEKXH/waybill/internal/engine"
	"github.com/MEKXH/waybill/internal/metrics"
	"github.com/MEKXH/waybill/internal/version"
)

const (
	defaultHost       = "0.0.0.0"
	defaultPort       = 18790
	pingTimeout       = 2 * time.Second
	readHeaderTimeout = 5 * time.Second
	requestIDHeader   = "X-Request-ID"
	bearerPrefix      = "Bearer "
	jsonContentType   = "application/json"
)

// StatusProvider reports the engine's container sizes and gate state.
type StatusProvider interface {
	Status() engine.Status
}

// Pinger checks a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Route mounts an extra POST handler, such as a chat webhook.
type Route struct {
	Path    string
	Handler http.Handler
}

// Deps are the optional collaborators behind /health and /status.
type Deps struct {
	Status  StatusProvider
	Store   Pinger
	Metrics *metrics.RuntimeMetrics
	Routes  []Route
}

type Server struct {
	addr       string
	token      string
	deps       Deps
	httpServer *http.Server
}

func New(cfg config.GatewayConfig, deps Deps) *Server {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		host = defaultHost
	}
	port := cfg.Port
	if port <= 0 {
		port = defaultPort
	}
	return &Server{
		addr:  net.JoinHostPort(host, strconv.Itoa(port)),
		token: strings.TrimSpace(cfg.Token),
		deps:  deps,
	}
}

func (s *Server) Addr() string {
	return s.addr
}

// Start blocks serving until Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           NewHandler(s.token, s.deps),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	slog.Info("gateway listening", "addr", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway listen: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type handler struct {
	token string
	deps  Deps
}

// NewHandler returns the gateway routes. A non-empty token protects /status.
func NewHandler(token string, deps Deps) http.Handler {
	h := &handler{token: strings.TrimSpace(token), deps: deps}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /version", h.version)
	mux.HandleFunc("GET /status", h.status)
	for _, rt := range deps.Routes {
		if rt.Handler == nil || !strings.HasPrefix(rt.Path, "/") || strings.ContainsAny(rt.Path, "{} ") {
			slog.Warn("gateway route skipped", "path", rt.Path)
			continue
		}
		mux.Handle("POST "+rt.Path, rt.Handler)
	}
	return withRequestID(mux)
}

type ctxKey struct{}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, rid)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, rid)))
	})
}

func requestID(r *http.Request) string {
	rid, _ := r.Context().Value(ctxKey{}).(string)
	return rid
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	rid := requestID(r)
	if h.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		defer cancel()
		if err := h.deps.Store.Ping(ctx); err != nil {
			slog.Warn("health check failed", "request_id", rid, "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status":     "degraded",
				"store":      "unavailable",
				"request_id": rid,
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "request_id": rid})
}

func (h *handler) version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"version": version.Version, "request_id": requestID(r)})
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	rid := requestID(r)
	if h.token != "" && !bearerMatches(r, h.token) {
		writeError(w, rid, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
		return
	}
	if h.deps.Status == nil {
		writeError(w, rid, http.StatusInternalServerError, "internal_error", "status provider is not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"engine":     h.deps.Status.Status(),
		"metrics":    h.deps.Metrics.Snapshot(),
		"request_id": rid,
	})
}

func bearerMatches(r *http.Request, expected string) bool {
	got, ok := strings.CutPrefix(strings.TrimSpace(r.Header.Get("Authorization")), bearerPrefix)
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(expected)) == 1
}

func writeError(w http.ResponseWriter, rid string, status int, code, message string) {
	writeJSON(w, status, map[string]any{"code": code, "message": message, "request_id": rid})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonContentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
