package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	charmLog "github.com/charmbracelet/log"
	"github.com/go-playground/validator/v10"
	"github.com/lox/workspaceai/internal/orchestrator"
	"github.com/lox/workspaceai/internal/store"
	"github.com/lox/workspaceai/internal/tools"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	defaultRespondRate  = rate.Limit(1)
	defaultRespondBurst = 5
)

// Orchestrator is the request/confirm cycle the agent service exposes.
type Orchestrator interface {
	Respond(ctx context.Context, ownerID, message string) (orchestrator.RespondResult, error)
	Confirm(ctx context.Context, ownerID, id string, approved bool) (orchestrator.ConfirmResult, error)
}

type AppConfig struct {
	Orchestrator Orchestrator
	Requests     store.ActionRequestStore
	Messages     store.MessageLog
	Auth         *Authenticator
	Logger       *charmLog.Logger

	// GoogleOAuth and GoogleTokens enable the /auth/google endpoints.
	GoogleOAuth  *oauth2.Config
	GoogleTokens tools.TokenStore

	// RespondRate is per owner; negative disables limiting.
	RespondRate  rate.Limit
	RespondBurst int

	// Health reports backend reachability for /healthz.
	Health func(ctx context.Context) error
}

type App struct {
	orch      Orchestrator
	requests  store.ActionRequestStore
	messages  store.MessageLog
	auth      *Authenticator
	logger    *charmLog.Logger
	oauth     *oauth2.Config
	tokens    tools.TokenStore
	limiter   *ownerLimiter
	health    func(ctx context.Context) error
	validator *validator.Validate
}

func New(cfg AppConfig) (*App, error) {
	switch {
	case cfg.Orchestrator == nil:
		return nil, errors.New("orchestrator is required")
	case cfg.Requests == nil:
		return nil, errors.New("action request store is required")
	case cfg.Messages == nil:
		return nil, errors.New("message log is required")
	case cfg.Auth == nil:
		return nil, errors.New("authenticator is required")
	}
	if cfg.GoogleOAuth != nil && cfg.GoogleTokens == nil {
		return nil, errors.New("google token store is required when google oauth is configured")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = charmLog.NewWithOptions(os.Stderr, charmLog.Options{
			Prefix:          "workspaceai",
			Level:           charmLog.InfoLevel,
			ReportTimestamp: true,
			TimeFormat:      time.RFC3339,
		})
	}

	limit := cfg.RespondRate
	if limit == 0 {
		limit = defaultRespondRate
	}
	burst := cfg.RespondBurst
	if burst == 0 {
		burst = defaultRespondBurst
	}

	return &App{
		orch:      cfg.Orchestrator,
		requests:  cfg.Requests,
		messages:  cfg.Messages,
		auth:      cfg.Auth,
		logger:    logger.With("component", "server"),
		oauth:     cfg.GoogleOAuth,
		tokens:    cfg.GoogleTokens,
		limiter:   newOwnerLimiter(limit, burst),
		health:    cfg.Health,
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.registerConnectHandlers(mux)
	a.registerGoogleOAuthHandlers(mux)
	mux.HandleFunc("GET /healthz", a.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	return a.loggingMiddleware(a.authMiddleware(mux))
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if a.health != nil {
		if err := a.health(r.Context()); err != nil {
			a.logger.Warn("health check failed", "err", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		statusCode := recorder.status()
		var level charmLog.Level
		switch {
		case statusCode >= http.StatusInternalServerError:
			level = charmLog.ErrorLevel
		case statusCode >= http.StatusBadRequest:
			level = charmLog.WarnLevel
		default:
			level = charmLog.DebugLevel
		}

		keyvals := []interface{}{
			"method", r.Method,
			"path", r.URL.Path,
			"status", statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"response_bytes", recorder.bytesWritten,
		}
		if remoteAddr := clientIP(r.RemoteAddr); remoteAddr != "" {
			keyvals = append(keyvals, "remote_addr", remoteAddr)
		}

		a.logger.Log(level, "http request", keyvals...)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Write(data []byte) (int, error) {
	if r.statusCode == 0 {
		r.statusCode = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(data)
	r.bytesWritten += n
	return n, err
}

func (r *statusRecorder) status() int {
	if r.statusCode == 0 {
		return http.StatusOK
	}
	return r.statusCode
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacker not supported")
	}
	return hijacker.Hijack()
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return strings.TrimSpace(remoteAddr)
	}
	return host
}
