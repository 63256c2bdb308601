// Package control exposes the session orchestrator over HTTP.
//
// Routes:
//
//   - POST /session/start: start a session; responds once it is connected.
//   - POST /session/stop: stop the current session. Idempotent.
//   - GET /session: current state, session id and last error.
//   - GET /healthz: liveness check; always 200.
//   - GET /readyz: readiness check; 200 only when every [Checker] passes.
//   - GET /metrics: Prometheus exposition, when a metrics handler is set.
//
// Responses are JSON. Errors carry the single user-facing message from
// [session.UserMessage] plus the error kind.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/avatarlink/internal/observe"
	"github.com/MrWong99/avatarlink/internal/session"
)

const (
	// checkTimeout bounds a single readiness check.
	checkTimeout = 5 * time.Second

	defaultStartTimeout = 30 * time.Second
)

// Controller is the part of [session.Orchestrator] the HTTP surface drives.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Info() session.Info
	LastError() error
}

var _ Controller = (*session.Orchestrator)(nil)

// Checker is a named readiness check. Check returns nil when the
// dependency is usable.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Status is the JSON body of every /session response.
type Status struct {
	State     string     `json:"state"`
	SessionID string     `json:"session_id,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Error     string     `json:"error,omitempty"`
	ErrorKind string     `json:"error_kind,omitempty"`
}

type checkResult struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Server serves the control routes. It is safe for concurrent use.
type Server struct {
	ctrl         Controller
	checkers     []Checker
	metrics      http.Handler
	startTimeout time.Duration
}

// Option is a functional option for [New].
type Option func(*Server)

// WithCheckers adds readiness checks evaluated in order on /readyz.
func WithCheckers(checkers ...Checker) Option {
	return func(s *Server) { s.checkers = append(s.checkers, checkers...) }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithStartTimeout bounds session setup triggered over HTTP. Default: 30s.
func WithStartTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.startTimeout = d
		}
	}
}

// New returns a Server driving ctrl.
func New(ctrl Controller, opts ...Option) *Server {
	s := &Server{ctrl: ctrl, startTimeout: defaultStartTimeout}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds all routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /session/start", s.handleStart)
	mux.HandleFunc("POST /session/stop", s.handleStop)
	mux.HandleFunc("GET /session", s.handleStatus)
	mux.HandleFunc("GET /healthz", s.Healthz)
	mux.HandleFunc("GET /readyz", s.Readyz)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
}

// Handler returns the routes wrapped in the observe middleware.
func (s *Server) Handler(m *observe.Metrics) http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return observe.Middleware(m)(mux)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	// A client hanging up must not abort setup half-way; the timeout does.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.startTimeout)
	defer cancel()

	if err := s.ctrl.Start(ctx); err != nil {
		observe.Logger(r.Context()).Warn("session start rejected", "err", err)
		writeJSON(w, startStatusCode(err), s.errorStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Stop(context.WithoutCancel(r.Context())); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, s.errorStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) status() Status {
	info := s.ctrl.Info()
	st := Status{State: info.State.String(), SessionID: info.SessionID}
	if !info.StartedAt.IsZero() {
		t := info.StartedAt
		st.StartedAt = &t
	}
	if err := s.ctrl.LastError(); err != nil {
		st.Error = session.UserMessage(err)
		st.ErrorKind = session.KindOf(err).String()
	}
	return st
}

func (s *Server) errorStatus(err error) Status {
	st := s.status()
	st.Error = session.UserMessage(err)
	st.ErrorKind = session.KindOf(err).String()
	return st
}

// startStatusCode maps a Start error to an HTTP status.
func startStatusCode(err error) int {
	if errors.Is(err, session.ErrSessionActive) {
		return http.StatusConflict
	}
	switch session.KindOf(err) {
	case session.KindPermissionDenied:
		return http.StatusForbidden
	case session.KindSessionStartFailed, session.KindChannelError, session.KindRendererError:
		return http.StatusBadGateway
	case session.KindCancelled:
		return http.StatusServiceUnavailable
	default:
		if errors.Is(err, session.ErrNotRunning) {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	}
}

// Healthz is a liveness check that always returns 200 OK.
func (s *Server) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, checkResult{Status: "ok"})
}

// Readyz returns 200 only when every registered [Checker] passes.
func (s *Server) Readyz(w http.ResponseWriter, r *http.Request) {
	res := checkResult{Status: "ok", Checks: make(map[string]string, len(s.checkers))}
	code := http.StatusOK

	for _, c := range s.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			res.Checks[c.Name] = "fail: " + err.Error()
			res.Status = "fail"
			code = http.StatusServiceUnavailable
			continue
		}
		res.Checks[c.Name] = "ok"
	}
	writeJSON(w, code, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("control: encode response", "err", err)
	}
}
