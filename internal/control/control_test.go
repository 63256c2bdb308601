package control_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/avatarlink/internal/control"
	"github.com/MrWong99/avatarlink/internal/observe"
	"github.com/MrWong99/avatarlink/internal/session"
	"github.com/MrWong99/avatarlink/pkg/audio/capture"
	"github.com/MrWong99/avatarlink/pkg/backend"
)

// fakeController records calls and returns canned results.
type fakeController struct {
	mu        sync.Mutex
	startErr  error
	info      session.Info
	lastErr   error
	starts    int
	stops     int
	startCtxs []context.Context
}

func (f *fakeController) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.startCtxs = append(f.startCtxs, ctx)
	if f.startErr != nil {
		f.lastErr = f.startErr
		return f.startErr
	}
	f.info = session.Info{SessionID: "s-1", State: session.StateStarting, StartedAt: time.Unix(1_700_000_000, 0)}
	return nil
}

func (f *fakeController) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.info = session.Info{State: session.StateIdle}
	return nil
}

func (f *fakeController) Info() session.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.info
}

func (f *fakeController) LastError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

func newTestServer(t *testing.T, ctrl control.Controller, opts ...control.Option) *httptest.Server {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	srv := httptest.NewServer(control.New(ctrl, opts...).Handler(m))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string) (int, control.Status) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var st control.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.StatusCode, st
}

func TestStart_Success(t *testing.T) {
	t.Parallel()
	ctrl := &fakeController{}
	srv := newTestServer(t, ctrl)

	code, st := do(t, http.MethodPost, srv.URL+"/session/start")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if st.State != "starting" || st.SessionID != "s-1" || st.StartedAt == nil {
		t.Errorf("body = %+v", st)
	}

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if _, ok := ctrl.startCtxs[0].Deadline(); !ok {
		t.Error("start context should carry the start timeout")
	}
}

func TestStart_ErrorMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		code int
		kind string
	}{
		{"active", session.ErrSessionActive, http.StatusConflict, "unknown"},
		{"permission", capture.ErrPermissionDenied, http.StatusForbidden, "permission_denied"},
		{"backend", fmt.Errorf("%w: 500", backend.ErrSessionStartFailed), http.StatusBadGateway, "session_start_failed"},
		{"channel", backend.ErrConnect, http.StatusBadGateway, "channel_error"},
		{"not running", session.ErrNotRunning, http.StatusServiceUnavailable, "unknown"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := newTestServer(t, &fakeController{startErr: tt.err})

			code, st := do(t, http.MethodPost, srv.URL+"/session/start")
			if code != tt.code {
				t.Errorf("status = %d, want %d", code, tt.code)
			}
			if st.Error != session.UserMessage(tt.err) || st.ErrorKind != tt.kind {
				t.Errorf("body = %+v", st)
			}
		})
	}
}

func TestStopAndStatus(t *testing.T) {
	t.Parallel()
	ctrl := &fakeController{}
	srv := newTestServer(t, ctrl)

	do(t, http.MethodPost, srv.URL+"/session/start")
	for range 2 {
		code, st := do(t, http.MethodPost, srv.URL+"/session/stop")
		if code != http.StatusOK || st.State != "idle" || st.SessionID != "" {
			t.Errorf("stop = %d %+v", code, st)
		}
	}

	code, st := do(t, http.MethodGet, srv.URL+"/session")
	if code != http.StatusOK || st.State != "idle" || st.Error != "" {
		t.Errorf("status = %d %+v", code, st)
	}
}

func TestStatus_ReportsLastError(t *testing.T) {
	t.Parallel()
	ctrl := &fakeController{lastErr: backend.ErrChannelClosed, info: session.Info{State: session.StateIdle}}
	srv := newTestServer(t, ctrl)

	_, st := do(t, http.MethodGet, srv.URL+"/session")
	if st.ErrorKind != "channel_error" || st.Error == "" {
		t.Errorf("body = %+v", st)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, &fakeController{})

	resp, err := http.Get(srv.URL + "/session/start")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /session/start = %d, want 405", resp.StatusCode)
	}
}

// ── Health ────────────────────────────────────────────────────────────────────

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.StatusCode, body
}

func TestHealthz_AlwaysReturns200(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, &fakeController{}, control.WithCheckers(control.Checker{
		Name:  "broken",
		Check: func(context.Context) error { return errors.New("down") },
	}))

	code, body := getJSON(t, srv.URL+"/healthz")
	if code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("healthz = %d %v", code, body)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	ok := control.Checker{Name: "session_loop", Check: func(context.Context) error { return nil }}
	bad := control.Checker{Name: "backend", Check: func(context.Context) error { return errors.New("circuit open") }}

	srv := newTestServer(t, &fakeController{}, control.WithCheckers(ok))
	if code, body := getJSON(t, srv.URL+"/readyz"); code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("readyz = %d %v", code, body)
	}

	srv = newTestServer(t, &fakeController{}, control.WithCheckers(ok, bad))
	code, body := getJSON(t, srv.URL+"/readyz")
	if code != http.StatusServiceUnavailable || body["status"] != "fail" {
		t.Fatalf("readyz = %d %v", code, body)
	}
	checks, _ := body["checks"].(map[string]any)
	if checks["session_loop"] != "ok" || checks["backend"] != "fail: circuit open" {
		t.Errorf("checks = %v", checks)
	}
}

func TestMetricsRoute(t *testing.T) {
	t.Parallel()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "# HELP avatarlink_up\n")
	})
	srv := newTestServer(t, &fakeController{}, control.WithMetricsHandler(metrics))

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "avatarlink_up") {
		t.Errorf("metrics body = %q", b)
	}
}
