// Package app wires the avatarlink subsystems into a running application.
//
// New builds every collaborator from the config: microphone capture, the
// backend client behind a circuit breaker, the control-channel dialer, the
// renderer factory and the session orchestrator, plus the HTTP control
// server in front of it. Run drives them until the context ends and
// Shutdown releases whatever is still held.
//
// For testing, inject doubles via functional options (WithMicrophone,
// WithSessionStarter, ...). When an option is not provided, New creates the
// real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/avatarlink/internal/config"
	"github.com/MrWong99/avatarlink/internal/control"
	"github.com/MrWong99/avatarlink/internal/observe"
	"github.com/MrWong99/avatarlink/internal/resilience"
	"github.com/MrWong99/avatarlink/internal/session"
	"github.com/MrWong99/avatarlink/pkg/audio"
	"github.com/MrWong99/avatarlink/pkg/audio/capture"
	"github.com/MrWong99/avatarlink/pkg/avatar"
	"github.com/MrWong99/avatarlink/pkg/avatar/simli"
	"github.com/MrWong99/avatarlink/pkg/backend"
)

const (
	readHeaderTimeout = 10 * time.Second
	serverStopTimeout = 5 * time.Second
)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	metrics        *observe.Metrics
	metricsHandler http.Handler
	levelVar       *slog.LevelVar
	autostart      bool

	mic         capture.Source
	starter     backend.SessionStarter
	dialer      backend.Dialer
	newRenderer session.RendererFactory

	// breaker is nil when a SessionStarter was injected.
	breaker *resilience.Breaker

	orch    *session.Orchestrator
	control *control.Server
	server  *http.Server

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMicrophone injects a capture source instead of the ffmpeg capturer.
func WithMicrophone(s capture.Source) Option {
	return func(a *App) { a.mic = s }
}

// WithSessionStarter injects the session-start client instead of an HTTP
// client against backend.url.
func WithSessionStarter(s backend.SessionStarter) Option {
	return func(a *App) { a.starter = s }
}

// WithDialer injects the control-channel dialer.
func WithDialer(d backend.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithRendererFactory injects the renderer factory instead of the configured
// provider.
func WithRendererFactory(fn session.RendererFactory) Option {
	return func(a *App) { a.newRenderer = fn }
}

// WithMetrics sets the metric instruments. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLevelVar lets config reloads change the log level of the handler
// that reads v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithAutostart starts a session as soon as Run begins.
func WithAutostart(enabled bool) Option {
	return func(a *App) { a.autostart = enabled }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Nothing is
// connected until Run; microphone, backend and renderer are only touched
// when a session starts.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	conv, err := cfg.Conversation.Resolve()
	if err != nil {
		return nil, fmt.Errorf("app: resolve conversation: %w", err)
	}

	// ── 1. Microphone ────────────────────────────────────────────────────
	if a.mic == nil {
		dev := &capture.FFmpegDevice{
			Path:        cfg.Capture.FFmpegPath,
			InputFormat: cfg.Capture.InputFormat,
			Input:       cfg.Capture.Input,
		}
		a.mic = capture.New(dev, capture.WithConfig(captureConfig(cfg.Capture)))
	}

	// ── 2. Backend ───────────────────────────────────────────────────────
	if a.starter == nil {
		a.breaker = resilience.NewBreaker(resilience.BreakerConfig{
			Name:        "backend",
			MaxFailures: cfg.Backend.Breaker.MaxFailures,
			Cooldown:    cfg.Backend.Breaker.Cooldown,
		})
		clientOpts := []backend.ClientOption{backend.WithBreaker(a.breaker)}
		if cfg.Backend.Timeout > 0 {
			clientOpts = append(clientOpts, backend.WithTimeout(cfg.Backend.Timeout))
		}
		a.starter = backend.NewClient(cfg.Backend.URL, clientOpts...)
	}
	if a.dialer == nil {
		a.dialer = backend.WebsocketDialer{Endpoint: cfg.Backend.WebsocketURL}
	}

	// ── 3. Renderer ──────────────────────────────────────────────────────
	if a.newRenderer == nil {
		a.newRenderer = a.buildRenderer
	}

	// ── 4. Orchestrator ──────────────────────────────────────────────────
	orch, err := session.New(session.Config{
		Backend:      a.starter,
		Dialer:       a.dialer,
		Microphone:   a.mic,
		NewRenderer:  a.newRenderer,
		Conversation: conv,
		InboundFormat: audio.Format{
			SampleRate: cfg.Session.InboundSampleRate,
			Channels:   cfg.Session.InboundChannels,
		},
		RendererFormat: audio.Format{
			SampleRate: cfg.Renderer.SampleRate,
			Channels:   cfg.Renderer.Channels,
		},
		InterruptSilenceDelay: cfg.Session.InterruptSilenceDelay,
		InterruptSilenceBytes: cfg.Session.InterruptSilenceBytes,
		NoticeSilenceBytes:    cfg.Session.NoticeSilenceBytes,
		WarmupSilenceBytes:    cfg.Session.WarmupSilenceBytes,
		Metrics:               a.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init session: %w", err)
	}
	a.orch = orch

	// ── 5. Control server ────────────────────────────────────────────────
	ctlOpts := []control.Option{control.WithCheckers(a.checkers()...)}
	if a.metricsHandler != nil {
		ctlOpts = append(ctlOpts, control.WithMetricsHandler(a.metricsHandler))
	}
	a.control = control.New(orch, ctlOpts...)
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.control.Handler(a.metrics),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return a, nil
}

// checkers are the readiness checks: the session loop must be running and
// the backend breaker must not be open.
func (a *App) checkers() []control.Checker {
	checks := []control.Checker{{
		Name: "session_loop",
		Check: func(context.Context) error {
			select {
			case <-a.orch.Done():
				return errors.New("session loop stopped")
			default:
				return nil
			}
		},
	}}
	if a.breaker != nil {
		checks = append(checks, control.Checker{
			Name: "backend",
			Check: func(context.Context) error {
				if a.breaker.State() == resilience.StateOpen {
					return resilience.ErrCircuitOpen
				}
				return nil
			},
		})
	}
	return checks
}

// buildRenderer creates one renderer session with fresh media outputs. The
// renderer closes the outputs when it is closed.
func (a *App) buildRenderer() (avatar.Sink, avatar.Config, error) {
	rc := a.cfg.Renderer

	acfg := avatar.DefaultConfig(rc.APIKey, rc.FaceID)
	if rc.HandleSilence != nil {
		acfg.HandleSilence = *rc.HandleSilence
	}
	if rc.MaxSessionLength > 0 {
		acfg.MaxSessionLength = rc.MaxSessionLength
	}
	if rc.MaxIdleTime > 0 {
		acfg.MaxIdleTime = rc.MaxIdleTime
	}

	video, err := openOutput(rc.Video)
	if err != nil {
		return nil, avatar.Config{}, fmt.Errorf("video output: %w", err)
	}
	audioOut, err := openOutput(rc.Audio)
	if err != nil {
		_ = video.Close()
		return nil, avatar.Config{}, fmt.Errorf("audio output: %w", err)
	}
	acfg.VideoSink, acfg.AudioSink = video, audioOut

	var opts []simli.Option
	if rc.BaseURL != "" {
		opts = append(opts, simli.WithBaseURL(rc.BaseURL))
	}
	if rc.WebsocketURL != "" {
		opts = append(opts, simli.WithWebsocketURL(rc.WebsocketURL))
	}
	if rc.ReadyTimeout > 0 {
		opts = append(opts, simli.WithReadyTimeout(rc.ReadyTimeout))
	}
	return simli.New(opts...), acfg, nil
}

func openOutput(oc config.OutputConfig) (avatar.MediaSink, error) {
	switch oc.Kind {
	case config.OutputFile:
		return avatar.NewFileSink(oc.Path)
	case config.OutputCommand:
		return avatar.NewCommandSink(oc.Command[0], oc.Command[1:]...)
	default:
		return avatar.NopSink{}, nil
	}
}

func captureConfig(cc config.CaptureConfig) capture.Config {
	return capture.Config{
		Format:   audio.Format{SampleRate: cc.SampleRate, Channels: cc.Channels},
		Slice:    cc.Slice,
		Encoding: audio.Encoding(cc.Encoding),
		Bitrate:  cc.Bitrate,
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Orchestrator returns the session orchestrator.
func (a *App) Orchestrator() *session.Orchestrator { return a.orch }

// Handler returns the control HTTP handler, including the metrics
// middleware.
func (a *App) Handler() http.Handler { return a.server.Handler }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the session loop and the control server and blocks until ctx
// is cancelled or a component fails. An open session is torn down before
// Run returns.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.orch.Run(gctx) })
	g.Go(func() error { return a.logNotices(gctx) })

	if a.cfg.Server.ListenAddr != "" {
		g.Go(func() error {
			slog.Info("control server listening", "addr", a.server.Addr)
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: control server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), serverStopTimeout)
			defer cancel()
			return a.server.Shutdown(stopCtx)
		})
	}

	if a.autostart {
		g.Go(func() error {
			if err := a.orch.Start(gctx); err != nil && gctx.Err() == nil {
				slog.Error("autostart failed",
					"kind", session.KindOf(err).String(),
					"message", session.UserMessage(err),
					"err", err,
				)
			}
			return nil
		})
	}

	slog.Info("app running", "autostart", a.autostart)
	return g.Wait()
}

// logNotices reports state transitions until ctx ends.
func (a *App) logNotices(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-a.orch.Notifications():
			if n.Err != nil {
				slog.Warn("session ended",
					"session_id", n.SessionID,
					"kind", session.KindOf(n.Err).String(),
					"message", session.UserMessage(n.Err),
					"err", n.Err,
				)
				continue
			}
			slog.Info("session state", "state", n.State.String(), "session_id", n.SessionID)
		}
	}
}

// ApplyConfig applies a reloaded config. The conversation profile and the
// log level take effect immediately; everything else is reported as
// needing a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}

	if d.ConversationChanged {
		conv, err := new.Conversation.Resolve()
		if err != nil {
			slog.Warn("config reload: keeping previous conversation", "err", err)
		} else {
			a.orch.SetConversation(conv)
			slog.Info("config reload: conversation updated, applies to the next session")
		}
	}
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(d.NewLogLevel.SlogLevel())
		slog.Info("config reload: log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config reload: changes need a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops any open session and the control server. Safe to call
// after Run has returned; calling it more than once is a no-op.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")

		if err := a.orch.Stop(ctx); err != nil && !errors.Is(err, session.ErrNotRunning) {
			slog.Warn("session stop error", "err", err)
			shutdownErr = err
		}
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("control server shutdown error", "err", err)
			shutdownErr = errors.Join(shutdownErr, err)
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
