// Package session drives one avatar conversation at a time: it creates the
// backend session, wires the microphone to the control channel and the
// control channel to the avatar renderer, and tears everything down again.
//
// All collaborator events (capture chunks, channel messages, renderer
// events, timers) are funnelled into a single inbox and handled by the
// goroutine running [Orchestrator.Run], so session state is never touched
// concurrently. Every event is tagged with the generation of the session
// that produced it; once a session is torn down its generation is retired
// and late events are dropped.
//
// Typical usage:
//
//	orch, err := session.New(session.Config{...})
//	go orch.Run(ctx)
//	if err := orch.Start(ctx); err != nil {
//	    fmt.Println(session.UserMessage(err))
//	}
//	defer orch.Stop(context.Background())
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/avatarlink/internal/observe"
	"github.com/MrWong99/avatarlink/pkg/audio"
	"github.com/MrWong99/avatarlink/pkg/audio/capture"
	"github.com/MrWong99/avatarlink/pkg/avatar"
	"github.com/MrWong99/avatarlink/pkg/backend"
)

const (
	defaultInterruptSilenceDelay = 100 * time.Millisecond
	defaultInterruptSilenceBytes = 1024
	defaultNoticeSilenceBytes    = 512

	inboxSize  = 64
	noticeSize = 16
)

// RendererFactory builds a fresh renderer and its configuration for one
// session. Sinks are single-use, so it is called on every Start.
type RendererFactory func() (avatar.Sink, avatar.Config, error)

// Config holds the collaborators and tuning of an [Orchestrator].
type Config struct {
	Backend     backend.SessionStarter
	Dialer      backend.Dialer
	Microphone  capture.Source
	NewRenderer RendererFactory

	// Conversation is sent with every session-start call until replaced
	// with SetConversation.
	Conversation backend.Conversation

	// InboundFormat is the PCM format of backend audio frames and
	// RendererFormat the format the renderer expects. Frames are converted
	// when they differ. Default for both: 16 kHz mono.
	InboundFormat  audio.Format
	RendererFormat audio.Format

	// InterruptSilenceDelay is how long after clearing the queue on an
	// interrupt the recovery silence is pushed. Default: 100ms.
	InterruptSilenceDelay time.Duration

	// Silence frame sizes in bytes. Defaults: 1024 after an interrupt, 512
	// on a text notice and avatar.WarmupSilenceBytes when the renderer
	// becomes ready.
	InterruptSilenceBytes int
	NoticeSilenceBytes    int
	WarmupSilenceBytes    int

	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics
}

func (c *Config) applyDefaults() {
	if c.InboundFormat.SampleRate == 0 {
		c.InboundFormat.SampleRate = 16000
	}
	if c.InboundFormat.Channels == 0 {
		c.InboundFormat.Channels = 1
	}
	if c.RendererFormat.SampleRate == 0 {
		c.RendererFormat.SampleRate = 16000
	}
	if c.RendererFormat.Channels == 0 {
		c.RendererFormat.Channels = 1
	}
	if c.InterruptSilenceDelay <= 0 {
		c.InterruptSilenceDelay = defaultInterruptSilenceDelay
	}
	if c.InterruptSilenceBytes <= 0 {
		c.InterruptSilenceBytes = defaultInterruptSilenceBytes
	}
	if c.NoticeSilenceBytes <= 0 {
		c.NoticeSilenceBytes = defaultNoticeSilenceBytes
	}
	if c.WarmupSilenceBytes <= 0 {
		c.WarmupSilenceBytes = avatar.WarmupSilenceBytes
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
}

func (c *Config) validate() error {
	var errs []error
	if c.Backend == nil {
		errs = append(errs, errors.New("session: Backend is required"))
	}
	if c.Dialer == nil {
		errs = append(errs, errors.New("session: Dialer is required"))
	}
	if c.Microphone == nil {
		errs = append(errs, errors.New("session: Microphone is required"))
	}
	if c.NewRenderer == nil {
		errs = append(errs, errors.New("session: NewRenderer is required"))
	}
	return errors.Join(errs...)
}

// ─── internal event plumbing ──────────────────────────────────────────────────

type eventKind int

const (
	evSetupDone eventKind = iota
	evChunk
	evCaptureEnded
	evChannel
	evChannelClosed
	evRenderer
	evRendererClosed
	evSilenceTimer
)

type event struct {
	gen   uint64
	kind  eventKind
	chunk audio.Chunk
	msg   backend.Event
	rend  avatar.Event
	err   error
	res   *resources
}

type command struct {
	start bool
	ctx   context.Context
	reply chan error
}

// resources are the per-session handles. Any field may be nil while a
// session is being set up.
type resources struct {
	sessionID string
	conn      backend.Conn
	rec       capture.Recording
	sink      avatar.Sink
}

// ─── Orchestrator ─────────────────────────────────────────────────────────────

// Orchestrator owns at most one session. Start, Stop and the accessors are
// safe for concurrent use; they only take effect while Run is executing.
type Orchestrator struct {
	cfg       Config
	metrics   *observe.Metrics
	converter *audio.FormatConverter

	cmds    chan command
	inbox   chan event
	notices chan Notice
	done    chan struct{}
	runOnce sync.Once

	mu      sync.Mutex
	conv    backend.Conversation
	info    Info
	lastErr error

	// Everything below is owned by the Run goroutine.
	gen           uint64
	res           *resources
	sessDone      chan struct{}
	forwarders    sync.WaitGroup
	setupPending  bool
	setupCancel   context.CancelFunc
	startReply    chan error
	stopReplies   []chan error
	startedAt     time.Time
	rendererReady bool
	warmedUp      bool
	timers        []*time.Timer
	silenceDue    int
	held          []audio.AudioFrame
}

// New validates cfg and returns an idle Orchestrator. Call Run to start
// its event loop.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &Orchestrator{
		cfg:     cfg,
		metrics: cfg.Metrics,
		converter: &audio.FormatConverter{
			Source: cfg.InboundFormat,
			Target: cfg.RendererFormat,
		},
		cmds:    make(chan command),
		inbox:   make(chan event, inboxSize),
		notices: make(chan Notice, noticeSize),
		done:    make(chan struct{}),
		conv:    cfg.Conversation,
		info:    Info{State: StateIdle},
	}, nil
}

// Run executes the event loop until ctx is cancelled. On return any session
// has been torn down. Run must be called exactly once.
func (o *Orchestrator) Run(ctx context.Context) error {
	ran := false
	o.runOnce.Do(func() { ran = true })
	if !ran {
		return errors.New("session: Run called twice")
	}
	defer close(o.done)

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return nil
		case cmd := <-o.cmds:
			if cmd.start {
				o.handleStart(cmd)
			} else {
				o.handleStop(cmd)
			}
		case evt := <-o.inbox:
			o.dispatch(evt)
		}
	}
}

// Start creates a session. It returns once the backend session exists and
// every collaborator is connected; the session turns Active when the
// renderer reports ready. Starting while a session is in progress returns
// ErrSessionActive.
func (o *Orchestrator) Start(ctx context.Context) error {
	return o.send(ctx, true)
}

// Stop tears the current session down and returns once every resource is
// released. Stopping an idle orchestrator is a no-op.
func (o *Orchestrator) Stop(ctx context.Context) error {
	return o.send(ctx, false)
}

func (o *Orchestrator) send(ctx context.Context, start bool) error {
	reply := make(chan error, 1)
	select {
	case o.cmds <- command{start: start, ctx: ctx, reply: reply}:
	case <-o.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-o.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrNotRunning
		}
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.info.State
}

// Info returns a snapshot of the current session.
func (o *Orchestrator) Info() Info {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.info
}

// LastError returns the error that ended or prevented the most recent
// session. It is cleared by the next Start.
func (o *Orchestrator) LastError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// Done is closed once Run has returned.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// Notifications delivers a [Notice] per state transition. Notices are
// dropped when the reader falls behind.
func (o *Orchestrator) Notifications() <-chan Notice { return o.notices }

// SetConversation replaces the conversation profile used by the next Start.
func (o *Orchestrator) SetConversation(conv backend.Conversation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.conv = conv
}

// Conversation returns the profile the next Start will use.
func (o *Orchestrator) Conversation() backend.Conversation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conv
}

// ─── commands ─────────────────────────────────────────────────────────────────

func (o *Orchestrator) handleStart(cmd command) {
	if o.State() != StateIdle {
		cmd.reply <- ErrSessionActive
		return
	}

	o.gen++
	gen := o.gen
	conv := o.Conversation()
	setupCtx, cancel := context.WithCancel(cmd.ctx)

	o.setupPending = true
	o.setupCancel = cancel
	o.startReply = cmd.reply
	o.startedAt = time.Now()
	o.converter.Reset()
	o.rendererReady = false
	o.warmedUp = false

	o.mu.Lock()
	o.lastErr = nil
	o.mu.Unlock()
	o.setState(StateStarting, "", nil)

	go func() {
		res, err := o.setup(setupCtx, conv)
		o.inbox <- event{gen: gen, kind: evSetupDone, res: res, err: err}
	}()
}

func (o *Orchestrator) handleStop(cmd command) {
	switch o.State() {
	case StateIdle:
		cmd.reply <- nil
	case StateStopping:
		o.stopReplies = append(o.stopReplies, cmd.reply)
	case StateStarting:
		if o.setupPending {
			o.stopReplies = append(o.stopReplies, cmd.reply)
			o.setState(StateStopping, "", nil)
			o.setupCancel()
			return
		}
		o.endSession(nil)
		cmd.reply <- nil
	case StateActive:
		o.endSession(nil)
		cmd.reply <- nil
	}
}

// setup acquires the session resources in order: backend session, control
// channel, microphone, renderer. On failure everything acquired so far is
// released before returning.
func (o *Orchestrator) setup(ctx context.Context, conv backend.Conversation) (*resources, error) {
	ctx, span := observe.StartSpan(ctx, "session.start")
	defer span.End()
	log := observe.Logger(ctx)

	partial := &resources{}
	fail := func(err error) (*resources, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, KindOf(err).String())
		teardown(partial)
		return nil, err
	}

	id, err := o.cfg.Backend.StartSession(ctx, conv)
	if err != nil {
		return fail(err)
	}
	partial.sessionID = id
	span.SetAttributes(attribute.String("session.id", id))
	log.Debug("backend session created", "session_id", id)

	conn, err := o.cfg.Dialer.Dial(ctx, id)
	if err != nil {
		if !errors.Is(err, backend.ErrChannel) {
			err = fmt.Errorf("%w: %w", backend.ErrConnect, err)
		}
		return fail(err)
	}
	partial.conn = conn

	rec, err := o.cfg.Microphone.Start(ctx)
	if err != nil {
		return fail(fmt.Errorf("session: start microphone: %w", err))
	}
	partial.rec = rec

	sink, rcfg, err := o.cfg.NewRenderer()
	if err != nil {
		return fail(fmt.Errorf("%w: build renderer: %w", avatar.ErrConnect, err))
	}
	partial.sink = sink
	if err := sink.Initialize(rcfg); err != nil {
		return fail(fmt.Errorf("%w: initialize renderer: %w", avatar.ErrConnect, err))
	}
	if err := sink.Connect(ctx); err != nil {
		if KindOf(err) != KindRendererError {
			err = fmt.Errorf("%w: %w", avatar.ErrConnect, err)
		}
		return fail(err)
	}

	return partial, nil
}

// teardown releases res in the required order: microphone, renderer,
// channel.
func teardown(res *resources) {
	if res == nil {
		return
	}
	if res.rec != nil {
		if err := res.rec.Stop(); err != nil {
			slog.Warn("failed to stop microphone", "session_id", res.sessionID, "err", err)
		}
	}
	if res.sink != nil {
		if err := res.sink.Close(); err != nil {
			slog.Warn("failed to close renderer", "session_id", res.sessionID, "err", err)
		}
	}
	if res.conn != nil {
		if err := res.conn.Close(); err != nil {
			slog.Warn("failed to close control channel", "session_id", res.sessionID, "err", err)
		}
	}
}

// ─── event dispatch ───────────────────────────────────────────────────────────

func (o *Orchestrator) dispatch(evt event) {
	if evt.kind == evSetupDone {
		o.handleSetupDone(evt)
		return
	}
	if evt.gen != o.gen || o.res == nil {
		return
	}

	switch evt.kind {
	case evChunk:
		o.sendChunk(evt.chunk)
	case evCaptureEnded:
		err := evt.err
		if err == nil {
			err = capture.ErrDeviceLost
		}
		o.fail(err)
	case evChannel:
		o.handleChannel(evt.msg)
	case evChannelClosed:
		o.fail(backend.ErrChannelClosed)
	case evRenderer:
		o.handleRenderer(evt.rend)
	case evRendererClosed:
		o.fail(avatar.ErrRendererClosed)
	case evSilenceTimer:
		o.interruptSilence()
	}
}

func (o *Orchestrator) handleSetupDone(evt event) {
	if evt.gen != o.gen || !o.setupPending {
		teardown(evt.res)
		return
	}
	o.setupPending = false
	o.setupCancel()
	reply := o.startReply
	o.startReply = nil

	if o.State() == StateStopping {
		teardown(evt.res)
		o.gen++
		o.setState(StateIdle, "", nil)
		o.replyStops()
		o.metrics.RecordSessionStart(context.Background(), time.Since(o.startedAt), KindCancelled.String())
		reply <- ErrStopped
		return
	}

	if evt.err != nil {
		kind := KindOf(evt.err)
		slog.Warn("session start failed", "kind", kind, "err", evt.err)
		o.metrics.RecordSessionStart(context.Background(), time.Since(o.startedAt), kind.String())
		o.metrics.RecordSessionError(context.Background(), kind.String())
		o.gen++
		o.setState(StateIdle, "", evt.err)
		reply <- evt.err
		return
	}

	o.res = evt.res
	o.sessDone = make(chan struct{})
	o.startForwarders(o.gen, o.sessDone, o.res)

	o.mu.Lock()
	o.info.SessionID = o.res.sessionID
	o.info.StartedAt = o.startedAt
	o.mu.Unlock()
	slog.Info("session connected", "session_id", o.res.sessionID)

	reply <- nil
}

func (o *Orchestrator) sendChunk(c audio.Chunk) {
	if err := o.res.conn.SendAudio(c); err != nil {
		o.fail(err)
		return
	}
	o.metrics.RecordChunk(context.Background(), c.Len())
}

func (o *Orchestrator) handleChannel(m backend.Event) {
	ctx := context.Background()
	switch m.Kind {
	case backend.EventAudio:
		o.pushAudio(m.Audio)
	case backend.EventControl:
		switch m.Control.Type {
		case backend.TypeInterrupt:
			o.metrics.RecordControlMessage(ctx, string(m.Control.Type))
			o.interrupt()
		case backend.TypeText:
			o.metrics.RecordControlMessage(ctx, string(m.Control.Type))
			o.pushSilence(o.cfg.NoticeSilenceBytes)
		default:
			slog.Debug("ignoring control message", "session_id", o.res.sessionID, "type", m.Control.Type)
			o.metrics.RecordUnknownMessage(ctx, string(m.Control.Type))
		}
	case backend.EventMalformed:
		slog.Warn("dropping malformed control message",
			"session_id", o.res.sessionID,
			"err", m.Err,
			"payload", truncate(m.Raw, 128),
		)
		o.metrics.DecodeErrors.Add(ctx, 1)
	case backend.EventError:
		o.fail(m.Err)
	}
}

func (o *Orchestrator) handleRenderer(e avatar.Event) {
	switch e.Kind {
	case avatar.EventReady:
		if o.rendererReady {
			return
		}
		o.rendererReady = true
		if !o.warmedUp {
			o.warmedUp = true
			o.pushSilence(o.cfg.WarmupSilenceBytes)
		}
		o.maybeActivate()
	case avatar.EventClosed:
		err := e.Err
		if err == nil {
			err = avatar.ErrRendererClosed
		}
		o.fail(err)
	}
}

// maybeActivate moves Starting to Active once the channel is open and the
// renderer is ready.
func (o *Orchestrator) maybeActivate() {
	if o.State() != StateStarting || o.res == nil || !o.rendererReady {
		return
	}
	ctx := context.Background()
	o.metrics.RecordSessionStart(ctx, time.Since(o.startedAt), "ok")
	o.metrics.ActiveSessions.Add(ctx, 1)
	o.setState(StateActive, o.res.sessionID, nil)
	slog.Info("session active", "session_id", o.res.sessionID, "startup", time.Since(o.startedAt))
}

// ─── audio routing ────────────────────────────────────────────────────────────

func (o *Orchestrator) pushAudio(data []byte) {
	frame := o.converter.Convert(audio.AudioFrame{
		Data:       data,
		SampleRate: o.cfg.InboundFormat.SampleRate,
		Channels:   o.cfg.InboundFormat.Channels,
		Timestamp:  time.Since(o.startedAt),
	})
	if len(frame.Data) == 0 {
		return
	}
	// Frames arriving while an interrupt silence is due are played after it.
	if o.silenceDue > 0 {
		o.held = append(o.held, frame)
		return
	}
	o.push(frame, "backend")
}

// interrupt clears the renderer queue at once and schedules the recovery
// silence.
func (o *Orchestrator) interrupt() {
	o.held = nil
	if err := o.res.sink.ClearQueue(); err != nil {
		o.sinkError(err)
		return
	}

	gen, done := o.gen, o.sessDone
	o.silenceDue++
	o.timers = append(o.timers, time.AfterFunc(o.cfg.InterruptSilenceDelay, func() {
		select {
		case o.inbox <- event{gen: gen, kind: evSilenceTimer}:
		case <-done:
		}
	}))
}

func (o *Orchestrator) interruptSilence() {
	if o.silenceDue > 0 {
		o.silenceDue--
	}
	o.pushSilence(o.cfg.InterruptSilenceBytes)
	if o.silenceDue > 0 || o.res == nil {
		return
	}
	held := o.held
	o.held = nil
	for _, f := range held {
		if o.res == nil {
			return
		}
		o.push(f, "backend")
	}
}

func (o *Orchestrator) pushSilence(n int) {
	f := o.cfg.RendererFormat
	frame := audio.Silence(n, f.SampleRate, f.Channels)
	frame.Timestamp = time.Since(o.startedAt)
	o.push(frame, "silence")
}

func (o *Orchestrator) push(frame audio.AudioFrame, source string) {
	if o.res == nil {
		return
	}
	if err := o.res.sink.PushFrame(frame); err != nil {
		o.sinkError(err)
		return
	}
	o.metrics.RecordFrame(context.Background(), source)
}

func (o *Orchestrator) sinkError(err error) {
	if errors.Is(err, avatar.ErrRendererClosed) {
		o.fail(err)
		return
	}
	slog.Warn("renderer rejected audio", "session_id", o.res.sessionID, "err", err)
}

// ─── teardown ─────────────────────────────────────────────────────────────────

// fail ends the session because of err.
func (o *Orchestrator) fail(err error) {
	kind := KindOf(err)
	slog.Error("session failed", "session_id", o.res.sessionID, "kind", kind, "err", err)
	ctx := context.Background()
	o.metrics.RecordSessionError(ctx, kind.String())
	if o.State() == StateStarting {
		o.metrics.RecordSessionStart(ctx, time.Since(o.startedAt), kind.String())
	}
	o.endSession(err)
}

// endSession tears down the established session and returns to Idle.
func (o *Orchestrator) endSession(cause error) {
	res := o.res
	wasActive := o.State() == StateActive
	o.setState(StateStopping, res.sessionID, nil)

	close(o.sessDone)
	o.gen++
	for _, t := range o.timers {
		t.Stop()
	}
	o.timers = nil
	o.silenceDue = 0
	o.held = nil

	teardown(res)
	o.forwarders.Wait()
	o.res = nil

	if wasActive {
		o.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	slog.Info("session stopped", "session_id", res.sessionID, "duration", time.Since(o.startedAt))
	o.setState(StateIdle, "", cause)
	o.replyStops()
}

func (o *Orchestrator) replyStops() {
	for _, r := range o.stopReplies {
		r <- nil
	}
	o.stopReplies = nil
}

// shutdown runs when Run's context ends.
func (o *Orchestrator) shutdown() {
	if o.setupPending {
		o.setupCancel()
		for evt := range o.inbox {
			if evt.kind == evSetupDone && evt.gen == o.gen {
				o.setState(StateStopping, "", nil)
				o.handleSetupDone(evt)
				break
			}
		}
	}
	if o.res != nil {
		o.endSession(nil)
	}
	o.replyStops()
}

func (o *Orchestrator) setState(s State, sessionID string, cause error) {
	o.mu.Lock()
	if sessionID != "" {
		o.info.SessionID = sessionID
	}
	// The notice for Idle still names the session that just ended.
	id := o.info.SessionID
	if s == StateIdle {
		o.info = Info{State: StateIdle}
	} else {
		o.info.State = s
	}
	if cause != nil {
		o.lastErr = cause
	}
	o.mu.Unlock()

	select {
	case o.notices <- Notice{State: s, SessionID: id, Err: cause}:
	default:
		slog.Debug("session notice dropped", "state", s)
	}
}

// ─── forwarders ───────────────────────────────────────────────────────────────

func (o *Orchestrator) startForwarders(gen uint64, done <-chan struct{}, res *resources) {
	o.forwarders.Add(3)
	go pump(o, gen, done, res.rec.Chunks(),
		func(c audio.Chunk) event { return event{kind: evChunk, chunk: c} },
		func() event { return event{kind: evCaptureEnded, err: res.rec.Err()} })
	go pump(o, gen, done, res.conn.Events(),
		func(m backend.Event) event { return event{kind: evChannel, msg: m} },
		func() event { return event{kind: evChannelClosed} })
	go pump(o, gen, done, res.sink.Events(),
		func(e avatar.Event) event { return event{kind: evRenderer, rend: e} },
		func() event { return event{kind: evRendererClosed} })
}

// pump forwards src into the inbox until src closes or done is closed.
func pump[T any](o *Orchestrator, gen uint64, done <-chan struct{}, src <-chan T, wrap func(T) event, closed func() event) {
	defer o.forwarders.Done()
	post := func(evt event) bool {
		evt.gen = gen
		select {
		case o.inbox <- evt:
			return true
		case <-done:
			return false
		}
	}
	for {
		select {
		case v, ok := <-src:
			if !ok {
				post(closed())
				return
			}
			if !post(wrap(v)) {
				return
			}
		case <-done:
			return
		}
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
