// Package simli implements [avatar.Sink] on top of the Simli audio-to-video
// API.
//
// A session is created with an HTTP call that exchanges the renderer config
// for a session token. The token is then sent as the first message on a
// websocket. The service answers "START" once it is ready to render; after
// that the client streams PCM16 audio as binary messages and controls the
// queue with "SKIP" (drop pending audio) and "DONE" (end of session).
// Rendered media comes back as binary messages whose first byte tags the
// payload: 'v' for video, 'a' for audio.
//
// Typical usage:
//
//	s := simli.New()
//	cfg := avatar.DefaultConfig(apiKey, faceID)
//	cfg.VideoSink, cfg.AudioSink = video, sound
//	_ = s.Initialize(cfg)
//	err := s.Connect(ctx)
package simli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/avatarlink/pkg/audio"
	"github.com/MrWong99/avatarlink/pkg/avatar"
)

var _ avatar.Sink = (*Sink)(nil)

// ErrReadyTimeout is the cause carried by the closed event when the service
// never answers START.
var ErrReadyTimeout = errors.New("simli: no START from service")

const (
	defaultBaseURL = "https://api.simli.ai"
	defaultWSURL   = "wss://api.simli.ai/LipsyncStream"
	startPath      = "/startAudioToVideoSession"
	defaultTimeout = 15 * time.Second

	// defaultReadyTimeout bounds the wait for START after the token is sent.
	defaultReadyTimeout = 30 * time.Second

	msgStart = "START"
	msgStop  = "STOP"
	msgSkip  = "SKIP"
	msgDone  = "DONE"

	prefixVideo = 'v'
	prefixAudio = 'a'

	outboxSize = 256
)

// ---- options ----

// Option is a functional option for [New].
type Option func(*Sink)

// WithBaseURL overrides the HTTP API base URL.
func WithBaseURL(u string) Option {
	return func(s *Sink) { s.baseURL = strings.TrimRight(u, "/") }
}

// WithWebsocketURL overrides the streaming endpoint.
func WithWebsocketURL(u string) Option {
	return func(s *Sink) { s.wsURL = u }
}

// WithReadyTimeout bounds how long the service may take to answer START.
// Zero disables the bound.
func WithReadyTimeout(d time.Duration) Option {
	return func(s *Sink) { s.readyTimeout = d }
}

// WithHTTPClient replaces the HTTP client used for the token exchange.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *Sink) { s.httpClient = hc }
}

// ---- wire types ----

type startRequest struct {
	APIKey           string `json:"apiKey"`
	FaceID           string `json:"faceId"`
	HandleSilence    bool   `json:"handleSilence"`
	MaxSessionLength int    `json:"maxSessionLength"`
	MaxIdleTime      int    `json:"maxIdleTime"`
}

type startResponse struct {
	SessionToken string `json:"session_token"`
}

type outbound struct {
	typ  websocket.MessageType
	data []byte
}

// ---- Sink ----

// Sink is a Simli renderer session. Use [New] to create one.
type Sink struct {
	baseURL      string
	wsURL        string
	httpClient   *http.Client
	readyTimeout time.Duration

	events chan avatar.Event
	outbox chan outbound
	ready  chan struct{}

	mu          sync.Mutex
	cfg         avatar.Config
	initialized bool
	connected   bool
	closed      bool
	conn        *websocket.Conn
	ctx         context.Context
	cancel      context.CancelFunc
	readyOnce   sync.Once
	closedOnce  sync.Once
	wg          sync.WaitGroup
}

// New returns an unconnected Sink.
func New(opts ...Option) *Sink {
	s := &Sink{
		baseURL:      defaultBaseURL,
		wsURL:        defaultWSURL,
		httpClient:   &http.Client{Timeout: defaultTimeout},
		readyTimeout: defaultReadyTimeout,
		events:       make(chan avatar.Event, 4),
		outbox:       make(chan outbound, outboxSize),
		ready:        make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Initialize implements [avatar.Sink].
func (s *Sink) Initialize(cfg avatar.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized || !cfg.Complete() {
		return nil
	}
	s.cfg = cfg
	s.initialized = true
	return nil
}

// Connect implements [avatar.Sink]. It returns once the websocket is open
// and the token was sent; readiness arrives later as [avatar.EventReady].
// If START does not arrive within the ready timeout the sink reports
// [avatar.EventClosed] with [ErrReadyTimeout].
func (s *Sink) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return avatar.ErrRendererClosed
	}
	if !s.initialized {
		s.mu.Unlock()
		return avatar.ErrNotInitialized
	}
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	cfg := s.cfg
	s.mu.Unlock()

	token, err := s.startSession(ctx, cfg)
	if err != nil {
		return fmt.Errorf("%w: %w", avatar.ErrConnect, err)
	}

	conn, _, err := websocket.Dial(ctx, s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("%w: simli: dial: %w", avatar.ErrConnect, err)
	}
	conn.SetReadLimit(8 << 20)
	if err := conn.Write(ctx, websocket.MessageText, []byte(token)); err != nil {
		conn.Close(websocket.StatusInternalError, "token send failed")
		return fmt.Errorf("%w: simli: send token: %w", avatar.ErrConnect, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "closed during connect")
		return avatar.ErrRendererClosed
	}
	s.conn = conn
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.connected = true
	s.wg.Add(2)
	if s.readyTimeout > 0 {
		s.wg.Add(1)
		go s.awaitReady(s.readyTimeout)
	}
	s.mu.Unlock()

	go s.readLoop()
	go s.writeLoop()
	return nil
}

func (s *Sink) awaitReady(timeout time.Duration) {
	defer s.wg.Done()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-s.ready:
	case <-s.ctx.Done():
	case <-t.C:
		s.remoteClosed(fmt.Errorf("%w within %v", ErrReadyTimeout, timeout))
	}
}

func (s *Sink) startSession(ctx context.Context, cfg avatar.Config) (string, error) {
	body, err := json.Marshal(startRequest{
		APIKey:           cfg.APIKey,
		FaceID:           cfg.FaceID,
		HandleSilence:    cfg.HandleSilence,
		MaxSessionLength: int(cfg.MaxSessionLength / time.Second),
		MaxIdleTime:      int(cfg.MaxIdleTime / time.Second),
	})
	if err != nil {
		return "", fmt.Errorf("simli: encode start request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+startPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("simli: build start request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("simli: start session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("simli: start session: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	var out startResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("simli: decode start response: %w", err)
	}
	if out.SessionToken == "" {
		return "", errors.New("simli: start response has no session token")
	}
	return out.SessionToken, nil
}

// PushFrame implements [avatar.Sink]. Frames are sent as raw PCM16.
func (s *Sink) PushFrame(frame audio.AudioFrame) error {
	return s.enqueue(outbound{typ: websocket.MessageBinary, data: frame.Data})
}

// ClearQueue implements [avatar.Sink]. Frames still waiting in the local
// outbox are dropped and the service is told to skip what it buffered.
func (s *Sink) ClearQueue() error {
	if err := s.usable(); err != nil {
		return err
	}
	dropped := 0
drain:
	for {
		select {
		case msg := <-s.outbox:
			if msg.typ == websocket.MessageBinary {
				dropped++
			}
		default:
			break drain
		}
	}
	if dropped > 0 {
		slog.Debug("simli: dropped queued frames", "count", dropped)
	}
	return s.enqueue(outbound{typ: websocket.MessageText, data: []byte(msgSkip)})
}

func (s *Sink) usable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return avatar.ErrRendererClosed
	case !s.connected:
		return avatar.ErrNotInitialized
	}
	return nil
}

func (s *Sink) enqueue(msg outbound) error {
	if err := s.usable(); err != nil {
		return err
	}
	select {
	case s.outbox <- msg:
		return nil
	case <-s.ctx.Done():
		return avatar.ErrRendererClosed
	}
}

// Events implements [avatar.Sink].
func (s *Sink) Events() <-chan avatar.Event { return s.events }

// Close implements [avatar.Sink]. It tells the service the session is done,
// closes the websocket and the media sinks.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn, connected, cfg := s.conn, s.connected, s.cfg
	s.mu.Unlock()

	if connected {
		writeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = conn.Write(writeCtx, websocket.MessageText, []byte(msgDone))
		cancel()
		s.cancel()
		conn.Close(websocket.StatusNormalClosure, "session closed")
		s.wg.Wait()
	}

	s.emitClosed(nil)
	close(s.events)

	var errs []error
	if cfg.VideoSink != nil {
		errs = append(errs, cfg.VideoSink.Close())
	}
	if cfg.AudioSink != nil {
		errs = append(errs, cfg.AudioSink.Close())
	}
	for _, err := range errs {
		if err != nil {
			return fmt.Errorf("simli: close media sink: %w", err)
		}
	}
	return nil
}

func (s *Sink) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.outbox:
			if err := s.conn.Write(s.ctx, msg.typ, msg.data); err != nil {
				if s.ctx.Err() == nil {
					s.remoteClosed(err)
				}
				return
			}
		}
	}
}

func (s *Sink) readLoop() {
	defer s.wg.Done()
	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.remoteClosed(err)
			}
			return
		}

		switch typ {
		case websocket.MessageText:
			switch strings.TrimSpace(string(data)) {
			case msgStart:
				s.readyOnce.Do(func() {
					close(s.ready)
					s.emit(avatar.Event{Kind: avatar.EventReady})
				})
			case msgStop:
				s.remoteClosed(errors.New("service ended the session"))
				return
			default:
				slog.Debug("simli: ignoring text message", "msg", string(data))
			}
		case websocket.MessageBinary:
			s.route(data)
		}
	}
}

func (s *Sink) route(data []byte) {
	if len(data) < 2 {
		return
	}
	var dst avatar.MediaSink
	switch data[0] {
	case prefixVideo:
		dst = s.cfg.VideoSink
	case prefixAudio:
		dst = s.cfg.AudioSink
	default:
		slog.Debug("simli: unknown media prefix", "prefix", data[0])
		return
	}
	if _, err := dst.Write(data[1:]); err != nil {
		slog.Debug("simli: media sink write failed", "err", err)
	}
}

// remoteClosed reports a connection that ended without Close.
func (s *Sink) remoteClosed(err error) {
	slog.Warn("simli: renderer connection lost", "err", err)
	s.emitClosed(fmt.Errorf("%w: %w", avatar.ErrRendererClosed, err))
	s.cancel()
}

func (s *Sink) emitClosed(err error) {
	s.closedOnce.Do(func() { s.emit(avatar.Event{Kind: avatar.EventClosed, Err: err}) })
}

// emit never blocks; events has room for one ready and one closed event.
func (s *Sink) emit(evt avatar.Event) {
	select {
	case s.events <- evt:
	default:
	}
}
