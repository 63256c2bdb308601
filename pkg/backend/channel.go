package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/avatarlink/pkg/audio"
)

const (
	defaultEventBuffer = 64
	defaultSendBuffer  = 64

	// defaultWriteTimeout bounds a single outbound message.
	defaultWriteTimeout = 10 * time.Second

	// defaultReadLimit allows large synthesized audio frames.
	defaultReadLimit = 4 << 20
)

// EventKind discriminates the values delivered by [Channel.Events].
type EventKind int

const (
	// EventAudio carries a binary frame of synthesized speech.
	EventAudio EventKind = iota

	// EventControl carries a decoded text message. The message may have an
	// unknown type; see [ControlMessage.Known].
	EventControl

	// EventMalformed carries a text payload that failed to decode. Err wraps
	// [ErrMessageDecode]. The channel stays open.
	EventMalformed

	// EventError reports that the connection failed. It is always the last
	// event before the stream closes. Err wraps [ErrChannel].
	EventError
)

// String returns the kind name.
func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventControl:
		return "control"
	case EventMalformed:
		return "malformed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one inbound item. Audio frames and control messages share a
// single stream so their relative arrival order is preserved.
type Event struct {
	Kind    EventKind
	Audio   []byte
	Control ControlMessage
	Raw     []byte
	Err     error
}

// ChannelOption is a functional option for [Dial].
type ChannelOption func(*channelConfig)

type channelConfig struct {
	eventBuffer  int
	sendBuffer   int
	readLimit    int64
	writeTimeout time.Duration
}

// WithEventBuffer sets the capacity of the inbound event stream.
func WithEventBuffer(n int) ChannelOption {
	return func(c *channelConfig) { c.eventBuffer = n }
}

// WithSendBuffer sets how many chunks may be queued for sending.
func WithSendBuffer(n int) ChannelOption {
	return func(c *channelConfig) { c.sendBuffer = n }
}

// WithWriteTimeout bounds each outbound write. A backend that stops reading
// fails the channel once the timeout expires.
func WithWriteTimeout(d time.Duration) ChannelOption {
	return func(c *channelConfig) { c.writeTimeout = d }
}

// WithReadLimit sets the maximum size of a single inbound message.
func WithReadLimit(n int64) ChannelOption {
	return func(c *channelConfig) { c.readLimit = n }
}

// Channel is the duplex connection bound to one backend session. Outbound
// chunks are written in the order SendAudio was called. Inbound messages are
// delivered on Events in arrival order.
//
// SendAudio, Events and Close are safe for concurrent use.
type Channel struct {
	sessionID    string
	conn         *websocket.Conn
	writeTimeout time.Duration

	events chan Event
	sendq  chan audio.Chunk

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	err    error

	errOnce   sync.Once
	closeOnce sync.Once
}

// Dial opens the control channel for sessionID at endpoint. The session
// identifier is passed as the connectionId query parameter. Failures wrap
// [ErrConnect].
func Dial(ctx context.Context, endpoint, sessionID string, opts ...ChannelOption) (*Channel, error) {
	cfg := channelConfig{
		eventBuffer:  defaultEventBuffer,
		sendBuffer:   defaultSendBuffer,
		readLimit:    defaultReadLimit,
		writeTimeout: defaultWriteTimeout,
	}
	for _, o := range opts {
		o(&cfg)
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: parse endpoint: %w", ErrConnect, err)
	}
	q := u.Query()
	q.Set("connectionId", sessionID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}
	conn.SetReadLimit(cfg.readLimit)

	chCtx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		sessionID:    sessionID,
		conn:         conn,
		writeTimeout: cfg.writeTimeout,
		events:       make(chan Event, cfg.eventBuffer),
		sendq:        make(chan audio.Chunk, cfg.sendBuffer),
		ctx:          chCtx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()

	slog.Debug("control channel open", "session_id", sessionID)
	return c, nil
}

// SessionID returns the backend session this channel is bound to.
func (c *Channel) SessionID() string { return c.sessionID }

// Events returns the inbound event stream. It is closed when the channel
// closes or fails.
func (c *Channel) Events() <-chan Event { return c.events }

// SendAudio queues chunk for sending and never blocks. When the send queue
// is full the channel fails and [ErrSendQueueFull] is returned. After Close
// or a connection failure it returns [ErrChannelClosed].
func (c *Channel) SendAudio(chunk audio.Chunk) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}

	select {
	case c.sendq <- chunk:
		return nil
	case <-c.ctx.Done():
		return ErrChannelClosed
	default:
		c.fail(fmt.Errorf("send queue full (%d chunks)", cap(c.sendq)))
		return ErrSendQueueFull
	}
}

// Err returns the error that terminated the channel, or nil.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection and waits for the loops to exit. Idempotent.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		close(c.done)
		c.cancel()
		c.conn.Close(websocket.StatusNormalClosure, "session ended")
		c.wg.Wait()
	})
	return nil
}

// readLoop owns events and closes it when it exits. When the connection
// failed it delivers EventError as the final event.
func (c *Channel) readLoop() {
	defer c.wg.Done()
	defer close(c.events)
	defer c.emitTerminal()

	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			c.fail(err)
			return
		}

		var evt Event
		switch typ {
		case websocket.MessageBinary:
			evt = Event{Kind: EventAudio, Audio: data}
		case websocket.MessageText:
			msg, err := ParseControlMessage(data)
			if err != nil {
				evt = Event{Kind: EventMalformed, Raw: data, Err: err}
			} else {
				evt = Event{Kind: EventControl, Control: msg, Raw: data}
			}
		default:
			continue
		}

		select {
		case c.events <- evt:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Channel) emitTerminal() {
	err := c.Err()
	if err == nil {
		return
	}
	select {
	case c.events <- Event{Kind: EventError, Err: err}:
	case <-c.done:
	}
}

func (c *Channel) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case chunk := <-c.sendq:
			if err := c.write(chunk.Data); err != nil {
				c.fail(err)
				return
			}
		}
	}
}

func (c *Channel) write(data []byte) error {
	ctx := c.ctx
	if c.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()
	}
	return c.conn.Write(ctx, websocket.MessageBinary, data)
}

// fail records a connection failure and stops both loops. A failure caused
// by Close is not recorded.
func (c *Channel) fail(err error) {
	c.errOnce.Do(func() {
		if c.ctx.Err() != nil {
			return
		}
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			err = errors.New("closed by server")
		}

		c.mu.Lock()
		c.err = fmt.Errorf("%w: %w", ErrChannel, err)
		c.closed = true
		c.mu.Unlock()

		slog.Warn("control channel failed", "session_id", c.sessionID, "err", err)
		c.cancel()
	})
}
