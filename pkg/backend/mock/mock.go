// Package mock provides in-memory implementations of the backend interfaces
// for tests. Every mock records its calls and is safe for concurrent use.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/avatarlink/pkg/audio"
	"github.com/MrWong99/avatarlink/pkg/backend"
)

// ─── Starter ──────────────────────────────────────────────────────────────────

// Starter is a mock [backend.SessionStarter].
type Starter struct {
	mu sync.Mutex

	// SessionID is returned by StartSession. Default: "session-1".
	SessionID string

	// Err is returned by StartSession when non-nil.
	Err error

	// Block makes StartSession wait until its context is cancelled.
	Block bool

	// Calls records the conversation of every call.
	Calls []backend.Conversation
}

// StartSession implements [backend.SessionStarter].
func (s *Starter) StartSession(ctx context.Context, conv backend.Conversation) (string, error) {
	s.mu.Lock()
	s.Calls = append(s.Calls, conv)
	block, id, err := s.Block, s.SessionID, s.Err
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}
	if id == "" {
		id = "session-1"
	}
	return id, nil
}

// CallCount returns the number of StartSession calls.
func (s *Starter) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}

// Conversations returns a copy of the recorded conversations.
func (s *Starter) Conversations() []backend.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]backend.Conversation(nil), s.Calls...)
}

// ─── Conn ─────────────────────────────────────────────────────────────────────

// Conn is a mock [backend.Conn]. Tests inject inbound events with Push and
// inspect outbound chunks with Sent.
type Conn struct {
	mu         sync.Mutex
	events     chan backend.Event
	sent       []audio.Chunk
	closed     bool
	sendErr    error
	CloseCalls int
}

var _ backend.Conn = (*Conn)(nil)

// NewConn returns a Conn whose event stream has the given buffer.
func NewConn(buffer int) *Conn {
	return &Conn{events: make(chan backend.Event, buffer)}
}

// SendAudio implements [backend.Conn].
func (c *Conn) SendAudio(chunk audio.Chunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return backend.ErrChannelClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, chunk)
	return nil
}

// Events implements [backend.Conn].
func (c *Conn) Events() <-chan backend.Event { return c.events }

// Close implements [backend.Conn]. The event stream is closed on the first
// call.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CloseCalls++
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

// Push delivers evt as if it arrived from the backend. It is a no-op after
// Close.
func (c *Conn) Push(evt backend.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- evt
}

// Fail delivers a terminal EventError and closes the stream.
func (c *Conn) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- backend.Event{Kind: backend.EventError, Err: err}
	c.closed = true
	close(c.events)
}

// SetSendError makes later SendAudio calls fail with err.
func (c *Conn) SetSendError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// Sent returns a copy of every chunk accepted so far, in order.
func (c *Conn) Sent() []audio.Chunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]audio.Chunk(nil), c.sent...)
}

// Closes returns the number of Close calls.
func (c *Conn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CloseCalls
}

// ─── Dialer ───────────────────────────────────────────────────────────────────

// Dialer is a mock [backend.Dialer].
type Dialer struct {
	mu sync.Mutex

	// Conn is returned by Dial. When nil a fresh Conn with a 64-event buffer
	// is created per call.
	Conn *Conn

	// Err is returned by Dial when non-nil.
	Err error

	// SessionIDs records the argument of every call.
	SessionIDs []string

	// Dialed lists every Conn handed out, in order.
	Dialed []*Conn
}

// Dial implements [backend.Dialer].
func (d *Dialer) Dial(_ context.Context, sessionID string) (backend.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.SessionIDs = append(d.SessionIDs, sessionID)
	if d.Err != nil {
		return nil, d.Err
	}
	c := d.Conn
	if c == nil {
		c = NewConn(64)
	}
	d.Dialed = append(d.Dialed, c)
	return c, nil
}

// CallCount returns the number of Dial calls.
func (d *Dialer) CallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.SessionIDs)
}

// Last returns the most recently dialed Conn, or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Dialed) == 0 {
		return nil
	}
	return d.Dialed[len(d.Dialed)-1]
}
