// Package mock provides an in-memory [avatar.Sink] for tests.
//
// Every PushFrame and ClearQueue call is appended to one ordered operation
// log, so tests can assert that a clear happened before or after a given
// frame.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/avatarlink/pkg/audio"
	"github.com/MrWong99/avatarlink/pkg/avatar"
)

// OpKind identifies a recorded call.
type OpKind string

const (
	OpPush  OpKind = "push"
	OpClear OpKind = "clear"
)

// Op is one recorded PushFrame or ClearQueue call.
type Op struct {
	Kind  OpKind
	Frame audio.AudioFrame
}

// Sink is a mock [avatar.Sink].
type Sink struct {
	mu sync.Mutex

	// ConnectError is returned by Connect when non-nil.
	ConnectError error

	// AutoReady emits EventReady as soon as Connect succeeds.
	AutoReady bool

	// InitializeCalls, ConnectCalls and CloseCalls count calls.
	InitializeCalls int
	ConnectCalls    int
	CloseCalls      int

	// Configs records the argument of every Initialize call.
	Configs []avatar.Config

	ops         []Op
	events      chan avatar.Event
	initialized bool
	connected   bool
	closed      bool
	changed     chan struct{}
}

var _ avatar.Sink = (*Sink)(nil)

// New returns a Sink with an 8-event buffer.
func New() *Sink {
	return &Sink{events: make(chan avatar.Event, 8), changed: make(chan struct{})}
}

// Initialize implements [avatar.Sink].
func (s *Sink) Initialize(cfg avatar.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InitializeCalls++
	s.Configs = append(s.Configs, cfg)
	if cfg.Complete() {
		s.initialized = true
	}
	return nil
}

// Connect implements [avatar.Sink].
func (s *Sink) Connect(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ConnectCalls++
	if s.ConnectError != nil {
		return s.ConnectError
	}
	if !s.initialized {
		return avatar.ErrNotInitialized
	}
	s.connected = true
	if s.AutoReady {
		s.events <- avatar.Event{Kind: avatar.EventReady}
	}
	return nil
}

// PushFrame implements [avatar.Sink].
func (s *Sink) PushFrame(frame audio.AudioFrame) error {
	return s.record(Op{Kind: OpPush, Frame: frame})
}

// ClearQueue implements [avatar.Sink].
func (s *Sink) ClearQueue() error {
	return s.record(Op{Kind: OpClear})
}

func (s *Sink) record(op Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return avatar.ErrRendererClosed
	}
	if !s.connected {
		return avatar.ErrNotInitialized
	}
	s.ops = append(s.ops, op)
	close(s.changed)
	s.changed = make(chan struct{})
	return nil
}

// Events implements [avatar.Sink].
func (s *Sink) Events() <-chan avatar.Event { return s.events }

// Close implements [avatar.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCalls++
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// Ready emits EventReady as the renderer would.
func (s *Sink) Ready() { s.Emit(avatar.Event{Kind: avatar.EventReady}) }

// Emit delivers evt. It is a no-op after Close.
func (s *Sink) Emit(evt avatar.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- evt
}

// Ops returns a copy of the operation log.
func (s *Sink) Ops() []Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Op(nil), s.ops...)
}

// WaitOps returns a channel that is closed once the log holds at least n
// operations. Tests select on it with a timeout.
func (s *Sink) WaitOps(n int) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			s.mu.Lock()
			count, changed := len(s.ops), s.changed
			s.mu.Unlock()
			if count >= n {
				return
			}
			<-changed
		}
	}()
	return done
}

// Closes returns the number of Close calls.
func (s *Sink) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCalls
}

// Connects returns the number of Connect calls.
func (s *Sink) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ConnectCalls
}
