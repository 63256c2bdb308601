// Package mock provides in-memory implementations of the capture interfaces
// ([capture.Device], [capture.Source] and [capture.Recording]) for tests.
//
// All mocks are safe for concurrent use. They record every call so tests can
// assert on call counts, and expose fields that control return values.
//
// Typical usage:
//
//	rec := mock.NewRecording(8)
//	mic := &mock.Source{Recording: rec}
//	orch := session.New(session.Config{Microphone: mic, ...})
//	rec.Emit(audio.Chunk{Seq: 0, Data: []byte{1}})
package mock

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/MrWong99/avatarlink/pkg/audio"
	"github.com/MrWong99/avatarlink/pkg/audio/capture"
)

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock [capture.Device] serving PCM from an in-memory reader.
type Device struct {
	mu sync.Mutex

	// PCM is the data returned by the opened stream. After it is exhausted the
	// stream reports io.EOF, which the capturer treats as device loss.
	PCM []byte

	// Block keeps the stream open after PCM is exhausted until Close is
	// called, like a real microphone.
	Block bool

	// OpenError is returned by Open when non-nil.
	OpenError error

	// OpenCalls counts calls to Open.
	OpenCalls int

	// CloseCalls counts Close calls on opened streams.
	CloseCalls int

	// Formats records the format argument of each Open call.
	Formats []audio.Format
}

// Open implements [capture.Device].
func (d *Device) Open(_ context.Context, f audio.Format) (io.ReadCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls++
	d.Formats = append(d.Formats, f)
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	return &deviceStream{dev: d, r: bytes.NewReader(d.PCM), block: d.Block, closed: make(chan struct{})}, nil
}

// Closes returns the number of Close calls seen so far.
func (d *Device) Closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CloseCalls
}

type deviceStream struct {
	dev    *Device
	r      *bytes.Reader
	block  bool
	closed chan struct{}
	once   sync.Once
}

func (s *deviceStream) Read(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, errors.New("mock: device closed")
	default:
	}
	n, err := s.r.Read(p)
	if err == io.EOF && s.block {
		<-s.closed
		return n, errors.New("mock: device closed")
	}
	return n, err
}

func (s *deviceStream) Close() error {
	s.once.Do(func() {
		close(s.closed)
		s.dev.mu.Lock()
		s.dev.CloseCalls++
		s.dev.mu.Unlock()
	})
	return nil
}

// ─── Recording ────────────────────────────────────────────────────────────────

// Recording is a mock [capture.Recording]. Tests push chunks with Emit and
// simulate device loss with Fail.
type Recording struct {
	chunks chan audio.Chunk

	mu        sync.Mutex
	err       error
	closed    bool
	StopCalls int
}

var _ capture.Recording = (*Recording)(nil)

// NewRecording returns a Recording whose chunk channel has the given buffer.
func NewRecording(buffer int) *Recording {
	return &Recording{chunks: make(chan audio.Chunk, buffer)}
}

// Chunks implements [capture.Recording].
func (r *Recording) Chunks() <-chan audio.Chunk { return r.chunks }

// Err implements [capture.Recording].
func (r *Recording) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Stop implements [capture.Recording]. It closes the chunk channel on the
// first call and only counts later calls.
func (r *Recording) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.StopCalls++
	if !r.closed {
		r.closed = true
		close(r.chunks)
	}
	return nil
}

// Emit delivers c as if the device had produced it. Emitting after Stop is
// a no-op, mirroring a device that has been released.
func (r *Recording) Emit(c audio.Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.chunks <- c
}

// Fail ends the recording with err, as a lost device would.
func (r *Recording) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.err = err
	r.closed = true
	close(r.chunks)
}

// Stops returns the number of Stop calls seen so far.
func (r *Recording) Stops() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.StopCalls
}

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock [capture.Source].
type Source struct {
	mu sync.Mutex

	// Recording is returned by Start. When nil a fresh Recording with a
	// 64-chunk buffer is created per call.
	Recording *Recording

	// StartError is returned by Start when non-nil.
	StartError error

	// StartCalls counts calls to Start.
	StartCalls int

	// Started lists every Recording handed out, in order.
	Started []*Recording
}

var _ capture.Source = (*Source)(nil)

// Start implements [capture.Source].
func (s *Source) Start(_ context.Context) (capture.Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StartCalls++
	if s.StartError != nil {
		return nil, s.StartError
	}
	rec := s.Recording
	if rec == nil {
		rec = NewRecording(64)
	}
	s.Started = append(s.Started, rec)
	return rec, nil
}

// Starts returns the number of Start calls seen so far.
func (s *Source) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.StartCalls
}

// Last returns the most recently started Recording, or nil.
func (s *Source) Last() *Recording {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Started) == 0 {
		return nil
	}
	return s.Started[len(s.Started)-1]
}
