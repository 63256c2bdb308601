// Package avatar defines the contract for the talking-head renderer that
// turns synthesized speech into a lip-synced video stream.
//
// A [Sink] is single-use: Initialize, Connect, push frames, Close. Rendered
// media leaves the sink through the [MediaSink]s given in [Config].
package avatar

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/MrWong99/avatarlink/pkg/audio"
)

var (
	// ErrNotInitialized is returned by Connect and PushFrame before a
	// complete [Config] was passed to Initialize.
	ErrNotInitialized = errors.New("avatar: renderer not initialized")

	// ErrConnect wraps failures to open the renderer connection.
	ErrConnect = errors.New("avatar: renderer connect failed")

	// ErrRendererClosed is returned after the renderer connection ended,
	// and carried by [EventClosed] when the remote side went away.
	ErrRendererClosed = errors.New("avatar: renderer closed")
)

const (
	// DefaultMaxSessionLength bounds one renderer session.
	DefaultMaxSessionLength = 3600 * time.Second

	// DefaultMaxIdleTime ends a renderer session that received no audio.
	DefaultMaxIdleTime = 600 * time.Second

	// WarmupSilenceBytes is the size of the silence frame pushed once the
	// renderer is ready, which moves it out of its placeholder visual.
	WarmupSilenceBytes = 6000
)

// MediaSink receives rendered media. Implementations: [FileSink],
// [CommandSink], [NopSink].
type MediaSink interface {
	io.WriteCloser
}

// Config configures one renderer session.
type Config struct {
	APIKey string
	FaceID string

	// HandleSilence lets the renderer animate idle frames while no audio
	// is queued.
	HandleSilence bool

	MaxSessionLength time.Duration
	MaxIdleTime      time.Duration

	// VideoSink and AudioSink receive rendered media. Initialize is a no-op
	// until both are set.
	VideoSink MediaSink
	AudioSink MediaSink
}

// DefaultConfig returns a Config with the standard renderer limits and no
// media sinks.
func DefaultConfig(apiKey, faceID string) Config {
	return Config{
		APIKey:           apiKey,
		FaceID:           faceID,
		HandleSilence:    true,
		MaxSessionLength: DefaultMaxSessionLength,
		MaxIdleTime:      DefaultMaxIdleTime,
	}
}

// Complete reports whether both media sinks are attached.
func (c Config) Complete() bool {
	return c.VideoSink != nil && c.AudioSink != nil
}

// EventKind discriminates renderer lifecycle events.
type EventKind int

const (
	// EventReady is emitted once per connection when the renderer can play
	// audio.
	EventReady EventKind = iota

	// EventClosed is emitted when the renderer connection ends. Err is nil
	// after a local Close.
	EventClosed
)

// String returns the kind name.
func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is a renderer lifecycle notification.
type Event struct {
	Kind EventKind
	Err  error
}

// Sink is the avatar renderer.
//
// Implementations must be safe for concurrent use. PushFrame and ClearQueue
// are applied in call order: a ClearQueue discards every frame pushed before
// it and none pushed after it.
type Sink interface {
	// Initialize applies cfg. It is idempotent and a no-op until cfg has
	// both media sinks.
	Initialize(cfg Config) error

	// Connect opens the renderer connection. It returns ErrNotInitialized
	// when Initialize has not taken effect and wraps ErrConnect when the
	// renderer cannot be reached.
	Connect(ctx context.Context) error

	// PushFrame enqueues PCM audio for lip-synced playback.
	PushFrame(frame audio.AudioFrame) error

	// ClearQueue discards all audio that has not been played yet.
	ClearQueue() error

	// Events delivers lifecycle events. The channel is closed by Close.
	Events() <-chan Event

	// Close ends the renderer session and closes the media sinks.
	// Idempotent.
	Close() error
}
