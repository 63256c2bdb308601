package session

import (
	"context"
	"errors"

	"github.com/MrWong99/avatarlink/pkg/audio/capture"
	"github.com/MrWong99/avatarlink/pkg/avatar"
	"github.com/MrWong99/avatarlink/pkg/backend"
)

var (
	// ErrSessionActive is returned by Start when a session is already
	// starting, active or stopping.
	ErrSessionActive = errors.New("session: a session is already in progress")

	// ErrStopped is returned by a Start whose setup was cancelled by Stop.
	ErrStopped = errors.New("session: stopped during start")

	// ErrNotRunning is returned by Start and Stop once Run has returned.
	ErrNotRunning = errors.New("session: orchestrator is not running")
)

// Kind classifies errors for reporting and metrics.
type Kind int

const (
	KindNone Kind = iota
	KindPermissionDenied
	KindSessionStartFailed
	KindChannelError
	KindMessageDecode
	KindCaptureLost
	KindRendererError
	KindCancelled
	KindUnknown
)

// String returns the snake_case kind name used in metric attributes.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindPermissionDenied:
		return "permission_denied"
	case KindSessionStartFailed:
		return "session_start_failed"
	case KindChannelError:
		return "channel_error"
	case KindMessageDecode:
		return "message_decode_error"
	case KindCaptureLost:
		return "capture_lost"
	case KindRendererError:
		return "renderer_error"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// KindOf classifies err by the sentinel it wraps.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, capture.ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, backend.ErrSessionStartFailed):
		return KindSessionStartFailed
	case errors.Is(err, backend.ErrChannel):
		return KindChannelError
	case errors.Is(err, backend.ErrMessageDecode):
		return KindMessageDecode
	case errors.Is(err, capture.ErrDeviceLost):
		return KindCaptureLost
	case errors.Is(err, avatar.ErrRendererClosed),
		errors.Is(err, avatar.ErrNotInitialized),
		errors.Is(err, avatar.ErrConnect):
		return KindRendererError
	case errors.Is(err, ErrStopped),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	default:
		return KindUnknown
	}
}

// UserMessage renders err as the single line shown to the user.
func UserMessage(err error) string {
	switch KindOf(err) {
	case KindNone:
		return ""
	case KindPermissionDenied:
		return "Microphone access was denied. Allow microphone access and try again."
	case KindSessionStartFailed:
		return "The conversation could not be started. Please try again."
	case KindChannelError:
		return "The connection to the conversation was lost."
	case KindCaptureLost:
		return "The microphone stopped working."
	case KindRendererError:
		return "The avatar could not be displayed."
	case KindCancelled:
		return "The session was stopped before it started."
	default:
		if errors.Is(err, ErrSessionActive) {
			return "A conversation is already in progress."
		}
		return "Something went wrong. Please try again."
	}
}
