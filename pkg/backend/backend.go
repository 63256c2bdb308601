package backend

import (
	"context"

	"github.com/MrWong99/avatarlink/pkg/audio"
)

// SessionStarter creates backend sessions. [Client] is the production
// implementation.
type SessionStarter interface {
	StartSession(ctx context.Context, conv Conversation) (string, error)
}

// Conn is an open control channel. [Channel] is the production
// implementation. SendAudio must not block; a backend that cannot keep up
// is reported as an error.
type Conn interface {
	SendAudio(chunk audio.Chunk) error
	Events() <-chan Event
	Close() error
}

// Dialer opens a [Conn] for a session.
type Dialer interface {
	Dial(ctx context.Context, sessionID string) (Conn, error)
}

// WebsocketDialer dials [Channel]s at a fixed endpoint.
type WebsocketDialer struct {
	Endpoint string
	Options  []ChannelOption
}

// Dial implements [Dialer].
func (d WebsocketDialer) Dial(ctx context.Context, sessionID string) (Conn, error) {
	ch, err := Dial(ctx, d.Endpoint, sessionID, d.Options...)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

var (
	_ SessionStarter = (*Client)(nil)
	_ Conn           = (*Channel)(nil)
	_ Dialer         = WebsocketDialer{}
)
