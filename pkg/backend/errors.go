package backend

import (
	"errors"
	"fmt"
)

// ErrSessionStartFailed is returned by [Client.StartSession] when the backend
// rejects the request or cannot be reached.
var ErrSessionStartFailed = errors.New("backend: session start failed")

// ErrChannel is the root of all control-channel failures: connect errors,
// dropped connections and sends after close.
var ErrChannel = errors.New("backend: channel error")

// ErrConnect is returned by [Dial] when the channel cannot be opened.
var ErrConnect = fmt.Errorf("%w: connect", ErrChannel)

// ErrChannelClosed is returned by [Channel.SendAudio] after [Channel.Close].
var ErrChannelClosed = fmt.Errorf("%w: channel closed", ErrChannel)

// ErrSendQueueFull is returned by [Channel.SendAudio] when the backend is not
// draining outbound audio. The channel is failed with it.
var ErrSendQueueFull = fmt.Errorf("%w: send queue full", ErrChannel)

// ErrMessageDecode marks an inbound text payload that is not valid JSON. It
// is never fatal.
var ErrMessageDecode = errors.New("backend: malformed control message")
