// Package audio defines the audio units that flow through avatarlink.
//
// Two shapes exist, one per direction:
//
//   - [Chunk]: an encoded slice of captured microphone audio travelling
//     outbound to the conversation backend.
//   - [AudioFrame]: a block of raw PCM travelling inbound from the backend
//     to the avatar renderer.
//
// Both are strictly ordered: chunks must reach the backend in capture order
// and frames must reach the renderer in arrival order.
package audio

import "time"

// AudioFrame represents a block of raw PCM audio destined for playback.
// Frames are produced by the control channel from inbound binary messages
// and consumed exactly once by an avatar sink.
type AudioFrame struct {
	// PCM audio data, signed 16-bit little-endian.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for the renderer input).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame arrived, relative to session start.
	Timestamp time.Duration
}

// Len returns the number of payload bytes in the frame.
func (f AudioFrame) Len() int { return len(f.Data) }

// Encoding names the wire format of a [Chunk].
type Encoding string

const (
	// EncodingOpus is a sequence of length-prefixed Opus packets.
	EncodingOpus Encoding = "opus"

	// EncodingLinear16 is raw signed 16-bit little-endian PCM.
	EncodingLinear16 Encoding = "linear16"
)

// IsValid reports whether e is a recognised encoding.
func (e Encoding) IsValid() bool {
	return e == EncodingOpus || e == EncodingLinear16
}

// Chunk is an encoded, time-ordered block of captured audio.
type Chunk struct {
	// Data is the encoded payload. Its layout depends on Encoding.
	Data []byte

	// Encoding identifies how Data was produced.
	Encoding Encoding

	// Seq is the zero-based capture sequence number. Consecutive chunks of one
	// capture stream have consecutive Seq values.
	Seq uint64

	// Duration is the span of captured audio the chunk represents.
	Duration time.Duration
}

// Len returns the encoded byte length of the chunk.
func (c Chunk) Len() int { return len(c.Data) }

// Silence returns a frame of n zero bytes in the given format. Zeroed PCM16 is
// digital silence, which renderers animate as an idle face.
func Silence(n, sampleRate, channels int) AudioFrame {
	return AudioFrame{
		Data:       make([]byte, n),
		SampleRate: sampleRate,
		Channels:   channels,
	}
}
