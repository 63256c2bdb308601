package capture

import (
	"encoding/binary"
	"fmt"
	"time"

	"layeh.com/gopus"

	"github.com/MrWong99/avatarlink/pkg/audio"
)

// opusFrameDuration is the Opus packet duration used to fill a slice. 10 ms
// divides every slice length the config accepts.
const opusFrameDuration = 10 * time.Millisecond

// maxOpusPacket bounds a single encoded packet.
const maxOpusPacket = 1275

// Encoder compresses one PCM16 slice into a chunk payload.
type Encoder interface {
	Encode(pcm []byte) ([]byte, error)
	Encoding() audio.Encoding
}

// NewEncoder builds the encoder selected by cfg.Encoding.
func NewEncoder(cfg Config) (Encoder, error) {
	switch cfg.Encoding {
	case audio.EncodingLinear16:
		return linear16Encoder{}, nil
	case audio.EncodingOpus, "":
		return newOpusEncoder(cfg)
	default:
		return nil, fmt.Errorf("capture: unknown encoding %q", cfg.Encoding)
	}
}

// linear16Encoder passes PCM through untouched.
type linear16Encoder struct{}

func (linear16Encoder) Encode(pcm []byte) ([]byte, error) {
	out := make([]byte, len(pcm))
	copy(out, pcm)
	return out, nil
}

func (linear16Encoder) Encoding() audio.Encoding { return audio.EncodingLinear16 }

// opusEncoder wraps a gopus encoder. A slice is split into 10 ms packets and
// each packet is written as a 2-byte big-endian length followed by its bytes.
type opusEncoder struct {
	enc       *gopus.Encoder
	channels  int
	frameSize int // samples per channel per packet
}

func newOpusEncoder(cfg Config) (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(cfg.Format.SampleRate, cfg.Format.Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("capture: create opus encoder: %w", err)
	}
	enc.SetBitrate(cfg.Bitrate)
	return &opusEncoder{
		enc:       enc,
		channels:  cfg.Format.Channels,
		frameSize: int(int64(cfg.Format.SampleRate) * int64(opusFrameDuration) / int64(time.Second)),
	}, nil
}

func (e *opusEncoder) Encoding() audio.Encoding { return audio.EncodingOpus }

func (e *opusEncoder) Encode(pcm []byte) ([]byte, error) {
	samples := audio.BytesToInt16s(pcm)
	step := e.frameSize * e.channels
	if step == 0 || len(samples)%step != 0 {
		return nil, fmt.Errorf("capture: slice of %d samples is not a multiple of the %d-sample opus frame", len(samples), step)
	}

	out := make([]byte, 0, len(samples)/step*64)
	for off := 0; off < len(samples); off += step {
		packet, err := e.enc.Encode(samples[off:off+step], e.frameSize, maxOpusPacket)
		if err != nil {
			return nil, fmt.Errorf("capture: opus encode: %w", err)
		}
		out = binary.BigEndian.AppendUint16(out, uint16(len(packet)))
		out = append(out, packet...)
	}
	return out, nil
}

// SplitOpusChunk undoes the length-prefixed framing of an opus chunk.
func SplitOpusChunk(data []byte) ([][]byte, error) {
	var packets [][]byte
	for len(data) > 0 {
		if len(data) < 2 {
			return nil, fmt.Errorf("capture: truncated opus length prefix")
		}
		n := int(binary.BigEndian.Uint16(data))
		data = data[2:]
		if n > len(data) {
			return nil, fmt.Errorf("capture: opus packet of %d bytes exceeds remaining %d", n, len(data))
		}
		packets = append(packets, data[:n])
		data = data[n:]
	}
	return packets, nil
}
