// Package capture owns the microphone for the lifetime of a conversation.
//
// A [Capturer] opens a [Device], slices its PCM output into fixed-duration
// pieces (50 ms by default), encodes each slice for network transport and
// delivers the result as an ordered stream of [audio.Chunk] values on
// [Recording.Chunks]. [Recording.Stop] releases the device and may be called
// any number of times.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/avatarlink/pkg/audio"
)

// ErrPermissionDenied is returned by [Source.Start] when the microphone
// cannot be acquired: access was refused, the device does not exist or the
// capture tool is missing.
var ErrPermissionDenied = errors.New("capture: microphone permission denied")

// ErrDeviceLost is reported by [Recording.Err] when the device stopped
// delivering audio without Stop having been called.
var ErrDeviceLost = errors.New("capture: microphone stream lost")

const (
	defaultSlice      = 50 * time.Millisecond
	defaultSampleRate = 16000
	defaultBitrate    = 16000
	chunkBuffer       = 64
)

// Source starts microphone recordings. [*Capturer] is the production
// implementation; tests substitute their own.
type Source interface {
	Start(ctx context.Context) (Recording, error)
}

// Recording is an active microphone stream.
type Recording interface {
	// Chunks delivers encoded audio in capture order. It is closed when the
	// recording ends for any reason.
	Chunks() <-chan audio.Chunk

	// Err reports why the recording ended on its own. It returns nil while
	// the recording runs and after a clean Stop.
	Err() error

	// Stop releases the device. Safe to call more than once.
	Stop() error
}

// Device opens a raw PCM16 source in the requested format.
type Device interface {
	Open(ctx context.Context, f audio.Format) (io.ReadCloser, error)
}

// Config controls slicing and encoding.
type Config struct {
	// Format is the capture format. Default: 16 kHz mono.
	Format audio.Format

	// Slice is the duration of audio per chunk. Default: 50 ms.
	Slice time.Duration

	// Encoding selects the chunk wire format. Default: opus.
	Encoding audio.Encoding

	// Bitrate is the target encoder bitrate in bit/s. Default: 16000.
	Bitrate int
}

func (c *Config) applyDefaults() {
	if c.Format.SampleRate <= 0 {
		c.Format.SampleRate = defaultSampleRate
	}
	if c.Format.Channels <= 0 {
		c.Format.Channels = 1
	}
	if c.Slice <= 0 {
		c.Slice = defaultSlice
	}
	if c.Encoding == "" {
		c.Encoding = audio.EncodingOpus
	}
	if c.Bitrate <= 0 {
		c.Bitrate = defaultBitrate
	}
}

// Option configures a [Capturer].
type Option func(*Capturer)

// WithConfig replaces the slicing and encoding configuration. Zero fields
// fall back to defaults.
func WithConfig(cfg Config) Option {
	return func(c *Capturer) { c.cfg = cfg }
}

// WithEncoderFactory overrides how encoders are built for each recording.
func WithEncoderFactory(fn func(Config) (Encoder, error)) Option {
	return func(c *Capturer) { c.newEncoder = fn }
}

// Capturer turns a [Device] into chunked, encoded recordings.
type Capturer struct {
	device     Device
	cfg        Config
	newEncoder func(Config) (Encoder, error)
}

var _ Source = (*Capturer)(nil)

// New creates a Capturer reading from device.
func New(device Device, opts ...Option) *Capturer {
	c := &Capturer{device: device, newEncoder: NewEncoder}
	for _, o := range opts {
		o(c)
	}
	c.cfg.applyDefaults()
	return c
}

// Config returns the effective configuration.
func (c *Capturer) Config() Config { return c.cfg }

// Start acquires the microphone and begins slicing. Device failures are
// reported as [ErrPermissionDenied]; a start abandoned because ctx ended
// returns ctx.Err() as is.
func (c *Capturer) Start(ctx context.Context) (Recording, error) {
	enc, err := c.newEncoder(c.cfg)
	if err != nil {
		return nil, fmt.Errorf("capture: create encoder: %w", err)
	}

	rc, err := c.device.Open(ctx, c.cfg.Format)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, ErrPermissionDenied):
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}

	s := &stream{
		src:       rc,
		enc:       enc,
		sliceSize: audio.SliceBytes(c.cfg.Format, c.cfg.Slice),
		slice:     c.cfg.Slice,
		chunks:    make(chan audio.Chunk, chunkBuffer),
		done:      make(chan struct{}),
	}
	s.wg.Add(1)
	go s.readLoop()

	slog.Debug("capture: recording started",
		"format", c.cfg.Format.String(),
		"slice", c.cfg.Slice,
		"encoding", enc.Encoding(),
	)
	return s, nil
}

// stream is a live recording. It implements [Recording].
type stream struct {
	src       io.ReadCloser
	enc       Encoder
	sliceSize int
	slice     time.Duration

	chunks chan audio.Chunk
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	mu  sync.Mutex
	err error
}

func (s *stream) Chunks() <-chan audio.Chunk { return s.chunks }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) Stop() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.src.Close()
		s.wg.Wait()
		slog.Debug("capture: recording stopped")
	})
	return err
}

// readLoop owns the chunks channel and closes it on exit.
func (s *stream) readLoop() {
	defer s.wg.Done()
	defer close(s.chunks)

	buf := make([]byte, s.sliceSize)
	var seq uint64
	for {
		if _, err := io.ReadFull(s.src, buf); err != nil {
			select {
			case <-s.done:
			default:
				s.setErr(fmt.Errorf("%w: %w", ErrDeviceLost, err))
			}
			return
		}

		data, err := s.enc.Encode(buf)
		if err != nil {
			slog.Warn("capture: encode failed, dropping slice", "seq", seq, "err", err)
			continue
		}

		chunk := audio.Chunk{
			Data:     data,
			Encoding: s.enc.Encoding(),
			Seq:      seq,
			Duration: s.slice,
		}
		select {
		case s.chunks <- chunk:
			seq++
		case <-s.done:
			return
		}
	}
}

func (s *stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}
