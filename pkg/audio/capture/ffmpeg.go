package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/MrWong99/avatarlink/pkg/audio"
)

// FFmpegDevice captures the platform microphone through an ffmpeg
// subprocess that writes s16le PCM to stdout.
type FFmpegDevice struct {
	// Path is the ffmpeg binary. Default: "ffmpeg" resolved through PATH.
	Path string

	// InputFormat is the ffmpeg demuxer ("pulse", "alsa", "avfoundation").
	// Empty selects the platform default.
	InputFormat string

	// Input is the device name passed to -i. Empty selects the platform
	// default input.
	Input string
}

var _ Device = (*FFmpegDevice)(nil)

// Open starts ffmpeg and waits until the first PCM bytes arrive, so a
// refused or missing device surfaces here instead of mid-session.
func (d *FFmpegDevice) Open(ctx context.Context, f audio.Format) (io.ReadCloser, error) {
	path := d.Path
	if path == "" {
		path = "ffmpeg"
	}
	bin, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("%w: ffmpeg is required for microphone capture: %w", ErrPermissionDenied, err)
	}

	args, err := d.args(runtime.GOOS, f)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture: ffmpeg stdout: %w", err)
	}
	stderr := &tailBuffer{limit: 2048}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start ffmpeg: %w", ErrPermissionDenied, err)
	}

	p := &ffmpegProcess{cmd: cmd, stdout: stdout, r: bufio.NewReaderSize(stdout, 16*1024)}

	ready := make(chan error, 1)
	go func() {
		_, err := p.r.Peek(1)
		ready <- err
	}()

	select {
	case err := <-ready:
		if err != nil {
			_ = p.Close()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = err.Error()
			}
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, msg)
		}
	case <-ctx.Done():
		_ = p.Close()
		return nil, ctx.Err()
	}
	return p, nil
}

func (d *FFmpegDevice) args(goos string, f audio.Format) ([]string, error) {
	inFmt, input := d.InputFormat, d.Input
	switch goos {
	case "linux":
		if inFmt == "" {
			inFmt = "pulse"
		}
		if input == "" {
			input = "default"
		}
	case "darwin":
		if inFmt == "" {
			inFmt = "avfoundation"
		}
		if input == "" {
			input = ":0"
		}
	default:
		if inFmt == "" || input == "" {
			return nil, fmt.Errorf("capture: no default microphone for %s; set capture.input_format and capture.input", goos)
		}
	}
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", inFmt, "-i", input,
		"-ac", strconv.Itoa(f.Channels),
		"-ar", strconv.Itoa(f.SampleRate),
		"-f", "s16le", "-",
	}, nil
}

// ffmpegProcess is the ReadCloser handed to the capturer. Close kills the
// subprocess, which is what releases the microphone.
type ffmpegProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	r      *bufio.Reader

	once sync.Once
}

func (p *ffmpegProcess) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *ffmpegProcess) Close() error {
	var err error
	p.once.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		_ = p.stdout.Close()
		if werr := p.cmd.Wait(); werr != nil {
			var exitErr *exec.ExitError
			if !errors.As(werr, &exitErr) {
				err = werr
			}
		}
	})
	return err
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(b)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
