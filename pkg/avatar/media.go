package avatar

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

// commandWaitTimeout is how long Close waits for a player to exit after its
// stdin was closed before killing it.
const commandWaitTimeout = 2 * time.Second

// ─── FileSink ─────────────────────────────────────────────────────────────────

// FileSink writes media to a file.
type FileSink struct {
	mu   sync.Mutex
	f    *os.File
	done bool
}

var _ MediaSink = (*FileSink)(nil)

// NewFileSink creates (or truncates) path. Missing parent directories are
// created.
func NewFileSink(path string) (*FileSink, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("avatar: file sink: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("avatar: file sink: %w", err)
	}
	return &FileSink{f: f}, nil
}

// Write implements io.Writer.
func (s *FileSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return 0, os.ErrClosed
	}
	return s.f.Write(p)
}

// Close flushes and closes the file. Idempotent.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	s.done = true
	return s.f.Close()
}

// ─── CommandSink ──────────────────────────────────────────────────────────────

// CommandSink pipes media into the stdin of a player process such as
// ffplay.
type CommandSink struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	once     sync.Once
	closeErr error
}

var _ MediaSink = (*CommandSink)(nil)

// NewCommandSink starts name with args.
func NewCommandSink(name string, args ...string) (*CommandSink, error) {
	bin, err := exec.LookPath(name)
	if err != nil {
		return nil, fmt.Errorf("avatar: command sink: %w", err)
	}
	cmd := exec.Command(bin, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("avatar: command sink: stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("avatar: command sink: start %s: %w", name, err)
	}
	slog.Debug("media player started", "cmd", name, "pid", cmd.Process.Pid)
	return &CommandSink{cmd: cmd, stdin: stdin}, nil
}

// Write implements io.Writer.
func (s *CommandSink) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

// Close closes stdin and waits for the player to exit, killing it after a
// short grace period. Idempotent.
func (s *CommandSink) Close() error {
	s.once.Do(func() {
		_ = s.stdin.Close()

		waitErr := make(chan error, 1)
		go func() { waitErr <- s.cmd.Wait() }()

		var err error
		select {
		case err = <-waitErr:
		case <-time.After(commandWaitTimeout):
			_ = s.cmd.Process.Kill()
			err = <-waitErr
		}
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			s.closeErr = fmt.Errorf("avatar: command sink: %w", err)
		}
	})
	return s.closeErr
}

// ─── NopSink ──────────────────────────────────────────────────────────────────

// NopSink discards media. It is used when a deployment renders nothing
// locally.
type NopSink struct{}

var _ MediaSink = NopSink{}

// Write implements io.Writer.
func (NopSink) Write(p []byte) (int, error) { return len(p), nil }

// Close implements io.Closer.
func (NopSink) Close() error { return nil }
