package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/avatarlink/internal/config"
)

const pollInterval = 20 * time.Millisecond

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
}

// reload is one onChange invocation.
type reload struct{ old, new *config.Config }

// startWatcher writes content to a fresh config file and watches it. The
// returned channel receives every onChange call.
func startWatcher(t *testing.T, content string) (string, *config.Watcher, <-chan reload) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, content)

	reloads := make(chan reload, 8)
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		reloads <- reload{old, new}
	}, config.WithInterval(pollInterval))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return path, w, reloads
}

// rewrite replaces the file content and bumps its mtime so the change is
// seen even on filesystems with coarse timestamps.
func rewrite(t *testing.T, path, content string) {
	t.Helper()
	writeFile(t, path, content)
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func expectNoReload(t *testing.T, reloads <-chan reload) {
	t.Helper()
	select {
	case r := <-reloads:
		t.Errorf("unexpected reload: %+v", config.Diff(r.old, r.new))
	case <-time.After(10 * pollInterval):
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	_, w, _ := startWatcher(t, minimalYAML+"conversation:\n  model: nova\n")

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Conversation.Model != "nova" || cfg.Renderer.FaceID != "face-1" {
		t.Errorf("initial config = %+v", cfg)
	}
}

func TestWatcher_ReloadsConversationAndLogLevel(t *testing.T) {
	t.Parallel()
	path, w, reloads := startWatcher(t, minimalYAML+"conversation:\n  model: nova\n")

	rewrite(t, path, minimalYAML+"conversation:\n  model: nova-2\nserver:\n  log_level: debug\n")

	var r reload
	select {
	case r = <-reloads:
	case <-time.After(2 * time.Second):
		t.Fatal("onChange was not called")
	}
	d := config.Diff(r.old, r.new)
	if !d.ConversationChanged || !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v, want conversation and log level changes", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
	if got := w.Current().Conversation.Model; got != "nova-2" {
		t.Errorf("Current() model = %q, want nova-2", got)
	}
}

func TestWatcher_RendererChangeNeedsRestart(t *testing.T) {
	t.Parallel()
	path, _, reloads := startWatcher(t, minimalYAML)

	rewrite(t, path, strings.Replace(minimalYAML, "face-1", "face-2", 1))

	select {
	case r := <-reloads:
		d := config.Diff(r.old, r.new)
		if d.ConversationChanged || strings.Join(d.RestartRequired, ",") != "renderer" {
			t.Errorf("diff = %+v, want renderer restart only", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onChange was not called")
	}
}

func TestWatcher_InvalidEditKeepsPreviousConfig(t *testing.T) {
	t.Parallel()
	path, w, reloads := startWatcher(t, minimalYAML)

	rewrite(t, path, minimalYAML+"server:\n  log_level: bananas\n")
	expectNoReload(t, reloads)

	if got := w.Current().Server.LogLevel; got != "" {
		t.Errorf("Current() log_level = %q, the invalid edit must not be applied", got)
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	path, _, reloads := startWatcher(t, minimalYAML)

	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	expectNoReload(t, reloads)
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	_, w, _ := startWatcher(t, minimalYAML)

	w.Stop()
	w.Stop()
}

func TestWatcher_ResolvesPromptFileAgainstConfigDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, filepath.Join(dir, "prompt.txt"), "You are a friendly guide.\n")
	writeFile(t, cfgPath, minimalYAML+"conversation:\n  initial_prompt_file: prompt.txt\n")

	w, err := config.NewWatcher(cfgPath, nil, config.WithInterval(time.Hour))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	conv, err := w.Current().Conversation.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if conv.InitialPrompt != "You are a friendly guide." {
		t.Errorf("InitialPrompt = %q", conv.InitialPrompt)
	}
}
