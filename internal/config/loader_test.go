package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/avatarlink/internal/config"
)

const minimalYAML = `
backend:
  url: http://localhost:8080
  websocket_url: ws://localhost:8080/ws
renderer:
  api_key: key
  face_id: face-1
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: 127.0.0.1:8088
  log_level: debug
backend:
  url: https://backend.example.com
  websocket_url: wss://backend.example.com/ws
  timeout: 5s
  breaker:
    max_failures: 3
    cooldown: 1m
conversation:
  initial_prompt: You are a museum guide.
  model: nova-2
  voice_id: aura
  language: en
renderer:
  provider: simli
  api_key: key
  face_id: face-1
  handle_silence: false
  max_session_length: 30m
  video:
    kind: command
    command: [ffplay, -i, pipe:0]
  audio:
    kind: file
    path: out/audio.pcm
capture:
  encoding: linear16
  slice: 40ms
session:
  inbound_sample_rate: 24000
  interrupt_silence_delay: 150ms
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.Backend.Timeout != 5*time.Second || cfg.Backend.Breaker.Cooldown != time.Minute {
		t.Errorf("backend durations = %v / %v", cfg.Backend.Timeout, cfg.Backend.Breaker.Cooldown)
	}
	if cfg.Renderer.HandleSilence == nil || *cfg.Renderer.HandleSilence {
		t.Errorf("handle_silence = %v, want explicit false", cfg.Renderer.HandleSilence)
	}
	if got := cfg.Renderer.Video.Command; len(got) != 3 || got[0] != "ffplay" {
		t.Errorf("video command = %v", got)
	}
	if cfg.Session.InterruptSilenceDelay != 150*time.Millisecond {
		t.Errorf("interrupt_silence_delay = %v", cfg.Session.InterruptSilenceDelay)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(minimalYAML + "bogus: 1\n"))
	if err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("err = %v, want unknown field error", err)
	}
}

func TestValidate_EmptyConfigListsRequiredFields(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(""))
	if err == nil {
		t.Fatal("expected error for empty config")
	}
	for _, want := range []string{"backend.url", "backend.websocket_url", "renderer.api_key", "renderer.face_id"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s, got: %v", want, err)
		}
	}
}

func TestValidate_Invalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		extra string
		want  string
	}{
		{"log level", "server:\n  log_level: loud\n", "server.log_level"},
		{"encoding", "capture:\n  encoding: mp3\n", "capture.encoding"},
		{"channels", "capture:\n  channels: 6\n", "capture channels"},
		{"odd silence", "session:\n  notice_silence_bytes: 511\n", "notice_silence_bytes"},
		{"prompt twice", "conversation:\n  initial_prompt: a\n  initial_prompt_file: b.txt\n", "mutually exclusive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(minimalYAML + tt.extra))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestValidate_BadURLs(t *testing.T) {
	t.Parallel()
	yaml := `
backend:
  url: ws://wrong-scheme
  websocket_url: http://also-wrong
renderer:
  api_key: key
  face_id: face-1
  base_url: "::bad"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"backend.url", "backend.websocket_url", "renderer.base_url"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s, got: %v", want, err)
		}
	}
}

func TestValidate_OutputRequiresTarget(t *testing.T) {
	t.Parallel()
	yaml := minimalYAML + `  video:
    kind: file
  audio:
    kind: command
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "renderer.video.path") || !strings.Contains(err.Error(), "renderer.audio.command") {
		t.Errorf("err = %v", err)
	}
}

// Environment tests mutate process state and cannot run in parallel.

func TestLoadFromReader_EnvOverrides(t *testing.T) {
	t.Setenv("AVATARLINK_RENDERER_API_KEY", "from-env")
	t.Setenv("AVATARLINK_BACKEND_BREAKER_COOLDOWN", "2m")
	t.Setenv("AVATARLINK_SESSION_WARMUP_SILENCE_BYTES", "8000")

	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Renderer.APIKey != "from-env" {
		t.Errorf("api_key = %q, want from-env", cfg.Renderer.APIKey)
	}
	if cfg.Backend.Breaker.Cooldown != 2*time.Minute {
		t.Errorf("cooldown = %v, want 2m", cfg.Backend.Breaker.Cooldown)
	}
	if cfg.Session.WarmupSilenceBytes != 8000 {
		t.Errorf("warmup_silence_bytes = %d, want 8000", cfg.Session.WarmupSilenceBytes)
	}
	if cfg.Renderer.FaceID != "face-1" {
		t.Errorf("face_id = %q, unset variables must keep the YAML value", cfg.Renderer.FaceID)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("AVATARLINK_RENDERER_FACE_ID=dotenv-face\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Registered with t.Setenv so the value is restored after the test.
	t.Setenv("AVATARLINK_RENDERER_FACE_ID", "")
	os.Unsetenv("AVATARLINK_RENDERER_FACE_ID")

	if err := config.LoadDotEnv(envFile, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Renderer.FaceID != "dotenv-face" {
		t.Errorf("face_id = %q, want dotenv-face", cfg.Renderer.FaceID)
	}
}

func TestLoad_ResolvesPromptFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "prompt.md"), []byte("  Be brief.  \n"), 0o644); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML+"conversation:\n  initial_prompt_file: prompt.md\n  model: nova\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	conv, err := cfg.Conversation.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if conv.InitialPrompt != "Be brief." || conv.Model != "nova" {
		t.Errorf("conversation = %+v", conv)
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()
	base := func() *config.Config {
		cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		return cfg
	}

	a, b := base(), base()
	if d := config.Diff(a, b); !d.Empty() {
		t.Errorf("identical configs diff = %+v", d)
	}

	b.Renderer.Video.Command = []string{"ffplay"}
	b.Capture.Bitrate = 24000
	d := config.Diff(a, b)
	if d.ConversationChanged || d.LogLevelChanged {
		t.Errorf("diff = %+v, want restart-only changes", d)
	}
	if got := strings.Join(d.RestartRequired, ","); got != "renderer,capture" {
		t.Errorf("RestartRequired = %q, want renderer,capture", got)
	}
}
