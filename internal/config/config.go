// Package config provides the configuration schema, loader and file watcher
// for avatarlink.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to a [slog.Level]. Unknown values map to Info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// OutputKind selects where rendered media goes.
type OutputKind string

const (
	// OutputDiscard drops the media.
	OutputDiscard OutputKind = "discard"

	// OutputFile appends the media to a file.
	OutputFile OutputKind = "file"

	// OutputCommand pipes the media into a process's stdin, e.g. ffplay.
	OutputCommand OutputKind = "command"
)

// IsValid reports whether k is a recognised output kind.
func (k OutputKind) IsValid() bool {
	switch k {
	case OutputDiscard, OutputFile, OutputCommand:
		return true
	}
	return false
}

// RendererSimli is the only supported renderer provider.
const RendererSimli = "simli"

// Config is the root configuration structure.
// It is typically loaded with [Load] or [LoadFromReader]. Fields tagged with
// env can be overridden by AVATARLINK_-prefixed environment variables.
type Config struct {
	Server       ServerConfig       `yaml:"server" envPrefix:"SERVER_"`
	Backend      BackendConfig      `yaml:"backend" envPrefix:"BACKEND_"`
	Conversation ConversationConfig `yaml:"conversation" envPrefix:"CONVERSATION_"`
	Renderer     RendererConfig     `yaml:"renderer" envPrefix:"RENDERER_"`
	Capture      CaptureConfig      `yaml:"capture" envPrefix:"CAPTURE_"`
	Session      SessionConfig      `yaml:"session" envPrefix:"SESSION_"`
}

// ServerConfig holds the control surface and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the HTTP control surface
	// (e.g., "127.0.0.1:8088").
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level" env:"LOG_LEVEL"`
}

// BackendConfig locates the conversation backend.
type BackendConfig struct {
	// URL is the base URL of the session-start endpoint.
	URL string `yaml:"url" env:"URL"`

	// WebsocketURL is the control channel endpoint. The session id is
	// appended as the connectionId query parameter.
	WebsocketURL string `yaml:"websocket_url" env:"WEBSOCKET_URL"`

	// Timeout bounds the session-start request. Default: 10s.
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`

	Breaker BreakerConfig `yaml:"breaker" envPrefix:"BREAKER_"`
}

// BreakerConfig tunes the circuit breaker in front of session start.
type BreakerConfig struct {
	MaxFailures int           `yaml:"max_failures" env:"MAX_FAILURES"`
	Cooldown    time.Duration `yaml:"cooldown" env:"COOLDOWN"`
}

// ConversationConfig is the profile sent with every session start.
type ConversationConfig struct {
	// InitialPrompt primes the assistant. InitialPromptFile, when set, is
	// read instead.
	InitialPrompt     string `yaml:"initial_prompt" env:"INITIAL_PROMPT"`
	InitialPromptFile string `yaml:"initial_prompt_file" env:"INITIAL_PROMPT_FILE"`

	Model    string `yaml:"model" env:"MODEL"`
	VoiceID  string `yaml:"voice_id" env:"VOICE_ID"`
	Language string `yaml:"language" env:"LANGUAGE"`
}

// RendererConfig configures the avatar renderer.
type RendererConfig struct {
	// Provider selects the renderer. Only "simli" is supported.
	Provider string `yaml:"provider" env:"PROVIDER"`

	APIKey string `yaml:"api_key" env:"API_KEY"`
	FaceID string `yaml:"face_id" env:"FACE_ID"`

	// BaseURL and WebsocketURL override the provider endpoints.
	BaseURL      string `yaml:"base_url" env:"BASE_URL"`
	WebsocketURL string `yaml:"websocket_url" env:"WEBSOCKET_URL"`

	// HandleSilence lets the renderer animate while no audio is queued.
	// Default: true.
	HandleSilence *bool `yaml:"handle_silence"`

	MaxSessionLength time.Duration `yaml:"max_session_length" env:"MAX_SESSION_LENGTH"`
	MaxIdleTime      time.Duration `yaml:"max_idle_time" env:"MAX_IDLE_TIME"`

	// ReadyTimeout bounds the wait for the renderer to become ready.
	// Default: 30s.
	ReadyTimeout time.Duration `yaml:"ready_timeout" env:"READY_TIMEOUT"`

	// SampleRate and Channels describe the PCM format the renderer expects.
	// Default: 16 kHz mono.
	SampleRate int `yaml:"sample_rate" env:"SAMPLE_RATE"`
	Channels   int `yaml:"channels" env:"CHANNELS"`

	Video OutputConfig `yaml:"video"`
	Audio OutputConfig `yaml:"audio"`
}

// OutputConfig describes one media output.
type OutputConfig struct {
	// Kind defaults to discard.
	Kind OutputKind `yaml:"kind"`

	// Path is the target file for kind "file".
	Path string `yaml:"path"`

	// Command is the argv for kind "command"; media is written to stdin.
	Command []string `yaml:"command"`
}

// CaptureConfig configures the microphone.
type CaptureConfig struct {
	// FFmpegPath is the ffmpeg binary. Default: resolved through PATH.
	FFmpegPath string `yaml:"ffmpeg_path" env:"FFMPEG_PATH"`

	// InputFormat and Input select the ffmpeg demuxer and device. Empty
	// values use the platform default microphone.
	InputFormat string `yaml:"input_format" env:"INPUT_FORMAT"`
	Input       string `yaml:"input" env:"INPUT"`

	SampleRate int           `yaml:"sample_rate" env:"SAMPLE_RATE"`
	Channels   int           `yaml:"channels" env:"CHANNELS"`
	Slice      time.Duration `yaml:"slice" env:"SLICE"`

	// Encoding is "opus" (default) or "linear16".
	Encoding string `yaml:"encoding" env:"ENCODING"`
	Bitrate  int    `yaml:"bitrate" env:"BITRATE"`
}

// SessionConfig tunes the session orchestrator. Zero values use the
// orchestrator defaults.
type SessionConfig struct {
	// InboundSampleRate and InboundChannels describe the backend's speech
	// audio. Default: 16 kHz mono.
	InboundSampleRate int `yaml:"inbound_sample_rate" env:"INBOUND_SAMPLE_RATE"`
	InboundChannels   int `yaml:"inbound_channels" env:"INBOUND_CHANNELS"`

	InterruptSilenceDelay time.Duration `yaml:"interrupt_silence_delay" env:"INTERRUPT_SILENCE_DELAY"`
	InterruptSilenceBytes int           `yaml:"interrupt_silence_bytes" env:"INTERRUPT_SILENCE_BYTES"`
	NoticeSilenceBytes    int           `yaml:"notice_silence_bytes" env:"NOTICE_SILENCE_BYTES"`
	WarmupSilenceBytes    int           `yaml:"warmup_silence_bytes" env:"WARMUP_SILENCE_BYTES"`
}
