package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/avatarlink/pkg/audio"
	"github.com/MrWong99/avatarlink/pkg/backend"
)

// EnvPrefix prefixes every environment override, e.g.
// AVATARLINK_RENDERER_API_KEY.
const EnvPrefix = "AVATARLINK_"

// LoadDotEnv loads KEY=value pairs from the given files (default ".env")
// into the process environment. Missing files are skipped and variables
// that are already set win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %q: %w", f, err)
		}
		slog.Debug("loaded environment file", "path", f)
	}
	return nil
}

// Load reads the YAML configuration file at path, applies environment
// overrides and returns a validated [Config]. A relative
// conversation.initial_prompt_file is resolved against the directory of path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	if p := cfg.Conversation.InitialPromptFile; p != "" && !filepath.IsAbs(p) {
		cfg.Conversation.InitialPromptFile = filepath.Join(filepath.Dir(path), p)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// overrides and validates the result. An empty document is valid YAML but
// still has to pass validation.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg fields from AVATARLINK_-prefixed environment
// variables. Unset variables leave the YAML value alone.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("config: parse env: %w", err)
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Backend
	errs = append(errs, checkURL("backend.url", cfg.Backend.URL, "http", "https"))
	errs = append(errs, checkURL("backend.websocket_url", cfg.Backend.WebsocketURL, "ws", "wss"))
	if cfg.Backend.Timeout < 0 {
		errs = append(errs, fmt.Errorf("backend.timeout %v must not be negative", cfg.Backend.Timeout))
	}
	if cfg.Backend.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("backend.breaker.max_failures %d must not be negative", cfg.Backend.Breaker.MaxFailures))
	}
	if cfg.Backend.Breaker.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("backend.breaker.cooldown %v must not be negative", cfg.Backend.Breaker.Cooldown))
	}

	// Conversation
	if cfg.Conversation.InitialPrompt != "" && cfg.Conversation.InitialPromptFile != "" {
		errs = append(errs, errors.New("conversation: initial_prompt and initial_prompt_file are mutually exclusive"))
	}

	// Renderer
	r := cfg.Renderer
	if r.Provider != "" && r.Provider != RendererSimli {
		errs = append(errs, fmt.Errorf("renderer.provider %q is invalid; valid values: simli", r.Provider))
	}
	if r.APIKey == "" {
		errs = append(errs, fmt.Errorf("renderer.api_key is required (or set %sRENDERER_API_KEY)", EnvPrefix))
	}
	if r.FaceID == "" {
		errs = append(errs, errors.New("renderer.face_id is required"))
	}
	if r.BaseURL != "" {
		errs = append(errs, checkURL("renderer.base_url", r.BaseURL, "http", "https"))
	}
	if r.WebsocketURL != "" {
		errs = append(errs, checkURL("renderer.websocket_url", r.WebsocketURL, "ws", "wss"))
	}
	if r.MaxSessionLength < 0 || r.MaxIdleTime < 0 || r.ReadyTimeout < 0 {
		errs = append(errs, errors.New("renderer: max_session_length, max_idle_time and ready_timeout must not be negative"))
	}
	errs = append(errs, checkFormat("renderer", r.SampleRate, r.Channels))
	errs = append(errs, checkOutput("renderer.video", r.Video))
	errs = append(errs, checkOutput("renderer.audio", r.Audio))

	// Capture
	c := cfg.Capture
	if c.Encoding != "" && !audio.Encoding(c.Encoding).IsValid() {
		errs = append(errs, fmt.Errorf("capture.encoding %q is invalid; valid values: opus, linear16", c.Encoding))
	}
	errs = append(errs, checkFormat("capture", c.SampleRate, c.Channels))
	if c.Slice < 0 || c.Bitrate < 0 {
		errs = append(errs, errors.New("capture: slice and bitrate must not be negative"))
	}

	// Session
	s := cfg.Session
	errs = append(errs, checkFormat("session.inbound", s.InboundSampleRate, s.InboundChannels))
	if s.InterruptSilenceDelay < 0 {
		errs = append(errs, fmt.Errorf("session.interrupt_silence_delay %v must not be negative", s.InterruptSilenceDelay))
	}
	for name, n := range map[string]int{
		"interrupt_silence_bytes": s.InterruptSilenceBytes,
		"notice_silence_bytes":    s.NoticeSilenceBytes,
		"warmup_silence_bytes":    s.WarmupSilenceBytes,
	} {
		if n < 0 || n%2 != 0 {
			errs = append(errs, fmt.Errorf("session.%s %d must be a non-negative even number", name, n))
		}
	}

	return errors.Join(errs...)
}

func checkURL(field, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s %q: %w", field, raw, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s %q must be an absolute %s URL", field, raw, strings.Join(schemes, "/"))
}

func checkFormat(prefix string, rate, channels int) error {
	if rate < 0 {
		return fmt.Errorf("%s sample rate %d must not be negative", prefix, rate)
	}
	if channels < 0 || channels > 2 {
		return fmt.Errorf("%s channels %d is out of range [1, 2]", prefix, channels)
	}
	return nil
}

func checkOutput(field string, o OutputConfig) error {
	if o.Kind == "" {
		return nil
	}
	if !o.Kind.IsValid() {
		return fmt.Errorf("%s.kind %q is invalid; valid values: discard, file, command", field, o.Kind)
	}
	if o.Kind == OutputFile && o.Path == "" {
		return fmt.Errorf("%s.path is required when kind is file", field)
	}
	if o.Kind == OutputCommand && len(o.Command) == 0 {
		return fmt.Errorf("%s.command is required when kind is command", field)
	}
	return nil
}

// Resolve returns the conversation profile, reading InitialPromptFile when
// set.
func (c ConversationConfig) Resolve() (backend.Conversation, error) {
	conv := backend.Conversation{
		InitialPrompt: c.InitialPrompt,
		Model:         c.Model,
		VoiceID:       c.VoiceID,
		Language:      c.Language,
	}
	if c.InitialPromptFile != "" {
		data, err := os.ReadFile(c.InitialPromptFile)
		if err != nil {
			return backend.Conversation{}, fmt.Errorf("config: read initial prompt: %w", err)
		}
		conv.InitialPrompt = strings.TrimSpace(string(data))
	}
	return conv, nil
}
