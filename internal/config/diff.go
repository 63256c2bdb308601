package config

// ConfigDiff describes what changed between two configs.
// The conversation profile and the log level can be applied at runtime;
// every other changed section is listed in RestartRequired.
type ConfigDiff struct {
	ConversationChanged bool
	LogLevelChanged     bool
	NewLogLevel         LogLevel

	// RestartRequired names the top-level sections whose changes only take
	// effect after a restart (e.g. "backend", "renderer").
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.ConversationChanged && !d.LogLevelChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server")
	}

	// Only the prompt file reference is compared; edits to the file itself
	// are not watched.
	d.ConversationChanged = old.Conversation != new.Conversation

	if old.Backend != new.Backend {
		d.RestartRequired = append(d.RestartRequired, "backend")
	}
	if !rendererEqual(old.Renderer, new.Renderer) {
		d.RestartRequired = append(d.RestartRequired, "renderer")
	}
	if old.Capture != new.Capture {
		d.RestartRequired = append(d.RestartRequired, "capture")
	}
	if old.Session != new.Session {
		d.RestartRequired = append(d.RestartRequired, "session")
	}
	return d
}

// rendererEqual compares renderer sections, which hold a pointer and slices
// and so are not comparable with ==.
func rendererEqual(a, b RendererConfig) bool {
	if a.Provider != b.Provider || a.APIKey != b.APIKey || a.FaceID != b.FaceID ||
		a.BaseURL != b.BaseURL || a.WebsocketURL != b.WebsocketURL ||
		a.MaxSessionLength != b.MaxSessionLength || a.MaxIdleTime != b.MaxIdleTime ||
		a.ReadyTimeout != b.ReadyTimeout ||
		a.SampleRate != b.SampleRate || a.Channels != b.Channels {
		return false
	}
	if (a.HandleSilence == nil) != (b.HandleSilence == nil) ||
		(a.HandleSilence != nil && *a.HandleSilence != *b.HandleSilence) {
		return false
	}
	return outputEqual(a.Video, b.Video) && outputEqual(a.Audio, b.Audio)
}

func outputEqual(a, b OutputConfig) bool {
	if a.Kind != b.Kind || a.Path != b.Path || len(a.Command) != len(b.Command) {
		return false
	}
	for i := range a.Command {
		if a.Command[i] != b.Command[i] {
			return false
		}
	}
	return true
}
