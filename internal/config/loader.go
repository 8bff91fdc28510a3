package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Loader handles loading and merging settings from multiple sources.
type Loader struct {
	// userDir is the user-level config directory (e.g., ~/.voxd)
	userDir string

	// projectDir is the project-level config directory (e.g., .voxd)
	projectDir string
}

// NewLoader creates a new settings loader with the default directories
// (~/.voxd and .voxd).
func NewLoader() *Loader {
	homeDir, _ := os.UserHomeDir()
	return &Loader{
		userDir:    filepath.Join(homeDir, ".voxd"),
		projectDir: ".voxd",
	}
}

// NewLoaderWithOptions creates a loader with custom directories.
func NewLoaderWithOptions(userDir, projectDir string) *Loader {
	return &Loader{
		userDir:    userDir,
		projectDir: projectDir,
	}
}

// Load loads and merges settings from all sources.
// Priority (lowest to highest): user settings, project settings,
// project local settings. Later sources override earlier ones.
func (l *Loader) Load() (*Settings, error) {
	settings := NewSettings()

	sources := []string{
		filepath.Join(l.userDir, "settings.json"),
		filepath.Join(l.projectDir, "settings.json"),
		filepath.Join(l.projectDir, "settings.local.json"),
	}

	for _, src := range sources {
		if data, err := os.ReadFile(src); err == nil {
			var s Settings
			if err := json.Unmarshal(data, &s); err == nil {
				settings = MergeSettings(settings, &s)
			}
		}
	}

	return settings, nil
}

// LoadFile loads settings from a specific file.
func (l *Loader) LoadFile(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, err
	}

	return &settings, nil
}

// UserDir returns the user config directory path.
func (l *Loader) UserDir() string {
	return l.userDir
}

// EnsureUserDir creates the user config directory if it doesn't exist.
func (l *Loader) EnsureUserDir() error {
	return os.MkdirAll(l.userDir, 0755)
}

// MergeSettings merges two Settings objects. Values from overlay override
// values in base. Slices replace wholesale; maps are key-merged.
func MergeSettings(base, overlay *Settings) *Settings {
	if base == nil {
		return overlay
	}
	if overlay == nil {
		return base
	}

	result := NewSettings()

	result.Model = overrideString(base.Model, overlay.Model)
	result.Thinking = overrideString(base.Thinking, overlay.Thinking)
	result.Models = overrideSlice(base.Models, overlay.Models)

	result.Worker.Command = overrideString(base.Worker.Command, overlay.Worker.Command)
	result.Worker.Args = overrideSlice(base.Worker.Args, overlay.Worker.Args)

	result.Voice.CancelPhrases = overrideSlice(base.Voice.CancelPhrases, overlay.Voice.CancelPhrases)
	result.Voice.SendPhrases = overrideSlice(base.Voice.SendPhrases, overlay.Voice.SendPhrases)
	result.Voice.TranscribePhrases = overrideSlice(base.Voice.TranscribePhrases, overlay.Voice.TranscribePhrases)

	// Pipeline booleans: overlay wins when any pipeline field is set there.
	result.Pipeline = base.Pipeline
	if overlay.Pipeline != (PipelineSettings{}) {
		result.Pipeline = overlay.Pipeline
	}

	result.Transcribe.RealtimeEndpoint = overrideString(base.Transcribe.RealtimeEndpoint, overlay.Transcribe.RealtimeEndpoint)
	result.Transcribe.BatchEndpoint = overrideString(base.Transcribe.BatchEndpoint, overlay.Transcribe.BatchEndpoint)
	result.Transcribe.BatchModel = overrideString(base.Transcribe.BatchModel, overlay.Transcribe.BatchModel)
	result.Transcribe.Language = overrideString(base.Transcribe.Language, overlay.Transcribe.Language)
	if overlay.Transcribe.SampleRate > 0 {
		result.Transcribe.SampleRate = overlay.Transcribe.SampleRate
	} else {
		result.Transcribe.SampleRate = base.Transcribe.SampleRate
	}

	result.Env = mergeStringMaps(base.Env, overlay.Env)

	return result
}

func overrideString(base, overlay string) string {
	if overlay != "" {
		return overlay
	}
	return base
}

func overrideSlice(base, overlay []string) []string {
	if len(overlay) > 0 {
		return append([]string{}, overlay...)
	}
	return append([]string{}, base...)
}

func mergeStringMaps(base, overlay map[string]string) map[string]string {
	result := make(map[string]string)
	for k, v := range base {
		result[k] = v
	}
	for k, v := range overlay {
		result[k] = v
	}
	return result
}
