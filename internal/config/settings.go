// Package config provides multi-level settings management for voxd.
// Settings are loaded from multiple sources with the following priority
// (lowest to highest):
//  1. ~/.voxd/settings.json (user level)
//  2. .voxd/settings.json (project level)
//  3. .voxd/settings.local.json (local level)
//
// The repository registry lives separately in ~/.voxd/repos.yaml.
package config

// ThinkingLevel controls the extended-reasoning budget for a query.
// Only two live values exist; the legacy finer-grained levels
// (think/megathink/ultrathink) all collapse to ThinkingOn at parse time.
type ThinkingLevel string

const (
	ThinkingOff ThinkingLevel = "off"
	ThinkingOn  ThinkingLevel = "on"
)

// ParseThinkingLevel normalizes a stored thinking level, collapsing the
// legacy multi-level values onto the binary scale.
func ParseThinkingLevel(s string) ThinkingLevel {
	switch s {
	case "on", "think", "megathink", "ultrathink":
		return ThinkingOn
	default:
		return ThinkingOff
	}
}

// ModelAuto is the sentinel model value meaning "let the recommender pick".
// It must never be dispatched to the worker as a literal model identifier.
const ModelAuto = "auto"

// Confidence is a categorical confidence level returned by recommenders.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// AtLeast reports whether c meets the given minimum confidence.
func (c Confidence) AtLeast(min Confidence) bool {
	return c.rank() >= min.rank()
}

func (c Confidence) rank() int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	case ConfidenceLow:
		return 1
	default:
		return 0
	}
}

// Settings represents the complete voxd configuration.
type Settings struct {
	// Model is the default model identifier, or "auto" to defer the choice
	// to the model recommender at dispatch time.
	Model string `json:"model,omitempty"`

	// Models lists the enabled concrete model identifiers, in preference
	// order. The first entry is the fallback when recommendation fails.
	Models []string `json:"models,omitempty"`

	// Thinking is the default thinking level ("off", "on", or a legacy value)
	Thinking string `json:"thinking,omitempty"`

	// Worker configures the agent worker subprocess
	Worker WorkerSettings `json:"worker,omitempty"`

	// Voice configures voice-command phrase sets
	Voice VoiceSettings `json:"voice,omitempty"`

	// Pipeline configures the transcript pipeline decision points
	Pipeline PipelineSettings `json:"pipeline,omitempty"`

	// Transcribe configures the speech-to-text backends
	Transcribe TranscribeSettings `json:"transcribe,omitempty"`

	// Env defines environment variables to set for spawned processes
	Env map[string]string `json:"env,omitempty"`
}

// WorkerSettings configures the worker subprocess.
type WorkerSettings struct {
	// Command is the worker binary; Args are passed verbatim.
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
}

// VoiceSettings holds the three disjoint voice-command phrase sets.
// Detection priority is cancel > send > transcribe; cancel wins ties
// because it is destructive.
type VoiceSettings struct {
	CancelPhrases     []string `json:"cancelPhrases,omitempty"`
	SendPhrases       []string `json:"sendPhrases,omitempty"`
	TranscribePhrases []string `json:"transcribePhrases,omitempty"`
}

// PipelineSettings configures the optional transcript pipeline steps.
type PipelineSettings struct {
	// CleanupEnabled submits transcripts to the cleanup service before use.
	CleanupEnabled bool `json:"cleanupEnabled,omitempty"`

	// AutoRepo enables repository recommendation when more than one
	// repository is configured.
	AutoRepo bool `json:"autoRepo,omitempty"`

	// RepoConfidenceMin is the minimum recommendation confidence required
	// to auto-select a repository; below it the session pauses at
	// pending_repo. Defaults to "high".
	RepoConfidenceMin string `json:"repoConfidenceMin,omitempty"`

	// RequireApproval pauses every transcript at pending_approval for
	// explicit user confirmation before dispatch.
	RequireApproval bool `json:"requireApproval,omitempty"`
}

// TranscribeSettings configures the two speech-to-text backends: the
// realtime WebSocket recognizer used while recording and the batch HTTP
// endpoint used for stored-audio retries and one-shot file submission.
type TranscribeSettings struct {
	// RealtimeEndpoint is the vosk-style WebSocket URL. Empty disables the
	// realtime recording path.
	RealtimeEndpoint string `json:"realtimeEndpoint,omitempty"`

	// BatchEndpoint is the whisper-style transcription URL. Empty disables
	// batch retries.
	BatchEndpoint string `json:"batchEndpoint,omitempty"`

	// BatchModel is the model name sent with batch requests. Defaults to
	// "whisper-1".
	BatchModel string `json:"batchModel,omitempty"`

	// Language is the language hint sent with batch requests. Defaults to
	// "en".
	Language string `json:"language,omitempty"`

	// SampleRate is the PCM sample rate of captured audio. Defaults to
	// 16000.
	SampleRate int `json:"sampleRate,omitempty"`
}

// SampleRateOrDefault returns the configured capture rate, defaulting to
// 16kHz mono.
func (t TranscribeSettings) SampleRateOrDefault() int {
	if t.SampleRate > 0 {
		return t.SampleRate
	}
	return 16000
}

// BatchModelOrDefault returns the batch model name, defaulting to whisper-1.
func (t TranscribeSettings) BatchModelOrDefault() string {
	if t.BatchModel != "" {
		return t.BatchModel
	}
	return "whisper-1"
}

// LanguageOrDefault returns the batch language hint, defaulting to en.
func (t TranscribeSettings) LanguageOrDefault() string {
	if t.Language != "" {
		return t.Language
	}
	return "en"
}

// NewSettings returns settings with defaults applied.
func NewSettings() *Settings {
	return &Settings{
		Env: make(map[string]string),
	}
}

// RepoConfidenceMin returns the configured minimum repo confidence,
// defaulting to high.
func (s *Settings) RepoConfidenceMin() Confidence {
	switch Confidence(s.Pipeline.RepoConfidenceMin) {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
		return Confidence(s.Pipeline.RepoConfidenceMin)
	default:
		return ConfidenceHigh
	}
}

// FallbackModel returns the first enabled concrete model, used when the
// configured model is "auto" and recommendation is unavailable.
func (s *Settings) FallbackModel() string {
	for _, m := range s.Models {
		if m != "" && m != ModelAuto {
			return m
		}
	}
	if s.Model != "" && s.Model != ModelAuto {
		return s.Model
	}
	return ""
}
