// Package llm implements the recommendation and cleanup features consumed
// by the transcript pipeline: transcription cleanup, repository and model
// recommendation, session naming and outcome analysis. Two provider
// backends are supported, Anthropic and OpenAI-compatible endpoints.
package llm

import (
	"context"

	"github.com/voxd-app/voxd/internal/config"
)

// generator produces one structured JSON completion. Backends implement
// this; the feature methods share the prompt building and parsing.
type generator interface {
	generateJSON(ctx context.Context, prompt string, out any) error
}

// CleanupResult is the transcription cleanup response.
type CleanupResult struct {
	CleanedText     string   `json:"cleaned_text"`
	CorrectionsMade []string `json:"corrections_made"`
}

// RepoRecommendation is the repository recommendation response. An index
// of -1 means the service found no clear match.
type RepoRecommendation struct {
	RecommendedIndex int               `json:"recommended_index"`
	RecommendedName  string            `json:"recommended_name"`
	Confidence       config.Confidence `json:"confidence"`
	Reasoning        string            `json:"reasoning"`
}

// None reports whether the recommendation is a no-match.
func (r RepoRecommendation) None() bool {
	return r.RecommendedIndex < 0
}

// ModelRecommendation is the model recommendation response. The model is
// categorical (haiku/sonnet/opus); the pipeline maps it onto concrete
// model identifiers. SuggestedThinking uses the legacy multi-level scale
// and collapses to the binary level at the config boundary.
type ModelRecommendation struct {
	RecommendedModel  string            `json:"recommended_model"`
	Reasoning         string            `json:"reasoning"`
	Confidence        config.Confidence `json:"confidence"`
	SuggestedThinking string            `json:"suggested_thinking"`
}

// ThinkingLevel maps the categorical suggestion onto the binary scale.
func (r ModelRecommendation) ThinkingLevel() config.ThinkingLevel {
	if r.SuggestedThinking == "" || r.SuggestedThinking == "null" {
		return config.ThinkingOff
	}
	return config.ParseThinkingLevel(r.SuggestedThinking)
}

// NameResult is the session naming response, generated when a prompt is
// sent.
type NameResult struct {
	Name     string `json:"name"`
	Category string `json:"category"`
}

// OutcomeResult is the session outcome generated at completion.
type OutcomeResult struct {
	Outcome string `json:"outcome"`
}

// InteractionAnalysis reports whether the assistant's last message truly
// requires human input to proceed.
type InteractionAnalysis struct {
	NeedsInteraction bool   `json:"needs_interaction"`
	Reason           string `json:"reason"`
	Urgency          string `json:"urgency"`
	WaitingFor       string `json:"waiting_for"`
}
