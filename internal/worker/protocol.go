// Package worker owns the long-lived agent worker subprocess and multiplexes
// many logical sessions over its line-delimited JSON protocol.
package worker

import (
	"encoding/json"

	"github.com/voxd-app/voxd/internal/session"
)

// Outbound message types (manager -> worker).
const (
	TypeQuery     = "query"
	TypeInterrupt = "interrupt"
)

// Inbound message types (worker -> manager).
const (
	TypeText             = "text"
	TypeToolStart        = "tool-start"
	TypeToolResult       = "tool-result"
	TypeProgressiveUsage = "progressive-usage"
	TypeFinalUsage       = "final-usage"
	TypeSubagentStart    = "subagent-start"
	TypeSubagentStop     = "subagent-stop"
	TypeDone             = "done"
	TypeError            = "error"
)

// Attachment is binary content (an image) attached to a prompt.
type Attachment struct {
	MediaType  string `json:"mediaType"`
	Base64Data string `json:"base64Data"`
}

// Outbound is one manager -> worker message, encoded as a single JSON line.
type Outbound struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId"`
	Generation uint64 `json:"generation"`

	// Query fields
	Prompt         string       `json:"prompt,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	Model          string       `json:"model,omitempty"`
	ThinkingLevel  string       `json:"thinkingLevel,omitempty"`
	SystemPrompt   string       `json:"systemPrompt,omitempty"`
	RestoreContext string       `json:"restoreContext,omitempty"`
}

// Inbound is one worker -> manager message. Every inbound message carries
// the generation it was produced under; messages older than the session's
// current generation are discarded before any state mutation.
type Inbound struct {
	Type       string          `json:"type"`
	SessionID  string          `json:"sessionId"`
	Generation uint64          `json:"generation"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// TextPayload carries streamed assistant text.
type TextPayload struct {
	Content string `json:"content"`
}

// ToolPayload carries tool-start and tool-result events.
type ToolPayload struct {
	Tool   string          `json:"tool"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output string          `json:"output,omitempty"`
}

// UsagePayload carries progressive and final usage counters. Final usage
// additionally reports cost and turn statistics.
type UsagePayload struct {
	InputTokens         uint64  `json:"inputTokens"`
	OutputTokens        uint64  `json:"outputTokens"`
	CacheReadTokens     uint64  `json:"cacheReadTokens"`
	CacheCreationTokens uint64  `json:"cacheCreationTokens"`
	TotalCostUSD        float64 `json:"totalCostUsd,omitempty"`
	DurationAPIMs       uint64  `json:"durationApiMs,omitempty"`
	NumTurns            uint64  `json:"numTurns,omitempty"`
	ContextWindow       uint64  `json:"contextWindow,omitempty"`
}

// Usage converts the wire counters into the store's usage aggregate.
func (p UsagePayload) Usage() session.Usage {
	return session.Usage{
		InputTokens:         p.InputTokens,
		OutputTokens:        p.OutputTokens,
		CacheReadTokens:     p.CacheReadTokens,
		CacheCreationTokens: p.CacheCreationTokens,
		CostUSD:             p.TotalCostUSD,
		DurationAPIMs:       p.DurationAPIMs,
		NumTurns:            p.NumTurns,
		ContextWindow:       p.ContextWindow,
	}
}

// SubagentPayload carries subagent lifecycle events.
type SubagentPayload struct {
	AgentID        string `json:"agentId"`
	AgentType      string `json:"agentType,omitempty"`
	TranscriptPath string `json:"transcriptPath,omitempty"`
}

// ErrorPayload carries a worker-reported failure.
type ErrorPayload struct {
	Message string `json:"message"`
}
