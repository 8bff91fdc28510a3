// Package session tracks agent and terminal sessions: their records, the
// status state machine, and the concurrency-safe store that is the single
// source of truth for session state.
package session

import (
	"encoding/json"
	"time"

	"github.com/voxd-app/voxd/internal/config"
)

// Kind distinguishes the two session variants.
type Kind string

const (
	// KindPTY is a session backed by an interactive pseudo-terminal
	// running a shell-invoked CLI tool.
	KindPTY Kind = "pty"

	// KindAgent is a session backed by the worker subprocess invoking a
	// programmatic coding-agent API over structured streaming messages.
	KindAgent Kind = "agent"
)

// MessageKind identifies an entry in an agent session's transcript.
type MessageKind string

const (
	MsgUserPrompt    MessageKind = "user-prompt"
	MsgAssistantText MessageKind = "assistant-text"
	MsgToolStart     MessageKind = "tool-start"
	MsgToolResult    MessageKind = "tool-result"
	MsgSubagentStart MessageKind = "subagent-start"
	MsgSubagentStop  MessageKind = "subagent-stop"
	MsgError         MessageKind = "error"
	MsgDone          MessageKind = "done"
)

// Message is one entry in an agent session's append-only transcript.
// Order is significant; messages are never reordered or mutated in place.
type Message struct {
	Kind      MessageKind     `json:"kind"`
	Content   string          `json:"content,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    string          `json:"output,omitempty"`
	AgentID   string          `json:"agentId,omitempty"`
	AgentType string          `json:"agentType,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Usage aggregates token and cost counters for an agent session.
// Progressive updates overwrite the token fields repeatedly during
// streaming; the final update overwrites everything exactly once and
// supersedes (never sums with) the last progressive snapshot.
type Usage struct {
	InputTokens         uint64  `json:"inputTokens"`
	OutputTokens        uint64  `json:"outputTokens"`
	CacheReadTokens     uint64  `json:"cacheReadTokens"`
	CacheCreationTokens uint64  `json:"cacheCreationTokens"`
	CostUSD             float64 `json:"costUsd"`
	DurationAPIMs       uint64  `json:"durationApiMs,omitempty"`
	NumTurns            uint64  `json:"numTurns,omitempty"`
	ContextWindow       uint64  `json:"contextWindow,omitempty"`

	// Final marks the usage as authoritative for the current query;
	// progressive updates received afterwards are ignored.
	Final bool `json:"final"`
}

// AIMetadata holds LLM-derived annotations for an agent session. Each field
// is write-once per prompt exchange: name and category are written when the
// prompt is sent, outcome and interaction analysis at completion. A new
// prompt exchange resets outcome and interaction analysis only.
type AIMetadata struct {
	Name             string `json:"name,omitempty"`
	Category         string `json:"category,omitempty"`
	Outcome          string `json:"outcome,omitempty"`
	NeedsInteraction bool   `json:"needsInteraction,omitempty"`
	WaitingFor       string `json:"waitingFor,omitempty"`
}

// PendingRepoSelection is populated while an agent session waits at
// pending_repo for the user (or auto-selection) to resolve the repository.
type PendingRepoSelection struct {
	Transcript       string            `json:"transcript"`
	RecommendedIndex int               `json:"recommendedIndex"`
	Confidence       config.Confidence `json:"confidence,omitempty"`
	Reasoning        string            `json:"reasoning,omitempty"`
}

// PendingTranscription is populated while a recording has been captured but
// its transcript is not ready yet. AudioPath points at the stored audio so
// a failed transcription can be retried.
type PendingTranscription struct {
	AudioPath string `json:"audioPath,omitempty"`
	Partial   string `json:"partial,omitempty"`
	ErrorMsg  string `json:"errorMsg,omitempty"`
}

// PendingApprovalPrompt is populated while an agent session waits at
// pending_approval for explicit user confirmation of the resolved prompt.
type PendingApprovalPrompt struct {
	Transcript string               `json:"transcript"`
	RepoPath   string               `json:"repoPath,omitempty"`
	Model      string               `json:"model,omitempty"`
	Thinking   config.ThinkingLevel `json:"thinking,omitempty"`
}

// AgentState is the agent-variant payload of a session.
type AgentState struct {
	Messages []Message            `json:"messages"`
	Usage    Usage                `json:"usage"`
	Model    string               `json:"model,omitempty"`
	Thinking config.ThinkingLevel `json:"thinking,omitempty"`

	// Two-field work timer. AccumulatedDurationMs holds closed work time;
	// CurrentWorkStartedAt is set while the session is in a working status.
	// At most one of them contributes live time at any instant.
	AccumulatedDurationMs int64      `json:"accumulatedDurationMs"`
	CurrentWorkStartedAt  *time.Time `json:"currentWorkStartedAt,omitempty"`

	// Exactly one of these is populated while the session is in the
	// corresponding pending status; all are cleared together when the
	// session leaves the pending super-state.
	PendingRepo          *PendingRepoSelection  `json:"pendingRepo,omitempty"`
	PendingTranscription *PendingTranscription  `json:"pendingTranscription,omitempty"`
	PendingApproval      *PendingApprovalPrompt `json:"pendingApproval,omitempty"`

	AIMetadata AIMetadata `json:"aiMetadata,omitempty"`

	// ErrorMsg carries the human-readable reason when status is error.
	ErrorMsg string `json:"errorMsg,omitempty"`
}

// PTYState is the terminal-variant payload of a session.
type PTYState struct {
	Prompt string `json:"prompt,omitempty"`

	// OutputBuffer retains recent raw terminal output for persistence and
	// historical viewing.
	OutputBuffer string `json:"outputBuffer,omitempty"`
}

// Session is a tagged union: a common header shared by both variants plus
// exactly one variant payload matching Kind.
type Session struct {
	ID               string    `json:"id"`
	Kind             Kind      `json:"kind"`
	WorkingDirectory string    `json:"workingDirectory"`
	Status           Status    `json:"status"`
	CreatedAt        time.Time `json:"createdAt"`

	// StatusDetail is an open-ended label attached only to the tool and
	// subagent sub-states (the running tool or subagent type). It never
	// drives transition logic.
	StatusDetail string `json:"statusDetail,omitempty"`

	Agent *AgentState `json:"agent,omitempty"`
	PTY   *PTYState   `json:"pty,omitempty"`
}

// Clone returns a deep copy safe to hand to callers outside the store.
func (s *Session) Clone() *Session {
	out := *s
	if s.Agent != nil {
		agent := *s.Agent
		agent.Messages = append([]Message(nil), s.Agent.Messages...)
		if s.Agent.CurrentWorkStartedAt != nil {
			t := *s.Agent.CurrentWorkStartedAt
			agent.CurrentWorkStartedAt = &t
		}
		if s.Agent.PendingRepo != nil {
			p := *s.Agent.PendingRepo
			agent.PendingRepo = &p
		}
		if s.Agent.PendingTranscription != nil {
			p := *s.Agent.PendingTranscription
			agent.PendingTranscription = &p
		}
		if s.Agent.PendingApproval != nil {
			p := *s.Agent.PendingApproval
			agent.PendingApproval = &p
		}
		out.Agent = &agent
	}
	if s.PTY != nil {
		pty := *s.PTY
		out.PTY = &pty
	}
	return &out
}
