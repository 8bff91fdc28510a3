package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/voxd-app/voxd/internal/config"
)

// defaultTimeout bounds each feature call; callers may pass a context with
// an earlier deadline.
const defaultTimeout = 15 * time.Second

// Client exposes the LLM-assisted features over a provider backend.
type Client struct {
	gen     generator
	timeout time.Duration
}

// NewClient wraps a provider backend. Use NewAnthropic or NewOpenAI to
// construct one.
func newClient(gen generator) *Client {
	return &Client{gen: gen, timeout: defaultTimeout}
}

func (c *Client) call(ctx context.Context, prompt string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.gen.generateJSON(ctx, prompt, out)
}

// CleanTranscription fixes speech-to-text errors in a transcript. When a
// secondary real-time transcript is available both are compared; repo
// context improves recognition of project-specific terms.
func (c *Client) CleanTranscription(ctx context.Context, primary, secondary, repoContext string) (CleanupResult, error) {
	var contextSection string
	if repoContext != "" {
		contextSection = fmt.Sprintf("\nProject context (use this to better recognize project-specific terms):\n%s\n", truncate(repoContext, 1000))
	}

	var transcriptionSection string
	if secondary != "" {
		transcriptionSection = fmt.Sprintf(`You have two transcriptions from different speech-to-text engines.

Primary transcription (more accurate, but may miss quick words):
%s

Secondary real-time transcription (may capture words the primary missed, but less accurate overall):
%s

Compare both and produce the best combined result, using the primary as the main source.`,
			truncate(primary, 1500), truncate(secondary, 1500))
	} else {
		transcriptionSection = fmt.Sprintf("Transcription to clean:\n%s", truncate(primary, 2000))
	}

	prompt := fmt.Sprintf(`Clean up this voice transcription for a software development task. Fix:

1. Common homophones (there/their/they're, its/it's, etc.)
2. Technical terms that may have been misheard
3. Missing or incorrect punctuation
4. Code-related terms (function names, file extensions, programming concepts)
%s
Keep the original meaning and intent. Only fix clear errors, don't rewrite the content.

%s

Respond with ONLY a JSON object in this exact format:
{"cleaned_text": "the corrected text", "corrections_made": ["correction 1", "correction 2"]}`,
		contextSection, transcriptionSection)

	var result CleanupResult
	if err := c.call(ctx, prompt, &result); err != nil {
		return CleanupResult{}, fmt.Errorf("clean transcription: %w", err)
	}
	return result, nil
}

// RecommendRepo picks the repository best matching the prompt, or a
// no-match result when the prompt carries no evidence. transcribed notes
// that the prompt came from voice, so vocabulary matching matters more.
func (c *Client) RecommendRepo(ctx context.Context, prompt string, repos []config.Repo, transcribed bool) (RepoRecommendation, error) {
	if len(repos) == 0 {
		return RepoRecommendation{RecommendedIndex: -1, Confidence: config.ConfidenceLow, Reasoning: "no repositories configured"}, nil
	}

	var list strings.Builder
	for i, r := range repos {
		desc := r.Description
		if desc == "" {
			desc = "No description"
		}
		fmt.Fprintf(&list, "%d. %s (%s)\n   Description: %s\n   Keywords: %s\n   Vocabulary: %s\n\n",
			i, r.Name, r.Path, desc, joinOrNone(r.Keywords), joinOrNone(r.Vocabulary))
	}

	var notice string
	if transcribed {
		notice = "\nNOTE: The prompt was voice-transcribed and may contain homophones or misheard words. If the prompt contains words that sound like items in a repo's vocabulary, that's a strong match signal.\n"
	}

	text := fmt.Sprintf(`Based on the user's prompt, recommend which repository they should work in.

Available repositories:
%s%s
User's prompt:
%s

IMPORTANT: If the prompt doesn't contain enough information to make a meaningful recommendation, return -1 for recommended_index and an empty recommended_name. Only recommend a repository if the prompt provides actual evidence.

Respond with ONLY a JSON object in this exact format:
{"recommended_index": 0, "recommended_name": "repo name", "confidence": "low|medium|high", "reasoning": "brief explanation"}`,
		list.String(), notice, truncate(prompt, 1500))

	var result RepoRecommendation
	if err := c.call(ctx, text, &result); err != nil {
		return RepoRecommendation{}, fmt.Errorf("recommend repo: %w", err)
	}
	if result.RecommendedIndex >= len(repos) {
		result.RecommendedIndex = -1
	}
	return result, nil
}

// RecommendModel picks the cheapest model category able to handle the
// prompt, plus a suggested thinking level.
func (c *Client) RecommendModel(ctx context.Context, prompt string) (ModelRecommendation, error) {
	text := fmt.Sprintf(`Analyze this software development prompt and recommend the best model.

Model capabilities:
- haiku: fast, cheap. Simple questions, quick lookups, straightforward edits.
- sonnet: balanced. Typical coding tasks, debugging, feature implementation.
- opus: most capable, expensive. Complex architecture, multi-file refactoring, difficult debugging.

Extended thinking levels: null (most tasks), think, megathink, ultrathink.

Prompt to analyze:
%s

Choose the most cost-effective model that can handle this task well.

Respond with ONLY a JSON object in this exact format:
{"recommended_model": "haiku|sonnet|opus", "reasoning": "brief explanation", "confidence": "low|medium|high", "suggested_thinking": "null|think|megathink|ultrathink"}`,
		truncate(prompt, 1500))

	var result ModelRecommendation
	if err := c.call(ctx, text, &result); err != nil {
		return ModelRecommendation{}, fmt.Errorf("recommend model: %w", err)
	}
	return result, nil
}

// SessionName generates a concise session name at prompt-send time.
func (c *Client) SessionName(ctx context.Context, userPrompt string) (NameResult, error) {
	text := fmt.Sprintf(`Generate a concise name for this coding session based on the user's request.

User's request:
%s

Respond with ONLY a JSON object in this exact format:
{"name": "3-6 word concise name describing the task", "category": "feature|bugfix|refactor|research|question|other"}`,
		truncate(userPrompt, 500))

	var result NameResult
	if err := c.call(ctx, text, &result); err != nil {
		return NameResult{}, fmt.Errorf("session name: %w", err)
	}
	return result, nil
}

// SessionOutcome extracts the key result of a completed session: the
// actual answer or what was specifically done, not a vague description.
func (c *Client) SessionOutcome(ctx context.Context, userPrompt, assistantText string) (OutcomeResult, error) {
	text := fmt.Sprintf(`Analyze this completed coding session and extract the KEY RESULT.

Include the actual answer or specific change, not a description of what was provided. Keep it brief (5-15 words).

User's original request:
%s

Assistant's work (truncated):
%s

Respond with ONLY a JSON object in this exact format:
{"outcome": "the specific result or answer"}`,
		truncate(userPrompt, 500), truncate(assistantText, 2000))

	var result OutcomeResult
	if err := c.call(ctx, text, &result); err != nil {
		return OutcomeResult{}, fmt.Errorf("session outcome: %w", err)
	}
	return result, nil
}

// AnalyzeInteraction determines whether the assistant's last message truly
// blocks on user input, filtering out polite offers to help further.
func (c *Client) AnalyzeInteraction(ctx context.Context, lastMessage string) (InteractionAnalysis, error) {
	text := fmt.Sprintf(`Analyze this AI assistant's message to determine if it TRULY requires human interaction to proceed.

Only flag needs_interaction=true if the assistant CANNOT proceed without user input: explicit requests for required information, errors needing a user decision, approval before destructive operations, or missing credentials. Polite offers to help further, conversational questions, and suggestions the user can ignore do NOT count.

Message to analyze:
%s

Respond with ONLY a JSON object in this exact format:
{"needs_interaction": true, "reason": "why or empty", "urgency": "low|medium|high", "waiting_for": "approval|clarification|input|review|decision|"}`,
		truncate(lastMessage, 2000))

	var result InteractionAnalysis
	if err := c.call(ctx, text, &result); err != nil {
		return InteractionAnalysis{}, fmt.Errorf("analyze interaction: %w", err)
	}
	return result, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "None"
	}
	return strings.Join(items, ", ")
}
