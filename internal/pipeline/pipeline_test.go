package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/voxd-app/voxd/internal/config"
	"github.com/voxd-app/voxd/internal/events"
	"github.com/voxd-app/voxd/internal/llm"
	"github.com/voxd-app/voxd/internal/session"
	"github.com/voxd-app/voxd/internal/worker"
)

// stubAdvisor returns canned recommendations without an LLM backend.
type stubAdvisor struct {
	cleanup     llm.CleanupResult
	cleanupErr  error
	repo        llm.RepoRecommendation
	repoErr     error
	model       llm.ModelRecommendation
	modelErr    error
	name        llm.NameResult
	outcome     llm.OutcomeResult
	outcomeErr  error
	interact    llm.InteractionAnalysis
	interactErr error
}

func (s *stubAdvisor) CleanTranscription(context.Context, string, string, string) (llm.CleanupResult, error) {
	return s.cleanup, s.cleanupErr
}

func (s *stubAdvisor) RecommendRepo(context.Context, string, []config.Repo, bool) (llm.RepoRecommendation, error) {
	return s.repo, s.repoErr
}

func (s *stubAdvisor) RecommendModel(context.Context, string) (llm.ModelRecommendation, error) {
	return s.model, s.modelErr
}

func (s *stubAdvisor) SessionName(context.Context, string) (llm.NameResult, error) {
	return s.name, nil
}

func (s *stubAdvisor) SessionOutcome(context.Context, string, string) (llm.OutcomeResult, error) {
	return s.outcome, s.outcomeErr
}

func (s *stubAdvisor) AnalyzeInteraction(context.Context, string) (llm.InteractionAnalysis, error) {
	return s.interact, s.interactErr
}

// newTestPipeline wires a pipeline against a real store and a worker
// manager whose subprocess is cat: outbound lines echo back as unknown
// inbound types and are ignored, which is all dispatch needs here.
func newTestPipeline(t *testing.T, settings *config.Settings, repos []config.Repo, advisor Advisor) (*Pipeline, *session.Store) {
	t.Helper()
	store := session.NewStore(events.NewBus())
	workers := worker.NewManager(store, events.NewBus(), config.WorkerSettings{Command: "cat"}, nil)
	t.Cleanup(workers.Shutdown)
	return New(store, workers, settings, repos, advisor), store
}

func baseSettings() *config.Settings {
	return &config.Settings{
		Model:  "claude-sonnet-4",
		Models: []string{"claude-haiku-3", "claude-sonnet-4", "claude-opus-4"},
		Voice: config.VoiceSettings{
			CancelPhrases:     []string{"cancel that"},
			SendPhrases:       []string{"go go"},
			TranscribePhrases: []string{"type that"},
		},
	}
}

func TestRunDispatchesSendCommand(t *testing.T) {
	repos := []config.Repo{{Name: "api", Path: "/repos/api"}}
	p, store := newTestPipeline(t, baseSettings(), repos, nil)

	out, err := p.Run(context.Background(), Input{
		Transcript:  "please refactor the parser. go go",
		Transcribed: true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Action != ActionDispatched {
		t.Fatalf("action = %v, want dispatched", out.Action)
	}
	if out.Transcript != "please refactor the parser" {
		t.Errorf("transcript = %q", out.Transcript)
	}
	if out.Generation != 1 {
		t.Errorf("generation = %d, want 1", out.Generation)
	}

	s, err := store.Get(out.SessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s.Status != session.StatusQuerying {
		t.Errorf("status = %s, want querying", s.Status)
	}
	if s.WorkingDirectory != "/repos/api" {
		t.Errorf("working directory = %q", s.WorkingDirectory)
	}
	if s.Agent.Model != "claude-sonnet-4" {
		t.Errorf("model = %q", s.Agent.Model)
	}
	if len(s.Agent.Messages) != 1 || s.Agent.Messages[0].Kind != session.MsgUserPrompt {
		t.Fatalf("messages = %+v, want one user prompt", s.Agent.Messages)
	}
	if s.Agent.Messages[0].Content != "please refactor the parser" {
		t.Errorf("prompt = %q", s.Agent.Messages[0].Content)
	}
}

func TestRunCancelRemovesSession(t *testing.T) {
	p, store := newTestPipeline(t, baseSettings(), nil, nil)

	created := store.Create(session.KindAgent, session.CreateOptions{
		Initial: session.StatusPendingTranscription,
	})

	out, err := p.Run(context.Background(), Input{
		Transcript: "do the thing, cancel that",
		SessionID:  created.ID,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Action != ActionCancelled {
		t.Fatalf("action = %v, want cancelled", out.Action)
	}
	if _, err := store.Get(created.ID); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("session still present: err = %v", err)
	}
}

func TestRunTranscribeRoutesText(t *testing.T) {
	p, _ := newTestPipeline(t, baseSettings(), nil, nil)

	out, err := p.Run(context.Background(), Input{Transcript: "hello world type that"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Action != ActionTranscribe {
		t.Fatalf("action = %v, want transcribe", out.Action)
	}
	if out.Transcript != "hello world" {
		t.Errorf("transcript = %q", out.Transcript)
	}
	if out.SessionID != "" {
		t.Errorf("unexpected session %q", out.SessionID)
	}
}

func TestRunCleanupReplacesTranscript(t *testing.T) {
	settings := baseSettings()
	settings.Pipeline.CleanupEnabled = true
	advisor := &stubAdvisor{
		cleanup: llm.CleanupResult{CleanedText: "fix the parser bug"},
	}
	repos := []config.Repo{{Name: "api", Path: "/repos/api"}}
	p, _ := newTestPipeline(t, settings, repos, advisor)

	out, err := p.Run(context.Background(), Input{Transcript: "fix the parse her bug"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Transcript != "fix the parser bug" {
		t.Errorf("transcript = %q", out.Transcript)
	}
	// The service returned no correction list, so one is derived from the
	// word-level diff.
	if len(out.Corrections) == 0 {
		t.Error("expected derived corrections")
	}
}

func TestRunCleanupFailureDegradesToRaw(t *testing.T) {
	settings := baseSettings()
	settings.Pipeline.CleanupEnabled = true
	advisor := &stubAdvisor{cleanupErr: errors.New("service down")}
	repos := []config.Repo{{Name: "api", Path: "/repos/api"}}
	p, _ := newTestPipeline(t, settings, repos, advisor)

	out, err := p.Run(context.Background(), Input{Transcript: "fix the bug"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Action != ActionDispatched {
		t.Fatalf("action = %v, want dispatched", out.Action)
	}
	if out.Transcript != "fix the bug" {
		t.Errorf("transcript = %q, want raw text", out.Transcript)
	}
}

func TestRunLowConfidencePausesAtPendingRepo(t *testing.T) {
	settings := baseSettings()
	settings.Pipeline.AutoRepo = true
	advisor := &stubAdvisor{
		repo: llm.RepoRecommendation{RecommendedIndex: 1, Confidence: config.ConfidenceLow},
	}
	repos := []config.Repo{
		{Name: "api", Path: "/repos/api", Description: "backend"},
		{Name: "web", Path: "/repos/web", Description: "frontend"},
	}
	p, store := newTestPipeline(t, settings, repos, advisor)

	out, err := p.Run(context.Background(), Input{Transcript: "fix the header layout"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Action != ActionPendingRepo {
		t.Fatalf("action = %v, want pending-repo", out.Action)
	}

	s, _ := store.Get(out.SessionID)
	if s.Status != session.StatusPendingRepo {
		t.Fatalf("status = %s", s.Status)
	}
	if s.Agent.PendingRepo == nil || s.Agent.PendingRepo.RecommendedIndex != 1 {
		t.Fatalf("pending repo = %+v", s.Agent.PendingRepo)
	}

	// User resolution continues to dispatch.
	out, err = p.ResolveRepo(context.Background(), out.SessionID, 1)
	if err != nil {
		t.Fatalf("ResolveRepo: %v", err)
	}
	if out.Action != ActionDispatched {
		t.Fatalf("action = %v, want dispatched", out.Action)
	}
	s, _ = store.Get(out.SessionID)
	if s.WorkingDirectory != "/repos/web" {
		t.Errorf("working directory = %q", s.WorkingDirectory)
	}
	if s.Agent.PendingRepo != nil {
		t.Error("pending repo payload not cleared")
	}
}

func TestRunHighConfidenceAutoSelectsRepo(t *testing.T) {
	settings := baseSettings()
	settings.Pipeline.AutoRepo = true
	advisor := &stubAdvisor{
		repo: llm.RepoRecommendation{RecommendedIndex: 0, Confidence: config.ConfidenceHigh},
	}
	repos := []config.Repo{
		{Name: "api", Path: "/repos/api", Description: "backend"},
		{Name: "web", Path: "/repos/web", Description: "frontend"},
	}
	p, store := newTestPipeline(t, settings, repos, advisor)

	out, err := p.Run(context.Background(), Input{Transcript: "fix the database migration"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Action != ActionDispatched {
		t.Fatalf("action = %v, want dispatched", out.Action)
	}
	s, _ := store.Get(out.SessionID)
	if s.WorkingDirectory != "/repos/api" {
		t.Errorf("working directory = %q", s.WorkingDirectory)
	}
}

func TestRunApprovalGateAfterRepoResolution(t *testing.T) {
	settings := baseSettings()
	settings.Pipeline.RequireApproval = true
	repos := []config.Repo{{Name: "api", Path: "/repos/api"}}
	p, store := newTestPipeline(t, settings, repos, nil)

	out, err := p.Run(context.Background(), Input{Transcript: "add request logging"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Action != ActionPendingApproval {
		t.Fatalf("action = %v, want pending-approval", out.Action)
	}

	s, _ := store.Get(out.SessionID)
	if s.Status != session.StatusPendingApproval {
		t.Fatalf("status = %s", s.Status)
	}
	if s.Agent.PendingApproval == nil || s.Agent.PendingApproval.Transcript != "add request logging" {
		t.Fatalf("pending approval = %+v", s.Agent.PendingApproval)
	}
	if s.Agent.PendingApproval.RepoPath != "/repos/api" {
		t.Errorf("repo resolved after approval gate: %q", s.Agent.PendingApproval.RepoPath)
	}

	// Approval with an edited transcript dispatches the edit.
	out, err = p.Approve(context.Background(), out.SessionID, "add structured request logging")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if out.Action != ActionDispatched {
		t.Fatalf("action = %v, want dispatched", out.Action)
	}
	s, _ = store.Get(out.SessionID)
	if got := s.Agent.Messages[0].Content; got != "add structured request logging" {
		t.Errorf("prompt = %q", got)
	}
}

func TestResolveModelAuto(t *testing.T) {
	settings := baseSettings()
	settings.Model = config.ModelAuto
	advisor := &stubAdvisor{
		model: llm.ModelRecommendation{RecommendedModel: "opus", SuggestedThinking: "think"},
	}
	repos := []config.Repo{{Name: "api", Path: "/repos/api"}}
	p, store := newTestPipeline(t, settings, repos, advisor)

	out, err := p.Run(context.Background(), Input{Transcript: "rework the whole storage layer"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	s, _ := store.Get(out.SessionID)
	if s.Agent.Model != "claude-opus-4" {
		t.Errorf("model = %q, want claude-opus-4", s.Agent.Model)
	}
	if s.Agent.Model == config.ModelAuto || strings.Contains(s.Agent.Model, "auto") {
		t.Error("auto sentinel forwarded to worker")
	}
	if s.Agent.Thinking != config.ThinkingOn {
		t.Errorf("thinking = %q, want on", s.Agent.Thinking)
	}
}

func TestResolveModelRecommendationFailureFallsBack(t *testing.T) {
	settings := baseSettings()
	settings.Model = config.ModelAuto
	advisor := &stubAdvisor{modelErr: errors.New("timeout")}
	repos := []config.Repo{{Name: "api", Path: "/repos/api"}}
	p, store := newTestPipeline(t, settings, repos, advisor)

	out, err := p.Run(context.Background(), Input{Transcript: "small tweak"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	s, _ := store.Get(out.SessionID)
	if s.Agent.Model != "claude-haiku-3" {
		t.Errorf("model = %q, want first enabled fallback", s.Agent.Model)
	}
}

func TestSendPromptFollowUpFromIdle(t *testing.T) {
	repos := []config.Repo{{Name: "api", Path: "/repos/api"}}
	p, store := newTestPipeline(t, baseSettings(), repos, nil)

	out, err := p.Run(context.Background(), Input{Transcript: "first task"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := store.Transition(out.SessionID, session.EventQueryCompleted); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	next, err := p.SendPrompt(context.Background(), out.SessionID, "second task", nil)
	if err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}
	if next.Generation != 2 {
		t.Errorf("generation = %d, want 2", next.Generation)
	}
	s, _ := store.Get(out.SessionID)
	if s.Status != session.StatusQuerying {
		t.Errorf("status = %s, want querying", s.Status)
	}
	if len(s.Agent.Messages) != 2 {
		t.Errorf("messages = %d, want 2", len(s.Agent.Messages))
	}
}

func TestAnalyzeCompletionRecordsOutcome(t *testing.T) {
	advisor := &stubAdvisor{
		outcome:  llm.OutcomeResult{Outcome: "parser bug fixed in lexer.go"},
		interact: llm.InteractionAnalysis{NeedsInteraction: true, WaitingFor: "approval to push"},
	}
	repos := []config.Repo{{Name: "api", Path: "/repos/api"}}
	p, store := newTestPipeline(t, baseSettings(), repos, advisor)

	out, err := p.Run(context.Background(), Input{Transcript: "fix the parser bug"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	id := out.SessionID
	if err := store.AppendMessage(id, session.Message{
		Kind: session.MsgAssistantText, Content: "Fixed. Push it?",
	}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	p.AnalyzeCompletion(id)

	s, _ := store.Get(id)
	if s.Agent.AIMetadata.Outcome != "parser bug fixed in lexer.go" {
		t.Errorf("outcome = %q", s.Agent.AIMetadata.Outcome)
	}
	if !s.Agent.AIMetadata.NeedsInteraction || s.Agent.AIMetadata.WaitingFor != "approval to push" {
		t.Errorf("interaction metadata = %+v", s.Agent.AIMetadata)
	}
}

func TestAnalyzeCompletionSkipsEmptyAssistantText(t *testing.T) {
	advisor := &stubAdvisor{outcome: llm.OutcomeResult{Outcome: "nothing happened"}}
	repos := []config.Repo{{Name: "api", Path: "/repos/api"}}
	p, store := newTestPipeline(t, baseSettings(), repos, advisor)

	out, err := p.Run(context.Background(), Input{Transcript: "fix the parser bug"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Only the user prompt is in the history; there is nothing to analyze.
	p.AnalyzeCompletion(out.SessionID)

	s, _ := store.Get(out.SessionID)
	if s.Agent.AIMetadata.Outcome != "" {
		t.Errorf("outcome = %q, want unset", s.Agent.AIMetadata.Outcome)
	}
}

func TestAnalyzeCompletionBothAnalysesFailing(t *testing.T) {
	advisor := &stubAdvisor{
		outcomeErr:  errors.New("timeout"),
		interactErr: errors.New("timeout"),
	}
	repos := []config.Repo{{Name: "api", Path: "/repos/api"}}
	p, store := newTestPipeline(t, baseSettings(), repos, advisor)

	out, err := p.Run(context.Background(), Input{Transcript: "fix the parser bug"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	id := out.SessionID
	if err := store.AppendMessage(id, session.Message{
		Kind: session.MsgAssistantText, Content: "Done.",
	}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	p.AnalyzeCompletion(id)

	s, _ := store.Get(id)
	if s.Agent.AIMetadata.Outcome != "" || s.Agent.AIMetadata.NeedsInteraction {
		t.Errorf("metadata written from failed analyses: %+v", s.Agent.AIMetadata)
	}
}

func TestSendPromptRejectsWorkingSession(t *testing.T) {
	repos := []config.Repo{{Name: "api", Path: "/repos/api"}}
	p, _ := newTestPipeline(t, baseSettings(), repos, nil)

	out, err := p.Run(context.Background(), Input{Transcript: "first task"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := p.SendPrompt(context.Background(), out.SessionID, "too eager", nil); err == nil {
		t.Fatal("expected error sending prompt to a querying session")
	}
}
