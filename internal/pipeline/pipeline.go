package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/voxd-app/voxd/internal/config"
	"github.com/voxd-app/voxd/internal/llm"
	"github.com/voxd-app/voxd/internal/log"
	"github.com/voxd-app/voxd/internal/session"
	"github.com/voxd-app/voxd/internal/worker"
)

// Advisor is the subset of the LLM feature client the pipeline consults.
// Every method is advisory: a failure degrades the step, never the
// transcript.
type Advisor interface {
	CleanTranscription(ctx context.Context, primary, secondary, repoContext string) (llm.CleanupResult, error)
	RecommendRepo(ctx context.Context, prompt string, repos []config.Repo, transcribed bool) (llm.RepoRecommendation, error)
	RecommendModel(ctx context.Context, prompt string) (llm.ModelRecommendation, error)
	SessionName(ctx context.Context, userPrompt string) (llm.NameResult, error)
	SessionOutcome(ctx context.Context, userPrompt, assistantText string) (llm.OutcomeResult, error)
	AnalyzeInteraction(ctx context.Context, lastMessage string) (llm.InteractionAnalysis, error)
}

// Action says where a transcript ended up.
type Action string

const (
	// ActionCancelled means the transcript was discarded by a cancel
	// command (or was empty after phrase stripping).
	ActionCancelled Action = "cancelled"

	// ActionTranscribe means the cleaned text should be injected as plain
	// text instead of creating a query.
	ActionTranscribe Action = "transcribe"

	// ActionPendingRepo means the session paused for repository selection.
	ActionPendingRepo Action = "pending-repo"

	// ActionPendingApproval means the session paused for user confirmation.
	ActionPendingApproval Action = "pending-approval"

	// ActionDispatched means a query was written to the worker.
	ActionDispatched Action = "dispatched"
)

// Input is one transcript entering the pipeline.
type Input struct {
	Transcript string

	// Secondary is an alternate transcription of the same audio, given to
	// the cleanup service for cross-referencing.
	Secondary string

	// SessionID resumes the session created when recording started. Empty
	// means the pipeline creates the session itself.
	SessionID string

	// WorkingDirectory pins the repository and skips repo resolution.
	WorkingDirectory string

	// Transcribed marks voice-originated text, which gets more aggressive
	// cleanup than typed text.
	Transcribed bool

	Attachments  []worker.Attachment
	SystemPrompt string
}

// Outcome reports the pipeline's terminal step for one input.
type Outcome struct {
	Action      Action
	SessionID   string
	Transcript  string
	Corrections []string
	Generation  uint64
}

// Pipeline drives a transcript from raw text to a dispatched query or a
// pending session.
type Pipeline struct {
	store    *session.Store
	workers  *worker.Manager
	settings *config.Settings
	repos    []config.Repo
	advisor  Advisor
}

// New builds a pipeline. advisor may be nil, which disables cleanup and
// both recommendation steps.
func New(store *session.Store, workers *worker.Manager, settings *config.Settings, repos []config.Repo, advisor Advisor) *Pipeline {
	return &Pipeline{
		store:    store,
		workers:  workers,
		settings: settings,
		repos:    repos,
		advisor:  advisor,
	}
}

// Run takes a finished transcript through voice-command detection, cleanup,
// repo resolution, the approval gate, model resolution and dispatch. Steps
// that pause return early with the pending action; the matching Resolve/
// Approve call continues from where Run stopped.
func (p *Pipeline) Run(ctx context.Context, in Input) (Outcome, error) {
	start := time.Now()

	det := DetectCommand(in.Transcript, p.settings.Voice)
	switch det.Command {
	case CmdCancel:
		if in.SessionID != "" {
			p.store.Remove(in.SessionID)
		}
		log.LogPipelineStep("voice-command", in.SessionID, time.Since(start), "cancel")
		return Outcome{Action: ActionCancelled, SessionID: in.SessionID}, nil

	case CmdTranscribe:
		text, corrections := p.cleanup(ctx, det.Cleaned, in.Secondary, in.WorkingDirectory)
		if in.SessionID != "" {
			p.store.Remove(in.SessionID)
		}
		log.LogPipelineStep("voice-command", in.SessionID, time.Since(start), "transcribe")
		return Outcome{Action: ActionTranscribe, Transcript: text, Corrections: corrections}, nil
	}

	transcript, corrections := p.cleanup(ctx, det.Cleaned, in.Secondary, in.WorkingDirectory)

	id := in.SessionID
	if id == "" {
		s := p.store.Create(session.KindAgent, session.CreateOptions{
			Model:    p.settings.Model,
			Thinking: config.ParseThinkingLevel(p.settings.Thinking),
			Initial:  session.StatusPendingTranscription,
		})
		id = s.ID
	}

	wd, paused, err := p.resolveRepo(ctx, id, transcript, in)
	if err != nil {
		return Outcome{}, err
	}
	if paused {
		log.LogPipelineStep("repo", id, time.Since(start), "paused")
		return Outcome{Action: ActionPendingRepo, SessionID: id, Transcript: transcript, Corrections: corrections}, nil
	}
	if wd != "" {
		if err := p.store.SetWorkingDirectory(id, wd); err != nil {
			return Outcome{}, err
		}
	}

	out, err := p.continueToDispatch(ctx, id, transcript, in, session.EventTranscriptResolved)
	if err != nil {
		return out, err
	}
	out.Corrections = corrections
	log.LogPipelineStep("pipeline", id, time.Since(start), string(out.Action))
	return out, nil
}

// ResolveRepo continues a session paused at pending_repo with the user's
// choice.
func (p *Pipeline) ResolveRepo(ctx context.Context, sessionID string, repoIndex int) (Outcome, error) {
	s, err := p.store.Get(sessionID)
	if err != nil {
		return Outcome{}, err
	}
	if s.Agent == nil || s.Agent.PendingRepo == nil {
		return Outcome{}, fmt.Errorf("session %s: no pending repo selection", sessionID)
	}
	if repoIndex < 0 || repoIndex >= len(p.repos) {
		return Outcome{}, fmt.Errorf("repo index %d out of range", repoIndex)
	}

	transcript := s.Agent.PendingRepo.Transcript
	if err := p.store.SetWorkingDirectory(sessionID, p.repos[repoIndex].Path); err != nil {
		return Outcome{}, err
	}
	return p.continueToDispatch(ctx, sessionID, transcript, Input{}, session.EventRepoResolved)
}

// Approve continues a session paused at pending_approval. An edited
// transcript, when non-empty, replaces the stored one.
func (p *Pipeline) Approve(ctx context.Context, sessionID, editedTranscript string) (Outcome, error) {
	s, err := p.store.Get(sessionID)
	if err != nil {
		return Outcome{}, err
	}
	if s.Agent == nil || s.Agent.PendingApproval == nil {
		return Outcome{}, fmt.Errorf("session %s: no pending approval", sessionID)
	}

	transcript := s.Agent.PendingApproval.Transcript
	if editedTranscript != "" {
		transcript = editedTranscript
	}
	return p.dispatch(ctx, sessionID, transcript, Input{}, session.EventApproved)
}

// Reject discards a session paused at pending_approval or pending_repo.
func (p *Pipeline) Reject(sessionID string) {
	p.store.Remove(sessionID)
}

// SendPrompt dispatches a typed prompt on an existing session: a setup
// session gets its first query, an idle or errored one gets a follow-up
// turn on the same worker conversation.
func (p *Pipeline) SendPrompt(ctx context.Context, sessionID, prompt string, attachments []worker.Attachment) (Outcome, error) {
	s, err := p.store.Get(sessionID)
	if err != nil {
		return Outcome{}, err
	}
	in := Input{Attachments: attachments}

	switch s.Status {
	case session.StatusSetup:
		return p.dispatch(ctx, sessionID, prompt, in, session.EventPromptProvided)
	case session.StatusIdle, session.StatusError:
		return p.dispatch(ctx, sessionID, prompt, in, "")
	default:
		return Outcome{}, fmt.Errorf("session %s: cannot send prompt while %s", sessionID, s.Status)
	}
}

// Cancel interrupts a session's in-flight query and discards any output
// still in flight from it.
func (p *Pipeline) Cancel(sessionID string) error {
	return p.workers.Cancel(sessionID)
}

// cleanup runs the optional transcription-cleanup step. Failures degrade
// to the raw transcript.
func (p *Pipeline) cleanup(ctx context.Context, transcript, secondary, wd string) (string, []string) {
	if !p.settings.Pipeline.CleanupEnabled || p.advisor == nil {
		return transcript, nil
	}

	start := time.Now()
	res, err := p.advisor.CleanTranscription(ctx, transcript, secondary, p.repoContextFor(wd))
	if err != nil {
		log.Logger().Warn("transcription cleanup failed, using raw transcript", zap.Error(err))
		return transcript, nil
	}
	if res.CleanedText == "" {
		return transcript, nil
	}

	corrections := res.CorrectionsMade
	if len(corrections) == 0 {
		corrections = deriveCorrections(transcript, res.CleanedText)
	}
	log.LogPipelineStep("cleanup", "", time.Since(start), fmt.Sprintf("%d corrections", len(corrections)))
	return res.CleanedText, corrections
}

// resolveRepo picks the session's working directory. It pauses the session
// at pending_repo (returning paused=true) whenever the choice cannot be
// made confidently without the user.
func (p *Pipeline) resolveRepo(ctx context.Context, id, transcript string, in Input) (wd string, paused bool, err error) {
	if in.WorkingDirectory != "" {
		return in.WorkingDirectory, false, nil
	}
	switch len(p.repos) {
	case 0:
		return "", false, nil
	case 1:
		return p.repos[0].Path, false, nil
	}

	rec := llm.RepoRecommendation{RecommendedIndex: -1}
	if p.settings.Pipeline.AutoRepo && p.advisor != nil && anyHasMetadata(p.repos) {
		got, recErr := p.advisor.RecommendRepo(ctx, transcript, p.repos, in.Transcribed)
		if recErr != nil {
			log.Logger().Warn("repo recommendation failed", zap.Error(recErr))
		} else {
			rec = got
		}
	}

	if !rec.None() && rec.Confidence.AtLeast(p.settings.RepoConfidenceMin()) {
		return p.repos[rec.RecommendedIndex].Path, false, nil
	}

	if _, err := p.store.Transition(id, session.EventAwaitRepo); err != nil {
		return "", false, err
	}
	if err := p.store.SetPendingRepo(id, session.PendingRepoSelection{
		Transcript:       transcript,
		RecommendedIndex: rec.RecommendedIndex,
		Confidence:       rec.Confidence,
		Reasoning:        rec.Reasoning,
	}); err != nil {
		return "", false, err
	}
	return "", true, nil
}

// continueToDispatch applies the approval gate, then dispatches. enter is
// the edge out of the current pending status when no gate applies.
func (p *Pipeline) continueToDispatch(ctx context.Context, id, transcript string, in Input, enter session.Event) (Outcome, error) {
	if p.settings.Pipeline.RequireApproval {
		s, err := p.store.Transition(id, session.EventAwaitApproval)
		if err != nil {
			return Outcome{}, err
		}
		if err := p.store.SetPendingApproval(id, session.PendingApprovalPrompt{
			Transcript: transcript,
			RepoPath:   s.WorkingDirectory,
			Model:      s.Agent.Model,
			Thinking:   s.Agent.Thinking,
		}); err != nil {
			return Outcome{}, err
		}
		return Outcome{Action: ActionPendingApproval, SessionID: id, Transcript: transcript}, nil
	}
	return p.dispatch(ctx, id, transcript, in, enter)
}

// dispatch resolves the concrete model, records the user turn, and hands
// the query to the worker. enter moves the session into initializing; an
// empty enter means the session is already idle or errored and goes
// straight to querying.
func (p *Pipeline) dispatch(ctx context.Context, id, transcript string, in Input, enter session.Event) (Outcome, error) {
	if enter != "" {
		if _, err := p.store.Transition(id, enter); err != nil {
			return Outcome{}, err
		}
	}

	model, thinking, err := p.resolveModel(ctx, id, transcript)
	if err != nil {
		return Outcome{}, err
	}

	if err := p.store.BeginExchange(id); err != nil {
		return Outcome{}, err
	}
	if err := p.store.AppendMessage(id, session.Message{
		Kind:      session.MsgUserPrompt,
		Content:   transcript,
		Timestamp: time.Now(),
	}); err != nil {
		return Outcome{}, err
	}

	accept := session.EventQueryAccepted
	if enter == "" {
		accept = session.EventNewQuery
	}
	if _, err := p.store.Transition(id, accept); err != nil {
		return Outcome{}, err
	}

	gen, err := p.workers.DispatchQuery(id, transcript, in.Attachments, worker.QueryConfig{
		Model:        model,
		Thinking:     thinking,
		SystemPrompt: in.SystemPrompt,
	})
	if err != nil {
		_ = p.store.SetError(id, err.Error())
		if _, terr := p.store.Transition(id, session.EventQueryFailed); terr != nil {
			log.Logger().Warn("failed to mark session errored", zap.String("session", id), zap.Error(terr))
		}
		return Outcome{}, err
	}

	if p.advisor != nil {
		go p.nameSession(id, transcript)
	}

	return Outcome{Action: ActionDispatched, SessionID: id, Transcript: transcript, Generation: gen}, nil
}

// resolveModel turns the session's configured model into a concrete
// identifier. "auto" consults the recommender; the sentinel itself is
// never forwarded to the worker.
func (p *Pipeline) resolveModel(ctx context.Context, id, transcript string) (string, config.ThinkingLevel, error) {
	s, err := p.store.Get(id)
	if err != nil {
		return "", "", err
	}

	model := s.Agent.Model
	if model == "" {
		model = p.settings.Model
	}
	thinking := s.Agent.Thinking
	if thinking == "" {
		thinking = config.ParseThinkingLevel(p.settings.Thinking)
	}

	if model == "" || model == config.ModelAuto {
		model = p.settings.FallbackModel()
		if p.advisor != nil {
			rec, recErr := p.advisor.RecommendModel(ctx, transcript)
			switch {
			case recErr != nil:
				log.Logger().Warn("model recommendation failed, using fallback",
					zap.String("fallback", model), zap.Error(recErr))
			case rec.RecommendedModel != "":
				model = p.matchModel(rec.RecommendedModel)
				if rec.SuggestedThinking != "" {
					thinking = rec.ThinkingLevel()
				}
			}
		}
	}

	if err := p.store.SetModel(id, model); err != nil {
		return "", "", err
	}
	if err := p.store.SetThinking(id, thinking); err != nil {
		return "", "", err
	}
	return model, thinking, nil
}

// matchModel maps a recommended category (haiku, sonnet, opus) onto the
// first enabled model identifier containing it.
func (p *Pipeline) matchModel(category string) string {
	category = strings.ToLower(strings.TrimSpace(category))
	for _, m := range p.settings.Models {
		if m != config.ModelAuto && strings.Contains(strings.ToLower(m), category) {
			return m
		}
	}
	return p.settings.FallbackModel()
}

// nameSession asks the naming service for prompt-time metadata. Runs off
// the request path; the client applies its own timeout.
func (p *Pipeline) nameSession(id, transcript string) {
	res, err := p.advisor.SessionName(context.Background(), transcript)
	if err != nil {
		log.Logger().Debug("session naming failed", zap.String("session", id), zap.Error(err))
		return
	}
	if res.Name == "" {
		return
	}
	if err := p.store.SetAIName(id, res.Name, res.Category); err != nil {
		log.Logger().Debug("session naming skipped", zap.String("session", id), zap.Error(err))
	}
}

// AnalyzeCompletion records outcome and interaction metadata for a session
// whose exchange just finished. Runs off the event path; the client applies
// its own timeout. Both analyses are advisory, a failure leaves the
// metadata unset.
func (p *Pipeline) AnalyzeCompletion(id string) {
	if p.advisor == nil {
		return
	}
	s, err := p.store.Get(id)
	if err != nil || s.Agent == nil {
		return
	}
	prompt, assistant := lastExchange(s.Agent.Messages)
	if assistant == "" {
		return
	}

	var outcome string
	res, err := p.advisor.SessionOutcome(context.Background(), prompt, assistant)
	if err != nil {
		log.Logger().Debug("outcome analysis failed", zap.String("session", id), zap.Error(err))
	} else {
		outcome = res.Outcome
	}

	var needs bool
	var waitingFor string
	ia, iaErr := p.advisor.AnalyzeInteraction(context.Background(), assistant)
	if iaErr != nil {
		log.Logger().Debug("interaction analysis failed", zap.String("session", id), zap.Error(iaErr))
	} else {
		needs = ia.NeedsInteraction
		waitingFor = ia.WaitingFor
	}

	if err != nil && iaErr != nil {
		return
	}
	if err := p.store.SetAIOutcome(id, outcome, needs, waitingFor); err != nil {
		log.Logger().Debug("completion metadata skipped", zap.String("session", id), zap.Error(err))
	}
}

// lastExchange pulls the final user prompt and the assistant text that
// followed it out of the message history.
func lastExchange(msgs []session.Message) (prompt, assistant string) {
	start := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Kind == session.MsgUserPrompt {
			prompt = msgs[i].Content
			start = i + 1
			break
		}
	}
	var parts []string
	for _, m := range msgs[start:] {
		if m.Kind == session.MsgAssistantText && m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	return prompt, strings.Join(parts, "\n\n")
}

// repoContextFor returns cleanup context (name, description, vocabulary)
// for the repo at wd, or for the only configured repo.
func (p *Pipeline) repoContextFor(wd string) string {
	var repo *config.Repo
	switch {
	case wd != "":
		for i := range p.repos {
			if p.repos[i].Path == wd {
				repo = &p.repos[i]
				break
			}
		}
	case len(p.repos) == 1:
		repo = &p.repos[0]
	}
	if repo == nil {
		return ""
	}

	parts := []string{repo.Name}
	if repo.Description != "" {
		parts = append(parts, repo.Description)
	}
	if len(repo.Vocabulary) > 0 {
		parts = append(parts, "Vocabulary: "+strings.Join(repo.Vocabulary, ", "))
	}
	return strings.Join(parts, ". ")
}

func anyHasMetadata(repos []config.Repo) bool {
	for _, r := range repos {
		if r.HasMetadata() {
			return true
		}
	}
	return false
}
