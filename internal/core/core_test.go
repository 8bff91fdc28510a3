package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/voxd-app/voxd/internal/config"
	"github.com/voxd-app/voxd/internal/events"
	"github.com/voxd-app/voxd/internal/llm"
	"github.com/voxd-app/voxd/internal/session"
)

func testOptions(dir string) Options {
	return Options{
		Settings: &config.Settings{
			Model:  "claude-sonnet-4",
			Models: []string{"claude-sonnet-4"},
			Worker: config.WorkerSettings{Command: "cat"},
		},
		SnapshotDir: dir,
	}
}

func newTestApp(t *testing.T, dir string) *App {
	t.Helper()
	app, err := New(testOptions(dir))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(app.Shutdown)
	return app
}

func waitForFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("snapshot %s never appeared", path)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSettledStatusTriggersSnapshot(t *testing.T) {
	dir := t.TempDir()
	app := newTestApp(t, dir)

	s := app.Store.Create(session.KindAgent, session.CreateOptions{Model: "claude-sonnet-4"})
	for _, ev := range []session.Event{
		session.EventPromptProvided,
		session.EventQueryAccepted,
		session.EventQueryCompleted,
	} {
		if _, err := app.Store.Transition(s.ID, ev); err != nil {
			t.Fatalf("Transition(%s): %v", ev, err)
		}
	}

	waitForFile(t, filepath.Join(dir, s.ID+".json"))
}

func TestCloseClearsSnapshot(t *testing.T) {
	dir := t.TempDir()
	app := newTestApp(t, dir)

	s := app.Store.Create(session.KindAgent, session.CreateOptions{})
	for _, ev := range []session.Event{
		session.EventPromptProvided,
		session.EventQueryAccepted,
		session.EventQueryCompleted,
	} {
		if _, err := app.Store.Transition(s.ID, ev); err != nil {
			t.Fatalf("Transition(%s): %v", ev, err)
		}
	}
	path := filepath.Join(dir, s.ID+".json")
	waitForFile(t, path)

	app.Close(s.ID)

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("snapshot not cleared after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRestoreSanitizesWorkingSessions(t *testing.T) {
	dir := t.TempDir()

	first, err := New(testOptions(dir))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s := first.Store.Create(session.KindAgent, session.CreateOptions{Model: "claude-sonnet-4"})
	if _, err := first.Store.Transition(s.ID, session.EventPromptProvided); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if _, err := first.Store.Transition(s.ID, session.EventQueryAccepted); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if err := first.Store.AppendMessage(s.ID, session.Message{
		Kind:      session.MsgUserPrompt,
		Content:   "finish the report",
		Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	// Shutdown snapshots the session while it is still querying.
	first.Shutdown()

	second := newTestApp(t, dir)
	if err := second.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	got, err := second.Store.Get(s.ID)
	if err != nil {
		t.Fatalf("Get after restore: %v", err)
	}
	if got.Status != session.StatusIdle {
		t.Errorf("status = %s, want idle", got.Status)
	}
	if got.Agent.CurrentWorkStartedAt != nil {
		t.Error("work timer survived restore")
	}
	if len(got.Agent.Messages) != 1 || got.Agent.Messages[0].Content != "finish the report" {
		t.Errorf("messages = %+v", got.Agent.Messages)
	}
}

// fixedAdvisor serves canned completion analyses; the prompt-time advisory
// steps return zero values and degrade gracefully.
type fixedAdvisor struct {
	outcome  llm.OutcomeResult
	interact llm.InteractionAnalysis
}

func (a *fixedAdvisor) CleanTranscription(context.Context, string, string, string) (llm.CleanupResult, error) {
	return llm.CleanupResult{}, nil
}

func (a *fixedAdvisor) RecommendRepo(context.Context, string, []config.Repo, bool) (llm.RepoRecommendation, error) {
	return llm.RepoRecommendation{}, nil
}

func (a *fixedAdvisor) RecommendModel(context.Context, string) (llm.ModelRecommendation, error) {
	return llm.ModelRecommendation{}, nil
}

func (a *fixedAdvisor) SessionName(context.Context, string) (llm.NameResult, error) {
	return llm.NameResult{}, nil
}

func (a *fixedAdvisor) SessionOutcome(context.Context, string, string) (llm.OutcomeResult, error) {
	return a.outcome, nil
}

func (a *fixedAdvisor) AnalyzeInteraction(context.Context, string) (llm.InteractionAnalysis, error) {
	return a.interact, nil
}

func TestQueryDoneTriggersCompletionAnalysis(t *testing.T) {
	opts := testOptions(t.TempDir())
	opts.Advisor = &fixedAdvisor{
		outcome:  llm.OutcomeResult{Outcome: "migration written and applied"},
		interact: llm.InteractionAnalysis{NeedsInteraction: false},
	}
	app, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(app.Shutdown)

	s := app.Store.Create(session.KindAgent, session.CreateOptions{Model: "claude-sonnet-4"})
	for _, ev := range []session.Event{
		session.EventPromptProvided,
		session.EventQueryAccepted,
		session.EventQueryCompleted,
	} {
		if _, err := app.Store.Transition(s.ID, ev); err != nil {
			t.Fatalf("Transition(%s): %v", ev, err)
		}
	}
	for _, msg := range []session.Message{
		{Kind: session.MsgUserPrompt, Content: "write the migration"},
		{Kind: session.MsgAssistantText, Content: "Migration written and applied."},
	} {
		if err := app.Store.AppendMessage(s.ID, msg); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	app.Bus.Publish(events.Event{Type: events.QueryDone, SessionID: s.ID})

	deadline := time.Now().Add(3 * time.Second)
	for {
		got, err := app.Store.Get(s.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Agent.AIMetadata.Outcome == "migration written and applied" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("completion metadata never recorded: %+v", got.Agent.AIMetadata)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTranscriberWiredFromSettings(t *testing.T) {
	opts := testOptions(t.TempDir())
	opts.Settings.Transcribe = config.TranscribeSettings{
		RealtimeEndpoint: "ws://localhost:2700",
		BatchEndpoint:    "http://localhost:8080/v1/audio/transcriptions",
	}
	opts.AudioDir = filepath.Join(t.TempDir(), "audio")

	app, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(app.Shutdown)
	if app.Transcriber == nil {
		t.Fatal("no transcriber despite configured endpoints")
	}

	bare := newTestApp(t, t.TempDir())
	if bare.Transcriber != nil {
		t.Error("transcriber present without any transcription endpoint")
	}
}

func TestRestoreWithoutBridgeIsNoop(t *testing.T) {
	app, err := New(Options{Settings: &config.Settings{Worker: config.WorkerSettings{Command: "cat"}}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(app.Shutdown)
	if err := app.Restore(context.Background()); err != nil {
		t.Errorf("Restore: %v", err)
	}
}
