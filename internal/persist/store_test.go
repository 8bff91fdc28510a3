package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/voxd-app/voxd/internal/session"
)

func newSnapshot(id string, createdAt time.Time) *session.Session {
	return &session.Session{
		ID:        id,
		Kind:      session.KindAgent,
		Status:    session.StatusIdle,
		CreatedAt: createdAt,
		Agent: &session.AgentState{
			Messages: []session.Message{
				{Kind: session.MsgUserPrompt, Content: "fix the tests"},
				{Kind: session.MsgAssistantText, Content: "Done."},
			},
			Usage: session.Usage{InputTokens: 250, OutputTokens: 90, CostUSD: 0.004, Final: true},
		},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	base := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	newer := newSnapshot("b", base.Add(time.Minute))
	older := newSnapshot("a", base)

	// Save order does not matter; LoadAll orders by creation time.
	if err := fs.Save(newer); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := fs.Save(older); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := fs.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("loaded = %+v", got)
	}

	s := got[0]
	if len(s.Agent.Messages) != 2 || s.Agent.Messages[0].Content != "fix the tests" {
		t.Errorf("messages = %+v", s.Agent.Messages)
	}
	if !s.Agent.Usage.Final || s.Agent.Usage.InputTokens != 250 {
		t.Errorf("usage = %+v", s.Agent.Usage)
	}
}

func TestLoadAllSkipsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	if err := fs.Save(newSnapshot("good", time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{garbage"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "empty-id.json"), []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a snapshot"), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := fs.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(got) != 1 || got[0].ID != "good" {
		t.Errorf("loaded = %+v", got)
	}
}

func TestLoadAllMissingDir(t *testing.T) {
	fs := &FileStore{baseDir: filepath.Join(t.TempDir(), "never-created")}
	got, err := fs.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if got != nil {
		t.Errorf("loaded = %+v, want nil", got)
	}
}

func TestClearIsIdempotent(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := fs.Save(newSnapshot("x", time.Now())); err != nil {
		t.Fatal(err)
	}

	if err := fs.Clear("x"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if err := fs.Clear("x"); err != nil {
		t.Fatalf("second Clear: %v", err)
	}

	got, err := fs.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("loaded = %+v", got)
	}
}

func TestSaveTrimsOldSnapshots(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	base := time.Now()
	for i := 0; i < MaxSnapshots+5; i++ {
		id := fmt.Sprintf("s%03d", i)
		if err := fs.Save(newSnapshot(id, base)); err != nil {
			t.Fatal(err)
		}
		// Distinct mtimes so the trim order is deterministic.
		past := base.Add(time.Duration(i-MaxSnapshots-5) * time.Minute)
		if err := os.Chtimes(filepath.Join(dir, id+".json"), past, past); err != nil {
			t.Fatal(err)
		}
	}

	// One more save triggers the trim.
	if err := fs.Save(newSnapshot("latest", base)); err != nil {
		t.Fatal(err)
	}

	got, err := fs.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != MaxSnapshots {
		t.Fatalf("kept %d snapshots, want %d", len(got), MaxSnapshots)
	}

	byID := make(map[string]bool, len(got))
	for _, s := range got {
		byID[s.ID] = true
	}
	if !byID["latest"] {
		t.Error("newest snapshot trimmed")
	}
	if byID["s000"] {
		t.Error("oldest snapshot kept")
	}
}
