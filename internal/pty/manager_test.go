package pty

import (
	"strings"
	"testing"
	"time"

	"github.com/voxd-app/voxd/internal/events"
	"github.com/voxd-app/voxd/internal/session"
)

func newTestManager(t *testing.T) (*Manager, *session.Store, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	store := session.NewStore(bus)
	m := NewManager(store, bus)
	t.Cleanup(m.Shutdown)
	return m, store, bus
}

func waitClosed(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for terminal close")
		return events.Event{}
	}
}

func TestStartStreamsOutputAndRecordsExit(t *testing.T) {
	m, store, bus := newTestManager(t)
	closed, cancel := bus.Subscribe("", events.TerminalClosed)
	defer cancel()

	s, err := m.Start(StartOptions{Command: "sh", Args: []string{"-c", "echo hello-pty"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.Kind != session.KindPTY {
		t.Fatalf("kind = %s", s.Kind)
	}

	ev := waitClosed(t, closed)
	if ev.SessionID != s.ID {
		t.Fatalf("closed event for %q, want %q", ev.SessionID, s.ID)
	}

	// The exit transition and the close event are published by the same
	// goroutine; only the buffer write races with the waiter, so poll
	// briefly for the output.
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := store.Get(s.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if strings.Contains(got.PTY.OutputBuffer, "hello-pty") {
			if got.Status != session.StatusDone {
				t.Errorf("status = %s, want done", got.Status)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("output %q never contained hello-pty", got.PTY.OutputBuffer)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWriteReachesProcess(t *testing.T) {
	m, store, bus := newTestManager(t)
	closed, cancel := bus.Subscribe("", events.TerminalClosed)
	defer cancel()

	s, err := m.Start(StartOptions{Command: "sh", Args: []string{"-c", "read line; echo got-$line"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Write(s.ID, []byte("input\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	waitClosed(t, closed)

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := store.Get(s.ID)
		if strings.Contains(got.PTY.OutputBuffer, "got-input") {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("output = %q", got.PTY.OutputBuffer)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCloseTerminatesProcess(t *testing.T) {
	m, store, bus := newTestManager(t)
	closed, cancel := bus.Subscribe("", events.TerminalClosed)
	defer cancel()

	s, err := m.Start(StartOptions{Command: "sh", Args: []string{"-c", "sleep 30"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	m.Close(s.ID)

	waitClosed(t, closed)
	got, err := store.Get(s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != session.StatusDone {
		t.Errorf("status = %s, want done", got.Status)
	}

	if err := m.Write(s.ID, []byte("x")); err == nil {
		t.Error("Write after Close should fail")
	}
}

func TestStartFailureRemovesSession(t *testing.T) {
	m, store, _ := newTestManager(t)

	before := len(store.List(nil))
	if _, err := m.Start(StartOptions{Command: "/nonexistent/definitely-not-a-binary"}); err == nil {
		t.Fatal("expected spawn error")
	}
	if got := len(store.List(nil)); got != before {
		t.Errorf("session leaked: %d sessions", got)
	}
}
