package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxd-app/voxd/internal/config"
	"github.com/voxd-app/voxd/internal/events"
	"github.com/voxd-app/voxd/internal/log"
)

var (
	// ErrNotFound is returned when no session exists for the given id.
	ErrNotFound = errors.New("session not found")

	// ErrInvalidTransition is returned for a status edge not in the
	// transition table. Callers must treat it as a logic bug, not a
	// recoverable condition.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// maxPTYBuffer caps the retained raw terminal output per PTY session.
const maxPTYBuffer = 64 * 1024

// Store is the single source of truth for session state. Mutations on the
// same session are serialized; mutations on different sessions do not block
// each other.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	bus      *events.Bus
	onRemove []func(id string)

	// now is the clock, replaceable in tests.
	now func() time.Time
}

type entry struct {
	mu sync.Mutex
	s  *Session
}

// NewStore creates a session store publishing lifecycle events on bus.
func NewStore(bus *events.Bus) *Store {
	return &Store{
		sessions: make(map[string]*entry),
		bus:      bus,
		now:      time.Now,
	}
}

// OnRemove registers a callback invoked after a session is removed from the
// store. The worker manager uses this to tear down its binding.
func (st *Store) OnRemove(fn func(id string)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.onRemove = append(st.onRemove, fn)
}

// CreateOptions configures session creation.
type CreateOptions struct {
	WorkingDirectory string
	Model            string
	Thinking         config.ThinkingLevel
	Prompt           string // PTY initial prompt

	// Initial overrides the default initial status. Only setup,
	// initializing and pending_transcription are valid starting points.
	Initial Status
}

// Create allocates a fresh session. It never fails: invalid initial
// statuses fall back to the kind's default.
func (st *Store) Create(kind Kind, opts CreateOptions) *Session {
	s := &Session{
		ID:               uuid.NewString(),
		Kind:             kind,
		WorkingDirectory: opts.WorkingDirectory,
		CreatedAt:        st.now(),
	}

	switch kind {
	case KindPTY:
		s.Status = StatusInitializing
		s.PTY = &PTYState{Prompt: opts.Prompt}
	default:
		s.Status = StatusSetup
		s.Agent = &AgentState{
			Model:    opts.Model,
			Thinking: opts.Thinking,
		}
	}

	switch opts.Initial {
	case StatusSetup, StatusInitializing, StatusPendingTranscription:
		s.Status = opts.Initial
		if opts.Initial == StatusPendingTranscription && s.Agent != nil {
			s.Agent.PendingTranscription = &PendingTranscription{}
		}
	}

	if s.Status.IsWorking() && s.Agent != nil {
		t := st.now()
		s.Agent.CurrentWorkStartedAt = &t
	}

	st.mu.Lock()
	st.sessions[s.ID] = &entry{s: s}
	st.mu.Unlock()

	st.bus.Publish(events.Event{Type: events.SessionCreated, SessionID: s.ID, Payload: s.Clone()})
	return s.Clone()
}

// Restore inserts a session loaded from a persisted snapshot. Working
// statuses do not survive a restart: the worker that produced them is gone,
// so they are sanitized to idle. Pending statuses are preserved.
func (st *Store) Restore(s *Session) *Session {
	restored := s.Clone()
	if restored.Status.IsWorking() {
		restored.Status = StatusIdle
		restored.StatusDetail = ""
	}
	if restored.Agent != nil && restored.Agent.CurrentWorkStartedAt != nil {
		// The open timer is meaningless after a restart; close it.
		restored.Agent.CurrentWorkStartedAt = nil
	}

	st.mu.Lock()
	st.sessions[restored.ID] = &entry{s: restored}
	st.mu.Unlock()

	st.bus.Publish(events.Event{Type: events.SessionCreated, SessionID: restored.ID, Payload: restored.Clone()})
	return restored.Clone()
}

// Get returns a copy of the session, or ErrNotFound.
func (st *Store) Get(id string) (*Session, error) {
	e, err := st.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.Clone(), nil
}

// List returns all sessions ordered by the given comparator, or by
// CreatedAt ascending when cmp is nil.
func (st *Store) List(cmp func(a, b *Session) bool) []*Session {
	st.mu.RLock()
	entries := make([]*entry, 0, len(st.sessions))
	for _, e := range st.sessions {
		entries = append(entries, e)
	}
	st.mu.RUnlock()

	out := make([]*Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.s.Clone())
		e.mu.Unlock()
	}

	if cmp == nil {
		cmp = func(a, b *Session) bool { return a.CreatedAt.Before(b.CreatedAt) }
	}
	sort.SliceStable(out, func(i, j int) bool { return cmp(out[i], out[j]) })
	return out
}

// Transition applies a state-machine event to the session.
func (st *Store) Transition(id string, event Event) (*Session, error) {
	return st.TransitionDetail(id, event, "")
}

// TransitionDetail applies a state-machine event, attaching detail (the
// running tool name or subagent type) when the target status carries one.
func (st *Store) TransitionDetail(id string, event Event, detail string) (*Session, error) {
	e, err := st.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	from := e.s.Status
	to, ok := next(from, event)
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s --%s--> ?", ErrInvalidTransition, from, event)
	}

	st.applyStatus(e.s, to, detail)
	snapshot := e.s.Clone()
	e.mu.Unlock()

	log.LogTransition(id, string(from), string(to))
	st.bus.Publish(events.Event{Type: events.StatusChanged, SessionID: id, Payload: string(to)})
	return snapshot, nil
}

// applyStatus sets the new status and maintains the derived state: the
// work timer, the pending fields, and the status detail. Caller holds the
// entry lock.
func (st *Store) applyStatus(s *Session, to Status, detail string) {
	from := s.Status

	if s.Agent != nil {
		// Close the open timer on every transition into a non-working
		// status; open a fresh one on every transition into a working one.
		switch {
		case from.IsWorking() && !to.IsWorking():
			if s.Agent.CurrentWorkStartedAt != nil {
				s.Agent.AccumulatedDurationMs += st.now().Sub(*s.Agent.CurrentWorkStartedAt).Milliseconds()
				s.Agent.CurrentWorkStartedAt = nil
			}
		case !from.IsWorking() && to.IsWorking():
			t := st.now()
			s.Agent.CurrentWorkStartedAt = &t
		}

		if from.IsPending() && !to.IsPending() {
			s.Agent.PendingRepo = nil
			s.Agent.PendingTranscription = nil
			s.Agent.PendingApproval = nil
		}
	}

	s.Status = to
	if to.HasDetail() {
		s.StatusDetail = detail
	} else {
		s.StatusDetail = ""
	}
}

// Remove deletes the session, notifies removal hooks and publishes the
// closed event. Removing an unknown id is a no-op.
func (st *Store) Remove(id string) {
	st.mu.Lock()
	_, existed := st.sessions[id]
	delete(st.sessions, id)
	hooks := append([]func(string){}, st.onRemove...)
	st.mu.Unlock()

	if !existed {
		return
	}
	for _, fn := range hooks {
		fn(id)
	}
	st.bus.Publish(events.Event{Type: events.SessionClosed, SessionID: id})
}

// --- Agent session mutations ---

// AppendMessage appends to the session's transcript, preserving emission
// order. The transcript is append-only.
func (st *Store) AppendMessage(id string, msg Message) error {
	return st.mutateAgent(id, func(a *AgentState) {
		if msg.Timestamp.IsZero() {
			msg.Timestamp = st.now()
		}
		a.Messages = append(a.Messages, msg)
	})
}

// ApplyProgressiveUsage overwrites the streaming token counters. It is a
// no-op once the final usage for the current query has been applied.
func (st *Store) ApplyProgressiveUsage(id string, u Usage) error {
	return st.mutateAgent(id, func(a *AgentState) {
		if a.Usage.Final {
			return
		}
		final := a.Usage.Final
		cost := a.Usage.CostUSD
		a.Usage = u
		a.Usage.Final = final
		if u.CostUSD == 0 {
			a.Usage.CostUSD = cost
		}
	})
}

// ApplyFinalUsage overwrites the usage with the authoritative final values.
// Final values supersede, never sum with, the last progressive snapshot;
// applying the same final usage twice leaves the aggregate unchanged.
func (st *Store) ApplyFinalUsage(id string, u Usage) error {
	return st.mutateAgent(id, func(a *AgentState) {
		a.Usage = u
		a.Usage.Final = true
	})
}

// BeginExchange resets the per-exchange fields at prompt-send time: the
// final-usage latch reopens and the completion-time metadata clears so the
// new exchange can write them once.
func (st *Store) BeginExchange(id string) error {
	return st.mutateAgent(id, func(a *AgentState) {
		a.Usage.Final = false
		a.AIMetadata.Outcome = ""
		a.AIMetadata.NeedsInteraction = false
		a.AIMetadata.WaitingFor = ""
		a.ErrorMsg = ""
	})
}

// SetModel changes the model used for the next dispatched query.
func (st *Store) SetModel(id, model string) error {
	return st.mutateAgent(id, func(a *AgentState) { a.Model = model })
}

// SetThinking changes the thinking level for the next dispatched query.
func (st *Store) SetThinking(id string, level config.ThinkingLevel) error {
	return st.mutateAgent(id, func(a *AgentState) { a.Thinking = level })
}

// SetWorkingDirectory sets the working directory for a session created
// before its repository was resolved. It is immutable once set.
func (st *Store) SetWorkingDirectory(id, dir string) error {
	e, err := st.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.WorkingDirectory != "" {
		return fmt.Errorf("session %s: working directory already set", id)
	}
	e.s.WorkingDirectory = dir
	return nil
}

// SetError records the human-readable failure reason.
func (st *Store) SetError(id, msg string) error {
	return st.mutateAgent(id, func(a *AgentState) { a.ErrorMsg = msg })
}

// SetPendingRepo attaches the pending repo selection. The session must be
// in pending_repo; the other pending fields must be empty.
func (st *Store) SetPendingRepo(id string, p PendingRepoSelection) error {
	return st.setPending(id, StatusPendingRepo, func(a *AgentState) {
		a.PendingRepo = &p
	})
}

// SetPendingTranscription attaches the pending transcription state. The
// session must be in pending_transcription or transcription_error.
func (st *Store) SetPendingTranscription(id string, p PendingTranscription) error {
	e, err := st.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.Agent == nil {
		return fmt.Errorf("session %s: not an agent session", id)
	}
	if e.s.Status != StatusPendingTranscription && e.s.Status != StatusTranscriptionError {
		return fmt.Errorf("session %s: status %s cannot hold a pending transcription", id, e.s.Status)
	}
	e.s.Agent.PendingRepo = nil
	e.s.Agent.PendingApproval = nil
	e.s.Agent.PendingTranscription = &p
	return nil
}

// SetPendingApproval attaches the pending approval prompt. The session must
// be in pending_approval; the other pending fields must be empty.
func (st *Store) SetPendingApproval(id string, p PendingApprovalPrompt) error {
	return st.setPending(id, StatusPendingApproval, func(a *AgentState) {
		a.PendingApproval = &p
	})
}

func (st *Store) setPending(id string, want Status, set func(*AgentState)) error {
	e, err := st.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.Agent == nil {
		return fmt.Errorf("session %s: not an agent session", id)
	}
	if e.s.Status != want {
		return fmt.Errorf("session %s: status %s cannot hold a %s payload", id, e.s.Status, want)
	}
	e.s.Agent.PendingRepo = nil
	e.s.Agent.PendingTranscription = nil
	e.s.Agent.PendingApproval = nil
	set(e.s.Agent)
	return nil
}

// SetAIName records the prompt-time metadata. Write-once: a name already
// set for the current exchange is kept.
func (st *Store) SetAIName(id, name, category string) error {
	return st.mutateAgent(id, func(a *AgentState) {
		if a.AIMetadata.Name == "" {
			a.AIMetadata.Name = name
		}
		if a.AIMetadata.Category == "" {
			a.AIMetadata.Category = category
		}
	})
}

// SetAIOutcome records the completion-time metadata. Write-once per
// exchange; BeginExchange clears it for the next prompt.
func (st *Store) SetAIOutcome(id, outcome string, needsInteraction bool, waitingFor string) error {
	return st.mutateAgent(id, func(a *AgentState) {
		if a.AIMetadata.Outcome == "" {
			a.AIMetadata.Outcome = outcome
			a.AIMetadata.NeedsInteraction = needsInteraction
			a.AIMetadata.WaitingFor = waitingFor
		}
	})
}

// --- PTY session mutations ---

// AppendPTYOutput appends raw terminal output to the retained buffer,
// trimming from the front past maxPTYBuffer.
func (st *Store) AppendPTYOutput(id string, data []byte) error {
	e, err := st.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.PTY == nil {
		return fmt.Errorf("session %s: not a pty session", id)
	}
	buf := e.s.PTY.OutputBuffer + string(data)
	if len(buf) > maxPTYBuffer {
		buf = buf[len(buf)-maxPTYBuffer:]
	}
	e.s.PTY.OutputBuffer = buf
	return nil
}

func (st *Store) mutateAgent(id string, fn func(*AgentState)) error {
	e, err := st.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.Agent == nil {
		return fmt.Errorf("session %s: not an agent session", id)
	}
	fn(e.s.Agent)
	return nil
}

func (st *Store) entry(id string) (*entry, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	e, ok := st.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}
