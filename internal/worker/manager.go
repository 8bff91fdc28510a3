package worker

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/voxd-app/voxd/internal/config"
	"github.com/voxd-app/voxd/internal/events"
	"github.com/voxd-app/voxd/internal/log"
	"github.com/voxd-app/voxd/internal/session"
)

// ErrWorkerUnavailable means the worker subprocess failed to start, or died
// and the single respawn attempt failed. It is not retried automatically.
var ErrWorkerUnavailable = errors.New("worker unavailable")

// maxScannerBuffer allows for large streamed messages (up to 10MB).
const maxScannerBuffer = 10 * 1024 * 1024

// process abstracts the spawned worker so tests can inject pipes.
type process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Wait() error
	Terminate()
}

// launcher spawns a worker process.
type launcher func() (process, error)

// binding tracks the worker-side state of one logical session: its query
// generation counter, whether a query is in flight, and whether the next
// dispatch must carry a restore preamble.
type binding struct {
	generation   uint64
	open         bool
	needsRestore bool
}

// QueryConfig is the per-dispatch configuration resolved by the pipeline.
type QueryConfig struct {
	Model        string
	Thinking     config.ThinkingLevel
	SystemPrompt string
}

// Manager owns the worker subprocess lifecycle and multiplexes sessions
// over its stdio streams. The input stream is one byte stream: all writes
// are serialized even though logically independent.
type Manager struct {
	store *session.Store
	bus   *events.Bus

	launch launcher

	mu       sync.Mutex
	proc     process
	alive    bool
	fatal    bool // respawn already failed; crash-looping is not retried
	bindings map[string]*binding

	writeMu sync.Mutex
	stdin   io.WriteCloser

	readDone chan struct{}
}

// NewManager creates a worker manager spawning the configured command.
func NewManager(store *session.Store, bus *events.Bus, settings config.WorkerSettings, env map[string]string) *Manager {
	m := &Manager{
		store:    store,
		bus:      bus,
		bindings: make(map[string]*binding),
	}
	m.launch = func() (process, error) {
		return launchCommand(settings.Command, settings.Args, env)
	}
	store.OnRemove(m.Release)
	return m
}

// newManagerWithLauncher is the test seam.
func newManagerWithLauncher(store *session.Store, bus *events.Bus, launch launcher) *Manager {
	m := &Manager{
		store:    store,
		bus:      bus,
		bindings: make(map[string]*binding),
		launch:   launch,
	}
	store.OnRemove(m.Release)
	return m
}

// EnsureStarted spawns the worker if it is not running. A dead worker gets
// exactly one immediate respawn per detection; once that fails the manager
// is fatal and every call returns ErrWorkerUnavailable.
func (m *Manager) EnsureStarted() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureStartedLocked()
}

func (m *Manager) ensureStartedLocked() error {
	if m.fatal {
		return fmt.Errorf("%w: previous respawn failed", ErrWorkerUnavailable)
	}
	if m.alive {
		return nil
	}

	proc, err := m.launch()
	if err != nil {
		m.fatal = true
		return fmt.Errorf("%w: %v", ErrWorkerUnavailable, err)
	}

	m.proc = proc
	m.stdin = proc.Stdin()
	m.alive = true
	m.readDone = make(chan struct{})

	go m.readLoop(proc, m.readDone)
	go m.waitForExit(proc)

	log.Logger().Info("worker started")
	return nil
}

// DispatchQuery increments the session's generation, writes one query
// message tagged with it, and returns the generation token. Dispatch is
// fire-and-forget: results arrive through the event stream.
func (m *Manager) DispatchQuery(sessionID, prompt string, attachments []Attachment, cfg QueryConfig) (uint64, error) {
	s, err := m.store.Get(sessionID)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	if err := m.ensureStartedLocked(); err != nil {
		m.mu.Unlock()
		return 0, err
	}
	b := m.bindingLocked(sessionID)
	b.generation++
	b.open = true
	gen := b.generation
	restore := b.needsRestore
	b.needsRestore = false
	m.mu.Unlock()

	msg := Outbound{
		Type:          TypeQuery,
		SessionID:     sessionID,
		Generation:    gen,
		Prompt:        prompt,
		Attachments:   attachments,
		Model:         cfg.Model,
		ThinkingLevel: string(cfg.Thinking),
		SystemPrompt:  cfg.SystemPrompt,
	}
	if restore && s.Agent != nil && len(s.Agent.Messages) > 0 {
		msg.RestoreContext = buildRestoreContext(s.Agent.Messages)
	}

	if err := m.writeLine(msg); err != nil {
		m.mu.Lock()
		b.open = false
		m.mu.Unlock()
		return 0, err
	}
	return gen, nil
}

// Cancel writes an interrupt tagged with the session's current generation
// and increments the counter immediately, so anything the worker still
// emits for the old generation is discarded as stale and new output is
// attributable to the next query.
func (m *Manager) Cancel(sessionID string) error {
	m.mu.Lock()
	b, ok := m.bindings[sessionID]
	if !ok || b.generation == 0 {
		m.mu.Unlock()
		return nil // nothing dispatched yet
	}
	gen := b.generation
	b.generation++
	b.open = false
	m.mu.Unlock()

	return m.writeLine(Outbound{
		Type:       TypeInterrupt,
		SessionID:  sessionID,
		Generation: gen,
	})
}

// Generation returns the session's current query generation.
func (m *Manager) Generation(sessionID string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bindings[sessionID]; ok {
		return b.generation
	}
	return 0
}

// MarkNeedsRestore flags a restored session so its next dispatch carries a
// context-injection preamble rebuilt from the persisted message history.
// The worker has no memory of the prior run.
func (m *Manager) MarkNeedsRestore(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindingLocked(sessionID).needsRestore = true
}

// Release tears down the worker binding for a removed session. An in-flight
// query is interrupted first so the worker stops spending on a session that
// no longer exists; anything it still emits for the old generation lands
// unbound and is dropped.
func (m *Manager) Release(sessionID string) {
	m.mu.Lock()
	b, ok := m.bindings[sessionID]
	interrupt := ok && b.open && b.generation > 0
	var gen uint64
	if interrupt {
		gen = b.generation
	}
	delete(m.bindings, sessionID)
	m.mu.Unlock()

	if !interrupt {
		return
	}
	err := m.writeLine(Outbound{
		Type:       TypeInterrupt,
		SessionID:  sessionID,
		Generation: gen,
	})
	if err != nil {
		log.Logger().Warn("interrupt on session close failed",
			zap.String("session", sessionID), zap.Error(err))
	}
}

// Shutdown terminates the worker process.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	proc := m.proc
	m.alive = false
	m.fatal = true
	done := m.readDone
	m.mu.Unlock()

	if proc != nil {
		proc.Terminate()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}
}

func (m *Manager) bindingLocked(sessionID string) *binding {
	b, ok := m.bindings[sessionID]
	if !ok {
		b = &binding{}
		m.bindings[sessionID] = b
	}
	return b
}

// writeLine serializes one outbound message onto the worker's stdin.
// Write failures are retried once immediately, then surfaced.
func (m *Manager) writeLine(msg Outbound) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal outbound message: %w", err)
	}
	data = append(data, '\n')

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	stdin := m.stdin
	m.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("%w: not started", ErrWorkerUnavailable)
	}

	log.LogWorkerLine("out", string(data))
	if _, err := stdin.Write(data); err != nil {
		if _, err2 := stdin.Write(data); err2 != nil {
			return fmt.Errorf("write to worker: %w", err2)
		}
	}
	return nil
}

// readLoop processes worker output one line at a time. Each line is handled
// fully, store mutation then fan-out, before the next line is read; this is
// what preserves per-session message ordering.
func (m *Manager) readLoop(proc process, done chan struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(proc.Stdout())
	scanner.Buffer(make([]byte, 0, 64*1024), maxScannerBuffer)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		log.LogWorkerLine("in", line)
		m.handleLine(line)
	}
}

// handleLine parses and applies one inbound line. Malformed lines are
// logged and skipped, never fatal to the manager.
func (m *Manager) handleLine(line string) {
	var msg Inbound
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		log.Logger().Warn("malformed worker message, skipping", zap.Error(err))
		return
	}
	if msg.SessionID == "" || msg.Type == "" {
		log.Logger().Warn("worker message missing session id or type, skipping")
		return
	}

	m.mu.Lock()
	b, bound := m.bindings[msg.SessionID]
	stale := bound && msg.Generation < b.generation
	m.mu.Unlock()

	if !bound {
		log.Logger().Debug("message for unbound session, skipping",
			zap.String("session", msg.SessionID))
		return
	}
	if stale {
		// Best-effort drain after cancel/retry: discarded before any
		// state mutation.
		log.Logger().Debug("stale generation, discarding",
			zap.String("session", msg.SessionID),
			zap.Uint64("generation", msg.Generation))
		return
	}

	m.applyMessage(msg)
}

func (m *Manager) applyMessage(msg Inbound) {
	id := msg.SessionID

	switch msg.Type {
	case TypeText:
		var p TextPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			log.Logger().Warn("bad text payload", zap.Error(err))
			return
		}
		m.append(id, session.Message{Kind: session.MsgAssistantText, Content: p.Content})
		m.transition(id, session.EventRespondingActivity, "")
		m.publish(events.AssistantText, id, p.Content)

	case TypeToolStart:
		var p ToolPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			log.Logger().Warn("bad tool payload", zap.Error(err))
			return
		}
		m.append(id, session.Message{Kind: session.MsgToolStart, Tool: p.Tool, Input: p.Input})
		m.transition(id, session.EventToolActivity, p.Tool)
		m.publish(events.ToolStart, id, p)

	case TypeToolResult:
		var p ToolPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			log.Logger().Warn("bad tool payload", zap.Error(err))
			return
		}
		m.append(id, session.Message{Kind: session.MsgToolResult, Tool: p.Tool, Output: p.Output})
		m.transition(id, session.EventStreamActivity, "")
		m.publish(events.ToolResult, id, p)

	case TypeProgressiveUsage:
		var p UsagePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			log.Logger().Warn("bad usage payload", zap.Error(err))
			return
		}
		if err := m.store.ApplyProgressiveUsage(id, p.Usage()); err != nil {
			log.Logger().Warn("progressive usage not applied", zap.Error(err))
			return
		}
		m.publish(events.ProgressiveUsage, id, p)

	case TypeFinalUsage:
		var p UsagePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			log.Logger().Warn("bad usage payload", zap.Error(err))
			return
		}
		if err := m.store.ApplyFinalUsage(id, p.Usage()); err != nil {
			log.Logger().Warn("final usage not applied", zap.Error(err))
			return
		}
		m.publish(events.FinalUsage, id, p)

	case TypeSubagentStart:
		var p SubagentPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			log.Logger().Warn("bad subagent payload", zap.Error(err))
			return
		}
		m.append(id, session.Message{Kind: session.MsgSubagentStart, AgentID: p.AgentID, AgentType: p.AgentType})
		m.transition(id, session.EventSubagentActivity, p.AgentType)
		m.publish(events.SubagentStart, id, p)

	case TypeSubagentStop:
		var p SubagentPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			log.Logger().Warn("bad subagent payload", zap.Error(err))
			return
		}
		m.append(id, session.Message{Kind: session.MsgSubagentStop, AgentID: p.AgentID})
		m.transition(id, session.EventStreamActivity, "")
		m.publish(events.SubagentStop, id, p)

	case TypeDone:
		m.append(id, session.Message{Kind: session.MsgDone})
		m.closeQuery(id)
		m.transition(id, session.EventQueryCompleted, "")
		m.publish(events.QueryDone, id, nil)

	case TypeError:
		var p ErrorPayload
		_ = json.Unmarshal(msg.Payload, &p)
		m.append(id, session.Message{Kind: session.MsgError, Content: p.Message})
		if err := m.store.SetError(id, p.Message); err != nil {
			log.Logger().Warn("error not recorded", zap.Error(err))
		}
		m.closeQuery(id)
		m.transition(id, session.EventQueryFailed, "")
		m.publish(events.QueryError, id, p.Message)

	default:
		log.Logger().Warn("unknown worker message type, skipping",
			zap.String("type", msg.Type))
	}
}

func (m *Manager) closeQuery(id string) {
	m.mu.Lock()
	if b, ok := m.bindings[id]; ok {
		b.open = false
	}
	m.mu.Unlock()
}

func (m *Manager) append(id string, msg session.Message) {
	if err := m.store.AppendMessage(id, msg); err != nil {
		log.Logger().Warn("message not appended", zap.Error(err))
	}
}

// transition applies a status event; an invalid edge here is logged and
// ignored rather than allowed to corrupt state.
func (m *Manager) transition(id string, event session.Event, detail string) {
	if _, err := m.store.TransitionDetail(id, event, detail); err != nil {
		if errors.Is(err, session.ErrInvalidTransition) {
			log.Logger().Debug("transition skipped", zap.String("session", id), zap.Error(err))
			return
		}
		log.Logger().Warn("transition failed", zap.String("session", id), zap.Error(err))
	}
}

func (m *Manager) publish(t events.Type, id string, payload any) {
	m.bus.Publish(events.Event{Type: t, SessionID: id, Payload: payload})
}

// waitForExit detects worker death: every session with an open generation
// on the dead instance is marked error, then one respawn is attempted.
func (m *Manager) waitForExit(proc process) {
	err := proc.Wait()

	m.mu.Lock()
	if m.proc != proc || !m.alive {
		// Already shut down or replaced.
		m.mu.Unlock()
		return
	}
	m.alive = false
	m.stdin = nil

	var orphaned []string
	for id, b := range m.bindings {
		if b.open {
			b.open = false
			orphaned = append(orphaned, id)
		}
	}
	m.mu.Unlock()

	log.Logger().Warn("worker process exited", zap.Error(err),
		zap.Int("orphanedSessions", len(orphaned)))

	for _, id := range orphaned {
		if err := m.store.SetError(id, "worker terminated"); err == nil {
			m.transition(id, session.EventQueryFailed, "")
			m.publish(events.QueryError, id, "worker terminated")
		}
	}

	// One immediate respawn attempt; a second failure is fatal and
	// surfaced to callers instead of silently crash-looping.
	m.mu.Lock()
	respawnErr := m.ensureStartedLocked()
	m.mu.Unlock()
	if respawnErr != nil {
		log.Logger().Error("worker respawn failed", zap.Error(respawnErr))
	}
}

// buildRestoreContext serializes prior message history into a preamble the
// worker injects ahead of the next query, so a worker with no memory of the
// prior run produces continuity-consistent responses.
func buildRestoreContext(messages []session.Message) string {
	var b strings.Builder
	b.WriteString("Prior conversation in this session:\n\n")
	for _, msg := range messages {
		switch msg.Kind {
		case session.MsgUserPrompt:
			fmt.Fprintf(&b, "[user]\n%s\n\n", msg.Content)
		case session.MsgAssistantText:
			fmt.Fprintf(&b, "[assistant]\n%s\n\n", msg.Content)
		case session.MsgToolStart:
			fmt.Fprintf(&b, "[tool %s called]\n", msg.Tool)
		case session.MsgToolResult:
			out := msg.Output
			if len(out) > 500 {
				out = out[:500] + "..."
			}
			fmt.Fprintf(&b, "[tool %s result]\n%s\n\n", msg.Tool, out)
		}
	}
	return b.String()
}

// --- exec-backed process ---

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader

	waitOnce sync.Once
	waitErr  error
}

func launchCommand(command string, args []string, env map[string]string) (process, error) {
	if command == "" {
		return nil, errors.New("no worker command configured")
	}

	cmd := exec.Command(command, args...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	// Process group for clean termination
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("start worker: %w", err)
	}

	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Wait() error           { return p.wait() }

// wait funnels every caller through a single cmd.Wait; exec.Cmd only
// tolerates one.
func (p *execProcess) wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
	})
	return p.waitErr
}

// Terminate closes stdin to signal EOF, then escalates SIGTERM to SIGKILL.
func (p *execProcess) Terminate() {
	p.stdin.Close()
	if p.cmd.Process == nil {
		return
	}
	p.cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		p.wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		p.cmd.Process.Kill()
	}
}
