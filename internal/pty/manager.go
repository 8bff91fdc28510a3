// Package pty runs terminal sessions: a CLI tool spawned under a real
// pseudo-terminal, with its raw output streamed through the event bus and
// retained in the session's output buffer.
package pty

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/voxd-app/voxd/internal/events"
	"github.com/voxd-app/voxd/internal/log"
	"github.com/voxd-app/voxd/internal/session"
)

const (
	defaultRows uint16 = 24
	defaultCols uint16 = 80
)

// StartOptions configures a terminal session.
type StartOptions struct {
	Command          string
	Args             []string
	WorkingDirectory string

	// Prompt, when non-empty, is written to the terminal once the spawned
	// program produces its first output.
	Prompt string

	Rows, Cols uint16
	Env        map[string]string
}

// Manager owns the PTY processes behind terminal sessions.
type Manager struct {
	store *session.Store
	bus   *events.Bus

	mu    sync.Mutex
	procs map[string]*ptyProc
}

type ptyProc struct {
	ptmx      *os.File
	cmd       *exec.Cmd
	closed    chan struct{}
	closeOnce sync.Once
}

func NewManager(store *session.Store, bus *events.Bus) *Manager {
	m := &Manager{
		store: store,
		bus:   bus,
		procs: make(map[string]*ptyProc),
	}
	store.OnRemove(m.release)
	return m
}

// Start spawns the command under a PTY and creates its session. The
// session is removed again if the spawn fails.
func (m *Manager) Start(opts StartOptions) (*session.Session, error) {
	if opts.Command == "" {
		return nil, fmt.Errorf("pty: no command given")
	}

	s := m.store.Create(session.KindPTY, session.CreateOptions{
		WorkingDirectory: opts.WorkingDirectory,
		Prompt:           opts.Prompt,
	})

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.WorkingDirectory
	cmd.Env = append(os.Environ(), "TERM=xterm-256color", "COLORTERM=truecolor")
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		m.store.Remove(s.ID)
		return nil, fmt.Errorf("pty: start %s: %w", opts.Command, err)
	}

	rows, cols := opts.Rows, opts.Cols
	if rows == 0 {
		rows = defaultRows
	}
	if cols == 0 {
		cols = defaultCols
	}
	_ = pty.Setsize(ptmx, &pty.Winsize{Rows: rows, Cols: cols})

	p := &ptyProc{ptmx: ptmx, cmd: cmd, closed: make(chan struct{})}
	m.mu.Lock()
	m.procs[s.ID] = p
	m.mu.Unlock()

	if _, err := m.store.Transition(s.ID, session.EventPTYStarted); err != nil {
		log.Logger().Warn("pty session transition failed", zap.String("session", s.ID), zap.Error(err))
	}

	go m.readLoop(s.ID, p, opts.Prompt)
	go m.waitForExit(s.ID, p)

	return s, nil
}

// Write sends input bytes to the terminal.
func (m *Manager) Write(id string, data []byte) error {
	p, err := m.proc(id)
	if err != nil {
		return err
	}
	select {
	case <-p.closed:
		return fmt.Errorf("pty: session %s closed", id)
	default:
	}
	_, err = p.ptmx.Write(data)
	return err
}

// Resize changes the terminal window size.
func (m *Manager) Resize(id string, rows, cols uint16) error {
	p, err := m.proc(id)
	if err != nil {
		return err
	}
	return pty.Setsize(p.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// Close terminates the process behind the session. The session itself
// stays in the store, in done status, until removed.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	p := m.procs[id]
	m.mu.Unlock()
	if p != nil {
		p.close()
	}
}

// Shutdown terminates every terminal process.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	procs := make([]*ptyProc, 0, len(m.procs))
	for _, p := range m.procs {
		procs = append(procs, p)
	}
	m.mu.Unlock()
	for _, p := range procs {
		p.close()
	}
}

func (m *Manager) proc(id string) (*ptyProc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[id]
	if !ok {
		return nil, fmt.Errorf("pty: %w: %s", session.ErrNotFound, id)
	}
	return p, nil
}

// release is the store removal hook: a removed session takes its process
// down with it.
func (m *Manager) release(id string) {
	m.Close(id)
	m.mu.Lock()
	delete(m.procs, id)
	m.mu.Unlock()
}

// readLoop copies terminal output into the session buffer and onto the
// bus. The initial prompt, if any, is written once the program has
// produced its first output, which is the closest portable signal that
// the shell or CLI is ready for input.
func (m *Manager) readLoop(id string, p *ptyProc, prompt string) {
	var promptOnce sync.Once
	buf := make([]byte, 4096)

	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := m.store.AppendPTYOutput(id, chunk); err != nil {
				log.Logger().Debug("pty output dropped", zap.String("session", id), zap.Error(err))
			}
			m.bus.Publish(events.Event{
				Type:      events.TerminalOutput,
				SessionID: id,
				Timestamp: time.Now(),
				Payload:   string(chunk),
			})

			if prompt != "" {
				promptOnce.Do(func() {
					go m.sendPrompt(id, p, prompt)
				})
			}
		}
		if err != nil {
			p.close()
			return
		}
	}
}

// sendPrompt writes the auto-send prompt followed by a carriage return,
// after a short settle delay so line editors have drawn their prompt.
func (m *Manager) sendPrompt(id string, p *ptyProc, prompt string) {
	select {
	case <-p.closed:
		return
	case <-time.After(300 * time.Millisecond):
	}
	if _, err := p.ptmx.Write([]byte(prompt + "\r")); err != nil {
		log.Logger().Warn("pty prompt auto-send failed", zap.String("session", id), zap.Error(err))
	}
}

func (m *Manager) waitForExit(id string, p *ptyProc) {
	err := p.cmd.Wait()
	p.close()

	if _, terr := m.store.Transition(id, session.EventProcessExited); terr != nil {
		log.Logger().Debug("pty exit transition skipped", zap.String("session", id), zap.Error(terr))
	}

	detail := "exit"
	if err != nil {
		detail = err.Error()
	}
	m.bus.Publish(events.Event{
		Type:      events.TerminalClosed,
		SessionID: id,
		Timestamp: time.Now(),
		Payload:   detail,
	})
}

func (p *ptyProc) close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		_ = p.ptmx.Close()
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
	})
}
