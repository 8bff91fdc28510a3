package transcribe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/voxd-app/voxd/internal/log"
	"github.com/voxd-app/voxd/internal/session"
)

// Manager ties realtime recognition streams to sessions. A session is
// created in pending_transcription the moment recording starts, so the
// user sees it immediately; partial results land in the session's pending
// payload as they arrive.
//
// Captured audio is kept for the life of the recording. When the stream
// fails, the audio is spooled to disk and its path recorded on the
// session, so Retry can re-submit the same utterance through the batch
// endpoint instead of asking the user to say it again.
type Manager struct {
	store      *session.Store
	endpoint   string
	sampleRate int
	batch      *BatchClient
	spoolDir   string

	mu      sync.Mutex
	streams map[string]*boundStream
}

// Options configures a Manager.
type Options struct {
	// Endpoint is the realtime recognizer WebSocket URL.
	Endpoint string

	// SampleRate is the PCM rate of incoming audio frames.
	SampleRate int

	// Batch handles stored-audio retries. May be nil, which disables them.
	Batch *BatchClient

	// SpoolDir is where failed recordings are kept for retry. Empty
	// disables spooling.
	SpoolDir string
}

type boundStream struct {
	stream  *Stream
	final   chan string
	samples []int16 // guarded by Manager.mu
}

func NewManager(store *session.Store, opts Options) *Manager {
	m := &Manager{
		store:      store,
		endpoint:   opts.Endpoint,
		sampleRate: opts.SampleRate,
		batch:      opts.Batch,
		spoolDir:   opts.SpoolDir,
		streams:    make(map[string]*boundStream),
	}
	store.OnRemove(m.release)
	return m
}

// Begin opens a recognition stream and its session. The returned id is
// handed back to Finish (or Abort) when recording stops.
func (m *Manager) Begin(ctx context.Context) (string, error) {
	stream, err := Dial(ctx, m.endpoint, m.sampleRate)
	if err != nil {
		return "", err
	}

	s := m.store.Create(session.KindAgent, session.CreateOptions{
		Initial: session.StatusPendingTranscription,
	})

	b := &boundStream{stream: stream, final: make(chan string, 1)}
	m.mu.Lock()
	m.streams[s.ID] = b
	m.mu.Unlock()

	go m.consume(s.ID, b)
	return s.ID, nil
}

// SendAudio forwards one PCM frame for the session's stream and keeps a
// copy for retry.
func (m *Manager) SendAudio(id string, samples []int16) error {
	m.mu.Lock()
	b, ok := m.streams[id]
	if ok {
		b.samples = append(b.samples, samples...)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("transcribe: %w: %s", session.ErrNotFound, id)
	}
	return b.stream.SendAudio(samples)
}

// Finish ends the utterance and waits for the final transcript. A stream
// failure moves the session to transcription_error with the recording
// spooled for retry, and returns the cause; the session survives.
func (m *Manager) Finish(ctx context.Context, id string) (string, error) {
	b, err := m.bound(id)
	if err != nil {
		return "", err
	}

	if err := b.stream.SendEOF(); err != nil {
		m.drop(id)
		_ = b.stream.Close()
		return "", m.fail(id, m.spool(id, m.captured(b)), err)
	}

	select {
	case text, ok := <-b.final:
		m.drop(id)
		_ = b.stream.Close()
		if !ok {
			streamErr := b.stream.Err()
			if streamErr == nil {
				streamErr = fmt.Errorf("transcribe: stream ended without a final result")
			}
			return "", m.fail(id, m.spool(id, m.captured(b)), streamErr)
		}
		return text, nil
	case <-ctx.Done():
		m.drop(id)
		_ = b.stream.Close()
		return "", m.fail(id, m.spool(id, m.captured(b)), ctx.Err())
	}
}

// Abort discards the recording and its session.
func (m *Manager) Abort(id string) {
	m.store.Remove(id)
}

// Retry re-submits the spooled recording of a session stuck in
// transcription_error through the batch endpoint and returns the
// transcript. The spool file is consumed on success.
func (m *Manager) Retry(ctx context.Context, id string) (string, error) {
	s, err := m.store.Get(id)
	if err != nil {
		return "", err
	}
	var audioPath string
	if s.Agent != nil && s.Agent.PendingTranscription != nil {
		audioPath = s.Agent.PendingTranscription.AudioPath
	}
	if audioPath == "" {
		return "", fmt.Errorf("transcribe: no stored audio for %s", id)
	}
	if m.batch == nil {
		return "", fmt.Errorf("transcribe: no batch endpoint configured")
	}

	if _, err := m.store.Transition(id, session.EventRetryTranscription); err != nil {
		return "", err
	}

	audio, err := os.ReadFile(audioPath)
	if err != nil {
		return "", m.fail(id, audioPath, err)
	}
	text, err := m.batch.Transcribe(ctx, audio)
	if err != nil {
		return "", m.fail(id, audioPath, err)
	}

	if err := os.Remove(audioPath); err != nil {
		log.Logger().Debug("spooled audio cleanup failed",
			zap.String("session", id), zap.Error(err))
	}
	return text, nil
}

// consume surfaces partials into the session and captures the final text
// for Finish.
func (m *Manager) consume(id string, b *boundStream) {
	defer close(b.final)

	for res := range b.stream.Results() {
		if res.Final {
			b.final <- res.Text
			return
		}
		err := m.store.SetPendingTranscription(id, session.PendingTranscription{Partial: res.Text})
		if err != nil {
			log.Logger().Debug("dropping partial transcript",
				zap.String("session", id), zap.Error(err))
		}
	}
}

// fail parks the session in transcription_error with the cause and the
// spooled audio path attached.
func (m *Manager) fail(id, audioPath string, cause error) error {
	if _, err := m.store.Transition(id, session.EventTranscriptionFailed); err != nil {
		log.Logger().Warn("transcription failure transition skipped",
			zap.String("session", id), zap.Error(err))
	}
	pending := session.PendingTranscription{
		AudioPath: audioPath,
		ErrorMsg:  cause.Error(),
	}
	if err := m.store.SetPendingTranscription(id, pending); err != nil {
		log.Logger().Debug("pending transcription update skipped",
			zap.String("session", id), zap.Error(err))
	}
	return cause
}

// spool writes the captured recording as a WAV keyed by session id.
// Returns the file path, or "" when there is nothing to keep.
func (m *Manager) spool(id string, samples []int16) string {
	if len(samples) == 0 || m.spoolDir == "" {
		return ""
	}
	if err := os.MkdirAll(m.spoolDir, 0o755); err != nil {
		log.Logger().Warn("audio spool dir unavailable",
			zap.String("dir", m.spoolDir), zap.Error(err))
		return ""
	}
	path := filepath.Join(m.spoolDir, id+".wav")
	if err := os.WriteFile(path, EncodeWAV(samples, m.sampleRate), 0o644); err != nil {
		log.Logger().Warn("audio spool write failed",
			zap.String("path", path), zap.Error(err))
		return ""
	}
	return path
}

func (m *Manager) captured(b *boundStream) []int16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return b.samples
}

func (m *Manager) bound(id string) (*boundStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.streams[id]
	if !ok {
		return nil, fmt.Errorf("transcribe: %w: %s", session.ErrNotFound, id)
	}
	return b, nil
}

func (m *Manager) drop(id string) {
	m.mu.Lock()
	delete(m.streams, id)
	m.mu.Unlock()
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	b := m.streams[id]
	delete(m.streams, id)
	m.mu.Unlock()
	if b != nil {
		_ = b.stream.Close()
	}
}
