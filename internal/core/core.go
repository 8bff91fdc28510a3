// Package core wires the session layer together: the dual-kind session
// store, the worker subprocess, the transcript pipeline, terminal sessions
// and snapshot persistence. It owns startup restore and shutdown ordering.
package core

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/voxd-app/voxd/internal/config"
	"github.com/voxd-app/voxd/internal/events"
	"github.com/voxd-app/voxd/internal/log"
	"github.com/voxd-app/voxd/internal/persist"
	"github.com/voxd-app/voxd/internal/pipeline"
	"github.com/voxd-app/voxd/internal/pty"
	"github.com/voxd-app/voxd/internal/session"
	"github.com/voxd-app/voxd/internal/transcribe"
	"github.com/voxd-app/voxd/internal/worker"
)

// restoreConcurrency bounds parallel snapshot loads at startup.
const restoreConcurrency = 8

// Options configures App construction.
type Options struct {
	Settings *config.Settings
	Repos    []config.Repo

	// SnapshotDir is where session snapshots live; empty disables
	// persistence.
	SnapshotDir string

	// AudioDir is where failed recordings are spooled for transcription
	// retry; empty disables spooling.
	AudioDir string

	// Advisor backs the pipeline's cleanup and recommendation steps. May
	// be nil.
	Advisor pipeline.Advisor
}

// App is the assembled session orchestration layer.
type App struct {
	Bus       *events.Bus
	Store     *session.Store
	Workers   *worker.Manager
	Terminals *pty.Manager
	Pipeline  *pipeline.Pipeline

	// Transcriber is the recording and retry entry point. Nil when no
	// transcription endpoint is configured.
	Transcriber *transcribe.Manager

	bridge persist.Bridge

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New assembles the layer. Nothing is spawned yet: the worker starts on
// first dispatch, terminals on demand.
func New(opts Options) (*App, error) {
	bus := events.NewBus()
	store := session.NewStore(bus)
	workers := worker.NewManager(store, bus, opts.Settings.Worker, opts.Settings.Env)
	terminals := pty.NewManager(store, bus)

	app := &App{
		Bus:       bus,
		Store:     store,
		Workers:   workers,
		Terminals: terminals,
		Pipeline:  pipeline.New(store, workers, opts.Settings, opts.Repos, opts.Advisor),
		stop:      make(chan struct{}),
	}

	if tc := opts.Settings.Transcribe; tc.RealtimeEndpoint != "" || tc.BatchEndpoint != "" {
		var batch *transcribe.BatchClient
		if tc.BatchEndpoint != "" {
			batch = transcribe.NewBatchClient(tc.BatchEndpoint,
				tc.BatchModelOrDefault(), tc.LanguageOrDefault(), os.Getenv("WHISPER_API_KEY"))
		}
		app.Transcriber = transcribe.NewManager(store, transcribe.Options{
			Endpoint:   tc.RealtimeEndpoint,
			SampleRate: tc.SampleRateOrDefault(),
			Batch:      batch,
			SpoolDir:   opts.AudioDir,
		})
	}

	if opts.SnapshotDir != "" {
		bridge, err := persist.NewFileStore(opts.SnapshotDir)
		if err != nil {
			return nil, err
		}
		app.bridge = bridge
		app.wg.Add(1)
		go app.persistLoop()
	}

	if opts.Advisor != nil {
		app.wg.Add(1)
		go app.analyzeLoop()
	}

	return app, nil
}

// Restore loads persisted snapshots back into the store. Sessions come
// back sanitized (no working status survives a restart) and their next
// dispatch carries a history preamble so the fresh worker has context.
func (a *App) Restore(ctx context.Context) error {
	if a.bridge == nil {
		return nil
	}

	snapshots, err := a.bridge.LoadAll()
	if err != nil {
		return err
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(restoreConcurrency)
	for _, snap := range snapshots {
		g.Go(func() error {
			restored := a.Store.Restore(snap)
			if restored.Kind == session.KindAgent && len(restored.Agent.Messages) > 0 {
				a.Workers.MarkNeedsRestore(restored.ID)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	log.Logger().Info("sessions restored", zap.Int("count", len(snapshots)))
	return nil
}

// persistLoop snapshots agent sessions whenever an exchange settles and
// clears snapshots of removed sessions. Terminal sessions are snapshotted
// on close so their output buffer survives.
func (a *App) persistLoop() {
	defer a.wg.Done()

	statusCh, cancelStatus := a.Bus.Subscribe("", events.StatusChanged)
	defer cancelStatus()
	closedCh, cancelClosed := a.Bus.Subscribe("", events.SessionClosed)
	defer cancelClosed()
	termCh, cancelTerm := a.Bus.Subscribe("", events.TerminalClosed)
	defer cancelTerm()

	for {
		select {
		case <-a.stop:
			return
		case ev := <-statusCh:
			if status, ok := ev.Payload.(string); ok && settled(session.Status(status)) {
				a.snapshot(ev.SessionID)
			}
		case ev := <-termCh:
			a.snapshot(ev.SessionID)
		case ev := <-closedCh:
			if err := a.bridge.Clear(ev.SessionID); err != nil {
				log.Logger().Warn("snapshot clear failed",
					zap.String("session", ev.SessionID), zap.Error(err))
			}
		}
	}
}

// analyzeLoop feeds finished exchanges into the pipeline's completion
// analysis, so a settled session carries an outcome summary and an
// interaction flag without the caller asking.
func (a *App) analyzeLoop() {
	defer a.wg.Done()

	doneCh, cancel := a.Bus.Subscribe("", events.QueryDone)
	defer cancel()

	for {
		select {
		case <-a.stop:
			return
		case ev := <-doneCh:
			// Off the loop so a slow analysis never backs up the bus.
			go a.Pipeline.AnalyzeCompletion(ev.SessionID)
		}
	}
}

// settled statuses mark points worth persisting: an exchange finished or
// the session is parked waiting for the user.
func settled(s session.Status) bool {
	switch s {
	case session.StatusIdle, session.StatusError, session.StatusDone:
		return true
	}
	return s.IsPending()
}

func (a *App) snapshot(id string) {
	s, err := a.Store.Get(id)
	if err != nil {
		return
	}
	if err := a.bridge.Save(s); err != nil {
		log.Logger().Warn("snapshot save failed", zap.String("session", id), zap.Error(err))
	}
}

// Close removes a session: its worker binding or terminal process goes
// with it via the store removal hooks.
func (a *App) Close(id string) {
	a.Store.Remove(id)
}

// Shutdown stops background work, terminates child processes and saves a
// final snapshot of every live session.
func (a *App) Shutdown() {
	a.stopOnce.Do(func() { close(a.stop) })
	a.wg.Wait()

	a.Workers.Shutdown()
	a.Terminals.Shutdown()

	if a.bridge != nil {
		for _, s := range a.Store.List(nil) {
			if err := a.bridge.Save(s); err != nil {
				log.Logger().Warn("final snapshot failed",
					zap.String("session", s.ID), zap.Error(err))
			}
		}
	}
}
