package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/voxd-app/voxd/internal/attach"
	"github.com/voxd-app/voxd/internal/config"
	"github.com/voxd-app/voxd/internal/core"
	"github.com/voxd-app/voxd/internal/events"
	"github.com/voxd-app/voxd/internal/llm"
	"github.com/voxd-app/voxd/internal/pipeline"
	"github.com/voxd-app/voxd/internal/session"
	"github.com/voxd-app/voxd/internal/transcribe"
	"github.com/voxd-app/voxd/internal/worker"
)

var rootCmd = &cobra.Command{
	Use:   "voxd [transcript]",
	Short: "voxd - voice-driven coding agent sessions",
	Long: `voxd routes transcripts through the session pipeline: voice-command
detection, cleanup, repository and model recommendation, then dispatch to
the agent worker.

  voxd "fix the login bug"     Run a transcript through the pipeline
  echo "prompt" | voxd         Same, via stdin`,
	Args:    cobra.ArbitraryArgs,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		transcript := inputTranscript(args)
		if transcript == "" && audioFlag == "" {
			return cmd.Help()
		}
		return runTranscript(cmd.Context(), transcript)
	},
}

var (
	repoFlag    string
	attachFlags []string
	pasteFlag   bool
	audioFlag   string
	noRestore   bool
	waitTimeout time.Duration
)

func init() {
	rootCmd.Flags().StringVarP(&repoFlag, "repo", "r", "", "Working directory, skips repo resolution")
	rootCmd.Flags().StringArrayVarP(&attachFlags, "attach", "a", nil, "Image file to attach to the prompt (repeatable)")
	rootCmd.Flags().BoolVarP(&pasteFlag, "paste", "p", false, "Attach the image on the clipboard")
	rootCmd.Flags().StringVar(&audioFlag, "audio", "", "WAV recording to transcribe instead of a text transcript")
	rootCmd.Flags().BoolVar(&noRestore, "no-restore", false, "Skip restoring persisted sessions")
	rootCmd.Flags().DurationVar(&waitTimeout, "timeout", 10*time.Minute, "Maximum time to wait for the query")

	rootCmd.AddCommand(sessionsCmd, reposCmd, retryCmd, checkCmd)
}

func inputTranscript(args []string) string {
	if len(args) > 0 {
		return strings.Join(args, " ")
	}
	stat, _ := os.Stdin.Stat()
	if (stat.Mode() & os.ModeCharDevice) == 0 {
		data, err := io.ReadAll(bufio.NewReader(os.Stdin))
		if err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	return ""
}

// buildApp loads configuration and assembles the orchestration layer.
func buildApp() (*core.App, *config.Settings, error) {
	loader := config.NewLoader()
	settings, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load settings: %w", err)
	}
	repos, err := loader.LoadRepos()
	if err != nil {
		return nil, nil, fmt.Errorf("load repos: %w", err)
	}

	app, err := core.New(core.Options{
		Settings:    settings,
		Repos:       repos,
		SnapshotDir: filepath.Join(loader.UserDir(), "sessions"),
		AudioDir:    filepath.Join(loader.UserDir(), "audio"),
		Advisor:     buildAdvisor(settings),
	})
	if err != nil {
		return nil, nil, err
	}
	return app, settings, nil
}

// buildAdvisor picks the LLM backend for the pipeline's advisory calls
// from the environment. No key means the optional steps are skipped.
func buildAdvisor(settings *config.Settings) pipeline.Advisor {
	model := settings.FallbackModel()
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return llm.NewAnthropic(key, model)
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		return llm.NewOpenAI(key, os.Getenv("OPENAI_BASE_URL"), model)
	}
	return nil
}

func runTranscript(ctx context.Context, transcript string) error {
	app, settings, err := buildApp()
	if err != nil {
		return err
	}
	defer app.Shutdown()

	if !noRestore {
		if err := app.Restore(ctx); err != nil {
			return fmt.Errorf("restore sessions: %w", err)
		}
	}

	transcribed := false
	if audioFlag != "" {
		transcript, err = transcribeRecording(ctx, settings, audioFlag)
		if err != nil {
			return err
		}
		transcribed = true
	}

	attachments, err := attach.LoadAll(attachFlags)
	if err != nil {
		return fmt.Errorf("load attachments: %w", err)
	}
	if pasteFlag {
		att, ok, err := attach.FromClipboard()
		if err != nil {
			return fmt.Errorf("clipboard: %w", err)
		}
		if !ok {
			return fmt.Errorf("no image on the clipboard")
		}
		attachments = append(attachments, att)
	}

	out, err := app.Pipeline.Run(ctx, pipeline.Input{
		Transcript:       transcript,
		WorkingDirectory: repoFlag,
		Attachments:      attachments,
		Transcribed:      transcribed,
	})
	if err != nil {
		return err
	}
	return handleOutcome(ctx, app, out)
}

// transcribeRecording submits a WAV file through the batch endpoint and
// returns its transcript.
func transcribeRecording(ctx context.Context, settings *config.Settings, path string) (string, error) {
	tc := settings.Transcribe
	if tc.BatchEndpoint == "" {
		return "", fmt.Errorf("no batch transcription endpoint configured")
	}
	audio, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read recording: %w", err)
	}
	client := transcribe.NewBatchClient(tc.BatchEndpoint,
		tc.BatchModelOrDefault(), tc.LanguageOrDefault(), os.Getenv("WHISPER_API_KEY"))
	text, err := client.Transcribe(ctx, audio)
	if err != nil {
		return "", fmt.Errorf("transcribe recording: %w", err)
	}
	return text, nil
}

// handleOutcome reports where the pipeline left the transcript and, for a
// dispatched query, streams the session to completion.
func handleOutcome(ctx context.Context, app *core.App, out pipeline.Outcome) error {
	switch out.Action {
	case pipeline.ActionCancelled:
		fmt.Println("cancelled")
		return nil
	case pipeline.ActionTranscribe:
		fmt.Println(out.Transcript)
		return nil
	case pipeline.ActionPendingRepo:
		s, _ := app.Store.Get(out.SessionID)
		fmt.Printf("session %s is waiting for a repository choice\n", out.SessionID)
		if s != nil && s.Agent.PendingRepo != nil && s.Agent.PendingRepo.Reasoning != "" {
			fmt.Printf("  recommendation: index %d (%s)\n",
				s.Agent.PendingRepo.RecommendedIndex, s.Agent.PendingRepo.Reasoning)
		}
		return nil
	case pipeline.ActionPendingApproval:
		fmt.Printf("session %s is waiting for approval of: %s\n", out.SessionID, out.Transcript)
		return nil
	}

	for _, c := range out.Corrections {
		fmt.Fprintf(os.Stderr, "correction: %s\n", c)
	}
	return streamSession(ctx, app, out.SessionID)
}

// streamSession prints assistant output for the session until the query
// completes or fails.
func streamSession(ctx context.Context, app *core.App, id string) error {
	textCh, cancelText := app.Bus.Subscribe(id, events.AssistantText)
	defer cancelText()
	toolCh, cancelTool := app.Bus.Subscribe(id, events.ToolStart)
	defer cancelTool()
	doneCh, cancelDone := app.Bus.Subscribe(id, events.QueryDone)
	defer cancelDone()
	errCh, cancelErr := app.Bus.Subscribe(id, events.QueryError)
	defer cancelErr()

	timeout := time.After(waitTimeout)
	for {
		select {
		case ev := <-textCh:
			if text, ok := ev.Payload.(string); ok {
				fmt.Println(text)
			}
		case ev := <-toolCh:
			if p, ok := ev.Payload.(worker.ToolPayload); ok {
				fmt.Fprintf(os.Stderr, "[tool] %s\n", p.Tool)
			}
		case <-doneCh:
			printUsage(app, id)
			return nil
		case ev := <-errCh:
			if msg, ok := ev.Payload.(string); ok {
				return fmt.Errorf("query failed: %s", msg)
			}
			return fmt.Errorf("query failed")
		case <-timeout:
			return fmt.Errorf("timed out waiting for the worker")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func printUsage(app *core.App, id string) {
	s, err := app.Store.Get(id)
	if err != nil || !s.Agent.Usage.Final {
		return
	}
	u := s.Agent.Usage
	fmt.Fprintf(os.Stderr, "tokens: %d in / %d out, cost: $%.4f\n",
		u.InputTokens, u.OutputTokens, u.CostUSD)
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List persisted sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, _, err := buildApp()
		if err != nil {
			return err
		}
		defer app.Shutdown()

		if err := app.Restore(cmd.Context()); err != nil {
			return err
		}

		sessions := app.Store.List(nil)
		if len(sessions) == 0 {
			fmt.Println("no sessions")
			return nil
		}
		for _, s := range sessions {
			name := ""
			if s.Kind == session.KindAgent {
				name = s.Agent.AIMetadata.Name
			}
			fmt.Printf("%s  %-5s  %-22s  %s  %s\n",
				s.ID, s.Kind, s.Status, s.CreatedAt.Format(time.RFC3339), name)
		}
		return nil
	},
}

var reposCmd = &cobra.Command{
	Use:   "repos",
	Short: "List configured repositories",
	RunE: func(cmd *cobra.Command, args []string) error {
		loader := config.NewLoader()
		repos, err := loader.LoadRepos()
		if err != nil {
			return err
		}
		if len(repos) == 0 {
			fmt.Println("no repositories configured")
			return nil
		}
		for i, r := range repos {
			fmt.Printf("%2d  %-20s  %s\n", i, r.Name, r.Path)
			if r.Description != "" {
				fmt.Printf("    %s\n", r.Description)
			}
		}
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <session-id>",
	Short: "Retry a failed transcription from its stored recording",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, _, err := buildApp()
		if err != nil {
			return err
		}
		defer app.Shutdown()

		if err := app.Restore(cmd.Context()); err != nil {
			return fmt.Errorf("restore sessions: %w", err)
		}
		if app.Transcriber == nil {
			return fmt.Errorf("no transcription endpoints configured")
		}

		text, err := app.Transcriber.Retry(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		out, err := app.Pipeline.Run(cmd.Context(), pipeline.Input{
			Transcript:  text,
			SessionID:   args[0],
			Transcribed: true,
		})
		if err != nil {
			return err
		}
		return handleOutcome(cmd.Context(), app, out)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check [transcription-endpoint]",
	Short: "Probe the batch transcription server",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		endpoint := "http://localhost:8000/v1/audio/transcriptions"
		if len(args) == 1 {
			endpoint = args[0]
		}

		client := transcribe.NewBatchClient(endpoint, "whisper-1", "en", os.Getenv("WHISPER_API_KEY"))
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		result := client.TestConnection(ctx)
		report := func(label string, ok bool, detail string) {
			if ok {
				fmt.Printf("%-14s ok\n", label)
			} else {
				fmt.Printf("%-14s failed: %s\n", label, detail)
			}
		}
		report("health", result.HealthOK, result.HealthError)
		report("transcription", result.TranscriptionOK, result.TranscriptionError)

		if !result.HealthOK || !result.TranscriptionOK {
			return fmt.Errorf("transcription server not fully reachable")
		}
		return nil
	},
}
