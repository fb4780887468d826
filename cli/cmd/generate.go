package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/inkwell/adapter"
	redisadapter "github.com/pithecene-io/inkwell/adapter/redis"
	"github.com/pithecene-io/inkwell/adapter/webhook"
	"github.com/pithecene-io/inkwell/cache"
	"github.com/pithecene-io/inkwell/cli/config"
	"github.com/pithecene-io/inkwell/cli/render"
	"github.com/pithecene-io/inkwell/cli/tui"
	"github.com/pithecene-io/inkwell/job"
	"github.com/pithecene-io/inkwell/log"
	"github.com/pithecene-io/inkwell/metrics"
	"github.com/pithecene-io/inkwell/stream"
	"github.com/pithecene-io/inkwell/types"
)

// Exit codes for generate.
const (
	exitCompleted = 0
	exitFailed    = 1
	exitCanceled  = 2
	exitInvalid   = 3
)

// GenerateCommand returns the generate command, the only execution
// entrypoint of the CLI.
func GenerateCommand() *cli.Command {
	return &cli.Command{
		Name:  "generate",
		Usage: "Generate a script and stream progress until it finishes",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:    "project",
				Aliases: []string{"p"},
				Usage:   "Project identifier",
			},
			&cli.IntFlag{
				Name:  "episode",
				Usage: "Episode number (starts at 1)",
			},
			&cli.StringFlag{
				Name:    "description",
				Aliases: []string{"d"},
				Usage:   "Free-text brief for the script",
			},
			&cli.StringFlag{
				Name:  "type",
				Usage: "Script type: full, outline, dialogue, narration",
			},
			&cli.StringFlag{
				Name:  "model",
				Usage: "Pin a specific model",
			},
			&cli.Float64Flag{
				Name:  "temperature",
				Usage: "Sampling temperature in [0, 2]",
			},
			&cli.IntFlag{
				Name:  "target-words",
				Usage: "Target script length in words",
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Write the final script to this file on completion",
			},
			&cli.StringFlag{
				Name:  "resume",
				Usage: "Re-attach to a running job by id instead of starting a new one",
			},
			&cli.BoolFlag{
				Name:  "no-tui",
				Usage: "Disable the interactive TUI and print plain progress lines",
			},
			&cli.BoolFlag{
				Name:  "no-cache",
				Usage: "Do not persist resume state to disk",
			},
		}, SharedFlags()...),
		Action: generateAction,
	}
}

func generateAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), exitInvalid)
	}

	renderer, err := render.NewRenderer(c)
	if err != nil {
		return cli.Exit(err.Error(), exitInvalid)
	}

	client, err := newClient(c, cfg)
	if err != nil {
		return cli.Exit(err.Error(), exitInvalid)
	}

	var store *cache.Store
	if !c.Bool("no-cache") && !cfg.Cache.Disabled {
		path := cfg.Cache.Path
		if path == "" {
			path = cache.DefaultPath()
		}
		store, err = cache.Open(path)
		if err != nil {
			// A broken cache never blocks generation.
			fmt.Fprintf(os.Stderr, "warning: resume cache unavailable: %v\n", err)
		}
	}

	logger := log.NewLogger("")
	collector := metrics.NewCollector("")
	registry := stream.NewRegistry()
	defer registry.CleanupAll()

	session, err := job.NewSession(job.Config{
		Control:          client,
		AuthToken:        authToken(c, cfg),
		Policy:           cfg.PolicyConfig(),
		HeartbeatTimeout: cfg.Stream.HeartbeatTimeout.Duration,
		Cache:            store,
		Registry:         registry,
		Logger:           logger,
		Collector:        collector,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if jobID := c.String("resume"); jobID != "" {
		err = session.Attach(jobID)
	} else {
		err = session.Start(ctx, buildRequest(c, cfg))
	}
	if err != nil {
		if types.IsValidation(err) {
			return cli.Exit(err.Error(), exitInvalid)
		}
		return cli.Exit(err.Error(), exitFailed)
	}

	useTUI := !c.Bool("no-tui") && renderer.Format() == render.FormatText && isTTY(os.Stdout)
	detached := false
	if useTUI {
		if err := tui.Run(session); err != nil {
			return fmt.Errorf("tui: %w", err)
		}
		// Quitting the TUI before a terminal state is a detach: the job
		// keeps running server-side.
		detached = !session.State().Status.IsTerminal()
	} else {
		followPlain(ctx, session, renderer)
	}
	session.Disconnect()

	final := session.State()
	notifyAdapter(cfg, final, c.String("project"), logger)

	if err := renderer.Result(final, collector.Snapshot()); err != nil {
		return err
	}
	if out := c.String("output"); out != "" && final.CanSave {
		if err := os.WriteFile(out, []byte(final.FinalContent), 0o644); err != nil {
			return cli.Exit(fmt.Sprintf("writing %s: %v", out, err), exitFailed)
		}
	}

	if detached && renderer.Format() == render.FormatText && final.JobID != "" {
		fmt.Fprintf(os.Stderr, "detached; resume with: inkwell generate --resume %s\n", final.JobID)
	}
	return cli.Exit("", finalExitCode(final, detached))
}

// buildRequest merges flags over config defaults.
func buildRequest(c *cli.Context, cfg *config.Config) types.StartRequest {
	req := types.StartRequest{
		ProjectID:   cfg.Defaults.Project,
		Description: c.String("description"),
		ScriptType:  types.ScriptType(cfg.Defaults.ScriptType),
		Model:       cfg.Defaults.Model,
	}
	if cfg.Defaults.Temperature != nil {
		req.Temperature = *cfg.Defaults.Temperature
	}
	if cfg.Defaults.TargetWords != nil {
		req.TargetWords = *cfg.Defaults.TargetWords
	}

	if p := c.String("project"); p != "" {
		req.ProjectID = p
	}
	if t := c.String("type"); t != "" {
		req.ScriptType = types.ScriptType(t)
	}
	if m := c.String("model"); m != "" {
		req.Model = m
	}
	if c.IsSet("temperature") {
		req.Temperature = c.Float64("temperature")
	}
	if c.IsSet("target-words") {
		req.TargetWords = c.Int("target-words")
	}
	if c.IsSet("episode") {
		ep := c.Int("episode")
		req.Episode = &ep
	}
	return req
}

// followPlain consumes snapshots until the job reaches a terminal status,
// the retry budget is spent, or the user interrupts. An interrupt cancels
// the job; without a terminal there is no one to press retry.
func followPlain(ctx context.Context, session *job.Session, renderer *render.Renderer) {
	var lastConn types.ConnectionState
	interrupt := ctx.Done()

	for {
		select {
		case <-interrupt:
			interrupt = nil
			cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = session.Cancel(cancelCtx)
			cancel()
			if session.State().Status.IsTerminal() {
				return
			}

		case st := <-session.Updates():
			if st.Connection.State != lastConn {
				lastConn = st.Connection.State
				renderer.Connection(st.Connection)
			}
			if st.Status.IsTerminal() {
				return
			}
			renderer.Progress(st)

			// Retries exhausted with nobody to press the retry key.
			if st.Connection.State == types.ConnClosed && st.Connection.LastError != "" {
				return
			}
		}
	}
}

// notifyAdapter publishes the terminal notification when an adapter is
// configured. Failures are logged, never fatal.
func notifyAdapter(cfg *config.Config, st types.JobState, projectID string, logger *log.Logger) {
	if cfg.Adapter.Type == "" || !st.Status.IsTerminal() {
		return
	}

	a, err := buildAdapter(cfg.Adapter)
	if err != nil {
		logger.Warn("adapter setup failed", map[string]any{"error": err.Error()})
		return
	}
	defer func() { _ = a.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Publish(ctx, adapter.NewJobCompletedEvent(st, projectID)); err != nil {
		logger.Warn("adapter publish failed", map[string]any{"error": err.Error()})
	}
}

func buildAdapter(ac config.AdapterConfig) (adapter.Adapter, error) {
	switch ac.Type {
	case "webhook":
		cfg := webhook.Config{
			URL:     ac.URL,
			Headers: ac.Headers,
			Timeout: ac.Timeout.Duration,
			Retries: webhook.DefaultRetries,
		}
		if ac.Retries != nil {
			cfg.Retries = *ac.Retries
		}
		return webhook.New(cfg)
	case "redis":
		cfg := redisadapter.Config{
			URL:     ac.URL,
			Channel: ac.Channel,
			Timeout: ac.Timeout.Duration,
			Retries: redisadapter.DefaultRetries,
		}
		if ac.Retries != nil {
			cfg.Retries = *ac.Retries
		}
		return redisadapter.New(cfg)
	default:
		return nil, fmt.Errorf("unknown adapter type: %q (must be webhook or redis)", ac.Type)
	}
}

// finalExitCode maps the final job state to the process exit code. A
// detach from a still-running job is not a failure.
func finalExitCode(st types.JobState, detached bool) int {
	if detached && !st.Status.IsTerminal() {
		return exitCompleted
	}
	return exitCodeFor(st.Status)
}

func exitCodeFor(status types.JobStatus) int {
	switch status {
	case types.JobCompleted:
		return exitCompleted
	case types.JobCanceled:
		return exitCanceled
	default:
		return exitFailed
	}
}
