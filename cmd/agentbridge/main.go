// Command agentbridge runs the agent bridge: it spawns the coding-agent
// subprocess, normalizes its event stream, and records interactions.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentbridge/agentbridge/internal/client"
	"github.com/agentbridge/agentbridge/internal/common/config"
	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/internal/engine"
	"github.com/agentbridge/agentbridge/internal/events/bus"
	"github.com/agentbridge/agentbridge/internal/interaction/store"
	"github.com/agentbridge/agentbridge/internal/notify"
	"github.com/agentbridge/agentbridge/internal/pipeline"
	"github.com/agentbridge/agentbridge/internal/tracing"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "directory containing config.yaml")
	flag.Parse()

	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("agentbridge exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	eventBus, err := openBus(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to open event bus: %w", err)
	}
	defer eventBus.Close()

	notifier := notify.New(eventBus, log)
	eng := engine.New(st, notifier, nil, engine.Options{
		AutoApprove: cfg.Agent.AutoApprove,
	}, log)

	pipe := pipeline.New(eng.Handle, cfg.Pipeline.MaxConcurrency, cfg.Pipeline.QueueDepth, log)
	defer pipe.Close()
	defer func() {
		if err := tracing.Shutdown(context.Background()); err != nil {
			log.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	opts, err := connectionOptions(cfg)
	if err != nil {
		return err
	}

	log.Info("agentbridge starting",
		zap.String("agent_command", opts.Command),
		zap.String("storage_driver", cfg.Storage.Driver))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return supervise(ctx, opts, pipe, eng, log)
	})
	return g.Wait()
}

// openStore builds the interaction store selected by config.
func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(cfg.Storage.Path)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// openBus builds the event bus: NATS when a URL is configured, in-memory
// otherwise.
func openBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, error) {
	if cfg.NATS.URL == "" {
		return bus.NewMemoryEventBus(log), nil
	}
	return bus.NewNATSEventBus(cfg.NATS, log)
}

// connectionOptions resolves the subprocess launch configuration, applying
// the named launch profile when one is selected.
func connectionOptions(cfg *config.Config) (client.Options, error) {
	opts := client.Options{
		Command:           cfg.Agent.Command,
		Args:              cfg.Agent.Args,
		WorkDir:           cfg.Agent.WorkDir,
		Env:               cfg.Agent.Env,
		ApprovalPolicy:    cfg.Agent.ApprovalPolicy,
		InitializeTimeout: cfg.Agent.InitializeTimeoutDuration(),
		RequestTTL:        cfg.Pipeline.RequestTTLDuration(),
	}

	profile, err := client.LoadProfile(cfg.Agent.ProfilesPath, cfg.Agent.Profile)
	if err != nil {
		return client.Options{}, err
	}
	if profile != nil {
		opts.Command = profile.Command
		opts.Args = profile.Args
		opts.Model = profile.Model
		opts.SandboxMode = profile.SandboxMode
		if profile.WorkDir != "" {
			opts.WorkDir = profile.WorkDir
		}
		if len(profile.Env) > 0 {
			merged := map[string]string{}
			for k, v := range cfg.Agent.Env {
				merged[k] = v
			}
			for k, v := range profile.Env {
				merged[k] = v
			}
			opts.Env = merged
		}
	}
	return opts, nil
}

// supervise keeps one agent connection alive, restarting it with capped
// exponential backoff when the subprocess dies. Restart policy beyond that
// is deliberately simple; the interesting failure detail is already captured
// from stderr by the connection itself.
func supervise(ctx context.Context, opts client.Options, pipe *pipeline.Pipeline, eng *engine.Engine, log *logger.Logger) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		conn := client.NewConnection(opts, pipe.Enqueue, eng, log)
		eng.SetConnection(conn)

		if err := conn.Start(ctx); err != nil {
			log.Error("failed to start agent", zap.Error(err))
		} else {
			backoff = time.Second
			select {
			case <-ctx.Done():
				conn.Stop()
				return nil
			case <-conn.Done():
				log.Warn("agent connection lost", zap.Error(conn.Err()))
			}
		}
		conn.Stop()

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}
