package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/martinemde/capabot/capabilities"
	"github.com/martinemde/capabot/capabilities/memory"
	"github.com/martinemde/capabot/capability"
	"github.com/martinemde/capabot/completion"
	"github.com/martinemde/capabot/config"
	"github.com/martinemde/capabot/logging"
	"github.com/martinemde/capabot/orchestrator"
	"github.com/martinemde/capabot/preamble"
	"github.com/martinemde/capabot/transcript"
)

// app holds the wired components shared by every command.
type app struct {
	cfg        *config.Config
	logger     *logrus.Logger
	client     *completion.Client
	registry   *capability.Registry
	loop       *orchestrator.Loop
	memory     *memory.Store
	transcript *transcript.Store

	closers []func() error
}

// loadConfig reads the config file and applies the --log-level flag.
func loadConfig(path, logLevel string) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// buildRegistry connects the services capabilities depend on and returns
// the sealed registry. The memory store is nil when no Redis URL is set.
func buildRegistry(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*capability.Registry, *memory.Store, *redis.Client, error) {
	var (
		store *memory.Store
		rdb   *redis.Client
	)
	if cfg.Capabilities.RedisURL != "" {
		var err error
		rdb, err = memory.Dial(ctx, cfg.Capabilities.RedisURL)
		if err != nil {
			return nil, nil, nil, err
		}
		store = memory.NewStore(rdb,
			memory.WithTTL(cfg.Capabilities.MemoryTTL),
			memory.WithLogger(logging.Component(logger, "memory")),
		)
	}

	registry, err := capabilities.NewRegistry(capabilities.Options{
		ManifestPath: cfg.Capabilities.Manifest,
		Disabled:     cfg.Capabilities.Disabled,
		Memory:       store,
		Web:          cfg.Capabilities.Web,
		Log:          logging.Component(logger, "capabilities"),
	})
	if err != nil {
		if rdb != nil {
			_ = rdb.Close()
		}
		return nil, nil, nil, err
	}
	return registry, store, rdb, nil
}

// newApp wires configuration into a ready loop. withTranscript opens the
// transcript database when one is configured.
func newApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger, withTranscript bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	registry, store, rdb, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.registry, a.memory = registry, store
	if rdb != nil {
		a.closers = append(a.closers, rdb.Close)
	}

	adapter, err := completion.NewGollmAdapter(cfg.Completion.Provider,
		completion.WithAPIKey(cfg.Completion.APIKey),
		completion.WithModel(cfg.Completion.Model),
		completion.WithMaxTokens(cfg.Completion.MaxTokens),
		completion.WithTemperature(cfg.Completion.Temperature),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.client = completion.NewClient(
		completion.WithAdapter(adapter),
		completion.WithMiddleware(
			completion.LoggingMiddleware(logging.Component(logger, "completion")),
			completion.RetryMiddleware(cfg.Completion.RetryPolicy()),
			completion.TimeoutMiddleware(cfg.Completion.Timeout),
		),
	)
	a.closers = append(a.closers, a.client.Close)

	dispatcher := capability.NewDispatcher(registry,
		capability.WithDispatchTimeout(cfg.Limits.DispatchTimeout),
		capability.WithDispatchLogger(logging.Component(logger, "dispatcher")),
	)

	preambleOpts := []preamble.Option{
		preamble.WithModel(cfg.Completion.Model),
		preamble.WithLogger(logging.Component(logger, "preamble")),
	}
	if cfg.Persona != "" {
		preambleOpts = append(preambleOpts, preamble.WithPersona(cfg.Persona))
	}
	if store != nil {
		preambleOpts = append(preambleOpts, preamble.WithMemories(store, cfg.Capabilities.MemoryLimit))
	}

	a.loop, err = orchestrator.New(a.client, dispatcher,
		orchestrator.WithPreamble(preamble.New(registry, preambleOpts...)),
		orchestrator.WithLimits(cfg.Limits.ToOrchestrator()),
		orchestrator.WithLogger(logging.Component(logger, "orchestrator")),
	)
	if err != nil {
		a.Close()
		return nil, err
	}

	if withTranscript && cfg.Transcript.Enabled() {
		ts, err := openTranscript(ctx, cfg, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.transcript = ts
		a.closers = append(a.closers, ts.Close)
	}
	return a, nil
}

func openTranscript(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*transcript.Store, error) {
	ts, err := transcript.Open(cfg.Transcript.DSN, logging.Component(logger, "transcript"))
	if err != nil {
		return nil, err
	}
	if err := ts.Migrate(ctx); err != nil {
		_ = ts.Close()
		return nil, fmt.Errorf("migrating transcripts: %w", err)
	}
	return ts, nil
}

// Close releases every connection in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
