package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"nodectl/internal/client"
	"nodectl/internal/config"
	"nodectl/internal/logging"
	"nodectl/internal/metrics"
	"nodectl/internal/store"
	"nodectl/internal/tracker"
)

// commandRuntime is everything a command needs to talk to the backend and
// track what it submits.
type commandRuntime struct {
	cfg     config.Config
	client  tracker.Client
	tracker *tracker.Tracker
	metrics *metrics.Metrics
	kv      store.KV
}

func (r *commandRuntime) Close() error {
	err := r.tracker.Close()
	if r.kv != nil {
		err = errors.Join(err, r.kv.Close())
	}
	return err
}

type runtimeOptions struct {
	ephemeral   bool
	trackerOpts []tracker.Option
}

type runtimeOption func(*runtimeOptions)

// withoutPersistence keeps checkpoints in memory. Commands that never submit
// use it so they do not contend for the checkpoint database.
func withoutPersistence() runtimeOption {
	return func(o *runtimeOptions) {
		o.ephemeral = true
	}
}

func withTrackerOptions(opts ...tracker.Option) runtimeOption {
	return func(o *runtimeOptions) {
		o.trackerOpts = append(o.trackerOpts, opts...)
	}
}

type runtimeFactory func(ctx context.Context, opts ...runtimeOption) (*commandRuntime, error)

func newBackendRuntime(loadConfig func() (config.Config, error), stderr io.Writer) runtimeFactory {
	return func(ctx context.Context, opts ...runtimeOption) (*commandRuntime, error) {
		var options runtimeOptions
		for _, opt := range opts {
			opt(&options)
		}
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		logger := logging.NewWithFormat(stderr, logging.ParseLevel(cfg.LogLevel()), logging.ParseFormat(cfg.LogFormat()))
		backend, err := client.New(cfg, client.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		var kv store.KV = store.NewMemoryStore()
		if !options.ephemeral {
			kv, err = openCheckpointStore(ctx, cfg)
			if err != nil {
				return nil, err
			}
		}
		m := metrics.New()
		trackerOpts := append([]tracker.Option{
			tracker.WithConfig(cfg),
			tracker.WithLogger(logger),
			tracker.WithMetrics(m),
		}, options.trackerOpts...)
		return &commandRuntime{
			cfg:     cfg,
			client:  backend,
			tracker: tracker.New(backend, kv, trackerOpts...),
			metrics: m,
			kv:      kv,
		}, nil
	}
}

func openCheckpointStore(ctx context.Context, cfg config.Config) (store.KV, error) {
	opts := store.Options{
		Backend:  cfg.CheckpointBackend(),
		RedisURL: cfg.Checkpoint.RedisURL,
		TTL:      redisTTL(cfg),
	}
	if opts.Backend != store.BackendRedis && opts.Backend != store.BackendMemory {
		path, err := cfg.CheckpointPath()
		if err != nil {
			return nil, err
		}
		opts.Path = path
	}
	kv, err := store.Open(ctx, opts)
	if err != nil {
		if opts.Backend == store.BackendBbolt {
			return nil, fmt.Errorf("open checkpoint store %s (is another nodectl watching?): %w", opts.Path, err)
		}
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	return kv, nil
}

// redisTTL keeps a key a little past the longest resumption window; anything
// older would be discarded on mount anyway.
func redisTTL(cfg config.Config) time.Duration {
	ttl := cfg.SyncStaleness()
	for _, window := range cfg.Staleness() {
		ttl = max(ttl, window)
	}
	return ttl + cfg.CheckpointDisplayWindow()
}

func loadDotEnv() error {
	paths := []string{".env"}
	if path, err := config.DotEnvPath(); err == nil {
		paths = append(paths, path)
	}
	return config.LoadDotEnv(paths...)
}
