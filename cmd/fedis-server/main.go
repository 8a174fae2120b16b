// Package main provides the entry point for fedis-server, a
// Redis-wire-compatible in-memory key/value server with append-only-log
// durability and point-in-time snapshots.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/fedis/fedis-go/internal/auth"
	"github.com/fedis/fedis-go/internal/infra/buildinfo"
	"github.com/fedis/fedis-go/internal/infra/confloader"
	"github.com/fedis/fedis-go/internal/infra/shutdown"
	"github.com/fedis/fedis-go/internal/resp"
	"github.com/fedis/fedis-go/internal/server/config"
	"github.com/fedis/fedis-go/internal/server/respserver"
	"github.com/fedis/fedis-go/internal/storage"
	"github.com/fedis/fedis-go/internal/storage/aof"
	"github.com/fedis/fedis-go/internal/telemetry/logger"
	"github.com/fedis/fedis-go/internal/telemetry/metric"
)

// Expiry sampler cadence.
const (
	samplerInterval = 100 * time.Millisecond
	samplerSize     = 20

	shutdownTimeout = 5 * time.Second
)

func main() {
	app := &cli.App{
		Name:    "fedis-server",
		Usage:   "Redis-wire-compatible in-memory key/value server",
		Version: buildinfo.String(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a KEY=VALUE configuration file",
			},
			&cli.StringFlag{
				Name:    "listen",
				Aliases: []string{"l"},
				Usage:   "listen address (host:port), overrides configuration",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cliCtx *cli.Context) error {
	configFile := cliCtx.String("config")
	if configFile == "" {
		configFile = os.Getenv("FEDIS_CONFIG")
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if addr := cliCtx.String("listen"); addr != "" {
		cfg.Listen = addr
		cfg.URL = ""
	}

	log := logger.New(logger.Config{Level: cfg.Log, Format: cfg.LogFormat})
	log.Info("starting fedis-server",
		"version", buildinfo.Version,
		"commit", buildinfo.Commit,
		"config", configFile)

	runtime, err := cfg.Resolve()
	if err != nil {
		return err
	}

	fsyncPolicy, err := aof.ParseFsyncPolicy(cfg.AOFFsync)
	if err != nil {
		return err
	}

	shutdownHandler := shutdown.NewHandler(shutdownTimeout)

	limits := resp.DefaultLimits()
	if cfg.MaxRequestSize > 0 {
		limits.MaxBulkLen = cfg.MaxRequestSize
	}

	engine, err := storage.New(storage.Config{
		AOFPath:      runtime.AOFPath,
		Fsync:        fsyncPolicy,
		SnapshotPath: cfg.SnapshotPath,
		Limits:       limits,
		Logger:       log,
		OnFatal: func(err error) {
			log.Error("fatal persistence failure", "error", err)
			shutdownHandler.Trigger(err)
		},
	})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	if err := engine.Recover(); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	metrics := metric.New()
	registerEngineMetrics(metrics, engine)

	authn := auth.New(runtime.Users, runtime.DefaultUser)

	server := respserver.New(&respserver.Config{
		Addr:             runtime.ListenAddr,
		MaxConnections:   cfg.MaxConnections,
		MaxRequestSize:   cfg.MaxRequestSize,
		MaxMemory:        cfg.MaxMemory,
		IdleTimeout:      time.Duration(cfg.IdleTimeoutSec) * time.Second,
		RateLimit:        cfg.RateLimit,
		FsyncPolicy:      string(fsyncPolicy),
		NonRedisMode:     config.ParseBool(cfg.NonRedisMode, false),
		DebugResponseIDs: config.ParseBool(cfg.DebugResponseID, false),
	}, engine, authn, metrics, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("bind %s: %w", runtime.ListenAddr, err)
	}

	if config.ParseBool(cfg.DebugResponseID, false) && !config.ParseBool(cfg.NonRedisMode, false) {
		log.Warn("FEDIS_DEBUG_RESPONSE_ID is enabled but FEDIS_NON_REDIS_MODE is off; response IDs are disabled")
	}

	// Background tasks: expiry sampler, interval snapshots, metrics
	// listener, config watcher.
	go engine.Keyspace().RunSampler(ctx, samplerInterval, samplerSize, func(n int) {
		metrics.ExpiredKeys.Add(float64(n))
	})
	go engine.RunSnapshotInterval(ctx, time.Duration(cfg.SnapshotIntervalSec)*time.Second)

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, log); err != nil {
				log.Error("metrics listener failed", "error", err)
			}
		}()
	}

	if configFile != "" {
		if err := confloader.Watch(ctx, configFile, log, func() {
			applyConfigReload(configFile, log)
		}); err != nil {
			log.Warn("config watcher unavailable", "error", err)
		}
	}

	// Shutdown hooks run in reverse registration order: stop background
	// tasks, drain connections, flush the log, close the engine.
	shutdownHandler.OnShutdown(func(context.Context) error {
		log.Info("closing storage engine")
		return engine.Close()
	})
	shutdownHandler.OnShutdown(func(context.Context) error {
		log.Info("flushing append-only log")
		return engine.SyncAOF()
	})
	shutdownHandler.OnShutdown(func(ctx context.Context) error {
		log.Info("draining client connections")
		return server.Shutdown(ctx)
	})
	shutdownHandler.OnShutdown(func(context.Context) error {
		cancel()
		return nil
	})

	log.Info("server ready", "addr", runtime.ListenAddr)
	if err := shutdownHandler.Wait(); err != nil {
		return err
	}
	log.Info("server stopped")
	return nil
}

func loadConfig(configFile string) (*config.ServerConfig, error) {
	cfg := config.Default()

	opts := []confloader.Option{}
	if configFile != "" {
		opts = append(opts, confloader.WithConfigFile(configFile))
	}
	if err := confloader.NewLoader(opts...).Load(cfg); err != nil {
		return nil, err
	}
	if err := config.Verify(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyConfigReload re-reads the config file and applies the safe subset
// of changes at runtime (currently the log level).
func applyConfigReload(configFile string, log *slog.Logger) {
	cfg := config.Default()
	if err := confloader.NewLoader(confloader.WithConfigFile(configFile)).Load(cfg); err != nil {
		log.Warn("config reload failed", "error", err)
		return
	}
	logger.SetLevel(cfg.Log)
	log.Info("log level applied", "level", logger.GetLevel())
}

func registerEngineMetrics(m *metric.Metrics, engine *storage.Engine) {
	ks := engine.Keyspace()
	m.RegisterGaugeFunc("keys", "Live keys in the keyspace.", func() float64 {
		keys, _, _ := ks.Stats()
		return float64(keys)
	})
	m.RegisterGaugeFunc("memory_bytes", "Approximate keyspace memory.", func() float64 {
		_, _, mem := ks.Stats()
		return float64(mem)
	})
	m.RegisterGaugeFunc("aof_records", "Records appended since start.", func() float64 {
		records, _ := engine.AOFStats()
		return float64(records)
	})
	m.RegisterGaugeFunc("aof_bytes_written", "Record bytes appended since start.", func() float64 {
		_, bytes := engine.AOFStats()
		return float64(bytes)
	})
}
