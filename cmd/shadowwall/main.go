// Command shadowwall runs the adaptive deception engine: telemetry comes in
// over HTTP or QUIC, the scoring pipeline decides which entities deserve a
// honeypot, and the orchestrator keeps the decoy fleet within budget.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"shadowwall/pkg/api"
	"shadowwall/pkg/config"
	"shadowwall/pkg/decoy"
	"shadowwall/pkg/engine"
	"shadowwall/pkg/ensemble"
	"shadowwall/pkg/ingest"
	"shadowwall/pkg/logging"
	otelobs "shadowwall/pkg/observability/otel"
	"shadowwall/pkg/policy"
	"shadowwall/pkg/sink"
)

const serviceName = "shadowwall"

// weightLoader is implemented by sinks that can hand back the last
// persisted strategy weights for a warm start.
type weightLoader interface {
	Name() string
	LoadWeights(ctx context.Context) (map[string]float64, error)
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", os.Getenv("SHADOWWALL_CONFIG"), "path to YAML config file")
	flag.Parse()

	mgr, err := config.NewManager(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	cfg := mgr.Get()

	logging.Init(serviceName, cfg.LogLevel, cfg.LogConsole)
	log := logging.With("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := otelobs.InitTracer(context.Background(), serviceName, logging.With("otel"))
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(tctx); err != nil {
			log.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	driver, err := buildDriver(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Decoy.Driver).Msg("decoy driver init failed")
	}

	sinks, loaders, err := buildSinks(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("sink init failed")
	}

	var extra []ensemble.Model
	if cfg.Ensemble.WASMModule != "" {
		m, err := ensemble.NewWasmModel(cfg.Ensemble.WASMModule, cfg.Ensemble.WASMFunction)
		if err != nil {
			closeSinks(sinks)
			log.Fatal().Err(err).Str("module", cfg.Ensemble.WASMModule).Msg("wasm model init failed")
		}
		extra = append(extra, m)
	}

	gate, err := policy.Load(cfg.Deception.PolicyPath)
	if err != nil {
		closeSinks(sinks)
		log.Fatal().Err(err).Str("path", cfg.Deception.PolicyPath).Msg("policy load failed")
	}

	eng, err := engine.New(cfg, engine.Deps{
		Driver:      driver,
		Sinks:       sinks,
		Gate:        gate,
		ExtraModels: extra,
		Logger:      logging.Base(),
	})
	if err != nil {
		closeSinks(sinks)
		log.Fatal().Err(err).Msg("engine init failed")
	}
	restoreWeights(ctx, eng, loaders, log)

	// The engine gets its own context so the API can stop accepting work
	// before the pipeline drains.
	engCtx, engCancel := context.WithCancel(context.Background())
	engDone := make(chan struct{})
	go func() {
		eng.Run(engCtx)
		close(engDone)
	}()

	var srv *api.Server
	if cfg.API.Enabled {
		srv = api.NewServer(cfg, eng, logging.With("api"))
		go func() {
			if err := srv.Start(); err != nil {
				log.Error().Err(err).Str("addr", cfg.API.Addr).Msg("api server failed")
				stop()
			}
		}()
		log.Info().Str("addr", cfg.API.Addr).Msg("api listening")
	}

	if cfg.Ingest.QUICAddr != "" {
		lst := ingest.NewListener(cfg.Ingest.QUICAddr, cfg.Ingest.MaxEventBytes, eng, nil, logging.With("ingest"))
		if err := lst.Start(ctx); err != nil {
			log.Error().Err(err).Str("addr", cfg.Ingest.QUICAddr).Msg("quic listener failed")
			stop()
		}
	}

	if mgr.Path() != "" {
		go mgr.Watch(10*time.Second, func(next *config.Config) {
			logging.Init(serviceName, next.LogLevel, next.LogConsole)
			eng.ApplyConfig(next)
			log.Info().Str("log_level", next.LogLevel).Msg("config reloaded")
		}, func(err error) {
			log.Warn().Err(err).Msg("config reload failed")
		}, ctx.Done())
	}

	log.Info().Str("decoy_driver", cfg.Decoy.Driver).Msg("shadowwall up")
	<-ctx.Done()
	stop()
	log.Info().Msg("shutting down")

	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := srv.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("api shutdown failed")
		}
		cancel()
	}
	engCancel()
	<-engDone
}

func buildDriver(cfg *config.Config) (decoy.Driver, error) {
	switch cfg.Decoy.Driver {
	case "docker":
		return decoy.NewDockerDriver(cfg.Decoy.BindHost, cfg.Decoy.DockerImage, logging.With("decoy"))
	default:
		return decoy.NewEmulatorDriver(cfg.Decoy.BindHost, 0, logging.With("decoy")), nil
	}
}

func buildSinks(cfg *config.Config) ([]sink.Persister, []weightLoader, error) {
	var (
		sinks   []sink.Persister
		loaders []weightLoader
	)
	if cfg.Sinks.Ledger.Enabled {
		ls, err := sink.NewLedgerSink(cfg.Sinks.Ledger.Path)
		if err != nil {
			closeSinks(sinks)
			return nil, nil, fmt.Errorf("ledger sink: %w", err)
		}
		sinks = append(sinks, ls)
	}
	if cfg.Sinks.Postgres.Enabled {
		ps, err := sink.NewPostgresSink(cfg.Sinks.Postgres.DSN, cfg.Sinks.Postgres.Migrate)
		if err != nil {
			closeSinks(sinks)
			return nil, nil, fmt.Errorf("postgres sink: %w", err)
		}
		sinks = append(sinks, ps)
		loaders = append(loaders, ps)
	}
	if cfg.Sinks.Redis.Enabled {
		rs, err := sink.NewRedisSink(cfg.Sinks.Redis.Addr, cfg.Sinks.Redis.DB, cfg.Sinks.Redis.KeyPrefix, int(cfg.Sinks.Redis.ListCap))
		if err != nil {
			closeSinks(sinks)
			return nil, nil, fmt.Errorf("redis sink: %w", err)
		}
		sinks = append(sinks, rs)
		loaders = append(loaders, rs)
	}
	return sinks, loaders, nil
}

func closeSinks(sinks []sink.Persister) {
	for _, s := range sinks {
		_ = s.Close()
	}
}

// restoreWeights warm-starts the strategy weights from the first sink that
// has a persisted snapshot, so learned preferences survive restarts.
func restoreWeights(ctx context.Context, eng *engine.Engine, loaders []weightLoader, log zerolog.Logger) {
	for _, wl := range loaders {
		saved, err := wl.LoadWeights(ctx)
		if err != nil {
			log.Warn().Err(err).Str("sink", wl.Name()).Msg("weight restore failed")
			continue
		}
		if n := eng.Weights().Restore(saved); n > 0 {
			log.Info().Int("strategies", n).Str("sink", wl.Name()).Msg("restored adaptive weights")
			return
		}
	}
}
