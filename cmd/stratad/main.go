package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/strataops/strata/internal/archiver"
	"github.com/strataops/strata/internal/backend"
	"github.com/strataops/strata/internal/blob"
	"github.com/strataops/strata/internal/config"
	"github.com/strataops/strata/internal/events"
	"github.com/strataops/strata/internal/local"
	"github.com/strataops/strata/internal/memory"
	"github.com/strataops/strata/internal/meta"
	"github.com/strataops/strata/internal/metrics"
	"github.com/strataops/strata/internal/migrate"
	"github.com/strataops/strata/internal/object"
	"github.com/strataops/strata/internal/probe"
	"github.com/strataops/strata/internal/quota"
	"github.com/strataops/strata/internal/registry"
	"github.com/strataops/strata/internal/router"
	"github.com/strataops/strata/internal/serve"
	"github.com/strataops/strata/internal/types"
	"github.com/strataops/strata/pkg/natsutil"
	"github.com/strataops/strata/pkg/s3util"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("stratad %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Observability.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("fatal error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Metadata store
	metaStore, err := meta.NewBoltStore(cfg.Metadata.Path, logger.Named("meta"))
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}
	defer metaStore.Close()

	// Tier backends
	var s3Client *s3util.Client
	newBackend := func(name string, tc config.TierConfig) (backend.Backend, error) {
		blog := logger.Named(tc.Backend).With(zap.String("tier", name))
		switch tc.Backend {
		case "memory":
			return memory.NewStore(int64(tc.Capacity), blog), nil
		case "local":
			return local.NewStore(tc.Local, int64(tc.Capacity), blog)
		case "minio":
			return object.NewStore(tc.Object, int64(tc.Capacity), blog)
		case "s3":
			c, err := s3util.NewClient(ctx, tc.Blob)
			if err != nil {
				return nil, fmt.Errorf("creating S3 client: %w", err)
			}
			s3Client = c
			return blob.NewStore(c.S3, tc.Blob, int64(tc.Capacity), blog), nil
		default:
			return nil, fmt.Errorf("tiers.%s: unknown backend %q", name, tc.Backend)
		}
	}

	coreStore, err := newBackend("core", cfg.Tiers.Core)
	if err != nil {
		return err
	}
	mainStore, err := newBackend("main", cfg.Tiers.Main)
	if err != nil {
		return err
	}
	archiveStore, err := newBackend("archive", cfg.Tiers.Archive)
	if err != nil {
		return err
	}

	reg := registry.New(cfg.Tiers, coreStore, mainStore, archiveStore)
	defer reg.Close()

	// Archiver key
	key, err := loadKey(cfg.Archiver)
	if err != nil {
		return fmt.Errorf("loading archiver key: %w", err)
	}
	arch, err := archiver.New(key, reg, metaStore, logger.Named("archiver"))
	if err != nil {
		return fmt.Errorf("creating archiver: %w", err)
	}

	// Event publisher
	var pub events.Publisher = events.NopPublisher{}
	var nc *nats.Conn
	if cfg.Events.Enabled {
		nc, err = natsutil.Connect(cfg.Events, logger.Named("nats"))
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer nc.Close()
		pub = events.NewNATSPublisher(nc, cfg.Events.SubjectPrefix, logger.Named("events"))
	}

	engine := migrate.NewEngine(reg, metaStore, arch, pub, cfg.Migration, logger.Named("migrate"))

	// Recover jobs interrupted by a crash before accepting new work.
	if err := engine.Recover(ctx); err != nil {
		return fmt.Errorf("recovering interrupted jobs: %w", err)
	}

	monitor := quota.NewMonitor(reg, metaStore, engine, pub, cfg.Migration, logger.Named("quota"))

	endpoints := make([]types.Endpoint, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		endpoints = append(endpoints, types.Endpoint{ID: ep.ID, URL: ep.URL})
	}
	prober := probe.New(cfg.Prober, endpoints, nil, pub, logger.Named("probe"))
	rtr := router.New(prober, cfg.Router, logger.Named("router"))

	g, gctx := errgroup.WithContext(ctx)

	triggers := make(chan types.MigrationTrigger, 8)
	g.Go(func() error { return monitor.Run(gctx, triggers) })
	g.Go(func() error { return engine.RunLoop(gctx, triggers) })

	if len(endpoints) > 0 {
		g.Go(func() error { return prober.Run(gctx) })
	}

	if cfg.API.Enabled {
		g.Go(func() error {
			return serve.RunHTTP(gctx, cfg.API, serve.Deps{
				Engine: engine,
				Meta:   metaStore,
				Arch:   arch,
				Prober: prober,
				Router: rtr,
				Reg:    reg,
			}, logger.Named("api"))
		})
	}

	if cfg.Observability.Metrics.Enabled {
		g.Go(func() error { return metrics.RunServer(gctx, cfg.Observability.Metrics) })
	}

	if cfg.Observability.Health.Enabled {
		checker := metrics.NewHealthChecker(nc, metaStore, s3Client)
		g.Go(func() error {
			return metrics.RunHealthServer(gctx, cfg.Observability.Health, checker)
		})
	}

	logger.Info("stratad started",
		zap.String("version", version),
		zap.Int("endpoints", len(endpoints)),
		zap.Duration("check_interval", cfg.Migration.CheckInterval.Duration()),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("shutting down")
	return nil
}

func loadKey(cfg config.ArchiverConfig) ([]byte, error) {
	if cfg.KeyFile != "" {
		data, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		return archiver.ParseKey(string(data))
	}
	if cfg.Key != "" {
		return archiver.ParseKey(cfg.Key)
	}
	return nil, fmt.Errorf("archiver key is required (key_file or key)")
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level.SetLevel(zap.DebugLevel)
	case "info":
		zapCfg.Level.SetLevel(zap.InfoLevel)
	case "warn":
		zapCfg.Level.SetLevel(zap.WarnLevel)
	case "error":
		zapCfg.Level.SetLevel(zap.ErrorLevel)
	}

	return zapCfg.Build()
}
