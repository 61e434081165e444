package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"dossio.org/api"
	"dossio.org/bus"
	"dossio.org/cache"
	"dossio.org/common"
	"dossio.org/config"
	"dossio.org/db"
	"dossio.org/fetch"
	"dossio.org/handler"
	dhttp "dossio.org/http"
	"dossio.org/llm"
	"dossio.org/planner"
	"dossio.org/refresh"
	"dossio.org/scheduler"
	"dossio.org/sources/github"
	"dossio.org/sources/linkedin"
	"dossio.org/sources/scholar"
	"dossio.org/store"
	"dossio.org/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the analysis API server with an embedded refresh pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runServe(cmd.Context(), cfg)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "run a standalone background refresh worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runWorker(cmd.Context(), cfg)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "create the database tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		pg, err := db.NewPostgresDB(cfg.Database.URL)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := store.NewPostgres(pg).CreateTables(cmd.Context()); err != nil {
			return err
		}
		// GormStore runs AutoMigrate for the cache tables on open.
		if _, err := cache.NewGormStore(cfg.Database.URL); err != nil {
			return err
		}
		common.Logger.Info("migration complete")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print build information",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.GetBuildInfo()
		fmt.Printf("dossio %s (%s, %s)\n", info.MainVersion, info.MainModule, info.GoVersion)
	},
}

// services bundles the wired engine and its lifecycle hooks.
type services struct {
	engine *scheduler.Engine
	store  store.Store
	bus    bus.Bus
	queue  refresh.Queue
	closer []func() error
}

func (s *services) close() {
	for i := len(s.closer) - 1; i >= 0; i-- {
		if err := s.closer[i](); err != nil {
			common.Logger.WithError(err).Warn("shutdown cleanup failed")
		}
	}
}

// buildServices wires the production engine: postgres store, gorm cache,
// redis locks and bus, the configured refresh queue, fetcher, and model
// router, with all three sources registered.
func buildServices(ctx context.Context, cfg *config.Config) (*services, error) {
	s := &services{}

	pg, err := db.NewPostgresDB(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	s.closer = append(s.closer, func() error { pg.Close(); return nil })

	st := store.NewPostgres(pg)
	if cfg.Database.Migrate {
		if err := st.CreateTables(ctx); err != nil {
			s.close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	s.store = st

	artifacts, err := cache.NewGormStore(cfg.Database.URL)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("cache store: %w", err)
	}

	locks, err := cache.NewRedisLock(cfg.Redis.URL)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("redis locks: %w", err)
	}
	s.closer = append(s.closer, locks.Close)

	wakeBus, err := bus.NewRedis(cfg.Redis.URL)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("redis bus: %w", err)
	}
	s.closer = append(s.closer, wakeBus.Close)
	s.bus = wakeBus

	pl := planner.New()
	reg := handler.NewRegistry()
	ctrl := cache.NewController(artifacts, artifacts.Runs(), locks, cfg.Cache, pl.Version)

	fetcher, err := fetch.New(cfg.Fetch)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("fetcher: %w", err)
	}
	s.closer = append(s.closer, fetcher.Close)

	models, err := llm.NewRouter(cfg.LLM)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("llm router: %w", err)
	}

	scholar.Register(pl, reg, ctrl, fetcher, models)
	github.Register(pl, reg, ctrl, fetcher, models)
	linkedin.Register(pl, reg, ctrl, fetcher, models)

	queue, err := newQueue(ctx, cfg)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("refresh queue: %w", err)
	}
	s.closer = append(s.closer, queue.Close)
	s.queue = queue

	sched := scheduler.New(st, reg, wakeBus, cfg.Scheduler)
	s.engine = scheduler.NewEngine(st, ctrl, pl, sched, queue)
	return s, nil
}

func newQueue(ctx context.Context, cfg *config.Config) (refresh.Queue, error) {
	switch cfg.Queue.Backend {
	case "rabbit":
		return refresh.NewRabbitQueue(cfg.Queue.RabbitURL, cfg.Queue.Name)
	default:
		return refresh.NewRedisQueue(ctx, cfg.Redis.URL, cfg.Queue.Name)
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.close()

	pool := refresh.NewPool(svc.queue, svc.engine, cfg.Queue.Workers)
	pool.Start()
	defer pool.Stop()

	e := dhttp.NewEchoServer(cfg.Server)
	e.GET("/health", dhttp.HealthHandler(cfg.Service.Name, cfg.Service.Version, func() map[string]interface{} {
		return map[string]interface{}{
			"queue_backend": cfg.Queue.Backend,
			"workers":       cfg.Scheduler.Workers,
		}
	}))
	api.New(svc.engine, svc.store, svc.bus, cfg).Register(e)

	return dhttp.Start(ctx, e, cfg.Server)
}

func runWorker(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.close()

	pool := refresh.NewPool(svc.queue, svc.engine, cfg.Queue.Workers)
	pool.Start()
	common.Logger.WithField("workers", cfg.Queue.Workers).Info("refresh worker running")

	<-ctx.Done()
	pool.Stop()
	return nil
}
