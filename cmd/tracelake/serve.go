package main

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tracelake/tracelake/pkg/cache"
	"github.com/tracelake/tracelake/pkg/checkpoint"
	"github.com/tracelake/tracelake/pkg/config"
	"github.com/tracelake/tracelake/pkg/interfaces"
	"github.com/tracelake/tracelake/pkg/lifecycle"
	"github.com/tracelake/tracelake/pkg/maintenance"
	"github.com/tracelake/tracelake/pkg/materialize"
	"github.com/tracelake/tracelake/pkg/metadata"
	"github.com/tracelake/tracelake/pkg/query"
	"github.com/tracelake/tracelake/pkg/storage/object"
	"github.com/tracelake/tracelake/pkg/storage/s3"
	"github.com/tracelake/tracelake/pkg/telemetry"
	"github.com/tracelake/tracelake/pkg/view"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the materialization daemon",
	Long: `Run the scheduler and maintenance loops until interrupted.

The daemon materializes every registered global view on its granularity
tick, advances watermarks after successful passes, and sweeps metadata
duplicates and retired partitions in the background.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	shutdown := lifecycle.NewManager(0)
	return shutdown.Run(func(ctx context.Context) error {
		if cfg.Telemetry.Enabled {
			tcfg := telemetry.DefaultConfig()
			tcfg.Endpoint = cfg.Telemetry.Endpoint
			tcfg.ServiceVersion = version
			stop, err := telemetry.Setup(ctx, tcfg)
			if err != nil {
				return fmt.Errorf("telemetry setup: %w", err)
			}
			shutdown.RegisterFunc(func() error { return stop(context.Background()) })
		}

		lake, err := openLake(ctx, cfg)
		if err != nil {
			return err
		}
		shutdown.Register(lake)

		log.Printf("tracelake %s: %d views registered, storage=%s",
			version, len(lake.registry.List()), lake.objects.Scheme())

		scheduler := materialize.NewScheduler(lake.engine, lake.checkpoints, materialize.SchedulerConfig{
			SecondInterval: cfg.Materialize.SecondInterval,
			MinuteInterval: cfg.Materialize.MinuteInterval,
			HourInterval:   cfg.Materialize.HourInterval,
		})
		sweeper := newSweeper(lake, cfg)

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return scheduler.Run(ctx) })
		g.Go(func() error { return sweeper.Run(ctx) })

		err = g.Wait()
		if err == context.Canceled {
			return nil
		}
		return err
	})
}

// lake bundles the wired components shared by the daemon and the admin
// commands.
type lake struct {
	store       *metadata.Store
	objects     interfaces.ObjectStorage
	registry    *view.Registry
	parts       *cache.PartitionCache
	content     *cache.ContentCache
	engine      *materialize.Engine
	gen         *materialize.Generator
	bridge      *query.Bridge
	checkpoints *checkpoint.Manager
}

func openLake(ctx context.Context, cfg *config.Config) (*lake, error) {
	store, err := metadata.New(cfg.Metadata.Database)
	if err != nil {
		return nil, fmt.Errorf("metadata store: %w", err)
	}

	objects, err := buildStorage(ctx, cfg)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("object storage: %w", err)
	}

	registry := view.NewRegistry()
	if err := view.RegisterBuiltins(registry); err != nil {
		store.Close()
		return nil, err
	}

	parts := cache.NewPartitionCache(cfg.Cache.PartitionEntries)
	content := cache.NewContentCache(cfg.Cache.ContentBytes)

	engine := materialize.NewEngine(store, objects, registry, parts, content, materialize.Config{
		LeaseWait:    cfg.Materialize.LeaseWait,
		WriteRetries: cfg.Materialize.WriteRetries,
		WriteBackoff: cfg.Materialize.WriteBackoff,
	})
	gen := materialize.NewGenerator(engine)

	backend, err := buildCheckpointBackend(ctx, cfg)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("checkpoint backend: %w", err)
	}
	checkpoints, err := checkpoint.NewManager(ctx, backend)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("checkpoint manager: %w", err)
	}

	return &lake{
		store:       store,
		objects:     objects,
		registry:    registry,
		parts:       parts,
		content:     content,
		engine:      engine,
		gen:         gen,
		bridge:      query.NewBridge(engine, gen, store, parts),
		checkpoints: checkpoints,
	}, nil
}

// Close releases the lake's resources.
func (l *lake) Close() error {
	return l.store.Close()
}

func newSweeper(l *lake, cfg *config.Config) *maintenance.Sweeper {
	return maintenance.NewSweeper(l.store, l.objects, l.registry, l.parts, l.content, maintenance.Config{
		SweepInterval: cfg.Maintenance.SweepInterval,
		GracePeriod:   cfg.Maintenance.GracePeriod,
	})
}

func buildStorage(ctx context.Context, cfg *config.Config) (interfaces.ObjectStorage, error) {
	switch cfg.Storage.Backend {
	case "", "local":
		return object.NewLocalStorage(cfg.Storage.Root)
	case "s3":
		scfg := s3.DefaultConfig(cfg.Storage.Bucket, cfg.Storage.Region)
		scfg.Endpoint = cfg.Storage.Endpoint
		scfg.UsePathStyle = cfg.Storage.UsePathStyle
		return s3.NewStorage(ctx, scfg)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func buildCheckpointBackend(ctx context.Context, cfg *config.Config) (checkpoint.Backend, error) {
	switch cfg.Checkpoint.Backend {
	case "", "local":
		return checkpoint.NewLocalBackend(cfg.Checkpoint.Dir)
	case "redis":
		rcfg := checkpoint.DefaultRedisConfig(cfg.Checkpoint.RedisAddr)
		rcfg.Password = cfg.Checkpoint.RedisPassword
		rcfg.Database = cfg.Checkpoint.RedisDB
		return checkpoint.NewRedisBackend(rcfg)
	case "s3":
		scfg := checkpoint.DefaultS3Config(cfg.Checkpoint.Bucket)
		if cfg.Checkpoint.Prefix != "" {
			scfg.Prefix = cfg.Checkpoint.Prefix
		}
		scfg.Region = cfg.Storage.Region
		scfg.Endpoint = cfg.Storage.Endpoint
		scfg.UsePathStyle = cfg.Storage.UsePathStyle
		return checkpoint.NewS3Backend(ctx, scfg)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Checkpoint.Backend)
	}
}
