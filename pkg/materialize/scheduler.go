package materialize

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tracelake/tracelake/internal/model"
	"github.com/tracelake/tracelake/pkg/checkpoint"
	"github.com/tracelake/tracelake/pkg/view"
)

// SchedulerConfig sets the tick interval per granularity tier.
type SchedulerConfig struct {
	SecondInterval time.Duration
	MinuteInterval time.Duration
	HourInterval   time.Duration
}

// DefaultSchedulerConfig ticks each tier at its bucket width.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		SecondInterval: time.Second,
		MinuteInterval: time.Minute,
		HourInterval:   time.Hour,
	}
}

// Scheduler drives background materialization of global views. Each
// granularity tier runs on its own ticker; every tick scans block
// metadata inserted since the view's watermark, derives the affected
// buckets, and re-materializes them. Watermarks advance only after a
// fully successful pass, so a failed tick is retried on the next one.
type Scheduler struct {
	engine      *Engine
	checkpoints *checkpoint.Manager
	clock       Clock
	cfg         SchedulerConfig
}

// NewScheduler creates a scheduler over the engine's registry.
func NewScheduler(engine *Engine, checkpoints *checkpoint.Manager, cfg SchedulerConfig) *Scheduler {
	return &Scheduler{
		engine:      engine,
		checkpoints: checkpoints,
		clock:       SystemClock(),
		cfg:         cfg,
	}
}

// WithClock overrides the scheduler's time source.
func (s *Scheduler) WithClock(c Clock) *Scheduler {
	s.clock = c
	return s
}

// Run blocks until ctx is cancelled, ticking all tiers concurrently.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.tickLoop(ctx, view.GranularitySecond, s.cfg.SecondInterval) })
	g.Go(func() error { return s.tickLoop(ctx, view.GranularityMinute, s.cfg.MinuteInterval) })
	g.Go(func() error { return s.tickLoop(ctx, view.GranularityHour, s.cfg.HourInterval) })

	return g.Wait()
}

func (s *Scheduler) tickLoop(ctx context.Context, g view.Granularity, interval time.Duration) error {
	if interval <= 0 {
		interval = g.Duration()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.RunOnce(ctx, g); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("materialize: %s tick failed: %v", g, err)
			}
		}
	}
}

// RunOnce processes one tick for every global view of the granularity.
// Exported so the CLI can drive a single pass.
func (s *Scheduler) RunOnce(ctx context.Context, g view.Granularity) error {
	now := s.clock.Now().UTC()

	var firstErr error
	for _, def := range s.engine.Registry().ByGranularity(g) {
		if def.IsInstance() {
			continue
		}
		if err := s.advanceView(ctx, def, now); err != nil {
			log.Printf("materialize: view %s: %v", def.Name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *Scheduler) advanceView(ctx context.Context, def *view.Definition, now time.Time) error {
	since := s.checkpoints.Get(def.Name)
	window := model.TimeRange{Start: since, End: now}

	buckets, err := s.affectedBuckets(ctx, def, window)
	if err != nil {
		return err
	}

	for _, bucket := range buckets {
		if _, err := s.engine.MaterializeBucket(ctx, def, model.GlobalKey, bucket); err != nil {
			return err
		}
	}
	return s.checkpoints.Advance(ctx, def.Name, now)
}

// affectedBuckets maps the metadata inserted inside the watermark
// window to the event-time buckets that must be refreshed. Late blocks
// land in old buckets here, which re-materializes the whole bucket and
// supersedes its partition.
func (s *Scheduler) affectedBuckets(ctx context.Context, def *view.Definition, window model.TimeRange) ([]model.TimeRange, error) {
	if window.Start.Equal(window.End) || window.Start.After(window.End) {
		return nil, nil
	}

	// Metadata views bucket by insert time directly.
	if def.BlockKind == "" && def.SourceView == "" {
		return BucketsCovering(def.Granularity, window), nil
	}

	kind := def.BlockKind
	if kind == "" {
		// Chained view: refresh wherever the root block kind changed.
		root, err := s.rootDefinition(def)
		if err != nil {
			return nil, err
		}
		kind = root.BlockKind
		if kind == "" {
			return BucketsCovering(def.Granularity, window), nil
		}
	}

	blocks, err := s.engine.store.ListBlocksInserted(ctx, kind, window)
	if err != nil {
		return nil, err
	}

	seen := make(map[time.Time]bool)
	var buckets []model.TimeRange
	for _, b := range blocks {
		for _, bucket := range BucketsCovering(def.Granularity, model.TimeRange{Start: b.BeginTime, End: b.EndTime}) {
			if seen[bucket.Start] {
				continue
			}
			seen[bucket.Start] = true
			buckets = append(buckets, bucket)
		}
	}
	return buckets, nil
}

func (s *Scheduler) rootDefinition(def *view.Definition) (*view.Definition, error) {
	for def.SourceView != "" {
		src, err := s.engine.Registry().Get(def.SourceView)
		if err != nil {
			return nil, err
		}
		def = src
	}
	return def, nil
}
