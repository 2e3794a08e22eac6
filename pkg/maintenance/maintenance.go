// Package maintenance runs the periodic housekeeping sweep: metadata
// deduplication, retirement of partitions left behind by schema
// changes, and garbage collection of retired partition files.
package maintenance

import (
	"context"
	"log"
	"time"

	"github.com/tracelake/tracelake/pkg/cache"
	lkerrors "github.com/tracelake/tracelake/pkg/errors"
	"github.com/tracelake/tracelake/pkg/interfaces"
	"github.com/tracelake/tracelake/pkg/materialize"
	"github.com/tracelake/tracelake/pkg/metadata"
	"github.com/tracelake/tracelake/pkg/view"
)

// Config tunes the sweep cadence and the retired-file grace period.
type Config struct {
	// SweepInterval is the time between housekeeping passes.
	SweepInterval time.Duration

	// GracePeriod is how long a retired partition's file stays in
	// object storage before collection. In-flight readers holding a
	// stale listing keep working inside this window.
	GracePeriod time.Duration
}

// DefaultConfig sweeps hourly and keeps retired files for a day.
func DefaultConfig() Config {
	return Config{
		SweepInterval: time.Hour,
		GracePeriod:   24 * time.Hour,
	}
}

// Report summarizes one sweep.
type Report struct {
	Dedup           metadata.DedupResult
	RetiredBySchema int64
	FilesCollected  int
}

// Sweeper owns the housekeeping pass.
type Sweeper struct {
	store    *metadata.Store
	objects  interfaces.ObjectStorage
	registry *view.Registry
	parts    *cache.PartitionCache
	content  *cache.ContentCache
	clock    materialize.Clock
	cfg      Config
}

// NewSweeper creates a sweeper.
func NewSweeper(store *metadata.Store, objects interfaces.ObjectStorage, registry *view.Registry,
	parts *cache.PartitionCache, content *cache.ContentCache, cfg Config) *Sweeper {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultConfig().GracePeriod
	}
	return &Sweeper{
		store:    store,
		objects:  objects,
		registry: registry,
		parts:    parts,
		content:  content,
		clock:    materialize.SystemClock(),
		cfg:      cfg,
	}
}

// WithClock overrides the sweeper's time source.
func (s *Sweeper) WithClock(c materialize.Clock) *Sweeper {
	s.clock = c
	return s
}

// Run blocks until ctx is cancelled, sweeping on each tick.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			report, err := s.Sweep(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("maintenance: sweep failed: %v", err)
				continue
			}
			if report.Dedup.Total() > 0 || report.RetiredBySchema > 0 || report.FilesCollected > 0 {
				log.Printf("maintenance: deduped %d rows, retired %d partitions, collected %d files",
					report.Dedup.Total(), report.RetiredBySchema, report.FilesCollected)
			}
		}
	}
}

// Sweep runs one housekeeping pass. Each stage is independent; a
// failure in one does not stop the others, and the stage errors come
// back collected alongside the partial report.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var (
		report Report
		errs   lkerrors.MultiError
	)

	dedup, err := s.store.Deduplicate(ctx)
	errs.Add(err)
	report.Dedup = dedup

	retired, err := s.retireStaleSchemas(ctx)
	errs.Add(err)
	report.RetiredBySchema = retired

	collected, err := s.collectRetired(ctx)
	errs.Add(err)
	report.FilesCollected = collected

	return report, errs.Combined()
}

// retireStaleSchemas retires every live partition whose fingerprint no
// longer matches its view's current definition.
func (s *Sweeper) retireStaleSchemas(ctx context.Context) (int64, error) {
	var total int64
	for _, def := range s.registry.List() {
		live, err := s.store.ListPartitions(ctx, metadata.PartitionQuery{View: def.Name})
		if err != nil {
			return total, err
		}
		stale := make(map[string]bool)
		for _, p := range live {
			if p.SchemaFingerprint != def.Fingerprint() {
				stale[p.SchemaFingerprint] = true
			}
		}
		if len(stale) == 0 {
			continue
		}

		n, err := s.store.RetireByFingerprint(ctx, def.Name, def.Fingerprint())
		if err != nil {
			return total, err
		}
		for fp := range stale {
			log.Printf("maintenance: %v", lkerrors.IncompatibleSchema(def.Name, def.Fingerprint(), fp))
		}
		s.parts.InvalidateView(def.Name)
		total += n
	}
	return total, nil
}

// collectRetired deletes files of partitions retired longer ago than
// the grace period, then drops their metadata rows. A path still
// referenced by a live partition (a bucket re-materialized under the
// same fingerprint after a retirement) keeps its object; only the
// retired rows go. File deletion happens first so a crash leaves at
// worst a metadata row pointing at a missing object, which the next
// sweep finishes off.
func (s *Sweeper) collectRetired(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().UTC().Add(-s.cfg.GracePeriod)
	expired, err := s.store.ListRetiredBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	seen := make(map[string]bool, len(expired))
	var paths []string
	for _, p := range expired {
		if seen[p.FilePath] {
			continue
		}
		seen[p.FilePath] = true
		inUse, err := s.store.PathInUse(ctx, p.FilePath)
		if err != nil {
			return 0, err
		}
		if inUse {
			continue
		}
		paths = append(paths, p.FilePath)
	}
	if len(paths) > 0 {
		if err := s.objects.DeleteMany(ctx, paths); err != nil {
			return 0, err
		}
	}

	deleted := make(map[string]bool, len(paths))
	for _, path := range paths {
		deleted[path] = true
	}
	for _, p := range expired {
		if err := s.store.DeleteRetired(ctx, p); err != nil {
			return len(paths), err
		}
		if deleted[p.FilePath] {
			s.content.Invalidate(p.FilePath)
		}
	}
	return len(paths), nil
}
