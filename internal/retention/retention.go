// Package retention implements the archive-partition retention sweep
// referenced by SPEC_FULL.md §4.4: a daily gocron job that drops archive
// partitions older than a configured age, for adapters that support
// storage.PartitionPruner.
//
// Grounded on internal/taskmanager/retentionService.go's
// RegisterRetentionDeleteService (gocron.DailyJob at a fixed hour) and
// internal/taskmanager/taskManager.go's Scheduler lifecycle, adapted from
// job-row deletion to archive-partition deletion and from a package-level
// scheduler singleton to a value owned by the daemon (no singletons, per
// SPEC_FULL.md §9).
package retention

import (
	"context"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/aika-project/aika/internal/storage"
	"github.com/go-co-op/gocron/v2"
)

// Config controls the retention sweep (SPEC_FULL.md §6.3 `retention`).
type Config struct {
	Enabled   bool `json:"enabled"`
	MaxAgeDays int `json:"maxAgeDays"`
	SweepHour int  `json:"sweepHour"`
}

// Sweeper owns a gocron.Scheduler running the retention job. It is a plain
// value, not a package-level singleton.
type Sweeper struct {
	scheduler gocron.Scheduler
	adapter   storage.Adapter
	cfg       Config
}

// New constructs a Sweeper. If adapter does not implement
// storage.PartitionPruner, Start is a no-op (logged once).
func New(adapter storage.Adapter, cfg Config) (*Sweeper, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Sweeper{scheduler: s, adapter: adapter, cfg: cfg}, nil
}

// Start registers the daily sweep job and starts the scheduler. Call
// Shutdown to stop it.
func (s *Sweeper) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		cclog.Info("retention: sweep disabled")
		return nil
	}

	pruner, ok := s.adapter.(storage.PartitionPruner)
	if !ok {
		cclog.Warn("retention: storage adapter does not support partition pruning, sweep disabled")
		return nil
	}

	hour := s.cfg.SweepHour
	if hour < 0 || hour > 23 {
		hour = 3
	}

	_, err := s.scheduler.NewJob(
		gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(uint(hour), 0, 0))),
		gocron.NewTask(func() { s.sweep(ctx, pruner) }),
	)
	if err != nil {
		return err
	}

	s.scheduler.Start()
	cclog.Infof("retention: sweep scheduled daily at %02d:00, max age %d days", hour, s.cfg.MaxAgeDays)
	return nil
}

func (s *Sweeper) sweep(ctx context.Context, pruner storage.PartitionPruner) {
	partitions, err := pruner.ListArchivePartitions(ctx)
	if err != nil {
		cclog.Errorf("retention: list partitions: %v", err)
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.MaxAgeDays)
	dropped := 0
	for _, p := range partitions {
		t, err := time.Parse("2006-01", p.Suffix)
		if err != nil {
			cclog.Warnf("retention: partition %q has unparseable suffix %q, skipping", p.Name, p.Suffix)
			continue
		}
		if t.Before(cutoff) {
			if err := pruner.DropArchivePartition(ctx, p.Name); err != nil {
				cclog.Errorf("retention: drop partition %q: %v", p.Name, err)
				continue
			}
			dropped++
		}
	}
	if dropped > 0 {
		cclog.Infof("retention: dropped %d partitions older than %s", dropped, cutoff.Format("2006-01-02"))
	}
}

// Shutdown stops the scheduler.
func (s *Sweeper) Shutdown() error {
	return s.scheduler.Shutdown()
}
