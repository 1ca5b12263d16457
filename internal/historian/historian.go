// Package historian wires the Tag Registry, Write-Behind Batchers, Query
// Engine, and retention sweep into the single entrypoint SPEC_FULL.md
// §4.8 calls `Historian.WriteTagValues(tagId, samples)`, plus the query
// surface §4.6 describes. It is a plain value, never a package-level
// singleton (spec.md §9): cmd/aikad owns exactly one per process, and
// tests are free to construct as many as they like against isolated
// storage adapters.
//
// Grounded on pkg/metricstore.MemoryStore's role as the one object gluing
// together ingestion, the background checkpoint worker, and the query
// API (FetchData) in the teacher.
package historian

import (
	"context"
	"fmt"
	"sync"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/aika-project/aika/internal/metrics"
	"github.com/aika-project/aika/internal/model"
	"github.com/aika-project/aika/internal/query"
	"github.com/aika-project/aika/internal/retention"
	"github.com/aika-project/aika/internal/storage"
	"github.com/aika-project/aika/internal/tagstore"
	"github.com/aika-project/aika/internal/writebehind"
	"github.com/google/uuid"
)

// Config bundles the knobs historian.New needs beyond the storage adapter
// itself (§6.3's core options).
type Config struct {
	SnapshotWriteInterval time.Duration
	ArchiveWriteInterval  time.Duration
	SuffixFunc            storage.SuffixFunc
	QueryLimits           query.Limits
	QueryCacheMaxMemory   int
	QueryCacheTTL         time.Duration
	Retention             retention.Config
}

// Historian is the wired-together core (components D-H) plus the
// background workers that drive it (§4.9). Construct with New, call Load
// once at startup, Start to begin background flushing/sweeping, and
// Shutdown to drain on exit.
type Historian struct {
	adapter   storage.Adapter
	registry  *tagstore.Store
	snapshots *writebehind.SnapshotBatcher
	archives  *writebehind.ArchiveBatcher
	sweeper   *retention.Sweeper
	query     *query.Engine
	metrics   *metrics.Recorder
}

// New constructs a Historian bound to adapter. Call Load before serving
// traffic.
func New(adapter storage.Adapter, cfg Config, rec *metrics.Recorder) (*Historian, error) {
	registry := tagstore.New(adapter)

	snapshots := writebehind.NewSnapshotBatcher(adapter, cfg.SnapshotWriteInterval)
	archives := writebehind.NewArchiveBatcher(adapter, cfg.ArchiveWriteInterval, cfg.SuffixFunc, func(id uuid.UUID) (model.TagDefinition, bool) {
		rt := registry.Get(id)
		if rt == nil {
			return model.TagDefinition{}, false
		}
		return rt.Tag, true
	})

	sweeper, err := retention.New(adapter, cfg.Retention)
	if err != nil {
		return nil, fmt.Errorf("historian: construct retention sweeper: %w", err)
	}

	qe := query.New(registry, adapter, cfg.QueryLimits, cfg.QueryCacheMaxMemory, cfg.QueryCacheTTL)

	if rec == nil {
		rec = metrics.NewRecorder()
	}

	return &Historian{
		adapter:   adapter,
		registry:  registry,
		snapshots: snapshots,
		archives:  archives,
		sweeper:   sweeper,
		query:     qe,
		metrics:   rec,
	}, nil
}

// Load populates the Tag Registry from the storage adapter (§4.7 init).
func (h *Historian) Load(ctx context.Context) error {
	return h.registry.Load(ctx)
}

// Start launches the background batcher flush loops, tracked by wg so the
// caller can wait on them at shutdown, and the retention sweep (§4.9),
// which runs on its own scheduler and is stopped by Shutdown.
func (h *Historian) Start(ctx context.Context, wg *sync.WaitGroup) error {
	h.snapshots.Run(ctx, wg)
	h.archives.Run(ctx, wg)
	return h.sweeper.Start(ctx)
}

// Shutdown stops the retention scheduler and performs one best-effort
// final flush of both batchers, draining anything enqueued since the last
// tick (§4.9 "final best-effort batcher flush").
func (h *Historian) Shutdown(ctx context.Context) error {
	if err := h.sweeper.Shutdown(); err != nil {
		cclog.Warnf("historian: retention sweeper shutdown: %v", err)
	}
	h.snapshots.Flush(ctx)
	h.archives.Flush(ctx)
	return nil
}

// WriteTagValues is the in-process ingestion entrypoint (§4.8): it drives
// tagID's runtime state machine for each sample in order, and enqueues
// every accepted outcome onto the write-behind batchers.
func (h *Historian) WriteTagValues(tagID uuid.UUID, samples []model.Value) (tagstore.WriteResult, error) {
	result, err := h.registry.WriteTagValues(tagID, samples, func(outcome tagstore.WriteOutcome) {
		h.snapshots.Enqueue(tagID, outcome.Snapshot)
		if len(outcome.ToArchive) > 0 || outcome.Candidate != nil {
			h.archives.Enqueue(tagID, outcome.ToArchive, outcome.Candidate)
		}
	})
	if err != nil {
		h.metrics.RecordReject(tagID, "write-error")
		return tagstore.WriteResult{}, err
	}
	rejected := len(samples) - result.SampleCount
	if rejected > 0 {
		h.metrics.RecordRejectN(tagID, "non-monotonic", rejected)
	}
	return result, nil
}

// Query runs a read through the Query Engine (§4.6).
func (h *Historian) Query(ctx context.Context, req query.Request) ([]query.TagResult, error) {
	return h.query.Query(ctx, req)
}

// Registry exposes the Tag Registry for tag CRUD operations (§4.7),
// create/update/delete go straight through it.
func (h *Historian) Registry() *tagstore.Store {
	return h.registry
}
