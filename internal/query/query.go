// Package query implements the Query Engine (G, §4.6): raw, aggregated,
// interpolated, and plot-optimized reads that fan out across the Tag
// Registry's in-memory snapshot/candidate and the Storage Adapter's
// archive partitions, then merge and post-process the result.
//
// Grounded on pkg/metricstore's read-path shape (fan out per metric,
// merge in memory) and on pkg/lrucache for result memoization
// (SPEC_FULL.md §4.6).
package query

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aika-project/aika/internal/model"
	"github.com/aika-project/aika/internal/storage"
	"github.com/aika-project/aika/internal/tagstore"
	"github.com/aika-project/aika/pkg/lrucache"
	"github.com/google/uuid"
)

// Defaults per §6.3.
const (
	DefaultMaxSamplesPerQuery       = 20000
	DefaultMaxTagsPerQuery          = 100
	DefaultMaxSamplesPerTagPerQuery = 5000
	DefaultCacheTTL                 = time.Second
)

type Mode int

const (
	ModeRaw Mode = iota
	ModeAggregated
	ModeInterpolated
	ModePlot
)

// VisualizationHint advises rendering clients how to connect samples.
type VisualizationHint int

const (
	TrailingEdge VisualizationHint = iota
	Interpolated
)

// Limits bounds query fan-out, per §6.3/§4.6.
type Limits struct {
	MaxSamplesPerQuery       int
	MaxTagsPerQuery          int
	MaxSamplesPerTagPerQuery int
}

func DefaultLimits() Limits {
	return Limits{
		MaxSamplesPerQuery:       DefaultMaxSamplesPerQuery,
		MaxTagsPerQuery:          DefaultMaxTagsPerQuery,
		MaxSamplesPerTagPerQuery: DefaultMaxSamplesPerTagPerQuery,
	}
}

// Request describes one query across one or more tags.
type Request struct {
	TagIDs      []uuid.UUID
	Mode        Mode
	From, Until time.Time
	Interval    time.Duration // bucket width, used by Aggregated/Interpolated/Plot
	PointCount  int           // raw: max samples per tag; aggregated: <1 means 1
	Aggregation storage.AggregationKind
}

// TagResult is one tag's contribution to a query response.
type TagResult struct {
	TagID  uuid.UUID
	Values []model.Value
	Hint   VisualizationHint
}

// cacheEntry is the memoized result of one mode-specific per-tag fetch
// (raw or aggregated); err is cached too so a failing fetch isn't retried
// on every call within the same tick.
type cacheEntry struct {
	res TagResult
	err error
}

// Engine is the query fan-out/merge implementation. It is a plain value,
// not a singleton: a historian owns exactly one Engine bound to its own
// *tagstore.Store and storage.Adapter.
type Engine struct {
	store    *tagstore.Store
	adapter  storage.Adapter
	limits   Limits
	cache    *lrucache.Cache[cacheEntry]
	cacheTTL time.Duration
}

// New constructs an Engine. cacheMaxMemory <= 0 disables caching.
func New(store *tagstore.Store, adapter storage.Adapter, limits Limits, cacheMaxMemory int, cacheTTL time.Duration) *Engine {
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	var cache *lrucache.Cache[cacheEntry]
	if cacheMaxMemory > 0 {
		cache = lrucache.New[cacheEntry](cacheMaxMemory)
	}
	return &Engine{store: store, adapter: adapter, limits: limits, cache: cache, cacheTTL: cacheTTL}
}

// Query dispatches to the mode-specific implementation, batching tags per
// §4.6's MaxSamplesPerQuery/MaxTagsPerQuery rules.
func (e *Engine) Query(ctx context.Context, req Request) ([]TagResult, error) {
	if len(req.TagIDs) == 0 {
		return nil, nil
	}

	perTagCap := e.perTagCap(req)
	batches := e.batchTags(req.TagIDs, perTagCap)

	results := make([]TagResult, 0, len(req.TagIDs))
	for _, batch := range batches {
		for _, tagID := range batch {
			var (
				res TagResult
				err error
			)
			switch req.Mode {
			case ModeRaw:
				res, err = e.queryRawOne(ctx, tagID, req, perTagCap)
			case ModeAggregated:
				res, err = e.queryAggregatedOne(ctx, tagID, req)
			case ModeInterpolated:
				res, err = e.queryInterpolatedOne(ctx, tagID, req)
			case ModePlot:
				res, err = e.queryPlotOne(ctx, tagID, req)
			default:
				err = fmt.Errorf("query: unknown mode %d", req.Mode)
			}
			if err != nil {
				return nil, err
			}
			results = append(results, res)
		}
	}
	return results, nil
}

func (e *Engine) perTagCap(req Request) int {
	n := req.PointCount
	if n < 1 {
		n = e.limits.MaxSamplesPerTagPerQuery
	}
	if n > e.limits.MaxSamplesPerTagPerQuery {
		n = e.limits.MaxSamplesPerTagPerQuery
	}
	return n
}

// batchTags groups tag ids so that len(batch)*perTagCap <= MaxSamplesPerQuery
// and len(batch) <= MaxTagsPerQuery (§4.6 Raw batching rule, applied to
// every mode for a uniform fan-out shape).
func (e *Engine) batchTags(tagIDs []uuid.UUID, perTagCap int) [][]uuid.UUID {
	maxTagsBySamples := e.limits.MaxSamplesPerQuery / max(perTagCap, 1)
	batchSize := min(e.limits.MaxTagsPerQuery, max(maxTagsBySamples, 1))

	var batches [][]uuid.UUID
	for i := 0; i < len(tagIDs); i += batchSize {
		end := min(i+batchSize, len(tagIDs))
		batches = append(batches, tagIDs[i:end])
	}
	return batches
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// unionLive returns the tag's snapshot and archive-candidate values whose
// sample time falls in [from,until), deduplicated against each other and
// against the sample times already recorded in `seen` (§5: "queries
// must union snapshot + candidate + archive").
func (e *Engine) unionLive(tagID uuid.UUID, from, until time.Time, seen map[int64]bool) []model.Value {
	rt := e.store.Get(tagID)
	if rt == nil {
		return nil
	}

	var out []model.Value
	inRange := func(t time.Time) bool { return !t.Before(from) && t.Before(until) }

	if snap := rt.Snapshot(); snap != nil && inRange(snap.UtcSampleTime) {
		ns := snap.UtcSampleTime.UnixNano()
		if !seen[ns] {
			seen[ns] = true
			out = append(out, *snap)
		}
	}
	if cand := rt.Candidate(); cand != nil && inRange(cand.Value.UtcSampleTime) {
		ns := cand.Value.UtcSampleTime.UnixNano()
		if !seen[ns] {
			seen[ns] = true
			out = append(out, cand.Value)
		}
	}
	return out
}

func mergeSorted(values []model.Value) []model.Value {
	sort.Slice(values, func(i, j int) bool { return values[i].UtcSampleTime.Before(values[j].UtcSampleTime) })
	return values
}

// cacheKey builds a deterministic key for the cache-eligible raw/aggregated
// paths, per §4.6 "keyed on (tags, mode, t0, t1, interval)".
func cacheKey(mode Mode, tagID uuid.UUID, from, until time.Time, interval time.Duration, agg storage.AggregationKind) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d|%s|%d|%d|%d|%d", mode, tagID, from.UnixNano(), until.UnixNano(), interval, agg)
	return b.String()
}
