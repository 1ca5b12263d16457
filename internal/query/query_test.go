package query

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/ClusterCockpit/cc-lib/v2/schema"
	"github.com/aika-project/aika/internal/model"
	"github.com/aika-project/aika/internal/storage"
	"github.com/aika-project/aika/internal/tagstore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// newTestTag registers a numeric tag with filters disabled, so every
// written sample is accepted and archived, keeping the query fixtures
// predictable.
func newTestTag(t *testing.T, store *tagstore.Store, name string) uuid.UUID {
	t.Helper()
	tag := model.TagDefinition{
		ID:       uuid.New(),
		Name:     name,
		DataType: model.FloatingPoint,
	}
	require.NoError(t, store.CreateTag(context.Background(), tag, nil))
	return tag.ID
}

// writeAndArchive drives a sample through the tag runtime and, for every
// accepted outcome, synchronously mirrors what the write-behind batchers
// would eventually persist: the snapshot and any archived values.
func writeAndArchive(t *testing.T, store *tagstore.Store, adapter storage.Adapter, tagID uuid.UUID, samples []model.Value) {
	t.Helper()
	ctx := context.Background()
	byPartition := map[string][]storage.ArchiveDoc{}

	_, err := store.WriteTagValues(tagID, samples, func(outcome tagstore.WriteOutcome) {
		require.NoError(t, adapter.PutSnapshot(ctx, tagID, outcome.Snapshot))
		if outcome.Candidate != nil {
			require.NoError(t, adapter.PutArchiveCandidate(ctx, tagID, *outcome.Candidate))
		}
		for _, v := range outcome.ToArchive {
			suffix := storage.DefaultSuffix(model.TagDefinition{}, v)
			byPartition[suffix] = append(byPartition[suffix], storage.ArchiveDoc{ID: uuid.New(), TagID: tagID, Value: v})
		}
	})
	require.NoError(t, err)
	if len(byPartition) > 0 {
		require.NoError(t, adapter.BulkAppendArchive(ctx, byPartition))
	}
}

func newFileAdapter(t *testing.T) storage.Adapter {
	t.Helper()
	cfg, err := json.Marshal(map[string]string{"kind": "file", "path": t.TempDir()})
	require.NoError(t, err)
	a, err := storage.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func numeric(at time.Time, v float64) model.Value {
	return model.Value{UtcSampleTime: at, NumericValue: schema.Float(v), Quality: model.QualityGood}
}

func TestRawQueryUnionsSnapshotCandidateAndArchive(t *testing.T) {
	adapter := newFileAdapter(t)
	store := tagstore.New(adapter)
	tagID := newTestTag(t, store, "raw.tag")

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	samples := []model.Value{
		numeric(base, 1),
		numeric(base.Add(time.Minute), 5),
		numeric(base.Add(2*time.Minute), 9),
	}
	writeAndArchive(t, store, adapter, tagID, samples)

	e := New(store, adapter, DefaultLimits(), 0, 0)
	results, err := e.Query(context.Background(), Request{
		TagIDs: []uuid.UUID{tagID},
		Mode:   ModeRaw,
		From:   base.Add(-time.Hour),
		Until:  base.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, results, 1)

	got := results[0]
	require.Equal(t, TrailingEdge, got.Hint)
	require.Len(t, got.Values, 3)
	for i := 1; i < len(got.Values); i++ {
		require.True(t, got.Values[i-1].UtcSampleTime.Before(got.Values[i].UtcSampleTime))
	}
	require.Equal(t, float64(9), float64(got.Values[2].NumericValue))
}

func TestRawQueryRespectsPerTagCap(t *testing.T) {
	adapter := newFileAdapter(t)
	store := tagstore.New(adapter)
	tagID := newTestTag(t, store, "raw.capped")

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var samples []model.Value
	for i := 0; i < 10; i++ {
		samples = append(samples, numeric(base.Add(time.Duration(i)*time.Second), float64(i)))
	}
	writeAndArchive(t, store, adapter, tagID, samples)

	e := New(store, adapter, DefaultLimits(), 0, 0)
	results, err := e.Query(context.Background(), Request{
		TagIDs:     []uuid.UUID{tagID},
		Mode:       ModeRaw,
		From:       base.Add(-time.Minute),
		Until:      base.Add(time.Minute),
		PointCount: 3,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, results[0].Values, 3)
	// The cap keeps the most recent samples, not the earliest.
	require.Equal(t, float64(9), float64(results[0].Values[2].NumericValue))
}

// TestRawQueryPerTagCapKeepsTrueLatestRun exercises a cap that admits more
// than one rescued live sample, so a truncation-direction bug (discarding
// the most recent archived rows before the union instead of after) would
// surface a non-contiguous, stale set of values instead of failing len().
func TestRawQueryPerTagCapKeepsTrueLatestRun(t *testing.T) {
	adapter := newFileAdapter(t)
	store := tagstore.New(adapter)
	tagID := newTestTag(t, store, "raw.capped.run")

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var samples []model.Value
	for i := 0; i < 10; i++ {
		samples = append(samples, numeric(base.Add(time.Duration(i)*time.Second), float64(i)))
	}
	writeAndArchive(t, store, adapter, tagID, samples)

	e := New(store, adapter, DefaultLimits(), 0, 0)
	results, err := e.Query(context.Background(), Request{
		TagIDs:     []uuid.UUID{tagID},
		Mode:       ModeRaw,
		From:       base.Add(-time.Minute),
		Until:      base.Add(time.Minute),
		PointCount: 5,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, results[0].Values, 5)
	for i, v := range results[0].Values {
		require.Equal(t, float64(5+i), float64(v.NumericValue))
	}
}

func TestAggregatedQueryBucketsByInterval(t *testing.T) {
	adapter := newFileAdapter(t)
	store := tagstore.New(adapter)
	tagID := newTestTag(t, store, "agg.tag")

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	samples := []model.Value{
		numeric(base, 0),
		numeric(base.Add(30*time.Second), 10),
		numeric(base.Add(90*time.Second), 100),
	}
	writeAndArchive(t, store, adapter, tagID, samples)

	e := New(store, adapter, DefaultLimits(), 0, 0)
	results, err := e.Query(context.Background(), Request{
		TagIDs:      []uuid.UUID{tagID},
		Mode:        ModeAggregated,
		From:        base,
		Until:       base.Add(2 * time.Minute),
		Interval:    time.Minute,
		Aggregation: storage.AggAverage,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, TrailingEdge, results[0].Hint)
	// Shifted back by one bucket: [base-1m,base) empty, [base,base+1m)
	// averages the two early samples, [base+1m,base+2m) holds the third.
	require.Len(t, results[0].Values, 3)
	require.False(t, results[0].Values[0].IsNumeric())
	require.InDelta(t, 5.0, float64(results[0].Values[1].NumericValue), 1e-9)
	require.InDelta(t, 100.0, float64(results[0].Values[2].NumericValue), 1e-9)
}

func TestInterpolatedQueryReconstructsBetweenSamples(t *testing.T) {
	adapter := newFileAdapter(t)
	store := tagstore.New(adapter)
	tagID := newTestTag(t, store, "interp.tag")

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	samples := []model.Value{
		numeric(base, 0),
		numeric(base.Add(10*time.Second), 100),
	}
	writeAndArchive(t, store, adapter, tagID, samples)

	e := New(store, adapter, DefaultLimits(), 0, 0)
	results, err := e.Query(context.Background(), Request{
		TagIDs:   []uuid.UUID{tagID},
		Mode:     ModeInterpolated,
		From:     base,
		Until:    base.Add(10 * time.Second),
		Interval: 5 * time.Second,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, Interpolated, results[0].Hint)
	require.Len(t, results[0].Values, 3)
	require.InDelta(t, 0, float64(results[0].Values[0].NumericValue), 1e-9)
	require.InDelta(t, 50, float64(results[0].Values[1].NumericValue), 1e-9)
	require.InDelta(t, 100, float64(results[0].Values[2].NumericValue), 1e-9)
}

func TestPlotQueryPicksBucketExtremes(t *testing.T) {
	adapter := newFileAdapter(t)
	store := tagstore.New(adapter)
	tagID := newTestTag(t, store, "plot.tag")

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var samples []model.Value
	for i := 0; i < 60; i++ {
		samples = append(samples, numeric(base.Add(time.Duration(i)*time.Second), float64(i)))
	}
	writeAndArchive(t, store, adapter, tagID, samples)

	e := New(store, adapter, DefaultLimits(), 0, 0)
	results, err := e.Query(context.Background(), Request{
		TagIDs:   []uuid.UUID{tagID},
		Mode:     ModePlot,
		From:     base,
		Until:    base.Add(60 * time.Second),
		Interval: 30 * time.Second,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NotEmpty(t, results[0].Values)
	for i := 1; i < len(results[0].Values); i++ {
		require.False(t, results[0].Values[i].UtcSampleTime.Before(results[0].Values[i-1].UtcSampleTime))
	}
}

func TestQueryCacheReturnsMemoizedResult(t *testing.T) {
	adapter := newFileAdapter(t)
	store := tagstore.New(adapter)
	tagID := newTestTag(t, store, "cache.tag")

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	writeAndArchive(t, store, adapter, tagID, []model.Value{numeric(base, 42)})

	e := New(store, adapter, DefaultLimits(), 1<<20, time.Minute)
	req := Request{TagIDs: []uuid.UUID{tagID}, Mode: ModeRaw, From: base.Add(-time.Hour), Until: base.Add(time.Hour)}

	first, err := e.Query(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, first[0].Values, 1)

	// Archive a second sample directly, bypassing the engine, so a cache
	// hit (not a fresh read) is what would make the result stale.
	require.NoError(t, adapter.BulkAppendArchive(context.Background(), map[string][]storage.ArchiveDoc{
		storage.DefaultSuffix(model.TagDefinition{}, numeric(base.Add(time.Second), 99)): {
			{ID: uuid.New(), TagID: tagID, Value: numeric(base.Add(time.Second), 99)},
		},
	}))

	second, err := e.Query(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, second[0].Values, 1, fmt.Sprintf("expected cached result, got %+v", second[0].Values))
}
