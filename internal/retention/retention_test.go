package retention

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ClusterCockpit/cc-lib/v2/schema"
	"github.com/aika-project/aika/internal/model"
	"github.com/aika-project/aika/internal/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newFileAdapter(t *testing.T) storage.Adapter {
	t.Helper()
	cfg, err := json.Marshal(map[string]string{"kind": "file", "path": t.TempDir()})
	require.NoError(t, err)
	a, err := storage.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestSweepDropsPartitionsOlderThanMaxAge(t *testing.T) {
	adapter := newFileAdapter(t)
	pruner := adapter.(storage.PartitionPruner)
	ctx := context.Background()
	tagID := uuid.New()

	old := time.Now().UTC().AddDate(0, -13, 0)
	recent := time.Now().UTC().AddDate(0, -1, 0)
	require.NoError(t, adapter.BulkAppendArchive(ctx, map[string][]storage.ArchiveDoc{
		old.Format("2006-01"):    {{ID: uuid.New(), TagID: tagID, Value: model.Value{UtcSampleTime: old, NumericValue: schema.Float(1)}}},
		recent.Format("2006-01"): {{ID: uuid.New(), TagID: tagID, Value: model.Value{UtcSampleTime: recent, NumericValue: schema.Float(2)}}},
	}))

	s := &Sweeper{adapter: adapter, cfg: Config{Enabled: true, MaxAgeDays: 365}}
	s.sweep(ctx, pruner)

	parts, err := pruner.ListArchivePartitions(ctx)
	require.NoError(t, err)
	suffixes := make([]string, 0, len(parts))
	for _, p := range parts {
		suffixes = append(suffixes, p.Suffix)
	}
	require.NotContains(t, suffixes, old.Format("2006-01"))
	require.Contains(t, suffixes, recent.Format("2006-01"))
}

func TestSweepSkipsPartitionsWithUnparseableSuffix(t *testing.T) {
	adapter := newFileAdapter(t)
	pruner := adapter.(storage.PartitionPruner)
	ctx := context.Background()
	tagID := uuid.New()

	require.NoError(t, adapter.BulkAppendArchive(ctx, map[string][]storage.ArchiveDoc{
		"not-a-date": {{ID: uuid.New(), TagID: tagID, Value: model.Value{UtcSampleTime: time.Now(), NumericValue: schema.Float(1)}}},
	}))

	s := &Sweeper{adapter: adapter, cfg: Config{Enabled: true, MaxAgeDays: 1}}
	require.NotPanics(t, func() { s.sweep(ctx, pruner) })

	parts, err := pruner.ListArchivePartitions(ctx)
	require.NoError(t, err)
	require.Len(t, parts, 1)
}

func TestStartIsNoopWhenDisabled(t *testing.T) {
	adapter := newFileAdapter(t)
	s, err := New(adapter, Config{Enabled: false})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Shutdown())
}

func TestStartIsNoopForNonPruningAdapter(t *testing.T) {
	s, err := New(&nonPruningAdapter{}, Config{Enabled: true, MaxAgeDays: 1})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Shutdown())
}

// nonPruningAdapter satisfies storage.Adapter with no-ops and deliberately
// does not implement storage.PartitionPruner, exercising Start's capability
// check.
type nonPruningAdapter struct{}

func (nonPruningAdapter) Init(context.Context, json.RawMessage) error { return nil }
func (nonPruningAdapter) Close() error                                { return nil }
func (nonPruningAdapter) EnsureIndex(context.Context, string, string) error { return nil }
func (nonPruningAdapter) PutTag(context.Context, model.TagDefinition) error { return nil }
func (nonPruningAdapter) DeleteTag(context.Context, uuid.UUID) error        { return nil }
func (nonPruningAdapter) PutTagHistory(context.Context, model.TagChangeHistory) error { return nil }
func (nonPruningAdapter) ScanTags(context.Context, func(model.TagDefinition) error) error {
	return nil
}
func (nonPruningAdapter) PutStateSet(context.Context, model.StateSet) error { return nil }
func (nonPruningAdapter) DeleteStateSet(context.Context, string) error     { return nil }
func (nonPruningAdapter) ScanStateSets(context.Context, func(model.StateSet) error) error {
	return nil
}
func (nonPruningAdapter) PutSnapshot(context.Context, uuid.UUID, model.Value) error { return nil }
func (nonPruningAdapter) GetSnapshot(context.Context, uuid.UUID) (*model.Value, error) {
	return nil, nil
}
func (nonPruningAdapter) PutArchiveCandidate(context.Context, uuid.UUID, model.ArchiveCandidate) error {
	return nil
}
func (nonPruningAdapter) GetArchiveCandidate(context.Context, uuid.UUID) (*model.ArchiveCandidate, error) {
	return nil, nil
}
func (nonPruningAdapter) DeleteArchiveCandidate(context.Context, uuid.UUID) error { return nil }
func (nonPruningAdapter) BulkAppendArchive(context.Context, map[string][]storage.ArchiveDoc) error {
	return nil
}
func (nonPruningAdapter) GetLatestArchived(context.Context, uuid.UUID) (*model.Value, error) {
	return nil, nil
}
func (nonPruningAdapter) Query(context.Context, storage.Query) ([]model.Value, error) {
	return nil, nil
}
func (nonPruningAdapter) QueryAggregated(context.Context, storage.Query, storage.Aggregation) ([]storage.Bucket, error) {
	return nil, nil
}
