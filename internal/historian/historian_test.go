package historian_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ClusterCockpit/cc-lib/v2/schema"
	"github.com/aika-project/aika/internal/historian"
	"github.com/aika-project/aika/internal/metrics"
	"github.com/aika-project/aika/internal/model"
	"github.com/aika-project/aika/internal/query"
	"github.com/aika-project/aika/internal/storage"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func newTestHistorian(t *testing.T) *historian.Historian {
	t.Helper()
	raw, err := json.Marshal(map[string]string{"kind": "file", "path": t.TempDir()})
	require.NoError(t, err)
	adapter, err := storage.Open(context.Background(), raw)
	require.NoError(t, err)
	t.Cleanup(func() { _ = adapter.Close() })

	h, err := historian.New(adapter, historian.Config{
		SnapshotWriteInterval: time.Hour,
		ArchiveWriteInterval:  time.Hour,
		SuffixFunc:            storage.DefaultSuffix,
		QueryLimits:           query.DefaultLimits(),
		QueryCacheMaxMemory:   1 << 20,
		QueryCacheTTL:         time.Second,
	}, metrics.NewRecorder(prometheus.NewRegistry()))
	require.NoError(t, err)
	require.NoError(t, h.Load(context.Background()))
	return h
}

func TestHistorianWriteTagValuesEnqueuesBatchersAndSnapshots(t *testing.T) {
	h := newTestHistorian(t)
	tag := model.TagDefinition{ID: uuid.New(), Name: "reactor.temp", DataType: model.FloatingPoint}
	require.NoError(t, h.Registry().CreateTag(context.Background(), tag, nil))

	rt := h.Registry().GetByName("reactor.temp")
	require.NotNil(t, rt)
	tagID := rt.Tag.ID

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	result, err := h.WriteTagValues(tagID, []model.Value{
		{UtcSampleTime: base, NumericValue: schema.Float(1), Quality: model.QualityGood},
		{UtcSampleTime: base.Add(time.Minute), NumericValue: schema.Float(2), Quality: model.QualityGood},
	})
	require.NoError(t, err)
	require.True(t, result.Success)

	require.NoError(t, h.Shutdown(context.Background()))
}

func TestHistorianQueryReadsBackWrittenSamples(t *testing.T) {
	h := newTestHistorian(t)
	tag := model.TagDefinition{ID: uuid.New(), Name: "pump.speed", DataType: model.FloatingPoint}
	require.NoError(t, h.Registry().CreateTag(context.Background(), tag, nil))
	tagID := h.Registry().GetByName("pump.speed").Tag.ID

	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	_, err := h.WriteTagValues(tagID, []model.Value{
		{UtcSampleTime: base, NumericValue: schema.Float(10), Quality: model.QualityGood},
	})
	require.NoError(t, err)
	require.NoError(t, h.Shutdown(context.Background()))

	results, err := h.Query(context.Background(), query.Request{
		TagIDs: []uuid.UUID{tagID},
		Mode:   query.ModeRaw,
		From:   base.Add(-time.Minute),
		Until:  base.Add(time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, results[0].Values, 1)
	require.Equal(t, float64(10), float64(results[0].Values[0].NumericValue))
}
