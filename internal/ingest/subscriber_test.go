package ingest

import (
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/aika-project/aika/internal/metrics"
	"github.com/aika-project/aika/internal/model"
	"github.com/aika-project/aika/internal/tagstore"
)

func TestSubscriberHandleForwardsDecodedSamplesInOrder(t *testing.T) {
	tag := model.TagDefinition{ID: uuid.New(), Name: "pump.speed", DataType: model.FloatingPoint}

	var written []model.Value
	s := &Subscriber{
		lookup: testResolver(tag),
		write: func(tagID uuid.UUID, samples []model.Value) (tagstore.WriteResult, error) {
			require.Equal(t, tag.ID, tagID)
			written = append(written, samples...)
			return tagstore.WriteResult{Success: true, SampleCount: len(samples)}, nil
		},
		metrics: metrics.NewRecorder(prometheus.NewRegistry()),
		subject: "aika.ingest.>",
	}

	data := []byte("pump.speed value=12.0 1735689600000000000\npump.speed value=13.0 1735689601000000000\n")
	s.handle("aika.ingest.pump", data)

	require.Len(t, written, 2)
	require.Equal(t, float64(12.0), float64(written[0].NumericValue))
	require.Equal(t, float64(13.0), float64(written[1].NumericValue))
}

func TestSubscriberHandleRecordsDropReasonWithoutPanicking(t *testing.T) {
	s := &Subscriber{
		lookup: testResolver(),
		write: func(uuid.UUID, []model.Value) (tagstore.WriteResult, error) {
			t.Fatal("write should not be called for an unresolved tag")
			return tagstore.WriteResult{}, nil
		},
		metrics: metrics.NewRecorder(prometheus.NewRegistry()),
		subject: "aika.ingest.>",
	}

	require.NotPanics(t, func() {
		s.handle("aika.ingest.ghost", []byte("ghost value=1 1735689600000000000\n"))
	})
}
