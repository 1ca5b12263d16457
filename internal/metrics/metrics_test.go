package metrics

import (
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecordRejectIncrementsLabeledCounter(t *testing.T) {
	rec := NewRecorder(prometheus.NewRegistry())
	tagID := uuid.New()

	rec.RecordReject(tagID, "filtered-or-non-monotonic")
	rec.RecordRejectN(tagID, "filtered-or-non-monotonic", 3)

	count := testutil.ToFloat64(rec.rejectedSamples.WithLabelValues(tagID.String(), "filtered-or-non-monotonic"))
	require.Equal(t, float64(4), count)
}

func TestRecordDroppedPointIncrementsByReason(t *testing.T) {
	rec := NewRecorder(prometheus.NewRegistry())

	rec.RecordDroppedPoint("unknown-tag")
	rec.RecordDroppedPoint("unknown-tag")
	rec.RecordDroppedPoint("decode-error")

	require.Equal(t, float64(2), testutil.ToFloat64(rec.droppedPoints.WithLabelValues("unknown-tag")))
	require.Equal(t, float64(1), testutil.ToFloat64(rec.droppedPoints.WithLabelValues("decode-error")))
}

func TestSetQueueDepthReportsGaugeValue(t *testing.T) {
	rec := NewRecorder(prometheus.NewRegistry())

	rec.SetQueueDepth(7)

	require.Equal(t, float64(7), testutil.ToFloat64(rec.queueDepth))
}

func TestRecordRejectNIgnoresNonPositiveN(t *testing.T) {
	rec := NewRecorder(prometheus.NewRegistry())
	tagID := uuid.New()

	rec.RecordRejectN(tagID, "reason", 0)
	rec.RecordRejectN(tagID, "reason", -1)

	require.Equal(t, float64(0), testutil.ToFloat64(rec.rejectedSamples.WithLabelValues(tagID.String(), "reason")))
}

func TestNilRecorderMethodsAreNoops(t *testing.T) {
	var rec *Recorder
	require.NotPanics(t, func() {
		rec.RecordReject(uuid.New(), "reason")
		rec.RecordRejectN(uuid.New(), "reason", 5)
		rec.RecordDroppedPoint("reason")
		rec.SetQueueDepth(3)
	})
}
