// Package metrics exposes the counters SPEC_FULL.md §7 requires for
// dropped/rejected samples: vector-labeled by tag id and reject reason,
// on top of prometheus/client_golang.
//
// Grounded on the metrics-vector-by-label shape used throughout the
// example pack's prometheus exporters (NewCounterVec with a status/reason
// label) rather than any single teacher file, since cc-backend itself
// does not expose Prometheus metrics for its own write path.
package metrics

import (
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "aika"

// Recorder owns the registered collectors. It is a plain value so tests
// and multiple historian instances can register independent collectors
// against independent registries instead of fighting over package-level
// globals.
type Recorder struct {
	rejectedSamples *prometheus.CounterVec
	droppedPoints   *prometheus.CounterVec
	queueDepth      prometheus.Gauge
}

// NewRecorder builds a Recorder and registers its collectors with reg. A
// nil reg registers against prometheus.DefaultRegisterer.
func NewRecorder(reg ...prometheus.Registerer) *Recorder {
	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	if len(reg) > 0 && reg[0] != nil {
		registerer = reg[0]
	}

	r := &Recorder{
		rejectedSamples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_samples_total",
			Help:      "Samples rejected by the tag runtime write path, by tag id and reason.",
		}, []string{"tag_id", "reason"}),
		droppedPoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_dropped_points_total",
			Help:      "Ingestion points dropped before reaching the tag runtime, by reason.",
		}, []string{"reason"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "writebehind_pending_tags",
			Help:      "Number of tags with a pending write-behind batch entry.",
		}),
	}

	registerer.MustRegister(r.rejectedSamples, r.droppedPoints, r.queueDepth)
	return r
}

// RecordReject increments the rejected-sample counter for one sample.
func (r *Recorder) RecordReject(tagID uuid.UUID, reason string) {
	r.RecordRejectN(tagID, reason, 1)
}

// RecordRejectN increments the rejected-sample counter by n.
func (r *Recorder) RecordRejectN(tagID uuid.UUID, reason string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.rejectedSamples.WithLabelValues(tagID.String(), reason).Add(float64(n))
}

// RecordDroppedPoint increments the ingestion-drop counter, for points
// dropped during decoding before any write (malformed payload, unknown
// tag name, value type mismatch).
func (r *Recorder) RecordDroppedPoint(reason string) {
	if r == nil {
		return
	}
	r.droppedPoints.WithLabelValues(reason).Inc()
}

// SetQueueDepth reports the current write-behind pending-tag count.
func (r *Recorder) SetQueueDepth(n int) {
	if r == nil {
		return
	}
	r.queueDepth.Set(float64(n))
}
