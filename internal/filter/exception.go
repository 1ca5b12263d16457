// Package filter implements the two per-tag online filters that decide
// whether an incoming sample survives into the archive: the exception
// filter (this file) and the swinging-door compression filter
// (compression.go). Both are pure, single-threaded decision functions;
// callers (internal/tagstore) are responsible for serializing access per
// tag.
package filter

import (
	"math"

	"github.com/aika-project/aika/internal/model"
)

// Reason explains why admit() made the decision it made. It is informational
// only; no caller branches on it besides logging/metrics.
type Reason string

const (
	ReasonDisabled        Reason = "filter-disabled"
	ReasonFirstSample     Reason = "first-sample"
	ReasonNonNumericDiff  Reason = "non-numeric-change"
	ReasonDeviation       Reason = "deviation-exceeded"
	ReasonWindowTimeout   Reason = "window-timeout"
	ReasonQualityChange   Reason = "quality-bucket-change"
	ReasonWithinCorridor  Reason = "within-corridor"
)

// Decision is the result of admit().
type Decision struct {
	Passed bool
	Reason Reason
}

// Exception is the per-tag online filter of §4.1. It is not safe for
// concurrent use; the tag runtime owns one instance per tag and serializes
// calls to Admit.
type Exception struct {
	settings model.FilterSettings
	last     *model.Value
}

// NewException constructs an exception filter seeded with the tag's
// persisted lastException value, if any (nil when the tag has never
// received a sample).
func NewException(settings model.FilterSettings, seed *model.Value) *Exception {
	return &Exception{settings: settings, last: seed}
}

// Last returns the current lastExceptionValue, or nil if none has been
// recorded yet.
func (e *Exception) Last() *model.Value {
	return e.last
}

// Admit decides whether sample should be forwarded to the compression
// filter, per §4.1.
func (e *Exception) Admit(sample model.Value) Decision {
	if !e.settings.Enabled {
		e.last = &sample
		return Decision{Passed: true, Reason: ReasonDisabled}
	}

	if e.last == nil {
		e.last = &sample
		return Decision{Passed: true, Reason: ReasonFirstSample}
	}

	if qualityBucketChanged(e.last.Quality, sample.Quality) {
		e.last = &sample
		return Decision{Passed: true, Reason: ReasonQualityChange}
	}

	if !sample.IsNumeric() || !e.last.IsNumeric() {
		if textOrQualityDiffers(*e.last, sample) {
			e.last = &sample
			return Decision{Passed: true, Reason: ReasonNonNumericDiff}
		}
		return Decision{Passed: false, Reason: ReasonWithinCorridor}
	}

	deviation := math.Abs(float64(sample.NumericValue) - float64(e.last.NumericValue))
	threshold := Threshold(e.settings.LimitType, e.settings.Limit, float64(e.last.NumericValue))

	timedOut := e.settings.WindowSize > 0 &&
		sample.UtcSampleTime.Sub(e.last.UtcSampleTime) >= e.settings.WindowSize

	if deviation > threshold || timedOut {
		reason := ReasonDeviation
		if timedOut && deviation <= threshold {
			reason = ReasonWindowTimeout
		}
		e.last = &sample
		return Decision{Passed: true, Reason: reason}
	}

	return Decision{Passed: false, Reason: ReasonWithinCorridor}
}

// Threshold computes the deviation threshold T for a limit type relative to
// a reference numeric value, shared by both filters (§4.1 step "Compute the
// threshold T").
func Threshold(limitType model.LimitType, limit float64, reference float64) float64 {
	switch limitType {
	case model.Absolute:
		return limit
	case model.Fraction:
		return math.Abs(reference) * limit
	case model.Percentage:
		return math.Abs(reference) * limit / 100
	default:
		return limit
	}
}

// qualityBucketChanged reports whether a and b fall into different
// Bad/Uncertain/Good buckets.
func qualityBucketChanged(a, b model.Quality) bool {
	return a != b
}

// textOrQualityDiffers reports whether two non-numeric samples differ in
// their text payload or quality (§4.1: "textValue differs ... or quality
// differs").
func textOrQualityDiffers(a, b model.Value) bool {
	if a.Quality != b.Quality {
		return true
	}
	at, bt := "", ""
	if a.TextValue != nil {
		at = *a.TextValue
	}
	if b.TextValue != nil {
		bt = *b.TextValue
	}
	return at != bt
}
