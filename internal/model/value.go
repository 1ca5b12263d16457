// Package model defines the value and tag-configuration types shared by
// every other aika package: the immutable sample record, state-set
// encoding, and tag definitions persisted via internal/storage.
package model

import (
	"math"
	"time"

	"github.com/ClusterCockpit/cc-lib/v2/schema"
)

// Quality is a per-sample trust flag. Ordering is Bad < Uncertain < Good,
// matching the numeric codes used on the wire (§6.1 of the historian's
// storage contract).
type Quality int

const (
	QualityBad       Quality = 0
	QualityUncertain Quality = 64
	QualityGood      Quality = 192
)

func (q Quality) String() string {
	switch q {
	case QualityBad:
		return "Bad"
	case QualityUncertain:
		return "Uncertain"
	case QualityGood:
		return "Good"
	default:
		return "Unknown"
	}
}

// MinQuality returns the worse of the two qualities (Bad < Uncertain < Good).
func MinQuality(a, b Quality) Quality {
	if a < b {
		return a
	}
	return b
}

// DataType classifies how a tag's samples are interpreted and, by
// extension, whether the compression filter ever runs (it is disabled
// for Text and State, see invariant 5).
type DataType int

const (
	FloatingPoint DataType = iota
	Integer
	Text
	State
)

// Value is the immutable sample record (`TagValue` in the spec). NumericValue
// uses schema.Float so NaN serializes to JSON null instead of requiring a
// separate "valid" flag.
type Value struct {
	UtcSampleTime time.Time
	NumericValue  schema.Float
	TextValue     *string
	Quality       Quality
	Units         string
}

// IsNumeric reports whether NumericValue carries a finite, meaningful number.
func (v Value) IsNumeric() bool {
	f := float64(v.NumericValue)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Before reports whether v occurred strictly before other.
func (v Value) Before(other Value) bool {
	return v.UtcSampleTime.Before(other.UtcSampleTime)
}

// ArchiveCandidate is the working candidate for archival plus the current
// narrowed swinging-door corridor (§3, §4.2).
type ArchiveCandidate struct {
	Value                Value
	CompressionSlopeMin  schema.Float
	CompressionSlopeMax  schema.Float
}

// HasCorridor reports whether the corridor has been initialized (step 5 of
// §4.2 sets both slopes on the first candidate of a door).
func (c ArchiveCandidate) HasCorridor() bool {
	return !math.IsNaN(float64(c.CompressionSlopeMin)) || !math.IsNaN(float64(c.CompressionSlopeMax))
}
