package filter

import (
	"math"

	"github.com/ClusterCockpit/cc-lib/v2/schema"
	"github.com/aika-project/aika/internal/model"
)

// CompressionResult is what Admit returns: zero or more samples to archive
// (size 0-2, per §4.2) plus the updated candidate record to persist, or a
// nil Candidate when §4.2 says to clear it (archived directly, or the
// corridor was force-promoted and not yet restarted).
type CompressionResult struct {
	ToArchive []model.Value
	Candidate *model.ArchiveCandidate
}

// Compression is the per-tag swinging-door filter of §4.2. Admit is only
// ever called with samples that already passed the Exception filter. Not
// safe for concurrent use.
type Compression struct {
	settings     model.FilterSettings
	dataType     model.DataType
	lastArchived *model.Value
	candidate    *model.ArchiveCandidate
}

// NewCompression constructs a compression filter seeded from the tag's
// persisted lastArchived sample and archive-candidate, if any.
func NewCompression(settings model.FilterSettings, dataType model.DataType, lastArchived *model.Value, candidate *model.ArchiveCandidate) *Compression {
	return &Compression{settings: settings, dataType: dataType, lastArchived: lastArchived, candidate: candidate}
}

// LastArchived returns the most recently archived sample, or nil.
func (c *Compression) LastArchived() *model.Value {
	return c.lastArchived
}

// Candidate returns the current archive candidate, or nil.
func (c *Compression) Candidate() *model.ArchiveCandidate {
	return c.candidate
}

func emptyCorridor() (schema.Float, schema.Float) {
	return schema.NaN, schema.NaN
}

// archiveDirect promotes sample straight to archived, discarding any
// pending candidate (used by the "first sample", "compression disabled",
// "text/state", and "quality/non-finite" cases of §4.2).
func (c *Compression) archiveDirect(sample model.Value) CompressionResult {
	c.lastArchived = &sample
	c.candidate = nil
	return CompressionResult{
		ToArchive: []model.Value{sample},
		Candidate: nil,
	}
}

// Admit runs one incoming (post-exception-filter) sample through the
// swinging-door state machine.
func (c *Compression) Admit(sample model.Value) CompressionResult {
	if c.lastArchived == nil {
		return c.archiveDirect(sample)
	}

	if !c.settings.Enabled || c.dataType == model.Text || c.dataType == model.State {
		return c.archiveDirect(sample)
	}

	if !sample.IsNumeric() || qualityBucketChanged(c.lastArchived.Quality, sample.Quality) {
		return c.forcePromoteThenArchive(sample)
	}

	dt := float64(sample.UtcSampleTime.Sub(c.lastArchived.UtcSampleTime))
	if c.settings.WindowSize > 0 && sample.UtcSampleTime.Sub(c.lastArchived.UtcSampleTime) >= c.settings.WindowSize {
		return c.forcePromoteThenArchive(sample)
	}

	threshold := Threshold(c.settings.LimitType, c.settings.Limit, float64(sample.NumericValue))

	dv := float64(sample.NumericValue) - float64(c.lastArchived.NumericValue)
	slopeHi := (dv + threshold) / dt
	slopeLo := (dv - threshold) / dt

	if c.candidate == nil {
		c.candidate = &model.ArchiveCandidate{
			Value:               sample,
			CompressionSlopeMin: schema.Float(slopeLo),
			CompressionSlopeMax: schema.Float(slopeHi),
		}
		cp := *c.candidate
		return CompressionResult{Candidate: &cp}
	}

	newMin := math.Max(float64(c.candidate.CompressionSlopeMin), slopeLo)
	newMax := math.Min(float64(c.candidate.CompressionSlopeMax), slopeHi)

	if newMin <= newMax {
		c.candidate.Value = sample
		c.candidate.CompressionSlopeMin = schema.Float(newMin)
		c.candidate.CompressionSlopeMax = schema.Float(newMax)
		cp := *c.candidate
		return CompressionResult{Candidate: &cp}
	}

	// Door swung shut: promote the prior candidate, then restart the
	// corridor from the new lastArchived using sample as the new candidate.
	promoted := c.candidate.Value
	c.lastArchived = &promoted
	min, max := emptyCorridor()
	c.candidate = &model.ArchiveCandidate{Value: sample, CompressionSlopeMin: min, CompressionSlopeMax: max}

	dt2 := float64(sample.UtcSampleTime.Sub(c.lastArchived.UtcSampleTime))
	dv2 := float64(sample.NumericValue) - float64(c.lastArchived.NumericValue)
	threshold2 := Threshold(c.settings.LimitType, c.settings.Limit, float64(sample.NumericValue))
	c.candidate.CompressionSlopeMax = schema.Float((dv2 + threshold2) / dt2)
	c.candidate.CompressionSlopeMin = schema.Float((dv2 - threshold2) / dt2)

	cp := *c.candidate
	return CompressionResult{
		ToArchive: []model.Value{promoted},
		Candidate: &cp,
	}
}

// forcePromoteThenArchive implements §4.2 steps 7/8: promote whatever
// candidate is pending, then archive sample directly, resetting the
// corridor.
func (c *Compression) forcePromoteThenArchive(sample model.Value) CompressionResult {
	var toArchive []model.Value
	if c.candidate != nil {
		toArchive = append(toArchive, c.candidate.Value)
		c.lastArchived = &c.candidate.Value
	}
	toArchive = append(toArchive, sample)
	c.lastArchived = &sample
	c.candidate = nil
	return CompressionResult{
		ToArchive: toArchive,
		Candidate: nil,
	}
}
