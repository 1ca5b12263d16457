package filter

import (
	"testing"
	"time"

	"github.com/ClusterCockpit/cc-lib/v2/schema"
	"github.com/aika-project/aika/internal/model"
	"github.com/stretchr/testify/assert"
)

func numeric(tSec int, v float64) model.Value {
	return model.Value{
		UtcSampleTime: time.Unix(int64(tSec), 0).UTC(),
		NumericValue:  schema.Float(v),
		Quality:       model.QualityGood,
	}
}

func TestExceptionRejectsSmallNoise(t *testing.T) {
	settings := model.FilterSettings{Enabled: true, LimitType: model.Absolute, Limit: 0.5, WindowSize: 24 * time.Hour}
	e := NewException(settings, nil)

	samples := []model.Value{
		numeric(0, 10),
		numeric(1, 10.2),
		numeric(2, 10.3),
		numeric(3, 10.6),
		numeric(4, 10.7),
	}

	var passed []model.Value
	for _, s := range samples {
		if e.Admit(s).Passed {
			passed = append(passed, s)
		}
	}

	assert.Len(t, passed, 2)
	assert.Equal(t, 10.0, float64(passed[0].NumericValue))
	assert.Equal(t, 10.6, float64(passed[1].NumericValue))
}

func TestCompressionOnMonotonicRamp(t *testing.T) {
	settings := model.FilterSettings{Enabled: true, LimitType: model.Absolute, Limit: 1.0}
	c := NewCompression(settings, model.FloatingPoint, nil, nil)

	samples := []model.Value{numeric(0, 0), numeric(1, 1), numeric(2, 2), numeric(3, 3), numeric(4, 4)}

	var archived []model.Value
	for _, s := range samples {
		res := c.Admit(s)
		archived = append(archived, res.ToArchive...)
	}
	// The final candidate (t=4) is still pending, not yet promoted.
	assert.Len(t, archived, 1)
	assert.Equal(t, 0.0, float64(archived[0].NumericValue))
}

func TestCompressionPromotesOnDirectionChange(t *testing.T) {
	settings := model.FilterSettings{Enabled: true, LimitType: model.Absolute, Limit: 0.5}
	c := NewCompression(settings, model.FloatingPoint, nil, nil)

	samples := []model.Value{numeric(0, 0), numeric(1, 1), numeric(2, 2), numeric(3, 1), numeric(4, 0)}

	var archived []model.Value
	for _, s := range samples {
		res := c.Admit(s)
		archived = append(archived, res.ToArchive...)
	}

	assert.GreaterOrEqual(t, len(archived), 2)
	assert.Equal(t, 0.0, float64(archived[0].NumericValue))
}

func TestStateTagAlwaysArchivesOnChange(t *testing.T) {
	settings := model.FilterSettings{Enabled: true}
	c := NewCompression(settings, model.State, nil, nil)

	txt := func(s string) *string { return &s }
	mk := func(tSec int, s string) model.Value {
		return model.Value{UtcSampleTime: time.Unix(int64(tSec), 0).UTC(), NumericValue: schema.NaN, TextValue: txt(s), Quality: model.QualityGood}
	}

	var archived []model.Value
	for _, s := range []model.Value{mk(0, "OFF"), mk(1, "OFF"), mk(2, "ON"), mk(3, "ON")} {
		res := c.Admit(s)
		archived = append(archived, res.ToArchive...)
	}

	// Every sample reaching the compression filter after the exception
	// filter pass is archived directly for State tags (invariant 5).
	assert.Len(t, archived, 4)
}

func TestWindowTimeoutForcesArchival(t *testing.T) {
	settings := model.FilterSettings{Enabled: true, LimitType: model.Absolute, Limit: 100, WindowSize: 60 * time.Second}
	c := NewCompression(settings, model.FloatingPoint, nil, nil)

	base := numeric(0, 5)
	res := c.Admit(base)
	assert.Equal(t, []model.Value{base}, res.ToArchive)

	later := numeric(90, 5)
	res = c.Admit(later)
	assert.Len(t, res.ToArchive, 1)
}

func TestForcePromoteClearsCandidateAcrossRestart(t *testing.T) {
	settings := model.FilterSettings{Enabled: true, LimitType: model.Absolute, Limit: 0.5, WindowSize: 60 * time.Second}
	c := NewCompression(settings, model.FloatingPoint, nil, nil)

	// Build up a pending candidate, then force-promote it via a window
	// timeout so the corridor is cleared (§4.2 steps 7/8).
	first := numeric(0, 0)
	res := c.Admit(first)
	assert.Len(t, res.ToArchive, 1)

	pending := numeric(1, 1)
	res = c.Admit(pending)
	assert.Empty(t, res.ToArchive)
	assert.NotNil(t, res.Candidate)

	timedOut := numeric(90, 2)
	res = c.Admit(timedOut)
	assert.NotEmpty(t, res.ToArchive)
	assert.Nil(t, res.Candidate, "force-promote must clear the candidate, not return a zero-slope placeholder")
	assert.Nil(t, c.Candidate())

	// Simulate a process restart: a fresh Compression seeded from exactly
	// what was persisted (lastArchived non-nil, candidate nil) must start
	// a brand new corridor on the next sample, not intersect real slopes
	// against a stale {0,0} corridor.
	restarted := NewCompression(settings, model.FloatingPoint, c.LastArchived(), c.Candidate())
	res = restarted.Admit(numeric(91, 2.01))
	assert.Empty(t, res.ToArchive)
	if assert.NotNil(t, res.Candidate) {
		assert.NotEqual(t, schema.Float(0), res.Candidate.CompressionSlopeMin)
		assert.NotEqual(t, schema.Float(0), res.Candidate.CompressionSlopeMax)
	}
}
