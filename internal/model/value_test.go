package model

import (
	"testing"
	"time"

	"github.com/ClusterCockpit/cc-lib/v2/schema"
	"github.com/stretchr/testify/assert"
)

func TestValueIsNumeric(t *testing.T) {
	good := Value{UtcSampleTime: time.Unix(0, 0), NumericValue: schema.Float(1.5)}
	assert.True(t, good.IsNumeric())

	nan := Value{UtcSampleTime: time.Unix(0, 0), NumericValue: schema.NaN}
	assert.False(t, nan.IsNumeric())
}

func TestMinQuality(t *testing.T) {
	assert.Equal(t, QualityBad, MinQuality(QualityBad, QualityGood))
	assert.Equal(t, QualityUncertain, MinQuality(QualityGood, QualityUncertain))
	assert.Equal(t, QualityGood, MinQuality(QualityGood, QualityGood))
}

func TestStateSetByName(t *testing.T) {
	ss := &StateSet{
		Name:   "running",
		States: []NamedState{{Name: "OFF", Value: 0}, {Name: "ON", Value: 1}},
	}
	st, ok := ss.ByName("ON")
	assert.True(t, ok)
	assert.Equal(t, int32(1), st.Value)

	_, ok = ss.ByName("UNKNOWN")
	assert.False(t, ok)
}

func TestStateSetValidateRejectsDuplicateNames(t *testing.T) {
	ss := &StateSet{States: []NamedState{{Name: "A", Value: 0}, {Name: "A", Value: 1}}}
	assert.Error(t, ss.Validate())
}
