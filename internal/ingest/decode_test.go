package ingest

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/aika-project/aika/internal/model"
)

func testResolver(tags ...model.TagDefinition) TagResolver {
	byName := make(map[string]model.TagDefinition, len(tags))
	for _, tag := range tags {
		byName[tag.Name] = tag
	}
	return func(name string) (model.TagDefinition, bool) {
		tag, ok := byName[name]
		return tag, ok
	}
}

func TestDecodeBatchNumericSamples(t *testing.T) {
	tag := model.TagDefinition{ID: uuid.New(), Name: "reactor.temp", DataType: model.FloatingPoint, Units: "C"}
	data := []byte("reactor.temp value=42.5 1735689600000000000\nreactor.temp value=43.1 1735689601000000000\n")

	result := DecodeBatch(data, testResolver(tag))

	require.Empty(t, result.Dropped)
	require.Len(t, result.Samples[tag.ID], 2)
	require.Equal(t, float64(42.5), float64(result.Samples[tag.ID][0].NumericValue))
	require.Equal(t, "C", result.Samples[tag.ID][0].Units)
	require.Equal(t, model.QualityGood, result.Samples[tag.ID][0].Quality)
}

func TestDecodeBatchHonorsQualityTag(t *testing.T) {
	tag := model.TagDefinition{ID: uuid.New(), Name: "reactor.temp", DataType: model.FloatingPoint}
	data := []byte("reactor.temp,quality=Uncertain value=42.5 1735689600000000000\n")

	result := DecodeBatch(data, testResolver(tag))

	require.Len(t, result.Samples[tag.ID], 1)
	require.Equal(t, model.QualityUncertain, result.Samples[tag.ID][0].Quality)
}

func TestDecodeBatchTextTag(t *testing.T) {
	tag := model.TagDefinition{ID: uuid.New(), Name: "plant.mode", DataType: model.Text}
	data := []byte(`plant.mode value="startup" 1735689600000000000` + "\n")

	result := DecodeBatch(data, testResolver(tag))

	require.Len(t, result.Samples[tag.ID], 1)
	require.NotNil(t, result.Samples[tag.ID][0].TextValue)
	require.Equal(t, "startup", *result.Samples[tag.ID][0].TextValue)
	require.False(t, result.Samples[tag.ID][0].IsNumeric())
}

func TestDecodeBatchDropsUnknownTag(t *testing.T) {
	data := []byte("ghost.tag value=1 1735689600000000000\nreactor.temp value=2 1735689601000000000\n")
	tag := model.TagDefinition{ID: uuid.New(), Name: "reactor.temp", DataType: model.FloatingPoint}

	result := DecodeBatch(data, testResolver(tag))

	require.Equal(t, 1, result.Dropped["unknown-tag"])
	require.Len(t, result.Samples[tag.ID], 1)
}

func TestDecodeBatchDropsTypeMismatch(t *testing.T) {
	tag := model.TagDefinition{ID: uuid.New(), Name: "reactor.temp", DataType: model.FloatingPoint}
	data := []byte(`reactor.temp value="not-a-number" 1735689600000000000` + "\n")

	result := DecodeBatch(data, testResolver(tag))

	require.Equal(t, 1, result.Dropped["type-mismatch"])
	require.Empty(t, result.Samples[tag.ID])
}

func TestDecodeBatchGroupsMultipleTagsInOrder(t *testing.T) {
	a := model.TagDefinition{ID: uuid.New(), Name: "a", DataType: model.FloatingPoint}
	b := model.TagDefinition{ID: uuid.New(), Name: "b", DataType: model.FloatingPoint}
	data := []byte(fmt.Sprintf(
		"a value=1 1735689600000000000\nb value=10 1735689600000000000\na value=2 1735689601000000000\n",
	))

	result := DecodeBatch(data, testResolver(a, b))

	require.Len(t, result.Samples[a.ID], 2)
	require.Len(t, result.Samples[b.ID], 1)
	require.Equal(t, float64(1), float64(result.Samples[a.ID][0].NumericValue))
	require.Equal(t, float64(2), float64(result.Samples[a.ID][1].NumericValue))
}
