// Package ingest implements the NATS/line-protocol ingestion transport
// (SPEC_FULL.md §4.8): a NATS subscriber that decodes InfluxDB
// line-protocol payloads into samples and feeds them through the same
// Historian.WriteTagValues path a direct in-process caller would use.
//
// Grounded on the decode loop of pkg/metricstore/lineprotocol.go
// (measurement/tag/field iteration, fallback timestamp precision chain)
// adapted from cc-backend's "one measurement per metric name" model to
// aika's "one measurement per tag name" model, and on
// pkg/nats/influxDecoder.go for the general shape of an InfluxDB→domain
// decoder living under pkg/nats's umbrella of concerns.
package ingest

import (
	"fmt"
	"math"
	"time"

	"github.com/ClusterCockpit/cc-lib/v2/schema"
	influx "github.com/influxdata/line-protocol/v2/lineprotocol"
	"github.com/google/uuid"

	"github.com/aika-project/aika/internal/model"
)

// TagResolver maps a line-protocol measurement name to the tag it
// identifies. Unknown measurements cause the point to be dropped rather
// than failing the whole batch.
type TagResolver func(measurement string) (model.TagDefinition, bool)

// DecodeResult is one batch's decode outcome: samples grouped by tag so
// the caller can issue one ordered WriteTagValues call per tag, plus a
// breakdown of why any points were dropped.
type DecodeResult struct {
	Samples map[uuid.UUID][]model.Value
	Dropped map[string]int
}

func newDecodeResult() *DecodeResult {
	return &DecodeResult{
		Samples: make(map[uuid.UUID][]model.Value),
		Dropped: make(map[string]int),
	}
}

func (r *DecodeResult) drop(reason string) {
	r.Dropped[reason]++
}

// DecodeBatch decodes every line in data (InfluxDB line protocol,
// measurement = tag name) and resolves each to a tag via resolve.
//
// Expected line shape:
//
//	<tagName>[,quality=Good|Uncertain|Bad] value=<v> [<timestamp>]
//
// value is a float/int/uint field for FloatingPoint/Integer tags, or a
// string field for Text/State tags. A missing quality tag defaults to
// Good. A missing timestamp falls back to time.Now(), tried first at
// second precision and then millisecond/microsecond/nanosecond, mirroring
// the teacher's tolerant multi-precision parse.
func DecodeBatch(data []byte, resolve TagResolver) *DecodeResult {
	result := newDecodeResult()
	dec := influx.NewDecoderWithBytes(data)

	for dec.Next() {
		name, err := dec.Measurement()
		if err != nil {
			result.drop("decode-error")
			return result
		}
		tagName := string(name)

		tag, ok := resolve(tagName)
		if !ok {
			result.drop("unknown-tag")
			if err := skipRemainder(dec); err != nil {
				return result
			}
			continue
		}

		quality := model.QualityGood
		for {
			key, val, err := dec.NextTag()
			if err != nil {
				result.drop("decode-error")
				return result
			}
			if key == nil {
				break
			}
			if string(key) == "quality" {
				quality = parseQuality(string(val))
			}
		}

		sample, err := decodeFields(dec, tag)
		if err != nil {
			result.drop("type-mismatch")
			continue
		}
		sample.Quality = quality
		sample.Units = tag.Units

		t, err := decodeTime(dec)
		if err != nil {
			result.drop("decode-error")
			continue
		}
		sample.UtcSampleTime = t.UTC()

		result.Samples[tag.ID] = append(result.Samples[tag.ID], sample)
	}
	return result
}

// skipRemainder drains the tags/fields of the current line so decoding
// can continue with the next one after an unresolved measurement.
func skipRemainder(dec *influx.Decoder) error {
	for {
		key, _, err := dec.NextTag()
		if err != nil {
			return err
		}
		if key == nil {
			break
		}
	}
	for {
		key, _, err := dec.NextField()
		if err != nil {
			return err
		}
		if key == nil {
			break
		}
	}
	_, _ = dec.Time(influx.Nanosecond, time.Time{})
	return nil
}

func decodeFields(dec *influx.Decoder, tag model.TagDefinition) (model.Value, error) {
	v := model.Value{NumericValue: schema.Float(math.NaN())}

	for {
		key, val, err := dec.NextField()
		if err != nil {
			return model.Value{}, err
		}
		if key == nil {
			break
		}
		if string(key) != "value" {
			continue
		}

		switch tag.DataType {
		case model.Text, model.State:
			if val.Kind() != influx.String {
				return model.Value{}, fmt.Errorf("ingest: tag %q expects a string value, got %s", tag.Name, val.Kind())
			}
			s := val.StringV()
			v.TextValue = &s
		default:
			switch val.Kind() {
			case influx.Float:
				v.NumericValue = schema.Float(val.FloatV())
			case influx.Int:
				v.NumericValue = schema.Float(val.IntV())
			case influx.Uint:
				v.NumericValue = schema.Float(val.UintV())
			default:
				return model.Value{}, fmt.Errorf("ingest: tag %q expects a numeric value, got %s", tag.Name, val.Kind())
			}
		}
	}
	return v, nil
}

func decodeTime(dec *influx.Decoder) (time.Time, error) {
	now := time.Now()
	if t, err := dec.Time(influx.Second, now); err == nil {
		return t, nil
	}
	if t, err := dec.Time(influx.Millisecond, now); err == nil {
		return t, nil
	}
	if t, err := dec.Time(influx.Microsecond, now); err == nil {
		return t, nil
	}
	return dec.Time(influx.Nanosecond, now)
}

func parseQuality(s string) model.Quality {
	switch s {
	case "Bad":
		return model.QualityBad
	case "Uncertain":
		return model.QualityUncertain
	default:
		return model.QualityGood
	}
}

