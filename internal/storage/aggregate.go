package storage

import (
	"context"
	"time"

	"github.com/ClusterCockpit/cc-lib/v2/schema"
	"github.com/aika-project/aika/internal/model"
	"github.com/aika-project/aika/internal/util"
)

// aggregateInMemory implements QueryAggregated (§4.6 Aggregated mode) in
// terms of a plain Query plus bucket folding, so every Adapter
// implementation can share one reduction instead of reimplementing
// date-histogram logic in SQL or by hand. It fetches the whole range
// ascending and folds it into fixed-width buckets; adapters with a native
// windowed-aggregate facility (sqlite's date/time functions, a TSDB's
// downsample operator) are free to override this on their own type instead
// of calling it.
func aggregateInMemory(ctx context.Context, a Adapter, q Query, agg Aggregation) ([]Bucket, error) {
	if agg.IntervalNanos <= 0 {
		return nil, nil
	}

	rows, err := a.Query(ctx, Query{TagID: q.TagID, From: q.From, Until: q.Until, Ascending: true})
	if err != nil {
		return nil, err
	}

	n := int((q.Until - q.From) / agg.IntervalNanos)
	if (q.Until-q.From)%agg.IntervalNanos != 0 {
		n++
	}
	if n <= 0 {
		return nil, nil
	}

	buckets := make([]Bucket, n)
	for i := range buckets {
		start := q.From + int64(i)*agg.IntervalNanos
		buckets[i] = Bucket{StartNanos: start, Value: model.Value{
			UtcSampleTime: time.Unix(0, start).UTC(),
			NumericValue:  schema.NaN,
			Quality:       model.QualityGood,
		}}
	}

	samples := make([][]float64, n)

	for _, v := range rows {
		ns := v.UtcSampleTime.UnixNano()
		idx := int((ns - q.From) / agg.IntervalNanos)
		if idx < 0 || idx >= n {
			continue
		}
		f := float64(v.NumericValue)

		b := &buckets[idx]
		switch agg.Kind {
		case AggMinimum:
			if !b.HasData {
				b.Value.NumericValue = schema.Float(f)
			} else {
				b.Value.NumericValue = schema.Float(util.Min(float64(b.Value.NumericValue), f))
			}
		case AggMaximum:
			if !b.HasData {
				b.Value.NumericValue = schema.Float(f)
			} else {
				b.Value.NumericValue = schema.Float(util.Max(float64(b.Value.NumericValue), f))
			}
		default: // AggAverage
			samples[idx] = append(samples[idx], f)
		}
		b.HasData = true
		b.Value.Quality = model.MinQuality(b.Value.Quality, v.Quality)
	}

	if agg.Kind == AggAverage {
		for i := range buckets {
			if mean, err := util.Mean(samples[i]); err == nil {
				buckets[i].Value.NumericValue = schema.Float(mean)
			}
		}
	}

	return buckets, nil
}
