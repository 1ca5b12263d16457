package query

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/aika-project/aika/internal/model"
	"github.com/aika-project/aika/internal/storage"
	"github.com/google/uuid"
)

// queryPlotOne implements Plot mode (§4.6): for numeric tags, up to five
// representative samples per bucket (earliest, latest, min, max, first
// non-Good), deduplicated and boundary-interpolated at t0/t1. Non-numeric
// tags fall back to Raw with N = 4*intervals.
func (e *Engine) queryPlotOne(ctx context.Context, tagID uuid.UUID, req Request) (TagResult, error) {
	interval := req.Interval
	if req.From.Equal(req.Until) || interval <= 0 {
		interval = time.Second
	}

	bucketCount := bucketCountFor(req.From, req.Until, interval)
	if bucketCount < 1 {
		bucketCount = 1
	}
	capN := e.limits.MaxSamplesPerTagPerQuery
	until := req.Until
	if bucketCount > capN {
		bucketCount = capN
		until = req.From.Add(interval * time.Duration(capN))
	}

	rt := e.store.Get(tagID)
	if rt != nil && rt.Tag.DataType != model.FloatingPoint && rt.Tag.DataType != model.Integer {
		return e.queryRawOne(ctx, tagID, Request{
			TagIDs: req.TagIDs, From: req.From, Until: until, PointCount: 4 * bucketCount,
		}, 4*bucketCount)
	}

	raw, err := e.adapter.Query(ctx, storage.Query{
		TagID: tagID, From: req.From.UnixNano(), Until: until.UnixNano() + 1,
		Limit: e.limits.MaxSamplesPerTagPerQuery, Ascending: true,
	})
	if err != nil {
		return TagResult{}, err
	}
	seen := make(map[int64]bool, len(raw))
	for _, v := range raw {
		seen[v.UtcSampleTime.UnixNano()] = true
	}
	raw = mergeSorted(append(raw, e.unionLive(tagID, req.From, until.Add(time.Nanosecond), seen)...))
	if len(raw) == 0 {
		return TagResult{TagID: tagID, Hint: Interpolated}, nil
	}

	picked := make(map[int64]model.Value)
	for k := 0; k < bucketCount; k++ {
		start := req.From.Add(interval * time.Duration(k))
		end := start.Add(interval)
		bucket := sliceInRange(raw, start, end)
		for _, v := range plotPicks(bucket) {
			picked[v.UtcSampleTime.UnixNano()] = v
		}
	}

	values := make([]model.Value, 0, len(picked))
	for _, v := range picked {
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool { return values[i].UtcSampleTime.Before(values[j].UtcSampleTime) })

	values = e.addPlotBoundaries(ctx, tagID, req.From, until, values)

	return TagResult{TagID: tagID, Values: values, Hint: Interpolated}, nil
}

// plotPicks selects up to five representative samples from one bucket.
func plotPicks(bucket []model.Value) []model.Value {
	if len(bucket) == 0 {
		return nil
	}
	earliest, latest := bucket[0], bucket[len(bucket)-1]
	minV, maxV := bucket[0], bucket[0]
	var firstNonGood *model.Value
	for i := range bucket {
		v := bucket[i]
		if v.IsNumeric() {
			if !minV.IsNumeric() || float64(v.NumericValue) < float64(minV.NumericValue) {
				minV = v
			}
			if !maxV.IsNumeric() || float64(v.NumericValue) > float64(maxV.NumericValue) {
				maxV = v
			}
		}
		if v.Quality != model.QualityGood && firstNonGood == nil {
			firstNonGood = &bucket[i]
		}
	}

	out := []model.Value{earliest, latest, minV, maxV}
	if firstNonGood != nil {
		out = append(out, *firstNonGood)
	}
	return out
}

func sliceInRange(values []model.Value, from, until time.Time) []model.Value {
	var out []model.Value
	for _, v := range values {
		if !v.UtcSampleTime.Before(from) && v.UtcSampleTime.Before(until) {
			out = append(out, v)
		}
	}
	return out
}

// addPlotBoundaries prepends/appends an interpolated anchor at t0/t1 when
// the nearest real data lies strictly inside the interval (§4.6).
func (e *Engine) addPlotBoundaries(ctx context.Context, tagID uuid.UUID, from, until time.Time, values []model.Value) []model.Value {
	if len(values) == 0 {
		return values
	}

	if values[0].UtcSampleTime.After(from) {
		pre, err := e.adapter.Query(ctx, storage.Query{TagID: tagID, Until: from.UnixNano(), Limit: 1, Ascending: false})
		if err == nil && len(pre) == 1 {
			values = append([]model.Value{interpolate(pre[0], values[0], from)}, values...)
		}
	}

	last := values[len(values)-1]
	if last.UtcSampleTime.Before(until) {
		post, err := e.adapter.Query(ctx, storage.Query{TagID: tagID, From: until.UnixNano() + 1, Until: math.MaxInt64, Limit: 1, Ascending: true})
		if err == nil && len(post) == 1 {
			values = append(values, interpolate(last, post[0], until))
		}
	}

	return values
}
