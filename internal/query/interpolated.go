package query

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/ClusterCockpit/cc-lib/v2/schema"
	"github.com/aika-project/aika/internal/model"
	"github.com/aika-project/aika/internal/storage"
	"github.com/google/uuid"
)

// queryInterpolatedOne implements Interpolated mode (§4.6): bucket the
// range without the aggregated-mode backshift, gather per-bucket top-hit
// earliest/latest raw samples plus the samples strictly before and after
// t0, then linearly interpolate a value at every t0+k*interval.
func (e *Engine) queryInterpolatedOne(ctx context.Context, tagID uuid.UUID, req Request) (TagResult, error) {
	interval := req.Interval
	if interval <= 0 {
		interval = time.Second
	}

	bucketCount := bucketCountFor(req.From, req.Until, interval)
	capN := e.limits.MaxSamplesPerTagPerQuery
	until := req.Until
	if bucketCount > capN {
		bucketCount = capN
		until = req.From.Add(interval * time.Duration(capN))
	}

	points, err := e.interpolationSource(ctx, tagID, req.From, until)
	if err != nil {
		return TagResult{}, err
	}
	if len(points) == 0 {
		return TagResult{TagID: tagID, Hint: Interpolated}, nil
	}

	values := make([]model.Value, 0, bucketCount+1)
	idx := 0
	for k := 0; k <= bucketCount; k++ {
		t := req.From.Add(interval * time.Duration(k))
		if t.After(until) {
			break
		}
		for idx+1 < len(points) && !points[idx+1].UtcSampleTime.After(t) {
			idx++
		}
		p0 := points[idx]
		var p1 *model.Value
		if idx+1 < len(points) {
			p1 = &points[idx+1]
		}

		switch {
		case p0.UtcSampleTime.Equal(t):
			values = append(values, p0)
		case p1 != nil && p1.UtcSampleTime.Equal(t):
			values = append(values, *p1)
		case p1 != nil && p0.UtcSampleTime.Before(t) && t.Before(p1.UtcSampleTime):
			values = append(values, interpolate(p0, *p1, t))
		default:
			// No surrounding pair (t outside the data we have): no value.
		}
	}

	return TagResult{TagID: tagID, Values: values, Hint: Interpolated}, nil
}

// interpolationSource builds the merged ordered stream of {pre-sample,
// per-bucket top-hit earliest/latest, post-sample} that interpolation
// walks (§4.6).
func (e *Engine) interpolationSource(ctx context.Context, tagID uuid.UUID, from, until time.Time) ([]model.Value, error) {
	pre, err := e.adapter.Query(ctx, storage.Query{TagID: tagID, Until: from.UnixNano(), Limit: 1, Ascending: false})
	if err != nil {
		return nil, err
	}
	post, err := e.adapter.Query(ctx, storage.Query{TagID: tagID, From: from.UnixNano() + 1, Until: math.MaxInt64, Limit: 1, Ascending: true})
	if err != nil {
		return nil, err
	}

	raw, err := e.adapter.Query(ctx, storage.Query{
		TagID: tagID, From: from.UnixNano(), Until: until.UnixNano() + 1,
		Limit: e.limits.MaxSamplesPerTagPerQuery, Ascending: true,
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]bool, len(raw)+2)
	for _, v := range raw {
		seen[v.UtcSampleTime.UnixNano()] = true
	}
	live := e.unionLive(tagID, from, until.Add(time.Nanosecond), seen)

	merged := append(append(append([]model.Value{}, pre...), raw...), post...)
	merged = append(merged, live...)

	dedup := make([]model.Value, 0, len(merged))
	dedupSeen := make(map[int64]bool, len(merged))
	for _, v := range merged {
		ns := v.UtcSampleTime.UnixNano()
		if dedupSeen[ns] {
			continue
		}
		dedupSeen[ns] = true
		dedup = append(dedup, v)
	}
	sort.Slice(dedup, func(i, j int) bool { return dedup[i].UtcSampleTime.Before(dedup[j].UtcSampleTime) })
	return dedup, nil
}

// interpolate implements §4.6's linear interpolation formula, returning NaN
// when either neighbor is non-numeric and the min of the two qualities.
func interpolate(v0, v1 model.Value, t time.Time) model.Value {
	t0, t1 := v0.UtcSampleTime.UnixNano(), v1.UtcSampleTime.UnixNano()
	quality := model.MinQuality(v0.Quality, v1.Quality)

	var numeric schema.Float
	if !v0.IsNumeric() || !v1.IsNumeric() || t1 == t0 {
		numeric = schema.NaN
	} else {
		y0, y1 := float64(v0.NumericValue), float64(v1.NumericValue)
		frac := float64(t.UnixNano()-t0) / float64(t1-t0)
		numeric = schema.Float(y0 + (y1-y0)*frac)
	}

	return model.Value{
		UtcSampleTime: t,
		NumericValue:  numeric,
		Quality:       quality,
	}
}

func bucketCountFor(from, until time.Time, interval time.Duration) int {
	if interval <= 0 {
		interval = time.Second
	}
	span := until.Sub(from)
	if span <= 0 {
		return 1
	}
	return int(math.Ceil(float64(span) / float64(interval)))
}
