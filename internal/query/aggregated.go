package query

import (
	"context"
	"time"

	"github.com/aika-project/aika/internal/model"
	"github.com/aika-project/aika/internal/storage"
	"github.com/google/uuid"
)

// queryAggregatedOne implements Aggregated mode (§4.6): t0 is shifted back
// by one bucket so the caller's requested t0 lands on a bucket boundary
// (ending, not starting, the first bucket), then [shiftedT0,t1) is
// date-histogram bucketed at `interval` and reduced per req.Aggregation.
// bucketCount clamps to the per-tag sample cap.
func (e *Engine) queryAggregatedOne(ctx context.Context, tagID uuid.UUID, req Request) (TagResult, error) {
	interval := resolveInterval(req)
	shiftedFrom := req.From.Add(-interval)

	bucketCount := bucketCountFor(shiftedFrom, req.Until, interval)
	if bucketCount < 1 {
		bucketCount = 1
	}
	until := req.Until
	if capN := e.limits.MaxSamplesPerTagPerQuery; bucketCount > capN {
		bucketCount = capN
		until = shiftedFrom.Add(interval * time.Duration(capN))
	}

	if e.cache == nil {
		return e.aggregatedUncached(ctx, tagID, req.Aggregation, shiftedFrom, until, interval)
	}

	key := cacheKey(ModeAggregated, tagID, shiftedFrom, until, interval, req.Aggregation)
	entry := e.cache.Get(key, func() (cacheEntry, time.Duration, int) {
		res, err := e.aggregatedUncached(ctx, tagID, req.Aggregation, shiftedFrom, until, interval)
		if err != nil {
			return cacheEntry{err: err}, 0, 1
		}
		return cacheEntry{res: res}, e.cacheTTL, len(res.Values) + 1
	})
	return entry.res, entry.err
}

// resolveInterval derives the bucket width: req.Interval when given,
// otherwise the range split into req.PointCount buckets (PointCount<1
// means a single bucket, §4.6 edge case).
func resolveInterval(req Request) time.Duration {
	if req.Interval > 0 {
		return req.Interval
	}
	n := req.PointCount
	if n < 1 {
		n = 1
	}
	span := req.Until.Sub(req.From)
	if span <= 0 {
		return time.Second
	}
	interval := span / time.Duration(n)
	if interval <= 0 {
		return time.Second
	}
	return interval
}

func (e *Engine) aggregatedUncached(ctx context.Context, tagID uuid.UUID, kind storage.AggregationKind, from, until time.Time, interval time.Duration) (TagResult, error) {
	buckets, err := e.adapter.QueryAggregated(ctx, storage.Query{
		TagID: tagID,
		From:  from.UnixNano(),
		Until: until.UnixNano(),
	}, storage.Aggregation{
		IntervalNanos: int64(interval),
		Kind:          kind,
	})
	if err != nil {
		return TagResult{}, err
	}

	values := make([]model.Value, 0, len(buckets))
	for _, b := range buckets {
		values = append(values, b.Value)
	}
	return TagResult{TagID: tagID, Values: values, Hint: TrailingEdge}, nil
}
