package query

import (
	"context"
	"time"

	"github.com/aika-project/aika/internal/storage"
	"github.com/google/uuid"
)

// queryRawOne implements Raw mode (§4.6): union the tag's live snapshot and
// archive-candidate with its archived history in [req.From, req.Until),
// ascending, truncated to perTagCap samples.
func (e *Engine) queryRawOne(ctx context.Context, tagID uuid.UUID, req Request, perTagCap int) (TagResult, error) {
	if e.cache == nil {
		return e.rawUncached(ctx, tagID, req, perTagCap)
	}

	key := cacheKey(ModeRaw, tagID, req.From, req.Until, 0, 0)
	entry := e.cache.Get(key, func() (cacheEntry, time.Duration, int) {
		res, err := e.rawUncached(ctx, tagID, req, perTagCap)
		if err != nil {
			// Errors are not worth memoizing: expire immediately.
			return cacheEntry{err: err}, 0, 1
		}
		return cacheEntry{res: res}, e.cacheTTL, len(res.Values) + 1
	})
	return entry.res, entry.err
}

func (e *Engine) rawUncached(ctx context.Context, tagID uuid.UUID, req Request, perTagCap int) (TagResult, error) {
	fromNanos, untilNanos := req.From.UnixNano(), req.Until.UnixNano()

	// Descending + Limit gets the true latest perTagCap archived samples
	// from the adapter; mergeSorted re-sorts the union ascending below, so
	// the order returned here doesn't matter, only which rows are kept.
	archived, err := e.adapter.Query(ctx, storage.Query{
		TagID:     tagID,
		From:      fromNanos,
		Until:     untilNanos,
		Limit:     perTagCap,
		Ascending: false,
	})
	if err != nil {
		return TagResult{}, err
	}

	seen := make(map[int64]bool, len(archived))
	for _, v := range archived {
		seen[v.UtcSampleTime.UnixNano()] = true
	}

	live := e.unionLive(tagID, req.From, req.Until, seen)
	merged := mergeSorted(append(archived, live...))
	if len(merged) > perTagCap {
		merged = merged[len(merged)-perTagCap:]
	}

	return TagResult{TagID: tagID, Values: merged, Hint: TrailingEdge}, nil
}
