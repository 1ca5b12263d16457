package storage

import (
	"context"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
)

// queryTimingHooks satisfies sqlhooks.Hooks, timing every statement run
// against the sqlite adapter's connection. Grounded on
// internal/repository/hooks.go's Before/After pair.
type queryTimingHooks struct{}

type queryTimingKey struct{}

func (h *queryTimingHooks) Before(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	cclog.Debugf("storage/sqlite: query %s %q", query, args)
	return context.WithValue(ctx, queryTimingKey{}, time.Now()), nil
}

func (h *queryTimingHooks) After(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	if begin, ok := ctx.Value(queryTimingKey{}).(time.Time); ok {
		cclog.Debugf("storage/sqlite: took %s", time.Since(begin))
	}
	return ctx, nil
}
