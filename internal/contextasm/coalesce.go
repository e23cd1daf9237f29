package contextasm

import (
	"context"

	"golang.org/x/sync/singleflight"
)

type coalescing struct {
	next  Querier
	group singleflight.Group
}

// WithCoalescing shares one in-flight call among concurrent identical
// queries. The shared call runs under the first caller's context.
func WithCoalescing(next Querier) Querier {
	return &coalescing{next: next}
}

func (c *coalescing) Query(ctx context.Context, q Query) (Result, error) {
	v, err, _ := c.group.Do(q.key(), func() (any, error) {
		return c.next.Query(ctx, q)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}
