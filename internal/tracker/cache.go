package tracker

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"flowgate/internal/domain"
)

// Source is the tracker surface the engine uses.
type Source interface {
	FetchIssue(ctx context.Context, id string) (domain.Issue, error)
	AddComment(ctx context.Context, id, text string) error
}

// Cached keeps fetched issues in an in-process cache for TTL. Errors are
// not cached.
type Cached struct {
	Source Source
	TTL    time.Duration

	cache *ristretto.Cache[string, domain.Issue]
}

// NewCached holds up to maxItems issues.
func NewCached(src Source, ttl time.Duration, maxItems int64) (*Cached, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, domain.Issue]{
		NumCounters: maxItems * 10,
		MaxCost:     maxItems,
		BufferItems: 64,
		// cost counts issues, not bytes
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &Cached{Source: src, TTL: ttl, cache: c}, nil
}

func (c *Cached) FetchIssue(ctx context.Context, id string) (domain.Issue, error) {
	if issue, ok := c.cache.Get(id); ok {
		return issue, nil
	}
	issue, err := c.Source.FetchIssue(ctx, id)
	if err != nil {
		return issue, err
	}
	c.cache.SetWithTTL(id, issue, 1, c.TTL)
	return issue, nil
}

func (c *Cached) AddComment(ctx context.Context, id, text string) error {
	return c.Source.AddComment(ctx, id, text)
}

// Wait blocks until buffered writes are visible.
func (c *Cached) Wait() { c.cache.Wait() }

func (c *Cached) Close() { c.cache.Close() }
