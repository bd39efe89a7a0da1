package redis

import (
	"context"
	"errors"
	"time"

	"github.com/proficienthub/exam-credits/pkg/circuitbreaker"
)

// DashboardCache stores rendered dashboards per (plan, student).
// Any credit or exam change on a plan drops every dashboard of that plan,
// since remaining credits are shared by all of its students.
type DashboardCache struct {
	cache   *Cache
	ttl     time.Duration
	breaker *circuitbreaker.CircuitBreaker
}

// NewDashboardCache creates a new DashboardCache. A zero ttl means TTLDashboard.
func NewDashboardCache(cache *Cache, ttl time.Duration) *DashboardCache {
	if ttl <= 0 {
		ttl = TTLDashboard
	}
	return &DashboardCache{cache: cache, ttl: ttl}
}

// WithBreaker guards reads and writes with cb. While cb is open, Get is a
// miss and Set is skipped. InvalidatePool always reaches Redis.
func (d *DashboardCache) WithBreaker(cb *circuitbreaker.CircuitBreaker) *DashboardCache {
	d.breaker = cb
	return d
}

// Get loads a cached dashboard into dest. A miss is (false, nil).
func (d *DashboardCache) Get(ctx context.Context, poolID, studentID string, dest interface{}) (bool, error) {
	hit := false
	err := d.guard(ctx, func(ctx context.Context) error {
		err := d.cache.Get(ctx, DashboardKey(poolID, studentID), dest)
		if errors.Is(err, ErrCacheMiss) {
			return nil
		}
		if err != nil {
			return err
		}
		hit = true
		return nil
	})
	return hit, err
}

// Set stores a dashboard.
func (d *DashboardCache) Set(ctx context.Context, poolID, studentID string, value interface{}) error {
	return d.guard(ctx, func(ctx context.Context) error {
		return d.cache.Set(ctx, DashboardKey(poolID, studentID), value, d.ttl)
	})
}

// InvalidatePool drops every dashboard of a plan.
func (d *DashboardCache) InvalidatePool(ctx context.Context, poolID string) error {
	return d.cache.DeleteByPattern(ctx, DashboardPoolPattern(poolID))
}

func (d *DashboardCache) guard(ctx context.Context, fn func(context.Context) error) error {
	if d.breaker == nil {
		return fn(ctx)
	}
	return d.breaker.ExecuteWithFallback(ctx, fn, func(error) error { return nil })
}
