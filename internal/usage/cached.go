package usage

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// CachedOracle bounds how often the underlying oracle process is launched.
// Within MinInterval of the last query it replays the last reading or error.
type CachedOracle struct {
	next Oracle

	mu      sync.Mutex
	lim     *rate.Limiter
	last    Reading
	lastErr error
	has     bool
}

func NewCachedOracle(next Oracle, minInterval time.Duration) *CachedOracle {
	c := &CachedOracle{next: next}
	c.SetInterval(minInterval)
	return c
}

// SetInterval changes the refresh interval; <= 0 disables caching.
func (c *CachedOracle) SetInterval(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		c.lim = rate.NewLimiter(rate.Inf, 1)
		return
	}
	c.lim = rate.NewLimiter(rate.Every(d), 1)
}

// Invalidate forces the next call to query the oracle.
func (c *CachedOracle) Invalidate() {
	c.mu.Lock()
	c.has = false
	c.mu.Unlock()
}

func (c *CachedOracle) Usage(ctx context.Context) (Reading, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.has && !c.lim.Allow() {
		return c.last, c.lastErr
	}
	if !c.has {
		// Consume the token so the next call within the interval is cached.
		_ = c.lim.Allow()
	}
	r, err := c.next.Usage(ctx)
	if ctx.Err() != nil {
		c.has = false
		return r, err
	}
	c.last, c.lastErr, c.has = r, err, true
	return r, err
}
