package outbound

import (
	"errors"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

var ErrRateLimited = errors.New("send rate limit exceeded")

const limiterIdleTTL = 10 * time.Minute

// limiterPool holds one token bucket per workspace. Buckets idle for
// limiterIdleTTL are dropped and start full again.
type limiterPool struct {
	mu    sync.Mutex
	cache *cache.Cache
	rps   float64
	burst int
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &limiterPool{
		cache: cache.New(limiterIdleTTL, 2*limiterIdleTTL),
		rps:   rps,
		burst: burst,
	}
}

func (p *limiterPool) get(workspaceID string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, found := p.cache.Get(workspaceID); found {
		l := v.(*rate.Limiter)
		p.cache.SetDefault(workspaceID, l)
		return l
	}
	l := rate.NewLimiter(rate.Limit(p.rps), p.burst)
	p.cache.SetDefault(workspaceID, l)
	return l
}

func (p *limiterPool) Allow(workspaceID string) bool {
	return p.get(workspaceID).Allow()
}
