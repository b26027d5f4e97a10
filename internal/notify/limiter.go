package notify

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterPool holds per-user, per-category token buckets. Buckets refill
// over a day so that a category's cap is an events-per-day budget, not a
// hard reset at midnight. Safe for concurrent producers.
type limiterPool struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	caps       map[string]int
	defaultCap int
	now        func() time.Time
}

func newLimiterPool(caps map[string]int, defaultCap int) *limiterPool {
	return &limiterPool{
		limiters:   make(map[string]*rate.Limiter),
		caps:       caps,
		defaultCap: defaultCap,
		now:        time.Now,
	}
}

func (p *limiterPool) capFor(category string) int {
	if c, ok := p.caps[category]; ok && c > 0 {
		return c
	}
	return p.defaultCap
}

// allow consumes one token from the (user, category) bucket, reporting
// whether the event stays under the daily cap.
func (p *limiterPool) allow(userID, category string) bool {
	daily := p.capFor(category)
	if daily <= 0 {
		return false
	}

	key := userID + "/" + category
	p.mu.Lock()
	lim, ok := p.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(24*time.Hour/time.Duration(daily)), daily)
		p.limiters[key] = lim
	}
	p.mu.Unlock()

	return lim.AllowN(p.now(), 1)
}
