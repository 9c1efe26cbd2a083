package server

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const limitedDomains = 4096

// domainLimiter rate limits signTree requests per requesting domain.
type domainLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters *lru.Cache[string, *rate.Limiter]
}

// newDomainLimiter returns nil, meaning no limit, for a non-positive
// rate.
func newDomainLimiter(perSecond float64, burst int) *domainLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	cache, err := lru.New[string, *rate.Limiter](limitedDomains)
	if err != nil {
		panic(err)
	}
	return &domainLimiter{limit: rate.Limit(perSecond), burst: burst, limiters: cache}
}

// allow reports whether domain may make a request at now.
func (l *domainLimiter) allow(domain string, now time.Time) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters.Get(domain)
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters.Add(domain, lim)
	}
	l.mu.Unlock()
	return lim.AllowN(now, 1)
}
