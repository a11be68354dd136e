package policy

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DestinationLimiter throttles actions per destination across every
// engagement in the process. It is the only state independent
// engagements share.
type DestinationLimiter struct {
	mu       sync.Mutex
	perMin   int
	limiters map[string]*rate.Limiter
}

// NewDestinationLimiter allows perMinute actions per destination with a
// burst of the same size. A non-positive perMinute disables limiting.
func NewDestinationLimiter(perMinute int) *DestinationLimiter {
	return &DestinationLimiter{
		perMin:   perMinute,
		limiters: make(map[string]*rate.Limiter),
	}
}

// AllowAt reports whether an action toward dest may proceed at t,
// consuming one token when it may.
func (d *DestinationLimiter) AllowAt(dest string, t time.Time) bool {
	if d == nil || d.perMin <= 0 {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[dest]
	if !ok {
		l = newMinuteLimiter(d.perMin)
		d.limiters[dest] = l
	}
	return l.AllowN(t, 1)
}

func newMinuteLimiter(perMinute int) *rate.Limiter {
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
}
