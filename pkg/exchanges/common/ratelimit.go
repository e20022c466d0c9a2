// Package common holds venue plumbing shared by exchange clients: request
// weight tracking and server time synchronization.
package common

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimiter gates outbound requests with a token bucket and tracks the
// venue-reported used weight, logging when it nears the budget. The token
// bucket rate does not change with the reported weight.
type RateLimiter struct {
	limiter       *rate.Limiter
	log           *logrus.Logger
	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
	mu            sync.RWMutex
}

// NewRateLimiter creates a limiter for the given weight budget per window
// (2400/min for USDT-M futures) and a request-per-second token bucket sized
// well under it.
func NewRateLimiter(limit int, resetInterval time.Duration, log *logrus.Logger) *RateLimiter {
	perSecond := float64(limit) / resetInterval.Seconds() / 4
	return &RateLimiter{
		limiter:       rate.NewLimiter(rate.Limit(perSecond), 10),
		log:           log,
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
	}
}

// Wait blocks until a request slot is available.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.limiter.Wait(ctx)
}

// UpdateFromHeader records the used weight from the venue response header.
func (rl *RateLimiter) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if time.Since(rl.lastReset) >= rl.resetInterval {
		rl.usedWeight = 0
		rl.lastReset = time.Now()
	}
	rl.usedWeight = weight

	pct := float64(rl.usedWeight) / float64(rl.limit) * 100
	if pct >= 95 {
		rl.log.Warnf("rate limit critical: %d/%d (%.1f%%)", rl.usedWeight, rl.limit, pct)
	} else if pct >= 80 {
		rl.log.Infof("rate limit high: %d/%d (%.1f%%)", rl.usedWeight, rl.limit, pct)
	}
}

// Usage returns the current used weight and its percentage of the budget.
func (rl *RateLimiter) Usage() (used int, limit int, percentage float64) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if time.Since(rl.lastReset) >= rl.resetInterval {
		return 0, rl.limit, 0
	}
	return rl.usedWeight, rl.limit, float64(rl.usedWeight) / float64(rl.limit) * 100
}
