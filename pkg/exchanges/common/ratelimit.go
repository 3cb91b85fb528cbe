package common

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// RateLimiter paces outbound requests and tracks the venue's reported
// request weight.
type RateLimiter struct {
	pacer         *rate.Limiter
	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
	mu            sync.RWMutex
}

// NewRateLimiter creates a new rate limiter.
// rps/burst pace local requests; limit is the venue weight budget per
// resetInterval (e.g. 1200 per minute for spot).
func NewRateLimiter(rps float64, burst, limit int, resetInterval time.Duration) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		pacer:         rate.NewLimiter(rate.Limit(rps), burst),
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
	}
}

// Wait blocks until the next request may be sent. Near the weight ceiling it
// additionally holds off until the venue window resets.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if err := rl.pacer.Wait(ctx); err != nil {
		return err
	}
	if !rl.ShouldDelay() {
		return nil
	}
	rl.mu.RLock()
	wait := rl.resetInterval - time.Since(rl.lastReset)
	rl.mu.RUnlock()
	if wait <= 0 {
		return nil
	}
	log.Warn().Dur("wait", wait).Msg("rate limit near ceiling, pausing requests")
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// UpdateFromHeader updates the used weight from API response header.
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

	percentage := float64(rl.usedWeight) / float64(rl.limit) * 100
	if percentage >= 95 {
		log.Error().Int("used", rl.usedWeight).Int("limit", rl.limit).Msg("rate limit critical, approaching ban threshold")
	} else if percentage >= 80 {
		log.Warn().Int("used", rl.usedWeight).Int("limit", rl.limit).Msg("rate limit warning")
	}
}

// GetUsage returns current usage information.
func (rl *RateLimiter) GetUsage() (used int, limit int, percentage float64) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	if time.Since(rl.lastReset) >= rl.resetInterval {
		return 0, rl.limit, 0
	}

	return rl.usedWeight, rl.limit, float64(rl.usedWeight) / float64(rl.limit) * 100
}

// ShouldDelay returns true if we should delay the next request.
func (rl *RateLimiter) ShouldDelay() bool {
	_, _, pct := rl.GetUsage()
	return pct >= 90
}
