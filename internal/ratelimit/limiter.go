// Package ratelimit enforces the per-user daily task quota.
package ratelimit

import (
	"context"
	"strings"
	"time"

	"github.com/kiln-dev/kiln/internal/common/config"
	"github.com/kiln-dev/kiln/internal/common/logger"
)

// window is the sliding quota window.
const window = 24 * time.Hour

// Counter is the slice of the task store the limiter reads from.
type Counter interface {
	CountActiveSince(ctx context.Context, userID string, since time.Time) (int, error)
	OldestActiveSince(ctx context.Context, userID string, since time.Time) (*time.Time, error)
}

// Decision is the outcome of a quota check. ResetAt is when the oldest
// counted task ages out of the window; zero when the window is empty.
type Decision struct {
	Allowed   bool
	Remaining int
	Total     int
	ResetAt   time.Time
}

// Limiter checks task creation against a sliding 24h window. Soft-deleted
// tasks do not count. On a store error the limiter fails open: a broken
// counter should degrade quota accuracy, not availability.
type Limiter struct {
	counter      Counter
	dailyLimit   int
	adminLimit   int
	adminDomains []string
	log          *logger.Logger
}

// New creates a Limiter from the rate limit config.
func New(counter Counter, cfg config.RateLimitConfig, log *logger.Logger) *Limiter {
	domains := make([]string, 0, len(cfg.AdminDomains))
	for _, d := range cfg.AdminDomains {
		domains = append(domains, strings.ToLower(strings.TrimSpace(d)))
	}
	return &Limiter{
		counter:      counter,
		dailyLimit:   cfg.DailyLimit,
		adminLimit:   cfg.AdminDailyLimit,
		adminDomains: domains,
		log:          log,
	}
}

// CheckAllowed reports whether the user may create another task right now.
func (l *Limiter) CheckAllowed(ctx context.Context, userID, email string) Decision {
	total := l.limitFor(email)
	since := time.Now().Add(-window)

	count, err := l.counter.CountActiveSince(ctx, userID, since)
	if err != nil {
		l.log.WithUserID(userID).WithError(err).Warn("Quota count failed, allowing request")
		return Decision{Allowed: true, Remaining: total, Total: total}
	}

	decision := Decision{
		Allowed:   count < total,
		Remaining: total - count,
		Total:     total,
	}
	if decision.Remaining < 0 {
		decision.Remaining = 0
	}

	if count > 0 {
		oldest, err := l.counter.OldestActiveSince(ctx, userID, since)
		if err != nil {
			l.log.WithUserID(userID).WithError(err).Warn("Quota reset lookup failed")
		} else if oldest != nil {
			decision.ResetAt = oldest.Add(window)
		}
	}
	return decision
}

func (l *Limiter) limitFor(email string) int {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return l.dailyLimit
	}
	domain := strings.ToLower(email[at+1:])
	for _, d := range l.adminDomains {
		if domain == d {
			return l.adminLimit
		}
	}
	return l.dailyLimit
}
