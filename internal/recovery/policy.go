// Package recovery classifies failures from paid operations and retries
// the transient ones with exponential backoff.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	forgeerr "github.com/randalmurphal/planforge/internal/errors"
)

// Class is a failure classification that decides the retry schedule.
type Class int

const (
	// ClassPermanent failures are never retried.
	ClassPermanent Class = iota
	// ClassRateLimit failures back off longest before retrying.
	ClassRateLimit
	// ClassTimeout failures retry on the standard transient schedule.
	ClassTimeout
	// ClassNetwork failures retry on the standard transient schedule.
	ClassNetwork
)

// String returns the class name for logs.
func (c Class) String() string {
	switch c {
	case ClassRateLimit:
		return "rate_limit"
	case ClassTimeout:
		return "timeout"
	case ClassNetwork:
		return "network"
	default:
		return "permanent"
	}
}

// Message fragments used when an error carries no structured code.
// Matching is case-insensitive substring.
var (
	rateLimitPatterns = []string{
		"rate limit",
		"rate_limit",
		"too many requests",
		"429",
		"quota exceeded",
		"overloaded",
	}
	timeoutPatterns = []string{
		"timeout",
		"timed out",
		"deadline exceeded",
		"context deadline",
	}
	networkPatterns = []string{
		"connection refused",
		"connection reset",
		"no such host",
		"network is unreachable",
		"broken pipe",
		"eof",
		"502",
		"503",
		"504",
	}
)

// Classify maps an error to its failure class. Structured codes win;
// message patterns are the fallback for errors from third-party clients.
func Classify(err error) Class {
	if err == nil {
		return ClassPermanent
	}

	if fe := forgeerr.AsForgeError(err); fe != nil {
		switch fe.Code {
		case forgeerr.CodeRateLimited:
			return ClassRateLimit
		case forgeerr.CodeTimeout:
			return ClassTimeout
		case forgeerr.CodeNetwork:
			return ClassNetwork
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}

	msg := strings.ToLower(err.Error())
	for _, p := range rateLimitPatterns {
		if strings.Contains(msg, p) {
			return ClassRateLimit
		}
	}
	for _, p := range timeoutPatterns {
		if strings.Contains(msg, p) {
			return ClassTimeout
		}
	}
	for _, p := range networkPatterns {
		if strings.Contains(msg, p) {
			return ClassNetwork
		}
	}
	return ClassPermanent
}

// Schedule is the retry budget for one failure class.
type Schedule struct {
	MaxAttempts int
	Backoff     time.Duration
	Factor      float64
	MaxBackoff  time.Duration
}

// Policy holds per-class retry schedules and an optional fallback.
type Policy struct {
	rateLimit Schedule
	transient Schedule
	fallback  func(ctx context.Context) error
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// PolicyOption configures a Policy.
type PolicyOption func(*Policy)

// WithRateLimitSchedule overrides the rate-limit schedule.
func WithRateLimitSchedule(s Schedule) PolicyOption {
	return func(p *Policy) { p.rateLimit = s }
}

// WithTransientSchedule overrides the timeout/network schedule.
func WithTransientSchedule(s Schedule) PolicyOption {
	return func(p *Policy) { p.transient = s }
}

// WithFallback sets an alternative to run after retries are exhausted.
// A fallback succeeding clears the error.
func WithFallback(fn func(ctx context.Context) error) PolicyOption {
	return func(p *Policy) { p.fallback = fn }
}

// WithPolicyLogger sets the logger.
func WithPolicyLogger(l *slog.Logger) PolicyOption {
	return func(p *Policy) { p.logger = l }
}

// WithSleeper overrides the backoff sleep (for tests).
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) PolicyOption {
	return func(p *Policy) { p.sleep = fn }
}

// NewPolicy creates a retry policy with the default schedules: rate
// limits get 5 attempts starting at 2s, other transient failures get 3
// attempts starting at 1s, both doubling up to a ceiling.
func NewPolicy(opts ...PolicyOption) *Policy {
	p := &Policy{
		rateLimit: Schedule{MaxAttempts: 5, Backoff: 2 * time.Second, Factor: 2.0, MaxBackoff: 60 * time.Second},
		transient: Schedule{MaxAttempts: 3, Backoff: time.Second, Factor: 2.0, MaxBackoff: 15 * time.Second},
		logger:    slog.Default(),
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *Policy) schedule(c Class) (Schedule, bool) {
	switch c {
	case ClassRateLimit:
		return p.rateLimit, true
	case ClassTimeout, ClassNetwork:
		return p.transient, true
	default:
		return Schedule{}, false
	}
}

// attemptsError wraps the final error with how many attempts were made.
type attemptsError struct {
	err      error
	attempts int
}

func (e *attemptsError) Error() string {
	return fmt.Sprintf("after %d attempt(s): %v", e.attempts, e.err)
}

func (e *attemptsError) Unwrap() error { return e.err }

// Attempts reports how many attempts a Do error represents. Errors not
// produced by Do report 1.
func Attempts(err error) int {
	var ae *attemptsError
	if errors.As(err, &ae) {
		return ae.attempts
	}
	return 1
}

// Do runs op, retrying per the failure class of each error, and reports
// how many attempts were made. Permanent failures return immediately.
// When retries are exhausted the fallback runs if one is set; otherwise
// the last error is returned wrapped with the attempt count.
func (p *Policy) Do(ctx context.Context, name string, op func(ctx context.Context) error) (int, error) {
	attempt := 0
	exhausted := false
	var lastErr error

	for {
		attempt++
		lastErr = op(ctx)
		if lastErr == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, &attemptsError{err: lastErr, attempts: attempt}
		}

		class := Classify(lastErr)
		sched, retryable := p.schedule(class)
		if !retryable {
			p.logger.Debug("permanent failure, not retrying", "operation", name, "error", lastErr)
			break
		}
		if attempt >= sched.MaxAttempts {
			p.logger.Warn("retries exhausted",
				"operation", name, "class", class.String(), "attempts", attempt, "error", lastErr)
			exhausted = true
			break
		}

		backoff := sched.Backoff
		for i := 1; i < attempt; i++ {
			backoff = time.Duration(float64(backoff) * sched.Factor)
		}
		if backoff > sched.MaxBackoff {
			backoff = sched.MaxBackoff
		}
		p.logger.Debug("retrying after backoff",
			"operation", name, "class", class.String(), "attempt", attempt, "backoff", backoff)
		if err := p.sleep(ctx, backoff); err != nil {
			return attempt, &attemptsError{err: lastErr, attempts: attempt}
		}
	}

	if p.fallback != nil {
		p.logger.Info("running fallback", "operation", name)
		if err := p.fallback(ctx); err == nil {
			return attempt, nil
		}
	}
	if exhausted {
		return attempt, &attemptsError{
			err:      forgeerr.ErrMaxRetries(name, attempt).WithCause(lastErr),
			attempts: attempt,
		}
	}
	return attempt, &attemptsError{err: lastErr, attempts: attempt}
}
