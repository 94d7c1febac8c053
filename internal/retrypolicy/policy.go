package retrypolicy

import (
	"math"
	"time"

	"forgeline/internal/classify"
	"forgeline/internal/config"
	"forgeline/internal/domain"
)

// Rule bounds retries for one failure category.
type Rule struct {
	MaxRetries int
	Multiplier float64
}

// Policy computes retry eligibility and backoff delays. It is stateless; the
// caller supplies the run's RetryState.
type Policy struct {
	BaseDelay        time.Duration
	DelayCap         time.Duration
	MaxTotalAttempts int
	MaxStepAttempts  int
	Rules            map[classify.Category]Rule
}

// Default mirrors the default config template.
func Default() Policy {
	return FromConfig(config.Default("default"))
}

// FromConfig builds a policy from tenant config.
func FromConfig(cfg *config.Config) Policy {
	p := Policy{
		BaseDelay:        time.Duration(cfg.Retry.BaseDelaySeconds) * time.Second,
		DelayCap:         time.Duration(cfg.Retry.DelayCapSeconds) * time.Second,
		MaxTotalAttempts: cfg.Retry.MaxTotalAttempts,
		MaxStepAttempts:  cfg.Retry.MaxStepAttempts,
		Rules:            map[classify.Category]Rule{},
	}
	for name, rule := range cfg.Retry.Categories {
		p.Rules[classify.Category(name)] = Rule{MaxRetries: rule.MaxRetries, Multiplier: rule.Multiplier}
	}
	return p
}

// MaxRetries returns the per-category retry bound. Unlisted categories get no
// retries: an unconfigured category is treated as a defect, not as transient.
func (p Policy) MaxRetries(cat classify.Category) int {
	if r, ok := p.Rules[cat]; ok {
		return r.MaxRetries
	}
	return 0
}

// AllowRetry reports whether another retry of the given step is permitted,
// considering the signal, per-category bounds, the per-step cap, and the
// run-wide total cap.
func (p Policy) AllowRetry(sig classify.Signal, state domain.RetryState, stepName string) bool {
	if !sig.CanRetry || sig.Category.IsDefect() {
		return false
	}
	if state.TotalAttempts >= p.MaxTotalAttempts {
		return false
	}
	stepAttempts := state.PerStep[stepName]
	if stepAttempts >= p.MaxStepAttempts {
		return false
	}
	return stepAttempts < p.MaxRetries(sig.Category)
}

// NextDelay computes the backoff before retry number attempt (0-based):
// min(base * multiplier^attempt, cap). An explicit retry_after from the
// signal overrides the computed delay when larger.
func (p Policy) NextDelay(sig classify.Signal, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := 2.0
	if r, ok := p.Rules[sig.Category]; ok && r.Multiplier >= 1 {
		mult = r.Multiplier
	}
	delay := time.Duration(float64(p.BaseDelay) * math.Pow(mult, float64(attempt)))
	if delay > p.DelayCap || delay < 0 {
		delay = p.DelayCap
	}
	if sig.RetryAfter > delay {
		delay = sig.RetryAfter
	}
	return delay
}
