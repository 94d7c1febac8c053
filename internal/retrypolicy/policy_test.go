package retrypolicy_test

import (
	"testing"
	"time"

	"forgeline/internal/classify"
	"forgeline/internal/domain"
	"forgeline/internal/retrypolicy"
)

func transientSignal() classify.Signal {
	return classify.Signal{Category: classify.CategoryTransient, CanRetry: true}
}

func freshState() domain.RetryState {
	return domain.RetryState{PerStep: map[string]int{}}
}

func TestAllowRetryWithinBounds(t *testing.T) {
	p := retrypolicy.Default()
	state := freshState()
	if !p.AllowRetry(transientSignal(), state, "codegen") {
		t.Fatal("fresh transient failure should be retryable")
	}
}

func TestPerCategoryBound(t *testing.T) {
	p := retrypolicy.Default()
	state := freshState()
	state.PerStep["codegen"] = p.MaxRetries(classify.CategoryTransient)
	if p.AllowRetry(transientSignal(), state, "codegen") {
		t.Fatal("retry past the category bound must be denied")
	}
}

func TestDefectCategoriesNeverRetry(t *testing.T) {
	p := retrypolicy.Default()
	state := freshState()
	for _, cat := range []classify.Category{
		classify.CategoryTestAssert,
		classify.CategoryLint,
		classify.CategoryTypecheck,
		classify.CategorySecurity,
		classify.CategoryPolicy,
		classify.CategorySchemaMigration,
	} {
		sig := classify.Signal{Category: cat, CanRetry: true}
		if p.AllowRetry(sig, state, "test") {
			t.Fatalf("defect category %s must not retry", cat)
		}
	}
}

func TestRunWideCap(t *testing.T) {
	p := retrypolicy.Default()
	state := freshState()
	state.TotalAttempts = p.MaxTotalAttempts
	if p.AllowRetry(transientSignal(), state, "codegen") {
		t.Fatal("retry past the run-wide cap must be denied")
	}
}

func TestUnlistedCategoryGetsNoRetries(t *testing.T) {
	p := retrypolicy.Policy{
		BaseDelay:        time.Second,
		DelayCap:         time.Minute,
		MaxTotalAttempts: 10,
		MaxStepAttempts:  10,
		Rules:            map[classify.Category]retrypolicy.Rule{},
	}
	if p.AllowRetry(transientSignal(), freshState(), "codegen") {
		t.Fatal("unlisted category must default to zero retries")
	}
}

func TestExponentialBackoff(t *testing.T) {
	p := retrypolicy.Default()
	sig := transientSignal()
	d0 := p.NextDelay(sig, 0)
	d1 := p.NextDelay(sig, 1)
	d2 := p.NextDelay(sig, 2)
	if d0 != p.BaseDelay {
		t.Fatalf("attempt 0 delay = %s, want base %s", d0, p.BaseDelay)
	}
	if d1 != 2*d0 || d2 != 2*d1 {
		t.Fatalf("expected doubling: %s %s %s", d0, d1, d2)
	}
}

func TestBackoffCap(t *testing.T) {
	p := retrypolicy.Default()
	d := p.NextDelay(transientSignal(), 30)
	if d != p.DelayCap {
		t.Fatalf("delay = %s, want cap %s", d, p.DelayCap)
	}
}

func TestRetryAfterOverridesWhenLarger(t *testing.T) {
	p := retrypolicy.Default()
	sig := classify.Signal{Category: classify.CategoryRateLimit, CanRetry: true, RetryAfter: 45 * time.Second}
	if d := p.NextDelay(sig, 0); d != 45*time.Second {
		t.Fatalf("delay = %s, want retry_after 45s", d)
	}
	// A retry_after smaller than the computed backoff does not shorten it.
	sig.RetryAfter = time.Second
	if d := p.NextDelay(sig, 3); d < p.BaseDelay {
		t.Fatalf("small retry_after shortened the delay to %s", d)
	}
}

func TestNegativeAttemptClamped(t *testing.T) {
	p := retrypolicy.Default()
	if d := p.NextDelay(transientSignal(), -5); d != p.BaseDelay {
		t.Fatalf("delay = %s, want base", d)
	}
}
