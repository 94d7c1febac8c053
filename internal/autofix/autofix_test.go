package autofix_test

import (
	"testing"

	"forgeline/internal/autofix"
	"forgeline/internal/classify"
	"forgeline/internal/domain"
	"forgeline/internal/retrypolicy"
)

func fixer() autofix.Fixer {
	return autofix.New(retrypolicy.Default())
}

func state(total int, perStep map[string]int) domain.RetryState {
	if perStep == nil {
		perStep = map[string]int{}
	}
	return domain.RetryState{TotalAttempts: total, PerStep: perStep}
}

func TestTransientFailureRetriesWithBackoff(t *testing.T) {
	f := fixer()
	sig := classify.Signal{Category: classify.CategoryTransient, CanRetry: true}
	d := f.Decide(sig, state(0, nil), "codegen", 1)
	if d.Outcome != autofix.OutcomeRetried {
		t.Fatalf("outcome = %s, want retried", d.Outcome)
	}
	if d.Strategy != autofix.StrategyRetryStep {
		t.Fatalf("strategy = %s, want retry_step", d.Strategy)
	}
	if d.Delay != f.Policy.BaseDelay {
		t.Fatalf("delay = %s, want base delay", d.Delay)
	}
}

func TestBackoffGrowsWithStepAttempts(t *testing.T) {
	f := fixer()
	sig := classify.Signal{Category: classify.CategoryTransient, CanRetry: true}
	d := f.Decide(sig, state(1, map[string]int{"codegen": 1}), "codegen", 1)
	if d.Outcome != autofix.OutcomeRetried {
		t.Fatalf("outcome = %s, want retried", d.Outcome)
	}
	if d.Delay != 2*f.Policy.BaseDelay {
		t.Fatalf("delay = %s, want doubled base", d.Delay)
	}
}

func TestExhaustedRetryableGivesUp(t *testing.T) {
	f := fixer()
	sig := classify.Signal{Category: classify.CategoryTransient, CanRetry: true}
	d := f.Decide(sig, state(3, map[string]int{"codegen": 3}), "codegen", 1)
	if d.Outcome != autofix.OutcomeGaveUp {
		t.Fatalf("outcome = %s, want gave_up", d.Outcome)
	}
}

func TestTestAssertGetsTargetedPatch(t *testing.T) {
	f := fixer()
	sig := classify.Signal{Category: classify.CategoryTestAssert}
	d := f.Decide(sig, state(0, nil), "test", 3)
	if d.Outcome != autofix.OutcomePatchApplied {
		t.Fatalf("outcome = %s, want patch_applied", d.Outcome)
	}
	if d.Strategy != autofix.StrategyFixSpecificIssue {
		t.Fatalf("strategy = %s, want fix_specific_issue", d.Strategy)
	}
}

func TestLargeFailureVolumeRegenerates(t *testing.T) {
	f := fixer()
	sig := classify.Signal{Category: classify.CategoryTestAssert}
	d := f.Decide(sig, state(0, nil), "test", f.RegenerateFailureVolume+1)
	if d.Outcome != autofix.OutcomePatchApplied {
		t.Fatalf("outcome = %s, want patch_applied", d.Outcome)
	}
	if d.Strategy != autofix.StrategyRegenerateCode {
		t.Fatalf("strategy = %s, want regenerate_code", d.Strategy)
	}
}

func TestSecurityEscalatesPastThreshold(t *testing.T) {
	f := fixer()
	sig := classify.Signal{Category: classify.CategorySecurity}
	// Below the threshold security still gets an automated patch attempt.
	d := f.Decide(sig, state(0, nil), "codegen", 1)
	if d.Outcome != autofix.OutcomePatchApplied {
		t.Fatalf("below threshold: outcome = %s, want patch_applied", d.Outcome)
	}
	d = f.Decide(sig, state(2, map[string]int{"codegen": f.EscalateAfterAttempts}), "codegen", 1)
	if d.Outcome != autofix.OutcomeEscalated {
		t.Fatalf("at threshold: outcome = %s, want escalated", d.Outcome)
	}
	if d.Strategy != autofix.StrategyEscalate {
		t.Fatalf("strategy = %s, want escalate", d.Strategy)
	}
}

func TestReplanWinsOverEverything(t *testing.T) {
	f := fixer()
	sig := classify.Signal{
		Category:       classify.CategoryTransient,
		CanRetry:       true,
		RequiresReplan: true,
	}
	d := f.Decide(sig, state(0, nil), "codegen", 1)
	if d.Outcome != autofix.OutcomeReplanned {
		t.Fatalf("outcome = %s, want replanned", d.Outcome)
	}
	if d.Strategy != autofix.StrategyRePlan {
		t.Fatalf("strategy = %s, want re_plan", d.Strategy)
	}
}

func TestTotalCapEndsPatchCycle(t *testing.T) {
	f := fixer()
	sig := classify.Signal{Category: classify.CategoryTestAssert}
	d := f.Decide(sig, state(f.Policy.MaxTotalAttempts, nil), "test", 1)
	if d.Outcome != autofix.OutcomeGaveUp {
		t.Fatalf("outcome = %s, want gave_up at total cap", d.Outcome)
	}
}
