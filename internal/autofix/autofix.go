package autofix

import (
	"time"

	"forgeline/internal/classify"
	"forgeline/internal/domain"
	"forgeline/internal/retrypolicy"
)

type Outcome string

const (
	OutcomeRetried      Outcome = "retried"
	OutcomePatchApplied Outcome = "patch_applied"
	OutcomeReplanned    Outcome = "replanned"
	OutcomeEscalated    Outcome = "escalated"
	OutcomeGaveUp       Outcome = "gave_up"
)

type Strategy string

const (
	StrategyRetryStep        Strategy = "retry_step"
	StrategyFixSpecificIssue Strategy = "fix_specific_issue"
	StrategyRegenerateCode   Strategy = "regenerate_code"
	StrategyRePlan           Strategy = "re_plan"
	StrategyRollback         Strategy = "rollback"
	StrategyEscalate         Strategy = "escalate"
)

// Decision is what the fixer wants the orchestrator to do next. The
// orchestrator owns carrying it out; the fixer only decides.
type Decision struct {
	Outcome  Outcome
	Strategy Strategy
	Delay    time.Duration
	Reason   string
}

// Fixer selects a remediation strategy from a failure signal and the run's
// retry state.
type Fixer struct {
	Policy                  retrypolicy.Policy
	RegenerateFailureVolume int
	EscalateAfterAttempts   int
}

// New builds a fixer with the default thresholds; callers override them from
// tenant config.
func New(policy retrypolicy.Policy) Fixer {
	return Fixer{
		Policy:                  policy,
		RegenerateFailureVolume: 10,
		EscalateAfterAttempts:   2,
	}
}

// Decide evaluates the strategy table in priority order:
//  1. re-plan evidence wins over everything else,
//  2. retryable categories within caps are retried with backoff,
//  3. security/policy failures past the attempt threshold escalate to a human,
//  4. everything else gets a targeted patch, or a full regeneration when the
//     failure volume is large.
//
// A decision exhausting every option is gave_up.
func (f Fixer) Decide(sig classify.Signal, state domain.RetryState, stepName string, failureCount int) Decision {
	stepAttempts := state.PerStep[stepName]

	if sig.RequiresReplan {
		return Decision{
			Outcome:  OutcomeReplanned,
			Strategy: StrategyRePlan,
			Reason:   "architecture evidence requires a new plan version",
		}
	}

	if f.Policy.AllowRetry(sig, state, stepName) {
		return Decision{
			Outcome:  OutcomeRetried,
			Strategy: StrategyRetryStep,
			Delay:    f.Policy.NextDelay(sig, stepAttempts),
			Reason:   "category " + string(sig.Category) + " is retryable within caps",
		}
	}

	if sig.Category.IsEscalatory() && stepAttempts >= f.EscalateAfterAttempts {
		return Decision{
			Outcome:  OutcomeEscalated,
			Strategy: StrategyEscalate,
			Reason:   string(sig.Category) + " failure exceeded automated remediation attempts",
		}
	}

	// Retries exhausted on a retryable category means remediation has nothing
	// left to try.
	if !sig.Category.IsDefect() && sig.CanRetry {
		return Decision{
			Outcome:  OutcomeGaveUp,
			Strategy: StrategyRetryStep,
			Reason:   "retry budget exhausted for category " + string(sig.Category),
		}
	}

	if state.TotalAttempts >= f.Policy.MaxTotalAttempts {
		return Decision{
			Outcome:  OutcomeGaveUp,
			Strategy: StrategyFixSpecificIssue,
			Reason:   "run-wide attempt cap reached",
		}
	}

	if failureCount > f.RegenerateFailureVolume {
		return Decision{
			Outcome:  OutcomePatchApplied,
			Strategy: StrategyRegenerateCode,
			Reason:   "failure volume too large for targeted fixes",
		}
	}
	return Decision{
		Outcome:  OutcomePatchApplied,
		Strategy: StrategyFixSpecificIssue,
		Reason:   "targeted patch for " + string(sig.Category) + " failure",
	}
}
