package classify

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

type Category string

const (
	CategoryTransient       Category = "transient"
	CategoryInfra           Category = "infra"
	CategoryTestAssert      Category = "test_assert"
	CategoryLint            Category = "lint"
	CategoryTypecheck       Category = "typecheck"
	CategorySecurity        Category = "security"
	CategoryPolicy          Category = "policy"
	CategoryRuntime         Category = "runtime"
	CategorySchemaMigration Category = "schema_migration"
	CategoryRateLimit       Category = "rate_limit"
	CategoryUnknown         Category = "unknown"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Input is everything the classifier may look at. Classification is a pure
// function of this value: identical inputs yield identical signals.
type Input struct {
	StepName  string
	Logs      string
	Artifacts []string
	History   []Signal
}

type Signal struct {
	Category       Category          `json:"category"`
	Severity       Severity          `json:"severity"`
	CanRetry       bool              `json:"can_retry"`
	RequiresReplan bool              `json:"requires_replan"`
	Confidence     float64           `json:"confidence"`
	RetryAfter     time.Duration     `json:"retry_after,omitempty"`
	StepName       string            `json:"step_name"`
	Evidence       map[string]string `json:"evidence,omitempty"`
}

// IsDefect reports whether the category represents a code defect that must be
// fixed rather than retried.
func (c Category) IsDefect() bool {
	switch c {
	case CategoryTestAssert, CategoryLint, CategoryTypecheck, CategorySecurity, CategoryPolicy, CategorySchemaMigration:
		return true
	}
	return false
}

// IsEscalatory reports whether the category must reach a human before further
// automated remediation.
func (c Category) IsEscalatory() bool {
	return c == CategorySecurity || c == CategoryPolicy
}

type rule struct {
	category Category
	severity Severity
	canRetry bool
	patterns []string
}

// Rules are ordered: the first match wins. Security and policy come first so
// that a log line matching both "Unauthorized" and "timed out" classifies as
// security, never as a retryable timeout.
var rules = []rule{
	{CategorySecurity, SeverityCritical, false, []string{
		"unauthorized", "authentication failed", "permission denied", "forbidden",
		"sql injection", "xss", "hardcoded secret", "hardcoded credential",
		"exposed api key", "cve-", "vulnerability",
	}},
	{CategoryPolicy, SeverityHigh, false, []string{
		"policy violation", "disallowed path", "path not allowed", "license violation",
		"guardrail", "blocked by policy",
	}},
	{CategoryRateLimit, SeverityLow, true, []string{
		"rate limit", "rate-limit", "too many requests", "429", "quota exceeded",
	}},
	{CategorySchemaMigration, SeverityHigh, false, []string{
		"migration failed", "duplicate column", "no such table", "constraint failed",
		"foreign key mismatch", "schema mismatch",
	}},
	{CategoryTypecheck, SeverityMedium, false, []string{
		"type error", "typeerror", "cannot use", "undefined:", "undeclared name",
		"is not assignable to", "incompatible type",
	}},
	{CategoryLint, SeverityLow, false, []string{
		"lint error", "eslint", "golangci-lint", "unused variable", "unused import",
		"gofmt", "formatting error",
	}},
	{CategoryTestAssert, SeverityMedium, false, []string{
		"assertion failed", "assertionerror", "expected but got", "--- fail:",
		"test failed", "tests failed", "want ", "golden mismatch",
	}},
	{CategoryInfra, SeverityMedium, true, []string{
		"connection refused", "connection reset", "broken pipe", "no such host",
		"dns", "service unavailable", "bad gateway", "gateway timeout", "503", "502",
		"disk full", "out of memory",
	}},
	{CategoryTransient, SeverityLow, true, []string{
		"timed out", "timeout", "deadline exceeded", "temporarily unavailable",
		"temporary failure", "try again", "eof",
	}},
	{CategoryRuntime, SeverityHigh, true, []string{
		"panic:", "nil pointer", "segmentation fault", "index out of range",
		"stack trace", "uncaught exception", "unhandled rejection",
	}},
}

var replanPatterns = []string{
	"circular dependency", "import cycle", "dependency cycle",
	"architecture violation", "cyclic import",
}

var retryAfterPattern = regexp.MustCompile(`retry[-_ ]?after[:=\s]+(\d+)`)

// Classify maps raw failure evidence to a typed signal. It is deterministic,
// never panics, and maps unmatched evidence to the unknown category.
func Classify(in Input) Signal {
	logs := strings.ToLower(in.Logs)

	sig := Signal{
		Category:   CategoryUnknown,
		Severity:   SeverityLow,
		CanRetry:   true,
		Confidence: 0.2,
		StepName:   in.StepName,
		Evidence:   map[string]string{},
	}

	for _, r := range rules {
		if pat, ok := firstMatch(logs, r.patterns); ok {
			sig.Category = r.category
			sig.Severity = r.severity
			sig.CanRetry = r.canRetry
			sig.Confidence = 0.8
			sig.Evidence["pattern"] = pat
			break
		}
	}

	if pat, ok := firstMatch(logs, replanPatterns); ok {
		sig.RequiresReplan = true
		sig.Evidence["replan_pattern"] = pat
		if sig.Category == CategoryUnknown {
			sig.Category = CategoryRuntime
			sig.Severity = SeverityHigh
			sig.CanRetry = false
			sig.Confidence = 0.7
		}
	}

	if m := retryAfterPattern.FindStringSubmatch(logs); m != nil {
		if secs, err := strconv.Atoi(m[1]); err == nil && secs > 0 {
			sig.RetryAfter = time.Duration(secs) * time.Second
			sig.Evidence["retry_after"] = m[1]
		}
	}

	if line := firstEvidenceLine(in.Logs); line != "" {
		sig.Evidence["log_line"] = line
	}
	if len(in.Artifacts) > 0 {
		sig.Evidence["artifacts"] = strings.Join(in.Artifacts, ",")
	}

	// A category recurring across prior signals for the same step is a
	// stronger, more severe signal than a first occurrence.
	repeats := 0
	for _, prior := range in.History {
		if prior.Category == sig.Category {
			repeats++
		}
	}
	if repeats > 0 && sig.Category != CategoryUnknown {
		sig.Confidence = min(sig.Confidence+0.1*float64(repeats), 0.99)
		if repeats >= 2 {
			sig.Severity = bumpSeverity(sig.Severity)
		}
	}

	return sig
}

func firstMatch(logs string, patterns []string) (string, bool) {
	for _, p := range patterns {
		if strings.Contains(logs, p) {
			return p, true
		}
	}
	return "", false
}

func firstEvidenceLine(logs string) string {
	for _, line := range strings.Split(logs, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			if len(line) > 200 {
				line = line[:200]
			}
			return line
		}
	}
	return ""
}

func bumpSeverity(s Severity) Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	default:
		return s
	}
}
