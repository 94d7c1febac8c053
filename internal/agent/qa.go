package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"forgeline/internal/domain"
)

// QA runs the three check tiers over a generated diff and combines them into
// one weighted score.
type QA struct{}

func (QA) Role() string { return RoleQA }

// Actions: "test" runs unit-level checks and fails the step on test failures;
// "evaluate" runs all tiers and produces the eval report fields.
func (q QA) Execute(ctx context.Context, actx Context, action string, inputs Inputs) (Outputs, error) {
	diff := stringInput(inputs, "diff")
	shape, err := domain.ParseSpecShape(stringInput(inputs, "shape_json"))
	if err != nil {
		return nil, fmt.Errorf("qa: invalid spec shape: %w", err)
	}

	switch action {
	case "test":
		failures := unitFailures(diff)
		if len(failures) > 0 {
			return nil, fmt.Errorf("tests failed: %s", strings.Join(failures, "; "))
		}
		return Outputs{"unit_passed": true}, nil
	case "evaluate":
		return q.evaluate(actx, diff, shape)
	default:
		return nil, fmt.Errorf("qa: unknown action %s", action)
	}
}

func (q QA) evaluate(actx Context, diff string, shape domain.SpecShape) (Outputs, error) {
	var failed []string

	unitFails := unitFailures(diff)
	failed = append(failed, unitFails...)
	unitScore := tierScore(1, len(unitFails))

	smokeFails := smokeFailures(diff)
	failed = append(failed, smokeFails...)
	smokeScore := tierScore(1, len(smokeFails))

	tasks := SelectGoldenTasks(shape)
	goldenFails := 0
	for _, t := range tasks {
		if msg := runGoldenTask(t, diff); msg != "" {
			failed = append(failed, msg)
			goldenFails++
		}
	}
	goldenScore := tierScore(len(tasks), goldenFails)

	qualityFails := qualityFailures(diff)
	failed = append(failed, qualityFails...)
	qualityScore := tierScore(1, len(qualityFails))

	weights := actx.Config.QA
	score := unitScore*weights.UnitWeight +
		smokeScore*weights.SmokeWeight +
		goldenScore*weights.GoldenWeight +
		qualityScore*weights.QualityWeight

	total := 2 + len(tasks) + 1
	passRate := 1.0
	if total > 0 {
		passRate = float64(total-len(failed)) / float64(total)
		if passRate < 0 {
			passRate = 0
		}
	}

	failedJSON, _ := json.Marshal(failed)
	return Outputs{
		"unit_score":        unitScore,
		"smoke_score":       smokeScore,
		"golden_score":      goldenScore,
		"quality_score":     qualityScore,
		"score":             score,
		"pass_rate":         passRate,
		"passed":            score >= weights.PassScore,
		"failed_cases_json": string(failedJSON),
		"failed_count":      len(failed),
	}, nil
}

// tierScore converts a fail count into a 0-100 tier score.
func tierScore(total, fails int) float64 {
	if total <= 0 {
		return 100
	}
	if fails >= total {
		return 0
	}
	return 100 * float64(total-fails) / float64(total)
}

func unitFailures(diff string) []string {
	var failures []string
	if strings.TrimSpace(diff) == "" {
		// Zero changes is a legitimate outcome, not a test failure.
		return nil
	}
	lowered := strings.ToLower(diff)
	if strings.Contains(lowered, "assertion failed") {
		failures = append(failures, "unit: generated tests carry failing assertions")
	}
	if strings.Contains(diff, "<<<<<<<") || strings.Contains(diff, ">>>>>>>") {
		failures = append(failures, "unit: unresolved merge markers in generated code")
	}
	return failures
}

func smokeFailures(diff string) []string {
	if strings.TrimSpace(diff) == "" {
		return nil
	}
	var failures []string
	if !strings.Contains(diff, "src/main") {
		failures = append(failures, "smoke: no service entrypoint generated")
	}
	if !strings.Contains(strings.ToLower(diff), "listen") {
		failures = append(failures, "smoke: generated service never binds a port")
	}
	return failures
}

func qualityFailures(diff string) []string {
	var failures []string
	todos := strings.Count(strings.ToLower(diff), "todo")
	if todos > 5 {
		failures = append(failures, fmt.Sprintf("quality: %d unresolved TODO markers", todos))
	}
	if strings.Contains(diff, "eval(") {
		failures = append(failures, "quality: eval() in generated code")
	}
	return failures
}
