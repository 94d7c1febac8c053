package agent

import (
	"context"
	"encoding/json"
	"fmt"
)

// Reviewer aggregates a run's outcome into the human-readable approval
// payload. It only recommends; gating is the approval gate's job.
type Reviewer struct{}

func (Reviewer) Role() string { return RoleReviewer }

func (r Reviewer) Execute(ctx context.Context, actx Context, action string, inputs Inputs) (Outputs, error) {
	if action != "review" {
		return nil, fmt.Errorf("reviewer: unknown action %s", action)
	}

	risk := intInput(inputs, "risk_score")
	filesChanged := intInput(inputs, "files_changed")
	score, _ := inputs["score"].(float64)
	passRate, _ := inputs["pass_rate"].(float64)
	reasons, _ := inputs["reasons"].([]string)

	recommendation := "approve"
	switch {
	case risk >= 85:
		recommendation = "reject"
	case risk >= actx.Config.Approval.RiskThreshold || passRate < actx.Config.Approval.PassRateThreshold:
		recommendation = "review_carefully"
	}

	payload := map[string]any{
		"run_id":         actx.RunID,
		"iteration":      actx.Iteration,
		"risk_score":     risk,
		"files_changed":  filesChanged,
		"eval_score":     score,
		"pass_rate":      passRate,
		"reasons":        reasons,
		"recommendation": recommendation,
		"summary": fmt.Sprintf(
			"Iteration %d changed %d files with risk %d/100 and eval score %.0f (pass rate %.0f%%).",
			actx.Iteration, filesChanged, risk, score, passRate*100),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("reviewer: marshal payload: %w", err)
	}
	return Outputs{
		"payload_json":   string(data),
		"recommendation": recommendation,
	}, nil
}
