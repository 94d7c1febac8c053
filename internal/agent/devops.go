package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// DevOps packages the final artifacts for a successful run.
type DevOps struct{}

func (DevOps) Role() string { return RoleDevOps }

// Actions: "package" turns the accepted diff into deployable artifacts,
// "rollback" emits the manifest for reverting to a prior checkpoint.
func (d DevOps) Execute(ctx context.Context, actx Context, action string, inputs Inputs) (Outputs, error) {
	switch action {
	case "package":
		diff := stringInput(inputs, "diff")
		files := filesFromDiff(diff)
		manifest := map[string]any{
			"run_id":    actx.RunID,
			"iteration": actx.Iteration,
			"files":     files,
			"deploy": map[string]string{
				"start":  "node src/main.js",
				"health": "/health",
			},
		}
		data, err := json.Marshal(manifest)
		if err != nil {
			return nil, fmt.Errorf("devops: marshal manifest: %w", err)
		}
		return Outputs{
			"manifest_json": string(data),
			"files_json":    files,
		}, nil
	case "rollback":
		checkpoint := stringInput(inputs, "checkpoint")
		if checkpoint == "" {
			return nil, fmt.Errorf("devops: rollback requires a checkpoint")
		}
		return Outputs{"rolled_back_to": checkpoint}, nil
	default:
		return nil, fmt.Errorf("devops: unknown action %s", action)
	}
}

// filesFromDiff lists the file paths a unified diff introduces.
func filesFromDiff(diff string) []string {
	var files []string
	for _, line := range strings.Split(diff, "\n") {
		if strings.HasPrefix(line, "+++ b/") {
			files = append(files, strings.TrimPrefix(line, "+++ b/"))
		}
	}
	return files
}
