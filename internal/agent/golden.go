package agent

import (
	_ "embed"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"forgeline/internal/domain"
)

//go:embed golden_tasks.yml
var goldenTasksYAML []byte

// GoldenTask is a fixed end-to-end scenario validated against the generated
// diff text.
type GoldenTask struct {
	ID          string   `yaml:"id"`
	Shape       string   `yaml:"shape"`
	Description string   `yaml:"description"`
	ExpectDiff  []string `yaml:"expect_diff"`
	RejectDiff  []string `yaml:"reject_diff"`
}

type goldenLibrary struct {
	Tasks []GoldenTask `yaml:"tasks"`
}

var (
	goldenOnce sync.Once
	goldenLib  goldenLibrary
)

func loadGoldenLibrary() goldenLibrary {
	goldenOnce.Do(func() {
		_ = yaml.Unmarshal(goldenTasksYAML, &goldenLib)
	})
	return goldenLib
}

// SelectGoldenTasks picks the library subset matching the spec shape. CRUD
// tasks always apply; auth/security/performance tasks apply when the shape
// asks for them.
func SelectGoldenTasks(shape domain.SpecShape) []GoldenTask {
	lib := loadGoldenLibrary()
	var tasks []GoldenTask
	for _, t := range lib.Tasks {
		switch t.Shape {
		case "crud":
			tasks = append(tasks, t)
		case "auth":
			if shape.RequiresAuth {
				tasks = append(tasks, t)
			}
		case "security":
			if shape.SecuritySensitive || shape.RequiresAuth {
				tasks = append(tasks, t)
			}
		case "performance":
			if shape.PerformanceCritical {
				tasks = append(tasks, t)
			}
		}
	}
	return tasks
}

// runGoldenTask checks one task against the diff and returns failure evidence,
// or "" when the task passes.
func runGoldenTask(t GoldenTask, diff string) string {
	lowered := strings.ToLower(diff)
	for _, expect := range t.ExpectDiff {
		if !strings.Contains(lowered, strings.ToLower(expect)) {
			return t.ID + ": missing expected evidence " + expect
		}
	}
	for _, reject := range t.RejectDiff {
		if strings.Contains(lowered, strings.ToLower(reject)) {
			return t.ID + ": found rejected pattern " + reject
		}
	}
	return ""
}
