package domain

type Tenant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ScaffoldSpec struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	Name      string `json:"name"`
	Mode      string `json:"mode" enum:"guided,freeform"`
	Status    string `json:"status" enum:"draft,planned,approved,archived"`
	Brief     string `json:"brief"`
	ShapeJSON string `json:"shape_json,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type ScaffoldPlan struct {
	ID         string `json:"id"`
	SpecID     string `json:"spec_id"`
	Version    int    `json:"version"`
	RiskScore  int    `json:"risk_score"`
	GraphJSON  string `json:"graph_json"`
	AgentsJSON string `json:"agents_json,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type BuildRun struct {
	ID            string  `json:"id"`
	PlanID        string  `json:"plan_id"`
	TenantID      string  `json:"tenant_id"`
	Status        string  `json:"status" enum:"pending,running,needs_approval,succeeded,failed,canceled"`
	Iteration     int     `json:"iteration"`
	MaxIterations int     `json:"max_iterations"`
	SuccessorID   *string `json:"successor_id,omitempty"`
	ElapsedMS     int64   `json:"elapsed_ms"`
	MetricsJSON   string  `json:"metrics_json,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

type BuildStep struct {
	ID         string  `json:"id"`
	RunID      string  `json:"run_id"`
	Name       string  `json:"name" enum:"plan,codegen,test,evaluate,autofix,approval,finalize"`
	Status     string  `json:"status" enum:"pending,running,succeeded,failed,canceled"`
	Attempt    int     `json:"attempt"`
	InputJSON  string  `json:"input_json,omitempty"`
	OutputJSON string  `json:"output_json,omitempty"`
	Error      string  `json:"error,omitempty"`
	StartedAt  *string `json:"started_at,omitempty" format:"date-time"`
	FinishedAt *string `json:"finished_at,omitempty" format:"date-time"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

type DiffArtifact struct {
	ID           string `json:"id"`
	RunID        string `json:"run_id"`
	Iteration    int    `json:"iteration"`
	FilesChanged int    `json:"files_changed"`
	Risk         int    `json:"risk"`
	Diff         string `json:"diff"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type EvalReport struct {
	ID              string  `json:"id"`
	RunID           string  `json:"run_id"`
	Iteration       int     `json:"iteration"`
	UnitScore       float64 `json:"unit_score"`
	SmokeScore      float64 `json:"smoke_score"`
	GoldenScore     float64 `json:"golden_score"`
	QualityScore    float64 `json:"quality_score"`
	Score           float64 `json:"score"`
	PassRate        float64 `json:"pass_rate"`
	Passed          bool    `json:"passed"`
	FailedCasesJSON string  `json:"failed_cases_json,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

type ApprovalGate struct {
	ID          string  `json:"id"`
	RunID       string  `json:"run_id"`
	Iteration   int     `json:"iteration"`
	Required    bool    `json:"required"`
	Status      string  `json:"status" enum:"pending,approved,rejected,skipped"`
	Reason      string  `json:"reason,omitempty"`
	PayloadJSON string  `json:"payload_json,omitempty"`
	RequestedBy string  `json:"requested_by"`
	ReviewerID  *string `json:"reviewer_id,omitempty"`
	Notes       string  `json:"notes,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	ResolvedAt  *string `json:"resolved_at,omitempty" format:"date-time"`
}

type AutoFixRun struct {
	ID           string `json:"id"`
	RunID        string `json:"run_id"`
	StepID       string `json:"step_id"`
	SignalType   string `json:"signal_type"`
	Severity     string `json:"severity" enum:"low,medium,high,critical"`
	Strategy     string `json:"strategy" enum:"retry_step,fix_specific_issue,regenerate_code,re_plan,rollback,escalate"`
	Outcome      string `json:"outcome" enum:"retried,patch_applied,replanned,escalated,gave_up"`
	Attempt      int    `json:"attempt"`
	BackoffMS    int64  `json:"backoff_ms"`
	EvidenceJSON string `json:"evidence_json,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type PlanDelta struct {
	ID             string `json:"id"`
	OriginalPlanID string `json:"original_plan_id"`
	NewPlanID      string `json:"new_plan_id"`
	RunID          string `json:"run_id"`
	DeltaJSON      string `json:"delta_json,omitempty"`
	TriggeredBy    string `json:"triggered_by"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

// RetryState is the single piece of mutable shared state for a run. Version
// guards the read-modify-write cycle; an update must carry the version it read.
type RetryState struct {
	RunID         string         `json:"run_id"`
	TotalAttempts int            `json:"total_attempts"`
	PerStep       map[string]int `json:"per_step"`
	LastBackoffMS int64          `json:"last_backoff_ms"`
	Version       int            `json:"version"`
	UpdatedAt     string         `json:"updated_at" format:"date-time"`
}

type BuildArtifact struct {
	ID        string `json:"id"`
	RunID     string `json:"run_id"`
	Iteration int    `json:"iteration"`
	Kind      string `json:"kind"`
	Path      string `json:"path"`
	Content   string `json:"content,omitempty"`
	SizeBytes int64  `json:"size_bytes"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Job struct {
	ID        int64   `json:"id"`
	Kind      string  `json:"kind"`
	RunID     string  `json:"run_id"`
	StepID    string  `json:"step_id,omitempty"`
	RunAt     string  `json:"run_at" format:"date-time"`
	Status    string  `json:"status" enum:"queued,claimed,done,failed"`
	ClaimedBy string  `json:"claimed_by,omitempty"`
	ClaimedAt *string `json:"claimed_at,omitempty" format:"date-time"`
	Attempts  int     `json:"attempts"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	TenantID   string `json:"tenant_id,omitempty"`
	RunID      string `json:"run_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
