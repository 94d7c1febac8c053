package server

import (
	"encoding/json"

	"forgeline/internal/domain"
)

// Request payloads

type CreateTenantRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type CreateSpecRequest struct {
	ID       *string        `json:"id,omitempty"`
	TenantID string         `json:"tenant_id,omitempty"`
	Name     string         `json:"name"`
	Mode     string         `json:"mode,omitempty" enum:"guided,freeform"`
	Brief    string         `json:"brief,omitempty"`
	Shape    map[string]any `json:"shape,omitempty"`
}

type StartRunRequest struct {
	SpecID string `json:"spec_id,omitempty"`
	PlanID string `json:"plan_id,omitempty"`
}

type RetryRunRequest struct {
	Force bool `json:"force,omitempty"`
}

type ResolveGateRequest struct {
	Notes string `json:"notes,omitempty"`
}

type ClassifyRequest struct {
	StepName  string   `json:"step_name,omitempty"`
	Logs      string   `json:"logs"`
	Artifacts []string `json:"artifacts,omitempty"`
}

// Response payloads

type TenantResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type SpecResponse struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	Name      string         `json:"name"`
	Mode      string         `json:"mode" enum:"guided,freeform"`
	Status    string         `json:"status" enum:"draft,planned,approved,archived"`
	Brief     string         `json:"brief,omitempty"`
	Shape     map[string]any `json:"shape,omitempty"`
	CreatedAt string         `json:"created_at" format:"date-time"`
	UpdatedAt string         `json:"updated_at" format:"date-time"`
}

type PlanResponse struct {
	ID        string         `json:"id"`
	SpecID    string         `json:"spec_id"`
	Version   int            `json:"version"`
	RiskScore int            `json:"risk_score"`
	Graph     map[string]any `json:"graph"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type RunResponse struct {
	ID            string         `json:"id"`
	PlanID        string         `json:"plan_id"`
	TenantID      string         `json:"tenant_id"`
	Status        string         `json:"status" enum:"pending,running,needs_approval,succeeded,failed,canceled"`
	Iteration     int            `json:"iteration"`
	MaxIterations int            `json:"max_iterations"`
	SuccessorID   *string        `json:"successor_id,omitempty"`
	ElapsedMS     int64          `json:"elapsed_ms"`
	Metrics       map[string]any `json:"metrics,omitempty"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
	UpdatedAt     string         `json:"updated_at" format:"date-time"`
}

type StepResponse struct {
	ID         string  `json:"id"`
	RunID      string  `json:"run_id"`
	Name       string  `json:"name" enum:"plan,codegen,test,evaluate,autofix,approval,finalize"`
	Status     string  `json:"status" enum:"pending,running,succeeded,failed,canceled"`
	Attempt    int     `json:"attempt"`
	Error      string  `json:"error,omitempty"`
	StartedAt  *string `json:"started_at,omitempty" format:"date-time"`
	FinishedAt *string `json:"finished_at,omitempty" format:"date-time"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

type RunDetailResponse struct {
	RunResponse
	Steps []StepResponse `json:"steps"`
}

type DiffResponse struct {
	RunID        string `json:"run_id"`
	Iteration    int    `json:"iteration"`
	FilesChanged int    `json:"files_changed"`
	Risk         int    `json:"risk"`
	Diff         string `json:"diff"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type EvalResponse struct {
	RunID        string   `json:"run_id"`
	Iteration    int      `json:"iteration"`
	UnitScore    float64  `json:"unit_score"`
	SmokeScore   float64  `json:"smoke_score"`
	GoldenScore  float64  `json:"golden_score"`
	QualityScore float64  `json:"quality_score"`
	Score        float64  `json:"score"`
	PassRate     float64  `json:"pass_rate"`
	Passed       bool     `json:"passed"`
	FailedCases  []string `json:"failed_cases,omitempty"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
}

type GateResponse struct {
	ID          string         `json:"id"`
	RunID       string         `json:"run_id"`
	Iteration   int            `json:"iteration"`
	Required    bool           `json:"required"`
	Status      string         `json:"status" enum:"pending,approved,rejected,skipped"`
	Reason      string         `json:"reason,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	RequestedBy string         `json:"requested_by"`
	ReviewerID  *string        `json:"reviewer_id,omitempty"`
	Notes       string         `json:"notes,omitempty"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	ResolvedAt  *string        `json:"resolved_at,omitempty" format:"date-time"`
}

type AutoFixResponse struct {
	ID         string         `json:"id"`
	RunID      string         `json:"run_id"`
	StepID     string         `json:"step_id"`
	SignalType string         `json:"signal_type"`
	Severity   string         `json:"severity" enum:"low,medium,high,critical"`
	Strategy   string         `json:"strategy" enum:"retry_step,fix_specific_issue,regenerate_code,re_plan,rollback,escalate"`
	Outcome    string         `json:"outcome" enum:"retried,patch_applied,replanned,escalated,gave_up"`
	Attempt    int            `json:"attempt"`
	BackoffMS  int64          `json:"backoff_ms"`
	Evidence   map[string]any `json:"evidence,omitempty"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
}

type PlanDeltaResponse struct {
	ID             string         `json:"id"`
	OriginalPlanID string         `json:"original_plan_id"`
	NewPlanID      string         `json:"new_plan_id"`
	RunID          string         `json:"run_id"`
	Delta          map[string]any `json:"delta,omitempty"`
	TriggeredBy    string         `json:"triggered_by"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
}

type ArtifactResponse struct {
	ID        string `json:"id"`
	RunID     string `json:"run_id"`
	Iteration int    `json:"iteration"`
	Kind      string `json:"kind"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	TenantID   string         `json:"tenant_id,omitempty"`
	RunID      string         `json:"run_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type ClassifyResponse struct {
	Category       string            `json:"category"`
	Severity       string            `json:"severity" enum:"low,medium,high,critical"`
	CanRetry       bool              `json:"can_retry"`
	RequiresReplan bool              `json:"requires_replan"`
	Confidence     float64           `json:"confidence"`
	RetryAfterMS   int64             `json:"retry_after_ms,omitempty"`
	Evidence       map[string]string `json:"evidence,omitempty"`
}

// Mappers

func jsonMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}

func jsonStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	var s []string
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil
	}
	return s
}

func tenantResponse(t domain.Tenant) TenantResponse {
	return TenantResponse{ID: t.ID, Name: t.Name, CreatedAt: t.CreatedAt}
}

func specResponse(s domain.ScaffoldSpec) SpecResponse {
	return SpecResponse{
		ID:        s.ID,
		TenantID:  s.TenantID,
		Name:      s.Name,
		Mode:      s.Mode,
		Status:    s.Status,
		Brief:     s.Brief,
		Shape:     jsonMap(s.ShapeJSON),
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

func mapSpecs(items []domain.ScaffoldSpec) []SpecResponse {
	res := make([]SpecResponse, 0, len(items))
	for _, s := range items {
		res = append(res, specResponse(s))
	}
	return res
}

func planResponse(p domain.ScaffoldPlan) PlanResponse {
	return PlanResponse{
		ID:        p.ID,
		SpecID:    p.SpecID,
		Version:   p.Version,
		RiskScore: p.RiskScore,
		Graph:     jsonMap(p.GraphJSON),
		CreatedAt: p.CreatedAt,
	}
}

func mapPlans(items []domain.ScaffoldPlan) []PlanResponse {
	res := make([]PlanResponse, 0, len(items))
	for _, p := range items {
		res = append(res, planResponse(p))
	}
	return res
}

func runResponse(b domain.BuildRun) RunResponse {
	return RunResponse{
		ID:            b.ID,
		PlanID:        b.PlanID,
		TenantID:      b.TenantID,
		Status:        b.Status,
		Iteration:     b.Iteration,
		MaxIterations: b.MaxIterations,
		SuccessorID:   b.SuccessorID,
		ElapsedMS:     b.ElapsedMS,
		Metrics:       jsonMap(b.MetricsJSON),
		CreatedAt:     b.CreatedAt,
		UpdatedAt:     b.UpdatedAt,
	}
}

func mapRuns(items []domain.BuildRun) []RunResponse {
	res := make([]RunResponse, 0, len(items))
	for _, b := range items {
		res = append(res, runResponse(b))
	}
	return res
}

func stepResponse(s domain.BuildStep) StepResponse {
	return StepResponse{
		ID:         s.ID,
		RunID:      s.RunID,
		Name:       s.Name,
		Status:     s.Status,
		Attempt:    s.Attempt,
		Error:      s.Error,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
		CreatedAt:  s.CreatedAt,
	}
}

func mapSteps(items []domain.BuildStep) []StepResponse {
	res := make([]StepResponse, 0, len(items))
	for _, s := range items {
		res = append(res, stepResponse(s))
	}
	return res
}

func diffResponse(d domain.DiffArtifact) DiffResponse {
	return DiffResponse{
		RunID:        d.RunID,
		Iteration:    d.Iteration,
		FilesChanged: d.FilesChanged,
		Risk:         d.Risk,
		Diff:         d.Diff,
		CreatedAt:    d.CreatedAt,
	}
}

func evalResponse(e domain.EvalReport) EvalResponse {
	return EvalResponse{
		RunID:        e.RunID,
		Iteration:    e.Iteration,
		UnitScore:    e.UnitScore,
		SmokeScore:   e.SmokeScore,
		GoldenScore:  e.GoldenScore,
		QualityScore: e.QualityScore,
		Score:        e.Score,
		PassRate:     e.PassRate,
		Passed:       e.Passed,
		FailedCases:  jsonStrings(e.FailedCasesJSON),
		CreatedAt:    e.CreatedAt,
	}
}

func gateResponse(g domain.ApprovalGate) GateResponse {
	return GateResponse{
		ID:          g.ID,
		RunID:       g.RunID,
		Iteration:   g.Iteration,
		Required:    g.Required,
		Status:      g.Status,
		Reason:      g.Reason,
		Payload:     jsonMap(g.PayloadJSON),
		RequestedBy: g.RequestedBy,
		ReviewerID:  g.ReviewerID,
		Notes:       g.Notes,
		CreatedAt:   g.CreatedAt,
		ResolvedAt:  g.ResolvedAt,
	}
}

func mapGates(items []domain.ApprovalGate) []GateResponse {
	res := make([]GateResponse, 0, len(items))
	for _, g := range items {
		res = append(res, gateResponse(g))
	}
	return res
}

func autoFixResponse(a domain.AutoFixRun) AutoFixResponse {
	return AutoFixResponse{
		ID:         a.ID,
		RunID:      a.RunID,
		StepID:     a.StepID,
		SignalType: a.SignalType,
		Severity:   a.Severity,
		Strategy:   a.Strategy,
		Outcome:    a.Outcome,
		Attempt:    a.Attempt,
		BackoffMS:  a.BackoffMS,
		Evidence:   jsonMap(a.EvidenceJSON),
		CreatedAt:  a.CreatedAt,
	}
}

func mapAutoFixes(items []domain.AutoFixRun) []AutoFixResponse {
	res := make([]AutoFixResponse, 0, len(items))
	for _, a := range items {
		res = append(res, autoFixResponse(a))
	}
	return res
}

func planDeltaResponse(d domain.PlanDelta) PlanDeltaResponse {
	return PlanDeltaResponse{
		ID:             d.ID,
		OriginalPlanID: d.OriginalPlanID,
		NewPlanID:      d.NewPlanID,
		RunID:          d.RunID,
		Delta:          jsonMap(d.DeltaJSON),
		TriggeredBy:    d.TriggeredBy,
		CreatedAt:      d.CreatedAt,
	}
}

func mapPlanDeltas(items []domain.PlanDelta) []PlanDeltaResponse {
	res := make([]PlanDeltaResponse, 0, len(items))
	for _, d := range items {
		res = append(res, planDeltaResponse(d))
	}
	return res
}

func artifactResponse(a domain.BuildArtifact) ArtifactResponse {
	return ArtifactResponse{
		ID:        a.ID,
		RunID:     a.RunID,
		Iteration: a.Iteration,
		Kind:      a.Kind,
		Path:      a.Path,
		SizeBytes: a.SizeBytes,
		CreatedAt: a.CreatedAt,
	}
}

func mapArtifacts(items []domain.BuildArtifact) []ArtifactResponse {
	res := make([]ArtifactResponse, 0, len(items))
	for _, a := range items {
		res = append(res, artifactResponse(a))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		TenantID:   e.TenantID,
		RunID:      e.RunID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    jsonMap(e.Payload),
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, eventResponse(e))
	}
	return res
}
