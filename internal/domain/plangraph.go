package domain

import "encoding/json"

// PlanGraph is the architect's interpretation of a spec: the entities, APIs
// and pages the generated system will contain.
type PlanGraph struct {
	Entities []PlanEntity `json:"entities"`
	APIs     []PlanAPI    `json:"apis"`
	Pages    []PlanPage   `json:"pages"`
}

type PlanEntity struct {
	Name   string      `json:"name"`
	Fields []PlanField `json:"fields,omitempty"`
}

type PlanField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type PlanAPI struct {
	Method string `json:"method"`
	Path   string `json:"path"`
	Entity string `json:"entity,omitempty"`
	Auth   bool   `json:"auth,omitempty"`
}

type PlanPage struct {
	Name   string `json:"name"`
	Route  string `json:"route"`
	Entity string `json:"entity,omitempty"`
}

// SpecShape is the structured portion of a guided spec.
type SpecShape struct {
	Entities            []PlanEntity `json:"entities,omitempty"`
	RequiresAuth        bool         `json:"requires_auth,omitempty"`
	SecuritySensitive   bool         `json:"security_sensitive,omitempty"`
	PerformanceCritical bool         `json:"performance_critical,omitempty"`
}

func ParsePlanGraph(raw string) (PlanGraph, error) {
	var g PlanGraph
	err := json.Unmarshal([]byte(raw), &g)
	return g, err
}

func ParseSpecShape(raw string) (SpecShape, error) {
	var s SpecShape
	if raw == "" {
		return s, nil
	}
	err := json.Unmarshal([]byte(raw), &s)
	return s, err
}
