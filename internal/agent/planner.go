package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"forgeline/internal/domain"
)

// Planner interprets a ScaffoldSpec into a PlanGraph with a risk score.
type Planner struct{}

func (Planner) Role() string { return RolePlanner }

// Actions: "plan" builds a graph from the spec; "replan" builds a revised
// graph given prior failure evidence.
func (p Planner) Execute(ctx context.Context, actx Context, action string, inputs Inputs) (Outputs, error) {
	switch action {
	case "plan", "replan":
	default:
		return nil, fmt.Errorf("planner: unknown action %s", action)
	}

	mode := stringInput(inputs, "mode")
	brief := stringInput(inputs, "brief")
	shape, err := domain.ParseSpecShape(stringInput(inputs, "shape_json"))
	if err != nil {
		return nil, fmt.Errorf("planner: invalid spec shape: %w", err)
	}

	var graph domain.PlanGraph
	if mode == "guided" && len(shape.Entities) > 0 {
		graph = graphFromShape(shape)
	} else {
		graph, err = p.graphFromBrief(ctx, actx, action, brief)
		if err != nil {
			return nil, err
		}
	}

	if action == "replan" {
		// A re-plan widens the graph: failed builds most often miss service
		// plumbing, so the revised plan makes every API explicit.
		graph = widenGraph(graph, stringInput(inputs, "failure_evidence"))
	}

	risk := scoreRisk(graph, shape, mode)
	graphJSON, err := json.Marshal(graph)
	if err != nil {
		return nil, fmt.Errorf("planner: marshal graph: %w", err)
	}
	return Outputs{
		"graph_json": string(graphJSON),
		"risk_score": risk,
	}, nil
}

func graphFromShape(shape domain.SpecShape) domain.PlanGraph {
	var g domain.PlanGraph
	for _, e := range shape.Entities {
		if len(e.Fields) == 0 {
			e.Fields = []domain.PlanField{{Name: "id", Type: "string"}, {Name: "name", Type: "string"}}
		}
		g.Entities = append(g.Entities, e)
		g.APIs = append(g.APIs, crudAPIs(e.Name, shape.RequiresAuth)...)
		g.Pages = append(g.Pages, domain.PlanPage{
			Name:   e.Name + " list",
			Route:  "/" + strings.ToLower(e.Name) + "s",
			Entity: e.Name,
		})
	}
	return g
}

func (p Planner) graphFromBrief(ctx context.Context, actx Context, action string, brief string) (domain.PlanGraph, error) {
	resp, err := actx.Provider.Generate(ctx, GenerateRequest{
		Role:      RolePlanner,
		Action:    action,
		Prompt:    "Produce a JSON plan graph (entities, apis, pages) for: " + brief,
		MaxTokens: 2048,
	})
	if err != nil {
		return domain.PlanGraph{}, err
	}
	if g, perr := domain.ParsePlanGraph(strings.TrimSpace(resp.Content)); perr == nil && len(g.Entities) > 0 {
		return g, nil
	}
	// Unusable provider output degrades to heuristic extraction rather than
	// failing the plan step.
	return graphFromShape(domain.SpecShape{Entities: extractEntities(brief)}), nil
}

// extractEntities pulls likely entity names out of a freeform brief.
func extractEntities(brief string) []domain.PlanEntity {
	seen := map[string]struct{}{}
	var entities []domain.PlanEntity
	for _, word := range strings.FieldsFunc(brief, func(r rune) bool {
		return r == ' ' || r == ',' || r == '.' || r == ';' || r == '\n'
	}) {
		w := strings.TrimSpace(word)
		if len(w) < 3 || w[0] < 'A' || w[0] > 'Z' {
			continue
		}
		name := strings.ToLower(w[:1]) + w[1:]
		name = strings.ToUpper(name[:1]) + name[1:]
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		entities = append(entities, domain.PlanEntity{
			Name:   name,
			Fields: []domain.PlanField{{Name: "id", Type: "string"}, {Name: "name", Type: "string"}},
		})
	}
	if len(entities) == 0 {
		entities = []domain.PlanEntity{{
			Name:   "Item",
			Fields: []domain.PlanField{{Name: "id", Type: "string"}, {Name: "name", Type: "string"}},
		}}
	}
	return entities
}

func widenGraph(g domain.PlanGraph, _ string) domain.PlanGraph {
	have := map[string]struct{}{}
	for _, a := range g.APIs {
		have[a.Method+" "+a.Path] = struct{}{}
	}
	for _, e := range g.Entities {
		for _, a := range crudAPIs(e.Name, false) {
			if _, ok := have[a.Method+" "+a.Path]; !ok {
				g.APIs = append(g.APIs, a)
			}
		}
	}
	return g
}

func crudAPIs(entity string, auth bool) []domain.PlanAPI {
	base := "/" + strings.ToLower(entity) + "s"
	return []domain.PlanAPI{
		{Method: "GET", Path: base, Entity: entity, Auth: auth},
		{Method: "POST", Path: base, Entity: entity, Auth: auth},
		{Method: "GET", Path: base + "/{id}", Entity: entity, Auth: auth},
		{Method: "PATCH", Path: base + "/{id}", Entity: entity, Auth: auth},
		{Method: "DELETE", Path: base + "/{id}", Entity: entity, Auth: auth},
	}
}

// scoreRisk estimates 0-100 how much human review the plan needs.
func scoreRisk(g domain.PlanGraph, shape domain.SpecShape, mode string) int {
	risk := 10
	risk += 5 * len(g.Entities)
	risk += 2 * len(g.APIs)
	risk += 1 * len(g.Pages)
	if shape.RequiresAuth {
		risk += 15
	}
	if shape.SecuritySensitive {
		risk += 20
	}
	if shape.PerformanceCritical {
		risk += 10
	}
	if mode == "freeform" {
		risk += 10
	}
	if risk > 100 {
		risk = 100
	}
	return risk
}
