package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"

	"forgeline/internal/agent"
	"forgeline/internal/config"
	"forgeline/internal/db"
	"forgeline/internal/domain"
	"forgeline/internal/engine"
	"forgeline/internal/migrate"
	"forgeline/internal/queue"
	"forgeline/internal/repo"
)

const testSecret = "server-test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("acme")
	e := engine.New(conn, cfg, agent.LocalProvider{})
	if _, err := e.InitTenant(context.Background(), "acme", "Acme", "tester"); err != nil {
		t.Fatalf("init tenant: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, DevMode: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func authHeaders(t *testing.T, actorID string, roles ...string) map[string]string {
	t.Helper()
	token, err := IssueToken(testSecret, actorID, roles, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func decodeErr(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env errEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v: %s", err, string(data))
	}
	return env.Error
}

func TestHealthIsOpen(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/specs", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no credentials: status %d: %s", res.StatusCode, string(data))
	}
	if code := decodeErr(t, data).Code; code != "unauthorized" {
		t.Fatalf("code = %s, want unauthorized", code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/specs", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token: status %d: %s", res.StatusCode, string(data))
	}
	if code := decodeErr(t, data).Code; code != "invalid_credentials" {
		t.Fatalf("code = %s, want invalid_credentials", code)
	}
}

func TestViewerCannotWrite(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/specs", map[string]any{
		"name": "notes",
	}, authHeaders(t, "alice", "viewer"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if code := decodeErr(t, data).Code; code != "forbidden" {
		t.Fatalf("code = %s, want forbidden", code)
	}

	// Reading is fine for viewers.
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/specs", nil, authHeaders(t, "alice", "viewer"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("viewer read: status %d: %s", res.StatusCode, string(data))
	}
}

func TestSpecToRunFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	owner := authHeaders(t, "alice", "owner")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/specs", map[string]any{
		"name":  "notes",
		"mode":  "freeform",
		"brief": "Build a service for Team Notes",
	}, owner)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create spec: status %d: %s", res.StatusCode, string(data))
	}
	var spec SpecResponse
	if err := json.Unmarshal(data, &spec); err != nil {
		t.Fatalf("unmarshal spec: %v", err)
	}
	if spec.Status != "draft" || spec.TenantID != "acme" {
		t.Fatalf("spec = %+v", spec)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/specs/"+spec.ID+"/plan", nil, owner)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("plan spec: status %d: %s", res.StatusCode, string(data))
	}
	var plan PlanResponse
	if err := json.Unmarshal(data, &plan); err != nil {
		t.Fatalf("unmarshal plan: %v", err)
	}
	if plan.Version != 1 {
		t.Fatalf("plan version = %d, want 1", plan.Version)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/specs/"+spec.ID+"/approve", nil, owner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve spec: status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs", map[string]any{
		"spec_id": spec.ID,
	}, owner)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start run: status %d: %s", res.StatusCode, string(data))
	}
	var run RunResponse
	if err := json.Unmarshal(data, &run); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	if run.Status != "pending" {
		t.Fatalf("run status = %s, want pending", run.Status)
	}

	if _, err := queue.Drain(context.Background(), srv.Engine, 0); err != nil {
		t.Fatalf("drain: %v", err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs/"+run.ID, nil, owner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get run: status %d: %s", res.StatusCode, string(data))
	}
	var detail RunDetailResponse
	if err := json.Unmarshal(data, &detail); err != nil {
		t.Fatalf("unmarshal run detail: %v", err)
	}
	if detail.Status != "succeeded" {
		t.Fatalf("run status = %s, want succeeded: %s", detail.Status, string(data))
	}
	if len(detail.Steps) == 0 {
		t.Fatal("expected steps in run detail")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs/"+run.ID+"/diff", nil, owner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get diff: status %d: %s", res.StatusCode, string(data))
	}
	var diff DiffResponse
	if err := json.Unmarshal(data, &diff); err != nil {
		t.Fatalf("unmarshal diff: %v", err)
	}
	if diff.FilesChanged == 0 || diff.Diff == "" {
		t.Fatalf("diff = %+v", diff)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs/"+run.ID+"/eval", nil, owner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get eval: status %d: %s", res.StatusCode, string(data))
	}
	var eval EvalResponse
	if err := json.Unmarshal(data, &eval); err != nil {
		t.Fatalf("unmarshal eval: %v", err)
	}
	if !eval.Passed {
		t.Fatalf("eval should pass: %+v", eval)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs/"+run.ID+"/gates", nil, owner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list gates: status %d: %s", res.StatusCode, string(data))
	}
	var gates []GateResponse
	if err := json.Unmarshal(data, &gates); err != nil {
		t.Fatalf("unmarshal gates: %v", err)
	}
	if len(gates) != 1 || gates[0].Status != "skipped" {
		t.Fatalf("gates = %+v, want one skipped", gates)
	}

	// A clean run has gates but no escalations.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs/"+run.ID+"/escalations", nil, owner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list escalations: status %d: %s", res.StatusCode, string(data))
	}
	var escalations []GateResponse
	if err := json.Unmarshal(data, &escalations); err != nil {
		t.Fatalf("unmarshal escalations: %v", err)
	}
	if len(escalations) != 0 {
		t.Fatalf("escalations = %+v, want none", escalations)
	}
}

func TestApproveDraftSpecConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	owner := authHeaders(t, "alice", "owner")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/specs", map[string]any{
		"name": "notes",
	}, owner)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create spec: status %d: %s", res.StatusCode, string(data))
	}
	var spec SpecResponse
	_ = json.Unmarshal(data, &spec)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/specs/"+spec.ID+"/approve", nil, owner)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("approve draft: status %d: %s", res.StatusCode, string(data))
	}
	if code := decodeErr(t, data).Code; code != "conflict" {
		t.Fatalf("code = %s, want conflict", code)
	}
}

func TestUnknownSpecNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/specs/no-such-spec", nil, authHeaders(t, "alice", "owner"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if code := decodeErr(t, data).Code; code != "not_found" {
		t.Fatalf("code = %s, want not_found", code)
	}
}

func TestAPIKeyAuthIsOperator(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	raw := "fl_" + uuid.NewString()
	err := srv.Engine.Repo.InsertAPIKey(context.Background(), domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   "ci-bot",
		Name:      "ci",
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	keyHeader := map[string]string{"X-Api-Key": raw}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/specs", nil, keyHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key read: status %d: %s", res.StatusCode, string(data))
	}

	// Gate resolution stays with JWT-authenticated humans.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/gates/any/approve", nil, keyHeader)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("api key gate resolve: status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/specs", nil, map[string]string{"X-Api-Key": "fl_bogus"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bogus api key: status %d: %s", res.StatusCode, string(data))
	}
}

func TestDevLoginMintsUsableToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "dev",
		"roles":    []string{"viewer"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: status %d: %s", res.StatusCode, string(data))
	}
	var body map[string]string
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	token := body["token"]
	if token == "" {
		t.Fatalf("no token in %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/specs", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("token read: status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/specs", map[string]any{"name": "x"}, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("viewer token write: status %d: %s", res.StatusCode, string(data))
	}
}

func TestClassifyEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	owner := authHeaders(t, "alice", "owner")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/classify", map[string]any{
		"step_name": "codegen",
		"logs":      "dial tcp: connection refused",
	}, owner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("classify: status %d: %s", res.StatusCode, string(data))
	}
	var out ClassifyResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal classify: %v", err)
	}
	if out.Category != "infra" || !out.CanRetry {
		t.Fatalf("classify = %+v", out)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/classify", map[string]any{
		"logs": "   ",
	}, owner)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty logs: status %d: %s", res.StatusCode, string(data))
	}
}
