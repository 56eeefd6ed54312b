package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/halcyonworks/warden/internal/actions"
	"github.com/halcyonworks/warden/internal/assign"
	"github.com/halcyonworks/warden/internal/config"
	"github.com/halcyonworks/warden/internal/costs"
	"github.com/halcyonworks/warden/internal/detect"
	"github.com/halcyonworks/warden/internal/escalate"
	"github.com/halcyonworks/warden/internal/locks"
	"github.com/halcyonworks/warden/internal/metrics"
	"github.com/halcyonworks/warden/internal/sandbox"
	"github.com/halcyonworks/warden/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSandbox struct {
	prompted  []string
	restarted []string
	stopped   []string
}

func (f *fakeSandbox) Start(_ context.Context, _ string) error { return nil }
func (f *fakeSandbox) Stop(_ context.Context, id string) error {
	f.stopped = append(f.stopped, id)
	return nil
}
func (f *fakeSandbox) Restart(_ context.Context, id string) error {
	f.restarted = append(f.restarted, id)
	return nil
}
func (f *fakeSandbox) Exec(_ context.Context, _, _ string) (*sandbox.ExecResult, error) {
	return &sandbox.ExecResult{}, nil
}
func (f *fakeSandbox) Prompt(_ context.Context, _, message string) error {
	f.prompted = append(f.prompted, message)
	return nil
}
func (f *fakeSandbox) GetState(_ context.Context, id string) (*sandbox.State, error) {
	return &sandbox.State{ID: id, Status: "running"}, nil
}

type tailOutput string

func (t tailOutput) GetRecentOutput(_ string, _ int) string { return string(t) }

type testEnv struct {
	router  http.Handler
	store   *store.MemoryStore
	sandbox *fakeSandbox
	queue   *escalate.Queue
	broker  *assign.Broker
}

func setupTestRouter(adminToken string) *testEnv {
	st := store.NewMemoryStore()
	sb := &fakeSandbox{}
	logger := discardLogger()

	ld := locks.NewDetector(st, nil, nil, time.Minute, logger)
	exec := actions.NewExecutor(st, sb, ld, tailOutput("tail"), logger)
	queue := escalate.NewQueue(st, nil, logger)
	cfg := &config.Config{
		Assignment: config.AssignmentConfig{
			TickIntervalMs:        1000,
			MaxConcurrentPerAgent: 2,
			HeartbeatTimeoutMs:    60000,
		},
	}
	broker := assign.New(st, nil, metrics.NewMetrics(nil), cfg, logger)
	recorder := costs.NewRecorder(st, nil, nil, logger)

	router := NewRouter(Deps{
		Store:      st,
		Broker:     broker,
		Executor:   exec,
		Locks:      ld,
		Queue:      queue,
		Matcher:    detect.NewMatcher(),
		Costs:      recorder,
		Output:     tailOutput("tail"),
		AdminToken: adminToken,
		Logger:     logger,
	})
	return &testEnv{router: router, store: st, sandbox: sb, queue: queue, broker: broker}
}

func doJSON(t *testing.T, router http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("X-Agent-ID", "operator")
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestAgentRegistrationAndHeartbeat(t *testing.T) {
	env := setupTestRouter("")

	body := `{"agent_id":"agent-go","name":"Go Agent","capabilities":["go"],"sandbox_id":"sb-1"}`
	w := doJSON(t, env.router, "POST", "/api/v1/agents", body, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var created store.AgentProfile
	_ = json.NewDecoder(w.Body).Decode(&created)
	if created.Status != store.AgentIdle {
		t.Fatalf("register: expected idle, got %s", created.Status)
	}

	w = doJSON(t, env.router, "POST", "/api/v1/agents/agent-go/heartbeat", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("heartbeat: expected 200, got %d", w.Code)
	}

	agent, err := env.store.GetAgent(context.Background(), "agent-go")
	if err != nil {
		t.Fatal(err)
	}
	if agent.LastHeartbeatAt == nil {
		t.Error("heartbeat not recorded")
	}
}

func TestTaskLifecycle(t *testing.T) {
	env := setupTestRouter("")

	body := `{"title":"Implement parser","priority":"high","tags":["requires:go"]}`
	w := doJSON(t, env.router, "POST", "/api/v1/tasks", body, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created store.Task
	_ = json.NewDecoder(w.Body).Decode(&created)
	if created.Status != store.StatusPending {
		t.Fatalf("create: expected pending, got %s", created.Status)
	}
	if created.MaxRetries != 1 {
		t.Errorf("create: expected default max_retries 1, got %d", created.MaxRetries)
	}
	id := created.ID.String()

	w = doJSON(t, env.router, "GET", "/api/v1/tasks/"+id, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", w.Code)
	}

	w = doJSON(t, env.router, "PATCH", "/api/v1/tasks/"+id+"/status", `{"status":"in_progress"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("update status: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, env.router, "PATCH", "/api/v1/tasks/"+id+"/status", `{"status":"completed"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	task, err := env.store.GetTask(context.Background(), created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s", task.Status)
	}
	if task.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}

	w = doJSON(t, env.router, "GET", "/api/v1/tasks/"+id+"/events", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("events: expected 200, got %d", w.Code)
	}
	var events []*store.TaskEvent
	_ = json.NewDecoder(w.Body).Decode(&events)
	if len(events) != 2 {
		t.Fatalf("expected 2 status_changed events, got %d", len(events))
	}
}

func TestCreateTaskValidation(t *testing.T) {
	env := setupTestRouter("")

	w := doJSON(t, env.router, "POST", "/api/v1/tasks", `{"description":"no title"}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	w = doJSON(t, env.router, "POST", "/api/v1/tasks", `{"title":"x","depends_on":["not-a-uuid"]}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad depends_on, got %d", w.Code)
	}
}

func TestLockAcquireAndConflictOverHTTP(t *testing.T) {
	env := setupTestRouter("")

	w := doJSON(t, env.router, "POST", "/api/v1/projects/web/locks",
		`{"path":"src/main.go"}`, map[string]string{"X-Agent-ID": "agent-a"})
	if w.Code != http.StatusOK {
		t.Fatalf("acquire: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res locks.AcquireResult
	_ = json.NewDecoder(w.Body).Decode(&res)
	if !res.Acquired {
		t.Fatal("expected lock granted")
	}

	w = doJSON(t, env.router, "POST", "/api/v1/projects/web/locks",
		`{"path":"src/main.go"}`, map[string]string{"X-Agent-ID": "agent-b"})
	if w.Code != http.StatusConflict {
		t.Fatalf("contention: expected 409, got %d", w.Code)
	}
	_ = json.NewDecoder(w.Body).Decode(&res)
	if res.Conflict == nil {
		t.Fatal("expected conflict in response")
	}

	w = doJSON(t, env.router, "GET", "/api/v1/projects/web/locks", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", w.Code)
	}
	var held []*store.FileLock
	_ = json.NewDecoder(w.Body).Decode(&held)
	if len(held) != 1 || held[0].AgentID != "agent-a" {
		t.Fatalf("expected one lock held by agent-a, got %+v", held)
	}

	w = doJSON(t, env.router, "POST", "/api/v1/conflicts/"+res.Conflict.ID.String()+"/resolve",
		`{"strategy":"accept_first","resolution":"agent-a keeps the file"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, env.router, "DELETE", "/api/v1/projects/web/locks",
		`{"path":"src/main.go"}`, map[string]string{"X-Agent-ID": "agent-a"})
	if w.Code != http.StatusOK {
		t.Fatalf("release: expected 200, got %d", w.Code)
	}
}

func TestZoneDenialOverHTTP(t *testing.T) {
	env := setupTestRouter("")

	zones := `{"zones":[{"pattern":"src/api/**","owners":["agent-api"]}],"default_policy":"allow"}`
	w := doJSON(t, env.router, "PUT", "/api/v1/projects/web/zones", zones, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("save zones: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, env.router, "POST", "/api/v1/projects/web/locks",
		`{"path":"src/api/server.go"}`, map[string]string{"X-Agent-ID": "agent-ui"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for zoned path, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, env.router, "GET", "/api/v1/projects/web/zones", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get zones: expected 200, got %d", w.Code)
	}
}

func TestPauseResumeAgent(t *testing.T) {
	env := setupTestRouter("")
	seedAgent(t, env, "agent-x", "sb-x")

	w := doJSON(t, env.router, "POST", "/api/v1/agents/agent-x/pause", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("pause: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	agent, _ := env.store.GetAgent(context.Background(), "agent-x")
	if agent.Status != store.AgentBlocked {
		t.Fatalf("expected blocked, got %s", agent.Status)
	}
	if len(env.sandbox.stopped) != 1 {
		t.Fatalf("expected sandbox stop, got %v", env.sandbox.stopped)
	}

	w = doJSON(t, env.router, "POST", "/api/v1/agents/agent-x/resume", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("resume: expected 200, got %d", w.Code)
	}
	agent, _ = env.store.GetAgent(context.Background(), "agent-x")
	if agent.Status != store.AgentIdle {
		t.Fatalf("expected idle, got %s", agent.Status)
	}

	// Resuming an agent that is not paused is a conflict.
	w = doJSON(t, env.router, "POST", "/api/v1/agents/agent-x/resume", "", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestEscalationApproveDispatchesAction(t *testing.T) {
	env := setupTestRouter("")
	seedAgent(t, env, "agent-x", "sb-x")

	esc := &store.Escalation{
		AgentID:        "agent-x",
		SandboxID:      "sb-x",
		EventKind:      "auth_required",
		ProposedAction: "prompt_agent",
		Context:        map[string]interface{}{"message": "please re-authenticate"},
	}
	if err := env.queue.Create(context.Background(), esc); err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, env.router, "POST", "/api/v1/escalations/"+esc.ID.String()+"/approve",
		`{"reviewer":"alice"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("approve: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp ApproveResponse
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if resp.Escalation.Status != store.EscalationApproved {
		t.Fatalf("expected approved, got %s", resp.Escalation.Status)
	}
	if resp.Result == nil || !resp.Result.OK {
		t.Fatalf("expected dispatched action result, got %+v", resp)
	}
	if len(env.sandbox.prompted) != 1 || env.sandbox.prompted[0] != "please re-authenticate" {
		t.Fatalf("expected prompt delivery, got %v", env.sandbox.prompted)
	}

	// Second approval hits a terminal escalation.
	w = doJSON(t, env.router, "POST", "/api/v1/escalations/"+esc.ID.String()+"/approve",
		`{"reviewer":"alice"}`, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestEscalationDeny(t *testing.T) {
	env := setupTestRouter("")
	seedAgent(t, env, "agent-x", "sb-x")

	esc := &store.Escalation{
		AgentID:        "agent-x",
		EventKind:      "error",
		ProposedAction: "restart_agent",
	}
	if err := env.queue.Create(context.Background(), esc); err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, env.router, "POST", "/api/v1/escalations/"+esc.ID.String()+"/deny",
		`{"reviewer":"bob"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("deny: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(env.sandbox.restarted) != 0 {
		t.Error("denied action must not run")
	}
}

func TestDetectorControl(t *testing.T) {
	env := setupTestRouter("")

	w := doJSON(t, env.router, "GET", "/api/v1/detectors", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", w.Code)
	}

	w = doJSON(t, env.router, "POST", "/api/v1/detectors/error/disable", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("disable: expected 200, got %d", w.Code)
	}

	w = doJSON(t, env.router, "POST", "/api/v1/detectors/nope/enable", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown detector, got %d", w.Code)
	}
}

func TestDrainAndOutput(t *testing.T) {
	env := setupTestRouter("")
	seedAgent(t, env, "agent-x", "sb-x")

	w := doJSON(t, env.router, "POST", "/api/v1/agents/agent-x/drain", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("drain: expected 200, got %d", w.Code)
	}
	if !env.broker.IsDrained("agent-x") {
		t.Error("expected agent drained")
	}

	w = doJSON(t, env.router, "POST", "/api/v1/agents/agent-x/undrain", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("undrain: expected 200, got %d", w.Code)
	}
	if env.broker.IsDrained("agent-x") {
		t.Error("expected agent active")
	}

	w = doJSON(t, env.router, "GET", "/api/v1/agents/agent-x/output?lines=50", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("output: expected 200, got %d", w.Code)
	}
	var out map[string]string
	_ = json.NewDecoder(w.Body).Decode(&out)
	if out["output"] != "tail" {
		t.Fatalf("expected tail, got %q", out["output"])
	}
}

func TestStats(t *testing.T) {
	env := setupTestRouter("")
	seedAgent(t, env, "agent-x", "sb-x")

	w := doJSON(t, env.router, "GET", "/api/v1/stats", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stats: expected 200, got %d", w.Code)
	}
	var stats store.Stats
	_ = json.NewDecoder(w.Body).Decode(&stats)
	if stats.AgentsOnline != 1 {
		t.Fatalf("expected 1 agent online, got %d", stats.AgentsOnline)
	}
}

func TestUsageReporting(t *testing.T) {
	env := setupTestRouter("")
	err := env.store.CreateAgent(context.Background(), &store.AgentProfile{
		ID:                 "agent-x",
		Name:               "agent-x",
		Status:             store.AgentIdle,
		CostPerInputToken:  0.000001,
		CostPerOutputToken: 0.000002,
	})
	if err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, env.router, "POST", "/api/v1/agents/agent-x/usage",
		`{"input_tokens":1000,"output_tokens":500}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("report: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var event store.CostEvent
	_ = json.NewDecoder(w.Body).Decode(&event)
	if event.CostUSD == 0 {
		t.Error("expected priced cost event")
	}

	w = doJSON(t, env.router, "GET", "/api/v1/agents/agent-x/usage", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("total: expected 200, got %d", w.Code)
	}
	var total map[string]int64
	_ = json.NewDecoder(w.Body).Decode(&total)
	if total["total_tokens"] != 1500 {
		t.Fatalf("expected 1500 tokens, got %d", total["total_tokens"])
	}

	w = doJSON(t, env.router, "POST", "/api/v1/agents/ghost/usage",
		`{"input_tokens":1}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown agent, got %d", w.Code)
	}
}

func seedAgent(t *testing.T, env *testEnv, id, sandboxID string) {
	t.Helper()
	err := env.store.CreateAgent(context.Background(), &store.AgentProfile{
		ID:        id,
		Name:      id,
		Status:    store.AgentIdle,
		SandboxID: sandboxID,
	})
	if err != nil {
		t.Fatal(err)
	}
}
