package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	_ "modernc.org/sqlite"

	"github.com/nugget/planwright/internal/config"
	"github.com/nugget/planwright/internal/connwatch"
	"github.com/nugget/planwright/internal/events"
	"github.com/nugget/planwright/internal/invoke"
	"github.com/nugget/planwright/internal/llm"
	"github.com/nugget/planwright/internal/orchestrator"
	"github.com/nugget/planwright/internal/router"
	"github.com/nugget/planwright/internal/store"
	"github.com/nugget/planwright/internal/usage"
)

const validPlan = `{
  "steps": [{"title": "Shut off water", "instructions": "Close both supply valves."}],
  "materials": [{"name": "Faucet", "quantity": "1"}],
  "tools": ["basin wrench"],
  "safety_notes": ["Relieve pressure first."],
  "estimated_cost": {"low": 80, "high": 250, "currency": "USD"},
  "estimated_duration": "2 hours",
  "escalation_advice": "Call a plumber if the valves leak.",
  "difficulty": "moderate"
}`

var (
	kitchen = store.EntityRef{Kind: store.KindProject, ID: "kitchen-remodel"}
	faucet  = store.EntityRef{Kind: store.KindTask, ID: "replace-faucet"}
)

// scriptedBackend answers calls in order, repeating the last reply.
type scriptedBackend struct {
	mu      sync.Mutex
	replies []string
	err     error
	gate    chan struct{}
	started chan struct{}
	calls   int
}

func (b *scriptedBackend) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	b.mu.Lock()
	idx := min(b.calls, len(b.replies)-1)
	b.calls++
	b.mu.Unlock()

	if b.started != nil {
		b.started <- struct{}{}
	}
	if b.gate != nil {
		select {
		case <-b.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.err != nil {
		return nil, b.err
	}
	return &llm.Response{Model: req.Model, Content: b.replies[idx], InputTokens: 100, OutputTokens: 20}, nil
}

func (b *scriptedBackend) Ping(context.Context) error { return nil }

type testEnv struct {
	srv     *Server
	http    *httptest.Server
	store   *store.MemoryStore
	bus     *events.Bus
	backend *scriptedBackend
	usage   *usage.Store
}

func newEnv(t *testing.T, backend *scriptedBackend) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	st := store.NewMemoryStore()
	for _, e := range []store.Entity{
		{Ref: kitchen, Fields: map[string]any{"title": "Kitchen remodel"}},
		{Ref: faucet, ProjectID: kitchen.ID, Fields: map[string]any{"title": "Replace faucet", "room": "kitchen"}},
	} {
		if _, err := st.PutEntity(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	us, err := usage.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}

	bus := events.New()
	rt := router.NewRouter(logger, router.Config{
		Policy:       router.Policy{MaxEntities: 12, MaxTurns: 16},
		EconomyModel: "qwen3:4b",
		CapableModel: "claude-sonnet-4-20250514",
	})
	inv := invoke.New(backend, invoke.Config{Usage: us, Bus: bus, Logger: logger})
	orch := orchestrator.New(st, rt, inv, orchestrator.Config{
		Sites:  orchestrator.DefaultCallSites(config.WindowsConfig{TaskChat: 10, ProjectChat: 20, Plan: 30}),
		Bus:    bus,
		Logger: logger,
	})

	srv := NewServer("127.0.0.1", 0, orch, st, logger)
	srv.SetRouter(rt)
	srv.SetUsageStore(us)
	srv.SetEventBus(bus)

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return &testEnv{srv: srv, http: hs, store: st, bus: bus, backend: backend, usage: us}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, e.http.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestSubmitTurn(t *testing.T) {
	env := newEnv(t, &scriptedBackend{replies: []string{
		"Add a pull-down sprayer.\n[SUGGEST_TASK]{\"title\": \"Install water filter\", \"room\": \"kitchen\"}",
	}})

	resp, body := env.do(t, http.MethodPost, "/v1/tasks/replace-faucet/turns",
		`{"turn_id": "client-1", "text": "Any upgrades worth doing?"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if body["display_text"] != "Add a pull-down sprayer." {
		t.Errorf("display_text = %q", body["display_text"])
	}
	if body["user_turn_id"] != "client-1" || body["assistant_turn_id"] == "" {
		t.Errorf("turn ids = %v / %v", body["user_turn_id"], body["assistant_turn_id"])
	}
	sugg, _ := body["pending_suggestions"].([]any)
	if len(sugg) != 1 || sugg[0].(map[string]any)["title"] != "Install water filter" {
		t.Errorf("pending_suggestions = %v", body["pending_suggestions"])
	}
	if body["tier"] != "economy" || body["fallback"] != false {
		t.Errorf("tier/fallback = %v / %v", body["tier"], body["fallback"])
	}

	_, list := env.do(t, http.MethodGet, "/v1/tasks/replace-faucet/turns", "")
	if list["count"] != float64(2) {
		t.Errorf("turn count = %v, want 2", list["count"])
	}

	sum, err := env.usage.Summary(context.Background(), time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil || sum.TotalRecords != 1 {
		t.Errorf("usage summary = %+v, %v", sum, err)
	}
}

func TestSubmitTurn_Errors(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"bad json", "/v1/tasks/replace-faucet/turns", `{`, http.StatusBadRequest},
		{"empty turn", "/v1/tasks/replace-faucet/turns", `{"text": ""}`, http.StatusBadRequest},
		{"unknown task", "/v1/tasks/nope/turns", `{"text": "hi"}`, http.StatusNotFound},
		{"unknown project", "/v1/projects/nope/turns", `{"text": "hi"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t, &scriptedBackend{replies: []string{"ok"}})
			resp, body := env.do(t, http.MethodPost, tt.path, tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d (%v)", resp.StatusCode, tt.want, body)
			}
		})
	}
}

func TestSubmitTurn_DuplicateClientTurn(t *testing.T) {
	env := newEnv(t, &scriptedBackend{replies: []string{"ok"}})
	body := `{"turn_id": "client-1", "text": "hi"}`
	if resp, _ := env.do(t, http.MethodPost, "/v1/projects/kitchen-remodel/turns", body); resp.StatusCode != http.StatusOK {
		t.Fatalf("first submit = %d", resp.StatusCode)
	}
	if resp, _ := env.do(t, http.MethodPost, "/v1/projects/kitchen-remodel/turns", body); resp.StatusCode != http.StatusConflict {
		t.Errorf("second submit = %d, want 409", resp.StatusCode)
	}
}

func TestSubmitTurn_InFlight(t *testing.T) {
	backend := &scriptedBackend{
		replies: []string{"done"},
		gate:    make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	env := newEnv(t, backend)

	first := make(chan int, 1)
	go func() {
		resp, err := http.Post(env.http.URL+"/v1/tasks/replace-faucet/turns", "application/json", strings.NewReader(`{"text": "first"}`))
		if err != nil {
			first <- 0
			return
		}
		resp.Body.Close()
		first <- resp.StatusCode
	}()
	<-backend.started

	resp, _ := env.do(t, http.MethodPost, "/v1/tasks/replace-faucet/turns", `{"text": "second"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("concurrent submit = %d, want 409", resp.StatusCode)
	}

	close(backend.gate)
	if code := <-first; code != http.StatusOK {
		t.Errorf("first submit = %d", code)
	}
}

func TestSubmitTurn_FallbackIsStillOK(t *testing.T) {
	env := newEnv(t, &scriptedBackend{replies: []string{""}, err: &llm.StatusError{Provider: "ollama", StatusCode: 500}})
	resp, body := env.do(t, http.MethodPost, "/v1/tasks/replace-faucet/turns", `{"text": "hello"}`)
	if resp.StatusCode != http.StatusOK || body["fallback"] != true {
		t.Errorf("status = %d, fallback = %v", resp.StatusCode, body["fallback"])
	}
}

func TestGeneratePlan(t *testing.T) {
	env := newEnv(t, &scriptedBackend{replies: []string{validPlan}})
	resp, body := env.do(t, http.MethodPost, "/v1/tasks/replace-faucet/plan", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if body["difficulty"] != "moderate" {
		t.Errorf("plan = %v", body)
	}

	_, task := env.do(t, http.MethodGet, "/v1/tasks/replace-faucet", "")
	fields, _ := task["fields"].(map[string]any)
	if fields["difficulty"] != "moderate" || fields["title"] != "Replace faucet" {
		t.Errorf("task fields after plan = %v", fields)
	}
}

func TestGeneratePlan_BadOutput(t *testing.T) {
	env := newEnv(t, &scriptedBackend{replies: []string{`{"steps": []}`}})
	resp, _ := env.do(t, http.MethodPost, "/v1/tasks/replace-faucet/plan", "")
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestPutEntity(t *testing.T) {
	env := newEnv(t, &scriptedBackend{replies: []string{"ok"}})

	resp, body := env.do(t, http.MethodPut, "/v1/tasks/fix-gutter", `{"fields": {"title": "Fix gutter", "status": "open"}}`)
	if resp.StatusCode != http.StatusOK || body["version"] != float64(1) {
		t.Fatalf("create = %d %v", resp.StatusCode, body)
	}
	resp, body = env.do(t, http.MethodPut, "/v1/tasks/fix-gutter", `{"fields": {"title": "Fix gutter", "status": "done"}}`)
	if resp.StatusCode != http.StatusOK || body["version"] != float64(2) {
		t.Errorf("replace = %d %v", resp.StatusCode, body)
	}

	resp, _ = env.do(t, http.MethodPut, "/v1/tasks/fix-gutter", `{"fields": {"budget": 10}}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown field status = %d, want 400", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodGet, "/v1/projects/nope", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing project status = %d, want 404", resp.StatusCode)
	}
}

func TestRouterEndpoints(t *testing.T) {
	env := newEnv(t, &scriptedBackend{replies: []string{"ok"}})
	env.do(t, http.MethodPost, "/v1/tasks/replace-faucet/turns", `{"text": "hi"}`)

	_, stats := env.do(t, http.MethodGet, "/v1/router/stats", "")
	if stats["total_requests"] != float64(1) {
		t.Errorf("stats = %v", stats)
	}

	_, audit := env.do(t, http.MethodGet, "/v1/router/audit?limit=5", "")
	decisions, _ := audit["decisions"].([]any)
	if len(decisions) != 1 {
		t.Fatalf("audit = %v", audit)
	}
	id := decisions[0].(map[string]any)["request_id"].(string)

	resp, explained := env.do(t, http.MethodGet, "/v1/router/explain/"+id, "")
	if resp.StatusCode != http.StatusOK || explained["call_site"] != "task_chat" {
		t.Errorf("explain = %d %v", resp.StatusCode, explained)
	}
	if resp, _ := env.do(t, http.MethodGet, "/v1/router/explain/nope", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("explain unknown = %d", resp.StatusCode)
	}
}

func TestUsageSummary(t *testing.T) {
	env := newEnv(t, &scriptedBackend{replies: []string{"ok"}})
	env.do(t, http.MethodPost, "/v1/tasks/replace-faucet/turns", `{"text": "hi"}`)

	_, body := env.do(t, http.MethodGet, "/v1/usage/summary?group_by=call_site", "")
	total, _ := body["total"].(map[string]any)
	if total["total_records"] != float64(1) {
		t.Errorf("total = %v", body["total"])
	}
	groups, _ := body["groups"].(map[string]any)
	if _, ok := groups["task_chat"]; !ok {
		t.Errorf("groups = %v", groups)
	}

	resp, _ := env.do(t, http.MethodGet, "/v1/usage/summary?group_by=color", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad group_by = %d", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	env := newEnv(t, &scriptedBackend{replies: []string{"ok"}})
	_, body := env.do(t, http.MethodGet, "/health", "")
	if body["status"] != "healthy" {
		t.Errorf("health = %v", body)
	}

	m := connwatch.NewManager(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer m.Stop()
	m.Watch(context.Background(), "anthropic", downBackend{}, connwatch.Backoff{InitialDelay: time.Hour})
	env.srv.SetHealth(m)

	_, body = env.do(t, http.MethodGet, "/health", "")
	if body["status"] != "degraded" {
		t.Errorf("health with a down backend = %v", body)
	}
}

type downBackend struct{}

func (downBackend) Ping(context.Context) error { return errors.New("unauthorized") }

func TestEventStream(t *testing.T) {
	env := newEnv(t, &scriptedBackend{replies: []string{"ok"}})

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/v1/events?entity=" + faucet.String()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(time.Millisecond)
	}

	// An edit to another entity is filtered out.
	env.do(t, http.MethodPut, "/v1/projects/kitchen-remodel", `{"fields": {"title": "Kitchen"}}`)
	env.do(t, http.MethodPut, "/v1/tasks/replace-faucet", `{"project_id": "kitchen-remodel", "fields": {"title": "Replace faucet"}}`)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var e events.Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("read: %v", err)
	}
	if e.Kind != events.KindEntityUpdated || e.Entity != faucet.String() || e.Source != events.SourceAPI {
		t.Errorf("event = %+v", e)
	}
}

func TestTurnRequest_Parts(t *testing.T) {
	got := TurnRequest{Text: "leak", Media: []string{"media://a", "", "media://b"}}.Parts()
	want := fmt.Sprint([]store.Part{{Text: "leak"}, {Media: "media://a"}, {Media: "media://b"}})
	if fmt.Sprint(got) != want {
		t.Errorf("Parts = %v, want %s", got, want)
	}
	if len(TurnRequest{}.Parts()) != 0 {
		t.Error("empty request produced parts")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{orchestrator.ErrCycleInFlight, http.StatusConflict},
		{&orchestrator.PersistenceError{Op: "append", Err: store.ErrDuplicateTurn}, http.StatusConflict},
		{&orchestrator.PersistenceError{Op: "load", Err: store.ErrNotFound}, http.StatusNotFound},
		{&orchestrator.PersistenceError{Op: "append", Err: errors.New("disk full")}, http.StatusInternalServerError},
		{fmt.Errorf("%w: %w", orchestrator.ErrAbandoned, context.Canceled), http.StatusRequestTimeout},
		{&invoke.OutputError{Kind: invoke.Empty, Err: errors.New("blank")}, http.StatusBadGateway},
		{&invoke.InvocationError{Kind: invoke.Timeout, Err: context.DeadlineExceeded}, http.StatusBadGateway},
		{store.ErrUnknownField, http.StatusBadRequest},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
