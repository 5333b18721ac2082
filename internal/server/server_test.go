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

	"leadline/internal/config"
	"leadline/internal/db"
	"leadline/internal/engine"
	"leadline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func newTestServer(t *testing.T) *testServer {
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
	e := engine.New(conn, config.Default())
	e.Now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	handler, err := New(Config{Engine: e, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+"/v0"+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	payload, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, payload
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	res, body := ts.do(t, http.MethodGet, "/health", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, body)
	}
}

func TestAllocationFlow(t *testing.T) {
	ts := newTestServer(t)

	res, body := ts.do(t, http.MethodPost, "/teams", map[string]any{
		"id": "big", "team_name": "Big", "capacity": 8,
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create team: %d %s", res.StatusCode, body)
	}
	res, body = ts.do(t, http.MethodPost, "/teams", map[string]any{
		"id": "small", "team_name": "Small", "capacity": 2,
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create team: %d %s", res.StatusCode, body)
	}

	orders := make([]map[string]any, 0, 10)
	for _, id := range []string{"o1", "o2", "o3", "o4", "o5", "o6", "o7", "o8", "o9", "o10"} {
		orders = append(orders, map[string]any{"id": id})
	}
	res, body = ts.do(t, http.MethodPost, "/orders", map[string]any{"orders": orders})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("import orders: %d %s", res.StatusCode, body)
	}

	res, body = ts.do(t, http.MethodPost, "/allocations/run", map[string]any{"date": "2024-03-01"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("run allocation: %d %s", res.StatusCode, body)
	}
	var run RunAllocationResponse
	if err := json.Unmarshal(body, &run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if run.Assigned != 10 || len(run.Batches) != 2 {
		t.Fatalf("assigned=%d batches=%d", run.Assigned, len(run.Batches))
	}

	// empty pool on re-run is informational, not an error
	res, body = ts.do(t, http.MethodPost, "/allocations/run", map[string]any{"date": "2024-03-01"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("re-run: %d %s", res.StatusCode, body)
	}
	if err := json.Unmarshal(body, &run); err != nil {
		t.Fatalf("decode re-run: %v", err)
	}
	if run.Message != "nothing to allocate" || run.Assigned != 0 {
		t.Fatalf("re-run: message=%q assigned=%d", run.Message, run.Assigned)
	}

	res, body = ts.do(t, http.MethodGet, "/allocations?team_id=big", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list allocations: %d %s", res.StatusCode, body)
	}
	var batches []map[string]any
	if err := json.Unmarshal(body, &batches); err != nil {
		t.Fatalf("decode batches: %v", err)
	}
	if len(batches) != 1 || batches[0]["leads_allocated"].(float64) != 8 {
		t.Fatalf("big team batches: %s", body)
	}

	res, body = ts.do(t, http.MethodGet, "/allocations/history", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history: %d %s", res.StatusCode, body)
	}
	var history []struct {
		OrderID          string  `json:"order_id"`
		AssignedTeam     *string `json:"assigned_team"`
		AllocatedDate    string  `json:"allocated_date"`
		CompletionStatus string  `json:"completion_status"`
	}
	if err := json.Unmarshal(body, &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history) != 10 {
		t.Fatalf("history has %d rows, want one per order", len(history))
	}
	for _, row := range history {
		if row.OrderID == "" || row.AssignedTeam == nil {
			t.Fatalf("incomplete history row: %+v", row)
		}
		if row.AllocatedDate != "2024-03-01" || row.CompletionStatus != "Allocated" {
			t.Fatalf("history row: %+v", row)
		}
	}

	res, body = ts.do(t, http.MethodDelete, "/allocations/big?date=2024-03-01", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("rollback: %d %s", res.StatusCode, body)
	}
}

func TestErrorEnvelope(t *testing.T) {
	ts := newTestServer(t)

	res, body := ts.do(t, http.MethodDelete, "/allocations/ghost?date=2024-03-01", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d: %s", res.StatusCode, body)
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("code %q, want not_found", envelope.Error.Code)
	}

	res, body = ts.do(t, http.MethodPost, "/allocations/run", map[string]any{"date": "bogus"})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid date: %d %s", res.StatusCode, body)
	}

	res, body = ts.do(t, http.MethodPost, "/teams", map[string]any{"team_name": ""})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty team name: %d %s", res.StatusCode, body)
	}
}
