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

	"github.com/golang-jwt/jwt/v5"

	"vigil/internal/config"
	"vigil/internal/db"
	"vigil/internal/domain"
	"vigil/internal/engine"
	"vigil/internal/envelope"
	"vigil/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Token  string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

type nopDispatcher struct{}

func (nopDispatcher) DispatchInspection(ctx context.Context, cmd envelope.Command) error   { return nil }
func (nopDispatcher) DispatchNotification(ctx context.Context, cmd envelope.Command) error { return nil }

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
	e := engine.New(conn, config.Default(), nopDispatcher{}, nopDispatcher{})
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}})
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
		Token:  mintToken(t, "tester"),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func mintToken(t *testing.T, subject string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func (s *testServer) doJSON(t *testing.T, method, path string, body any) (*http.Response, []byte) {
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
	req, err := http.NewRequest(method, s.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.Token)
	res, err := s.client.Do(req)
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

func riskEventBody(level string, health, probability float64, anomaly int) map[string]any {
	return map[string]any{
		"id":          "evt_test_1",
		"type":        envelope.TypeRiskComputed,
		"version":     "1.0",
		"occurred_at": "2026-03-01T12:00:00Z",
		"produced_by": "risk-service",
		"trace_id":    "trace-1",
		"data": map[string]any{
			"asset_id":                "pump-17",
			"risk_level":              level,
			"health_score":            health,
			"failure_probability_72h": probability,
			"anomaly_flag":            anomaly,
		},
	}
}

func TestHealthNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, err := http.Get(srv.URL + "/v0/health")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestUnauthorizedWithoutToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, err := http.Get(srv.URL + "/v0/workflows")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", res.StatusCode)
	}
}

func TestRiskEventLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := srv.doJSON(t, http.MethodPost, "/v0/events/risk", riskEventBody("High", 0.82, 0.74, 1))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("risk event status %d: %s", res.StatusCode, string(data))
	}
	var decision domain.RiskDecision
	if err := json.Unmarshal(data, &decision); err != nil {
		t.Fatalf("unmarshal decision: %v", err)
	}
	if !decision.Triggered || decision.Workflow == nil {
		t.Fatalf("expected triggered decision: %s", string(data))
	}
	if decision.Status != domain.StatusInspectionRequested {
		t.Fatalf("status = %q", decision.Status)
	}
	wfID := decision.Workflow.ID

	res, data = srv.doJSON(t, http.MethodGet, "/v0/workflows/"+wfID, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get workflow: %d %s", res.StatusCode, string(data))
	}

	res, data = srv.doJSON(t, http.MethodPost, "/v0/workflows/"+wfID+"/ack", map[string]any{
		"acknowledged_by": "alice",
		"notes":           "crew en route",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ack: %d %s", res.StatusCode, string(data))
	}
	var acked domain.Workflow
	_ = json.Unmarshal(data, &acked)
	if acked.EscalationStage != domain.StageAcknowledged {
		t.Fatalf("stage = %q", acked.EscalationStage)
	}

	res, data = srv.doJSON(t, http.MethodPost, "/v0/workflows/"+wfID+"/maintenance/completed", map[string]any{
		"performed_by": "crew-5",
		"summary":      "replaced bearing",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %s", res.StatusCode, string(data))
	}
	var done domain.Workflow
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatal(err)
	}
	if done.Status != domain.StatusMaintenanceCompleted || done.MaintenanceID == nil {
		t.Fatalf("completion not recorded: %s", string(data))
	}

	res, data = srv.doJSON(t, http.MethodPost, "/v0/workflows/"+wfID+"/verification", map[string]any{
		"verification_status": "verified",
		"maintenance_id":      *done.MaintenanceID,
		"tx_hash":             "0xabc",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("verification: %d %s", res.StatusCode, string(data))
	}
}

func TestRiskEventNotTriggered(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := srv.doJSON(t, http.MethodPost, "/v0/events/risk", riskEventBody("Low", 0.20, 0.10, 0))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var decision domain.RiskDecision
	if err := json.Unmarshal(data, &decision); err != nil {
		t.Fatal(err)
	}
	if decision.Triggered {
		t.Fatalf("low event triggered: %s", string(data))
	}
}

func TestRiskEventValidation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	body := riskEventBody("Severe", 0.5, 0.5, 0)
	res, data := srv.doJSON(t, http.MethodPost, "/v0/events/risk", body)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400: %s", res.StatusCode, string(data))
	}
	var envl struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envl); err != nil {
		t.Fatal(err)
	}
	if envl.Error.Code != "bad_request" {
		t.Fatalf("error code = %q", envl.Error.Code)
	}
}

func TestForecastIngestAndFetch(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := srv.doJSON(t, http.MethodPost, "/v0/events/forecast", map[string]any{
		"id":          "evt_fc_1",
		"type":        envelope.TypeFailurePredicted,
		"version":     "1.0",
		"occurred_at": "2026-03-01T12:00:00Z",
		"produced_by": "forecast-service",
		"trace_id":    "trace-1",
		"data": map[string]any{
			"asset_id":                "pump-17",
			"failure_probability_72h": 0.91,
			"confidence":              0.88,
		},
	})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("forecast ingest: %d %s", res.StatusCode, string(data))
	}

	res, data = srv.doJSON(t, http.MethodGet, "/v0/forecasts/pump-17", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get forecast: %d %s", res.StatusCode, string(data))
	}
	var snap domain.ForecastSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.FailureProbability72 != 0.91 {
		t.Fatalf("forecast round trip: %+v", snap)
	}

	res, _ = srv.doJSON(t, http.MethodGet, "/v0/forecasts/pump-unknown", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing forecast status %d, want 404", res.StatusCode)
	}
}

func TestCompleteMaintenanceConflictStatus(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := srv.doJSON(t, http.MethodPost, "/v0/events/risk", riskEventBody("High", 0.82, 0.74, 0))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("risk event: %d %s", res.StatusCode, string(data))
	}
	var decision domain.RiskDecision
	_ = json.Unmarshal(data, &decision)
	wfID := decision.Workflow.ID

	res, _ = srv.doJSON(t, http.MethodPost, "/v0/workflows/"+wfID+"/maintenance/completed", map[string]any{"performed_by": "crew"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first completion failed: %d", res.StatusCode)
	}
	// Replays are idempotent, not conflicts.
	res, _ = srv.doJSON(t, http.MethodPost, "/v0/workflows/"+wfID+"/maintenance/completed", map[string]any{"performed_by": "crew"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("replay status %d, want 200", res.StatusCode)
	}

	res, data = srv.doJSON(t, http.MethodPost, "/v0/workflows/wf_missing/maintenance/completed", map[string]any{"performed_by": "crew"})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing workflow status %d: %s", res.StatusCode, string(data))
	}
}

func TestListWorkflowsAndEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := srv.doJSON(t, http.MethodPost, "/v0/events/risk", riskEventBody("Critical", 0.95, 0.92, 1))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("risk event: %d %s", res.StatusCode, string(data))
	}

	res, data = srv.doJSON(t, http.MethodGet, "/v0/workflows?asset_id=pump-17&status=inspection_requested", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list workflows: %d %s", res.StatusCode, string(data))
	}
	var items []domain.Workflow
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Priority != domain.PriorityCritical {
		t.Fatalf("list result: %s", string(data))
	}

	res, data = srv.doJSON(t, http.MethodGet, "/v0/events?limit=10&entity_kind=workflow", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list events: %d %s", res.StatusCode, string(data))
	}
	var events []domain.Event
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatal(err)
	}
	if len(events) == 0 {
		t.Fatalf("expected audit events")
	}
}
