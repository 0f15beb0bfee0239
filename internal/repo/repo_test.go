package repo_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"vigil/internal/db"
	"vigil/internal/domain"
	"vigil/internal/migrate"
	"vigil/internal/repo"
)

func newStore(t *testing.T) *repo.Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return &repo.Store{DB: conn}
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func createWorkflow(t *testing.T, s *repo.Store, assetID string) domain.Workflow {
	t.Helper()
	w, err := s.CreateWorkflow(context.Background(), repo.CreateWorkflowOptions{
		AssetID:        assetID,
		Name:           "incident-response " + assetID,
		Priority:       domain.PriorityHigh,
		Reason:         "risk_level=High",
		MaxAttempts:    3,
		TraceID:        "trace-1",
		TriggerEventID: "evt_1",
	}, t0)
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	return w
}

func notified(t *testing.T, s *repo.Store, assetID string) domain.Workflow {
	t.Helper()
	ctx := context.Background()
	w := createWorkflow(t, s, assetID)
	if err := s.MarkInspectionRequested(ctx, w.ID, 1, "tkt_1", "{}", "{}", t0); err != nil {
		t.Fatalf("mark inspection requested: %v", err)
	}
	deadline := t0.Add(30 * time.Minute)
	if err := s.MarkManagementNotified(ctx, w.ID, t0, deadline, []string{"cmd_1"}, t0); err != nil {
		t.Fatalf("mark management notified: %v", err)
	}
	got, err := s.GetWorkflow(ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func TestWorkflowIDFormat(t *testing.T) {
	s := newStore(t)
	a := createWorkflow(t, s, "pump-1")
	b := createWorkflow(t, s, "pump-2")
	for _, w := range []domain.Workflow{a, b} {
		if !strings.HasPrefix(w.ID, "wf_20260301_120000_") {
			t.Fatalf("unexpected id %q", w.ID)
		}
	}
	if a.ID == b.ID {
		t.Fatalf("ids must be unique within the same second")
	}

	// A second store over the same database restarts the sequence counter.
	other := &repo.Store{DB: s.DB}
	c := createWorkflow(t, other, "pump-3")
	d := createWorkflow(t, other, "pump-4")
	for _, w := range []domain.Workflow{c, d} {
		if w.ID == a.ID || w.ID == b.ID {
			t.Fatalf("restarted counter reused id %q", w.ID)
		}
	}
}

func TestStatusGuards(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	w := createWorkflow(t, s, "pump-1")

	if err := s.MarkInspectionRequested(ctx, w.ID, 1, "tkt_1", "{}", "{}", t0); err != nil {
		t.Fatalf("first transition: %v", err)
	}
	// started-only transitions reject a second application.
	if err := s.MarkInspectionRequested(ctx, w.ID, 2, "tkt_2", "{}", "{}", t0); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if err := s.MarkFailed(ctx, w.ID, 3, "boom", t0); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("mark failed after request: %v, want ErrConflict", err)
	}
	// completion requires inspection_requested
	if err := s.MarkMaintenanceCompleted(ctx, w.ID, "mnt_1", "{}", t0); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := s.MarkMaintenanceCompleted(ctx, w.ID, "mnt_2", "{}", t0); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("second complete: %v, want ErrConflict", err)
	}

	if err := s.MarkInspectionRequested(ctx, "wf_missing", 1, "t", "{}", "{}", t0); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("missing workflow: %v, want ErrNotFound", err)
	}
}

func TestMarkPoliceNotifiedCAS(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	w := notified(t, s, "pump-1")

	ok, err := s.MarkPoliceNotified(ctx, w.ID, t0.Add(31*time.Minute), []string{"cmd_p1"}, t0.Add(31*time.Minute))
	if err != nil {
		t.Fatalf("police notify: %v", err)
	}
	if !ok {
		t.Fatalf("first police notify must win")
	}
	// Second writer loses without error.
	ok, err = s.MarkPoliceNotified(ctx, w.ID, t0.Add(32*time.Minute), []string{"cmd_p2"}, t0.Add(32*time.Minute))
	if err != nil {
		t.Fatalf("second police notify: %v", err)
	}
	if ok {
		t.Fatalf("second police notify must lose the race")
	}
	got, err := s.GetWorkflow(ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.PoliceDispatchIDs) != 1 || got.PoliceDispatchIDs[0] != "cmd_p1" {
		t.Fatalf("dispatch ids = %v", got.PoliceDispatchIDs)
	}

	// Unknown workflow is an error, not a lost race.
	if _, err := s.MarkPoliceNotified(ctx, "wf_missing", t0, nil, t0); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPoliceNotifyLosesToAcknowledgment(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	w := notified(t, s, "pump-1")

	if _, _, err := s.Acknowledge(ctx, w.ID, t0.Add(10*time.Minute), "alice", ""); err != nil {
		t.Fatal(err)
	}
	ok, err := s.MarkPoliceNotified(ctx, w.ID, t0.Add(31*time.Minute), []string{"cmd_p1"}, t0.Add(31*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("acknowledged workflow must not be escalated")
	}
	got, _ := s.GetWorkflow(ctx, w.ID)
	if got.EscalationStage != domain.StageAcknowledged {
		t.Fatalf("stage = %q", got.EscalationStage)
	}
}

func TestAcknowledgeFirstWriteWins(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	w := notified(t, s, "pump-1")

	first, won, err := s.Acknowledge(ctx, w.ID, t0.Add(5*time.Minute), "alice", "on it")
	if err != nil {
		t.Fatal(err)
	}
	if !won {
		t.Fatalf("first ack must win the write")
	}
	if first.AcknowledgedBy == nil || *first.AcknowledgedBy != "alice" {
		t.Fatalf("acknowledged_by = %v", first.AcknowledgedBy)
	}
	second, won, err := s.Acknowledge(ctx, w.ID, t0.Add(6*time.Minute), "bob", "")
	if err != nil {
		t.Fatal(err)
	}
	if won {
		t.Fatalf("replayed ack must not report a win")
	}
	if *second.AcknowledgedBy != "alice" {
		t.Fatalf("second ack overwrote: %q", *second.AcknowledgedBy)
	}
}

func TestListAckTimeoutCandidates(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	due := notified(t, s, "pump-due")
	alsoDue := notified(t, s, "pump-due-2")
	acked := notified(t, s, "pump-acked")
	policed := notified(t, s, "pump-policed")
	completed := notified(t, s, "pump-done")
	createWorkflow(t, s, "pump-fresh") // never notified, never a candidate

	if _, err := s.MarkPoliceNotified(ctx, policed.ID, t0, []string{"cmd_p"}, t0); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Acknowledge(ctx, acked.ID, t0.Add(time.Minute), "alice", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkMaintenanceCompleted(ctx, completed.ID, "mnt_1", "{}", t0); err != nil {
		t.Fatal(err)
	}

	sweepAt := t0.Add(31 * time.Minute)
	items, err := s.ListAckTimeoutCandidates(ctx, sweepAt)
	if err != nil {
		t.Fatal(err)
	}
	ids := map[string]bool{}
	for _, w := range items {
		ids[w.ID] = true
	}
	if !ids[due.ID] || !ids[alsoDue.ID] {
		t.Fatalf("due workflows missing from sweep: %v", ids)
	}
	for _, excluded := range []domain.Workflow{acked, policed, completed} {
		if ids[excluded.ID] {
			t.Fatalf("workflow %s must be excluded from sweep", excluded.ID)
		}
	}

	// Before the deadline nothing is due.
	items, err = s.ListAckTimeoutCandidates(ctx, t0.Add(10*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no candidates before deadline, got %d", len(items))
	}
}

func TestListWorkflowsFilters(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	a := createWorkflow(t, s, "pump-1")
	b := createWorkflow(t, s, "pump-2")
	if err := s.MarkInspectionRequested(ctx, b.ID, 1, "tkt_1", "{}", "{}", t0); err != nil {
		t.Fatal(err)
	}

	byAsset, err := s.ListWorkflows(ctx, repo.WorkflowFilters{AssetID: "pump-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byAsset) != 1 || byAsset[0].ID != a.ID {
		t.Fatalf("asset filter: %+v", byAsset)
	}
	byStatus, err := s.ListWorkflows(ctx, repo.WorkflowFilters{Status: domain.StatusInspectionRequested})
	if err != nil {
		t.Fatal(err)
	}
	if len(byStatus) != 1 || byStatus[0].ID != b.ID {
		t.Fatalf("status filter: %+v", byStatus)
	}
	limited, err := s.ListWorkflows(ctx, repo.WorkflowFilters{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Fatalf("limit filter returned %d", len(limited))
	}
}

func TestGetWorkflowByMaintenanceID(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	w := notified(t, s, "pump-1")
	if err := s.MarkMaintenanceCompleted(ctx, w.ID, "mnt_42", "{}", t0); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetWorkflowByMaintenanceID(ctx, "mnt_42")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != w.ID {
		t.Fatalf("got %s, want %s", got.ID, w.ID)
	}
	if _, err := s.GetWorkflowByMaintenanceID(ctx, "mnt_missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestForecastUpsert(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	if err := s.SetForecast(ctx, domain.ForecastSnapshot{
		AssetID:              "pump-1",
		EventID:              "evt_1",
		GeneratedAt:          t0.Format(time.RFC3339),
		FailureProbability72: 0.40,
		Confidence:           0.70,
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetForecast(ctx, domain.ForecastSnapshot{
		AssetID:              "pump-1",
		EventID:              "evt_2",
		GeneratedAt:          t0.Add(time.Hour).Format(time.RFC3339),
		FailureProbability72: 0.90,
		Confidence:           0.80,
	}); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetForecast(ctx, "pump-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.EventID != "evt_2" || got.FailureProbability72 != 0.90 {
		t.Fatalf("latest forecast not retained: %+v", got)
	}
	if _, err := s.GetForecast(ctx, "pump-unknown"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestVerificationNeverTouchesStatus(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	w := notified(t, s, "pump-1")
	if err := s.MarkMaintenanceCompleted(ctx, w.ID, "mnt_1", "{}", t0); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkVerificationResult(ctx, w.ID, "failed", "mnt_1", "", "chain unreachable", t0); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetWorkflow(ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusMaintenanceCompleted {
		t.Fatalf("status = %q", got.Status)
	}
	if got.VerificationError == nil || *got.VerificationError != "chain unreachable" {
		t.Fatalf("verification_error = %v", got.VerificationError)
	}
}
