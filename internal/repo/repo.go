package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"vigil/internal/domain"
)

// Store is the authoritative workflow table. Every mutator is a single SQL
// statement whose WHERE clause carries the state guard, so concurrent sweeps
// and acknowledgments cannot interleave a stale check with a write.
type Store struct {
	DB *sql.DB

	mu  sync.Mutex
	seq int
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

const workflowColumns = `id,asset_id,name,trigger_event_id,trace_id,status,priority,trigger_reason,
attempts,max_attempts,last_error,escalation_stage,authority_notified_at,authority_ack_deadline_at,
acknowledged_at,acknowledged_by,ack_notes,police_notified_at,management_dispatch_json,police_dispatch_json,
inspection_ticket_id,inspection_create_command,inspection_requested_event,maintenance_id,maintenance_completed_event,
verification_status,verification_tx_hash,verification_error,verified_at,created_at,updated_at`

// allocateID produces a human-sortable workflow id:
// wf_<yyyymmdd_hhmmss>_<seq>_<rand>. The counter resets with the process, so
// the random tail keeps ids distinct across restarts and concurrent writers
// that land in the same second.
func (s *Store) allocateID(now time.Time) string {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()
	return fmt.Sprintf("wf_%s_%04d_%s", now.UTC().Format("20060102_150405"), seq, uuid.New().String()[:8])
}

type CreateWorkflowOptions struct {
	AssetID        string
	Name           string
	Priority       string
	Reason         string
	MaxAttempts    int
	TraceID        string
	TriggerEventID string
}

// CreateWorkflow allocates an id and inserts a record with status=started.
func (s *Store) CreateWorkflow(ctx context.Context, opts CreateWorkflowOptions, now time.Time) (domain.Workflow, error) {
	ts := now.UTC().Format(time.RFC3339)
	w := domain.Workflow{
		ID:             s.allocateID(now),
		AssetID:        opts.AssetID,
		Name:           opts.Name,
		TriggerEventID: opts.TriggerEventID,
		TraceID:        opts.TraceID,
		Status:         domain.StatusStarted,
		Priority:       opts.Priority,
		TriggerReason:  opts.Reason,
		Attempts:       0,
		MaxAttempts:    opts.MaxAttempts,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO workflows(id,asset_id,name,trigger_event_id,trace_id,status,priority,trigger_reason,attempts,max_attempts,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.AssetID, w.Name, w.TriggerEventID, w.TraceID, w.Status, w.Priority, w.TriggerReason, w.Attempts, w.MaxAttempts, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return domain.Workflow{}, fmt.Errorf("insert workflow: %w", err)
	}
	return w, nil
}

// RecordAttempt bumps the attempt counter without changing status.
func (s *Store) RecordAttempt(ctx context.Context, id string, attempts int, lastError string, now time.Time) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE workflows SET attempts=?, last_error=?, updated_at=? WHERE id=?`,
		attempts, lastError, now.UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

// MarkInspectionRequested moves started -> inspection_requested and clears last_error.
func (s *Store) MarkInspectionRequested(ctx context.Context, id string, attempts int, ticketID, command, event string, now time.Time) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE workflows
SET status=?, attempts=?, last_error=NULL, inspection_ticket_id=?, inspection_create_command=?, inspection_requested_event=?, updated_at=?
WHERE id=? AND status=?`,
		domain.StatusInspectionRequested, attempts, ticketID, command, event, now.UTC().Format(time.RFC3339), id, domain.StatusStarted)
	if err != nil {
		return err
	}
	return s.affectOrConflict(ctx, res, id)
}

// MarkFailed moves a workflow to the terminal failed status.
func (s *Store) MarkFailed(ctx context.Context, id string, attempts int, lastError string, now time.Time) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE workflows SET status=?, attempts=?, last_error=?, updated_at=? WHERE id=? AND status=?`,
		domain.StatusFailed, attempts, lastError, now.UTC().Format(time.RFC3339), id, domain.StatusStarted)
	if err != nil {
		return err
	}
	return s.affectOrConflict(ctx, res, id)
}

// MarkManagementNotified starts the acknowledgment SLA clock.
func (s *Store) MarkManagementNotified(ctx context.Context, id string, notifiedAt, ackDeadlineAt time.Time, dispatchIDs []string, now time.Time) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE workflows
SET escalation_stage=?, authority_notified_at=?, authority_ack_deadline_at=?, management_dispatch_json=?, updated_at=?
WHERE id=? AND escalation_stage=''`,
		domain.StageManagementNotified, notifiedAt.UTC().Format(time.RFC3339), ackDeadlineAt.UTC().Format(time.RFC3339),
		encodeIDs(dispatchIDs), now.UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	return s.affectOrConflict(ctx, res, id)
}

// Acknowledge sets the acknowledgment fields only if unset (first write wins)
// and advances the stage unless escalation already went further. The bool
// reports whether this call won the write; replays return the current record
// with false.
func (s *Store) Acknowledge(ctx context.Context, id string, ackAt time.Time, ackBy, notes string) (domain.Workflow, bool, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE workflows
SET acknowledged_at=?, acknowledged_by=?, ack_notes=?,
    escalation_stage=CASE WHEN escalation_stage IN (?,?) THEN escalation_stage ELSE ? END,
    updated_at=?
WHERE id=? AND acknowledged_at IS NULL`,
		ackAt.UTC().Format(time.RFC3339), ackBy, notes,
		domain.StagePoliceNotified, domain.StageMaintenanceCompleted, domain.StageAcknowledged,
		ackAt.UTC().Format(time.RFC3339), id)
	if err != nil {
		return domain.Workflow{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Workflow{}, false, err
	}
	w, err := s.GetWorkflow(ctx, id)
	if err != nil {
		return domain.Workflow{}, false, err
	}
	return w, n > 0, nil
}

// MarkPoliceNotified performs the atomic compare-and-set the escalation sweep
// relies on. Returns false when another sweep or an acknowledgment already
// advanced the stage past the point where police escalation applies.
func (s *Store) MarkPoliceNotified(ctx context.Context, id string, notifiedAt time.Time, dispatchIDs []string, now time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE workflows
SET escalation_stage=?, police_notified_at=?, police_dispatch_json=?, updated_at=?
WHERE id=? AND escalation_stage=? AND acknowledged_at IS NULL`,
		domain.StagePoliceNotified, notifiedAt.UTC().Format(time.RFC3339), encodeIDs(dispatchIDs), now.UTC().Format(time.RFC3339),
		id, domain.StageManagementNotified)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	if _, err := s.GetWorkflow(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// MarkMaintenanceCompleted is terminal for both status and escalation stage.
func (s *Store) MarkMaintenanceCompleted(ctx context.Context, id, maintenanceID, event string, now time.Time) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE workflows
SET status=?, escalation_stage=?, maintenance_id=?, maintenance_completed_event=?, last_error=NULL, updated_at=?
WHERE id=? AND status=?`,
		domain.StatusMaintenanceCompleted, domain.StageMaintenanceCompleted, maintenanceID, event,
		now.UTC().Format(time.RFC3339), id, domain.StatusInspectionRequested)
	if err != nil {
		return err
	}
	return s.affectOrConflict(ctx, res, id)
}

// MarkVerificationResult is the narrow external write path for the
// blockchain-verification service. It never touches status or stage.
func (s *Store) MarkVerificationResult(ctx context.Context, id, status, maintenanceID, txHash, verr string, now time.Time) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE workflows
SET verification_status=?, verification_tx_hash=?, verification_error=?, verified_at=?, updated_at=?
WHERE id=? AND (maintenance_id IS NULL OR maintenance_id=?)`,
		status, nullable(txHash), nullable(verr), now.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339), id, maintenanceID)
	if err != nil {
		return err
	}
	return s.affectOrConflict(ctx, res, id)
}

// ListAckTimeoutCandidates returns workflows whose acknowledgment SLA has
// elapsed without an acknowledgment or a prior police notification.
func (s *Store) ListAckTimeoutCandidates(ctx context.Context, now time.Time) ([]domain.Workflow, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+workflowColumns+` FROM workflows
WHERE status=? AND escalation_stage=? AND authority_ack_deadline_at IS NOT NULL AND authority_ack_deadline_at<=?
AND acknowledged_at IS NULL AND police_notified_at IS NULL
ORDER BY authority_ack_deadline_at ASC, id ASC`,
		domain.StatusInspectionRequested, domain.StageManagementNotified, now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorkflows(rows)
}

type WorkflowFilters struct {
	AssetID string
	Status  string
	Limit   int
}

func (s *Store) ListWorkflows(ctx context.Context, f WorkflowFilters) ([]domain.Workflow, error) {
	var clauses []string
	var args []any
	if f.AssetID != "" {
		clauses = append(clauses, "asset_id=?")
		args = append(args, f.AssetID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + workflowColumns + ` FROM workflows ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorkflows(rows)
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (domain.Workflow, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id=?`, id)
	return scanWorkflow(row)
}

func (s *Store) GetWorkflowByMaintenanceID(ctx context.Context, maintenanceID string) (domain.Workflow, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE maintenance_id=?`, maintenanceID)
	return scanWorkflow(row)
}

// SetForecast upserts the per-asset forecast snapshot.
func (s *Store) SetForecast(ctx context.Context, f domain.ForecastSnapshot) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO forecasts(asset_id,event_id,trace_id,generated_at,failure_probability_72h,confidence) VALUES (?,?,?,?,?,?)
ON CONFLICT(asset_id) DO UPDATE SET event_id=excluded.event_id, trace_id=excluded.trace_id, generated_at=excluded.generated_at,
failure_probability_72h=excluded.failure_probability_72h, confidence=excluded.confidence`,
		f.AssetID, f.EventID, f.TraceID, f.GeneratedAt, f.FailureProbability72, f.Confidence)
	return err
}

func (s *Store) GetForecast(ctx context.Context, assetID string) (domain.ForecastSnapshot, error) {
	var f domain.ForecastSnapshot
	err := s.DB.QueryRowContext(ctx, `SELECT asset_id,event_id,trace_id,generated_at,failure_probability_72h,confidence FROM forecasts WHERE asset_id=?`, assetID).
		Scan(&f.AssetID, &f.EventID, &f.TraceID, &f.GeneratedAt, &f.FailureProbability72, &f.Confidence)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	return f, err
}

func (s *Store) LatestEvents(ctx context.Context, limit int, assetID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if assetID != "" {
		clauses = append(clauses, "asset_id=?")
		args = append(args, assetID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,asset_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var assetID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &assetID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if assetID.Valid {
			e.AssetID = assetID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- scanning and helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflowFields(sc rowScanner) (domain.Workflow, error) {
	var w domain.Workflow
	var lastError, authorityNotifiedAt, ackDeadlineAt, acknowledgedAt, acknowledgedBy, ackNotes,
		policeNotifiedAt, mgmtDispatch, policeDispatch, ticketID, createCmd, requestedEvt,
		maintenanceID, maintenanceEvt, verStatus, verTx, verErr, verifiedAt sql.NullString
	err := sc.Scan(&w.ID, &w.AssetID, &w.Name, &w.TriggerEventID, &w.TraceID, &w.Status, &w.Priority, &w.TriggerReason,
		&w.Attempts, &w.MaxAttempts, &lastError, &w.EscalationStage, &authorityNotifiedAt, &ackDeadlineAt,
		&acknowledgedAt, &acknowledgedBy, &ackNotes, &policeNotifiedAt, &mgmtDispatch, &policeDispatch,
		&ticketID, &createCmd, &requestedEvt, &maintenanceID, &maintenanceEvt,
		&verStatus, &verTx, &verErr, &verifiedAt, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return w, err
	}
	w.LastError = strPtr(lastError)
	w.AuthorityNotifiedAt = strPtr(authorityNotifiedAt)
	w.AuthorityAckDeadline = strPtr(ackDeadlineAt)
	w.AcknowledgedAt = strPtr(acknowledgedAt)
	w.AcknowledgedBy = strPtr(acknowledgedBy)
	w.AckNotes = strPtr(ackNotes)
	w.PoliceNotifiedAt = strPtr(policeNotifiedAt)
	w.ManagementDispatchIDs = decodeIDs(mgmtDispatch)
	w.PoliceDispatchIDs = decodeIDs(policeDispatch)
	w.InspectionTicketID = strPtr(ticketID)
	w.InspectionCreateCommand = strPtr(createCmd)
	w.InspectionRequestedEvent = strPtr(requestedEvt)
	w.MaintenanceID = strPtr(maintenanceID)
	w.MaintenanceEvent = strPtr(maintenanceEvt)
	w.VerificationStatus = strPtr(verStatus)
	w.VerificationTxHash = strPtr(verTx)
	w.VerificationError = strPtr(verErr)
	w.VerifiedAt = strPtr(verifiedAt)
	return w, nil
}

func scanWorkflow(row *sql.Row) (domain.Workflow, error) {
	w, err := scanWorkflowFields(row)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

func scanWorkflows(rows *sql.Rows) ([]domain.Workflow, error) {
	var res []domain.Workflow
	for rows.Next() {
		w, err := scanWorkflowFields(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// affectOrConflict distinguishes a missing record from a guard rejection.
func (s *Store) affectOrConflict(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetWorkflow(ctx, id); err != nil {
		return err
	}
	return ErrConflict
}

func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func encodeIDs(ids []string) any {
	if len(ids) == 0 {
		return nil
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return nil
	}
	return string(b)
}

func decodeIDs(v sql.NullString) []string {
	if !v.Valid || v.String == "" {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(v.String), &ids); err != nil {
		return nil
	}
	return ids
}

func strPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
