package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"vigil/internal/config"
	"vigil/internal/domain"
	"vigil/internal/envelope"
	"vigil/internal/events"
	"vigil/internal/observability"
	"vigil/internal/repo"
)

// InspectionDispatcher delivers an inspection.create command to the
// inspection system. Implementations report transient failure with an error.
type InspectionDispatcher interface {
	DispatchInspection(ctx context.Context, cmd envelope.Command) error
}

// NotificationDispatcher delivers a notification.dispatch command to the
// notification service.
type NotificationDispatcher interface {
	DispatchNotification(ctx context.Context, cmd envelope.Command) error
}

type Engine struct {
	DB            *sql.DB
	Store         *repo.Store
	Events        events.Writer
	Config        *config.Config
	Inspections   InspectionDispatcher
	Notifications NotificationDispatcher
	Now           func() time.Time
}

func New(db *sql.DB, cfg *config.Config, inspections InspectionDispatcher, notifications NotificationDispatcher) Engine {
	return Engine{
		DB:            db,
		Store:         &repo.Store{DB: db},
		Events:        events.Writer{DB: db},
		Config:        cfg,
		Inspections:   inspections,
		Notifications: notifications,
		Now:           time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// HandleForecastEvent caches the latest forecast snapshot for the asset.
func (e Engine) HandleForecastEvent(ctx context.Context, evt envelope.Event, data envelope.FailurePredictedData) error {
	snap := domain.ForecastSnapshot{
		AssetID:              data.AssetID,
		EventID:              evt.ID,
		TraceID:              evt.TraceID,
		GeneratedAt:          evt.OccurredAt,
		FailureProbability72: data.FailureProbability72,
		Confidence:           data.Confidence,
	}
	if snap.GeneratedAt == "" {
		snap.GeneratedAt = e.now().UTC().Format(time.RFC3339)
	}
	if err := e.Store.SetForecast(ctx, snap); err != nil {
		return fmt.Errorf("cache forecast: %w", err)
	}
	e.appendAudit(ctx, "forecast.cached", data.AssetID, "forecast", evt.ID, evt.ProducedBy, events.EventPayload{
		"failure_probability_72h": data.FailureProbability72,
		"confidence":              data.Confidence,
	})
	return nil
}

// HandleRiskEvent evaluates a risk event against the trigger thresholds and,
// when warranted, creates a workflow and drives it through inspection
// dispatch. Dispatch failures are absorbed into the retry loop and recorded
// in workflow state; they are never returned as errors.
func (e Engine) HandleRiskEvent(ctx context.Context, evt envelope.Event, data envelope.RiskComputedData) (domain.RiskDecision, error) {
	ctx, span := observability.StartSpan(ctx, "engine.handle_risk_event",
		attribute.String("asset.id", data.AssetID),
		attribute.String("risk.level", data.RiskLevel),
	)
	defer span.End()

	effective := data.FailureProbability72
	if cached, err := e.Store.GetForecast(ctx, data.AssetID); err == nil {
		if cached.FailureProbability72 > effective {
			effective = cached.FailureProbability72
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.RiskDecision{}, fmt.Errorf("forecast lookup: %w", err)
	}

	reasons := e.triggerReasons(data, effective)
	if len(reasons) == 0 {
		return domain.RiskDecision{
			Triggered: false,
			Reason:    "event below orchestration trigger thresholds",
		}, nil
	}
	reason := strings.Join(reasons, "; ")
	priority := computePriority(data.RiskLevel, effective)

	now := e.now()
	w, err := e.Store.CreateWorkflow(ctx, repo.CreateWorkflowOptions{
		AssetID:        data.AssetID,
		Name:           fmt.Sprintf("incident-response %s", data.AssetID),
		Priority:       priority,
		Reason:         reason,
		MaxAttempts:    e.Config.Inspection.MaxRetryAttempts,
		TraceID:        evt.TraceID,
		TriggerEventID: evt.ID,
	}, now)
	if err != nil {
		return domain.RiskDecision{}, err
	}
	e.appendAudit(ctx, "workflow.triggered", w.AssetID, "workflow", w.ID, evt.ProducedBy, events.EventPayload{
		"priority": priority,
		"reason":   reason,
	})

	cmd, err := envelope.NewCommand(envelope.TypeInspectionCreate, evt.TraceID, w.ID, now, envelope.InspectionCreatePayload{
		AssetID:              w.AssetID,
		WorkflowID:           w.ID,
		Priority:             priority,
		Reason:               reason,
		TriggerEventID:       evt.ID,
		HealthScore:          envelope.Clamp(data.HealthScore),
		FailureProbability72: envelope.Clamp(effective),
	})
	if err != nil {
		return domain.RiskDecision{}, err
	}

	retriesUsed := 0
	var lastErr error
	for attempt := 1; attempt <= w.MaxAttempts; attempt++ {
		lastErr = e.dispatchInspection(ctx, cmd)
		if lastErr == nil {
			return e.finishInspectionRequested(ctx, w, cmd, evt, attempt, retriesUsed)
		}
		if err := e.Store.RecordAttempt(ctx, w.ID, attempt, lastErr.Error(), e.now()); err != nil {
			return domain.RiskDecision{}, fmt.Errorf("record attempt: %w", err)
		}
		if attempt < w.MaxAttempts {
			retriesUsed++
		}
	}

	if err := e.Store.MarkFailed(ctx, w.ID, w.MaxAttempts, lastErr.Error(), e.now()); err != nil {
		return domain.RiskDecision{}, fmt.Errorf("mark failed: %w", err)
	}
	e.appendAudit(ctx, "workflow.failed", w.AssetID, "workflow", w.ID, evt.ProducedBy, events.EventPayload{
		"attempts": w.MaxAttempts,
		"error":    lastErr.Error(),
	})
	failed, err := e.Store.GetWorkflow(ctx, w.ID)
	if err != nil {
		return domain.RiskDecision{}, err
	}
	return domain.RiskDecision{
		Triggered:   true,
		Reason:      reason + "; " + lastErr.Error(),
		Status:      domain.StatusFailed,
		RetriesUsed: retriesUsed,
		Workflow:    &failed,
	}, nil
}

func (e Engine) finishInspectionRequested(ctx context.Context, w domain.Workflow, cmd envelope.Command, evt envelope.Event, attempts, retriesUsed int) (domain.RiskDecision, error) {
	ticketID := "tkt_" + uuid.New().String()
	requested, err := envelope.NewEvent(envelope.TypeInspectionRequested, evt.TraceID, w.ID, e.now(), envelope.InspectionRequestedData{
		WorkflowID: w.ID,
		AssetID:    w.AssetID,
		TicketID:   ticketID,
		Priority:   w.Priority,
	})
	if err != nil {
		return domain.RiskDecision{}, err
	}
	if err := e.Store.MarkInspectionRequested(ctx, w.ID, attempts, ticketID, envelope.Encode(cmd), envelope.Encode(requested), e.now()); err != nil {
		return domain.RiskDecision{}, fmt.Errorf("mark inspection requested: %w", err)
	}
	e.appendAudit(ctx, "workflow.inspection.requested", w.AssetID, "workflow", w.ID, evt.ProducedBy, events.EventPayload{
		"ticket_id": ticketID,
		"attempts":  attempts,
	})

	e.notifyManagement(ctx, w)

	updated, err := e.Store.GetWorkflow(ctx, w.ID)
	if err != nil {
		return domain.RiskDecision{}, err
	}
	return domain.RiskDecision{
		Triggered:   true,
		Reason:      w.TriggerReason,
		Status:      domain.StatusInspectionRequested,
		RetriesUsed: retriesUsed,
		Workflow:    &updated,
	}, nil
}

// notifyManagement dispatches the management notification and starts the
// acknowledgment SLA clock. A dispatch failure here does not fail the risk
// decision; the workflow simply never enters the escalation pipeline.
func (e Engine) notifyManagement(ctx context.Context, w domain.Workflow) {
	target := e.Config.Escalation.Management
	now := e.now()
	var dispatchIDs []string
	for _, channel := range channelsOrDefault(target.Channels) {
		cmd, err := envelope.NewCommand(envelope.TypeNotificationDispatch, w.TraceID, w.ID, now, envelope.NotificationDispatchPayload{
			WorkflowID: w.ID,
			AssetID:    w.AssetID,
			Severity:   w.Priority,
			Subject:    fmt.Sprintf("Inspection requested for asset %s", w.AssetID),
			Body:       w.TriggerReason,
			Recipients: target.Recipients,
			Channels:   []string{channel},
		})
		if err != nil {
			log.Printf("engine: build management notification for %s: %v", w.ID, err)
			continue
		}
		if err := e.dispatchNotification(ctx, cmd); err != nil {
			log.Printf("engine: management notification for %s via %s failed: %v", w.ID, channel, err)
			continue
		}
		dispatchIDs = append(dispatchIDs, cmd.ID)
	}
	if len(dispatchIDs) == 0 {
		return
	}
	deadline := now.Add(time.Duration(e.Config.Escalation.AuthorityAckSLAMinutes) * time.Minute)
	if err := e.Store.MarkManagementNotified(ctx, w.ID, now, deadline, dispatchIDs, e.now()); err != nil {
		log.Printf("engine: mark management notified for %s: %v", w.ID, err)
		return
	}
	e.appendAudit(ctx, "workflow.management.notified", w.AssetID, "workflow", w.ID, "orchestration-service", events.EventPayload{
		"dispatch_ids":    dispatchIDs,
		"ack_deadline_at": deadline.UTC().Format(time.RFC3339),
	})
}

// Acknowledge records a human acknowledgment. The first caller wins; later
// calls and calls after police escalation are no-ops.
func (e Engine) Acknowledge(ctx context.Context, workflowID, by, notes string) (domain.Workflow, error) {
	if by == "" {
		return domain.Workflow{}, fmt.Errorf("acknowledged_by is required")
	}
	w, won, err := e.Store.Acknowledge(ctx, workflowID, e.now(), by, notes)
	if err != nil {
		return domain.Workflow{}, err
	}
	if won {
		e.appendAudit(ctx, "workflow.acknowledged", w.AssetID, "workflow", w.ID, by, events.EventPayload{
			"notes": notes,
		})
	}
	return w, nil
}

// CompleteMaintenance closes a workflow's maintenance leg and produces the
// maintenance.completed event that hands off to report generation. Replays
// on an already-completed workflow return the record unchanged.
func (e Engine) CompleteMaintenance(ctx context.Context, workflowID, performedBy, summary string, completedAt *time.Time) (domain.Workflow, error) {
	w, err := e.Store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return domain.Workflow{}, err
	}
	if w.Status == domain.StatusMaintenanceCompleted {
		return w, nil
	}
	if w.Status != domain.StatusInspectionRequested {
		return domain.Workflow{}, fmt.Errorf("%w: cannot complete maintenance on workflow in status %s", repo.ErrConflict, w.Status)
	}
	now := e.now()
	done := now
	if completedAt != nil {
		done = *completedAt
	}
	maintenanceID := "mnt_" + uuid.New().String()
	evt, err := envelope.NewEvent(envelope.TypeMaintenanceCompleted, w.TraceID, w.ID, now, envelope.MaintenanceCompletedData{
		WorkflowID:    w.ID,
		AssetID:       w.AssetID,
		MaintenanceID: maintenanceID,
		PerformedBy:   performedBy,
		Summary:       summary,
		CompletedAt:   done.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return domain.Workflow{}, err
	}
	if err := e.Store.MarkMaintenanceCompleted(ctx, w.ID, maintenanceID, envelope.Encode(evt), now); err != nil {
		return domain.Workflow{}, err
	}
	e.appendAudit(ctx, "workflow.maintenance.completed", w.AssetID, "workflow", w.ID, performedBy, events.EventPayload{
		"maintenance_id": maintenanceID,
		"summary":        summary,
	})
	return e.Store.GetWorkflow(ctx, w.ID)
}

// RecordVerificationResult is the external patch path for the
// blockchain-verification service. It never changes status or stage.
func (e Engine) RecordVerificationResult(ctx context.Context, workflowID, status, maintenanceID, txHash, verificationError string) (domain.Workflow, error) {
	if status == "" {
		return domain.Workflow{}, fmt.Errorf("verification status is required")
	}
	if err := e.Store.MarkVerificationResult(ctx, workflowID, status, maintenanceID, txHash, verificationError, e.now()); err != nil {
		return domain.Workflow{}, err
	}
	w, err := e.Store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return domain.Workflow{}, err
	}
	e.appendAudit(ctx, "workflow.verification.recorded", w.AssetID, "workflow", w.ID, "verification-service", events.EventPayload{
		"verification_status": status,
		"tx_hash":             txHash,
	})
	return w, nil
}

// triggerReasons evaluates the four trigger predicates and returns the
// matched reasons for the audit trail.
func (e Engine) triggerReasons(data envelope.RiskComputedData, effectiveProbability float64) []string {
	var reasons []string
	if data.RiskLevel == "High" || data.RiskLevel == "Critical" {
		reasons = append(reasons, fmt.Sprintf("risk_level=%s", data.RiskLevel))
	}
	if data.HealthScore >= e.Config.Triggers.MinHealthScore {
		reasons = append(reasons, fmt.Sprintf("health_score>=%.2f", e.Config.Triggers.MinHealthScore))
	}
	if effectiveProbability >= e.Config.Triggers.MinFailureProbability {
		reasons = append(reasons, fmt.Sprintf("failure_probability_72h>=%.2f", e.Config.Triggers.MinFailureProbability))
	}
	if data.AnomalyFlag == 1 {
		switch data.RiskLevel {
		case "Moderate", "High", "Critical":
			reasons = append(reasons, fmt.Sprintf("anomaly_flag=1 with risk_level=%s", data.RiskLevel))
		}
	}
	return reasons
}

func computePriority(riskLevel string, probability float64) string {
	switch {
	case riskLevel == "Critical" || probability >= 0.85:
		return domain.PriorityCritical
	case riskLevel == "High" || probability >= 0.70:
		return domain.PriorityHigh
	case riskLevel == "Moderate":
		return domain.PriorityMedium
	default:
		return domain.PriorityLow
	}
}

func (e Engine) dispatchTimeout() time.Duration {
	seconds := e.Config.Dispatch.TimeoutSeconds
	if seconds < 1 {
		seconds = 5
	}
	return time.Duration(seconds) * time.Second
}

// dispatchInspection invokes the injected dispatcher under a bounded timeout.
// Panics are converted to failed attempts so the retry contract holds.
func (e Engine) dispatchInspection(ctx context.Context, cmd envelope.Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("inspection dispatcher panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, e.dispatchTimeout())
	defer cancel()
	return e.Inspections.DispatchInspection(ctx, cmd)
}

func (e Engine) dispatchNotification(ctx context.Context, cmd envelope.Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notification dispatcher panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, e.dispatchTimeout())
	defer cancel()
	return e.Notifications.DispatchNotification(ctx, cmd)
}

// appendAudit writes an audit log entry in its own short transaction. Audit
// failures are logged, never surfaced to callers.
func (e Engine) appendAudit(ctx context.Context, evtType, assetID, entityKind, entityID, actorID string, payload events.EventPayload) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("engine: audit begin: %v", err)
		return
	}
	defer tx.Rollback()
	w := e.Events
	w.Now = e.Now
	if err := w.Append(ctx, tx, evtType, assetID, entityKind, entityID, actorID, payload); err != nil {
		log.Printf("engine: audit append %s: %v", evtType, err)
		return
	}
	if err := tx.Commit(); err != nil {
		log.Printf("engine: audit commit: %v", err)
	}
}

func channelsOrDefault(channels []string) []string {
	if len(channels) == 0 {
		return []string{"email"}
	}
	return channels
}
