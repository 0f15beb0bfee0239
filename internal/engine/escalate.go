package engine

import (
	"context"
	"fmt"
	"log"

	"go.opentelemetry.io/otel/attribute"

	"vigil/internal/domain"
	"vigil/internal/envelope"
	"vigil/internal/events"
	"vigil/internal/observability"
)

// EscalateOverdue scans for workflows whose management acknowledgment SLA
// has lapsed and notifies the police authority for each. The stage advance
// is a compare-and-swap in the store, so a concurrent sweep or a late
// acknowledgment makes at most one of the writers win. Returns the number
// of workflows escalated this pass.
func (e Engine) EscalateOverdue(ctx context.Context) (int, error) {
	ctx, span := observability.StartSpan(ctx, "engine.escalate_overdue")
	defer span.End()

	candidates, err := e.Store.ListAckTimeoutCandidates(ctx, e.now())
	if err != nil {
		return 0, fmt.Errorf("list ack timeout candidates: %w", err)
	}
	escalated := 0
	for _, w := range candidates {
		ok, err := e.escalateOne(ctx, w)
		if err != nil {
			log.Printf("escalate: workflow %s: %v", w.ID, err)
			continue
		}
		if ok {
			escalated++
		}
	}
	span.SetAttributes(attribute.Int("workflows.escalated", escalated))
	return escalated, nil
}

func (e Engine) escalateOne(ctx context.Context, w domain.Workflow) (bool, error) {
	target := e.Config.Escalation.Police
	now := e.now()
	var dispatchIDs []string
	for _, channel := range channelsOrDefault(target.Channels) {
		cmd, err := envelope.NewCommand(envelope.TypeNotificationDispatch, w.TraceID, w.ID, now, envelope.NotificationDispatchPayload{
			WorkflowID: w.ID,
			AssetID:    w.AssetID,
			Severity:   "critical",
			Subject:    fmt.Sprintf("Unacknowledged incident on asset %s", w.AssetID),
			Body:       fmt.Sprintf("No acknowledgment received by %s. %s", deref(w.AuthorityAckDeadline), w.TriggerReason),
			Recipients: target.Recipients,
			Channels:   []string{channel},
		})
		if err != nil {
			return false, err
		}
		if err := e.dispatchNotification(ctx, cmd); err != nil {
			log.Printf("escalate: police notification for %s via %s failed: %v", w.ID, channel, err)
			continue
		}
		dispatchIDs = append(dispatchIDs, cmd.ID)
	}
	if len(dispatchIDs) == 0 {
		return false, fmt.Errorf("all police notification channels failed")
	}
	ok, err := e.Store.MarkPoliceNotified(ctx, w.ID, now, dispatchIDs, e.now())
	if err != nil {
		return false, err
	}
	if !ok {
		// Lost the race to an acknowledgment or another sweep.
		return false, nil
	}
	e.appendAudit(ctx, "workflow.police.notified", w.AssetID, "workflow", w.ID, "orchestration-service", events.EventPayload{
		"dispatch_ids": dispatchIDs,
	})
	return true, nil
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
