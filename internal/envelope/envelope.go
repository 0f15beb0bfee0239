// Package envelope builds and validates the command/event envelopes the
// orchestrator exchanges with the rest of the platform. Builders are pure:
// callers supply identity and clock inputs, nothing here touches state.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	TypeFailurePredicted     = "asset.failure.predicted"
	TypeRiskComputed         = "asset.risk.computed"
	TypeInspectionCreate     = "inspection.create"
	TypeInspectionRequested  = "inspection.requested"
	TypeMaintenanceCompleted = "maintenance.completed"
	TypeNotificationDispatch = "notification.dispatch"
)

const producedBy = "orchestration-service"

// Event is the common event envelope.
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Version       string          `json:"version"`
	OccurredAt    string          `json:"occurred_at" format:"date-time"`
	ProducedBy    string          `json:"produced_by"`
	TraceID       string          `json:"trace_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Data          json.RawMessage `json:"data"`
}

// Command is the common command envelope.
type Command struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Version       string          `json:"version"`
	RequestedAt   string          `json:"requested_at" format:"date-time"`
	RequestedBy   string          `json:"requested_by"`
	TraceID       string          `json:"trace_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// Inbound payloads.

type FailurePredictedData struct {
	AssetID              string  `json:"asset_id"`
	FailureProbability72 float64 `json:"failure_probability_72h"`
	Confidence           float64 `json:"confidence"`
}

type RiskComputedData struct {
	AssetID              string  `json:"asset_id"`
	RiskLevel            string  `json:"risk_level"`
	HealthScore          float64 `json:"health_score"`
	FailureProbability72 float64 `json:"failure_probability_72h"`
	AnomalyFlag          int     `json:"anomaly_flag"`
}

// Outbound payloads.

type InspectionCreatePayload struct {
	AssetID              string  `json:"asset_id"`
	WorkflowID           string  `json:"workflow_id"`
	Priority             string  `json:"priority"`
	Reason               string  `json:"reason"`
	TriggerEventID       string  `json:"trigger_event_id"`
	HealthScore          float64 `json:"health_score"`
	FailureProbability72 float64 `json:"failure_probability_72h"`
}

type InspectionRequestedData struct {
	WorkflowID string `json:"workflow_id"`
	AssetID    string `json:"asset_id"`
	TicketID   string `json:"inspection_ticket_id"`
	Priority   string `json:"priority"`
}

type MaintenanceCompletedData struct {
	WorkflowID    string `json:"workflow_id"`
	AssetID       string `json:"asset_id"`
	MaintenanceID string `json:"maintenance_id"`
	PerformedBy   string `json:"performed_by"`
	Summary       string `json:"summary"`
	CompletedAt   string `json:"completed_at" format:"date-time"`
}

type NotificationDispatchPayload struct {
	WorkflowID string   `json:"workflow_id"`
	AssetID    string   `json:"asset_id"`
	Severity   string   `json:"severity"`
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
	Recipients []string `json:"recipients"`
	Channels   []string `json:"channels"`
}

// NewEventID returns a fresh event envelope id.
func NewEventID() string { return "evt_" + uuid.New().String() }

// NewCommandID returns a fresh command envelope id.
func NewCommandID() string { return "cmd_" + uuid.New().String() }

// NewEvent wraps data in an event envelope. The correlation id chains the
// event back to the workflow (or triggering event) that produced it.
func NewEvent(evtType, traceID, correlationID string, now time.Time, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s data: %w", evtType, err)
	}
	return Event{
		ID:            NewEventID(),
		Type:          evtType,
		Version:       "1.0",
		OccurredAt:    now.UTC().Format(time.RFC3339),
		ProducedBy:    producedBy,
		TraceID:       traceID,
		CorrelationID: correlationID,
		Data:          raw,
	}, nil
}

// NewCommand wraps a payload in a command envelope.
func NewCommand(cmdType, traceID, correlationID string, now time.Time, payload any) (Command, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Command{}, fmt.Errorf("marshal %s payload: %w", cmdType, err)
	}
	return Command{
		ID:            NewCommandID(),
		Type:          cmdType,
		Version:       "1.0",
		RequestedAt:   now.UTC().Format(time.RFC3339),
		RequestedBy:   producedBy,
		TraceID:       traceID,
		CorrelationID: correlationID,
		Payload:       raw,
	}, nil
}

// Encode renders an envelope as compact JSON for storage in a workflow record.
func Encode(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// ValidateFailurePredicted checks the inbound forecast event before it
// reaches the engine.
func ValidateFailurePredicted(evt Event) (FailurePredictedData, error) {
	if evt.Type != TypeFailurePredicted {
		return FailurePredictedData{}, fmt.Errorf("unexpected event type %q", evt.Type)
	}
	if evt.ID == "" {
		return FailurePredictedData{}, fmt.Errorf("event id is required")
	}
	var data FailurePredictedData
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		return FailurePredictedData{}, fmt.Errorf("invalid %s data: %w", evt.Type, err)
	}
	if data.AssetID == "" {
		return FailurePredictedData{}, fmt.Errorf("asset_id is required")
	}
	if data.FailureProbability72 < 0 || data.FailureProbability72 > 1 {
		return FailurePredictedData{}, fmt.Errorf("failure_probability_72h must be within [0,1]")
	}
	if data.Confidence < 0 || data.Confidence > 1 {
		return FailurePredictedData{}, fmt.Errorf("confidence must be within [0,1]")
	}
	return data, nil
}

// ValidateRiskComputed checks the inbound risk event before it reaches the
// engine.
func ValidateRiskComputed(evt Event) (RiskComputedData, error) {
	if evt.Type != TypeRiskComputed {
		return RiskComputedData{}, fmt.Errorf("unexpected event type %q", evt.Type)
	}
	if evt.ID == "" {
		return RiskComputedData{}, fmt.Errorf("event id is required")
	}
	var data RiskComputedData
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		return RiskComputedData{}, fmt.Errorf("invalid %s data: %w", evt.Type, err)
	}
	if data.AssetID == "" {
		return RiskComputedData{}, fmt.Errorf("asset_id is required")
	}
	switch data.RiskLevel {
	case "Low", "Moderate", "High", "Critical":
	default:
		return RiskComputedData{}, fmt.Errorf("unknown risk_level %q", data.RiskLevel)
	}
	if data.HealthScore < 0 || data.HealthScore > 1 {
		return RiskComputedData{}, fmt.Errorf("health_score must be within [0,1]")
	}
	if data.FailureProbability72 < 0 || data.FailureProbability72 > 1 {
		return RiskComputedData{}, fmt.Errorf("failure_probability_72h must be within [0,1]")
	}
	if data.AnomalyFlag != 0 && data.AnomalyFlag != 1 {
		return RiskComputedData{}, fmt.Errorf("anomaly_flag must be 0 or 1")
	}
	return data, nil
}

// Clamp bounds a score or probability to [0,1] before it leaves the service.
func Clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
