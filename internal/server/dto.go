package server

import (
	"encoding/json"

	"vigil/internal/envelope"
)

// EventEnvelopeRequest is the inbound event envelope. The payload stays a
// free-form map here; typed decoding happens in the envelope validators.
type EventEnvelopeRequest struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Version       string         `json:"version,omitempty"`
	OccurredAt    string         `json:"occurred_at,omitempty" format:"date-time"`
	ProducedBy    string         `json:"produced_by,omitempty"`
	TraceID       string         `json:"trace_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Data          map[string]any `json:"data"`
}

func (r EventEnvelopeRequest) toEnvelope() envelope.Event {
	raw, _ := json.Marshal(r.Data)
	return envelope.Event{
		ID:            r.ID,
		Type:          r.Type,
		Version:       r.Version,
		OccurredAt:    r.OccurredAt,
		ProducedBy:    r.ProducedBy,
		TraceID:       r.TraceID,
		CorrelationID: r.CorrelationID,
		Data:          raw,
	}
}

// ForecastIngestResponse acknowledges a cached forecast event.
type ForecastIngestResponse struct {
	Status  string `json:"status" example:"cached"`
	AssetID string `json:"asset_id"`
}

type AcknowledgeRequest struct {
	AcknowledgedBy string `json:"acknowledged_by,omitempty"`
	Notes          string `json:"notes,omitempty"`
}

type CompleteMaintenanceRequest struct {
	PerformedBy string `json:"performed_by,omitempty"`
	Summary     string `json:"summary,omitempty"`
	CompletedAt string `json:"completed_at,omitempty" format:"date-time"`
}

type VerificationRequest struct {
	Status        string `json:"verification_status" enum:"verified,failed,pending"`
	MaintenanceID string `json:"maintenance_id,omitempty"`
	TxHash        string `json:"tx_hash,omitempty"`
	Error         string `json:"error,omitempty"`
}
