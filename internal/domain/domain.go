package domain

// Workflow statuses. Transitions are one-directional:
// started -> {inspection_requested | failed}; inspection_requested -> maintenance_completed.
const (
	StatusStarted              = "started"
	StatusInspectionRequested  = "inspection_requested"
	StatusMaintenanceCompleted = "maintenance_completed"
	StatusFailed               = "failed"
)

// Escalation stages. Advance forward only:
// "" -> management_notified -> {acknowledged | police_notified} -> maintenance_completed.
const (
	StageManagementNotified   = "management_notified"
	StageAcknowledged         = "acknowledged"
	StagePoliceNotified       = "police_notified"
	StageMaintenanceCompleted = "maintenance_completed"
)

// Workflow priorities.
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

type Workflow struct {
	ID             string `json:"workflow_id"`
	AssetID        string `json:"asset_id"`
	Name           string `json:"name"`
	TriggerEventID string `json:"trigger_event_id"`
	TraceID        string `json:"trace_id"`

	Status        string  `json:"status" enum:"started,inspection_requested,maintenance_completed,failed"`
	Priority      string  `json:"priority" enum:"low,medium,high,critical"`
	TriggerReason string  `json:"trigger_reason"`
	Attempts      int     `json:"attempts"`
	MaxAttempts   int     `json:"max_attempts"`
	LastError     *string `json:"last_error,omitempty"`

	EscalationStage       string   `json:"escalation_stage,omitempty"`
	AuthorityNotifiedAt   *string  `json:"authority_notified_at,omitempty" format:"date-time"`
	AuthorityAckDeadline  *string  `json:"authority_ack_deadline_at,omitempty" format:"date-time"`
	AcknowledgedAt        *string  `json:"acknowledged_at,omitempty" format:"date-time"`
	AcknowledgedBy        *string  `json:"acknowledged_by,omitempty"`
	AckNotes              *string  `json:"ack_notes,omitempty"`
	PoliceNotifiedAt      *string  `json:"police_notified_at,omitempty" format:"date-time"`
	ManagementDispatchIDs []string `json:"management_dispatch_ids,omitempty"`
	PoliceDispatchIDs     []string `json:"police_dispatch_ids,omitempty"`

	InspectionTicketID       *string `json:"inspection_ticket_id,omitempty"`
	InspectionCreateCommand  *string `json:"inspection_create_command,omitempty"`
	InspectionRequestedEvent *string `json:"inspection_requested_event,omitempty"`
	MaintenanceID            *string `json:"maintenance_id,omitempty"`
	MaintenanceEvent         *string `json:"maintenance_completed_event,omitempty"`

	VerificationStatus *string `json:"verification_status,omitempty"`
	VerificationTxHash *string `json:"verification_tx_hash,omitempty"`
	VerificationError  *string `json:"verification_error,omitempty"`
	VerifiedAt         *string `json:"verified_at,omitempty" format:"date-time"`

	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// ForecastSnapshot is the latest failure forecast cached per asset.
// Overwritten on every new forecast event; no history retained.
type ForecastSnapshot struct {
	AssetID              string  `json:"asset_id"`
	EventID              string  `json:"event_id"`
	TraceID              string  `json:"trace_id"`
	GeneratedAt          string  `json:"generated_at" format:"date-time"`
	FailureProbability72 float64 `json:"failure_probability_72h"`
	Confidence           float64 `json:"confidence"`
}

// RiskDecision is the outcome of evaluating one risk event.
type RiskDecision struct {
	Triggered   bool      `json:"triggered"`
	Reason      string    `json:"reason"`
	Status      string    `json:"status,omitempty"`
	RetriesUsed int       `json:"retries_used"`
	Workflow    *Workflow `json:"workflow,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	AssetID    string `json:"asset_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// ValidStatus reports whether s is a known workflow status.
func ValidStatus(s string) bool {
	switch s {
	case StatusStarted, StatusInspectionRequested, StatusMaintenanceCompleted, StatusFailed:
		return true
	}
	return false
}
