// Package vigilsdk is a minimal Go client for the Vigil orchestration API.
package vigilsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Vigil HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Workflow represents the API workflow model (partial).
type Workflow struct {
	ID                   string   `json:"workflow_id"`
	AssetID              string   `json:"asset_id"`
	Status               string   `json:"status"`
	Priority             string   `json:"priority"`
	TriggerReason        string   `json:"trigger_reason"`
	Attempts             int      `json:"attempts"`
	MaxAttempts          int      `json:"max_attempts"`
	EscalationStage      string   `json:"escalation_stage,omitempty"`
	AuthorityNotifiedAt  *string  `json:"authority_notified_at,omitempty"`
	AuthorityAckDeadline *string  `json:"authority_ack_deadline_at,omitempty"`
	AcknowledgedAt       *string  `json:"acknowledged_at,omitempty"`
	PoliceNotifiedAt     *string  `json:"police_notified_at,omitempty"`
	MaintenanceID        *string  `json:"maintenance_id,omitempty"`
	VerificationStatus   *string  `json:"verification_status,omitempty"`
	PoliceDispatchIDs    []string `json:"police_dispatch_ids,omitempty"`
	CreatedAt            string   `json:"created_at"`
	UpdatedAt            string   `json:"updated_at"`
}

// RiskDecision is the outcome of submitting a risk event.
type RiskDecision struct {
	Triggered   bool      `json:"triggered"`
	Reason      string    `json:"reason"`
	Status      string    `json:"status,omitempty"`
	RetriesUsed int       `json:"retries_used"`
	Workflow    *Workflow `json:"workflow,omitempty"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	AssetID    string `json:"asset_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitRiskEvent posts an asset.risk.computed event envelope and returns
// the orchestration decision.
func (c *Client) SubmitRiskEvent(ctx context.Context, event any) (RiskDecision, error) {
	var resp RiskDecision
	err := c.do(ctx, http.MethodPost, "events/risk", event, &resp)
	return resp, err
}

// SubmitForecastEvent posts an asset.failure.predicted event envelope.
func (c *Client) SubmitForecastEvent(ctx context.Context, event any) error {
	return c.do(ctx, http.MethodPost, "events/forecast", event, nil)
}

// GetWorkflow fetches one workflow by id.
func (c *Client) GetWorkflow(ctx context.Context, id string) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("workflows/%s", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// ListWorkflows returns workflows, optionally filtered by asset and status.
func (c *Client) ListWorkflows(ctx context.Context, assetID, status string, limit int) ([]Workflow, error) {
	endpoint := "workflows"
	q := url.Values{}
	if assetID != "" {
		q.Set("asset_id", assetID)
	}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Workflow
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Acknowledge records a management acknowledgment for a workflow.
func (c *Client) Acknowledge(ctx context.Context, workflowID, by, notes string) (Workflow, error) {
	body := map[string]any{
		"acknowledged_by": by,
		"notes":           notes,
	}
	var resp Workflow
	endpoint := fmt.Sprintf("workflows/%s/ack", url.PathEscape(workflowID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CompleteMaintenance records maintenance completion for a workflow.
func (c *Client) CompleteMaintenance(ctx context.Context, workflowID, performedBy, summary string) (Workflow, error) {
	body := map[string]any{
		"performed_by": performedBy,
		"summary":      summary,
	}
	var resp Workflow
	endpoint := fmt.Sprintf("workflows/%s/maintenance/completed", url.PathEscape(workflowID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// RecordVerification patches a blockchain verification result onto a workflow.
func (c *Client) RecordVerification(ctx context.Context, workflowID, status, maintenanceID, txHash, verificationError string) (Workflow, error) {
	body := map[string]any{
		"verification_status": status,
		"maintenance_id":      maintenanceID,
		"tx_hash":             txHash,
		"error":               verificationError,
	}
	var resp Workflow
	endpoint := fmt.Sprintf("workflows/%s/verification", url.PathEscape(workflowID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
