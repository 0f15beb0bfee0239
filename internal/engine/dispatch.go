package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"vigil/internal/envelope"
)

// HTTPDispatcher posts command envelopes as JSON to downstream service
// endpoints. A zero endpoint means the target is not configured; commands
// are logged and considered delivered.
type HTTPDispatcher struct {
	InspectionEndpoint   string
	NotificationEndpoint string
	Client               *http.Client
}

func NewHTTPDispatcher(inspectionEndpoint, notificationEndpoint string) *HTTPDispatcher {
	return &HTTPDispatcher{
		InspectionEndpoint:   inspectionEndpoint,
		NotificationEndpoint: notificationEndpoint,
		Client:               &http.Client{},
	}
}

func (d *HTTPDispatcher) DispatchInspection(ctx context.Context, cmd envelope.Command) error {
	return d.post(ctx, d.InspectionEndpoint, cmd)
}

func (d *HTTPDispatcher) DispatchNotification(ctx context.Context, cmd envelope.Command) error {
	return d.post(ctx, d.NotificationEndpoint, cmd)
}

func (d *HTTPDispatcher) post(ctx context.Context, endpoint string, cmd envelope.Command) error {
	if endpoint == "" {
		log.Printf("dispatch: no endpoint configured, dropping %s %s", cmd.Type, cmd.ID)
		return nil
	}
	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode %s: %w", cmd.Type, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Command-Id", cmd.ID)
	req.Header.Set("X-Trace-Id", cmd.TraceID)

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", cmd.Type, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post %s: endpoint returned %d", cmd.Type, resp.StatusCode)
	}
	return nil
}
