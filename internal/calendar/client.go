// Package calendar is the thin client for the external calendar
// collaborator. Every call here is a best-effort side effect of a
// lifecycle transition: failures are reported to the caller, logged, and
// never block the state mutation.
package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client mutates guests and timing on external calendar events.
type Client interface {
	AddGuest(ctx context.Context, eventID, email string) error
	RemoveGuest(ctx context.Context, eventID, email string) error
	Reschedule(ctx context.Context, eventID string, newTime time.Time) error
	Cancel(ctx context.Context, eventID, reason string) error
}

// HTTPClient talks to the calendar bridge service over JSON.
type HTTPClient struct {
	base   string
	client *http.Client
}

// NewHTTPClient builds a calendar client for the bridge at base.
func NewHTTPClient(base string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPClient{base: base, client: &http.Client{Timeout: timeout}}
}

func (c *HTTPClient) post(ctx context.Context, path string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode calendar payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build calendar request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("calendar call %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("calendar call %s: status %d", path, resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) AddGuest(ctx context.Context, eventID, email string) error {
	return c.post(ctx, "/events/guests/add", map[string]any{"event_id": eventID, "email": email})
}

func (c *HTTPClient) RemoveGuest(ctx context.Context, eventID, email string) error {
	return c.post(ctx, "/events/guests/remove", map[string]any{"event_id": eventID, "email": email})
}

func (c *HTTPClient) Reschedule(ctx context.Context, eventID string, newTime time.Time) error {
	return c.post(ctx, "/events/reschedule", map[string]any{"event_id": eventID, "start": newTime.UTC().Format(time.RFC3339)})
}

func (c *HTTPClient) Cancel(ctx context.Context, eventID, reason string) error {
	return c.post(ctx, "/events/cancel", map[string]any{"event_id": eventID, "reason": reason})
}

// Noop satisfies Client when no calendar bridge is configured.
type Noop struct{}

func (Noop) AddGuest(context.Context, string, string) error      { return nil }
func (Noop) RemoveGuest(context.Context, string, string) error   { return nil }
func (Noop) Reschedule(context.Context, string, time.Time) error { return nil }
func (Noop) Cancel(context.Context, string, string) error        { return nil }
