package calendar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPClientCalls(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second)
	ctx := context.Background()

	if err := c.AddGuest(ctx, "cal-1", "pat@example.com"); err != nil {
		t.Fatalf("add guest: %v", err)
	}
	if gotPath != "/events/guests/add" || gotBody["email"] != "pat@example.com" {
		t.Fatalf("unexpected call: %s %v", gotPath, gotBody)
	}

	when := time.Date(2026, 9, 4, 9, 0, 0, 0, time.UTC)
	if err := c.Reschedule(ctx, "cal-1", when); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if gotPath != "/events/reschedule" || gotBody["start"] != "2026-09-04T09:00:00Z" {
		t.Fatalf("unexpected call: %s %v", gotPath, gotBody)
	}

	if err := c.Cancel(ctx, "cal-1", "client moved"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if gotPath != "/events/cancel" || gotBody["reason"] != "client moved" {
		t.Fatalf("unexpected call: %s %v", gotPath, gotBody)
	}
}

func TestHTTPClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second)
	if err := c.AddGuest(context.Background(), "cal-1", "pat@example.com"); err == nil {
		t.Fatal("expected error on 502")
	}
}

func TestNoop(t *testing.T) {
	var c Client = Noop{}
	if err := c.Cancel(context.Background(), "cal-1", "whatever"); err != nil {
		t.Fatalf("noop must never fail: %v", err)
	}
}
