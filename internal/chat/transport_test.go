package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"appliance-dispatch/internal/models"
)

func newTestAPI(t *testing.T, handler http.HandlerFunc) *BotAPI {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewBotAPI(srv.URL, "test-token", 5*time.Second)
}

func TestSendMessageSuccess(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":4242}}`))
	})

	kb := models.Keyboard{{{Text: "OK", Callback: `{"event":"X"}`}}}
	id, err := api.SendMessage(context.Background(), "chat-1", "hello", kb)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "4242" {
		t.Fatalf("expected message id 4242, got %q", id)
	}
	if gotPath != "/bottest-token/sendMessage" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotBody["chat_id"] != "chat-1" || gotBody["text"] != "hello" {
		t.Fatalf("unexpected body: %v", gotBody)
	}
	if _, ok := gotBody["reply_markup"]; !ok {
		t.Fatal("keyboard missing from payload")
	}
}

func TestSendMessageOmitsEmptyKeyboard(t *testing.T) {
	var gotBody map[string]any
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1}}`))
	})

	if _, err := api.SendMessage(context.Background(), "chat-1", "hello", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, ok := gotBody["reply_markup"]; ok {
		t.Fatal("empty keyboard must be omitted")
	}
}

func TestSendMessageFloodClassified(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"ok":false,"description":"Too Many Requests: retry after 7","parameters":{"retry_after":7}}`))
	})

	_, err := api.SendMessage(context.Background(), "chat-1", "hello", nil)
	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("expected classified error, got %v", err)
	}
	if cerr.Class != ErrFlood {
		t.Fatalf("expected FLOOD, got %s", cerr.Class)
	}
	if cerr.RetryAfter != 7*time.Second {
		t.Fatalf("expected 7s retry-after, got %s", cerr.RetryAfter)
	}
}

func TestSendMessageChatNotFound(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	})

	_, err := api.SendMessage(context.Background(), "chat-gone", "hello", nil)
	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("expected classified error, got %v", err)
	}
	if cerr.Class != ErrTargetNotFound {
		t.Fatalf("expected TARGET_NOT_FOUND, got %s", cerr.Class)
	}
	if cerr.Retryable() {
		t.Fatal("chat not found must not be retryable")
	}
}

func TestUnreachableHostIsNetwork(t *testing.T) {
	api := NewBotAPI("http://127.0.0.1:1", "tok", 500*time.Millisecond)

	_, err := api.SendMessage(context.Background(), "chat-1", "hello", nil)
	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("expected classified error, got %v", err)
	}
	if cerr.Class != ErrNetwork {
		t.Fatalf("expected NETWORK, got %s", cerr.Class)
	}
}

func TestEditMessage(t *testing.T) {
	var gotPath string
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1}}`))
	})

	if err := api.EditMessage(context.Background(), "chat-1", "msg-5", "updated", nil); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if gotPath != "/bottest-token/editMessageText" {
		t.Fatalf("unexpected path %q", gotPath)
	}
}
