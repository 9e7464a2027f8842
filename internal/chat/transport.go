package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"appliance-dispatch/internal/models"
)

// Transport is the outbound capability of the chat platform, consumed by
// the delivery worker. Implementations must classify failures via Classify
// so the worker's retry policy can act on them.
type Transport interface {
	// SendMessage posts a new message and returns the platform message id.
	SendMessage(ctx context.Context, chatID, text string, keyboard models.Keyboard) (string, error)
	// EditMessage rewrites an existing message in place.
	EditMessage(ctx context.Context, chatID, messageID, text string, keyboard models.Keyboard) error
	// SendPhoto posts a photo by URL or platform file id.
	SendPhoto(ctx context.Context, chatID, photo, caption string, keyboard models.Keyboard) (string, error)
	// SendDocument posts a document by URL or platform file id.
	SendDocument(ctx context.Context, chatID, document, caption string, keyboard models.Keyboard) (string, error)
}

// BotAPI is the Bot-API HTTP transport. It is the only code in the process
// that talks to the platform directly; everything else goes through the
// delivery queue.
type BotAPI struct {
	base   string
	token  string
	client *http.Client
}

// NewBotAPI builds the transport. base is the API origin, token the bot
// credential.
func NewBotAPI(base, token string, timeout time.Duration) *BotAPI {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BotAPI{
		base:   base,
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
	Result struct {
		MessageID json.Number `json:"message_id"`
	} `json:"result"`
}

func (b *BotAPI) call(ctx context.Context, method string, payload map[string]any) (*apiResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewError(ErrMalformedRequest, "encode payload", err)
	}
	url := fmt.Sprintf("%s/bot%s/%s", b.base, b.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewError(ErrMalformedRequest, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, Classify(err, "", 0)
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, Classify(err, "", 0)
	}
	if !out.OK {
		return nil, Classify(fmt.Errorf("%s: %s", method, out.Description),
			out.Description, time.Duration(out.Parameters.RetryAfter)*time.Second)
	}
	return &out, nil
}

func (b *BotAPI) SendMessage(ctx context.Context, chatID, text string, keyboard models.Keyboard) (string, error) {
	payload := map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	}
	if len(keyboard) > 0 {
		payload["reply_markup"] = map[string]any{"inline_keyboard": keyboard}
	}
	out, err := b.call(ctx, "sendMessage", payload)
	if err != nil {
		return "", err
	}
	return out.Result.MessageID.String(), nil
}

func (b *BotAPI) EditMessage(ctx context.Context, chatID, messageID, text string, keyboard models.Keyboard) error {
	payload := map[string]any{
		"chat_id":                  chatID,
		"message_id":               messageID,
		"text":                     text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	}
	if len(keyboard) > 0 {
		payload["reply_markup"] = map[string]any{"inline_keyboard": keyboard}
	}
	_, err := b.call(ctx, "editMessageText", payload)
	return err
}

func (b *BotAPI) SendPhoto(ctx context.Context, chatID, photo, caption string, keyboard models.Keyboard) (string, error) {
	payload := map[string]any{
		"chat_id":    chatID,
		"photo":      photo,
		"caption":    caption,
		"parse_mode": "HTML",
	}
	if len(keyboard) > 0 {
		payload["reply_markup"] = map[string]any{"inline_keyboard": keyboard}
	}
	out, err := b.call(ctx, "sendPhoto", payload)
	if err != nil {
		return "", err
	}
	return out.Result.MessageID.String(), nil
}

func (b *BotAPI) SendDocument(ctx context.Context, chatID, document, caption string, keyboard models.Keyboard) (string, error) {
	payload := map[string]any{
		"chat_id":    chatID,
		"document":   document,
		"caption":    caption,
		"parse_mode": "HTML",
	}
	if len(keyboard) > 0 {
		payload["reply_markup"] = map[string]any{"inline_keyboard": keyboard}
	}
	out, err := b.call(ctx, "sendDocument", payload)
	if err != nil {
		return "", err
	}
	return out.Result.MessageID.String(), nil
}
