package models

import (
	"time"
)

// Delivery types dispatched by the worker. Every outbound message goes
// through exactly one of these.
const (
	DeliveryText     = "text"
	DeliveryAlert    = "alert"
	DeliveryCard     = "card"
	DeliveryCardEdit = "card_edit"
	DeliveryPhoto    = "photo"
	DeliveryDocument = "document"
	DeliveryTimer    = "timer"
)

// Keyboard is an inline button layout attached to a message. Each inner
// slice is one row of buttons.
type Keyboard [][]Button

// Button is a single inline button carrying an opaque callback payload.
type Button struct {
	Text     string `json:"text"`
	Callback string `json:"callback_data"`
}

// DeliveryJob is a queued unit of outbound communication awaiting
// rate-gated transport.
type DeliveryJob struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	ChatID      string    `json:"chat_id"`
	MessageID   string    `json:"message_id,omitempty"` // edits only
	Text        string    `json:"text,omitempty"`
	Media       string    `json:"media,omitempty"`      // URL or s3:// key
	Caption     string    `json:"caption,omitempty"`
	Keyboard    Keyboard  `json:"keyboard,omitempty"`
	Priority    string    `json:"priority,omitempty"`
	TraceID     string    `json:"trace_id"`
	JobID       string    `json:"job_id,omitempty"`     // lifecycle job this serves, if any
	TrackCard   bool      `json:"track_card,omitempty"` // record the sent message as the job's card
	FSMEvent    string    `json:"fsm_event,omitempty"`  // timer deliveries only
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	CreatedAt   time.Time `json:"created_at"`
}
