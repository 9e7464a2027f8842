package chat

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"appliance-dispatch/internal/models"
	"appliance-dispatch/internal/telemetry"
)

// Enqueuer is the durable queue the sender pushes into. Implemented by
// queue.DeliveryQueue.
type Enqueuer interface {
	Enqueue(ctx context.Context, job models.DeliveryJob) (string, error)
}

// Sender is the single producer-side entry point for outbound messages.
// It never talks to the platform: everything is enqueued and drained by
// the delivery worker. Text longer than the platform limit is chunked here,
// before enqueue, so MESSAGE_TOO_LONG can never legitimately occur at
// delivery time.
type Sender struct {
	queue     Enqueuer
	chunkSize int
	maxLen    int
	log       *logrus.Entry
}

// NewSender builds a sender that splits text above maxLen into chunks of at
// most chunkSize runes.
func NewSender(q Enqueuer, chunkSize, maxLen int, log *logrus.Entry) *Sender {
	if chunkSize <= 0 {
		chunkSize = 3500
	}
	if maxLen <= 0 {
		maxLen = 4096
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Sender{queue: q, chunkSize: chunkSize, maxLen: maxLen, log: log}
}

// Cards, card edits, and alerts ride the "high" lane; plain text and media
// ride "default". FIFO ordering holds within a lane only: a card update
// enqueued after a text message to the same chat may overtake it. Callers
// that need strict order within a chat must keep those sends on one lane.

// Text enqueues a plain text message, chunking when needed. The id of the
// last enqueued chunk is returned; an empty id with a nil error never
// happens.
func (s *Sender) Text(ctx context.Context, chatID, text string, keyboard models.Keyboard) (string, error) {
	return s.sendChunked(ctx, models.DeliveryText, chatID, text, keyboard, "default")
}

// Alert enqueues a high-priority text message.
func (s *Sender) Alert(ctx context.Context, chatID, text string) (string, error) {
	return s.sendChunked(ctx, models.DeliveryAlert, chatID, text, nil, "high")
}

// Card enqueues a freshly rendered job card as a new message.
func (s *Sender) Card(ctx context.Context, chatID string, jobID string, text string, keyboard models.Keyboard) (string, error) {
	return s.enqueue(ctx, models.DeliveryJob{
		Type:     models.DeliveryCard,
		ChatID:   chatID,
		JobID:    jobID,
		Text:     text,
		Keyboard: keyboard,
		Priority: "high",
	})
}

// DispatchCard enqueues a job card whose resulting message id becomes the
// job's tracked card location once the worker confirms the send.
func (s *Sender) DispatchCard(ctx context.Context, chatID, jobID, text string, keyboard models.Keyboard) (string, error) {
	return s.enqueue(ctx, models.DeliveryJob{
		Type:      models.DeliveryCard,
		ChatID:    chatID,
		JobID:     jobID,
		Text:      text,
		Keyboard:  keyboard,
		Priority:  "high",
		TrackCard: true,
	})
}

// CardEdit enqueues an in-place rewrite of an existing card message.
func (s *Sender) CardEdit(ctx context.Context, chatID, messageID, jobID, text string, keyboard models.Keyboard) (string, error) {
	return s.enqueue(ctx, models.DeliveryJob{
		Type:      models.DeliveryCardEdit,
		ChatID:    chatID,
		MessageID: messageID,
		JobID:     jobID,
		Text:      text,
		Keyboard:  keyboard,
		Priority:  "high",
	})
}

// Photo enqueues a photo delivery. media is a URL or an s3:// key resolved
// by the worker.
func (s *Sender) Photo(ctx context.Context, chatID, media, caption string, keyboard models.Keyboard) (string, error) {
	return s.enqueue(ctx, models.DeliveryJob{
		Type:     models.DeliveryPhoto,
		ChatID:   chatID,
		Media:    media,
		Caption:  caption,
		Keyboard: keyboard,
		Priority: "default",
	})
}

// Document enqueues a document delivery.
func (s *Sender) Document(ctx context.Context, chatID, media, caption string, keyboard models.Keyboard) (string, error) {
	return s.enqueue(ctx, models.DeliveryJob{
		Type:     models.DeliveryDocument,
		ChatID:   chatID,
		Media:    media,
		Caption:  caption,
		Keyboard: keyboard,
		Priority: "default",
	})
}

func (s *Sender) sendChunked(ctx context.Context, typ, chatID, text string, keyboard models.Keyboard, priority string) (string, error) {
	if len([]rune(text)) <= s.maxLen {
		return s.enqueue(ctx, models.DeliveryJob{
			Type: typ, ChatID: chatID, Text: text, Keyboard: keyboard, Priority: priority,
		})
	}

	// One trace id across all chunks so the pieces can be correlated.
	traceID := uuid.NewString()
	chunks := ChunkText(text, s.chunkSize)
	var lastID string
	for i, chunk := range chunks {
		kb := models.Keyboard(nil)
		if i == len(chunks)-1 {
			kb = keyboard // buttons belong on the final chunk
		}
		id, err := s.enqueue(ctx, models.DeliveryJob{
			Type: typ, ChatID: chatID, Text: chunk, Keyboard: kb,
			Priority: priority, TraceID: traceID,
		})
		if err != nil {
			return "", err
		}
		lastID = id
	}
	return lastID, nil
}

func (s *Sender) enqueue(ctx context.Context, job models.DeliveryJob) (string, error) {
	id, err := s.queue.Enqueue(ctx, job)
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"type":    job.Type,
			"chat_id": job.ChatID,
		}).Error("delivery enqueue failed")
		return "", err
	}
	s.log.WithFields(logrus.Fields{
		"delivery_id": id,
		"type":        job.Type,
		"chat_id":     job.ChatID,
	}).Debug("delivery enqueued")
	telemetry.EnqueueCounter.Inc()
	return id, nil
}
