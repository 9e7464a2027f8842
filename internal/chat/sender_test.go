package chat

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"

	"appliance-dispatch/internal/models"
)

type captureQueue struct {
	jobs []models.DeliveryJob
	err  error
}

func (c *captureQueue) Enqueue(_ context.Context, job models.DeliveryJob) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	c.jobs = append(c.jobs, job)
	return "id-" + strconv.Itoa(len(c.jobs)), nil
}

func TestTextEnqueuesSingleJob(t *testing.T) {
	q := &captureQueue{}
	s := NewSender(q, 3500, 4096, nil)

	id, err := s.Text(context.Background(), "chat-1", "hello", nil)
	if err != nil {
		t.Fatalf("text: %v", err)
	}
	if id == "" {
		t.Fatal("expected an id")
	}
	if len(q.jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(q.jobs))
	}
	if q.jobs[0].Type != models.DeliveryText || q.jobs[0].Priority != "default" {
		t.Fatalf("unexpected job: %+v", q.jobs[0])
	}
}

func TestLongTextIsChunkedBeforeEnqueue(t *testing.T) {
	q := &captureQueue{}
	s := NewSender(q, 3500, 4096, nil)
	kb := models.Keyboard{{{Text: "OK", Callback: "{}"}}}

	text := strings.Repeat("x", 9000)
	if _, err := s.Text(context.Background(), "chat-1", text, kb); err != nil {
		t.Fatalf("text: %v", err)
	}
	if len(q.jobs) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(q.jobs))
	}

	var rebuilt strings.Builder
	for i, job := range q.jobs {
		rebuilt.WriteString(job.Text)
		if len([]rune(job.Text)) > 3500 {
			t.Fatalf("chunk %d over chunk size", i)
		}
		if job.TraceID != q.jobs[0].TraceID {
			t.Fatal("chunks must share one trace id")
		}
		isLast := i == len(q.jobs)-1
		if isLast && len(job.Keyboard) == 0 {
			t.Fatal("final chunk must carry the keyboard")
		}
		if !isLast && len(job.Keyboard) != 0 {
			t.Fatalf("chunk %d must not carry the keyboard", i)
		}
	}
	if rebuilt.String() != text {
		t.Fatal("chunks do not reassemble the input")
	}
}

func TestAlertUsesHighPriority(t *testing.T) {
	q := &captureQueue{}
	s := NewSender(q, 3500, 4096, nil)

	if _, err := s.Alert(context.Background(), "chat-1", "urgent"); err != nil {
		t.Fatalf("alert: %v", err)
	}
	if q.jobs[0].Type != models.DeliveryAlert || q.jobs[0].Priority != "high" {
		t.Fatalf("unexpected job: %+v", q.jobs[0])
	}
}

func TestDispatchCardTracksMessage(t *testing.T) {
	q := &captureQueue{}
	s := NewSender(q, 3500, 4096, nil)

	if _, err := s.DispatchCard(context.Background(), "chat-1", "job-1", "card body", nil); err != nil {
		t.Fatalf("dispatch card: %v", err)
	}
	job := q.jobs[0]
	if job.Type != models.DeliveryCard || !job.TrackCard || job.JobID != "job-1" {
		t.Fatalf("unexpected job: %+v", job)
	}

	// A plain tech-copy card must not be tracked.
	if _, err := s.Card(context.Background(), "chat-2", "job-1", "card body", nil); err != nil {
		t.Fatalf("card: %v", err)
	}
	if q.jobs[1].TrackCard {
		t.Fatal("plain card must not set TrackCard")
	}
}

func TestCardEditCarriesMessageID(t *testing.T) {
	q := &captureQueue{}
	s := NewSender(q, 3500, 4096, nil)

	if _, err := s.CardEdit(context.Background(), "chat-1", "msg-42", "job-1", "updated", nil); err != nil {
		t.Fatalf("card edit: %v", err)
	}
	job := q.jobs[0]
	if job.Type != models.DeliveryCardEdit || job.MessageID != "msg-42" {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestEnqueueErrorPropagates(t *testing.T) {
	q := &captureQueue{err: errors.New("redis down")}
	s := NewSender(q, 3500, 4096, nil)

	if _, err := s.Text(context.Background(), "chat-1", "hello", nil); err == nil {
		t.Fatal("expected enqueue error to propagate")
	}
}
