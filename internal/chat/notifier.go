package chat

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"appliance-dispatch/internal/models"
)

// Notifier delivers side-channel notifications through the delivery queue.
// These are best-effort by policy: the FSM logs a failure and moves on.
type Notifier struct {
	sender *Sender
	log    *logrus.Entry
}

// NewNotifier builds a notifier on top of the queue-only sender.
func NewNotifier(sender *Sender, log *logrus.Entry) *Notifier {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Notifier{sender: sender, log: log}
}

var techMessages = map[string]string{
	"assigned":       "🧰 You have been assigned to job %s (%s).",
	"reassigned_on":  "🧰 You have been assigned to job %s (%s).",
	"reassigned_off": "ℹ️ You are no longer assigned to job %s (%s).",
	"canceled":       "❌ Job %s (%s) was canceled.",
}

// NotifyTech sends a short alert to the technician's chat.
func (n *Notifier) NotifyTech(ctx context.Context, tech models.Technician, event string, job models.Job) error {
	if tech.ChatID == "" {
		return fmt.Errorf("technician %s has no chat", tech.ID)
	}
	format, ok := techMessages[event]
	if !ok {
		format = "ℹ️ Update on job %s (%s)."
	}
	_, err := n.sender.Alert(ctx, tech.ChatID, fmt.Sprintf(format, job.ID, job.Address))
	return err
}

// NotifyClient records client notifications. Clients are reached through an
// external channel owned by the CRM; from here it is a log line only.
func (n *Notifier) NotifyClient(ctx context.Context, job models.Job, event string) error {
	n.log.WithFields(logrus.Fields{"job_id": job.ID, "event": event}).Info("client notification handed off")
	return nil
}
