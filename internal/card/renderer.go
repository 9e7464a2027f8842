// Package card renders a job's chat card: the display text plus the inline
// button layout for its current lifecycle state. Rendering is pure; it
// never touches storage or the transport.
package card

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"appliance-dispatch/internal/models"
)

// Card is the rendered representation of a job shown to a dispatcher or
// technician.
type Card struct {
	Text     string
	Keyboard models.Keyboard
}

// Callback is the payload packed into every button press.
type Callback struct {
	Event  string `json:"event"`
	JobID  string `json:"job_id"`
	TechID string `json:"tech_id,omitempty"`
}

func callbackData(event, jobID, techID string) string {
	b, _ := json.Marshal(Callback{Event: event, JobID: jobID, TechID: techID})
	return string(b)
}

// Render maps (job state, job data) to the card text and buttons.
// availableTechs populates the assignment buttons while the job is still
// unassigned.
func Render(job models.Job, availableTechs []models.Technician) Card {
	var lines []string
	var buttons models.Keyboard

	lines = append(lines, fmt.Sprintf("🧾 Job: %s", job.ID))
	lines = append(lines, fmt.Sprintf("👤 Client: %s", dash(job.ClientName)))
	lines = append(lines, fmt.Sprintf("📍 Address: %s", dash(job.Address)))
	lines = append(lines, fmt.Sprintf("🔧 Appliance: %s", dash(job.Appliance)))
	lines = append(lines, fmt.Sprintf("🕒 Scheduled: %s", formatTime(job.ScheduledAt)))
	if job.AssignedTech != nil {
		lines = append(lines, fmt.Sprintf("🧑‍🔧 Assigned to: %s", job.AssignedTech.Name))
	} else {
		lines = append(lines, "🧑‍🔧 Assigned to: —")
	}
	lines = append(lines, fmt.Sprintf("📌 Status: %s", job.State))

	switch job.State {
	case models.StateNewJob:
		for _, tech := range availableTechs {
			buttons = append(buttons, []models.Button{{
				Text:     fmt.Sprintf("🧑‍🔧 %s", tech.Name),
				Callback: callbackData(models.EventAssignTech, job.ID, tech.ID),
			}})
		}

	case models.StateAssigned:
		buttons = append(buttons, []models.Button{{
			Text:     "🚗 On the Way",
			Callback: callbackData(models.EventOnTheWay, job.ID, ""),
		}})
		buttons = append(buttons, dispatcherControls(job.ID)...)

	case models.StateInProgress:
		buttons = append(buttons, dispatcherControls(job.ID)...)
		if job.CompletionUnlocked {
			buttons = append(buttons, []models.Button{{
				Text:     "✅ Complete Job",
				Callback: callbackData(models.EventCompleteJob, job.ID, ""),
			}})
			buttons = append(buttons, []models.Button{{
				Text:     "🔁 Schedule Follow-Up",
				Callback: callbackData(models.EventScheduleFollowUp, job.ID, ""),
			}})
		} else {
			lines = append(lines, "⏳ Waiting before completion actions…")
		}

	case models.StateClosedComplete:
		lines = append(lines, "✅ Job completed")

	case models.StateClosedFollowUp:
		lines = append(lines, "🔁 Follow-up required")

	case models.StateClosedCanceled:
		lines = append(lines, "❌ Job canceled")
		if job.Reason != "" {
			lines = append(lines, fmt.Sprintf("📝 Reason: %s", job.Reason))
		}
	}

	// Closed cards never carry actions, whatever the switch produced.
	if models.IsTerminal(job.State) {
		buttons = nil
	}
	return Card{Text: strings.Join(lines, "\n"), Keyboard: buttons}
}

func dispatcherControls(jobID string) models.Keyboard {
	return models.Keyboard{
		{
			{Text: "🔄 Reassign", Callback: callbackData(models.EventReassign, jobID, "")},
			{Text: "📅 Reschedule", Callback: callbackData(models.EventReschedule, jobID, "")},
		},
		{
			{Text: "❌ Cancel", Callback: callbackData(models.EventCancel, jobID, "")},
		},
	}
}

func dash(s string) string {
	if s == "" {
		return "—"
	}
	return s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "—"
	}
	return t.Format("Mon 2 Jan 15:04")
}
