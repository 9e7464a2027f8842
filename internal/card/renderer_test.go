package card

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"appliance-dispatch/internal/models"
)

func decodeCallback(t *testing.T, data string) Callback {
	t.Helper()
	var cb Callback
	if err := json.Unmarshal([]byte(data), &cb); err != nil {
		t.Fatalf("callback not valid json: %v", err)
	}
	return cb
}

func flatButtons(kb models.Keyboard) []models.Button {
	var out []models.Button
	for _, row := range kb {
		out = append(out, row...)
	}
	return out
}

func TestRenderNewJobOffersAssignment(t *testing.T) {
	job := models.Job{ID: "job-1", State: models.StateNewJob, ClientName: "A. Customer"}
	techs := []models.Technician{
		{ID: "tech-1", Name: "Pat"},
		{ID: "tech-2", Name: "Sam"},
	}

	c := Render(job, techs)

	if !strings.Contains(c.Text, "Client: A. Customer") {
		t.Fatalf("missing client line:\n%s", c.Text)
	}
	if !strings.Contains(c.Text, "Status: NEW_JOB") {
		t.Fatalf("missing status line:\n%s", c.Text)
	}

	buttons := flatButtons(c.Keyboard)
	if len(buttons) != 2 {
		t.Fatalf("expected one assign button per technician, got %d", len(buttons))
	}
	cb := decodeCallback(t, buttons[0].Callback)
	if cb.Event != models.EventAssignTech || cb.JobID != "job-1" || cb.TechID != "tech-1" {
		t.Fatalf("unexpected callback: %+v", cb)
	}
}

func TestRenderAssigned(t *testing.T) {
	sched := time.Date(2026, 9, 3, 10, 30, 0, 0, time.UTC)
	job := models.Job{
		ID:           "job-1",
		State:        models.StateAssigned,
		ScheduledAt:  &sched,
		AssignedTech: &models.Technician{ID: "tech-1", Name: "Pat"},
	}

	c := Render(job, nil)

	if !strings.Contains(c.Text, "Assigned to: Pat") {
		t.Fatalf("missing assignee:\n%s", c.Text)
	}
	if !strings.Contains(c.Text, "Thu 3 Sep 10:30") {
		t.Fatalf("missing schedule:\n%s", c.Text)
	}

	events := map[string]bool{}
	for _, b := range flatButtons(c.Keyboard) {
		events[decodeCallback(t, b.Callback).Event] = true
	}
	for _, want := range []string{models.EventOnTheWay, models.EventReassign, models.EventReschedule, models.EventCancel} {
		if !events[want] {
			t.Fatalf("missing %s button, have %v", want, events)
		}
	}
	if events[models.EventCompleteJob] {
		t.Fatal("completion must not be offered while merely assigned")
	}
}

func TestRenderInProgressGatesCompletion(t *testing.T) {
	job := models.Job{
		ID:           "job-1",
		State:        models.StateInProgress,
		AssignedTech: &models.Technician{ID: "tech-1", Name: "Pat"},
	}

	locked := Render(job, nil)
	for _, b := range flatButtons(locked.Keyboard) {
		cb := decodeCallback(t, b.Callback)
		if cb.Event == models.EventCompleteJob || cb.Event == models.EventScheduleFollowUp {
			t.Fatalf("completion button leaked before unlock: %+v", cb)
		}
	}
	if !strings.Contains(locked.Text, "Waiting before completion") {
		t.Fatalf("missing wait hint:\n%s", locked.Text)
	}

	job.CompletionUnlocked = true
	unlocked := Render(job, nil)
	events := map[string]bool{}
	for _, b := range flatButtons(unlocked.Keyboard) {
		events[decodeCallback(t, b.Callback).Event] = true
	}
	if !events[models.EventCompleteJob] || !events[models.EventScheduleFollowUp] {
		t.Fatalf("completion buttons missing after unlock: %v", events)
	}
}

func TestRenderTerminalStatesHaveNoButtons(t *testing.T) {
	for _, state := range []string{
		models.StateClosedComplete,
		models.StateClosedFollowUp,
		models.StateClosedCanceled,
	} {
		c := Render(models.Job{ID: "job-1", State: state}, nil)
		if len(c.Keyboard) != 0 {
			t.Fatalf("%s: terminal card must have no buttons", state)
		}
	}
}

func TestRenderCanceledShowsReason(t *testing.T) {
	c := Render(models.Job{ID: "job-1", State: models.StateClosedCanceled, Reason: "client moved"}, nil)
	if !strings.Contains(c.Text, "Reason: client moved") {
		t.Fatalf("missing reason:\n%s", c.Text)
	}
}

func TestRenderEmptyFieldsDash(t *testing.T) {
	c := Render(models.Job{ID: "job-1", State: models.StateNewJob}, nil)
	if !strings.Contains(c.Text, "Client: —") || !strings.Contains(c.Text, "Scheduled: —") {
		t.Fatalf("empty fields must render as a dash:\n%s", c.Text)
	}
}
