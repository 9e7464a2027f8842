package models

import (
	"time"
)

// JobState enumerates lifecycle states persisted in Postgres.
const (
	StateNewJob         = "NEW_JOB"
	StateAssigned       = "ASSIGNED"
	StateInProgress     = "JOB_IN_PROGRESS"
	StateClosedComplete = "CLOSED_COMPLETED"
	StateClosedFollowUp = "CLOSED_FOLLOW_UP"
	StateClosedCanceled = "CLOSED_CANCELED"
)

// IsTerminal reports whether no further transitions are accepted from state.
func IsTerminal(state string) bool {
	switch state {
	case StateClosedComplete, StateClosedFollowUp, StateClosedCanceled:
		return true
	}
	return false
}

// Lifecycle events accepted by the FSM.
const (
	EventAssignTech       = "ASSIGN_TECH"
	EventReassign         = "REASSIGN"
	EventReschedule       = "RESCHEDULE"
	EventCancel           = "CANCEL"
	EventOnTheWay         = "ON_THE_WAY"
	EventCompleteJob      = "COMPLETE_JOB"
	EventScheduleFollowUp = "SCHEDULE_FOLLOW_UP"
	EventTimerUnlock      = "TIMER_UNLOCK_COMPLETION"
)

// Actor roles resolved from the inbound identity.
const (
	RoleDispatcher = "DISPATCHER"
	RoleTechnician = "TECHNICIAN"
	RoleSystem     = "SYSTEM"
)

// Technician is the assignee reference owned by a job. It is replaced
// wholesale on reassignment, never partially mutated.
type Technician struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	ChatID string `json:"chat_id"`
}

// Job is a dispatched repair visit tracked through the lifecycle FSM.
type Job struct {
	ID                 string         `json:"id"`
	State              string         `json:"state"`
	ClientName         string         `json:"client_name"`
	Address            string         `json:"address"`
	Appliance          string         `json:"appliance"`
	Description        string         `json:"description"`
	ScheduledAt        *time.Time     `json:"scheduled_at,omitempty"`
	DispatcherID       string         `json:"dispatcher_id"`
	AssignedTech       *Technician    `json:"assigned_tech,omitempty"`
	ChatID             string         `json:"chat_id"`
	CardMessageID      string         `json:"card_message_id"`
	CalendarEventID    string         `json:"calendar_event_id"`
	CompletionUnlocked bool           `json:"completion_unlocked"`
	Reason             string         `json:"reason,omitempty"`
	Completion         map[string]any `json:"completion,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
