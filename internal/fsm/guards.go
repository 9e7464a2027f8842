package fsm

import (
	"appliance-dispatch/internal/models"
)

// guard is the predicate over (role, state) that admits an event.
type guard struct {
	role   string
	states []string
}

func (g guard) allows(role, state string) bool {
	if role != g.role {
		return false
	}
	for _, s := range g.states {
		if s == state {
			return true
		}
	}
	return false
}

// guardTable admits an event only for the matching role and current state.
// Anything else is silently rejected: duplicate button presses and replayed
// webhooks must be idempotent, not error out.
var guardTable = map[string]guard{
	models.EventAssignTech: {role: models.RoleDispatcher, states: []string{models.StateNewJob}},
	models.EventReassign:   {role: models.RoleDispatcher, states: []string{models.StateAssigned, models.StateInProgress}},
	models.EventReschedule: {role: models.RoleDispatcher, states: []string{models.StateAssigned, models.StateInProgress}},
	models.EventCancel:     {role: models.RoleDispatcher, states: []string{models.StateAssigned, models.StateInProgress}},

	models.EventOnTheWay:         {role: models.RoleTechnician, states: []string{models.StateAssigned}},
	models.EventCompleteJob:      {role: models.RoleTechnician, states: []string{models.StateInProgress}},
	models.EventScheduleFollowUp: {role: models.RoleTechnician, states: []string{models.StateInProgress}},

	models.EventTimerUnlock: {role: models.RoleSystem, states: []string{models.StateInProgress}},
}

// canExecute evaluates the guard table for an event.
func canExecute(event, role, state string) bool {
	g, ok := guardTable[event]
	if !ok {
		return false
	}
	return g.allows(role, state)
}

// resolveRole maps an inbound actor identity onto a role for this job.
// DISPATCHER if it matches the job's dispatcher, TECHNICIAN if it matches
// the currently assigned technician. Anything else resolves to "" and the
// event is dropped before guard evaluation.
func resolveRole(job models.Job, actorID string) string {
	if actorID != "" && actorID == job.DispatcherID {
		return models.RoleDispatcher
	}
	if job.AssignedTech != nil && actorID != "" && actorID == job.AssignedTech.ID {
		return models.RoleTechnician
	}
	return ""
}
