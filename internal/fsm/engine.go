// Package fsm is the authoritative job lifecycle reducer. ProcessEvent is
// the sole entry point for all transitions: it serializes per-job work
// through the lock manager, validates the (role, event, state) guard,
// mutates persisted job state, fires best-effort side effects, and
// re-renders the job card through the delivery queue.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"appliance-dispatch/internal/card"
	"appliance-dispatch/internal/models"
	"appliance-dispatch/internal/store"
	"appliance-dispatch/internal/telemetry"
)

// JobStore is the persisted job record access the engine needs.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	UpdateJobState(ctx context.Context, id, state string, patch store.Patch) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Locker hands out the per-job exclusive lease. Acquire must not block.
type Locker interface {
	Acquire(ctx context.Context, key string) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

// Calendar mutates the external calendar entry linked to a job.
type Calendar interface {
	AddGuest(ctx context.Context, eventID, email string) error
	RemoveGuest(ctx context.Context, eventID, email string) error
	Reschedule(ctx context.Context, eventID string, newTime time.Time) error
	Cancel(ctx context.Context, eventID, reason string) error
}

// Notifier delivers best-effort side-channel notifications to parties.
type Notifier interface {
	NotifyTech(ctx context.Context, tech models.Technician, event string, job models.Job) error
	NotifyClient(ctx context.Context, job models.Job, event string) error
}

// CardSender enqueues rendered cards for delivery.
type CardSender interface {
	Card(ctx context.Context, chatID, jobID, text string, keyboard models.Keyboard) (string, error)
	DispatchCard(ctx context.Context, chatID, jobID, text string, keyboard models.Keyboard) (string, error)
	CardEdit(ctx context.Context, chatID, messageID, jobID, text string, keyboard models.Keyboard) (string, error)
}

// TechDirectory resolves technicians for assignment events.
type TechDirectory interface {
	Tech(ctx context.Context, id string) (models.Technician, error)
	Available(ctx context.Context) ([]models.Technician, error)
}

// Timers schedules the deferred completion-unlock event.
type Timers interface {
	ScheduleUnlock(ctx context.Context, jobID string, delay time.Duration) error
}

// Payload carries the optional event data.
type Payload struct {
	TechID     string         `json:"tech_id,omitempty"`
	NewTime    *time.Time     `json:"new_time,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Completion map[string]any `json:"completion,omitempty"`
}

// Event is one inbound lifecycle event. System is set only by internal
// callers (the timer path); actor identity is ignored when it is set.
type Event struct {
	JobID   string
	Event   string
	ActorID string
	System  bool
	Payload Payload
}

// Engine drives lifecycle transitions.
type Engine struct {
	store       JobStore
	locks       Locker
	calendar    Calendar
	notifier    Notifier
	sender      CardSender
	directory   TechDirectory
	timers      Timers
	unlockDelay time.Duration
	log         *logrus.Entry
}

// Options wires the engine's collaborators.
type Options struct {
	Store       JobStore
	Locks       Locker
	Calendar    Calendar
	Notifier    Notifier
	Sender      CardSender
	Directory   TechDirectory
	Timers      Timers
	UnlockDelay time.Duration
	Log         *logrus.Entry
}

// New builds an engine.
func New(opts Options) *Engine {
	if opts.UnlockDelay <= 0 {
		opts.UnlockDelay = 30 * time.Minute
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		store:       opts.Store,
		locks:       opts.Locks,
		calendar:    opts.Calendar,
		notifier:    opts.Notifier,
		sender:      opts.Sender,
		directory:   opts.Directory,
		timers:      opts.Timers,
		unlockDelay: opts.UnlockDelay,
		log:         opts.Log,
	}
}

// ProcessEvent runs one lifecycle transition end to end. Drops (lock
// contention, unknown job, guard failure) return nil: they are expected
// idempotency outcomes, not errors. Only infrastructure failures (lock
// store, job store) surface as errors.
func (e *Engine) ProcessEvent(ctx context.Context, in Event) error {
	log := e.log.WithFields(logrus.Fields{"job_id": in.JobID, "event": in.Event})

	token, ok, err := e.locks.Acquire(ctx, in.JobID)
	if err != nil {
		return fmt.Errorf("acquire job lock: %w", err)
	}
	if !ok {
		telemetry.LockContention.Inc()
		log.Debug("event dropped: job lock held")
		return nil
	}
	defer func() {
		if err := e.locks.Release(ctx, in.JobID, token); err != nil {
			log.WithError(err).Warn("job lock release failed")
		}
	}()

	job, err := e.store.GetJob(ctx, in.JobID)
	if errors.Is(err, store.ErrNotFound) {
		log.Debug("event dropped: unknown job")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}

	role := models.RoleSystem
	if !in.System {
		role = resolveRole(job, in.ActorID)
		if role == "" {
			telemetry.TransitionsRejected.Inc()
			log.WithField("actor_id", in.ActorID).Debug("event dropped: actor has no role on job")
			return nil
		}
	}

	if !canExecute(in.Event, role, job.State) {
		telemetry.TransitionsRejected.Inc()
		log.WithFields(logrus.Fields{"role": role, "state": job.State}).Debug("event dropped: guard rejected")
		return nil
	}

	newParty, handled, err := e.runAction(ctx, log, job, in)
	if err != nil {
		return err
	}
	if !handled {
		// The action itself dropped the event (stale payload); nothing was
		// mutated, so there is nothing to audit or re-render.
		return nil
	}

	telemetry.TransitionsAccepted.Inc()
	if err := e.store.AppendAudit(ctx, job.ID, in.Event, fmt.Sprintf("role=%s", role)); err != nil {
		log.WithError(err).Warn("audit append failed")
	}

	// Re-render from whatever was actually persisted. This runs even when
	// an upstream side effect failed: state consistency beats side-channel
	// notification.
	e.rerender(ctx, log, job.ID, newParty)
	return nil
}

// ProcessTimer re-enters the engine for a deferred system event fired by
// the delivery worker. Guard evaluation still applies, so a timer landing
// after the job closed is dropped like any other stale event.
func (e *Engine) ProcessTimer(ctx context.Context, jobID, event string) error {
	return e.ProcessEvent(ctx, Event{JobID: jobID, Event: event, System: true})
}

// runAction executes the event's mutation plus its best-effort side
// effects. It returns the party that just became relevant to the job (the
// newly assigned technician), if any, so the re-render can send them their
// own card, and whether the event was actually applied: actions drop stale
// payloads (unknown technician, missing time) without mutating anything,
// and those drops must not be audited or counted as accepted. The mutation
// error is the only one that propagates; side-effect failures are logged
// and counted.
func (e *Engine) runAction(ctx context.Context, log *logrus.Entry, job models.Job, in Event) (*models.Technician, bool, error) {
	switch in.Event {
	case models.EventAssignTech:
		return e.assignTech(ctx, log, job, in.Payload)
	case models.EventReassign:
		return e.reassignTech(ctx, log, job, in.Payload)
	case models.EventReschedule:
		return e.reschedule(ctx, log, job, in.Payload)
	case models.EventCancel:
		return nil, true, e.cancel(ctx, log, job, in.Payload)
	case models.EventOnTheWay:
		return nil, true, e.onTheWay(ctx, log, job)
	case models.EventTimerUnlock:
		return nil, true, e.unlockCompletion(ctx, job)
	case models.EventCompleteJob:
		return nil, true, e.close(ctx, job, models.StateClosedComplete, in.Payload)
	case models.EventScheduleFollowUp:
		return nil, true, e.close(ctx, job, models.StateClosedFollowUp, in.Payload)
	}
	return nil, false, fmt.Errorf("unhandled event %q", in.Event)
}

func (e *Engine) assignTech(ctx context.Context, log *logrus.Entry, job models.Job, p Payload) (*models.Technician, bool, error) {
	tech, err := e.directory.Tech(ctx, p.TechID)
	if err != nil {
		// Stale assignment button; treat like a guard failure.
		telemetry.TransitionsRejected.Inc()
		log.WithError(err).WithField("tech_id", p.TechID).Info("assignment dropped: technician not in directory")
		return nil, false, nil
	}

	if err := e.store.UpdateJobState(ctx, job.ID, models.StateAssigned, store.Patch{AssignedTech: &tech}); err != nil {
		return nil, false, fmt.Errorf("assign technician: %w", err)
	}

	e.sideEffect(log, "calendar add guest", e.calendar.AddGuest(ctx, job.CalendarEventID, tech.Email))
	e.sideEffect(log, "notify technician", e.notifier.NotifyTech(ctx, tech, "assigned", job))
	return &tech, true, nil
}

func (e *Engine) reassignTech(ctx context.Context, log *logrus.Entry, job models.Job, p Payload) (*models.Technician, bool, error) {
	tech, err := e.directory.Tech(ctx, p.TechID)
	if err != nil {
		telemetry.TransitionsRejected.Inc()
		log.WithError(err).WithField("tech_id", p.TechID).Info("reassignment dropped: technician not in directory")
		return nil, false, nil
	}

	if prev := job.AssignedTech; prev != nil {
		e.sideEffect(log, "calendar remove guest", e.calendar.RemoveGuest(ctx, job.CalendarEventID, prev.Email))
		e.sideEffect(log, "notify technician", e.notifier.NotifyTech(ctx, *prev, "reassigned_off", job))
	}
	e.sideEffect(log, "calendar add guest", e.calendar.AddGuest(ctx, job.CalendarEventID, tech.Email))
	e.sideEffect(log, "notify technician", e.notifier.NotifyTech(ctx, tech, "reassigned_on", job))

	// State is unchanged; only the assignee reference is replaced, wholesale.
	if err := e.store.UpdateJobState(ctx, job.ID, job.State, store.Patch{AssignedTech: &tech}); err != nil {
		return nil, false, fmt.Errorf("reassign technician: %w", err)
	}
	return &tech, true, nil
}

func (e *Engine) reschedule(ctx context.Context, log *logrus.Entry, job models.Job, p Payload) (*models.Technician, bool, error) {
	if p.NewTime == nil {
		telemetry.TransitionsRejected.Inc()
		log.Info("reschedule dropped: no new time supplied")
		return nil, false, nil
	}
	e.sideEffect(log, "calendar reschedule", e.calendar.Reschedule(ctx, job.CalendarEventID, *p.NewTime))

	if err := e.store.UpdateJobState(ctx, job.ID, job.State, store.Patch{ScheduledAt: p.NewTime}); err != nil {
		return nil, false, fmt.Errorf("reschedule job: %w", err)
	}
	return nil, true, nil
}

func (e *Engine) cancel(ctx context.Context, log *logrus.Entry, job models.Job, p Payload) error {
	e.sideEffect(log, "calendar cancel", e.calendar.Cancel(ctx, job.CalendarEventID, p.Reason))

	reason := p.Reason
	if err := e.store.UpdateJobState(ctx, job.ID, models.StateClosedCanceled, store.Patch{Reason: &reason}); err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}

	if job.AssignedTech != nil {
		e.sideEffect(log, "notify technician", e.notifier.NotifyTech(ctx, *job.AssignedTech, "canceled", job))
	}
	e.sideEffect(log, "notify client", e.notifier.NotifyClient(ctx, job, "canceled"))
	return nil
}

func (e *Engine) onTheWay(ctx context.Context, log *logrus.Entry, job models.Job) error {
	if err := e.store.UpdateJobState(ctx, job.ID, models.StateInProgress, store.Patch{}); err != nil {
		return fmt.Errorf("mark in progress: %w", err)
	}

	e.sideEffect(log, "notify client", e.notifier.NotifyClient(ctx, job, "on_the_way"))
	e.sideEffect(log, "schedule completion unlock", e.timers.ScheduleUnlock(ctx, job.ID, e.unlockDelay))
	return nil
}

func (e *Engine) unlockCompletion(ctx context.Context, job models.Job) error {
	unlocked := true
	if err := e.store.UpdateJobState(ctx, job.ID, job.State, store.Patch{CompletionUnlocked: &unlocked}); err != nil {
		return fmt.Errorf("unlock completion: %w", err)
	}
	return nil
}

func (e *Engine) close(ctx context.Context, job models.Job, state string, p Payload) error {
	if err := e.store.UpdateJobState(ctx, job.ID, state, store.Patch{Completion: p.Completion}); err != nil {
		return fmt.Errorf("close job as %s: %w", state, err)
	}
	return nil
}

// sideEffect applies the best-effort policy: attempt, log on failure,
// never block or roll back the primary state mutation.
func (e *Engine) sideEffect(log *logrus.Entry, name string, err error) {
	if err == nil {
		return
	}
	telemetry.SideEffectFailures.Inc()
	log.WithError(err).Warnf("side effect failed: %s", name)
}

// rerender rebuilds the card from the persisted record and enqueues its
// deliveries: an edit of the dispatcher's existing card, plus a fresh card
// to the technician's chat when one was just granted a view.
func (e *Engine) rerender(ctx context.Context, log *logrus.Entry, jobID string, newParty *models.Technician) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		log.WithError(err).Error("re-render load failed")
		return
	}

	var techs []models.Technician
	if job.State == models.StateNewJob {
		if techs, err = e.directory.Available(ctx); err != nil {
			log.WithError(err).Warn("technician list unavailable for render")
		}
	}
	rendered := card.Render(job, techs)

	if job.CardMessageID != "" {
		if _, err := e.sender.CardEdit(ctx, job.ChatID, job.CardMessageID, job.ID, rendered.Text, rendered.Keyboard); err != nil {
			log.WithError(err).Error("card edit enqueue failed")
		}
	} else if job.ChatID != "" {
		if _, err := e.sender.DispatchCard(ctx, job.ChatID, job.ID, rendered.Text, rendered.Keyboard); err != nil {
			log.WithError(err).Error("card enqueue failed")
		}
	}

	// A technician who just became relevant gets their own copy of the card.
	if newParty != nil && newParty.ChatID != "" {
		if _, err := e.sender.Card(ctx, newParty.ChatID, job.ID, rendered.Text, rendered.Keyboard); err != nil {
			log.WithError(err).Error("technician card enqueue failed")
		}
	}
}
