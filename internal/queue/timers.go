package queue

import (
	"context"
	"time"

	"appliance-dispatch/internal/models"
)

// TimerScheduler places deferred system events on the scheduled set. The
// worker re-enters the FSM with the carried event once the delay elapses,
// so timers survive process restarts like any other delivery.
type TimerScheduler struct {
	queue *DeliveryQueue
}

// NewTimerScheduler wraps a delivery queue.
func NewTimerScheduler(q *DeliveryQueue) *TimerScheduler {
	return &TimerScheduler{queue: q}
}

// ScheduleUnlock arms the completion-unlock timer for a job.
func (t *TimerScheduler) ScheduleUnlock(ctx context.Context, jobID string, delay time.Duration) error {
	_, err := t.queue.Schedule(ctx, models.DeliveryJob{
		Type:     models.DeliveryTimer,
		JobID:    jobID,
		FSMEvent: models.EventTimerUnlock,
		Priority: "high",
	}, time.Now().Add(delay))
	return err
}
