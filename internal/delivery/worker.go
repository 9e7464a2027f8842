// Package delivery drives the outbound worker loop: dequeue, throttle,
// dispatch to the transport, and classify failures into retries or dead
// letters. It is the only consumer of the chat transport.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"appliance-dispatch/internal/chat"
	"appliance-dispatch/internal/models"
	"appliance-dispatch/internal/queue"
	"appliance-dispatch/internal/ratelimit"
	"appliance-dispatch/internal/telemetry"
)

// EventProcessor re-enters the FSM for timer deliveries.
type EventProcessor interface {
	ProcessTimer(ctx context.Context, jobID, event string) error
}

// CardTracker records the message id of a tracked card once sent.
type CardTracker interface {
	SetCardMessage(ctx context.Context, jobID, chatID, messageID string) error
}

// MediaResolver turns stored media references into sendable URLs.
type MediaResolver interface {
	ResolvePhoto(ctx context.Context, ref string) (string, error)
	ResolveDocument(ctx context.Context, ref string) (string, error)
}

// Options configures a Worker.
type Options struct {
	Queue     *queue.DeliveryQueue
	Bucket    *ratelimit.TokenBucket
	Transport chat.Transport
	Media     MediaResolver
	Events    EventProcessor
	Cards     CardTracker

	PollInterval       time.Duration
	ScheduledBatchSize int64
	MaxAttempts        int
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	MaxMessageLen      int

	Log *logrus.Entry
}

// Worker drains the delivery queue through the rate limiter.
type Worker struct {
	opts Options
	log  *logrus.Entry
}

// New builds a worker.
func New(opts Options) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.ScheduledBatchSize <= 0 {
		opts.ScheduledBatchSize = 100
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 2 * time.Minute
	}
	if opts.MaxMessageLen <= 0 {
		opts.MaxMessageLen = 4096
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Worker{opts: opts, log: log}
}

// Run executes the worker loop until context cancellation.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		now := time.Now()
		_, _ = w.opts.Queue.PromoteScheduled(ctx, now, w.opts.ScheduledBatchSize)
		if reclaimed, _ := w.opts.Queue.RequeueExpired(ctx, now, 100); len(reclaimed) > 0 {
			telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
			w.log.WithField("count", len(reclaimed)).Warn("reclaimed expired delivery leases")
		}
		if depth, err := w.opts.Queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		job, err := w.opts.Queue.DequeueWithLease(ctx)
		if err != nil || job == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.opts.PollInterval):
			}
			continue
		}

		telemetry.InFlightGauge.Inc()
		w.handle(ctx, *job)
		telemetry.InFlightGauge.Dec()
	}
}

func (w *Worker) handle(ctx context.Context, job models.DeliveryJob) {
	log := w.log.WithFields(logrus.Fields{
		"delivery_id": job.ID,
		"trace_id":    job.TraceID,
		"type":        job.Type,
		"chat_id":     job.ChatID,
	})

	err := w.deliver(ctx, log, job)
	if err == nil {
		_ = w.opts.Queue.Ack(ctx, job.ID)
		telemetry.DeliverySuccess.Inc()
		log.Debug("delivery complete")
		return
	}

	cerr := asChatError(err)
	if !cerr.Retryable() {
		w.deadLetter(ctx, log, job, cerr)
		return
	}

	job.Attempts++
	if job.Attempts >= w.maxAttempts(job) {
		w.deadLetter(ctx, log, job, cerr)
		return
	}

	wait := backoffWithJitter(w.opts.BackoffInitial, w.opts.BackoffMax, job.Attempts)
	if cerr.Class == chat.ErrFlood && cerr.RetryAfter > wait {
		wait = cerr.RetryAfter
	}
	if err := w.opts.Queue.Retry(ctx, job, time.Now().Add(wait)); err != nil {
		log.WithError(err).Error("retry scheduling failed")
		return
	}
	telemetry.DeliveryRetries.Inc()
	log.WithFields(logrus.Fields{
		"class":    cerr.Class,
		"attempts": job.Attempts,
		"wait":     wait.String(),
	}).Warn("delivery failed, retry scheduled")
}

func (w *Worker) maxAttempts(job models.DeliveryJob) int {
	if job.MaxAttempts > 0 && job.MaxAttempts < w.opts.MaxAttempts {
		return job.MaxAttempts
	}
	return w.opts.MaxAttempts
}

func (w *Worker) deadLetter(ctx context.Context, log *logrus.Entry, job models.DeliveryJob, cerr *chat.Error) {
	if err := w.opts.Queue.DeadLetter(ctx, job, cerr.Error()); err != nil {
		log.WithError(err).Error("dead-letter move failed")
		return
	}
	telemetry.DeliveryDeadLetter.Inc()
	log.WithField("class", cerr.Class).Error("delivery permanently failed")
}

// deliver dispatches one job to the transport, gated by the token bucket.
// Timer jobs bypass the bucket: they go to the FSM, not the platform.
func (w *Worker) deliver(ctx context.Context, log *logrus.Entry, job models.DeliveryJob) error {
	if job.Type == models.DeliveryTimer {
		return w.opts.Events.ProcessTimer(ctx, job.JobID, job.FSMEvent)
	}

	decision, err := w.opts.Bucket.Reserve(ctx)
	if err != nil {
		return chat.NewError(chat.ErrUnknown, "rate limiter unavailable", err)
	}
	if decision.Wait > 0 {
		if decision.Tier == ratelimit.TierCritical {
			telemetry.CriticalThrottle.Inc()
			log.WithFields(logrus.Fields{"tokens": decision.Tokens, "wait": decision.Wait.String()}).Warn("critical throttling")
		} else {
			log.WithFields(logrus.Fields{"tokens": decision.Tokens, "wait": decision.Wait.String()}).Debug("slow mode")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(decision.Wait):
		}
	}

	switch job.Type {
	case models.DeliveryText, models.DeliveryAlert:
		if err := w.checkLength(job.Text); err != nil {
			return err
		}
		_, err := w.opts.Transport.SendMessage(ctx, job.ChatID, job.Text, job.Keyboard)
		return err

	case models.DeliveryCard:
		if err := w.checkLength(job.Text); err != nil {
			return err
		}
		messageID, err := w.opts.Transport.SendMessage(ctx, job.ChatID, job.Text, job.Keyboard)
		if err != nil {
			return err
		}
		if job.TrackCard && w.opts.Cards != nil && job.JobID != "" {
			if err := w.opts.Cards.SetCardMessage(ctx, job.JobID, job.ChatID, messageID); err != nil {
				log.WithError(err).Warn("card message tracking failed")
			}
		}
		return nil

	case models.DeliveryCardEdit:
		if err := w.checkLength(job.Text); err != nil {
			return err
		}
		return w.opts.Transport.EditMessage(ctx, job.ChatID, job.MessageID, job.Text, job.Keyboard)

	case models.DeliveryPhoto:
		if w.opts.Media == nil {
			return chat.NewError(chat.ErrMediaError, "no media resolver configured", nil)
		}
		// Media resolution can involve a fetch, a resize, and an upload;
		// buy time against the visibility deadline before starting.
		_ = w.opts.Queue.ExtendLease(ctx, job.ID, 2*time.Minute)
		photo, err := w.opts.Media.ResolvePhoto(ctx, job.Media)
		if err != nil {
			return chat.NewError(chat.ErrMediaError, "resolve photo", err)
		}
		_, err = w.opts.Transport.SendPhoto(ctx, job.ChatID, photo, job.Caption, job.Keyboard)
		return err

	case models.DeliveryDocument:
		if w.opts.Media == nil {
			return chat.NewError(chat.ErrMediaError, "no media resolver configured", nil)
		}
		_ = w.opts.Queue.ExtendLease(ctx, job.ID, 2*time.Minute)
		document, err := w.opts.Media.ResolveDocument(ctx, job.Media)
		if err != nil {
			return chat.NewError(chat.ErrMediaError, "resolve document", err)
		}
		_, err = w.opts.Transport.SendDocument(ctx, job.ChatID, document, job.Caption, job.Keyboard)
		return err
	}

	return chat.NewError(chat.ErrMalformedRequest, fmt.Sprintf("unknown delivery type %q", job.Type), nil)
}

// checkLength guards against producer bugs: text must have been chunked
// before enqueue, so an oversized payload here is a defect, not a retry.
func (w *Worker) checkLength(text string) error {
	if len([]rune(text)) > w.opts.MaxMessageLen {
		return chat.NewError(chat.ErrMessageTooLong,
			fmt.Sprintf("payload of %d runes exceeds limit %d", len([]rune(text)), w.opts.MaxMessageLen), nil)
	}
	return nil
}

func asChatError(err error) *chat.Error {
	var cerr *chat.Error
	if errors.As(err, &cerr) {
		return cerr
	}
	return chat.Classify(err, "", 0)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
