package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"appliance-dispatch/internal/models"
)

// ErrNotFound is returned when a job id has no row. Late events for deleted
// or unknown jobs are dropped on this error.
var ErrNotFound = errors.New("job not found")

// Store wraps pgxpool for Postgres persistence of lifecycle jobs.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJobParams collects inputs required to insert a lifecycle job.
type CreateJobParams struct {
	ClientName      string
	Address         string
	Appliance       string
	Description     string
	ScheduledAt     *time.Time
	DispatcherID    string
	ChatID          string
	CalendarEventID string
}

// CreateJob inserts a job in the initial NEW_JOB state.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, state, client_name, address, appliance, description,
			scheduled_at, dispatcher_id, chat_id, calendar_event_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
	`, id, models.StateNewJob, p.ClientName, p.Address, p.Appliance, p.Description,
		p.ScheduledAt, p.DispatcherID, p.ChatID, p.CalendarEventID, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:              id,
		State:           models.StateNewJob,
		ClientName:      p.ClientName,
		Address:         p.Address,
		Appliance:       p.Appliance,
		Description:     p.Description,
		ScheduledAt:     p.ScheduledAt,
		DispatcherID:    p.DispatcherID,
		ChatID:          p.ChatID,
		CalendarEventID: p.CalendarEventID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// GetJob fetches a job by id. Returns ErrNotFound for unknown ids.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, state, client_name, address, appliance, description, scheduled_at,
			dispatcher_id, assigned_tech, chat_id, card_message_id, calendar_event_id,
			completion_unlocked, reason, completion, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id)

	var job models.Job
	var scheduledAt pgtype.Timestamptz
	var techJSON, completionJSON []byte
	var cardMessageID, reason pgtype.Text

	err := row.Scan(&job.ID, &job.State, &job.ClientName, &job.Address, &job.Appliance,
		&job.Description, &scheduledAt, &job.DispatcherID, &techJSON, &job.ChatID,
		&cardMessageID, &job.CalendarEventID, &job.CompletionUnlocked, &reason,
		&completionJSON, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	if scheduledAt.Valid {
		t := scheduledAt.Time
		job.ScheduledAt = &t
	}
	if len(techJSON) > 0 {
		var tech models.Technician
		if err := json.Unmarshal(techJSON, &tech); err != nil {
			return models.Job{}, fmt.Errorf("decode assigned tech: %w", err)
		}
		job.AssignedTech = &tech
	}
	if len(completionJSON) > 0 {
		if err := json.Unmarshal(completionJSON, &job.Completion); err != nil {
			return models.Job{}, fmt.Errorf("decode completion: %w", err)
		}
	}
	job.CardMessageID = cardMessageID.String
	job.Reason = reason.String
	return job, nil
}

// Patch carries the optional fields a transition may rewrite alongside the
// state. Nil fields are left untouched.
type Patch struct {
	AssignedTech       *models.Technician
	ScheduledAt        *time.Time
	CompletionUnlocked *bool
	Reason             *string
	Completion         map[string]any
}

// UpdateJobState sets the state and applies the patch atomically. This is
// the only write path for lifecycle fields; the renderer and the transport
// never touch the row.
func (s *Store) UpdateJobState(ctx context.Context, id, state string, patch Patch) error {
	var techJSON, completionJSON []byte
	var err error
	if patch.AssignedTech != nil {
		if techJSON, err = json.Marshal(patch.AssignedTech); err != nil {
			return fmt.Errorf("encode assigned tech: %w", err)
		}
	}
	if patch.Completion != nil {
		if completionJSON, err = json.Marshal(patch.Completion); err != nil {
			return fmt.Errorf("encode completion: %w", err)
		}
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			state = $2,
			assigned_tech = COALESCE($3, assigned_tech),
			scheduled_at = COALESCE($4, scheduled_at),
			completion_unlocked = COALESCE($5, completion_unlocked),
			reason = COALESCE($6, reason),
			completion = COALESCE($7, completion),
			updated_at = NOW()
		WHERE id = $1
	`, id, state, techJSON, patch.ScheduledAt, patch.CompletionUnlocked, patch.Reason, completionJSON)
	if err != nil {
		return fmt.Errorf("update job state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCardMessage records the dispatcher-facing card location. Rewritten,
// never duplicated, on every re-render.
func (s *Store) SetCardMessage(ctx context.Context, id, chatID, messageID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET chat_id = $2, card_message_id = $3, updated_at = NOW() WHERE id = $1
	`, id, chatID, messageID)
	return err
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

// AuditTrail lists a job's audit rows, oldest first.
func (s *Store) AuditTrail(ctx context.Context, jobID string) ([]models.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, event, detail, ts FROM audit_logs WHERE job_id = $1 ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("load audit trail: %w", err)
	}
	defer rows.Close()

	var trail []models.AuditLog
	for rows.Next() {
		var entry models.AuditLog
		if err := rows.Scan(&entry.JobID, &entry.Event, &entry.Detail, &entry.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		trail = append(trail, entry)
	}
	return trail, rows.Err()
}

// OpenJobs counts jobs not yet in a terminal state.
func (s *Store) OpenJobs(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE state NOT IN ($1, $2, $3)
	`, models.StateClosedComplete, models.StateClosedFollowUp, models.StateClosedCanceled).Scan(&n); err != nil {
		return 0, fmt.Errorf("count open jobs: %w", err)
	}
	return n, nil
}
