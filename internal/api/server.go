package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"appliance-dispatch/internal/card"
	"appliance-dispatch/internal/chat"
	"appliance-dispatch/internal/config"
	"appliance-dispatch/internal/directory"
	"appliance-dispatch/internal/fsm"
	"appliance-dispatch/internal/models"
	"appliance-dispatch/internal/queue"
	"appliance-dispatch/internal/store"
	"appliance-dispatch/internal/telemetry"
)

// Server wires HTTP handlers for webhook ingress and operations.
type Server struct {
	cfg       config.Config
	store     *store.Store
	queue     *queue.DeliveryQueue
	engine    *fsm.Engine
	sender    *chat.Sender
	directory *directory.Directory
	dedupe    *deduper
	log       *logrus.Entry
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, q *queue.DeliveryQueue, engine *fsm.Engine, sender *chat.Sender, dir *directory.Directory, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{
		cfg:       cfg,
		store:     st,
		queue:     q,
		engine:    engine,
		sender:    sender,
		directory: dir,
		dedupe:    newDeduper(2 * time.Minute),
		log:       log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/events", s.handleEvent)
	r.Post("/jobs", s.handleIntake)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/audit", s.handleAuditTrail)
	r.Get("/stats", s.handleStats)
	r.Post("/techs", s.handleRegisterTech)
	r.Delete("/techs/{id}", s.handleRemoveTech)
	r.Get("/dlq", s.handleDLQ)
	return r
}

type eventRequest struct {
	JobID   string      `json:"job_id"`
	Event   string      `json:"event"`
	ActorID string      `json:"actor_id"`
	Payload fsm.Payload `json:"payload"`
}

// handleEvent is the sole ingress for lifecycle transitions. The caller
// gets an acknowledgment either way: drops are by design invisible to the
// actor, so a duplicate button press never produces an error message.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.JobID == "" || req.Event == "" {
		http.Error(w, "job_id and event are required", http.StatusBadRequest)
		return
	}

	if err := s.engine.ProcessEvent(r.Context(), fsm.Event{
		JobID:   req.JobID,
		Event:   req.Event,
		ActorID: req.ActorID,
		Payload: req.Payload,
	}); err != nil {
		s.log.WithError(err).WithField("job_id", req.JobID).Error("event processing failed")
		http.Error(w, "event processing failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type intakeRequest struct {
	SourceEventID   string     `json:"source_event_id"`
	ClientName      string     `json:"client_name"`
	Address         string     `json:"address"`
	Appliance       string     `json:"appliance"`
	Description     string     `json:"description"`
	ScheduledAt     *time.Time `json:"scheduled_at"`
	DispatcherID    string     `json:"dispatcher_id"`
	ChatID          string     `json:"chat_id"`
	CalendarEventID string     `json:"calendar_event_id"`
}

// handleIntake accepts a normalized job from the calendar/CRM webhooks,
// persists it in NEW_JOB, and enqueues the first dispatcher card. The card
// message id is written back by the worker once the send lands.
func (s *Server) handleIntake(w http.ResponseWriter, r *http.Request) {
	var req intakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if s.dedupe.isDuplicate(req.SourceEventID) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	chatID := req.ChatID
	if chatID == "" {
		chatID = s.cfg.DispatchChatID
	}
	job, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		ClientName:      req.ClientName,
		Address:         req.Address,
		Appliance:       req.Appliance,
		Description:     req.Description,
		ScheduledAt:     req.ScheduledAt,
		DispatcherID:    req.DispatcherID,
		ChatID:          chatID,
		CalendarEventID: req.CalendarEventID,
	})
	if err != nil {
		s.log.WithError(err).Error("job intake failed")
		http.Error(w, "job intake failed", http.StatusInternalServerError)
		return
	}

	techs, err := s.directory.Available(r.Context())
	if err != nil {
		s.log.WithError(err).Warn("technician list unavailable for intake card")
	}
	rendered := card.Render(job, techs)
	if _, err := s.sender.DispatchCard(r.Context(), chatID, job.ID, rendered.Text, rendered.Keyboard); err != nil {
		s.log.WithError(err).WithField("job_id", job.ID).Error("intake card enqueue failed")
	}
	_ = s.store.AppendAudit(r.Context(), job.ID, "created", "intake via webhook")

	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	trail, err := s.store.AuditTrail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "failed to load audit trail", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": trail})
}

// handleStats reports the live workload: open lifecycle jobs and pending
// deliveries.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	open, err := s.store.OpenJobs(r.Context())
	if err != nil {
		http.Error(w, "failed to count jobs", http.StatusInternalServerError)
		return
	}
	depth, err := s.queue.ReadyDepth(r.Context())
	if err != nil {
		http.Error(w, "failed to read queue depth", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{
		"open_jobs":        open,
		"pending_delivery": depth,
	})
}

func (s *Server) handleRegisterTech(w http.ResponseWriter, r *http.Request) {
	var tech models.Technician
	if err := json.NewDecoder(r.Body).Decode(&tech); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.directory.Register(r.Context(), tech); err != nil {
		http.Error(w, "register failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tech)
}

func (s *Server) handleRemoveTech(w http.ResponseWriter, r *http.Request) {
	if err := s.directory.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		http.Error(w, "remove failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDLQ returns dead-lettered deliveries for operational inspection.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
