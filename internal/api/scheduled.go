package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/courier/internal/message"
)

type scheduleRequest struct {
	RecipientContactID string          `json:"recipient_contact_id"`
	Content            string          `json:"content"`
	Channel            message.Channel `json:"channel"`
	SendAt             string          `json:"send_at"`
	MediaURL           string          `json:"media_url,omitempty"`
}

type scheduledResponse struct {
	ScheduledMessageID string                 `json:"scheduled_message_id"`
	Status             message.ScheduleStatus `json:"status"`
	Channel            message.Channel        `json:"channel"`
	Content            string                 `json:"content,omitempty"`
	SendAt             time.Time              `json:"send_at"`
	ErrorMessage       *string                `json:"error_message,omitempty"`
}

func toScheduledResponse(sm message.ScheduledMessage) scheduledResponse {
	return scheduledResponse{
		ScheduledMessageID: sm.ID,
		Status:             sm.Status,
		Channel:            sm.Channel,
		Content:            sm.Body,
		SendAt:             sm.SendAt,
		ErrorMessage:       sm.ErrorMessage,
	}
}

func (s *Server) createScheduled(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "create_scheduled")
	defer span.End()

	authorID := r.Header.Get("x-user-id")
	if authorID == "" {
		s.respondErr(ctx, w, http.StatusBadRequest, errorBody{Error: "missing x-user-id header"})
		return
	}

	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondErr(ctx, w, http.StatusBadRequest, errorBody{Error: "invalid request body", Details: err.Error()})
		return
	}
	if req.RecipientContactID == "" || req.Content == "" || req.Channel == "" || req.SendAt == "" {
		s.respondErr(ctx, w, http.StatusBadRequest, errorBody{Error: "recipient_contact_id, content, channel and send_at are required"})
		return
	}
	if !req.Channel.Valid() {
		s.respondErr(ctx, w, http.StatusBadRequest, errorBody{Error: "unsupported channel", Details: string(req.Channel)})
		return
	}

	sendAt, err := time.Parse(time.RFC3339, req.SendAt)
	if err != nil {
		s.respondErr(ctx, w, http.StatusBadRequest, errorBody{Error: "send_at must be RFC3339", Details: err.Error()})
		return
	}
	if !sendAt.After(time.Now()) {
		s.respondErr(ctx, w, http.StatusBadRequest, errorBody{Error: "send_at must be in the future"})
		return
	}

	if _, err := s.Store.GetContact(ctx, req.RecipientContactID); err != nil {
		if errors.Is(err, message.ErrNotFound) {
			s.respondErr(ctx, w, http.StatusNotFound, errorBody{Error: "unknown contact"})
			return
		}
		s.respondErr(ctx, w, http.StatusInternalServerError, errorBody{Error: "store unavailable"})
		return
	}

	var mediaURL *string
	if req.MediaURL != "" {
		mediaURL = &req.MediaURL
	}
	sm, err := s.Store.CreateScheduledMessage(ctx, message.ScheduledMessage{
		ID:        uuid.NewString(),
		Channel:   req.Channel,
		Body:      req.Content,
		MediaURL:  mediaURL,
		ContactID: req.RecipientContactID,
		AuthorID:  authorID,
		SendAt:    sendAt.UTC(),
		Status:    message.SchedulePending,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		s.respondErr(ctx, w, http.StatusInternalServerError, errorBody{Error: "failed to persist scheduled message", Details: err.Error()})
		return
	}
	span.SetAttributes(attribute.String("scheduled_message.id", sm.ID))

	s.respondJSON(w, http.StatusCreated, scheduledResponse{
		ScheduledMessageID: sm.ID,
		Status:             sm.Status,
		Channel:            sm.Channel,
		SendAt:             sm.SendAt,
	})
}

func (s *Server) listScheduled(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "list_scheduled")
	defer span.End()

	rows, err := s.Store.ListScheduledMessages(ctx)
	if err != nil {
		s.respondErr(ctx, w, http.StatusInternalServerError, errorBody{Error: "store unavailable"})
		return
	}
	out := make([]scheduledResponse, 0, len(rows))
	for _, sm := range rows {
		out = append(out, toScheduledResponse(sm))
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) getScheduled(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "get_scheduled")
	defer span.End()

	sm, err := s.Store.GetScheduledMessage(ctx, chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, message.ErrNotFound) {
			s.respondErr(ctx, w, http.StatusNotFound, errorBody{Error: "scheduled message not found"})
			return
		}
		s.respondErr(ctx, w, http.StatusInternalServerError, errorBody{Error: "store unavailable"})
		return
	}
	s.cacheStatus(ctx, sm)
	s.respondJSON(w, http.StatusOK, toScheduledResponse(sm))
}

// getScheduledStatus serves the hot status-poll path through the cache.
func (s *Server) getScheduledStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "get_scheduled_status")
	defer span.End()

	id := chi.URLParam(r, "id")
	if s.Cache != nil {
		if status, ok := s.Cache.GetStatus(ctx, id); ok {
			s.respondJSON(w, http.StatusOK, map[string]string{"scheduled_message_id": id, "status": status})
			return
		}
	}

	sm, err := s.Store.GetScheduledMessage(ctx, id)
	if err != nil {
		if errors.Is(err, message.ErrNotFound) {
			s.respondErr(ctx, w, http.StatusNotFound, errorBody{Error: "scheduled message not found"})
			return
		}
		s.respondErr(ctx, w, http.StatusInternalServerError, errorBody{Error: "store unavailable"})
		return
	}
	s.cacheStatus(ctx, sm)
	s.respondJSON(w, http.StatusOK, map[string]string{"scheduled_message_id": id, "status": string(sm.Status)})
}

// cacheStatus caches only terminal statuses. A pending value must never be
// written by a read path: it could land after a transition's cache update
// and serve a stale status for the key's whole TTL.
func (s *Server) cacheStatus(ctx context.Context, sm message.ScheduledMessage) {
	if s.Cache == nil || !sm.Status.Terminal() {
		return
	}
	s.Cache.SetStatus(ctx, sm.ID, string(sm.Status))
}

func (s *Server) cancelScheduled(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "cancel_scheduled")
	defer span.End()

	// Cancellation goes through the scheduler so it arbitrates against an
	// in-flight dispatch of the same row, not just against persisted state.
	id := chi.URLParam(r, "id")
	if err := s.Scheduler.Cancel(ctx, id); err != nil {
		switch {
		case errors.Is(err, message.ErrNotFound):
			s.respondErr(ctx, w, http.StatusNotFound, errorBody{Error: "scheduled message not found"})
		case errors.Is(err, message.ErrNotCancellable):
			s.respondErr(ctx, w, http.StatusConflict, errorBody{Error: "scheduled message is no longer cancellable"})
		default:
			s.respondErr(ctx, w, http.StatusInternalServerError, errorBody{Error: "cancel failed", Details: err.Error()})
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// runScheduler is the authenticated cron trigger: one synchronous cycle.
func (s *Server) runScheduler(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "run_scheduler")
	defer span.End()

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if s.CronToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.CronToken)) != 1 {
		s.respondErr(ctx, w, http.StatusUnauthorized, errorBody{Error: "invalid cron token"})
		return
	}

	processed, err := s.Scheduler.RunCycle(ctx)
	if err != nil {
		s.respondErr(ctx, w, http.StatusInternalServerError, errorBody{Error: "scheduler cycle failed", Details: err.Error()})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]int{"processed": processed})
}
