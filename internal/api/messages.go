package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/courier/internal/dispatch"
	"github.com/example/courier/internal/hub"
	"github.com/example/courier/internal/message"
	"github.com/example/courier/internal/provider"
)

type sendMessageRequest struct {
	RecipientContactID string          `json:"recipient_contact_id"`
	Content            string          `json:"content"`
	Channel            message.Channel `json:"channel"`
	MediaURL           string          `json:"media_url,omitempty"`
}

type messageResponse struct {
	MessageID         string          `json:"message_id"`
	ProviderMessageID string          `json:"provider_message_id,omitempty"`
	Status            message.Status  `json:"status"`
	Channel           message.Channel `json:"channel"`
	Content           string          `json:"content,omitempty"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "send_message")
	defer span.End()

	authorID := r.Header.Get("x-user-id")
	if authorID == "" {
		s.respondErr(ctx, w, http.StatusBadRequest, errorBody{Error: "missing x-user-id header"})
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondErr(ctx, w, http.StatusBadRequest, errorBody{Error: "invalid request body", Details: err.Error()})
		return
	}
	if req.RecipientContactID == "" || req.Content == "" || req.Channel == "" {
		s.respondErr(ctx, w, http.StatusBadRequest, errorBody{Error: "recipient_contact_id, content and channel are required"})
		return
	}
	if !req.Channel.Valid() {
		s.respondErr(ctx, w, http.StatusBadRequest, errorBody{Error: "unsupported channel", Details: string(req.Channel)})
		return
	}

	contact, err := s.Store.GetContact(ctx, req.RecipientContactID)
	if err != nil {
		if errors.Is(err, message.ErrNotFound) {
			s.respondErr(ctx, w, http.StatusNotFound, errorBody{Error: "unknown contact"})
			return
		}
		s.respondErr(ctx, w, http.StatusInternalServerError, errorBody{Error: "store unavailable"})
		return
	}

	// Persist pending before touching the provider: a timeout must leave a
	// retriable pending row behind, not lose the message.
	var mediaURL *string
	if req.MediaURL != "" {
		mediaURL = &req.MediaURL
	}
	msg, _, err := s.Store.CreateMessage(ctx, message.Message{
		ID:        uuid.NewString(),
		Channel:   req.Channel,
		Direction: message.DirectionOutbound,
		Body:      req.Content,
		MediaURL:  mediaURL,
		Status:    message.StatusPending,
		ContactID: contact.ID,
		AuthorID:  &authorID,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		s.respondErr(ctx, w, http.StatusInternalServerError, errorBody{Error: "failed to persist message", Details: err.Error()})
		return
	}
	span.SetAttributes(attribute.String("message.id", msg.ID))

	receipt, err := s.Dispatcher.Send(ctx, dispatch.Request{
		Address:  contact.Address(req.Channel),
		Body:     req.Content,
		Channel:  req.Channel,
		MediaURL: req.MediaURL,
	})
	if err != nil {
		s.handleSendError(ctx, w, msg.ID, err)
		return
	}

	if _, err := s.Store.MarkMessageSent(ctx, msg.ID, receipt.ProviderID); err != nil {
		s.respondErr(ctx, w, http.StatusInternalServerError, errorBody{Error: "failed to record provider acceptance", Details: err.Error()})
		return
	}

	s.Events.Publish(ctx, hub.Event{
		Type: hub.EventNewMessage,
		Data: map[string]any{
			"message_id": msg.ID,
			"contact_id": msg.ContactID,
			"channel":    msg.Channel,
			"direction":  msg.Direction,
			"body":       msg.Body,
			"status":     receipt.Status,
		},
	})

	s.respondJSON(w, http.StatusCreated, messageResponse{
		MessageID:         msg.ID,
		ProviderMessageID: receipt.ProviderID,
		Status:            receipt.Status,
		Channel:           msg.Channel,
	})
}

// handleSendError translates the dispatcher's error taxonomy into responses
// and final message states. Unavailability leaves the row pending for a
// manual retry; everything else is terminal for this message.
func (s *Server) handleSendError(ctx context.Context, w http.ResponseWriter, messageID string, err error) {
	var rej *provider.RejectionError
	switch {
	case errors.As(err, &rej):
		var code *string
		if rej.Code != 0 {
			c := strconv.Itoa(rej.Code)
			code = &c
		}
		s.failMessage(ctx, messageID, code, rej.Message)
		s.respondErr(ctx, w, http.StatusUnprocessableEntity, errorBody{
			Error:           "provider rejected the message",
			Details:         rej.Message,
			Troubleshooting: rej.Troubleshooting(),
		})
	case errors.Is(err, provider.ErrUnavailable):
		// Status stays pending; the message is eligible for manual retry.
		s.respondErr(ctx, w, http.StatusServiceUnavailable, errorBody{
			Error:   "provider unavailable",
			Details: err.Error(),
		})
	case errors.Is(err, dispatch.ErrInvalidRecipient),
		errors.Is(err, dispatch.ErrUnsupportedChannel),
		errors.Is(err, dispatch.ErrEmptyBody):
		s.failMessage(ctx, messageID, nil, err.Error())
		s.respondErr(ctx, w, http.StatusBadRequest, errorBody{Error: "invalid send request", Details: err.Error()})
	default:
		s.respondErr(ctx, w, http.StatusInternalServerError, errorBody{Error: "send failed", Details: err.Error()})
	}
}

func (s *Server) failMessage(ctx context.Context, id string, code *string, reason string) {
	if _, err := s.Store.ApplyStatus(ctx, id, message.StatusUpdate{
		Status:       message.StatusFailed,
		ErrorCode:    code,
		ErrorMessage: &reason,
	}); err != nil {
		s.Logger.Error().Err(err).Str("message_id", id).Msg("failed to record message failure")
	}
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "get_message")
	defer span.End()

	msg, err := s.Store.GetMessage(ctx, chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, message.ErrNotFound) {
			s.respondErr(ctx, w, http.StatusNotFound, errorBody{Error: "message not found"})
			return
		}
		s.respondErr(ctx, w, http.StatusInternalServerError, errorBody{Error: "store unavailable"})
		return
	}

	providerID := ""
	if msg.ProviderID != nil {
		providerID = *msg.ProviderID
	}
	s.respondJSON(w, http.StatusOK, messageResponse{
		MessageID:         msg.ID,
		ProviderMessageID: providerID,
		Status:            msg.Status,
		Channel:           msg.Channel,
		Content:           msg.Body,
	})
}

// markMessageRead records consumption of an inbound message and notifies
// subscribers. Outbound messages only reach read through provider receipts.
func (s *Server) markMessageRead(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "mark_message_read")
	defer span.End()

	id := chi.URLParam(r, "id")
	msg, err := s.Store.GetMessage(ctx, id)
	if err != nil {
		if errors.Is(err, message.ErrNotFound) {
			s.respondErr(ctx, w, http.StatusNotFound, errorBody{Error: "message not found"})
			return
		}
		s.respondErr(ctx, w, http.StatusInternalServerError, errorBody{Error: "store unavailable"})
		return
	}
	if msg.Direction != message.DirectionInbound {
		s.respondErr(ctx, w, http.StatusConflict, errorBody{Error: "only inbound messages can be marked read"})
		return
	}

	applied, err := s.Store.ApplyStatus(ctx, id, message.StatusUpdate{Status: message.StatusRead})
	if err != nil {
		s.respondErr(ctx, w, http.StatusInternalServerError, errorBody{Error: "failed to mark message read"})
		return
	}
	if applied {
		s.Events.Publish(ctx, hub.Event{
			Type: hub.EventStatusUpdate,
			Data: map[string]any{"message_id": id, "status": message.StatusRead},
		})
	}
	w.WriteHeader(http.StatusNoContent)
}
