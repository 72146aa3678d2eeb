package main

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"wuzapi-relay/internal/apperr"
	"wuzapi-relay/internal/models"
	"wuzapi-relay/internal/outbound"
	"wuzapi-relay/internal/realtime"
	"wuzapi-relay/internal/store"
)

// Webhook ingests one provider event. Duplicates answer 200 so the provider
// stops redelivering; storage failures answer 500 so it tries again.
func (s *server) Webhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
		if err != nil {
			s.Respond(w, r, http.StatusBadRequest, errors.New("failed to read request body"))
			return
		}
		if len(body) > maxWebhookBody {
			s.Respond(w, r, http.StatusRequestEntityTooLarge, errors.New("body too large"))
			return
		}

		res, err := s.ingestor.Handle(r.Context(), body)
		if err != nil {
			log.Warn().Err(err).Msg("Webhook ingestion failed")
			s.RespondError(w, r, err, http.StatusInternalServerError, nil)
			return
		}
		s.Respond(w, r, http.StatusOK, res)
	}
}

// ListMessages returns one page of a conversation, newest first.
func (s *server) ListMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversationID := mux.Vars(r)["id"]
		limit, err := queryInt(r, "limit", store.DefaultPageSize)
		if err != nil {
			s.RespondError(w, r, err, http.StatusInternalServerError, nil)
			return
		}
		if limit > store.MaxPageSize {
			limit = store.MaxPageSize
		}

		msgs, err := s.store.ListMessages(r.Context(), conversationID, r.URL.Query().Get("before"), limit)
		if err != nil {
			s.RespondError(w, r, err, http.StatusInternalServerError, nil)
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]any{
			"messages": msgs,
			"hasMore":  len(msgs) == limit,
		})
	}
}

// SendMessage sends a text message. A provider failure answers 502 with the
// failed message in data.
func (s *server) SendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req outbound.SendRequest
		if err := decodeJSON(r, &req, maxJSONBody); err != nil {
			s.RespondError(w, r, err, http.StatusBadGateway, nil)
			return
		}
		req.ConversationID = mux.Vars(r)["id"]

		out, err := s.coordinator.Send(r.Context(), req)
		s.respondSend(w, r, out, err)
	}
}

// SendMedia sends an image, video, audio, document or sticker.
func (s *server) SendMedia() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req outbound.MediaRequest
		if err := decodeJSON(r, &req, maxMediaBody); err != nil {
			s.RespondError(w, r, err, http.StatusBadGateway, nil)
			return
		}
		req.ConversationID = mux.Vars(r)["id"]

		out, err := s.coordinator.SendMedia(r.Context(), req)
		s.respondSend(w, r, out, err)
	}
}

func (s *server) respondSend(w http.ResponseWriter, r *http.Request, out outbound.SendOutcome, err error) {
	if err != nil {
		var data any
		if out.Message != nil {
			data = out
		}
		s.RespondError(w, r, err, http.StatusBadGateway, data)
		return
	}
	s.Respond(w, r, http.StatusOK, out)
}

// MarkRead resets the unread counter when an agent opens the conversation.
func (s *server) MarkRead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conv, err := s.store.MarkConversationRead(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			s.RespondError(w, r, err, http.StatusInternalServerError, nil)
			return
		}
		s.publisher.Publish(realtime.ConversationEvent(conv))
		s.Respond(w, r, http.StatusOK, conv)
	}
}

// ToggleReaction adds the caller's emoji to a message or removes it.
func (s *server) ToggleReaction() http.HandlerFunc {
	type reactionRequest struct {
		Emoji string `json:"emoji"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(headerUserID))
		if userID == "" {
			s.Respond(w, r, http.StatusBadRequest, errors.New(headerUserID+" header is required"))
			return
		}
		var req reactionRequest
		if err := decodeJSON(r, &req, maxJSONBody); err != nil {
			s.RespondError(w, r, err, http.StatusInternalServerError, nil)
			return
		}

		messageID := mux.Vars(r)["id"]
		added, err := s.store.ToggleReaction(r.Context(), messageID, userID, req.Emoji)
		if err != nil {
			s.RespondError(w, r, err, http.StatusInternalServerError, nil)
			return
		}
		reactions, err := s.store.ListReactions(r.Context(), messageID)
		if err != nil {
			s.RespondError(w, r, err, http.StatusInternalServerError, nil)
			return
		}
		log.Debug().Str("messageID", messageID).Str("userID", userID).Bool("added", added).Msg("Reaction toggled")
		s.Respond(w, r, http.StatusOK, map[string]any{"added": added, "reactions": reactions})
	}
}

func (s *server) ListReactions() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		messageID := mux.Vars(r)["id"]
		if _, err := s.store.GetMessage(r.Context(), messageID); err != nil {
			s.RespondError(w, r, err, http.StatusInternalServerError, nil)
			return
		}
		reactions, err := s.store.ListReactions(r.Context(), messageID)
		if err != nil {
			s.RespondError(w, r, err, http.StatusInternalServerError, nil)
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]any{"reactions": reactions})
	}
}

// Forward re-sends a text message into another conversation.
func (s *server) Forward() http.HandlerFunc {
	type forwardRequest struct {
		ConversationID  string `json:"conversationId"`
		ClientMessageID string `json:"clientMessageId"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req forwardRequest
		if err := decodeJSON(r, &req, maxJSONBody); err != nil {
			s.RespondError(w, r, err, http.StatusBadGateway, nil)
			return
		}
		if req.ConversationID == "" {
			s.RespondError(w, r, apperr.Validation("Forward", "conversationId is required"), http.StatusBadGateway, nil)
			return
		}
		out, err := s.coordinator.Forward(r.Context(), mux.Vars(r)["id"], req.ConversationID, req.ClientMessageID)
		s.respondSend(w, r, out, err)
	}
}

// Resend sends a copy of a text message as a new message in the same
// conversation.
func (s *server) Resend() http.HandlerFunc {
	type resendRequest struct {
		ClientMessageID string `json:"clientMessageId"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req resendRequest
		if err := decodeJSON(r, &req, maxJSONBody); err != nil {
			s.RespondError(w, r, err, http.StatusBadGateway, nil)
			return
		}
		out, err := s.coordinator.Resend(r.Context(), mux.Vars(r)["id"], req.ClientMessageID)
		s.respondSend(w, r, out, err)
	}
}

// Realtime streams a conversation's events over a websocket.
func (s *server) Realtime() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversationID := mux.Vars(r)["id"]
		if _, err := s.store.GetConversation(r.Context(), conversationID); err != nil {
			s.RespondError(w, r, err, http.StatusInternalServerError, nil)
			return
		}
		s.hub.ServeConversation(w, r, conversationID)
	}
}

// RegisterInstance creates or updates a provider instance.
func (s *server) RegisterInstance() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var inst models.Instance
		if err := decodeJSON(r, &inst, maxJSONBody); err != nil {
			s.RespondError(w, r, err, http.StatusInternalServerError, nil)
			return
		}
		saved, err := s.directory.Register(r.Context(), inst)
		if err != nil {
			s.RespondError(w, r, err, http.StatusInternalServerError, nil)
			return
		}
		saved.Token = ""
		s.Respond(w, r, http.StatusOK, saved)
	}
}

func (s *server) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.Ping(r.Context()); err != nil {
			s.Respond(w, r, http.StatusServiceUnavailable, errors.New("database unavailable"))
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]any{
			"status":                "ok",
			"pendingDeliveryEvents": s.delivery.PendingCount(),
		})
	}
}
