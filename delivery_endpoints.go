package main

import (
	"errors"
	"net/http"
	"sort"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"wuzapi-relay/internal/delivery"
)

// DeliveryStatus reports the delivery manager's counters and retry policy.
func (s *server) DeliveryStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		maxRetries, backoff, timeout := s.delivery.Settings()
		stats := s.delivery.Stats()

		s.Respond(w, r, http.StatusOK, map[string]any{
			"status":         "running",
			"pendingEvents":  stats.Pending,
			"deliveredTotal": stats.Delivered,
			"failedTotal":    stats.Failed,
			"maxRetries":     maxRetries,
			"timeoutMs":      timeout.Milliseconds(),
			"retryBackoffMs": backoff.Milliseconds(),
		})
	}
}

// EventStatus returns one pending or recently finished event.
func (s *server) EventStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eventID := mux.Vars(r)["eventId"]
		event, exists := s.delivery.EventStatus(eventID)
		if !exists {
			s.Respond(w, r, http.StatusNotFound, errors.New("event not found or expired"))
			return
		}
		s.Respond(w, r, http.StatusOK, event)
	}
}

// PendingEvents lists events awaiting delivery, oldest first, optionally
// filtered by workspace_id.
func (s *server) PendingEvents() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := queryInt(r, "limit", 50)
		if err != nil {
			s.RespondError(w, r, err, http.StatusInternalServerError, nil)
			return
		}
		workspaceID := r.URL.Query().Get("workspace_id")

		all := s.delivery.PendingEvents()
		sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

		events := make([]delivery.Event, 0)
		count := 0
		for _, ev := range all {
			if workspaceID != "" && ev.WorkspaceID != workspaceID {
				continue
			}
			if count < limit {
				events = append(events, ev)
			}
			count++
		}

		s.Respond(w, r, http.StatusOK, map[string]any{
			"totalPending":  len(all),
			"filteredCount": count,
			"shownCount":    len(events),
			"events":        events,
		})
	}
}

// ForceRetry retries one pending event, or all of them without an id.
func (s *server) ForceRetry() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eventID := mux.Vars(r)["eventId"]
		if eventID == "" {
			n := s.delivery.RetryAll()
			log.Info().Int("events", n).Msg("Manual retry triggered for all pending events")
			s.Respond(w, r, http.StatusOK, map[string]any{"retried": n})
			return
		}

		if _, exists := s.delivery.EventStatus(eventID); !exists {
			s.Respond(w, r, http.StatusNotFound, errors.New("event not found"))
			return
		}
		if !s.delivery.Retry(eventID) {
			s.Respond(w, r, http.StatusConflict, errors.New("event is finished or already being delivered"))
			return
		}
		log.Info().Str("eventID", eventID).Msg("Manual retry triggered for event")
		s.Respond(w, r, http.StatusOK, map[string]any{"retried": 1, "eventId": eventID})
	}
}
