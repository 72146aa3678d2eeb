package main

import (
	"errors"
	"net/http"

	"github.com/justinas/alice"
)

var errNoRoute = errors.New("route not found")

func (s *server) routes() {
	base := alice.New(s.recoverer, s.logging)
	webhook := base.Append(s.verifySignature)
	admin := base.Append(s.adminAuth)

	s.router.Handle("/health", base.Then(s.Health())).Methods("GET")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	s.router.Handle("/webhook", webhook.Then(s.Webhook())).Methods("POST")

	s.router.Handle("/conversations/{id}/messages", base.Then(s.ListMessages())).Methods("GET")
	s.router.Handle("/conversations/{id}/messages", base.Then(s.SendMessage())).Methods("POST")
	s.router.Handle("/conversations/{id}/media", base.Then(s.SendMedia())).Methods("POST")
	s.router.Handle("/conversations/{id}/read", base.Then(s.MarkRead())).Methods("POST")

	s.router.Handle("/messages/{id}/reactions", base.Then(s.ListReactions())).Methods("GET")
	s.router.Handle("/messages/{id}/reactions", base.Then(s.ToggleReaction())).Methods("POST")
	s.router.Handle("/messages/{id}/forward", base.Then(s.Forward())).Methods("POST")
	s.router.Handle("/messages/{id}/resend", base.Then(s.Resend())).Methods("POST")

	s.router.Handle("/ws/conversations/{id}", base.Then(s.Realtime())).Methods("GET")

	s.router.Handle("/admin/instances", admin.Then(s.RegisterInstance())).Methods("POST")
	s.router.Handle("/admin/delivery/status", admin.Then(s.DeliveryStatus())).Methods("GET")
	s.router.Handle("/admin/delivery/events", admin.Then(s.PendingEvents())).Methods("GET")
	s.router.Handle("/admin/delivery/events/{eventId}", admin.Then(s.EventStatus())).Methods("GET")
	s.router.Handle("/admin/delivery/retry", admin.Then(s.ForceRetry())).Methods("POST")
	s.router.Handle("/admin/delivery/retry/{eventId}", admin.Then(s.ForceRetry())).Methods("POST")

	s.router.NotFoundHandler = base.ThenFunc(func(w http.ResponseWriter, r *http.Request) {
		s.Respond(w, r, http.StatusNotFound, errNoRoute)
	})
}
