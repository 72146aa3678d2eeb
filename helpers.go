package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"wuzapi-relay/internal/apperr"
	"wuzapi-relay/internal/outbound"
)

// Respond writes the relay envelope: {code, success, data} or
// {code, success, error} when data is an error.
func (s *server) Respond(w http.ResponseWriter, r *http.Request, status int, data any) {
	if err, ok := data.(error); ok {
		s.writeEnvelope(w, r, status, nil, err)
		return
	}
	s.writeEnvelope(w, r, status, data, nil)
}

// RespondError maps err onto a status code. Infrastructure failures use
// infraStatus. data, when set, is returned alongside the error.
func (s *server) RespondError(w http.ResponseWriter, r *http.Request, err error, infraStatus int, data any) {
	s.writeEnvelope(w, r, statusFor(err, infraStatus), data, err)
}

func (s *server) writeEnvelope(w http.ResponseWriter, r *http.Request, status int, data any, err error) {
	envelope := map[string]any{"code": status}
	if err != nil {
		envelope["success"] = false
		envelope["error"] = err.Error()
		if status >= http.StatusInternalServerError {
			log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Msg("Request failed")
		}
	} else {
		envelope["success"] = status < http.StatusBadRequest
	}
	if data != nil {
		envelope["data"] = data
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func statusFor(err error, infraStatus int) int {
	switch {
	case errors.Is(err, outbound.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrInfrastructure):
		return infraStatus
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any, limit int64) error {
	const op = "decodeJSON"
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return apperr.Validation(op, "could not read body: %v", err)
	}
	if int64(len(body)) > limit {
		return apperr.Validation(op, "body exceeds %d bytes", limit)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return apperr.Validation(op, "invalid JSON payload: %v", err)
	}
	return nil
}

// queryInt parses an optional positive integer query parameter.
func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, apperr.Validation("queryInt", "%s must be a positive integer", name)
	}
	return n, nil
}
