package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"payprompt/internal/billing"
	"payprompt/internal/catalog"
	"payprompt/internal/ledger"
	"payprompt/internal/providers"
	"payprompt/internal/queue"
	"payprompt/internal/relay"
	"payprompt/internal/session"
	"payprompt/internal/siwe"
)

var errBadRequest = errors.New("bad request")

type errorBody struct {
	Success   bool         `json:"success"`
	Error     string       `json:"error"`
	Required  *json.Number `json:"required,omitempty"`
	Available *json.Number `json:"available,omitempty"`
}

// statusFor maps a domain error to an HTTP status and the message shown to
// the client. Unclassified errors never leak their text.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, billing.ErrMalformedInput),
		errors.Is(err, relay.ErrMalformedPermit),
		errors.Is(err, siwe.ErrMalformedMessage),
		errors.Is(err, siwe.ErrAddressMismatch),
		errors.Is(err, siwe.ErrMessageExpired),
		errors.Is(err, catalog.ErrUnknownModel),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidAddress):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, billing.ErrUnauthorized),
		errors.Is(err, siwe.ErrBadSignature),
		errors.Is(err, session.ErrNotFound),
		errors.Is(err, session.ErrExpired):
		return http.StatusUnauthorized, err.Error()
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "Insufficient credits"
	case errors.Is(err, ledger.ErrConflict), errors.Is(err, queue.ErrDuplicateRequest):
		return http.StatusConflict, err.Error()
	case errors.Is(err, queue.ErrRateLimited):
		return http.StatusTooManyRequests, err.Error()
	case errors.Is(err, providers.ErrProvider):
		return http.StatusBadGateway, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "request timed out"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// statusForKind maps the error kinds stored with async job results.
func statusForKind(kind string) int {
	switch kind {
	case "malformed", "unknown_model":
		return http.StatusBadRequest
	case "unauthorized":
		return http.StatusUnauthorized
	case "insufficient_funds":
		return http.StatusPaymentRequired
	case "provider_error":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	body := errorBody{Success: false, Error: msg}

	var insufficient *ledger.InsufficientFundsError
	if errors.As(err, &insufficient) {
		req, avail := money(insufficient.Required), money(insufficient.Available)
		body.Required, body.Available = &req, &avail
	}
	var limited *queue.RateLimitError
	if errors.As(err, &limited) {
		secs := int(time.Until(limited.ResetAt).Seconds())
		w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
	}

	log := s.logger.Warn()
	if status >= http.StatusInternalServerError {
		log = s.logger.Error()
	}
	log.Err(err).Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Msg("request failed")

	writeJSON(w, status, body)
}
