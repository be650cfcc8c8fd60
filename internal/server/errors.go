package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"flowgate/internal/domain"
	"flowgate/internal/webhook"
)

type errorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid transition created -> completed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// envelope is the error shape every endpoint, hook intake included, answers with.
type envelope struct {
	status int
	Body   errorBody `json:"error"`
}

func (e *envelope) GetStatus() int { return e.status }
func (e *envelope) Error() string  { return e.Body.Message }

var statusCodes = map[int]string{
	http.StatusBadRequest:            "bad_request",
	http.StatusUnauthorized:          "unauthorized",
	http.StatusForbidden:             "forbidden",
	http.StatusNotFound:              "not_found",
	http.StatusConflict:              "conflict",
	http.StatusRequestEntityTooLarge: "payload_too_large",
	http.StatusUnprocessableEntity:   "validation_failed",
	http.StatusServiceUnavailable:    "unavailable",
	http.StatusGatewayTimeout:        "executor_timeout",
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = statusCodes[status]
	}
	if code == "" {
		code = strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
	return &envelope{status: status, Body: errorBody{Code: code, Message: message, Details: details}}
}

// useEnvelope routes huma's own validation and decoding failures through the
// same envelope. Schema violations answer 400 rather than 422.
func useEnvelope() {
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}
}

// errorMap is checked in order; the first sentinel err wraps wins.
var errorMap = []struct {
	target error
	status int
	code   string
}{
	{domain.ErrNotFound, http.StatusNotFound, "not_found"},
	{webhook.ErrUnknownSource, http.StatusNotFound, "unknown_source"},
	{domain.ErrUnauthorized, http.StatusForbidden, "forbidden"},
	{domain.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{domain.ErrDuplicateWorkItem, http.StatusConflict, "duplicate_work_item"},
	{domain.ErrAlreadyResolved, http.StatusConflict, "already_resolved"},
	{domain.ErrInvalidSignature, http.StatusUnauthorized, "invalid_signature"},
	{webhook.ErrMalformed, http.StatusBadRequest, "malformed_event"},
	{domain.ErrInvalidRule, http.StatusBadRequest, "invalid_rule"},
	{domain.ErrExecutorTimeout, http.StatusGatewayTimeout, "executor_timeout"},
	{domain.ErrUnavailable, http.StatusServiceUnavailable, "unavailable"},
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	details := map[string]any{}
	var fe domain.ForbiddenError
	if errors.As(err, &fe) {
		details["action"] = fe.Action
	}
	var te domain.TransitionError
	if errors.As(err, &te) {
		details["from"], details["to"] = te.From, te.To
	}
	if domain.Retryable(err) {
		details["retryable"] = true
	}
	if len(details) == 0 {
		details = nil
	}
	for _, m := range errorMap {
		if errors.Is(err, m.target) {
			return newAPIError(m.status, m.code, msg, details)
		}
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}
