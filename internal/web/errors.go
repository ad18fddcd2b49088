package web

// errors.go provides unified error response handling for the API.
//
// Every handler error goes through respondError, which:
//   - logs the technical error with the request id for correlation
//   - maps it to a stable user-facing {code, message, action} body
//   - picks the status from the error class: validation failures are 400,
//     missing imports are 404, exhausted cancellations are 409, everything
//     else is treated as an infrastructure failure and returned as 500

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/openstats/importer/internal/imports"
	"github.com/openstats/importer/internal/logging"
	"github.com/openstats/importer/internal/validation"
)

// ErrorResponse is the JSON body for every failed request. Code is machine
// readable and stable; Message and Action are for display.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
}

// UserMessage is a user-facing rendering of an infrastructure error.
type UserMessage struct {
	Message string
	Action  string
	Code    string
}

// errorPattern maps a technical error substring (matched case-insensitively,
// first match wins) to a user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

var errorPatterns = []errorPattern{
	{
		pattern: "duplicate key",
		msg: UserMessage{
			Message: "A record for this file already exists",
			Action:  "Delete the existing import before resubmitting",
			Code:    "DB001",
		},
	},
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "The database is unavailable",
			Action:  "Please try again shortly",
			Code:    "DB002",
		},
	},
	{
		pattern: "context deadline exceeded",
		msg: UserMessage{
			Message: "The operation took too long",
			Action:  "Please try again; contact support if it keeps happening",
			Code:    "TIME001",
		},
	},
	{
		pattern: "publish",
		msg: UserMessage{
			Message: "The import could not be handed to the processing queue",
			Action:  "Contact support quoting the file id; do not resubmit",
			Code:    "QUEUE001",
		},
	},
	{
		pattern: "too many concurrent uploads",
		msg: UserMessage{
			Message: "Too many uploads are in progress",
			Action:  "Please wait a moment and try again",
			Code:    "RATE002",
		},
	},
}

// defaultMessage is the ERR000 fallback. Support staff should check the
// logs for the original error when users report it.
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-facing message by substring
// pattern, falling back to ERR000.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}
	return defaultMessage
}

// respondError classifies err, logs it, and writes the JSON error body.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *validation.Error
	switch {
	case errors.As(err, &verr):
		logging.FromContext(r.Context()).Info("upload rejected",
			slog.String("path", r.URL.Path),
			slog.String("code", string(verr.Code)))
		writeErrorBody(w, http.StatusBadRequest, ErrorResponse{
			Code:    string(verr.Code),
			Message: verr.Message,
		})

	case errors.Is(err, imports.ErrNotFound):
		writeErrorBody(w, http.StatusNotFound, ErrorResponse{
			Code:    "NotFound",
			Message: "no import exists for this file",
		})

	case errors.Is(err, imports.ErrAlreadyFinished):
		writeErrorBody(w, http.StatusConflict, ErrorResponse{
			Code:    "ImportAlreadyFinished",
			Message: "the import has already finished and cannot be cancelled",
		})

	case errors.Is(err, ErrTooManyUploads):
		w.Header().Set("Retry-After", "30")
		writeErrorBody(w, http.StatusTooManyRequests, ErrorResponse{
			Code:    "TooManyUploads",
			Message: "too many uploads are in progress",
			Action:  "Please wait a moment and try again",
		})

	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
		logging.FromContext(r.Context()).Debug("request cancelled",
			slog.String("path", r.URL.Path))

	default:
		userMsg := MapError(err)
		logging.FromContext(r.Context()).Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("method", r.Method),
			slog.String("code", userMsg.Code),
			slog.String("error", err.Error()))
		writeErrorBody(w, http.StatusInternalServerError, ErrorResponse{
			Code:    userMsg.Code,
			Message: userMsg.Message,
			Action:  userMsg.Action,
		})
	}
}

func writeErrorBody(w http.ResponseWriter, status int, body ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeJSON encodes v with the given status. Encoding errors are logged
// since the headers are already out.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", slog.String("error", err.Error()))
	}
}
