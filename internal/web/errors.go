package web

// errors.go maps domain errors onto HTTP responses. One place decides the
// status codes so handlers stay thin:
//
//	validation rejection        -> 422 with per-field reasons
//	lock held by another writer -> 409
//	column map / schema problem -> 400
//	write failure after backup  -> 500 with the surviving backup path
//	unknown position            -> 404

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"rosterd/internal/dataset"
	"rosterd/internal/logging"
	"rosterd/internal/store"
)

// ErrorResponse is the JSON structure for API error responses.
type ErrorResponse struct {
	Error      string                 `json:"error"`
	Code       string                 `json:"code"`
	State      store.State            `json:"state,omitempty"`
	Rejections []store.FieldRejection `json:"rejections,omitempty"`
	BackupPath string                 `json:"backupPath,omitempty"`
}

// respondError logs the technical error with request context and writes the
// mapped JSON response.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	resp, status := mapError(err)

	logging.FromContext(r.Context()).Error("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"code", resp.Code,
		"error", err.Error(),
		"request_id", middleware.GetReqID(r.Context()),
	)

	writeJSON(w, status, resp)
}

// mapError translates a domain error into a response body and status code.
func mapError(err error) (ErrorResponse, int) {
	var verr *store.ValidationError
	if errors.As(err, &verr) {
		return ErrorResponse{
			Error:      "validation failed",
			Code:       "VALIDATION_FAILED",
			State:      store.StateInvalid,
			Rejections: verr.Rejections,
		}, http.StatusUnprocessableEntity
	}

	var werr *store.WriteFailedError
	if errors.As(err, &werr) {
		return ErrorResponse{
			Error:      "write failed, original preserved in backup",
			Code:       "WRITE_FAILED",
			State:      store.StateWriteFailed,
			BackupPath: werr.BackupPath,
		}, http.StatusInternalServerError
	}

	var serr *dataset.SchemaMismatchError
	if errors.As(err, &serr) {
		return ErrorResponse{
			Error: serr.Error(),
			Code:  "SCHEMA_MISMATCH",
		}, http.StatusBadRequest
	}

	switch {
	case errors.Is(err, dataset.ErrUnknownRole):
		return ErrorResponse{
			Error: err.Error(),
			Code:  "BAD_REQUEST",
		}, http.StatusBadRequest

	case errors.Is(err, store.ErrLockBusy):
		return ErrorResponse{
			Error: "roster is locked by another writer",
			Code:  "LOCK_BUSY",
			State: store.StateLockBusy,
		}, http.StatusConflict

	case errors.Is(err, store.ErrOutOfRange):
		return ErrorResponse{
			Error: err.Error(),
			Code:  "NOT_FOUND",
		}, http.StatusNotFound
	}

	return ErrorResponse{
		Error: err.Error(),
		Code:  "INTERNAL",
	}, http.StatusInternalServerError
}

// badRequest writes a 400 with a literal message, for malformed input that
// never reached the domain layer.
func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: message, Code: "BAD_REQUEST"})
}

// notFound writes a 404 with a literal message.
func notFound(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusNotFound, ErrorResponse{Error: message, Code: "NOT_FOUND"})
}
