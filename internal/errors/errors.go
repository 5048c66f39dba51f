// Package errors renders API failures as the JSON error envelope
// {"error":{"code","message","details"}}.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// Stable error codes.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeConflict           = "CONFLICT"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// HTTPError is the body of an error response.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPErrorResponse wraps HTTPError under the "error" key.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// APIError carries the status and code an error should be rendered with.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *APIError) Unwrap() error { return e.Err }

// WithDetails returns a copy of e carrying details.
func (e *APIError) WithDetails(details map[string]any) *APIError {
	cp := *e
	cp.Details = details
	return &cp
}

func New(status int, code, message string) *APIError {
	return &APIError{Status: status, Code: code, Message: message}
}

func Wrap(err error, status int, code, message string) *APIError {
	return &APIError{Status: status, Code: code, Message: message, Err: err}
}

func BadRequest(message string) *APIError {
	return New(http.StatusBadRequest, CodeBadRequest, message)
}

func NotFound(message string) *APIError {
	return New(http.StatusNotFound, CodeNotFound, message)
}

func Unavailable(message string) *APIError {
	return New(http.StatusServiceUnavailable, CodeServiceUnavailable, message)
}

// RespondWithError writes err as an error envelope. Errors that are not an
// *APIError become a 500 without leaking their text.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *APIError
	if !stderrors.As(err, &apiErr) {
		apiErr = Wrap(err, http.StatusInternalServerError, CodeInternal, "internal server error")
	}
	body := HTTPErrorResponse{Error: HTTPError{
		Code:    apiErr.Code,
		Message: apiErr.Message,
		Details: apiErr.Details,
	}}
	if r != nil {
		body.Error.RequestID = chimw.GetReqID(r.Context())
	}
	Write(w, apiErr.Status, body)
}

// Write encodes an error body with status.
func Write(w http.ResponseWriter, status int, body HTTPErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// NotFoundHandler answers unknown routes.
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	RespondWithError(w, r, NotFound("resource not found"))
}

// MethodNotAllowedHandler answers known routes hit with the wrong method.
func MethodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	RespondWithError(w, r, New(http.StatusMethodNotAllowed, CodeMethodNotAllowed,
		fmt.Sprintf("method %s not allowed", r.Method)))
}
