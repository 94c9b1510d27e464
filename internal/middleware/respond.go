package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/errors"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/logger"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     *errors.Error `json:"error"`
	RequestID string        `json:"requestId,omitempty"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps err to its HTTP status and writes the error body. Foreign
// errors are reported as internal without their text.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var e *errors.Error
	if !errors.As(err, &e) {
		e = errors.New(errors.ErrCodeInternal, "internal error")
	}
	WriteJSON(w, errors.HTTPStatus(err), ErrorResponse{Error: e, RequestID: logger.RequestID(r.Context())})
}
