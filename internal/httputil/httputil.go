// Package httputil has the request and JSON response helpers shared by the
// command API handlers.
package httputil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// PathVar returns a chi route parameter.
func PathVar(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// QueryInt returns a query parameter as int, or def when it is missing or malformed.
func QueryInt(r *http.Request, name string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return def
	}
	return n
}

// ReadJSONBody returns the request body, at most limit bytes, checked to be valid
// JSON. An empty body yields nil.
func ReadJSONBody(r *http.Request, limit int64) (json.RawMessage, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("request body exceeds %d bytes", limit)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("request body is not valid JSON")
	}
	return data, nil
}

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the body of every error reply. It mirrors the command
// result shape so clients can decode both the same way.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// Fail writes an error reply with the given status.
func Fail(w http.ResponseWriter, status int, msg string) {
	if msg == "" {
		msg = http.StatusText(status)
	}
	JSON(w, status, ErrorResponse{Error: msg})
}

// BadRequest writes err as a 400.
func BadRequest(w http.ResponseWriter, err error) {
	Fail(w, http.StatusBadRequest, err.Error())
}

// Unauthorized writes a 401.
func Unauthorized(w http.ResponseWriter, msg string) {
	Fail(w, http.StatusUnauthorized, msg)
}

// InternalError writes a 500.
func InternalError(w http.ResponseWriter, msg string) {
	Fail(w, http.StatusInternalServerError, msg)
}
