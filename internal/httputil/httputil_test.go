package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathVar(t *testing.T) {
	var got string
	r := chi.NewRouter()
	r.Post("/api/commands/{name}", func(w http.ResponseWriter, r *http.Request) {
		got = PathVar(r, "name")
		JSON(w, http.StatusOK, map[string]string{"name": got})
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/commands/setFunctionCallRendering", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "setFunctionCallRendering", got)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
}

func TestQueryInt(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/executions?limit=7&bad=x", nil)
	assert.Equal(t, 7, QueryInt(req, "limit", 20))
	assert.Equal(t, 20, QueryInt(req, "bad", 20))
	assert.Equal(t, 20, QueryInt(req, "missing", 20))
}

func TestReadJSONBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"visible":true}`))
	body, err := ReadJSONBody(req, 1024)
	require.NoError(t, err)
	assert.JSONEq(t, `{"visible":true}`, string(body))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("  "))
	body, err = ReadJSONBody(req, 1024)
	require.NoError(t, err)
	assert.Nil(t, body)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"visible":`))
	_, err = ReadJSONBody(req, 1024)
	assert.Error(t, err)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"text":"`+strings.Repeat("x", 64)+`"}`))
	_, err = ReadJSONBody(req, 16)
	assert.ErrorContains(t, err, "exceeds")
}

func TestFail(t *testing.T) {
	rec := httptest.NewRecorder()
	Unauthorized(rec, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, ErrorResponse{Success: false, Error: "Unauthorized"}, resp)

	rec = httptest.NewRecorder()
	BadRequest(rec, errors.New("bad args"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"success":false,"error":"bad args"}`, rec.Body.String())
}
