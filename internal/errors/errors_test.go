package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) HTTPErrorResponse {
	t.Helper()
	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestRespondWithError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantMsg    string
	}{
		{name: "api error", err: NotFound("job 3 not found"), wantStatus: http.StatusNotFound, wantCode: CodeNotFound, wantMsg: "job 3 not found"},
		{name: "wrapped api error", err: fmt.Errorf("ctx: %w", BadRequest("bad offset")), wantStatus: http.StatusBadRequest, wantCode: CodeBadRequest, wantMsg: "bad offset"},
		{name: "plain error", err: stderrors.New("db exploded"), wantStatus: http.StatusInternalServerError, wantCode: CodeInternal, wantMsg: "internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			RespondWithError(rec, httptest.NewRequest(http.MethodGet, "/x", nil), tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			body := decode(t, rec)
			assert.Equal(t, tt.wantCode, body.Error.Code)
			assert.Equal(t, tt.wantMsg, body.Error.Message)
		})
	}
}

func TestRespondWithError_DetailsAndRequestID(t *testing.T) {
	handler := chimw.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		RespondWithError(w, r, Unavailable("not ready").WithDetails(map[string]any{"checks": map[string]string{"store": "unhealthy"}}))
	}))
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	body := decode(t, rec)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "req-42", body.Error.RequestID)
	checks, ok := body.Error.Details["checks"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "unhealthy", checks["store"])
}

func TestAPIError_Unwrap(t *testing.T) {
	cause := stderrors.New("cause")
	err := Wrap(cause, http.StatusConflict, CodeConflict, "conflict")
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "conflict: cause", err.Error())
}
