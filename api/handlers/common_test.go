package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BaSui01/commandflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// =============================================================================
// 🧪 Common 函数测试
// =============================================================================

func TestWriteJSON(t *testing.T) {
	tests := []struct {
		name       string
		data       any
		wantStatus int
	}{
		{name: "simple object", data: map[string]string{"message": "hello"}, wantStatus: http.StatusOK},
		{name: "array", data: []int{1, 2, 3}, wantStatus: http.StatusOK},
		{name: "accepted", data: nil, wantStatus: http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteJSON(w, tt.wantStatus, tt.data)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
			assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
		})
	}
}

func TestWriteSuccess(t *testing.T) {
	w := httptest.NewRecorder()
	WriteSuccess(w, map[string]string{"key": "value"})

	assert.Equal(t, http.StatusOK, w.Code)

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.NotNil(t, resp.Data)
	assert.Nil(t, resp.Error)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestWriteError_StatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        *types.Error
		wantStatus int
	}{
		{"validation", types.NewValidationError("q", "bad"), http.StatusBadRequest},
		{"invalid request", types.NewError(types.ErrInvalidRequest, "bad body"), http.StatusBadRequest},
		{"not found", types.NewNotFoundError("x", nil), http.StatusNotFound},
		{"duplicate", types.NewDuplicateCommandError("x", "p"), http.StatusConflict},
		{"rate limited", types.NewRateLimitExceededError(100), http.StatusTooManyRequests},
		{"bridge timeout", types.NewBridgeTimeoutError("parse", 1000), http.StatusGatewayTimeout},
		{"bridge unavailable", types.NewBridgeUnavailableError("down", nil), http.StatusServiceUnavailable},
		{"shutting down", types.NewServiceUnavailableError("draining"), http.StatusServiceUnavailable},
		{"config", types.NewConfigError("bad", nil), http.StatusInternalServerError},
		{"internal", types.NewInternalExecutionError(errors.New("boom")), http.StatusInternalServerError},
		{"explicit status wins", types.NewValidationError("", "x").WithHTTPStatus(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tt.err, zaptest.NewLogger(t))

			assert.Equal(t, tt.wantStatus, w.Code)

			var resp Response
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tt.err.Code), resp.Error.Code)
			assert.Equal(t, tt.err.Retryable, resp.Error.Retryable)
		})
	}
}

func TestWriteError_RetryAfter(t *testing.T) {
	tests := []struct {
		ms   int64
		want string
	}{
		{ms: 1, want: "1"},
		{ms: 999, want: "1"},
		{ms: 1000, want: "1"},
		{ms: 1001, want: "2"},
		{ms: 0, want: "1"},
		{ms: 59_500, want: "60"},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		WriteError(w, types.NewRateLimitExceededError(tt.ms), nil)
		assert.Equal(t, tt.want, w.Header().Get("Retry-After"), "retry_after_ms=%d", tt.ms)
	}
}

func TestWriteError_HidesCause(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, types.NewInternalExecutionError(errors.New("db password=hunter2")), nil)

	assert.NotContains(t, w.Body.String(), "hunter2")
}

func TestDecodeJSONBody(t *testing.T) {
	type payload struct {
		Command string `json:"command"`
	}
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{name: "valid", body: `{"command":"status"}`},
		{name: "malformed", body: `{"command":`, wantErr: true},
		{name: "unknown field", body: `{"command":"x","extra":1}`, wantErr: true},
		{name: "empty", body: ``, wantErr: true},
		{name: "too large", body: `{"command":"` + strings.Repeat("a", maxBodyBytes) + `"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/api/command", nil)
			if tt.body != "" {
				r = httptest.NewRequest(http.MethodPost, "/api/command", strings.NewReader(tt.body))
			}
			w := httptest.NewRecorder()

			var dst payload
			err := DecodeJSONBody(w, r, &dst, nil)
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, "status", dst.Command)
				return
			}
			require.Error(t, err)
			assert.True(t, types.IsCode(err, types.ErrInvalidRequest))
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestValidateContentType(t *testing.T) {
	tests := []struct {
		contentType string
		want        bool
	}{
		{"application/json", true},
		{"application/json; charset=utf-8", true},
		{"text/plain", false},
		{"", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodPost, "/", nil)
		r.Header.Set("Content-Type", tt.contentType)
		w := httptest.NewRecorder()

		assert.Equal(t, tt.want, ValidateContentType(w, r, nil), tt.contentType)
		if !tt.want {
			assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
		}
	}
}

func TestResponseWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)

	rw.WriteHeader(http.StatusCreated)
	rw.WriteHeader(http.StatusInternalServerError)
	_, err := rw.Write([]byte("ok"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, rw.StatusCode)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Same(t, rec, rw.Unwrap())
}
