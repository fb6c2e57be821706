package httpx

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyBearer(t *testing.T) {
	tests := []struct {
		name   string
		header string
		code   int
		msg    string
	}{
		{"missing", "", http.StatusUnauthorized, MsgMissingAuth},
		{"no scheme", "secret", http.StatusUnauthorized, MsgInvalidAuth},
		{"wrong scheme", "Basic secret", http.StatusUnauthorized, MsgInvalidAuth},
		{"empty value", "Bearer ", http.StatusUnauthorized, MsgInvalidAuth},
		{"wrong token", "Bearer nope", http.StatusUnauthorized, MsgInvalidToken},
		{"ok", "Bearer secret", http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, msg := VerifyBearer(tt.header, "secret")
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.msg, msg)
		})
	}
}

func TestVerifyBearerEmptyTokenRejectsAll(t *testing.T) {
	code, msg := VerifyBearer("Bearer x", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, MsgInvalidToken, msg)
}

func TestRequireBearer(t *testing.T) {
	var reached bool
	h := RequireBearer("secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, reached)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, MsgMissingAuth, body["message"])

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, reached)
}

func TestDecodeJSONLimit(t *testing.T) {
	var v map[string]string
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":"`+strings.Repeat("x", 64)+`"}`))
	err := DecodeJSON(rec, req, 16, &v)
	require.Error(t, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, DecodeStatus(err))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":`))
	err = DecodeJSON(rec, req, MaxJSONBody, &v)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, DecodeStatus(err))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":"b"}`))
	require.NoError(t, DecodeJSON(rec, req, MaxJSONBody, &v))
	assert.Equal(t, "b", v["a"])
}

func TestUpstreamStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadGateway, UpstreamStatus(0))
	assert.Equal(t, http.StatusBadGateway, UpstreamStatus(200))
	assert.Equal(t, http.StatusBadRequest, UpstreamStatus(400))
	assert.Equal(t, http.StatusTooManyRequests, UpstreamStatus(429))
	assert.Equal(t, http.StatusServiceUnavailable, UpstreamStatus(503))
}
