package httpx

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("user-token-secret")

func TestValidUID(t *testing.T) {
	for _, uid := range []string{"u1", "abcDEF123", "user@example.com"} {
		assert.True(t, ValidUID(uid), uid)
	}
	for _, uid := range []string{"", ".", "..", "a/b", `a\b`, "../other"} {
		assert.False(t, ValidUID(uid), uid)
	}
}

func TestVerifyUser(t *testing.T) {
	good, err := SignUserToken(secret, "u1", time.Hour)
	require.NoError(t, err)
	expired, err := SignUserToken(secret, "u1", -time.Minute)
	require.NoError(t, err)
	foreign, err := SignUserToken([]byte("other"), "u1", time.Hour)
	require.NoError(t, err)
	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "u1"}).SignedString(secret)
	require.NoError(t, err)
	traversal, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "..",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(secret)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		uid    string
		msg    string
	}{
		{"missing", "", "", MsgMissingAuth},
		{"wrong scheme", "Basic " + good, "", MsgInvalidAuth},
		{"garbage", "Bearer nope", "", MsgInvalidToken},
		{"other secret", "Bearer " + foreign, "", MsgInvalidToken},
		{"expired", "Bearer " + expired, "", MsgExpiredToken},
		{"no expiry", "Bearer " + noExpiry, "", MsgInvalidToken},
		{"path subject", "Bearer " + traversal, "", MsgInvalidToken},
		{"ok", "Bearer " + good, "u1", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uid, code, msg := VerifyUser(tt.header, secret)
			assert.Equal(t, tt.uid, uid)
			assert.Equal(t, tt.msg, msg)
			if tt.uid == "" {
				assert.Equal(t, http.StatusUnauthorized, code)
			} else {
				assert.Equal(t, http.StatusOK, code)
			}
		})
	}

	_, code, _ := VerifyUser("Bearer "+good, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	_, err = SignUserToken(secret, "../x", time.Hour)
	assert.ErrorIs(t, err, ErrInvalidUID)
}

func TestRequireUser(t *testing.T) {
	var got string
	h := RequireUser(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = UserID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, got)

	tok, err := SignUserToken(secret, "u7", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "u7", got)

	uid, ok := ResolveUID(req.Context(), "")
	assert.False(t, ok, "context without RequireUser carries no uid")
	assert.Empty(t, uid)
}
