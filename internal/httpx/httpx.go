// Package httpx holds the small HTTP helpers shared by the webhook and API
// handlers.
package httpx

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
)

// Request body limits. Image requests carry base64 PNGs.
const (
	MaxJSONBody  = 1 << 20
	MaxImageBody = 32 << 20
)

const (
	MsgMissingAuth  = "Authorization header is missing"
	MsgInvalidAuth  = "Invalid authorization header"
	MsgInvalidToken = "Invalid authorization token"
	MsgReceived     = "Message received!"
)

// VerifyBearer checks an Authorization header against token. It returns
// 200 and an empty message when the header is accepted.
func VerifyBearer(header, token string) (int, string) {
	if header == "" {
		return http.StatusUnauthorized, MsgMissingAuth
	}
	scheme, value, ok := strings.Cut(header, " ")
	if !ok || scheme != "Bearer" || value == "" {
		return http.StatusUnauthorized, MsgInvalidAuth
	}
	if token == "" || subtle.ConstantTimeCompare([]byte(value), []byte(token)) != 1 {
		return http.StatusUnauthorized, MsgInvalidToken
	}
	return http.StatusOK, ""
}

// RequireBearer rejects requests whose Authorization header does not carry
// token.
func RequireBearer(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if code, msg := VerifyBearer(r.Header.Get("Authorization"), token); code != http.StatusOK {
				WriteJSON(w, code, map[string]string{"message": msg})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("httpx: encoding response: %v", err)
	}
}

// WriteError answers {"error": msg}.
func WriteError(w http.ResponseWriter, code int, msg string) {
	WriteJSON(w, code, map[string]string{"error": msg})
}

// DecodeJSON decodes at most limit bytes of the request body into v.
func DecodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, limit)).Decode(v)
}

// DecodeStatus is the status answering a DecodeJSON failure.
func DecodeStatus(err error) int {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

// UpstreamStatus maps the status of a failed provider call to the one we
// answer with. Failures without an HTTP error status become 502.
func UpstreamStatus(code int) int {
	if code < 400 || code > 599 {
		return http.StatusBadGateway
	}
	return code
}
