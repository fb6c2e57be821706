package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	MsgExpiredToken = "Authorization token expired"
	MsgForbidden    = "Credential does not grant access to this user"
)

// ErrInvalidUID is returned for user ids that cannot name a storage path.
var ErrInvalidUID = errors.New("invalid uid")

// ValidUID reports whether uid can be used as one path segment.
func ValidUID(uid string) bool {
	return uid != "" && uid != "." && uid != ".." && !strings.ContainsAny(uid, `/\`)
}

// SignUserToken issues an HS256 token whose subject is uid.
func SignUserToken(secret []byte, uid string, ttl time.Duration) (string, error) {
	if !ValidUID(uid) {
		return "", ErrInvalidUID
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   uid,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// VerifyUser checks a "Bearer <token>" header signed with secret and returns
// the uid it was issued for. On failure uid is empty and code/msg describe
// the rejection.
func VerifyUser(header string, secret []byte) (uid string, code int, msg string) {
	if header == "" {
		return "", http.StatusUnauthorized, MsgMissingAuth
	}
	scheme, raw, ok := strings.Cut(header, " ")
	if !ok || scheme != "Bearer" || raw == "" {
		return "", http.StatusUnauthorized, MsgInvalidAuth
	}
	if len(secret) == 0 {
		return "", http.StatusUnauthorized, MsgInvalidToken
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", http.StatusUnauthorized, MsgExpiredToken
	case err != nil, !ValidUID(claims.Subject):
		return "", http.StatusUnauthorized, MsgInvalidToken
	}
	return claims.Subject, http.StatusOK, ""
}

type uidKey struct{}

// RequireUser admits requests carrying a user token signed with secret and
// attaches the token's uid to the request context.
func RequireUser(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			uid, code, msg := VerifyUser(r.Header.Get("Authorization"), secret)
			if code != http.StatusOK {
				WriteJSON(w, code, map[string]string{"message": msg})
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), uidKey{}, uid)))
		})
	}
}

// UserID returns the uid attached by RequireUser, or "".
func UserID(ctx context.Context) string {
	uid, _ := ctx.Value(uidKey{}).(string)
	return uid
}

// ResolveUID picks the uid a request acts for. A claimed uid must match the
// authenticated one; an empty claim takes the authenticated uid.
func ResolveUID(ctx context.Context, claimed string) (string, bool) {
	uid := UserID(ctx)
	if uid == "" {
		return "", false
	}
	if claimed != "" && claimed != uid {
		return "", false
	}
	return uid, true
}
