/*
auth.go - Bearer-token identity middleware

PURPOSE:
  Extracts the caller's identity from a signed JWT and places it on the
  request context. Token ISSUANCE is out of scope: an upstream identity
  service mints tokens; this middleware only verifies them.

TOKEN CONTRACT:
  HS256, shared secret. Claims consumed:
    sub  numeric user id (the internal balance-holder id)
    ext  external identifier from the identity provider

STATUS CODES:
  401  missing or expired token
  403  token present but invalid (bad signature, wrong alg, bad claims)

SEE ALSO:
  - server.go: Applies the middleware to the authenticated route group
  - handlers.go: Reads identity via userFromContext
*/
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/warp/activity-engine/activity"
)

type contextKey string

const identityKey contextKey = "identity"

// Identity is the authenticated caller.
type Identity struct {
	UserID     activity.UserID
	ExternalID string
}

// Authenticator verifies bearer tokens against a shared secret.
type Authenticator struct {
	Secret []byte
}

// Middleware rejects requests without a valid bearer token and
// attaches the caller's Identity to the context otherwise.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "Missing authorization token", nil)
			return
		}
		tokenStr := strings.TrimPrefix(header, "Bearer ")

		identity, err := a.Verify(tokenStr)
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				writeError(w, http.StatusUnauthorized, "Token expired", nil)
				return
			}
			writeError(w, http.StatusForbidden, "Invalid token", nil)
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Verify parses and validates the token and extracts the identity.
func (a *Authenticator) Verify(tokenStr string) (Identity, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return a.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, jwt.ErrTokenInvalidClaims
	}

	// Issuers encode sub as either a JSON number or a string.
	var userID activity.UserID
	switch sub := claims["sub"].(type) {
	case float64:
		userID = activity.UserID(sub)
	case string:
		id, err := strconv.ParseInt(sub, 10, 64)
		if err != nil {
			return Identity{}, jwt.ErrTokenInvalidSubject
		}
		userID = activity.UserID(id)
	default:
		return Identity{}, jwt.ErrTokenInvalidSubject
	}
	if userID == 0 {
		return Identity{}, jwt.ErrTokenInvalidSubject
	}

	ext, _ := claims["ext"].(string)

	return Identity{UserID: userID, ExternalID: ext}, nil
}

// userFromContext returns the authenticated identity. The boolean is
// false outside the authenticated route group.
func userFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}
