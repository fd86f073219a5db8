/*
auth.go - Admin authentication middleware

PURPOSE:
  Guards /api/admin/* (adjustments, payouts, reconciliation, scenarios).
  Two credentials are accepted in the Authorization header:

  1. Bearer <JWT>: HS256, signed with ADMIN_JWT_SECRET, claim role=admin.
     The "sub" claim becomes the actor recorded on adjustments.
  2. Bearer <ADMIN_TOKEN>: a static operator token for scripts and local
     use. The actor is "admin-token".

  With neither configured every admin request is refused.

SEE ALSO:
  - server.go: Where the middleware is mounted
  - config/config.go: ADMIN_JWT_SECRET, ADMIN_TOKEN
*/
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type ctxKey string

const actorKey ctxKey = "admin_actor"

const staticTokenActor = "admin-token"

var (
	errMissingToken    = errors.New("missing bearer token")
	errInvalidToken    = errors.New("invalid admin token")
	errAuthUnavailable = errors.New("admin authentication is not configured")
)

// RequireAdmin returns middleware that admits admin callers only.
func RequireAdmin(jwtSecret, staticToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, err := authenticate(r.Header.Get("Authorization"), jwtSecret, staticToken)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Unauthorized", err)
				return
			}
			ctx := context.WithValue(r.Context(), actorKey, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func authenticate(header, jwtSecret, staticToken string) (string, error) {
	if jwtSecret == "" && staticToken == "" {
		return "", errAuthUnavailable
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", errMissingToken
	}
	tokenStr := strings.TrimPrefix(header, "Bearer ")

	if staticToken != "" && subtle.ConstantTimeCompare([]byte(tokenStr), []byte(staticToken)) == 1 {
		return staticTokenActor, nil
	}
	if jwtSecret == "" {
		return "", errInvalidToken
	}

	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return []byte(jwtSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", errInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errInvalidToken
	}
	if role, _ := claims["role"].(string); role != "admin" {
		return "", errInvalidToken
	}
	sub, _ := claims.GetSubject()
	if sub == "" {
		sub = "admin"
	}
	return sub, nil
}

// ActorFromContext returns who is making an admin request.
func ActorFromContext(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey).(string); ok {
		return actor
	}
	return ""
}
