package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/prudhvinik1/venuelock/internal/services"
)

type contextKey string

const adminKey contextKey = "admin"

type TokenVerifier interface {
	VerifyToken(token string) (*services.AdminIdentity, error)
}

// Authenticate resolves the admin from a bearer token. Browsers cannot set
// headers on EventSource, so the token query parameter is accepted too.
func Authenticate(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				unauthorized(w, "missing bearer token")
				return
			}

			admin, err := verifier.VerifyToken(token)
			if err != nil {
				unauthorized(w, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), adminKey, admin)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func AdminFromContext(ctx context.Context) (*services.AdminIdentity, bool) {
	admin, ok := ctx.Value(adminKey).(*services.AdminIdentity)
	return admin, ok
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":    "UNAUTHORIZED",
		"message": message,
	})
}
