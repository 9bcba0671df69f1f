package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/autoflow/backend/internal/users"
)

type contextKey string

const userContextKey contextKey = "user"

// authMiddleware validates the bearer session token and injects the
// authenticated user into the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")

		user, err := s.users.Authenticate(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid session")
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestUser returns the user injected by authMiddleware.
func requestUser(r *http.Request) *users.User {
	u, _ := r.Context().Value(userContextKey).(*users.User)
	return u
}
