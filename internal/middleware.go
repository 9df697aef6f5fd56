package internal

import (
	"context"
	"net/http"
	"strings"

	"github.com/parley-chat/parley/internal/auth"
)

// Middleware validates the client's JWT from the Authorization header and
// stashes the user ID in the request context.
func Middleware(next http.Handler, tokenSecret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			http.Error(w, "Missing credentials.", http.StatusUnauthorized)
			return
		}

		userID, err := auth.ValidateJWT(token, tokenSecret)
		if err != nil {
			http.Error(w, "Invalid credentials.", http.StatusUnauthorized)
			return
		}

		r = r.WithContext(context.WithValue(r.Context(), auth.UserIDKey, userID))
		next.ServeHTTP(w, r)
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	after, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return after
}
