package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/macrodyne/autod/errors"
)

// ExtractToken pulls the bearer token from the Authorization header, falling
// back to the api_key query parameter for WebSocket clients that cannot set
// headers.
func ExtractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("api_key")
}

// Gate wraps a handler with a permission check. Missing or unknown tokens
// get 401; known tokens without the required permission get 403.
func (s *Store) Gate(required Permission, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Validate(ExtractToken(r), required); err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, errors.ErrForbidden) {
				status = http.StatusForbidden
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":   http.StatusText(status),
				"message": err.Error(),
			})
			return
		}
		next(w, r)
	}
}
