package trfb

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// DiagnosticsHandler returns an http.Handler serving the server's
// diagnostics Bundle as JSON. When signingKey is non-empty, requests must
// carry a valid "Bearer <token>" Authorization header signed with
// signingKey via HS256; a nil/empty key disables the check, for local or
// otherwise trusted embeddings.
func (s *Server) DiagnosticsHandler(signingKey []byte) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(signingKey) > 0 {
			if err := checkBearerJWT(r, signingKey); err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
		}

		bundle := s.Diagnostics()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(bundle)
	})
}

func checkBearerJWT(r *http.Request, signingKey []byte) error {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return errUnauthorized("authorization header required")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return errUnauthorized("invalid authorization header format")
	}

	tokenString := parts[1]
	if tokenString == "" {
		return errUnauthorized("token required")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errUnauthorized("unexpected signing method")
		}
		return signingKey, nil
	})
	if err != nil || !token.Valid {
		return errUnauthorized("invalid token")
	}
	return nil
}

type errUnauthorized string

func (e errUnauthorized) Error() string { return string(e) }
