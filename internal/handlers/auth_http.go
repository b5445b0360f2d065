// internal/handlers/auth_http.go
package handlers

import (
	"net/http"

	"github.com/google/uuid"
)

// GuestTokenHandler handles POST /auth/guest: mints a session token for a
// fresh guest identity. Production clients arrive with tokens from the
// platform auth service; this endpoint serves local development and tests.
func GuestTokenHandler(s *CoordServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		playerID := uuid.New()
		tok, err := s.Auth.Mint(playerID.String())
		if err != nil {
			s.Logger.Errorf("handlers: guest token mint failed: %v", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"playerId": playerID.String(),
			"token":    tok,
		})
	}
}
