package server

import (
	"net/http"
	"time"

	"github.com/cyclopcam/www"
)

// Bearer tokens live this long. There is no refresh; clients log in again.
const sessionLifetime = 30 * 24 * time.Hour

// httpAuthLogin exchanges BASIC credentials for a bearer token.
// This endpoint is rate limited per IP.
func (s *Server) httpAuthLogin(w http.ResponseWriter, r *http.Request) {
	username, password, ok := r.BasicAuth()
	if !ok {
		www.SendError(w, "Missing BASIC credentials", http.StatusUnauthorized)
		return
	}
	user := s.configDB.AuthenticateUser(username, password)
	if user == nil {
		www.SendError(w, "Invalid username or password", http.StatusUnauthorized)
		return
	}
	token, err := s.configDB.Login(user.ID, time.Now().Add(sessionLifetime))
	if err != nil {
		s.Log.Errorf("Failed to create session for user %v: %v", user.ID, err)
		www.SendError(w, "Server error", http.StatusInternalServerError)
		return
	}
	www.SendJSON(w, map[string]any{
		"bearerToken": token,
		"userID":      user.ID,
		"permissions": user.Permissions,
	})
}
