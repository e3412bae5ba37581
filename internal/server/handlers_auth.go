package server

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/sysmanage/core/internal/authsvc"
)

// handleAgentAuth implements POST /agent/auth: extract a
// hostname hint, enforce the per-source-IP rate limit, and issue a
// connection token.
func (s *Server) handleAgentAuth(w http.ResponseWriter, r *http.Request) {
	sourceIP := sourceIPOf(r)
	hostnameHint := r.Header.Get("x-agent-hostname")
	if hostnameHint == "" {
		hostnameHint = sourceIP
	}

	if err := s.auth.CheckRateLimit(r.Context(), sourceIP); err != nil {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":       "rate limited",
			"retry_after": authsvc.RetryAfterSeconds,
		})
		return
	}

	token, err := s.auth.IssueToken(hostnameHint, sourceIP)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to issue connection token")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"connection_token":   token,
		"expires_in":         int(authsvc.TokenTTL / time.Second),
		"websocket_endpoint": "/api/agent/connect",
	})
}

func sourceIPOf(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
