package server

import (
	"net/http"
	"time"

	"github.com/wesm/sessiontrack/internal/auth"
)

type appRequest struct {
	App  string `json:"app"`
	User string `json:"user,omitempty"`
}

type tokenValidationResponse struct {
	Valid     bool       `json:"valid"`
	User      string     `json:"user"`
	Verified  bool       `json:"verified"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Message   string     `json:"message"`
}

type tokenInfoResponse struct {
	User     string         `json:"user"`
	Verified bool           `json:"verified"`
	Header   map[string]any `json:"header"`
	Payload  map[string]any `json:"payload"`
	Message  string         `json:"message"`
}

func (s *Server) handleAuthHealth(w http.ResponseWriter, r *http.Request) {
	var req appRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "authentication",
		"message": "Auth service is running",
		"app":     req.App,
	})
}

func (s *Server) handleValidateToken(
	w http.ResponseWriter, _ *http.Request, id *auth.Identity,
) {
	writeJSON(w, http.StatusOK, tokenValidationResponse{
		Valid:     true,
		User:      id.User,
		Verified:  id.Verified,
		ExpiresAt: id.ExpiresAt,
		Message:   "Token is valid",
	})
}

func (s *Server) handleTokenInfo(
	w http.ResponseWriter, r *http.Request, id *auth.Identity,
) {
	header, payload, err := auth.Inspect(r.Header.Get("Authorization"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenInfoResponse{
		User:     id.User,
		Verified: id.Verified,
		Header:   header,
		Payload:  payload,
		Message:  "Token information retrieved successfully",
	})
}
