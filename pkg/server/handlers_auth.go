package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"resumevault/pkg/auth"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Role      string    `json:"role"`
}

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	s.login(w, r, auth.RoleAdmin)
}

func (s *Server) handleUserLogin(w http.ResponseWriter, r *http.Request) {
	s.login(w, r, auth.RoleUser)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request, role auth.Role) {
	var req loginRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	res, err := s.deps.Auth.Login(r.Context(), req.Email, req.Password, role)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		s.writeError(w, r, http.StatusUnauthorized, "invalid_credentials", ErrCodeInvalidCredentials, err)
		return
	}
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "internal", ErrCodeInternal, err)
		return
	}

	s.writeJSON(w, http.StatusOK, loginResponse{
		Token:     res.Token,
		ExpiresAt: res.ExpiresAt,
		Role:      string(role),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := authFromContext(r.Context()).token
	if err := s.deps.Auth.Logout(r.Context(), token); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "internal", ErrCodeInternal, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, defaultJSONMaxBody)
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil {
		return true
	}
	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytesErr):
		s.writeError(w, r, http.StatusRequestEntityTooLarge, "request_too_large", ErrCodeRequestTooLarge, fmt.Errorf("request body too large"))
	case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
		s.writeError(w, r, http.StatusBadRequest, "invalid_json", ErrCodeInvalidJSON, fmt.Errorf("invalid JSON payload"))
	default:
		s.writeError(w, r, http.StatusBadRequest, "invalid_json", ErrCodeInvalidJSON, err)
	}
	return false
}
