// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"sprinklers/internal/protocol"
)

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("API request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, map[string]interface{}{
		"error":     true,
		"message":   message,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// GrantRequest is the body of POST /api/token/grant
type GrantRequest struct {
	GrantType    string `json:"grant_type"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

func (s *Server) handleTokenGrant(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	var (
		pair *TokenPair
		err  error
	)
	switch req.GrantType {
	case "password":
		if req.Username == "" || req.Password == "" {
			s.sendError(w, http.StatusBadRequest, "Username and password are required")
			return
		}
		pair, err = s.auth.Login(r.Context(), req.Username, req.Password)
	case "refresh":
		if req.RefreshToken == "" {
			s.sendError(w, http.StatusBadRequest, "Refresh token is required")
			return
		}
		pair, err = s.auth.Refresh(r.Context(), req.RefreshToken)
	default:
		s.sendError(w, http.StatusBadRequest, "grant_type must be 'password' or 'refresh'")
		return
	}

	if err != nil {
		var pe *protocol.Error
		switch {
		case errors.Is(err, ErrInvalidCredentials):
			s.sendError(w, http.StatusUnauthorized, err.Error())
		case errors.As(err, &pe) && pe.Code == protocol.ErrBadToken:
			s.sendError(w, http.StatusUnauthorized, "Invalid refresh token")
		default:
			s.logger.Error().Err(err).Str("grant_type", req.GrantType).Msg("Token grant failed")
			s.sendError(w, http.StatusInternalServerError, "Failed to issue tokens")
		}
		return
	}

	s.logger.Info().
		Int64("user_id", pair.User.ID).
		Str("username", pair.User.Username).
		Str("grant_type", req.GrantType).
		Msg("Issued tokens")
	s.sendJSON(w, http.StatusOK, pair)
}

func (s *Server) handleGetCurrentUser(w http.ResponseWriter, r *http.Request) {
	principal, ok := UserFromContext(r.Context())
	if !ok {
		s.sendError(w, http.StatusUnauthorized, "User not found in context")
		return
	}

	user, err := s.database.GetUser(r.Context(), principal.ID)
	if errors.Is(err, ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "User no longer exists")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", principal.ID).Msg("Failed to load user")
		s.sendError(w, http.StatusInternalServerError, "Failed to load user")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"user": user})
}

func (s *Server) handleGetUserDevices(w http.ResponseWriter, r *http.Request) {
	principal, ok := UserFromContext(r.Context())
	if !ok {
		s.sendError(w, http.StatusUnauthorized, "User not found in context")
		return
	}

	devices, err := s.database.GetUserDevices(r.Context(), principal.ID)
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", principal.ID).Msg("Failed to list devices")
		s.sendError(w, http.StatusInternalServerError, "Failed to list devices")
		return
	}

	type entry struct {
		*Device
		Subscribed bool `json:"subscribed"`
	}
	out := make([]entry, 0, len(devices))
	for _, d := range devices {
		out = append(out, entry{Device: d, Subscribed: s.bridge.Subscribed(d.BrokerID)})
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"devices": out})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.bridge.Stats()
	status := "ok"
	code := http.StatusOK
	if !stats.Connected {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	s.sendJSON(w, code, map[string]interface{}{
		"status":           status,
		"broker_connected": stats.Connected,
		"sessions":         s.sessions.Count(),
		"uptime":           time.Since(s.startTime).Round(time.Second).String(),
		"bridge":           stats,
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
	})
}
