package server

import (
	"log"
	"net/http"

	"github.com/jonathan/lead-pipeline/internal/server/middleware"
	"github.com/jonathan/lead-pipeline/internal/types"
)

// handleToken exchanges an operator or transport key for a bearer token.
// A subject without a configured key hash can never authenticate.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req types.TokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		s.fail(w, r, &ErrValidation{Field: "request", Message: err.Error()})
		return
	}

	hash := s.deps.Auth.OperatorKeyHash
	if req.Subject == middleware.RoleTransport {
		hash = s.deps.Auth.TransportKeyHash
	}
	if s.deps.Keys == nil || !s.deps.Keys.VerifyKey(req.Key, hash) {
		log.Printf("[auth] rejected %s token request from %s", req.Subject, s.extractClientID(r))
		s.fail(w, r, &ErrInvalidKey{})
		return
	}

	token, err := s.deps.JWT.GenerateToken(req.Subject)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, types.TokenResponse{Token: token, ExpiresIn: int(s.deps.JWT.TTL().Seconds())})
}
