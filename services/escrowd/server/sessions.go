package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"tradeescrow/services/escrowd/escrowerr"
	escrowmw "tradeescrow/services/escrowd/middleware"
	"tradeescrow/services/escrowd/multisig"
)

type createSessionRequest struct {
	ParticipantAID *uuid.UUID `json:"participant_a_id"`
	ParticipantBID *uuid.UUID `json:"participant_b_id"`
}

type submissionRequest struct {
	Role  string `json:"role"`
	Hex   string `json:"hex"`
	Round int    `json:"round"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	claims, err := actor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req createSessionRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.sessions.CreateSession(r.Context(), multisig.CreateSessionParams{
		ParticipantA: req.ParticipantAID,
		ParticipantB: req.ParticipantBID,
		Actor:        claims.Subject,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status, err := s.sessions.Status(r.Context(), sess.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, status)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	claims, err := actor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status, err := s.sessions.Status(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := canViewSession(status, claims); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) submitPrepared(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, s.sessions.SubmitPrepared)
}

func (s *Server) submitMade(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, s.sessions.SubmitMade)
}

func (s *Server) submitExchange(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, s.sessions.SubmitExchange)
}

type submitFunc func(ctx context.Context, sessionID uuid.UUID, sub multisig.Submission) (*multisig.Status, error)

func (s *Server) submit(w http.ResponseWriter, r *http.Request, fn submitFunc) {
	claims, err := actor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req submissionRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	role, err := multisig.ParseRole(req.Role)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status, err := fn(r.Context(), id, multisig.Submission{
		Role:  role,
		Actor: claims.Subject,
		Hex:   req.Hex,
		Round: req.Round,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// canViewSession limits a bound session to its participants and admins.
func canViewSession(status *multisig.Status, claims *escrowmw.Claims) error {
	if claims.Role == escrowmw.RoleAdmin {
		return nil
	}
	if status.ParticipantAID == nil && status.ParticipantBID == nil {
		return nil
	}
	for _, bound := range []*uuid.UUID{status.ParticipantAID, status.ParticipantBID} {
		if bound != nil && *bound == claims.Subject {
			return nil
		}
	}
	return fmt.Errorf("%w: not a participant of session %s", escrowerr.ErrRoleViolation, status.SessionID)
}
