package server

import (
	"net/http"
)

type adminStatusRequest struct {
	Status string `json:"status"`
}

type resolveDisputeRequest struct {
	Recipient   string `json:"recipient"`
	Destination string `json:"destination"`
	Notes       string `json:"notes"`
}

type adminReleaseRequest struct {
	Recipient   string `json:"recipient"`
	Destination string `json:"destination"`
}

func (s *Server) adminUpdateStatus(w http.ResponseWriter, r *http.Request) {
	claims, id, ok := s.tradeRequest(w, r)
	if !ok {
		return
	}
	var req adminStatusRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	updated, err := s.trades.UpdateStatus(r.Context(), id, claims.Subject, req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) adminResolveDispute(w http.ResponseWriter, r *http.Request) {
	claims, id, ok := s.tradeRequest(w, r)
	if !ok {
		return
	}
	var req resolveDisputeRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	dispute, err := s.trades.ResolveDispute(r.Context(), id, claims.Subject, req.Recipient, req.Destination, req.Notes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dispute)
}

func (s *Server) adminReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	claims, id, ok := s.tradeRequest(w, r)
	if !ok {
		return
	}
	var req adminReleaseRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	release, err := s.trades.ReleaseEscrow(r.Context(), id, claims.Subject, req.Recipient, req.Destination)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, release)
}

func (s *Server) adminRetrySession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status, err := s.sessions.RetryAutoTrigger(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("session trigger retried",
		"session_id", id.String(),
		"phase", status.Phase)
	writeJSON(w, http.StatusOK, status)
}
