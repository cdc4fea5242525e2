package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradeescrow/services/escrowd/escrowerr"
	escrowmw "tradeescrow/services/escrowd/middleware"
	"tradeescrow/services/escrowd/models"
	"tradeescrow/services/escrowd/trade"
)

type createOfferRequest struct {
	FiatCurrency  string          `json:"fiat_currency"`
	PricePerUnit  decimal.Decimal `json:"price_per_unit"`
	MinFiat       decimal.Decimal `json:"min_fiat"`
	MaxFiat       decimal.Decimal `json:"max_fiat"`
	PaymentMethod string          `json:"payment_method"`
	Terms         string          `json:"terms"`
}

type acceptOfferRequest struct {
	FiatAmount decimal.Decimal `json:"fiat_amount"`
}

type createTradeRequest struct {
	BuyerID      *uuid.UUID      `json:"buyer_id"`
	SellerID     *uuid.UUID      `json:"seller_id"`
	FiatAmount   decimal.Decimal `json:"fiat_amount"`
	FiatCurrency string          `json:"fiat_currency"`
	CryptoAmount decimal.Decimal `json:"crypto_amount"`
}

type destinationRequest struct {
	Destination string `json:"destination"`
}

type finalizeRequest struct {
	SignedTx string `json:"signed_tx"`
}

type disputeRequest struct {
	Reason string `json:"reason"`
}

// sessionPendingResponse carries a trade whose session could not be created yet.
type sessionPendingResponse struct {
	Trade     *models.Trade `json:"trade"`
	Error     string        `json:"error"`
	Retryable bool          `json:"retryable"`
}

func (s *Server) createOffer(w http.ResponseWriter, r *http.Request) {
	claims, err := actor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req createOfferRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	offer, err := s.trades.CreateOffer(r.Context(), trade.OfferParams{
		SellerID:      claims.Subject,
		FiatCurrency:  req.FiatCurrency,
		PricePerUnit:  req.PricePerUnit,
		MinFiat:       req.MinFiat,
		MaxFiat:       req.MaxFiat,
		PaymentMethod: req.PaymentMethod,
		Terms:         req.Terms,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, offer)
}

func (s *Server) listOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := s.trades.ListOffers(r.Context(), r.URL.Query().Get("currency"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offers": offers})
}

func (s *Server) acceptOffer(w http.ResponseWriter, r *http.Request) {
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
	var req acceptOfferRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.trades.AcceptOffer(r.Context(), id, claims.Subject, req.FiatAmount)
	s.writeCreatedTrade(w, r, created, err)
}

func (s *Server) createTrade(w http.ResponseWriter, r *http.Request) {
	claims, err := actor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req createTradeRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	buyer, seller := claims.Subject, uuid.Nil
	if req.BuyerID != nil {
		buyer = *req.BuyerID
	}
	if req.SellerID != nil {
		seller = *req.SellerID
	}
	if claims.Subject != buyer && claims.Subject != seller {
		s.writeError(w, r, fmt.Errorf("%w: caller must be the buyer or the seller", escrowerr.ErrRoleViolation))
		return
	}
	created, err := s.trades.CreateTrade(r.Context(), trade.CreateTradeParams{
		BuyerID:      buyer,
		SellerID:     seller,
		FiatAmount:   req.FiatAmount,
		FiatCurrency: req.FiatCurrency,
		CryptoAmount: req.CryptoAmount,
		Actor:        claims.Subject,
	})
	s.writeCreatedTrade(w, r, created, err)
}

// writeCreatedTrade reports a stored trade whose session creation failed as
// 202 so the client knows to retry POST /trades/{id}/session.
func (s *Server) writeCreatedTrade(w http.ResponseWriter, r *http.Request, created *models.Trade, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, created)
	case created != nil:
		writeJSON(w, http.StatusAccepted, sessionPendingResponse{
			Trade:     created,
			Error:     err.Error(),
			Retryable: escrowerr.Retryable(err),
		})
	default:
		s.writeError(w, r, err)
	}
}

func (s *Server) getTrade(w http.ResponseWriter, r *http.Request) {
	claims, id, ok := s.tradeRequest(w, r)
	if !ok {
		return
	}
	details, err := s.trades.Details(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := canViewTrade(&details.Trade, claims); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (s *Server) ensureSession(w http.ResponseWriter, r *http.Request) {
	claims, id, ok := s.tradeRequest(w, r)
	if !ok {
		return
	}
	if !s.authorizeTrade(w, r, id, claims) {
		return
	}
	updated, err := s.trades.EnsureSession(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) markPaymentSent(w http.ResponseWriter, r *http.Request) {
	claims, id, ok := s.tradeRequest(w, r)
	if !ok {
		return
	}
	updated, err := s.trades.MarkPaymentSent(r.Context(), id, claims.Subject)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) confirmPayment(w http.ResponseWriter, r *http.Request) {
	claims, id, ok := s.tradeRequest(w, r)
	if !ok {
		return
	}
	updated, err := s.trades.ConfirmPayment(r.Context(), id, claims.Subject)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) checkDeposit(w http.ResponseWriter, r *http.Request) {
	claims, id, ok := s.tradeRequest(w, r)
	if !ok {
		return
	}
	if !s.authorizeTrade(w, r, id, claims) {
		return
	}
	result, err := s.deposits.CheckTrade(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) initiateRelease(w http.ResponseWriter, r *http.Request) {
	claims, id, ok := s.tradeRequest(w, r)
	if !ok {
		return
	}
	var req destinationRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	release, err := s.trades.InitiateRelease(r.Context(), id, claims.Subject, req.Destination)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, release)
}

func (s *Server) finalizeRelease(w http.ResponseWriter, r *http.Request) {
	claims, id, ok := s.tradeRequest(w, r)
	if !ok {
		return
	}
	var req finalizeRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	release, err := s.trades.FinalizeRelease(r.Context(), id, claims.Subject, req.SignedTx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, release)
}

func (s *Server) openDispute(w http.ResponseWriter, r *http.Request) {
	claims, id, ok := s.tradeRequest(w, r)
	if !ok {
		return
	}
	var req disputeRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	dispute, err := s.trades.OpenDispute(r.Context(), id, claims.Subject, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, dispute)
}

func (s *Server) cancelTrade(w http.ResponseWriter, r *http.Request) {
	claims, id, ok := s.tradeRequest(w, r)
	if !ok {
		return
	}
	updated, err := s.trades.Cancel(r.Context(), id, claims.Subject)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	claims, err := actor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	query := r.URL.Query()
	unread, _ := strconv.ParseBool(query.Get("unread"))
	limit, _ := strconv.Atoi(query.Get("limit"))
	items, err := s.notifications.List(r.Context(), claims.Subject, unread, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": items})
}

func (s *Server) markNotificationRead(w http.ResponseWriter, r *http.Request) {
	claims, id, ok := s.tradeRequest(w, r)
	if !ok {
		return
	}
	item, err := s.notifications.MarkRead(r.Context(), claims.Subject, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) getReputation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	score, err := s.reputation.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

// tradeRequest extracts the caller and the {id} path parameter.
func (s *Server) tradeRequest(w http.ResponseWriter, r *http.Request) (*escrowmw.Claims, uuid.UUID, bool) {
	claims, err := actor(r)
	if err != nil {
		s.writeError(w, r, err)
		return nil, uuid.Nil, false
	}
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return nil, uuid.Nil, false
	}
	return claims, id, true
}

func (s *Server) authorizeTrade(w http.ResponseWriter, r *http.Request, id uuid.UUID, claims *escrowmw.Claims) bool {
	current, err := s.trades.Get(r.Context(), id)
	if err == nil {
		err = canViewTrade(current, claims)
	}
	if err != nil {
		s.writeError(w, r, err)
		return false
	}
	return true
}

func canViewTrade(t *models.Trade, claims *escrowmw.Claims) error {
	if claims.Role == escrowmw.RoleAdmin || t.PartyRole(claims.Subject) != "" {
		return nil
	}
	return fmt.Errorf("%w: not a party to trade %s", escrowerr.ErrRoleViolation, t.ID)
}
