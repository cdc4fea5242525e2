package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tradeescrow/services/escrowd/escrowerr"
	"tradeescrow/services/escrowd/locks"
	"tradeescrow/services/escrowd/models"
	"tradeescrow/services/escrowd/notify"
	"tradeescrow/services/escrowd/storage"
	"tradeescrow/services/escrowd/wallet"
)

// OfferParams describes a seller offer.
type OfferParams struct {
	SellerID      uuid.UUID
	FiatCurrency  string
	PricePerUnit  decimal.Decimal
	MinFiat       decimal.Decimal
	MaxFiat       decimal.Decimal
	PaymentMethod string
	Terms         string
}

// CreateOffer publishes an active offer.
func (c *Coordinator) CreateOffer(ctx context.Context, params OfferParams) (*models.Offer, error) {
	if params.SellerID == uuid.Nil {
		return nil, escrowerr.Invalid("seller is required")
	}
	if !params.PricePerUnit.IsPositive() {
		return nil, escrowerr.Invalid("price_per_unit must be positive")
	}
	if params.MinFiat.IsNegative() || params.MaxFiat.IsNegative() {
		return nil, escrowerr.Invalid("fiat limits must not be negative")
	}
	if params.MaxFiat.IsPositive() && params.MaxFiat.LessThan(params.MinFiat) {
		return nil, escrowerr.Invalid("max_fiat below min_fiat")
	}
	currency := strings.ToUpper(strings.TrimSpace(params.FiatCurrency))
	if currency == "" {
		return nil, escrowerr.Invalid("fiat_currency is required")
	}
	now := c.now()
	offer := models.Offer{
		ID:            uuid.New(),
		SellerID:      params.SellerID,
		FiatCurrency:  currency,
		PricePerUnit:  params.PricePerUnit,
		MinFiat:       params.MinFiat,
		MaxFiat:       params.MaxFiat,
		PaymentMethod: strings.TrimSpace(params.PaymentMethod),
		Terms:         params.Terms,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&offer).Error; err != nil {
			return err
		}
		return storage.AppendEvent(tx, storage.EntityOffer, offer.ID, params.SellerID, "offer.created", "price="+offer.PricePerUnit.String(), now)
	}); err != nil {
		return nil, fmt.Errorf("trade: create offer: %w", err)
	}
	return &offer, nil
}

// ListOffers returns active offers, optionally filtered by fiat currency.
func (c *Coordinator) ListOffers(ctx context.Context, currency string) ([]models.Offer, error) {
	query := c.db.WithContext(ctx).Where("active = ?", true)
	if currency = strings.ToUpper(strings.TrimSpace(currency)); currency != "" {
		query = query.Where("fiat_currency = ?", currency)
	}
	var offers []models.Offer
	if err := query.Order("created_at DESC").Find(&offers).Error; err != nil {
		return nil, fmt.Errorf("trade: list offers: %w", err)
	}
	return offers, nil
}

// AcceptOffer opens a trade for fiatAmount against an active offer. The crypto
// amount is fixed here at the offer price.
func (c *Coordinator) AcceptOffer(ctx context.Context, offerID, buyerID uuid.UUID, fiatAmount decimal.Decimal) (*models.Trade, error) {
	var offer models.Offer
	if err := c.db.WithContext(ctx).First(&offer, "id = ?", offerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("offer %s: %w", offerID, escrowerr.ErrNotFound)
		}
		return nil, fmt.Errorf("trade: load offer: %w", err)
	}
	if !offer.Active {
		return nil, escrowerr.Phase("offer", "inactive", "active")
	}
	if buyerID == offer.SellerID {
		return nil, fmt.Errorf("%w: sellers cannot accept their own offer", escrowerr.ErrRoleViolation)
	}
	if !fiatAmount.IsPositive() {
		return nil, escrowerr.Invalid("fiat_amount must be positive")
	}
	if fiatAmount.LessThan(offer.MinFiat) || (offer.MaxFiat.IsPositive() && fiatAmount.GreaterThan(offer.MaxFiat)) {
		return nil, escrowerr.Invalid("fiat_amount %s outside offer limits [%s, %s]", fiatAmount, offer.MinFiat, offer.MaxFiat)
	}
	crypto := fiatAmount.DivRound(offer.PricePerUnit, wallet.AtomicDecimals+4).Truncate(wallet.AtomicDecimals)
	return c.CreateTrade(ctx, CreateTradeParams{
		OfferID:      &offer.ID,
		BuyerID:      buyerID,
		SellerID:     offer.SellerID,
		FiatAmount:   fiatAmount,
		FiatCurrency: offer.FiatCurrency,
		CryptoAmount: crypto,
		Actor:        buyerID,
	})
}

// MarkPaymentSent records the buyer's off-chain payment. Valid only when funded.
func (c *Coordinator) MarkPaymentSent(ctx context.Context, tradeID, actor uuid.UUID) (*models.Trade, error) {
	trade, changed, err := c.transitionTrade(ctx, tradeID, models.TradePaymentSent, actor, func(t *models.Trade) error {
		if err := requireParty(t, actor, models.PartyBuyer); err != nil {
			return err
		}
		return requireStatus(t, models.TradeFunded, models.TradePaymentSent)
	}, nil)
	if err != nil {
		return nil, err
	}
	if changed {
		c.notify(ctx, trade.ID, notify.KindPaymentSent, "The buyer marked the payment as sent", trade.SellerID)
	}
	return trade, nil
}

// ConfirmPayment records the seller's acknowledgement of the payment.
func (c *Coordinator) ConfirmPayment(ctx context.Context, tradeID, actor uuid.UUID) (*models.Trade, error) {
	trade, changed, err := c.transitionTrade(ctx, tradeID, models.TradePaymentConfirmed, actor, func(t *models.Trade) error {
		if err := requireParty(t, actor, models.PartySeller); err != nil {
			return err
		}
		return requireStatus(t, models.TradePaymentSent, models.TradePaymentConfirmed)
	}, nil)
	if err != nil {
		return nil, err
	}
	if changed {
		c.notify(ctx, trade.ID, notify.KindPaymentConfirmed, "The seller confirmed receipt of payment", trade.BuyerID)
	}
	return trade, nil
}

// Cancel aborts a trade. Either party may cancel while pending; once funded
// only the buyer may.
func (c *Coordinator) Cancel(ctx context.Context, tradeID, actor uuid.UUID) (*models.Trade, error) {
	trade, changed, err := c.transitionTrade(ctx, tradeID, models.TradeCancelled, actor, func(t *models.Trade) error {
		if err := requireParty(t, actor, models.PartyBuyer, models.PartySeller); err != nil {
			return err
		}
		switch t.Status {
		case models.TradePending, models.TradeCancelled:
			return nil
		case models.TradeFunded:
			return requireParty(t, actor, models.PartyBuyer)
		default:
			return escrowerr.Phase("trade", string(t.Status), string(models.TradePending), string(models.TradeFunded))
		}
	}, nil)
	if err != nil {
		return nil, err
	}
	if changed {
		c.notify(ctx, trade.ID, notify.KindCancelled, "The trade was cancelled", trade.BuyerID, trade.SellerID)
		c.recompute(ctx, trade.BuyerID, trade.SellerID)
	}
	return trade, nil
}

// UpdateStatus is the administrative override. The target must still be
// reachable through the transition table. Releasing and completed belong to
// FinalizeRelease, which records the broadcast and the platform fee.
func (c *Coordinator) UpdateStatus(ctx context.Context, tradeID, admin uuid.UUID, raw string) (*models.Trade, error) {
	status, err := ParseStatus(raw)
	if err != nil {
		return nil, err
	}
	if status == models.TradeReleasing || status == models.TradeCompleted {
		return nil, escrowerr.Invalid("status %s is only reached by finalizing a release", status)
	}
	trade, changed, err := c.transitionTrade(ctx, tradeID, status, admin, nil, nil)
	if err != nil {
		return nil, err
	}
	if changed {
		c.logger.Info("trade status overridden", slog.String("trade_id", tradeID.String()), slog.String("admin", admin.String()), slog.String("status", raw))
		if Terminal(status) {
			c.recompute(ctx, trade.BuyerID, trade.SellerID)
		}
	}
	return trade, nil
}

// OpenDispute moves the trade to disputed and records the reason. Either party
// may open one before a release is being broadcast. It waits on the session
// lock so it never interleaves with FinalizeRelease.
func (c *Coordinator) OpenDispute(ctx context.Context, tradeID, actor uuid.UUID, reason string) (*models.Dispute, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, escrowerr.Invalid("reason is required")
	}
	current, err := c.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if err := requireParty(current, actor, models.PartyBuyer, models.PartySeller); err != nil {
		return nil, err
	}
	if current.SessionID != nil {
		unlock, err := c.locker.Lock(ctx, locks.SessionKey(*current.SessionID))
		if err != nil {
			return nil, fmt.Errorf("trade: lock session %s: %w", *current.SessionID, err)
		}
		defer unlock()
	}

	var dispute models.Dispute
	trade, _, err := c.transitionTrade(ctx, tradeID, models.TradeDisputed, actor, func(t *models.Trade) error {
		if err := requireParty(t, actor, models.PartyBuyer, models.PartySeller); err != nil {
			return err
		}
		if Terminal(t.Status) || t.Status == models.TradeDisputed || t.Status == models.TradeReleasing {
			return escrowerr.Phase("trade", string(t.Status))
		}
		return nil
	}, func(tx *gorm.DB, t *models.Trade) error {
		if err := requireNoCosignedRelease(tx, t.ID); err != nil {
			return err
		}
		var open int64
		if err := tx.Model(&models.Dispute{}).Where("trade_id = ? AND status = ?", t.ID, models.DisputeOpen).Count(&open).Error; err != nil {
			return err
		}
		if open > 0 {
			return escrowerr.Phase("dispute", models.DisputeOpen)
		}
		now := c.now()
		dispute = models.Dispute{
			ID:        uuid.New(),
			TradeID:   t.ID,
			OpenedBy:  actor,
			Reason:    reason,
			Status:    models.DisputeOpen,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return tx.Create(&dispute).Error
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("dispute opened", slog.String("trade_id", tradeID.String()), slog.String("dispute_id", dispute.ID.String()))
	c.notify(ctx, trade.ID, notify.KindDisputeOpened, "A dispute was opened: "+reason, trade.BuyerID, trade.SellerID)
	return &dispute, nil
}

// ResolveDispute records the arbiter's decision: which party receives the
// escrow and at which destination. The release itself is built by
// ReleaseEscrow.
func (c *Coordinator) ResolveDispute(ctx context.Context, disputeID, admin uuid.UUID, recipient, destination, notes string) (*models.Dispute, error) {
	recipient = strings.ToLower(strings.TrimSpace(recipient))
	if recipient != models.PartyBuyer && recipient != models.PartySeller {
		return nil, escrowerr.Invalid("recipient must be buyer or seller")
	}
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return nil, escrowerr.Invalid("destination is required")
	}

	var (
		dispute models.Dispute
		trade   models.Trade
	)
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&dispute, "id = ?", disputeID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("dispute %s: %w", disputeID, escrowerr.ErrNotFound)
			}
			return err
		}
		if dispute.Status != models.DisputeOpen {
			return escrowerr.Phase("dispute", dispute.Status, models.DisputeOpen)
		}
		if err := tx.First(&trade, "id = ?", dispute.TradeID).Error; err != nil {
			return err
		}
		now := c.now()
		dispute.Status = models.DisputeResolved
		dispute.Recipient = recipient
		dispute.Destination = destination
		dispute.Notes = notes
		dispute.ResolvedBy = &admin
		dispute.ResolvedAt = &now
		dispute.UpdatedAt = now
		if err := tx.Save(&dispute).Error; err != nil {
			return err
		}
		return storage.AppendEvent(tx, storage.EntityDispute, dispute.ID, admin, "dispute.resolved", "recipient="+recipient, now)
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("dispute resolved",
		slog.String("dispute_id", dispute.ID.String()),
		slog.String("trade_id", dispute.TradeID.String()),
		slog.String("recipient", recipient))
	c.notify(ctx, trade.ID, notify.KindDisputeResolved, "The dispute was resolved in favour of the "+recipient, trade.BuyerID, trade.SellerID)
	c.recompute(ctx, trade.BuyerID, trade.SellerID)
	return &dispute, nil
}
