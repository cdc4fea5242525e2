package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tradeescrow/observability/logging"
	"tradeescrow/services/escrowd/escrowerr"
	"tradeescrow/services/escrowd/locks"
	"tradeescrow/services/escrowd/models"
	"tradeescrow/services/escrowd/notify"
	"tradeescrow/services/escrowd/storage"
	"tradeescrow/services/escrowd/wallet"
)

var (
	normalReleaseFrom      = []models.TradeStatus{models.TradePaymentSent, models.TradePaymentConfirmed}
	arbitrationReleaseFrom = []models.TradeStatus{models.TradeDisputed}
)

// InitiateRelease builds the unsigned payout transaction for the seller to
// sign. The fee is fixed here from the trade's crypto amount. The trade status
// does not change.
func (c *Coordinator) InitiateRelease(ctx context.Context, tradeID, actor uuid.UUID, destination string) (*models.Release, error) {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return nil, escrowerr.Invalid("destination is required")
	}
	trade, err := c.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if err := requireParty(trade, actor, models.PartySeller); err != nil {
		return nil, err
	}
	if err := requireStatus(trade, normalReleaseFrom...); err != nil {
		return nil, err
	}
	return c.buildRelease(ctx, trade, models.ReleaseNormal, models.PartySeller, destination, actor)
}

// ReleaseEscrow builds the arbitration release for a disputed trade. An open
// dispute is resolved with recipient and destination first; a resolved one
// supplies them when they are empty.
func (c *Coordinator) ReleaseEscrow(ctx context.Context, tradeID, admin uuid.UUID, recipient, destination string) (*models.Release, error) {
	trade, err := c.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if err := requireStatus(trade, arbitrationReleaseFrom...); err != nil {
		return nil, err
	}
	var dispute models.Dispute
	if err := c.db.WithContext(ctx).Where("trade_id = ?", tradeID).Order("created_at DESC").First(&dispute).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("dispute for trade %s: %w", tradeID, escrowerr.ErrNotFound)
		}
		return nil, fmt.Errorf("trade: load dispute: %w", err)
	}

	recipient = strings.ToLower(strings.TrimSpace(recipient))
	destination = strings.TrimSpace(destination)
	switch dispute.Status {
	case models.DisputeOpen:
		resolved, err := c.ResolveDispute(ctx, dispute.ID, admin, recipient, destination, "")
		if err != nil {
			return nil, err
		}
		dispute = *resolved
	default:
		if recipient != "" && recipient != dispute.Recipient {
			return nil, escrowerr.Invalid("recipient %s conflicts with dispute decision %s", recipient, dispute.Recipient)
		}
		if destination == "" {
			destination = dispute.Destination
		}
	}
	return c.buildRelease(ctx, trade, models.ReleaseArbitration, dispute.Recipient, destination, admin)
}

// buildRelease checks the escrow balance, creates the unsigned transaction for
// the payout and stores it with its fee split. Re-initiating replaces an
// earlier unbroadcast release.
func (c *Coordinator) buildRelease(ctx context.Context, trade *models.Trade, kind, signer, destination string, actor uuid.UUID) (*models.Release, error) {
	sess, err := c.readySession(ctx, trade)
	if err != nil {
		return nil, err
	}
	split, err := SplitFee(trade.CryptoAmount, c.cfg.FeeRate)
	if err != nil {
		return nil, escrowerr.Invalid("%v", err)
	}
	required, err := wallet.ToAtomic(trade.CryptoAmount)
	if err != nil {
		return nil, escrowerr.Invalid("%v", err)
	}

	unlock, err := c.locker.Lock(ctx, locks.SessionKey(sess.ID))
	if err != nil {
		return nil, fmt.Errorf("trade: lock session %s: %w", sess.ID, err)
	}
	defer unlock()

	var (
		unsigned string
		balance  wallet.Balance
	)
	err = wallet.Use(ctx, c.wallet, sess.WalletName, c.cfg.Limits, func(ctx context.Context, h *wallet.Handle) error {
		var err error
		balance, err = c.wallet.Balance(ctx, h)
		if err != nil {
			return err
		}
		if balance.Unlocked < required {
			return nil
		}
		unsigned, err = c.wallet.CreateTransaction(ctx, h, destination, split.PayoutAtomic)
		return err
	})
	if err != nil {
		c.logger.Warn("build release failed",
			slog.String("trade_id", trade.ID.String()),
			slog.String("session_id", sess.ID.String()),
			slog.String("phase", string(trade.Status)),
			slog.String("operation", "create_transaction"),
			slog.Any("error", err))
		return nil, escrowerr.Capability("create_transaction", sess.ID.String(), string(trade.Status), err)
	}
	if balance.Unlocked < required {
		return nil, fmt.Errorf("unlocked %s XMR below escrowed %s XMR: %w", wallet.FromAtomic(balance.Unlocked), trade.CryptoAmount, escrowerr.ErrInsufficientFunds)
	}

	allowed := normalReleaseFrom
	if kind == models.ReleaseArbitration {
		allowed = arbitrationReleaseFrom
	}
	now := c.now()
	release := models.Release{
		ID:           uuid.New(),
		TradeID:      trade.ID,
		Kind:         kind,
		SignerRole:   signer,
		Destination:  destination,
		PayoutAmount: split.Payout,
		PayoutAtomic: split.PayoutAtomic,
		FeeAmount:    split.Fee,
		FeeRate:      split.Rate,
		UnsignedTx:   unsigned,
		Status:       models.ReleaseInitiated,
		InitiatedBy:  actor,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.Trade
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&current, "id = ?", trade.ID).Error; err != nil {
			return err
		}
		if err := requireStatus(&current, allowed...); err != nil {
			return err
		}
		if err := requireNoCosignedRelease(tx, trade.ID); err != nil {
			return err
		}
		if err := tx.Where("trade_id = ? AND status = ?", trade.ID, models.ReleaseInitiated).Delete(&models.Release{}).Error; err != nil {
			return err
		}
		if err := tx.Create(&release).Error; err != nil {
			return err
		}
		details := fmt.Sprintf("kind=%s payout=%s fee=%s", kind, split.Payout, split.Fee)
		return storage.AppendEvent(tx, storage.EntityTrade, trade.ID, actor, "trade.release_initiated", details, now)
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("release initiated",
		slog.String("trade_id", trade.ID.String()),
		slog.String("kind", kind),
		logging.MaskField("destination", destination),
		logging.Blob("unsigned_blob", release.UnsignedTx),
		slog.String("payout", split.Payout.String()),
		slog.String("fee", split.Fee.String()))
	if kind == models.ReleaseArbitration {
		c.notify(ctx, trade.ID, notify.KindReleaseReady, "The arbitration release is ready for your signature", trade.PartyID(signer))
	}
	return &release, nil
}

// FinalizeRelease accepts the external signer's partially signed transaction,
// co-signs it with the service key, broadcasts it and completes the trade. The
// platform fee comes from the release row and is recorded once. Calling it
// again after completion returns the broadcast release unchanged.
func (c *Coordinator) FinalizeRelease(ctx context.Context, tradeID, actor uuid.UUID, signedTx string) (*models.Release, error) {
	trade, err := c.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	release, err := c.latestRelease(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if err := requireParty(trade, actor, release.SignerRole); err != nil {
		return nil, err
	}
	if release.Status == models.ReleaseBroadcast {
		return release, nil
	}
	signedTx = strings.TrimSpace(signedTx)
	if signedTx == "" {
		return nil, escrowerr.Invalid("signed transaction is required")
	}
	allowed := append([]models.TradeStatus{models.TradeReleasing}, normalReleaseFrom...)
	if release.Kind == models.ReleaseArbitration {
		allowed = append([]models.TradeStatus{models.TradeReleasing}, arbitrationReleaseFrom...)
	}
	if err := requireStatus(trade, allowed...); err != nil {
		return nil, err
	}
	sess, err := c.readySession(ctx, trade)
	if err != nil {
		return nil, err
	}

	unlock, err := c.locker.Lock(ctx, locks.SessionKey(sess.ID))
	if err != nil {
		return nil, fmt.Errorf("trade: lock session %s: %w", sess.ID, err)
	}
	defer unlock()

	// Another finalize may have completed while this one waited.
	if release, err = c.latestRelease(ctx, tradeID); err != nil {
		return nil, err
	}
	if release.Status == models.ReleaseBroadcast {
		return release, nil
	}

	if _, _, err := c.transitionTrade(ctx, tradeID, models.TradeReleasing, actor, func(t *models.Trade) error {
		return requireStatus(t, allowed...)
	}, nil); err != nil {
		return nil, err
	}

	var txIDs []string
	err = wallet.Use(ctx, c.wallet, sess.WalletName, c.cfg.Limits, func(callCtx context.Context, h *wallet.Handle) error {
		if release.CosignedTx == "" {
			signed, err := c.wallet.SignPartial(callCtx, h, signedTx)
			if err != nil {
				return err
			}
			if err := c.db.WithContext(ctx).Model(&models.Release{}).Where("id = ?", release.ID).
				Updates(map[string]any{"cosigned_tx": signed.Blob, "updated_at": c.now()}).Error; err != nil {
				return fmt.Errorf("trade: store cosigned tx: %w", err)
			}
			release.CosignedTx = signed.Blob
		}
		var err error
		txIDs, err = c.wallet.Submit(callCtx, h, release.CosignedTx)
		return err
	})
	if err != nil {
		c.logger.Warn("release broadcast failed",
			slog.String("trade_id", tradeID.String()),
			slog.String("session_id", sess.ID.String()),
			slog.String("phase", string(models.TradeReleasing)),
			slog.String("operation", "submit_multisig"),
			slog.Any("error", err))
		return nil, escrowerr.Capability("submit_multisig", sess.ID.String(), string(models.TradeReleasing), err)
	}

	joined := strings.Join(txIDs, ",")
	completed, _, err := c.transitionTrade(ctx, tradeID, models.TradeCompleted, actor, func(t *models.Trade) error {
		return requireStatus(t, models.TradeReleasing)
	}, func(tx *gorm.DB, t *models.Trade) error {
		now := c.now()
		fee := models.PlatformFee{
			ID:        uuid.New(),
			TradeID:   t.ID,
			Amount:    release.FeeAmount,
			Rate:      release.FeeRate,
			TxIDs:     joined,
			CreatedAt: now,
		}
		if err := tx.Create(&fee).Error; err != nil {
			return fmt.Errorf("trade: record platform fee: %w", err)
		}
		return tx.Model(&models.Release{}).Where("id = ?", release.ID).Updates(map[string]any{
			"status":       models.ReleaseBroadcast,
			"tx_ids":       joined,
			"broadcast_at": now,
			"updated_at":   now,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	c.metrics.RecordFee()
	c.logger.Info("trade completed",
		slog.String("trade_id", tradeID.String()),
		slog.String("tx_ids", joined),
		slog.String("fee", release.FeeAmount.String()))
	c.recompute(ctx, completed.BuyerID, completed.SellerID)
	c.notify(ctx, completed.ID, notify.KindCompleted, "Escrow released in transaction "+joined, completed.BuyerID, completed.SellerID)
	return c.latestRelease(ctx, tradeID)
}

// requireNoCosignedRelease rejects changes once the service has co-signed a
// release that is not yet recorded as broadcast: the payout may already be on
// chain and only FinalizeRelease can settle it.
func requireNoCosignedRelease(tx *gorm.DB, tradeID uuid.UUID) error {
	var cosigned int64
	if err := tx.Model(&models.Release{}).
		Where("trade_id = ? AND status = ? AND cosigned_tx <> ?", tradeID, models.ReleaseInitiated, "").
		Count(&cosigned).Error; err != nil {
		return err
	}
	if cosigned > 0 {
		return escrowerr.Phase("release", "cosigned", models.ReleaseInitiated)
	}
	return nil
}

func (c *Coordinator) latestRelease(ctx context.Context, tradeID uuid.UUID) (*models.Release, error) {
	var release models.Release
	err := c.db.WithContext(ctx).Where("trade_id = ?", tradeID).Order("created_at DESC").First(&release).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, escrowerr.Phase("release", "none", models.ReleaseInitiated)
	}
	if err != nil {
		return nil, fmt.Errorf("trade: load release: %w", err)
	}
	return &release, nil
}

func (c *Coordinator) readySession(ctx context.Context, trade *models.Trade) (*models.Session, error) {
	if trade.SessionID == nil {
		return nil, fmt.Errorf("trade %s has no session: %w", trade.ID, escrowerr.ErrSessionNotReady)
	}
	var sess models.Session
	if err := c.db.WithContext(ctx).First(&sess, "id = ?", *trade.SessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("session %s missing: %w", *trade.SessionID, escrowerr.ErrSessionNotReady)
		}
		return nil, fmt.Errorf("trade: load session: %w", err)
	}
	if sess.Status != models.SessionReady {
		return nil, fmt.Errorf("session %s is %s: %w", sess.ID, sess.Status, escrowerr.ErrSessionNotReady)
	}
	return &sess, nil
}
