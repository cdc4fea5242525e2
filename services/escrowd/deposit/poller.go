// Package deposit detects escrow funding by polling the session wallet balance
// and moves pending trades to funded once the deposit is spendable.
package deposit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"tradeescrow/observability"
	"tradeescrow/services/escrowd/escrowerr"
	"tradeescrow/services/escrowd/locks"
	"tradeescrow/services/escrowd/models"
	"tradeescrow/services/escrowd/notify"
	"tradeescrow/services/escrowd/storage"
	"tradeescrow/services/escrowd/wallet"
)

// Check triggers, used as metric labels.
const (
	TriggerSweep  = "sweep"
	TriggerManual = "manual"
)

// Notifier delivers funding notifications to trade parties.
type Notifier interface {
	Notify(ctx context.Context, tradeID uuid.UUID, kind, message string, recipients ...uuid.UUID) error
}

// Config tunes the poller.
type Config struct {
	PollInterval time.Duration
	Limits       wallet.Limits
	Concurrency  int
	BatchSize    int
}

// Result reports one balance check. Amounts are atomic units.
type Result struct {
	SessionID       uuid.UUID  `json:"session_id"`
	TradeID         *uuid.UUID `json:"trade_id,omitempty"`
	Expected        uint64     `json:"expected"`
	Balance         uint64     `json:"balance"`
	UnlockedBalance uint64     `json:"unlocked_balance"`
	HasDeposit      bool       `json:"has_deposit"`
	IsUnlocked      bool       `json:"is_unlocked"`
	// Funded is true only for the check that moved the trade to funded.
	Funded      bool               `json:"funded"`
	TradeStatus models.TradeStatus `json:"trade_status,omitempty"`
}

// BalanceXMR returns the total balance in coin units.
func (r Result) BalanceXMR() decimal.Decimal { return wallet.FromAtomic(r.Balance) }

// Poller checks session balances on demand and on a fixed interval.
type Poller struct {
	db       *gorm.DB
	wallet   wallet.Capability
	locker   locks.Locker
	notifier Notifier
	cfg      Config
	logger   *slog.Logger
	metrics  *observability.EscrowMetrics
	now      func() time.Time
}

// NewPoller wires a poller. notifier may be nil.
func NewPoller(db *gorm.DB, capability wallet.Capability, locker locks.Locker, notifier Notifier, cfg Config, logger *slog.Logger) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		db:       db,
		wallet:   capability,
		locker:   locker,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "deposit")),
		metrics:  observability.Escrow(),
		now:      time.Now,
	}
}

// CheckDeposit compares the session wallet balance against expected atomic
// units. Concurrent callers for one session queue on the session lock and each
// performs its own wallet round trip.
func (p *Poller) CheckDeposit(ctx context.Context, sessionID uuid.UUID, expected uint64) (*Result, error) {
	return p.check(ctx, sessionID, expected, TriggerManual)
}

// CheckTrade is the "check now" entry point for a trade's escrow deposit.
func (p *Poller) CheckTrade(ctx context.Context, tradeID uuid.UUID) (*Result, error) {
	var trade models.Trade
	if err := p.db.WithContext(ctx).First(&trade, "id = ?", tradeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("trade %s: %w", tradeID, escrowerr.ErrNotFound)
		}
		return nil, fmt.Errorf("deposit: load trade: %w", err)
	}
	if trade.SessionID == nil {
		return nil, fmt.Errorf("trade %s has no session: %w", tradeID, escrowerr.ErrSessionNotReady)
	}
	expected, err := wallet.ToAtomic(trade.CryptoAmount)
	if err != nil {
		return nil, escrowerr.Invalid("crypto amount: %v", err)
	}
	return p.check(ctx, *trade.SessionID, expected, TriggerManual)
}

// Run sweeps pending trades every PollInterval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("deposit poller started", slog.Duration("interval", p.cfg.PollInterval), slog.Int("concurrency", p.cfg.Concurrency))
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.Sweep(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("deposit sweep failed", slog.Any("error", err))
			}
		}
	}
}

// Sweep checks every pending trade whose session is ready and returns how many
// trades moved to funded. Individual check failures are logged and skipped.
func (p *Poller) Sweep(ctx context.Context) (int, error) {
	var trades []models.Trade
	err := p.db.WithContext(ctx).
		Select("trades.*").
		Joins("JOIN sessions ON sessions.id = trades.session_id").
		Where("trades.status = ? AND sessions.status = ?", models.TradePending, models.SessionReady).
		Order("trades.created_at").
		Limit(p.cfg.BatchSize).
		Find(&trades).Error
	if err != nil {
		return 0, fmt.Errorf("deposit: list pending trades: %w", err)
	}

	funded := make(chan struct{}, len(trades))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, trade := range trades {
		g.Go(func() error {
			expected, err := wallet.ToAtomic(trade.CryptoAmount)
			if err != nil {
				p.logger.Error("invalid crypto amount", slog.String("trade_id", trade.ID.String()), slog.Any("error", err))
				return nil
			}
			res, err := p.check(gctx, *trade.SessionID, expected, TriggerSweep)
			if err != nil {
				p.logger.Warn("deposit check failed",
					slog.String("trade_id", trade.ID.String()),
					slog.String("session_id", trade.SessionID.String()),
					slog.Any("error", err))
				return nil
			}
			if res.Funded {
				funded <- struct{}{}
			}
			return nil
		})
	}
	_ = g.Wait()
	close(funded)
	return len(funded), nil
}

func (p *Poller) check(ctx context.Context, sessionID uuid.UUID, expected uint64, trigger string) (*Result, error) {
	unlock, err := p.locker.Lock(ctx, locks.SessionKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("deposit: lock session %s: %w", sessionID, err)
	}
	defer unlock()

	var sess models.Session
	if err := p.db.WithContext(ctx).First(&sess, "id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("session %s: %w", sessionID, escrowerr.ErrNotFound)
		}
		return nil, fmt.Errorf("deposit: load session: %w", err)
	}
	if sess.Status != models.SessionReady {
		return nil, fmt.Errorf("session %s is %s: %w", sessionID, sess.Status, escrowerr.ErrSessionNotReady)
	}

	var balance wallet.Balance
	err = wallet.Use(ctx, p.wallet, sess.WalletName, p.cfg.Limits, func(ctx context.Context, h *wallet.Handle) error {
		var err error
		balance, err = p.wallet.Balance(ctx, h)
		return err
	})
	if err != nil {
		p.metrics.RecordDepositCheck(trigger, "error")
		p.logger.Warn("balance check failed",
			slog.String("session_id", sessionID.String()),
			slog.String("phase", sess.Status),
			slog.String("operation", "get_balance"),
			slog.Any("error", err))
		return nil, escrowerr.Capability("get_balance", sessionID.String(), sess.Status, err)
	}

	res := &Result{
		SessionID:       sessionID,
		Expected:        expected,
		Balance:         balance.Total,
		UnlockedBalance: balance.Unlocked,
		HasDeposit:      expected > 0 && balance.Total >= expected,
		IsUnlocked:      expected > 0 && balance.Unlocked >= expected,
	}

	var trade models.Trade
	err = p.db.WithContext(ctx).First(&trade, "session_id = ?", sessionID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		p.metrics.RecordDepositCheck(trigger, outcome(res))
		return res, nil
	case err != nil:
		return nil, fmt.Errorf("deposit: load trade: %w", err)
	}
	res.TradeID = &trade.ID
	res.TradeStatus = trade.Status

	if res.IsUnlocked && trade.Status == models.TradePending {
		changed, err := p.markFunded(ctx, &trade, balance)
		if err != nil {
			return nil, err
		}
		if changed {
			res.Funded = true
			res.TradeStatus = models.TradeFunded
		}
	}
	p.metrics.RecordDepositCheck(trigger, outcome(res))
	return res, nil
}

// markFunded moves the trade to funded only if it is still pending. It reports
// whether this call performed the transition.
func (p *Poller) markFunded(ctx context.Context, trade *models.Trade, balance wallet.Balance) (bool, error) {
	now := p.now()
	changed := false
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Trade{}).
			Where("id = ? AND status = ?", trade.ID, models.TradePending).
			Updates(map[string]any{"status": models.TradeFunded, "funded_at": now, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		changed = true
		details := fmt.Sprintf("balance=%d unlocked=%d", balance.Total, balance.Unlocked)
		return storage.AppendEvent(tx, storage.EntityTrade, trade.ID, uuid.Nil, "trade."+string(models.TradeFunded), details, now)
	})
	if err != nil {
		return false, fmt.Errorf("deposit: mark funded: %w", err)
	}
	if !changed {
		return false, nil
	}
	p.metrics.RecordTradeTransition(string(models.TradeFunded))
	p.logger.Info("trade funded", slog.String("trade_id", trade.ID.String()), slog.Uint64("unlocked", balance.Unlocked))
	if p.notifier != nil {
		msg := fmt.Sprintf("Escrow deposit of %s XMR confirmed", trade.CryptoAmount.String())
		if err := p.notifier.Notify(ctx, trade.ID, notify.KindFunded, msg, trade.BuyerID, trade.SellerID); err != nil {
			p.logger.Warn("notification failed", slog.String("trade_id", trade.ID.String()), slog.String("kind", notify.KindFunded), slog.Any("error", err))
		}
	}
	return true, nil
}

func outcome(res *Result) string {
	switch {
	case res.Funded:
		return "funded"
	case res.IsUnlocked:
		return "unlocked"
	case res.HasDeposit:
		return "locked"
	default:
		return "empty"
	}
}
