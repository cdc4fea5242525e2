// Package trade drives the buyer/seller trade lifecycle on top of a multisig
// escrow session: funding, payment, two-phase release, fees and disputes.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tradeescrow/observability"
	"tradeescrow/services/escrowd/escrowerr"
	"tradeescrow/services/escrowd/locks"
	"tradeescrow/services/escrowd/models"
	"tradeescrow/services/escrowd/multisig"
	"tradeescrow/services/escrowd/notify"
	"tradeescrow/services/escrowd/storage"
	"tradeescrow/services/escrowd/wallet"
)

// SessionCreator creates the multisig session backing a trade.
type SessionCreator interface {
	CreateSession(ctx context.Context, params multisig.CreateSessionParams) (*models.Session, error)
}

// Notifier delivers trade notifications.
type Notifier interface {
	Notify(ctx context.Context, tradeID uuid.UUID, kind, message string, recipients ...uuid.UUID) error
}

// ReputationUpdater recomputes user scores after terminal outcomes.
type ReputationUpdater interface {
	Recompute(ctx context.Context, users ...uuid.UUID) error
}

// Config holds the fee schedule and wallet bounds.
type Config struct {
	FeeRate decimal.Decimal
	Limits  wallet.Limits
}

// Coordinator owns trade state transitions.
type Coordinator struct {
	db         *gorm.DB
	wallet     wallet.Capability
	locker     locks.Locker
	sessions   SessionCreator
	notifier   Notifier
	reputation ReputationUpdater
	cfg        Config
	logger     *slog.Logger
	metrics    *observability.EscrowMetrics
	now        func() time.Time
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithNotifier attaches a notification sink.
func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

// WithReputation attaches the reputation recomputation hook.
func WithReputation(r ReputationUpdater) Option {
	return func(c *Coordinator) { c.reputation = r }
}

// NewCoordinator wires the trade coordinator.
func NewCoordinator(db *gorm.DB, capability wallet.Capability, locker locks.Locker, sessions SessionCreator, cfg Config, opts ...Option) (*Coordinator, error) {
	if db == nil || capability == nil || locker == nil || sessions == nil {
		return nil, errors.New("trade: db, wallet, locker and session creator are required")
	}
	if cfg.FeeRate.IsZero() {
		cfg.FeeRate = DefaultFeeRate
	}
	if cfg.FeeRate.IsNegative() || cfg.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("trade: fee rate %s outside [0,1)", cfg.FeeRate)
	}
	c := &Coordinator{
		db:       db,
		wallet:   capability,
		locker:   locker,
		sessions: sessions,
		cfg:      cfg,
		logger:   slog.Default(),
		metrics:  observability.Escrow(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "trade"))
	return c, nil
}

// FeeRate returns the configured platform fee rate.
func (c *Coordinator) FeeRate() decimal.Decimal { return c.cfg.FeeRate }

// CreateTradeParams describes a new trade.
type CreateTradeParams struct {
	OfferID      *uuid.UUID
	BuyerID      uuid.UUID
	SellerID     uuid.UUID
	FiatAmount   decimal.Decimal
	FiatCurrency string
	CryptoAmount decimal.Decimal
	Actor        uuid.UUID
}

// CreateTrade stores a pending trade and creates its multisig session. When the
// session cannot be created the trade is returned together with the retryable
// error; EnsureSession completes the link later.
func (c *Coordinator) CreateTrade(ctx context.Context, params CreateTradeParams) (*models.Trade, error) {
	if params.BuyerID == uuid.Nil || params.SellerID == uuid.Nil {
		return nil, escrowerr.Invalid("buyer and seller are required")
	}
	if params.BuyerID == params.SellerID {
		return nil, escrowerr.Invalid("buyer and seller must differ")
	}
	if !params.CryptoAmount.IsPositive() {
		return nil, escrowerr.Invalid("crypto_amount must be positive")
	}
	if !params.CryptoAmount.Equal(params.CryptoAmount.Truncate(wallet.AtomicDecimals)) {
		return nil, escrowerr.Invalid("crypto_amount has more than %d decimals", wallet.AtomicDecimals)
	}
	if params.FiatAmount.IsNegative() {
		return nil, escrowerr.Invalid("fiat_amount must not be negative")
	}
	currency := strings.ToUpper(strings.TrimSpace(params.FiatCurrency))
	if currency == "" {
		return nil, escrowerr.Invalid("fiat_currency is required")
	}

	now := c.now()
	trade := models.Trade{
		ID:           uuid.New(),
		OfferID:      params.OfferID,
		BuyerID:      params.BuyerID,
		SellerID:     params.SellerID,
		Status:       models.TradePending,
		FiatAmount:   params.FiatAmount,
		FiatCurrency: currency,
		CryptoAmount: params.CryptoAmount,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&trade).Error; err != nil {
			return err
		}
		details := fmt.Sprintf("crypto=%s fiat=%s %s", trade.CryptoAmount, trade.FiatAmount, trade.FiatCurrency)
		return storage.AppendEvent(tx, storage.EntityTrade, trade.ID, params.Actor, "trade.created", details, now)
	}); err != nil {
		return nil, fmt.Errorf("trade: create: %w", err)
	}
	c.metrics.RecordTradeTransition(string(models.TradePending))
	c.logger.Info("trade created", slog.String("trade_id", trade.ID.String()), slog.String("crypto_amount", trade.CryptoAmount.String()))
	c.notify(ctx, trade.ID, notify.KindTradeCreated, "A new trade was opened", trade.SellerID)

	linked, err := c.EnsureSession(ctx, trade.ID)
	if err != nil {
		return &trade, err
	}
	return linked, nil
}

// EnsureSession creates and links the trade's session if it has none yet.
func (c *Coordinator) EnsureSession(ctx context.Context, tradeID uuid.UUID) (*models.Trade, error) {
	unlock, err := c.locker.Lock(ctx, locks.TradeKey(tradeID))
	if err != nil {
		return nil, fmt.Errorf("trade: lock %s: %w", tradeID, err)
	}
	defer unlock()

	trade, err := c.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.SessionID != nil {
		return trade, nil
	}
	if trade.Status != models.TradePending {
		return nil, escrowerr.Phase("trade", string(trade.Status), string(models.TradePending))
	}
	sess, err := c.sessions.CreateSession(ctx, multisig.CreateSessionParams{
		ParticipantA: &trade.BuyerID,
		ParticipantB: &trade.SellerID,
		Actor:        uuid.Nil,
	})
	if err != nil {
		c.logger.Warn("session creation failed", slog.String("trade_id", tradeID.String()), slog.Any("error", err))
		return nil, err
	}
	if err := c.LinkSession(ctx, tradeID, sess.ID); err != nil {
		return nil, err
	}
	return c.Get(ctx, tradeID)
}

// LinkSession sets the trade's session reference. The reference is written at
// most once; relinking to the same session is a no-op.
func (c *Coordinator) LinkSession(ctx context.Context, tradeID, sessionID uuid.UUID) error {
	now := c.now()
	var current *uuid.UUID
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Trade{}).
			Where("id = ? AND session_id IS NULL", tradeID).
			Updates(map[string]any{"session_id": sessionID, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			return storage.AppendEvent(tx, storage.EntityTrade, tradeID, uuid.Nil, "trade.session_linked", "session="+sessionID.String(), now)
		}
		var trade models.Trade
		if err := tx.First(&trade, "id = ?", tradeID).Error; err != nil {
			return err
		}
		current = trade.SessionID
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("trade %s: %w", tradeID, escrowerr.ErrNotFound)
		}
		return fmt.Errorf("trade: link session: %w", err)
	}
	if current != nil && *current != sessionID {
		return escrowerr.Phase("trade session", current.String())
	}
	return nil
}

// Get loads a trade.
func (c *Coordinator) Get(ctx context.Context, tradeID uuid.UUID) (*models.Trade, error) {
	var trade models.Trade
	if err := c.db.WithContext(ctx).First(&trade, "id = ?", tradeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("trade %s: %w", tradeID, escrowerr.ErrNotFound)
		}
		return nil, fmt.Errorf("trade: load: %w", err)
	}
	return &trade, nil
}

// Details is the full view of a trade returned to its parties.
type Details struct {
	Trade   models.Trade        `json:"trade"`
	Release *models.Release     `json:"release,omitempty"`
	Dispute *models.Dispute     `json:"dispute,omitempty"`
	Fee     *models.PlatformFee `json:"platform_fee,omitempty"`
}

// Details loads the trade with its latest release, dispute and fee records.
func (c *Coordinator) Details(ctx context.Context, tradeID uuid.UUID) (*Details, error) {
	trade, err := c.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	out := &Details{Trade: *trade}
	db := c.db.WithContext(ctx)

	var release models.Release
	if err := db.Where("trade_id = ?", tradeID).Order("created_at DESC").Limit(1).Find(&release).Error; err != nil {
		return nil, fmt.Errorf("trade: load release: %w", err)
	}
	if release.ID != uuid.Nil {
		out.Release = &release
	}
	var dispute models.Dispute
	if err := db.Where("trade_id = ?", tradeID).Order("created_at DESC").Limit(1).Find(&dispute).Error; err != nil {
		return nil, fmt.Errorf("trade: load dispute: %w", err)
	}
	if dispute.ID != uuid.Nil {
		out.Dispute = &dispute
	}
	var fee models.PlatformFee
	if err := db.Where("trade_id = ?", tradeID).Limit(1).Find(&fee).Error; err != nil {
		return nil, fmt.Errorf("trade: load fee: %w", err)
	}
	if fee.ID != uuid.Nil {
		out.Fee = &fee
	}
	return out, nil
}

// transitionTrade wraps a state change with row locking, validation,
// persistence and audit logging. guard runs first against the locked row and
// may reject the call; hook runs inside the same transaction after the status
// is saved. changed is false when the trade was already in next.
func (c *Coordinator) transitionTrade(ctx context.Context, tradeID uuid.UUID, next models.TradeStatus, actor uuid.UUID, guard func(*models.Trade) error, hook func(*gorm.DB, *models.Trade) error) (*models.Trade, bool, error) {
	var (
		out     models.Trade
		changed bool
	)
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var trade models.Trade
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&trade, "id = ?", tradeID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("trade %s: %w", tradeID, escrowerr.ErrNotFound)
			}
			return err
		}
		if guard != nil {
			if err := guard(&trade); err != nil {
				return err
			}
		}
		if trade.Status == next {
			out = trade
			return nil
		}
		if err := ValidateTransition(trade.Status, next); err != nil {
			return err
		}
		from := trade.Status
		now := c.now()
		trade.Status = next
		trade.UpdatedAt = now
		switch next {
		case models.TradeFunded:
			trade.FundedAt = &now
		case models.TradePaymentSent:
			trade.PaymentSentAt = &now
		case models.TradeCompleted:
			trade.CompletedAt = &now
		case models.TradeCancelled:
			trade.CancelledAt = &now
		}
		if err := tx.Save(&trade).Error; err != nil {
			return err
		}
		if hook != nil {
			if err := hook(tx, &trade); err != nil {
				return err
			}
		}
		if err := storage.AppendEvent(tx, storage.EntityTrade, trade.ID, actor, "trade."+string(next), "from="+string(from), now); err != nil {
			return err
		}
		out = trade
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if changed {
		c.metrics.RecordTradeTransition(string(next))
		c.logger.Info("trade transitioned", slog.String("trade_id", tradeID.String()), slog.String("status", string(next)))
	}
	return &out, changed, nil
}

func (c *Coordinator) notify(ctx context.Context, tradeID uuid.UUID, kind, message string, recipients ...uuid.UUID) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Notify(ctx, tradeID, kind, message, recipients...); err != nil {
		c.logger.Warn("notification failed", slog.String("trade_id", tradeID.String()), slog.String("kind", kind), slog.Any("error", err))
	}
}

func (c *Coordinator) recompute(ctx context.Context, users ...uuid.UUID) {
	if c.reputation == nil {
		return
	}
	if err := c.reputation.Recompute(ctx, users...); err != nil {
		c.logger.Warn("reputation recompute failed", slog.Any("error", err))
	}
}

func requireParty(trade *models.Trade, actor uuid.UUID, parties ...string) error {
	role := trade.PartyRole(actor)
	if role == "" {
		return fmt.Errorf("%w: actor is not a party to trade %s", escrowerr.ErrRoleViolation, trade.ID)
	}
	for _, p := range parties {
		if role == p {
			return nil
		}
	}
	return fmt.Errorf("%w: %s may not perform this action", escrowerr.ErrRoleViolation, role)
}

func requireStatus(trade *models.Trade, allowed ...models.TradeStatus) error {
	for _, s := range allowed {
		if trade.Status == s {
			return nil
		}
	}
	return escrowerr.Phase("trade", string(trade.Status), statusNames(allowed)...)
}
