// Package reputation derives per-user trade statistics from trade and
// dispute history.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"tradeescrow/services/escrowd/models"
)

// Service recomputes and serves reputation scores.
type Service struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a reputation service.
func New(db *gorm.DB, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, logger: logger.With(slog.String("component", "reputation")), now: time.Now}
}

// Recompute rebuilds the score of every listed user from scratch, so calling
// it repeatedly is safe.
func (s *Service) Recompute(ctx context.Context, users ...uuid.UUID) error {
	if s == nil || s.db == nil {
		return nil
	}
	for _, user := range users {
		if user == uuid.Nil {
			continue
		}
		if err := s.recomputeUser(ctx, user); err != nil {
			s.logger.Warn("recompute reputation failed", slog.String("user_id", user.String()), slog.Any("error", err))
			return err
		}
	}
	return nil
}

// Get returns the stored score. Users without history get a zero score.
func (s *Service) Get(ctx context.Context, user uuid.UUID) (*models.ReputationScore, error) {
	var score models.ReputationScore
	err := s.db.WithContext(ctx).First(&score, "user_id = ?", user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.ReputationScore{UserID: user, CompletionRatio: decimal.Zero}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reputation: load: %w", err)
	}
	return &score, nil
}

func (s *Service) recomputeUser(ctx context.Context, user uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var trades []models.Trade
		if err := tx.Where("buyer_id = ? OR seller_id = ?", user, user).Find(&trades).Error; err != nil {
			return fmt.Errorf("reputation: load trades: %w", err)
		}

		score := models.ReputationScore{UserID: user, UpdatedAt: s.now()}
		party := make(map[uuid.UUID]string, len(trades))
		ids := make([]uuid.UUID, 0, len(trades))
		for _, t := range trades {
			party[t.ID] = t.PartyRole(user)
			ids = append(ids, t.ID)
			switch t.Status {
			case models.TradeCompleted:
				score.CompletedTrades++
			case models.TradeCancelled:
				score.CancelledTrades++
			}
		}

		if len(ids) > 0 {
			var disputes []models.Dispute
			if err := tx.Where("trade_id IN ?", ids).Find(&disputes).Error; err != nil {
				return fmt.Errorf("reputation: load disputes: %w", err)
			}
			for _, d := range disputes {
				if d.OpenedBy != user {
					score.DisputesAgainst++
				}
				if d.Status == models.DisputeResolved && d.Recipient != "" && d.Recipient != party[d.TradeID] {
					score.DisputesLost++
				}
			}
		}

		score.CompletionRatio = ratio(score.CompletedTrades, score.CompletedTrades+score.CancelledTrades)
		return tx.Save(&score).Error
	})
}

func ratio(num, den int64) decimal.Decimal {
	if den == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(num).DivRound(decimal.NewFromInt(den), 6)
}
