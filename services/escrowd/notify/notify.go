// Package notify persists per-user inbox entries for trade events.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"tradeescrow/services/escrowd/escrowerr"
	"tradeescrow/services/escrowd/models"
)

// Notification kinds.
const (
	KindTradeCreated     = "trade.created"
	KindFunded           = "trade.funded"
	KindPaymentSent      = "trade.payment_sent"
	KindPaymentConfirmed = "trade.payment_confirmed"
	KindReleaseReady     = "trade.release_ready"
	KindCompleted        = "trade.completed"
	KindCancelled        = "trade.cancelled"
	KindDisputeOpened    = "dispute.opened"
	KindDisputeResolved  = "dispute.resolved"
)

const defaultListLimit = 50

// Notifier writes and reads notification rows.
type Notifier struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a Notifier. A nil logger falls back to slog.Default.
func New(db *gorm.DB, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{db: db, logger: logger.With(slog.String("component", "notify")), now: time.Now}
}

// Notify stores one message per recipient. Failures are logged and returned;
// callers invoke it after their transaction commits, so a failure never rolls
// back the state change it reports.
func (n *Notifier) Notify(ctx context.Context, tradeID uuid.UUID, kind, message string, recipients ...uuid.UUID) error {
	if n == nil || n.db == nil || len(recipients) == 0 {
		return nil
	}
	now := n.now()
	rows := make([]models.Notification, 0, len(recipients))
	seen := make(map[uuid.UUID]struct{}, len(recipients))
	for _, user := range recipients {
		if user == uuid.Nil {
			continue
		}
		if _, dup := seen[user]; dup {
			continue
		}
		seen[user] = struct{}{}
		trade := tradeID
		rows = append(rows, models.Notification{
			ID:        uuid.New(),
			UserID:    user,
			TradeID:   &trade,
			Kind:      kind,
			Message:   message,
			CreatedAt: now,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	if err := n.db.WithContext(ctx).Create(&rows).Error; err != nil {
		n.logger.Warn("store notification failed", slog.String("trade_id", tradeID.String()), slog.String("kind", kind), slog.Any("error", err))
		return fmt.Errorf("notify: store: %w", err)
	}
	return nil
}

// List returns the newest notifications for user. unreadOnly filters out
// entries already marked read.
func (n *Notifier) List(ctx context.Context, user uuid.UUID, unreadOnly bool, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 500 {
		limit = defaultListLimit
	}
	query := n.db.WithContext(ctx).Where("user_id = ?", user)
	if unreadOnly {
		query = query.Where("read_at IS NULL")
	}
	var out []models.Notification
	if err := query.Order("created_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("notify: list: %w", err)
	}
	return out, nil
}

// MarkRead stamps a notification owned by user as read. Marking twice keeps
// the first timestamp.
func (n *Notifier) MarkRead(ctx context.Context, user, id uuid.UUID) (*models.Notification, error) {
	var note models.Notification
	err := n.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&note, "id = ? AND user_id = ?", id, user).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("notification %s: %w", id, escrowerr.ErrNotFound)
			}
			return err
		}
		if note.ReadAt != nil {
			return nil
		}
		now := n.now()
		if err := tx.Model(&note).Update("read_at", now).Error; err != nil {
			return err
		}
		note.ReadAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &note, nil
}
