// Package multisig coordinates the three-party multisig wallet setup: it
// relays participant contributions and drives the service's own key through
// the prepare, make and exchange steps.
package multisig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"tradeescrow/observability"
	"tradeescrow/observability/logging"
	"tradeescrow/services/escrowd/escrowerr"
	"tradeescrow/services/escrowd/locks"
	"tradeescrow/services/escrowd/models"
	"tradeescrow/services/escrowd/storage"
	"tradeescrow/services/escrowd/wallet"
)

const participantCount = 3

// Config controls session shape and wallet behaviour.
type Config struct {
	Threshold          int
	TotalParticipants  int
	WalletPrefix       string
	Limits             wallet.Limits
	ReanchorAfterReady bool
}

// Coordinator owns the session state machine.
type Coordinator struct {
	db      *gorm.DB
	wallet  wallet.Capability
	locker  locks.Locker
	cfg     Config
	logger  *slog.Logger
	metrics *observability.EscrowMetrics
	now     func() time.Time
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

// NewCoordinator validates cfg and wires the coordinator dependencies.
func NewCoordinator(db *gorm.DB, capability wallet.Capability, locker locks.Locker, cfg Config, opts ...Option) (*Coordinator, error) {
	if db == nil || capability == nil || locker == nil {
		return nil, errors.New("multisig: db, wallet and locker are required")
	}
	if cfg.TotalParticipants == 0 {
		cfg.TotalParticipants = participantCount
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = 2
	}
	if cfg.TotalParticipants != participantCount {
		return nil, fmt.Errorf("multisig: sessions have exactly %d participants, got %d", participantCount, cfg.TotalParticipants)
	}
	if cfg.Threshold < 2 || cfg.Threshold > cfg.TotalParticipants {
		return nil, fmt.Errorf("multisig: threshold %d outside [2,%d]", cfg.Threshold, cfg.TotalParticipants)
	}
	if cfg.WalletPrefix == "" {
		cfg.WalletPrefix = "escrow-"
	}
	c := &Coordinator{
		db:      db,
		wallet:  capability,
		locker:  locker,
		cfg:     cfg,
		logger:  slog.Default(),
		metrics: observability.Escrow(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "multisig"))
	return c, nil
}

// CreateSessionParams binds the external roles to users. Both are optional.
type CreateSessionParams struct {
	ParticipantA *uuid.UUID
	ParticipantB *uuid.UUID
	Actor        uuid.UUID
}

// Submission is one participant contribution.
type Submission struct {
	Role  Role
	Actor uuid.UUID
	Hex   string
	Round int
}

// CreateSession creates the service wallet, prepares its multisig blob and
// persists a session in the preparing phase.
func (c *Coordinator) CreateSession(ctx context.Context, params CreateSessionParams) (*models.Session, error) {
	id := uuid.New()
	name := c.cfg.WalletPrefix + id.String()

	createCtx, cancel := context.WithTimeout(ctx, c.limits().Call)
	err := c.wallet.Create(createCtx, name)
	cancel()
	c.metrics.RecordAutoTrigger("create", err)
	if err != nil {
		c.logger.Warn("create wallet failed", slog.String("session_id", id.String()), slog.String("operation", "create_wallet"), slog.Any("error", err))
		return nil, escrowerr.Capability("create_wallet", id.String(), models.SessionPreparing, err)
	}

	var (
		prepared string
		height   uint64
	)
	err = wallet.Use(ctx, c.wallet, name, c.limits(), func(ctx context.Context, h *wallet.Handle) error {
		var err error
		prepared, err = c.wallet.PrepareMultisig(ctx, h)
		if err != nil {
			return err
		}
		height, err = c.wallet.DaemonHeight(ctx)
		if err != nil {
			c.logger.Debug("daemon height unavailable, using wallet height", slog.String("session_id", id.String()), slog.Any("error", err))
			height, err = c.wallet.CurrentHeight(ctx, h)
		}
		return err
	})
	c.metrics.RecordAutoTrigger(models.SessionPreparing, err)
	if err != nil {
		c.logger.Warn("prepare multisig failed", slog.String("session_id", id.String()), slog.String("operation", "prepare_multisig"), slog.Any("error", err))
		return nil, escrowerr.Capability("prepare_multisig", id.String(), models.SessionPreparing, err)
	}

	now := c.now()
	sess := models.Session{
		ID:                id,
		Threshold:         c.cfg.Threshold,
		TotalParticipants: c.cfg.TotalParticipants,
		Status:            models.SessionPreparing,
		CreationHeight:    height,
		WalletName:        name,
		ParticipantAID:    params.ParticipantA,
		ParticipantBID:    params.ParticipantB,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&sess).Error; err != nil {
			return err
		}
		for _, role := range allRoles {
			slot := models.Participant{
				ID:        uuid.New(),
				SessionID: id,
				Role:      string(role),
				CreatedAt: now,
				UpdatedAt: now,
			}
			if role == RoleService {
				slot.PreparedHex = prepared
			}
			if err := tx.Create(&slot).Error; err != nil {
				return err
			}
		}
		return storage.AppendEvent(tx, storage.EntitySession, id, params.Actor, "session.created", fmt.Sprintf("threshold=%d participants=%d height=%d", sess.Threshold, sess.TotalParticipants, height), now)
	}); err != nil {
		return nil, fmt.Errorf("multisig: persist session: %w", err)
	}
	c.metrics.RecordPhase(models.SessionPreparing)
	c.logger.Info("session created", slog.String("session_id", id.String()), slog.Uint64("creation_height", height))
	return &sess, nil
}

// SubmitPrepared records a participant's prepared blob. Once all three are
// present the service's made blob is computed and the session moves to making.
func (c *Coordinator) SubmitPrepared(ctx context.Context, sessionID uuid.UUID, sub Submission) (*Status, error) {
	if strings.TrimSpace(sub.Hex) == "" {
		return nil, escrowerr.Invalid("prepared blob required")
	}
	return c.submit(ctx, sessionID, sub, PhasePreparing, func(*models.Session) (map[string]any, error) {
		return map[string]any{"prepared_hex": sub.Hex}, nil
	})
}

// SubmitMade records a participant's made blob. Once all three are present
// the session moves to exchanging.
func (c *Coordinator) SubmitMade(ctx context.Context, sessionID uuid.UUID, sub Submission) (*Status, error) {
	if strings.TrimSpace(sub.Hex) == "" {
		return nil, escrowerr.Invalid("made blob required")
	}
	return c.submit(ctx, sessionID, sub, PhaseMaking, func(*models.Session) (map[string]any, error) {
		return map[string]any{"made_hex": sub.Hex}, nil
	})
}

// SubmitExchange records a participant's exchange blob for the current round.
// Only the final round accepts an empty blob.
func (c *Coordinator) SubmitExchange(ctx context.Context, sessionID uuid.UUID, sub Submission) (*Status, error) {
	return c.submit(ctx, sessionID, sub, PhaseExchanging, func(sess *models.Session) (map[string]any, error) {
		if sub.Round != sess.ExchangeRound {
			return nil, escrowerr.Phase("exchange round", fmt.Sprint(sess.ExchangeRound))
		}
		final := sess.ExchangeRound+1 >= sess.ExchangeRounds()
		if !final && strings.TrimSpace(sub.Hex) == "" {
			return nil, escrowerr.Invalid("exchange blob required before the final round")
		}
		return map[string]any{"exchange_hex": sub.Hex, "exchange_submitted": true}, nil
	})
}

// Status returns a read-only projection of the session.
func (c *Coordinator) Status(ctx context.Context, sessionID uuid.UUID) (*Status, error) {
	sess, slots, err := c.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return buildStatus(sess, slots), nil
}

// RetryAutoTrigger re-evaluates the pending service computation for the
// current phase, or the missing re-anchor once the session is ready.
func (c *Coordinator) RetryAutoTrigger(ctx context.Context, sessionID uuid.UUID) (*Status, error) {
	unlock, err := c.lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, slots, err := c.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	c.logger.Info("retrying auto trigger", slog.String("session_id", sessionID.String()), slog.String("phase", sess.Status))
	if sess.Status != models.SessionReady {
		if sess, err = c.advance(ctx, sess, slots); err != nil {
			return nil, err
		}
	}
	if sess.Status == models.SessionReady {
		if err := c.reanchor(ctx, sess); err != nil {
			return nil, err
		}
	}
	return c.Status(ctx, sessionID)
}

func (c *Coordinator) submit(ctx context.Context, sessionID uuid.UUID, sub Submission, want Phase, apply func(*models.Session) (map[string]any, error)) (*Status, error) {
	unlock, err := c.lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, _, err := c.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := authorize(sess, sub); err != nil {
		return nil, err
	}
	if sess.Status != want.String() {
		return nil, escrowerr.Phase("session", sess.Status, want.String())
	}
	updates, err := apply(sess)
	if err != nil {
		return nil, err
	}
	now := c.now()
	updates["updated_at"] = now
	if err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Participant{}).
			Where("session_id = ? AND role = ?", sessionID, string(sub.Role)).
			Updates(updates).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Session{}).Where("id = ?", sessionID).Update("updated_at", now).Error; err != nil {
			return err
		}
		return storage.AppendEvent(tx, storage.EntitySession, sessionID, sub.Actor, fmt.Sprintf("session.%s.%s", want, sub.Role), fmt.Sprintf("round=%d", sess.ExchangeRound), now)
	}); err != nil {
		return nil, fmt.Errorf("multisig: persist submission: %w", err)
	}
	c.logger.Debug("submission recorded",
		slog.String("session_id", sessionID.String()),
		slog.String("phase", want.String()),
		slog.String("role", string(sub.Role)),
		slog.Int("round", sess.ExchangeRound),
		logging.Blob("hex", sub.Hex))

	sess, slots, err := c.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess, err = c.advance(ctx, sess, slots); err != nil {
		return nil, err
	}
	if sess.Status == models.SessionReady {
		if err := c.reanchor(ctx, sess); err != nil {
			// The session is usable; the operator retry endpoint re-runs the step.
			c.logger.Warn("reanchor deferred", slog.String("session_id", sessionID.String()), slog.Any("error", err))
		}
	}
	return c.Status(ctx, sessionID)
}

func authorize(sess *models.Session, sub Submission) error {
	if !sub.Role.External() {
		return fmt.Errorf("%w: role %q cannot be submitted externally", escrowerr.ErrRoleViolation, sub.Role)
	}
	var bound *uuid.UUID
	switch sub.Role {
	case RoleParticipantA:
		bound = sess.ParticipantAID
	case RoleParticipantB:
		bound = sess.ParticipantBID
	}
	if bound != nil && *bound != sub.Actor {
		return fmt.Errorf("%w: actor is not bound to %s", escrowerr.ErrRoleViolation, sub.Role)
	}
	return nil
}

// advance moves the session forward as far as the filled slots allow,
// performing the service's computation for each step at most once. It returns
// the session as last persisted.
func (c *Coordinator) advance(ctx context.Context, sess *models.Session, slots map[Role]*models.Participant) (*models.Session, error) {
	for {
		phase, err := ParsePhase(sess.Status)
		if err != nil {
			return sess, err
		}
		switch phase {
		case PhasePreparing:
			if !filled(slots, func(p *models.Participant) bool { return p.PreparedHex != "" }) {
				return sess, nil
			}
			if err := c.enterMaking(ctx, sess, slots); err != nil {
				return sess, err
			}
		case PhaseMaking:
			if !filled(slots, func(p *models.Participant) bool { return p.MadeHex != "" }) {
				return sess, nil
			}
			if err := c.transition(ctx, sess, PhaseMaking, PhaseExchanging, map[string]any{"exchange_round": 0}); err != nil {
				return sess, err
			}
			sess.ExchangeRound = 0
		case PhaseExchanging:
			a, b := slots[RoleParticipantA], slots[RoleParticipantB]
			if !a.ExchangeSubmitted || !b.ExchangeSubmitted {
				return sess, nil
			}
			address, err := c.serviceExchange(ctx, sess, slots)
			if err != nil {
				return sess, err
			}
			if sess.ExchangeRound+1 < sess.ExchangeRounds() {
				if err := c.nextRound(ctx, sess); err != nil {
					return sess, err
				}
				if sess, slots, err = c.load(ctx, sess.ID); err != nil {
					return nil, err
				}
				continue
			}
			if err := c.enterReady(ctx, sess, address); err != nil {
				return sess, err
			}
		case PhaseReady:
			return sess, nil
		}
	}
}

func (c *Coordinator) enterMaking(ctx context.Context, sess *models.Session, slots map[Role]*models.Participant) error {
	service := slots[RoleService]
	made := service.MadeHex
	if made == "" {
		peers := []string{slots[RoleParticipantA].PreparedHex, slots[RoleParticipantB].PreparedHex}
		err := wallet.Use(ctx, c.wallet, sess.WalletName, c.limits(), func(ctx context.Context, h *wallet.Handle) error {
			var err error
			made, err = c.wallet.MakeMultisig(ctx, h, peers, sess.Threshold)
			return err
		})
		c.metrics.RecordAutoTrigger(models.SessionMaking, err)
		if err != nil {
			return c.triggerFailed(ctx, sess, "make_multisig", err)
		}
	}
	now := c.now()
	if err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Participant{}).Where("id = ?", service.ID).
			Updates(map[string]any{"made_hex": made, "updated_at": now}).Error; err != nil {
			return err
		}
		return c.transitionTx(tx, sess, PhasePreparing, PhaseMaking, nil, now)
	}); err != nil {
		return err
	}
	service.MadeHex = made
	return nil
}

// serviceExchange runs the service's exchange for the current round once
// both external slots are filled. The slot is persisted before anything else
// touches the wallet, so a later failure never repeats the exchange. On the
// final round it then fetches the wallet's primary address.
func (c *Coordinator) serviceExchange(ctx context.Context, sess *models.Session, slots map[Role]*models.Participant) (string, error) {
	service := slots[RoleService]
	final := sess.ExchangeRound+1 >= sess.ExchangeRounds()

	var result wallet.ExchangeResult
	if !service.ExchangeSubmitted {
		err := wallet.Use(ctx, c.wallet, sess.WalletName, c.limits(), func(ctx context.Context, h *wallet.Handle) error {
			var err error
			result, err = c.wallet.ExchangeMultisigKeys(ctx, h, exchangeInputs(sess, slots))
			return err
		})
		c.metrics.RecordAutoTrigger(models.SessionExchanging, err)
		if err != nil {
			return "", c.triggerFailed(ctx, sess, "exchange_multisig_keys", err)
		}
		if err := c.recordServiceExchange(ctx, sess, service, result.Blob); err != nil {
			return "", err
		}
	}
	if !final {
		return "", nil
	}

	var address string
	err := wallet.Use(ctx, c.wallet, sess.WalletName, c.limits(), func(ctx context.Context, h *wallet.Handle) error {
		var err error
		address, err = c.wallet.PrimaryAddress(ctx, h)
		return err
	})
	c.metrics.RecordAutoTrigger(models.SessionExchanging, err)
	if err != nil {
		return "", c.triggerFailed(ctx, sess, "primary_address", err)
	}
	if address == "" {
		address = result.Address
	}
	return address, nil
}

func (c *Coordinator) recordServiceExchange(ctx context.Context, sess *models.Session, service *models.Participant, blob string) error {
	now := c.now()
	if err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Participant{}).Where("id = ?", service.ID).Updates(map[string]any{
			"exchange_hex":       blob,
			"exchange_submitted": true,
			"updated_at":         now,
		}).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Session{}).Where("id = ?", sess.ID).Updates(map[string]any{
			"last_trigger_error": "",
			"updated_at":         now,
		}).Error; err != nil {
			return err
		}
		return storage.AppendEvent(tx, storage.EntitySession, sess.ID, uuid.Nil, "session.exchanging.service", fmt.Sprintf("round=%d", sess.ExchangeRound), now)
	}); err != nil {
		return fmt.Errorf("multisig: persist service exchange: %w", err)
	}
	service.ExchangeHex = blob
	service.ExchangeSubmitted = true
	sess.LastTriggerError = ""
	return nil
}

func exchangeInputs(sess *models.Session, slots map[Role]*models.Participant) []string {
	a, b := slots[RoleParticipantA], slots[RoleParticipantB]
	if sess.ExchangeRound == 0 {
		return []string{a.MadeHex, b.MadeHex}
	}
	return []string{a.PrevExchangeHex, b.PrevExchangeHex}
}

// nextRound copies every role's exchange blob into its previous-round field
// and clears the current slots in one transaction.
func (c *Coordinator) nextRound(ctx context.Context, sess *models.Session) error {
	now := c.now()
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Session{}).
			Where("id = ? AND status = ? AND exchange_round = ?", sess.ID, models.SessionExchanging, sess.ExchangeRound).
			Updates(map[string]any{"exchange_round": sess.ExchangeRound + 1, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return escrowerr.Phase("exchange round", fmt.Sprint(sess.ExchangeRound))
		}
		if err := tx.Model(&models.Participant{}).Where("session_id = ?", sess.ID).Updates(map[string]any{
			"prev_exchange_hex":  gorm.Expr("exchange_hex"),
			"exchange_hex":       "",
			"exchange_submitted": false,
			"updated_at":         now,
		}).Error; err != nil {
			return err
		}
		c.logger.Info("exchange round advanced", slog.String("session_id", sess.ID.String()), slog.Int("round", sess.ExchangeRound+1))
		return storage.AppendEvent(tx, storage.EntitySession, sess.ID, uuid.Nil, "session.round", fmt.Sprintf("round=%d", sess.ExchangeRound+1), now)
	})
}

func (c *Coordinator) enterReady(ctx context.Context, sess *models.Session, address string) error {
	if address == "" {
		return c.triggerFailed(ctx, sess, "primary_address", errors.New("wallet returned empty address"))
	}
	now := c.now()
	if err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Session{}).
			Where("id = ? AND status = ? AND multisig_address = ?", sess.ID, models.SessionExchanging, "").
			Updates(map[string]any{
				"status":             models.SessionReady,
				"multisig_address":   address,
				"last_trigger_error": "",
				"updated_at":         now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return escrowerr.Phase("session", sess.Status, models.SessionExchanging)
		}
		return storage.AppendEvent(tx, storage.EntitySession, sess.ID, uuid.Nil, "session.ready", "", now)
	}); err != nil {
		return err
	}
	sess.Status = models.SessionReady
	sess.MultisigAddress = address
	sess.LastTriggerError = ""
	c.metrics.RecordPhase(models.SessionReady)
	c.logger.Info("session ready", slog.String("session_id", sess.ID.String()))
	return nil
}

func (c *Coordinator) reanchor(ctx context.Context, sess *models.Session) error {
	if !c.cfg.ReanchorAfterReady || sess.Reanchored {
		return nil
	}
	limits := c.limits()
	limits.Call = limits.Sync
	var restored string
	err := wallet.Use(ctx, c.wallet, sess.WalletName, limits, func(ctx context.Context, h *wallet.Handle) error {
		var err error
		restored, err = c.wallet.Reanchor(ctx, h, sess.CreationHeight)
		return err
	})
	c.metrics.RecordAutoTrigger("reanchor", err)
	if err != nil {
		return c.triggerFailed(ctx, sess, "reanchor", err)
	}
	if restored == "" {
		restored = sess.WalletName
	}
	now := c.now()
	if err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Session{}).Where("id = ?", sess.ID).Updates(map[string]any{
			"wallet_name":        restored,
			"reanchored":         true,
			"reanchored_at":      now,
			"last_trigger_error": "",
			"updated_at":         now,
		}).Error; err != nil {
			return err
		}
		return storage.AppendEvent(tx, storage.EntitySession, sess.ID, uuid.Nil, "session.reanchored", fmt.Sprintf("height=%d wallet=%s", sess.CreationHeight, restored), now)
	}); err != nil {
		return err
	}
	c.logger.Info("session reanchored", slog.String("session_id", sess.ID.String()), slog.Uint64("height", sess.CreationHeight))
	sess.WalletName = restored
	sess.Reanchored = true
	sess.ReanchoredAt = &now
	sess.LastTriggerError = ""
	return nil
}

func (c *Coordinator) transition(ctx context.Context, sess *models.Session, from, to Phase, extra map[string]any) error {
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return c.transitionTx(tx, sess, from, to, extra, c.now())
	})
}

// transitionTx advances the stored status only from the expected phase, so a
// session can never move backwards.
func (c *Coordinator) transitionTx(tx *gorm.DB, sess *models.Session, from, to Phase, extra map[string]any, now time.Time) error {
	if to <= from {
		return fmt.Errorf("multisig: refusing to move session from %s to %s", from, to)
	}
	updates := map[string]any{"status": to.String(), "last_trigger_error": "", "updated_at": now}
	for k, v := range extra {
		updates[k] = v
	}
	res := tx.Model(&models.Session{}).Where("id = ? AND status = ?", sess.ID, from.String()).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return escrowerr.Phase("session", sess.Status, from.String())
	}
	if err := storage.AppendEvent(tx, storage.EntitySession, sess.ID, uuid.Nil, "session."+to.String(), "", now); err != nil {
		return err
	}
	sess.Status = to.String()
	sess.LastTriggerError = ""
	c.metrics.RecordPhase(to.String())
	c.logger.Info("session advanced", slog.String("session_id", sess.ID.String()), slog.String("phase", to.String()))
	return nil
}

// triggerFailed records a failed service computation and returns it as a
// retryable capability error. Participant submissions stay persisted.
func (c *Coordinator) triggerFailed(ctx context.Context, sess *models.Session, op string, cause error) error {
	err := escrowerr.Capability(op, sess.ID.String(), sess.Status, cause)
	message := err.Error()
	if dbErr := c.db.WithContext(context.WithoutCancel(ctx)).Model(&models.Session{}).Where("id = ?", sess.ID).
		Updates(map[string]any{"last_trigger_error": message, "updated_at": c.now()}).Error; dbErr != nil {
		c.logger.Error("record trigger error", slog.String("session_id", sess.ID.String()), slog.Any("error", dbErr))
	}
	sess.LastTriggerError = message
	c.logger.Warn("auto trigger failed",
		slog.String("session_id", sess.ID.String()),
		slog.String("phase", sess.Status),
		slog.String("operation", op),
		slog.Any("error", cause))
	return err
}

func (c *Coordinator) lock(ctx context.Context, id uuid.UUID) (func(), error) {
	unlock, err := c.locker.Lock(ctx, locks.SessionKey(id))
	if err != nil {
		return nil, fmt.Errorf("multisig: lock session %s: %w", id, err)
	}
	return unlock, nil
}

func (c *Coordinator) limits() wallet.Limits {
	return c.cfg.Limits
}

func (c *Coordinator) load(ctx context.Context, id uuid.UUID) (*models.Session, map[Role]*models.Participant, error) {
	var sess models.Session
	if err := c.db.WithContext(ctx).Preload("Participants").First(&sess, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, fmt.Errorf("session %s: %w", id, escrowerr.ErrNotFound)
		}
		return nil, nil, fmt.Errorf("multisig: load session: %w", err)
	}
	slots := make(map[Role]*models.Participant, participantCount)
	for i := range sess.Participants {
		role, err := ParseRole(sess.Participants[i].Role)
		if err != nil {
			return nil, nil, fmt.Errorf("multisig: session %s: %w", id, err)
		}
		slots[role] = &sess.Participants[i]
	}
	if len(slots) != participantCount {
		return nil, nil, fmt.Errorf("multisig: session %s has %d participant slots", id, len(slots))
	}
	return &sess, slots, nil
}

func filled(slots map[Role]*models.Participant, has func(*models.Participant) bool) bool {
	for _, role := range allRoles {
		if !has(slots[role]) {
			return false
		}
	}
	return true
}
