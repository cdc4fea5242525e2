package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Session status values. Order matters: a session only ever moves forward.
const (
	SessionPreparing  = "preparing"
	SessionMaking     = "making"
	SessionExchanging = "exchanging"
	SessionReady      = "ready"
)

// TradeStatus represents a state in the trade workflow.
type TradeStatus string

// All trade workflow states.
const (
	TradePending          TradeStatus = "pending"
	TradeFunded           TradeStatus = "funded"
	TradePaymentSent      TradeStatus = "payment_sent"
	TradePaymentConfirmed TradeStatus = "payment_confirmed"
	TradeReleasing        TradeStatus = "releasing"
	TradeCompleted        TradeStatus = "completed"
	TradeDisputed         TradeStatus = "disputed"
	TradeCancelled        TradeStatus = "cancelled"
)

// Trade party roles used by releases and dispute decisions.
const (
	PartyBuyer  = "buyer"
	PartySeller = "seller"
)

// Release kinds and states.
const (
	ReleaseNormal      = "normal"
	ReleaseArbitration = "arbitration"

	ReleaseInitiated = "initiated"
	ReleaseBroadcast = "broadcast"
)

// Dispute states.
const (
	DisputeOpen     = "open"
	DisputeResolved = "resolved"
)

// Session is one 2-of-3 multisig wallet setup shared by buyer, seller and the service.
type Session struct {
	ID                uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	Threshold         int           `gorm:"not null" json:"threshold"`
	TotalParticipants int           `gorm:"not null" json:"total_participants"`
	Status            string        `gorm:"size:16;index" json:"status"`
	ExchangeRound     int           `gorm:"not null;default:0" json:"exchange_round"`
	MultisigAddress   string        `gorm:"size:128" json:"multisig_address,omitempty"`
	CreationHeight    uint64        `json:"creation_height"`
	WalletName        string        `gorm:"size:128;uniqueIndex" json:"-"`
	Reanchored        bool          `json:"reanchored"`
	ReanchoredAt      *time.Time    `json:"reanchored_at,omitempty"`
	LastTriggerError  string        `gorm:"type:text" json:"last_trigger_error,omitempty"`
	ParticipantAID    *uuid.UUID    `gorm:"type:uuid;index" json:"participant_a_id,omitempty"`
	ParticipantBID    *uuid.UUID    `gorm:"type:uuid;index" json:"participant_b_id,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
	Participants      []Participant `json:"-"`
}

// ExchangeRounds returns the number of key exchange rounds, N - M + 1.
func (s Session) ExchangeRounds() int {
	return s.TotalParticipants - s.Threshold + 1
}

// Participant holds one role's protocol contributions for a session.
type Participant struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionID         uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_participant_role"`
	Role              string    `gorm:"size:16;uniqueIndex:idx_participant_role"`
	PreparedHex       string    `gorm:"type:text"`
	MadeHex           string    `gorm:"type:text"`
	ExchangeHex       string    `gorm:"type:text"`
	ExchangeSubmitted bool      `gorm:"not null;default:false"`
	PrevExchangeHex   string    `gorm:"type:text"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Trade is a buyer/seller exchange backed by a multisig session.
type Trade struct {
	ID            uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	OfferID       *uuid.UUID      `gorm:"type:uuid;index" json:"offer_id,omitempty"`
	BuyerID       uuid.UUID       `gorm:"type:uuid;index" json:"buyer_id"`
	SellerID      uuid.UUID       `gorm:"type:uuid;index" json:"seller_id"`
	SessionID     *uuid.UUID      `gorm:"type:uuid;uniqueIndex" json:"session_id,omitempty"`
	Status        TradeStatus     `gorm:"size:32;index" json:"status"`
	FiatAmount    decimal.Decimal `gorm:"type:numeric(30,12)" json:"fiat_amount"`
	FiatCurrency  string          `gorm:"size:8" json:"fiat_currency"`
	CryptoAmount  decimal.Decimal `gorm:"type:numeric(30,12)" json:"crypto_amount"`
	FundedAt      *time.Time      `json:"funded_at,omitempty"`
	PaymentSentAt *time.Time      `json:"payment_sent_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	CancelledAt   *time.Time      `json:"cancelled_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// PartyRole returns buyer or seller for userID, or "" when the user is not a party.
func (t Trade) PartyRole(userID uuid.UUID) string {
	switch userID {
	case t.BuyerID:
		return PartyBuyer
	case t.SellerID:
		return PartySeller
	default:
		return ""
	}
}

// PartyID returns the user bound to party.
func (t Trade) PartyID(party string) uuid.UUID {
	switch party {
	case PartyBuyer:
		return t.BuyerID
	case PartySeller:
		return t.SellerID
	default:
		return uuid.Nil
	}
}

// Dispute records a contested trade and the arbiter's decision.
type Dispute struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	TradeID     uuid.UUID  `gorm:"type:uuid;index" json:"trade_id"`
	OpenedBy    uuid.UUID  `gorm:"type:uuid" json:"opened_by"`
	Reason      string     `gorm:"type:text" json:"reason"`
	Status      string     `gorm:"size:16;index" json:"status"`
	Recipient   string     `gorm:"size:16" json:"recipient,omitempty"`
	Destination string     `gorm:"size:128" json:"destination,omitempty"`
	Notes       string     `gorm:"type:text" json:"notes,omitempty"`
	ResolvedBy  *uuid.UUID `gorm:"type:uuid" json:"resolved_by,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Release is the unsigned payout transaction built for a trade and its fee split.
type Release struct {
	ID           uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	TradeID      uuid.UUID       `gorm:"type:uuid;index" json:"trade_id"`
	Kind         string          `gorm:"size:16" json:"kind"`
	SignerRole   string          `gorm:"size:16" json:"signer_role"`
	Destination  string          `gorm:"size:128" json:"destination"`
	PayoutAmount decimal.Decimal `gorm:"type:numeric(30,12)" json:"payout_amount"`
	PayoutAtomic uint64          `json:"payout_atomic"`
	FeeAmount    decimal.Decimal `gorm:"type:numeric(30,12)" json:"fee_amount"`
	FeeRate      decimal.Decimal `gorm:"type:numeric(10,6)" json:"fee_rate"`
	UnsignedTx   string          `gorm:"type:text" json:"unsigned_tx"`
	CosignedTx   string          `gorm:"type:text" json:"-"`
	Status       string          `gorm:"size:16;index" json:"status"`
	TxIDs        string          `gorm:"type:text" json:"tx_ids,omitempty"`
	InitiatedBy  uuid.UUID       `gorm:"type:uuid" json:"initiated_by"`
	BroadcastAt  *time.Time      `json:"broadcast_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// PlatformFee is the immutable fee record written when a trade completes.
type PlatformFee struct {
	ID        uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	TradeID   uuid.UUID       `gorm:"type:uuid;uniqueIndex" json:"trade_id"`
	Amount    decimal.Decimal `gorm:"type:numeric(30,12)" json:"amount"`
	Rate      decimal.Decimal `gorm:"type:numeric(10,6)" json:"rate"`
	TxIDs     string          `gorm:"type:text" json:"tx_ids"`
	CreatedAt time.Time       `json:"created_at"`
}

// Offer is a seller's standing advertisement that buyers accept into trades.
type Offer struct {
	ID            uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	SellerID      uuid.UUID       `gorm:"type:uuid;index" json:"seller_id"`
	FiatCurrency  string          `gorm:"size:8;index" json:"fiat_currency"`
	PricePerUnit  decimal.Decimal `gorm:"type:numeric(30,12)" json:"price_per_unit"`
	MinFiat       decimal.Decimal `gorm:"type:numeric(30,12)" json:"min_fiat"`
	MaxFiat       decimal.Decimal `gorm:"type:numeric(30,12)" json:"max_fiat"`
	PaymentMethod string          `gorm:"size:64" json:"payment_method"`
	Terms         string          `gorm:"type:text" json:"terms,omitempty"`
	Active        bool            `gorm:"index" json:"active"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Event is the audit trail for session and trade transitions.
type Event struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	EntityType string    `gorm:"size:16;index:idx_event_entity"`
	EntityID   uuid.UUID `gorm:"type:uuid;index:idx_event_entity"`
	ActorID    uuid.UUID `gorm:"type:uuid;index"`
	Action     string    `gorm:"size:64"`
	Details    string    `gorm:"type:text"`
	CreatedAt  time.Time
}

// Notification is a persisted inbox entry for a user.
type Notification struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	UserID    uuid.UUID  `gorm:"type:uuid;index" json:"user_id"`
	TradeID   *uuid.UUID `gorm:"type:uuid;index" json:"trade_id,omitempty"`
	Kind      string     `gorm:"size:32" json:"kind"`
	Message   string     `gorm:"type:text" json:"message"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// ReputationScore aggregates a user's trade history.
type ReputationScore struct {
	UserID          uuid.UUID       `gorm:"type:uuid;primaryKey" json:"user_id"`
	CompletedTrades int64           `json:"completed_trades"`
	CancelledTrades int64           `json:"cancelled_trades"`
	DisputesAgainst int64           `json:"disputes_against"`
	DisputesLost    int64           `json:"disputes_lost"`
	CompletionRatio decimal.Decimal `gorm:"type:numeric(10,6)" json:"completion_ratio"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// IdempotencyKey stores request idempotency metadata.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Session{},
		&Participant{},
		&Trade{},
		&Dispute{},
		&Release{},
		&PlatformFee{},
		&Offer{},
		&Event{},
		&Notification{},
		&ReputationScore{},
		&IdempotencyKey{},
	)
}
