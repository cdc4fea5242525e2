package multisig

import (
	"time"

	"github.com/google/uuid"

	"tradeescrow/services/escrowd/models"
)

// SlotStatus reports which contributions a role has made.
type SlotStatus struct {
	Prepared bool `json:"prepared"`
	Made     bool `json:"made"`
	Exchange bool `json:"exchange"`
}

// Status is the externally visible view of a session. Inputs carries the
// blobs each participant needs for its next local step.
type Status struct {
	SessionID        uuid.UUID           `json:"session_id"`
	Phase            string              `json:"phase"`
	Round            int                 `json:"round"`
	TotalRounds      int                 `json:"total_rounds"`
	Threshold        int                 `json:"threshold"`
	Participants     int                 `json:"participants"`
	Slots            map[Role]SlotStatus `json:"slots"`
	Inputs           map[Role]string     `json:"inputs,omitempty"`
	MultisigAddress  string              `json:"multisig_address,omitempty"`
	CreationHeight   uint64              `json:"creation_height"`
	Reanchored       bool                `json:"reanchored"`
	ReanchoredAt     *time.Time          `json:"reanchored_at,omitempty"`
	LastTriggerError string              `json:"last_trigger_error,omitempty"`
	ParticipantAID   *uuid.UUID          `json:"participant_a_id,omitempty"`
	ParticipantBID   *uuid.UUID          `json:"participant_b_id,omitempty"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

func buildStatus(sess *models.Session, slots map[Role]*models.Participant) *Status {
	st := &Status{
		SessionID:        sess.ID,
		Phase:            sess.Status,
		Round:            sess.ExchangeRound,
		TotalRounds:      sess.ExchangeRounds(),
		Threshold:        sess.Threshold,
		Participants:     sess.TotalParticipants,
		Slots:            make(map[Role]SlotStatus, len(slots)),
		MultisigAddress:  sess.MultisigAddress,
		CreationHeight:   sess.CreationHeight,
		Reanchored:       sess.Reanchored,
		ReanchoredAt:     sess.ReanchoredAt,
		LastTriggerError: sess.LastTriggerError,
		ParticipantAID:   sess.ParticipantAID,
		ParticipantBID:   sess.ParticipantBID,
		UpdatedAt:        sess.UpdatedAt,
	}
	for _, role := range allRoles {
		p := slots[role]
		st.Slots[role] = SlotStatus{
			Prepared: p.PreparedHex != "",
			Made:     p.MadeHex != "",
			Exchange: p.ExchangeSubmitted,
		}
	}

	var pick func(*models.Participant) string
	switch sess.Status {
	case models.SessionMaking:
		pick = func(p *models.Participant) string { return p.PreparedHex }
	case models.SessionExchanging:
		if sess.ExchangeRound == 0 {
			pick = func(p *models.Participant) string { return p.MadeHex }
		} else {
			pick = func(p *models.Participant) string { return p.PrevExchangeHex }
		}
	}
	if pick != nil {
		st.Inputs = make(map[Role]string, len(slots))
		for _, role := range allRoles {
			st.Inputs[role] = pick(slots[role])
		}
	}
	return st
}
