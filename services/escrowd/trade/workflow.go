package trade

import (
	"tradeescrow/services/escrowd/escrowerr"
	"tradeescrow/services/escrowd/models"
)

var allowedTransitions = map[models.TradeStatus][]models.TradeStatus{
	models.TradePending:          {models.TradeFunded, models.TradeCancelled, models.TradeDisputed},
	models.TradeFunded:           {models.TradePaymentSent, models.TradeCancelled, models.TradeDisputed},
	models.TradePaymentSent:      {models.TradePaymentConfirmed, models.TradeReleasing, models.TradeDisputed},
	models.TradePaymentConfirmed: {models.TradeReleasing, models.TradeDisputed},
	models.TradeReleasing:        {models.TradeCompleted},
	models.TradeDisputed:         {models.TradeReleasing, models.TradeCancelled},
}

// ValidateTransition ensures the transition follows the trade state machine.
// Staying in the same state is allowed and treated as a no-op by callers.
func ValidateTransition(current, next models.TradeStatus) error {
	if current == next {
		return nil
	}
	allowed, ok := allowedTransitions[current]
	if !ok {
		return escrowerr.Phase("trade", string(current))
	}
	for _, state := range allowed {
		if state == next {
			return nil
		}
	}
	return escrowerr.Phase("trade", string(current), statusNames(sourcesOf(next))...)
}

// ParseStatus validates a raw trade status.
func ParseStatus(raw string) (models.TradeStatus, error) {
	status := models.TradeStatus(raw)
	switch status {
	case models.TradePending, models.TradeFunded, models.TradePaymentSent, models.TradePaymentConfirmed,
		models.TradeReleasing, models.TradeCompleted, models.TradeDisputed, models.TradeCancelled:
		return status, nil
	default:
		return "", escrowerr.Invalid("unknown trade status %q", raw)
	}
}

// Terminal reports whether no further transitions are possible.
func Terminal(status models.TradeStatus) bool {
	return status == models.TradeCompleted || status == models.TradeCancelled
}

func sourcesOf(next models.TradeStatus) []models.TradeStatus {
	var out []models.TradeStatus
	for _, from := range []models.TradeStatus{
		models.TradePending, models.TradeFunded, models.TradePaymentSent,
		models.TradePaymentConfirmed, models.TradeReleasing, models.TradeDisputed,
	} {
		for _, to := range allowedTransitions[from] {
			if to == next {
				out = append(out, from)
			}
		}
	}
	return out
}

func statusNames(statuses []models.TradeStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
