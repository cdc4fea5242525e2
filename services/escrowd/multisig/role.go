package multisig

import (
	"fmt"
	"strings"

	"tradeescrow/services/escrowd/escrowerr"
	"tradeescrow/services/escrowd/models"
)

// Role identifies one of the three key holders of a session.
type Role string

// Session roles. The service role is driven by the coordinator itself.
const (
	RoleService      Role = "service"
	RoleParticipantA Role = "participant_a"
	RoleParticipantB Role = "participant_b"
)

var allRoles = []Role{RoleService, RoleParticipantA, RoleParticipantB}

// ParseRole converts raw into a Role. Unknown names are rejected.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleService:
		return RoleService, nil
	case RoleParticipantA:
		return RoleParticipantA, nil
	case RoleParticipantB:
		return RoleParticipantB, nil
	default:
		return "", escrowerr.Invalid("unknown role %q", raw)
	}
}

// External reports whether the role belongs to a trade party.
func (r Role) External() bool {
	return r == RoleParticipantA || r == RoleParticipantB
}

// Phase is the session's position in the setup protocol.
type Phase int

// Phases in protocol order.
const (
	PhasePreparing Phase = iota
	PhaseMaking
	PhaseExchanging
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhasePreparing:
		return models.SessionPreparing
	case PhaseMaking:
		return models.SessionMaking
	case PhaseExchanging:
		return models.SessionExchanging
	case PhaseReady:
		return models.SessionReady
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// ParsePhase converts a stored session status into a Phase.
func ParsePhase(raw string) (Phase, error) {
	switch raw {
	case models.SessionPreparing:
		return PhasePreparing, nil
	case models.SessionMaking:
		return PhaseMaking, nil
	case models.SessionExchanging:
		return PhaseExchanging, nil
	case models.SessionReady:
		return PhaseReady, nil
	default:
		return 0, fmt.Errorf("multisig: unknown session status %q", raw)
	}
}
