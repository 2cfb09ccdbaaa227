package agent

import (
	"time"

	"github.com/apex-trading/apex-core/internal/model"
)

// Wiring returns the subscribe topic patterns for role per the fixed
// role wiring table. Publish topics are the agent's own handler's
// concern (it returns Publication values naming its own topic), so only
// subscriptions are fixed here.
func Wiring(role model.Role) []string {
	switch role {
	case model.RoleMarket:
		return []string{"tick.*", "replay.bar"}
	case model.RoleStrategy:
		return []string{"market.snapshot", "debate.round.*.request"}
	case model.RoleRisk:
		return []string{"proposal.strategy", "proposal.amend"}
	case model.RoleExecutor:
		return []string{"debate.approved"}
	case model.RoleExplainer:
		return []string{"*"}
	case model.RoleUser:
		return []string{"user.input"}
	default:
		return nil
	}
}

// DefaultMarketThrottle is the minimum interval between two
// market.snapshot publications from the Market role, capping its
// publish rate at 1 Hz.
const DefaultMarketThrottle = time.Second
