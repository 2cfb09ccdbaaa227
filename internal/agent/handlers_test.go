package agent

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/apex-trading/apex-core/internal/broker"
	"github.com/apex-trading/apex-core/internal/model"
)

// TestExecutorHandlerEmitsDeltaNotionalNotTargetNotional covers the
// rebalance-to-target-weights contract: a proposal that reconfirms an
// already-held weight at the current mark must not re-buy the full
// target notional, only the (small) delta.
func TestExecutorHandlerEmitsDeltaNotionalNotTargetNotional(t *testing.T) {
	portfolio := func() model.Portfolio {
		return model.Portfolio{
			Cash: decimal.NewFromInt(50000),
			Positions: map[string]model.Position{
				// 500 shares at a 100 mark = 50000 already held, matching
				// a 0.5 target weight against 100000 total equity.
				"SPX": {Qty: decimal.NewFromInt(500), AvgCost: decimal.NewFromInt(90)},
			},
		}
	}
	marks := func() map[string]decimal.Decimal {
		return map[string]decimal.Decimal{"SPX": decimal.NewFromInt(100)}
	}
	b := broker.NewStubBroker()
	b.SetPrice("SPX", 100)

	handler := ExecutorHandler(portfolio, marks, 1000, b)

	proposal := model.StrategyProposal{Allocations: map[string]float64{"SPX": 0.5, "cash": 0.5}}
	payload, err := model.NewPayload(model.KindStrategy, proposal)
	require.NoError(t, err)
	trigger := model.Message{Topic: string(model.KindDebateApproved), Payload: payload}

	pubs, err := handler(context.Background(), trigger, nil, nil)
	require.NoError(t, err)
	require.Empty(t, pubs, "re-confirming an already-at-target weight must not emit any order")
}

// TestExecutorHandlerRebalancesToDeltaFromExistingPosition covers the
// case where the target weight differs from the current mark-priced
// holding: only the shortfall should be ordered, not the full target.
func TestExecutorHandlerRebalancesToDeltaFromExistingPosition(t *testing.T) {
	portfolio := func() model.Portfolio {
		return model.Portfolio{
			Cash: decimal.NewFromInt(50000),
			Positions: map[string]model.Position{
				"SPX": {Qty: decimal.NewFromInt(500), AvgCost: decimal.NewFromInt(90)},
			},
		}
	}
	marks := func() map[string]decimal.Decimal {
		return map[string]decimal.Decimal{"SPX": decimal.NewFromInt(100)}
	}
	b := broker.NewStubBroker()
	b.SetPrice("SPX", 100)

	handler := ExecutorHandler(portfolio, marks, 1000, b)

	// Target weight 0.6 of 100000 equity = 60000, current position is
	// worth 500*100 = 50000, so the expected delta is 10000, not 60000.
	proposal := model.StrategyProposal{Allocations: map[string]float64{"SPX": 0.6, "cash": 0.4}}
	payload, err := model.NewPayload(model.KindStrategy, proposal)
	require.NoError(t, err)
	trigger := model.Message{Topic: string(model.KindDebateApproved), Payload: payload}

	pubs, err := handler(context.Background(), trigger, nil, nil)
	require.NoError(t, err)
	require.Len(t, pubs, 2)

	intent, ok := pubs[0].Payload.(model.OrderIntent)
	require.True(t, ok)
	require.Equal(t, model.SideBuy, intent.Side)
	require.Equal(t, "10000", intent.Notional.String())
}
