package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/apex-trading/apex-core/internal/agent"
	"github.com/apex-trading/apex-core/internal/broker"
	"github.com/apex-trading/apex-core/internal/bus"
	"github.com/apex-trading/apex-core/internal/debate"
	"github.com/apex-trading/apex-core/internal/model"
	"github.com/apex-trading/apex-core/internal/reasoner"
	"github.com/apex-trading/apex-core/internal/reasoner/stub"
	"github.com/apex-trading/apex-core/internal/risk"
)

// scenarioStats gives the Risk Engine enough symbols to price both
// scenario proposals against, with small path counts so the Monte Carlo
// simulation stays well under a test timeout.
func scenarioStats() model.MarketStats {
	return model.MarketStats{
		Symbols:     []string{"AAPL", "MSFT"},
		MeanReturns: []float64{0.0004, 0.0003},
		CovMatrix: [][]float64{
			{0.0003, 0.00005},
			{0.00005, 0.00025},
		},
		HorizonDays: 20,
	}
}

func scenarioRiskOptions() risk.Options {
	return risk.Options{Seed: 1, Paths: risk.MinPaths, Workers: 1}
}

func scenarioConstraints() model.RiskConstraints {
	return model.RiskConstraints{
		MaxPositionWeight:   0.4,
		MaxDrawdown:         1.0,
		MinCashRatio:        0.05,
		MaxConcentrationHHI: 0.6,
	}
}

// scenarioAgents wires the Strategy/Risk/Executor roles against a stub
// Reasoner and StubBroker, the minimum set needed to drive a
// proposal through to an order without a live LLM backend or exchange.
func scenarioAgents(t *testing.T, reasonerPort reasoner.Port, b *broker.StubBroker) AgentFactory {
	t.Helper()
	portfolio := func() model.Portfolio {
		return model.Portfolio{Cash: decimal.NewFromInt(100000), Positions: map[string]model.Position{}}
	}
	marks := func() map[string]decimal.Decimal {
		return map[string]decimal.Decimal{
			"AAPL": decimal.NewFromInt(100),
			"MSFT": decimal.NewFromInt(100),
		}
	}
	stats := scenarioStats
	constraints := scenarioConstraints
	riskOpts := scenarioRiskOptions()

	return func(sessionID string, netBus bus.Bus) map[model.Role]AgentRunner {
		log := zerolog.Nop()
		return map[model.Role]AgentRunner{
			model.RoleStrategy: agent.New(agent.Config{
				Role:      model.RoleStrategy,
				Subscribe: agent.Wiring(model.RoleStrategy),
			}, agent.StrategyHandler(), reasonerPort, netBus, log),

			model.RoleRisk: agent.New(agent.Config{
				Role:      model.RoleRisk,
				Subscribe: agent.Wiring(model.RoleRisk),
			}, agent.RiskHandler(agent.RiskConfig{
				Portfolio: portfolio, Stats: stats, Constraints: constraints, Options: riskOpts,
			}), reasonerPort, netBus, log),

			model.RoleExecutor: agent.New(agent.Config{
				Role:      model.RoleExecutor,
				Subscribe: agent.Wiring(model.RoleExecutor),
			}, agent.ExecutorHandler(portfolio, marks, risk.MinTradeNotional, b), reasonerPort, netBus, log),
		}
	}
}

// TestScenarioFullApproveProducesOrderIntents covers spec scenario 1: a
// confident, constraint-compliant proposal reaches debate.approved in the
// first round and the Executor turns it into OrderIntents sized off the
// approved allocations, filled by the broker.
func TestScenarioFullApproveProducesOrderIntents(t *testing.T) {
	reasonerPort := stub.New()
	reasonerPort.Register(model.RoleStrategy, func(rc reasoner.Context) (model.ProposalKind, interface{}, error) {
		return model.KindStrategy, model.StrategyProposal{
			Allocations: map[string]float64{"AAPL": 0.3, "MSFT": 0.3, "cash": 0.4},
			Rationale:   "diversified core holdings",
			Confidence:  0.9,
		}, nil
	})
	b := broker.NewStubBroker()
	b.SetPrice("AAPL", 100)
	b.SetPrice("MSFT", 100)

	o := New(testLogger())
	sessionID, err := o.Start(context.Background(), debate.Config{
		RoundTimeout:       2 * time.Second,
		DeliberationWindow: 20 * time.Millisecond,
		ConsensusThreshold: 0.7,
	}, scenarioAgents(t, reasonerPort, b))
	require.NoError(t, err)

	var fills []model.OrderResult
	_, err = o.Stream(sessionID, func(msg model.Message) error {
		if msg.Topic == string(model.KindOrderResult) {
			var r model.OrderResult
			if _, derr := model.DecodePayload(msg.Payload, &r); derr == nil {
				fills = append(fills, r)
			}
		}
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	outcome, err := o.Outcome(ctx, sessionID)
	require.NoError(t, err)
	require.Equal(t, model.VerdictApproved, outcome.Verdict)

	require.Eventually(t, func() bool { return len(fills) == 2 }, time.Second, 5*time.Millisecond)

	var totalNotional decimal.Decimal
	for _, r := range fills {
		require.Equal(t, model.OrderStatusFilled, r.Status)
		totalNotional = totalNotional.Add(r.FilledQty.Mul(r.AvgPrice))
	}
	require.True(t, totalNotional.Equal(decimal.NewFromInt(60000)),
		"expected $60,000 in total fills (30%%+30%% of $100,000 equity), got %s", totalNotional)
}

// TestScenarioFullRejectViaDebateEngine covers spec scenario 2: an
// over-concentrated proposal fails the Risk Engine's max_position_weight
// constraint, and the Debate Engine itself (not just the Risk Engine in
// isolation) carries that rejection through to a terminal debate.rejected
// verdict.
func TestScenarioFullRejectViaDebateEngine(t *testing.T) {
	reasonerPort := stub.New()
	reasonerPort.Register(model.RoleStrategy, func(rc reasoner.Context) (model.ProposalKind, interface{}, error) {
		return model.KindStrategy, model.StrategyProposal{
			Allocations: map[string]float64{"AAPL": 0.9, "cash": 0.1},
			Rationale:   "concentrated conviction bet",
			Confidence:  0.95,
		}, nil
	})
	b := broker.NewStubBroker()

	o := New(testLogger())
	sessionID, err := o.Start(context.Background(), debate.Config{
		MaxRounds:          1,
		RoundTimeout:       2 * time.Second,
		DeliberationWindow: 20 * time.Millisecond,
		ConsensusThreshold: 0.7,
	}, scenarioAgents(t, reasonerPort, b))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	outcome, err := o.Outcome(ctx, sessionID)
	require.NoError(t, err)
	require.Equal(t, model.VerdictRejected, outcome.Verdict)
	require.Contains(t, outcome.ReasonChain, "risk_verdict rejected")
	require.NotNil(t, outcome.WinningVar)
	require.Contains(t, outcome.WinningVar.Violations, model.ConstraintMaxPositionWeight)
}

// TestScenarioRepeatedStrategyFailureFailsSession covers spec scenario 5:
// a Strategy agent that exhausts its consecutive-failure budget publishes
// a Fatal agent.error, which the Debate Engine turns into a Failed state
// and the Orchestrator surfaces as status=failed rather than completed.
func TestScenarioRepeatedStrategyFailureFailsSession(t *testing.T) {
	reasonerPort := stub.New()
	reasonerPort.ForceFail(model.RoleStrategy, &reasoner.ReasonerError{
		Kind:    reasoner.ErrUpstream,
		Message: "simulated upstream outage",
	})
	b := broker.NewStubBroker()

	o := New(testLogger())
	sessionID, err := o.Start(context.Background(), debate.Config{
		MaxRounds:          5,
		RoundTimeout:       20 * time.Millisecond,
		DeliberationWindow: 10 * time.Millisecond,
		ConsensusThreshold: 0.7,
	}, scenarioAgents(t, reasonerPort, b))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	outcome, err := o.Outcome(ctx, sessionID)
	require.NoError(t, err)
	require.Equal(t, model.VerdictTimeout, outcome.Verdict)

	status, err := o.Status(sessionID)
	require.NoError(t, err)
	require.Equal(t, model.SessionFailed, status)
}
