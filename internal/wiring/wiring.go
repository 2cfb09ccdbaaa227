// Package wiring builds the concrete collaborators (Reasoner backend,
// agent factory) that cmd/apex-orchestrator and cmd/apex-api both need,
// so the two binaries share one wiring path instead of drifting apart.
package wiring

import (
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/apex-trading/apex-core/internal/agent"
	"github.com/apex-trading/apex-core/internal/broker"
	"github.com/apex-trading/apex-core/internal/bus"
	"github.com/apex-trading/apex-core/internal/config"
	"github.com/apex-trading/apex-core/internal/model"
	"github.com/apex-trading/apex-core/internal/orchestrator"
	"github.com/apex-trading/apex-core/internal/reasoner"
	"github.com/apex-trading/apex-core/internal/reasoner/httpgateway"
	"github.com/apex-trading/apex-core/internal/reasoner/stub"
	"github.com/apex-trading/apex-core/internal/risk"
)

// ExternalRelayFactory returns an orchestrator.RelayFactory that mirrors
// every session's in-process bus onto NATS at cfg.URL, or nil when cfg
// names no URL — the common single-process deployment, where the
// in-process bus alone is canonical and no NATS connection is attempted.
func ExternalRelayFactory(cfg config.NATSConfig, log zerolog.Logger) orchestrator.RelayFactory {
	if cfg.URL == "" {
		return nil
	}
	return func(sessionID string, core *bus.InProcBus) (*bus.ExternalRelay, error) {
		return bus.NewExternalRelay(cfg.URL, core, log)
	}
}

// ReasonerPort selects the Reasoner backend named by cfg.Backend.
func ReasonerPort(cfg config.ReasonerConfig) reasoner.Port {
	switch cfg.Backend {
	case "httpgateway":
		return httpgateway.New(httpgateway.Config{
			Endpoint:    cfg.Endpoint,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Timeout:     cfg.Timeout,
		})
	default:
		return stub.New()
	}
}

// DefaultAgentFactory builds the five standard roles against a fixed
// starting portfolio; a production deployment would source the
// portfolio and market stats from a live feed instead of config.
func DefaultAgentFactory(port reasoner.Port, cfg *config.Config) orchestrator.AgentFactory {
	portfolio := func() model.Portfolio {
		return model.Portfolio{Cash: decimal.NewFromInt(100000), Positions: map[string]model.Position{}}
	}
	constraints := func() model.RiskConstraints {
		return model.RiskConstraints{
			MaxPositionWeight:   cfg.Risk.MaxPosition,
			MaxDrawdown:         cfg.Risk.MaxDrawdown,
			MinCashRatio:        0.05,
			MaxConcentrationHHI: 0.5,
		}
	}
	stats := func() model.MarketStats {
		return model.MarketStats{
			Symbols:     []string{"SPX"},
			MeanReturns: []float64{0.0003},
			CovMatrix:   [][]float64{{0.0004}},
			HorizonDays: 20,
		}
	}
	riskOpts := risk.Options{Seed: cfg.Risk.Seed, Paths: cfg.Risk.Paths, Alpha: cfg.Risk.Alpha, Workers: cfg.Risk.Workers}
	b := broker.NewStubBroker()
	const spxMark = 100.0
	b.SetPrice("SPX", spxMark)
	marks := func() map[string]decimal.Decimal {
		return map[string]decimal.Decimal{"SPX": decimal.NewFromFloat(spxMark)}
	}

	return func(sessionID string, netBus bus.Bus) map[model.Role]orchestrator.AgentRunner {
		logger := config.NewSessionLogger(sessionID)
		return buildAgents(sessionID, netBus, port, logger, portfolio, stats, constraints, marks, riskOpts, b, cfg)
	}
}

func buildAgents(
	sessionID string,
	netBus bus.Bus,
	port reasoner.Port,
	logger zerolog.Logger,
	portfolio func() model.Portfolio,
	stats func() model.MarketStats,
	constraints func() model.RiskConstraints,
	marks func() map[string]decimal.Decimal,
	riskOpts risk.Options,
	b broker.Broker,
	cfg *config.Config,
) map[model.Role]orchestrator.AgentRunner {
	return map[model.Role]orchestrator.AgentRunner{
		model.RoleMarket: agent.New(agent.Config{
			Role:           model.RoleMarket,
			Subscribe:      agent.Wiring(model.RoleMarket),
			MarketThrottle: agent.DefaultMarketThrottle,
		}, agent.MarketHandler(), port, netBus, logger),

		model.RoleStrategy: agent.New(agent.Config{
			Role:      model.RoleStrategy,
			Subscribe: agent.Wiring(model.RoleStrategy),
		}, agent.StrategyHandler(), port, netBus, logger),

		model.RoleRisk: agent.New(agent.Config{
			Role:      model.RoleRisk,
			Subscribe: agent.Wiring(model.RoleRisk),
		}, agent.RiskHandler(agent.RiskConfig{
			Portfolio: portfolio, Stats: stats, Constraints: constraints, Options: riskOpts,
		}), port, netBus, logger),

		model.RoleExecutor: agent.New(agent.Config{
			Role:      model.RoleExecutor,
			Subscribe: agent.Wiring(model.RoleExecutor),
		}, agent.ExecutorHandler(portfolio, marks, cfg.Debate.MinTradeNotional, b), port, netBus, logger),

		model.RoleExplainer: agent.New(agent.Config{
			Role:      model.RoleExplainer,
			Subscribe: agent.Wiring(model.RoleExplainer),
		}, agent.ExplainerHandler(), port, netBus, logger),
	}
}
