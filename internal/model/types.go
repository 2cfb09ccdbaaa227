// Package model defines the core entities shared across the orchestrator:
// sessions, the message envelope, proposals, portfolios and bars. These are
// semantic types, not storage types — persistence is an external concern.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MarketRegime classifies the conditions a session is running under.
type MarketRegime string

const (
	RegimeNormal   MarketRegime = "normal"
	RegimeVolatile MarketRegime = "volatile"
	RegimeBullish  MarketRegime = "bullish"
	RegimeBearish  MarketRegime = "bearish"
	RegimeCrisis   MarketRegime = "crisis"
)

// SessionStatus is the lifecycle status of a debate instance.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionAborted   SessionStatus = "aborted"
	SessionFailed    SessionStatus = "failed"
)

// Role identifies one of the fixed agent roles.
type Role string

const (
	RoleMarket    Role = "market"
	RoleStrategy  Role = "strategy"
	RoleRisk      Role = "risk"
	RoleExecutor  Role = "executor"
	RoleExplainer Role = "explainer"
	RoleUser      Role = "user"
)

// RoleAll addresses a message to every subscriber regardless of role.
const RoleAll = "all"

// Session is one debate instance, owned exclusively by the Orchestrator.
type Session struct {
	ID               uuid.UUID
	StartedAt        time.Time
	MarketRegime     MarketRegime
	InitialPortfolio Portfolio
	Config           SessionConfig
	Status           SessionStatus
}

// SessionConfig is the per-session configuration carried on a Session.
// Orchestrator.Start takes a debate.Config and does not read this type.
type SessionConfig struct {
	MarketRegime        MarketRegime
	InitialPortfolio    Portfolio
	RiskConstraints      RiskConstraints
	MaxRounds            int
	RoundTimeoutSec      int
	ConsensusThreshold   float64
	DeliberationWindowSec int
	ReasonerBackendID    string
	ReasonerConcurrency  int
	AgentRolesEnabled    []Role
	Replay               *ReplayConfig
	SimulationPaths      int
	ConfidenceAlpha      float64
}

// ReplayConfig selects a historical scenario for a session's Market feed.
type ReplayConfig struct {
	ScenarioID      string
	SpeedMultiplier float64
}

// Portfolio is the current holdings snapshot. Equity is derived, never
// stored independent of cash and positions.
type Portfolio struct {
	Cash      decimal.Decimal
	Positions map[string]Position
}

// Position is one symbol's holding.
type Position struct {
	Qty     decimal.Decimal
	AvgCost decimal.Decimal
}

// Equity recomputes cash + Σ qty·mark_price from the supplied marks.
// A symbol absent from marks contributes nothing — callers must supply a
// mark for every held symbol or accept an undervalued result.
func (p Portfolio) Equity(marks map[string]decimal.Decimal) decimal.Decimal {
	total := p.Cash
	for symbol, pos := range p.Positions {
		mark, ok := marks[symbol]
		if !ok {
			continue
		}
		total = total.Add(pos.Qty.Mul(mark))
	}
	return total
}

// RiskConstraints is immutable within a session once set.
type RiskConstraints struct {
	MaxPositionWeight  float64
	MaxDrawdown        float64
	MinCashRatio       float64
	MaxConcentrationHHI float64
}

// Tighten returns a copy with every bound moved toward rejection by factor
// (0 < factor < 1 tightens). Used to test constraint monotonicity.
func (c RiskConstraints) Tighten(factor float64) RiskConstraints {
	return RiskConstraints{
		MaxPositionWeight:   c.MaxPositionWeight * factor,
		MaxDrawdown:         c.MaxDrawdown * factor,
		MinCashRatio:        c.MinCashRatio + (1-factor)*(1-c.MinCashRatio),
		MaxConcentrationHHI: c.MaxConcentrationHHI * factor,
	}
}

// BarSample is one OHLCV record, immutable, used by the Replay Driver.
type BarSample struct {
	TS     time.Time
	Symbol string
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}

// MarketSnapshot is the Market agent's throttled view of current prices,
// republished from raw tick/replay.bar traffic at its configured rate.
type MarketSnapshot struct {
	TS     time.Time
	Prices map[string]decimal.Decimal
}

// MarketStats is the Monte Carlo input bundle: expected returns, the
// covariance matrix across symbols in the same order, and the simulation
// horizon in trading days.
type MarketStats struct {
	Symbols     []string
	MeanReturns []float64
	CovMatrix   [][]float64
	HorizonDays int
}
