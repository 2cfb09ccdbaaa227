package model

import "github.com/shopspring/decimal"

// ProposalKind tags the concrete payload carried by a proposal message.
type ProposalKind string

const (
	KindMarketSnapshot   ProposalKind = "market.snapshot"
	KindStrategy         ProposalKind = "proposal.strategy"
	KindRiskVerdict      ProposalKind = "proposal.risk_verdict"
	KindOrderIntent      ProposalKind = "order.intent"
	KindOrderResult      ProposalKind = "order.result"
	KindNarration        ProposalKind = "narration"
	KindUserIntervention ProposalKind = "user.intervention"
	KindDebateRequest    ProposalKind = "debate.round.request"
	KindDebateApproved   ProposalKind = "debate.approved"
	KindDebateRejected   ProposalKind = "debate.rejected"
	KindAgentError       ProposalKind = "agent.error"
	KindReplayBar        ProposalKind = "replay.bar"
)

// StrategyProposal is the Strategy agent's candidate allocation.
type StrategyProposal struct {
	Allocations map[string]float64 // symbol -> target weight, including "cash"
	Rationale   string
	Confidence  float64
}

// ConstraintID names a single risk constraint for violation reporting.
type ConstraintID string

const (
	ConstraintMaxPositionWeight ConstraintID = "max_position_weight"
	ConstraintMaxConcentration  ConstraintID = "max_concentration_hhi"
	ConstraintMinCashRatio      ConstraintID = "min_cash_ratio"
	ConstraintMaxDrawdown       ConstraintID = "max_drawdown"
	ConstraintStressTest        ConstraintID = "stress_test"
)

// RiskVerdict is the Risk agent's judgment on a StrategyProposal.
type RiskVerdict struct {
	Approved            bool
	VaR95               float64
	ExpectedShortfall    float64
	Violations           []ConstraintID
	Rationale            string
	ESSampleFloor        bool
	StressFailures       []string
}

// OrderSide is buy or sell.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderType is the execution style requested.
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
	OrderStop   OrderType = "stop"
)

// OrderIntent is one rebalancing instruction emitted by the Executor.
type OrderIntent struct {
	ID         string // idempotency key for the broker adapter
	Symbol     string
	Side       OrderSide
	Qty        decimal.Decimal
	Notional   decimal.Decimal
	Type       OrderType
	LimitPrice decimal.Decimal
}

// OrderResultStatus is the broker adapter's disposition of an OrderIntent.
type OrderResultStatus string

const (
	OrderStatusFilled  OrderResultStatus = "filled"
	OrderStatusPartial OrderResultStatus = "partial"
	OrderStatusFailed  OrderResultStatus = "failed"
)

// OrderResult is the outcome of dispatching an OrderIntent.
type OrderResult struct {
	IntentID string
	Status   OrderResultStatus
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal
	Reason    string
}

// InterventionKind is the user's action on an in-flight round.
type InterventionKind string

const (
	InterventionHold    InterventionKind = "hold"
	InterventionAmend   InterventionKind = "amend"
	InterventionApprove InterventionKind = "approve"
	InterventionReject  InterventionKind = "reject"
)

// UserIntervention is an out-of-band action a human takes on a round.
type UserIntervention struct {
	Kind              InterventionKind
	Text              string
	TargetProposalID  *uint64
}

// ErrorKind classifies an agent.error message for the Debate Engine and
// Orchestrator, per the error handling design.
type ErrorKind string

const (
	ErrorTransient ErrorKind = "transient"
	ErrorProtocol  ErrorKind = "protocol"
	ErrorPolicy    ErrorKind = "policy"
	ErrorFatal     ErrorKind = "fatal"
)

// AgentError is the payload of an agent.error message.
type AgentError struct {
	Kind    ErrorKind
	Role    Role
	Message string
}

// RoundVerdict is the terminal outcome of a ConsensusState.
type RoundVerdict string

const (
	VerdictPending  RoundVerdict = "pending"
	VerdictApproved RoundVerdict = "approved"
	VerdictRejected RoundVerdict = "rejected"
	VerdictTimeout  RoundVerdict = "timeout"
)

// Objection records why a role withheld approval in a round.
type Objection struct {
	Role   Role
	Reason string
}

// ConsensusState is mutated only by the Debate Engine; a session owns
// exactly one.
type ConsensusState struct {
	Round         int
	OpenProposals map[uint64]struct{}
	Approvals     map[Role]struct{}
	Objections    []Objection
	Verdict       RoundVerdict
}

// NewConsensusState returns a freshly Gathering-state consensus record.
func NewConsensusState() *ConsensusState {
	return &ConsensusState{
		Round:         1,
		OpenProposals: make(map[uint64]struct{}),
		Approvals:     make(map[Role]struct{}),
		Verdict:       VerdictPending,
	}
}
