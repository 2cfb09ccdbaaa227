// Package debate implements the Debate/Consensus Engine: a session-owned
// state machine that turns asynchronous Strategy/Risk proposals into a
// single approved or rejected decision, generalized from the reference
// orchestrator's Delphi-round consensus manager (round collection, round
// timeout via a timer, convergence scoring) down to the two-proposal rule
// this spec normalizes on.
package debate

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/apex-trading/apex-core/internal/bus"
	"github.com/apex-trading/apex-core/internal/model"
)

// State is one of the Debate Engine's named states.
type State string

const (
	Gathering   State = "gathering"
	Deliberating State = "deliberating"
	Deciding    State = "deciding"
	Approved    State = "approved"
	Rejected    State = "rejected"
	Paused      State = "paused"
	Failed      State = "failed"
)

func isTerminal(s State) bool { return s == Approved || s == Rejected || s == Failed }

// Config tunes the engine; zero values are replaced by WithDefaults.
type Config struct {
	MaxRounds             int
	RoundTimeout          time.Duration
	DeliberationWindow    time.Duration
	ConsensusThreshold    float64
	MinTradeNotional      float64
}

// WithDefaults fills unset fields with spec defaults.
func (c Config) WithDefaults() Config {
	if c.MaxRounds == 0 {
		c.MaxRounds = 3
	}
	if c.RoundTimeout == 0 {
		c.RoundTimeout = 45 * time.Second
	}
	if c.DeliberationWindow == 0 {
		c.DeliberationWindow = 5 * time.Second
	}
	if c.ConsensusThreshold == 0 {
		c.ConsensusThreshold = 0.7
	}
	if c.MinTradeNotional == 0 {
		c.MinTradeNotional = 50.0
	}
	return c
}

// Outcome is the engine's terminal result.
type Outcome struct {
	Verdict     model.RoundVerdict
	Rounds      int
	ReasonChain []string
	Winning     *model.StrategyProposal
	WinningVar  *model.RiskVerdict
}

// Engine is the session-scoped Debate/Consensus state machine. It
// consumes every message on the session's bus subtree from a single
// goroutine (Run), so consensus mutation never needs a mutex — matching
// the single-threaded-per-session scheduling model.
type Engine struct {
	sessionID string
	cfg       Config
	netBus    bus.Bus
	log       zerolog.Logger

	inbox chan model.Message
	sub   bus.Subscription

	state       State
	pausedFrom  State
	consensus   *model.ConsensusState
	round       int
	strategyMsg *model.Message
	strategy    *model.StrategyProposal
	riskMsg     *model.Message
	risk        *model.RiskVerdict
	pendingReject bool
	reasonChain []string
}

// New constructs an Engine for sessionID, subscribing to every topic on
// its bus subtree.
func New(sessionID string, cfg Config, netBus bus.Bus, log zerolog.Logger) *Engine {
	return &Engine{
		sessionID: sessionID,
		cfg:       cfg.WithDefaults(),
		netBus:    netBus,
		log:       log.With().Str("component", "debate").Str("session_id", sessionID).Logger(),
		state:     Gathering,
		consensus: model.NewConsensusState(),
		inbox:     make(chan model.Message, bus.DefaultBackpressureThreshold),
	}
}

// State returns the engine's current state, safe to call from any
// goroutine once Run has returned (Gathering, as set by New, before Run
// starts).
func (e *Engine) State() State { return e.state }

// Run drives the state machine to a terminal outcome or until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) (Outcome, error) {
	sub, err := e.netBus.Subscribe(e.sessionID, "*", func(msg model.Message) error {
		select {
		case e.inbox <- msg:
		default:
			e.log.Warn().Msg("debate engine inbox full, dropping message")
		}
		return nil
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("debate: subscribe: %w", err)
	}
	e.sub = sub
	defer sub.Unsubscribe()

	e.round = 1
	if err := e.requestRound(ctx); err != nil {
		return Outcome{}, err
	}

	timer := time.NewTimer(e.cfg.RoundTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			e.state = Failed
			return e.outcome(), ctx.Err()
		case msg := <-e.inbox:
			if err := e.handle(ctx, msg, timer); err != nil {
				return Outcome{}, err
			}
		case <-timer.C:
			if err := e.handleTimerFire(ctx, timer); err != nil {
				return Outcome{}, err
			}
		}
		if isTerminal(e.state) {
			return e.outcome(), nil
		}
	}
}

func (e *Engine) outcome() Outcome {
	o := Outcome{Rounds: e.round, ReasonChain: e.reasonChain}
	switch e.state {
	case Approved:
		o.Verdict = model.VerdictApproved
	case Rejected:
		o.Verdict = model.VerdictRejected
	case Failed:
		o.Verdict = model.VerdictTimeout
	default:
		o.Verdict = model.VerdictPending
	}
	o.Winning = e.strategy
	o.WinningVar = e.risk
	return o
}

func (e *Engine) requestRound(ctx context.Context) error {
	e.strategyMsg, e.strategy = nil, nil
	e.riskMsg, e.risk = nil, nil

	payload, err := model.NewPayload(model.KindDebateRequest, map[string]int{"round": e.round})
	if err != nil {
		return err
	}
	_, err = e.netBus.Publish(ctx, bus.PublishInput{
		SessionID: e.sessionID,
		From:      "orchestrator",
		To:        model.RoleAll,
		Topic:     fmt.Sprintf("debate.round.%d.request", e.round),
		Payload:   payload,
	})
	return err
}

func (e *Engine) handle(ctx context.Context, msg model.Message, timer *time.Timer) error {
	if e.state == Paused {
		return e.handlePaused(ctx, msg, timer)
	}

	switch msg.Topic {
	case string(model.KindStrategy):
		return e.handleStrategy(msg)
	case string(model.KindRiskVerdict):
		return e.handleRiskVerdict(ctx, msg, timer)
	case string(model.KindUserIntervention):
		return e.handleIntervention(ctx, msg, timer)
	case string(model.KindAgentError):
		return e.handleAgentError(msg)
	default:
		return nil
	}
}

// handleAgentError ends the session on a Fatal agent.error (the Agent
// Runtime's own signal that a role degraded after exhausting its
// consecutive-failure budget, per MaxFailures) — Transient/Protocol/Policy
// errors are the agent's own concern and never reach the Debate Engine as
// anything worth acting on here.
func (e *Engine) handleAgentError(msg model.Message) error {
	if isTerminal(e.state) {
		return nil
	}
	var ae model.AgentError
	if _, err := model.DecodePayload(msg.Payload, &ae); err != nil {
		return nil
	}
	if ae.Kind != model.ErrorFatal {
		return nil
	}
	e.reasonChain = append(e.reasonChain, fmt.Sprintf("agent.repeated_failure: role=%s: %s", ae.Role, ae.Message))
	e.state = Failed
	return nil
}

func (e *Engine) handleStrategy(msg model.Message) error {
	if e.state != Gathering {
		return nil
	}
	if e.strategyMsg != nil {
		e.log.Warn().Uint64("msg_id", msg.ID).Msg("ignoring extra proposal.strategy in round; first wins")
		return nil
	}
	var p model.StrategyProposal
	if _, err := model.DecodePayload(msg.Payload, &p); err != nil {
		e.log.Warn().Err(err).Msg("malformed strategy proposal")
		return nil
	}
	m := msg
	e.strategyMsg = &m
	e.strategy = &p
	e.consensus.OpenProposals[msg.ID] = struct{}{}
	return nil
}

func (e *Engine) handleRiskVerdict(ctx context.Context, msg model.Message, timer *time.Timer) error {
	if e.state != Gathering {
		return nil
	}
	if e.strategyMsg == nil {
		e.log.Warn().Msg("risk verdict arrived with no strategy proposal on record; ignoring")
		return nil
	}
	if msg.CausationID == nil || *msg.CausationID != e.strategyMsg.ID {
		e.log.Warn().Msg("risk verdict does not reference the current strategy proposal by causation_id; ignoring")
		return nil
	}
	if e.riskMsg != nil {
		return nil
	}
	var v model.RiskVerdict
	if _, err := model.DecodePayload(msg.Payload, &v); err != nil {
		e.log.Warn().Err(err).Msg("malformed risk verdict")
		return nil
	}
	m := msg
	e.riskMsg = &m
	e.risk = &v
	e.consensus.OpenProposals[msg.ID] = struct{}{}

	return e.enterDeliberating(ctx, timer)
}

func (e *Engine) enterDeliberating(ctx context.Context, timer *time.Timer) error {
	e.state = Deliberating
	stopAndDrain(timer)
	timer.Reset(e.cfg.DeliberationWindow)
	return nil
}

func (e *Engine) handleIntervention(ctx context.Context, msg model.Message, timer *time.Timer) error {
	var iv model.UserIntervention
	if _, err := model.DecodePayload(msg.Payload, &iv); err != nil {
		return nil
	}
	switch iv.Kind {
	case model.InterventionHold:
		if isTerminal(e.state) {
			return nil
		}
		e.pausedFrom = e.state
		e.state = Paused
		stopAndDrain(timer)
		return nil
	case model.InterventionReject:
		e.pendingReject = true
		e.reasonChain = append(e.reasonChain, "user.intervention.reject")
	case model.InterventionAmend:
		return e.amendRound(ctx, iv, timer)
	case model.InterventionApprove:
		// handled at decision time; no immediate transition required here.
	}
	if e.state == Deliberating {
		stopAndDrain(timer)
		timer.Reset(e.cfg.DeliberationWindow)
	}
	return nil
}

// handlePaused resumes from a hold: it restores the frozen state and
// re-arms whichever timer that phase expects (the Hold branch of
// handleIntervention stopped it without restarting anything), then hands
// off to handleIntervention so reject/amend/approve get the exact same
// treatment a non-paused session would give them — no shortcut that skips
// the reason-chain append or the amend round-advance.
func (e *Engine) handlePaused(ctx context.Context, msg model.Message, timer *time.Timer) error {
	if msg.Topic != string(model.KindUserIntervention) {
		return nil
	}
	var iv model.UserIntervention
	if _, err := model.DecodePayload(msg.Payload, &iv); err != nil {
		return nil
	}
	if iv.Kind == model.InterventionHold {
		return nil
	}

	e.state = e.pausedFrom
	switch e.state {
	case Gathering:
		stopAndDrain(timer)
		timer.Reset(e.cfg.RoundTimeout)
	case Deliberating:
		stopAndDrain(timer)
		timer.Reset(e.cfg.DeliberationWindow)
	}
	return e.handleIntervention(ctx, msg, timer)
}

func (e *Engine) amendRound(ctx context.Context, iv model.UserIntervention, timer *time.Timer) error {
	e.state = Gathering
	e.round++
	if e.strategy != nil {
		e.strategy.Rationale = e.strategy.Rationale + " | user amendment: " + iv.Text
	}
	stopAndDrain(timer)
	timer.Reset(e.cfg.RoundTimeout)
	return e.requestRound(ctx)
}

func (e *Engine) handleTimerFire(ctx context.Context, timer *time.Timer) error {
	switch e.state {
	case Gathering:
		if e.strategyMsg == nil {
			e.reasonChain = append(e.reasonChain, "objection: timeout (strategy)")
			e.consensus.Objections = append(e.consensus.Objections, model.Objection{Role: model.RoleStrategy, Reason: "timeout"})
		}
		if e.riskMsg == nil {
			e.reasonChain = append(e.reasonChain, "objection: timeout (risk)")
			e.consensus.Objections = append(e.consensus.Objections, model.Objection{Role: model.RoleRisk, Reason: "timeout"})
		}
		e.state = Deliberating
		timer.Reset(e.cfg.DeliberationWindow)
		return nil
	case Deliberating:
		e.state = Deciding
		return e.decide(ctx, timer)
	default:
		return nil
	}
}

func (e *Engine) decide(ctx context.Context, timer *time.Timer) error {
	approved := e.risk != nil && e.risk.Approved && !e.pendingReject
	if approved {
		score := consensusScore(e.strategy, e.risk)
		approved = score >= e.cfg.ConsensusThreshold
		if !approved {
			e.reasonChain = append(e.reasonChain, fmt.Sprintf("consensus_score %.3f below threshold %.3f", score, e.cfg.ConsensusThreshold))
		}
	} else if e.risk != nil && !e.risk.Approved {
		e.reasonChain = append(e.reasonChain, "risk_verdict rejected")
	}

	if approved {
		e.state = Approved
		return e.publishApproved(ctx)
	}

	e.round++
	e.pendingReject = false
	if e.round > e.cfg.MaxRounds {
		e.state = Rejected
		return e.publishRejected(ctx)
	}
	e.consensus.Round = e.round
	e.state = Gathering
	stopAndDrain(timer)
	timer.Reset(e.cfg.RoundTimeout)
	return e.requestRound(ctx)
}

// consensusScore implements the normative formula: confidence of the
// winning strategy times 1 if the risk verdict approved, 0 otherwise.
func consensusScore(strategy *model.StrategyProposal, verdict *model.RiskVerdict) float64 {
	if strategy == nil || verdict == nil || !verdict.Approved {
		return 0
	}
	return strategy.Confidence
}

func (e *Engine) publishApproved(ctx context.Context) error {
	causation := e.riskMsg.ID
	payload, err := model.NewPayload(model.KindDebateApproved, e.strategy)
	if err != nil {
		return err
	}
	_, err = e.netBus.Publish(ctx, bus.PublishInput{
		SessionID:   e.sessionID,
		From:        "orchestrator",
		To:          model.RoleAll,
		Topic:       string(model.KindDebateApproved),
		Payload:     payload,
		CausationID: &causation,
	})
	return err
}

func (e *Engine) publishRejected(ctx context.Context) error {
	e.reasonChain = append(e.reasonChain, fmt.Sprintf("round bound exceeded (%d > %d)", e.round, e.cfg.MaxRounds))
	data := struct {
		ReasonChain []string `json:"reason_chain"`
	}{ReasonChain: e.reasonChain}
	payload, err := model.NewPayload(model.KindDebateRejected, data)
	if err != nil {
		return err
	}
	var causation *uint64
	if e.riskMsg != nil {
		c := e.riskMsg.ID
		causation = &c
	}
	_, err = e.netBus.Publish(ctx, bus.PublishInput{
		SessionID:   e.sessionID,
		From:        "orchestrator",
		To:          model.RoleAll,
		Topic:       string(model.KindDebateRejected),
		Payload:     payload,
		CausationID: causation,
	})
	return err
}

func stopAndDrain(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
