// Package orchestrator coordinates sessions: each session owns its own
// bus subtree, Debate Engine, and set of running agents. Generalized
// from the reference Orchestrator's single-portfolio agent registry
// (Prometheus gauges, pause/resume broadcast over a control topic, and
// /pause /resume /status HTTP endpoints) into a session-keyed table where
// each session_id owns exactly one ConsensusState/Portfolio snapshot
// chain and bus subtree.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/apex-trading/apex-core/internal/bus"
	"github.com/apex-trading/apex-core/internal/debate"
	"github.com/apex-trading/apex-core/internal/model"
)

// Metrics are the orchestrator-wide Prometheus gauges, grounded on the
// reference Orchestrator's singleton-registered gauge/counter set.
type Metrics struct {
	sessionsActive prometheus.Gauge
	sessionsTotal  prometheus.Counter
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

func getOrCreateMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			sessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "apex_orchestrator_sessions_active",
				Help: "Number of sessions currently running.",
			}),
			sessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "apex_orchestrator_sessions_total",
				Help: "Total sessions started since process start.",
			}),
		}
	})
	return metricsInstance
}

// AgentRunner is anything the orchestrator can start per session per
// role (*internal/agent.Agent satisfies it directly; the interface keeps
// this package from importing internal/agent, avoiding an import cycle).
type AgentRunner interface {
	Run(ctx context.Context, sessionID string) error
}

// session is the orchestrator's internal bookkeeping for one running
// debate session: its own bus, cancel func, and restart counters per
// agent role for the auto-restart failure policy.
type session struct {
	id        string
	bus       bus.Bus
	cancel    context.CancelFunc
	engine    *debate.Engine
	outcomeCh chan debate.Outcome
	relay     *bus.ExternalRelay

	mu       sync.Mutex
	status   model.SessionStatus
	restarts map[model.Role]int
}

// MaxAgentRestarts is the number of times an agent may be automatically
// restarted after it exits before the orchestrator gives up on it.
const MaxAgentRestarts = 3

// RelayFactory builds an external (multi-process) bus relay mirroring a
// session's in-process bus onto NATS. Returning (nil, nil) opts the
// session out of the external bus without that being an error.
type RelayFactory func(sessionID string, core *bus.InProcBus) (*bus.ExternalRelay, error)

// Orchestrator owns the session table. All public methods are safe for
// concurrent use.
type Orchestrator struct {
	log     zerolog.Logger
	metrics *Metrics
	relayFn RelayFactory

	mu       sync.RWMutex
	sessions map[string]*session
}

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

// WithExternalRelay installs a RelayFactory: every session Start creates
// also gets its in-process bus mirrored onto NATS via fn, for deployments
// that split the Agent Network across more than one process. Omit this
// option to keep the in-process bus canonical and skip NATS entirely.
func WithExternalRelay(fn RelayFactory) Option {
	return func(o *Orchestrator) { o.relayFn = fn }
}

// New constructs an empty Orchestrator.
func New(log zerolog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		log:      log.With().Str("component", "orchestrator").Logger(),
		metrics:  getOrCreateMetrics(),
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// AgentFactory builds the agents to run for a session, given the
// session's own bus. Supplied by the wiring layer (internal/wiring)
// so this package stays free of concrete Reasoner/Risk-Engine wiring.
type AgentFactory func(sessionID string, netBus bus.Bus) map[model.Role]AgentRunner

// Start creates a new session, wires its bus and Debate Engine, and
// launches every agent the factory returns, each independently
// auto-restarted up to MaxAgentRestarts times on exit. Returns the new
// session_id.
func (o *Orchestrator) Start(ctx context.Context, cfg debate.Config, agents AgentFactory) (string, error) {
	sessionID := uuid.NewString()
	sessionBus := bus.NewInProcBus(o.log, bus.DefaultBackpressureThreshold)

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:        sessionID,
		bus:       sessionBus,
		cancel:    cancel,
		status:    model.SessionRunning,
		engine:    debate.New(sessionID, cfg, sessionBus, o.log),
		outcomeCh: make(chan debate.Outcome, 1),
		restarts:  make(map[model.Role]int),
	}

	if o.relayFn != nil {
		relay, err := o.relayFn(sessionID, sessionBus)
		if err != nil {
			cancel()
			return "", fmt.Errorf("orchestrator: external relay: %w", err)
		}
		if relay != nil {
			if err := relay.RelayInbound(sessCtx, sessionID); err != nil {
				relay.Close()
				cancel()
				return "", fmt.Errorf("orchestrator: external relay inbound: %w", err)
			}
			// Mirror every message this session's own bus accepts onto
			// NATS; ExternalRelay.Publish only pushes outward, it does not
			// subscribe itself, so the orchestrator is what makes the
			// mirror automatic rather than something every publisher
			// would otherwise have to remember to do.
			if _, err := sessionBus.Subscribe(sessionID, "*", func(msg model.Message) error {
				return relay.Publish(msg)
			}); err != nil {
				relay.Close()
				cancel()
				return "", fmt.Errorf("orchestrator: external relay mirror subscribe: %w", err)
			}
			s.relay = relay
		}
	}

	o.mu.Lock()
	o.sessions[sessionID] = s
	o.mu.Unlock()

	o.metrics.sessionsTotal.Inc()
	o.metrics.sessionsActive.Inc()

	for role, runner := range agents(sessionID, sessionBus) {
		o.runWithRestart(sessCtx, s, role, runner)
	}

	go func() {
		outcome, err := s.engine.Run(sessCtx)
		s.mu.Lock()
		// A real engine error (not the outer ctx being cancelled out from
		// under it) and a clean Failed-state outcome (an agent.error
		// that ended the session, e.g. agent.repeated_failure) both mean
		// the session never reached a decision — only a verdict the
		// engine itself produced counts as Completed. Stop() already set
		// Aborted under this same lock before cancelling the context that
		// unblocked Run above; that explicit user action takes precedence
		// over whatever terminal state the engine settled into as a result.
		if s.status != model.SessionAborted {
			if (err != nil && sessCtx.Err() == nil) || outcome.Verdict == model.VerdictTimeout {
				s.status = model.SessionFailed
			} else {
				s.status = model.SessionCompleted
			}
		}
		s.mu.Unlock()
		if s.relay != nil {
			s.relay.Close()
		}
		o.metrics.sessionsActive.Dec()
		s.outcomeCh <- outcome
	}()

	return sessionID, nil
}

// runWithRestart keeps runner alive across MaxAgentRestarts exits: an
// agent that returns before ctx is cancelled is restarted up to 3 times;
// after that it stays stopped and the rest of the session keeps running.
func (o *Orchestrator) runWithRestart(ctx context.Context, s *session, role model.Role, runner AgentRunner) {
	go func() {
		for {
			err := runner.Run(ctx, s.id)
			if ctx.Err() != nil {
				return
			}
			s.mu.Lock()
			s.restarts[role]++
			n := s.restarts[role]
			s.mu.Unlock()
			o.log.Warn().Str("session_id", s.id).Str("role", string(role)).Err(err).Int("restart", n).Msg("agent exited, restarting")
			if n > MaxAgentRestarts {
				o.log.Error().Str("session_id", s.id).Str("role", string(role)).Msg("agent exceeded restart budget, giving up")
				return
			}
			time.Sleep(time.Duration(n) * 200 * time.Millisecond)
		}
	}()
}

// Pause freezes a session's Debate Engine by publishing a
// user.intervention.hold.
func (o *Orchestrator) Pause(ctx context.Context, sessionID string) error {
	return o.intervene(ctx, sessionID, model.InterventionHold, "")
}

// Resume clears a pause by publishing user.intervention.approve, which
// the Debate Engine treats as "leave paused state, re-enter prior flow."
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) error {
	return o.intervene(ctx, sessionID, model.InterventionApprove, "")
}

func (o *Orchestrator) intervene(ctx context.Context, sessionID string, kind model.InterventionKind, text string) error {
	s, err := o.get(sessionID)
	if err != nil {
		return err
	}
	payload, err := model.NewPayload(model.KindUserIntervention, model.UserIntervention{Kind: kind, Text: text})
	if err != nil {
		return err
	}
	_, err = s.bus.Publish(ctx, bus.PublishInput{
		SessionID: sessionID,
		From:      model.RoleUser,
		To:        model.RoleAll,
		Topic:     string(model.KindUserIntervention),
		Payload:   payload,
	})
	return err
}

// Stop cancels a session's agents and Debate Engine immediately.
func (o *Orchestrator) Stop(sessionID string) error {
	s, err := o.get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.status = model.SessionAborted
	s.mu.Unlock()
	s.cancel()
	return nil
}

// Status returns the current SessionStatus for sessionID.
func (o *Orchestrator) Status(sessionID string) (model.SessionStatus, error) {
	s, err := o.get(sessionID)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, nil
}

// Stream subscribes to every message on sessionID's bus, for an external
// control-surface connection (gorilla/websocket in cmd/apex-api) to
// relay onward to a client.
func (o *Orchestrator) Stream(sessionID string, handler bus.Handler) (bus.Subscription, error) {
	s, err := o.get(sessionID)
	if err != nil {
		return nil, err
	}
	return s.bus.Subscribe(sessionID, "*", handler)
}

// Outcome blocks until sessionID's Debate Engine reaches a terminal
// state, or ctx is cancelled.
func (o *Orchestrator) Outcome(ctx context.Context, sessionID string) (debate.Outcome, error) {
	s, err := o.get(sessionID)
	if err != nil {
		return debate.Outcome{}, err
	}
	select {
	case out := <-s.outcomeCh:
		return out, nil
	case <-ctx.Done():
		return debate.Outcome{}, ctx.Err()
	}
}

// Sessions lists the ids of every session the orchestrator currently
// tracks, for cmd/apex-orchestrator's /healthz endpoint.
func (o *Orchestrator) Sessions() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (o *Orchestrator) get(sessionID string) (*session, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("orchestrator: unknown session %q", sessionID)
	}
	return s, nil
}
