// Package agent implements the Agent Runtime: a role-identified loop that
// waits for a triggering topic, assembles context, calls a Reasoner, and
// publishes a validated result onto the Agent Network. Generalized from
// the reference BaseAgent's MCP step-loop (internal/agents/base.go) down
// to the five fixed roles this runtime supports, with the MCP/exchange/NATS
// control-channel machinery replaced by the Reasoner Port and Bus.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/apex-trading/apex-core/internal/bus"
	"github.com/apex-trading/apex-core/internal/model"
	"github.com/apex-trading/apex-core/internal/reasoner"
)

// Handler assembles a reasoner context from a triggering message plus the
// recent-history window, invokes the Reasoner, and turns the structured
// result into zero or more outbound publications. Any returned error,
// whatever its apexerr classification, counts as one consecutive failure
// toward Config.MaxFailures; the runtime does not retry the handler.
type Handler func(ctx context.Context, trigger model.Message, history []model.Message, port reasoner.Port) ([]Publication, error)

// Publication is one message an Agent emits in response to a trigger.
type Publication struct {
	Topic   model.ProposalKind
	Payload interface{}
}

// Config names one role's wiring: what it reacts to, what it may publish,
// and the prompt/schema pairing the Reasoner Port validates against.
type Config struct {
	Role            model.Role
	Subscribe       []string // topic patterns, per the role wiring table
	PromptTemplate  string
	Schema          reasoner.Schema
	HistoryWindow   int           // last-K messages folded into context, default 20
	MaxFailures      int          // consecutive schema/reasoner failures before degraded, default 3
	MarketThrottle  time.Duration // Market role only: publish no faster than this
}

func (c Config) withDefaults() Config {
	if c.HistoryWindow == 0 {
		c.HistoryWindow = 20
	}
	if c.MaxFailures == 0 {
		c.MaxFailures = 3
	}
	return c
}

// Metrics is the read-only performance snapshot each agent exposes:
// calls, failures, p50/p95/p99 latency, last_error. Grounded on the
// reference AgentMetrics Prometheus gauge/counter/histogram set, scoped
// per role rather than per named agent instance.
type Metrics struct {
	calls      prometheus.Counter
	failures   prometheus.Counter
	latency    prometheus.Histogram
	lastErrMu  sync.RWMutex
	lastErr    string
}

var (
	roleMetricsMu sync.Mutex
	roleMetrics   = map[model.Role]*Metrics{}
)

func newMetrics(role model.Role) *Metrics {
	roleMetricsMu.Lock()
	defer roleMetricsMu.Unlock()
	if shared, ok := roleMetrics[role]; ok {
		return &Metrics{calls: shared.calls, failures: shared.failures, latency: shared.latency}
	}
	m := &Metrics{
		calls: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("apex_agent_%s_calls_total", role),
			Help: fmt.Sprintf("Total reasoner calls made by the %s agent", role),
		}),
		failures: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("apex_agent_%s_failures_total", role),
			Help: fmt.Sprintf("Total reasoner call failures for the %s agent", role),
		}),
		latency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    fmt.Sprintf("apex_agent_%s_latency_seconds", role),
			Help:    fmt.Sprintf("Reasoner call latency for the %s agent", role),
			Buckets: prometheus.DefBuckets,
		}),
	}
	roleMetrics[role] = m
	return &Metrics{calls: m.calls, failures: m.failures, latency: m.latency}
}

// LastError returns the most recently recorded error message, or "" if
// none has occurred since the agent started.
func (m *Metrics) LastError() string {
	m.lastErrMu.RLock()
	defer m.lastErrMu.RUnlock()
	return m.lastErr
}

func (m *Metrics) recordErr(err error) {
	m.lastErrMu.Lock()
	m.lastErr = err.Error()
	m.lastErrMu.Unlock()
}

// Agent is the runtime record: role, subscriptions,
// handler, schema, metrics — no class hierarchy, just a value plus a loop.
type Agent struct {
	cfg     Config
	handler Handler
	port    reasoner.Port
	netBus  bus.Bus
	log     zerolog.Logger
	metrics *Metrics

	mu            sync.Mutex
	degraded      bool
	failStreak    int
	lastPublished time.Time
	history       []model.Message
}

// New constructs an Agent for the given role wiring, ready to Run.
func New(cfg Config, handler Handler, port reasoner.Port, netBus bus.Bus, log zerolog.Logger) *Agent {
	cfg = cfg.withDefaults()
	return &Agent{
		cfg:     cfg,
		handler: handler,
		port:    port,
		netBus:  netBus,
		log:     log.With().Str("component", "agent").Str("role", string(cfg.Role)).Logger(),
		metrics: newMetrics(cfg.Role),
	}
}

// Degraded reports whether this agent has stopped producing proposals
// after reaching MaxFailures consecutive reasoner/schema failures. A
// degraded agent keeps receiving and recording messages but never calls
// its handler.
func (a *Agent) Degraded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.degraded
}

// Run subscribes to the role's wiring and drives the step loop until ctx
// is cancelled. Each subscribed topic pattern gets its own subscription
// on the session bus so the per-publisher FIFO/backpressure semantics of
// the Agent Network apply independently per pattern.
func (a *Agent) Run(ctx context.Context, sessionID string) error {
	inbox := make(chan model.Message, bus.DefaultBackpressureThreshold)
	var subs []bus.Subscription
	for _, pattern := range a.cfg.Subscribe {
		sub, err := a.netBus.Subscribe(sessionID, pattern, func(msg model.Message) error {
			select {
			case inbox <- msg:
			default:
				a.log.Warn().Str("topic", msg.Topic).Msg("agent inbox full, dropping message")
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("agent %s: subscribe %q: %w", a.cfg.Role, pattern, err)
		}
		subs = append(subs, sub)
	}
	defer func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-inbox:
			a.step(ctx, sessionID, msg)
		}
	}
}

func (a *Agent) step(ctx context.Context, sessionID string, trigger model.Message) {
	a.mu.Lock()
	a.history = append(a.history, trigger)
	if len(a.history) > a.cfg.HistoryWindow {
		a.history = a.history[len(a.history)-a.cfg.HistoryWindow:]
	}
	history := append([]model.Message(nil), a.history...)
	degraded := a.degraded
	a.mu.Unlock()

	if degraded {
		return
	}

	if a.cfg.Role == model.RoleMarket && a.cfg.MarketThrottle > 0 {
		a.mu.Lock()
		if time.Since(a.lastPublished) < a.cfg.MarketThrottle {
			a.mu.Unlock()
			return
		}
		a.lastPublished = time.Now()
		a.mu.Unlock()
	}

	start := time.Now()
	a.metrics.calls.Inc()
	pubs, err := a.handler(ctx, trigger, history, a.port)
	a.metrics.latency.Observe(time.Since(start).Seconds())

	if err != nil {
		a.metrics.failures.Inc()
		a.metrics.recordErr(err)
		a.onFailure(ctx, sessionID, err)
		return
	}
	a.onSuccess()

	for _, p := range pubs {
		payload, perr := model.NewPayload(p.Topic, p.Payload)
		if perr != nil {
			a.log.Error().Err(perr).Msg("failed to encode publication payload")
			continue
		}
		var causation *uint64
		id := trigger.ID
		causation = &id
		_, perr = a.netBus.Publish(ctx, bus.PublishInput{
			SessionID:   sessionID,
			From:        a.cfg.Role,
			To:          model.RoleAll,
			Topic:       string(p.Topic),
			Payload:     payload,
			CausationID: causation,
		})
		if perr != nil {
			a.log.Error().Err(perr).Msg("failed to publish agent result")
		}
	}
}

func (a *Agent) onFailure(ctx context.Context, sessionID string, cause error) {
	a.mu.Lock()
	a.failStreak++
	streak := a.failStreak
	max := a.cfg.MaxFailures
	a.mu.Unlock()

	a.log.Warn().Err(cause).Int("streak", streak).Msg("agent handler failed")

	if streak < max {
		return
	}

	a.mu.Lock()
	a.degraded = true
	a.mu.Unlock()
	a.log.Error().Int("streak", streak).Msg("agent entering degraded state after repeated failures")

	payload, err := model.NewPayload(model.KindAgentError, model.AgentError{
		Kind:    model.ErrorFatal,
		Role:    a.cfg.Role,
		Message: fmt.Sprintf("agent.repeated_failure: degraded after %d consecutive failures: %v", streak, cause),
	})
	if err != nil {
		return
	}
	_, _ = a.netBus.Publish(ctx, bus.PublishInput{
		SessionID: sessionID,
		From:      a.cfg.Role,
		To:        model.RoleAll,
		Topic:     string(model.KindAgentError),
		Payload:   payload,
	})
}

func (a *Agent) onSuccess() {
	a.mu.Lock()
	a.failStreak = 0
	a.mu.Unlock()
}
