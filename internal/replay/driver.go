// Package replay implements the Replay Driver (C7): it publishes bars
// from a stored scenario onto the Agent Network in historical order, at
// a configurable speed, standing in for live market data during a
// reproducible session. Generalized from the reference backtest
// engine's per-symbol current-index/time-step-advance loop
// (pkg/backtest.Engine.Step, which merges symbols by earliest
// timestamp) from "advance a backtest" to "publish replay.bar."
package replay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/apex-trading/apex-core/internal/bus"
	"github.com/apex-trading/apex-core/internal/model"
)

// State is the Replay Driver's own run state, independent of the
// session's Debate Engine state.
type State string

const (
	StateLoaded  State = "loaded"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateStopped State = "stopped"
	StateDone    State = "done"
)

// Scenario is a named, fixed set of per-symbol bar series. The three
// named scenarios (2008_crisis, 2020_covid,
// 2022_bear) are registered in a Store by id.
type Scenario struct {
	ID   string
	Bars map[string][]model.BarSample
}

// Store holds the fixed library of named scenarios a session can replay.
type Store struct {
	mu        sync.RWMutex
	scenarios map[string]Scenario
}

// NewStore constructs an empty scenario store.
func NewStore() *Store {
	return &Store{scenarios: make(map[string]Scenario)}
}

// Register adds or replaces a scenario by id.
func (s *Store) Register(scenario Scenario) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scenarios[scenario.ID] = scenario
}

// Get looks up a scenario by id.
func (s *Store) Get(id string) (Scenario, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scenarios[id]
	return sc, ok
}

// Driver replays one loaded scenario's bars onto a session bus in
// historical order, merging symbols by earliest timestamp exactly as
// the reference engine's Step did.
type Driver struct {
	netBus bus.Bus

	mu       sync.Mutex
	state    State
	bars     map[string][]model.BarSample
	index    map[string]int
	speed    float64 // 1.0 = wall-clock real time between bars
	stepOnce chan struct{}
}

// New constructs a Driver bound to a session's bus; call Load before Start.
func New(netBus bus.Bus) *Driver {
	return &Driver{netBus: netBus, state: StateStopped, stepOnce: make(chan struct{}, 1)}
}

// Load installs a scenario's bars, sorting each symbol's series by
// timestamp ascending and resetting per-symbol indices to zero.
func (d *Driver) Load(scenario Scenario, speedMultiplier float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(scenario.Bars) == 0 {
		return fmt.Errorf("replay: scenario %q has no bars", scenario.ID)
	}
	bars := make(map[string][]model.BarSample, len(scenario.Bars))
	index := make(map[string]int, len(scenario.Bars))
	for symbol, series := range scenario.Bars {
		cp := append([]model.BarSample(nil), series...)
		sort.Slice(cp, func(i, j int) bool { return cp[i].TS.Before(cp[j].TS) })
		bars[symbol] = cp
		index[symbol] = 0
	}
	d.bars = bars
	d.index = index
	d.state = StateLoaded
	if speedMultiplier <= 0 {
		speedMultiplier = 1.0
	}
	d.speed = speedMultiplier
	return nil
}

// Start runs the replay to completion (or until Stop/ctx cancellation),
// advancing one merged time-step at a time and sleeping
// nominal-bar-interval/speed between steps, unless Paused.
func (d *Driver) Start(ctx context.Context, sessionID string, barInterval time.Duration) error {
	d.mu.Lock()
	if d.state != StateLoaded && d.state != StatePaused {
		d.mu.Unlock()
		return fmt.Errorf("replay: cannot start from state %q", d.state)
	}
	d.state = StateRunning
	d.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		d.mu.Lock()
		if d.state == StatePaused {
			d.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-d.stepOnce:
			}
			continue
		}
		if d.state == StateStopped {
			d.mu.Unlock()
			return nil
		}
		more, err := d.step(ctx, sessionID)
		done := !more
		d.mu.Unlock()
		if err != nil {
			return err
		}
		if done {
			d.mu.Lock()
			d.state = StateDone
			d.mu.Unlock()
			return nil
		}

		sleep := time.Duration(float64(barInterval) / d.speed)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// Step advances exactly one merged time-step and publishes the bars at
// that instant, regardless of running/paused state — used by the
// single-step control operation.
func (d *Driver) Step(ctx context.Context, sessionID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.step(ctx, sessionID)
}

// step assumes d.mu is held. Symbols are visited in sorted order rather
// than map iteration order so that two or more symbols due at the same
// instant always publish in the same sequence across runs, preserving
// the documented (scenario_id, speed_multiplier, session_seed) ->
// identical-message-sequence guarantee.
func (d *Driver) step(ctx context.Context, sessionID string) (bool, error) {
	symbols := make([]string, 0, len(d.bars))
	for symbol := range d.bars {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	var current time.Time
	found := false
	for _, symbol := range symbols {
		series := d.bars[symbol]
		idx := d.index[symbol]
		if idx >= len(series) {
			continue
		}
		ts := series[idx].TS
		if !found || ts.Before(current) {
			current = ts
			found = true
		}
	}
	if !found {
		return false, nil
	}

	for _, symbol := range symbols {
		series := d.bars[symbol]
		idx := d.index[symbol]
		if idx >= len(series) || series[idx].TS.After(current) {
			continue
		}
		bar := series[idx]
		payload, err := model.NewPayload(model.KindReplayBar, bar)
		if err != nil {
			return false, err
		}
		if _, err := d.netBus.Publish(ctx, bus.PublishInput{
			SessionID: sessionID,
			From:      model.RoleMarket,
			To:        model.RoleAll,
			Topic:     string(model.KindReplayBar),
			Payload:   payload,
		}); err != nil {
			return false, err
		}
		d.index[symbol]++
	}
	return true, nil
}

// Pause suspends Start's loop after its current step completes.
func (d *Driver) Pause() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateRunning {
		return fmt.Errorf("replay: cannot pause from state %q", d.state)
	}
	d.state = StatePaused
	return nil
}

// Resume wakes a paused Start loop.
func (d *Driver) Resume() error {
	d.mu.Lock()
	if d.state != StatePaused {
		d.mu.Unlock()
		return fmt.Errorf("replay: cannot resume from state %q", d.state)
	}
	d.state = StateRunning
	d.mu.Unlock()
	select {
	case d.stepOnce <- struct{}{}:
	default:
	}
	return nil
}

// Stop ends the replay; a running Start loop returns nil on its next check.
func (d *Driver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = StateStopped
}

// State returns the driver's current run state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}
