package replay

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/apex-trading/apex-core/internal/bus"
	"github.com/apex-trading/apex-core/internal/model"
)

func TestStepPublishesBarsInHistoricalOrder(t *testing.T) {
	netBus := bus.NewInProcBus(zerolog.Nop(), bus.DefaultBackpressureThreshold)
	store := NewStore()
	RegisterDefaults(store)
	scenario, ok := store.Get(Scenario2008Crisis)
	require.True(t, ok)

	d := New(netBus)
	require.NoError(t, d.Load(scenario, 1.0))

	var seen []time.Time
	_, err := netBus.Subscribe("sess-1", string(model.KindReplayBar), func(msg model.Message) error {
		var bar model.BarSample
		if _, err := model.DecodePayload(msg.Payload, &bar); err == nil {
			seen = append(seen, bar.TS)
		}
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		more, err := d.Step(ctx, "sess-1")
		require.NoError(t, err)
		require.True(t, more)
	}

	require.Eventually(t, func() bool { return len(seen) >= 5 }, time.Second, 10*time.Millisecond)
	for i := 1; i < len(seen); i++ {
		require.True(t, seen[i].After(seen[i-1]) || seen[i].Equal(seen[i-1]))
	}
}

// TestStepPublishesCoincidentSymbolsInSortedOrder pins down the fix for
// the map-iteration determinism bug: when two or more symbols are due
// at the same instant, they must publish in a fixed (sorted-by-symbol)
// order on every run, not whatever order Go's map iteration happens to
// pick.
func TestStepPublishesCoincidentSymbolsInSortedOrder(t *testing.T) {
	base := time.Date(2022, 1, 3, 9, 30, 0, 0, time.UTC)
	scenario := Scenario{
		ID: "multi-symbol-tie",
		Bars: map[string][]model.BarSample{
			"ZZZ": {{Symbol: "ZZZ", TS: base, Close: decimal.NewFromInt(10)}},
			"AAA": {{Symbol: "AAA", TS: base, Close: decimal.NewFromInt(20)}},
			"MMM": {{Symbol: "MMM", TS: base, Close: decimal.NewFromInt(30)}},
		},
	}

	for attempt := 0; attempt < 20; attempt++ {
		netBus := bus.NewInProcBus(zerolog.Nop(), bus.DefaultBackpressureThreshold)
		d := New(netBus)
		require.NoError(t, d.Load(scenario, 1.0))

		var seenSymbols []string
		_, err := netBus.Subscribe("sess-multi", string(model.KindReplayBar), func(msg model.Message) error {
			var bar model.BarSample
			if _, err := model.DecodePayload(msg.Payload, &bar); err == nil {
				seenSymbols = append(seenSymbols, bar.Symbol)
			}
			return nil
		})
		require.NoError(t, err)

		more, err := d.Step(context.Background(), "sess-multi")
		require.NoError(t, err)
		require.True(t, more)

		require.Eventually(t, func() bool { return len(seenSymbols) == 3 }, time.Second, time.Millisecond)
		require.Equal(t, []string{"AAA", "MMM", "ZZZ"}, seenSymbols)
	}
}

func TestPauseStopsStartLoop(t *testing.T) {
	netBus := bus.NewInProcBus(zerolog.Nop(), bus.DefaultBackpressureThreshold)
	store := NewStore()
	RegisterDefaults(store)
	scenario, _ := store.Get(Scenario2022Bear)

	d := New(netBus)
	require.NoError(t, d.Load(scenario, 1000.0))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.Start(ctx, "sess-2", time.Millisecond) }()

	require.Eventually(t, func() bool { return d.State() == StateRunning || d.State() == StateDone }, 200*time.Millisecond, time.Millisecond)
	_ = d.Pause()
	require.Eventually(t, func() bool { return d.State() == StatePaused || d.State() == StateDone }, 200*time.Millisecond, time.Millisecond)

	<-done
}
