package agent

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/apex-trading/apex-core/internal/bus"
	"github.com/apex-trading/apex-core/internal/model"
	"github.com/apex-trading/apex-core/internal/reasoner"
	"github.com/apex-trading/apex-core/internal/reasoner/stub"
)

func TestMarketHandlerRepublishesBarAsSnapshot(t *testing.T) {
	netBus := bus.NewInProcBus(zerolog.Nop(), bus.DefaultBackpressureThreshold)
	sessionID := "sess-market"

	snapshots := make(chan model.MarketSnapshot, 4)
	_, err := netBus.Subscribe(sessionID, string(model.KindMarketSnapshot), func(msg model.Message) error {
		var snap model.MarketSnapshot
		if _, err := model.DecodePayload(msg.Payload, &snap); err != nil {
			return err
		}
		snapshots <- snap
		return nil
	})
	require.NoError(t, err)

	a := New(Config{Role: model.RoleMarket, Subscribe: Wiring(model.RoleMarket), MarketThrottle: time.Millisecond},
		MarketHandler(), stub.New(), netBus, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx, sessionID)

	bar := model.BarSample{TS: time.Now(), Symbol: "SPX", Close: decimal.NewFromInt(100)}
	payload, err := model.NewPayload(model.KindReplayBar, bar)
	require.NoError(t, err)
	_, err = netBus.Publish(ctx, bus.PublishInput{SessionID: sessionID, From: model.RoleMarket, To: model.RoleAll, Topic: string(model.KindReplayBar), Payload: payload})
	require.NoError(t, err)

	select {
	case snap := <-snapshots:
		require.Equal(t, "100", snap.Prices["SPX"].String())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for market.snapshot")
	}
}

func TestAgentEntersDegradedAfterRepeatedReasonerFailure(t *testing.T) {
	netBus := bus.NewInProcBus(zerolog.Nop(), bus.DefaultBackpressureThreshold)
	sessionID := "sess-degrade"

	r := stub.New()
	r.ForceFail(model.RoleStrategy, &reasoner.ReasonerError{Kind: reasoner.ErrTimeout, Message: "down"})

	errs := make(chan model.AgentError, 4)
	_, err := netBus.Subscribe(sessionID, string(model.KindAgentError), func(msg model.Message) error {
		var ae model.AgentError
		if _, err := model.DecodePayload(msg.Payload, &ae); err != nil {
			return err
		}
		errs <- ae
		return nil
	})
	require.NoError(t, err)

	a := New(Config{Role: model.RoleStrategy, Subscribe: Wiring(model.RoleStrategy), MaxFailures: 2},
		StrategyHandler(), r, netBus, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx, sessionID)

	snapshot := model.MarketSnapshot{TS: time.Now(), Prices: map[string]decimal.Decimal{}}
	for i := 0; i < 2; i++ {
		payload, err := model.NewPayload(model.KindMarketSnapshot, snapshot)
		require.NoError(t, err)
		_, err = netBus.Publish(ctx, bus.PublishInput{SessionID: sessionID, From: model.RoleMarket, To: model.RoleAll, Topic: string(model.KindMarketSnapshot), Payload: payload})
		require.NoError(t, err)
		time.Sleep(20 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return a.Degraded() }, time.Second, 10*time.Millisecond)
	select {
	case <-errs:
	case <-time.After(time.Second):
		t.Fatal("expected an agent.error publication")
	}
}
