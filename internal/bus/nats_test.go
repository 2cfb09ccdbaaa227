package bus

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/apex-trading/apex-core/internal/model"
)

func startEmbeddedNATS(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded nats server not ready")
	}
	return ns
}

func TestExternalRelayRoundTripsMessageBetweenCores(t *testing.T) {
	ns := startEmbeddedNATS(t)
	defer ns.Shutdown()

	log := zerolog.Nop()
	coreA := NewInProcBus(log, DefaultBackpressureThreshold)
	coreB := NewInProcBus(log, DefaultBackpressureThreshold)

	relayA, err := NewExternalRelay(ns.ClientURL(), coreA, log)
	require.NoError(t, err)
	defer relayA.Close()

	relayB, err := NewExternalRelay(ns.ClientURL(), coreB, log)
	require.NoError(t, err)
	defer relayB.Close()

	const sessionID = "session-relay-test"
	require.NoError(t, relayB.RelayInbound(context.Background(), sessionID))

	received := make(chan model.Message, 1)
	_, err = coreB.Subscribe(sessionID, "market.snapshot", func(msg model.Message) error {
		received <- msg
		return nil
	})
	require.NoError(t, err)

	payload, err := model.NewPayload(model.KindMarketSnapshot, model.MarketSnapshot{})
	require.NoError(t, err)
	msg, err := coreA.Publish(context.Background(), PublishInput{
		SessionID: sessionID,
		From:      model.RoleMarket,
		To:        model.RoleAll,
		Topic:     string(model.KindMarketSnapshot),
		Payload:   payload,
	})
	require.NoError(t, err)
	require.NoError(t, relayA.Publish(msg))

	select {
	case got := <-received:
		require.Equal(t, sessionID, got.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relayed message")
	}
}
