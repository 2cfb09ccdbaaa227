package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/apex-trading/apex-core/internal/bus"
	"github.com/apex-trading/apex-core/internal/debate"
	"github.com/apex-trading/apex-core/internal/model"
)

// fakeAgent publishes nothing and blocks until ctx is cancelled, so
// tests can exercise the session lifecycle without a real Reasoner.
type fakeAgent struct {
	role model.Role
}

func (f fakeAgent) Run(ctx context.Context, sessionID string) error {
	<-ctx.Done()
	return ctx.Err()
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestStartCreatesAnIsolatedSessionAndStatusReportsRunning(t *testing.T) {
	o := New(testLogger())

	factory := func(sessionID string, netBus bus.Bus) map[model.Role]AgentRunner {
		return map[model.Role]AgentRunner{
			model.RoleStrategy: fakeAgent{role: model.RoleStrategy},
		}
	}

	sessionID, err := o.Start(context.Background(), debate.Config{RoundTimeout: 50 * time.Millisecond, DeliberationWindow: 10 * time.Millisecond}, factory)
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)

	status, err := o.Status(sessionID)
	require.NoError(t, err)
	require.Equal(t, model.SessionRunning, status)

	require.Contains(t, o.Sessions(), sessionID)

	require.NoError(t, o.Stop(sessionID))
}

func TestTwoSessionsAreIsolatedFromEachOther(t *testing.T) {
	o := New(testLogger())
	factory := func(sessionID string, netBus bus.Bus) map[model.Role]AgentRunner { return nil }
	cfg := debate.Config{RoundTimeout: 20 * time.Millisecond, DeliberationWindow: 5 * time.Millisecond, MaxRounds: 1}

	id1, err := o.Start(context.Background(), cfg, factory)
	require.NoError(t, err)
	id2, err := o.Start(context.Background(), cfg, factory)
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	// publishing on one session's stream must never be observed on the other's.
	received := make(chan model.Message, 4)
	sub, err := o.Stream(id1, func(msg model.Message) error { received <- msg; return nil })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, o.Pause(context.Background(), id2))

	select {
	case msg := <-received:
		require.Equal(t, id1, msg.SessionID)
	case <-time.After(200 * time.Millisecond):
	}

	o.Stop(id1)
	o.Stop(id2)
}

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

// TestWithExternalRelayMirrorsSessionBusOntoNATS covers the
// WithExternalRelay option end to end: a session started with a relay
// factory must have its bus traffic observable by an independent,
// external NATS subscriber, not just by in-process subscribers.
func TestWithExternalRelayMirrorsSessionBusOntoNATS(t *testing.T) {
	ns := startEmbeddedNATS(t)
	defer ns.Shutdown()

	relayed := 0
	o := New(testLogger(), WithExternalRelay(func(sessionID string, core *bus.InProcBus) (*bus.ExternalRelay, error) {
		relayed++
		return bus.NewExternalRelay(ns.ClientURL(), core, testLogger())
	}))

	factory := func(sessionID string, netBus bus.Bus) map[model.Role]AgentRunner { return nil }
	cfg := debate.Config{RoundTimeout: time.Second, DeliberationWindow: 100 * time.Millisecond}

	sessionID, err := o.Start(context.Background(), cfg, factory)
	require.NoError(t, err)
	require.Equal(t, 1, relayed)

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	received := make(chan *nats.Msg, 1)
	sub, err := nc.Subscribe("apex."+sessionID+".>", func(msg *nats.Msg) { received <- msg })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, o.Pause(context.Background(), sessionID))

	select {
	case msg := <-received:
		require.Contains(t, msg.Subject, sessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session traffic to reach the external bus")
	}

	require.NoError(t, o.Stop(sessionID))
}

func TestUnknownSessionOperationsReturnError(t *testing.T) {
	o := New(testLogger())
	_, err := o.Status("does-not-exist")
	require.Error(t, err)
	require.Error(t, o.Stop("does-not-exist"))
	require.Error(t, o.Pause(context.Background(), "does-not-exist"))
}
