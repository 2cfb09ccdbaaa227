package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/apex-trading/apex-core/internal/model"
)

// relayOriginHeader carries the publishing relay's instance id, so a
// relay that both mirrors its core bus outward and relays inbound on the
// same subject tree (the common single-process-per-session case) can
// recognize and drop its own echo instead of republishing it into its
// core bus forever.
const relayOriginHeader = "Apex-Relay-Origin"

// ExternalRelay mirrors every message accepted by an InProcBus onto a NATS
// subject tree, and relays inbound NATS messages for a session back into
// the same InProcBus. It exists for multi-process deployments; the
// in-process bus remains canonical for a single orchestrator process and
// for the Debate Engine's ordering guarantees. Subject naming follows
// "apex.{session_id}.{topic}", the same dot-to-subject convention the
// production message bus already used for agent-addressed subjects.
type ExternalRelay struct {
	log  zerolog.Logger
	nc   *nats.Conn
	core *InProcBus
	subs []*nats.Subscription
	id   string
}

// NewExternalRelay dials url and wires relay against core. Returns an
// error if the NATS server is unreachable; callers that do not need the
// external bus should simply not construct one.
func NewExternalRelay(url string, core *InProcBus, log zerolog.Logger) (*ExternalRelay, error) {
	nc, err := nats.Connect(url,
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("external bus disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("external bus reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: connect external relay: %w", err)
	}
	id := uuid.NewString()
	return &ExternalRelay{log: log.With().Str("component", "external_bus").Logger(), nc: nc, core: core, id: id}, nil
}

func subject(sessionID, topic string) string {
	return fmt.Sprintf("apex.%s.%s", sessionID, topic)
}

// Publish republishes msg, already accepted by the in-process bus, onto
// NATS so out-of-process subscribers can observe it. Tagged with this
// relay's instance id so its own RelayInbound subscription (if any) can
// recognize and drop the echo.
func (r *ExternalRelay) Publish(msg model.Message) error {
	data, err := msg.MarshalJSON()
	if err != nil {
		return fmt.Errorf("bus: marshal relay message: %w", err)
	}
	out := &nats.Msg{Subject: subject(msg.SessionID, msg.Topic), Data: data}
	out.Header = nats.Header{relayOriginHeader: []string{r.id}}
	return r.nc.PublishMsg(out)
}

// RelayInbound subscribes to every subject under a session and republishes
// into the core in-process bus, preserving the session's canonical
// ordering and history. Messages carrying this relay's own origin header
// (its own Publish echoing back) are dropped rather than republished,
// which would otherwise loop forever for a relay that both mirrors its
// core bus outward and relays inbound on the same subject tree.
func (r *ExternalRelay) RelayInbound(ctx context.Context, sessionID string) error {
	sub, err := r.nc.Subscribe(subject(sessionID, ">"), func(msg *nats.Msg) {
		if msg.Header.Get(relayOriginHeader) == r.id {
			return
		}
		var m model.Message
		if err := m.UnmarshalJSON(msg.Data); err != nil {
			r.log.Warn().Err(err).Msg("dropping malformed external message")
			return
		}
		if _, err := r.core.Publish(ctx, PublishInput{
			SessionID:   m.SessionID,
			From:        m.From,
			To:          m.To,
			Topic:       m.Topic,
			Payload:     m.Payload,
			CausationID: m.CausationID,
		}); err != nil {
			r.log.Warn().Err(err).Msg("failed to relay external message into core bus")
		}
	})
	if err != nil {
		return fmt.Errorf("bus: subscribe external relay: %w", err)
	}
	r.subs = append(r.subs, sub)
	return nil
}

// Close drains subscriptions and closes the NATS connection.
func (r *ExternalRelay) Close() {
	for _, s := range r.subs {
		_ = s.Unsubscribe()
	}
	r.nc.Close()
}
