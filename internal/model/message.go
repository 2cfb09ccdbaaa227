package model

import (
	"encoding/json"
	"time"
)

// Message is the immutable envelope carried on the Agent Network. Once
// published it is never mutated; Id is assigned by the bus and is
// monotonic-unique within a session.
type Message struct {
	ID          uint64
	SessionID   string
	From        Role
	To          string // a Role value, or RoleAll
	Topic       string
	Payload     json.RawMessage
	Timestamp   time.Time
	CausationID *uint64
}

// wireEnvelope is the exact external shape from the external interfaces
// section: id, session_id, from, to, topic, causation_id, ts, payload.
type wireEnvelope struct {
	ID          uint64          `json:"id"`
	SessionID   string          `json:"session_id"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	Topic       string          `json:"topic"`
	CausationID *uint64         `json:"causation_id"`
	TS          string          `json:"ts"`
	Payload     json.RawMessage `json:"payload"`
}

// MarshalJSON renders the wire-exact envelope.
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEnvelope{
		ID:          m.ID,
		SessionID:   m.SessionID,
		From:        string(m.From),
		To:          m.To,
		Topic:       m.Topic,
		CausationID: m.CausationID,
		TS:          m.Timestamp.UTC().Format(time.RFC3339Nano),
		Payload:     m.Payload,
	})
}

// UnmarshalJSON parses the wire-exact envelope back into a Message. Round
// tripping (Marshal then Unmarshal) must yield an equal value.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339Nano, w.TS)
	if err != nil {
		return err
	}
	*m = Message{
		ID:          w.ID,
		SessionID:   w.SessionID,
		From:        Role(w.From),
		To:          w.To,
		Topic:       w.Topic,
		Payload:     w.Payload,
		Timestamp:   ts,
		CausationID: w.CausationID,
	}
	return nil
}

// Envelope bundles a proposal kind with its typed payload, matching the
// "payload: {kind: string, ...}" shape of the wire message.
type Envelope struct {
	Kind ProposalKind    `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// NewPayload marshals kind and data into the envelope's raw payload form.
func NewPayload(kind ProposalKind, data interface{}) (json.RawMessage, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Kind: kind, Data: raw})
}

// DecodePayload unmarshals a message's payload into the envelope shape and
// then into target.
func DecodePayload(payload json.RawMessage, target interface{}) (ProposalKind, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", err
	}
	if target != nil {
		if err := json.Unmarshal(env.Data, target); err != nil {
			return env.Kind, err
		}
	}
	return env.Kind, nil
}
