package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType represents the type of a wire message
type MessageType string

const (
	// Liveness / session control
	MessageTypePing          MessageType = "ping"
	MessageTypePong          MessageType = "pong"
	MessageTypeAuth          MessageType = "auth"
	MessageTypeSubscribe     MessageType = "subscribe"
	MessageTypeConnectionAck MessageType = "connection_ack"
	MessageTypeAuthError     MessageType = "auth_error"

	// Domain events streamed by the assistant server
	MessageTypeProposalCreated MessageType = "proposal_created"
	MessageTypeProposalUpdated MessageType = "proposal_updated"
	MessageTypeTradeLog        MessageType = "trade_log"
	// Bulk push of the full pending set, kept for older servers that
	// re-broadcast the whole list instead of per-proposal events.
	MessageTypeProposalBatch MessageType = "trade_proposals"

	// Local-only re-broadcasts from the gateway to attached views
	MessageTypeConnectionState MessageType = "connection_state"
	MessageTypeDecisionResult  MessageType = "decision_result"
)

// Stream channel names. These double as the Redis pub/sub channels the
// server side bridges to, so the names must match on both ends.
const (
	ChannelProposals = "trade_proposals"
	ChannelTradeLogs = "trade_logs"
)

// DefaultChannels are the channels a gateway subscribes to.
func DefaultChannels() []string {
	return []string{ChannelProposals, ChannelTradeLogs}
}

// Message is the envelope for all WebSocket messages. Data stays raw
// until a consumer that knows the type decodes it.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewMessage builds an envelope around an encodable payload.
func NewMessage(t MessageType, payload interface{}) (Message, error) {
	if payload == nil {
		return Message{Type: t}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Message{Type: t, Data: data}, nil
}

// Decode unmarshals the message payload into v.
func (m *Message) Decode(v interface{}) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("message %s has no payload", m.Type)
	}
	return json.Unmarshal(m.Data, v)
}

// AuthPayload carries the session credential sent right after connect.
type AuthPayload struct {
	Token string `json:"token"`
}

// SubscribePayload names the channels a client wants to receive.
type SubscribePayload struct {
	Channels []string `json:"channels"`
}

// PingPayload carries the sender's timestamp so the matching pong can
// echo it back.
type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// PongPayload echoes the timestamp of the ping it answers.
type PongPayload struct {
	Timestamp int64 `json:"timestamp,omitempty"`
}

// ConnectionAckPayload confirms a successful session handshake.
type ConnectionAckPayload struct {
	ClientID   string `json:"client_id,omitempty"`
	ServerTime int64  `json:"server_time,omitempty"`
}

// AuthErrorPayload reports a rejected auth message.
type AuthErrorPayload struct {
	Message string `json:"message"`
}

// ConnectionStatePayload is the gateway's local re-broadcast of every
// upstream connection transition.
type ConnectionStatePayload struct {
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	ChangedAt time.Time `json:"changed_at"`
}
