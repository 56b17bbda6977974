package ws

import (
	"encoding/json"

	"github.com/pharmportal/internal/model"
)

type EventType string

const (
	EventChatMessage EventType = "chat:message"
	EventAck         EventType = "ack"
)

// IncomingMessage is what the client sends to the server.
// AckID is echoed back in the acknowledgement; Payload depends on Type.
type IncomingMessage struct {
	Type    EventType       `json:"type"`
	AckID   string          `json:"ack_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ChatMessagePayload is the payload of an incoming chat:message event.
type ChatMessagePayload struct {
	Scope string `json:"scope"`
	Text  string `json:"text"`
}

// OutgoingMessage is what the server sends to the client.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	AckID   string    `json:"ack_id,omitempty"`
	Payload any       `json:"payload"`
}

// AckPayload answers a single client event: {ok:true, message} or {ok:false, error}.
type AckPayload struct {
	OK      bool           `json:"ok"`
	Message *model.Message `json:"message,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// relayEnvelope is the cross-instance form of a channel publication.
type relayEnvelope struct {
	Origin  string         `json:"origin"`
	Channel string         `json:"channel"`
	Message *model.Message `json:"message"`
}
