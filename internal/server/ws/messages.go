package ws

import (
	"encoding/json"
	"time"

	"github.com/alanyoungcy/polylive/internal/domain"
)

// Outbound envelope types.
const (
	TypeSnapshot  = "snapshot"
	TypeUpdate    = "update"
	TypeHeartbeat = "heartbeat"
	TypeError     = "error"
)

// Inbound control types.
const (
	CtlSubscribe   = "subscribe"
	CtlUnsubscribe = "unsubscribe"
	CtlRefresh     = "refresh"
	CtlKeepalive   = "keepalive"
)

// Subscription channels a client can address.
const (
	ChannelContainer   = "container"
	ChannelInstruments = "instruments"
	ChannelUser        = "user"
)

// Envelope wraps every outbound message.
type Envelope struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Welcome is the snapshot sent on connect.
type Welcome struct {
	Kind         string    `json:"kind"`
	ConnectionID string    `json:"connection_id"`
	ServerTime   time.Time `json:"server_time"`
}

// ContainerSnapshot carries the full state of one container.
type ContainerSnapshot struct {
	Kind      string           `json:"kind"`
	Container domain.Container `json:"container"`
}

// ContainerUpdate is the payload sent to global subscribers.
type ContainerUpdate struct {
	Kind      string                   `json:"kind"`
	Container domain.Container         `json:"container"`
	Changed   []domain.InstrumentPrice `json:"changed"`
}

// ContainerDelta is the payload sent to single-container subscribers.
type ContainerDelta struct {
	Kind        string                   `json:"kind"`
	ContainerID string                   `json:"container_id"`
	Slug        string                   `json:"slug,omitempty"`
	Changed     []domain.InstrumentPrice `json:"changed"`
	UpdatedAt   time.Time                `json:"updated_at"`
}

// InstrumentUpdate is the payload sent to interest-set subscribers. It only
// lists instruments the connection asked for.
type InstrumentUpdate struct {
	Kind   string                   `json:"kind"`
	Prices []domain.InstrumentPrice `json:"prices"`
}

// PositionUpdate relays a ledger change on a user channel.
type PositionUpdate struct {
	Kind   string          `json:"kind"`
	User   string          `json:"user"`
	Change json.RawMessage `json:"change"`
}

// ErrorPayload reports a rejected control message.
type ErrorPayload struct {
	Message string `json:"message"`
	Request string `json:"request,omitempty"`
}

// control is an inbound client message.
type control struct {
	Type        string   `json:"type"`
	Channel     string   `json:"channel"`
	Key         string   `json:"key,omitempty"`
	Instruments []string `json:"instruments,omitempty"`
	User        string   `json:"user,omitempty"`
}

func encode(typ string, payload any, now time.Time) ([]byte, error) {
	return json.Marshal(Envelope{Type: typ, Payload: payload, Timestamp: now.UTC()})
}
