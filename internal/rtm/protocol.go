// Package rtm maintains persistent links to the upstream real-time
// messaging provider, one per managed profile, and supervises their
// connect/heartbeat/reconnect lifecycle.
package rtm

import (
	"encoding/json"
	"time"
)

// ProfileID identifies one managed external profile.
type ProfileID string

// ConversationKey identifies one conversation carried over a profile's link.
type ConversationKey struct {
	Profile      ProfileID `json:"profile"`
	Counterparty string    `json:"counterparty"`
}

func (k ConversationKey) String() string {
	return string(k.Profile) + "/" + k.Counterparty
}

// FrameType identifies a provider protocol frame.
type FrameType string

// Provider frame types. The connect frame opens the application-level
// handshake; hello acknowledges it. Ping/pong carry a token so a pong can
// be matched to the ping that requested it.
const (
	FrameConnect FrameType = "connect"
	FrameHello   FrameType = "hello"
	FramePing    FrameType = "ping"
	FramePong    FrameType = "pong"
	FrameEvent   FrameType = "event"
	FrameError   FrameType = "error"
)

// Frame is the provider wire envelope exchanged over a link.
type Frame struct {
	Type    FrameType       `json:"type"`
	Session json.RawMessage `json:"session,omitempty"`
	PingID  int64           `json:"ping_id,omitempty"`
	Error   string          `json:"error,omitempty"`
	Event   *EventBody      `json:"event,omitempty"`
}

// Direction tells whether an event was authored by the profile itself or
// by the conversation counterparty.
type Direction string

const (
	DirectionSelf         Direction = "self"
	DirectionCounterparty Direction = "counterparty"
)

// EventBody is the provider-assigned payload of an event frame.
type EventBody struct {
	Conversation string          `json:"conversation"`
	Direction    Direction       `json:"direction"`
	Payload      json.RawMessage `json:"payload"`
	Seq          string          `json:"seq"`
}

// Event is one inbound event stamped with its local receipt time.
// Events are immutable after creation and flow through delivery exactly
// once per link read.
type Event struct {
	Key        ConversationKey `json:"key"`
	Direction  Direction       `json:"direction"`
	Payload    json.RawMessage `json:"payload"`
	Seq        string          `json:"seq"`
	ReceivedAt time.Time       `json:"received_at"`
}

// DeliverFunc receives each inbound event read off a link. Implementations
// must not block; a slow consumer stalls nothing but its own queue.
type DeliverFunc func(ev Event)
