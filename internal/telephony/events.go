// Package telephony receives call-lifecycle and in-band tone events from the
// external call-control platform and fans them out to per-call consumers.
// The platform is a separate process; events arrive asynchronously and may
// race the producer's session-key write.
package telephony

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/dense-identity/callgate/internal/sessionkey"
)

// EventType represents platform call event types
type EventType string

const (
	EventCallConnected    EventType = "call.connected"
	EventCallDisconnected EventType = "call.disconnected"
	EventCallMetadata     EventType = "call.metadata"
	EventToneReceived     EventType = "tone.received"
)

// Event is one structured event from the telephony/API layer.
type Event struct {
	Type          EventType       `json:"type" validate:"required"`
	CallID        string          `json:"call_id" validate:"required"`
	Flow          sessionkey.Flow `json:"flow" validate:"omitempty,oneof=pstn sip api"`
	CorrelationID string          `json:"correlation_id"`
	Timestamp     time.Time       `json:"timestamp"`

	// Identity material, present depending on flow and event type.
	CallerNumber     string `json:"caller_number,omitempty"`
	SIPCallID        string `json:"sip_call_id,omitempty"`
	CallConnectionID string `json:"call_connection_id,omitempty"`

	// Tone fields, present on tone.received.
	Tone     string `json:"tone,omitempty"`
	Sequence int    `json:"sequence,omitempty"`
}

// ToneEvent is the per-call media signal consumed by the DTMF extractor.
type ToneEvent struct {
	CallID    string
	Digit     string
	Sequence  int
	Timestamp time.Time
}

// Dispatcher routes events: lifecycle events to a single consumer channel,
// tone and metadata events to whichever flow subscribed for that call.
// Per-call delivery never blocks the webhook; a full subscriber buffer drops
// the report.
type Dispatcher struct {
	lifecycle chan Event
	tones     *subscriberRegistry[ToneEvent]
	metadata  *subscriberRegistry[Event]
	log       zerolog.Logger
}

// NewDispatcher creates a dispatcher with a buffered lifecycle channel.
func NewDispatcher(log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		lifecycle: make(chan Event, 100),
		tones:     newSubscriberRegistry[ToneEvent](),
		metadata:  newSubscriberRegistry[Event](),
		log:       log,
	}
}

// Lifecycle returns the stream of call lifecycle events.
func (d *Dispatcher) Lifecycle() <-chan Event {
	return d.lifecycle
}

// SubscribeTones registers a tone channel for a call.
func (d *Dispatcher) SubscribeTones(callID string) <-chan ToneEvent {
	return d.tones.subscribe(callID)
}

// UnsubscribeTones tears down the tone channel for a call.
func (d *Dispatcher) UnsubscribeTones(callID string) {
	d.tones.unsubscribe(callID)
}

// SubscribeMetadata registers a channel for late-arriving call metadata
// (a SIP call id delivered after call.connected).
func (d *Dispatcher) SubscribeMetadata(callID string) <-chan Event {
	return d.metadata.subscribe(callID)
}

// UnsubscribeMetadata tears down the metadata channel for a call.
func (d *Dispatcher) UnsubscribeMetadata(callID string) {
	d.metadata.unsubscribe(callID)
}

// Dispatch routes a single validated event.
func (d *Dispatcher) Dispatch(ev Event) {
	switch ev.Type {
	case EventToneReceived:
		tone := ToneEvent{
			CallID:    ev.CallID,
			Digit:     ev.Tone,
			Sequence:  ev.Sequence,
			Timestamp: ev.Timestamp,
		}
		if !d.tones.deliver(ev.CallID, tone) {
			d.log.Warn().
				Str("call_id", ev.CallID).
				Str("digit", ev.Tone).
				Msg("dropped tone event: no listener or buffer full")
		}

	case EventCallMetadata:
		if !d.metadata.deliver(ev.CallID, ev) {
			d.log.Debug().
				Str("call_id", ev.CallID).
				Msg("dropped metadata event: no listener")
		}

	case EventCallConnected, EventCallDisconnected:
		select {
		case d.lifecycle <- ev:
		default:
			// The authorizer's event loop is stalled; dropping a lifecycle
			// event here is fail closed (the call never authorizes).
			d.log.Error().
				Str("call_id", ev.CallID).
				Str("type", string(ev.Type)).
				Msg("dropped lifecycle event: queue full")
		}

	default:
		d.log.Debug().Str("type", string(ev.Type)).Msg("ignoring unknown event type")
	}
}
