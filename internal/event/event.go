// Package event defines the closed set of wire events exchanged over the
// realtime transport. Payloads are decoded exactly once, at the transport
// boundary; everything above it works with typed events.
package event

import (
	"encoding/json"
	"errors"
	"fmt"

	"palaver/internal/models"
)

var ErrUnknownKind = errors.New("unknown event kind")

type Kind string

const (
	KindMessageInsert Kind = "insert"
	KindMessageUpdate Kind = "update"
	KindPresenceSync  Kind = "presence-sync"
	KindPresenceJoin  Kind = "presence-join"
	KindPresenceLeave Kind = "presence-leave"
	KindTypingStart   Kind = "broadcast:typing"
	KindTypingStop    Kind = "broadcast:stop-typing"
)

// Envelope is the JSON frame on the wire: a kind tag, the scope the event
// belongs to, and the kind-specific payload.
type Envelope struct {
	Kind     Kind            `json:"kind"`
	ScopeKey string          `json:"scopeKey"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Event is one member of the closed union below.
type Event interface {
	EventKind() Kind
}

type MessageInsert struct {
	Message models.Message `json:"message"`
}

type MessageUpdate struct {
	Message models.Message `json:"message"`
}

// PresenceSync carries the authoritative snapshot of a scope's presence
// table. Receivers replace their local view with it wholesale.
type PresenceSync struct {
	Records []models.PresenceRecord `json:"records"`
}

type PresenceJoin struct {
	Record models.PresenceRecord `json:"record"`
}

type PresenceLeave struct {
	UserID string `json:"userId"`
	At     int64  `json:"at"`
}

type TypingStart struct {
	UserID string `json:"userId"`
	At     int64  `json:"at"`
}

type TypingStop struct {
	UserID string `json:"userId"`
}

func (MessageInsert) EventKind() Kind { return KindMessageInsert }
func (MessageUpdate) EventKind() Kind { return KindMessageUpdate }
func (PresenceSync) EventKind() Kind  { return KindPresenceSync }
func (PresenceJoin) EventKind() Kind  { return KindPresenceJoin }
func (PresenceLeave) EventKind() Kind { return KindPresenceLeave }
func (TypingStart) EventKind() Kind   { return KindTypingStart }
func (TypingStop) EventKind() Kind    { return KindTypingStop }

// Decode turns an envelope into a typed event. Envelopes with a kind
// outside the union return ErrUnknownKind; callers drop those without
// failing the connection.
func Decode(env Envelope) (Event, error) {
	var ev Event
	switch env.Kind {
	case KindMessageInsert:
		ev = &MessageInsert{}
	case KindMessageUpdate:
		ev = &MessageUpdate{}
	case KindPresenceSync:
		ev = &PresenceSync{}
	case KindPresenceJoin:
		ev = &PresenceJoin{}
	case KindPresenceLeave:
		ev = &PresenceLeave{}
	case KindTypingStart:
		ev = &TypingStart{}
	case KindTypingStop:
		ev = &TypingStop{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}

	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, ev); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Kind, err)
		}
	}

	return deref(ev), nil
}

// Encode wraps a typed event into an envelope for the given scope.
func Encode(scopeKey string, ev Event) (Envelope, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", ev.EventKind(), err)
	}
	return Envelope{
		Kind:     ev.EventKind(),
		ScopeKey: scopeKey,
		Payload:  payload,
	}, nil
}

func deref(ev Event) Event {
	switch e := ev.(type) {
	case *MessageInsert:
		return *e
	case *MessageUpdate:
		return *e
	case *PresenceSync:
		return *e
	case *PresenceJoin:
		return *e
	case *PresenceLeave:
		return *e
	case *TypingStart:
		return *e
	case *TypingStop:
		return *e
	}
	return ev
}
