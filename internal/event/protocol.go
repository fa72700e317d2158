package event

import "palaver/internal/models"

// Op tags a client-to-server command on the realtime socket. Events flow
// the other way as Envelope frames.
type Op string

const (
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
	OpBroadcast   Op = "broadcast"
	OpTrack       Op = "track"
)

// Command is the client-to-server frame.
type Command struct {
	Op       Op                     `json:"op"`
	ScopeKey string                 `json:"scopeKey,omitempty"`
	Envelope *Envelope              `json:"envelope,omitempty"` // broadcast only
	Presence *models.PresenceRecord `json:"presence,omitempty"` // track only
}
