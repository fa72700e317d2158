package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("closed")
)

type ScopeKind string

const (
	ScopeKindSpace ScopeKind = "space"
	ScopeKindZone  ScopeKind = "zone"
)

// Scope identifies a subscription domain: a Space (root collaboration
// unit) or a Zone (a room within a space). A Zone scope carries its
// parent SpaceID so that closing a Space can cascade to its Zones.
type Scope struct {
	Kind    ScopeKind `json:"kind"`
	ID      string    `json:"id"`
	SpaceID string    `json:"spaceId,omitempty"` // parent, set for zones only
}

func SpaceScope(id string) Scope {
	return Scope{Kind: ScopeKindSpace, ID: id}
}

func ZoneScope(spaceID, zoneID string) Scope {
	return Scope{Kind: ScopeKindZone, ID: zoneID, SpaceID: spaceID}
}

// Key returns the wire form of the scope, e.g. "zone:42".
func (s Scope) Key() string {
	return string(s.Kind) + ":" + s.ID
}

// ParseScopeKey parses the wire form produced by Key. The key does not
// carry a zone's parent space, so a parsed zone scope has no SpaceID.
func ParseScopeKey(key string) (Scope, error) {
	kind, id, ok := strings.Cut(key, ":")
	if !ok || id == "" {
		return Scope{}, fmt.Errorf("malformed scope key %q", key)
	}
	switch ScopeKind(kind) {
	case ScopeKindSpace:
		return SpaceScope(id), nil
	case ScopeKindZone:
		return Scope{Kind: ScopeKindZone, ID: id}, nil
	}
	return Scope{}, fmt.Errorf("unknown scope kind %q", kind)
}

// Message is a durable chat message. Timestamps are unix milliseconds.
// DeletedAt == 0 means the message is live; a set DeletedAt marks a soft
// delete and the content is withheld from subsequent reads.
type Message struct {
	ID        string `json:"id"`
	ClientKey string `json:"clientKey,omitempty"` // client idempotency key, echoed by the store
	SpaceID   string `json:"spaceId"`
	ZoneID    string `json:"zoneId"`
	SenderID  string `json:"senderId"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt,omitempty"`
	DeletedAt int64  `json:"deletedAt,omitempty"`
	Pending   bool   `json:"pending,omitempty"` // optimistic local copy, not yet confirmed
	Failed    bool   `json:"failed,omitempty"`  // send rejected by the durable store
}

func (m Message) Deleted() bool {
	return m.DeletedAt != 0
}

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
	PresenceOffline PresenceStatus = "offline"
)

// PresenceRecord is the per-user, per-scope presence state. LastSeenAt is
// unix milliseconds of the last observed heartbeat.
type PresenceRecord struct {
	UserID     string         `json:"userId"`
	ScopeKey   string         `json:"scopeKey"`
	Status     PresenceStatus `json:"status"`
	LastSeenAt int64          `json:"lastSeenAt"`
}

// Stale reports whether the record outlived maxAge without a heartbeat.
// Consumers treat stale records as offline; there is no local timeout
// timer, liveness is always inferred from LastSeenAt.
func (r PresenceRecord) Stale(now time.Time, maxAge time.Duration) bool {
	return now.UnixMilli()-r.LastSeenAt > maxAge.Milliseconds()
}

// TypingIndicator is ephemeral and never persisted.
type TypingIndicator struct {
	UserID    string `json:"userId"`
	ScopeKey  string `json:"scopeKey"`
	StartedAt int64  `json:"startedAt"`
}
