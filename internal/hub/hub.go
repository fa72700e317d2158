// Package hub is the backend side of the realtime layer: it owns the
// per-scope subscriber registries, relays ephemeral broadcasts, answers
// presence tracking, and fans out durable-store change events to every
// client watching the affected zone or its parent space.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"palaver/internal/content"
	"palaver/internal/event"
	"palaver/internal/models"
)

type MessageStore interface {
	InsertMessage(ctx context.Context, msg models.Message) (models.Message, error)
	UpdateMessage(ctx context.Context, zoneID, id, newContent string) (models.Message, error)
	DeleteMessage(ctx context.Context, zoneID, id string) (models.Message, error)
	ListRecent(ctx context.Context, zoneID string, limit int, before int64) ([]models.Message, bool, error)
}

// clientBuffer bounds each client's outbound queue; slow readers lose
// events rather than stalling the hub.
const clientBuffer = 100

type scopeState struct {
	subscribers map[string]bool                  // clientID -> subscribed
	presence    map[string]models.PresenceRecord // userID -> tracked record
	trackedBy   map[string]string                // clientID -> userID it tracks
}

func newScopeState() *scopeState {
	return &scopeState{
		subscribers: make(map[string]bool),
		presence:    make(map[string]models.PresenceRecord),
		trackedBy:   make(map[string]string),
	}
}

type Hub struct {
	store MessageStore

	mu      sync.RWMutex
	clients map[string]chan event.Envelope
	scopes  map[string]*scopeState
	now     func() time.Time
}

func New(store MessageStore) *Hub {
	return &Hub{
		store:   store,
		clients: make(map[string]chan event.Envelope),
		scopes:  make(map[string]*scopeState),
		now:     time.Now,
	}
}

// Connect registers a client connection and returns its outbound event
// channel. The channel is closed by Disconnect.
func (h *Hub) Connect(clientID string) chan event.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan event.Envelope, clientBuffer)
	h.clients[clientID] = ch
	return ch
}

// Disconnect drops the client from every scope. Presence it tracked is
// broadcast as left.
func (h *Hub) Disconnect(clientID string) {
	h.mu.Lock()
	ch, ok := h.clients[clientID]
	delete(h.clients, clientID)
	var leaves []event.Envelope
	for scopeKey, scope := range h.scopes {
		delete(scope.subscribers, clientID)
		if env, left := h.dropTrackedLocked(scope, scopeKey, clientID); left {
			leaves = append(leaves, env)
		}
		if len(scope.subscribers) == 0 && len(scope.presence) == 0 {
			delete(h.scopes, scopeKey)
		}
	}
	h.mu.Unlock()

	if ok {
		close(ch)
	}
	for _, env := range leaves {
		h.fanOut(env)
	}
}

// Subscribe adds the client to the scope and immediately sends it the
// authoritative presence snapshot, the reconciliation point for any
// deltas it may have missed.
func (h *Hub) Subscribe(clientID, scopeKey string) {
	h.mu.Lock()
	scope, ok := h.scopes[scopeKey]
	if !ok {
		scope = newScopeState()
		h.scopes[scopeKey] = scope
	}
	scope.subscribers[clientID] = true
	records := make([]models.PresenceRecord, 0, len(scope.presence))
	for _, rec := range scope.presence {
		records = append(records, rec)
	}
	ch := h.clients[clientID]
	h.mu.Unlock()

	env, err := event.Encode(scopeKey, event.PresenceSync{Records: records})
	if err != nil {
		slog.Error("encode presence sync", "scope", scopeKey, "error", err)
		return
	}
	if ch != nil {
		deliver(ch, env, scopeKey)
	}
}

// Unsubscribe removes the client from the scope; presence it tracked
// there is broadcast as left.
func (h *Hub) Unsubscribe(clientID, scopeKey string) {
	h.mu.Lock()
	scope, ok := h.scopes[scopeKey]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(scope.subscribers, clientID)
	env, left := h.dropTrackedLocked(scope, scopeKey, clientID)
	if len(scope.subscribers) == 0 && len(scope.presence) == 0 {
		delete(h.scopes, scopeKey)
	}
	h.mu.Unlock()

	if left {
		h.fanOut(env)
	}
}

// Track upserts the client's presence record for the scope and
// broadcasts it as a join delta. Repeated tracks (heartbeats, status
// changes) re-broadcast; receivers upsert by user id.
func (h *Hub) Track(clientID, scopeKey string, rec models.PresenceRecord) {
	rec.ScopeKey = scopeKey
	if rec.LastSeenAt == 0 {
		rec.LastSeenAt = h.now().UnixMilli()
	}

	h.mu.Lock()
	scope, ok := h.scopes[scopeKey]
	if !ok {
		scope = newScopeState()
		h.scopes[scopeKey] = scope
	}
	scope.presence[rec.UserID] = rec
	scope.trackedBy[clientID] = rec.UserID
	h.mu.Unlock()

	env, err := event.Encode(scopeKey, event.PresenceJoin{Record: rec})
	if err != nil {
		slog.Error("encode presence join", "scope", scopeKey, "error", err)
		return
	}
	h.fanOut(env)
}

// Broadcast relays an ephemeral envelope to every subscriber of the
// scope except the sender. No persistence, no acknowledgment.
func (h *Hub) Broadcast(senderClientID string, env event.Envelope) {
	h.fanOutExcept(env, senderClientID)
}

// Publish sanitizes and persists a new message, then fans the insert out
// to the zone's subscribers and the parent space's.
func (h *Hub) Publish(ctx context.Context, msg models.Message) (models.Message, error) {
	msg.Content = content.Sanitize(msg.Content)

	stored, err := h.store.InsertMessage(ctx, msg)
	if err != nil {
		return models.Message{}, fmt.Errorf("persist message: %w", err)
	}

	h.fanOutChange(stored, event.KindMessageInsert)
	return stored, nil
}

// Edit replaces a message's content and fans out the update.
func (h *Hub) Edit(ctx context.Context, zoneID, id, newContent string) (models.Message, error) {
	updated, err := h.store.UpdateMessage(ctx, zoneID, id, content.Sanitize(newContent))
	if err != nil {
		return models.Message{}, err
	}
	h.fanOutChange(updated, event.KindMessageUpdate)
	return updated, nil
}

// Delete soft-deletes a message and fans out the update.
func (h *Hub) Delete(ctx context.Context, zoneID, id string) (models.Message, error) {
	deleted, err := h.store.DeleteMessage(ctx, zoneID, id)
	if err != nil {
		return models.Message{}, err
	}
	h.fanOutChange(deleted, event.KindMessageUpdate)
	return deleted, nil
}

// History reads a page of messages straight from the durable store.
func (h *Hub) History(ctx context.Context, zoneID string, limit int, before int64) ([]models.Message, bool, error) {
	return h.store.ListRecent(ctx, zoneID, limit, before)
}

// fanOutChange delivers a message change to the zone scope and, when the
// message knows its space, to the space scope as well.
func (h *Hub) fanOutChange(msg models.Message, kind event.Kind) {
	scopeKeys := []string{models.Scope{Kind: models.ScopeKindZone, ID: msg.ZoneID}.Key()}
	if msg.SpaceID != "" {
		scopeKeys = append(scopeKeys, models.SpaceScope(msg.SpaceID).Key())
	}

	for _, scopeKey := range scopeKeys {
		var ev event.Event
		switch kind {
		case event.KindMessageInsert:
			ev = event.MessageInsert{Message: msg}
		default:
			ev = event.MessageUpdate{Message: msg}
		}
		env, err := event.Encode(scopeKey, ev)
		if err != nil {
			slog.Error("encode message change", "scope", scopeKey, "error", err)
			continue
		}
		h.fanOut(env)
	}
}

func (h *Hub) fanOut(env event.Envelope) {
	h.fanOutExcept(env, "")
}

func (h *Hub) fanOutExcept(env event.Envelope, exceptClientID string) {
	h.mu.RLock()
	scope, ok := h.scopes[env.ScopeKey]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]chan event.Envelope, 0, len(scope.subscribers))
	for clientID := range scope.subscribers {
		if clientID == exceptClientID {
			continue
		}
		if ch, connected := h.clients[clientID]; connected {
			targets = append(targets, ch)
		}
	}
	h.mu.RUnlock()

	for _, ch := range targets {
		deliver(ch, env, env.ScopeKey)
	}
}

// dropTrackedLocked removes the presence record a client tracked in a
// scope and builds the leave envelope. Caller holds h.mu.
func (h *Hub) dropTrackedLocked(scope *scopeState, scopeKey, clientID string) (event.Envelope, bool) {
	userID, tracked := scope.trackedBy[clientID]
	if !tracked {
		return event.Envelope{}, false
	}
	delete(scope.trackedBy, clientID)
	delete(scope.presence, userID)

	env, err := event.Encode(scopeKey, event.PresenceLeave{
		UserID: userID,
		At:     h.now().UnixMilli(),
	})
	if err != nil {
		slog.Error("encode presence leave", "scope", scopeKey, "error", err)
		return event.Envelope{}, false
	}
	return env, true
}

func deliver(ch chan event.Envelope, env event.Envelope, scopeKey string) {
	select {
	case ch <- env:
	default:
		slog.Warn("dropping event for slow client", "scope", scopeKey, "kind", env.Kind)
	}
}
