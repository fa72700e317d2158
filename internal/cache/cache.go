// Package cache is the TTL-keyed read-through cache in front of the
// durable store: bounded per-zone windows of recent messages plus scalar
// presence records. It is advisory only; absence of an entry must always
// fall back to the durable store.
package cache

import (
	"context"
	"sync"
	"time"

	"palaver/internal/models"

	"github.com/c-pro/geche"
)

// WindowBound caps the cached window per zone; Append trims the oldest
// entries beyond it.
const WindowBound = 100

// zoneWindow is one cached window plus whether the durable store holds
// history older than its oldest entry. The flag travels with the window
// so cache hits answer pagination the same way the store would.
type zoneWindow struct {
	msgs []models.Message
	more bool
}

type Store struct {
	windows  geche.Geche[string, zoneWindow]
	presence geche.Geche[string, models.PresenceRecord]

	// Per-zone write locks so concurrent read-modify-write cycles for
	// the same zone serialize while unrelated zones never contend.
	mu        sync.Mutex
	zoneLocks map[string]*sync.Mutex
}

// New builds a store whose entries expire on their own: message windows
// after windowTTL, presence records after presenceTTL. The context bounds
// the background TTL sweepers.
func New(ctx context.Context, windowTTL, presenceTTL time.Duration) *Store {
	return &Store{
		windows:   geche.NewMapTTLCache[string, zoneWindow](ctx, windowTTL, windowTTL/2),
		presence:  geche.NewMapTTLCache[string, models.PresenceRecord](ctx, presenceTTL, time.Minute),
		zoneLocks: make(map[string]*sync.Mutex),
	}
}

// Window returns a copy of the cached window for a zone, oldest first,
// and whether the durable store holds history older than the window.
func (s *Store) Window(zoneID string) ([]models.Message, bool, bool) {
	w, err := s.windows.Get(zoneID)
	if err != nil {
		return nil, false, false
	}
	out := make([]models.Message, len(w.msgs))
	copy(out, w.msgs)
	return out, w.more, true
}

// SetWindow replaces the zone's window and records whether older history
// remains in the durable store beyond it. Trimming at the bound forces
// the flag on: the trimmed entries are still durable.
func (s *Store) SetWindow(zoneID string, msgs []models.Message, hasMore bool) {
	lock := s.zoneLock(zoneID)
	lock.Lock()
	defer lock.Unlock()
	s.setLocked(zoneID, msgs, hasMore)
}

func (s *Store) setLocked(zoneID string, msgs []models.Message, hasMore bool) {
	if len(msgs) > WindowBound {
		msgs = msgs[len(msgs)-WindowBound:]
		hasMore = true
	}
	window := make([]models.Message, len(msgs))
	copy(window, msgs)
	s.windows.Set(zoneID, zoneWindow{msgs: window, more: hasMore})
}

// Append adds one message to the end of the zone's window, creating the
// window if needed.
func (s *Store) Append(zoneID string, msg models.Message) {
	s.Mutate(zoneID, func(window []models.Message) []models.Message {
		return append(window, msg)
	})
}

// Mutate applies fn to the zone's current window (nil if absent) and
// stores the result, all under the zone's lock. The stored window is
// trimmed to the bound; the older-history flag is preserved.
func (s *Store) Mutate(zoneID string, fn func([]models.Message) []models.Message) {
	lock := s.zoneLock(zoneID)
	lock.Lock()
	defer lock.Unlock()

	w, err := s.windows.Get(zoneID)
	if err != nil {
		w = zoneWindow{}
	}
	s.setLocked(zoneID, fn(w.msgs), w.more)
}

// Invalidate drops the zone's window entirely. The next uncursored read
// goes to the durable store.
func (s *Store) Invalidate(zoneID string) {
	_ = s.windows.Del(zoneID)
}

func (s *Store) SetPresence(rec models.PresenceRecord) {
	s.presence.Set(presenceKey(rec.ScopeKey, rec.UserID), rec)
}

func (s *Store) Presence(scopeKey, userID string) (models.PresenceRecord, bool) {
	rec, err := s.presence.Get(presenceKey(scopeKey, userID))
	if err != nil {
		return models.PresenceRecord{}, false
	}
	return rec, true
}

func (s *Store) DeletePresence(scopeKey, userID string) {
	_ = s.presence.Del(presenceKey(scopeKey, userID))
}

func (s *Store) zoneLock(zoneID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.zoneLocks[zoneID]
	if !ok {
		lock = &sync.Mutex{}
		s.zoneLocks[zoneID] = lock
	}
	return lock
}

func presenceKey(scopeKey, userID string) string {
	return scopeKey + "|" + userID
}
