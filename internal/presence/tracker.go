// Package presence tracks who is online in each subscribed scope. The
// local user heartbeats its status; remote state is reconciled from
// authoritative sync snapshots with join/leave deltas in between.
package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"palaver/internal/cache"
	"palaver/internal/event"
	"palaver/internal/models"
	"palaver/internal/realtime"
)

type channelManager interface {
	Subscribe(ctx context.Context, scope models.Scope, handlers realtime.Handlers) (*realtime.Subscription, error)
	Track(ctx context.Context, scopeKey string, rec models.PresenceRecord) error
}

type scopeEntry struct {
	scope models.Scope
	sub   *realtime.Subscription
	table map[string]models.PresenceRecord
}

type Tracker struct {
	mgr    channelManager
	cache  *cache.Store
	userID string

	heartbeat time.Duration
	now       func() time.Time

	mu     sync.RWMutex
	status models.PresenceStatus
	scopes map[string]*scopeEntry
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewTracker builds a tracker for the local user. Call Open to start the
// heartbeat and Close to tear everything down.
func NewTracker(mgr channelManager, cacheStore *cache.Store, userID string, heartbeat time.Duration) *Tracker {
	return &Tracker{
		mgr:       mgr,
		cache:     cacheStore,
		userID:    userID,
		heartbeat: heartbeat,
		now:       time.Now,
		status:    models.PresenceOnline,
		scopes:    make(map[string]*scopeEntry),
		done:      make(chan struct{}),
	}
}

func (t *Tracker) Open() {
	t.wg.Add(1)
	go t.heartbeatLoop()
}

func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	entries := make([]*scopeEntry, 0, len(t.scopes))
	for key, e := range t.scopes {
		entries = append(entries, e)
		delete(t.scopes, key)
	}
	t.mu.Unlock()

	close(t.done)
	t.wg.Wait()
	for _, e := range entries {
		// A join that has not finished subscribing yet has no sub here; it
		// notices t.closed itself and releases what it obtained.
		if e.sub != nil {
			e.sub.Close()
		}
	}
}

// MaxAge is how long a presence record stays credible without a
// heartbeat: twice the heartbeat interval.
func (t *Tracker) MaxAge() time.Duration {
	return 2 * t.heartbeat
}

// Join starts tracking the local user as present in the scope and begins
// reconciling the scope's presence table from transport events.
func (t *Tracker) Join(ctx context.Context, scope models.Scope) error {
	key := scope.Key()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return models.ErrClosed
	}
	if _, ok := t.scopes[key]; ok {
		t.mu.Unlock()
		return nil
	}
	entry := &scopeEntry{scope: scope, table: make(map[string]models.PresenceRecord)}
	t.scopes[key] = entry
	t.mu.Unlock()

	sub, err := t.mgr.Subscribe(ctx, scope, realtime.Handlers{
		OnPresenceSync:  func(e event.PresenceSync) { t.applySync(key, e) },
		OnPresenceJoin:  func(e event.PresenceJoin) { t.applyJoin(key, e) },
		OnPresenceLeave: func(e event.PresenceLeave) { t.applyLeave(key, e) },
		OnReconnect:     func() { t.trackScope(context.Background(), key) },
	})
	if err != nil {
		t.mu.Lock()
		delete(t.scopes, key)
		t.mu.Unlock()
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		sub.Close()
		return models.ErrClosed
	}
	entry.sub = sub
	t.mu.Unlock()

	// Announce the local user right away; the heartbeat takes over from
	// here.
	t.trackScope(ctx, key)
	return nil
}

// Leave stops tracking the scope. Idempotent.
func (t *Tracker) Leave(scope models.Scope) {
	key := scope.Key()

	t.mu.Lock()
	entry, ok := t.scopes[key]
	delete(t.scopes, key)
	t.mu.Unlock()
	if !ok {
		return
	}
	if entry.sub != nil {
		entry.sub.Close()
	}
	t.cache.DeletePresence(key, t.userID)
}

// SetStatus declares the local user's status and re-announces it to every
// joined scope immediately, ahead of the regular heartbeat.
func (t *Tracker) SetStatus(ctx context.Context, status models.PresenceStatus) {
	t.mu.Lock()
	t.status = status
	keys := make([]string, 0, len(t.scopes))
	for key := range t.scopes {
		keys = append(keys, key)
	}
	t.mu.Unlock()

	for _, key := range keys {
		t.trackScope(ctx, key)
	}
}

func (t *Tracker) Status() models.PresenceStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Snapshot returns the scope's full presence table, stale records
// included, sorted by user id.
func (t *Tracker) Snapshot(scopeKey string) []models.PresenceRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.scopes[scopeKey]
	if !ok {
		return nil
	}
	records := make([]models.PresenceRecord, 0, len(entry.table))
	for _, rec := range entry.table {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].UserID < records[j].UserID })
	return records
}

// Online returns only the records a consumer should display as present:
// not explicitly offline and heartbeated within MaxAge.
func (t *Tracker) Online(scopeKey string) []models.PresenceRecord {
	now := t.now()
	all := t.Snapshot(scopeKey)
	online := all[:0]
	for _, rec := range all {
		if rec.Status == models.PresenceOffline || rec.Stale(now, t.MaxAge()) {
			continue
		}
		online = append(online, rec)
	}
	return online
}

func (t *Tracker) heartbeatLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.mu.RLock()
			keys := make([]string, 0, len(t.scopes))
			for key := range t.scopes {
				keys = append(keys, key)
			}
			t.mu.RUnlock()
			for _, key := range keys {
				t.trackScope(context.Background(), key)
			}
		case <-t.done:
			return
		}
	}
}

func (t *Tracker) trackScope(ctx context.Context, scopeKey string) {
	t.mu.RLock()
	status := t.status
	t.mu.RUnlock()

	rec := models.PresenceRecord{
		UserID:     t.userID,
		ScopeKey:   scopeKey,
		Status:     status,
		LastSeenAt: t.now().UnixMilli(),
	}
	if err := t.mgr.Track(ctx, scopeKey, rec); err != nil {
		// Transport hiccup; the next heartbeat or the reconnect pass
		// re-announces.
		slog.Warn("presence track failed", "scope", scopeKey, "error", err)
	}
}

// applySync replaces the scope's whole table with the authoritative
// snapshot. This is the reconciliation point that absorbs any missed
// join/leave deltas.
func (t *Tracker) applySync(scopeKey string, e event.PresenceSync) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.scopes[scopeKey]
	if !ok {
		return
	}
	entry.table = make(map[string]models.PresenceRecord, len(e.Records))
	for _, rec := range e.Records {
		entry.table[rec.UserID] = rec
		t.cache.SetPresence(rec)
	}
}

func (t *Tracker) applyJoin(scopeKey string, e event.PresenceJoin) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.scopes[scopeKey]
	if !ok {
		return
	}
	entry.table[e.Record.UserID] = e.Record
	t.cache.SetPresence(e.Record)
}

func (t *Tracker) applyLeave(scopeKey string, e event.PresenceLeave) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.scopes[scopeKey]
	if !ok {
		return
	}
	rec, ok := entry.table[e.UserID]
	if !ok {
		rec = models.PresenceRecord{UserID: e.UserID, ScopeKey: scopeKey}
	}
	rec.Status = models.PresenceOffline
	if e.At > 0 {
		rec.LastSeenAt = e.At
	}
	entry.table[e.UserID] = rec
	t.cache.SetPresence(rec)
}
