// Package msgsync keeps the cached view of each zone's recent messages
// coherent with the durable store. It reconciles three partially ordered
// sources: local optimistic sends, durable-store change events, and
// direct reads. The cache is advisory; any doubt is resolved by going
// back to the durable store.
package msgsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"palaver/internal/cache"
	"palaver/internal/event"
	"palaver/internal/models"
	"palaver/internal/realtime"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// DurableStore is the authoritative message backend. Reads and writes
// going through it are the only operations allowed to surface errors to
// callers; cache trouble never does.
type DurableStore interface {
	ListRecent(ctx context.Context, zoneID string, limit int, before int64) ([]models.Message, bool, error)
	InsertMessage(ctx context.Context, msg models.Message) (models.Message, error)
}

type channelManager interface {
	Subscribe(ctx context.Context, scope models.Scope, handlers realtime.Handlers) (*realtime.Subscription, error)
}

type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeFailed ChangeKind = "failed"
)

// Change is what the engine reports upward after reconciling an event or
// a local send. ReplacesID names the optimistic temp entry a confirmed
// insert supersedes, so consumers can swap instead of duplicating.
type Change struct {
	Kind       ChangeKind
	Message    models.Message
	ReplacesID string
}

type attachment struct {
	sub    *realtime.Subscription
	notify func(Change)
}

type Engine struct {
	mgr    channelManager
	cache  *cache.Store
	store  DurableStore
	userID string
	now    func() time.Time

	reloads singleflight.Group

	mu       sync.Mutex
	pending  map[string]models.Message // clientKey -> optimistic entry
	attached map[string]*attachment    // zoneID -> listener
	closed   bool
}

func NewEngine(mgr channelManager, cacheStore *cache.Store, store DurableStore, userID string) *Engine {
	return &Engine{
		mgr:      mgr,
		cache:    cacheStore,
		store:    store,
		userID:   userID,
		now:      time.Now,
		pending:  make(map[string]models.Message),
		attached: make(map[string]*attachment),
	}
}

// Attach subscribes the engine to the zone's insert/update events and
// registers the consumer callback for reconciled changes.
func (e *Engine) Attach(ctx context.Context, scope models.Scope, notify func(Change)) error {
	if scope.Kind != models.ScopeKindZone {
		return fmt.Errorf("message sync attaches to zones, got %s", scope.Kind)
	}
	zoneID := scope.ID

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return models.ErrClosed
	}
	if _, ok := e.attached[zoneID]; ok {
		e.mu.Unlock()
		return nil
	}
	att := &attachment{notify: notify}
	e.attached[zoneID] = att
	e.mu.Unlock()

	sub, err := e.mgr.Subscribe(ctx, scope, realtime.Handlers{
		OnMessageInsert: func(ev event.MessageInsert) { e.handleInsert(zoneID, ev.Message) },
		OnMessageUpdate: func(ev event.MessageUpdate) { e.handleUpdate(zoneID, ev.Message) },
	})
	if err != nil {
		e.mu.Lock()
		delete(e.attached, zoneID)
		e.mu.Unlock()
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		sub.Close()
		return models.ErrClosed
	}
	att.sub = sub
	e.mu.Unlock()
	return nil
}

// Detach drops the zone's listener. Idempotent.
func (e *Engine) Detach(scope models.Scope) {
	e.mu.Lock()
	att, ok := e.attached[scope.ID]
	delete(e.attached, scope.ID)
	e.mu.Unlock()

	if ok && att.sub != nil {
		att.sub.Close()
	}
}

func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	atts := make([]*attachment, 0, len(e.attached))
	for zoneID, att := range e.attached {
		atts = append(atts, att)
		delete(e.attached, zoneID)
	}
	e.mu.Unlock()

	for _, att := range atts {
		if att.sub != nil {
			att.sub.Close()
		}
	}
}

// GetRecent returns up to limit messages for a zone, oldest first, and
// whether older history remains. Uncursored reads are cache-aside: a
// sufficient window serves the call, a miss reloads from the durable
// store and repopulates. Cursored reads always go straight to the
// durable store and never touch the cache.
func (e *Engine) GetRecent(ctx context.Context, zoneID string, limit int, before int64) ([]models.Message, bool, error) {
	if limit <= 0 {
		return nil, false, fmt.Errorf("limit must be positive, got %d", limit)
	}

	if before > 0 {
		return e.store.ListRecent(ctx, zoneID, limit, before)
	}

	if window, more, ok := e.cache.Window(zoneID); ok && len(window) >= limit {
		// Older history exists if the store reported more beyond the
		// window, or the window itself holds more than this page.
		hasMore := more || len(window) > limit
		return window[len(window)-limit:], hasMore, nil
	}

	// Collapse concurrent reloads of the same zone into one durable read.
	type reload struct {
		msgs    []models.Message
		hasMore bool
	}
	key := fmt.Sprintf("%s|%d", zoneID, limit)
	v, err, _ := e.reloads.Do(key, func() (any, error) {
		msgs, hasMore, err := e.store.ListRecent(ctx, zoneID, limit, 0)
		if err != nil {
			return nil, err
		}
		e.repopulate(zoneID, msgs, hasMore)
		return reload{msgs: msgs, hasMore: hasMore}, nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("load recent messages for zone %s: %w", zoneID, err)
	}
	r := v.(reload)
	return r.msgs, r.hasMore, nil
}

// Send renders an optimistic copy immediately, then writes through to
// the durable store. The optimistic entry is reconciled away by the
// confirmation (direct response or change event, whichever lands first)
// or marked failed on rejection; it never lingers as pending.
func (e *Engine) Send(ctx context.Context, scope models.Scope, content string) (models.Message, error) {
	clientKey := uuid.NewString()
	temp := models.Message{
		ID:        "tmp-" + clientKey,
		ClientKey: clientKey,
		SpaceID:   scope.SpaceID,
		ZoneID:    scope.ID,
		SenderID:  e.userID,
		Content:   content,
		CreatedAt: e.now().UnixMilli(),
		Pending:   true,
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return models.Message{}, models.ErrClosed
	}
	e.pending[clientKey] = temp
	e.mu.Unlock()

	e.cache.Append(temp.ZoneID, temp)
	e.notifyZone(temp.ZoneID, Change{Kind: ChangeInsert, Message: temp})

	stored, err := e.store.InsertMessage(ctx, temp)
	if err != nil {
		e.abortPending(temp)
		return temp, fmt.Errorf("send message to zone %s: %w", temp.ZoneID, err)
	}

	e.confirm(stored.ZoneID, stored)
	return stored, nil
}

func (e *Engine) handleInsert(zoneID string, msg models.Message) {
	if e.matchPending(msg) != "" || msg.SenderID == e.userID {
		e.confirm(zoneID, msg)
		return
	}

	e.cache.Mutate(zoneID, func(window []models.Message) []models.Message {
		for i := range window {
			if window[i].ID == msg.ID {
				// Duplicate delivery; at-least-once is the contract.
				window[i] = msg
				return window
			}
		}
		return append(window, msg)
	})
	e.notifyZone(zoneID, Change{Kind: ChangeInsert, Message: msg})
}

// handleUpdate deliberately drops the whole window instead of patching
// the edited message in place. The next uncursored read goes back to the
// durable store; correctness over hit rate.
func (e *Engine) handleUpdate(zoneID string, msg models.Message) {
	e.cache.Invalidate(zoneID)
	e.notifyZone(zoneID, Change{Kind: ChangeUpdate, Message: msg})
}

// confirm reconciles a durable copy against the optimistic state:
// id-replace of the matching temp entry, never a duplicate. Safe to run
// twice for the same message (direct response plus change event).
func (e *Engine) confirm(zoneID string, stored models.Message) {
	tempID := e.matchPending(stored)

	e.mu.Lock()
	if tempID != "" {
		for key, p := range e.pending {
			if p.ID == tempID {
				delete(e.pending, key)
				break
			}
		}
	}
	e.mu.Unlock()

	var already bool
	e.cache.Mutate(zoneID, func(window []models.Message) []models.Message {
		for i := range window {
			if window[i].ID == stored.ID {
				already = already || !window[i].Pending
				window[i] = stored
				return window
			}
			if tempID != "" && window[i].ID == tempID {
				window[i] = stored
				return window
			}
		}
		return append(window, stored)
	})
	if already && tempID == "" {
		return // duplicate confirmation, UI was already told
	}
	e.notifyZone(zoneID, Change{Kind: ChangeInsert, Message: stored, ReplacesID: tempID})
}

// matchPending finds the optimistic temp id a durable message confirms.
// The echoed client key is authoritative; the (sender, zone, second-
// rounded createdAt) fallback only covers stores that do not echo it.
func (e *Engine) matchPending(msg models.Message) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if msg.ClientKey != "" {
		if p, ok := e.pending[msg.ClientKey]; ok {
			return p.ID
		}
		return ""
	}
	for _, p := range e.pending {
		if p.SenderID == msg.SenderID && p.ZoneID == msg.ZoneID &&
			p.CreatedAt/1000 == msg.CreatedAt/1000 {
			return p.ID
		}
	}
	return ""
}

// abortPending withdraws a rejected optimistic send: out of the pending
// set, out of the cached window, reported as failed so the UI never
// shows a forever-pending bubble.
func (e *Engine) abortPending(temp models.Message) {
	e.mu.Lock()
	delete(e.pending, temp.ClientKey)
	e.mu.Unlock()

	e.cache.Mutate(temp.ZoneID, func(window []models.Message) []models.Message {
		out := window[:0]
		for _, m := range window {
			if m.ID != temp.ID {
				out = append(out, m)
			}
		}
		return out
	})

	temp.Pending = false
	temp.Failed = true
	e.notifyZone(temp.ZoneID, Change{Kind: ChangeFailed, Message: temp, ReplacesID: temp.ID})
}

// repopulate installs a fresh durable page as the zone's window,
// re-appending any still-pending optimistic entries so they survive the
// reload. The store's older-history flag is cached with the window so
// later hits report it correctly.
func (e *Engine) repopulate(zoneID string, msgs []models.Message, hasMore bool) {
	e.mu.Lock()
	var stillPending []models.Message
	for _, p := range e.pending {
		if p.ZoneID == zoneID {
			stillPending = append(stillPending, p)
		}
	}
	e.mu.Unlock()

	window := make([]models.Message, 0, len(msgs)+len(stillPending))
	window = append(window, msgs...)
	window = append(window, stillPending...)
	e.cache.SetWindow(zoneID, window, hasMore)
}

func (e *Engine) notifyZone(zoneID string, change Change) {
	e.mu.Lock()
	att, ok := e.attached[zoneID]
	e.mu.Unlock()
	if !ok || att.notify == nil {
		return
	}
	att.notify(change)
}
