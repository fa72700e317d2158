// Package typing broadcasts ephemeral typing indicators. Everything here
// is best-effort UX: no retries, no acks. A sender-side idle timer sends
// the stop event when keystrokes cease, and receivers age entries out on
// their own so a dropped stop event can never pin an indicator forever.
package typing

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"palaver/internal/event"
	"palaver/internal/models"
	"palaver/internal/realtime"
)

type channelManager interface {
	Subscribe(ctx context.Context, scope models.Scope, handlers realtime.Handlers) (*realtime.Subscription, error)
	Broadcast(ctx context.Context, scopeKey string, ev event.Event) error
}

type watchEntry struct {
	sub    *realtime.Subscription
	typers map[string]int64 // userID -> arrival, unix ms
}

type Broadcaster struct {
	mgr    channelManager
	userID string

	idle  time.Duration // sender auto-stop after last keystroke
	stale time.Duration // receiver-side eviction age
	now   func() time.Time

	mu      sync.Mutex
	timers  map[string]*time.Timer // armed auto-stop per scope
	watches map[string]*watchEntry
	closed  bool
}

func NewBroadcaster(mgr channelManager, userID string, idle, stale time.Duration) *Broadcaster {
	return &Broadcaster{
		mgr:     mgr,
		userID:  userID,
		idle:    idle,
		stale:   stale,
		now:     time.Now,
		timers:  make(map[string]*time.Timer),
		watches: make(map[string]*watchEntry),
	}
}

// NotifyTyping is called on every keystroke. It broadcasts a typing event
// and (re)arms the auto-stop timer; if the timer fires before the next
// keystroke a stop event goes out automatically.
func (b *Broadcaster) NotifyTyping(ctx context.Context, scope models.Scope) error {
	key := scope.Key()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return models.ErrClosed
	}
	if timer, ok := b.timers[key]; ok {
		timer.Reset(b.idle)
	} else {
		b.timers[key] = time.AfterFunc(b.idle, func() { b.autoStop(key) })
	}
	b.mu.Unlock()

	return b.mgr.Broadcast(ctx, key, event.TypingStart{
		UserID: b.userID,
		At:     b.now().UnixMilli(),
	})
}

// StopTyping is called on send or blur. It cancels the pending auto-stop
// and broadcasts the stop event immediately.
func (b *Broadcaster) StopTyping(ctx context.Context, scope models.Scope) error {
	key := scope.Key()

	b.mu.Lock()
	timer, armed := b.timers[key]
	delete(b.timers, key)
	b.mu.Unlock()

	if !armed {
		return nil
	}
	timer.Stop()
	return b.mgr.Broadcast(ctx, key, event.TypingStop{UserID: b.userID})
}

// autoStop runs when the idle timer fires. The map entry is the guard:
// if StopTyping won the race the entry is gone and nothing is sent.
func (b *Broadcaster) autoStop(scopeKey string) {
	b.mu.Lock()
	_, armed := b.timers[scopeKey]
	delete(b.timers, scopeKey)
	b.mu.Unlock()
	if !armed {
		return
	}

	if err := b.mgr.Broadcast(context.Background(), scopeKey, event.TypingStop{UserID: b.userID}); err != nil {
		// Best effort; receivers age the indicator out regardless.
		slog.Debug("auto stop-typing failed", "scope", scopeKey, "error", err)
	}
}

// Watch starts collecting remote typing indicators for the scope.
func (b *Broadcaster) Watch(ctx context.Context, scope models.Scope) error {
	key := scope.Key()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return models.ErrClosed
	}
	if _, ok := b.watches[key]; ok {
		b.mu.Unlock()
		return nil
	}
	entry := &watchEntry{typers: make(map[string]int64)}
	b.watches[key] = entry
	b.mu.Unlock()

	sub, err := b.mgr.Subscribe(ctx, scope, realtime.Handlers{
		OnTypingStart: func(e event.TypingStart) { b.applyStart(key, e) },
		OnTypingStop:  func(e event.TypingStop) { b.applyStop(key, e) },
	})
	if err != nil {
		b.mu.Lock()
		delete(b.watches, key)
		b.mu.Unlock()
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.Close()
		return models.ErrClosed
	}
	entry.sub = sub
	b.mu.Unlock()
	return nil
}

// Unwatch stops collecting for the scope and cancels any armed auto-stop
// timer so nothing leaks into a torn-down scope. Idempotent.
func (b *Broadcaster) Unwatch(scope models.Scope) {
	key := scope.Key()

	b.mu.Lock()
	entry, ok := b.watches[key]
	delete(b.watches, key)
	if timer, armed := b.timers[key]; armed {
		timer.Stop()
		delete(b.timers, key)
	}
	b.mu.Unlock()

	if ok && entry.sub != nil {
		entry.sub.Close()
	}
}

// ActiveTypers returns who is currently typing in the scope, excluding
// the local user and any entry older than the stale age. The age check
// covers senders whose stop event was lost.
func (b *Broadcaster) ActiveTypers(scopeKey string) []models.TypingIndicator {
	cutoff := b.now().UnixMilli() - b.stale.Milliseconds()

	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.watches[scopeKey]
	if !ok {
		return nil
	}

	var active []models.TypingIndicator
	for userID, seenAt := range entry.typers {
		if seenAt < cutoff {
			continue
		}
		active = append(active, models.TypingIndicator{
			UserID:    userID,
			ScopeKey:  scopeKey,
			StartedAt: seenAt,
		})
	}
	sort.Slice(active, func(i, j int) bool { return active[i].UserID < active[j].UserID })
	return active
}

func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for key, timer := range b.timers {
		timer.Stop()
		delete(b.timers, key)
	}
	entries := make([]*watchEntry, 0, len(b.watches))
	for key, entry := range b.watches {
		entries = append(entries, entry)
		delete(b.watches, key)
	}
	b.mu.Unlock()

	for _, entry := range entries {
		if entry.sub != nil {
			entry.sub.Close()
		}
	}
}

func (b *Broadcaster) applyStart(scopeKey string, e event.TypingStart) {
	if e.UserID == b.userID {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.watches[scopeKey]
	if !ok {
		return
	}
	// Stamp with arrival time, not the sender's clock: skewed senders
	// must not dodge the stale eviction.
	entry.typers[e.UserID] = b.now().UnixMilli()
}

func (b *Broadcaster) applyStop(scopeKey string, e event.TypingStop) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.watches[scopeKey]
	if !ok {
		return
	}
	delete(entry.typers, e.UserID)
}
