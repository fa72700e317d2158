// Package realtime multiplexes many logical per-scope subscriptions over
// one shared transport connection. A logical channel per scope key is
// opened at most once per process and torn down when its last subscriber
// leaves.
package realtime

import (
	"context"
	"log/slog"
	"sync"

	"palaver/internal/event"
	"palaver/internal/models"
)

// Transport is the multiplexed connection the manager drives. Inbound
// events come back through Manager.HandleEvent.
type Transport interface {
	Subscribe(ctx context.Context, scopeKey string) error
	Unsubscribe(ctx context.Context, scopeKey string) error
	Broadcast(ctx context.Context, scopeKey string, ev event.Event) error
	Track(ctx context.Context, scopeKey string, rec models.PresenceRecord) error
}

// Handlers holds the per-event-type callbacks of one subscriber. Nil
// fields are skipped. Callbacks for a scope run serially in transport
// arrival order; a callback that needs to block must hand off to its own
// goroutine. OnReconnect is the opt-in disconnect signal: most consumers
// rely on eventually consistent delivery and leave it nil.
type Handlers struct {
	OnMessageInsert func(event.MessageInsert)
	OnMessageUpdate func(event.MessageUpdate)
	OnPresenceSync  func(event.PresenceSync)
	OnPresenceJoin  func(event.PresenceJoin)
	OnPresenceLeave func(event.PresenceLeave)
	OnTypingStart   func(event.TypingStart)
	OnTypingStop    func(event.TypingStop)
	OnReconnect     func()
}

// Subscription is one subscriber's handle on a logical channel. Closing
// it is idempotent and safe while a dispatch for the scope is in flight.
type Subscription struct {
	scope    models.Scope
	handlers Handlers
	mgr      *Manager
	once     sync.Once
}

func (s *Subscription) Scope() models.Scope { return s.scope }

func (s *Subscription) Close() {
	s.once.Do(func() { s.mgr.unsubscribe(s) })
}

// eventBuffer bounds the per-scope dispatch queue. When a scope's
// subscribers cannot keep up the oldest pending events are dropped; the
// contract is at-least-once delivery with resync on reconnect, not a
// lossless stream.
const eventBuffer = 256

type channel struct {
	scopeKey string
	subs     []*Subscription
	events   chan event.Event
	done     chan struct{}
}

type Manager struct {
	transport Transport

	mu       sync.RWMutex
	channels map[string]*channel
	closed   bool
	wg       sync.WaitGroup
}

func NewManager(transport Transport) *Manager {
	return &Manager{
		transport: transport,
		channels:  make(map[string]*channel),
	}
}

// Subscribe attaches handlers to the scope's logical channel, opening it
// against the transport only if this is the first subscriber.
func (m *Manager) Subscribe(ctx context.Context, scope models.Scope, handlers Handlers) (*Subscription, error) {
	key := scope.Key()
	sub := &Subscription{scope: scope, handlers: handlers, mgr: m}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, models.ErrClosed
	}
	ch, exists := m.channels[key]
	if !exists {
		// The channel becomes visible only after the transport-level
		// subscription stands; a concurrent subscriber must never join a
		// scope the backend was not told about.
		if err := m.transport.Subscribe(ctx, key); err != nil {
			return nil, err
		}
		ch = &channel{
			scopeKey: key,
			events:   make(chan event.Event, eventBuffer),
			done:     make(chan struct{}),
		}
		m.channels[key] = ch
		m.wg.Add(1)
		go m.dispatchLoop(ch)
	}
	ch.subs = append(ch.subs, sub)
	return sub, nil
}

// RefCount reports how many subscribers share the scope's channel.
func (m *Manager) RefCount(scopeKey string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[scopeKey]
	if !ok {
		return 0
	}
	return len(ch.subs)
}

// Broadcast sends an ephemeral event on the scope's channel.
func (m *Manager) Broadcast(ctx context.Context, scopeKey string, ev event.Event) error {
	return m.transport.Broadcast(ctx, scopeKey, ev)
}

// Track publishes the local user's presence record for the scope.
func (m *Manager) Track(ctx context.Context, scopeKey string, rec models.PresenceRecord) error {
	return m.transport.Track(ctx, scopeKey, rec)
}

// HandleEvent routes one inbound event to the scope's channel. Events for
// scopes with no open channel are dropped; so are events arriving faster
// than the scope's subscribers consume them.
func (m *Manager) HandleEvent(scopeKey string, ev event.Event) {
	m.mu.RLock()
	ch, ok := m.channels[scopeKey]
	m.mu.RUnlock()
	if !ok {
		return
	}

	select {
	case ch.events <- ev:
	default:
		slog.Warn("dropping event, scope queue full", "scope", scopeKey, "kind", ev.EventKind())
	}
}

// HandleReconnect re-subscribes every open channel after the transport
// re-established its connection, then notifies subscribers that opted in.
func (m *Manager) HandleReconnect(ctx context.Context) {
	m.mu.RLock()
	keys := make([]string, 0, len(m.channels))
	var callbacks []func()
	for key, ch := range m.channels {
		keys = append(keys, key)
		for _, sub := range ch.subs {
			if sub.handlers.OnReconnect != nil {
				callbacks = append(callbacks, sub.handlers.OnReconnect)
			}
		}
	}
	m.mu.RUnlock()

	for _, key := range keys {
		if err := m.transport.Subscribe(ctx, key); err != nil {
			slog.Error("resubscribe failed", "scope", key, "error", err)
		}
	}
	for _, cb := range callbacks {
		cb()
	}
}

// Close tears down every channel and waits for dispatch loops to drain.
// Subscriptions left open become inert.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for key, ch := range m.channels {
		close(ch.done)
		delete(m.channels, key)
	}
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Manager) unsubscribe(sub *Subscription) {
	key := sub.scope.Key()

	m.mu.Lock()
	ch, ok := m.channels[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	for i, s := range ch.subs {
		if s == sub {
			ch.subs = append(ch.subs[:i], ch.subs[i+1:]...)
			break
		}
	}
	last := len(ch.subs) == 0
	if last {
		delete(m.channels, key)
		close(ch.done)
	}
	m.mu.Unlock()

	if last {
		if err := m.transport.Unsubscribe(context.Background(), key); err != nil {
			slog.Error("unsubscribe failed", "scope", key, "error", err)
		}
	}
}

func (m *Manager) dispatchLoop(ch *channel) {
	defer m.wg.Done()
	for {
		select {
		case ev := <-ch.events:
			m.dispatch(ch, ev)
		case <-ch.done:
			return
		}
	}
}

// dispatch fans one event out to a snapshot of the channel's subscribers.
// The snapshot keeps a concurrent unsubscribe from mutating the set
// mid-iteration.
func (m *Manager) dispatch(ch *channel, ev event.Event) {
	m.mu.RLock()
	subs := make([]*Subscription, len(ch.subs))
	copy(subs, ch.subs)
	m.mu.RUnlock()

	for _, sub := range subs {
		h := sub.handlers
		switch e := ev.(type) {
		case event.MessageInsert:
			if h.OnMessageInsert != nil {
				h.OnMessageInsert(e)
			}
		case event.MessageUpdate:
			if h.OnMessageUpdate != nil {
				h.OnMessageUpdate(e)
			}
		case event.PresenceSync:
			if h.OnPresenceSync != nil {
				h.OnPresenceSync(e)
			}
		case event.PresenceJoin:
			if h.OnPresenceJoin != nil {
				h.OnPresenceJoin(e)
			}
		case event.PresenceLeave:
			if h.OnPresenceLeave != nil {
				h.OnPresenceLeave(e)
			}
		case event.TypingStart:
			if h.OnTypingStart != nil {
				h.OnTypingStart(e)
			}
		case event.TypingStop:
			if h.OnTypingStop != nil {
				h.OnTypingStop(e)
			}
		}
	}
}
