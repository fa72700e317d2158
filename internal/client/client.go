// Package client is the facade a frontend holds: one object that wires
// the shared websocket, the channel manager, the presence tracker, the
// typing broadcaster and the message sync engine together and exposes
// them as a handful of calls.
package client

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"palaver/internal/cache"
	"palaver/internal/content"
	"palaver/internal/event"
	"palaver/internal/models"
	"palaver/internal/msgsync"
	"palaver/internal/presence"
	"palaver/internal/realtime"
	"palaver/internal/transport"
	"palaver/internal/typing"
)

// Store is the durable message backend the facade writes through. Both
// the embedded bbolt store and the HTTP store satisfy it.
type Store interface {
	msgsync.DurableStore
	UpdateMessage(ctx context.Context, zoneID, id, newContent string) (models.Message, error)
	DeleteMessage(ctx context.Context, zoneID, id string) (models.Message, error)
}

// Callbacks is what one subscriber wants to hear about. Nil fields are
// skipped.
type Callbacks struct {
	OnMessage  func(msgsync.Change)
	OnPresence func([]models.PresenceRecord)
	OnTyping   func([]models.TypingIndicator)
}

type Options struct {
	ServerURL string // http(s) base of the backend
	UserID    string

	Heartbeat   time.Duration
	TypingIdle  time.Duration
	TypingStale time.Duration
	WindowTTL   time.Duration
	PresenceTTL time.Duration
}

func (o *Options) fillDefaults() {
	if o.Heartbeat <= 0 {
		o.Heartbeat = 30 * time.Second
	}
	if o.TypingIdle <= 0 {
		o.TypingIdle = 3 * time.Second
	}
	if o.TypingStale <= 0 {
		o.TypingStale = 5 * time.Second
	}
	if o.WindowTTL <= 0 {
		o.WindowTTL = time.Minute
	}
	if o.PresenceTTL <= 0 {
		o.PresenceTTL = 5 * time.Minute
	}
}

// scopeState is the facade's per-scope bookkeeping: the shared setup
// done for the first subscriber and the callback set fanned out to.
type scopeState struct {
	scope  models.Scope
	sub    *realtime.Subscription
	nextID int
	cbs    map[int]Callbacks
}

type Client struct {
	userID string
	store  Store

	ws      *transport.WS
	mgr     *realtime.Manager
	cache   *cache.Store
	tracker *presence.Tracker
	typing  *typing.Broadcaster
	engine  *msgsync.Engine

	cancel context.CancelFunc

	mu     sync.Mutex
	scopes map[string]*scopeState
	closed bool
}

// New wires the full client stack against a remote backend. store is the
// durable message API, usually storage.NewHTTPStore against the same
// base URL.
func New(opts Options, store Store) *Client {
	opts.fillDefaults()

	c := &Client{
		userID: opts.UserID,
		store:  store,
		scopes: make(map[string]*scopeState),
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.cache = cache.New(ctx, opts.WindowTTL, opts.PresenceTTL)
	c.ws = transport.NewWS(wsURL(opts.ServerURL), nil)
	c.mgr = realtime.NewManager(c.ws)
	c.ws.SetSink(c.mgr)
	c.tracker = presence.NewTracker(c.mgr, c.cache, opts.UserID, opts.Heartbeat)
	c.typing = typing.NewBroadcaster(c.mgr, opts.UserID, opts.TypingIdle, opts.TypingStale)
	c.engine = msgsync.NewEngine(c.mgr, c.cache, store, opts.UserID)

	return c
}

// Open dials the backend and starts the presence heartbeat.
func (c *Client) Open(ctx context.Context) error {
	if err := c.ws.Connect(ctx); err != nil {
		return fmt.Errorf("connect realtime transport: %w", err)
	}
	c.tracker.Open()
	return nil
}

// Close tears everything down: all subscriptions, the heartbeat, the
// dispatch loops and the socket. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	states := make([]*scopeState, 0, len(c.scopes))
	for key, st := range c.scopes {
		states = append(states, st)
		delete(c.scopes, key)
	}
	c.mu.Unlock()

	for _, st := range states {
		c.teardownScope(st)
	}

	c.typing.Close()
	c.tracker.Close()
	c.engine.Close()
	c.mgr.Close()
	if c.ws != nil {
		_ = c.ws.Close()
	}
	c.cancel()
}

// Subscribe opens the scope (space or zone) for this subscriber and
// returns the matching unsubscribe. The first subscriber of a scope
// wires the presence tracker, typing watcher and, for zones, the message
// sync engine; the last one leaving unwinds all of it. Unsubscribing the
// last subscriber of a space also cascades to any still-open zones of
// that space.
func (c *Client) Subscribe(ctx context.Context, scope models.Scope, cb Callbacks) (func(), error) {
	key := scope.Key()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, models.ErrClosed
	}
	st, ok := c.scopes[key]
	if ok {
		st.nextID++
		id := st.nextID
		st.cbs[id] = cb
		c.mu.Unlock()
		return c.unsubscribeFunc(key, id), nil
	}
	st = &scopeState{scope: scope, cbs: map[int]Callbacks{0: cb}}
	c.scopes[key] = st
	c.mu.Unlock()

	if err := c.setupScope(ctx, st); err != nil {
		c.mu.Lock()
		delete(c.scopes, key)
		c.mu.Unlock()
		return nil, err
	}
	return c.unsubscribeFunc(key, 0), nil
}

// setupScope does the first-subscriber wiring for a scope.
func (c *Client) setupScope(ctx context.Context, st *scopeState) error {
	key := st.scope.Key()

	if st.scope.Kind == models.ScopeKindZone {
		if err := c.engine.Attach(ctx, st.scope, func(ch msgsync.Change) {
			c.fanOut(key, func(cb Callbacks) {
				if cb.OnMessage != nil {
					cb.OnMessage(ch)
				}
			})
		}); err != nil {
			return err
		}
	}

	if err := c.tracker.Join(ctx, st.scope); err != nil {
		c.engine.Detach(st.scope)
		return err
	}
	if err := c.typing.Watch(ctx, st.scope); err != nil {
		c.tracker.Leave(st.scope)
		c.engine.Detach(st.scope)
		return err
	}

	// The facade's own subscription relays presence and typing changes to
	// the callback set. The tracker and broadcaster subscribed first, so
	// by the time these run their state already reflects the event.
	sub, err := c.mgr.Subscribe(ctx, st.scope, realtime.Handlers{
		OnPresenceSync:  func(event.PresenceSync) { c.notifyPresence(key) },
		OnPresenceJoin:  func(event.PresenceJoin) { c.notifyPresence(key) },
		OnPresenceLeave: func(event.PresenceLeave) { c.notifyPresence(key) },
		OnTypingStart:   func(event.TypingStart) { c.notifyTyping(key) },
		OnTypingStop:    func(event.TypingStop) { c.notifyTyping(key) },
	})
	if err != nil {
		c.typing.Unwatch(st.scope)
		c.tracker.Leave(st.scope)
		c.engine.Detach(st.scope)
		return err
	}

	c.mu.Lock()
	st.sub = sub
	c.mu.Unlock()
	return nil
}

func (c *Client) unsubscribeFunc(key string, id int) func() {
	var once sync.Once
	return func() {
		once.Do(func() { c.unsubscribe(key, id) })
	}
}

func (c *Client) unsubscribe(key string, id int) {
	c.mu.Lock()
	st, ok := c.scopes[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(st.cbs, id)
	if len(st.cbs) > 0 {
		c.mu.Unlock()
		return
	}
	delete(c.scopes, key)

	// Closing a space's last subscription takes its zones down with it.
	var cascade []*scopeState
	if st.scope.Kind == models.ScopeKindSpace {
		for zoneKey, zoneSt := range c.scopes {
			if zoneSt.scope.Kind == models.ScopeKindZone && zoneSt.scope.SpaceID == st.scope.ID {
				cascade = append(cascade, zoneSt)
				delete(c.scopes, zoneKey)
			}
		}
	}
	c.mu.Unlock()

	c.teardownScope(st)
	for _, zoneSt := range cascade {
		c.teardownScope(zoneSt)
	}
}

func (c *Client) teardownScope(st *scopeState) {
	if st.sub != nil {
		st.sub.Close()
	}
	c.typing.Unwatch(st.scope)
	c.tracker.Leave(st.scope)
	if st.scope.Kind == models.ScopeKindZone {
		c.engine.Detach(st.scope)
	}
}

// SendMessage writes through the sync engine: the optimistic copy shows
// up via OnMessage immediately, the durable confirmation follows.
func (c *Client) SendMessage(ctx context.Context, scope models.Scope, content string) (models.Message, error) {
	if scope.Kind != models.ScopeKindZone {
		return models.Message{}, fmt.Errorf("messages are sent to zones, got %s", scope.Kind)
	}
	return c.engine.Send(ctx, scope, content)
}

// EditMessage rewrites a message's content on the durable store. The
// cached window is dropped right away rather than waiting for the change
// event to come back around.
func (c *Client) EditMessage(ctx context.Context, zoneID, id, newContent string) (models.Message, error) {
	updated, err := c.store.UpdateMessage(ctx, zoneID, id, newContent)
	if err != nil {
		return models.Message{}, err
	}
	c.cache.Invalidate(zoneID)
	return updated, nil
}

// DeleteMessage soft-deletes a message on the durable store.
func (c *Client) DeleteMessage(ctx context.Context, zoneID, id string) (models.Message, error) {
	deleted, err := c.store.DeleteMessage(ctx, zoneID, id)
	if err != nil {
		return models.Message{}, err
	}
	c.cache.Invalidate(zoneID)
	return deleted, nil
}

// GetRecentMessages returns up to limit messages for a zone, oldest
// first, plus whether older history remains. before > 0 pages backwards
// from that timestamp and always reads the durable store.
func (c *Client) GetRecentMessages(ctx context.Context, zoneID string, limit int, before int64) ([]models.Message, bool, error) {
	return c.engine.GetRecent(ctx, zoneID, limit, before)
}

// SendTypingIndicator reports a keystroke in the scope. The stop event
// goes out automatically after the idle window, or immediately via
// StopTypingIndicator.
func (c *Client) SendTypingIndicator(ctx context.Context, scope models.Scope) error {
	return c.typing.NotifyTyping(ctx, scope)
}

func (c *Client) StopTypingIndicator(ctx context.Context, scope models.Scope) error {
	return c.typing.StopTyping(ctx, scope)
}

// ActiveTypers returns who is typing in the scope right now, local user
// excluded.
func (c *Client) ActiveTypers(scope models.Scope) []models.TypingIndicator {
	return c.typing.ActiveTypers(scope.Key())
}

// SetStatus changes the local user's presence status and re-announces it
// to every subscribed scope immediately.
func (c *Client) SetStatus(ctx context.Context, status models.PresenceStatus) {
	c.tracker.SetStatus(ctx, status)
}

// Presence returns who is currently online in the scope.
func (c *Client) Presence(scope models.Scope) []models.PresenceRecord {
	return c.tracker.Online(scope.Key())
}

// RenderMessage converts a message body from markdown to sanitized HTML
// for display.
func (c *Client) RenderMessage(body string) (string, error) {
	return content.Render(body)
}

func (c *Client) fanOut(key string, deliver func(Callbacks)) {
	c.mu.Lock()
	st, ok := c.scopes[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	cbs := make([]Callbacks, 0, len(st.cbs))
	for _, cb := range st.cbs {
		cbs = append(cbs, cb)
	}
	c.mu.Unlock()

	for _, cb := range cbs {
		deliver(cb)
	}
}

func (c *Client) notifyPresence(key string) {
	records := c.tracker.Online(key)
	c.fanOut(key, func(cb Callbacks) {
		if cb.OnPresence != nil {
			cb.OnPresence(records)
		}
	})
}

func (c *Client) notifyTyping(key string) {
	typers := c.typing.ActiveTypers(key)
	c.fanOut(key, func(cb Callbacks) {
		if cb.OnTyping != nil {
			cb.OnTyping(typers)
		}
	})
}

// wsURL maps the http base to the realtime websocket endpoint.
func wsURL(serverURL string) string {
	base := strings.TrimSuffix(serverURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/api/realtime"
}
