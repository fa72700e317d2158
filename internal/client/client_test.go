package client

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"palaver/internal/cache"
	"palaver/internal/event"
	"palaver/internal/models"
	"palaver/internal/msgsync"
	"palaver/internal/presence"
	"palaver/internal/realtime"
	"palaver/internal/typing"

	"go.uber.org/goleak"
)

type fakeTransport struct {
	mu     sync.Mutex
	subs   map[string]int
	unsubs map[string]int
	tracks map[string]int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		subs:   make(map[string]int),
		unsubs: make(map[string]int),
		tracks: make(map[string]int),
	}
}

func (f *fakeTransport) Subscribe(ctx context.Context, scopeKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[scopeKey]++
	return nil
}

func (f *fakeTransport) Unsubscribe(ctx context.Context, scopeKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs[scopeKey]++
	return nil
}

func (f *fakeTransport) Broadcast(ctx context.Context, scopeKey string, ev event.Event) error {
	return nil
}

func (f *fakeTransport) Track(ctx context.Context, scopeKey string, rec models.PresenceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks[scopeKey]++
	return nil
}

func (f *fakeTransport) subCount(scopeKey string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[scopeKey]
}

func (f *fakeTransport) unsubCount(scopeKey string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubs[scopeKey]
}

func (f *fakeTransport) trackCount(scopeKey string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tracks[scopeKey]
}

type fakeStore struct {
	mu       sync.Mutex
	messages map[string][]models.Message
	nextID   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{messages: make(map[string][]models.Message)}
}

func (s *fakeStore) InsertMessage(_ context.Context, msg models.Message) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	msg.ID = fmt.Sprintf("d%d", s.nextID)
	msg.Pending = false
	s.messages[msg.ZoneID] = append(s.messages[msg.ZoneID], msg)
	return msg, nil
}

func (s *fakeStore) ListRecent(_ context.Context, zoneID string, limit int, before int64) ([]models.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[zoneID]
	if len(msgs) > limit {
		return append([]models.Message(nil), msgs[len(msgs)-limit:]...), true, nil
	}
	return append([]models.Message(nil), msgs...), false, nil
}

func (s *fakeStore) UpdateMessage(_ context.Context, zoneID, id, newContent string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.messages[zoneID] {
		if m.ID == id {
			m.Content = newContent
			m.UpdatedAt = time.Now().UnixMilli()
			s.messages[zoneID][i] = m
			return m, nil
		}
	}
	return models.Message{}, models.ErrNotFound
}

func (s *fakeStore) DeleteMessage(_ context.Context, zoneID, id string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.messages[zoneID] {
		if m.ID == id {
			m.DeletedAt = time.Now().UnixMilli()
			m.Content = ""
			s.messages[zoneID][i] = m
			return m, nil
		}
	}
	return models.Message{}, models.ErrNotFound
}

// newTestClient wires the facade over a fake transport, skipping the
// websocket entirely.
func newTestClient(t *testing.T) (*Client, *fakeTransport, *fakeStore) {
	t.Helper()

	tr := newFakeTransport()
	store := newFakeStore()
	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		userID: "me",
		store:  store,
		mgr:    realtime.NewManager(tr),
		cancel: cancel,
		scopes: make(map[string]*scopeState),
	}
	c.cache = cache.New(ctx, time.Minute, 5*time.Minute)
	c.tracker = presence.NewTracker(c.mgr, c.cache, "me", time.Minute)
	c.typing = typing.NewBroadcaster(c.mgr, "me", 50*time.Millisecond, 5*time.Second)
	c.engine = msgsync.NewEngine(c.mgr, c.cache, store, "me")
	c.tracker.Open()

	t.Cleanup(c.Close)
	return c, tr, store
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not reached in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestClient_SubscribeSharesOneChannel(t *testing.T) {
	defer goleak.VerifyNone(t)
	c, tr, _ := newTestClient(t)
	zone := models.ZoneScope("s1", "z1")

	unsub1, err := c.Subscribe(context.Background(), zone, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	unsub2, err := c.Subscribe(context.Background(), zone, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}

	// Engine, tracker, typing watcher and the facade's relay all share the
	// scope's one logical channel.
	if got := tr.subCount("zone:z1"); got != 1 {
		t.Errorf("transport subscribes = %d, want 1", got)
	}
	// Joining announced presence immediately.
	if got := tr.trackCount("zone:z1"); got == 0 {
		t.Error("presence was not announced on subscribe")
	}

	unsub1()
	if got := tr.unsubCount("zone:z1"); got != 0 {
		t.Errorf("scope torn down while a subscriber remains: %d unsubscribes", got)
	}

	unsub2()
	unsub2() // repeat is a no-op
	if got := tr.unsubCount("zone:z1"); got != 1 {
		t.Errorf("transport unsubscribes = %d, want 1", got)
	}

	c.Close()
}

func TestClient_MessageRoundTrip(t *testing.T) {
	c, _, store := newTestClient(t)
	zone := models.ZoneScope("s1", "z1")

	var mu sync.Mutex
	var changes []msgsync.Change
	unsub, err := c.Subscribe(context.Background(), zone, Callbacks{
		OnMessage: func(ch msgsync.Change) {
			mu.Lock()
			changes = append(changes, ch)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	sent, err := c.SendMessage(context.Background(), zone, "hello")
	if err != nil {
		t.Fatal(err)
	}
	if sent.ID != "d1" || sent.Pending {
		t.Errorf("sent = %+v, want confirmed d1", sent)
	}

	// Optimistic insert plus the confirming replace.
	mu.Lock()
	n := len(changes)
	first := changes[0]
	mu.Unlock()
	if n != 2 {
		t.Fatalf("changes = %d, want 2", n)
	}
	if !first.Message.Pending {
		t.Error("first change was not the optimistic copy")
	}

	msgs, hasMore, err := c.GetRecentMessages(context.Background(), "z1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if hasMore || len(msgs) != 1 || msgs[0].ID != "d1" {
		t.Errorf("recent = %+v hasMore=%v, want single d1", msgs, hasMore)
	}

	// Sending to a space scope is refused.
	if _, err := c.SendMessage(context.Background(), models.SpaceScope("s1"), "x"); err == nil {
		t.Error("send to space scope did not fail")
	}

	_ = store
}

func TestClient_PresenceAndTypingCallbacks(t *testing.T) {
	c, _, _ := newTestClient(t)
	zone := models.ZoneScope("s1", "z1")

	var mu sync.Mutex
	var lastPresence []models.PresenceRecord
	var lastTypers []models.TypingIndicator
	unsub, err := c.Subscribe(context.Background(), zone, Callbacks{
		OnPresence: func(recs []models.PresenceRecord) {
			mu.Lock()
			lastPresence = recs
			mu.Unlock()
		},
		OnTyping: func(typers []models.TypingIndicator) {
			mu.Lock()
			lastTypers = typers
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	c.mgr.HandleEvent("zone:z1", event.PresenceJoin{Record: models.PresenceRecord{
		UserID:     "alice",
		ScopeKey:   "zone:z1",
		Status:     models.PresenceOnline,
		LastSeenAt: time.Now().UnixMilli(),
	}})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lastPresence) == 1 && lastPresence[0].UserID == "alice"
	})

	c.mgr.HandleEvent("zone:z1", event.TypingStart{UserID: "alice", At: time.Now().UnixMilli()})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lastTypers) == 1 && lastTypers[0].UserID == "alice"
	})

	c.mgr.HandleEvent("zone:z1", event.TypingStop{UserID: "alice"})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lastTypers) == 0
	})

	if got := c.Presence(zone); len(got) != 1 {
		t.Errorf("Presence = %+v, want alice online", got)
	}
}

func TestClient_SpaceTeardownCascadesToZones(t *testing.T) {
	defer goleak.VerifyNone(t)
	c, tr, _ := newTestClient(t)

	unsubSpace, err := c.Subscribe(context.Background(), models.SpaceScope("s1"), Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Subscribe(context.Background(), models.ZoneScope("s1", "z1"), Callbacks{}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Subscribe(context.Background(), models.ZoneScope("s1", "z2"), Callbacks{}); err != nil {
		t.Fatal(err)
	}
	// A zone of another space must survive the cascade.
	if _, err := c.Subscribe(context.Background(), models.ZoneScope("s2", "z9"), Callbacks{}); err != nil {
		t.Fatal(err)
	}

	unsubSpace()

	for _, key := range []string{"space:s1", "zone:z1", "zone:z2"} {
		if got := tr.unsubCount(key); got != 1 {
			t.Errorf("unsubscribes for %s = %d, want 1", key, got)
		}
	}
	if got := tr.unsubCount("zone:z9"); got != 0 {
		t.Errorf("cascade crossed spaces: zone:z9 unsubscribed %d times", got)
	}

	c.Close()
}

func TestClient_EditInvalidatesWindow(t *testing.T) {
	c, _, store := newTestClient(t)
	zone := models.ZoneScope("s1", "z1")

	unsub, err := c.Subscribe(context.Background(), zone, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	sent, err := c.SendMessage(context.Background(), zone, "v1")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := c.EditMessage(context.Background(), "z1", sent.ID, "v2"); err != nil {
		t.Fatal(err)
	}

	// The invalidated window forces the next read back to the store.
	msgs, _, err := c.GetRecentMessages(context.Background(), "z1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Content != "v2" {
		t.Errorf("after edit = %+v, want single v2", msgs)
	}

	deleted, err := c.DeleteMessage(context.Background(), "z1", sent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !deleted.Deleted() {
		t.Error("delete did not tombstone")
	}
	_ = store
}

func TestClient_SubscribeAfterClose(t *testing.T) {
	c, _, _ := newTestClient(t)
	c.Close()

	if _, err := c.Subscribe(context.Background(), models.ZoneScope("s1", "z1"), Callbacks{}); err == nil {
		t.Error("subscribe after close did not fail")
	}
	c.Close() // idempotent
}
