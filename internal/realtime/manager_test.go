package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"palaver/internal/event"
	"palaver/internal/models"

	"go.uber.org/goleak"
)

type fakeTransport struct {
	mu             sync.Mutex
	subscribed     map[string]int // scopeKey -> transport-level subscribe calls
	unsubscribed   map[string]int
	broadcasts     []event.Event
	subscribeErr   error
	subscribeGate  chan struct{} // when set, Subscribe parks until the gate closes
	subscribeEnter chan struct{} // when set, Subscribe signals here on entry
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		subscribed:   make(map[string]int),
		unsubscribed: make(map[string]int),
	}
}

func (f *fakeTransport) Subscribe(ctx context.Context, scopeKey string) error {
	f.mu.Lock()
	enter, gate := f.subscribeEnter, f.subscribeGate
	f.mu.Unlock()
	if enter != nil {
		enter <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.subscribed[scopeKey]++
	return nil
}

func (f *fakeTransport) Unsubscribe(ctx context.Context, scopeKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed[scopeKey]++
	return nil
}

func (f *fakeTransport) Broadcast(ctx context.Context, scopeKey string, ev event.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, ev)
	return nil
}

func (f *fakeTransport) Track(ctx context.Context, scopeKey string, rec models.PresenceRecord) error {
	return nil
}

func (f *fakeTransport) subscribeCalls(scopeKey string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed[scopeKey]
}

func (f *fakeTransport) unsubscribeCalls(scopeKey string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubscribed[scopeKey]
}

func TestManager_IdempotentSubscribe(t *testing.T) {
	defer goleak.VerifyNone(t)

	tr := newFakeTransport()
	m := NewManager(tr)
	defer m.Close()

	zone := models.ZoneScope("s1", "z1")

	sub1, err := m.Subscribe(context.Background(), zone, Handlers{})
	if err != nil {
		t.Fatalf("first Subscribe failed: %v", err)
	}
	sub2, err := m.Subscribe(context.Background(), zone, Handlers{})
	if err != nil {
		t.Fatalf("second Subscribe failed: %v", err)
	}

	if got := tr.subscribeCalls("zone:z1"); got != 1 {
		t.Errorf("transport-level subscribes = %d, want 1", got)
	}
	if got := m.RefCount("zone:z1"); got != 2 {
		t.Errorf("refCount = %d, want 2", got)
	}

	// First unsubscribe leaves the channel open.
	sub1.Close()
	if got := m.RefCount("zone:z1"); got != 1 {
		t.Errorf("refCount after one close = %d, want 1", got)
	}
	if got := tr.unsubscribeCalls("zone:z1"); got != 0 {
		t.Errorf("transport unsubscribed early: %d calls", got)
	}

	// Last unsubscribe tears the channel down.
	sub2.Close()
	if got := m.RefCount("zone:z1"); got != 0 {
		t.Errorf("refCount after both closed = %d, want 0", got)
	}
	if got := tr.unsubscribeCalls("zone:z1"); got != 1 {
		t.Errorf("transport unsubscribes = %d, want 1", got)
	}

	// Closing again is a no-op.
	sub2.Close()
	if got := tr.unsubscribeCalls("zone:z1"); got != 1 {
		t.Errorf("repeated close reached the transport: %d calls", got)
	}
}

func TestManager_Dispatch(t *testing.T) {
	tr := newFakeTransport()
	m := NewManager(tr)
	defer m.Close()

	got := make(chan models.Message, 10)
	_, err := m.Subscribe(context.Background(), models.ZoneScope("s1", "z1"), Handlers{
		OnMessageInsert: func(e event.MessageInsert) { got <- e.Message },
	})
	if err != nil {
		t.Fatal(err)
	}

	m.HandleEvent("zone:z1", event.MessageInsert{Message: models.Message{ID: "m1", Content: "hi"}})

	select {
	case msg := <-got:
		if msg.ID != "m1" {
			t.Errorf("got message %s, want m1", msg.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for dispatch")
	}

	// Events for scopes nobody subscribed to are dropped silently.
	m.HandleEvent("zone:other", event.MessageInsert{Message: models.Message{ID: "m2"}})

	select {
	case msg := <-got:
		t.Errorf("unexpected delivery: %v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManager_PerScopeOrdering(t *testing.T) {
	tr := newFakeTransport()
	m := NewManager(tr)
	defer m.Close()

	const n = 100
	got := make(chan string, n)
	_, err := m.Subscribe(context.Background(), models.ZoneScope("s1", "z1"), Handlers{
		OnMessageInsert: func(e event.MessageInsert) { got <- e.Message.ID },
	})
	if err != nil {
		t.Fatal(err)
	}

	ids := make([]string, n)
	for i := range ids {
		ids[i] = string(rune('a' + i%26))
	}
	for _, id := range ids {
		m.HandleEvent("zone:z1", event.MessageInsert{Message: models.Message{ID: id}})
	}

	for i := 0; i < n; i++ {
		select {
		case id := <-got:
			if id != ids[i] {
				t.Fatalf("event %d arrived out of order: got %s want %s", i, id, ids[i])
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for event %d", i)
		}
	}
}

func TestManager_UnsubscribeDuringDispatch(t *testing.T) {
	tr := newFakeTransport()
	m := NewManager(tr)
	defer m.Close()

	zone := models.ZoneScope("s1", "z1")

	blocker := make(chan struct{})
	entered := make(chan struct{})
	var sub2 *Subscription

	_, err := m.Subscribe(context.Background(), zone, Handlers{
		OnMessageInsert: func(e event.MessageInsert) {
			close(entered)
			<-blocker
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	sub2, err = m.Subscribe(context.Background(), zone, Handlers{})
	if err != nil {
		t.Fatal(err)
	}

	m.HandleEvent("zone:z1", event.MessageInsert{Message: models.Message{ID: "m1"}})
	<-entered

	// Unsubscribing while the first handler is mid-dispatch must not
	// deadlock or panic.
	done := make(chan struct{})
	go func() {
		sub2.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("unsubscribe blocked behind an in-flight handler")
	}
	close(blocker)
}

func TestManager_SubscribeErrorRollsBack(t *testing.T) {
	tr := newFakeTransport()
	tr.subscribeErr = errors.New("transport down")
	m := NewManager(tr)
	defer m.Close()

	_, err := m.Subscribe(context.Background(), models.ZoneScope("s1", "z1"), Handlers{})
	if err == nil {
		t.Fatal("expected subscribe error")
	}
	if got := m.RefCount("zone:z1"); got != 0 {
		t.Errorf("refCount after failed subscribe = %d, want 0", got)
	}
}

func TestManager_ConcurrentSubscribeTransportFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	tr := newFakeTransport()
	tr.subscribeErr = errors.New("transport down")
	tr.subscribeGate = make(chan struct{})
	tr.subscribeEnter = make(chan struct{}, 2)
	m := NewManager(tr)
	defer m.Close()

	zone := models.ZoneScope("s1", "z1")
	errs := make(chan error, 2)

	// Two subscribers race to open the same channel while the transport
	// cannot subscribe. Neither may be left holding a channel the backend
	// never heard about.
	go func() {
		_, err := m.Subscribe(context.Background(), zone, Handlers{})
		errs <- err
	}()
	<-tr.subscribeEnter // first subscriber parked inside the transport call

	go func() {
		_, err := m.Subscribe(context.Background(), zone, Handlers{})
		errs <- err
	}()

	close(tr.subscribeGate)

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if err == nil {
				t.Fatal("subscribe succeeded against a dead transport")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for subscribe to return")
		}
	}
	if got := m.RefCount("zone:z1"); got != 0 {
		t.Errorf("refCount after failed subscribes = %d, want 0", got)
	}
	if got := tr.unsubscribeCalls("zone:z1"); got != 0 {
		t.Errorf("transport unsubscribes = %d, want 0", got)
	}

	// Once the transport recovers, the scope is subscribable again.
	tr.mu.Lock()
	tr.subscribeErr = nil
	tr.mu.Unlock()

	sub, err := m.Subscribe(context.Background(), zone, Handlers{})
	if err != nil {
		t.Fatalf("subscribe after recovery failed: %v", err)
	}
	if got := tr.subscribeCalls("zone:z1"); got != 1 {
		t.Errorf("transport subscribes after recovery = %d, want 1", got)
	}
	sub.Close()
}

func TestManager_Reconnect(t *testing.T) {
	tr := newFakeTransport()
	m := NewManager(tr)
	defer m.Close()

	notified := make(chan struct{}, 1)
	_, err := m.Subscribe(context.Background(), models.ZoneScope("s1", "z1"), Handlers{
		OnReconnect: func() { notified <- struct{}{} },
	})
	if err != nil {
		t.Fatal(err)
	}
	// Second subscriber without opt-in gets no reconnect callback.
	if _, err := m.Subscribe(context.Background(), models.SpaceScope("s1"), Handlers{}); err != nil {
		t.Fatal(err)
	}

	m.HandleReconnect(context.Background())

	if got := tr.subscribeCalls("zone:z1"); got != 2 {
		t.Errorf("zone resubscribes = %d, want 2 (initial + reconnect)", got)
	}
	if got := tr.subscribeCalls("space:s1"); got != 2 {
		t.Errorf("space resubscribes = %d, want 2", got)
	}

	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Error("opted-in handler was not notified of reconnect")
	}
}

func TestManager_SubscribeAfterClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewManager(newFakeTransport())
	m.Close()

	if _, err := m.Subscribe(context.Background(), models.SpaceScope("s1"), Handlers{}); !errors.Is(err, models.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	// Close is idempotent.
	m.Close()
}
