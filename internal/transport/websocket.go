// Package transport maintains the single shared websocket connection a
// client process keeps to the backend. Logical channels are multiplexed
// over it by the realtime manager; this layer only moves frames and
// survives disconnects.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"palaver/internal/event"
	"palaver/internal/models"

	"github.com/gorilla/websocket"
)

// Sink receives decoded inbound events and reconnect notifications.
type Sink interface {
	HandleEvent(scopeKey string, ev event.Event)
	HandleReconnect(ctx context.Context)
}

const (
	reconnectBase = 500 * time.Millisecond
	reconnectMax  = 5 * time.Second
)

var errNotConnected = errors.New("transport not connected")

type WS struct {
	url  string
	sink Sink

	writeMu sync.Mutex // serializes frame writes

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWS(url string, sink Sink) *WS {
	return &WS{url: url, sink: sink}
}

// SetSink installs the event sink. The sink and the transport reference
// each other, so one of them has to be wired up after construction; this
// must happen before Connect.
func (w *WS) SetSink(sink Sink) {
	w.sink = sink
}

// Connect dials the backend and starts the read/reconnect loop. The
// first dial failing is an error; later disconnects are recovered
// silently with backoff and a resubscribe pass.
func (w *WS) Connect(ctx context.Context) error {
	conn, err := w.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.url, err)
	}

	runCtx, cancel := context.WithCancel(ctx)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		cancel()
		_ = conn.Close()
		return models.ErrClosed
	}
	w.conn = conn
	w.cancel = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(runCtx, conn)
	return nil
}

func (w *WS) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	conn := w.conn
	w.conn = nil
	cancel := w.cancel
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	w.wg.Wait()
	return nil
}

func (w *WS) Subscribe(ctx context.Context, scopeKey string) error {
	return w.send(event.Command{Op: event.OpSubscribe, ScopeKey: scopeKey})
}

func (w *WS) Unsubscribe(ctx context.Context, scopeKey string) error {
	return w.send(event.Command{Op: event.OpUnsubscribe, ScopeKey: scopeKey})
}

func (w *WS) Broadcast(ctx context.Context, scopeKey string, ev event.Event) error {
	env, err := event.Encode(scopeKey, ev)
	if err != nil {
		return err
	}
	return w.send(event.Command{Op: event.OpBroadcast, ScopeKey: scopeKey, Envelope: &env})
}

func (w *WS) Track(ctx context.Context, scopeKey string, rec models.PresenceRecord) error {
	return w.send(event.Command{Op: event.OpTrack, ScopeKey: scopeKey, Presence: &rec})
}

func (w *WS) send(cmd event.Command) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return conn.WriteJSON(cmd)
}

// run reads frames until the connection breaks, then keeps redialing
// with backoff until the context ends. Every re-established connection
// triggers a resubscribe pass through the sink.
func (w *WS) run(ctx context.Context, conn *websocket.Conn) {
	defer w.wg.Done()

	for {
		w.readLoop(conn)

		if ctx.Err() != nil {
			return
		}

		conn = w.reconnect(ctx)
		if conn == nil {
			return
		}
		w.sink.HandleReconnect(ctx)
	}
}

func (w *WS) readLoop(conn *websocket.Conn) {
	for {
		var env event.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			w.mu.Lock()
			closed := w.closed
			w.mu.Unlock()
			if !closed {
				slog.Warn("realtime connection lost", "error", err)
			}
			return
		}

		ev, err := event.Decode(env)
		if err != nil {
			// Unknown kinds are dropped, never fatal.
			if !errors.Is(err, event.ErrUnknownKind) {
				slog.Error("undecodable event", "kind", env.Kind, "error", err)
			}
			continue
		}
		w.sink.HandleEvent(env.ScopeKey, ev)
	}
}

func (w *WS) reconnect(ctx context.Context) *websocket.Conn {
	backoff := reconnectBase
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		conn, err := w.dial(ctx)
		if err == nil {
			w.mu.Lock()
			if w.closed {
				w.mu.Unlock()
				_ = conn.Close()
				return nil
			}
			w.conn = conn
			w.mu.Unlock()
			slog.Info("realtime connection restored", "url", w.url)
			return conn
		}

		slog.Warn("reconnect attempt failed", "error", err)
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

func (w *WS) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	return conn, err
}
