package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"palaver/internal/event"
	"palaver/internal/models"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type commandHub interface {
	Connect(clientID string) chan event.Envelope
	Disconnect(clientID string)
	Subscribe(clientID, scopeKey string)
	Unsubscribe(clientID, scopeKey string)
	Track(clientID, scopeKey string, rec models.PresenceRecord)
	Broadcast(senderClientID string, env event.Envelope)
}

// Connection pumps one realtime socket: commands from the client go to
// the hub, hub events go back down the socket.
type Connection struct {
	ws         wsConnection
	hub        commandHub
	clientID   string
	fromClient chan event.Command
	fromHub    chan event.Envelope
	errorCh    chan error
}

func NewConnection(hub commandHub, ws wsConnection, clientID string) *Connection {
	return &Connection{
		ws:         ws,
		hub:        hub,
		clientID:   clientID,
		fromClient: make(chan event.Command),
		fromHub:    hub.Connect(clientID),
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		c.hub.Disconnect(c.clientID)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpCommands(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpCommands(ctx context.Context) error {
	for {
		var cmd event.Command
		if err := c.ws.ReadJSON(&cmd); err != nil {
			return err
		}
		select {
		case c.fromClient <- cmd:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case cmd := <-c.fromClient:
			c.processCommand(cmd)
		case env, ok := <-c.fromHub:
			if !ok {
				return nil
			}
			if err := c.ws.WriteJSON(env); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) processCommand(cmd event.Command) {
	// Scope keys come straight off the wire; a key the registry cannot
	// parse must never become a registry entry.
	if _, err := models.ParseScopeKey(cmd.ScopeKey); err != nil {
		slog.Debug("dropping command with bad scope key", "client", c.clientID, "op", cmd.Op, "error", err)
		return
	}
	switch cmd.Op {
	case event.OpSubscribe:
		c.hub.Subscribe(c.clientID, cmd.ScopeKey)
	case event.OpUnsubscribe:
		c.hub.Unsubscribe(c.clientID, cmd.ScopeKey)
	case event.OpTrack:
		if cmd.Presence != nil {
			c.hub.Track(c.clientID, cmd.ScopeKey, *cmd.Presence)
		}
	case event.OpBroadcast:
		if cmd.Envelope != nil {
			c.hub.Broadcast(c.clientID, *cmd.Envelope)
		}
	}
}
