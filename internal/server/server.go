// Package server exposes the backend over HTTP: the realtime websocket
// endpoint and the REST message API the durable-store clients use.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"palaver/internal/hub"
	"palaver/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const defaultPageLimit = 50

type APIServer struct {
	server   *http.Server
	hub      *hub.Hub
	upgrader *websocket.Upgrader
	wg       sync.WaitGroup
}

func NewAPIServer(h *hub.Hub, addr string) *APIServer {
	s := &APIServer{
		hub: h,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // single-origin deployment behind a proxy
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/zones/{zone}/messages", s.listMessagesHandler)
	mux.HandleFunc("POST /api/zones/{zone}/messages", s.postMessageHandler)
	mux.HandleFunc("PATCH /api/zones/{zone}/messages/{id}", s.patchMessageHandler)
	mux.HandleFunc("DELETE /api/zones/{zone}/messages/{id}", s.deleteMessageHandler)
	mux.HandleFunc("/api/realtime", s.realtimeHandler)

	if addr == "" {
		addr = ":8080"
	}
	s.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

func (s *APIServer) Start() error {
	slog.Info("server started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}

func (s *APIServer) realtimeHandler(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	conn := NewConnection(s.hub, ws, uuid.NewString())
	if err := conn.Handle(r.Context()); err != nil {
		slog.Debug("realtime connection ended", "error", err)
	}
}

type listMessagesResponse struct {
	Messages []models.Message `json:"messages"`
	HasMore  bool             `json:"hasMore"`
}

func (s *APIServer) listMessagesHandler(w http.ResponseWriter, r *http.Request) {
	zoneID := r.PathValue("zone")

	limit := defaultPageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	var before int64
	if raw := r.URL.Query().Get("before"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			http.Error(w, "invalid before cursor", http.StatusBadRequest)
			return
		}
		before = n
	}

	msgs, hasMore, err := s.hub.History(r.Context(), zoneID, limit, before)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	s.writeJSON(w, http.StatusOK, listMessagesResponse{Messages: msgs, HasMore: hasMore})
}

func (s *APIServer) postMessageHandler(w http.ResponseWriter, r *http.Request) {
	var msg models.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "invalid message body", http.StatusBadRequest)
		return
	}
	msg.ZoneID = r.PathValue("zone")
	if msg.SenderID == "" || msg.Content == "" {
		http.Error(w, "senderId and content are required", http.StatusBadRequest)
		return
	}

	stored, err := s.hub.Publish(r.Context(), msg)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, stored)
}

type patchMessageRequest struct {
	Content string `json:"content"`
}

func (s *APIServer) patchMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req patchMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.Content == "" {
		http.Error(w, "content is required", http.StatusBadRequest)
		return
	}

	updated, err := s.hub.Edit(r.Context(), r.PathValue("zone"), r.PathValue("id"), req.Content)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *APIServer) deleteMessageHandler(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.hub.Delete(r.Context(), r.PathValue("zone"), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, deleted)
}

func (s *APIServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", "error", err)
	}
}

func (s *APIServer) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, models.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	slog.Error("request failed", "error", err)
	http.Error(w, fmt.Sprintf("internal error: %v", err), http.StatusInternalServerError)
}
