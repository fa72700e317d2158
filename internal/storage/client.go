package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"palaver/internal/models"
)

// HTTPStore talks to the backend's message API. It exposes the same
// surface as BboltStorage so the sync engine does not care whether the
// durable store is embedded or remote.
type HTTPStore struct {
	baseURL string
	client  *http.Client
}

func NewHTTPStore(baseURL string) *HTTPStore {
	return &HTTPStore{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type listResponse struct {
	Messages []models.Message `json:"messages"`
	HasMore  bool             `json:"hasMore"`
}

func (s *HTTPStore) ListRecent(ctx context.Context, zoneID string, limit int, before int64) ([]models.Message, bool, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if before > 0 {
		q.Set("before", strconv.FormatInt(before, 10))
	}
	endpoint := fmt.Sprintf("%s/api/zones/%s/messages?%s", s.baseURL, url.PathEscape(zoneID), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, err
	}

	var resp listResponse
	if err := s.do(req, &resp); err != nil {
		return nil, false, fmt.Errorf("list messages for zone %s: %w", zoneID, err)
	}
	return resp.Messages, resp.HasMore, nil
}

func (s *HTTPStore) InsertMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	endpoint := fmt.Sprintf("%s/api/zones/%s/messages", s.baseURL, url.PathEscape(msg.ZoneID))
	req, err := s.jsonRequest(ctx, http.MethodPost, endpoint, msg)
	if err != nil {
		return models.Message{}, err
	}

	var stored models.Message
	if err := s.do(req, &stored); err != nil {
		return models.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return stored, nil
}

func (s *HTTPStore) UpdateMessage(ctx context.Context, zoneID, id, newContent string) (models.Message, error) {
	endpoint := fmt.Sprintf("%s/api/zones/%s/messages/%s", s.baseURL, url.PathEscape(zoneID), url.PathEscape(id))
	req, err := s.jsonRequest(ctx, http.MethodPatch, endpoint, map[string]string{"content": newContent})
	if err != nil {
		return models.Message{}, err
	}

	var updated models.Message
	if err := s.do(req, &updated); err != nil {
		return models.Message{}, fmt.Errorf("update message %s: %w", id, err)
	}
	return updated, nil
}

func (s *HTTPStore) DeleteMessage(ctx context.Context, zoneID, id string) (models.Message, error) {
	endpoint := fmt.Sprintf("%s/api/zones/%s/messages/%s", s.baseURL, url.PathEscape(zoneID), url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return models.Message{}, err
	}

	var deleted models.Message
	if err := s.do(req, &deleted); err != nil {
		return models.Message{}, fmt.Errorf("delete message %s: %w", id, err)
	}
	return deleted, nil
}

func (s *HTTPStore) jsonRequest(ctx context.Context, method, endpoint string, body any) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (s *HTTPStore) do(req *http.Request, out any) error {
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return models.ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
