// Package memory talks to the external long-term memory service. The service
// only ever sees fingerprint hex as the user identity, never an API key.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrTransient marks connectivity-class failures (refused, timeout, 5xx).
// Callers degrade gracefully on these; anything else is a real fault.
var ErrTransient = errors.New("memory service unreachable")

// IsTransient reports whether err is a connectivity-class failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Message is one conversational turn sent for extraction.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Record is one stored memory item.
type Record struct {
	ID        string         `json:"id"`
	Memory    string         `json:"memory"`
	UserID    string         `json:"user_id"`
	Score     float64        `json:"score,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at,omitempty"`
}

// Client is the HTTP transport to the memory service.
type Client struct {
	base string
	http *http.Client
}

// NewClient builds a client with a per-call timeout.
func NewClient(base string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// Add submits turns for extraction under the given user id and returns the
// records the service derived from them.
func (c *Client) Add(ctx context.Context, userID string, msgs []Message, metadata map[string]any) ([]Record, error) {
	body := map[string]any{
		"messages": msgs,
		"user_id":  userID,
	}
	if len(metadata) > 0 {
		body["metadata"] = metadata
	}

	var out struct {
		Results []Record `json:"results"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/memories/", body, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// Search returns up to limit records relevant to query for the user.
func (c *Client) Search(ctx context.Context, userID, query string, limit int, enableGraph bool) ([]Record, error) {
	body := map[string]any{
		"query":   query,
		"user_id": userID,
		"limit":   limit,
	}
	if enableGraph {
		body["enable_graph"] = true
	}

	var out struct {
		Results []Record `json:"results"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/memories/search/", body, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// Get fetches one record, or (nil, nil) when the service has no such id.
func (c *Client) Get(ctx context.Context, id string) (*Record, error) {
	var rec Record
	err := c.do(ctx, http.MethodGet, "/v1/memories/"+url.PathEscape(id)+"/", nil, &rec)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Delete removes one record. Deleting an unknown id is a no-op.
func (c *Client) Delete(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodDelete, "/v1/memories/"+url.PathEscape(id)+"/", nil, nil)
	if errors.Is(err, errNotFound) {
		return nil
	}
	return err
}

var errNotFound = errors.New("memory: not found")

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("memory: encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return fmt.Errorf("memory: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNotFound:
		return errNotFound
	case res.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrTransient, res.StatusCode)
	case res.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("memory: status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("memory: decode response: %w", err)
	}
	return nil
}
