// Package tonapi talks to the blockchain indexer: read-only REST lookups
// plus the websocket trace stream.
package tonapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Client issues token-bearer REST calls against the indexer.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
	logger  *slog.Logger
}

func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpc:   &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

// Event is one indexed transaction with its decoded high-level actions.
type Event struct {
	EventID string   `json:"event_id"`
	Actions []Action `json:"actions"`
}

// Action keeps the full decoded payload alongside the action type. Markets
// disagree on field layout, so everything beyond the type goes through the
// payload extractor instead of a fixed schema.
type Action struct {
	Type string
	Raw  map[string]any
}

func (a *Action) UnmarshalJSON(b []byte) error {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	a.Raw = m
	if t, ok := m["type"].(string); ok {
		a.Type = t
	}
	return nil
}

// Event fetches the full event by its trace hash.
func (c *Client) Event(ctx context.Context, hash string) (*Event, error) {
	var ev Event
	if err := c.get(ctx, "/v2/events/"+url.PathEscape(hash), &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// NFTItem fetches asset metadata by address. The result is returned as a
// decoded tree: metadata layout varies per collection and is consumed by the
// payload extractor.
func (c *Client) NFTItem(ctx context.Context, id string) (map[string]any, error) {
	var item map[string]any
	if err := c.get(ctx, "/v2/nfts/"+url.PathEscape(id), &item); err != nil {
		return nil, err
	}
	return item, nil
}

// AccountEvents fetches an account's recent activity, newest first.
func (c *Client) AccountEvents(ctx context.Context, account string, limit int) ([]Event, error) {
	var resp struct {
		Events []Event `json:"events"`
	}
	path := fmt.Sprintf("/v2/accounts/%s/events?limit=%d", url.PathEscape(account), limit)
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tonapi %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("tonapi %s: decode: %w", path, err)
	}
	return nil
}
