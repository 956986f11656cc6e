// Package backend talks to the preference-store collaborator. The store is
// optional: an unconfigured or failing backend degrades to alerting without
// filters.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"giftradar/internal/listing"
)

type Client struct {
	baseURL string
	token   string
	userKey string
	httpc   *http.Client
	log     *slog.Logger
}

func NewClient(baseURL, token, userKey string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		userKey: userKey,
		httpc:   &http.Client{Timeout: 10 * time.Second},
		log:     logger,
	}
}

// Filters fetches the user's stored filter snapshot. A nil result with nil
// error means "no filters stored" and matches everything downstream.
func (c *Client) Filters(ctx context.Context) (*listing.Filters, error) {
	if c.baseURL == "" {
		return nil, nil
	}
	u := fmt.Sprintf("%s/filters?user=%s", c.baseURL, url.QueryEscape(c.userKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	c.auth(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("filters: status %d", resp.StatusCode)
	}

	var body struct {
		Filters *listing.Filters `json:"filters"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("filters: decode: %w", err)
	}
	return body.Filters, nil
}

// ReportSeenModel tells the store a model was observed on-market, so the
// mini-app can offer it in its pickers. Deliberately best-effort: it runs on
// its own goroutine, never blocks the pipeline, and swallows failures.
func (c *Client) ReportSeenModel(model string) {
	if c.baseURL == "" || model == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		payload, _ := json.Marshal(map[string]string{
			"user":  c.userKey,
			"model": model,
		})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/seen-model", bytes.NewReader(payload))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		c.auth(req)

		resp, err := c.httpc.Do(req)
		if err != nil {
			c.log.Debug("seen-model report failed", slog.String("err", err.Error()))
			return
		}
		_ = resp.Body.Close()
	}()
}

func (c *Client) auth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
