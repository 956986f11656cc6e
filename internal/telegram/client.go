// Package telegram delivers formatted alerts to the configured chat.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const defaultAPIBase = "https://api.telegram.org"

type Client struct {
	token   string
	chatID  string
	appURL  string // companion mini-app; empty hides the button
	apiBase string
	httpc   *http.Client
	log     *slog.Logger
}

func NewClient(token, chatID, appURL string, logger *slog.Logger) *Client {
	return &Client{
		token:   token,
		chatID:  chatID,
		appURL:  appURL,
		apiBase: defaultAPIBase,
		httpc:   &http.Client{Timeout: 20 * time.Second},
		log:     logger,
	}
}

// SetAPIBase points the client at a different Bot API host. Tests use this
// with httptest servers.
func (c *Client) SetAPIBase(base string) { c.apiBase = base }

type inlineButton struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

type inlineKeyboard struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

// SendListingAlert delivers one alert. When an image is available the photo
// call is preferred; on photo failure (or no image) the caption goes out as
// a plain text message. A failed text send is the hard error for this alert
// and propagates to the caller.
func (c *Client) SendListingAlert(ctx context.Context, caption, imageURL, buyURL string) error {
	kb := c.keyboard(buyURL)

	if imageURL != "" {
		err := c.call(ctx, "sendPhoto", map[string]any{
			"chat_id":      c.chatID,
			"photo":        imageURL,
			"caption":      caption,
			"parse_mode":   "MarkdownV2",
			"reply_markup": kb,
		})
		if err == nil {
			return nil
		}
		c.log.Warn("photo send failed, falling back to text", slog.String("err", err.Error()))
	}

	err := c.call(ctx, "sendMessage", map[string]any{
		"chat_id":      c.chatID,
		"text":         caption,
		"parse_mode":   "MarkdownV2",
		"reply_markup": kb,
	})
	if err != nil {
		return fmt.Errorf("send text alert: %w", err)
	}
	return nil
}

func (c *Client) keyboard(buyURL string) inlineKeyboard {
	row := make([]inlineButton, 0, 2)
	if c.appURL != "" {
		row = append(row, inlineButton{Text: "Open App", URL: c.appURL})
	}
	row = append(row, inlineButton{Text: "Buy", URL: buyURL})
	return inlineKeyboard{InlineKeyboard: [][]inlineButton{row}}
}

func (c *Client) call(ctx context.Context, method string, body map[string]any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/%s", c.apiBase, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("telegram %s: status %d: %s", method, resp.StatusCode, snippet)
	}
	return nil
}
