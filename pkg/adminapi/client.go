// Copyright 2024-2026 Aiku AI

package adminapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aiku/mattermost-modmail/pkg/modmail"
)

// Client talks to a running relay's admin API.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// NewClient accepts either a full URL or a listen address such as
// 127.0.0.1:29320 or :29320.
func NewClient(addr, token string) *Client {
	base := addr
	if !strings.Contains(base, "://") {
		if strings.HasPrefix(base, ":") {
			base = "127.0.0.1" + base
		}
		base = "http://" + base
	}
	return &Client{
		BaseURL: strings.TrimSuffix(base, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Conversations lists every conversation known to the relay.
func (c *Client) Conversations(ctx context.Context) ([]modmail.ConversationInfo, error) {
	var out []modmail.ConversationInfo
	if err := c.do(ctx, http.MethodGet, "/api/conversations", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Endpoints lists the endpoint pool's slots.
func (c *Client) Endpoints(ctx context.Context) ([]modmail.SlotStats, error) {
	var out []modmail.SlotStats
	if err := c.do(ctx, http.MethodGet, "/api/endpoints", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetBlocked blocks or unblocks userID.
func (c *Client) SetBlocked(ctx context.Context, userID string, blocked bool) error {
	action := "unblock"
	if blocked {
		action = "block"
	}
	return c.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(userID)+"/"+action, nil)
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("admin API request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("admin API returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode admin API response: %w", err)
	}
	return nil
}
