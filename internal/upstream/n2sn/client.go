// Package n2sn implements a client for the directory group service that
// governs data-admin membership.
package n2sn

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"facilityapi/internal/strutil"
)

// Client talks to the group directory HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient constructs a directory group client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// GroupMembers returns the usernames belonging to a directory group.
func (c *Client) GroupMembers(ctx context.Context, group string) ([]string, error) {
	endpoint := strutil.JoinURL(c.baseURL, "group", group, "members")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build group request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("group request %s: %w", group, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("n2sn: group %s returned status %d", group, resp.StatusCode)
	}
	var members []string
	if err := json.NewDecoder(resp.Body).Decode(&members); err != nil {
		return nil, fmt.Errorf("decode group members for %s: %w", group, err)
	}
	return members, nil
}
