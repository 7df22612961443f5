// Package people implements a client for the laboratory people directory,
// used to resolve usernames for people named on proposals.
package people

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"facilityapi/internal/strutil"
)

// ErrNotFound reports that no directory entry matched the lookup.
var ErrNotFound = errors.New("people: person not found")

// Person is a laboratory directory entry.
type Person struct {
	Username   string `json:"username"`
	BNLID      string `json:"bnl_id"`
	Email      string `json:"email"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Department string `json:"department"`
	Active     bool   `json:"active"`
}

// Client talks to the people directory HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient constructs a people directory client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) lookup(ctx context.Context, params url.Values) (Person, error) {
	matches, err := c.lookupAll(ctx, params)
	if err != nil {
		return Person{}, err
	}
	if len(matches) == 0 {
		return Person{}, ErrNotFound
	}
	return matches[0], nil
}

func (c *Client) lookupAll(ctx context.Context, params url.Values) ([]Person, error) {
	endpoint := strutil.JoinURL(c.baseURL, "people") + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build people request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("people request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("people: lookup returned status %d", resp.StatusCode)
	}
	var matches []Person
	if err := json.NewDecoder(resp.Body).Decode(&matches); err != nil {
		return nil, fmt.Errorf("decode people response: %w", err)
	}
	return matches, nil
}

// ByBNLID resolves a person by their laboratory badge number.
func (c *Client) ByBNLID(ctx context.Context, bnlID string) (Person, error) {
	params := url.Values{}
	params.Set("bnl_id", bnlID)
	return c.lookup(ctx, params)
}

// ByEmail resolves a person by email address.
func (c *Client) ByEmail(ctx context.Context, email string) (Person, error) {
	params := url.Values{}
	params.Set("email", email)
	return c.lookup(ctx, params)
}

// ByUsername resolves a person by laboratory username.
func (c *Client) ByUsername(ctx context.Context, username string) (Person, error) {
	params := url.Values{}
	params.Set("username", username)
	return c.lookup(ctx, params)
}

// ByDepartment lists the people in a department.
func (c *Client) ByDepartment(ctx context.Context, department string) ([]Person, error) {
	params := url.Values{}
	params.Set("department", department)
	return c.lookupAll(ctx, params)
}
