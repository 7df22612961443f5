// Package pass implements a read-only client for the PASS proposal system.
package pass

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"facilityapi/internal/strutil"
)

// CommissioningTypeID is the PASS proposal type identifier for
// commissioning proposals.
const CommissioningTypeID = "300005"

// Client talks to the PASS REST API. All methods take the PASS identifier
// of the facility being queried (for example "NSLS-II").
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient constructs a PASS client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// StatusError reports a non-200 response from PASS.
type StatusError struct {
	URL    string
	Status int
}

func (e StatusError) Error() string {
	return fmt.Sprintf("pass: %s returned status %d", e.URL, e.Status)
}

func get[T any](ctx context.Context, c *Client, segments ...string) (T, error) {
	var out T
	url := strutil.JoinURL(c.baseURL, segments...)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return out, fmt.Errorf("build pass request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return out, fmt.Errorf("pass request %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return out, StatusError{URL: url, Status: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode pass response %s: %w", url, err)
	}
	return out, nil
}

// Proposal fetches a single proposal.
func (c *Client) Proposal(ctx context.Context, facility, proposalID string) (Proposal, error) {
	return get[Proposal](ctx, c, "Proposal", "GetProposal", c.apiKey, facility, proposalID)
}

// ProposalTypes fetches the proposal classifications of a facility.
func (c *Client) ProposalTypes(ctx context.Context, facility string) ([]ProposalType, error) {
	return get[[]ProposalType](ctx, c, "Proposal", "GetProposalTypes", c.apiKey, facility)
}

// SAFs fetches the safety approval forms attached to a proposal.
func (c *Client) SAFs(ctx context.Context, facility, proposalID string) ([]SAF, error) {
	return get[[]SAF](ctx, c, "SAF", "GetSAFsByProposal", c.apiKey, facility, proposalID)
}

// CommissioningProposals fetches the commissioning proposals created in the
// given year.
func (c *Client) CommissioningProposals(ctx context.Context, facility string, year int) ([]Proposal, error) {
	return get[[]Proposal](ctx, c, "Proposal", "GetProposalsByType", c.apiKey, facility, strconv.Itoa(year), CommissioningTypeID, "NULL")
}

// Cycles fetches the operating cycles of a facility.
func (c *Client) Cycles(ctx context.Context, facility string) ([]Cycle, error) {
	return get[[]Cycle](ctx, c, "Proposal", "GetCycles", c.apiKey, facility)
}

// ProposalsAllocatedByCycle fetches the allocations attached to a cycle,
// identified by the cycle's PASS id.
func (c *Client) ProposalsAllocatedByCycle(ctx context.Context, facility, cyclePassID string) ([]Allocation, error) {
	return get[[]Allocation](ctx, c, "Proposal", "GetProposalsAllocatedByCycle", c.apiKey, facility, cyclePassID, "null")
}
