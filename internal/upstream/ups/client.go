// Package ups implements a read-only client for the universal proposal
// system, which exposes proposal data through the ServiceNow table API.
package ups

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"facilityapi/internal/strutil"
)

// ServiceNow table names holding proposal data.
const (
	TableProposals     = "sn_customerservice_proposal_record"
	TableProposalTypes = "sn_customerservice_proposal_type"
	TableRunCycles     = "sn_customerservice_run_cycle"
	TableTimeRequests  = "sn_customerservice_experiment_time_request"
	TableUsers         = "sys_user"
)

// Field is a ServiceNow table-API value, which carries both the raw value
// and its display form when sysparm_display_value=all is requested.
type Field struct {
	Value        string `json:"value"`
	DisplayValue string `json:"display_value"`
}

// UnmarshalJSON accepts both the object form and the bare-string form the
// table API emits depending on query parameters.
func (f *Field) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		f.Value = s
		f.DisplayValue = s
		return nil
	}
	type alias Field
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*f = Field(a)
	return nil
}

// Record is a single row from a ServiceNow table.
type Record map[string]Field

// Get returns the raw value of a column, or empty when absent.
func (r Record) Get(column string) string {
	return r[column].Value
}

// Display returns the display value of a column, or empty when absent.
func (r Record) Display(column string) string {
	return r[column].DisplayValue
}

// Client talks to the ServiceNow REST table API with basic authentication.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
}

// NewClient constructs a universal proposal system client.
func NewClient(baseURL, username, password string) *Client {
	return &Client{
		baseURL:  baseURL,
		username: username,
		password: password,
		http:     &http.Client{Timeout: 60 * time.Second},
	}
}

type tableResponse struct {
	Result []Record `json:"result"`
}

// Query fetches the rows of a table matching the sysparm query. An empty
// query fetches the whole table.
func (c *Client) Query(ctx context.Context, table, query string) ([]Record, error) {
	endpoint := strutil.JoinURL(c.baseURL, "now", "table", table)
	params := url.Values{}
	params.Set("sysparm_display_value", "all")
	if query != "" {
		params.Set("sysparm_query", query)
	}
	endpoint += "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build ups request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ups request %s: %w", table, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ups: table %s returned status %d", table, resp.StatusCode)
	}

	var body tableResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode ups response for %s: %w", table, err)
	}
	return body.Result, nil
}

// Proposals fetches proposal records matching the query.
func (c *Client) Proposals(ctx context.Context, query string) ([]Record, error) {
	return c.Query(ctx, TableProposals, query)
}

// ProposalTypes fetches all proposal type records.
func (c *Client) ProposalTypes(ctx context.Context) ([]Record, error) {
	return c.Query(ctx, TableProposalTypes, "")
}

// RunCycles fetches all run cycle records.
func (c *Client) RunCycles(ctx context.Context) ([]Record, error) {
	return c.Query(ctx, TableRunCycles, "")
}

// TimeRequests fetches the experiment time requests linked to a proposal
// record.
func (c *Client) TimeRequests(ctx context.Context, proposalSysID string) ([]Record, error) {
	return c.Query(ctx, TableTimeRequests, "u_proposal="+proposalSysID)
}

// User fetches a single user row by sys_id.
func (c *Client) User(ctx context.Context, sysID string) (Record, error) {
	rows, err := c.Query(ctx, TableUsers, "sys_id="+sysID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("ups: user %s not found", sysID)
	}
	return rows[0], nil
}
