// Package voip is a thin REST client for the VoIP provider's account API.
// It covers the two calls the agent needs around a call: checking the
// account balance before dialing out and enumerating the DIDs the agent
// can present as caller ID.
package voip

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const defaultTimeout = 10 * time.Second

// DefaultBaseURL is the provider's REST endpoint, used when no base URL is
// configured.
const DefaultBaseURL = "https://voip.ms/api/v1/rest.php"

// DID is one inbound number on the account.
type DID struct {
	Number      string `json:"did"`
	Description string `json:"description"`
	Routing     string `json:"routing"`
}

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Used by tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// Client calls the provider's REST API. Every method is one GET with the
// credentials and a method name in the query string.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
}

// New constructs a provider client. An empty baseURL selects
// [DefaultBaseURL].
func New(baseURL, username, password string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:  baseURL,
		username: username,
		password: password,
		http:     &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// apiEnvelope is the provider's common response wrapper. Status is
// "success" or an error token; everything else rides alongside.
type apiEnvelope struct {
	Status  string `json:"status"`
	Balance *struct {
		CurrentBalance json.Number `json:"current_balance"`
	} `json:"balance,omitempty"`
	DIDs []DID `json:"dids,omitempty"`
}

func (c *Client) call(ctx context.Context, method string, out *apiEnvelope) error {
	q := url.Values{
		"api_username": {c.username},
		"api_password": {c.password},
		"method":       {method},
		"content_type": {"json"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("voip: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("voip: %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("voip: %s: unexpected status %s", method, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("voip: %s: decode: %w", method, err)
	}
	if out.Status != "success" {
		return fmt.Errorf("voip: %s: provider returned %q", method, out.Status)
	}
	return nil
}

// Balance returns the current account balance in the account currency.
func (c *Client) Balance(ctx context.Context) (float64, error) {
	var env apiEnvelope
	if err := c.call(ctx, "getBalance", &env); err != nil {
		return 0, err
	}
	if env.Balance == nil {
		return 0, fmt.Errorf("voip: getBalance: no balance in response")
	}
	bal, err := strconv.ParseFloat(env.Balance.CurrentBalance.String(), 64)
	if err != nil {
		return 0, fmt.Errorf("voip: getBalance: parse %q: %w", env.Balance.CurrentBalance, err)
	}
	return bal, nil
}

// DIDs lists the account's inbound numbers.
func (c *Client) DIDs(ctx context.Context) ([]DID, error) {
	var env apiEnvelope
	if err := c.call(ctx, "getDIDsInfo", &env); err != nil {
		return nil, err
	}
	return env.DIDs, nil
}
