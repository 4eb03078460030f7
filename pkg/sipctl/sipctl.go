// Package sipctl is a client for the SIP user agent's TCP control channel.
//
// The control channel speaks netstring-encoded JSON: each request is a
// single command object and each reply carries either a "data" or an
// "error" field. The SIP signaling itself (registration, RTP, codec
// negotiation) lives in the external user-agent process; this package only
// drives it.
package sipctl

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/garbo-ai/garbo/pkg/netstring"
)

// DefaultAddr is the control channel's default TCP endpoint.
const DefaultAddr = "127.0.0.1:4444"

// defaultTimeout bounds a single command round trip.
const defaultTimeout = 5 * time.Second

// Client issues commands over the SIP control channel. Each command opens
// its own connection; the channel is stateless between commands.
type Client struct {
	addr    string
	timeout time.Duration
	dialer  func(ctx context.Context, addr string) (net.Conn, error)
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithTimeout sets the per-command round-trip timeout. Default 5 s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// New creates a Client for the control channel at addr. An empty addr
// selects [DefaultAddr].
func New(addr string, opts ...Option) *Client {
	if addr == "" {
		addr = DefaultAddr
	}
	c := &Client{
		addr:    addr,
		timeout: defaultTimeout,
		dialer: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// command is the request object sent down the wire.
type command struct {
	Command string `json:"command"`
	Params  string `json:"params,omitempty"`
}

// response is the reply object. Exactly one of Data or Error is set.
type response struct {
	Response bool            `json:"response"`
	OK       bool            `json:"ok"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Dial places an outbound call to number via server. The number is
// canonicalized with [CanonicalNumber] and wrapped in a sip: URI.
func (c *Client) Dial(ctx context.Context, number, server string) error {
	uri := fmt.Sprintf("sip:%s@%s", CanonicalNumber(number), server)
	_, err := c.roundTrip(ctx, command{Command: "dial", Params: uri})
	return err
}

// Hangup terminates the active call.
func (c *Client) Hangup(ctx context.Context) error {
	_, err := c.roundTrip(ctx, command{Command: "hangup"})
	return err
}

// ListCalls returns the user agent's active call enumeration as raw text.
func (c *Client) ListCalls(ctx context.Context) (string, error) {
	data, err := c.roundTrip(ctx, command{Command: "listcalls"})
	return data, err
}

// RegInfo returns the registration status report.
func (c *Client) RegInfo(ctx context.Context) (string, error) {
	data, err := c.roundTrip(ctx, command{Command: "reginfo"})
	return data, err
}

// Quit asks the user agent process to exit.
func (c *Client) Quit(ctx context.Context) error {
	_, err := c.roundTrip(ctx, command{Command: "quit"})
	return err
}

// roundTrip sends cmd and returns the decoded data field.
func (c *Client) roundTrip(ctx context.Context, cmd command) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dialer(ctx, c.addr)
	if err != nil {
		return "", fmt.Errorf("sipctl: connect %s: %w", c.addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return "", fmt.Errorf("sipctl: marshal %s: %w", cmd.Command, err)
	}
	if _, err := conn.Write(netstring.Encode(payload)); err != nil {
		return "", fmt.Errorf("sipctl: send %s: %w", cmd.Command, err)
	}

	raw, err := netstring.NewReader(conn).Next()
	if err != nil {
		return "", fmt.Errorf("sipctl: read %s reply: %w", cmd.Command, err)
	}

	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("sipctl: decode %s reply: %w", cmd.Command, err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("sipctl: %s: %s", cmd.Command, resp.Error)
	}

	// Data may be a JSON string or a nested object; either way return text.
	var s string
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &s); err != nil {
			s = string(resp.Data)
		}
	}
	return s, nil
}

// CanonicalNumber strips every non-digit from number and, when exactly ten
// digits remain, prefixes the North American country code.
func CanonicalNumber(number string) string {
	var b strings.Builder
	for _, r := range number {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 10 {
		return "1" + digits
	}
	return digits
}
