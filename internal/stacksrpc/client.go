// Package stacksrpc is a client for the stacks-node HTTP API used by the
// harness to observe chain progress, stackerdb signer slots and reward sets.
package stacksrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/juno-intents/signer-harness/internal/stacks"
)

var (
	ErrInvalidConfig    = errors.New("stacksrpc: invalid config")
	ErrClient           = errors.New("stacksrpc: client error")
	ErrResponseTooLarge = errors.New("stacksrpc: response too large")
	ErrNoRewardSet      = errors.New("stacksrpc: no reward set")
)

// ClientError is a recoverable failure talking to the node: transport,
// non-2xx status, or an undecodable body.
type ClientError struct {
	Op     string
	Status int
	Err    error
}

func (e *ClientError) Error() string {
	if e == nil {
		return "stacksrpc: nil client error"
	}
	if e.Status != 0 {
		return fmt.Sprintf("stacksrpc: %s: http status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("stacksrpc: %s: %v", e.Op, e.Err)
}

func (e *ClientError) Unwrap() []error { return []error{ErrClient, e.Err} }

type Option func(*Client) error

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("%w: timeout must be > 0", ErrInvalidConfig)
		}
		if c.hc == nil {
			c.hc = &http.Client{}
		}
		c.hc.Timeout = d
		return nil
	}
}

func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

// WithAuthToken sets the token sent in the Authorization header on every request.
func WithAuthToken(token string) Option {
	return func(c *Client) error {
		c.authToken = token
		return nil
	}
}

// WithSignerAddress binds the identity the client resolves slots for. It is
// also the sender of read-only calls.
func WithSignerAddress(addr stacks.Address) Option {
	return func(c *Client) error {
		c.signer = addr
		c.hasSigner = true
		return nil
	}
}

// WithMainnet selects mainnet boot contracts.
func WithMainnet(mainnet bool) Option {
	return func(c *Client) error {
		c.mainnet = mainnet
		return nil
	}
}

type Client struct {
	baseURL      string
	authToken    string
	signer       stacks.Address
	hasSigner    bool
	mainnet      bool
	hc           *http.Client
	maxRespBytes int64
}

func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: missing base url", ErrInvalidConfig)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("%w: base url: %v", ErrInvalidConfig, err)
	}
	c := &Client{
		baseURL:      baseURL,
		hc:           &http.Client{Timeout: 10 * time.Second},
		maxRespBytes: 5 << 20, // 5 MiB
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// SignerAddress returns the bound signer identity; ok is false when none is set.
func (c *Client) SignerAddress() (addr stacks.Address, ok bool) {
	return c.signer, c.hasSigner
}

func (c *Client) Mainnet() bool { return c.mainnet }

func (c *Client) do(ctx context.Context, op, method, path string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("stacksrpc: %s: marshal request: %w", op, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return &ClientError{Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", c.authToken)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return &ClientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		return &ClientError{Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > 256 {
			msg = msg[:256]
		}
		if msg == "" {
			msg = resp.Status
		}
		return &ClientError{Op: op, Status: resp.StatusCode, Err: errors.New(msg)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ClientError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func readAllLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if int64(len(b)) > maxBytes {
		return nil, ErrResponseTooLarge
	}
	return b, nil
}
