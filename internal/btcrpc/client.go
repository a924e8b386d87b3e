// Package btcrpc is a minimal bitcoind JSON-RPC client for driving a regtest
// burnchain.
package btcrpc

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

var (
	ErrInvalidConfig    = errors.New("btcrpc: invalid config")
	ErrRPC              = errors.New("btcrpc: rpc error")
	ErrResponseTooLarge = errors.New("btcrpc: response too large")
	ErrTxNotFound       = errors.New("btcrpc: transaction not found")
)

// bitcoind error codes the client interprets.
const (
	codeWalletError       = -4
	codeInvalidAddressKey = -5
	codeInWarmup          = -28
)

type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	if e == nil {
		return "btcrpc: nil rpc error"
	}
	return fmt.Sprintf("btcrpc: rpc error code %d: %s", e.Code, e.Message)
}

func (e *RPCError) Unwrap() error { return ErrRPC }

// IsWarmup reports whether err is bitcoind still loading its block index.
func IsWarmup(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == codeInWarmup
}

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

type Client struct {
	url          string
	user         string
	pass         string
	hc           *http.Client
	maxRespBytes int64
	nextID       atomic.Uint64
}

func New(url, user, pass string, opts ...Option) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: missing url", ErrInvalidConfig)
	}
	if user == "" || pass == "" {
		return nil, fmt.Errorf("%w: missing rpc credentials", ErrInvalidConfig)
	}
	c := &Client{
		url:          url,
		user:         user,
		pass:         pass,
		hc:           &http.Client{Timeout: 30 * time.Second},
		maxRespBytes: 16 << 20, // 16 MiB
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

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	ID     string          `json:"id"`
}

type TxOut struct {
	Value        float64
	N            uint32
	ScriptPubKey []byte
}

type RawTransaction struct {
	TxID          string
	Confirmations int64
	Vout          []TxOut
}

func (c *Client) GetBlockCount(ctx context.Context) (uint64, error) {
	var n uint64
	if err := c.call(ctx, "getblockcount", nil, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// GenerateToDescriptor mines n blocks paying the coinbase to descriptor and
// returns the new block hashes.
func (c *Client) GenerateToDescriptor(ctx context.Context, n uint64, descriptor string) ([]string, error) {
	if n == 0 {
		return nil, nil
	}
	if strings.TrimSpace(descriptor) == "" {
		return nil, fmt.Errorf("%w: empty descriptor", ErrInvalidConfig)
	}
	var hashes []string
	if err := c.call(ctx, "generatetodescriptor", []any{n, descriptor}, &hashes); err != nil {
		return nil, err
	}
	return hashes, nil
}

// PubkeyDescriptor is the P2PKH output descriptor for a hex-encoded pubkey.
func PubkeyDescriptor(pubkeyHex string) string {
	return "pkh(" + strings.TrimPrefix(pubkeyHex, "0x") + ")"
}

// CreateWallet creates the named wallet. A wallet that already
// exists is not an error.
func (c *Client) CreateWallet(ctx context.Context, name string) error {
	err := c.call(ctx, "createwallet", []any{name}, nil)
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == codeWalletError && strings.Contains(rpcErr.Message, "already exists") {
		return nil
	}
	return err
}

func (c *Client) GetRawMempool(ctx context.Context) ([]string, error) {
	var txids []string
	if err := c.call(ctx, "getrawmempool", nil, &txids); err != nil {
		return nil, err
	}
	return txids, nil
}

func (c *Client) GetRawTransactionVerbose(ctx context.Context, txid string) (RawTransaction, error) {
	type voutResult struct {
		Value        float64 `json:"value"`
		N            uint32  `json:"n"`
		ScriptPubKey struct {
			Hex string `json:"hex"`
		} `json:"scriptPubKey"`
	}
	type rawTxResult struct {
		TxID          string       `json:"txid"`
		Confirmations int64        `json:"confirmations"`
		Vout          []voutResult `json:"vout"`
	}
	txid = strings.TrimPrefix(strings.TrimSpace(txid), "0x")
	var res rawTxResult
	if err := c.call(ctx, "getrawtransaction", []any{txid, true}, &res); err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == codeInvalidAddressKey {
			return RawTransaction{}, ErrTxNotFound
		}
		return RawTransaction{}, err
	}
	if res.TxID == "" {
		res.TxID = txid
	}
	out := RawTransaction{
		TxID:          res.TxID,
		Confirmations: res.Confirmations,
		Vout:          make([]TxOut, 0, len(res.Vout)),
	}
	for _, v := range res.Vout {
		script, err := hex.DecodeString(v.ScriptPubKey.Hex)
		if err != nil {
			return RawTransaction{}, fmt.Errorf("btcrpc: decode vout %d script: %w", v.N, err)
		}
		out.Vout = append(out.Vout, TxOut{Value: v.Value, N: v.N, ScriptPubKey: script})
	}
	return out, nil
}

func (c *Client) Stop(ctx context.Context) error {
	return c.call(ctx, "stop", nil, nil)
}

func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	if params == nil {
		params = []any{}
	}
	id := c.nextID.Add(1)
	reqBody, err := json.Marshal(rpcRequest{
		JSONRPC: "1.0",
		ID:      fmt.Sprintf("%d", id),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("btcrpc: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("btcrpc: build request: %w", err)
	}
	req.SetBasicAuth(c.user, c.pass)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("btcrpc: http do %s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		return err
	}

	// bitcoind reports rpc errors with a 500 and a JSON body; prefer the body.
	var rr rpcResponse
	if jsonErr := json.Unmarshal(body, &rr); jsonErr == nil && rr.Error != nil {
		return &RPCError{
			Code:    rr.Error.Code,
			Message: rr.Error.Message,
		}
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("btcrpc: %s: http status %d: %s", method, resp.StatusCode, msg)
	}
	if err := json.Unmarshal(body, &rr); err != nil {
		return fmt.Errorf("btcrpc: unmarshal response: %w", err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rr.Result, out); err != nil {
		return fmt.Errorf("btcrpc: unmarshal %s result: %w", method, err)
	}
	return nil
}

func readAllLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("btcrpc: read response: %w", err)
	}
	if int64(len(b)) > maxBytes {
		return nil, ErrResponseTooLarge
	}
	return b, nil
}
