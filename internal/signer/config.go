package signer

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/juno-intents/signer-harness/internal/stacks"
)

var ErrInvalidConfig = errors.New("signer: invalid config")

type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkTestnet Network = "testnet"
	NetworkMocknet Network = "mocknet"
)

func (n Network) Valid() bool {
	switch n {
	case NetworkMainnet, NetworkTestnet, NetworkMocknet:
		return true
	default:
		return false
	}
}

// Config is the TOML descriptor a signer process is started with.
type Config struct {
	StacksPrivateKey string  `toml:"stacks_private_key"`
	NodeHost         string  `toml:"node_host"`
	Endpoint         string  `toml:"endpoint"`
	Network          Network `toml:"network"`
	AuthPassword     string  `toml:"auth_password"`
	DBPath           string  `toml:"db_path,omitempty"`
	EventTimeoutMS   uint64  `toml:"event_timeout_ms"`
	TxFeeUSTX        uint64  `toml:"tx_fee_ustx"`
	MetricsEndpoint  string  `toml:"metrics_endpoint,omitempty"`
	RunStamp         string  `toml:"run_stamp"`
}

func (c Config) Validate() error {
	if _, err := stacks.ParsePrivateKeyHex(c.StacksPrivateKey); err != nil {
		return fmt.Errorf("%w: stacks_private_key: %v", ErrInvalidConfig, err)
	}
	if strings.TrimSpace(c.NodeHost) == "" {
		return fmt.Errorf("%w: missing node_host", ErrInvalidConfig)
	}
	if _, err := c.Port(); err != nil {
		return err
	}
	if !c.Network.Valid() {
		return fmt.Errorf("%w: unknown network %q", ErrInvalidConfig, c.Network)
	}
	if c.AuthPassword == "" {
		return fmt.Errorf("%w: missing auth_password", ErrInvalidConfig)
	}
	if c.EventTimeoutMS == 0 {
		return fmt.Errorf("%w: event_timeout_ms must be > 0", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.RunStamp) == "" {
		return fmt.Errorf("%w: missing run_stamp", ErrInvalidConfig)
	}
	return nil
}

func (c Config) Mainnet() bool { return c.Network == NetworkMainnet }

// Port is the port of the signer's observer endpoint.
func (c Config) Port() (int, error) {
	_, p, err := net.SplitHostPort(c.Endpoint)
	if err != nil {
		return 0, fmt.Errorf("%w: endpoint %q: %v", ErrInvalidConfig, c.Endpoint, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("%w: endpoint %q: bad port", ErrInvalidConfig, c.Endpoint)
	}
	return port, nil
}

func (c Config) PrivateKey() (*ecdsa.PrivateKey, error) {
	return stacks.ParsePrivateKeyHex(c.StacksPrivateKey)
}

func (c Config) Address() (stacks.Address, error) {
	key, err := c.PrivateKey()
	if err != nil {
		return stacks.Address{}, err
	}
	return stacks.AddressFromPrivateKey(c.Mainnet(), key), nil
}

func (c Config) Marshal() ([]byte, error) {
	b, err := toml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("signer: marshal config: %w", err)
	}
	return b, nil
}

// LogValue keeps the private key out of logs.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("endpoint", c.Endpoint),
		slog.String("node_host", c.NodeHost),
		slog.String("network", string(c.Network)),
		slog.String("run_stamp", c.RunStamp),
	)
}

// LoadConfig parses a TOML descriptor, rejecting unknown keys.
func LoadConfig(b []byte) (Config, error) {
	var cfg Config
	dec := toml.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: decode toml: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type BuildOptions struct {
	NodeHost         string
	EventTimeout     time.Duration
	Network          Network
	Password         string
	RunStamp         string
	PortStart        int
	TxFeeUSTX        uint64
	DBDir            string
	MetricsPortStart int
}

func DefaultBuildOptions(nodeHost, runStamp string) BuildOptions {
	return BuildOptions{
		NodeHost:         nodeHost,
		EventTimeout:     128 * time.Millisecond,
		Network:          NetworkTestnet,
		Password:         "12345",
		RunStamp:         runStamp,
		PortStart:        3000,
		TxFeeUSTX:        100_000,
		MetricsPortStart: 9000,
	}
}

// BuildConfigs emits one descriptor per key. Signer i listens on
// PortStart+i and serves metrics on MetricsPortStart+i.
func BuildConfigs(keys []*ecdsa.PrivateKey, opts BuildOptions) ([]Config, error) {
	out := make([]Config, 0, len(keys))
	for i, key := range keys {
		cfg, err := BuildConfig(key, i, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

// BuildConfig builds the descriptor for the signer at offset index.
func BuildConfig(key *ecdsa.PrivateKey, index int, opts BuildOptions) (Config, error) {
	if key == nil {
		return Config{}, fmt.Errorf("%w: nil key at index %d", ErrInvalidConfig, index)
	}
	if index < 0 {
		return Config{}, fmt.Errorf("%w: negative index %d", ErrInvalidConfig, index)
	}
	if opts.PortStart <= 0 {
		return Config{}, fmt.Errorf("%w: port start must be > 0", ErrInvalidConfig)
	}
	if opts.EventTimeout <= 0 {
		return Config{}, fmt.Errorf("%w: event timeout must be > 0", ErrInvalidConfig)
	}
	port := opts.PortStart + index
	cfg := Config{
		StacksPrivateKey: stacks.PrivateKeyHex(key),
		NodeHost:         opts.NodeHost,
		Endpoint:         fmt.Sprintf("localhost:%d", port),
		Network:          opts.Network,
		AuthPassword:     opts.Password,
		EventTimeoutMS:   uint64(opts.EventTimeout / time.Millisecond),
		TxFeeUSTX:        opts.TxFeeUSTX,
		RunStamp:         opts.RunStamp,
	}
	if opts.MetricsPortStart > 0 {
		cfg.MetricsEndpoint = fmt.Sprintf("localhost:%d", opts.MetricsPortStart+index)
	}
	if opts.DBDir != "" {
		cfg.DBPath = filepath.Join(opts.DBDir, opts.RunStamp, fmt.Sprintf("signer-%d.sqlite", port))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
