// Package node boots and drives the regtest chain backend: a bitcoind process,
// a stacks-node process, and the counters the harness waits on.
package node

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/juno-intents/signer-harness/internal/rewardcycle"
	"github.com/juno-intents/signer-harness/internal/stacks"
)

var ErrInvalidConfig = errors.New("node: invalid config")

const (
	Epoch25 = "2.5"
	Epoch30 = "3.0"

	// DefaultStackerBalance funds each signer for epoch 2.5 vote transactions.
	DefaultStackerBalance uint64 = 100_000_000_000_000
)

// Config is the stacks-node TOML descriptor. Only the keys the harness
// writes or reads are modelled.
type Config struct {
	Node              NodeSection       `toml:"node"`
	Burnchain         BurnchainSection  `toml:"burnchain"`
	Miner             MinerSection      `toml:"miner"`
	ConnectionOptions ConnectionOptions `toml:"connection_options"`
	EventsObservers   []EventObserver   `toml:"events_observer,omitempty"`
	InitialBalances   []InitialBalance  `toml:"ustx_balance,omitempty"`
}

type NodeSection struct {
	WorkingDir string   `toml:"working_dir"`
	RPCBind    string   `toml:"rpc_bind"`
	P2PBind    string   `toml:"p2p_bind"`
	Seed       string   `toml:"seed"`
	Miner      bool     `toml:"miner"`
	Stacker    bool     `toml:"stacker"`
	StackerDBs []string `toml:"stacker_dbs,omitempty"`
}

type BurnchainSection struct {
	Chain                string  `toml:"chain"`
	Mode                 string  `toml:"mode"`
	PeerHost             string  `toml:"peer_host"`
	RPCPort              uint16  `toml:"rpc_port"`
	PeerPort             uint16  `toml:"peer_port"`
	Username             string  `toml:"username"`
	Password             string  `toml:"password"`
	WalletName           string  `toml:"wallet_name,omitempty"`
	FirstBurnBlockHeight uint64  `toml:"first_burn_block_height,omitempty"`
	PoxRewardLength      uint64  `toml:"pox_reward_length"`
	PoxPrepareLength     uint64  `toml:"pox_prepare_length"`
	LocalMiningPublicKey string  `toml:"local_mining_public_key"`
	Epochs               []Epoch `toml:"epochs"`
}

type Epoch struct {
	Name        string `toml:"epoch_name"`
	StartHeight uint64 `toml:"start_height"`
}

type MinerSection struct {
	WaitOnSignersMS       uint64 `toml:"wait_on_signers_ms"`
	WaitOnInterimBlocksMS uint64 `toml:"wait_on_interim_blocks_ms"`
}

type ConnectionOptions struct {
	AuthToken string `toml:"auth_token,omitempty"`
}

type EventObserver struct {
	Endpoint   string   `toml:"endpoint"`
	EventsKeys []string `toml:"events_keys"`
}

type InitialBalance struct {
	Address string `toml:"address"`
	Amount  uint64 `toml:"amount"`
}

// DefaultConfig is the nakamoto regtest layout: 20-block reward cycles with a
// 5-block prepare phase and epoch 3.0 activating at 231.
func DefaultConfig(workingDir string, minerKey *ecdsa.PrivateKey) (Config, error) {
	if minerKey == nil {
		return Config{}, fmt.Errorf("%w: nil miner key", ErrInvalidConfig)
	}
	return Config{
		Node: NodeSection{
			WorkingDir: workingDir,
			RPCBind:    "127.0.0.1:20443",
			P2PBind:    "127.0.0.1:20444",
			Seed:       stacks.PrivateKeyHex(minerKey),
			Miner:      true,
		},
		Burnchain: BurnchainSection{
			Chain:                "bitcoin",
			Mode:                 "nakamoto-neon",
			PeerHost:             "127.0.0.1",
			RPCPort:              18443,
			PeerPort:             18444,
			Username:             "neon-tester",
			Password:             "neon-tester-pass",
			PoxRewardLength:      20,
			PoxPrepareLength:     5,
			LocalMiningPublicKey: stacks.PublicKeyHex(&minerKey.PublicKey),
			Epochs: []Epoch{
				{Name: "1.0", StartHeight: 0},
				{Name: "2.0", StartHeight: 0},
				{Name: "2.05", StartHeight: 1},
				{Name: "2.1", StartHeight: 2},
				{Name: "2.2", StartHeight: 3},
				{Name: "2.3", StartHeight: 4},
				{Name: "2.4", StartHeight: 5},
				{Name: Epoch25, StartHeight: 201},
				{Name: Epoch30, StartHeight: 231},
			},
		},
		Miner: MinerSection{
			WaitOnSignersMS:       10_000,
			WaitOnInterimBlocksMS: 5_000,
		},
	}, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Node.RPCBind) == "" {
		return fmt.Errorf("%w: node.rpc_bind is required", ErrInvalidConfig)
	}
	if c.Burnchain.RPCPort == 0 || c.Burnchain.PeerPort == 0 {
		return fmt.Errorf("%w: burnchain ports are required", ErrInvalidConfig)
	}
	if err := c.RewardCycleParams().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := c.Epoch30Boundary(); err != nil {
		return err
	}
	for _, o := range c.EventsObservers {
		if strings.TrimSpace(o.Endpoint) == "" {
			return fmt.Errorf("%w: events_observer without endpoint", ErrInvalidConfig)
		}
	}
	return nil
}

func (c Config) RewardCycleParams() rewardcycle.Params {
	return rewardcycle.Params{
		FirstBurnHeight:    c.Burnchain.FirstBurnBlockHeight,
		RewardCycleLength:  c.Burnchain.PoxRewardLength,
		PreparePhaseLength: c.Burnchain.PoxPrepareLength,
	}
}

func (c Config) Epoch(name string) (Epoch, bool) {
	for _, e := range c.Burnchain.Epochs {
		if e.Name == name {
			return e, true
		}
	}
	return Epoch{}, false
}

// Epoch30Boundary is the last burn height before epoch 3.0 activates.
func (c Config) Epoch30Boundary() (uint64, error) {
	e, ok := c.Epoch(Epoch30)
	if !ok {
		return 0, fmt.Errorf("%w: epoch %s not configured", ErrInvalidConfig, Epoch30)
	}
	if e.StartHeight == 0 {
		return 0, fmt.Errorf("%w: epoch %s starts at genesis", ErrInvalidConfig, Epoch30)
	}
	return e.StartHeight - 1, nil
}

func (c Config) WaitOnSigners() time.Duration {
	return time.Duration(c.Miner.WaitOnSignersMS) * time.Millisecond
}

func (c *Config) SetWaitOnSigners(d time.Duration) {
	c.Miner.WaitOnSignersMS = uint64(d / time.Millisecond)
}

// RPCURL is the node's HTTP API base.
func (c Config) RPCURL() string {
	return "http://" + c.Node.RPCBind
}

func (c Config) BitcoindURL() string {
	return fmt.Sprintf("http://%s:%d", c.Burnchain.PeerHost, c.Burnchain.RPCPort)
}

func (c Config) Marshal() ([]byte, error) {
	b, err := toml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("node: encode config: %w", err)
	}
	return b, nil
}

func LoadConfig(b []byte) (Config, error) {
	var cfg Config
	dec := toml.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
