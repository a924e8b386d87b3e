// Package harness composes the node bootstrapper, the signer processes and the
// observer log into the blocking operations an integration test drives:
// converge on registration or a reward cycle, mine and confirm blocks, watch
// validation outcomes, and stop or restart signers.
package harness

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/juno-intents/signer-harness/internal/metrics"
	"github.com/juno-intents/signer-harness/internal/node"
	"github.com/juno-intents/signer-harness/internal/observer"
	"github.com/juno-intents/signer-harness/internal/signer"
	"github.com/juno-intents/signer-harness/internal/signerslots"
	"github.com/juno-intents/signer-harness/internal/stacks"
	"github.com/juno-intents/signer-harness/internal/stacksrpc"
)

const (
	DefaultWaitOnSigners = 10 * time.Second
	// SignerPassword is shared by the node auth token and every signer.
	SignerPassword = "12345"

	defaultStatusSettle      = time.Second
	defaultBlockPollInterval = time.Second
	confirmPollInterval      = 500 * time.Millisecond
)

var (
	ErrInvalidOptions = errors.New("harness: invalid options")
	// ErrProtocolViolation marks a broken assumption about the signers or the
	// node. It is never retried.
	ErrProtocolViolation = errors.New("harness: protocol violation")
	ErrMalformedData     = errors.New("harness: malformed data")
	ErrSignerIndex       = errors.New("harness: signer index out of range")
)

// Chain is the booted backend the harness drives. *node.RunningNode
// implements it.
type Chain interface {
	NodeConfig() node.Config
	TipHeight(ctx context.Context) (uint64, error)
	NextBlockAndMineCommit(ctx context.Context, timeout time.Duration) error
	NextBlockAndWaitForCommits(ctx context.Context, timeout time.Duration, miners []*node.Counters) error
	RunUntilBurnHeight(ctx context.Context, height uint64) error
	Stop(ctx context.Context) error
}

// NodeClient is the stacks-node API surface the harness reads.
type NodeClient interface {
	signerslots.NodeClient
	ChainInfo(ctx context.Context) (stacksrpc.ChainInfo, error)
}

// SignerClient talks to a signer's HTTP endpoints.
type SignerClient interface {
	RequestStatus(ctx context.Context, endpoint string) error
	FetchMetrics(ctx context.Context, metricsEndpoint string) (string, error)
}

// BootFunc boots the chain backend.
type BootFunc func(ctx context.Context, bc node.BootConfig) (Chain, error)

// Balance is an extra genesis balance.
type Balance struct {
	Address stacks.Address
	Amount  uint64
}

type Options struct {
	NumSigners int
	// Keys fixes the signer identities; NumSigners is ignored when set.
	Keys []*ecdsa.PrivateKey

	InitialBalances []Balance
	// WaitOnSigners defaults to DefaultWaitOnSigners.
	WaitOnSigners time.Duration
	MinerPubkeys  []*ecdsa.PublicKey

	// NodeConfig is the base node config. Defaults to node.DefaultConfig for
	// a fresh miner key under WorkDir.
	NodeConfig *node.Config
	// ModifySigner is applied to every signer config, including restarts.
	ModifySigner func(*signer.Config)
	// ModifyNode is applied once to the node config before signer configs
	// are built.
	ModifyNode func(*node.Config)

	WorkDir  string
	RunStamp string

	// Boot carries binaries, sinks and counters through to the bootstrapper.
	// Config, signer wiring, observer log, recorder and logger are filled in.
	Boot     node.BootConfig
	BootFunc BootFunc

	Spawner      signer.Spawner
	SignerClient SignerClient
	NodeClient   NodeClient
	ObserverLog  *observer.Log
	Metrics      *metrics.Metrics
	Log          *slog.Logger

	StatusSettle      time.Duration
	BlockPollInterval time.Duration
}

type spawnedSigner struct {
	handle signer.Handle
	key    *ecdsa.PrivateKey
	config signer.Config
}

// SignerTest owns one running chain and its signers. It is not safe for
// concurrent use; every operation blocks the caller.
type SignerTest struct {
	chain    Chain
	client   NodeClient
	resolver *signerslots.Resolver
	events   *observer.Log

	spawner      signer.Spawner
	signerClient SignerClient
	modifySigner func(*signer.Config)
	buildOpts    signer.BuildOptions
	mainnet      bool

	signers []spawnedSigner

	metrics           *metrics.Metrics
	log               *slog.Logger
	statusSettle      time.Duration
	blockPollInterval time.Duration
}

func defaultBoot(ctx context.Context, bc node.BootConfig) (Chain, error) {
	n, err := node.Boot(ctx, bc)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// New generates signer identities, spawns one signer per identity and boots
// the node with every signer wired in as an observer. A failure tears down
// whatever was started.
func New(ctx context.Context, opts Options) (_ *SignerTest, err error) {
	log := opts.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Spawner == nil {
		return nil, fmt.Errorf("%w: nil spawner", ErrInvalidOptions)
	}
	keys := opts.Keys
	if len(keys) == 0 {
		if opts.NumSigners <= 0 {
			return nil, fmt.Errorf("%w: need at least one signer", ErrInvalidOptions)
		}
		keys, err = stacks.GenerateKeys(opts.NumSigners)
		if err != nil {
			return nil, err
		}
	}
	workDir := opts.WorkDir
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "signer-harness")
	}
	runStamp := opts.RunStamp
	if runStamp == "" {
		runStamp = strconv.Itoa(int(rand.N[uint32](1 << 16)))
	}

	var nodeCfg node.Config
	if opts.NodeConfig != nil {
		nodeCfg = *opts.NodeConfig
	} else {
		minerKey, err := stacks.GenerateKey()
		if err != nil {
			return nil, err
		}
		nodeCfg, err = node.DefaultConfig(filepath.Join(workDir, runStamp, "node"), minerKey)
		if err != nil {
			return nil, err
		}
	}
	if opts.ModifyNode != nil {
		opts.ModifyNode(&nodeCfg)
	}
	for _, b := range opts.InitialBalances {
		nodeCfg.AddInitialBalance(b.Address, b.Amount)
	}
	nodeCfg.ConnectionOptions.AuthToken = SignerPassword
	waitOnSigners := opts.WaitOnSigners
	if waitOnSigners <= 0 {
		waitOnSigners = DefaultWaitOnSigners
	}
	nodeCfg.SetWaitOnSigners(waitOnSigners)

	buildOpts := signer.DefaultBuildOptions(nodeCfg.Node.RPCBind, runStamp)
	configs, err := signer.BuildConfigs(keys, buildOpts)
	if err != nil {
		return nil, err
	}
	for i := range configs {
		if opts.ModifySigner != nil {
			opts.ModifySigner(&configs[i])
		}
		if err := configs[i].Validate(); err != nil {
			return nil, fmt.Errorf("harness: signer %d config: %w", i, err)
		}
	}

	events := opts.ObserverLog
	if events == nil {
		events = observer.NewLog()
	}
	t := &SignerTest{
		events:            events,
		spawner:           opts.Spawner,
		signerClient:      opts.SignerClient,
		modifySigner:      opts.ModifySigner,
		buildOpts:         buildOpts,
		mainnet:           configs[0].Mainnet(),
		metrics:           opts.Metrics,
		log:               log,
		statusSettle:      positive(opts.StatusSettle, defaultStatusSettle),
		blockPollInterval: positive(opts.BlockPollInterval, defaultBlockPollInterval),
	}
	if t.signerClient == nil {
		t.signerClient = signer.NewHTTPStatusRequester(nil)
	}
	defer func() {
		if err != nil {
			t.stopAll()
		}
	}()

	endpoints := make([]string, 0, len(configs))
	addrs := make([]stacks.Address, 0, len(configs))
	for i, cfg := range configs {
		h, err := t.spawner.Spawn(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("harness: spawn signer %d: %w", i, err)
		}
		t.signers = append(t.signers, spawnedSigner{handle: h, key: keys[i], config: cfg})
		addr, err := cfg.Address()
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, cfg.Endpoint)
		addrs = append(addrs, addr)
		log.Info("spawned signer", "signer", i, "config", cfg)
	}

	bc := opts.Boot
	bc.Config = nodeCfg
	bc.SignerEndpoints = endpoints
	bc.SignerAddresses = addrs
	if len(opts.MinerPubkeys) > 0 {
		bc.MinerPubkeys = opts.MinerPubkeys
	}
	bc.ObserverLog = events
	if opts.Metrics != nil {
		bc.Recorder = opts.Metrics
		bc.ObserverHooks = append(bc.ObserverHooks, opts.Metrics.ObserverHook())
	}
	if bc.Log == nil {
		bc.Log = log
	}
	boot := opts.BootFunc
	if boot == nil {
		boot = defaultBoot
	}
	chain, err := boot(ctx, bc)
	if err != nil {
		return nil, fmt.Errorf("harness: boot node: %w", err)
	}
	t.chain = chain

	client := opts.NodeClient
	if client == nil {
		c, err := stacksrpc.New(nodeCfg.RPCURL(),
			stacksrpc.WithAuthToken(SignerPassword),
			stacksrpc.WithSignerAddress(addrs[0]),
			stacksrpc.WithMainnet(t.mainnet),
		)
		if err != nil {
			_ = chain.Stop(context.Background())
			return nil, err
		}
		client = c
	}
	t.client = client
	// Slot lookups resolve the first signer, the one the node client speaks for.
	t.resolver, err = signerslots.New(client, addrs[0], t.mainnet)
	if err != nil {
		_ = chain.Stop(context.Background())
		return nil, err
	}
	return t, nil
}

func (t *SignerTest) Chain() Chain { return t.chain }
func (t *SignerTest) Events() *observer.Log { return t.events }
func (t *SignerTest) NumSigners() int { return len(t.signers) }
func (t *SignerTest) RunStamp() string { return t.buildOpts.RunStamp }
func (t *SignerTest) NodeConfig() node.Config { return t.chain.NodeConfig() }
func (t *SignerTest) Resolver() *signerslots.Resolver { return t.resolver }

// SignerConfig returns the descriptor signer idx was started with.
func (t *SignerTest) SignerConfig(idx int) (signer.Config, error) {
	if idx < 0 || idx >= len(t.signers) {
		return signer.Config{}, fmt.Errorf("%w: %d of %d", ErrSignerIndex, idx, len(t.signers))
	}
	return t.signers[idx].config, nil
}

// SignerKeys returns the signer keys in signer order.
func (t *SignerTest) SignerKeys() []*ecdsa.PrivateKey {
	out := make([]*ecdsa.PrivateKey, len(t.signers))
	for i, s := range t.signers {
		out[i] = s.key
	}
	return out
}

func (t *SignerTest) stopAll() {
	for i, s := range t.signers {
		if _, err := s.handle.Stop(); err != nil {
			t.log.Warn("stop signer", "signer", i, "err", err)
		}
	}
	t.signers = nil
}

func positive(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
