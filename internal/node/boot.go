package node

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/juno-intents/signer-harness/internal/btcrpc"
	"github.com/juno-intents/signer-harness/internal/observer"
	"github.com/juno-intents/signer-harness/internal/poll"
	"github.com/juno-intents/signer-harness/internal/stacks"
)

const (
	DefaultBootstrapBlocks = 195
	defaultReadyTimeout    = 30 * time.Second
)

type BootConfig struct {
	Config Config

	// SignerEndpoints are wired as event observers; SignerAddresses are
	// funded with DefaultStackerBalance.
	SignerEndpoints []string
	SignerAddresses []stacks.Address

	// MinerPubkeys receive the bootstrap coinbase outputs. Defaults to the
	// configured local mining key.
	MinerPubkeys []*ecdsa.PublicKey

	BitcoindBin   string
	StacksNodeBin string
	Launcher      Launcher
	// Bitcoind overrides the RPC client built from Config.
	Bitcoind BitcoindRPC

	ObserverAddr  string
	ObserverLog   *observer.Log
	ObserverHooks []observer.Hook
	ObserverSink  observer.Sink

	Counters *Counters
	Recorder poll.Recorder
	Log      *slog.Logger

	BootstrapBlocks uint64
	BlockTimeout    time.Duration
	ScanInterval    time.Duration
	ReadyTimeout    time.Duration
}

// Boot starts the observer, bitcoind and the stacks-node, bootstraps the
// burnchain, and mines the three blocks that wake the run loop, register the
// VRF key and produce the first stacks block. On error everything already
// started is torn down.
func Boot(ctx context.Context, bc BootConfig) (_ *RunningNode, err error) {
	log := bc.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if bc.ObserverLog == nil {
		return nil, fmt.Errorf("%w: nil observer log", ErrInvalidConfig)
	}
	if bc.Config.Node.WorkingDir == "" {
		return nil, fmt.Errorf("%w: node.working_dir is required", ErrInvalidConfig)
	}
	counters := bc.Counters
	if counters == nil {
		counters = NewCounters()
	}
	launcher := bc.Launcher
	if launcher == nil {
		launcher = ExecLauncher{Log: log}
	}
	bootstrap := bc.BootstrapBlocks
	if bootstrap == 0 {
		bootstrap = DefaultBootstrapBlocks
	}
	readyTimeout := bc.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = defaultReadyTimeout
	}
	cfg := bc.Config

	var cleanup []func()
	defer func() {
		if err != nil {
			for i := len(cleanup) - 1; i >= 0; i-- {
				cleanup[i]()
			}
		}
	}()

	hooks := append([]observer.Hook{counters.Hook()}, bc.ObserverHooks...)
	addr := bc.ObserverAddr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	h, err := observer.NewHandler(bc.ObserverLog, observer.Config{
		Sink:  bc.ObserverSink,
		Hooks: hooks,
		Log:   log.With("component", "observer"),
	})
	if err != nil {
		return nil, err
	}
	srv, err := observer.Listen(addr, h, log.With("component", "observer"))
	if err != nil {
		return nil, err
	}
	cleanup = append(cleanup, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})

	WireObservers(&cfg, bc.SignerEndpoints, srv.Endpoint())
	SubscribeSignerStackerDBs(&cfg, false)
	if err := FundSigners(&cfg, bc.SignerAddresses); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	minerPubkeys := bc.MinerPubkeys
	if len(minerPubkeys) == 0 {
		pk, err := cfg.MinerPubkey()
		if err != nil {
			return nil, err
		}
		minerPubkeys = []*ecdsa.PublicKey{pk}
	}
	localMiner, err := cfg.MinerPubkey()
	if err != nil {
		return nil, err
	}

	configPath, err := writeNodeConfig(cfg)
	if err != nil {
		return nil, err
	}

	btcProc, err := launcher.Launch(ctx, ProcessSpec{
		Name: "bitcoind",
		Bin:  defaultString(bc.BitcoindBin, "bitcoind"),
		Args: bitcoindArgs(cfg),
	})
	if err != nil {
		return nil, err
	}
	cleanup = append(cleanup, func() { _ = btcProc.Stop() })

	rpc := bc.Bitcoind
	if rpc == nil {
		rpc, err = btcrpc.New(cfg.BitcoindURL(), cfg.Burnchain.Username, cfg.Burnchain.Password)
		if err != nil {
			return nil, err
		}
	}
	if err := waitForBitcoind(ctx, rpc, btcProc, readyTimeout, bc.Recorder, log); err != nil {
		return nil, err
	}
	if err := rpc.CreateWallet(ctx, cfg.Burnchain.WalletName); err != nil {
		return nil, fmt.Errorf("node: create wallet: %w", err)
	}

	btc, err := NewBitcoindController(rpc, localMiner, btcProc, log.With("component", "bitcoind"))
	if err != nil {
		return nil, err
	}
	log.Info("bootstrapping burnchain", "blocks", bootstrap)
	if err := btc.BootstrapChainToPubkeys(ctx, bootstrap, minerPubkeys); err != nil {
		return nil, err
	}

	stxProc, err := launcher.Launch(ctx, ProcessSpec{
		Name: "stacks-node",
		Bin:  defaultString(bc.StacksNodeBin, "stacks-node"),
		Args: []string{"start", "--config", configPath},
		Dir:  cfg.Node.WorkingDir,
	})
	if err != nil {
		return nil, err
	}

	n := &RunningNode{
		Config:       cfg,
		Burnchain:    btc,
		Counters:     counters,
		Observer:     srv,
		log:          log.With("component", "node"),
		recorder:     bc.Recorder,
		blockTimeout: positive(bc.BlockTimeout, DefaultBlockTimeout),
		scanInterval: positive(bc.ScanInterval, DefaultScanInterval),
		bitcoind:     btc,
		mempool:      rpc,
		stacksNode:   stxProc,
	}
	n.start()
	cleanup = append(cleanup, func() {
		_ = n.StopCoordinator()
		n.Terminate()
		<-n.done
		_ = btc.Shutdown(context.Background())
	})

	log.Info("waiting for run loop")
	if err := n.WaitForRunLoop(ctx, readyTimeout); err != nil {
		return nil, err
	}
	for i, step := range []string{"wake run loop", "register vrf key", "first stacks block"} {
		log.Info("mining boot block", "n", i+1, "step", step)
		if err := n.NextBlockAndWait(ctx); err != nil {
			return nil, fmt.Errorf("node: boot block %d (%s): %w", i+1, step, err)
		}
	}
	return n, nil
}

func bitcoindArgs(cfg Config) []string {
	return []string{
		"-regtest",
		"-nodebug",
		"-nodaemon",
		"-rest",
		"-txindex=1",
		"-server=1",
		"-listenonion=0",
		"-rpcbind=127.0.0.1",
		"-datadir=" + filepath.Join(cfg.Node.WorkingDir, "bitcoind"),
		"-port=" + strconv.Itoa(int(cfg.Burnchain.PeerPort)),
		"-rpcport=" + strconv.Itoa(int(cfg.Burnchain.RPCPort)),
		"-rpcuser=" + cfg.Burnchain.Username,
		"-rpcpassword=" + cfg.Burnchain.Password,
	}
}

func writeNodeConfig(cfg Config) (string, error) {
	raw, err := cfg.Marshal()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Join(cfg.Node.WorkingDir, "bitcoind"), 0o700); err != nil {
		return "", fmt.Errorf("node: create working dir: %w", err)
	}
	path := filepath.Join(cfg.Node.WorkingDir, "stacks-node.toml")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return "", fmt.Errorf("node: write config: %w", err)
	}
	return path, nil
}

func waitForBitcoind(ctx context.Context, rpc BitcoindRPC, proc Process, timeout time.Duration, rec poll.Recorder, log *slog.Logger) error {
	_, err := poll.Until(ctx, poll.Config{
		Timeout:     timeout,
		Interval:    250 * time.Millisecond,
		Description: "bitcoind rpc",
		Recorder:    rec,
	}, func(ctx context.Context) poll.Result[struct{}] {
		select {
		case <-proc.Exited():
			return poll.Fail[struct{}](fmt.Errorf("node: bitcoind exited during startup: %v", proc.Err()))
		default:
		}
		_, err := rpc.GetBlockCount(ctx)
		switch {
		case err == nil:
			return poll.Done(struct{}{})
		case errors.Is(err, btcrpc.ErrInvalidConfig):
			return poll.Fail[struct{}](err)
		case btcrpc.IsWarmup(err):
			log.Debug("bitcoind warming up", "err", err)
			return poll.NotYet[struct{}]()
		default:
			// Connection refused until the RPC server binds.
			return poll.NotYet[struct{}]()
		}
	})
	return err
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func positive(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
