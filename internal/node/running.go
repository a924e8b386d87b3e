package node

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juno-intents/signer-harness/internal/btcrpc"
	"github.com/juno-intents/signer-harness/internal/observer"
	"github.com/juno-intents/signer-harness/internal/poll"
	"github.com/juno-intents/signer-harness/internal/stacks"
)

const (
	DefaultBlockTimeout = 30 * time.Second
	DefaultScanInterval = 250 * time.Millisecond
)

var ErrNodeExited = errors.New("node: stacks-node exited")

// RunningNode is the booted chain backend. Counters are written by the run
// loop and the observer hook; everything else is owned by the caller.
type RunningNode struct {
	Config    Config
	Burnchain Burnchain
	Counters  *Counters
	Observer  *observer.Server

	log          *slog.Logger
	recorder     poll.Recorder
	blockTimeout time.Duration
	scanInterval time.Duration

	bitcoind   *BitcoindController
	mempool    BitcoindRPC
	stacksNode Process

	// running is the termination switch: the run loop exits once it is false.
	running atomic.Bool
	done    chan struct{}
	loopErr error

	coordMu      sync.Mutex
	coordStopped bool

	seen map[string]struct{}
}

func (n *RunningNode) waitFor(ctx context.Context, timeout time.Duration, what string, cond func() bool) error {
	_, err := poll.Until(ctx, poll.Config{
		Timeout:     timeout,
		Interval:    100 * time.Millisecond,
		Description: what,
		Recorder:    n.recorder,
	}, func(context.Context) poll.Result[struct{}] {
		if cond() {
			return poll.Done(struct{}{})
		}
		select {
		case <-n.done:
			return poll.Fail[struct{}](n.exitErr())
		default:
		}
		return poll.NotYet[struct{}]()
	})
	return err
}

func (n *RunningNode) exitErr() error {
	if n.loopErr != nil {
		return n.loopErr
	}
	return fmt.Errorf("%w: run loop stopped", ErrNodeExited)
}

// WaitForRunLoop blocks until the node has processed its first burn block.
func (n *RunningNode) WaitForRunLoop(ctx context.Context, timeout time.Duration) error {
	return n.waitFor(ctx, timeout, "node run loop", func() bool {
		return n.Counters.BlocksProcessed.Load() > 0
	})
}

// NextBlockAndWait mines one burn block and waits for the node to process it.
func (n *RunningNode) NextBlockAndWait(ctx context.Context) error {
	before := n.Counters.BlocksProcessed.Load()
	if err := n.Burnchain.MineBlocks(ctx, 1); err != nil {
		return err
	}
	return n.waitFor(ctx, n.blockTimeout, "burn block processed", func() bool {
		return n.Counters.BlocksProcessed.Load() > before
	})
}

// NextBlockAndMineCommit mines one burn block, then waits until the node has
// processed it and submitted a block commit on top of it.
func (n *RunningNode) NextBlockAndMineCommit(ctx context.Context, timeout time.Duration) error {
	return n.NextBlockAndWaitForCommits(ctx, timeout, []*Counters{n.Counters})
}

// NextBlockAndWaitForCommits is NextBlockAndMineCommit across several
// miners: every counter set must show a new commit.
func (n *RunningNode) NextBlockAndWaitForCommits(ctx context.Context, timeout time.Duration, miners []*Counters) error {
	if len(miners) == 0 {
		return fmt.Errorf("%w: no commit counters", ErrInvalidConfig)
	}
	blocksBefore := n.Counters.BlocksProcessed.Load()
	commitsBefore := make([]uint64, len(miners))
	for i, c := range miners {
		commitsBefore[i] = c.CommitsSubmitted.Load()
	}
	if err := n.Burnchain.MineBlocks(ctx, 1); err != nil {
		return err
	}
	return n.waitFor(ctx, timeout, "block commits", func() bool {
		if n.Counters.BlocksProcessed.Load() <= blocksBefore {
			return false
		}
		for i, c := range miners {
			if c.CommitsSubmitted.Load() <= commitsBefore[i] {
				return false
			}
		}
		return true
	})
}

// RunUntilBurnHeight mines and waits block by block until the burnchain tip
// reaches height.
func (n *RunningNode) RunUntilBurnHeight(ctx context.Context, height uint64) error {
	for {
		tip, err := n.Burnchain.TipHeight(ctx)
		if err != nil {
			return err
		}
		if tip >= height {
			n.log.Info("reached burn height", "height", tip, "target", height)
			return nil
		}
		if err := n.NextBlockAndWait(ctx); err != nil {
			return fmt.Errorf("node: run to burn height %d (at %d): %w", height, tip, err)
		}
	}
}

func (n *RunningNode) StacksBlocksProcessed() uint64 {
	return n.Counters.StacksBlocksProcessed.Load()
}

func (n *RunningNode) NodeConfig() Config { return n.Config }

// TipHeight is the current burnchain height.
func (n *RunningNode) TipHeight(ctx context.Context) (uint64, error) {
	return n.Burnchain.TipHeight(ctx)
}

// StopCoordinator asks the stacks-node to stop processing. Later calls are
// no-ops.
func (n *RunningNode) StopCoordinator() error {
	n.coordMu.Lock()
	defer n.coordMu.Unlock()
	if n.coordStopped {
		return nil
	}
	n.coordStopped = true
	if n.stacksNode == nil {
		return nil
	}
	return n.stacksNode.Stop()
}

// Terminate flips the termination switch.
func (n *RunningNode) Terminate() {
	n.running.Store(false)
}

// Done is closed when the run loop has exited.
func (n *RunningNode) Done() <-chan struct{} { return n.done }

// Stop stops the coordinator, terminates and joins the run loop, then shuts
// down bitcoind and the observer.
func (n *RunningNode) Stop(ctx context.Context) error {
	var errs []error
	if err := n.StopCoordinator(); err != nil {
		errs = append(errs, err)
	}
	n.Terminate()
	select {
	case <-n.done:
	case <-ctx.Done():
		return errors.Join(append(errs, ctx.Err())...)
	}
	if n.bitcoind != nil {
		if err := n.bitcoind.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if n.Observer != nil {
		if err := n.Observer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (n *RunningNode) start() {
	n.running.Store(true)
	n.done = make(chan struct{})
	n.seen = make(map[string]struct{})
	go n.runLoop()
}

// runLoop supervises the stacks-node process and counts the leader
// operations it broadcasts.
func (n *RunningNode) runLoop() {
	defer close(n.done)
	ticker := time.NewTicker(n.scanInterval)
	defer ticker.Stop()

	var exited <-chan struct{}
	if n.stacksNode != nil {
		exited = n.stacksNode.Exited()
	}
	for n.running.Load() {
		select {
		case <-exited:
			if !n.running.Load() {
				return
			}
			n.coordMu.Lock()
			stopped := n.coordStopped
			n.coordMu.Unlock()
			if stopped {
				// Coordinator shutdown precedes the termination switch.
				exited = nil
				continue
			}
			n.loopErr = fmt.Errorf("%w: %v", ErrNodeExited, n.stacksNode.Err())
			n.log.Error("stacks-node exited unexpectedly", "err", n.stacksNode.Err())
			return
		case <-ticker.C:
			if n.mempool != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				n.scanMempool(ctx)
				cancel()
			}
		}
	}
}

func (n *RunningNode) scanMempool(ctx context.Context) {
	txids, err := n.mempool.GetRawMempool(ctx)
	if err != nil {
		n.log.Debug("mempool scan failed", "err", err)
		return
	}
	current := make(map[string]struct{}, len(txids))
	for _, txid := range txids {
		current[txid] = struct{}{}
		if _, ok := n.seen[txid]; ok {
			continue
		}
		tx, err := n.mempool.GetRawTransactionVerbose(ctx, txid)
		if errors.Is(err, btcrpc.ErrTxNotFound) {
			// Mined between the two calls.
			continue
		}
		if err != nil {
			n.log.Debug("mempool tx lookup failed", "txid", txid, "err", err)
			continue
		}
		n.seen[txid] = struct{}{}
		for _, out := range tx.Vout {
			switch ClassifyScript(out.ScriptPubKey, RegtestMagic) {
			case OpBlockCommit:
				n.Counters.CommitsSubmitted.Add(1)
				n.log.Debug("block commit broadcast", "txid", txid)
			case OpKeyRegister:
				n.Counters.VRFsSubmitted.Add(1)
				n.log.Debug("vrf key registration broadcast", "txid", txid)
			}
		}
	}
	for txid := range n.seen {
		if _, ok := current[txid]; !ok {
			delete(n.seen, txid)
		}
	}
}

// MinerPubkey parses the configured local mining public key.
func (c Config) MinerPubkey() (*ecdsa.PublicKey, error) {
	pk, err := stacks.ParsePublicKeyHex(c.Burnchain.LocalMiningPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: burnchain.local_mining_public_key: %v", ErrInvalidConfig, err)
	}
	return pk, nil
}
