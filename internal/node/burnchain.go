package node

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/juno-intents/signer-harness/internal/btcrpc"
	"github.com/juno-intents/signer-harness/internal/stacks"
)

// Burnchain is the chain the node anchors to. Heights are block counts.
type Burnchain interface {
	TipHeight(ctx context.Context) (uint64, error)
	MineBlocks(ctx context.Context, n uint64) error
}

// BitcoindRPC is the slice of *btcrpc.Client the controller and the run loop
// call.
type BitcoindRPC interface {
	GetBlockCount(ctx context.Context) (uint64, error)
	GenerateToDescriptor(ctx context.Context, n uint64, descriptor string) ([]string, error)
	CreateWallet(ctx context.Context, name string) error
	GetRawMempool(ctx context.Context) ([]string, error)
	GetRawTransactionVerbose(ctx context.Context, txid string) (btcrpc.RawTransaction, error)
	Stop(ctx context.Context) error
}

var _ BitcoindRPC = (*btcrpc.Client)(nil)

// BitcoindController mines regtest blocks to the miner key and owns the
// bitcoind process when it launched one.
type BitcoindController struct {
	rpc  BitcoindRPC
	proc Process
	log  *slog.Logger

	descriptor string
}

var _ Burnchain = (*BitcoindController)(nil)

func NewBitcoindController(rpc BitcoindRPC, minerPubkey *ecdsa.PublicKey, proc Process, log *slog.Logger) (*BitcoindController, error) {
	if rpc == nil {
		return nil, fmt.Errorf("%w: nil bitcoind rpc", ErrInvalidConfig)
	}
	if minerPubkey == nil {
		return nil, fmt.Errorf("%w: nil miner pubkey", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &BitcoindController{
		rpc:        rpc,
		proc:       proc,
		log:        log,
		descriptor: btcrpc.PubkeyDescriptor(stacks.PublicKeyHex(minerPubkey)),
	}, nil
}

func (b *BitcoindController) TipHeight(ctx context.Context) (uint64, error) {
	h, err := b.rpc.GetBlockCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("node: burnchain tip: %w", err)
	}
	return h, nil
}

func (b *BitcoindController) MineBlocks(ctx context.Context, n uint64) error {
	if _, err := b.rpc.GenerateToDescriptor(ctx, n, b.descriptor); err != nil {
		return fmt.Errorf("node: mine %d blocks: %w", n, err)
	}
	return nil
}

// BootstrapChainToPubkeys mines n blocks split evenly across pubkeys, with
// the remainder going to the first key, so each miner has spendable outputs.
func (b *BitcoindController) BootstrapChainToPubkeys(ctx context.Context, n uint64, pubkeys []*ecdsa.PublicKey) error {
	if len(pubkeys) == 0 {
		return fmt.Errorf("%w: no miner pubkeys", ErrInvalidConfig)
	}
	share := n / uint64(len(pubkeys))
	extra := n - share*uint64(len(pubkeys))
	for i, pk := range pubkeys {
		if pk == nil {
			return fmt.Errorf("%w: nil miner pubkey %d", ErrInvalidConfig, i)
		}
		count := share
		if i == 0 {
			count += extra
		}
		if count == 0 {
			continue
		}
		desc := btcrpc.PubkeyDescriptor(stacks.PublicKeyHex(pk))
		if _, err := b.rpc.GenerateToDescriptor(ctx, count, desc); err != nil {
			return fmt.Errorf("node: bootstrap %d blocks to miner %d: %w", count, i, err)
		}
	}
	b.log.Info("burnchain bootstrapped", "blocks", n, "miners", len(pubkeys))
	return nil
}

// Shutdown asks bitcoind to stop over RPC, then reaps the process.
func (b *BitcoindController) Shutdown(ctx context.Context) error {
	var errs []error
	if err := b.rpc.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("node: bitcoind stop rpc: %w", err))
	}
	if b.proc != nil {
		if err := b.proc.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
