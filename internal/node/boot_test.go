package node

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/juno-intents/signer-harness/internal/btcrpc"
	"github.com/juno-intents/signer-harness/internal/observer"
	"github.com/juno-intents/signer-harness/internal/stacks"
)

func TestBoot_BootstrapsAndMinesBootBlocks(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	counters := NewCounters()
	rpc := newFakeRPC()
	rpc.notReady = 2
	// Stand in for the stacks-node processing every burn block.
	rpc.onMine = func(n uint64) { counters.BlocksProcessed.Add(n) }
	launcher := &fakeLauncher{}

	key, _ := crypto.GenerateKey()
	signerAddr := stacks.AddressFromPrivateKey(false, key)
	extraMiner, _ := crypto.GenerateKey()
	localMiner, err := cfg.MinerPubkey()
	if err != nil {
		t.Fatalf("MinerPubkey: %v", err)
	}

	n, err := Boot(context.Background(), BootConfig{
		Config:          cfg,
		SignerEndpoints: []string{"localhost:3000"},
		SignerAddresses: []stacks.Address{signerAddr},
		MinerPubkeys:    []*ecdsa.PublicKey{localMiner, &extraMiner.PublicKey},
		Launcher:        launcher,
		Bitcoind:        rpc,
		ObserverLog:     observer.NewLog(),
		Counters:        counters,
		BlockTimeout:    2 * time.Second,
		ScanInterval:    10 * time.Millisecond,
		ReadyTimeout:    5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}

	tip, _ := rpc.GetBlockCount(context.Background())
	if tip != DefaultBootstrapBlocks+3 {
		t.Fatalf("tip: got %d want %d", tip, DefaultBootstrapBlocks+3)
	}
	localDesc := btcrpc.PubkeyDescriptor(stacks.PublicKeyHex(localMiner))
	extraDesc := btcrpc.PubkeyDescriptor(stacks.PublicKeyHex(&extraMiner.PublicKey))
	if got := rpc.generated[localDesc]; got != 98+3 {
		t.Fatalf("local miner blocks: got %d want 101", got)
	}
	if got := rpc.generated[extraDesc]; got != 97 {
		t.Fatalf("extra miner blocks: got %d want 97", got)
	}

	if len(launcher.specs) != 2 || launcher.specs[0].Name != "bitcoind" || launcher.specs[1].Name != "stacks-node" {
		t.Fatalf("launch order: got %+v", launcher.specs)
	}
	configPath := launcher.specs[1].Args[2]
	raw, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("read node config: %v", err)
	}
	written, err := LoadConfig(raw)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(written.EventsObservers) != 2 || written.EventsObservers[1].Endpoint != n.Observer.Endpoint() {
		t.Fatalf("observers: got %+v", written.EventsObservers)
	}
	if len(written.Node.StackerDBs) != 2*stacks.SignerSlotsPerUser {
		t.Fatalf("stacker dbs: got %d", len(written.Node.StackerDBs))
	}
	if len(written.InitialBalances) != 1 || written.InitialBalances[0].Address != signerAddr.String() {
		t.Fatalf("balances: got %+v", written.InitialBalances)
	}
	for _, arg := range launcher.specs[0].Args {
		if strings.HasPrefix(arg, "-datadir=") && !strings.HasPrefix(arg, "-datadir="+filepath.Join(cfg.Node.WorkingDir, "bitcoind")) {
			t.Fatalf("bitcoind datadir: got %s", arg)
		}
	}

	// Observer callbacks reach the counters hook.
	resp, err := httpPost(t, "http://"+n.Observer.Addr()+"/new_block", `{"block_hash":"0x01","signer_signature_hash":"0x`+strings.Repeat("ab", 32)+`"}`)
	if err != nil || resp != 200 {
		t.Fatalf("post new_block: got %d,%v", resp, err)
	}
	if got := counters.NakamotoBlocksSignerPushed.Load(); got != 1 {
		t.Fatalf("signer pushed: got %d want 1", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !rpc.stopped {
		t.Fatalf("bitcoind not stopped")
	}
	select {
	case <-launcher.proc("stacks-node").Exited():
	default:
		t.Fatalf("stacks-node not stopped")
	}
}

func TestBoot_FailureTearsDown(t *testing.T) {
	t.Parallel()

	rpc := newFakeRPC()
	launcher := &fakeLauncher{failOn: "stacks-node"}
	_, err := Boot(context.Background(), BootConfig{
		Config:          testConfig(t),
		Launcher:        launcher,
		Bitcoind:        rpc,
		ObserverLog:     observer.NewLog(),
		BootstrapBlocks: 10,
		ReadyTimeout:    time.Second,
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	select {
	case <-launcher.proc("bitcoind").Exited():
	default:
		t.Fatalf("bitcoind left running after failed boot")
	}
}

func TestBoot_RejectsInvalid(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	if _, err := Boot(context.Background(), BootConfig{Config: cfg}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil observer log: expected ErrInvalidConfig, got %v", err)
	}
	cfg.Node.WorkingDir = ""
	if _, err := Boot(context.Background(), BootConfig{Config: cfg, ObserverLog: observer.NewLog()}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("no working dir: expected ErrInvalidConfig, got %v", err)
	}
}
