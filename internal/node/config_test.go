package node

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/juno-intents/signer-harness/internal/stacks"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	cfg, err := DefaultConfig(t.TempDir(), key)
	if err != nil {
		t.Fatalf("DefaultConfig: %v", err)
	}
	return cfg
}

func TestDefaultConfig_Regtest(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	p := cfg.RewardCycleParams()
	if p.RewardCycleLength != 20 || p.PreparePhaseLength != 5 || p.FirstBurnHeight != 0 {
		t.Fatalf("params: got %+v", p)
	}
	boundary, err := cfg.Epoch30Boundary()
	if err != nil {
		t.Fatalf("Epoch30Boundary: %v", err)
	}
	if boundary != 230 {
		t.Fatalf("boundary: got %d want 230", boundary)
	}
	if e, ok := cfg.Epoch(Epoch25); !ok || e.StartHeight != 201 {
		t.Fatalf("epoch 2.5: got %+v,%v", e, ok)
	}
	if got, want := cfg.WaitOnSigners(), 10*time.Second; got != want {
		t.Fatalf("wait on signers: got %v want %v", got, want)
	}
	if got, want := cfg.RPCURL(), "http://127.0.0.1:20443"; got != want {
		t.Fatalf("rpc url: got %q want %q", got, want)
	}
	if got, want := cfg.BitcoindURL(), "http://127.0.0.1:18443"; got != want {
		t.Fatalf("bitcoind url: got %q want %q", got, want)
	}
	if _, err := cfg.MinerPubkey(); err != nil {
		t.Fatalf("MinerPubkey: %v", err)
	}
}

func TestConfig_ValidateRejects(t *testing.T) {
	t.Parallel()

	base := testConfig(t)
	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{name: "no rpc bind", mod: func(c *Config) { c.Node.RPCBind = "" }},
		{name: "no bitcoind port", mod: func(c *Config) { c.Burnchain.RPCPort = 0 }},
		{name: "zero cycle", mod: func(c *Config) { c.Burnchain.PoxRewardLength = 0 }},
		{name: "prepare longer than cycle", mod: func(c *Config) { c.Burnchain.PoxPrepareLength = 21 }},
		{name: "no epoch 3", mod: func(c *Config) { c.Burnchain.Epochs = c.Burnchain.Epochs[:len(c.Burnchain.Epochs)-1] }},
		{name: "observer without endpoint", mod: func(c *Config) { c.EventsObservers = []EventObserver{{}} }},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			cfg.Burnchain.Epochs = append([]Epoch(nil), base.Burnchain.Epochs...)
			tc.mod(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestConfig_TOMLRoundTrip(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.ConnectionOptions.AuthToken = "12345"
	WireObservers(&cfg, []string{"localhost:3000"}, "localhost:50303")
	raw, err := cfg.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for _, want := range []string{"[[events_observer]]", "rpc_bind", "epoch_name", "auth_token"} {
		if !strings.Contains(string(raw), want) {
			t.Fatalf("toml missing %q:\n%s", want, raw)
		}
	}
	got, err := LoadConfig(raw)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got.ConnectionOptions.AuthToken != "12345" || len(got.EventsObservers) != 2 || len(got.Burnchain.Epochs) != 9 {
		t.Fatalf("round trip: got %+v", got)
	}

	if _, err := LoadConfig([]byte("[node]\nbogus = 1\n")); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("unknown field: expected ErrInvalidConfig, got %v", err)
	}
}

func TestWireObservers(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	WireObservers(&cfg, []string{"localhost:3000", "localhost:3001"}, "localhost:50303")
	WireObservers(&cfg, []string{"localhost:3000"}, "localhost:50303")

	if len(cfg.EventsObservers) != 3 {
		t.Fatalf("observers: got %d want 3", len(cfg.EventsObservers))
	}
	signer := cfg.EventsObservers[0]
	if signer.Endpoint != "localhost:3000" || len(signer.EventsKeys) != 3 {
		t.Fatalf("signer observer: got %+v", signer)
	}
	harness := cfg.EventsObservers[2]
	if harness.Endpoint != "localhost:50303" || len(harness.EventsKeys) != 4 {
		t.Fatalf("harness observer: got %+v", harness)
	}
	found := false
	for _, k := range harness.EventsKeys {
		if k == EventKeyMinedBlocks {
			found = true
		}
	}
	if !found {
		t.Fatalf("harness observer missing %q", EventKeyMinedBlocks)
	}
}

func TestSubscribeSignerStackerDBs(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	existing := stacks.SignersDBContractID(1, 3, false).String()
	cfg.Node.StackerDBs = []string{existing}
	SubscribeSignerStackerDBs(&cfg, false)
	SubscribeSignerStackerDBs(&cfg, false)

	if !cfg.Node.Stacker {
		t.Fatalf("stacker not enabled")
	}
	if got, want := len(cfg.Node.StackerDBs), 2*stacks.SignerSlotsPerUser; got != want {
		t.Fatalf("stacker dbs: got %d want %d", got, want)
	}
	if cfg.Node.StackerDBs[0] != existing {
		t.Fatalf("existing subscription moved: %v", cfg.Node.StackerDBs[:2])
	}
	if !strings.HasSuffix(cfg.Node.StackerDBs[1], ".signers-0-0") {
		t.Fatalf("first added contract: got %q", cfg.Node.StackerDBs[1])
	}
}

func TestFundSigners(t *testing.T) {
	t.Parallel()

	key, _ := crypto.GenerateKey()
	cfg := testConfig(t)
	testnet := stacks.AddressFromPrivateKey(false, key)
	if err := FundSigners(&cfg, []stacks.Address{testnet}); err != nil {
		t.Fatalf("FundSigners: %v", err)
	}
	if len(cfg.InitialBalances) != 1 || cfg.InitialBalances[0].Amount != DefaultStackerBalance || cfg.InitialBalances[0].Address != testnet.String() {
		t.Fatalf("balances: got %+v", cfg.InitialBalances)
	}
	if err := FundSigners(&cfg, []stacks.Address{stacks.AddressFromPrivateKey(true, key)}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("mainnet: expected ErrInvalidConfig, got %v", err)
	}
}
