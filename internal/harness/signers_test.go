package harness

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/juno-intents/signer-harness/internal/metrics"
	"github.com/juno-intents/signer-harness/internal/signer"
	"github.com/juno-intents/signer-harness/internal/signerslots"
	"github.com/juno-intents/signer-harness/internal/stacks"
	"github.com/juno-intents/signer-harness/internal/stacksrpc"
)

func TestStopAndRestartSigner_KeepsPairing(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	f := newFixture(t, 3, func(o *Options) { o.Metrics = m })
	var slots []stacksrpc.SignerSlot
	for _, k := range f.keys {
		slots = append(slots, stacksrpc.SignerSlot{Address: stacks.AddressFromPrivateKey(false, k), NumSlots: 13})
	}
	f.node.slots = map[uint32][]stacksrpc.SignerSlot{0: slots}

	indices, err := f.test.SignerIndices(context.Background(), 2)
	if err != nil {
		t.Fatalf("SignerIndices: %v", err)
	}
	if len(indices) != 3 || indices[0] != 0 || indices[1] != 1 || indices[2] != 2 {
		t.Fatalf("indices: got %v want [0 1 2]", indices)
	}
	if ix, err := f.test.SignerIndex(context.Background(), 2); err != nil || ix != 0 {
		t.Fatalf("SignerIndex: got %d, %v want 0", ix, err)
	}
	if _, err := f.test.SignerIndex(context.Background(), 3); !errors.Is(err, signerslots.ErrSignerNotRegistered) {
		t.Fatalf("odd parity: expected ErrSignerNotRegistered, got %v", err)
	}

	old := f.spawner.handles[1]
	key, err := f.test.StopSigner(1)
	if err != nil {
		t.Fatalf("StopSigner: %v", err)
	}
	if key != f.keys[1] {
		t.Fatalf("StopSigner returned the wrong key")
	}
	if !old.isStopped() {
		t.Fatalf("stopped signer still running")
	}
	if f.test.NumSigners() != 2 {
		t.Fatalf("signers after stop: got %d want 2", f.test.NumSigners())
	}
	if keys := f.test.SignerKeys(); keys[0] != f.keys[0] || keys[1] != f.keys[2] {
		t.Fatalf("keys not shifted with handles")
	}

	if err := f.test.RestartSigner(context.Background(), 1, key); err != nil {
		t.Fatalf("RestartSigner: %v", err)
	}
	if f.test.NumSigners() != 3 {
		t.Fatalf("signers after restart: got %d want 3", f.test.NumSigners())
	}
	for i, k := range f.test.SignerKeys() {
		if k != f.keys[i] {
			t.Fatalf("key %d out of place after restart", i)
		}
	}
	cfg, _ := f.test.SignerConfig(1)
	if cfg.Endpoint != "localhost:3001" || cfg.MetricsEndpoint != "localhost:9001" || cfg.RunStamp != f.test.RunStamp() {
		t.Fatalf("restarted config: got %+v", cfg)
	}
	const restarts = `
# HELP signer_harness_signer_restarts_total Signer processes restarted during the run.
# TYPE signer_harness_signer_restarts_total counter
signer_harness_signer_restarts_total 1
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(restarts), "signer_harness_signer_restarts_total"); err != nil {
		t.Fatalf("restart metric: %v", err)
	}

	// The restarted signer answers on the same endpoint and converges.
	f.client.respond = func(string, int) []signer.Result { return status(signer.StateRegisteredSigners, 2) }
	if err := f.test.WaitForRegistered(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("WaitForRegistered after restart: %v", err)
	}
	if got := f.client.count("localhost:3001"); got != 1 {
		t.Fatalf("restarted signer requests: got %d want 1", got)
	}
	indices, _ = f.test.SignerIndices(context.Background(), 2)
	if len(indices) != 3 {
		t.Fatalf("indices after restart: got %v", indices)
	}
}

func TestSignerLifecycle_IndexErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)
	for _, idx := range []int{-1, 2} {
		if _, err := f.test.StopSigner(idx); !errors.Is(err, ErrSignerIndex) {
			t.Fatalf("StopSigner(%d): expected ErrSignerIndex, got %v", idx, err)
		}
	}
	key, _ := stacks.GenerateKey()
	for _, idx := range []int{-1, 3} {
		if err := f.test.RestartSigner(context.Background(), idx, key); !errors.Is(err, ErrSignerIndex) {
			t.Fatalf("RestartSigner(%d): expected ErrSignerIndex, got %v", idx, err)
		}
	}
	if err := f.test.RestartSigner(context.Background(), 0, nil); !errors.Is(err, signer.ErrInvalidConfig) {
		t.Fatalf("nil key: expected ErrInvalidConfig, got %v", err)
	}
	// Appending at the end is a valid insertion point.
	if err := f.test.RestartSigner(context.Background(), 2, key); err != nil {
		t.Fatalf("RestartSigner at end: %v", err)
	}
	if cfg, _ := f.test.SignerConfig(2); cfg.Endpoint != "localhost:3002" {
		t.Fatalf("appended signer endpoint: got %s", cfg.Endpoint)
	}
	if _, err := f.test.SignerConfig(3); !errors.Is(err, ErrSignerIndex) {
		t.Fatalf("SignerConfig(3): expected ErrSignerIndex, got %v", err)
	}
}

func TestShutdown_StopsNodeThenSigners(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)
	if err := f.test.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if f.chain.stops != 1 {
		t.Fatalf("node stops: got %d want 1", f.chain.stops)
	}
	for i, h := range f.spawner.handles {
		if !h.isStopped() {
			t.Fatalf("signer %d not stopped", i)
		}
	}
	if f.test.NumSigners() != 0 {
		t.Fatalf("signers left after shutdown: %d", f.test.NumSigners())
	}
}

func TestShutdown_LeftoverResultIsAViolation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)
	f.spawner.handles[1].results <- status(signer.StateRegisteredSigners, 1)
	err := f.test.Shutdown(context.Background())
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
	if !f.spawner.handles[0].isStopped() || !f.spawner.handles[1].isStopped() {
		t.Fatalf("every signer must be stopped even after a violation")
	}
}

func TestSignerMetrics(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	f.client.metrics = "# TYPE signer_up gauge\nsigner_up 1\n"
	got, err := f.test.SignerMetrics(context.Background())
	if err != nil || got != f.client.metrics {
		t.Fatalf("SignerMetrics: got %q, %v", got, err)
	}

	noMetrics := newFixture(t, 1, func(o *Options) {
		o.ModifySigner = func(c *signer.Config) { c.MetricsEndpoint = "" }
	})
	if got, err := noMetrics.test.SignerMetrics(context.Background()); err != nil || got != "" {
		t.Fatalf("no metrics endpoint: got %q, %v", got, err)
	}
}

func TestSignerPublicKeys(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)
	f.node.entries = []stacksrpc.SignerEntry{
		{SigningKey: crypto.CompressPubkey(&f.keys[0].PublicKey), Weight: 2},
		{SigningKey: crypto.CompressPubkey(&f.keys[1].PublicKey), Weight: 1},
	}
	pks, err := f.test.SignerPublicKeys(context.Background(), 4)
	if err != nil {
		t.Fatalf("SignerPublicKeys: %v", err)
	}
	if len(pks.Signers) != 2 || len(pks.KeyIDs) != 3 {
		t.Fatalf("public keys: got %d signers %d key ids", len(pks.Signers), len(pks.KeyIDs))
	}
	if !pks.KeyIDs[3].Equal(&f.keys[1].PublicKey) {
		t.Fatalf("key id 3 should belong to signer 1")
	}
	entries, err := f.test.RewardSetSigners(context.Background(), 4)
	if err != nil || len(entries) != 2 {
		t.Fatalf("RewardSetSigners: got %d, %v", len(entries), err)
	}
}
