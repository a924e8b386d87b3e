package harness

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"slices"

	"github.com/juno-intents/signer-harness/internal/signer"
	"github.com/juno-intents/signer-harness/internal/signerslots"
	"github.com/juno-intents/signer-harness/internal/stacks"
	"github.com/juno-intents/signer-harness/internal/stacksrpc"
)

func (t *SignerTest) SignerIndex(ctx context.Context, cycle uint64) (signerslots.SlotID, error) {
	return t.resolver.SignerIndex(ctx, cycle)
}

func (t *SignerTest) SignerSlots(ctx context.Context, cycle uint64) ([]stacksrpc.SignerSlot, error) {
	return t.resolver.SignerSlots(ctx, cycle)
}

func (t *SignerTest) SignerIndices(ctx context.Context, cycle uint64) ([]signerslots.SlotID, error) {
	return t.resolver.SignerIndices(ctx, cycle)
}

// SignerPublicKeys returns the verification keys of cycle's reward set.
func (t *SignerTest) SignerPublicKeys(ctx context.Context, cycle uint64) (signerslots.PublicKeys, error) {
	entries, err := t.resolver.SignerPublicKeys(ctx, cycle)
	if err != nil {
		return signerslots.PublicKeys{}, err
	}
	return entries.PublicKeys, nil
}

func (t *SignerTest) RewardSetSigners(ctx context.Context, cycle uint64) ([]stacksrpc.SignerEntry, error) {
	return t.resolver.RewardSetSigners(ctx, cycle)
}

// SignerMetrics returns the metrics exposition of the first signer, or ""
// when it serves none.
func (t *SignerTest) SignerMetrics(ctx context.Context) (string, error) {
	if len(t.signers) == 0 {
		return "", fmt.Errorf("%w: no signers", ErrSignerIndex)
	}
	ep := t.signers[0].config.MetricsEndpoint
	if ep == "" {
		return "", nil
	}
	return t.signerClient.FetchMetrics(ctx, ep)
}

// StopSigner removes signer idx and terminates it, returning its key for a
// later RestartSigner.
func (t *SignerTest) StopSigner(idx int) (*ecdsa.PrivateKey, error) {
	if idx < 0 || idx >= len(t.signers) {
		return nil, fmt.Errorf("%w: stop %d of %d", ErrSignerIndex, idx, len(t.signers))
	}
	s := t.signers[idx]
	t.signers = slices.Delete(t.signers, idx, idx+1)
	t.log.Info("stopping signer", "signer", idx, "config", s.config)
	if _, err := s.handle.Stop(); err != nil {
		return s.key, fmt.Errorf("harness: stop signer %d: %w", idx, err)
	}
	return s.key, nil
}

// RestartSigner starts a signer for key at idx with the run stamp and port
// offset idx, and inserts it back at idx.
func (t *SignerTest) RestartSigner(ctx context.Context, idx int, key *ecdsa.PrivateKey) error {
	if idx < 0 || idx > len(t.signers) {
		return fmt.Errorf("%w: restart at %d of %d", ErrSignerIndex, idx, len(t.signers))
	}
	cfg, err := signer.BuildConfig(key, idx, t.buildOpts)
	if err != nil {
		return err
	}
	if t.modifySigner != nil {
		t.modifySigner(&cfg)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("harness: signer %d config: %w", idx, err)
		}
	}
	t.log.Info("restarting signer", "signer", idx, "config", cfg)
	h, err := t.spawner.Spawn(ctx, cfg)
	if err != nil {
		return fmt.Errorf("harness: restart signer %d: %w", idx, err)
	}
	t.signers = slices.Insert(t.signers, idx, spawnedSigner{handle: h, key: key, config: cfg})
	t.metrics.SignerRestarted()
	return nil
}

// Shutdown stops the node, then every signer. A signer that still had
// unreceived results is reported as ErrProtocolViolation.
func (t *SignerTest) Shutdown(ctx context.Context) error {
	var errs []error
	if t.chain != nil {
		if err := t.chain.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("harness: stop node: %w", err))
		}
	}
	for ix, s := range t.signers {
		left, err := s.handle.Stop()
		if err != nil {
			errs = append(errs, fmt.Errorf("harness: stop signer %d: %w", ix, err))
		}
		if len(left) > 0 {
			errs = append(errs, fmt.Errorf("%w: signer %d stopped with %d unreceived results", ErrProtocolViolation, ix, len(left)))
		}
	}
	t.signers = nil
	return errors.Join(errs...)
}

// VerifyBlockSignatures checks that every signature over sighash recovers to
// a distinct member of cycle's reward set.
func (t *SignerTest) VerifyBlockSignatures(ctx context.Context, sighash stacks.Sighash, sigs []stacks.MessageSignature, cycle uint64) error {
	entries, err := t.resolver.SignerPublicKeys(ctx, cycle)
	if err != nil {
		return err
	}
	seen := make(map[uint32]int, len(sigs))
	for i, sig := range sigs {
		pub, err := sig.RecoverPublicKey(sighash)
		if err != nil {
			return fmt.Errorf("%w: signature %d: %v", ErrMalformedData, i, err)
		}
		addr := stacks.AddressFromPublicKey(t.mainnet, pub)
		id, ok := entries.SignerIDFor(addr)
		if !ok {
			return fmt.Errorf("%w: signature %d is from %s, not in the reward set of cycle %d", ErrProtocolViolation, i, addr, cycle)
		}
		if prev, dup := seen[id]; dup {
			return fmt.Errorf("%w: signatures %d and %d are both from signer %d", ErrProtocolViolation, prev, i, id)
		}
		seen[id] = i
	}
	return nil
}
