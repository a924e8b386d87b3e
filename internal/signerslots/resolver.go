// Package signerslots resolves a signer's position in the per-cycle ordered
// list of registered signers and derives reward-set verification keys.
package signerslots

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math"

	"github.com/juno-intents/signer-harness/internal/stacks"
	"github.com/juno-intents/signer-harness/internal/stacksrpc"
)

var (
	ErrInvalidConfig       = errors.New("signerslots: invalid config")
	ErrSignerNotRegistered = errors.New("signerslots: signer not registered")
	ErrMalformedRewardSet  = errors.New("signerslots: malformed reward set")
)

// SlotID is a zero-based position in the registered-signer list.
type SlotID uint32

// NodeClient is the subset of the stacks-node client the resolver reads from.
type NodeClient interface {
	StackerDBSignerSlots(ctx context.Context, contract stacks.ContractID, page uint32) ([]stacksrpc.SignerSlot, error)
	RewardSetSigners(ctx context.Context, cycle uint64) ([]stacksrpc.SignerEntry, error)
}

type Resolver struct {
	client  NodeClient
	signer  stacks.Address
	mainnet bool
}

// New binds a resolver to the address of the signer whose index it resolves.
func New(client NodeClient, signer stacks.Address, mainnet bool) (*Resolver, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil node client", ErrInvalidConfig)
	}
	return &Resolver{client: client, signer: signer, mainnet: mainnet}, nil
}

// Parity selects which of the two live slot sets serves cycle.
func Parity(cycle uint64) uint32 {
	return uint32(cycle % 2)
}

func (r *Resolver) Signer() stacks.Address { return r.signer }

// SignerSlots returns the registered signers for cycle's parity in
// registration order. Client failures are returned as-is and are recoverable.
func (r *Resolver) SignerSlots(ctx context.Context, cycle uint64) ([]stacksrpc.SignerSlot, error) {
	contract := stacks.BootContractID(stacks.SignersContractName, r.mainnet)
	return r.client.StackerDBSignerSlots(ctx, contract, Parity(cycle))
}

// SignerIndex is the bound signer's slot for cycle. A signer missing from the
// list is ErrSignerNotRegistered and must not be retried.
func (r *Resolver) SignerIndex(ctx context.Context, cycle uint64) (SlotID, error) {
	slots, err := r.SignerSlots(ctx, cycle)
	if err != nil {
		return 0, err
	}
	for i, s := range slots {
		if s.Address == r.signer {
			return SlotID(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %s in cycle %d (parity %d)", ErrSignerNotRegistered, r.signer, cycle, Parity(cycle))
}

func (r *Resolver) SignerIndices(ctx context.Context, cycle uint64) ([]SlotID, error) {
	slots, err := r.SignerSlots(ctx, cycle)
	if err != nil {
		return nil, err
	}
	out := make([]SlotID, len(slots))
	for i := range slots {
		out[i] = SlotID(i)
	}
	return out, nil
}

func (r *Resolver) RewardSetSigners(ctx context.Context, cycle uint64) ([]stacksrpc.SignerEntry, error) {
	return r.client.RewardSetSigners(ctx, cycle)
}

func (r *Resolver) SignerPublicKeys(ctx context.Context, cycle uint64) (SignerEntries, error) {
	entries, err := r.client.RewardSetSigners(ctx, cycle)
	if err != nil {
		return SignerEntries{}, err
	}
	return ParseSignerEntries(entries, r.mainnet)
}

// PublicKeys maps signer ids and key ids to verification keys.
type PublicKeys struct {
	Signers map[uint32]*ecdsa.PublicKey
	KeyIDs  map[uint32]*ecdsa.PublicKey
}

type SignerEntries struct {
	PublicKeys   PublicKeys
	SignerIDs    map[stacks.Address]uint32
	SignerKeyIDs map[uint32][]uint32
	TotalWeight  uint32
}

// SignerIDFor returns the signer id owning addr in this reward set.
func (e SignerEntries) SignerIDFor(addr stacks.Address) (uint32, bool) {
	id, ok := e.SignerIDs[addr]
	return id, ok
}

// ParseSignerEntries assigns signer ids by position and one key id per unit of
// weight, starting at 1.
func ParseSignerEntries(entries []stacksrpc.SignerEntry, mainnet bool) (SignerEntries, error) {
	out := SignerEntries{
		PublicKeys: PublicKeys{
			Signers: make(map[uint32]*ecdsa.PublicKey, len(entries)),
			KeyIDs:  make(map[uint32]*ecdsa.PublicKey),
		},
		SignerIDs:    make(map[stacks.Address]uint32, len(entries)),
		SignerKeyIDs: make(map[uint32][]uint32, len(entries)),
	}
	var weight uint64
	for i, entry := range entries {
		signerID := uint32(i)
		pub, err := stacks.ParsePublicKey(entry.SigningKey)
		if err != nil {
			return SignerEntries{}, fmt.Errorf("%w: signer %d: %v", ErrMalformedRewardSet, i, err)
		}
		if weight+uint64(entry.Weight) > math.MaxUint32 {
			return SignerEntries{}, fmt.Errorf("%w: total weight overflows u32", ErrMalformedRewardSet)
		}
		out.SignerIDs[stacks.AddressFromPublicKey(mainnet, pub)] = signerID
		out.PublicKeys.Signers[signerID] = pub

		keyIDs := make([]uint32, 0, entry.Weight)
		for k := uint32(0); k < entry.Weight; k++ {
			keyID := uint32(weight) + k + 1
			out.PublicKeys.KeyIDs[keyID] = pub
			keyIDs = append(keyIDs, keyID)
		}
		out.SignerKeyIDs[signerID] = keyIDs
		weight += uint64(entry.Weight)
	}
	out.TotalWeight = uint32(weight)
	return out, nil
}
