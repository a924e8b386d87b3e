package node

import (
	"fmt"
	"slices"

	"github.com/juno-intents/signer-harness/internal/stacks"
)

// Event key names understood by the stacks-node events_observer section.
const (
	EventKeyStackerDB     = "stackerdb"
	EventKeyBlockProposal = "block_proposal"
	EventKeyBurnBlocks    = "burn_blocks"
	EventKeyMinedBlocks   = "miner"
)

// AddEventObserver registers endpoint for keys, merging with an existing
// entry for the same endpoint.
func (c *Config) AddEventObserver(endpoint string, keys ...string) {
	for i := range c.EventsObservers {
		o := &c.EventsObservers[i]
		if o.Endpoint != endpoint {
			continue
		}
		for _, k := range keys {
			if !slices.Contains(o.EventsKeys, k) {
				o.EventsKeys = append(o.EventsKeys, k)
			}
		}
		return
	}
	c.EventsObservers = append(c.EventsObservers, EventObserver{
		Endpoint:   endpoint,
		EventsKeys: append([]string(nil), keys...),
	})
}

// WireObservers points the node at every signer endpoint and at the harness
// observer, which additionally receives mined block events.
func WireObservers(cfg *Config, signerEndpoints []string, observerEndpoint string) {
	for _, ep := range signerEndpoints {
		cfg.AddEventObserver(ep, EventKeyStackerDB, EventKeyBlockProposal, EventKeyBurnBlocks)
	}
	cfg.AddEventObserver(observerEndpoint, EventKeyStackerDB, EventKeyBlockProposal, EventKeyMinedBlocks, EventKeyBurnBlocks)
}

// SubscribeSignerStackerDBs makes the node host every signers-{set}-{msg}
// stacker db for both signer sets. A stacker node must serve these for the
// signers to exchange messages.
func SubscribeSignerStackerDBs(cfg *Config, mainnet bool) {
	cfg.Node.Stacker = true
	for set := uint32(0); set < 2; set++ {
		for msg := uint32(0); msg < stacks.SignerSlotsPerUser; msg++ {
			id := stacks.SignersDBContractID(set, msg, mainnet).String()
			if !slices.Contains(cfg.Node.StackerDBs, id) {
				cfg.Node.StackerDBs = append(cfg.Node.StackerDBs, id)
			}
		}
	}
}

func (c *Config) AddInitialBalance(addr stacks.Address, amount uint64) {
	c.InitialBalances = append(c.InitialBalances, InitialBalance{Address: addr.String(), Amount: amount})
}

// FundSigners gives each signer address DefaultStackerBalance.
func FundSigners(cfg *Config, signers []stacks.Address) error {
	for i, addr := range signers {
		if addr.IsMainnet() {
			return fmt.Errorf("%w: signer %d has a mainnet address on regtest", ErrInvalidConfig, i)
		}
		cfg.AddInitialBalance(addr, DefaultStackerBalance)
	}
	return nil
}
