package node

import (
	"sync"
	"sync/atomic"

	"github.com/juno-intents/signer-harness/internal/observer"
)

// Counters are monotonically increasing progress counts. The run loop and the
// observer hook write them; the harness only reads.
type Counters struct {
	BlocksProcessed            atomic.Uint64
	StacksBlocksProcessed      atomic.Uint64
	VRFsSubmitted              atomic.Uint64
	CommitsSubmitted           atomic.Uint64
	NakamotoBlocksProposed     atomic.Uint64
	NakamotoBlocksMined        atomic.Uint64
	NakamotoBlocksRejected     atomic.Uint64
	NakamotoBlocksSignerPushed atomic.Uint64

	mu    sync.Mutex
	mined map[string]struct{}
}

func NewCounters() *Counters {
	return &Counters{mined: make(map[string]struct{})}
}

// Snapshot is a point-in-time copy of Counters.
type Snapshot struct {
	BlocksProcessed            uint64 `json:"blocks_processed"`
	StacksBlocksProcessed      uint64 `json:"stacks_blocks_processed"`
	VRFsSubmitted              uint64 `json:"vrfs_submitted"`
	CommitsSubmitted           uint64 `json:"commits_submitted"`
	NakamotoBlocksProposed     uint64 `json:"nakamoto_blocks_proposed"`
	NakamotoBlocksMined        uint64 `json:"nakamoto_blocks_mined"`
	NakamotoBlocksRejected     uint64 `json:"nakamoto_blocks_rejected"`
	NakamotoBlocksSignerPushed uint64 `json:"nakamoto_blocks_signer_pushed"`
}

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		BlocksProcessed:            c.BlocksProcessed.Load(),
		StacksBlocksProcessed:      c.StacksBlocksProcessed.Load(),
		VRFsSubmitted:              c.VRFsSubmitted.Load(),
		CommitsSubmitted:           c.CommitsSubmitted.Load(),
		NakamotoBlocksProposed:     c.NakamotoBlocksProposed.Load(),
		NakamotoBlocksMined:        c.NakamotoBlocksMined.Load(),
		NakamotoBlocksRejected:     c.NakamotoBlocksRejected.Load(),
		NakamotoBlocksSignerPushed: c.NakamotoBlocksSignerPushed.Load(),
	}
}

// Hook derives the event-driven counters from observer callbacks. A
// nakamoto block the local miner never announced reached the node through a
// signer push.
func (c *Counters) Hook() observer.Hook {
	return func(ev observer.Event) {
		switch ev.Kind {
		case observer.KindBurnBlock:
			c.BlocksProcessed.Add(1)
		case observer.KindMinedBlock:
			c.NakamotoBlocksMined.Add(1)
			if mb, err := ev.MinedBlock(); err == nil && mb.BlockHash != "" {
				c.mu.Lock()
				c.mined[mb.BlockHash] = struct{}{}
				c.mu.Unlock()
			}
		case observer.KindProposalResponse:
			resp, err := ev.ProposalResponse()
			if err != nil {
				return
			}
			c.NakamotoBlocksProposed.Add(1)
			if resp.Result == observer.ValidationReject {
				c.NakamotoBlocksRejected.Add(1)
			}
		case observer.KindBlock:
			c.StacksBlocksProcessed.Add(1)
			b, err := ev.Block()
			if err != nil || b.SignerSignatureHash == "" {
				return
			}
			c.mu.Lock()
			_, ours := c.mined[b.BlockHash]
			c.mu.Unlock()
			if !ours {
				c.NakamotoBlocksSignerPushed.Add(1)
			}
		}
	}
}
