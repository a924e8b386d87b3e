package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/juno-intents/signer-harness/internal/node"
	"github.com/juno-intents/signer-harness/internal/observer"
	"github.com/juno-intents/signer-harness/internal/poll"
	"github.com/juno-intents/signer-harness/internal/stacks"
)

// MineNakamotoBlock mines a burn block, waits for the node's commit, then
// waits for a mined block event and consumes the oldest one.
func (t *SignerTest) MineNakamotoBlock(ctx context.Context, timeout time.Duration) (observer.MinedBlockEvent, error) {
	start := time.Now()
	if err := t.chain.NextBlockAndMineCommit(ctx, timeout); err != nil {
		return observer.MinedBlockEvent{}, err
	}
	ev, err := poll.Until(ctx, poll.Config{
		Timeout:     timeout,
		Interval:    t.blockPollInterval,
		Description: "mined nakamoto block event",
		Recorder:    t.recorder(),
	}, func(context.Context) poll.Result[observer.MinedBlockEvent] {
		ev, ok := t.events.PopMinedBlock()
		if !ok {
			return poll.NotYet[observer.MinedBlockEvent]()
		}
		return poll.Done(ev)
	})
	if err != nil {
		return observer.MinedBlockEvent{}, err
	}
	t.log.Info("nakamoto block mined", "elapsed", time.Since(start), "block_hash", ev.BlockHash, "signer_sighash", ev.SignerSignatureHash)
	return ev, nil
}

// MineBlockWaitOnProcessing mines a burn block, waits for a commit from
// every miner, then waits for the observer to see a new confirmed block.
// An empty miners list means the local node only.
func (t *SignerTest) MineBlockWaitOnProcessing(ctx context.Context, miners []*node.Counters, timeout time.Duration) error {
	before := t.events.Len(observer.KindBlock)
	start := time.Now()
	var err error
	if len(miners) == 0 {
		err = t.chain.NextBlockAndMineCommit(ctx, timeout)
	} else {
		err = t.chain.NextBlockAndWaitForCommits(ctx, timeout, miners)
	}
	if err != nil {
		return err
	}
	err = poll.Wait(ctx, poll.Config{
		Timeout:     timeout,
		Interval:    t.blockPollInterval,
		Description: "nakamoto block processed",
		Recorder:    t.recorder(),
	}, func(context.Context) (bool, error) {
		return t.events.Len(observer.KindBlock) > before, nil
	})
	if err != nil {
		return err
	}
	t.log.Info("nakamoto block processed", "elapsed", time.Since(start))
	return nil
}

// ConfirmedBlock is a confirmed block payload keyed by field name.
type ConfirmedBlock map[string]json.RawMessage

// WaitForConfirmedBlockWithHash finds the confirmed block whose
// signer_signature_hash is sighash. Blocks without the field predate
// nakamoto and are skipped.
func (t *SignerTest) WaitForConfirmedBlockWithHash(ctx context.Context, sighash stacks.Sighash, timeout time.Duration) (ConfirmedBlock, error) {
	return poll.Until(ctx, poll.Config{
		Timeout:     timeout,
		Interval:    confirmPollInterval,
		Description: "confirmation of block with signer sighash " + sighash.String(),
		Label:       "confirmed_block",
		Recorder:    t.recorder(),
	}, func(context.Context) poll.Result[ConfirmedBlock] {
		for _, raw := range t.events.Blocks() {
			var block ConfirmedBlock
			if err := json.Unmarshal(raw, &block); err != nil {
				return poll.Fail[ConfirmedBlock](fmt.Errorf("%w: block event: %v", ErrMalformedData, err))
			}
			field, ok := block["signer_signature_hash"]
			if !ok {
				continue
			}
			var got stacks.Sighash
			if err := json.Unmarshal(field, &got); err != nil {
				return poll.Fail[ConfirmedBlock](fmt.Errorf("%w: signer_signature_hash: %v", ErrMalformedData, err))
			}
			if got == sighash {
				return poll.Done(block)
			}
		}
		return poll.NotYet[ConfirmedBlock]()
	})
}

// WaitForConfirmedBlockV1 returns the aggregate threshold signature of the
// block confirmed under sighash.
func (t *SignerTest) WaitForConfirmedBlockV1(ctx context.Context, sighash stacks.Sighash, timeout time.Duration) (stacks.ThresholdSignature, error) {
	block, err := t.WaitForConfirmedBlockWithHash(ctx, sighash, timeout)
	if err != nil {
		return stacks.ThresholdSignature{}, err
	}
	var hex string
	if err := json.Unmarshal(block["signer_signature"], &hex); err != nil {
		return stacks.ThresholdSignature{}, fmt.Errorf("%w: signer_signature is not a hex string: %v", ErrMalformedData, err)
	}
	sig, err := stacks.DecodeThresholdSignatureHex(hex)
	if err != nil {
		return stacks.ThresholdSignature{}, fmt.Errorf("%w: %v", ErrMalformedData, err)
	}
	return sig, nil
}

// WaitForConfirmedBlockV0 returns the individual signer signatures of the
// block confirmed under sighash.
func (t *SignerTest) WaitForConfirmedBlockV0(ctx context.Context, sighash stacks.Sighash, timeout time.Duration) ([]stacks.MessageSignature, error) {
	block, err := t.WaitForConfirmedBlockWithHash(ctx, sighash, timeout)
	if err != nil {
		return nil, err
	}
	field, ok := block["signer_signature"]
	if !ok {
		return nil, fmt.Errorf("%w: block %s has no signer_signature", ErrMalformedData, sighash)
	}
	var sigs []stacks.MessageSignature
	if err := json.Unmarshal(field, &sigs); err != nil {
		return nil, fmt.Errorf("%w: signer_signature: %v", ErrMalformedData, err)
	}
	return sigs, nil
}

// WaitForValidateOkResponse returns the first Ok proposal response.
func (t *SignerTest) WaitForValidateOkResponse(ctx context.Context, timeout time.Duration) (observer.ProposalResponse, error) {
	return t.waitForProposalResponse(ctx, timeout, "block proposal ok", "proposal_ok", func(r observer.ProposalResponse) bool {
		return r.Result == observer.ValidationOk
	})
}

// WaitForValidateRejectResponse returns the first Reject for sighash.
func (t *SignerTest) WaitForValidateRejectResponse(ctx context.Context, timeout time.Duration, sighash stacks.Sighash) (observer.ProposalResponse, error) {
	return t.waitForProposalResponse(ctx, timeout, "block proposal reject for "+sighash.String(), "proposal_reject", func(r observer.ProposalResponse) bool {
		return r.Result == observer.ValidationReject && r.SignerSignatureHash == sighash
	})
}

func (t *SignerTest) waitForProposalResponse(ctx context.Context, timeout time.Duration, what, label string, match func(observer.ProposalResponse) bool) (observer.ProposalResponse, error) {
	return poll.Until(ctx, poll.Config{
		Timeout:     timeout,
		Interval:    t.blockPollInterval,
		Description: what,
		Label:       label,
		Recorder:    t.recorder(),
	}, func(context.Context) poll.Result[observer.ProposalResponse] {
		for _, r := range t.events.ProposalResponses() {
			if match(r) {
				return poll.Done(r)
			}
		}
		return poll.NotYet[observer.ProposalResponse]()
	})
}

// RunUntilEpoch3Boundary advances the burnchain to one block below the
// epoch 3.0 activation height. Call it after the node has booted.
func (t *SignerTest) RunUntilEpoch3Boundary(ctx context.Context) error {
	boundary, err := t.chain.NodeConfig().Epoch30Boundary()
	if err != nil {
		return err
	}
	if err := t.chain.RunUntilBurnHeight(ctx, boundary); err != nil {
		return err
	}
	t.log.Info("advanced to nakamoto epoch 3.0 boundary, ready to sign blocks", "height", boundary)
	return nil
}

// CurrentRewardCycle maps the node's burn height to its reward cycle.
func (t *SignerTest) CurrentRewardCycle(ctx context.Context) (uint64, error) {
	info, err := t.client.ChainInfo(ctx)
	if err != nil {
		return 0, err
	}
	cycle, err := t.chain.NodeConfig().RewardCycleParams().CycleOf(info.BurnBlockHeight)
	if err != nil {
		return 0, err
	}
	t.log.Info("current reward cycle", "block_height", info.BurnBlockHeight, "reward_cycle", cycle)
	return cycle, nil
}

// BlocksToRewardSetCalculation is the number of burn blocks, counted from the
// bitcoind tip, until the reward set after the node's current cycle is
// calculated.
func (t *SignerTest) BlocksToRewardSetCalculation(ctx context.Context) (uint64, error) {
	cycle, err := t.CurrentRewardCycle(ctx)
	if err != nil {
		return 0, err
	}
	tip, err := t.chain.TipHeight(ctx)
	if err != nil {
		return 0, err
	}
	return t.chain.NodeConfig().RewardCycleParams().BlocksToRewardSetCalculation(tip, cycle), nil
}

// BlocksToRewardCycleBoundary is the number of burn blocks until cycle
// starts, zero once it has.
func (t *SignerTest) BlocksToRewardCycleBoundary(ctx context.Context, cycle uint64) (uint64, error) {
	tip, err := t.chain.TipHeight(ctx)
	if err != nil {
		return 0, err
	}
	return t.chain.NodeConfig().RewardCycleParams().BlocksToRewardCycleBoundary(tip, cycle), nil
}
