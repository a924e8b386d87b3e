package stacksrpc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/juno-intents/signer-harness/internal/clarity"
	"github.com/juno-intents/signer-harness/internal/rewardcycle"
	"github.com/juno-intents/signer-harness/internal/stacks"
)

const signerSlotsPageFunction = "stackerdb-get-signer-slots-page"

type ChainInfo struct {
	BurnBlockHeight        uint64 `json:"burn_block_height"`
	StacksTipHeight        uint64 `json:"stacks_tip_height"`
	StacksTip              string `json:"stacks_tip"`
	StacksTipConsensusHash string `json:"stacks_tip_consensus_hash"`
	ServerVersion          string `json:"server_version"`
	NetworkID              uint32 `json:"network_id"`
}

type PoxInfo struct {
	FirstBurnchainBlockHeight   uint64 `json:"first_burnchain_block_height"`
	CurrentBurnchainBlockHeight uint64 `json:"current_burnchain_block_height"`
	RewardCycleLength           uint64 `json:"reward_cycle_length"`
	PreparePhaseBlockLength     uint64 `json:"prepare_phase_block_length"`
	RewardCycleID               uint64 `json:"reward_cycle_id"`
}

func (p PoxInfo) Params() rewardcycle.Params {
	return rewardcycle.Params{
		FirstBurnHeight:    p.FirstBurnchainBlockHeight,
		RewardCycleLength:  p.RewardCycleLength,
		PreparePhaseLength: p.PreparePhaseBlockLength,
	}
}

// SignerSlot is one registered signer in a stackerdb slot page.
type SignerSlot struct {
	Address  stacks.Address
	NumSlots uint64
}

// SignerEntry is one reward-set signer as published by the node.
type SignerEntry struct {
	SigningKey    []byte
	Weight        uint32
	StackedAmount uint64
}

func (c *Client) ChainInfo(ctx context.Context) (ChainInfo, error) {
	var out ChainInfo
	if err := c.do(ctx, "chain info", http.MethodGet, "/v2/info", nil, &out); err != nil {
		return ChainInfo{}, err
	}
	return out, nil
}

func (c *Client) PoxInfo(ctx context.Context) (PoxInfo, error) {
	var out PoxInfo
	if err := c.do(ctx, "pox info", http.MethodGet, "/v2/pox", nil, &out); err != nil {
		return PoxInfo{}, err
	}
	return out, nil
}

type readOnlyRequest struct {
	Sender    string   `json:"sender"`
	Arguments []string `json:"arguments"`
}

type readOnlyResponse struct {
	Okay   bool   `json:"okay"`
	Result string `json:"result"`
	Cause  string `json:"cause"`
}

// CallReadOnly evaluates a read-only contract function and decodes its result.
func (c *Client) CallReadOnly(ctx context.Context, contract stacks.ContractID, function string, args ...clarity.Value) (clarity.Value, error) {
	sender := stacks.BootAddress(c.mainnet)
	if c.hasSigner {
		sender = c.signer
	}
	req := readOnlyRequest{Sender: sender.String(), Arguments: make([]string, 0, len(args))}
	for _, a := range args {
		req.Arguments = append(req.Arguments, clarity.SerializeHex(a))
	}
	path := fmt.Sprintf("/v2/contracts/call-read/%s/%s/%s", contract.Issuer, url.PathEscape(contract.Name), url.PathEscape(function))

	var resp readOnlyResponse
	op := "call-read " + function
	if err := c.do(ctx, op, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	if !resp.Okay {
		return nil, &ClientError{Op: op, Err: fmt.Errorf("call failed: %s", resp.Cause)}
	}
	v, err := clarity.DecodeHex(resp.Result)
	if err != nil {
		return nil, &ClientError{Op: op, Err: err}
	}
	return v, nil
}

// StackerDBSignerSlots reads one page of the signers contract's slot table,
// in registration order.
func (c *Client) StackerDBSignerSlots(ctx context.Context, contract stacks.ContractID, page uint32) ([]SignerSlot, error) {
	v, err := c.CallReadOnly(ctx, contract, signerSlotsPageFunction, clarity.NewUInt(uint64(page)))
	if err != nil {
		return nil, err
	}
	slots, err := decodeSignerSlots(v)
	if err != nil {
		return nil, &ClientError{Op: "call-read " + signerSlotsPageFunction, Err: err}
	}
	return slots, nil
}

func decodeSignerSlots(v clarity.Value) ([]SignerSlot, error) {
	inner, err := clarity.ExpectResultOk(v)
	if err != nil {
		return nil, err
	}
	list, err := clarity.ExpectList(inner)
	if err != nil {
		return nil, err
	}
	out := make([]SignerSlot, 0, len(list))
	for i, item := range list {
		tuple, err := clarity.ExpectTuple(item)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		sv, err := tuple.Field("signer")
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		addr, err := clarity.ExpectPrincipal(sv)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		nv, err := tuple.Field("num-slots")
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		n, err := clarity.ExpectUInt(nv)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		out = append(out, SignerSlot{Address: addr, NumSlots: n})
	}
	return out, nil
}

type stackerSetResponse struct {
	StackerSet struct {
		Signers *[]struct {
			SigningKey    string `json:"signing_key"`
			Weight        uint32 `json:"weight"`
			StackedAmount uint64 `json:"stacked_amt"`
		} `json:"signers"`
	} `json:"stacker_set"`
}

// RewardSetSigners returns the signers of a cycle's reward set. A cycle whose
// reward set has no signers returns ErrNoRewardSet.
func (c *Client) RewardSetSigners(ctx context.Context, cycle uint64) ([]SignerEntry, error) {
	var resp stackerSetResponse
	if err := c.do(ctx, "stacker set", http.MethodGet, fmt.Sprintf("/v3/stacker_set/%d", cycle), nil, &resp); err != nil {
		return nil, err
	}
	if resp.StackerSet.Signers == nil {
		return nil, fmt.Errorf("%w: cycle %d", ErrNoRewardSet, cycle)
	}
	entries := *resp.StackerSet.Signers
	out := make([]SignerEntry, 0, len(entries))
	for i, e := range entries {
		// The node may omit the 0x prefix.
		key, err := hexutil.Decode("0x" + strings.TrimPrefix(e.SigningKey, "0x"))
		if err != nil {
			return nil, &ClientError{Op: "stacker set", Err: fmt.Errorf("signer %d signing key: %w", i, err)}
		}
		if len(key) != 33 {
			return nil, &ClientError{Op: "stacker set", Err: fmt.Errorf("signer %d signing key: expected 33 bytes, got %d", i, len(key))}
		}
		out = append(out, SignerEntry{SigningKey: key, Weight: e.Weight, StackedAmount: e.StackedAmount})
	}
	return out, nil
}

// IsClientError reports whether err is a recoverable node client failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrClient)
}
