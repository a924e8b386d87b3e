// Package observer receives event-observer callbacks from a stacks-node and
// keeps them in an explicitly owned, append-only log the harness polls.
package observer

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/juno-intents/signer-harness/internal/stacks"
)

var ErrMalformedEvent = errors.New("observer: malformed event")

// Kind names an event feed. The values double as the node callback paths.
type Kind string

const (
	KindBlock            Kind = "new_block"
	KindBurnBlock        Kind = "new_burn_block"
	KindMinedBlock       Kind = "mined_nakamoto_block"
	KindProposalResponse Kind = "proposal_response"
	KindStackerDBChunks  Kind = "stackerdb_chunks"
)

func Kinds() []Kind {
	return []Kind{KindBlock, KindBurnBlock, KindMinedBlock, KindProposalResponse, KindStackerDBChunks}
}

// Event is one accepted callback, as handed to sinks and hooks.
type Event struct {
	Kind       Kind
	Payload    json.RawMessage
	ReceivedAt time.Time
}

type MinedBlockEvent struct {
	TargetBurnHeight    uint64          `json:"target_burn_height"`
	BlockHash           string          `json:"block_hash"`
	BlockID             string          `json:"block_id"`
	StacksHeight        uint64          `json:"stacks_height"`
	BlockSize           uint64          `json:"block_size"`
	SignerSignatureHash stacks.Sighash  `json:"signer_signature_hash"`
	TxEvents            json.RawMessage `json:"tx_events,omitempty"`
}

type BurnBlockEvent struct {
	BurnBlockHash   string `json:"burn_block_hash"`
	BurnBlockHeight uint64 `json:"burn_block_height"`
}

type ValidationResult string

const (
	ValidationOk     ValidationResult = "Ok"
	ValidationReject ValidationResult = "Reject"
)

// ProposalResponse is a block proposal validation outcome, tagged by Result.
type ProposalResponse struct {
	Result              ValidationResult `json:"result"`
	SignerSignatureHash stacks.Sighash   `json:"signer_signature_hash"`
	Reason              string           `json:"reason,omitempty"`
	ReasonCode          json.RawMessage  `json:"reason_code,omitempty"`
	Size                uint64           `json:"size,omitempty"`
}

type ModifiedSlot struct {
	SlotID      uint32 `json:"slot_id"`
	SlotVersion uint32 `json:"slot_version"`
	Data        string `json:"data"`
	Sig         string `json:"sig"`
}

type StackerDBChunksEvent struct {
	ContractID    json.RawMessage `json:"contract_id"`
	ModifiedSlots []ModifiedSlot  `json:"modified_slots"`
}

func decodeMinedBlock(b []byte) (MinedBlockEvent, error) {
	var ev MinedBlockEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return MinedBlockEvent{}, fmt.Errorf("%w: mined block: %v", ErrMalformedEvent, err)
	}
	return ev, nil
}

func decodeBurnBlock(b []byte) (BurnBlockEvent, error) {
	var ev BurnBlockEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return BurnBlockEvent{}, fmt.Errorf("%w: burn block: %v", ErrMalformedEvent, err)
	}
	return ev, nil
}

func decodeProposalResponse(b []byte) (ProposalResponse, error) {
	var ev ProposalResponse
	if err := json.Unmarshal(b, &ev); err != nil {
		return ProposalResponse{}, fmt.Errorf("%w: proposal response: %v", ErrMalformedEvent, err)
	}
	switch ev.Result {
	case ValidationOk, ValidationReject:
	default:
		return ProposalResponse{}, fmt.Errorf("%w: proposal response: unknown result %q", ErrMalformedEvent, ev.Result)
	}
	return ev, nil
}

func decodeStackerDBChunks(b []byte) (StackerDBChunksEvent, error) {
	var ev StackerDBChunksEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return StackerDBChunksEvent{}, fmt.Errorf("%w: stackerdb chunks: %v", ErrMalformedEvent, err)
	}
	return ev, nil
}

func decodeBlock(b []byte) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil {
		return nil, fmt.Errorf("%w: block: %v", ErrMalformedEvent, err)
	}
	return append(json.RawMessage(nil), b...), nil
}

// MinedBlock decodes a KindMinedBlock payload.
func (ev Event) MinedBlock() (MinedBlockEvent, error) {
	if ev.Kind != KindMinedBlock {
		return MinedBlockEvent{}, fmt.Errorf("%w: %s is not a mined block", ErrMalformedEvent, ev.Kind)
	}
	return decodeMinedBlock(ev.Payload)
}

func (ev Event) BurnBlock() (BurnBlockEvent, error) {
	if ev.Kind != KindBurnBlock {
		return BurnBlockEvent{}, fmt.Errorf("%w: %s is not a burn block", ErrMalformedEvent, ev.Kind)
	}
	return decodeBurnBlock(ev.Payload)
}

func (ev Event) ProposalResponse() (ProposalResponse, error) {
	if ev.Kind != KindProposalResponse {
		return ProposalResponse{}, fmt.Errorf("%w: %s is not a proposal response", ErrMalformedEvent, ev.Kind)
	}
	return decodeProposalResponse(ev.Payload)
}

// BlockSummary is the subset of a confirmed block payload the harness keys
// on. SignerSignatureHash is empty for pre-nakamoto blocks.
type BlockSummary struct {
	BlockHash           string `json:"block_hash"`
	BlockHeight         uint64 `json:"block_height"`
	SignerSignatureHash string `json:"signer_signature_hash,omitempty"`
}

func (ev Event) Block() (BlockSummary, error) {
	if ev.Kind != KindBlock {
		return BlockSummary{}, fmt.Errorf("%w: %s is not a block", ErrMalformedEvent, ev.Kind)
	}
	var b BlockSummary
	if err := json.Unmarshal(ev.Payload, &b); err != nil {
		return BlockSummary{}, fmt.Errorf("%w: block: %v", ErrMalformedEvent, err)
	}
	return b, nil
}
