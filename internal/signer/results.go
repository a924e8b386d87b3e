package signer

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ResultsVersion tags every line a signer writes to its result channel.
const ResultsVersion = "signer.results.v1"

var ErrMalformedResult = errors.New("signer: malformed result")

// State is the signer run loop state reported by a status check.
type State string

const (
	StateUninitialized       State = "uninitialized"
	StateNoRegisteredSigners State = "no_registered_signers"
	StateRegisteredSigners   State = "registered_signers"
)

type RewardCycleInfo struct {
	RewardCycle               uint64 `json:"reward_cycle"`
	RewardCycleLength         uint64 `json:"reward_cycle_length"`
	PreparePhaseBlockLength   uint64 `json:"prepare_phase_block_length"`
	FirstBurnchainBlockHeight uint64 `json:"first_burnchain_block_height"`
	LastBurnchainBlockHeight  uint64 `json:"last_burnchain_block_height"`
}

type StatusInfo struct {
	State           State            `json:"state"`
	RewardCycleInfo *RewardCycleInfo `json:"reward_cycle_info,omitempty"`
}

type ResultType string

const (
	ResultStatusCheck     ResultType = "status_check"
	ResultOperationResult ResultType = "operation_result"
)

// Result is one entry on the result channel. Operation results are kept
// opaque; the harness only ever expects status checks.
type Result struct {
	Type      ResultType      `json:"type"`
	Status    *StatusInfo     `json:"status,omitempty"`
	Operation json.RawMessage `json:"operation,omitempty"`
}

func StatusResult(info StatusInfo) Result {
	return Result{Type: ResultStatusCheck, Status: &info}
}

type resultsLine struct {
	Version string   `json:"version"`
	Results []Result `json:"results"`
}

// EncodeResults renders one result batch as a single JSON line.
func EncodeResults(results []Result) ([]byte, error) {
	b, err := json.Marshal(resultsLine{Version: ResultsVersion, Results: results})
	if err != nil {
		return nil, fmt.Errorf("signer: marshal results: %w", err)
	}
	return append(b, '\n'), nil
}

// DecodeResults parses one result batch line.
func DecodeResults(line []byte) ([]Result, error) {
	var rl resultsLine
	if err := json.Unmarshal(line, &rl); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResult, err)
	}
	if rl.Version != ResultsVersion {
		return nil, fmt.Errorf("%w: unexpected version %q", ErrMalformedResult, rl.Version)
	}
	for i, r := range rl.Results {
		switch r.Type {
		case ResultStatusCheck:
			if r.Status == nil {
				return nil, fmt.Errorf("%w: result %d: status_check without status", ErrMalformedResult, i)
			}
		case ResultOperationResult:
		default:
			return nil, fmt.Errorf("%w: result %d: unknown type %q", ErrMalformedResult, i, r.Type)
		}
	}
	return rl.Results, nil
}
