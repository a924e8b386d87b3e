package harness

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/juno-intents/signer-harness/internal/poll"
	"github.com/juno-intents/signer-harness/internal/signer"
)

// SendStatusRequest asks every signer not in exclude to publish a status
// check. Any failed request is fatal.
func (t *SignerTest) SendStatusRequest(ctx context.Context, exclude map[int]bool) error {
	for ix, s := range t.signers {
		if exclude[ix] {
			continue
		}
		t.log.Debug("issue status request", "signer", ix, "endpoint", s.config.Endpoint)
		if err := t.signerClient.RequestStatus(ctx, s.config.Endpoint); err != nil {
			return fmt.Errorf("harness: signer %d: %w", ix, err)
		}
	}
	return nil
}

// States drains every status result each signer has buffered, without
// blocking. Entry ix is nil when signer ix is excluded or has nothing
// buffered. More than one result from a signer in a round, or an operation
// result, is ErrProtocolViolation.
func (t *SignerTest) States(exclude map[int]bool) ([]*signer.StatusInfo, error) {
	out := make([]*signer.StatusInfo, len(t.signers))
	for ix, s := range t.signers {
		if exclude[ix] {
			continue
		}
		results := drainResults(s.handle.Results())
		if len(results) == 0 {
			t.log.Debug("no state from signer", "signer", ix)
			continue
		}
		if len(results) > 1 {
			return nil, fmt.Errorf("%w: signer %d delivered %d results in one round, expected at most one", ErrProtocolViolation, ix, len(results))
		}
		switch r := results[0]; r.Type {
		case signer.ResultStatusCheck:
			out[ix] = r.Status
		default:
			return nil, fmt.Errorf("%w: signer %d returned %s, expected a status check", ErrProtocolViolation, ix, r.Type)
		}
	}
	return out, nil
}

// drainResults concatenates every batch ready on ch.
func drainResults(ch <-chan []signer.Result) []signer.Result {
	var out []signer.Result
	for {
		select {
		case batch, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, batch...)
		default:
			return out
		}
	}
}

// WaitForRegistered blocks until every signer reports registered signers.
func (t *SignerTest) WaitForRegistered(ctx context.Context, timeout time.Duration) error {
	return t.waitForSigners(ctx, timeout, "signers registered", "signers_registered", func(ix int, st *signer.StatusInfo) bool {
		if st.State == signer.StateRegisteredSigners {
			return true
		}
		t.log.Warn("signer not registered yet", "signer", ix, "state", st.State)
		return false
	})
}

// WaitForCycle blocks until every signer reports cycle as its current reward
// cycle.
func (t *SignerTest) WaitForCycle(ctx context.Context, timeout time.Duration, cycle uint64) error {
	return t.waitForSigners(ctx, timeout, fmt.Sprintf("signers in reward cycle %d", cycle), "signers_in_cycle", func(ix int, st *signer.StatusInfo) bool {
		if st.RewardCycleInfo == nil {
			return false
		}
		if st.RewardCycleInfo.RewardCycle == cycle {
			return true
		}
		t.log.Warn("signer in other reward cycle", "signer", ix, "state", st.State, "reward_cycle", st.RewardCycleInfo.RewardCycle, "want", cycle)
		return false
	})
}

// waitForSigners polls status until converged(ix, status) has held for every
// signer. A signer that converged is not asked again.
func (t *SignerTest) waitForSigners(ctx context.Context, timeout time.Duration, what, label string, converged func(int, *signer.StatusInfo) bool) error {
	finished := make(map[int]bool, len(t.signers))
	_, err := poll.Until(ctx, poll.Config{
		Timeout:     timeout,
		Description: what,
		Label:       label,
		Recorder:    t.recorder(),
	}, func(ctx context.Context) poll.Result[struct{}] {
		if err := t.SendStatusRequest(ctx, finished); err != nil {
			return poll.Fail[struct{}](err)
		}
		if err := sleep(ctx, t.statusSettle); err != nil {
			return poll.Fail[struct{}](err)
		}
		states, err := t.States(finished)
		if err != nil {
			return poll.Fail[struct{}](err)
		}
		for ix, st := range states {
			if st != nil && converged(ix, st) {
				finished[ix] = true
			}
		}
		t.log.Info("finished signers", "what", what, "signers", sortedKeys(finished), "total", len(t.signers))
		if len(finished) < len(t.signers) {
			return poll.NotYet[struct{}]()
		}
		return poll.Done(struct{}{})
	})
	return err
}

// recorder keeps a nil *metrics.Metrics from becoming a non-nil interface.
func (t *SignerTest) recorder() poll.Recorder {
	if t.metrics == nil {
		return nil
	}
	return t.metrics
}

func sortedKeys(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
