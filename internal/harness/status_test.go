package harness

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/juno-intents/signer-harness/internal/poll"
	"github.com/juno-intents/signer-harness/internal/signer"
)

func TestWaitForRegistered_AllSignersMustConverge(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3)
	f.client.respond = func(ep string, round int) []signer.Result {
		// The middle signer starts uninitialized, and stays silent on its
		// second request.
		if ep == "localhost:3001" {
			switch round {
			case 1:
				return status(signer.StateUninitialized, 0)
			case 2:
				return nil
			}
		}
		return status(signer.StateRegisteredSigners, 1)
	}

	if err := f.test.WaitForRegistered(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("WaitForRegistered: %v", err)
	}
	if got := f.client.count("localhost:3000"); got != 1 {
		t.Fatalf("converged signer re-polled: got %d requests want 1", got)
	}
	if got := f.client.count("localhost:3001"); got != 3 {
		t.Fatalf("pending signer requests: got %d want 3", got)
	}
}

func TestWaitForRegistered_TimesOutOnStuckSigner(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)
	f.client.respond = func(ep string, _ int) []signer.Result {
		if ep == "localhost:3001" {
			return status(signer.StateNoRegisteredSigners, 0)
		}
		return status(signer.StateRegisteredSigners, 0)
	}
	err := f.test.WaitForRegistered(context.Background(), 50*time.Millisecond)
	if !errors.Is(err, poll.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	var te *poll.TimeoutError
	if !errors.As(err, &te) || te.What != "signers registered" {
		t.Fatalf("timeout description: got %v", err)
	}
}

func TestWaitForCycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)
	f.client.respond = func(ep string, round int) []signer.Result {
		if round == 1 {
			// No reward cycle info yet.
			return []signer.Result{signer.StatusResult(signer.StatusInfo{State: signer.StateUninitialized})}
		}
		if ep == "localhost:3000" && round == 2 {
			return status(signer.StateRegisteredSigners, 5)
		}
		return status(signer.StateRegisteredSigners, 6)
	}
	if err := f.test.WaitForCycle(context.Background(), 5*time.Second, 6); err != nil {
		t.Fatalf("WaitForCycle: %v", err)
	}
	if got := f.client.count("localhost:3000"); got != 3 {
		t.Fatalf("signer 0 requests: got %d want 3", got)
	}
}

func TestStates_MultipleBufferedResultsAreAViolation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)
	two := append(status(signer.StateRegisteredSigners, 1), status(signer.StateRegisteredSigners, 1)...)
	f.spawner.handles[1].results <- two

	_, err := f.test.States(nil)
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}

	// The same violation aborts a wait immediately rather than timing out.
	f.spawner.handles[1].results <- two
	start := time.Now()
	err = f.test.WaitForRegistered(context.Background(), time.Minute)
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("WaitForRegistered: expected ErrProtocolViolation, got %v", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatalf("violation did not short-circuit the wait")
	}
}

func TestStates_SeparatelyQueuedBatchesAreAViolation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)
	f.spawner.handles[1].results <- status(signer.StateRegisteredSigners, 1)
	f.spawner.handles[1].results <- status(signer.StateRegisteredSigners, 1)

	_, err := f.test.States(nil)
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("States: got %v want ErrProtocolViolation", err)
	}
	if got := len(f.spawner.handles[1].results); got != 0 {
		t.Fatalf("buffered batches after States: got %d want 0", got)
	}
	if err := f.test.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: got %v want nil", err)
	}
}

func TestWaitForRegistered_LateReplyAlongsideFreshOne(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)
	f.client.respond = func(ep string, round int) []signer.Result {
		if ep != "localhost:3001" {
			return status(signer.StateRegisteredSigners, 1)
		}
		switch round {
		case 1:
			return nil
		default:
			// The reply to round 1 shows up together with the reply to round 2.
			f.spawner.byEndpoint(ep).results <- status(signer.StateNoRegisteredSigners, 1)
			return status(signer.StateRegisteredSigners, 1)
		}
	}
	err := f.test.WaitForRegistered(context.Background(), 5*time.Second)
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("WaitForRegistered: got %v want ErrProtocolViolation", err)
	}
}

func TestStates_OperationResultIsAViolation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	f.spawner.handles[0].results <- []signer.Result{{Type: signer.ResultOperationResult, Operation: json.RawMessage(`{}`)}}
	if _, err := f.test.States(nil); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
}

func TestStates_NonBlockingAndExcluded(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3)
	f.spawner.handles[0].results <- status(signer.StateRegisteredSigners, 2)
	f.spawner.handles[2].results <- status(signer.StateRegisteredSigners, 2)

	states, err := f.test.States(map[int]bool{2: true})
	if err != nil {
		t.Fatalf("States: %v", err)
	}
	if states[0] == nil || states[0].State != signer.StateRegisteredSigners {
		t.Fatalf("signer 0: got %+v", states[0])
	}
	if states[1] != nil || states[2] != nil {
		t.Fatalf("expected no state for silent and excluded signers, got %+v %+v", states[1], states[2])
	}
	// The excluded signer's result stays buffered.
	if got := len(f.spawner.handles[2].results); got != 1 {
		t.Fatalf("excluded signer buffer: got %d want 1", got)
	}
}

func TestSendStatusRequest_FailureIsFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	f.client.failAll = true
	if err := f.test.SendStatusRequest(context.Background(), nil); !errors.Is(err, signer.ErrStatusRequest) {
		t.Fatalf("expected ErrStatusRequest, got %v", err)
	}
	if err := f.test.WaitForRegistered(context.Background(), time.Minute); !errors.Is(err, signer.ErrStatusRequest) {
		t.Fatalf("WaitForRegistered: expected ErrStatusRequest, got %v", err)
	}
}
