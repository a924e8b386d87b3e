package harness

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juno-intents/signer-harness/internal/node"
	"github.com/juno-intents/signer-harness/internal/observer"
	"github.com/juno-intents/signer-harness/internal/signer"
	"github.com/juno-intents/signer-harness/internal/stacks"
	"github.com/juno-intents/signer-harness/internal/stacksrpc"
)

type fakeHandle struct {
	cfg     signer.Config
	results chan []signer.Result

	mu      sync.Mutex
	stopped bool
}

func (h *fakeHandle) Results() <-chan []signer.Result { return h.results }

func (h *fakeHandle) Stop() ([]signer.Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	var left []signer.Result
	for {
		select {
		case batch := <-h.results:
			left = append(left, batch...)
		default:
			return left, nil
		}
	}
}

func (h *fakeHandle) isStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

type fakeSpawner struct {
	mu      sync.Mutex
	handles []*fakeHandle
	failAt  int
}

func (s *fakeSpawner) Spawn(_ context.Context, cfg signer.Config) (signer.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt > 0 && len(s.handles)+1 == s.failAt {
		return nil, errors.New("spawn refused")
	}
	h := &fakeHandle{cfg: cfg, results: make(chan []signer.Result, 16)}
	s.handles = append(s.handles, h)
	return h, nil
}

// byEndpoint returns the most recent handle for endpoint.
func (s *fakeSpawner) byEndpoint(ep string) *fakeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.handles) - 1; i >= 0; i-- {
		if s.handles[i].cfg.Endpoint == ep {
			return s.handles[i]
		}
	}
	return nil
}

// fakeSignerClient answers status requests by queueing respond's batch on
// the signer's result channel. A nil batch means no answer.
type fakeSignerClient struct {
	spawner *fakeSpawner
	respond func(endpoint string, round int) []signer.Result
	failAll bool
	metrics string

	mu       sync.Mutex
	requests map[string]int
}

func (c *fakeSignerClient) RequestStatus(_ context.Context, endpoint string) error {
	if c.failAll {
		return signer.ErrStatusRequest
	}
	c.mu.Lock()
	if c.requests == nil {
		c.requests = make(map[string]int)
	}
	c.requests[endpoint]++
	round := c.requests[endpoint]
	c.mu.Unlock()
	if c.respond == nil {
		return nil
	}
	if batch := c.respond(endpoint, round); batch != nil {
		c.spawner.byEndpoint(endpoint).results <- batch
	}
	return nil
}

func (c *fakeSignerClient) FetchMetrics(_ context.Context, endpoint string) (string, error) {
	if endpoint == "" {
		return "", errors.New("no endpoint")
	}
	return c.metrics, nil
}

func (c *fakeSignerClient) count(endpoint string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[endpoint]
}

type fakeChain struct {
	cfg    node.Config
	events *observer.Log

	mu        sync.Mutex
	tip       uint64
	commits   int
	onCommit  func()
	runTarget uint64
	stops     int
	commitErr error
}

func (c *fakeChain) NodeConfig() node.Config { return c.cfg }

func (c *fakeChain) TipHeight(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tip, nil
}

func (c *fakeChain) NextBlockAndMineCommit(context.Context, time.Duration) error {
	c.mu.Lock()
	c.tip++
	c.commits++
	onCommit, err := c.onCommit, c.commitErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if onCommit != nil {
		onCommit()
	}
	return nil
}

func (c *fakeChain) NextBlockAndWaitForCommits(ctx context.Context, timeout time.Duration, miners []*node.Counters) error {
	return c.NextBlockAndMineCommit(ctx, timeout)
}

func (c *fakeChain) RunUntilBurnHeight(_ context.Context, height uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runTarget = height
	if c.tip < height {
		c.tip = height
	}
	return nil
}

func (c *fakeChain) Stop(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	return nil
}

type fakeNodeClient struct {
	info    stacksrpc.ChainInfo
	slots   map[uint32][]stacksrpc.SignerSlot
	entries []stacksrpc.SignerEntry
}

func (f *fakeNodeClient) ChainInfo(context.Context) (stacksrpc.ChainInfo, error) {
	return f.info, nil
}

func (f *fakeNodeClient) StackerDBSignerSlots(_ context.Context, _ stacks.ContractID, page uint32) ([]stacksrpc.SignerSlot, error) {
	return f.slots[page], nil
}

func (f *fakeNodeClient) RewardSetSigners(context.Context, uint64) ([]stacksrpc.SignerEntry, error) {
	return f.entries, nil
}

type fixture struct {
	test    *SignerTest
	spawner *fakeSpawner
	client  *fakeSignerClient
	chain   *fakeChain
	node    *fakeNodeClient
	keys    []*ecdsa.PrivateKey
	boot    node.BootConfig
}

func newFixture(t *testing.T, n int, mutate ...func(*Options)) *fixture {
	t.Helper()

	keys, err := stacks.GenerateKeys(n)
	if err != nil {
		t.Fatalf("GenerateKeys: %v", err)
	}
	minerKey, err := stacks.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	nodeCfg, err := node.DefaultConfig(t.TempDir(), minerKey)
	if err != nil {
		t.Fatalf("DefaultConfig: %v", err)
	}

	f := &fixture{spawner: &fakeSpawner{}, node: &fakeNodeClient{}, keys: keys}
	f.client = &fakeSignerClient{spawner: f.spawner}
	events := observer.NewLog()
	opts := Options{
		Keys:         keys,
		NodeConfig:   &nodeCfg,
		RunStamp:     "4242",
		Spawner:      f.spawner,
		SignerClient: f.client,
		NodeClient:   f.node,
		ObserverLog:  events,
		BootFunc: func(_ context.Context, bc node.BootConfig) (Chain, error) {
			f.boot = bc
			f.chain = &fakeChain{cfg: bc.Config, events: events}
			return f.chain, nil
		},
		StatusSettle:      time.Millisecond,
		BlockPollInterval: 5 * time.Millisecond,
	}
	for _, m := range mutate {
		m(&opts)
	}
	f.test, err = New(context.Background(), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func status(state signer.State, cycle uint64) []signer.Result {
	return []signer.Result{signer.StatusResult(signer.StatusInfo{
		State:           state,
		RewardCycleInfo: &signer.RewardCycleInfo{RewardCycle: cycle, RewardCycleLength: 20, PreparePhaseBlockLength: 5},
	})}
}
