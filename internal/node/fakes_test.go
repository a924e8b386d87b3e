package node

import (
	"context"
	"errors"
	"sync"

	"github.com/juno-intents/signer-harness/internal/btcrpc"
)

type fakeRPC struct {
	mu        sync.Mutex
	height    uint64
	generated map[string]uint64
	mempool   []string
	txs       map[string]btcrpc.RawTransaction
	wallets   []string
	stopped   bool
	onMine    func(n uint64)
	notReady  int
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{generated: make(map[string]uint64), txs: make(map[string]btcrpc.RawTransaction)}
}

func (f *fakeRPC) GetBlockCount(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notReady > 0 {
		f.notReady--
		return 0, &btcrpc.RPCError{Code: -28, Message: "Loading block index..."}
	}
	return f.height, nil
}

func (f *fakeRPC) GenerateToDescriptor(_ context.Context, n uint64, desc string) ([]string, error) {
	f.mu.Lock()
	f.height += n
	f.generated[desc] += n
	onMine := f.onMine
	f.mu.Unlock()
	if onMine != nil {
		onMine(n)
	}
	return make([]string, n), nil
}

func (f *fakeRPC) CreateWallet(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wallets = append(f.wallets, name)
	return nil
}

func (f *fakeRPC) GetRawMempool(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.mempool...), nil
}

func (f *fakeRPC) GetRawTransactionVerbose(_ context.Context, txid string) (btcrpc.RawTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[txid]
	if !ok {
		return btcrpc.RawTransaction{}, btcrpc.ErrTxNotFound
	}
	return tx, nil
}

func (f *fakeRPC) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeRPC) addTx(txid string, scripts ...[]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx := btcrpc.RawTransaction{TxID: txid}
	for i, s := range scripts {
		tx.Vout = append(tx.Vout, btcrpc.TxOut{N: uint32(i), ScriptPubKey: s})
	}
	f.txs[txid] = tx
	f.mempool = append(f.mempool, txid)
}

type fakeProcess struct {
	exited chan struct{}
	once   sync.Once
	err    error

	mu    sync.Mutex
	stops int
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{exited: make(chan struct{})}
}

func (p *fakeProcess) Exited() <-chan struct{} { return p.exited }
func (p *fakeProcess) Err() error              { return p.err }

func (p *fakeProcess) Stop() error {
	p.mu.Lock()
	p.stops++
	p.mu.Unlock()
	p.exit(nil)
	return nil
}

func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.exited)
	})
}

type fakeLauncher struct {
	mu     sync.Mutex
	specs  []ProcessSpec
	procs  map[string]*fakeProcess
	failOn string
}

func (l *fakeLauncher) Launch(_ context.Context, spec ProcessSpec) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if spec.Name == l.failOn {
		return nil, errors.New("launch refused")
	}
	if l.procs == nil {
		l.procs = make(map[string]*fakeProcess)
	}
	p := newFakeProcess()
	l.specs = append(l.specs, spec)
	l.procs[spec.Name] = p
	return p, nil
}

func (l *fakeLauncher) proc(name string) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[name]
}

// fakeBurnchain simulates a node that processes each mined block and,
// optionally, submits a commit for it.
type fakeBurnchain struct {
	mu       sync.Mutex
	height   uint64
	counters *Counters
	process  bool
	commit   bool
}

func (b *fakeBurnchain) TipHeight(context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.height, nil
}

func (b *fakeBurnchain) MineBlocks(_ context.Context, n uint64) error {
	b.mu.Lock()
	b.height += n
	process, commit := b.process, b.commit
	b.mu.Unlock()
	go func() {
		if process {
			b.counters.BlocksProcessed.Add(n)
		}
		if commit {
			b.counters.CommitsSubmitted.Add(n)
		}
	}()
	return nil
}
