package observer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juno-intents/signer-harness/internal/stacks"
)

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHandler_RecordsFeeds(t *testing.T) {
	t.Parallel()

	log := NewLog()
	var hooked []Kind
	h := mustHandler(t, log, Config{Hooks: []Hook{func(ev Event) { hooked = append(hooked, ev.Kind) }}})

	sighash := stacks.BlockSighash([]byte("b1"))
	cases := []struct {
		path string
		body string
	}{
		{path: "/new_block", body: `{"block_height":5,"signer_signature_hash":"` + sighash.Hex() + `"}`},
		{path: "/new_burn_block", body: `{"burn_block_hash":"0xaa","burn_block_height":232}`},
		{path: "/mined_nakamoto_block", body: `{"target_burn_height":232,"block_hash":"bb","stacks_height":5,"signer_signature_hash":"` + sighash.String() + `"}`},
		{path: "/proposal_response", body: `{"result":"Reject","signer_signature_hash":"` + sighash.String() + `","reason":"bad","reason_code":"ChainstateError"}`},
		{path: "/stackerdb_chunks", body: `{"contract_id":{"name":"signers-0-1"},"modified_slots":[{"slot_id":2,"slot_version":1,"data":"00","sig":"00"}]}`},
		{path: "/new_mempool_tx", body: `["deadbeef"]`},
	}
	for _, tc := range cases {
		if rr := post(t, h, tc.path, tc.body); rr.Code != http.StatusOK {
			t.Fatalf("%s: status %d body %s", tc.path, rr.Code, rr.Body.String())
		}
	}

	if got := len(log.Blocks()); got != 1 {
		t.Fatalf("blocks: got %d want 1", got)
	}
	if got := log.BurnBlocks(); len(got) != 1 || got[0].BurnBlockHeight != 232 {
		t.Fatalf("burn blocks: got %+v", got)
	}
	mined := log.MinedBlocks()
	if len(mined) != 1 || mined[0].SignerSignatureHash != sighash {
		t.Fatalf("mined: got %+v", mined)
	}
	props := log.ProposalResponses()
	if len(props) != 1 || props[0].Result != ValidationReject || props[0].SignerSignatureHash != sighash {
		t.Fatalf("proposals: got %+v", props)
	}
	if chunks := log.StackerDBChunks(); len(chunks) != 1 || chunks[0].ModifiedSlots[0].SlotID != 2 {
		t.Fatalf("chunks: got %+v", chunks)
	}
	if len(hooked) != 5 {
		t.Fatalf("hooks: got %v want 5 tracked kinds", hooked)
	}
}

func TestHandler_RejectsMalformedAndOversized(t *testing.T) {
	t.Parallel()

	log := NewLog()
	h := mustHandler(t, log, Config{MaxBodyBytes: 64})

	if rr := post(t, h, "/proposal_response", `{"result":"Maybe"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown result: got %d want 400", rr.Code)
	}
	if rr := post(t, h, "/new_block", `[1,2]`); rr.Code != http.StatusBadRequest {
		t.Fatalf("non-object block: got %d want 400", rr.Code)
	}
	big := `{"pad":"` + strings.Repeat("x", 128) + `"}`
	if rr := post(t, h, "/new_block", big); rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized: got %d want 413", rr.Code)
	}
	if n := log.Len(KindBlock) + log.Len(KindProposalResponse); n != 0 {
		t.Fatalf("rejected events were logged: %d", n)
	}
}

func TestHandler_SinkFailureStillAcknowledges(t *testing.T) {
	t.Parallel()

	var got []Event
	sink := MultiSink{
		SinkFunc(func(_ context.Context, ev Event) error { got = append(got, ev); return nil }),
		SinkFunc(func(context.Context, Event) error { return errors.New("archive down") }),
	}
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	h := mustHandler(t, NewLog(), Config{Sink: sink, Now: func() time.Time { return fixed }})

	if rr := post(t, h, "/new_burn_block", `{"burn_block_height":1}`); rr.Code != http.StatusOK {
		t.Fatalf("status: got %d want 200", rr.Code)
	}
	if len(got) != 1 || got[0].Kind != KindBurnBlock || !got[0].ReceivedAt.Equal(fixed) {
		t.Fatalf("sink events: got %+v", got)
	}
}

func TestLog_PopMinedBlockIsOldestFirst(t *testing.T) {
	t.Parallel()

	log := NewLog()
	for i := 1; i <= 3; i++ {
		log.AppendMinedBlock(MinedBlockEvent{StacksHeight: uint64(i)})
	}
	for want := uint64(1); want <= 3; want++ {
		ev, ok := log.PopMinedBlock()
		if !ok || ev.StacksHeight != want {
			t.Fatalf("pop: got %+v %v want height %d", ev, ok, want)
		}
	}
	if _, ok := log.PopMinedBlock(); ok {
		t.Fatalf("pop on empty log returned an event")
	}
}

func TestLog_AccessorsReturnCopies(t *testing.T) {
	t.Parallel()

	log := NewLog()
	log.AppendProposalResponse(ProposalResponse{Result: ValidationOk})
	props := log.ProposalResponses()
	props[0].Result = ValidationReject
	if log.ProposalResponses()[0].Result != ValidationOk {
		t.Fatalf("accessor exposed internal slice")
	}
	log.Clear()
	if log.Len(KindProposalResponse) != 0 {
		t.Fatalf("Clear left events behind")
	}
}

func TestLog_ConcurrentAppends(t *testing.T) {
	t.Parallel()

	log := NewLog()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = log.Record(KindBurnBlock, []byte(fmt.Sprintf(`{"burn_block_height":%d}`, i*100+j)))
				_ = log.BurnBlocks()
			}
		}(i)
	}
	wg.Wait()
	if got := log.Len(KindBurnBlock); got != 400 {
		t.Fatalf("burn blocks: got %d want 400", got)
	}
}

func TestServer_ListenAndShutdown(t *testing.T) {
	t.Parallel()

	log := NewLog()
	srv, err := Listen("127.0.0.1:0", mustHandler(t, log, Config{}), nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if !strings.HasPrefix(srv.Endpoint(), "localhost:") {
		t.Fatalf("endpoint: got %s", srv.Endpoint())
	}

	resp, err := http.Post("http://"+srv.Addr()+"/new_burn_block", "application/json", bytes.NewReader([]byte(`{"burn_block_height":9}`)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	if log.Len(KindBurnBlock) != 1 {
		t.Fatalf("event not recorded")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestEvent_TypedAccessors(t *testing.T) {
	t.Parallel()

	mined := Event{Kind: KindMinedBlock, Payload: []byte(`{"block_hash":"0xab","stacks_height":7,"signer_signature_hash":"0x` + strings.Repeat("11", 32) + `"}`)}
	mb, err := mined.MinedBlock()
	if err != nil {
		t.Fatalf("MinedBlock: %v", err)
	}
	if mb.BlockHash != "0xab" || mb.StacksHeight != 7 || mb.SignerSignatureHash[0] != 0x11 {
		t.Fatalf("MinedBlock: got %+v", mb)
	}
	if _, err := mined.ProposalResponse(); !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("kind mismatch: expected ErrMalformedEvent, got %v", err)
	}

	block := Event{Kind: KindBlock, Payload: []byte(`{"block_hash":"0xcd","block_height":3}`)}
	b, err := block.Block()
	if err != nil || b.BlockHash != "0xcd" || b.BlockHeight != 3 || b.SignerSignatureHash != "" {
		t.Fatalf("Block: got %+v,%v", b, err)
	}

	burn := Event{Kind: KindBurnBlock, Payload: []byte(`{"burn_block_height":231}`)}
	bb, err := burn.BurnBlock()
	if err != nil || bb.BurnBlockHeight != 231 {
		t.Fatalf("BurnBlock: got %+v,%v", bb, err)
	}

	resp := Event{Kind: KindProposalResponse, Payload: []byte(`{"result":"Maybe"}`)}
	if _, err := resp.ProposalResponse(); !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("unknown result: expected ErrMalformedEvent, got %v", err)
	}
}

func mustHandler(t *testing.T, log *Log, cfg Config) http.Handler {
	t.Helper()
	h, err := NewHandler(log, cfg)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return h
}

func TestNewHandler_RequiresLog(t *testing.T) {
	t.Parallel()

	if _, err := NewHandler(nil, Config{}); !errors.Is(err, ErrNilLog) {
		t.Fatalf("expected ErrNilLog, got %v", err)
	}
}
