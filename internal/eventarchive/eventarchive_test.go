package eventarchive

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/juno-intents/signer-harness/internal/observer"
)

func TestMemoryStore_AppendIdempotentAndConflict(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	rec := Record{RunID: "r1", Seq: 1, Kind: observer.KindBlock, Payload: json.RawMessage(`{"a":1}`)}

	if err := s.Append(ctx, rec); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(ctx, rec); err != nil {
		t.Fatalf("Append replay: %v", err)
	}
	other := rec
	other.Payload = json.RawMessage(`{"a":2}`)
	if err := s.Append(ctx, other); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	got, err := s.List(ctx, "r1", "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || string(got[0].Payload) != `{"a":1}` {
		t.Fatalf("records: got %+v", got)
	}
}

func TestMemoryStore_Validation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	bad := []Record{
		{Seq: 1, Kind: observer.KindBlock, Payload: json.RawMessage(`{}`)},
		{RunID: "r", Seq: 1, Payload: json.RawMessage(`{}`)},
		{RunID: "r", Seq: 1, Kind: observer.KindBlock, Payload: json.RawMessage(`{`)},
	}
	for i, rec := range bad {
		if err := s.Append(ctx, rec); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("case %d: expected ErrInvalidInput, got %v", i, err)
		}
	}
	if _, err := s.List(ctx, "", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("List without run id: got %v", err)
	}
}

func TestSink_NumbersEventsAndFiltersByKind(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	sink, err := NewSink(store, "run-9")
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	events := []observer.Event{
		{Kind: observer.KindBurnBlock, Payload: json.RawMessage(`{"burn_block_height":1}`), ReceivedAt: now},
		{Kind: observer.KindBlock, Payload: json.RawMessage(`{"block_height":1}`), ReceivedAt: now},
		{Kind: observer.KindBurnBlock, Payload: json.RawMessage(`{"burn_block_height":2}`), ReceivedAt: now},
	}
	for _, ev := range events {
		if err := sink.Accept(ctx, ev); err != nil {
			t.Fatalf("Accept: %v", err)
		}
	}

	all, err := store.List(ctx, "run-9", "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 || all[0].Seq != 1 || all[2].Seq != 3 {
		t.Fatalf("all: got %+v", all)
	}
	burns, err := store.List(ctx, "run-9", observer.KindBurnBlock)
	if err != nil {
		t.Fatalf("List burn: %v", err)
	}
	if len(burns) != 2 || burns[1].Seq != 3 {
		t.Fatalf("burns: got %+v", burns)
	}
}

func TestNewSink_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewSink(nil, "r"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("nil store: got %v", err)
	}
	if _, err := NewSink(NewMemoryStore(), ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("missing run: got %v", err)
	}
}
