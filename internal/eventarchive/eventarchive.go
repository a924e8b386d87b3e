// Package eventarchive persists observed node events per harness run so a
// failed run can be inspected after the processes are gone.
package eventarchive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juno-intents/signer-harness/internal/observer"
)

var (
	ErrInvalidInput = errors.New("eventarchive: invalid input")
	ErrConflict     = errors.New("eventarchive: conflicting record")
)

// Record is one archived event. (RunID, Seq) is unique.
type Record struct {
	RunID      string
	Seq        uint64
	Kind       observer.Kind
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// Store semantics:
// - Append is idempotent for an identical record and rejects a different
//   record under an existing (RunID, Seq) with ErrConflict.
// - List returns records of a run ordered by Seq; an empty kind lists all.
type Store interface {
	Append(ctx context.Context, rec Record) error
	List(ctx context.Context, runID string, kind observer.Kind) ([]Record, error)
}

func Validate(rec Record) error {
	if rec.RunID == "" {
		return fmt.Errorf("%w: missing run id", ErrInvalidInput)
	}
	if rec.Kind == "" {
		return fmt.Errorf("%w: missing kind", ErrInvalidInput)
	}
	if !json.Valid(rec.Payload) {
		return fmt.Errorf("%w: payload is not json", ErrInvalidInput)
	}
	return nil
}

// MemoryStore is an in-memory Store for tests and runs without a database.
// It is safe for concurrent use.
type MemoryStore struct {
	mu   sync.Mutex
	runs map[string]map[uint64]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]map[uint64]Record)}
}

func (s *MemoryStore) Append(_ context.Context, rec Record) error {
	if err := Validate(rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[rec.RunID]
	if !ok {
		run = make(map[uint64]Record)
		s.runs[rec.RunID] = run
	}
	if prev, ok := run[rec.Seq]; ok {
		if prev.Kind != rec.Kind || string(prev.Payload) != string(rec.Payload) {
			return fmt.Errorf("%w: run %s seq %d", ErrConflict, rec.RunID, rec.Seq)
		}
		return nil
	}
	rec.Payload = append(json.RawMessage(nil), rec.Payload...)
	run[rec.Seq] = rec
	return nil
}

func (s *MemoryStore) List(_ context.Context, runID string, kind observer.Kind) ([]Record, error) {
	if runID == "" {
		return nil, fmt.Errorf("%w: missing run id", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Record
	for _, rec := range s.runs[runID] {
		if kind != "" && rec.Kind != kind {
			continue
		}
		rec.Payload = append(json.RawMessage(nil), rec.Payload...)
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Sink archives observer events under one run id, numbering them in
// acceptance order.
type Sink struct {
	store Store
	runID string
	seq   atomic.Uint64
}

var _ observer.Sink = (*Sink)(nil)

func NewSink(store Store, runID string) (*Sink, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidInput)
	}
	if runID == "" {
		return nil, fmt.Errorf("%w: missing run id", ErrInvalidInput)
	}
	return &Sink{store: store, runID: runID}, nil
}

func (s *Sink) Accept(ctx context.Context, ev observer.Event) error {
	rec := Record{
		RunID:      s.runID,
		Seq:        s.seq.Add(1),
		Kind:       ev.Kind,
		Payload:    ev.Payload,
		ReceivedAt: ev.ReceivedAt,
	}
	if err := s.store.Append(ctx, rec); err != nil {
		return fmt.Errorf("eventarchive: append seq %d: %w", rec.Seq, err)
	}
	return nil
}
