package observer

import (
	"encoding/json"
	"sync"
)

// Log is the append-only store of observed events. It is safe for concurrent
// use; accessors return copies.
type Log struct {
	mu          sync.Mutex
	blocks      []json.RawMessage
	burnBlocks  []BurnBlockEvent
	minedBlocks []MinedBlockEvent
	proposals   []ProposalResponse
	chunks      []StackerDBChunksEvent
}

func NewLog() *Log {
	return &Log{}
}

// Record decodes payload for kind and appends it to the matching feed.
func (l *Log) Record(kind Kind, payload []byte) error {
	switch kind {
	case KindBlock:
		b, err := decodeBlock(payload)
		if err != nil {
			return err
		}
		l.mu.Lock()
		l.blocks = append(l.blocks, b)
		l.mu.Unlock()
	case KindBurnBlock:
		ev, err := decodeBurnBlock(payload)
		if err != nil {
			return err
		}
		l.mu.Lock()
		l.burnBlocks = append(l.burnBlocks, ev)
		l.mu.Unlock()
	case KindMinedBlock:
		ev, err := decodeMinedBlock(payload)
		if err != nil {
			return err
		}
		l.AppendMinedBlock(ev)
	case KindProposalResponse:
		ev, err := decodeProposalResponse(payload)
		if err != nil {
			return err
		}
		l.AppendProposalResponse(ev)
	case KindStackerDBChunks:
		ev, err := decodeStackerDBChunks(payload)
		if err != nil {
			return err
		}
		l.mu.Lock()
		l.chunks = append(l.chunks, ev)
		l.mu.Unlock()
	}
	return nil
}

func (l *Log) AppendMinedBlock(ev MinedBlockEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minedBlocks = append(l.minedBlocks, ev)
}

func (l *Log) AppendProposalResponse(ev ProposalResponse) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.proposals = append(l.proposals, ev)
}

// Blocks returns the confirmed block payloads in arrival order.
func (l *Log) Blocks() []json.RawMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]json.RawMessage, len(l.blocks))
	copy(out, l.blocks)
	return out
}

func (l *Log) BurnBlocks() []BurnBlockEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]BurnBlockEvent(nil), l.burnBlocks...)
}

func (l *Log) MinedBlocks() []MinedBlockEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]MinedBlockEvent(nil), l.minedBlocks...)
}

// PopMinedBlock consumes the oldest buffered mined block event.
func (l *Log) PopMinedBlock() (MinedBlockEvent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.minedBlocks) == 0 {
		return MinedBlockEvent{}, false
	}
	ev := l.minedBlocks[0]
	l.minedBlocks = l.minedBlocks[1:]
	return ev, true
}

func (l *Log) ProposalResponses() []ProposalResponse {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ProposalResponse(nil), l.proposals...)
}

func (l *Log) StackerDBChunks() []StackerDBChunksEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]StackerDBChunksEvent(nil), l.chunks...)
}

// Len reports the number of buffered events for kind.
func (l *Log) Len(kind Kind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch kind {
	case KindBlock:
		return len(l.blocks)
	case KindBurnBlock:
		return len(l.burnBlocks)
	case KindMinedBlock:
		return len(l.minedBlocks)
	case KindProposalResponse:
		return len(l.proposals)
	case KindStackerDBChunks:
		return len(l.chunks)
	default:
		return 0
	}
}

// Clear drops every feed.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocks = nil
	l.burnBlocks = nil
	l.minedBlocks = nil
	l.proposals = nil
	l.chunks = nil
}
