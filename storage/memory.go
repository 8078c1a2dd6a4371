package storage

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/dcap-x-project/dcap-commerce/types"
)

// MemoryStore is an in-memory Store with read-your-writes semantics. Values
// are copied on the way in and out so callers can't mutate stored state.
type MemoryStore struct {
	mu           sync.RWMutex
	negotiations map[types.TransactionID]types.Negotiation
	quotes       map[types.TransactionID]types.Quote
	reputations  map[types.AgentID]ReputationRecord
	records      []types.NegotiationRecord
	activities   map[types.AgentID][]ActivityRecord
	escrows      map[uuid.UUID]EscrowRecord
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		negotiations: make(map[types.TransactionID]types.Negotiation),
		quotes:       make(map[types.TransactionID]types.Quote),
		reputations:  make(map[types.AgentID]ReputationRecord),
		activities:   make(map[types.AgentID][]ActivityRecord),
		escrows:      make(map[uuid.UUID]EscrowRecord),
	}
}

// SaveNegotiation stores a deep enough copy of the negotiation
func (s *MemoryStore) SaveNegotiation(_ context.Context, n *types.Negotiation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.negotiations[n.ID] = copyNegotiation(n)
	return nil
}

// GetNegotiation returns the stored negotiation or NotFound
func (s *MemoryStore) GetNegotiation(_ context.Context, id types.TransactionID) (*types.Negotiation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.negotiations[id]
	if !ok {
		return nil, types.NewNotFoundError("negotiation", id.String())
	}
	out := copyNegotiation(&n)
	return &out, nil
}

// SaveQuote stores a copy of the quote
func (s *MemoryStore) SaveQuote(_ context.Context, q *types.Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[q.ID] = *q
	return nil
}

// GetQuote returns the stored quote or NotFound
func (s *MemoryStore) GetQuote(_ context.Context, id types.TransactionID) (*types.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[id]
	if !ok {
		return nil, types.NewNotFoundError("quote", id.String())
	}
	out := q
	return &out, nil
}

// SaveReputation stores a copy of the reputation record
func (s *MemoryStore) SaveReputation(_ context.Context, rec *ReputationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reputations[rec.AgentID] = *rec
	return nil
}

// GetReputation returns the stored reputation or NotFound for unknown agents
func (s *MemoryStore) GetReputation(_ context.Context, agentID types.AgentID) (*ReputationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.reputations[agentID]
	if !ok {
		return nil, types.NewNotFoundError("reputation", agentID.String())
	}
	out := rec
	return &out, nil
}

// AppendRecord appends a write-once audit record
func (s *MemoryStore) AppendRecord(_ context.Context, rec *types.NegotiationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, *rec)
	return nil
}

// ListRecords returns a copy of all audit records
func (s *MemoryStore) ListRecords(_ context.Context) ([]types.NegotiationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.NegotiationRecord, len(s.records))
	copy(out, s.records)
	return out, nil
}

// AppendActivity appends an immutable trust-activity entry
func (s *MemoryStore) AppendActivity(_ context.Context, act *ActivityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities[act.AgentID] = append(s.activities[act.AgentID], *act)
	return nil
}

// ListActivities returns a copy of an agent's trust-activity history
func (s *MemoryStore) ListActivities(_ context.Context, agentID types.AgentID) ([]ActivityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acts := s.activities[agentID]
	out := make([]ActivityRecord, len(acts))
	copy(out, acts)
	return out, nil
}

// SaveEscrow stores a copy of the escrow record
func (s *MemoryStore) SaveEscrow(_ context.Context, rec *EscrowRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.escrows[rec.ID] = copyEscrow(rec)
	return nil
}

// GetEscrow returns the stored escrow record or NotFound
func (s *MemoryStore) GetEscrow(_ context.Context, id uuid.UUID) (*EscrowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.escrows[id]
	if !ok {
		return nil, types.NewNotFoundError("escrow", id.String())
	}
	out := copyEscrow(&rec)
	return &out, nil
}

// ListEscrows returns a copy of all escrow records
func (s *MemoryStore) ListEscrows(_ context.Context) ([]EscrowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]EscrowRecord, 0, len(s.escrows))
	for _, rec := range s.escrows {
		out = append(out, copyEscrow(&rec))
	}
	return out, nil
}

func copyEscrow(rec *EscrowRecord) EscrowRecord {
	out := *rec
	out.ReleaseConditions = make([]string, len(rec.ReleaseConditions))
	copy(out.ReleaseConditions, rec.ReleaseConditions)
	return out
}

func copyNegotiation(n *types.Negotiation) types.Negotiation {
	out := *n
	if n.QuoteID != nil {
		id := *n.QuoteID
		out.QuoteID = &id
	}
	if n.ClosePrice != nil {
		v := *n.ClosePrice
		out.ClosePrice = &v
	}
	if n.Delta != nil {
		v := *n.Delta
		out.Delta = &v
	}
	out.Messages = make([]types.NegotiationMessage, len(n.Messages))
	copy(out.Messages, n.Messages)
	return out
}
