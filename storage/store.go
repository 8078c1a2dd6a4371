// Package storage defines the durable store the core reads and writes through.
// The core only assumes read-your-writes; an in-memory implementation is
// provided for tests and single-process deployments.
package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/dcap-x-project/dcap-commerce/types"
)

// Store persists the core's records. Every mutating core operation writes
// through synchronously; a missing id reads back as a NotFound error.
type Store interface {
	SaveNegotiation(ctx context.Context, n *types.Negotiation) error
	GetNegotiation(ctx context.Context, id types.TransactionID) (*types.Negotiation, error)

	SaveQuote(ctx context.Context, q *types.Quote) error
	GetQuote(ctx context.Context, id types.TransactionID) (*types.Quote, error)

	SaveReputation(ctx context.Context, score *ReputationRecord) error
	GetReputation(ctx context.Context, agentID types.AgentID) (*ReputationRecord, error)

	AppendRecord(ctx context.Context, rec *types.NegotiationRecord) error
	ListRecords(ctx context.Context) ([]types.NegotiationRecord, error)

	AppendActivity(ctx context.Context, act *ActivityRecord) error
	ListActivities(ctx context.Context, agentID types.AgentID) ([]ActivityRecord, error)

	SaveEscrow(ctx context.Context, rec *EscrowRecord) error
	GetEscrow(ctx context.Context, id uuid.UUID) (*EscrowRecord, error)
	ListEscrows(ctx context.Context) ([]EscrowRecord, error)
}

// ReputationRecord is the durable form of an agent's reputation score
type ReputationRecord struct {
	AgentID                types.AgentID `json:"agent_id"`
	Score                  int           `json:"score"`
	SuccessfulTransactions int           `json:"successful_transactions"`
	FailedTransactions     int           `json:"failed_transactions"`
	TotalNegotiations      int           `json:"total_negotiations"`
	AverageResponseMs      int64         `json:"average_response_time_ms"`
	LastUpdatedUnix        int64         `json:"last_updated"`
}

// ActivityRecord is one immutable trust-activity log entry
type ActivityRecord struct {
	ID             uuid.UUID      `json:"id"`
	AgentID        types.AgentID  `json:"agent_id"`
	ActivityType   string         `json:"activity_type"`
	ScoreChange    int            `json:"score_change"`
	Reason         string         `json:"reason"`
	RelatedAgentID *types.AgentID `json:"related_agent_id,omitempty"`
	TimestampUnix  int64          `json:"timestamp"`
}

// EscrowRecord is the durable form of an escrow hold
type EscrowRecord struct {
	ID                uuid.UUID           `json:"id"`
	TransactionID     types.TransactionID `json:"transaction_id"`
	BuyerID           types.AgentID       `json:"buyer_id"`
	SellerID          types.AgentID       `json:"seller_id"`
	Amount            float64             `json:"amount"`
	Currency          string              `json:"currency"`
	Status            string              `json:"status"`
	ReleaseConditions []string            `json:"release_conditions"`
	CreatedAtUnix     int64               `json:"created_at"`
	ExpiresAtUnix     int64               `json:"expires_at"`
}
