// Package settlement converts accepted negotiations into payment outcomes.
// A Router dispatches each payment to exactly one rail; rails share a common
// interface so new payment backends plug in without touching dispatch.
package settlement

import (
	"time"

	"github.com/google/uuid"

	"github.com/dcap-x-project/dcap-commerce/types"
)

// PaymentStatus is the lifecycle state of a payment
type PaymentStatus string

// Payment statuses
const (
	StatusPending    PaymentStatus = "pending"
	StatusProcessing PaymentStatus = "processing"
	StatusSucceeded  PaymentStatus = "succeeded"
	StatusFailed     PaymentStatus = "failed"
	StatusCancelled  PaymentStatus = "cancelled"
	StatusRefunded   PaymentStatus = "refunded"
)

// PaymentRequest asks a rail to move funds between two agents
type PaymentRequest struct {
	TransactionID types.TransactionID `json:"transaction_id"`
	BuyerID       types.AgentID       `json:"buyer_id"`
	SellerID      types.AgentID       `json:"seller_id"`
	Amount        float64             `json:"amount"`
	Currency      string              `json:"currency"`
	PaymentMethod types.PaymentMethod `json:"payment_method"`
	Description   string              `json:"description"`
	Metadata      map[string]string   `json:"metadata,omitempty"`
}

// Validate checks the request against its invariants
func (r *PaymentRequest) Validate() error {
	if r.Amount <= 0 {
		return types.NewValidationError("amount", "amount must be greater than 0")
	}
	if r.Currency == "" {
		return types.NewValidationError("currency", "currency is required")
	}
	return nil
}

// PaymentResult is a rail's answer to a charge, refund or release
type PaymentResult struct {
	Success       bool                `json:"success"`
	PaymentID     string              `json:"payment_id"`
	TransactionID types.TransactionID `json:"transaction_id"`
	Amount        float64             `json:"amount"`
	Currency      string              `json:"currency"`
	Status        PaymentStatus       `json:"status"`
	CreatedAt     time.Time           `json:"created_at"`
	CompletedAt   *time.Time          `json:"completed_at,omitempty"`
	ErrorMessage  string              `json:"error_message,omitempty"`
}

// EscrowStatus is the lifecycle state of an escrow hold. Released, Refunded
// and Expired are terminal.
type EscrowStatus string

// Escrow states
const (
	EscrowActive   EscrowStatus = "active"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
	EscrowExpired  EscrowStatus = "expired"
)

// EscrowHold is a time-bounded custodial hold of funds pending release
// conditions
type EscrowHold struct {
	ID                  uuid.UUID           `json:"id"`
	TransactionID       types.TransactionID `json:"transaction_id"`
	BuyerID             types.AgentID       `json:"buyer_id"`
	SellerID            types.AgentID       `json:"seller_id"`
	Amount              float64             `json:"amount"`
	Currency            string              `json:"currency"`
	HoldDurationSeconds int64               `json:"hold_duration_seconds"`
	CreatedAt           time.Time           `json:"created_at"`
	ExpiresAt           time.Time           `json:"expires_at"`
	Status              EscrowStatus        `json:"status"`
	ReleaseConditions   []string            `json:"release_conditions"`
}
