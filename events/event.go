// Package events broadcasts negotiation and settlement milestones to
// websocket subscribers, typically dashboards watching a marketplace run.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/dcap-x-project/dcap-commerce/types"
)

// EventType identifies the milestone an event reports
type EventType string

const (
	EventNegotiationCreated  EventType = "negotiation.created"
	EventQuoteIssued         EventType = "quote.issued"
	EventQuoteCountered      EventType = "quote.countered"
	EventNegotiationAccepted EventType = "negotiation.accepted"
	EventNegotiationRejected EventType = "negotiation.rejected"
	EventNegotiationExpired  EventType = "negotiation.expired"
	EventSettlementStarted   EventType = "settlement.started"
	EventSettlementSucceeded EventType = "settlement.succeeded"
	EventSettlementFailed    EventType = "settlement.failed"
	EventEscrowReleased      EventType = "escrow.released"
	EventReputationUpdated   EventType = "reputation.updated"
)

// MarketEvent is one broadcast milestone
type MarketEvent struct {
	ID            uuid.UUID           `json:"id"`
	Type          EventType           `json:"type"`
	TransactionID types.TransactionID `json:"transaction_id,omitempty"`
	AgentID       types.AgentID       `json:"agent_id,omitempty"`
	Timestamp     time.Time           `json:"timestamp"`
	Payload       map[string]any      `json:"payload,omitempty"`
}

// NewMarketEvent creates an event stamped with a fresh ID and the current time
func NewMarketEvent(eventType EventType, payload map[string]any) *MarketEvent {
	return &MarketEvent{
		ID:        uuid.New(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// WithTransaction tags the event with the negotiation it belongs to
func (e *MarketEvent) WithTransaction(id types.TransactionID) *MarketEvent {
	e.TransactionID = id
	return e
}

// WithAgent tags the event with the agent that caused it
func (e *MarketEvent) WithAgent(id types.AgentID) *MarketEvent {
	e.AgentID = id
	return e
}

// Marshal returns the wire form of the event
func (e *MarketEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
